/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ntske

import (
	"crypto/tls"
	"encoding/binary"
	"fmt"
)

// ExporterLabel is the TLS exporter label of RFC 8915
const ExporterLabel = "EXPORTER-network-time-security"

// ALPN is the application protocol name negotiated for NTS-KE
const ALPN = "ntske/1"

// SIVKeyLength returns the key length of the negotiated AEAD
func SIVKeyLength(aead uint16) int {
	switch aead {
	case AEADAESSIVCMAC256:
		return 32
	case AEADAES128GCMSIV:
		return 16
	}
	return 0
}

// exporter context: next protocol, exporter algorithm, the s2c flag
// and a zero pad byte
func exporterContext(nextProtocol, aead uint16, s2c bool) []byte {
	ctx := make([]byte, 6)
	binary.BigEndian.PutUint16(ctx[0:2], nextProtocol)
	binary.BigEndian.PutUint16(ctx[2:4], aead)
	if s2c {
		ctx[4] = 1
	}
	return ctx
}

// ExportKeys derives the client-to-server and server-to-client AEAD
// keys from the TLS session
func ExportKeys(cs tls.ConnectionState, nextProtocol, aead uint16) (c2s, s2c []byte, err error) {
	length := SIVKeyLength(aead)
	if length == 0 {
		return nil, nil, fmt.Errorf("no key length for AEAD %d", aead)
	}
	c2s, err = cs.ExportKeyingMaterial(ExporterLabel, exporterContext(nextProtocol, aead, false), length)
	if err != nil {
		return nil, nil, fmt.Errorf("exporting c2s key: %w", err)
	}
	s2c, err = cs.ExportKeyingMaterial(ExporterLabel, exporterContext(nextProtocol, aead, true), length)
	if err != nil {
		return nil, nil, fmt.Errorf("exporting s2c key: %w", err)
	}
	return c2s, s2c, nil
}
