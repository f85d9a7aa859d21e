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
	"testing"

	"github.com/stretchr/testify/require"
)

func serverResponse(t *testing.T, build func(m *Message)) *Message {
	t.Helper()
	m := &Message{}
	build(m)
	require.True(t, m.CheckFormat(true))
	require.True(t, m.Complete())
	return m
}

func TestParseResponse(t *testing.T) {
	m := serverResponse(t, func(m *Message) {
		m.AddRecordUint16(true, RecNextProtocol, NextProtocolNTPv4)
		m.AddRecordUint16(true, RecAEADAlgo, AEADAESSIVCMAC256)
		m.AddRecord(false, RecCookie, make([]byte, 8))
		// an unknown non-critical record is ignored
		m.AddRecord(false, 99, []byte{1, 2, 3, 4})
		m.End()
	})
	data, err := ParseResponse(m)
	require.NoError(t, err)
	require.Equal(t, AEADAESSIVCMAC256, data.AEADAlgorithm)
	require.Len(t, data.Cookies, 1)
}

func TestParseResponseUnknownCritical(t *testing.T) {
	m := serverResponse(t, func(m *Message) {
		m.AddRecordUint16(true, RecNextProtocol, NextProtocolNTPv4)
		m.AddRecordUint16(true, RecAEADAlgo, AEADAESSIVCMAC256)
		m.AddRecord(false, RecCookie, make([]byte, 8))
		m.AddRecord(true, 99, []byte{1, 2, 3, 4})
		m.End()
	})
	_, err := ParseResponse(m)
	require.Error(t, err)
}

func TestParseResponseErrorRecord(t *testing.T) {
	m := serverResponse(t, func(m *Message) {
		m.AddRecordUint16(true, RecError, ErrorBadRequest)
		m.End()
	})
	_, err := ParseResponse(m)
	require.ErrorContains(t, err, "error")

	m = serverResponse(t, func(m *Message) {
		m.AddRecordUint16(true, RecNextProtocol, NextProtocolNTPv4)
		m.AddRecordUint16(true, RecAEADAlgo, AEADAESSIVCMAC256)
		m.AddRecord(false, RecCookie, make([]byte, 8))
		m.AddRecordUint16(true, RecWarning, 0)
		m.End()
	})
	_, err = ParseResponse(m)
	require.ErrorContains(t, err, "warning")
}

func TestParseResponseMissingMandatory(t *testing.T) {
	// no cookie
	m := serverResponse(t, func(m *Message) {
		m.AddRecordUint16(true, RecNextProtocol, NextProtocolNTPv4)
		m.AddRecordUint16(true, RecAEADAlgo, AEADAESSIVCMAC256)
		m.End()
	})
	_, err := ParseResponse(m)
	require.Error(t, err)

	// no AEAD
	m = serverResponse(t, func(m *Message) {
		m.AddRecordUint16(true, RecNextProtocol, NextProtocolNTPv4)
		m.AddRecord(false, RecCookie, make([]byte, 8))
		m.End()
	})
	_, err = ParseResponse(m)
	require.Error(t, err)

	// two next-protocol records
	m = serverResponse(t, func(m *Message) {
		m.AddRecordUint16(true, RecNextProtocol, NextProtocolNTPv4)
		m.AddRecordUint16(true, RecNextProtocol, NextProtocolNTPv4)
		m.AddRecordUint16(true, RecAEADAlgo, AEADAESSIVCMAC256)
		m.AddRecord(false, RecCookie, make([]byte, 8))
		m.End()
	})
	_, err = ParseResponse(m)
	require.Error(t, err)
}

func TestParseResponseUnsupportedAEAD(t *testing.T) {
	m := serverResponse(t, func(m *Message) {
		m.AddRecordUint16(true, RecNextProtocol, NextProtocolNTPv4)
		m.AddRecordUint16(true, RecAEADAlgo, 1234)
		m.AddRecord(false, RecCookie, make([]byte, 8))
		m.End()
	})
	_, err := ParseResponse(m)
	require.Error(t, err)
}

func TestParseResponseCookieLimits(t *testing.T) {
	// bad lengths
	for _, n := range []int{0, 3, 6, MaxCookieLength + 4} {
		m := serverResponse(t, func(m *Message) {
			m.AddRecordUint16(true, RecNextProtocol, NextProtocolNTPv4)
			m.AddRecordUint16(true, RecAEADAlgo, AEADAESSIVCMAC256)
			m.AddRecord(false, RecCookie, make([]byte, n))
			m.End()
		})
		_, err := ParseResponse(m)
		require.Error(t, err, "cookie length %d", n)
	}

	// excess cookies are silently dropped
	m := serverResponse(t, func(m *Message) {
		m.AddRecordUint16(true, RecNextProtocol, NextProtocolNTPv4)
		m.AddRecordUint16(true, RecAEADAlgo, AEADAESSIVCMAC256)
		for i := 0; i < MaxCookies+3; i++ {
			m.AddRecord(false, RecCookie, make([]byte, 8))
		}
		m.End()
	})
	data, err := ParseResponse(m)
	require.NoError(t, err)
	require.Len(t, data.Cookies, MaxCookies)
}

func TestParseResponseServerAndPort(t *testing.T) {
	m := serverResponse(t, func(m *Message) {
		m.AddRecordUint16(true, RecNextProtocol, NextProtocolNTPv4)
		m.AddRecordUint16(true, RecAEADAlgo, AEADAESSIVCMAC256)
		m.AddRecord(false, RecCookie, make([]byte, 8))
		m.AddRecord(false, RecServer, []byte("ntp.example.com"))
		m.AddRecordUint16(false, RecPort, 11123)
		m.End()
	})
	data, err := ParseResponse(m)
	require.NoError(t, err)
	// a hostname is fully qualified for the resolver
	require.Equal(t, "ntp.example.com.", data.NTPServer)
	require.Equal(t, uint16(11123), data.NTPPort)

	// a bare IP stays as is
	m = serverResponse(t, func(m *Message) {
		m.AddRecordUint16(true, RecNextProtocol, NextProtocolNTPv4)
		m.AddRecordUint16(true, RecAEADAlgo, AEADAESSIVCMAC256)
		m.AddRecord(false, RecCookie, make([]byte, 8))
		m.AddRecord(false, RecServer, []byte("192.0.2.10"))
		m.End()
	})
	data, err = ParseResponse(m)
	require.NoError(t, err)
	require.Equal(t, "192.0.2.10", data.NTPServer)
}

func TestParseResponseBadServerName(t *testing.T) {
	for _, name := range []string{"", "with space", "ctl\x01char"} {
		m := serverResponse(t, func(m *Message) {
			m.AddRecordUint16(true, RecNextProtocol, NextProtocolNTPv4)
			m.AddRecordUint16(true, RecAEADAlgo, AEADAESSIVCMAC256)
			m.AddRecord(false, RecCookie, make([]byte, 8))
			m.AddRecord(false, RecServer, []byte(name))
			m.End()
		})
		_, err := ParseResponse(m)
		require.Error(t, err, "name %q", name)
	}
}

func TestBuildRequest(t *testing.T) {
	m := &Message{}
	require.NoError(t, BuildRequest(m, []uint16{AEADAESSIVCMAC256, AEADAES128GCMSIV}))
	require.True(t, m.CheckFormat(true))

	req, code, ok := parseRequest(m)
	require.True(t, ok, "code %d", code)
	require.True(t, req.hasNTPv4)
	require.Equal(t, AEADAESSIVCMAC256, req.aead)
}

func TestParseRequestRejectsUnknownCritical(t *testing.T) {
	m := &Message{}
	require.NoError(t, BuildRequest(m, []uint16{AEADAESSIVCMAC256}))
	// rebuild with an extra critical record before the end
	m2 := &Message{}
	m2.AddRecordUint16(true, RecNextProtocol, NextProtocolNTPv4)
	m2.AddRecordUint16(true, RecAEADAlgo, AEADAESSIVCMAC256)
	m2.AddRecordUint16(true, 77, 0)
	m2.End()
	_, code, ok := parseRequest(m2)
	require.False(t, ok)
	require.Equal(t, ErrorUnrecognizedCriticalRecord, code)
}

func TestSIVKeyLength(t *testing.T) {
	require.Equal(t, 32, SIVKeyLength(AEADAESSIVCMAC256))
	require.Equal(t, 16, SIVKeyLength(AEADAES128GCMSIV))
	require.Equal(t, 0, SIVKeyLength(7))
}
