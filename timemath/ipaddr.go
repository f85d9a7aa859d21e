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

package timemath

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"net/netip"
)

// IPFamily tags the address variant held by IPAddr
type IPFamily uint8

// Address families
const (
	IPUnspec IPFamily = iota
	IPInet4
	IPInet6
)

// IPAddr is a tagged address union. Inet4 holds the address as a host
// order 32-bit integer, Inet6 the raw 16 bytes.
type IPAddr struct {
	Family IPFamily
	Inet4  uint32
	Inet6  [16]byte
}

// IPAddrFromNetip converts a netip.Addr to an IPAddr
func IPAddrFromNetip(a netip.Addr) IPAddr {
	if !a.IsValid() {
		return IPAddr{Family: IPUnspec}
	}
	if a.Is4() {
		b := a.As4()
		return IPAddr{Family: IPInet4, Inet4: binary.BigEndian.Uint32(b[:])}
	}
	return IPAddr{Family: IPInet6, Inet6: a.As16()}
}

// Netip converts the address back to a netip.Addr
func (a IPAddr) Netip() netip.Addr {
	switch a.Family {
	case IPInet4:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], a.Inet4)
		return netip.AddrFrom4(b)
	case IPInet6:
		return netip.AddrFrom16(a.Inet6)
	}
	return netip.Addr{}
}

func (a IPAddr) String() string {
	if a.Family == IPUnspec {
		return "[UNSPEC]"
	}
	return a.Netip().String()
}

// RefID derives the NTP reference ID for the address: an IPv4 address
// is its own refid, an IPv6 address hashes to the first four bytes of
// the MD5 of its raw 16 bytes.
func (a IPAddr) RefID() (uint32, error) {
	switch a.Family {
	case IPInet4:
		return a.Inet4, nil
	case IPInet6:
		sum := md5.Sum(a.Inet6[:])
		return binary.BigEndian.Uint32(sum[0:4]), nil
	}
	return 0, fmt.Errorf("no refid for address family %d", a.Family)
}

// RefIDString renders a refid the way tracking logs print it
func RefIDString(refid uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], refid)
	for _, c := range b {
		if c < ' ' || c > '~' {
			return fmt.Sprintf("%08X", refid)
		}
	}
	return string(b[:])
}
