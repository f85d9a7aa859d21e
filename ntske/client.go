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
	"net"
	"net/netip"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultPort is the IANA NTS-KE port
const DefaultPort = 4460

// Data is what a successful key establishment yields for the NTP
// layer
type Data struct {
	AEADAlgorithm uint16
	C2SKey        []byte
	S2CKey        []byte
	Cookies       [][]byte
	// NTPServer is the negotiated server name; a non-IP name carries
	// a trailing dot and still needs resolving
	NTPServer string
	NTPPort   uint16
}

// BuildRequest assembles the client request: the NTPv4 next-protocol
// record, the supported AEAD algorithms and the terminator
func BuildRequest(msg *Message, aeads []uint16) error {
	msg.Reset()
	if !msg.AddRecordUint16(true, RecNextProtocol, NextProtocolNTPv4) {
		return fmt.Errorf("could not add next-protocol record")
	}
	body := make([]byte, 2*len(aeads))
	for i, a := range aeads {
		binary.BigEndian.PutUint16(body[2*i:], a)
	}
	if !msg.AddRecord(true, RecAEADAlgo, body) {
		return fmt.Errorf("could not add AEAD record")
	}
	if !msg.End() {
		return fmt.Errorf("could not terminate message")
	}
	return nil
}

func supportedAEAD(a uint16) bool {
	return a == AEADAESSIVCMAC256 || a == AEADAES128GCMSIV
}

func printableName(b []byte) bool {
	for _, c := range b {
		if c <= ' ' || c > '~' {
			return false
		}
	}
	return len(b) > 0
}

// ParseResponse validates the server response and extracts the
// negotiated parameters. Keys are not filled in here.
func ParseResponse(msg *Message) (*Data, error) {
	data := &Data{}
	numProtocols, numAEADs := 0, 0
	droppedCookies := 0

	msg.ResetParsing()
	for {
		critical, typ, body, ok := msg.GetRecord()
		if !ok {
			break
		}
		switch typ {
		case RecEndOfMessage:
			// validated by CheckFormat already
		case RecNextProtocol:
			if !critical || len(body) != 2 || binary.BigEndian.Uint16(body) != NextProtocolNTPv4 {
				return nil, fmt.Errorf("unexpected next-protocol record")
			}
			numProtocols++
		case RecAEADAlgo:
			if len(body) != 2 {
				return nil, fmt.Errorf("unexpected AEAD record length %d", len(body))
			}
			aead := binary.BigEndian.Uint16(body)
			if !supportedAEAD(aead) {
				return nil, fmt.Errorf("server selected unsupported AEAD %d", aead)
			}
			data.AEADAlgorithm = aead
			numAEADs++
		case RecCookie:
			if len(body) < 1 || len(body) > MaxCookieLength || len(body)%4 != 0 {
				return nil, fmt.Errorf("bad cookie length %d", len(body))
			}
			if len(data.Cookies) >= MaxCookies {
				droppedCookies++
				continue
			}
			cookie := make([]byte, len(body))
			copy(cookie, body)
			data.Cookies = append(data.Cookies, cookie)
		case RecServer:
			if !printableName(body) || len(body) >= 256 {
				return nil, fmt.Errorf("bad server negotiation record")
			}
			name := string(body)
			if _, err := netip.ParseAddr(name); err != nil {
				// fully qualify so the resolver does not walk the
				// search path
				name += "."
			}
			data.NTPServer = name
		case RecPort:
			if len(body) != 2 {
				return nil, fmt.Errorf("bad port negotiation record")
			}
			data.NTPPort = binary.BigEndian.Uint16(body)
		case RecError:
			return nil, fmt.Errorf("server reported error %d", recordCode(body))
		case RecWarning:
			return nil, fmt.Errorf("server reported warning %d", recordCode(body))
		default:
			if critical {
				return nil, fmt.Errorf("unknown critical record %d", typ)
			}
			// unknown non-critical records are ignored
		}
	}

	if numProtocols != 1 {
		return nil, fmt.Errorf("expected one next-protocol record, got %d", numProtocols)
	}
	if numAEADs != 1 {
		return nil, fmt.Errorf("expected one AEAD record, got %d", numAEADs)
	}
	if len(data.Cookies) == 0 {
		return nil, fmt.Errorf("no cookies in response")
	}
	if droppedCookies > 0 {
		log.Debugf("dropped %d excess cookies", droppedCookies)
	}
	return data, nil
}

func recordCode(body []byte) uint16 {
	if len(body) >= 2 {
		return binary.BigEndian.Uint16(body)
	}
	return 0
}

// Client performs the NTS-KE exchange against one server
type Client struct {
	Address   string        // host or host:port
	TLSConfig *tls.Config   // cloned; ALPN and min version are forced
	Timeout   time.Duration // session-wide
	// Time, when set, is the clock certificate validation uses; the
	// daemon points it at the disciplined clock
	Time func() time.Time

	retryFactor int
}

// RetryFactor returns the backoff factor of the last exchange
func (c *Client) RetryFactor() int {
	if c.retryFactor == 0 {
		return RetryFactor2Connect
	}
	return c.retryFactor
}

// Exchange dials the server, runs the session and exports the keys
func (c *Client) Exchange() (*Data, error) {
	address := c.Address
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, strconv.Itoa(DefaultPort))
	}

	cfg := c.TLSConfig.Clone()
	if cfg == nil {
		cfg = &tls.Config{}
	}
	cfg.NextProtos = []string{ALPN}
	if cfg.MinVersion < tls.VersionTLS13 {
		cfg.MinVersion = tls.VersionTLS13
	}
	if cfg.ServerName == "" {
		host, _, _ := net.SplitHostPort(address)
		cfg.ServerName = host
	}
	if c.Time != nil {
		cfg.Time = c.Time
	}

	var data *Data
	var parseErr error
	var cs tls.ConnectionState
	session := NewSession(address, false, func(s *Session) bool {
		// grab the TLS state while the session still owns it
		cs, _ = s.ConnectionState()
		data, parseErr = ParseResponse(s.Message())
		return parseErr == nil
	})

	if err := BuildRequest(session.Message(), []uint16{AEADAESSIVCMAC256, AEADAES128GCMSIV}); err != nil {
		return nil, err
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		c.retryFactor = RetryFactor2Connect
		return nil, fmt.Errorf("connecting to %s: %w", address, err)
	}

	runErr := session.Run(conn, cfg, timeout)
	session.Stop()
	c.retryFactor = session.RetryFactor()
	if runErr != nil {
		if parseErr != nil {
			return nil, parseErr
		}
		return nil, runErr
	}

	data.C2SKey, data.S2CKey, err = ExportKeys(cs, NextProtocolNTPv4, data.AEADAlgorithm)
	if err != nil {
		return nil, err
	}
	return data, nil
}
