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
	"time"

	log "github.com/sirupsen/logrus"
)

// NTS-KE error codes
const (
	ErrorUnrecognizedCriticalRecord uint16 = 0
	ErrorBadRequest                 uint16 = 1
	ErrorInternalServerError        uint16 = 2
)

// Server answers NTS-KE requests, one session per connection. Cookie
// encryption lives with the caller; MintCookie gets the exported keys
// and returns one opaque cookie.
type Server struct {
	TLSConfig  *tls.Config
	Timeout    time.Duration
	MintCookie func(aead uint16, c2s, s2c []byte) ([]byte, error)
	NTPServer  string
	NTPPort    uint16
	NumCookies int
}

// request is what the client asked for
type request struct {
	hasNTPv4 bool
	aead     uint16
	hasAEAD  bool
}

func parseRequest(msg *Message) (*request, uint16, bool) {
	req := &request{}
	msg.ResetParsing()
	for {
		critical, typ, body, ok := msg.GetRecord()
		if !ok {
			break
		}
		switch typ {
		case RecEndOfMessage:
		case RecNextProtocol:
			if len(body)%2 != 0 {
				return nil, ErrorBadRequest, false
			}
			for i := 0; i < len(body); i += 2 {
				if binary.BigEndian.Uint16(body[i:]) == NextProtocolNTPv4 {
					req.hasNTPv4 = true
				}
			}
		case RecAEADAlgo:
			if len(body)%2 != 0 {
				return nil, ErrorBadRequest, false
			}
			// first supported algorithm in the client's order wins
			for i := 0; i < len(body) && !req.hasAEAD; i += 2 {
				if a := binary.BigEndian.Uint16(body[i:]); supportedAEAD(a) {
					req.aead = a
					req.hasAEAD = true
				}
			}
		case RecError, RecWarning:
			return nil, ErrorBadRequest, false
		default:
			if critical {
				return nil, ErrorUnrecognizedCriticalRecord, false
			}
		}
	}
	if !req.hasNTPv4 || !req.hasAEAD {
		return nil, ErrorBadRequest, false
	}
	return req, 0, true
}

func buildErrorResponse(msg *Message, code uint16) {
	msg.Reset()
	msg.AddRecordUint16(true, RecError, code)
	msg.End()
}

func (srv *Server) buildResponse(s *Session, req *request) bool {
	cs, ok := s.ConnectionState()
	if !ok {
		return false
	}
	c2s, s2c, err := ExportKeys(cs, NextProtocolNTPv4, req.aead)
	if err != nil {
		log.Debugf("exporting server keys: %v", err)
		buildErrorResponse(s.Message(), ErrorInternalServerError)
		return true
	}

	n := srv.NumCookies
	if n <= 0 || n > MaxCookies {
		n = MaxCookies
	}

	msg := s.Message()
	msg.Reset()
	msg.AddRecordUint16(true, RecNextProtocol, NextProtocolNTPv4)
	msg.AddRecordUint16(true, RecAEADAlgo, req.aead)
	if srv.NTPServer != "" {
		msg.AddRecord(false, RecServer, []byte(srv.NTPServer))
	}
	if srv.NTPPort != 0 {
		msg.AddRecordUint16(false, RecPort, srv.NTPPort)
	}
	for i := 0; i < n; i++ {
		cookie, err := srv.MintCookie(req.aead, c2s, s2c)
		if err != nil {
			log.Debugf("minting cookie: %v", err)
			buildErrorResponse(msg, ErrorInternalServerError)
			return true
		}
		if !msg.AddRecord(false, RecCookie, cookie) {
			buildErrorResponse(msg, ErrorInternalServerError)
			return true
		}
	}
	if !msg.End() {
		buildErrorResponse(msg, ErrorInternalServerError)
	}
	return true
}

// Serve runs one NTS-KE session on an accepted connection
func (srv *Server) Serve(conn net.Conn) error {
	if srv.MintCookie == nil || srv.TLSConfig == nil {
		conn.Close()
		return fmt.Errorf("server missing TLS config or cookie minter")
	}

	session := NewSession(conn.RemoteAddr().String(), true, func(s *Session) bool {
		req, code, ok := parseRequest(s.Message())
		if !ok {
			buildErrorResponse(s.Message(), code)
			return true
		}
		return srv.buildResponse(s, req)
	})

	cfg := srv.TLSConfig.Clone()
	cfg.NextProtos = []string{ALPN}
	if cfg.MinVersion < tls.VersionTLS13 {
		cfg.MinVersion = tls.VersionTLS13
	}

	timeout := srv.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	err := session.Run(conn, cfg, timeout)
	session.Stop()
	return err
}
