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
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
)

// State of an NTS-KE session
type State int

// Session states
const (
	StateWaitConnect State = iota
	StateHandshake
	StateSend
	StateReceive
	StateShutdown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateWaitConnect:
		return "WAIT_CONNECT"
	case StateHandshake:
		return "HANDSHAKE"
	case StateSend:
		return "SEND"
	case StateReceive:
		return "RECEIVE"
	case StateShutdown:
		return "SHUTDOWN"
	case StateStopped:
		return "STOPPED"
	}
	return "UNKNOWN"
}

// Reconnection backoff factors handed to the caller: moderate until
// the TLS handshake has completed, long afterwards and on failures
const (
	RetryFactor2Connect = 4
	RetryFactor2TLS     = 10
)

// Handler is called with the session once a complete message has been
// parsed; a server handler is expected to leave its response in the
// session message. Returning false stops the session.
type Handler func(s *Session) bool

// Session runs one NTS-KE exchange over a single TLS connection. It
// owns the socket, the TLS session and the pending message until
// Stop, which is idempotent.
type Session struct {
	label   string
	server  bool
	handler Handler

	conn    net.Conn
	tlsConn *tls.Conn

	state       State
	message     Message
	retryFactor int
	stopped     bool
}

// NewSession creates a session; label is used for diagnostics only
func NewSession(label string, server bool, handler Handler) *Session {
	state := StateWaitConnect
	if server {
		state = StateHandshake
	}
	return &Session{
		label:       label,
		server:      server,
		handler:     handler,
		state:       state,
		retryFactor: RetryFactor2Connect,
	}
}

// Message gives access to the pending message buffer; a client fills
// its request here before Run
func (s *Session) Message() *Message {
	return &s.message
}

// State returns the current state
func (s *Session) State() State {
	return s.state
}

// RetryFactor tells the caller how hard to back off before
// reconnecting
func (s *Session) RetryFactor() int {
	return s.retryFactor
}

// ConnectionState exposes the TLS session for key export
func (s *Session) ConnectionState() (tls.ConnectionState, bool) {
	if s.tlsConn == nil {
		return tls.ConnectionState{}, false
	}
	return s.tlsConn.ConnectionState(), true
}

// protocol failures on the server side are routine noise, on the
// client side they are worth attention
func (s *Session) logf(format string, args ...any) {
	if s.server {
		log.Debugf("%s: %s", s.label, fmt.Sprintf(format, args...))
	} else {
		log.Errorf("%s: %s", s.label, fmt.Sprintf(format, args...))
	}
}

// Stop releases the socket and TLS session; all cursors return to
// their initial state. Safe to call more than once.
func (s *Session) Stop() {
	if s.stopped {
		return
	}
	s.stopped = true
	s.state = StateStopped
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.tlsConn = nil
	s.message.Reset()
}

// Run drives the state machine over the connection until STOPPED.
// The whole session shares one timeout; its expiry stops the session
// with a diagnostic.
func (s *Session) Run(conn net.Conn, cfg *tls.Config, timeout time.Duration) error {
	s.conn = conn
	if timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			s.Stop()
			return fmt.Errorf("setting session deadline: %w", err)
		}
	}

	for s.state != StateStopped {
		var err error
		switch s.state {
		case StateWaitConnect:
			// the dialer has already delivered the connect result;
			// a refused connection never gets here
			s.state = StateHandshake
		case StateHandshake:
			err = s.handshake(cfg)
		case StateSend:
			err = s.send()
		case StateReceive:
			err = s.receive()
		case StateShutdown:
			s.shutdown()
		}
		if err != nil {
			s.Stop()
			return err
		}
	}
	return nil
}

func (s *Session) handshake(cfg *tls.Config) error {
	if s.server {
		s.tlsConn = tls.Server(s.conn, cfg)
	} else {
		s.tlsConn = tls.Client(s.conn, cfg)
	}
	if err := s.tlsConn.Handshake(); err != nil {
		if errors.Is(err, io.EOF) {
			// clean close during handshake, do not escalate
			log.Debugf("%s: peer closed connection during handshake", s.label)
			return fmt.Errorf("peer closed connection")
		}
		s.retryFactor = RetryFactor2TLS
		if errors.Is(err, os.ErrDeadlineExceeded) {
			s.logf("timed out during TLS handshake")
		} else {
			s.logf("TLS handshake failed: %v", err)
		}
		return fmt.Errorf("TLS handshake: %w", err)
	}
	s.retryFactor = RetryFactor2TLS

	if proto := s.tlsConn.ConnectionState().NegotiatedProtocol; proto != ALPN {
		s.logf("unexpected ALPN %q", proto)
		return fmt.Errorf("peer not speaking %s", ALPN)
	}

	if s.server {
		s.message.Reset()
		s.state = StateReceive
	} else {
		// the caller filled the request before Run
		s.state = StateSend
	}
	return nil
}

func (s *Session) send() error {
	for s.message.sent < s.message.length {
		n, err := s.tlsConn.Write(s.message.buf[s.message.sent:s.message.length])
		s.message.sent += n
		if err != nil {
			s.logf("sending message: %v", err)
			return fmt.Errorf("sending message: %w", err)
		}
	}
	s.message.Reset()
	if s.server {
		s.state = StateShutdown
	} else {
		s.state = StateReceive
	}
	return nil
}

func (s *Session) receive() error {
	for {
		if s.message.length >= MaxMessageLength {
			s.logf("message too long")
			return fmt.Errorf("message exceeds %d bytes", MaxMessageLength)
		}
		n, err := s.tlsConn.Read(s.message.buf[s.message.length:])
		s.message.length += n
		eof := errors.Is(err, io.EOF)
		if err != nil && !eof {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				s.logf("timed out waiting for message")
			} else {
				s.logf("receiving message: %v", err)
			}
			return fmt.Errorf("receiving message: %w", err)
		}
		if !s.message.CheckFormat(eof) {
			s.logf("malformed message")
			return fmt.Errorf("malformed message")
		}
		if s.message.Complete() {
			break
		}
		if eof {
			log.Debugf("%s: peer closed connection", s.label)
			return fmt.Errorf("peer closed connection")
		}
	}

	if !s.handler(s) {
		return fmt.Errorf("message handler failed")
	}
	if s.server {
		// the handler left the response in the message
		s.state = StateSend
	} else {
		s.state = StateShutdown
	}
	return nil
}

func (s *Session) shutdown() {
	if err := s.tlsConn.CloseWrite(); err != nil {
		log.Debugf("%s: TLS shutdown: %v", s.label, err)
	}
	s.Stop()
	s.state = StateStopped
}
