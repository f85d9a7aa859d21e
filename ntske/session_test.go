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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testCertificate(t *testing.T) (tls.Certificate, *x509.CertPool) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		IsCA:         true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, pool
}

func startTestServer(t *testing.T, srv *Server) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.Serve(conn)
		}
	}()
	return ln.Addr()
}

func TestClientServerExchange(t *testing.T) {
	cert, pool := testCertificate(t)
	srv := &Server{
		TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
		NTPServer: "ntp.example.com",
		NTPPort:   123,
		MintCookie: func(aead uint16, c2s, s2c []byte) ([]byte, error) {
			cookie := make([]byte, 64)
			copy(cookie, c2s[:8])
			return cookie, nil
		},
	}
	addr := startTestServer(t, srv)

	client := &Client{
		Address:   addr.String(),
		TLSConfig: &tls.Config{RootCAs: pool, ServerName: "localhost"},
		Timeout:   5 * time.Second,
	}
	data, err := client.Exchange()
	require.NoError(t, err)
	require.Equal(t, AEADAESSIVCMAC256, data.AEADAlgorithm)
	require.Len(t, data.C2SKey, 32)
	require.Len(t, data.S2CKey, 32)
	require.NotEqual(t, data.C2SKey, data.S2CKey)
	require.Len(t, data.Cookies, MaxCookies)
	require.Equal(t, "ntp.example.com.", data.NTPServer)
	require.Equal(t, uint16(123), data.NTPPort)
	// the server derived the same c2s key
	require.Equal(t, data.C2SKey[:8], data.Cookies[0][:8])
	require.Equal(t, RetryFactor2TLS, client.RetryFactor())
}

func TestClientRefusedConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	client := &Client{Address: addr, Timeout: 2 * time.Second}
	_, err = client.Exchange()
	require.Error(t, err)
	require.Equal(t, RetryFactor2Connect, client.RetryFactor())
}

func TestClientUntrustedServer(t *testing.T) {
	cert, _ := testCertificate(t)
	srv := &Server{
		TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
		MintCookie: func(aead uint16, c2s, s2c []byte) ([]byte, error) {
			return make([]byte, 16), nil
		},
	}
	addr := startTestServer(t, srv)

	// empty root pool: certificate verification fails
	client := &Client{
		Address:   addr.String(),
		TLSConfig: &tls.Config{RootCAs: x509.NewCertPool(), ServerName: "localhost"},
		Timeout:   5 * time.Second,
	}
	_, err := client.Exchange()
	require.Error(t, err)
	require.Equal(t, RetryFactor2TLS, client.RetryFactor())
}

func TestSessionStopIdempotent(t *testing.T) {
	s := NewSession("test", false, func(*Session) bool { return true })
	require.Equal(t, StateWaitConnect, s.State())
	s.Stop()
	require.Equal(t, StateStopped, s.State())
	s.Stop()
	require.Equal(t, StateStopped, s.State())
}

func TestServerRejectsGarbageRequest(t *testing.T) {
	cert, pool := testCertificate(t)
	srv := &Server{
		TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
		MintCookie: func(aead uint16, c2s, s2c []byte) ([]byte, error) {
			return make([]byte, 16), nil
		},
	}
	addr := startTestServer(t, srv)

	conn, err := tls.Dial("tcp", addr.String(), &tls.Config{
		RootCAs:    pool,
		ServerName: "localhost",
		NextProtos: []string{ALPN},
		MinVersion: tls.VersionTLS13,
	})
	require.NoError(t, err)
	defer conn.Close()

	// a request without the mandatory records draws an error record
	m := &Message{}
	m.AddRecordUint16(true, RecAEADAlgo, AEADAESSIVCMAC256)
	m.End()
	_, err = conn.Write(m.Bytes())
	require.NoError(t, err)

	resp := &Message{}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for !resp.Complete() {
		n, err := conn.Read(resp.buf[resp.length:])
		resp.length += n
		if err != nil {
			break
		}
		require.True(t, resp.CheckFormat(false))
	}
	require.True(t, resp.Complete())
	_, typ, body, ok := resp.GetRecord()
	require.True(t, ok)
	require.Equal(t, RecError, typ)
	require.Equal(t, ErrorBadRequest, recordCode(body))
}
