package testutil

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSelfSignedCertKeyPEM(t *testing.T) {
	tests := []struct {
		name    string
		host    string
		wantDNS []string
		wantIPs int
	}{
		{"localhost", "localhost", []string{"localhost"}, 1},
		{"dns name", "proxy.test", []string{"localhost", "proxy.test"}, 1},
		{"loopback ip", "127.0.0.1", []string{"localhost"}, 1},
		{"other ip", "10.1.2.3", []string{"localhost"}, 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			certPEM, keyPEM, err := GenerateSelfSignedCertKeyPEM(tc.host)
			require.NoError(t, err)

			block, _ := pem.Decode(certPEM)
			require.NotNil(t, block)
			assert.Equal(t, "CERTIFICATE", block.Type)
			cert, err := x509.ParseCertificate(block.Bytes)
			require.NoError(t, err)
			assert.Equal(t, tc.wantDNS, cert.DNSNames)
			assert.Len(t, cert.IPAddresses, tc.wantIPs)

			_, err = tls.X509KeyPair(certPEM, keyPEM)
			assert.NoError(t, err)
		})
	}
}

func TestTLSPairWithCAFile(t *testing.T) {
	serverCfg, caPath := TLSPairWithCAFile(t, "127.0.0.1")
	require.Len(t, serverCfg.Certificates, 1)

	pemBytes, err := os.ReadFile(caPath)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(pemBytes))

	leaf, err := x509.ParseCertificate(serverCfg.Certificates[0].Certificate[0])
	require.NoError(t, err)
	_, err = leaf.Verify(x509.VerifyOptions{Roots: pool, DNSName: "127.0.0.1"})
	assert.NoError(t, err)
	info, err := os.Stat(caPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestTLSPair_Handshake(t *testing.T) {
	serverCfg, pool := TLSPair(t, "localhost")
	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		c.(*tls.Conn).Handshake()
		c.Close()
	}()

	conn, err := tls.Dial("tcp", ln.Addr().String(), &tls.Config{RootCAs: pool, ServerName: "localhost", NextProtos: []string{"http/1.1"}})
	require.NoError(t, err)
	assert.Equal(t, "http/1.1", conn.ConnectionState().NegotiatedProtocol)
	conn.Close()
}
