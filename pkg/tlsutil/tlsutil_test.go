package tlsutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// generateTestCert creates a self-signed certificate usable as server,
// client and CA
func generateTestCert(t *testing.T, cn string) (certPEM, keyPEM []byte) {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			Organization: []string{"Test Org"},
			CommonName:   cn,
		},
		DNSNames:              []string{"localhost"},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	require.NoError(t, err)

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privateKey)})
	return certPEM, keyPEM
}

// writePair writes a certificate and key, returning their paths
func writePair(t *testing.T, cn string) (certFile, keyFile string) {
	t.Helper()
	dir := t.TempDir()
	certPEM, keyPEM := generateTestCert(t, cn)
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, certPEM, 0o644))
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0o600))
	return certFile, keyFile
}

func parseCert(t *testing.T, certPEM []byte) *x509.Certificate {
	t.Helper()
	block, _ := pem.Decode(certPEM)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}

func TestLoadServerTLSConfig(t *testing.T) {
	certFile, keyFile := writePair(t, "localhost")

	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr bool
	}{
		{"tls 1.3", ServerConfig{CertFile: certFile, KeyFile: keyFile, MinVersion: "1.3"}, false},
		{"tls 1.2", ServerConfig{CertFile: certFile, KeyFile: keyFile, MinVersion: "1.2"}, false},
		{"missing cert", ServerConfig{CertFile: "/nonexistent/cert.pem", KeyFile: keyFile}, true},
		{"missing key", ServerConfig{CertFile: certFile, KeyFile: "/nonexistent/key.pem"}, true},
		{"require client cert without CAs", ServerConfig{CertFile: certFile, KeyFile: keyFile, RequireClientCert: true}, true},
		{"missing client CA", ServerConfig{CertFile: certFile, KeyFile: keyFile, ClientCAFiles: []string{"/nonexistent/ca.pem"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LoadServerTLSConfig(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.Len(t, got.Certificates, 1)
			assert.Equal(t, parseTLSVersion(tt.cfg.MinVersion), got.MinVersion)
			assert.Equal(t, tls.NoClientCert, got.ClientAuth)
			assert.Nil(t, got.ClientCAs)
		})
	}
}

func TestLoadServerTLSConfig_ClientAuth(t *testing.T) {
	certFile, keyFile := writePair(t, "localhost")
	caFile, _ := writePair(t, "client-ca")

	optional, err := LoadServerTLSConfig(ServerConfig{CertFile: certFile, KeyFile: keyFile, ClientCAFiles: []string{caFile}})
	require.NoError(t, err)
	assert.Equal(t, tls.VerifyClientCertIfGiven, optional.ClientAuth)
	assert.NotNil(t, optional.ClientCAs)
	assert.Nil(t, optional.VerifyPeerCertificate)

	required, err := LoadServerTLSConfig(ServerConfig{
		CertFile:          certFile,
		KeyFile:           keyFile,
		ClientCAFiles:     []string{caFile},
		RequireClientCert: true,
		AllowedClientCNs:  []string{"allowed-client"},
	})
	require.NoError(t, err)
	assert.Equal(t, tls.RequireAndVerifyClientCert, required.ClientAuth)
	assert.NotNil(t, required.VerifyPeerCertificate)
}

func TestLoadClientTLSConfig(t *testing.T) {
	caFile, _ := writePair(t, "ca")
	certFile, keyFile := writePair(t, "client")

	badCA := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(badCA, []byte("not a certificate"), 0o644))

	tests := []struct {
		name      string
		cfg       ClientConfig
		wantErr   bool
		wantCerts int
	}{
		{"system pool only", ClientConfig{}, false, 0},
		{"additional CA", ClientConfig{CAFiles: []string{caFile}, MinVersion: "1.3"}, false, 0},
		{"client certificate", ClientConfig{CertFile: certFile, KeyFile: keyFile}, false, 1},
		{"insecure", ClientConfig{InsecureSkipVerify: true}, false, 0},
		{"missing CA", ClientConfig{CAFiles: []string{"/nonexistent/ca.pem"}}, true, 0},
		{"invalid CA", ClientConfig{CAFiles: []string{badCA}}, true, 0},
		{"cert without key", ClientConfig{CertFile: certFile}, true, 0},
		{"key without cert", ClientConfig{KeyFile: keyFile}, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LoadClientTLSConfig(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, got.RootCAs)
			assert.Len(t, got.Certificates, tt.wantCerts)
			assert.Equal(t, tt.cfg.InsecureSkipVerify, got.InsecureSkipVerify)
			assert.Equal(t, parseTLSVersion(tt.cfg.MinVersion), got.MinVersion)
		})
	}
}

func TestVerifyAllowedClientCN(t *testing.T) {
	allowedPEM, _ := generateTestCert(t, "allowed-client")
	deniedPEM, _ := generateTestCert(t, "unauthorized-client")
	allowed := []string{"allowed-client", "another-client"}

	assert.NoError(t, verifyAllowedClientCN([][]*x509.Certificate{{parseCert(t, allowedPEM)}}, allowed))

	err := verifyAllowedClientCN([][]*x509.Certificate{{parseCert(t, deniedPEM)}}, allowed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in allowed list")

	err = verifyAllowedClientCN(nil, allowed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no verified certificate chains")
}

func TestParseTLSVersion(t *testing.T) {
	assert.Equal(t, uint16(tls.VersionTLS13), parseTLSVersion("1.3"))
	assert.Equal(t, uint16(tls.VersionTLS12), parseTLSVersion("1.2"))
	assert.Equal(t, uint16(tls.VersionTLS12), parseTLSVersion(""))
	assert.Equal(t, uint16(tls.VersionTLS12), parseTLSVersion("1.0"))
}

func TestMutualTLSHandshake(t *testing.T) {
	serverCert, serverKey := writePair(t, "localhost")
	allowedCert, allowedKey := writePair(t, "allowed-client")
	deniedCert, deniedKey := writePair(t, "other-client")

	serverTLS, err := LoadServerTLSConfig(ServerConfig{
		CertFile:          serverCert,
		KeyFile:           serverKey,
		ClientCAFiles:     []string{allowedCert, deniedCert},
		RequireClientCert: true,
		AllowedClientCNs:  []string{"allowed-client"},
	})
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	srv.TLS = serverTLS
	srv.StartTLS()
	t.Cleanup(srv.Close)

	client := func(certFile, keyFile string) *http.Client {
		cfg, err := LoadClientTLSConfig(ClientConfig{CAFiles: []string{serverCert}, CertFile: certFile, KeyFile: keyFile})
		require.NoError(t, err)
		cfg.ServerName = "localhost"
		return &http.Client{Timeout: 5 * time.Second, Transport: &http.Transport{TLSClientConfig: cfg}}
	}

	resp, err := client(allowedCert, allowedKey).Get(srv.URL)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	_, err = client(deniedCert, deniedKey).Get(srv.URL)
	assert.Error(t, err)

	_, err = client("", "").Get(srv.URL)
	assert.Error(t, err)
}
