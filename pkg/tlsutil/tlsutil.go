// Package tlsutil builds tls.Config values for the HTTP listener and the
// NATS connection from certificate files on disk.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"slices"

	"github.com/stackmotive/overlay/errors"
)

// ServerConfig describes a TLS listener. Client certificates are verified
// against ClientCAFiles when any are given.
type ServerConfig struct {
	CertFile          string
	KeyFile           string
	MinVersion        string
	ClientCAFiles     []string
	RequireClientCert bool
	AllowedClientCNs  []string
}

// ClientConfig describes an outbound TLS connection. CAFiles are trusted
// in addition to the system pool.
type ClientConfig struct {
	CAFiles            []string
	CertFile           string
	KeyFile            string
	MinVersion         string
	InsecureSkipVerify bool
}

// LoadServerTLSConfig loads the server certificate and, when client CAs
// are configured, enables mutual TLS.
func LoadServerTLSConfig(cfg ServerConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadServerTLSConfig", "load certificate")
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   parseTLSVersion(cfg.MinVersion),
	}
	if len(cfg.ClientCAFiles) == 0 {
		if cfg.RequireClientCert {
			return nil, errors.WrapInvalid(fmt.Errorf("client_ca_files is empty"),
				"tlsutil", "LoadServerTLSConfig", "require client certificate")
		}
		return tlsConfig, nil
	}

	clientCAs, err := loadPool(x509.NewCertPool(), cfg.ClientCAFiles)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadServerTLSConfig", "load client CAs")
	}
	tlsConfig.ClientCAs = clientCAs
	tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	if cfg.RequireClientCert {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	if len(cfg.AllowedClientCNs) > 0 {
		allowed := slices.Clone(cfg.AllowedClientCNs)
		tlsConfig.VerifyPeerCertificate = func(_ [][]byte, chains [][]*x509.Certificate) error {
			return verifyAllowedClientCN(chains, allowed)
		}
	}
	return tlsConfig, nil
}

// LoadClientTLSConfig starts from the system CA pool and adds CAFiles.
// CertFile and KeyFile, when both set, are presented to the server.
func LoadClientTLSConfig(cfg ClientConfig) (*tls.Config, error) {
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return nil, errors.WrapInvalid(fmt.Errorf("cert and key must be set together"),
			"tlsutil", "LoadClientTLSConfig", "check client certificate")
	}

	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}
	rootCAs, err = loadPool(rootCAs, cfg.CAFiles)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadClientTLSConfig", "load CAs")
	}

	tlsConfig := &tls.Config{
		RootCAs:            rootCAs,
		MinVersion:         parseTLSVersion(cfg.MinVersion),
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // operator opt-in
	}
	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientTLSConfig", "load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

func loadPool(pool *x509.CertPool, files []string) (*x509.CertPool, error) {
	for _, file := range files {
		pem, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read CA file %s: %w", file, err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse CA file %s: %w", file, errors.ErrInvalidData)
		}
	}
	return pool, nil
}

// verifyAllowedClientCN checks the leaf certificate CN against the allow list
func verifyAllowedClientCN(chains [][]*x509.Certificate, allowedCNs []string) error {
	if len(chains) == 0 || len(chains[0]) == 0 {
		return fmt.Errorf("no verified certificate chains")
	}
	cn := chains[0][0].Subject.CommonName
	if slices.Contains(allowedCNs, cn) {
		return nil
	}
	return fmt.Errorf("client certificate CN %q not in allowed list", cn)
}

// parseTLSVersion returns TLS 1.2 unless "1.3" is asked for
func parseTLSVersion(version string) uint16 {
	if version == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}
