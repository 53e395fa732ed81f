package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	maxConfigSize = 10 << 20 // 10MB
	maxDepth      = 100
	maxEnvVarLen  = 10000
	maxPathLen    = 4096
)

// validateConfigPath rejects traversal and unsupported file types
func validateConfigPath(path string) error {
	if path == "" {
		return stderrors.New("empty config path")
	}
	if len(path) > maxPathLen {
		return fmt.Errorf("path too long: %d > %d", len(path), maxPathLen)
	}

	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("cannot resolve absolute path: %w", err)
	}
	if filepath.IsAbs(path) {
		if strings.Contains(filepath.ToSlash(path), "/../") || strings.HasSuffix(path, "/..") {
			return fmt.Errorf("path traversal not allowed: %s", path)
		}
	} else {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("cannot get working directory: %w", err)
		}
		rel, err := filepath.Rel(cwd, absPath)
		if err != nil || strings.HasPrefix(rel, "..") {
			return fmt.Errorf("path traversal not allowed: %s resolves outside working directory", path)
		}
	}

	if formatOf(path) == "" {
		return fmt.Errorf("config files must be .json, .yaml or .yml: %s", path)
	}
	return nil
}

// formatOf returns "json", "yaml" or "" for unsupported extensions
func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	}
	return ""
}

// safeReadFile reads a config file after path and size checks
func safeReadFile(path string) ([]byte, error) {
	if err := validateConfigPath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("cannot stat config file: %w", err)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file too large: %d bytes > %d", info.Size(), maxConfigSize)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file: %w", err)
	}
	return data, nil
}

// safeWriteFile writes a config file readable only by its owner
func safeWriteFile(path string, data []byte) error {
	if err := validateConfigPath(path); err != nil {
		return fmt.Errorf("invalid config path: %w", err)
	}
	if len(data) > maxConfigSize {
		return fmt.Errorf("config data too large: %d bytes > %d", len(data), maxConfigSize)
	}
	return os.WriteFile(path, data, 0600)
}

// validateEnvVar bounds environment override values
func validateEnvVar(key, value string) error {
	if len(value) > maxEnvVarLen {
		return fmt.Errorf("environment variable %s too long: %d > %d", key, len(value), maxEnvVarLen)
	}
	if strings.Contains(value, "\x00") {
		return fmt.Errorf("null byte in environment variable %s", key)
	}
	return nil
}

// checkDepth bounds the nesting of a decoded document
func checkDepth(v any, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("config nesting too deep: > %d", maxDepth)
	}
	switch t := v.(type) {
	case map[string]any:
		for _, child := range t {
			if err := checkDepth(child, depth+1); err != nil {
				return err
			}
		}
	case []any:
		for _, child := range t {
			if err := checkDepth(child, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateTLS checks that configured certificate files exist
func (c *Config) validateTLS() error {
	var files [][2]string

	if n := c.NATS.TLS; n.Enabled {
		if (n.CertFile == "") != (n.KeyFile == "") {
			return stderrors.New("nats.tls.cert_file and nats.tls.key_file must be set together")
		}
		files = append(files,
			[2]string{"nats.tls.cert_file", n.CertFile},
			[2]string{"nats.tls.key_file", n.KeyFile},
			[2]string{"nats.tls.ca_file", n.CAFile})
	}

	if h := c.Service.TLS; h.Enabled {
		if h.CertFile == "" || h.KeyFile == "" {
			return stderrors.New("service.tls needs cert_file and key_file")
		}
		if h.MinVersion != "" && h.MinVersion != "1.2" && h.MinVersion != "1.3" {
			return fmt.Errorf("service.tls.min_version must be 1.2 or 1.3, got %q", h.MinVersion)
		}
		if h.RequireClientCert && len(h.ClientCAFiles) == 0 {
			return stderrors.New("service.tls.require_client_cert needs client_ca_files")
		}
		files = append(files,
			[2]string{"service.tls.cert_file", h.CertFile},
			[2]string{"service.tls.key_file", h.KeyFile})
		for _, ca := range h.ClientCAFiles {
			files = append(files, [2]string{"service.tls.client_ca_files", ca})
		}
	}

	for _, f := range files {
		if f[1] == "" {
			continue
		}
		if _, err := os.Stat(f[1]); err != nil {
			return fmt.Errorf("%s: %w", f[0], err)
		}
	}
	return nil
}
