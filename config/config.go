package config

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/stackmotive/overlay/canvas"
	"github.com/stackmotive/overlay/errors"
	"github.com/stackmotive/overlay/simulation"
)

// Store backends
const (
	StoreMemory = "memory"
	StoreNATS   = "nats"
)

// Market data sources
const (
	MarketSynthetic = "synthetic"
	MarketCSV       = "csv"
)

// Config is the complete service configuration
type Config struct {
	Service    ServiceConfig     `json:"service" yaml:"service"`
	NATS       NATSConfig        `json:"nats" yaml:"nats"`
	Store      StoreConfig       `json:"store" yaml:"store"`
	Audit      AuditConfig       `json:"audit" yaml:"audit"`
	Canvas     canvas.Config     `json:"canvas" yaml:"canvas"`
	Simulation simulation.Config `json:"simulation" yaml:"simulation"`
	MarketData MarketDataConfig  `json:"market_data" yaml:"market_data"`
}

// ServiceConfig controls the HTTP surface and logging
type ServiceConfig struct {
	Name            string        `json:"name" yaml:"name"`
	HTTPAddr        string        `json:"http_addr" yaml:"http_addr"`
	MetricsAddr     string        `json:"metrics_addr,omitempty" yaml:"metrics_addr,omitempty"` // empty disables the metrics server
	APIPrefix       string        `json:"api_prefix" yaml:"api_prefix"`
	LogLevel        string        `json:"log_level" yaml:"log_level"`
	LogFormat       string        `json:"log_format" yaml:"log_format"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	TLS             HTTPTLSConfig `json:"tls,omitempty" yaml:"tls,omitempty"`
}

// HTTPTLSConfig serves the API over HTTPS. Listing client CAs turns on
// client certificate verification.
type HTTPTLSConfig struct {
	Enabled           bool     `json:"enabled" yaml:"enabled"`
	CertFile          string   `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile           string   `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	MinVersion        string   `json:"min_version,omitempty" yaml:"min_version,omitempty"`
	ClientCAFiles     []string `json:"client_ca_files,omitempty" yaml:"client_ca_files,omitempty"`
	RequireClientCert bool     `json:"require_client_cert,omitempty" yaml:"require_client_cert,omitempty"`
	AllowedClientCNs  []string `json:"allowed_client_cns,omitempty" yaml:"allowed_client_cns,omitempty"`
}

// NATSConfig defines the NATS connection
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty" yaml:"urls,omitempty"`
	MaxReconnects int           `json:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait time.Duration `json:"reconnect_wait" yaml:"reconnect_wait"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout"`
	Username      string        `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string        `json:"password,omitempty" yaml:"password,omitempty"`
	Token         string        `json:"token,omitempty" yaml:"token,omitempty"`
	TLS           NATSTLSConfig `json:"tls,omitempty" yaml:"tls,omitempty"`
}

// NATSTLSConfig for secure NATS connections
type NATSTLSConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	CertFile string `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty" yaml:"ca_file,omitempty"`
}

// Enabled reports whether any NATS server is configured
func (n NATSConfig) Enabled() bool {
	return len(n.URLs) > 0
}

// StoreConfig selects where canvases persist
type StoreConfig struct {
	Backend string `json:"backend" yaml:"backend"`
	Bucket  string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	History int    `json:"history" yaml:"history"`
}

// AuditConfig selects audit sinks. Records always go to the log; NATS
// publishing needs a connection.
type AuditConfig struct {
	Log           bool   `json:"log" yaml:"log"`
	NATS          bool   `json:"nats" yaml:"nats"`
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`
}

// MarketDataConfig selects the price source
type MarketDataConfig struct {
	Source    string        `json:"source" yaml:"source"`
	CSVPath   string        `json:"csv_path,omitempty" yaml:"csv_path,omitempty"`
	Breaker   bool          `json:"breaker" yaml:"breaker"`
	Retry     bool          `json:"retry" yaml:"retry"`
	RateLimit float64       `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"` // realtime ticks per second; 0 follows the resolution
	Timeout   time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            "overlayd",
			HTTPAddr:        ":8080",
			MetricsAddr:     ":9090",
			APIPrefix:       "/api/v1/",
			LogLevel:        "info",
			LogFormat:       "json",
			ShutdownTimeout: 30 * time.Second,
		},
		NATS: NATSConfig{
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			Timeout:       5 * time.Second,
		},
		Store: StoreConfig{
			Backend: StoreMemory,
			Bucket:  "overlay_canvases",
			History: 10,
		},
		Audit: AuditConfig{
			Log:           true,
			SubjectPrefix: "overlay.audit",
		},
		Canvas:     canvas.DefaultConfig(),
		Simulation: simulation.DefaultConfig(),
		MarketData: MarketDataConfig{
			Source:  MarketSynthetic,
			Breaker: true,
			Retry:   true,
		},
	}
}

// Validate checks the configuration and normalizes case-insensitive fields
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "config", "Validate", "config check")
	}
	return nil
}

func (c *Config) validate() error {
	c.Service.LogLevel = strings.ToLower(c.Service.LogLevel)
	c.Service.LogFormat = strings.ToLower(c.Service.LogFormat)
	c.Store.Backend = strings.ToLower(c.Store.Backend)
	c.MarketData.Source = strings.ToLower(c.MarketData.Source)

	if c.Service.HTTPAddr == "" {
		return stderrors.New("service.http_addr is required")
	}
	if !strings.HasPrefix(c.Service.APIPrefix, "/") || !strings.HasSuffix(c.Service.APIPrefix, "/") {
		return fmt.Errorf("service.api_prefix %q must start and end with /", c.Service.APIPrefix)
	}
	switch c.Service.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("service.log_level %q must be debug, info, warn or error", c.Service.LogLevel)
	}
	switch c.Service.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("service.log_format %q must be json or text", c.Service.LogFormat)
	}

	switch c.Store.Backend {
	case StoreMemory:
	case StoreNATS:
		if !c.NATS.Enabled() {
			return stderrors.New("store.backend nats requires nats.urls")
		}
		if c.Store.History < 1 || c.Store.History > 64 {
			return fmt.Errorf("store.history %d must be between 1 and 64", c.Store.History)
		}
	default:
		return fmt.Errorf("store.backend %q must be memory or nats", c.Store.Backend)
	}

	if c.Audit.NATS {
		if !c.NATS.Enabled() {
			return stderrors.New("audit.nats requires nats.urls")
		}
		if !isValidSubject(c.Audit.SubjectPrefix) {
			return fmt.Errorf("audit.subject_prefix %q is not a valid NATS subject", c.Audit.SubjectPrefix)
		}
	}
	if err := c.validateTLS(); err != nil {
		return err
	}

	if c.Canvas.MaxBlocks < 0 || c.Canvas.MaxConnections < 0 || c.Canvas.MaxNesting < 0 {
		return stderrors.New("canvas limits cannot be negative")
	}
	if c.Simulation.Workers < 0 || c.Simulation.QueueSize < 0 || c.Simulation.MaxSteps < 0 {
		return stderrors.New("simulation limits cannot be negative")
	}

	switch c.MarketData.Source {
	case MarketSynthetic:
	case MarketCSV:
		if c.MarketData.CSVPath == "" {
			return stderrors.New("market_data.csv_path is required for the csv source")
		}
	default:
		return fmt.Errorf("market_data.source %q must be synthetic or csv", c.MarketData.Source)
	}
	if c.MarketData.RateLimit < 0 {
		return stderrors.New("market_data.rate_limit cannot be negative")
	}
	return nil
}

// isValidSubject checks a dot-separated NATS subject without wildcards
func isValidSubject(s string) bool {
	if s == "" {
		return false
	}
	for _, part := range strings.Split(s, ".") {
		if part == "" {
			return false
		}
		for _, r := range part {
			if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
				return false
			}
		}
	}
	return true
}

// Clone returns a deep copy
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}
	out := *c
	out.NATS.URLs = append([]string(nil), c.NATS.URLs...)
	out.Service.TLS.ClientCAFiles = append([]string(nil), c.Service.TLS.ClientCAFiles...)
	out.Service.TLS.AllowedClientCNs = append([]string(nil), c.Service.TLS.AllowedClientCNs...)
	return &out
}

// String returns the configuration as JSON with secrets redacted
func (c *Config) String() string {
	redacted := c.Clone()
	if redacted.NATS.Password != "" {
		redacted.NATS.Password = "***"
	}
	if redacted.NATS.Token != "" {
		redacted.NATS.Token = "***"
	}
	data, _ := json.MarshalIndent(redacted, "", "  ")
	return string(data)
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg.Clone()}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(stderrors.New("config cannot be nil"), "config", "Update", "nil check")
	}
	next := cfg.Clone()
	if err := next.Validate(); err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = next
	return nil
}
