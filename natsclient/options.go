package natsclient

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/stackmotive/overlay/metric"
	"github.com/stackmotive/overlay/pkg/tlsutil"
)

// Option configures a Client
type Option func(*Client) error

// WithLogger sets the logger. The client adds component=natsclient.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithMaxReconnects sets the reconnect limit, -1 for unlimited
func WithMaxReconnects(n int) Option {
	return func(c *Client) error {
		c.maxReconnects = n
		return nil
	}
}

// WithReconnectWait sets the wait between reconnect attempts
func WithReconnectWait(d time.Duration) Option {
	return func(c *Client) error {
		c.reconnectWait = d
		return nil
	}
}

// WithPingInterval sets the server ping interval
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) error {
		c.pingInterval = d
		return nil
	}
}

// WithTimeout sets the dial timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %s", d)
		}
		c.timeout = d
		return nil
	}
}

// WithDrainTimeout bounds how long Close waits for pending messages
func WithDrainTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.drainTimeout = d
		return nil
	}
}

// WithCredentials sets username and password authentication
func WithCredentials(username, password string) Option {
	return func(c *Client) error {
		c.username = username
		c.password = password
		return nil
	}
}

// WithToken sets token authentication
func WithToken(token string) Option {
	return func(c *Client) error {
		c.token = token
		return nil
	}
}

// WithTLS enables TLS. The CA is trusted on top of the system pool and
// the certificate pair is presented for mutual TLS. Empty paths are skipped.
func WithTLS(certFile, keyFile, caFile string) Option {
	return func(c *Client) error {
		cfg := tlsutil.ClientConfig{CertFile: certFile, KeyFile: keyFile}
		if caFile != "" {
			cfg.CAFiles = []string{caFile}
		}
		tlsConfig, err := tlsutil.LoadClientTLSConfig(cfg)
		if err != nil {
			return err
		}
		c.tlsConfig = tlsConfig
		return nil
	}
}

// WithName sets the client name reported to the server
func WithName(name string) Option {
	return func(c *Client) error {
		c.name = name
		return nil
	}
}

// WithBreaker tunes the circuit breaker: it opens after threshold
// consecutive failures and allows a trial call after timeout.
func WithBreaker(threshold uint32, timeout time.Duration) Option {
	return func(c *Client) error {
		if threshold == 0 {
			return fmt.Errorf("breaker threshold must be at least 1")
		}
		c.breakerThreshold = threshold
		if timeout > 0 {
			c.breakerTimeout = timeout
		}
		return nil
	}
}

// WithMetrics reports connection and breaker state to the core metrics
func WithMetrics(m *metric.Metrics) Option {
	return func(c *Client) error {
		c.metrics = m
		return nil
	}
}
