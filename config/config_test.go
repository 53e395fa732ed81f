package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackmotive/overlay/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func newTestLoader(env map[string]string) *Loader {
	l := NewLoader()
	l.getenv = func(k string) string { return env[k] }
	return l
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/api/v1/", cfg.Service.APIPrefix)
	assert.Equal(t, StoreMemory, cfg.Store.Backend)
	assert.Equal(t, 100, cfg.Canvas.MaxBlocks)
	assert.Equal(t, 4, cfg.Simulation.Workers)
}

func TestLoaderMergesLayers(t *testing.T) {
	base := writeFile(t, "base.yaml", `
service:
  http_addr: ":9000"
  log_level: DEBUG
  shutdown_timeout: 10s
canvas:
  max_blocks: 5
simulation:
  max_duration: 2m
`)
	override := writeFile(t, "prod.json", `{
  "service": {"log_format": "text"},
  "nats": {"urls": ["nats://a:4222"], "reconnect_wait": "1s"},
  "store": {"backend": "nats"},
  "market_data": {"timeout": "1d"}
}`)

	l := newTestLoader(nil)
	l.AddLayer(base)
	l.AddLayer(override)
	l.EnableValidation(true)

	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Service.HTTPAddr)
	assert.Equal(t, "debug", cfg.Service.LogLevel)
	assert.Equal(t, "text", cfg.Service.LogFormat)
	assert.Equal(t, 10*time.Second, cfg.Service.ShutdownTimeout)
	assert.Equal(t, "/api/v1/", cfg.Service.APIPrefix, "untouched keys keep defaults")
	assert.Equal(t, 5, cfg.Canvas.MaxBlocks)
	assert.Equal(t, 500, cfg.Canvas.MaxConnections)
	assert.Equal(t, 2*time.Minute, cfg.Simulation.MaxDuration)
	assert.Equal(t, 64, cfg.Simulation.QueueSize)
	assert.Equal(t, []string{"nats://a:4222"}, cfg.NATS.URLs)
	assert.Equal(t, time.Second, cfg.NATS.ReconnectWait)
	assert.Equal(t, StoreNATS, cfg.Store.Backend)
	assert.Equal(t, 24*time.Hour, cfg.MarketData.Timeout)
}

func TestLoaderEnvOverrides(t *testing.T) {
	l := newTestLoader(map[string]string{
		"OVERLAY_HTTP_ADDR":   ":7000",
		"OVERLAY_NATS_URLS":   "nats://a:4222, nats://b:4222",
		"OVERLAY_SIM_WORKERS": "8",
		"OVERLAY_MARKET_CSV":  "prices.csv",
	})
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Service.HTTPAddr)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.NATS.URLs)
	assert.Equal(t, 8, cfg.Simulation.Workers)
	assert.Equal(t, MarketCSV, cfg.MarketData.Source)
	assert.Equal(t, "prices.csv", cfg.MarketData.CSVPath)

	_, err = newTestLoader(map[string]string{"OVERLAY_SIM_WORKERS": "many"}).Load()
	assert.True(t, errors.IsInvalid(err))
}

func TestLoaderRejectsBadFiles(t *testing.T) {
	tests := []struct {
		name string
		path func(t *testing.T) string
	}{
		{"missing", func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope.yaml") }},
		{"extension", func(t *testing.T) string { return writeFile(t, "cfg.toml", "a = 1") }},
		{"syntax", func(t *testing.T) string { return writeFile(t, "cfg.json", "{") }},
		{"duration", func(t *testing.T) string {
			return writeFile(t, "cfg.yaml", "nats:\n  reconnect_wait: soon\n")
		}},
		{"traversal", func(*testing.T) string { return "/etc/../etc/overlay.json" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestLoader(nil).LoadFile(tt.path(t))
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"empty addr", func(c *Config) { c.Service.HTTPAddr = "" }, false},
		{"prefix without slash", func(c *Config) { c.Service.APIPrefix = "api" }, false},
		{"bad level", func(c *Config) { c.Service.LogLevel = "trace" }, false},
		{"bad format", func(c *Config) { c.Service.LogFormat = "xml" }, false},
		{"nats store without urls", func(c *Config) { c.Store.Backend = StoreNATS }, false},
		{"nats store", func(c *Config) {
			c.Store.Backend = StoreNATS
			c.NATS.URLs = []string{"nats://localhost:4222"}
		}, true},
		{"unknown store", func(c *Config) { c.Store.Backend = "redis" }, false},
		{"audit subject wildcard", func(c *Config) {
			c.NATS.URLs = []string{"nats://localhost:4222"}
			c.Audit.NATS = true
			c.Audit.SubjectPrefix = "overlay.*"
		}, false},
		{"negative limit", func(c *Config) { c.Canvas.MaxBlocks = -1 }, false},
		{"csv without path", func(c *Config) { c.MarketData.Source = MarketCSV }, false},
		{"tls half configured", func(c *Config) {
			c.NATS.TLS = NATSTLSConfig{Enabled: true, CertFile: "cert.pem"}
		}, false},
		{"https without key", func(c *Config) {
			c.Service.TLS = HTTPTLSConfig{Enabled: true, CertFile: "cert.pem"}
		}, false},
		{"https missing files", func(c *Config) {
			c.Service.TLS = HTTPTLSConfig{Enabled: true, CertFile: "/nope/cert.pem", KeyFile: "/nope/key.pem"}
		}, false},
		{"https bad min version", func(c *Config) {
			c.Service.TLS = HTTPTLSConfig{Enabled: true, CertFile: "cert.pem", KeyFile: "key.pem", MinVersion: "1.0"}
		}, false},
		{"mtls without CAs", func(c *Config) {
			c.Service.TLS = HTTPTLSConfig{Enabled: true, CertFile: "cert.pem", KeyFile: "key.pem", RequireClientCert: true}
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
		})
	}
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.Simulation.MaxDuration = 90 * time.Second
	cfg.Canvas.AllowCircular = true

	for _, name := range []string{"out.json", "out.yaml"} {
		path := filepath.Join(dir, name)
		require.NoError(t, cfg.SaveToFile(path))

		loaded, err := newTestLoader(nil).LoadFile(path)
		require.NoError(t, err, name)
		assert.Equal(t, cfg, loaded, name)
	}
}

func TestStringRedactsSecrets(t *testing.T) {
	cfg := Default()
	cfg.NATS.Password = "hunter2"
	cfg.NATS.Token = "tok"
	s := cfg.String()
	assert.NotContains(t, s, "hunter2")
	assert.NotContains(t, s, "tok\"")
	assert.Equal(t, "hunter2", cfg.NATS.Password)
}

func TestSafeConfig(t *testing.T) {
	sc := NewSafeConfig(nil)
	assert.Equal(t, ":8080", sc.Get().Service.HTTPAddr)

	got := sc.Get()
	got.NATS.URLs = append(got.NATS.URLs, "nats://mutated")
	assert.Empty(t, sc.Get().NATS.URLs, "Get returns a copy")

	bad := Default()
	bad.Service.LogLevel = "loud"
	assert.Error(t, sc.Update(bad))
	assert.Error(t, sc.Update(nil))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = sc.Get()
		}()
		go func(i int) {
			defer wg.Done()
			next := Default()
			next.Canvas.MaxBlocks = i + 1
			assert.NoError(t, sc.Update(next))
		}(i)
	}
	wg.Wait()
	assert.Positive(t, sc.Get().Canvas.MaxBlocks)
}
