package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stackmotive/overlay/errors"
)

// durationFields lists the dotted paths holding time.Duration values.
// File layers may write them as strings.
var durationFields = []string{
	"service.shutdown_timeout",
	"nats.reconnect_wait",
	"nats.timeout",
	"simulation.max_duration",
	"market_data.timeout",
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	getenv     func(string) string
}

// NewLoader creates a loader reading OVERLAY_* variables
func NewLoader() *Loader {
	return &Loader{envPrefix: "OVERLAY", getenv: os.Getenv}
}

// AddLayer adds a configuration file layer
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables validation after loading
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads defaults plus a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges defaults, every layer and the environment
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Default())
	if err != nil {
		return nil, errors.WrapFatal(err, "config.Loader", "Load", "encode defaults")
	}

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("load %s: %w", path, err), "config.Loader", "Load", "read layer")
		}
		merged = deepMergeMaps(merged, raw)
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, errors.WrapFatal(err, "config.Loader", "Load", "encode merged layers")
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err), "config.Loader", "Load", "decode merged layers")
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, errors.WrapInvalid(err, "config.Loader", "Load", "environment overrides")
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadRaw decodes a JSON or YAML file into a generic map with durations
// converted to nanoseconds
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch formatOf(path) {
	case "yaml":
		err = yaml.Unmarshal(data, &raw)
	default:
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
	}
	if err := checkDepth(raw, 0); err != nil {
		return nil, err
	}
	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// deepMergeMaps merges override into base; nested maps merge recursively
// and nil values are ignored
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// parseDurations rewrites duration strings at the known paths
func parseDurations(raw map[string]any) error {
	for _, path := range durationFields {
		parts := strings.Split(path, ".")
		section, ok := raw[parts[0]].(map[string]any)
		if !ok {
			continue
		}
		s, ok := section[parts[1]].(string)
		if !ok {
			continue
		}
		d, err := parseDurationWithDays(s)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		section[parts[1]] = d.Nanoseconds()
	}
	return nil
}

// parseDurationWithDays parses durations that may use a day suffix ("14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// applyEnvOverrides applies OVERLAY_* variables
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	str := func(name string, dst *string) error {
		key := l.envPrefix + "_" + name
		val := l.getenv(key)
		if val == "" {
			return nil
		}
		if err := validateEnvVar(key, val); err != nil {
			return err
		}
		*dst = val
		return nil
	}

	overrides := []struct {
		name string
		dst  *string
	}{
		{"HTTP_ADDR", &cfg.Service.HTTPAddr},
		{"METRICS_ADDR", &cfg.Service.MetricsAddr},
		{"API_PREFIX", &cfg.Service.APIPrefix},
		{"LOG_LEVEL", &cfg.Service.LogLevel},
		{"LOG_FORMAT", &cfg.Service.LogFormat},
		{"NATS_USERNAME", &cfg.NATS.Username},
		{"NATS_PASSWORD", &cfg.NATS.Password},
		{"NATS_TOKEN", &cfg.NATS.Token},
		{"STORE_BACKEND", &cfg.Store.Backend},
		{"MARKET_CSV", &cfg.MarketData.CSVPath},
	}
	for _, o := range overrides {
		if err := str(o.name, o.dst); err != nil {
			return err
		}
	}

	var urls string
	if err := str("NATS_URLS", &urls); err != nil {
		return err
	}
	if urls != "" {
		cfg.NATS.URLs = nil
		for _, u := range strings.Split(urls, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.NATS.URLs = append(cfg.NATS.URLs, u)
			}
		}
	}
	if cfg.MarketData.CSVPath != "" && l.getenv(l.envPrefix+"_MARKET_CSV") != "" {
		cfg.MarketData.Source = MarketCSV
	}

	var workers string
	if err := str("SIM_WORKERS", &workers); err != nil {
		return err
	}
	if workers != "" {
		n, err := strconv.Atoi(workers)
		if err != nil {
			return fmt.Errorf("%s_SIM_WORKERS: %w", l.envPrefix, err)
		}
		cfg.Simulation.Workers = n
	}
	return nil
}

// SaveToFile writes the configuration as JSON or YAML by extension
func (c *Config) SaveToFile(path string) error {
	var (
		data []byte
		err  error
	)
	if formatOf(path) == "yaml" {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return errors.WrapFatal(err, "config", "SaveToFile", "encode config")
	}
	return safeWriteFile(path, data)
}
