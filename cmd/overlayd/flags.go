package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPaths     []string
	LogLevel        string
	LogFormat       string
	Debug           bool
	ShutdownTimeout time.Duration
	ShowVersion     bool
	Validate        bool
}

type layerFlag struct{ paths *[]string }

func (f layerFlag) String() string {
	if f.paths == nil {
		return ""
	}
	return fmt.Sprint(*f.paths)
}

func (f layerFlag) Set(v string) error {
	*f.paths = append(*f.paths, v)
	return nil
}

func parseFlags(args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)

	if env := os.Getenv("OVERLAY_CONFIG"); env != "" {
		cfg.ConfigPaths = []string{env}
	}
	layers := layerFlag{paths: &cfg.ConfigPaths}
	fs.Var(layers, "config", "Configuration file, repeat to layer (env: OVERLAY_CONFIG)")
	fs.Var(layers, "c", "Configuration file, repeat to layer (env: OVERLAY_CONFIG)")

	// Empty means "use the configuration file value".
	fs.StringVar(&cfg.LogLevel, "log-level", os.Getenv("OVERLAY_LOG_LEVEL"),
		"Log level: debug, info, warn, error (env: OVERLAY_LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format", os.Getenv("OVERLAY_LOG_FORMAT"),
		"Log format: json, text (env: OVERLAY_LOG_FORMAT)")
	fs.BoolVar(&cfg.Debug, "debug", getEnvBool("OVERLAY_DEBUG", false),
		"Enable debug logging (env: OVERLAY_DEBUG)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", getEnvDuration("OVERLAY_SHUTDOWN_TIMEOUT", 0),
		"Graceful shutdown timeout, 0 uses the configuration (env: OVERLAY_SHUTDOWN_TIMEOUT)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() { printDetailedHelp(fs) }
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	return cfg, validateFlags(cfg)
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion {
		return nil
	}
	for _, path := range cfg.ConfigPaths {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("config file not found: %s", path)
		}
	}
	if cfg.LogLevel != "" && !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if cfg.LogFormat != "" && !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout < 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}
	return nil
}

func printDetailedHelp(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(os.Stderr, `%s - Overlay builder service

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with built-in defaults (in-memory store, synthetic prices)
  %s

  # Layer a production file over a base file
  %s --config=overlay.yaml --config=overlay.prod.yaml

  # Persist canvases in NATS
  export OVERLAY_NATS_URLS=nats://localhost:4222
  export OVERLAY_STORE_BACKEND=nats
  %s

  # Validate configuration only
  %s --config=overlay.yaml --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
