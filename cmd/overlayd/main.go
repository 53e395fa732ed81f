// Package main runs the overlay builder HTTP service.
package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stackmotive/overlay/audit"
	"github.com/stackmotive/overlay/blockregistry"
	"github.com/stackmotive/overlay/canvasstore"
	"github.com/stackmotive/overlay/config"
	"github.com/stackmotive/overlay/errors"
	"github.com/stackmotive/overlay/marketdata"
	"github.com/stackmotive/overlay/metric"
	"github.com/stackmotive/overlay/natsclient"
	"github.com/stackmotive/overlay/pkg/tlsutil"
	"github.com/stackmotive/overlay/pkg/retry"
	"github.com/stackmotive/overlay/service"
	"github.com/stackmotive/overlay/simulation"
	"github.com/stackmotive/overlay/validation"
)

// Build information
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "overlayd"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		if stderrors.Is(err, flag.ErrHelp) {
			return
		}
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cli, err := parseFlags(args)
	if err != nil {
		return err
	}
	if cli.ShowVersion {
		fmt.Printf("%s version %s (build %s)\n", appName, Version, BuildTime)
		return nil
	}

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	logger := setupLogger(os.Stdout, cfg.Service.LogLevel, cfg.Service.LogFormat)
	slog.SetDefault(logger)
	logger.Info("Starting overlay builder", "build_time", BuildTime, "config", cli.ConfigPaths)

	if cli.Validate {
		logger.Info("Configuration is valid", "config", cfg.String())
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return a.run(ctx)
}

// loadConfig layers the configuration files over the defaults, applies
// the environment and then the command line
func loadConfig(cli *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	for _, path := range cli.ConfigPaths {
		loader.AddLayer(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cli.LogLevel != "" {
		cfg.Service.LogLevel = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Service.LogFormat = cli.LogFormat
	}
	if cli.ShutdownTimeout > 0 {
		cfg.Service.ShutdownTimeout = cli.ShutdownTimeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	nats    *natsclient.Client
	engine  *simulation.Engine
	server  *http.Server
	metrics *metric.Server
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	metricsRegistry := metric.NewMetricsRegistry()
	core := metricsRegistry.CoreMetrics()

	if cfg.NATS.Enabled() {
		nc, err := connectNATS(ctx, cfg, logger, core)
		if err != nil {
			return nil, err
		}
		a.nats = nc
	}

	store, err := a.openStore(ctx)
	if err != nil {
		a.closeNATS()
		return nil, err
	}

	source, err := marketSource(cfg.MarketData, logger)
	if err != nil {
		a.closeNATS()
		return nil, err
	}

	sink := a.auditSink()
	registry := blockregistry.NewRegistry()
	validator := validation.NewValidator(registry, logger)

	engineOpts := []simulation.Option{
		simulation.WithSink(sink),
		simulation.WithLogger(logger),
		simulation.WithMetrics(metricsRegistry),
	}
	if rl := cfg.MarketData.RateLimit; rl > 0 {
		every := time.Duration(float64(time.Second) / rl)
		engineOpts = append(engineOpts, simulation.WithTickSource(func(time.Duration) simulation.TickSource {
			return simulation.NewRateTicker(every, nil)
		}))
	}
	a.engine, err = simulation.NewEngine(registry, validator, source, cfg.Simulation, engineOpts...)
	if err != nil {
		a.closeNATS()
		return nil, fmt.Errorf("create simulation engine: %w", err)
	}

	overlayOpts := []service.Option{
		service.WithStore(store),
		service.WithSink(sink),
		service.WithLogger(logger),
		service.WithMetrics(core),
		service.WithDefaults(cfg.Canvas),
	}
	if a.nats != nil {
		overlayOpts = append(overlayOpts, service.WithProbe("nats", natsProbe(a.nats)))
	}
	overlay, err := service.New(registry, validator, a.engine, overlayOpts...)
	if err != nil {
		a.closeNATS()
		return nil, fmt.Errorf("create overlay service: %w", err)
	}

	mux := http.NewServeMux()
	overlay.RegisterHTTPHandlers(cfg.Service.APIPrefix, mux)
	a.server = &http.Server{
		Addr:              cfg.Service.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if t := cfg.Service.TLS; t.Enabled {
		a.server.TLSConfig, err = tlsutil.LoadServerTLSConfig(tlsutil.ServerConfig{
			CertFile:          t.CertFile,
			KeyFile:           t.KeyFile,
			MinVersion:        t.MinVersion,
			ClientCAFiles:     t.ClientCAFiles,
			RequireClientCert: t.RequireClientCert,
			AllowedClientCNs:  t.AllowedClientCNs,
		})
		if err != nil {
			a.closeNATS()
			return nil, err
		}
	}

	if cfg.Service.MetricsAddr != "" {
		port, err := portOf(cfg.Service.MetricsAddr)
		if err != nil {
			a.closeNATS()
			return nil, err
		}
		a.metrics = metric.NewServer(port, "/metrics", metricsRegistry)
	}
	return a, nil
}

// run serves until ctx is cancelled or a server fails, then shuts down
func (a *app) run(ctx context.Context) error {
	if err := a.engine.Start(context.WithoutCancel(ctx)); err != nil {
		a.closeNATS()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("HTTP server listening", "addr", a.server.Addr, "prefix", a.cfg.Service.APIPrefix,
			"tls", a.server.TLSConfig != nil)
		var err error
		if a.server.TLSConfig != nil {
			err = a.server.ListenAndServeTLS("", "")
		} else {
			err = a.server.ListenAndServe()
		}
		if err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if a.metrics != nil {
		g.Go(func() error {
			a.logger.Info("Metrics server listening", "url", a.metrics.Address())
			return a.metrics.Start()
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down", "timeout", a.cfg.Service.ShutdownTimeout)
		return a.shutdown()
	})

	err := g.Wait()
	if err == nil {
		a.logger.Info("Overlay builder stopped")
	}
	return err
}

func (a *app) shutdown() error {
	timeout := a.cfg.Service.ShutdownTimeout
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if a.metrics != nil {
		if err := a.metrics.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.engine.Stop(timeout); err != nil {
		errs = append(errs, err)
	}
	if a.nats != nil {
		if err := a.nats.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("nats close: %w", err))
		}
	}
	return stderrors.Join(errs...)
}

func (a *app) closeNATS() {
	if a.nats == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.nats.Close(ctx)
}

func (a *app) openStore(ctx context.Context) (service.Store, error) {
	switch a.cfg.Store.Backend {
	case config.StoreNATS:
		if a.nats == nil {
			return nil, errors.WrapInvalid(errors.ErrMissingConfig, "overlayd", "openStore", "nats store needs nats.urls")
		}
		store, err := canvasstore.New(ctx, a.nats,
			canvasstore.WithBucket(a.cfg.Store.Bucket),
			canvasstore.WithHistory(uint8(a.cfg.Store.History)),
			canvasstore.WithLogger(a.logger))
		if err != nil {
			return nil, fmt.Errorf("open canvas store: %w", err)
		}
		a.logger.Info("Canvas store ready", "backend", "nats", "bucket", a.cfg.Store.Bucket)
		return store, nil
	default:
		a.logger.Warn("Canvases are kept in memory and lost on restart")
		return canvasstore.NewMemory(), nil
	}
}

func (a *app) auditSink() audit.Sink {
	var sinks audit.MultiSink
	if a.cfg.Audit.Log {
		sinks = append(sinks, audit.NewLogSink(a.logger.With("component", "audit")))
	}
	if a.cfg.Audit.NATS && a.nats != nil {
		sinks = append(sinks, audit.NewNATSSink(a.nats, a.cfg.Audit.SubjectPrefix, a.logger))
	}
	if len(sinks) == 0 {
		return audit.Discard
	}
	return sinks
}

func connectNATS(ctx context.Context, cfg *config.Config, logger *slog.Logger, m *metric.Metrics) (*natsclient.Client, error) {
	n := cfg.NATS
	opts := []natsclient.Option{
		natsclient.WithLogger(logger),
		natsclient.WithName(cfg.Service.Name),
		natsclient.WithMaxReconnects(n.MaxReconnects),
		natsclient.WithReconnectWait(n.ReconnectWait),
		natsclient.WithTimeout(n.Timeout),
		natsclient.WithMetrics(m),
	}
	switch {
	case n.Token != "":
		opts = append(opts, natsclient.WithToken(n.Token))
	case n.Username != "":
		opts = append(opts, natsclient.WithCredentials(n.Username, n.Password))
	}
	if n.TLS.Enabled {
		opts = append(opts, natsclient.WithTLS(n.TLS.CertFile, n.TLS.KeyFile, n.TLS.CAFile))
	}

	client, err := natsclient.NewClient(strings.Join(n.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	logger.Info("Connecting to NATS", "urls", n.URLs)
	if err := client.Connect(connectCtx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return client, nil
}

// natsProbe reports a lost connection as degraded, since the client
// reconnects on its own
func natsProbe(nc *natsclient.Client) func(context.Context) error {
	return func(context.Context) error {
		if !nc.IsHealthy() {
			return errors.WrapTransient(errors.ErrConnectionLost, "overlayd", "natsProbe", nc.Status().String())
		}
		_, err := nc.RTT()
		return err
	}
}

// marketSource builds the price source: the configured feed, bounded per
// lookup, retried and guarded by a circuit breaker. Per-job caching is
// left to the engine.
func marketSource(cfg config.MarketDataConfig, logger *slog.Logger) (marketdata.Source, error) {
	var src marketdata.Source
	switch cfg.Source {
	case config.MarketCSV:
		series, err := marketdata.LoadCSVFile(cfg.CSVPath)
		if err != nil {
			return nil, fmt.Errorf("load market data: %w", err)
		}
		logger.Info("Market data loaded", "path", cfg.CSVPath, "symbols", series.Symbols())
		src = series
	default:
		src = marketdata.DefaultSynthetic()
	}

	if cfg.Timeout > 0 {
		inner, timeout := src, cfg.Timeout
		src = marketdata.SourceFunc(func(ctx context.Context, symbol string, ts time.Time) (float64, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return inner.Price(ctx, symbol, ts)
		})
	}
	if cfg.Retry {
		src = marketdata.NewRetrySource(src, retry.ForMarketData())
	}
	if cfg.Breaker {
		src = marketdata.NewBreakerSource(src, marketdata.DefaultBreakerConfig("market-"+cfg.Source), logger)
	}
	return src, nil
}

func portOf(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, errors.WrapInvalid(fmt.Errorf("metrics address %q: %w", addr, err), "overlayd", "portOf", "parse address")
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return 0, errors.WrapInvalid(fmt.Errorf("metrics port %q: %w", p, err), "overlayd", "portOf", "parse port")
	}
	return port, nil
}
