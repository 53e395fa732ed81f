package natsclient

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sony/gobreaker"

	"github.com/stackmotive/overlay/errors"
	"github.com/stackmotive/overlay/metric"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// ErrNotConnected is returned by operations that need a live connection.
// It matches errors.ErrNoConnection.
var ErrNotConnected = fmt.Errorf("nats: %w", errors.ErrNoConnection)

// messageTimeout bounds each subscription handler call.
const messageTimeout = 30 * time.Second

// Client manages one NATS connection
type Client struct {
	url    string
	logger *slog.Logger
	status atomic.Value // ConnectionStatus

	conn *nats.Conn
	js   jetstream.JetStream
	subs []*nats.Subscription

	breaker          *gobreaker.CircuitBreaker
	breakerThreshold uint32
	breakerTimeout   time.Duration
	metrics          *metric.Metrics

	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration

	username string
	password string
	token    string

	tlsConfig *tls.Config

	name string

	mu     sync.RWMutex
	closed atomic.Bool
}

// NewClient creates a client for url. It does not connect.
func NewClient(url string, opts ...Option) (*Client, error) {
	if url == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "NewClient", "url check")
	}

	c := &Client{
		url:              url,
		logger:           slog.Default(),
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		timeout:          5 * time.Second,
		drainTimeout:     30 * time.Second,
		breakerThreshold: 5,
		breakerTimeout:   30 * time.Second,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	c.logger = c.logger.With("component", "natsclient")
	c.status.Store(StatusDisconnected)
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "nats",
		Timeout: c.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= c.breakerThreshold
		},
		IsSuccessful:  isBreakerSuccess,
		OnStateChange: c.onBreakerChange,
	})

	return c, nil
}

// URL returns the server URL
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	if c.breaker.State() == gobreaker.StateOpen {
		return StatusCircuitOpen
	}
	return c.status.Load().(ConnectionStatus)
}

// IsHealthy reports whether the client is connected
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Conn returns the underlying connection, or nil
func (c *Client) Conn() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// RTT returns the round-trip time to the server
func (c *Client) RTT() (time.Duration, error) {
	conn := c.Conn()
	if conn == nil || !conn.IsConnected() {
		return 0, ErrNotConnected
	}
	return conn.RTT()
}

// Connect dials the server. Failures count against the circuit breaker;
// while it is open Connect fails immediately.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return errors.WrapFatal(errors.ErrShuttingDown, "Client", "Connect", "closed check")
	}

	c.setStatus(StatusConnecting)
	c.logger.Info("Connecting to NATS", "url", c.url)

	err := c.guard(func() error { return c.dial(ctx) })
	if err != nil {
		c.setStatus(StatusDisconnected)
		c.recordConnected(false)
		if stderrors.Is(err, errors.ErrCircuitOpen) {
			return err
		}
		return errors.WrapTransient(err, "Client", "Connect", "establish connection")
	}

	c.setStatus(StatusConnected)
	c.recordConnected(true)
	c.logger.Info("Connected to NATS", "url", c.url)
	return nil
}

type dialResult struct {
	conn *nats.Conn
	err  error
}

func (c *Client) dial(ctx context.Context) error {
	done := make(chan dialResult, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.connectionOptions()...)
		done <- dialResult{conn: conn, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return r.err
		}
		js, err := jetstream.New(r.conn)
		if err != nil {
			r.conn.Close()
			return fmt.Errorf("init jetstream: %w", err)
		}
		c.mu.Lock()
		c.conn, c.js = r.conn, js
		c.mu.Unlock()
		return nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return ctx.Err()
	}
}

func (c *Client) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}
	if c.username != "" && c.password != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}
	if c.tlsConfig != nil {
		opts = append(opts, nats.Secure(c.tlsConfig))
	}
	if c.name != "" {
		opts = append(opts, nats.Name(c.name))
	}
	return opts
}

// Close unsubscribes and drains the connection. It is safe to call more
// than once.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	conn := c.conn
	subs := c.subs
	c.conn, c.js, c.subs = nil, nil, nil
	c.username, c.password, c.token = "", "", ""
	c.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe"))
		}
	}

	if conn != nil {
		timeout := c.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < timeout {
				timeout = remaining
			}
		}

		drained := make(chan error, 1)
		go func() { drained <- conn.Drain() }()
		select {
		case err := <-drained:
			if err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
				errs = append(errs, errors.Wrap(err, "Client", "Close", "drain connection"))
			}
		case <-time.After(timeout):
			errs = append(errs, errors.WrapTransient(fmt.Errorf("drain timeout after %s", timeout),
				"Client", "Close", "drain connection"))
		case <-ctx.Done():
			errs = append(errs, errors.Wrap(ctx.Err(), "Client", "Close", "drain connection"))
		}
		conn.Close()
	}

	c.setStatus(StatusDisconnected)
	c.recordConnected(false)
	c.logger.Info("NATS client closed")
	return stderrors.Join(errs...)
}

// Publish sends data on subject
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	conn := c.Conn()
	if conn == nil {
		return errors.WrapTransient(ErrNotConnected, "Client", "Publish", "connection check")
	}
	if err := conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", fmt.Sprintf("publish to %s", subject))
	}
	return nil
}

// Subscribe registers handler for subject. Each call gets a context
// derived from ctx with a per-message timeout.
func (c *Client) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return errors.WrapTransient(ErrNotConnected, "Client", "Subscribe", "connection check")
	}
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, messageTimeout)
		defer cancel()
		handler(msgCtx, msg.Data)
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "Subscribe", fmt.Sprintf("subscribe to %s", subject))
	}
	c.subs = append(c.subs, sub)
	return nil
}

// JetStream returns the JetStream context
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.js == nil {
		return nil, errors.WrapTransient(ErrNotConnected, "Client", "JetStream", "connection check")
	}
	return c.js, nil
}

// CreateKeyValueBucket returns the bucket named in cfg, creating it when
// it does not exist.
func (c *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}

	var bucket jetstream.KeyValue
	err = c.guard(func() error {
		var err error
		bucket, err = js.KeyValue(ctx, cfg.Bucket)
		if err == nil {
			return nil
		}
		if !stderrors.Is(err, jetstream.ErrBucketNotFound) {
			return err
		}
		bucket, err = js.CreateKeyValue(ctx, cfg)
		if stderrors.Is(err, jetstream.ErrBucketExists) {
			// lost a creation race
			bucket, err = js.KeyValue(ctx, cfg.Bucket)
		}
		return err
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "CreateKeyValueBucket", fmt.Sprintf("open bucket %s", cfg.Bucket))
	}
	c.logger.Debug("KV bucket ready", "bucket", cfg.Bucket)
	return bucket, nil
}

// KeyValueBucket opens an existing bucket
func (c *Client) KeyValueBucket(ctx context.Context, name string) (jetstream.KeyValue, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}
	var bucket jetstream.KeyValue
	err = c.guard(func() error {
		var err error
		bucket, err = js.KeyValue(ctx, name)
		return err
	})
	if stderrors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, errors.WrapInvalid(err, "Client", "KeyValueBucket", fmt.Sprintf("open bucket %s", name))
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "KeyValueBucket", fmt.Sprintf("open bucket %s", name))
	}
	return bucket, nil
}

// DeleteKeyValueBucket removes a bucket and its history
func (c *Client) DeleteKeyValueBucket(ctx context.Context, name string) error {
	js, err := c.JetStream()
	if err != nil {
		return err
	}
	if err := c.guard(func() error { return js.DeleteKeyValue(ctx, name) }); err != nil {
		return errors.WrapTransient(err, "Client", "DeleteKeyValueBucket", fmt.Sprintf("delete bucket %s", name))
	}
	return nil
}

// guard runs fn through the circuit breaker. An open breaker yields
// errors.ErrCircuitOpen.
func (c *Client) guard(fn func() error) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, fn()
	})
	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.WrapTransient(errors.ErrCircuitOpen, "Client", "guard", "circuit breaker check")
	}
	return err
}

// isBreakerSuccess keeps caller mistakes and key-level outcomes from
// tripping the breaker.
func isBreakerSuccess(err error) bool {
	return err == nil ||
		stderrors.Is(err, context.Canceled) ||
		stderrors.Is(err, jetstream.ErrKeyNotFound) ||
		stderrors.Is(err, jetstream.ErrKeyExists) ||
		stderrors.Is(err, jetstream.ErrBucketNotFound) ||
		IsKVConflictError(err) ||
		IsKVNotFoundError(err)
}

func (c *Client) onBreakerChange(_ string, from, to gobreaker.State) {
	c.logger.Warn("NATS circuit breaker state changed", "from", from.String(), "to", to.String())
	if c.metrics != nil {
		c.metrics.RecordCircuitBreakerState(int(to))
	}
}

func (c *Client) setStatus(s ConnectionStatus) {
	c.status.Store(s)
}

func (c *Client) recordConnected(connected bool) {
	if c.metrics != nil {
		c.metrics.RecordNATSStatus(connected)
	}
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	if c.closed.Load() {
		return
	}
	c.setStatus(StatusReconnecting)
	c.recordConnected(false)
	c.logger.Warn("Disconnected from NATS", "error", err)
}

func (c *Client) handleReconnect(conn *nats.Conn) {
	c.setStatus(StatusConnected)
	c.recordConnected(true)
	if c.metrics != nil {
		c.metrics.RecordNATSReconnect()
	}
	c.logger.Info("Reconnected to NATS", "url", conn.ConnectedUrl())
}

func (c *Client) handleClosed(_ *nats.Conn) {
	c.setStatus(StatusDisconnected)
	c.recordConnected(false)
}

func (c *Client) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	subject := ""
	if sub != nil {
		subject = sub.Subject
	}
	c.logger.Error("NATS async error", "subject", subject, "error", err)
}
