package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestClient is a connected Client backed by a NATS container
type TestClient struct {
	Client    *Client
	URL       string
	container testcontainers.Container
}

type testConfig struct {
	version      string
	kvBuckets    []string
	timeout      time.Duration
	startTimeout time.Duration
}

// TestOption configures a TestClient
type TestOption func(*testConfig)

// WithKVBuckets pre-creates buckets
func WithKVBuckets(buckets ...string) TestOption {
	return func(cfg *testConfig) {
		cfg.kvBuckets = append(cfg.kvBuckets, buckets...)
	}
}

// WithNATSVersion selects the nats image tag
func WithNATSVersion(version string) TestOption {
	return func(cfg *testConfig) {
		cfg.version = version
	}
}

// WithStartTimeout bounds container startup
func WithStartTimeout(d time.Duration) TestOption {
	return func(cfg *testConfig) {
		cfg.startTimeout = d
	}
}

// NewTestClient starts a JetStream-enabled NATS container and connects to
// it. The container is terminated when the test finishes.
func NewTestClient(t *testing.T, opts ...TestOption) *TestClient {
	t.Helper()
	tc, err := NewSharedTestClient(opts...)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(tc.Terminate)
	return tc
}

// NewSharedTestClient is NewTestClient for TestMain, where no *testing.T
// exists. The caller must call Terminate.
func NewSharedTestClient(opts ...TestOption) (*TestClient, error) {
	cfg := &testConfig{
		version:      "2.10-alpine",
		timeout:      5 * time.Second,
		startTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:" + cfg.version,
			ExposedPorts: []string{"4222/tcp", "8222/tcp"},
			Cmd:          []string{"--js", "--port", "4222", "--http_port", "8222"},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("4222/tcp"),
				wait.ForHTTP("/healthz").WithPort("8222/tcp"),
			).WithDeadline(cfg.startTimeout),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("start nats container: %w", err)
	}

	tc := &TestClient{container: container}
	fail := func(err error) (*TestClient, error) {
		tc.Terminate()
		return nil, err
	}

	host, err := container.Host(ctx)
	if err != nil {
		return fail(fmt.Errorf("container host: %w", err))
	}
	port, err := container.MappedPort(ctx, "4222")
	if err != nil {
		return fail(fmt.Errorf("container port: %w", err))
	}
	tc.URL = fmt.Sprintf("nats://%s:%s", host, port.Port())

	client, err := NewClient(tc.URL, WithTimeout(cfg.timeout), WithMaxReconnects(0))
	if err != nil {
		return fail(err)
	}
	tc.Client = client

	connectCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		return fail(fmt.Errorf("connect: %w", err))
	}

	for _, bucket := range cfg.kvBuckets {
		if _, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: bucket, History: 10}); err != nil {
			return fail(fmt.Errorf("create bucket %s: %w", bucket, err))
		}
	}
	return tc, nil
}

// Terminate closes the client and stops the container
func (tc *TestClient) Terminate() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if tc.Client != nil {
		_ = tc.Client.Close(ctx)
	}
	if tc.container != nil {
		_ = tc.container.Terminate(ctx)
	}
}
