package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackmotive/overlay/errors"
)

// unreachable refuses connections immediately.
const unreachable = "nats://127.0.0.1:1"

func TestConnectionStatus_String(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connecting", StatusConnecting.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "reconnecting", StatusReconnecting.String())
	assert.Equal(t, "circuit_open", StatusCircuitOpen.String())
	assert.Equal(t, "unknown", ConnectionStatus(42).String())
}

func TestNewClient_Options(t *testing.T) {
	_, err := NewClient("")
	assert.True(t, errors.IsInvalid(err))

	_, err = NewClient(unreachable, WithTimeout(0))
	assert.Error(t, err)

	_, err = NewClient(unreachable, WithBreaker(0, time.Second))
	assert.Error(t, err)

	_, err = NewClient(unreachable, WithTLS("cert.pem", "", ""))
	assert.Error(t, err)

	_, err = NewClient(unreachable, WithTLS("", "", "/does/not/exist/ca.pem"))
	assert.Error(t, err)

	secure, err := NewClient(unreachable, WithTLS("", "", ""))
	require.NoError(t, err)
	assert.NotNil(t, secure.tlsConfig)

	c, err := NewClient(unreachable, WithName("test"), WithCredentials("u", "p"), WithToken("tok"))
	require.NoError(t, err)
	assert.Equal(t, unreachable, c.URL())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsHealthy())
	assert.Len(t, c.connectionOptions(), 12)
}

func TestClient_NotConnected(t *testing.T) {
	c, err := NewClient(unreachable)
	require.NoError(t, err)
	ctx := context.Background()

	assert.ErrorIs(t, c.Publish(ctx, "a.b", nil), ErrNotConnected)
	assert.ErrorIs(t, c.Subscribe(ctx, "a.b", func(context.Context, []byte) {}), ErrNotConnected)
	_, err = c.JetStream()
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = c.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "x"})
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = c.RTT()
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, err, errors.ErrNoConnection)
}

func TestClient_BreakerOpensAfterFailures(t *testing.T) {
	c, err := NewClient(unreachable,
		WithTimeout(200*time.Millisecond),
		WithMaxReconnects(0),
		WithBreaker(2, time.Minute))
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := c.Connect(ctx)
		require.Error(t, err)
		assert.True(t, errors.IsTransient(err))
		assert.False(t, stderrors.Is(err, errors.ErrCircuitOpen))
	}

	assert.Equal(t, StatusCircuitOpen, c.Status())
	err = c.Connect(ctx)
	assert.ErrorIs(t, err, errors.ErrCircuitOpen)
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	c, err := NewClient(unreachable)
	require.NoError(t, err)
	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))

	err = c.Connect(context.Background())
	assert.True(t, errors.IsFatal(err))
}

func TestIsBreakerSuccess(t *testing.T) {
	assert.True(t, isBreakerSuccess(nil))
	assert.True(t, isBreakerSuccess(context.Canceled))
	assert.True(t, isBreakerSuccess(jetstream.ErrKeyNotFound))
	assert.True(t, isBreakerSuccess(fmt.Errorf("wrap: %w", jetstream.ErrKeyExists)))
	assert.False(t, isBreakerSuccess(stderrors.New("nats: no servers available")))
}

func TestKVKeyNotFoundMatchesSharedSentinel(t *testing.T) {
	assert.ErrorIs(t, ErrKVKeyNotFound, errors.ErrKeyNotFound)
	assert.ErrorIs(t, fmt.Errorf("get canvas: %w", ErrKVKeyNotFound), errors.ErrKeyNotFound)
	assert.True(t, IsKVNotFoundError(errors.ErrKeyNotFound))
}

func TestKVErrorClassification(t *testing.T) {
	tests := []struct {
		err      error
		notFound bool
		conflict bool
	}{
		{nil, false, false},
		{ErrKVKeyNotFound, true, false},
		{jetstream.ErrKeyNotFound, true, false},
		{jetstream.ErrKeyDeleted, true, false},
		{stderrors.New("nats: key not found"), true, false},
		{ErrKVKeyExists, false, true},
		{ErrKVRevisionMismatch, false, true},
		{jetstream.ErrKeyExists, false, true},
		{&jetstream.APIError{ErrorCode: jetstream.JSErrCodeStreamWrongLastSequence}, false, true},
		{stderrors.New("wrong last sequence: 4"), false, true},
		{stderrors.New("i/o timeout"), false, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.notFound, IsKVNotFoundError(tt.err), "%v", tt.err)
		assert.Equal(t, tt.conflict, IsKVConflictError(tt.err), "%v", tt.err)
	}
}
