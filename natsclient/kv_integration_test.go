//go:build integration

package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKV(t *testing.T, opts ...func(*KVOptions)) *KVStore {
	t.Helper()
	tc := NewTestClient(t)
	bucket, err := tc.Client.CreateKeyValueBucket(context.Background(), jetstream.KeyValueConfig{
		Bucket:  "kv_test",
		History: 10,
	})
	require.NoError(t, err)
	return tc.Client.NewKVStore(bucket, opts...)
}

func TestKVStore_CreateUpdateGet(t *testing.T) {
	kv := newKV(t)
	ctx := context.Background()

	rev, err := kv.Create(ctx, "a", []byte("1"))
	require.NoError(t, err)

	_, err = kv.Create(ctx, "a", []byte("x"))
	assert.ErrorIs(t, err, ErrKVKeyExists)

	rev2, err := kv.Update(ctx, "a", []byte("2"), rev)
	require.NoError(t, err)
	assert.Greater(t, rev2, rev)

	_, err = kv.Update(ctx, "a", []byte("3"), rev)
	assert.ErrorIs(t, err, ErrKVRevisionMismatch)

	entry, err := kv.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), entry.Value)
	assert.Equal(t, rev2, entry.Revision)

	history, err := kv.History(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, history, 2)

	keys, err := kv.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, keys)

	require.NoError(t, kv.Delete(ctx, "a"))
	_, err = kv.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)
	assert.ErrorIs(t, kv.Delete(ctx, "a"), ErrKVKeyNotFound)

	keys, err = kv.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestKVStore_ValueTooLarge(t *testing.T) {
	kv := newKV(t, func(o *KVOptions) { o.MaxValueSize = 4 })
	_, err := kv.Create(context.Background(), "big", []byte("12345"))
	assert.ErrorIs(t, err, ErrKVValueTooLarge)
}

func TestKVStore_UpdateWithRetryConcurrent(t *testing.T) {
	kv := newKV(t, func(o *KVOptions) { o.Retry.MaxAttempts = 50 })
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := kv.UpdateWithRetry(ctx, "counter", func(current []byte) ([]byte, error) {
				var n int
				if current != nil {
					fmt.Sscanf(string(current), "%d", &n)
				}
				return []byte(fmt.Sprint(n + 1)), nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entry, err := kv.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprint(writers), string(entry.Value))
}

func TestKVStore_UpdateWithRetryFunctionError(t *testing.T) {
	kv := newKV(t)
	boom := stderrors.New("boom")
	calls := 0
	_, err := kv.UpdateWithRetry(context.Background(), "k", func([]byte) ([]byte, error) {
		calls++
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestClient_PublishSubscribe(t *testing.T) {
	tc := NewTestClient(t)
	ctx := context.Background()

	got := make(chan []byte, 1)
	require.NoError(t, tc.Client.Subscribe(ctx, "overlay.test", func(_ context.Context, data []byte) {
		got <- data
	}))
	require.NoError(t, tc.Client.Conn().Flush())
	require.NoError(t, tc.Client.Publish(ctx, "overlay.test", []byte("hello")))

	assert.Equal(t, []byte("hello"), <-got)
	assert.True(t, tc.Client.IsHealthy())
	_, err := tc.Client.RTT()
	assert.NoError(t, err)
}
