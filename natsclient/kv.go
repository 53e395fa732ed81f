package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/stackmotive/overlay/errors"
	"github.com/stackmotive/overlay/pkg/retry"
)

// Key-level errors. They are returned unwrapped so callers can map them
// to their own domain errors. ErrKVKeyNotFound also matches
// errors.ErrKeyNotFound.
var (
	ErrKVKeyNotFound        = fmt.Errorf("kv: %w", errors.ErrKeyNotFound)
	ErrKVKeyExists          = stderrors.New("kv: key already exists")
	ErrKVRevisionMismatch   = stderrors.New("kv: revision mismatch (concurrent update)")
	ErrKVMaxRetriesExceeded = stderrors.New("kv: max retries exceeded")
	ErrKVValueTooLarge      = stderrors.New("kv: value too large")
)

// KVEntry is a value with the revision needed for compare-and-swap
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
	Created  time.Time
}

// KVOptions configures a KVStore
type KVOptions struct {
	Timeout      time.Duration // per operation; UpdateWithRetry applies it to the whole loop
	MaxValueSize int
	Retry        retry.Config // conflict retries for UpdateWithRetry
}

// DefaultKVOptions returns the store defaults
func DefaultKVOptions() KVOptions {
	return KVOptions{
		Timeout:      5 * time.Second,
		MaxValueSize: 1024 * 1024,
		Retry:        retry.ForKV(),
	}
}

// KVStore provides revision-aware operations over one bucket
type KVStore struct {
	bucket  jetstream.KeyValue
	options KVOptions
	logger  *slog.Logger
	guard   func(func() error) error
}

// NewKVStore wraps bucket. Calls go through the client's circuit breaker.
func (c *Client) NewKVStore(bucket jetstream.KeyValue, opts ...func(*KVOptions)) *KVStore {
	options := DefaultKVOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &KVStore{
		bucket:  bucket,
		options: options,
		logger:  c.logger.With("bucket", bucket.Bucket()),
		guard:   c.guard,
	}
}

// Bucket returns the bucket name
func (kv *KVStore) Bucket() string {
	return kv.bucket.Bucket()
}

func (kv *KVStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if kv.options.Timeout > 0 {
		return context.WithTimeout(ctx, kv.options.Timeout)
	}
	return ctx, func() {}
}

func (kv *KVStore) checkSize(value []byte) error {
	if kv.options.MaxValueSize > 0 && len(value) > kv.options.MaxValueSize {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrKVValueTooLarge, len(value), kv.options.MaxValueSize)
	}
	return nil
}

// Get returns the current value and revision of key
func (kv *KVStore) Get(ctx context.Context, key string) (*KVEntry, error) {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	var entry jetstream.KeyValueEntry
	err := kv.guard(func() error {
		var err error
		entry, err = kv.bucket.Get(ctx, key)
		return err
	})
	if err != nil {
		if IsKVNotFoundError(err) {
			return nil, ErrKVKeyNotFound
		}
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
	return toEntry(entry), nil
}

// Create stores key only if it does not exist
func (kv *KVStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := kv.checkSize(value); err != nil {
		return 0, err
	}
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	var rev uint64
	err := kv.guard(func() error {
		var err error
		rev, err = kv.bucket.Create(ctx, key, value)
		return err
	})
	if err != nil {
		if IsKVConflictError(err) {
			return 0, ErrKVKeyExists
		}
		return 0, fmt.Errorf("kv create %s: %w", key, err)
	}
	kv.logger.Debug("KV create", "key", key, "revision", rev)
	return rev, nil
}

// Update stores key only if its revision is still revision
func (kv *KVStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if err := kv.checkSize(value); err != nil {
		return 0, err
	}
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	var rev uint64
	err := kv.guard(func() error {
		var err error
		rev, err = kv.bucket.Update(ctx, key, value, revision)
		return err
	})
	if err != nil {
		if IsKVConflictError(err) {
			return 0, ErrKVRevisionMismatch
		}
		return 0, fmt.Errorf("kv update %s: %w", key, err)
	}
	kv.logger.Debug("KV update", "key", key, "old_revision", revision, "revision", rev)
	return rev, nil
}

// Put stores key unconditionally
func (kv *KVStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := kv.checkSize(value); err != nil {
		return 0, err
	}
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	var rev uint64
	err := kv.guard(func() error {
		var err error
		rev, err = kv.bucket.Put(ctx, key, value)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("kv put %s: %w", key, err)
	}
	return rev, nil
}

// UpdateWithRetry applies fn to the current value (nil when absent) and
// stores the result with compare-and-swap, retrying on conflicts. It
// returns the new revision. Errors from fn are not retried.
func (kv *KVStore) UpdateWithRetry(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) (uint64, error) {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	cfg := kv.options.Retry
	cfg.Retryable = IsKVConflictError
	attempt := 0

	rev, err := retry.DoWithResult(ctx, cfg, func() (uint64, error) {
		attempt++
		var current []byte
		var revision uint64
		entry, err := kv.Get(ctx, key)
		switch {
		case err == nil:
			current, revision = entry.Value, entry.Revision
		case !stderrors.Is(err, ErrKVKeyNotFound):
			return 0, retry.NonRetryable(err)
		}

		next, err := fn(current)
		if err != nil {
			return 0, retry.NonRetryable(err)
		}

		var rev uint64
		if revision == 0 {
			rev, err = kv.Create(ctx, key, next)
		} else {
			rev, err = kv.Update(ctx, key, next, revision)
		}
		if IsKVConflictError(err) {
			kv.logger.Debug("KV conflict, retrying", "key", key, "attempt", attempt)
			return 0, err
		}
		if err != nil {
			return 0, retry.NonRetryable(err)
		}
		return rev, nil
	})
	if err != nil {
		var nre *retry.NonRetryableError
		if stderrors.As(err, &nre) {
			return 0, nre.Err
		}
		if IsKVConflictError(err) {
			return 0, ErrKVMaxRetriesExceeded
		}
		return 0, err
	}
	return rev, nil
}

// Delete removes key. Its history is kept until purged.
func (kv *KVStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	if _, err := kv.Get(ctx, key); err != nil {
		return err
	}
	if err := kv.guard(func() error { return kv.bucket.Delete(ctx, key) }); err != nil {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	kv.logger.Debug("KV delete", "key", key)
	return nil
}

// Keys returns every live key in the bucket
func (kv *KVStore) Keys(ctx context.Context) ([]string, error) {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	var keys []string
	err := kv.guard(func() error {
		var err error
		keys, err = kv.bucket.Keys(ctx)
		if stderrors.Is(err, jetstream.ErrNoKeysFound) {
			keys, err = nil, nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("kv keys: %w", err)
	}
	return keys, nil
}

// History returns the stored revisions of key, oldest first. Delete
// markers are skipped.
func (kv *KVStore) History(ctx context.Context, key string) ([]KVEntry, error) {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	var entries []jetstream.KeyValueEntry
	err := kv.guard(func() error {
		var err error
		entries, err = kv.bucket.History(ctx, key)
		return err
	})
	if err != nil {
		if IsKVNotFoundError(err) {
			return nil, ErrKVKeyNotFound
		}
		return nil, fmt.Errorf("kv history %s: %w", key, err)
	}

	out := make([]KVEntry, 0, len(entries))
	for _, e := range entries {
		if e.Operation() != jetstream.KeyValuePut {
			continue
		}
		out = append(out, *toEntry(e))
	}
	return out, nil
}

// Watch streams changes to keys matching pattern. The watcher is
// long-lived and ignores the store timeout.
func (kv *KVStore) Watch(ctx context.Context, pattern string) (jetstream.KeyWatcher, error) {
	w, err := kv.bucket.Watch(ctx, pattern)
	if err != nil {
		return nil, fmt.Errorf("kv watch %s: %w", pattern, err)
	}
	return w, nil
}

func toEntry(e jetstream.KeyValueEntry) *KVEntry {
	return &KVEntry{Key: e.Key(), Value: e.Value(), Revision: e.Revision(), Created: e.Created()}
}

// IsKVNotFoundError reports whether err means the key does not exist
func IsKVNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, errors.ErrKeyNotFound) || stderrors.Is(err, jetstream.ErrKeyNotFound) ||
		stderrors.Is(err, jetstream.ErrKeyDeleted) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "key not found") || strings.Contains(msg, "10037")
}

// IsKVConflictError reports whether err is a create-on-existing or
// revision conflict
func IsKVConflictError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, ErrKVRevisionMismatch) || stderrors.Is(err, ErrKVKeyExists) ||
		stderrors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	if stderrors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "wrong last sequence") ||
		strings.Contains(msg, "10071") ||
		strings.Contains(msg, "key exists")
}
