package canvasstore

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/stackmotive/overlay/canvas"
	"github.com/stackmotive/overlay/errors"
	"github.com/stackmotive/overlay/natsclient"
)

// DefaultBucket is the KV bucket holding canvases
const DefaultBucket = "overlay_canvases"

// Option configures a Store
type Option func(*options)

type options struct {
	bucket  string
	history uint8
	logger  *slog.Logger
	now     func() time.Time
}

// WithBucket overrides the bucket name
func WithBucket(name string) Option {
	return func(o *options) { o.bucket = name }
}

// WithHistory sets how many revisions per canvas the bucket keeps
func WithHistory(n uint8) Option {
	return func(o *options) { o.history = n }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock sets the clock used for timestamps
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// Store keeps canvases in NATS KV
type Store struct {
	kv     *natsclient.KVStore
	logger *slog.Logger
	now    func() time.Time
}

// New opens the canvas bucket, creating it when needed
func New(ctx context.Context, client *natsclient.Client, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, errors.WrapInvalid(stderrors.New("nats client cannot be nil"), "canvasstore", "New", "dependency check")
	}
	o := options{bucket: DefaultBucket, history: 10, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      o.bucket,
		Description: "Overlay canvases",
		History:     o.history,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "canvasstore", "New", "create KV bucket")
	}

	return &Store{
		kv:     client.NewKVStore(bucket),
		logger: o.logger.With("component", "canvasstore", "bucket", o.bucket),
		now:    o.now,
	}, nil
}

// Create stores a new canvas at version 1. c is updated in place.
func (s *Store) Create(ctx context.Context, c *canvas.Canvas) error {
	if err := checkCanvas(c, "Create"); err != nil {
		return err
	}

	next := stamp(c, 1, s.now())
	data, err := json.Marshal(next)
	if err != nil {
		return errors.WrapFatal(err, "canvasstore", "Create", "marshal canvas")
	}
	if _, err := s.kv.Create(ctx, c.ID, data); err != nil {
		if stderrors.Is(err, natsclient.ErrKVKeyExists) {
			return errors.WrapInvalid(fmt.Errorf("canvas %q already exists: %w", c.ID, errors.ErrVersionConflict),
				"canvasstore", "Create", "create in KV")
		}
		return errors.WrapTransient(err, "canvasstore", "Create", "create in KV")
	}

	adopt(c, next)
	s.logger.Debug("Canvas created", "canvas", c.ID)
	return nil
}

// Get loads a canvas
func (s *Store) Get(ctx context.Context, id string) (*canvas.Canvas, error) {
	if id == "" {
		return nil, errors.WrapInvalid(stderrors.New("canvas id cannot be empty"), "canvasstore", "Get", "id check")
	}
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
			return nil, notFound(id)
		}
		return nil, errors.WrapTransient(err, "canvasstore", "Get", "get from KV")
	}
	return decode(entry.Value, "Get")
}

// Save stores c if its version matches the stored canvas, then bumps the
// version. c is updated in place and the new version returned.
func (s *Store) Save(ctx context.Context, c *canvas.Canvas) (int64, error) {
	if err := checkCanvas(c, "Save"); err != nil {
		return 0, err
	}

	var next *canvas.Canvas
	_, err := s.kv.UpdateWithRetry(ctx, c.ID, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, notFound(c.ID)
		}
		stored, err := decode(current, "Save")
		if err != nil {
			return nil, err
		}
		if err := checkVersion(c, stored.Version); err != nil {
			return nil, err
		}
		next = stamp(c, stored.Version+1, s.now())
		next.CreatedAt = stored.CreatedAt
		return json.Marshal(next)
	})
	if err != nil {
		if errors.IsInvalid(err) || errors.KindOf(err) == errors.KindNotFound {
			return 0, err
		}
		return 0, errors.WrapTransient(err, "canvasstore", "Save", "update in KV")
	}

	adopt(c, next)
	s.logger.Debug("Canvas saved", "canvas", c.ID, "version", c.Version)
	return c.Version, nil
}

// Delete removes a canvas
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.kv.Delete(ctx, id); err != nil {
		if stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
			return notFound(id)
		}
		return errors.WrapTransient(err, "canvasstore", "Delete", "delete from KV")
	}
	s.logger.Debug("Canvas deleted", "canvas", id)
	return nil
}

// List returns every stored canvas ordered by id
func (s *Store) List(ctx context.Context) ([]*canvas.Canvas, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "canvasstore", "List", "list KV keys")
	}
	sort.Strings(keys)

	out := make([]*canvas.Canvas, 0, len(keys))
	for _, key := range keys {
		c, err := s.Get(ctx, key)
		if errors.KindOf(err) == errors.KindNotFound {
			continue // deleted since listing
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// History returns the retained versions of a canvas, oldest first
func (s *Store) History(ctx context.Context, id string) ([]*canvas.Canvas, error) {
	entries, err := s.kv.History(ctx, id)
	if err != nil {
		if stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
			return nil, notFound(id)
		}
		return nil, errors.WrapTransient(err, "canvasstore", "History", "read KV history")
	}
	out := make([]*canvas.Canvas, 0, len(entries))
	for _, e := range entries {
		c, err := decode(e.Value, "History")
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func checkCanvas(c *canvas.Canvas, method string) error {
	if c == nil {
		return errors.WrapInvalid(stderrors.New("canvas cannot be nil"), "canvasstore", method, "canvas check")
	}
	if c.ID == "" {
		return errors.WrapInvalid(stderrors.New("canvas id cannot be empty"), "canvasstore", method, "canvas check")
	}
	return nil
}

func checkVersion(c *canvas.Canvas, stored int64) error {
	if c.Version != stored {
		return errors.WrapInvalid(
			fmt.Errorf("canvas %q is at version %d, save was based on %d: %w", c.ID, stored, c.Version, errors.ErrVersionConflict),
			"canvasstore", "Save", "version check")
	}
	return nil
}

// stamp returns a copy of c at version with fresh timestamps.
func stamp(c *canvas.Canvas, version int64, now time.Time) *canvas.Canvas {
	next := c.Clone()
	next.Version = version
	next.UpdatedAt = now.UTC()
	if version == 1 || next.CreatedAt.IsZero() {
		next.CreatedAt = next.UpdatedAt
	}
	return next
}

func adopt(c, stored *canvas.Canvas) {
	c.Version = stored.Version
	c.CreatedAt = stored.CreatedAt
	c.UpdatedAt = stored.UpdatedAt
}

func decode(data []byte, method string) (*canvas.Canvas, error) {
	var c canvas.Canvas
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrDataCorrupted, err), "canvasstore", method, "unmarshal canvas")
	}
	return &c, nil
}

func notFound(id string) error {
	return errors.NewOverlayError(errors.KindNotFound, "canvas %q not found", id)
}
