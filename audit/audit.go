// Package audit carries the telemetry records emitted by canvas mutations,
// validation runs and simulation jobs.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record types
const (
	BlockAdded          = "block.added"
	BlockRemoved        = "block.removed"
	BlockUpdated        = "block.updated"
	ConnectionCreated   = "connection.created"
	ConnectionRemoved   = "connection.removed"
	CanvasValidated     = "canvas.validated"
	SimulationStarted   = "simulation.started"
	SimulationCompleted = "simulation.completed"
	SimulationFailed    = "simulation.failed"
	SimulationCancelled = "simulation.cancelled"
)

// Record is one audit event
type Record struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Time         time.Time      `json:"time"`
	CanvasID     string         `json:"canvas_id,omitempty"`
	BlockID      string         `json:"block_id,omitempty"`
	ConnectionID string         `json:"connection_id,omitempty"`
	JobID        string         `json:"job_id,omitempty"`
	Status       string         `json:"status,omitempty"`
	Errors       int            `json:"errors,omitempty"`
	Warnings     int            `json:"warnings,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

// New creates a record with a fresh id and the current time
func New(recordType string) Record {
	return Record{
		ID:   uuid.New().String(),
		Type: recordType,
		Time: time.Now().UTC(),
	}
}

// Sink receives audit records. Emit must not block the caller for long and
// must be safe for concurrent use.
type Sink interface {
	Emit(ctx context.Context, rec Record)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, rec Record)

// Emit implements Sink
func (f SinkFunc) Emit(ctx context.Context, rec Record) { f(ctx, rec) }

// Discard drops every record
var Discard Sink = SinkFunc(func(context.Context, Record) {})

// LogSink writes records to a structured logger at info level
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger uses slog.Default.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "audit")}
}

// Emit implements Sink
func (s *LogSink) Emit(ctx context.Context, rec Record) {
	attrs := []any{"id", rec.ID}
	if rec.CanvasID != "" {
		attrs = append(attrs, "canvas_id", rec.CanvasID)
	}
	if rec.BlockID != "" {
		attrs = append(attrs, "block_id", rec.BlockID)
	}
	if rec.ConnectionID != "" {
		attrs = append(attrs, "connection_id", rec.ConnectionID)
	}
	if rec.JobID != "" {
		attrs = append(attrs, "job_id", rec.JobID)
	}
	if rec.Status != "" {
		attrs = append(attrs, "status", rec.Status)
	}
	if rec.Errors > 0 || rec.Warnings > 0 {
		attrs = append(attrs, "errors", rec.Errors, "warnings", rec.Warnings)
	}
	for k, v := range rec.Attributes {
		attrs = append(attrs, k, v)
	}
	s.logger.InfoContext(ctx, rec.Type, attrs...)
}

// Publisher is the subset of the NATS client used by NATSSink
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NATSSink publishes records as JSON on "<prefix>.<type>"
type NATSSink struct {
	publisher Publisher
	prefix    string
	logger    *slog.Logger
}

// NewNATSSink creates a NATS sink. The prefix defaults to "overlay.audit".
func NewNATSSink(publisher Publisher, prefix string, logger *slog.Logger) *NATSSink {
	if prefix == "" {
		prefix = "overlay.audit"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSSink{publisher: publisher, prefix: strings.TrimSuffix(prefix, "."), logger: logger}
}

// Subject returns the subject a record type is published on
func (s *NATSSink) Subject(recordType string) string {
	return fmt.Sprintf("%s.%s", s.prefix, recordType)
}

// Emit implements Sink. Publish failures are logged, never returned.
func (s *NATSSink) Emit(ctx context.Context, rec Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		s.logger.Error("Failed to encode audit record", "type", rec.Type, "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, s.Subject(rec.Type), data); err != nil {
		s.logger.Warn("Failed to publish audit record", "type", rec.Type, "error", err)
	}
}

// MemorySink keeps records in memory, for tests and the CLI.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

// NewMemorySink creates an empty MemorySink
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Emit implements Sink
func (s *MemorySink) Emit(_ context.Context, rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

// Records returns a copy of the collected records
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

// Types returns the collected record types in order
func (s *MemorySink) Types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.records))
	for i, r := range s.records {
		out[i] = r.Type
	}
	return out
}

// MultiSink fans a record out to every sink in order
type MultiSink []Sink

// Emit implements Sink
func (m MultiSink) Emit(ctx context.Context, rec Record) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, rec)
		}
	}
}
