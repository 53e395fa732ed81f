package simulation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stackmotive/overlay/canvas"
)

// job is one simulation run. The snapshot and request are immutable; the
// result is guarded by mu and only ever replaced step by step.
type job struct {
	id       string
	snapshot *canvas.Canvas
	req      Request

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu      sync.RWMutex
	result  *Result
	changed chan struct{}
	started time.Time // wall clock, for duration metrics
}

func (e *Engine) newJob(parent context.Context, c *canvas.Canvas, req Request) *job {
	ctx, cancel := context.WithCancelCause(parent)
	now := e.now().UTC()
	id := uuid.New().String()

	return &job{
		id:       id,
		snapshot: c.Clone(),
		req:      req,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		changed:  make(chan struct{}),
		result: &Result{
			ID:        id,
			CanvasID:  c.ID,
			Request:   req,
			Status:    StatusPending,
			History:   []Transition{{Status: StatusPending, At: now}},
			Results:   newResults(),
			CreatedAt: now,
		},
	}
}

// update applies fn under the lock and wakes watchers.
func (j *job) update(fn func(r *Result)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	fn(j.result)
	close(j.changed)
	j.changed = make(chan struct{})
}

func (j *job) status() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.result.Status
}

func (j *job) progress() Progress {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.result.Progress()
}

func (j *job) snapshotResult() *Result {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.result.Clone()
}
