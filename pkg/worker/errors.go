package worker

import (
	"errors"
	"fmt"

	overlayerrors "github.com/stackmotive/overlay/errors"
)

// Sentinel errors for worker pool operations. Lifecycle errors wrap the
// shared lifecycle sentinels so callers can match either.
var (
	ErrPoolNotStarted     = fmt.Errorf("worker pool: %w", overlayerrors.ErrNotStarted)
	ErrPoolStopped        = fmt.Errorf("worker pool stopped: %w", overlayerrors.ErrShuttingDown)
	ErrPoolAlreadyStarted = fmt.Errorf("worker pool: %w", overlayerrors.ErrAlreadyStarted)
	ErrQueueFull          = errors.New("worker pool queue full")
	ErrNilProcessor       = errors.New("processor function cannot be nil")
	ErrStopTimeout        = errors.New("timeout waiting for workers to stop")
)
