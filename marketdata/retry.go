package marketdata

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/stackmotive/overlay/errors"
	"github.com/stackmotive/overlay/pkg/retry"
)

// RetrySource retries transient read failures with backoff. ErrUnavailable
// is returned immediately.
type RetrySource struct {
	source Source
	cfg    retry.Config
}

// NewRetrySource wraps source. cfg.Retryable is replaced.
func NewRetrySource(source Source, cfg retry.Config) *RetrySource {
	cfg.Retryable = func(err error) bool {
		if stderrors.Is(err, ErrUnavailable) || stderrors.Is(err, errors.ErrCircuitOpen) {
			return false
		}
		return errors.IsTransient(err)
	}
	return &RetrySource{source: source, cfg: cfg}
}

// Price implements Source
func (r *RetrySource) Price(ctx context.Context, symbol string, ts time.Time) (float64, error) {
	return retry.DoWithResult(ctx, r.cfg, func() (float64, error) {
		return r.source.Price(ctx, symbol, ts)
	})
}
