package marketdata

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stackmotive/overlay/errors"
)

// BreakerSource stops calling a failing source until it recovers.
// ErrUnavailable and context cancellation do not count as failures.
type BreakerSource struct {
	source  Source
	breaker *gobreaker.CircuitBreaker
}

// BreakerConfig tunes a BreakerSource
type BreakerConfig struct {
	Name                string
	ConsecutiveFailures uint32        // trip after this many failures in a row
	FailureRatio        float64       // or when failures exceed this ratio...
	MinRequests         uint32        // ...over at least this many requests
	Interval            time.Duration // counts reset period while closed
	Timeout             time.Duration // open period before a trial request
}

// DefaultBreakerConfig returns the settings used for market data feeds
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:                name,
		ConsecutiveFailures: 3,
		FailureRatio:        0.05,
		MinRequests:         20,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
	}
}

// NewBreakerSource wraps source with a circuit breaker. State changes are
// logged through logger when it is not nil.
func NewBreakerSource(source Source, cfg BreakerConfig, logger *slog.Logger) *BreakerSource {
	st := gobreaker.Settings{
		Name:     cfg.Name,
		Interval: cfg.Interval,
		Timeout:  cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			if counts.Requests < cfg.MinRequests || cfg.FailureRatio <= 0 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) > cfg.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				stderrors.Is(err, ErrUnavailable) ||
				stderrors.Is(err, context.Canceled)
		},
	}
	if logger != nil {
		logger = logger.With("component", "marketdata-breaker", "breaker", cfg.Name)
		st.OnStateChange = func(name string, from, to gobreaker.State) {
			logger.Warn("Market data circuit breaker state changed", "from", from.String(), "to", to.String())
		}
	}
	return &BreakerSource{source: source, breaker: gobreaker.NewCircuitBreaker(st)}
}

// Price implements Source. An open breaker returns a transient error
// wrapping errors.ErrCircuitOpen.
func (b *BreakerSource) Price(ctx context.Context, symbol string, ts time.Time) (float64, error) {
	v, err := b.breaker.Execute(func() (any, error) {
		return b.source.Price(ctx, symbol, ts)
	})
	if err != nil {
		if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
			return 0, errors.WrapTransient(errors.ErrCircuitOpen, "marketdata.BreakerSource", "Price",
				"breaker "+b.breaker.Name()+" is "+b.breaker.State().String())
		}
		return 0, err
	}
	return v.(float64), nil
}

// State returns the breaker state: "closed", "half-open" or "open"
func (b *BreakerSource) State() string {
	return b.breaker.State().String()
}
