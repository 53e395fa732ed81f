package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/stackmotive/overlay/block"
	"github.com/stackmotive/overlay/errors"
)

// ErrUnavailable means the source has no price for the requested instant.
// Blocks treat it as "no output this step".
var ErrUnavailable = block.ErrUnavailable

// PricePort is the only port data source blocks read through Bind.
const PricePort = "price"

// Source returns the price of a symbol at an instant
type Source interface {
	Price(ctx context.Context, symbol string, ts time.Time) (float64, error)
}

// SourceFunc adapts a function to Source
type SourceFunc func(ctx context.Context, symbol string, ts time.Time) (float64, error)

// Price implements Source
func (f SourceFunc) Price(ctx context.Context, symbol string, ts time.Time) (float64, error) {
	return f(ctx, symbol, ts)
}

// Binding resolves block-level reads to symbol-level reads. It implements
// block.MarketData for one simulation job.
type Binding struct {
	source  Source
	symbols map[string]string // block id -> symbol
}

// Bind creates a Binding. symbols maps data source block ids to the symbol
// they read; the map is copied.
func Bind(source Source, symbols map[string]string) *Binding {
	copied := make(map[string]string, len(symbols))
	for k, v := range symbols {
		copied[k] = v
	}
	return &Binding{source: source, symbols: copied}
}

// GetValue implements block.MarketData
func (b *Binding) GetValue(ctx context.Context, blockID, portID string, ts time.Time) (float64, error) {
	if portID != PricePort {
		return 0, ErrUnavailable
	}
	symbol, ok := b.symbols[blockID]
	if !ok {
		return 0, errors.WrapInvalid(fmt.Errorf("block %s has no symbol binding", blockID),
			"marketdata.Binding", "GetValue", "symbol lookup")
	}
	return b.source.Price(ctx, symbol, ts)
}

// Symbol returns the symbol bound to a block
func (b *Binding) Symbol(blockID string) (string, bool) {
	s, ok := b.symbols[blockID]
	return s, ok
}

// Symbols returns the distinct bound symbols
func (b *Binding) Symbols() []string {
	seen := make(map[string]bool, len(b.symbols))
	out := make([]string, 0, len(b.symbols))
	for _, s := range b.symbols {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
