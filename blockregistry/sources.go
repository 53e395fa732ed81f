package blockregistry

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/stackmotive/overlay/block"
)

// priceFeed pulls the block's price from market data. A missing value
// produces no output for the step.
func priceFeed(ctx context.Context, in *block.Invocation) (block.Output, error) {
	if in.Market == nil {
		return block.Output{}, fmt.Errorf("no market data source configured")
	}

	price, err := in.Market.GetValue(ctx, in.BlockID, "price", in.Timestamp)
	if stderrors.Is(err, block.ErrUnavailable) {
		return block.Output{}, nil
	}
	if err != nil {
		return block.Output{}, fmt.Errorf("read %s: %w", in.Params.Text("symbol", in.BlockID), err)
	}

	var out block.Output
	out.Set("price", price)
	return out, nil
}
