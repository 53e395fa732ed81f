// Package marketdata supplies prices to data source blocks.
//
// A Source answers "what was the price of symbol S at instant T". Sources
// compose: SeriesSource and Synthetic produce data, while BreakerSource,
// RetrySource and CachedSource decorate another Source. A Binding maps the
// block ids of a canvas to symbols and implements block.MarketData, which
// is what the simulation engine hands to transforms.
package marketdata
