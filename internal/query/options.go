package query

import (
	"math/big"
	"time"
)

// DefaultBlocksPerFetch is the block cadence used when a query does not set
// its own.
const DefaultBlocksPerFetch = 1

// Options configure how a registered query refreshes. Paused, Static,
// BlockNumber and PollInterval are mutually exclusive refresh strategies;
// at most one governs a query, and any of them disables block-driven
// refetching.
type Options struct {
	Paused       bool
	Static       bool          // fetch once, never auto-refresh
	BlockNumber  *big.Int      // pin to an explicit historical block
	PollInterval time.Duration // time-based refreshing instead of block-based
	// BlocksPerFetch throttles block-driven refetching: at most one refetch
	// per this many new blocks. Zero means DefaultBlocksPerFetch.
	BlocksPerFetch uint64
	// BatchSize caps how many calls are sent per multicall round trip.
	// Zero means no cap.
	BatchSize int
}

// WatchBlocks reports whether block-driven refetching governs this query.
func (o Options) WatchBlocks() bool {
	return !o.Paused && !o.Static && o.BlockNumber == nil && o.PollInterval == 0
}

// Cadence returns the effective blocks-per-fetch throttle.
func (o Options) Cadence() uint64 {
	if o.BlocksPerFetch == 0 {
		return DefaultBlocksPerFetch
	}
	return o.BlocksPerFetch
}
