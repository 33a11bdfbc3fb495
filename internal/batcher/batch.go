package batcher

import (
	"github.com/ethereum/go-ethereum/common"

	"multiquery/internal/query"
)

// ResolvedCall is a call descriptor whose target address has already been
// resolved. This is the unit handed to the executor.
type ResolvedCall struct {
	query.Call
	To common.Address
}

// Contribution records how many calls one registered query contributed to
// a batch. Contributions are kept in registration order; queries with an
// empty collection contribute nothing and get no entry. The running sum of
// counts locates each query's slice inside the flat result array.
type Contribution struct {
	ID    int
	Count int
}

// Batch is the merged view of all active queries: one flat ordered call
// array plus the bookkeeping needed to slice the positional result back
// out. A batch is immutable once committed; recomputation always builds a
// fresh one from scratch.
type Batch struct {
	Version       uint64
	Calls         []ResolvedCall
	Contributions []Contribution
}

// Equal reports whether two batches would dispatch the same calls and
// slice their results identically. Version is deliberately excluded:
// version counts recomputations, not distinct batches.
func (b *Batch) Equal(o *Batch) bool {
	if b == nil || o == nil {
		return b == o
	}
	if len(b.Calls) != len(o.Calls) || len(b.Contributions) != len(o.Contributions) {
		return false
	}
	for i := range b.Contributions {
		if b.Contributions[i] != o.Contributions[i] {
			return false
		}
	}
	for i := range b.Calls {
		if b.Calls[i].To != o.Calls[i].To || !b.Calls[i].Call.Equal(o.Calls[i].Call) {
			return false
		}
	}
	return true
}

// Result is a completed execution of a dispatched batch. Err set means the
// whole round trip failed at the transport level and Entries is nil;
// otherwise Entries is positional, one entry per dispatched call.
type Result struct {
	Loading bool
	Err     error
	Entries []query.CallResult
}
