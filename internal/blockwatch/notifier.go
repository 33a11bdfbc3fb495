// Package blockwatch tracks the chain head. A Notifier fans a single
// stream of new block numbers out to many subscribers, and a HeadWatcher
// feeds a Notifier from one upstream newHeads subscription.
package blockwatch

import (
	"sync"

	"github.com/rs/zerolog"
)

// BlockCallback is invoked with each new block number.
type BlockCallback func(block uint64)

type subscriberEntry struct {
	id int
	cb BlockCallback
}

// Notifier broadcasts new block numbers to all subscribers. Exactly one
// upstream source feeds OnBlockUpdated per notifier; the notifier's job is
// fan-out plus replay of the last observed block to late subscribers.
//
// Block zero means "no block observed yet" in this domain and is never
// stored or delivered.
type Notifier struct {
	mu     sync.Mutex
	subs   []subscriberEntry
	nextID int
	last   uint64 // last real block, valid only when seen
	seen   bool
	logger zerolog.Logger
}

// NewNotifier creates a notifier.
func NewNotifier(logger zerolog.Logger) *Notifier {
	return &Notifier{
		nextID: 1,
		logger: logger.With().Str("component", "blockwatch").Logger(),
	}
}

// Subscribe registers a callback and returns its unsubscribe function.
// If a block has already been observed the callback is invoked immediately
// with it, so late subscribers are not stuck waiting for the next block.
// The unsubscribe function is idempotent.
func (n *Notifier) Subscribe(cb BlockCallback) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs = append(n.subs, subscriberEntry{id: id, cb: cb})
	last, seen := n.last, n.seen
	n.mu.Unlock()

	if seen {
		cb(last)
	}

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		for i, entry := range n.subs {
			if entry.id == id {
				n.subs = append(n.subs[:i], n.subs[i+1:]...)
				return
			}
		}
	}
}

// OnBlockUpdated records the block and notifies every subscriber in
// registration order. The subscriber set is snapshotted at the start of
// the pass: a callback that subscribes or unsubscribes during the pass may
// or may not be reflected in it, and this is an explicit non-guarantee.
func (n *Notifier) OnBlockUpdated(block uint64) {
	if block == 0 {
		n.logger.Debug().Msg("ignoring block zero")
		return
	}

	n.mu.Lock()
	n.last = block
	n.seen = true
	snapshot := make([]subscriberEntry, len(n.subs))
	copy(snapshot, n.subs)
	n.mu.Unlock()

	n.logger.Debug().Uint64("block", block).Int("subscribers", len(snapshot)).Msg("new block")
	for _, entry := range snapshot {
		entry.cb(block)
	}
}

// Last returns the last observed block and whether one has been observed.
func (n *Notifier) Last() (uint64, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.last, n.seen
}
