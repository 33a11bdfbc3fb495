package blockwatch

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Deduplicator suppresses head events that were already seen. Upstreams
// may deliver the same header more than once (reconnects, raced
// notifications); the watcher keys on the block hash so each header is
// forwarded at most once.
type Deduplicator struct {
	cache *lru.Cache[string, bool]
}

// NewDeduplicator creates a Deduplicator remembering the given number of
// recent headers.
func NewDeduplicator(size int) (*Deduplicator, error) {
	cache, err := lru.New[string, bool](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &Deduplicator{cache: cache}, nil
}

// IsDuplicate reports whether the header hash was seen before, and records
// it if not. An empty hash cannot be keyed and is treated as new.
func (d *Deduplicator) IsDuplicate(blockHash string) bool {
	if blockHash == "" {
		return false
	}
	key := "block:" + blockHash
	if d.cache.Contains(key) {
		return true
	}
	d.cache.Add(key, true)
	return false
}

// Len returns the current cache size.
func (d *Deduplicator) Len() int {
	return d.cache.Len()
}
