package gateway

import (
	"fmt"
	"sync"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultDedupCacheSize is the number of slots remembered by default.
const DefaultDedupCacheSize = 100

// DedupCache remembers the transactions seen per slot for the most recently
// used slots. It is safe for concurrent use.
type DedupCache struct {
	mu    sync.Mutex
	cache *lru.Cache[phase0.Slot, map[common.Hash]struct{}]
}

// NewDedupCache creates a cache holding at most size slots.
func NewDedupCache(size int) (*DedupCache, error) {
	if size <= 0 {
		size = DefaultDedupCacheSize
	}

	cache, err := lru.New[phase0.Slot, map[common.Hash]struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup cache: %w", err)
	}

	return &DedupCache{cache: cache}, nil
}

// Insert records txHash for slot, evicting the least recently used slot when
// full. It returns false if the pair was already recorded.
func (d *DedupCache) Insert(slot phase0.Slot, txHash common.Hash) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	seen, ok := d.cache.Get(slot)
	if !ok {
		seen = make(map[common.Hash]struct{}, 4)
		d.cache.Add(slot, seen)
	}

	if _, dup := seen[txHash]; dup {
		return false
	}

	seen[txHash] = struct{}{}

	return true
}

// Forget drops txHash from slot so the same request may be retried.
func (d *DedupCache) Forget(slot phase0.Slot, txHash common.Hash) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if seen, ok := d.cache.Peek(slot); ok {
		delete(seen, txHash)
	}
}

// Contains reports whether slot is cached, without touching its recency.
func (d *DedupCache) Contains(slot phase0.Slot) bool {
	return d.cache.Contains(slot)
}

// Len returns the number of cached slots.
func (d *DedupCache) Len() int {
	return d.cache.Len()
}
