package store

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"debridfetch/internal"
)

// HintCache memoizes cache-check answers per provider and source.
// Entries are hints only and expire after ttl.
type HintCache struct {
	lru *expirable.LRU[string, internal.CacheStatus]
}

// NewHintCache creates a hint cache holding up to size entries
func NewHintCache(size int, ttl time.Duration) *HintCache {
	if size < 1 {
		size = 1
	}
	return &HintCache{lru: expirable.NewLRU[string, internal.CacheStatus](size, nil, ttl)}
}

func hintKey(id internal.ProviderID, source string) string {
	return string(id) + "\x00" + source
}

// Get returns a remembered cache status
func (h *HintCache) Get(id internal.ProviderID, source string) (internal.CacheStatus, bool) {
	return h.lru.Get(hintKey(id, source))
}

// Add remembers a cache status
func (h *HintCache) Add(id internal.ProviderID, source string, status internal.CacheStatus) {
	h.lru.Add(hintKey(id, source), status)
}

// Forget drops a remembered status, e.g. after the provider rejected the source
func (h *HintCache) Forget(id internal.ProviderID, source string) {
	h.lru.Remove(hintKey(id, source))
}

// Len returns the number of live entries
func (h *HintCache) Len() int {
	return h.lru.Len()
}
