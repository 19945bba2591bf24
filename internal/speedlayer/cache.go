package speedlayer

import (
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

type cacheEntry struct {
	decision  Decision
	reason    string
	expiresAt time.Time
}

// decisionCache is the memory tier: a bloom filter in front of an LRU
// of TTL'd decisions. The filter answers definite misses without
// touching the LRU; a false positive only costs one map lookup.
type decisionCache struct {
	lru *lru.Cache[string, cacheEntry]
	ttl time.Duration

	bloomMu sync.RWMutex
	filter  *bloom.BloomFilter
}

func newDecisionCache(size int, ttl time.Duration) (*decisionCache, error) {
	l, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, err
	}
	return &decisionCache{
		lru: l,
		ttl: ttl,
		// Sized for 10x churn past the LRU capacity at 1% FP rate;
		// evicted fingerprints stay in the filter until restart, which
		// is harmless.
		filter: bloom.NewWithEstimates(uint(size)*10, 0.01),
	}, nil
}

func (c *decisionCache) get(fingerprint string) (cacheEntry, bool) {
	c.bloomMu.RLock()
	maybe := c.filter.TestString(fingerprint)
	c.bloomMu.RUnlock()
	if !maybe {
		return cacheEntry{}, false
	}

	e, ok := c.lru.Get(fingerprint)
	if !ok {
		return cacheEntry{}, false
	}
	if time.Now().After(e.expiresAt) {
		c.lru.Remove(fingerprint)
		return cacheEntry{}, false
	}
	return e, true
}

func (c *decisionCache) put(fingerprint string, d Decision, reason string) {
	c.lru.Add(fingerprint, cacheEntry{
		decision:  d,
		reason:    reason,
		expiresAt: time.Now().Add(c.ttl),
	})
	c.bloomMu.Lock()
	c.filter.AddString(fingerprint)
	c.bloomMu.Unlock()
}

func (c *decisionCache) len() int { return c.lru.Len() }
