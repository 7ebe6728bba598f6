package reputation

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// CoBidTracker records how often a (submitter, executor) pair has appeared
// together recently, the bounded storage for the anti-collusion sanity
// check §4.3 leaves as an optional policy hook ("submitter and executor
// share a recent co-bid history above a threshold"). It never rejects a
// bid by itself; auction.Collector consults Count to flag a bid, and
// auction.Select applies no penalty for the flag.
type CoBidTracker struct {
	cache *lru.Cache[string, uint64]
}

// NewCoBidTracker creates a tracker bounded to the given number of distinct
// (submitter, executor) pairs, evicting least-recently-used pairs beyond
// that bound.
func NewCoBidTracker(size int) *CoBidTracker {
	cache, err := lru.New[string, uint64](size)
	if err != nil {
		// Only invalid (<=0) size reaches here; callers own that contract.
		panic(err)
	}
	return &CoBidTracker{cache: cache}
}

func pairKey(submitter, executor string) string {
	return submitter + "\x00" + executor
}

// Observe increments the co-bid count for (submitter, executor).
func (t *CoBidTracker) Observe(submitter, executor string) {
	key := pairKey(submitter, executor)
	count, _ := t.cache.Get(key)
	t.cache.Add(key, count+1)
}

// Count returns how many times (submitter, executor) has been observed
// together within the tracker's retained window.
func (t *CoBidTracker) Count(submitter, executor string) uint64 {
	count, _ := t.cache.Get(pairKey(submitter, executor))
	return count
}
