// Package reputation implements the per-DID reputation score store that
// the auction scorer reads and the receipt pipeline writes (§4.4). Scores
// live in [0,1] and move by an EWMA toward 1 on success and away from
// itself toward 0 on an executor-attributable failure.
package reputation

import (
	"errors"
	"sync"

	"github.com/icn-mesh/meshd/common/mclock"
)

// ErrUnknownDid is returned by Entry for a did with no entry; callers
// should treat this the same as a fresh, neutral reputation (see Store.Score
// docs) rather than as a hard failure in most call sites.
var ErrUnknownDid = errors.New("reputation: unknown did")

// Entry is a read-only snapshot of one DID's reputation.
type Entry struct {
	Did         string
	Score       float64
	Successes   uint64
	Failures    uint64
	LastUpdated mclock.AbsTime
}

// Policy configures how reputation updates are applied (§9 open question:
// whether updates should be weighted by actual_cost; the default is the
// flat EWMA the spec defines).
type Policy struct {
	// Alpha is the EWMA gain applied toward 1.0 on success (default 0.1).
	Alpha float64
	// Beta is the EWMA gain applied toward 0.0 on an executor-fault failure
	// (default 0.2).
	Beta float64
	// WeightByCost, when true, scales Alpha/Beta by actualCost/referenceCost
	// (capped at 1) instead of applying them flatly. Off by default per spec.
	WeightByCost bool
	// ReferenceCost is the cost at which a weighted update applies Alpha/Beta
	// at full strength. Ignored unless WeightByCost is set.
	ReferenceCost uint64
}

// DefaultPolicy returns the spec's default α=0.1, β=0.2 flat EWMA policy.
func DefaultPolicy() Policy {
	return Policy{Alpha: 0.1, Beta: 0.2}
}

type entry struct {
	mu          sync.Mutex
	score       float64
	successes   uint64
	failures    uint64
	lastUpdated mclock.AbsTime
}

// Store is the reputation score store of §3/§4.4. Updates are serialized
// per-DID (via each entry's own lock), matching the "serialized per-DID"
// ordering requirement of §4.4.
type Store struct {
	clock  mclock.Clock
	policy Policy

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewStore creates a reputation store. A nil clock uses the real wall
// clock; every DID starts with no entry, and Score treats that as the
// neutral value 0.5 (an executor with no history is neither trusted nor
// distrusted).
func NewStore(clock mclock.Clock, policy Policy) *Store {
	if clock == nil {
		clock = mclock.System{}
	}
	return &Store{clock: clock, policy: policy, entries: make(map[string]*entry)}
}

func (s *Store) getOrCreate(did string) *entry {
	s.mu.RLock()
	e, ok := s.entries[did]
	s.mu.RUnlock()
	if ok {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[did]; ok {
		return e
	}
	e = &entry{score: 0.5, lastUpdated: s.clock.Now()}
	s.entries[did] = e
	return e
}

// Score returns did's current reputation, clamped to [0,1]. A did with no
// recorded history scores 0.5 (neutral), matching the scorer's need for a
// usable R(b) on a brand-new executor's first bid.
func (s *Store) Score(did string) float64 {
	s.mu.RLock()
	e, ok := s.entries[did]
	s.mu.RUnlock()
	if !ok {
		return 0.5
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return clamp01(e.score)
}

// Entry returns a full snapshot, or ErrUnknownDid if did has never been
// scored.
func (s *Store) Entry(did string) (Entry, error) {
	s.mu.RLock()
	e, ok := s.entries[did]
	s.mu.RUnlock()
	if !ok {
		return Entry{}, ErrUnknownDid
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return Entry{Did: did, Score: clamp01(e.score), Successes: e.successes, Failures: e.failures, LastUpdated: e.lastUpdated}, nil
}

// RecordSuccess applies the success-path EWMA update of §4.4:
// score <- score + alpha*(1-score), successes += 1.
func (s *Store) RecordSuccess(did string, actualCost uint64) {
	e := s.getOrCreate(did)
	e.mu.Lock()
	defer e.mu.Unlock()
	alpha := s.gain(s.policy.Alpha, actualCost)
	e.score = clamp01(e.score + alpha*(1-e.score))
	e.successes++
	e.lastUpdated = s.clock.Now()
}

// RecordFailure applies the executor-fault EWMA update of §4.4:
// score <- score - beta*score, failures += 1.
func (s *Store) RecordFailure(did string, actualCost uint64) {
	e := s.getOrCreate(did)
	e.mu.Lock()
	defer e.mu.Unlock()
	beta := s.gain(s.policy.Beta, actualCost)
	e.score = clamp01(e.score - beta*e.score)
	e.failures++
	e.lastUpdated = s.clock.Now()
}

func (s *Store) gain(base float64, actualCost uint64) float64 {
	if !s.policy.WeightByCost || s.policy.ReferenceCost == 0 {
		return base
	}
	w := float64(actualCost) / float64(s.policy.ReferenceCost)
	if w > 1 {
		w = 1
	}
	return base * w
}

// Slash is an alias for RecordFailure with no cost weighting, used by the
// runtime orchestrator when an executor misses its ack window (§4.1
// retry policy: "slash executor reputation").
func (s *Store) Slash(did string) {
	e := s.getOrCreate(did)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.score = clamp01(e.score - s.policy.Beta*e.score)
	e.failures++
	e.lastUpdated = s.clock.Now()
}

// SetScore seeds or overwrites did's score directly, bypassing the EWMA
// update path. It exists for bootstrapping a store from an external
// reputation snapshot (e.g. a migration) and must not be used as a
// substitute for RecordSuccess/RecordFailure in the receipt pipeline.
func (s *Store) SetScore(did string, score float64) {
	e := s.getOrCreate(did)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.score = clamp01(score)
	e.lastUpdated = s.clock.Now()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
