// Package auction implements the bid collection and deterministic executor
// selection of §4.3: announcement, signed bid validation against a
// deadline window, per-bid scoring, and tie-break-stable ranking.
package auction

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/icn-mesh/meshd/identity"
)

// ErrBidWindowClosed is returned when a bid arrives before the
// announcement or after the bid deadline.
var ErrBidWindowClosed = errors.New("auction: outside bid window")

// ErrSelfBid is returned for a bid whose executor is the job's submitter.
var ErrSelfBid = errors.New("auction: executor cannot bid on its own job")

// ErrCostExceedsCeiling is returned when a bid's cost exceeds the job's max_cost.
var ErrCostExceedsCeiling = errors.New("auction: bid cost exceeds max_cost")

// ErrUnsignedBid is returned when a bid's signature does not verify.
var ErrUnsignedBid = errors.New("auction: bid signature invalid")

// ErrReplayedNonce is returned for a bid whose (executor, nonce) pair has
// already been seen for this job.
var ErrReplayedNonce = errors.New("auction: replayed bid nonce")

// ErrNoValidBids is returned by Select when the bid set is empty.
var ErrNoValidBids = errors.New("auction: no valid bids")

// Capabilities is the advertised/required resource shape a bid is scored
// against: integer cpu/memory/storage units, matching §3's job spec.
type Capabilities struct {
	Cpu     uint64
	Memory  uint64
	Storage uint64
}

// Covers reports whether c meets or exceeds every dimension of required.
func (c Capabilities) Covers(required Capabilities) bool {
	return c.Cpu >= required.Cpu && c.Memory >= required.Memory && c.Storage >= required.Storage
}

// Bid is one executor's signed offer for a job (§3).
type Bid struct {
	JobID              string
	Executor           identity.Did
	Cost               uint64
	EstimatedDuration  time.Duration
	Capabilities       Capabilities
	ReputationSnapshot float64
	Nonce              uint64
	ReceivedAt         time.Time
	Signature          []byte
}

// Weights are the policy-configurable scoring weights of §4.3; they must
// sum to 1.
type Weights struct {
	Price      float64
	Reputation float64
	Fit        float64
}

// DefaultWeights returns the spec's stated default split: price and
// reputation weighted equally, fit weighted lower.
func DefaultWeights() Weights {
	return Weights{Price: 0.4, Reputation: 0.4, Fit: 0.2}
}

// Announcement is the signed broadcast that opens a job's bid window.
type Announcement struct {
	JobID       string
	SpecDigest  string
	MaxCost     uint64
	AnnouncedAt time.Time
	BidDeadline time.Time
	Required    Capabilities
}

// CollusionChecker flags a (submitter, executor) pair with a recent co-bid
// history, the optional anti-collusion hook of §4.3. A flagged bid is not
// dropped, and Score/Select apply no penalty for the flag.
type CollusionChecker interface {
	Count(submitter, executor string) uint64
}

// Collector accumulates and validates bids for one job's announcement.
type Collector struct {
	ann       Announcement
	submitter identity.Did
	resolver  identity.Resolver
	collusion CollusionChecker

	seenNonce map[identity.Did]map[uint64]struct{}
	bids      []Bid
	flagged   map[identity.Did]struct{}
}

// NewCollector creates a Collector for ann, submitted by submitter, using
// resolver to verify bid signatures. collusion may be nil to skip the
// anti-collusion flag (scoring then proceeds unpenalized).
func NewCollector(ann Announcement, submitter identity.Did, resolver identity.Resolver, collusion CollusionChecker) *Collector {
	return &Collector{
		ann:       ann,
		submitter: submitter,
		resolver:  resolver,
		collusion: collusion,
		seenNonce: make(map[identity.Did]map[uint64]struct{}),
		flagged:   make(map[identity.Did]struct{}),
	}
}

// flaggedCollusionThreshold is the co-bid count at or above which a bid is
// flagged for a possible submitter/executor collusion relationship.
const flaggedCollusionThreshold = 3

// IsFlagged reports whether executor was flagged by the collusion checker
// during Submit for this job's submitter. A flagged bid is still eligible
// for selection; a Weights-aware caller may penalize it separately.
func (c *Collector) IsFlagged(executor identity.Did) bool {
	_, ok := c.flagged[executor]
	return ok
}

// signingBytes is the canonical byte encoding a Bid's Signature covers.
func signingBytes(b Bid) []byte {
	return []byte(fmt.Sprintf("%s|%s|%d|%d|%d|%d|%d|%d",
		b.JobID, b.Executor.String(), b.Cost, b.Capabilities.Cpu, b.Capabilities.Memory,
		b.Capabilities.Storage, b.Nonce, b.ReceivedAt.UnixNano()))
}

// SignBid computes a bid's signature in place using kp, stamping Executor
// from kp.Did.
func SignBid(kp *identity.KeyPair, b Bid) Bid {
	b.Executor = kp.Did
	b.Signature = kp.Sign(signingBytes(b))
	return b
}

// Submit validates and, if valid, records b. It returns the first failing
// check's error; an invalid bid is dropped (not appended) but the caller
// may still count it toward rejection metrics.
func (c *Collector) Submit(b Bid) error {
	if b.JobID != c.ann.JobID {
		return fmt.Errorf("auction: bid job_id %q does not match announcement %q", b.JobID, c.ann.JobID)
	}
	if b.ReceivedAt.Before(c.ann.AnnouncedAt) || b.ReceivedAt.After(c.ann.BidDeadline) {
		return ErrBidWindowClosed
	}
	if b.Executor == c.submitter {
		return ErrSelfBid
	}
	if b.Cost > c.ann.MaxCost {
		return ErrCostExceedsCeiling
	}
	if err := identity.VerifySigned(c.resolver, b.Executor, signingBytes(b), b.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrUnsignedBid, err)
	}
	nonces, ok := c.seenNonce[b.Executor]
	if !ok {
		nonces = make(map[uint64]struct{})
		c.seenNonce[b.Executor] = nonces
	}
	if _, dup := nonces[b.Nonce]; dup {
		return ErrReplayedNonce
	}
	nonces[b.Nonce] = struct{}{}
	if c.collusion != nil && c.collusion.Count(c.submitter.String(), b.Executor.String()) >= flaggedCollusionThreshold {
		c.flagged[b.Executor] = struct{}{}
	}
	c.bids = append(c.bids, b)
	return nil
}

// Bids returns the currently accepted bids, in submission order.
func (c *Collector) Bids() []Bid {
	out := make([]Bid, len(c.bids))
	copy(out, c.bids)
	return out
}

// scored pairs a bid with its computed score and reputation for ranking.
type scored struct {
	bid   Bid
	score float64
	rep   float64
}

// Score computes S(b) for one bid against required capabilities and
// reputation score, per §4.3.
func Score(b Bid, maxCost uint64, required Capabilities, reputationScore float64, w Weights) float64 {
	price := 0.0
	if maxCost > 0 {
		price = 1 - float64(b.Cost)/float64(maxCost)
	}
	if price < 0 {
		price = 0
	}
	rep := reputationScore
	if rep < 0 {
		rep = 0
	} else if rep > 1 {
		rep = 1
	}
	fit := 1.0
	if !b.Capabilities.Covers(required) {
		fit = 0
	}
	return w.Price*price + w.Reputation*rep + w.Fit*fit
}

// Select ranks bids by descending score and returns the winner and the
// full ranking (best first). Ties are broken deterministically: lower
// cost, then higher reputation, then lexicographically smaller executor
// Did, then earliest ReceivedAt — the order is reproducible for a fixed
// input set regardless of submission order, satisfying the selection
// invariant of §4.3.
func Select(bids []Bid, maxCost uint64, required Capabilities, reputationOf func(identity.Did) float64, w Weights) (Bid, []Bid, error) {
	if len(bids) == 0 {
		return Bid{}, nil, ErrNoValidBids
	}
	ranked := make([]scored, len(bids))
	for i, b := range bids {
		rep := reputationOf(b.Executor)
		ranked[i] = scored{bid: b, score: Score(b, maxCost, required, rep, w), rep: rep}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.bid.Cost != b.bid.Cost {
			return a.bid.Cost < b.bid.Cost
		}
		if a.rep != b.rep {
			return a.rep > b.rep
		}
		as, bs := a.bid.Executor.String(), b.bid.Executor.String()
		if as != bs {
			return as < bs
		}
		return a.bid.ReceivedAt.Before(b.bid.ReceivedAt)
	})
	out := make([]Bid, len(ranked))
	for i, r := range ranked {
		out[i] = r.bid
	}
	return out[0], out, nil
}
