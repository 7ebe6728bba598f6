// Package runtime implements the orchestrator and host ABI of §4.1: the
// small surface external callers and the WASM sandbox use, job state
// transitions, deadline scheduling, and cross-component wiring between
// mana, auction, receipt and reputation.
package runtime

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/icn-mesh/meshd/auction"
	"github.com/icn-mesh/meshd/common/mclock"
	"github.com/icn-mesh/meshd/dag"
	"github.com/icn-mesh/meshd/identity"
	"github.com/icn-mesh/meshd/job"
	"github.com/icn-mesh/meshd/mana"
	"github.com/icn-mesh/meshd/meshnet"
	"github.com/icn-mesh/meshd/protocol"
	"github.com/icn-mesh/meshd/receipt"
	"github.com/icn-mesh/meshd/reputation"
)

// ErrNoValidBids surfaces auction.ErrNoValidBids through the ABI layer.
var ErrNoValidBids = auction.ErrNoValidBids

// ErrRateLimitExceeded is the behavior-level kind §7 names for a rejection
// that must not touch mana: either the account's own sliding-window spend
// cap (mana.ErrRateLimitExceeded) or, here, the bounded submission queue
// of §5 being full.
var ErrRateLimitExceeded = mana.ErrRateLimitExceeded

// Config carries the policy knobs the orchestrator consults, mirroring
// meshconfig.Config's shape without importing it directly (the runtime
// package stays independent of the config-loading mechanism).
type Config struct {
	BidWindow    time.Duration
	AckFraction  float64
	RetryFloor   float64
	MaxRetries   int
	Weights      auction.Weights
	QueueBound   int
	SelfDid      identity.Did
	SelfKeyPair  *identity.KeyPair
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		BidWindow:   30 * time.Second,
		AckFraction: job.AckWindowFraction,
		RetryFloor:  job.RetryFloor,
		MaxRetries:  job.MaxRetries,
		Weights:     auction.DefaultWeights(),
		QueueBound:  10000,
	}
}

// Orchestrator is the runtime orchestrator and host ABI of §4.1. It owns
// the job table exclusively (per §3's ownership rule) and mediates every
// cross-component call; no other package reaches into a Job's live state.
type Orchestrator struct {
	cfg      Config
	clock    mclock.Clock
	log      *slog.Logger
	table    *job.Table
	ledger   *mana.Ledger
	rep      *reputation.Store
	net      meshnet.Network
	resolver identity.Resolver
	pipeline *receipt.Pipeline
	collusion auction.CollusionChecker

	mu         sync.Mutex
	collectors map[string]*auction.Collector
	nextID     uint64
}

// New wires an Orchestrator over its dependencies. net may be nil for a
// deployment with no external bidders (tests driving bids directly).
func New(cfg Config, clock mclock.Clock, log *slog.Logger, ledger *mana.Ledger, rep *reputation.Store, resolver identity.Resolver, store dag.Store, index dag.JobIndex, net meshnet.Network, collusion auction.CollusionChecker) *Orchestrator {
	if clock == nil {
		clock = mclock.System{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		cfg:        cfg,
		clock:      clock,
		log:        log,
		table:      job.NewTable(),
		ledger:     ledger,
		rep:        rep,
		net:        net,
		resolver:   resolver,
		pipeline:   receipt.NewPipeline(store, index, resolver, ledger, rep),
		collusion:  collusion,
		collectors: make(map[string]*auction.Collector),
	}
}

func (o *Orchestrator) now() time.Time {
	return time.Unix(0, int64(o.clock.Now()))
}

// Now exposes the orchestrator's notion of the current time, derived from
// its clock. Callers constructing bids/receipts against a running
// Orchestrator (tests, in particular, using a mclock.Simulated) must stamp
// timestamps from this rather than time.Now() to stay inside the job's
// deadline windows.
func (o *Orchestrator) Now() time.Time {
	return o.now()
}

// SubmitJob implements the ABI entry point of §4.1: reserves max_cost,
// admits the job to Pending, and returns its id. Fails with
// mana.ErrInsufficientMana (wrapped) if the reservation fails, or
// job.ErrInvalidJob on spec validation.
func (o *Orchestrator) SubmitJob(submitter identity.Did, spec job.Spec, maxCost uint64, timeout time.Duration, priority job.Priority) (string, error) {
	if err := job.Validate(maxCost, timeout); err != nil {
		return "", err
	}
	if bound := o.cfg.QueueBound; bound > 0 && o.table.Len() >= bound {
		return "", fmt.Errorf("runtime: submission queue full at %d: %w", bound, ErrRateLimitExceeded)
	}
	now := o.now()
	id := uuid.NewString()

	reservation, err := o.ledger.Reserve(submitter.String(), maxCost)
	if err != nil {
		return "", fmt.Errorf("runtime: reserve mana for %s: %w", id, err)
	}

	j, err := job.New(id, submitter, spec, maxCost, timeout, priority, now, o.cfg.BidWindow)
	if err != nil {
		_ = o.ledger.Refund(reservation)
		return "", err
	}
	j.Reservation = reservation
	if err := o.table.Insert(j); err != nil {
		_ = o.ledger.Refund(reservation)
		return "", err
	}
	o.log.Info("job admitted", "job_id", id, "submitter", submitter.String(), "max_cost", maxCost, "state", job.Pending.String())
	return id, nil
}

// Announce moves a Pending job to Bidding, opening its Collector and
// broadcasting a signed announcement over the network (if one is wired).
func (o *Orchestrator) Announce(jobID string, required auction.Capabilities, specDigest string) error {
	var ann auction.Announcement
	var submitter identity.Did
	err := o.table.Mutate(jobID, func(j *job.Job) error {
		if err := j.StartBidding(); err != nil {
			return err
		}
		ann = auction.Announcement{
			JobID:       j.ID,
			SpecDigest:  specDigest,
			MaxCost:     j.MaxCost,
			AnnouncedAt: j.SubmittedAt,
			BidDeadline: j.BidDeadline,
			Required:    required,
		}
		submitter = j.Submitter
		return nil
	})
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.collectors[jobID] = auction.NewCollector(ann, submitter, o.resolver, o.collusion)
	o.mu.Unlock()

	o.log.Info("job announced", "job_id", jobID, "bid_deadline", ann.BidDeadline, "state", job.Bidding.String())

	if o.net != nil && o.cfg.SelfKeyPair != nil {
		env, err := protocol.NewEnvelope(o.cfg.SelfKeyPair, protocol.KindJobAnnouncement, identity.Did{}, o.nextNonce(), []byte(specDigest), o.now())
		if err != nil {
			return err
		}
		return o.net.Broadcast(env)
	}
	return nil
}

func (o *Orchestrator) nextNonce() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextID++
	return o.nextID
}

// SubmitBid forwards a signed bid into job_id's collector. It is the ABI
// surface an external executor's bid message resolves to after envelope
// acceptance.
func (o *Orchestrator) SubmitBid(jobID string, b auction.Bid) error {
	o.mu.Lock()
	c, ok := o.collectors[jobID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("runtime: no open bid collector for %s", jobID)
	}
	return c.Submit(b)
}

// CloseBidding runs at job_id's bid_deadline: selects a winner (or fails
// the job with a full refund if no valid bids exist) and transitions
// accordingly.
func (o *Orchestrator) CloseBidding(jobID string) error {
	o.mu.Lock()
	c, ok := o.collectors[jobID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("runtime: no open bid collector for %s", jobID)
	}
	bids := c.Bids()

	return o.table.Mutate(jobID, func(j *job.Job) error {
		if len(bids) == 0 {
			if err := j.FailNoValidBids(); err != nil {
				return err
			}
			return o.ledger.Refund(j.Reservation)
		}
		winner, _, err := auction.Select(bids, j.MaxCost, j.Spec.Resources, func(d identity.Did) float64 { return o.rep.Score(d.String()) }, o.cfg.Weights)
		if err != nil {
			return err
		}
		if err := j.Assign(winner.Executor); err != nil {
			return err
		}
		o.log.Info("job assigned", "job_id", jobID, "executor", winner.Executor.String(), "state", job.Assigned.String())
		return nil
	})
}

// Acknowledge records that the assigned executor confirmed within its ack
// window, moving the job to Running.
func (o *Orchestrator) Acknowledge(jobID string, caller identity.Did) error {
	return o.table.Mutate(jobID, func(j *job.Job) error {
		if caller != j.AssignedExecutor {
			return fmt.Errorf("runtime: %s is not the assigned executor for %s", caller, jobID)
		}
		if err := j.Acknowledge(); err != nil {
			return err
		}
		o.log.Info("job running", "job_id", jobID, "executor", caller.String(), "state", job.Running.String())
		return nil
	})
}

// ErrAckWindowElapsedNoRetry is returned by CheckAckWindow when the ack
// window elapses and no retry is eligible.
var ErrAckWindowElapsedNoRetry = errors.New("runtime: ack window elapsed, no eligible retry")

// CheckAckWindow implements the Assigned -> {Assigned (retry), Failed}
// edges of §4.1: if the assigned executor has not acknowledged by its ack
// deadline, slash its reputation and promote the next-ranked bid if it
// qualifies, else fail the job with a full refund.
func (o *Orchestrator) CheckAckWindow(jobID string, assignedAt time.Time) error {
	o.mu.Lock()
	c := o.collectors[jobID]
	o.mu.Unlock()

	return o.table.Mutate(jobID, func(j *job.Job) error {
		if j.State != job.Assigned {
			return nil
		}
		ackDeadline := assignedAt.Add(time.Duration(float64(j.Timeout) * o.cfg.AckFraction))
		if o.now().Before(ackDeadline) {
			return nil
		}
		unresponsive := j.AssignedExecutor
		o.rep.Slash(unresponsive.String())
		o.log.Warn("executor missed ack window", "job_id", jobID, "executor", unresponsive.String())

		if c == nil {
			return o.failAssignedWithRefund(j)
		}
		bids := c.Bids()
		filtered := make([]auction.Bid, 0, len(bids))
		for _, b := range bids {
			if b.Executor == unresponsive {
				continue
			}
			if _, excluded := j.ExcludedBidder[b.Executor]; excluded {
				continue
			}
			filtered = append(filtered, b)
		}
		if len(filtered) == 0 {
			return o.failAssignedWithRefund(j)
		}
		next, _, err := auction.Select(filtered, j.MaxCost, j.Spec.Resources, func(d identity.Did) float64 { return o.rep.Score(d.String()) }, o.cfg.Weights)
		if err != nil {
			return o.failAssignedWithRefund(j)
		}
		score := o.rep.Score(next.Executor.String())
		remaining := j.MaxCost // full reservation remains while Assigned (nothing committed yet)
		if !j.CanRetry(score, next.Cost, remaining, o.cfg.RetryFloor, o.cfg.MaxRetries) {
			return o.failAssignedWithRefund(j)
		}
		if err := j.Retry(next.Executor); err != nil {
			return err
		}
		o.log.Info("job reassigned after retry", "job_id", jobID, "executor", next.Executor.String(), "retry_count", j.RetryCount)
		return nil
	})
}

func (o *Orchestrator) failAssignedWithRefund(j *job.Job) error {
	if err := j.FailUnresponsiveExecutor(); err != nil {
		return err
	}
	return o.ledger.Refund(j.Reservation)
}

// CancelJob implements the ABI cancellation entry point of §4.1.
func (o *Orchestrator) CancelJob(caller identity.Did, jobID string) error {
	return o.table.Mutate(jobID, func(j *job.Job) error {
		if err := j.Cancel(caller); err != nil {
			return err
		}
		o.log.Info("job cancelled", "job_id", jobID, "caller", caller.String())
		return o.ledger.Refund(j.Reservation)
	})
}

// GetJob returns a read-only snapshot.
func (o *Orchestrator) GetJob(jobID string) (job.Job, error) {
	return o.table.Get(jobID)
}

// ListJobs returns read-only snapshots matching filter.
func (o *Orchestrator) ListJobs(filter job.Filter) []job.Job {
	return o.table.List(filter)
}

// AnchorReceipt implements §4.4 end to end: accept, anchor, settle, and
// fan out the reputation update, all inside the job's single-writer
// critical section so a crash between steps cannot leave the job
// observable in an inconsistent state.
func (o *Orchestrator) AnchorReceipt(r receipt.Receipt) (dag.Cid, error) {
	var cid dag.Cid
	err := o.table.Mutate(r.JobID, func(j *job.Job) error {
		if j.State == job.Completed {
			// A duplicate receipt after Completed is dropped per §4.1's
			// idempotence requirement: Anchor itself already no-ops on a
			// second write, this just skips the Accept/Complete/Settle path.
			c, _, err := o.pipeline.Anchor(r.JobID, r)
			cid = c
			return err
		}
		if err := o.pipeline.Accept(j, r); err != nil {
			if errors.Is(err, receipt.ErrBadSignature) || errors.Is(err, receipt.ErrExecutorMismatch) {
				o.pipeline.RecordFailure(j.AssignedExecutor.String(), 0)
			}
			return err
		}
		anchoredCid, wrote, err := o.pipeline.Anchor(r.JobID, r)
		if err != nil {
			return err
		}
		cid = anchoredCid
		if err := j.Complete(job.Result{ResultCid: r.ResultCid, ActualCost: r.ActualCost, ExitStatus: r.ExitStatus}, r.CompletedAt); err != nil {
			return err
		}
		if wrote {
			if err := o.pipeline.Settle(j.Reservation, r.Executor.String(), r.ActualCost); err != nil {
				return err
			}
			o.pipeline.RecordSuccess(r.Executor.String(), r.ActualCost)
		}
		o.log.Info("job completed", "job_id", j.ID, "receipt_cid", string(anchoredCid), "actual_cost", r.ActualCost, "state", job.Completed.String())
		return nil
	})
	return cid, err
}

// FailExecution moves a Running job to Failed on an invalid receipt,
// elapsed execution deadline, or explicit executor failure declaration,
// slashing reputation and refunding the unused reservation.
func (o *Orchestrator) FailExecution(jobID, reason string) error {
	return o.table.Mutate(jobID, func(j *job.Job) error {
		executor := j.AssignedExecutor
		if err := j.FailExecution(reason); err != nil {
			return err
		}
		o.pipeline.RecordFailure(executor.String(), 0)
		o.log.Warn("job failed during execution", "job_id", jobID, "reason", reason)
		return o.ledger.Refund(j.Reservation)
	})
}
