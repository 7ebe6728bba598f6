// Package receipt implements the acceptance, anchoring and settlement
// pipeline of §4.4: the ordered validity checks an execution receipt must
// pass, writing it into the DAG, settling mana, and fanning out the
// reputation update.
package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/icn-mesh/meshd/dag"
	"github.com/icn-mesh/meshd/identity"
	"github.com/icn-mesh/meshd/job"
	"github.com/icn-mesh/meshd/mana"
	"github.com/icn-mesh/meshd/reputation"
)

// Receipt is the signed execution outcome of §3.
type Receipt struct {
	JobID       string
	Executor    identity.Did
	ResultCid   string
	ActualCost  uint64
	StartedAt   time.Time
	CompletedAt time.Time
	ExitStatus  int
	Signature   []byte
}

// The ordered acceptance failures of §4.4; checks run in declaration order
// and the first failure wins.
var (
	ErrJobNotRunning      = errors.New("receipt: job does not exist or is not Running")
	ErrExecutorMismatch   = errors.New("receipt: executor does not match job's assigned executor")
	ErrBadSignature       = errors.New("receipt: signature does not verify")
	ErrCostExceedsCeiling = errors.New("receipt: actual_cost exceeds job max_cost")
	ErrBadCompletionTime  = errors.New("receipt: completed_at outside [started_at, execution_deadline]")
	ErrResultUnresolved   = errors.New("receipt: result_cid does not resolve in the dag")
)

// signingBytes is the canonical encoding a Receipt's Signature covers.
func signingBytes(r Receipt) ([]byte, error) {
	type signable struct {
		JobID       string
		Executor    string
		ResultCid   string
		ActualCost  uint64
		StartedAt   int64
		CompletedAt int64
		ExitStatus  int
	}
	return json.Marshal(signable{
		JobID:       r.JobID,
		Executor:    r.Executor.String(),
		ResultCid:   r.ResultCid,
		ActualCost:  r.ActualCost,
		StartedAt:   r.StartedAt.UnixNano(),
		CompletedAt: r.CompletedAt.UnixNano(),
		ExitStatus:  r.ExitStatus,
	})
}

// Sign computes r's signature using kp, stamping Executor from kp.Did.
func Sign(kp *identity.KeyPair, r Receipt) (Receipt, error) {
	r.Executor = kp.Did
	msg, err := signingBytes(r)
	if err != nil {
		return Receipt{}, err
	}
	r.Signature = kp.Sign(msg)
	return r, nil
}

// Pipeline wires the DAG, mana ledger, and reputation store together to
// implement the §4.4 accept -> anchor -> settle -> reputation sequence.
type Pipeline struct {
	store    dag.Store
	index    dag.JobIndex
	resolver identity.Resolver
	ledger   *mana.Ledger
	rep      *reputation.Store
}

// NewPipeline creates a receipt pipeline over the given components.
func NewPipeline(store dag.Store, index dag.JobIndex, resolver identity.Resolver, ledger *mana.Ledger, rep *reputation.Store) *Pipeline {
	return &Pipeline{store: store, index: index, resolver: resolver, ledger: ledger, rep: rep}
}

// Accept runs the §4.4 ordered acceptance checks against r and j's live
// record. It does not mutate j; callers apply the resulting state change
// (typically j.Complete) themselves under the job table's lock so the
// whole accept-anchor-settle-reputation sequence stays inside one
// single-writer critical section per job.
func (p *Pipeline) Accept(j *job.Job, r Receipt) error {
	if j.State != job.Running {
		return ErrJobNotRunning
	}
	if r.Executor != j.AssignedExecutor {
		return ErrExecutorMismatch
	}
	msg, err := signingBytes(r)
	if err != nil {
		return err
	}
	if err := identity.VerifySigned(p.resolver, r.Executor, msg, r.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if r.ActualCost > j.MaxCost {
		return ErrCostExceedsCeiling
	}
	if r.CompletedAt.Before(r.StartedAt) || r.CompletedAt.After(j.ExecutionDeadline) {
		return ErrBadCompletionTime
	}
	if !p.store.Has(dag.Cid(r.ResultCid)) {
		return ErrResultUnresolved
	}
	return nil
}

// Anchor writes r to the DAG and indexes it by job_id, idempotently: a
// receipt already indexed for this job returns the existing Cid without a
// duplicate write or a second reputation update (§4.4 "Anchoring").
// Anchor returns the receipt's Cid and whether this call performed the
// anchoring (false means it was already anchored by a prior call).
func (p *Pipeline) Anchor(jobID string, r Receipt) (dag.Cid, bool, error) {
	if existing, ok := p.index.ReceiptFor(jobID); ok {
		return existing, false, nil
	}
	data, err := signingBytes(r)
	if err != nil {
		return "", false, err
	}
	cid, err := p.store.Put(dag.KindReceipt, append(data, r.Signature...))
	if err != nil {
		return "", false, err
	}
	if err := p.index.IndexReceipt(jobID, cid); err != nil {
		return "", false, err
	}
	return cid, true, nil
}

// Settle commits the job's mana reservation for actual_cost and credits
// the executor, per §4.4 "Settlement".
func (p *Pipeline) Settle(reservation mana.ReservationHandle, executor string, actualCost uint64) error {
	if err := p.ledger.Commit(reservation, actualCost); err != nil {
		return err
	}
	return p.ledger.Credit(executor, actualCost)
}

// RecordSuccess applies the §4.4 reputation update for a completed job.
func (p *Pipeline) RecordSuccess(executor string, actualCost uint64) {
	p.rep.RecordSuccess(executor, actualCost)
}

// RecordFailure applies the §4.4 reputation update for an executor-fault
// failure.
func (p *Pipeline) RecordFailure(executor string, actualCost uint64) {
	p.rep.RecordFailure(executor, actualCost)
}
