package job

import (
	"fmt"
	"time"

	"github.com/icn-mesh/meshd/identity"
)

// StartBidding moves a Pending job into Bidding once the orchestrator has
// picked it off the queue and announced it.
func (j *Job) StartBidding() error {
	return j.transition(Pending, Bidding)
}

// Assign moves a Bidding job to Assigned, recording the winning executor.
func (j *Job) Assign(executor identity.Did) error {
	if err := j.transition(Bidding, Assigned); err != nil {
		return err
	}
	j.AssignedExecutor = executor
	return nil
}

// Acknowledge moves an Assigned job to Running once the executor confirms
// within its ack window.
func (j *Job) Acknowledge() error {
	return j.transition(Assigned, Running)
}

// Cancel moves a non-terminal job to Cancelled, checked against caller
// identity and the allowed-state set of §4.1 ("allowed only while state in
// {Pending, Bidding, Assigned} and caller == submitter").
func (j *Job) Cancel(caller identity.Did) error {
	if caller != j.Submitter {
		return ErrNotOwner
	}
	switch j.State {
	case Pending, Bidding, Assigned:
		j.State = Cancelled
		return nil
	default:
		return fmt.Errorf("%w: job is %s", ErrNotCancellable, j.State)
	}
}

// FailNoValidBids moves a Bidding job to Failed when the bid deadline
// elapses with zero valid bids.
func (j *Job) FailNoValidBids() error {
	if err := j.transition(Bidding, Failed); err != nil {
		return err
	}
	j.Err = "no valid bids received by deadline"
	return nil
}

// FailPendingNoBids moves a Pending job directly to Failed (§4.1's
// Pending -> Failed* edge): no valid bids and the queue abandons the job
// before it ever reaches active bidding, e.g. immediate announce failure.
func (j *Job) FailPendingNoBids(reason string) error {
	if err := j.transition(Pending, Failed); err != nil {
		return err
	}
	j.Err = reason
	return nil
}

// CanRetry reports whether, on an unresponsive executor, the retry policy
// of §4.1 permits promoting score to a next-ranked bid: score at or above
// retryFloor, cost within the job's remaining reservation, and the job
// has not exhausted its retry budget.
func (j *Job) CanRetry(score float64, cost, remainingReservation uint64, retryFloor float64, maxRetries int) bool {
	return j.RetryCount < maxRetries && score >= retryFloor && cost <= remainingReservation
}

// Retry moves an Assigned job back to Bidding-equivalent re-assignment: it
// records the new executor directly (the orchestrator has already chosen
// the next-ranked bid) and stays in Assigned, incrementing RetryCount and
// excluding the unresponsive executor from future selection for this job.
func (j *Job) Retry(nextExecutor identity.Did) error {
	if j.State != Assigned {
		return fmt.Errorf("%w: retry requires Assigned, got %s", ErrBadTransition, j.State)
	}
	if j.ExcludedBidder == nil {
		j.ExcludedBidder = make(map[identity.Did]struct{})
	}
	j.ExcludedBidder[j.AssignedExecutor] = struct{}{}
	j.AssignedExecutor = nextExecutor
	j.RetryCount++
	return nil
}

// FailUnresponsiveExecutor moves an Assigned job to Failed when the ack
// window elapses and no retry is available.
func (j *Job) FailUnresponsiveExecutor() error {
	if err := j.transition(Assigned, Failed); err != nil {
		return err
	}
	j.Err = "executor did not acknowledge within the ack window"
	return nil
}

// Complete moves a Running job to Completed, attaching its result. The
// receipt's anchoring Cid is not stored on the job (the dag.JobIndex holds
// it), and completedAt is not recorded.
func (j *Job) Complete(result Result, completedAt time.Time) error {
	if err := j.transition(Running, Completed); err != nil {
		return err
	}
	j.Result = &result
	return nil
}

// FailExecution moves a Running job to Failed: invalid receipt, elapsed
// execution deadline, or an explicit executor failure declaration.
func (j *Job) FailExecution(reason string) error {
	if err := j.transition(Running, Failed); err != nil {
		return err
	}
	j.Err = reason
	return nil
}

// Expire moves a non-terminal job to Expired when its execution deadline
// elapses without reaching a terminal state through any other path.
func (j *Job) Expire() error {
	if j.State.IsTerminal() {
		return fmt.Errorf("%w: job already terminal (%s)", ErrBadTransition, j.State)
	}
	j.State = Expired
	return nil
}
