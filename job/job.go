// Package job implements the per-job state machine of §4.1/§3: the
// lifecycle Pending -> Bidding -> Assigned -> Running -> terminal, its
// deadlines, and the retry policy on an unresponsive executor.
package job

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/icn-mesh/meshd/auction"
	"github.com/icn-mesh/meshd/identity"
	"github.com/icn-mesh/meshd/mana"
)

// State is one of the job lifecycle states of §3.
type State uint8

const (
	Pending State = iota + 1
	Bidding
	Assigned
	Running
	Completed
	Failed
	Cancelled
	Expired
)

func (s State) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Bidding:
		return "Bidding"
	case Assigned:
		return "Assigned"
	case Running:
		return "Running"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	case Cancelled:
		return "Cancelled"
	case Expired:
		return "Expired"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// IsTerminal reports whether s is one of the four terminal states.
func (s State) IsTerminal() bool {
	switch s {
	case Completed, Failed, Cancelled, Expired:
		return true
	default:
		return false
	}
}

// Priority is the submitter-supplied scheduling hint of §3.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// Spec is the opaque job payload plus integer resource requirements (§3).
type Spec struct {
	Payload     []byte
	Resources   auction.Capabilities
	Environment map[string]string
}

// Result carries the outcome of a completed job.
type Result struct {
	ResultCid  string
	ActualCost uint64
	ExitStatus int
}

var (
	// ErrInvalidJob is returned by validation on spec/cost/timeout violations.
	ErrInvalidJob = errors.New("job: invalid job")
	// ErrNotFound is returned when a job_id has no record.
	ErrNotFound = errors.New("job: not found")
	// ErrNotCancellable is returned by Cancel outside {Pending,Bidding,Assigned}.
	ErrNotCancellable = errors.New("job: not cancellable in current state")
	// ErrNotOwner is returned when a caller other than the submitter cancels.
	ErrNotOwner = errors.New("job: caller is not the submitter")
	// ErrBadTransition is returned by a state transition invalid from the
	// job's current state.
	ErrBadTransition = errors.New("job: invalid state transition")
)

// Job is one job record. Exactly one goroutine (the orchestrator) mutates
// a Job at a time; its fields are otherwise read via snapshots (Clone).
type Job struct {
	ID                string
	Submitter         identity.Did
	Spec              Spec
	MaxCost           uint64
	Timeout           time.Duration
	Priority          Priority
	SubmittedAt       time.Time
	BidDeadline       time.Time
	ExecutionDeadline time.Time
	AssignedExecutor  identity.Did
	State             State
	Result            *Result
	Err               string

	Reservation    mana.ReservationHandle
	RetryCount     int
	ExcludedBidder map[identity.Did]struct{}
}

// Clone returns a value copy safe for a reader to retain.
func (j *Job) Clone() Job {
	out := *j
	if j.Result != nil {
		r := *j.Result
		out.Result = &r
	}
	if j.ExcludedBidder != nil {
		out.ExcludedBidder = make(map[identity.Did]struct{}, len(j.ExcludedBidder))
		for k := range j.ExcludedBidder {
			out.ExcludedBidder[k] = struct{}{}
		}
	}
	return out
}

// AckWindowFraction is the default fraction of Timeout given to an
// assigned executor to acknowledge before the ack window elapses (§4.1).
const AckWindowFraction = 0.25

// RetryFloor is the default minimum reputation score a promoted
// second-ranked bid must meet (§4.1).
const RetryFloor = 0.5

// MaxRetries is the default number of re-assignment attempts on an
// unresponsive executor (§4.1: "retry up to N=2").
const MaxRetries = 2

// Validate checks the §3 job invariants that do not depend on mana state or
// the bid window: max_cost > 0 and timeout > 0. New additionally rejects a
// bid window that is not shorter than timeout, so bid_deadline <
// execution_deadline always holds.
func Validate(maxCost uint64, timeout time.Duration) error {
	if maxCost == 0 {
		return fmt.Errorf("%w: max_cost must be > 0", ErrInvalidJob)
	}
	if timeout <= 0 {
		return fmt.Errorf("%w: timeout must be > 0", ErrInvalidJob)
	}
	return nil
}

// New constructs a Pending job with deadlines derived from now and timeout.
// bidWindow is the duration of the bidding phase, kept separate from the
// overall execution timeout so callers can tune it independently.
func New(id string, submitter identity.Did, spec Spec, maxCost uint64, timeout time.Duration, priority Priority, now time.Time, bidWindow time.Duration) (*Job, error) {
	if err := Validate(maxCost, timeout); err != nil {
		return nil, err
	}
	if bidWindow >= timeout {
		return nil, fmt.Errorf("%w: bid window %s must be shorter than timeout %s", ErrInvalidJob, bidWindow, timeout)
	}
	return &Job{
		ID:                id,
		Submitter:         submitter,
		Spec:              spec,
		MaxCost:           maxCost,
		Timeout:           timeout,
		Priority:          priority,
		SubmittedAt:       now,
		BidDeadline:       now.Add(bidWindow),
		ExecutionDeadline: now.Add(timeout),
		State:             Pending,
		ExcludedBidder:    make(map[identity.Did]struct{}),
	}, nil
}

// AckDeadline returns the wall-clock deadline by which an assigned
// executor must acknowledge, measured from assignedAt.
func (j *Job) AckDeadline(assignedAt time.Time) time.Time {
	return assignedAt.Add(time.Duration(float64(j.Timeout) * AckWindowFraction))
}

// transition validates and applies a state change, recording it as the
// single persisted fact a crash-recovery read must observe before any
// externally visible effect per §4.1's failure model.
func (j *Job) transition(from, to State) error {
	if j.State != from {
		return fmt.Errorf("%w: %s -> %s (actual state %s)", ErrBadTransition, from, to, j.State)
	}
	j.State = to
	return nil
}

// Table is the in-memory job table the runtime exclusively owns (§3
// ownership rule). It is the single-writer-per-job enforcement point: all
// mutation happens under the table's lock, with exactly one goroutine
// acting on a given job at a time by construction (callers never hold a
// Job pointer across a reschedule).
type Table struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

// NewTable creates an empty job table.
func NewTable() *Table {
	return &Table{jobs: make(map[string]*Job)}
}

// Insert adds a new job record. It is an error to insert a duplicate ID.
func (t *Table) Insert(j *Job) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.jobs[j.ID]; ok {
		return fmt.Errorf("job: duplicate job id %q", j.ID)
	}
	t.jobs[j.ID] = j
	return nil
}

// Len reports how many jobs the table currently tracks, for callers
// enforcing a bounded submission queue.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs)
}

// Get returns a snapshot of job_id's record.
func (t *Table) Get(id string) (Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return j.Clone(), nil
}

// Filter is applied by List to select jobs; a nil State means "any".
type Filter struct {
	Submitter identity.Did
	State     *State
}

func (f Filter) matches(j *Job) bool {
	if !f.Submitter.IsZero() && j.Submitter != f.Submitter {
		return false
	}
	if f.State != nil && j.State != *f.State {
		return false
	}
	return true
}

// List returns snapshots of every job matching filter, order unspecified.
func (t *Table) List(filter Filter) []Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Job, 0, len(t.jobs))
	for _, j := range t.jobs {
		if filter.matches(j) {
			out = append(out, j.Clone())
		}
	}
	return out
}

// Mutate runs fn with exclusive access to job_id's live record, enforcing
// the table's single-writer-per-job rule. fn's return error, if any,
// propagates to the caller and no mutation is assumed to have stuck beyond
// what fn itself performed (fn is responsible for leaving the job in a
// valid state on error).
func (t *Table) Mutate(id string, fn func(j *Job) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[id]
	if !ok {
		return ErrNotFound
	}
	return fn(j)
}
