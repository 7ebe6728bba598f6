package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/icn-mesh/meshd/identity"
)

func mustDid(t *testing.T, s string) identity.Did {
	t.Helper()
	d, err := identity.ParseDid(s)
	require.NoError(t, err)
	return d
}

func TestNewRejectsZeroMaxCost(t *testing.T) {
	submitter := mustDid(t, "did:key:alice")
	_, err := New("job-1", submitter, Spec{}, 0, time.Minute, PriorityNormal, time.Now(), time.Second)
	require.ErrorIs(t, err, ErrInvalidJob)
}

func TestNewRejectsNonPositiveTimeout(t *testing.T) {
	submitter := mustDid(t, "did:key:alice")
	_, err := New("job-1", submitter, Spec{}, 10, 0, PriorityNormal, time.Now(), time.Second)
	require.ErrorIs(t, err, ErrInvalidJob)
}

func TestNewSetsBidDeadlineBeforeExecutionDeadline(t *testing.T) {
	submitter := mustDid(t, "did:key:alice")
	now := time.Now()
	j, err := New("job-1", submitter, Spec{}, 10, time.Minute, PriorityNormal, now, time.Second)
	require.NoError(t, err)
	require.True(t, j.BidDeadline.Before(j.ExecutionDeadline))
	require.Equal(t, Pending, j.State)
}

func TestFullHappyPathLifecycle(t *testing.T) {
	submitter := mustDid(t, "did:key:alice")
	executor := mustDid(t, "did:key:bob")
	now := time.Now()
	j, err := New("job-1", submitter, Spec{}, 10, time.Minute, PriorityNormal, now, time.Second)
	require.NoError(t, err)

	require.NoError(t, j.StartBidding())
	require.Equal(t, Bidding, j.State)

	require.NoError(t, j.Assign(executor))
	require.Equal(t, Assigned, j.State)
	require.Equal(t, executor, j.AssignedExecutor)

	require.NoError(t, j.Acknowledge())
	require.Equal(t, Running, j.State)

	require.NoError(t, j.Complete(Result{ResultCid: "cid-1", ActualCost: 5}, now.Add(time.Second)))
	require.Equal(t, Completed, j.State)
	require.Equal(t, "cid-1", j.Result.ResultCid)
	require.True(t, j.State.IsTerminal())
}

func TestCancelOnlyAllowedForSubmitterInNonTerminalState(t *testing.T) {
	submitter := mustDid(t, "did:key:alice")
	stranger := mustDid(t, "did:key:eve")
	now := time.Now()
	j, err := New("job-1", submitter, Spec{}, 10, time.Minute, PriorityNormal, now, time.Second)
	require.NoError(t, err)

	require.ErrorIs(t, j.Cancel(stranger), ErrNotOwner)
	require.NoError(t, j.Cancel(submitter))
	require.Equal(t, Cancelled, j.State)

	j2, err := New("job-2", submitter, Spec{}, 10, time.Minute, PriorityNormal, now, time.Second)
	require.NoError(t, err)
	require.NoError(t, j2.StartBidding())
	require.NoError(t, j2.Assign(mustDid(t, "did:key:bob")))
	require.NoError(t, j2.Acknowledge())
	require.ErrorIs(t, j2.Cancel(submitter), ErrNotCancellable)
}

func TestBadTransitionRejected(t *testing.T) {
	submitter := mustDid(t, "did:key:alice")
	now := time.Now()
	j, err := New("job-1", submitter, Spec{}, 10, time.Minute, PriorityNormal, now, time.Second)
	require.NoError(t, err)

	require.ErrorIs(t, j.Acknowledge(), ErrBadTransition)
}

func TestRetryExcludesUnresponsiveExecutorAndRespectsRetryFloor(t *testing.T) {
	submitter := mustDid(t, "did:key:alice")
	first := mustDid(t, "did:key:bob")
	second := mustDid(t, "did:key:carol")
	now := time.Now()
	j, err := New("job-1", submitter, Spec{}, 10, time.Minute, PriorityNormal, now, time.Second)
	require.NoError(t, err)
	require.NoError(t, j.StartBidding())
	require.NoError(t, j.Assign(first))

	require.True(t, j.CanRetry(0.6, 5, 10, RetryFloor, MaxRetries))
	require.NoError(t, j.Retry(second))
	require.Equal(t, second, j.AssignedExecutor)
	require.Contains(t, j.ExcludedBidder, first)
	require.Equal(t, 1, j.RetryCount)

	require.False(t, j.CanRetry(0.4, 5, 10, RetryFloor, MaxRetries), "score below retry floor must refuse retry")
}

func TestTableInsertRejectsDuplicateID(t *testing.T) {
	table := NewTable()
	submitter := mustDid(t, "did:key:alice")
	now := time.Now()
	j, err := New("job-1", submitter, Spec{}, 10, time.Minute, PriorityNormal, now, time.Second)
	require.NoError(t, err)
	require.NoError(t, table.Insert(j))
	require.Error(t, table.Insert(j))
}

func TestTableMutateAndGetSnapshot(t *testing.T) {
	table := NewTable()
	submitter := mustDid(t, "did:key:alice")
	now := time.Now()
	j, err := New("job-1", submitter, Spec{}, 10, time.Minute, PriorityNormal, now, time.Second)
	require.NoError(t, err)
	require.NoError(t, table.Insert(j))

	require.NoError(t, table.Mutate("job-1", func(j *Job) error { return j.StartBidding() }))
	snap, err := table.Get("job-1")
	require.NoError(t, err)
	require.Equal(t, Bidding, snap.State)
}

func TestTableListFiltersBySubmitterAndState(t *testing.T) {
	table := NewTable()
	alice := mustDid(t, "did:key:alice")
	bob := mustDid(t, "did:key:bob")
	now := time.Now()

	j1, err := New("job-1", alice, Spec{}, 10, time.Minute, PriorityNormal, now, time.Second)
	require.NoError(t, err)
	j2, err := New("job-2", bob, Spec{}, 10, time.Minute, PriorityNormal, now, time.Second)
	require.NoError(t, err)
	require.NoError(t, table.Insert(j1))
	require.NoError(t, table.Insert(j2))

	pending := Pending
	got := table.List(Filter{Submitter: alice, State: &pending})
	require.Len(t, got, 1)
	require.Equal(t, "job-1", got[0].ID)
}
