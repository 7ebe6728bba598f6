package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/icn-mesh/meshd/auction"
	"github.com/icn-mesh/meshd/common/mclock"
	"github.com/icn-mesh/meshd/dag"
	"github.com/icn-mesh/meshd/identity"
	"github.com/icn-mesh/meshd/job"
	"github.com/icn-mesh/meshd/mana"
	"github.com/icn-mesh/meshd/receipt"
	"github.com/icn-mesh/meshd/reputation"
)

type harness struct {
	orch      *Orchestrator
	clock     *mclock.Simulated
	registry  *identity.KeyRegistry
	ledger    *mana.Ledger
	rep       *reputation.Store
	store     dag.Store
	index     dag.JobIndex
	submitter identity.Did
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := new(mclock.Simulated)
	registry := identity.NewKeyRegistry()
	ledger := mana.NewLedger(clock, nil)
	rep := reputation.NewStore(clock, reputation.DefaultPolicy())
	store := dag.NewMemStore()
	index := dag.NewMemJobIndex()

	submitter, err := identity.ParseDid("did:key:alice")
	require.NoError(t, err)
	ledger.Open(submitter.String(), 1000, 0, 0)

	cfg := DefaultConfig()
	cfg.BidWindow = 30 * time.Second
	orch := New(cfg, clock, nil, ledger, rep, registry, store, index, nil, nil)

	return &harness{orch: orch, clock: clock, registry: registry, ledger: ledger, rep: rep, store: store, index: index, submitter: submitter}
}

func (h *harness) newExecutor(t *testing.T, id string) *identity.KeyPair {
	t.Helper()
	kp, err := identity.GenerateKeyPair("key", id)
	require.NoError(t, err)
	h.registry.Register(kp.Did, kp.PublicKey())
	h.ledger.Open(kp.Did.String(), 1000, 0, 0)
	return kp
}

func TestSubmitJobReservesMana(t *testing.T) {
	h := newHarness(t)
	id, err := h.orch.SubmitJob(h.submitter, job.Spec{}, 100, time.Minute, job.PriorityNormal)
	require.NoError(t, err)

	acc, err := h.ledger.Account(h.submitter.String())
	require.NoError(t, err)
	require.EqualValues(t, 100, acc.Reserved)

	snap, err := h.orch.GetJob(id)
	require.NoError(t, err)
	require.Equal(t, job.Pending, snap.State)
}

func TestSubmitJobFailsOnInsufficientMana(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.SubmitJob(h.submitter, job.Spec{}, 100000, time.Minute, job.PriorityNormal)
	require.Error(t, err)
}

func TestSubmitJobRejectsOnceQueueBoundIsHit(t *testing.T) {
	h := newHarness(t)
	h.orch.cfg.QueueBound = 2

	_, err := h.orch.SubmitJob(h.submitter, job.Spec{}, 10, time.Minute, job.PriorityNormal)
	require.NoError(t, err)
	_, err = h.orch.SubmitJob(h.submitter, job.Spec{}, 10, time.Minute, job.PriorityNormal)
	require.NoError(t, err)

	acc, err := h.ledger.Account(h.submitter.String())
	require.NoError(t, err)
	reservedBefore := acc.Reserved

	_, err = h.orch.SubmitJob(h.submitter, job.Spec{}, 10, time.Minute, job.PriorityNormal)
	require.ErrorIs(t, err, ErrRateLimitExceeded)

	acc, err = h.ledger.Account(h.submitter.String())
	require.NoError(t, err)
	require.Equal(t, reservedBefore, acc.Reserved, "a rejected submission must not reserve mana")
}

func TestFullHappyPathThroughReceipt(t *testing.T) {
	h := newHarness(t)
	executor := h.newExecutor(t, "bob")

	id, err := h.orch.SubmitJob(h.submitter, job.Spec{Resources: auction.Capabilities{Cpu: 1, Memory: 1, Storage: 1}}, 100, time.Hour, job.PriorityNormal)
	require.NoError(t, err)
	require.NoError(t, h.orch.Announce(id, auction.Capabilities{Cpu: 1, Memory: 1, Storage: 1}, "digest"))

	bid := auction.SignBid(executor, auction.Bid{JobID: id, Cost: 50, ReceivedAt: h.orch.Now(), Capabilities: auction.Capabilities{Cpu: 1, Memory: 1, Storage: 1}})
	require.NoError(t, h.orch.SubmitBid(id, bid))

	require.NoError(t, h.orch.CloseBidding(id))
	snap, err := h.orch.GetJob(id)
	require.NoError(t, err)
	require.Equal(t, job.Assigned, snap.State)
	require.Equal(t, executor.Did, snap.AssignedExecutor)

	require.NoError(t, h.orch.Acknowledge(id, executor.Did))
	snap, err = h.orch.GetJob(id)
	require.NoError(t, err)
	require.Equal(t, job.Running, snap.State)

	cid, err := h.store.Put(dag.KindReceipt, []byte("result"))
	require.NoError(t, err)
	r, err := receipt.Sign(executor, receipt.Receipt{
		JobID:       id,
		ResultCid:   string(cid),
		ActualCost:  40,
		StartedAt:   snap.SubmittedAt,
		CompletedAt: snap.SubmittedAt.Add(time.Second),
	})
	require.NoError(t, err)

	_, err = h.orch.AnchorReceipt(r)
	require.NoError(t, err)

	snap, err = h.orch.GetJob(id)
	require.NoError(t, err)
	require.Equal(t, job.Completed, snap.State)
	require.NotNil(t, snap.Result)
	require.EqualValues(t, 40, snap.Result.ActualCost)

	subAcc, err := h.ledger.Account(h.submitter.String())
	require.NoError(t, err)
	require.EqualValues(t, 960, subAcc.Balance) // 1000 - 40 committed
	require.EqualValues(t, 0, subAcc.Reserved)

	require.Greater(t, h.rep.Score(executor.Did.String()), 0.5)
}

func TestCloseBiddingFailsJobOnNoBids(t *testing.T) {
	h := newHarness(t)
	id, err := h.orch.SubmitJob(h.submitter, job.Spec{}, 100, time.Hour, job.PriorityNormal)
	require.NoError(t, err)
	require.NoError(t, h.orch.Announce(id, auction.Capabilities{}, "digest"))

	require.NoError(t, h.orch.CloseBidding(id))
	snap, err := h.orch.GetJob(id)
	require.NoError(t, err)
	require.Equal(t, job.Failed, snap.State)

	acc, err := h.ledger.Account(h.submitter.String())
	require.NoError(t, err)
	require.EqualValues(t, 0, acc.Reserved)
	require.EqualValues(t, 1000, acc.Balance)
}

func TestCancelJobRefundsReservation(t *testing.T) {
	h := newHarness(t)
	id, err := h.orch.SubmitJob(h.submitter, job.Spec{}, 100, time.Hour, job.PriorityNormal)
	require.NoError(t, err)

	require.NoError(t, h.orch.CancelJob(h.submitter, id))
	snap, err := h.orch.GetJob(id)
	require.NoError(t, err)
	require.Equal(t, job.Cancelled, snap.State)

	acc, err := h.ledger.Account(h.submitter.String())
	require.NoError(t, err)
	require.EqualValues(t, 0, acc.Reserved)
}

func TestCheckAckWindowPromotesNextRankedBidOnTimeout(t *testing.T) {
	h := newHarness(t)
	slow := h.newExecutor(t, "slow")
	fast := h.newExecutor(t, "fast")
	h.rep.SetScore(fast.Did.String(), 0.8)
	h.rep.SetScore(slow.Did.String(), 0.9)

	id, err := h.orch.SubmitJob(h.submitter, job.Spec{}, 100, time.Hour, job.PriorityNormal)
	require.NoError(t, err)
	require.NoError(t, h.orch.Announce(id, auction.Capabilities{}, "digest"))

	now := h.orch.Now()
	slowBid := auction.SignBid(slow, auction.Bid{JobID: id, Cost: 10, ReceivedAt: now})
	fastBid := auction.SignBid(fast, auction.Bid{JobID: id, Cost: 50, ReceivedAt: now})
	require.NoError(t, h.orch.SubmitBid(id, slowBid))
	require.NoError(t, h.orch.SubmitBid(id, fastBid))
	require.NoError(t, h.orch.CloseBidding(id))

	snap, err := h.orch.GetJob(id)
	require.NoError(t, err)
	require.Equal(t, slow.Did, snap.AssignedExecutor, "lower cost + higher reputation should win first round")

	assignedAt := h.orch.now()
	h.clock.Run(time.Hour) // force the ack deadline to have elapsed

	require.NoError(t, h.orch.CheckAckWindow(id, assignedAt))
	snap, err = h.orch.GetJob(id)
	require.NoError(t, err)
	require.Equal(t, job.Assigned, snap.State)
	require.Equal(t, fast.Did, snap.AssignedExecutor)
	require.Equal(t, 1, snap.RetryCount)
	require.Less(t, h.rep.Score(slow.Did.String()), 0.9, "unresponsive executor must be slashed")
}

func TestCheckAckWindowFailsJobWhenNoRetryEligible(t *testing.T) {
	h := newHarness(t)
	slow := h.newExecutor(t, "slow")

	id, err := h.orch.SubmitJob(h.submitter, job.Spec{}, 100, time.Hour, job.PriorityNormal)
	require.NoError(t, err)
	require.NoError(t, h.orch.Announce(id, auction.Capabilities{}, "digest"))

	now := h.orch.Now()
	bid := auction.SignBid(slow, auction.Bid{JobID: id, Cost: 10, ReceivedAt: now})
	require.NoError(t, h.orch.SubmitBid(id, bid))
	require.NoError(t, h.orch.CloseBidding(id))

	assignedAt := h.orch.now()
	h.clock.Run(time.Hour)

	require.NoError(t, h.orch.CheckAckWindow(id, assignedAt))
	snap, err := h.orch.GetJob(id)
	require.NoError(t, err)
	require.Equal(t, job.Failed, snap.State)

	acc, err := h.ledger.Account(h.submitter.String())
	require.NoError(t, err)
	require.EqualValues(t, 0, acc.Reserved)
}
