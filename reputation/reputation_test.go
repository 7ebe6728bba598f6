package reputation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDidScoresNeutral(t *testing.T) {
	s := NewStore(nil, DefaultPolicy())
	require.Equal(t, 0.5, s.Score("did:key:fresh"))
	_, err := s.Entry("did:key:fresh")
	require.ErrorIs(t, err, ErrUnknownDid)
}

func TestRecordSuccessMovesTowardOne(t *testing.T) {
	s := NewStore(nil, DefaultPolicy())
	s.SetScore("did:key:bob", 0.7)
	s.RecordSuccess("did:key:bob", 0)
	// 0.7 + 0.1*(1-0.7) = 0.73
	require.InDelta(t, 0.73, s.Score("did:key:bob"), 1e-9)

	entry, err := s.Entry("did:key:bob")
	require.NoError(t, err)
	require.EqualValues(t, 1, entry.Successes)
}

func TestRecordFailureMovesTowardZero(t *testing.T) {
	s := NewStore(nil, DefaultPolicy())
	s.SetScore("did:key:carol", 0.9)
	s.RecordFailure("did:key:carol", 0)
	// 0.9 - 0.2*0.9 = 0.72
	require.InDelta(t, 0.72, s.Score("did:key:carol"), 1e-9)

	entry, err := s.Entry("did:key:carol")
	require.NoError(t, err)
	require.EqualValues(t, 1, entry.Failures)
}

func TestScoreNeverLeavesUnitInterval(t *testing.T) {
	s := NewStore(nil, DefaultPolicy())
	s.SetScore("did:key:x", 1.0)
	for i := 0; i < 1000; i++ {
		s.RecordSuccess("did:key:x", 0)
	}
	require.LessOrEqual(t, s.Score("did:key:x"), 1.0)

	s.SetScore("did:key:y", 0.0)
	for i := 0; i < 1000; i++ {
		s.RecordFailure("did:key:y", 0)
	}
	require.GreaterOrEqual(t, s.Score("did:key:y"), 0.0)
}

func TestWeightedByCostScalesGain(t *testing.T) {
	policy := Policy{Alpha: 0.1, Beta: 0.2, WeightByCost: true, ReferenceCost: 100}
	s := NewStore(nil, policy)
	s.SetScore("did:key:bob", 0.5)
	s.RecordSuccess("did:key:bob", 50) // half-weighted: alpha effectively 0.05
	require.InDelta(t, 0.525, s.Score("did:key:bob"), 1e-9)
}

func TestCoBidTrackerCounts(t *testing.T) {
	tr := NewCoBidTracker(8)
	require.EqualValues(t, 0, tr.Count("did:key:alice", "did:key:bob"))
	tr.Observe("did:key:alice", "did:key:bob")
	tr.Observe("did:key:alice", "did:key:bob")
	require.EqualValues(t, 2, tr.Count("did:key:alice", "did:key:bob"))
	require.EqualValues(t, 0, tr.Count("did:key:alice", "did:key:carol"))
}
