package meshnet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/icn-mesh/meshd/identity"
	"github.com/icn-mesh/meshd/protocol"
)

func kp(t *testing.T, id string) *identity.KeyPair {
	t.Helper()
	k, err := identity.GenerateKeyPair("key", id)
	require.NoError(t, err)
	return k
}

func TestBroadcastReachesAllSubscribersOfKind(t *testing.T) {
	net := NewInProcess()
	defer net.Close()

	a := make(chan *protocol.Envelope, 1)
	b := make(chan *protocol.Envelope, 1)
	other := make(chan *protocol.Envelope, 1)

	subA := net.Subscribe(identity.Did{}, protocol.KindJobAnnouncement, a)
	subB := net.Subscribe(identity.Did{}, protocol.KindJobAnnouncement, b)
	subOther := net.Subscribe(identity.Did{}, protocol.KindJobBid, other)
	defer subA.Unsubscribe()
	defer subB.Unsubscribe()
	defer subOther.Unsubscribe()

	sender := kp(t, "announcer")
	env, err := protocol.NewEnvelope(sender, protocol.KindJobAnnouncement, identity.Did{}, 1, []byte("x"), time.Now())
	require.NoError(t, err)

	require.NoError(t, net.Broadcast(env))

	require.Same(t, env, <-a)
	require.Same(t, env, <-b)
	select {
	case <-other:
		t.Fatal("subscriber of a different kind should not receive the broadcast")
	default:
	}
}

func TestSendReachesOnlyRecipient(t *testing.T) {
	net := NewInProcess()
	defer net.Close()

	alice := kp(t, "alice")
	bob := kp(t, "bob")

	aliceCh := make(chan *protocol.Envelope, 1)
	bobCh := make(chan *protocol.Envelope, 1)
	subAlice := net.Subscribe(alice.Did, protocol.KindJobAssignment, aliceCh)
	subBob := net.Subscribe(bob.Did, protocol.KindJobAssignment, bobCh)
	defer subAlice.Unsubscribe()
	defer subBob.Unsubscribe()

	sender := kp(t, "orchestrator")
	env, err := protocol.NewEnvelope(sender, protocol.KindJobAssignment, bob.Did, 1, []byte("assign"), time.Now())
	require.NoError(t, err)

	require.NoError(t, net.Send(bob.Did, env))

	require.Same(t, env, <-bobCh)
	select {
	case <-aliceCh:
		t.Fatal("non-recipient should not receive a direct send")
	default:
	}
}

func TestCloseUnblocksSubscribers(t *testing.T) {
	net := NewInProcess()
	ch := make(chan *protocol.Envelope, 1)
	sub := net.Subscribe(identity.Did{}, protocol.KindHeartbeat, ch)

	net.Close()

	require.ErrorIs(t, <-sub.Err(), ErrClosed)
	require.ErrorIs(t, net.Broadcast(&protocol.Envelope{Kind: protocol.KindHeartbeat}), ErrClosed)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	net := NewInProcess()
	defer net.Close()

	ch := make(chan *protocol.Envelope, 1)
	sub := net.Subscribe(identity.Did{}, protocol.KindJobAck, ch)
	sub.Unsubscribe()

	sender := kp(t, "x")
	env, err := protocol.NewEnvelope(sender, protocol.KindJobAck, identity.Did{}, 1, nil, time.Now())
	require.NoError(t, err)
	require.NoError(t, net.Broadcast(env))

	select {
	case <-ch:
		t.Fatal("unsubscribed channel should not receive")
	default:
	}
}
