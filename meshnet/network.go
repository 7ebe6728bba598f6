// Package meshnet is the typed broadcast/direct-send abstraction the rest
// of the core depends on (§2 "Network abstraction"): subscription by
// message kind, peer identity, and delivery of protocol envelopes. The
// actual wire transport (libp2p, QUIC, whatever moves bytes between
// processes) is an external collaborator per §1; this package is the
// narrow interface the core consumes, plus an in-process implementation
// used for tests and single-process deployments.
package meshnet

import (
	"errors"
	"sync"

	"github.com/icn-mesh/meshd/identity"
	"github.com/icn-mesh/meshd/protocol"
)

// ErrClosed is returned by Send/Broadcast on a closed Network, and
// delivered through a Subscription's Err channel when its Network closes.
var ErrClosed = errors.New("meshnet: network closed")

// Subscription is returned by Subscribe. Callers must Unsubscribe when
// done; a subscription whose Network closes pushes ErrClosed on Err. The
// delivery channel is never closed by the Network.
type Subscription interface {
	Unsubscribe()
	Err() <-chan error
}

// Network is the narrow surface the orchestrator, auction, and receipt
// components use to exchange envelopes: broadcast to every subscriber of
// a kind, or address one directly to a peer by Did.
type Network interface {
	// Broadcast delivers e to every live subscription for e.Kind.
	Broadcast(e *protocol.Envelope) error
	// Send delivers e only to subscriptions registered for recipient.
	Send(recipient identity.Did, e *protocol.Envelope) error
	// Subscribe registers ch to receive envelopes of kind addressed to
	// self (direct sends) or broadcast (recipient zero value). self is
	// the Did this subscription listens as; it is not required to be
	// routable by anyone but the local process.
	Subscribe(self identity.Did, kind protocol.Kind, ch chan<- *protocol.Envelope) Subscription
	// Close shuts the network down, closing every live subscription.
	Close()
}

type subscriber struct {
	self identity.Did
	kind protocol.Kind
	ch   chan<- *protocol.Envelope
	errC chan error
}

func (s *subscriber) Err() <-chan error { return s.errC }

// InProcess is an in-memory Network for tests and single-process
// deployments: every Broadcast/Send fans out synchronously under a lock,
// mirroring the deliver-then-unlock shape of a feed without needing
// reflection over arbitrary payload types, since every message here is a
// *protocol.Envelope.
type InProcess struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

// NewInProcess creates a ready-to-use in-process network.
func NewInProcess() *InProcess {
	return &InProcess{subs: make(map[*subscriber]struct{})}
}

// Subscribe implements Network.
func (n *InProcess) Subscribe(self identity.Did, kind protocol.Kind, ch chan<- *protocol.Envelope) Subscription {
	sub := &subscriber{self: self, kind: kind, ch: ch, errC: make(chan error, 1)}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		sub.errC <- ErrClosed
		return &inProcessSub{net: n, sub: sub}
	}
	n.subs[sub] = struct{}{}
	return &inProcessSub{net: n, sub: sub}
}

type inProcessSub struct {
	net *InProcess
	sub *subscriber
}

func (s *inProcessSub) Err() <-chan error { return s.sub.errC }

func (s *inProcessSub) Unsubscribe() {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	delete(s.net.subs, s.sub)
}

// Broadcast implements Network: every subscriber registered for e.Kind
// receives e, regardless of recipient.
func (n *InProcess) Broadcast(e *protocol.Envelope) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	for sub := range n.subs {
		if sub.kind != e.Kind {
			continue
		}
		select {
		case sub.ch <- e:
		default:
		}
	}
	return nil
}

// Send implements Network: only subscribers whose self matches recipient
// receive e.
func (n *InProcess) Send(recipient identity.Did, e *protocol.Envelope) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	for sub := range n.subs {
		if sub.kind != e.Kind || sub.self != recipient {
			continue
		}
		select {
		case sub.ch <- e:
		default:
		}
	}
	return nil
}

// Close implements Network.
func (n *InProcess) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for sub := range n.subs {
		sub.errC <- ErrClosed
		delete(n.subs, sub)
	}
}
