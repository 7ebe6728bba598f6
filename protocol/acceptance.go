package protocol

import (
	"fmt"
	"sync"
	"time"

	"github.com/icn-mesh/meshd/identity"
)

// Accepter applies the §6 receive-side checks every envelope must pass
// before its payload is trusted: known version, known kind, timestamp
// within clock skew, signature verification, and replay protection over a
// rolling window keyed by (sender, nonce).
type Accepter struct {
	resolver    identity.Resolver
	clockSkew   time.Duration
	replayAfter time.Duration
	now         func() time.Time

	mu     sync.Mutex
	seen   map[replayKey]time.Time
	lastGC time.Time
}

type replayKey struct {
	sender string
	nonce  uint64
}

// NewAccepter creates an Accepter. clockSkew and replayWindow default to
// the spec's defaults (5 minutes, 15 minutes) when zero.
func NewAccepter(resolver identity.Resolver, clockSkew, replayWindow time.Duration, now func() time.Time) *Accepter {
	if clockSkew == 0 {
		clockSkew = 5 * time.Minute
	}
	if replayWindow == 0 {
		replayWindow = 15 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &Accepter{
		resolver:    resolver,
		clockSkew:   clockSkew,
		replayAfter: replayWindow,
		now:         now,
		seen:        make(map[replayKey]time.Time),
	}
}

// Accept runs the full §6 receive-side check in order and records the
// envelope's (sender, nonce) once accepted. It returns the first failing
// check's error.
func (a *Accepter) Accept(e *Envelope) error {
	if e.Version != Version {
		return fmt.Errorf("%w: got %d want %d", ErrUnknownVersion, e.Version, Version)
	}
	if e.Kind < KindJobAnnouncement || e.Kind > KindHeartbeat {
		return fmt.Errorf("%w: %d", ErrUnknownKind, e.Kind)
	}
	now := a.now()
	skew := now.Sub(e.Timestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > a.clockSkew {
		return fmt.Errorf("%w: skew=%s tolerance=%s", ErrClockSkew, skew, a.clockSkew)
	}

	msg, err := e.signingBytes()
	if err != nil {
		return err
	}
	if err := identity.VerifySigned(a.resolver, e.Sender, msg, e.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	key := replayKey{sender: e.Sender.String(), nonce: e.Nonce}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gcLocked(now)
	if _, dup := a.seen[key]; dup {
		return ErrReplayed
	}
	a.seen[key] = now
	return nil
}

// gcLocked drops replay entries older than the replay window. Caller must
// hold a.mu. Runs at most once per call to Accept to keep the map bounded
// without a background goroutine.
func (a *Accepter) gcLocked(now time.Time) {
	if now.Sub(a.lastGC) < a.replayAfter/4 {
		return
	}
	a.lastGC = now
	for k, seenAt := range a.seen {
		if now.Sub(seenAt) > a.replayAfter {
			delete(a.seen, k)
		}
	}
}
