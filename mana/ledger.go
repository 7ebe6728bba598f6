// Package mana implements the regenerating per-DID capacity credit ledger
// (§4.2). It is the only path by which balances change: every reservation,
// commit, refund and credit goes through a single per-account lock so the
// atomicity and no-over-spend invariants of §8 hold under concurrent access
// from many job goroutines.
package mana

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/icn-mesh/meshd/common/mclock"
)

// ErrInsufficientMana is returned by Reserve when an account cannot cover
// the requested amount, carrying enough detail for the caller to surface a
// suggested wait (§7).
type ErrInsufficientMana struct {
	Did       string
	Required  uint64
	Available uint64
}

func (e *ErrInsufficientMana) Error() string {
	return fmt.Sprintf("mana: insufficient balance for %s: required=%d available=%d", e.Did, e.Required, e.Available)
}

// ErrRateLimitExceeded is returned by Reserve when the account's sliding
// spending cap (derived from reputation, §4.2) would be exceeded.
var ErrRateLimitExceeded = errors.New("mana: rate limit exceeded")

// ErrRequestRateExceeded is returned by Reserve when the account is
// submitting Reserve calls faster than its configured request rate, a
// separate guard from the spend-amount cap: a burst of zero-cost or
// tiny-amount reservations would sail through the sliding window but can
// still be used to hammer the ledger's lock, so Reserve also consults a
// token-bucket limiter (golang.org/x/time/rate) when RequestLimit is set.
var ErrRequestRateExceeded = errors.New("mana: request rate exceeded")

// ErrUnknownAccount is returned when an operation addresses a did that has
// no account yet. The ledger never auto-creates accounts: callers open one
// explicitly via Open.
var ErrUnknownAccount = errors.New("mana: unknown account")

// ErrHandleAlreadySettled is returned by Commit/Refund on a handle that was
// already settled, guarding the idempotence properties of §8.
var ErrHandleAlreadySettled = errors.New("mana: reservation handle already settled")

// Account is a read-only snapshot of a mana account at the moment it was
// taken; callers must not treat it as live state.
type Account struct {
	Did              string
	Balance          uint64
	Capacity         uint64
	Reserved         uint64
	RegenPerTick     uint64
	OverflowDiscards uint64
}

// ReservationHandle identifies one outstanding reservation. It is opaque to
// callers and single-use: Commit or Refund consumes it exactly once.
type ReservationHandle struct {
	did    string
	amount uint64
	seq    uint64
}

// OverflowSink receives mana that Credit could not apply because the
// account was already at capacity. The default sink discards it (and bumps
// a per-account counter, §4.2); SPEC_FULL's federation-pool open question
// (§9) is answered by letting a policy layer supply a different sink.
type OverflowSink interface {
	Overflow(did string, amount uint64)
}

// DiscardOverflow is the zero-cost default OverflowSink.
type DiscardOverflow struct{}

// Overflow implements OverflowSink by doing nothing: the caller-visible
// effect is entirely the account's OverflowDiscards counter.
func (DiscardOverflow) Overflow(string, uint64) {}

type account struct {
	mu           sync.Mutex
	did          string
	balance      uint64
	capacity     uint64
	reserved     uint64
	regenPerTick uint64
	tickPeriod   int64 // nanoseconds, as mclock duration count
	lastTick     mclock.AbsTime

	overflowDiscards uint64

	window windowSpend

	nextSeq uint64
	live    map[uint64]uint64 // seq -> reserved amount, for open handles

	requestLimiter *rate.Limiter
}

// Ledger is the mana ledger and policy enforcer of §4.2.
type Ledger struct {
	clock    mclock.Clock
	overflow OverflowSink

	mu       sync.RWMutex
	accounts map[string]*account

	// RateLimit computes the sliding-window spending cap for a did given its
	// reputation percentile; nil means no extra cap beyond capacity.
	RateLimit func(did string) (cap uint64, window int64)

	// RequestLimit computes the token-bucket Reserve-call rate for a did;
	// nil means no request-frequency guard, only the spend-amount caps
	// above. Evaluated once, at Open.
	RequestLimit func(did string) (r rate.Limit, burst int)
}

// NewLedger creates an empty ledger using clock as its time source and sink
// as the Credit overflow policy.
func NewLedger(clock mclock.Clock, sink OverflowSink) *Ledger {
	if clock == nil {
		clock = mclock.System{}
	}
	if sink == nil {
		sink = DiscardOverflow{}
	}
	return &Ledger{
		clock:    clock,
		overflow: sink,
		accounts: make(map[string]*account),
	}
}

// Open creates a new account for did with the given capacity and per-tick
// regeneration rate (amount regenerated every tickPeriod), fully charged.
// Opening an already-open account is a no-op that leaves existing state
// untouched.
func (l *Ledger) Open(did string, capacity, regenPerTick uint64, tickPeriod int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.accounts[did]; ok {
		return
	}
	a := &account{
		did:          did,
		balance:      capacity,
		capacity:     capacity,
		regenPerTick: regenPerTick,
		tickPeriod:   tickPeriod,
		lastTick:     l.clock.Now(),
		live:         make(map[uint64]uint64),
	}
	if l.RequestLimit != nil {
		r, burst := l.RequestLimit(did)
		a.requestLimiter = rate.NewLimiter(r, burst)
	}
	l.accounts[did] = a
}

func (l *Ledger) get(did string) (*account, error) {
	l.mu.RLock()
	a, ok := l.accounts[did]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, did)
	}
	return a, nil
}

// regenLocked applies lazy regeneration; caller must hold a.mu.
func (a *account) regenLocked(now mclock.AbsTime) {
	if a.tickPeriod <= 0 || a.regenPerTick == 0 {
		return
	}
	elapsedTicks := int64(now.Sub(a.lastTick)) / a.tickPeriod
	if elapsedTicks <= 0 {
		return
	}
	gain := a.regenPerTick * uint64(elapsedTicks)
	newBalance := a.balance + gain
	if newBalance > a.capacity || newBalance < a.balance /* overflow */ {
		newBalance = a.capacity
	}
	a.balance = newBalance
	a.lastTick = a.lastTick.Add(time.Duration(elapsedTicks * a.tickPeriod))
}

// Account returns a snapshot of did's account after applying lazy regen.
func (l *Ledger) Account(did string) (Account, error) {
	a, err := l.get(did)
	if err != nil {
		return Account{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.regenLocked(l.clock.Now())
	return Account{
		Did:              a.did,
		Balance:          a.balance,
		Capacity:         a.capacity,
		Reserved:         a.reserved,
		RegenPerTick:     a.regenPerTick,
		OverflowDiscards: a.overflowDiscards,
	}, nil
}

// Reserve atomically regenerates, checks that balance-reserved >= amount,
// that the request-rate limiter (when RequestLimit is set) allows the call
// and that the sliding-window spending cap is not exceeded, then holds
// amount aside. It returns ErrInsufficientMana, ErrRequestRateExceeded or
// ErrRateLimitExceeded on failure; no reservation is made on failure, but a
// call that passed the request-rate check has used one limiter token even
// when the spending cap then rejects it.
func (l *Ledger) Reserve(did string, amount uint64) (ReservationHandle, error) {
	a, err := l.get(did)
	if err != nil {
		return ReservationHandle{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := l.clock.Now()
	a.regenLocked(now)

	available := a.balance - a.reserved
	if amount > available {
		return ReservationHandle{}, &ErrInsufficientMana{Did: did, Required: amount, Available: available}
	}
	if a.requestLimiter != nil && !a.requestLimiter.AllowN(time.Unix(0, int64(now)), 1) {
		return ReservationHandle{}, ErrRequestRateExceeded
	}
	if l.RateLimit != nil {
		cap, window := l.RateLimit(did)
		a.window.evict(now, window)
		if a.window.sum+amount > cap {
			return ReservationHandle{}, ErrRateLimitExceeded
		}
	}

	a.reserved += amount
	seq := a.nextSeq
	a.nextSeq++
	a.live[seq] = amount
	return ReservationHandle{did: did, amount: amount, seq: seq}, nil
}

// Commit settles a reservation for the actual amount consumed (actual must
// be <= the reserved amount). balance is debited by actual; any surplus
// (reserved - actual) becomes free balance again. The handle is consumed.
func (l *Ledger) Commit(h ReservationHandle, actual uint64) error {
	a, err := l.get(h.did)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	reserved, ok := a.live[h.seq]
	if !ok {
		return ErrHandleAlreadySettled
	}
	if actual > reserved {
		return fmt.Errorf("mana: commit actual=%d exceeds reserved=%d", actual, reserved)
	}
	delete(a.live, h.seq)
	a.reserved -= reserved
	a.balance -= actual
	if l.RateLimit != nil {
		a.window.add(l.clock.Now(), actual)
	}
	return nil
}

// Refund releases a reservation in full without touching balance. Calling
// Refund or Commit on an already-settled handle is a no-op error
// (ErrHandleAlreadySettled), making duplicate settlement safe.
func (l *Ledger) Refund(h ReservationHandle) error {
	a, err := l.get(h.did)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	reserved, ok := a.live[h.seq]
	if !ok {
		return ErrHandleAlreadySettled
	}
	delete(a.live, h.seq)
	a.reserved -= reserved
	return nil
}

// Credit pays amount into did's balance, capped at capacity; any overflow
// is reported to the ledger's OverflowSink and counted, never applied
// twice and never causing balance > capacity (§8 property 2).
func (l *Ledger) Credit(did string, amount uint64) error {
	a, err := l.get(did)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.regenLocked(l.clock.Now())
	room := a.capacity - a.balance
	applied := amount
	if applied > room {
		applied = room
	}
	overflow := amount - applied
	a.balance += applied
	if overflow > 0 {
		a.overflowDiscards += overflow
		l.overflow.Overflow(did, overflow)
	}
	return nil
}
