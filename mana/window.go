package mana

import (
	"time"

	"github.com/icn-mesh/meshd/common/mclock"
)

func durationOf(nanos int64) time.Duration {
	return time.Duration(nanos)
}

// windowSpend tracks spend events inside a sliding time window so Reserve
// can enforce the reputation-derived cap from §4.2:
// `window_spend + amount <= cap`. It is deliberately a plain slice rather
// than a ring buffer: per-account spend volume is low enough (one entry per
// committed job) that eviction by linear scan never shows up in profiles.
type windowSpend struct {
	entries []spendEntry
	sum     uint64
}

type spendEntry struct {
	at     mclock.AbsTime
	amount uint64
}

// add records a spend of amount at the given time.
func (w *windowSpend) add(at mclock.AbsTime, amount uint64) {
	if amount == 0 {
		return
	}
	w.entries = append(w.entries, spendEntry{at: at, amount: amount})
	w.sum += amount
}

// evict drops entries older than windowNanos before now, keeping sum in sync.
func (w *windowSpend) evict(now mclock.AbsTime, windowNanos int64) {
	if windowNanos <= 0 {
		return
	}
	cutoff := now.Add(-durationOf(windowNanos))
	i := 0
	for i < len(w.entries) && w.entries[i].at < cutoff {
		w.sum -= w.entries[i].amount
		i++
	}
	if i > 0 {
		w.entries = append([]spendEntry{}, w.entries[i:]...)
	}
}
