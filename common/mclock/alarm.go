// Copyright 2022 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

package mclock

import "sync"

// Alarm collapses an arbitrary number of deadline requests into a single
// timer that fires at the earliest requested deadline. A later call with a
// further-out deadline never pushes an already-pending fire time back.
type Alarm struct {
	clock Clock

	mu       sync.Mutex
	timer    Timer
	deadline AbsTime
	pending  bool
	ch       chan struct{}
}

// NewAlarm creates an Alarm using clock as its time source.
func NewAlarm(clock Clock) *Alarm {
	if clock == nil {
		clock = System{}
	}
	return &Alarm{clock: clock, ch: make(chan struct{}, 1)}
}

// C returns the channel on which the alarm fires.
func (a *Alarm) C() <-chan struct{} {
	return a.ch
}

// Schedule arranges for the alarm to fire at or after the given absolute
// time. If an earlier deadline is already pending, this call is a no-op:
// the alarm always fires at the earliest deadline it has been given since
// it last fired.
func (a *Alarm) Schedule(at AbsTime) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.pending && at >= a.deadline {
		return
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	a.pending = true
	a.deadline = at
	d := at.Sub(a.clock.Now())
	if d < 0 {
		d = 0
	}
	a.timer = a.clock.AfterFunc(d, a.fire)
}

func (a *Alarm) fire() {
	a.mu.Lock()
	a.pending = false
	a.mu.Unlock()

	select {
	case a.ch <- struct{}{}:
	default:
	}
}
