// Package clock abstracts wall-clock time and delayed callbacks so timers can
// be driven by a virtual clock in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Timer is a cancellable pending callback.
type Timer interface {
	// Stop prevents the callback from firing. It reports whether the call
	// stopped the timer before it fired.
	Stop() bool
}

// Clock provides the current time and delayed callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(delay time.Duration, callback func()) Timer
}

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(delay time.Duration, callback func()) Timer {
	return time.AfterFunc(delay, callback)
}

// Manual is a virtual clock. Time only moves when Advance is called, and due
// callbacks run synchronously on the caller's goroutine in deadline order.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	nextID  int64
	pending map[int64]*manualTimer
}

type manualTimer struct {
	clock    *Manual
	id       int64
	deadline time.Time
	callback func()
}

// NewManual constructs a Manual clock starting at the given instant.
func NewManual(start time.Time) *Manual {
	return &Manual{
		now:     start,
		pending: make(map[int64]*manualTimer),
	}
}

// Now returns the virtual current time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc registers a callback to run once the virtual time reaches now+delay.
func (m *Manual) AfterFunc(delay time.Duration, callback func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	timer := &manualTimer{
		clock:    m,
		id:       m.nextID,
		deadline: m.now.Add(delay),
		callback: callback,
	}
	m.pending[timer.id] = timer
	return timer
}

// Advance moves virtual time forward, firing every callback that falls due.
// Callbacks registered while advancing fire too when their deadline is reached.
func (m *Manual) Advance(delta time.Duration) {
	m.mu.Lock()
	target := m.now.Add(delta)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		due := m.nextDueLocked(target)
		if due == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		delete(m.pending, due.id)
		if due.deadline.After(m.now) {
			m.now = due.deadline
		}
		m.mu.Unlock()

		due.callback()
	}
}

// Pending reports the number of timers that have not fired or been stopped.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Manual) nextDueLocked(target time.Time) *manualTimer {
	candidates := make([]*manualTimer, 0, len(m.pending))
	for _, timer := range m.pending {
		if !timer.deadline.After(target) {
			candidates = append(candidates, timer)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].deadline.Equal(candidates[j].deadline) {
			return candidates[i].id < candidates[j].id
		}
		return candidates[i].deadline.Before(candidates[j].deadline)
	})
	return candidates[0]
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if _, ok := t.clock.pending[t.id]; !ok {
		return false
	}
	delete(t.clock.pending, t.id)
	return true
}
