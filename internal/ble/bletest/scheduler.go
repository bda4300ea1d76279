// Package bletest provides deterministic fakes of the ble platform and
// scheduler interfaces for tests.
package bletest

import (
	"sort"
	"sync"
	"time"

	"github.com/chaz8081/bandlink/internal/ble"
)

// FakeScheduler is a ble.Scheduler driven by a virtual clock. Nothing runs
// until the test calls RunPending or Advance.
type FakeScheduler struct {
	mu     sync.Mutex
	now    time.Duration
	seq    int
	tasks  []func()
	timers []*fakeTimer
}

type fakeTimer struct {
	s    *FakeScheduler
	at   time.Duration
	seq  int
	fn   func()
	done bool
}

// NewFakeScheduler returns a scheduler at virtual time zero.
func NewFakeScheduler() *FakeScheduler {
	return &FakeScheduler{}
}

func (s *FakeScheduler) Post(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, fn)
}

func (s *FakeScheduler) AfterFunc(d time.Duration, fn func()) ble.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &fakeTimer{s: s, at: s.now + d, seq: s.seq, fn: fn}
	s.timers = append(s.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	t.s.removeTimer(t)
	return true
}

// removeTimer must be called with s.mu held.
func (s *FakeScheduler) removeTimer(t *fakeTimer) {
	for i, x := range s.timers {
		if x == t {
			s.timers = append(s.timers[:i], s.timers[i+1:]...)
			return
		}
	}
}

// RunPending runs posted tasks, including the ones they post, until the
// queue is empty. It returns the number of tasks run.
func (s *FakeScheduler) RunPending() int {
	n := 0
	for {
		s.mu.Lock()
		if len(s.tasks) == 0 {
			s.mu.Unlock()
			return n
		}
		fn := s.tasks[0]
		s.tasks = s.tasks[1:]
		s.mu.Unlock()
		fn()
		n++
	}
}

// Advance moves the clock forward by d, firing due timers in deadline order
// and running posted work after each.
func (s *FakeScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now + d
	s.mu.Unlock()

	for {
		s.RunPending()
		s.mu.Lock()
		next := s.nextDue(target)
		if next == nil {
			s.now = target
			s.mu.Unlock()
			break
		}
		s.now = next.at
		next.done = true
		s.removeTimer(next)
		s.mu.Unlock()
		next.fn()
	}
	s.RunPending()
}

// nextDue must be called with s.mu held.
func (s *FakeScheduler) nextDue(limit time.Duration) *fakeTimer {
	if len(s.timers) == 0 {
		return nil
	}
	sorted := append([]*fakeTimer(nil), s.timers...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].at != sorted[j].at {
			return sorted[i].at < sorted[j].at
		}
		return sorted[i].seq < sorted[j].seq
	})
	if sorted[0].at > limit {
		return nil
	}
	return sorted[0]
}

// Now returns the virtual time elapsed since creation.
func (s *FakeScheduler) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// PendingTimers returns the number of armed timers.
func (s *FakeScheduler) PendingTimers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// NextDeadline returns how far away the earliest armed timer is.
func (s *FakeScheduler) NextDeadline() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.nextDue(1<<62 - 1)
	if next == nil {
		return 0, false
	}
	return next.at - s.now, true
}

var _ ble.Scheduler = (*FakeScheduler)(nil)
