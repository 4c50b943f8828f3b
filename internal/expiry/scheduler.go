// Package expiry keeps the in-process timers that remove scheduled posts.
package expiry

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type entry struct {
	timer    clockwork.Timer
	gen      uint64
	deadline time.Time
}

// Scheduler maps post ids to one-shot timers. At most one timer is
// registered per id; scheduling an id again replaces its timer.
type Scheduler struct {
	clock clockwork.Clock

	mu      sync.Mutex
	timers  map[uint]*entry
	gen     uint64
	stopped bool
}

// NewScheduler creates a scheduler driven by clock. A nil clock uses real time.
func NewScheduler(clock clockwork.Clock) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		clock:  clock,
		timers: make(map[uint]*entry),
	}
}

// Clock returns the clock the scheduler runs on.
func (s *Scheduler) Clock() clockwork.Clock {
	return s.clock
}

// Schedule arms fn to run once after delay. A timer already registered for
// postID is stopped and replaced. A non-positive delay fires immediately.
func (s *Scheduler) Schedule(postID uint, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	if old, ok := s.timers[postID]; ok {
		old.timer.Stop()
	}

	s.gen++
	e := &entry{gen: s.gen, deadline: s.clock.Now().Add(delay)}
	s.timers[postID] = e
	gen := e.gen
	e.timer = s.clock.AfterFunc(delay, func() {
		if s.release(postID, gen) {
			fn()
		}
	})
}

// release forgets the entry for postID if gen is still the registered
// generation. It reports whether the caller owns the firing.
func (s *Scheduler) release(postID uint, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.timers[postID]
	if !ok || e.gen != gen {
		return false
	}
	delete(s.timers, postID)
	return true
}

// Cancel stops and forgets the timer for postID. It reports whether a timer
// was registered; cancelling an unknown id is a no-op.
func (s *Scheduler) Cancel(postID uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.timers[postID]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.timers, postID)
	return true
}

// Pending reports whether a timer is registered for postID.
func (s *Scheduler) Pending(postID uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[postID]
	return ok
}

// Deadline returns when the timer for postID fires.
func (s *Scheduler) Deadline(postID uint) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.timers[postID]
	if !ok {
		return time.Time{}, false
	}
	return e.deadline, true
}

// Len returns the number of registered timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every timer. Later calls to Schedule are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, id)
	}
	s.stopped = true
}
