package matcher

import (
	"sync"
	"time"
)

// Scheduler runs one deferred task per key. Scheduling a key again replaces
// the earlier task. Fired tasks must tolerate running after the state they
// were scheduled for has moved on.
type Scheduler struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

func NewScheduler() *Scheduler {
	return &Scheduler{timers: make(map[string]*time.Timer)}
}

func (s *Scheduler) Schedule(key string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if old, ok := s.timers[key]; ok {
		old.Stop()
	}
	var t *time.Timer
	// the callback takes s.mu first, so t is assigned before it is read
	t = time.AfterFunc(d, func() {
		s.mu.Lock()
		if cur, ok := s.timers[key]; !ok || cur != t {
			s.mu.Unlock()
			return
		}
		delete(s.timers, key)
		s.mu.Unlock()
		fn()
	})
	s.timers[key] = t
}

// Cancel reports whether a pending task was removed.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[key]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.timers, key)
	return true
}

func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key]
	return ok
}

// Stop cancels everything and refuses new tasks.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for k, t := range s.timers {
		t.Stop()
		delete(s.timers, k)
	}
}
