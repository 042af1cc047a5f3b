package service

import (
	"sync"
	"time"
)

type timerKind int

const (
	timerPeriodicUpload timerKind = iota
	timerTriggerUpload
	timerInitConfig
)

// scheduler keeps at most one pending timer per kind. Scheduling a kind
// cancels whatever was pending for it.
type scheduler struct {
	mu      sync.Mutex
	timers  map[timerKind]*time.Timer
	gens    map[timerKind]uint64
	stopped bool
}

func newScheduler() *scheduler {
	return &scheduler{
		timers: make(map[timerKind]*time.Timer),
		gens:   make(map[timerKind]uint64),
	}
}

// schedule runs fire after d unless the kind is rescheduled, cancelled or
// the scheduler is stopped first.
func (s *scheduler) schedule(kind timerKind, d time.Duration, fire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if t, ok := s.timers[kind]; ok {
		t.Stop()
	}
	s.gens[kind]++
	gen := s.gens[kind]
	s.timers[kind] = time.AfterFunc(d, func() {
		s.mu.Lock()
		// A timer that already fired cannot be stopped, so a stale
		// callback is recognised by its generation.
		if s.stopped || s.gens[kind] != gen {
			s.mu.Unlock()
			return
		}
		delete(s.timers, kind)
		s.mu.Unlock()
		fire()
	})
}

// pending reports whether a timer of the kind is armed.
func (s *scheduler) pending(kind timerKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[kind]
	return ok
}

func (s *scheduler) cancel(kind timerKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[kind]; ok {
		t.Stop()
		delete(s.timers, kind)
	}
	s.gens[kind]++
}

// stop cancels every pending timer. Later schedule calls are ignored.
func (s *scheduler) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for kind, t := range s.timers {
		t.Stop()
		delete(s.timers, kind)
	}
}
