package feed

import (
	"sync"
	"time"
)

// Session is the typed per-monitoring-session context threaded through the
// tick and order callbacks. It replaces ad hoc shared dictionaries with
// explicit fields.
type Session struct {
	StartedAt time.Time

	mu      sync.Mutex
	slFired []int // scrip codes unsubscribed after a stop-loss execution
}

// NewSession creates a session context stamped with the current time.
func NewSession() *Session {
	return &Session{StartedAt: time.Now()}
}

func (s *Session) appendStopLossFired(scripCode int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slFired = append(s.slFired, scripCode)
}

// StopLossFired returns the scrip codes whose stop-loss orders have fully
// executed during this session, in execution order.
func (s *Session) StopLossFired() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.slFired))
	copy(out, s.slFired)
	return out
}
