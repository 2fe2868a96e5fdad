package ready

import (
	"context"
	"sync"
)

// Signals tracks the readiness signal each front-end context sends once it
// has loaded. A signal that arrives before anyone waits for it is
// remembered, so waiting after the fact returns immediately. Entries live
// until the context goes away (Forget) or, for unfired entries, until their
// last waiter gives up.
type Signals struct {
	mu      sync.Mutex
	entries map[int]*signal
}

type signal struct {
	ch      chan struct{}
	fired   bool
	waiters int
}

// NewSignals creates an empty signal table.
func NewSignals() *Signals {
	return &Signals{entries: make(map[int]*signal)}
}

func (s *Signals) entry(contextID int) *signal {
	e, ok := s.entries[contextID]
	if !ok {
		e = &signal{ch: make(chan struct{})}
		s.entries[contextID] = e
	}
	return e
}

// Signal records that contextID is ready and releases its waiters.
func (s *Signals) Signal(contextID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(contextID)
	if !e.fired {
		e.fired = true
		close(e.ch)
	}
}

// Wait blocks until contextID has signalled or ctx ends.
func (s *Signals) Wait(ctx context.Context, contextID int) error {
	s.mu.Lock()
	e := s.entry(contextID)
	e.waiters++
	s.mu.Unlock()

	var err error
	select {
	case <-e.ch:
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.mu.Lock()
	e.waiters--
	if !e.fired && e.waiters == 0 && s.entries[contextID] == e {
		delete(s.entries, contextID)
	}
	s.mu.Unlock()
	return err
}

// IsReady reports whether contextID has signalled.
func (s *Signals) IsReady(contextID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[contextID]
	return ok && e.fired
}

// Forget drops the state for a context that went away. Pending waiters keep
// waiting until their own deadline.
func (s *Signals) Forget(contextID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, contextID)
}

// Len is the number of contexts currently tracked.
func (s *Signals) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
