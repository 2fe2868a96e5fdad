// Package ready holds the process-wide preparation gate and the per-context
// readiness signals newly loaded pages send.
package ready

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrPermanentlyFailed is returned by Wait once preparation has failed.
var ErrPermanentlyFailed = errors.New("preparation failed permanently")

// State is the gate lifecycle.
type State int

const (
	NotStarted State = iota
	Preparing
	Ready
	PermanentlyFailed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case Preparing:
		return "preparing"
	case Ready:
		return "ready"
	case PermanentlyFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// PrepareFunc is the one preparation sequence.
type PrepareFunc func(ctx context.Context) error

// Gate defers work until preparation has settled. Exactly one preparation
// runs; every waiter is released at once when it settles.
type Gate struct {
	logger *zap.Logger

	once  sync.Once
	mu    sync.RWMutex
	state State
	err   error
	done  chan struct{}
}

// NewGate creates a gate in NotStarted.
func NewGate(logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{logger: logger.Named("ready"), done: make(chan struct{})}
}

// State returns the current state.
func (g *Gate) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Prepare runs fn the first time it is called and returns its outcome. Later
// calls, including concurrent ones, wait for and return the same outcome
// without running their fn.
func (g *Gate) Prepare(ctx context.Context, fn PrepareFunc) error {
	g.once.Do(func() {
		g.mu.Lock()
		g.state = Preparing
		g.mu.Unlock()

		err := runPrepare(ctx, fn)

		g.mu.Lock()
		if err != nil {
			g.state = PermanentlyFailed
			g.err = err
		} else {
			g.state = Ready
		}
		g.mu.Unlock()
		close(g.done)

		if err != nil {
			g.logger.Error("preparation failed; requests will not be answered", zap.Error(err))
		} else {
			g.logger.Info("ready")
		}
	})
	<-g.done
	return g.outcome()
}

func runPrepare(ctx context.Context, fn PrepareFunc) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("preparation panicked: %v", p)
		}
	}()
	return fn(ctx)
}

func (g *Gate) outcome() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.state == PermanentlyFailed {
		return fmt.Errorf("%w: %v", ErrPermanentlyFailed, g.err)
	}
	return nil
}

// Done is closed when preparation settles either way.
func (g *Gate) Done() <-chan struct{} { return g.done }

// Wait blocks until preparation settles. It returns nil once Ready and an
// error wrapping ErrPermanentlyFailed otherwise. Once Ready it returns
// immediately.
func (g *Gate) Wait(ctx context.Context) error {
	select {
	case <-g.done:
		return g.outcome()
	default:
	}
	select {
	case <-g.done:
		return g.outcome()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Request runs fn once the gate is Ready. If preparation fails, fn never runs
// and Request reports ok=false, which callers treat as "no response".
func Request[T any](ctx context.Context, g *Gate, fn func() T) (result T, ok bool) {
	if err := g.Wait(ctx); err != nil {
		return result, false
	}
	return fn(), true
}

// Event runs fn once the gate is Ready and drops it if preparation fails.
func (g *Gate) Event(ctx context.Context, fn func()) {
	if err := g.Wait(ctx); err != nil {
		return
	}
	fn()
}
