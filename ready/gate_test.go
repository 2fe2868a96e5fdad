package ready

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPrepareRunsOnce(t *testing.T) {
	g := NewGate(nil)
	assert.Equal(t, NotStarted, g.State())

	var runs int32
	fn := func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, g.Prepare(context.Background(), fn))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
	assert.Equal(t, Ready, g.State())
	require.NoError(t, g.Prepare(context.Background(), func(context.Context) error {
		return errors.New("never runs")
	}))
}

func TestPrepareFailureIsPermanent(t *testing.T) {
	g := NewGate(nil)
	err := g.Prepare(context.Background(), func(context.Context) error {
		return errors.New("database unavailable")
	})
	require.ErrorIs(t, err, ErrPermanentlyFailed)
	assert.Equal(t, PermanentlyFailed, g.State())

	err = g.Prepare(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPermanentlyFailed)
	assert.ErrorIs(t, g.Wait(context.Background()), ErrPermanentlyFailed)
}

func TestPreparePanicFails(t *testing.T) {
	g := NewGate(nil)
	err := g.Prepare(context.Background(), func(context.Context) error { panic("boom") })
	require.ErrorIs(t, err, ErrPermanentlyFailed)
	assert.Contains(t, err.Error(), "boom")
}

func TestRequestsDeferredUntilReady(t *testing.T) {
	g := NewGate(nil)
	release := make(chan struct{})
	prepared := make(chan error, 1)
	go func() {
		prepared <- g.Prepare(context.Background(), func(context.Context) error {
			<-release
			return nil
		})
	}()
	require.Eventually(t, func() bool { return g.State() == Preparing }, time.Second, 5*time.Millisecond)

	var delivered int32
	results := make(chan string, 3)
	for i := 0; i < 3; i++ {
		go func() {
			v, ok := Request(context.Background(), g, func() string {
				atomic.AddInt32(&delivered, 1)
				return "pong"
			})
			if ok {
				results <- v
			} else {
				results <- ""
			}
		}()
	}

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&delivered))

	close(release)
	require.NoError(t, <-prepared)
	for i := 0; i < 3; i++ {
		assert.Equal(t, "pong", <-results)
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&delivered))
}

func TestNothingDeliveredAfterFailure(t *testing.T) {
	g := NewGate(nil)
	release := make(chan struct{})
	prepared := make(chan error, 1)
	go func() {
		prepared <- g.Prepare(context.Background(), func(context.Context) error {
			<-release
			return errors.New("failed")
		})
	}()
	require.Eventually(t, func() bool { return g.State() == Preparing }, time.Second, 5*time.Millisecond)

	var delivered int32
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, ok := Request(context.Background(), g, func() int {
			atomic.AddInt32(&delivered, 1)
			return 1
		})
		assert.False(t, ok)
	}()
	go func() {
		defer wg.Done()
		g.Event(context.Background(), func() { atomic.AddInt32(&delivered, 1) })
	}()

	close(release)
	require.Error(t, <-prepared)
	wg.Wait()
	assert.Equal(t, int32(0), atomic.LoadInt32(&delivered))
}

func TestWaitHonoursContext(t *testing.T) {
	g := NewGate(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, g.Wait(ctx), context.DeadlineExceeded)
}

func TestSignalsRememberEarlyArrival(t *testing.T) {
	s := NewSignals()
	s.Signal(7)
	assert.True(t, s.IsReady(7))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Wait(ctx, 7))

	// signalling twice is harmless
	s.Signal(7)
}

func TestSignalsWaitThenSignal(t *testing.T) {
	s := NewSignals()
	done := make(chan error, 1)
	go func() { done <- s.Wait(context.Background(), 3) }()

	time.Sleep(10 * time.Millisecond)
	assert.False(t, s.IsReady(3))
	s.Signal(3)
	require.NoError(t, <-done)

	s.Forget(3)
	assert.False(t, s.IsReady(3))
}

func TestSignalsTimeout(t *testing.T) {
	s := NewSignals()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Wait(ctx, 99), context.DeadlineExceeded)
	assert.Zero(t, s.Len(), "an abandoned wait leaves nothing behind")
}

func TestSignalsTableStaysBounded(t *testing.T) {
	s := NewSignals()
	for id := 0; id < 1000; id++ {
		s.Signal(id)
	}
	require.Equal(t, 1000, s.Len())
	for id := 0; id < 1000; id++ {
		s.Forget(id)
	}
	assert.Zero(t, s.Len())

	// one waiter timing out does not drop the entry another still waits on
	short, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Wait(context.Background(), 5) }()
	assert.ErrorIs(t, s.Wait(short, 5), context.DeadlineExceeded)
	s.Signal(5)
	require.NoError(t, <-done)
	assert.Equal(t, 1, s.Len())
}
