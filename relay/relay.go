// Package relay pairs two independently opened channels so that messages
// sent on one arrive on the other.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/precondition/yomitan/channel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Error represents a relay that could not be established.
type Error struct {
	Type    ErrorType
	Message string
}

type ErrorType int

const (
	ErrorTypeMissingSender ErrorType = iota
	ErrorTypeBadDescriptor
	ErrorTypeOpenFailed
	ErrorTypeClosed
)

func (e *Error) Error() string {
	switch e.Type {
	case ErrorTypeMissingSender:
		return "relay: opener has no context or frame id"
	case ErrorTypeBadDescriptor:
		return fmt.Sprintf("relay: bad descriptor: %s", e.Message)
	case ErrorTypeOpenFailed:
		return fmt.Sprintf("relay: opening target failed: %s", e.Message)
	case ErrorTypeClosed:
		return "relay: shut down"
	default:
		return fmt.Sprintf("relay error: %s", e.Message)
	}
}

// Connector opens the second channel of a relay, toward a context/frame,
// tagged so the remote end treats it as a relay target.
type Connector interface {
	OpenTarget(ctx context.Context, contextID, frameID int) (channel.Port, error)
}

// Relay owns every active pair.
type Relay struct {
	connector Connector
	logger    *zap.Logger

	mu     sync.Mutex
	pairs  map[*Pair]struct{}
	closed bool
	wg     sync.WaitGroup
}

// New creates a relay that opens targets through connector.
func New(connector Connector, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		connector: connector,
		logger:    logger.Named("relay"),
		pairs:     make(map[*Pair]struct{}),
	}
}

// Pair is two channels bound together for their joint lifetime.
type Pair struct {
	opener channel.Port
	target channel.Port
	once   sync.Once
	done   chan struct{}
}

// Done is closed once both channels are closed.
func (p *Pair) Done() <-chan struct{} { return p.done }

// cleanup closes both ends. Only the first call acts.
func (p *Pair) cleanup() {
	p.once.Do(func() {
		p.opener.Close()
		p.target.Close()
		close(p.done)
	})
}

// Open pairs opener with a new channel toward the target its descriptor
// names. The target context defaults to the opener's own. On failure the
// opener is closed; there is no retry.
func (r *Relay) Open(ctx context.Context, opener channel.Port) (*Pair, error) {
	openerContext, openerFrame, ok := opener.Sender().IDs()
	if !ok {
		opener.Close()
		r.logger.Warn("relay request without sender ids", zap.String("channel", opener.ID()))
		return nil, &Error{Type: ErrorTypeMissingSender}
	}

	desc := opener.Descriptor()
	if desc.Kind != channel.KindRelayRequest || desc.TargetFrameID == nil {
		opener.Close()
		return nil, &Error{Type: ErrorTypeBadDescriptor, Message: fmt.Sprintf("kind %q", desc.Kind)}
	}
	targetContext := openerContext
	if desc.TargetContextID != nil {
		targetContext = *desc.TargetContextID
	}
	targetFrame := *desc.TargetFrameID

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		opener.Close()
		return nil, &Error{Type: ErrorTypeClosed}
	}

	target, err := r.connector.OpenTarget(ctx, targetContext, targetFrame)
	if err != nil {
		opener.Close()
		r.logger.Warn("relay target unavailable",
			zap.Int("openerContext", openerContext),
			zap.Int("openerFrame", openerFrame),
			zap.Int("targetContext", targetContext),
			zap.Int("targetFrame", targetFrame),
			zap.Error(err))
		return nil, &Error{Type: ErrorTypeOpenFailed, Message: err.Error()}
	}

	p := &Pair{opener: opener, target: target, done: make(chan struct{})}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		p.cleanup()
		return nil, &Error{Type: ErrorTypeClosed}
	}
	r.pairs[p] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	r.logger.Debug("relay established",
		zap.Int("openerContext", openerContext),
		zap.Int("targetContext", targetContext),
		zap.Int("targetFrame", targetFrame))

	go r.run(p)
	return p, nil
}

// run pumps both directions. When either side closes, both are closed.
func (r *Relay) run(p *Pair) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.pairs, p)
		r.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.pump(gctx, p, p.opener, p.target) })
	g.Go(func() error { return r.pump(gctx, p, p.target, p.opener) })
	if err := g.Wait(); err != nil && !errors.Is(err, channel.ErrClosed) && !errors.Is(err, context.Canceled) {
		r.logger.Debug("relay ended", zap.Error(err))
	}
}

// pump forwards src to dst verbatim, preserving order.
func (r *Relay) pump(ctx context.Context, p *Pair, src, dst channel.Port) error {
	defer p.cleanup()
	for {
		msg, err := src.Receive(ctx)
		if err != nil {
			return err
		}
		if err := dst.Send(ctx, msg); err != nil {
			return err
		}
	}
}

// Active returns the number of live pairs.
func (r *Relay) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pairs)
}

// Close tears down every pair and waits for their pumps.
func (r *Relay) Close() {
	r.mu.Lock()
	r.closed = true
	pairs := make([]*Pair, 0, len(r.pairs))
	for p := range r.pairs {
		pairs = append(pairs, p)
	}
	r.mu.Unlock()

	for _, p := range pairs {
		p.cleanup()
	}
	r.wg.Wait()
}
