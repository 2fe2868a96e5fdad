// Package channel models persistent bidirectional channels between the
// background process and a front-end context.
package channel

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/precondition/yomitan/host"
)

// ErrClosed is returned by Send and Receive once a port is closed.
var ErrClosed = errors.New("channel: closed")

// Port is one end of a channel. Close is symmetric (the peer end observes
// it) and safe to call more than once.
type Port interface {
	ID() string
	Descriptor() Descriptor
	Sender() host.Sender
	Send(ctx context.Context, msg []byte) error
	// Receive blocks for the next message. Messages sent before the peer
	// closed are still delivered, then Receive returns ErrClosed.
	Receive(ctx context.Context) ([]byte, error)
	Close() error
	// Done is closed when the port is closed from either end.
	Done() <-chan struct{}
}

// NewID returns a fresh random channel id (16 random bytes, hex encoded).
func NewID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// pipeState is shared by both ends of a Pipe.
type pipeState struct {
	once sync.Once
	done chan struct{}
}

func (s *pipeState) close() {
	s.once.Do(func() { close(s.done) })
}

// pipeEnd is one end of an in-memory channel.
type pipeEnd struct {
	id     string
	desc   Descriptor
	sender host.Sender
	state  *pipeState
	in     chan []byte
	out    chan []byte
}

// Pipe returns two connected ports sharing one id. Messages sent on one end
// are received on the other in order. buffer is the per-direction queue
// length; Send blocks when it is full.
func Pipe(desc Descriptor, a, b host.Sender, buffer int) (Port, Port) {
	id := NewID()
	state := &pipeState{done: make(chan struct{})}
	ab := make(chan []byte, buffer)
	ba := make(chan []byte, buffer)
	return &pipeEnd{id: id, desc: desc, sender: a, state: state, in: ba, out: ab},
		&pipeEnd{id: id, desc: desc, sender: b, state: state, in: ab, out: ba}
}

func (p *pipeEnd) ID() string             { return p.id }
func (p *pipeEnd) Descriptor() Descriptor { return p.desc }
func (p *pipeEnd) Sender() host.Sender    { return p.sender }
func (p *pipeEnd) Done() <-chan struct{}  { return p.state.done }

func (p *pipeEnd) Send(ctx context.Context, msg []byte) error {
	select {
	case <-p.state.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- msg:
		return nil
	case <-p.state.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	default:
	}
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.state.done:
		// Drain what was queued before the close.
		select {
		case msg := <-p.in:
			return msg, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.state.close()
	return nil
}
