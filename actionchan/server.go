// Package actionchan runs streaming operations over persistent channels.
//
// A caller opens an action channel, sends its request as one or more
// fragments, then sends invoke. The server acknowledges, forwards progress
// notifications from the handler in order, and finishes with exactly one
// complete or error message.
package actionchan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/precondition/yomitan/cbor"
	"github.com/precondition/yomitan/channel"
	"github.com/precondition/yomitan/host"
	"github.com/precondition/yomitan/router"
	"go.uber.org/zap"
)

// DefaultMaxRequest bounds the accumulated request size.
const DefaultMaxRequest = 16 << 20

// State is the lifecycle of one action channel.
type State int

const (
	StateIdle State = iota
	StateAccumulating
	StateInvoked
	StateCompleted
	StateFailed
	// StateAbandoned means the channel closed before invoke. Nothing was sent.
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccumulating:
		return "accumulating"
	case StateInvoked:
		return "invoked"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Invoker resolves and runs an operation. *router.Router implements it.
type Invoker interface {
	Invoke(ctx context.Context, msg router.Message, sender host.Sender, progress router.ProgressFunc) (router.Response, bool)
}

// Server serves action channels.
type Server struct {
	invoker    Invoker
	logger     *zap.Logger
	maxRequest int
	limits     cbor.Limits
}

// NewServer creates a server dispatching to invoker.
func NewServer(invoker Invoker, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		invoker:    invoker,
		logger:     logger.Named("actionchan"),
		maxRequest: DefaultMaxRequest,
		limits:     cbor.DefaultLimits(),
	}
}

// SetLimits bounds each inbound frame. Out-of-range values take defaults.
func (s *Server) SetLimits(l cbor.Limits) {
	s.limits = l.Normalize()
}

// SetMaxRequest bounds the accumulated request size. Non-positive values
// restore the default.
func (s *Server) SetMaxRequest(n int) {
	if n <= 0 {
		n = DefaultMaxRequest
	}
	s.maxRequest = n
}

// Serve runs the protocol on port until it reaches a final state, then
// returns that state. The port is closed on return.
func (s *Server) Serve(ctx context.Context, port channel.Port) State {
	defer port.Close()

	codec, err := CodecFor(port.Descriptor().Codec)
	if err != nil {
		s.logger.Warn("rejecting action channel", zap.Error(err))
		return StateFailed
	}
	out := &writer{port: port, codec: codec, logger: s.logger}
	log := s.logger.With(zap.String("channel", port.ID()))

	state := StateIdle
	var buf bytes.Buffer
	for {
		data, err := port.Receive(ctx)
		if err != nil {
			// The close is the signal; nothing is emitted.
			log.Debug("action channel closed before invoke", zap.Stringer("state", state))
			return StateAbandoned
		}
		if len(data) > s.limits.MaxFrame {
			out.fail(ctx, router.Malformed("frame of %d bytes exceeds %d", len(data), s.limits.MaxFrame))
			return StateFailed
		}
		frame, err := codec.Decode(data)
		if err != nil {
			out.fail(ctx, router.Malformed("%v", err))
			return StateFailed
		}

		switch frame.Type {
		case cbor.FrameTypeFragment:
			if buf.Len()+len(frame.Payload) > s.maxRequest {
				out.fail(ctx, router.Malformed("request exceeds %d bytes", s.maxRequest))
				return StateFailed
			}
			buf.Write(frame.Payload)
			state = StateAccumulating
		case cbor.FrameTypeInvoke:
			return s.invoke(ctx, port, out, buf.Bytes(), log)
		default:
			out.fail(ctx, router.Malformed("unexpected %s message before invoke", frame.Type))
			return StateFailed
		}
	}
}

func (s *Server) invoke(ctx context.Context, port channel.Port, out *writer, request []byte, log *zap.Logger) State {
	var msg router.Message
	if err := json.Unmarshal(request, &msg); err != nil {
		out.fail(ctx, router.Malformed("request is not valid JSON: %v", err))
		return StateFailed
	}
	if msg.Action == "" {
		out.fail(ctx, router.Malformed("request has no action"))
		return StateFailed
	}
	if err := out.send(ctx, cbor.NewAck()); err != nil {
		return StateFailed
	}

	// Further messages on the channel are read and ignored so the peer never
	// blocks; a close cancels the handler.
	hctx, cancel := context.WithCancel(ctx)
	defer cancel()
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for {
			if _, err := port.Receive(hctx); err != nil {
				cancel()
				return
			}
		}
	}()

	resp, handled := s.invoker.Invoke(hctx, msg, port.Sender(), out.progress(hctx))

	state := StateCompleted
	switch {
	case !handled:
		state = StateFailed
		out.fail(ctx, &router.Error{Type: router.ErrorTypeUnknownAction, Message: msg.Action})
	case resp.Error != nil:
		state = StateFailed
		out.fail(ctx, resp.Error)
	default:
		if err := out.complete(ctx, resp.Result); err != nil {
			state = StateFailed
		}
	}
	log.Debug("action channel finished", zap.String("action", msg.Action), zap.Stringer("state", state))

	cancel()
	<-drained
	return state
}

// writer serializes outbound frames and enforces a single terminal frame.
type writer struct {
	port   channel.Port
	codec  Codec
	logger *zap.Logger

	mu       sync.Mutex
	seq      uint64
	terminal bool
}

var errTerminated = errors.New("action channel already terminated")

func (w *writer) send(ctx context.Context, f *cbor.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sendLocked(ctx, f)
}

func (w *writer) sendLocked(ctx context.Context, f *cbor.Frame) error {
	if w.terminal {
		return errTerminated
	}
	if f.IsTerminal() {
		w.terminal = true
	}
	data, err := w.codec.Encode(f)
	if err != nil {
		w.logger.Warn("encoding frame", zap.Stringer("type", f.Type), zap.Error(err))
		return err
	}
	if err := w.port.Send(ctx, data); err != nil {
		w.logger.Debug("sending frame", zap.Stringer("type", f.Type), zap.Error(err))
		return err
	}
	return nil
}

// progress returns the emitter handed to the handler. Each call sends one
// progress message carrying its arguments as a JSON array.
func (w *writer) progress(ctx context.Context) router.ProgressFunc {
	return func(data ...any) {
		if data == nil {
			data = []any{}
		}
		payload, err := json.Marshal(data)
		if err != nil {
			w.logger.Warn("dropping unencodable progress", zap.Error(err))
			return
		}
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.terminal {
			return
		}
		seq := w.seq
		w.seq++
		_ = w.sendLocked(ctx, cbor.NewProgress(seq, payload))
	}
}

func (w *writer) complete(ctx context.Context, result any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		w.fail(ctx, router.Malformed("result is not encodable: %v", err))
		return err
	}
	return w.send(ctx, cbor.NewComplete(payload))
}

func (w *writer) fail(ctx context.Context, err error) {
	payload, merr := json.Marshal(router.Serialize(err))
	if merr != nil {
		payload = []byte(`{"name":"Error","message":"unencodable error"}`)
	}
	_ = w.send(ctx, cbor.NewError(payload))
}
