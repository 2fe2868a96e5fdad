package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/precondition/yomitan/host"
	"github.com/precondition/yomitan/router"
	"go.uber.org/zap"
)

// ErrNotHandled is returned by SendToContext when the context declined the
// action.
var ErrNotHandled = errors.New("action not handled by context")

type frameKey struct {
	contextID int
	frameID   int
}

type runtimeConn struct {
	id           string
	sender       host.Sender
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Envelope
	closed  bool
	done    chan struct{}
}

func (rc *runtimeConn) write(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	_ = rc.conn.SetWriteDeadline(time.Now().Add(rc.writeTimeout))
	return rc.conn.WriteMessage(websocket.TextMessage, data)
}

func (rc *runtimeConn) close() {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return
	}
	rc.closed = true
	close(rc.done)
	rc.mu.Unlock()
	_ = rc.conn.Close()
}

func (rc *runtimeConn) deliver(env Envelope) bool {
	rc.mu.Lock()
	ch, ok := rc.pending[env.ID]
	delete(rc.pending, env.ID)
	rc.mu.Unlock()
	if ok {
		ch <- env
	}
	return ok
}

func (rc *runtimeConn) call(ctx context.Context, action string, params any) (json.RawMessage, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding params for %s: %w", action, err)
	}
	id := uuid.NewString()
	ch := make(chan Envelope, 1)

	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return nil, host.ErrNoSuchContext
	}
	rc.pending[id] = ch
	rc.mu.Unlock()
	defer func() {
		rc.mu.Lock()
		delete(rc.pending, id)
		rc.mu.Unlock()
	}()

	if err := rc.write(Envelope{Type: TypeRequest, ID: id, Action: action, Params: data}); err != nil {
		return nil, fmt.Errorf("sending %s: %w", action, err)
	}

	select {
	case env := <-ch:
		switch {
		case env.Declined:
			return nil, fmt.Errorf("%w: %s", ErrNotHandled, action)
		case env.Error != nil:
			return nil, env.Error
		case len(env.Result) == 0:
			return json.RawMessage("null"), nil
		default:
			return env.Result, nil
		}
	case <-rc.done:
		return nil, host.ErrNoSuchContext
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendToContext sends one request to a connected frame and waits for its
// reply.
func (s *Server) SendToContext(ctx context.Context, contextID, frameID int, action string, params any) (json.RawMessage, error) {
	s.mu.Lock()
	rc := s.runtimes[frameKey{contextID, frameID}]
	s.mu.Unlock()
	if rc == nil {
		return nil, host.ErrNoSuchContext
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.ReplyTimeout)
		defer cancel()
	}
	return rc.call(ctx, action, params)
}

// Notify sends a one-way event to one connected frame.
func (s *Server) Notify(contextID, frameID int, action string, params any) error {
	s.mu.Lock()
	rc := s.runtimes[frameKey{contextID, frameID}]
	s.mu.Unlock()
	if rc == nil {
		return host.ErrNoSuchContext
	}
	env, err := eventFor(action, params)
	if err != nil {
		return err
	}
	return rc.write(env)
}

// Broadcast sends a one-way event to every connected runtime and returns the
// number of connections written to.
func (s *Server) Broadcast(action string, params any) int {
	env, err := eventFor(action, params)
	if err != nil {
		s.logger.Warn("encoding broadcast failed", zap.String("action", action), zap.Error(err))
		return 0
	}
	s.mu.Lock()
	conns := make([]*runtimeConn, 0, len(s.sessions))
	for _, rc := range s.sessions {
		conns = append(conns, rc)
	}
	s.mu.Unlock()

	n := 0
	for _, rc := range conns {
		if err := rc.write(env); err != nil {
			s.logger.Debug("broadcast write failed", zap.String("session", rc.id), zap.Error(err))
			continue
		}
		n++
	}
	return n
}

func eventFor(action string, params any) (Envelope, error) {
	env := Envelope{Type: TypeEvent, Action: action}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return Envelope{}, fmt.Errorf("encoding params for %s: %w", action, err)
		}
		env.Params = data
	}
	return env, nil
}

func (s *Server) handleRuntime(w http.ResponseWriter, req *http.Request) {
	if !s.track() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.logger.Warn("runtime websocket upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()
	conn.SetReadLimit(s.opts.MaxMessageBytes)

	// Read the hello message.
	_ = conn.SetReadDeadline(time.Now().Add(helloTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		s.logger.Warn("runtime hello read failed", zap.Error(err))
		return
	}
	var hello Envelope
	if err := json.Unmarshal(msg, &hello); err != nil || hello.Type != TypeHello {
		s.logger.Warn("expected hello", zap.ByteString("message", msg))
		closeWith(conn, websocket.CloseProtocolError, "expected hello")
		return
	}
	if origin := req.Header.Get("Origin"); origin != "" && !sameOrigin(origin, hello.URL) {
		s.logger.Warn("hello url does not match origin", zap.String("origin", origin), zap.String("url", hello.URL))
		closeWith(conn, websocket.ClosePolicyViolation, "url does not match origin")
		return
	}
	sender, err := s.senderFromHello(req.Context(), hello)
	if err != nil {
		s.logger.Warn("runtime hello rejected", zap.String("url", hello.URL), zap.Error(err))
		closeWith(conn, websocket.ClosePolicyViolation, err.Error())
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	rc := &runtimeConn{
		id:           uuid.NewString(),
		sender:       sender,
		conn:         conn,
		writeTimeout: s.opts.WriteTimeout,
		pending:      make(map[string]chan Envelope),
		done:         make(chan struct{}),
	}
	if !s.register(rc) {
		return
	}
	defer s.unregister(rc)

	if err := rc.write(Envelope{Type: TypeHello, Session: rc.id}); err != nil {
		return
	}
	log := s.logger.With(zap.String("session", rc.id), zap.String("url", hello.URL))
	log.Debug("runtime connected")

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("runtime read failed", zap.Error(err))
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			log.Warn("runtime message parse failed", zap.Error(err))
			continue
		}
		s.handleEnvelope(rc, env, log)
	}
}

// senderFromHello resolves who a connecting frame is. A page opened by the
// tab host carries its context id in its URL; that id wins over, and must
// agree with, any id in the hello itself.
func (s *Server) senderFromHello(ctx context.Context, hello Envelope) (host.Sender, error) {
	sender := host.Sender{ContextID: hello.ContextID, FrameID: hello.FrameID, URL: hello.URL}
	if id, ok := host.ContextIDFromURL(hello.URL); ok {
		if hello.ContextID != nil && *hello.ContextID != id {
			return host.Sender{}, fmt.Errorf("%w: hello claims context %d, url carries %d", host.ErrContextMismatch, *hello.ContextID, id)
		}
		sender.ContextID = &id
		if sender.FrameID == nil {
			top := 0
			sender.FrameID = &top
		}
	}
	c, f, ok := sender.IDs()
	if !ok || s.opts.Verifier == nil {
		return sender, nil
	}
	ctx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()
	if err := s.opts.Verifier.VerifyContext(ctx, c, f, hello.URL); err != nil {
		return host.Sender{}, fmt.Errorf("context %d frame %d: %w", c, f, err)
	}
	return sender, nil
}

func (s *Server) handleEnvelope(rc *runtimeConn, env Envelope, log *zap.Logger) {
	switch env.Type {
	case TypeResponse:
		if !rc.deliver(env) {
			log.Debug("response for unknown request", zap.String("id", env.ID))
		}
	case TypeRequest:
		s.run(env.Action, func() {
			if err := s.gate.Wait(s.ctx); err != nil {
				// No response: the caller observes silence.
				return
			}
			resp, handled := s.router.Dispatch(s.ctx, router.Message{Action: env.Action, Params: env.Params}, rc.sender)
			if err := rc.write(responseFor(env.ID, resp, handled)); err != nil {
				log.Debug("writing response failed", zap.String("action", env.Action), zap.Error(err))
			}
		})
	case TypeEvent:
		s.run(env.Action, func() {
			if err := s.gate.Wait(s.ctx); err != nil {
				return
			}
			if resp, handled := s.router.Dispatch(s.ctx, router.Message{Action: env.Action, Params: env.Params}, rc.sender); handled && resp.Error != nil {
				log.Debug("event failed", zap.String("action", env.Action), zap.Error(resp.Error))
			}
		})
	default:
		log.Warn("unknown runtime message type", zap.String("type", env.Type))
	}
}

// run executes fn inline for sync operations, preserving arrival order, and
// on its own goroutine for async ones.
func (s *Server) run(action string, fn func()) {
	if reg, ok := s.router.Lookup(action); !ok || !reg.Async {
		fn()
		return
	}
	if !s.track() {
		return
	}
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Server) register(rc *runtimeConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[rc.id] = rc
	if c, f, ok := rc.sender.IDs(); ok {
		if old := s.runtimes[frameKey{c, f}]; old != nil {
			old.close()
		}
		s.runtimes[frameKey{c, f}] = rc
	}
	return true
}

func (s *Server) unregister(rc *runtimeConn) {
	s.mu.Lock()
	delete(s.sessions, rc.id)
	c, f, ok := rc.sender.IDs()
	current := ok && s.runtimes[frameKey{c, f}] == rc
	if current {
		delete(s.runtimes, frameKey{c, f})
	}
	s.mu.Unlock()
	rc.close()
	if current && s.opts.OnDisconnect != nil {
		s.opts.OnDisconnect(c, f)
	}
}

func (s *Server) senderFor(session string) host.Sender {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rc := s.sessions[session]; rc != nil {
		return rc.sender
	}
	return host.Sender{}
}

func sameOrigin(origin, raw string) bool {
	o, err := url.Parse(origin)
	if err != nil {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.EqualFold(o.Scheme, u.Scheme) && strings.EqualFold(o.Host, u.Host)
}

func closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}
