package transport

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/precondition/yomitan/channel"
	"go.uber.org/zap"
)

// ActionOpenRelayTarget asks a frame to open a relay-target channel back to
// the process. Params carry the channel name to connect with.
const ActionOpenRelayTarget = "openRelayTarget"

// handleConnect opens a persistent channel. The descriptor is decoded once,
// here, and selects the one component that owns the channel.
func (s *Server) handleConnect(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	desc, err := channel.ParseDescriptor(q.Get("name"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sender := s.senderFor(q.Get("session"))

	if !s.track() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.logger.Warn("channel websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(s.opts.MaxMessageBytes)
	port := newPort(conn, desc, sender, s.opts.WriteTimeout)
	defer port.Close()

	if err := s.gate.Wait(s.ctx); err != nil {
		return
	}

	switch desc.Kind {
	case channel.KindActionChannel:
		s.channels.Serve(s.ctx, port)
	case channel.KindRelayRequest:
		pair, err := s.relay.Open(s.ctx, port)
		if err != nil {
			return
		}
		select {
		case <-pair.Done():
		case <-s.ctx.Done():
		}
	case channel.KindRelayTarget:
		if !s.acceptTarget(desc.Token, port) {
			s.logger.Debug("relay target with unknown token", zap.String("channel", port.ID()))
			return
		}
		select {
		case <-port.Done():
		case <-s.ctx.Done():
		}
	}
}

func (s *Server) acceptTarget(token string, port channel.Port) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.targets[token]
	if !ok {
		return false
	}
	delete(s.targets, token)
	ch <- port
	return true
}

// OpenTarget asks the frame to connect back with a relay-target channel and
// waits for it.
func (s *Server) OpenTarget(ctx context.Context, contextID, frameID int) (channel.Port, error) {
	token := uuid.NewString()
	ch := make(chan channel.Port, 1)
	s.mu.Lock()
	s.targets[token] = ch
	s.mu.Unlock()
	forget := func() {
		s.mu.Lock()
		delete(s.targets, token)
		s.mu.Unlock()
		select {
		case p := <-ch:
			p.Close()
		default:
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.RendezvousTimeout)
	defer cancel()

	params := map[string]any{"name": channel.RelayTarget(token).Name()}
	if _, err := s.SendToContext(ctx, contextID, frameID, ActionOpenRelayTarget, params); err != nil {
		forget()
		return nil, err
	}
	select {
	case p := <-ch:
		return p, nil
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}
