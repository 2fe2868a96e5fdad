// Package transport serves front-end contexts over websockets: one runtime
// connection per frame for one-shot requests and events, and one connection
// per persistent channel.
package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/precondition/yomitan/actionchan"
	"github.com/precondition/yomitan/channel"
	"github.com/precondition/yomitan/host"
	"github.com/precondition/yomitan/ready"
	"github.com/precondition/yomitan/relay"
	"github.com/precondition/yomitan/router"
	"go.uber.org/zap"
)

const (
	DefaultMaxMessageBytes   = 16 << 20
	DefaultReplyTimeout      = 5 * time.Second
	DefaultRendezvousTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	helloTimeout             = 10 * time.Second
)

// Options configures the Server.
type Options struct {
	AllowedOrigins    []string // for WebSocket origin check; empty allows all
	MaxMessageBytes   int64
	ReplyTimeout      time.Duration // SendToContext wait when the caller sets no deadline
	RendezvousTimeout time.Duration // wait for a relay target to connect back
	WriteTimeout      time.Duration

	// Verifier, when set, must confirm every context id a page claims.
	Verifier     host.ContextVerifier
	// OnDisconnect is called after the current connection for a frame goes
	// away. It is not called when a newer connection replaced it.
	OnDisconnect func(contextID, frameID int)
}

func (o *Options) normalize() {
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if o.ReplyTimeout <= 0 {
		o.ReplyTimeout = DefaultReplyTimeout
	}
	if o.RendezvousTimeout <= 0 {
		o.RendezvousTimeout = DefaultRendezvousTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
}

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Server manages runtime connections and persistent channels. It is the
// process's host.Messenger and its relay.Connector.
type Server struct {
	router   *router.Router
	gate     *ready.Gate
	channels *actionchan.Server
	relay    *relay.Relay
	opts     Options
	upgrader websocket.Upgrader
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	runtimes map[frameKey]*runtimeConn
	sessions map[string]*runtimeConn
	targets  map[string]chan channel.Port
}

// New creates a server dispatching to r. Nothing is handled before gate is
// ready.
func New(r *router.Router, gate *ready.Gate, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		router:   r,
		gate:     gate,
		opts:     opts,
		upgrader: makeUpgrader(opts.AllowedOrigins),
		logger:   logger.Named("transport"),
		ctx:      ctx,
		cancel:   cancel,
		runtimes: make(map[frameKey]*runtimeConn),
		sessions: make(map[string]*runtimeConn),
		targets:  make(map[string]chan channel.Port),
	}
	s.channels = actionchan.NewServer(r, logger)
	s.relay = relay.New(s, logger)
	return s
}

// Channels is the action-channel server, for tuning its limits.
func (s *Server) Channels() *actionchan.Server { return s.channels }

// Relay exposes the relay for its pair count.
func (s *Server) Relay() *relay.Relay { return s.relay }

// Handler serves /runtime and /connect.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /runtime", s.handleRuntime)
	mux.HandleFunc("GET /connect", s.handleConnect)
	return mux
}

// track registers a connection goroutine unless the server is closing.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

// Close disconnects everything and waits for connection goroutines.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*runtimeConn, 0, len(s.sessions))
	for _, rc := range s.sessions {
		conns = append(conns, rc)
	}
	s.mu.Unlock()

	s.cancel()
	for _, rc := range conns {
		rc.close()
	}
	s.relay.Close()
	s.wg.Wait()
	return nil
}
