// Package yomitan is the background process of the dictionary tool. It owns
// the operation table, the readiness gate, the settings tree and the search
// popup, and serves them to front-end contexts through the transport package.
package yomitan

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/precondition/yomitan/cbor"
	"github.com/precondition/yomitan/host"
	"github.com/precondition/yomitan/popup"
	"github.com/precondition/yomitan/profile"
	"github.com/precondition/yomitan/ready"
	"github.com/precondition/yomitan/router"
	"github.com/precondition/yomitan/settings"
	"github.com/precondition/yomitan/transport"
	"go.uber.org/zap"
)

// ActionOptionsUpdated is broadcast to every runtime after the options tree
// changed.
const ActionOptionsUpdated = "optionsUpdated"

// ActionBackendReady is sent to a frame that asked for the ready signal.
const ActionBackendReady = "backendReady"

var errNotConfigured = errors.New("not configured")

// Config wires a Backend.
type Config struct {
	// BaseURL is the origin the process serves; senders on it are privileged.
	BaseURL     string
	OptionsPath string
	// Watch reloads the options file when it changes on disk.
	Watch bool
	// Browser names the tab host in getEnvironmentInfo.
	Browser string

	Popup      popup.Config
	Transport  transport.Options
	Limits     cbor.Limits
	MaxRequest int
}

// Collaborators are the external services. Any of them may be nil; the
// operations that need a missing one fail with a collaborator error.
type Collaborators struct {
	Tabs       host.TabHost
	Dictionary host.Dictionary
	Anki       host.Anki
	Clipboard  host.Clipboard
	Segmenter  host.Segmenter
}

// Backend is the assembled background process.
type Backend struct {
	cfg    Config
	collab Collaborators
	logger *zap.Logger

	origin    *host.ExtensionOrigin
	gate      *ready.Gate
	signals   *ready.Signals
	router    *router.Router
	transport *transport.Server
	store     *settings.Store
	popups    *popup.Manager

	state atomic.Pointer[settings.State]

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	watcher *settings.Watcher
}

// New builds the backend. Nothing is served until Prepare succeeds.
func New(cfg Config, collab Collaborators, logger *zap.Logger) (*Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	origin, err := host.NewExtensionOrigin(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("base url: %w", err)
	}
	store, err := settings.NewStore(cfg.OptionsPath, logger)
	if err != nil {
		return nil, fmt.Errorf("options store: %w", err)
	}
	if collab.Tabs == nil {
		collab.Tabs = noTabs{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Backend{
		cfg:     cfg,
		collab:  collab,
		logger:  logger,
		origin:  origin,
		gate:    ready.NewGate(logger),
		signals: ready.NewSignals(),
		router:  router.New(origin, logger),
		store:   store,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, reg := range b.operations() {
		if err := b.router.Register(reg); err != nil {
			cancel()
			return nil, err
		}
	}
	b.router.Seal()

	opts := cfg.Transport
	if v, ok := collab.Tabs.(host.ContextVerifier); ok && opts.Verifier == nil {
		opts.Verifier = v
	}
	next := opts.OnDisconnect
	opts.OnDisconnect = func(contextID, frameID int) {
		b.contextGone(contextID, frameID)
		if next != nil {
			next(contextID, frameID)
		}
	}
	b.transport = transport.New(b.router, b.gate, opts, logger)
	b.transport.Channels().SetLimits(cfg.Limits)
	b.transport.Channels().SetMaxRequest(cfg.MaxRequest)

	b.popups, err = popup.NewManager(collab.Tabs, b.transport, origin, b.signals, b.popupWindow, cfg.Popup, logger)
	if err != nil {
		cancel()
		return nil, err
	}
	return b, nil
}

// Handler serves the runtime and channel endpoints.
func (b *Backend) Handler() http.Handler { return b.transport.Handler() }

// Router is the operation table.
func (b *Backend) Router() *router.Router { return b.router }

// Gate reports the preparation state.
func (b *Backend) Gate() *ready.Gate { return b.gate }

// Transport is the connection server, also the messenger for outbound calls.
func (b *Backend) Transport() *transport.Server { return b.transport }

// Popups is the search popup manager.
func (b *Backend) Popups() *popup.Manager { return b.popups }

// Prepare loads the options, compiles the profile matchers and opens the
// gate. A failure is permanent.
func (b *Backend) Prepare(ctx context.Context) error {
	return b.gate.Prepare(ctx, b.prepare)
}

func (b *Backend) prepare(ctx context.Context) error {
	options, err := b.store.Load()
	if err != nil {
		return fmt.Errorf("loading options: %w", err)
	}
	state, err := settings.NewState(options, b.logger)
	if err != nil {
		return fmt.Errorf("loading options: %w", err)
	}
	if err := state.Warm(); err != nil {
		return fmt.Errorf("compiling profiles: %w", err)
	}
	state.OnChange(b.optionsChanged)
	b.state.Store(state)

	if b.cfg.Watch {
		w, err := settings.NewWatcher(b.store, state, b.logger)
		if err != nil {
			return fmt.Errorf("watching options: %w", err)
		}
		if err := w.Start(b.ctx); err != nil {
			w.Stop()
			return fmt.Errorf("watching options: %w", err)
		}
		b.mu.Lock()
		b.watcher = w
		b.mu.Unlock()
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	b.logger.Info("backend ready", zap.String("options", b.store.Path()), zap.Int("operations", len(b.router.Names())))
	return nil
}

// Close stops the watcher and disconnects every context.
func (b *Backend) Close() error {
	b.cancel()
	err := b.transport.Close()
	b.mu.Lock()
	w := b.watcher
	b.watcher = nil
	b.mu.Unlock()
	if w != nil {
		w.Stop()
	}
	return err
}

// contextGone releases per-context state once a context's top frame is gone.
// A reloading page signals readiness again.
func (b *Backend) contextGone(contextID, frameID int) {
	if frameID != 0 {
		return
	}
	b.signals.Forget(contextID)
	b.logger.Debug("context disconnected", zap.Int("context", contextID))
}

func (b *Backend) optionsChanged(source string) {
	n := b.transport.Broadcast(ActionOptionsUpdated, map[string]string{"source": source})
	b.logger.Debug("options updated", zap.String("source", source), zap.Int("notified", n))
}

func (b *Backend) save(source string) error {
	state := b.state.Load()
	if err := b.store.Save(state.Full()); err != nil {
		b.logger.Error("saving options failed", zap.String("source", source), zap.Error(err))
		return router.Collaborator("storage", err)
	}
	return nil
}

func (b *Backend) popupWindow(context.Context) (host.WindowSpec, host.WindowState, error) {
	p, err := b.state.Load().Profile(profile.Current())
	if err != nil {
		return host.WindowSpec{}, "", err
	}
	return popup.WindowFromProfile(p.Options)
}

// noTabs stands in when no browser is attached: the popup cannot be created
// and no context is ever found.
type noTabs struct{}

func (noTabs) ListContexts(context.Context) ([]host.ContextInfo, error) { return nil, nil }
func (noTabs) SupportsWindows() bool                                    { return false }

func (noTabs) GetContext(context.Context, int) (host.ContextInfo, error) {
	return host.ContextInfo{}, host.ErrNoSuchContext
}

func (noTabs) CreateWindow(context.Context, host.WindowSpec) (host.ContextInfo, error) {
	return host.ContextInfo{}, popup.ErrWindowsUnsupported
}

func (noTabs) UpdateWindow(context.Context, int, host.WindowState) error { return host.ErrNoSuchContext }
func (noTabs) FocusContext(context.Context, int) error                   { return host.ErrNoSuchContext }
