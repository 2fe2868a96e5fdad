// Package popup manages the single dedicated search popup window.
package popup

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/precondition/yomitan/host"
	"github.com/precondition/yomitan/ready"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultSearchPath       = "search.html"
	DefaultDiscoveryTimeout = 1000 * time.Millisecond
	DefaultReadyTimeout     = 2000 * time.Millisecond
)

// Front-end actions the manager sends.
const (
	ActionGetMode        = "getMode"
	ActionSetMode        = "setMode"
	ActionSetSearchQuery = "searchDisplayControllerUpdateSearchQuery"
	ModePopup            = "popup"
)

// Session identifies the popup tab.
type Session struct {
	TabID    int `json:"tabId"`
	WindowID int `json:"windowId"`
}

// Result is the outcome of GetOrCreate. Created is true only for the call
// that actually opened a new window.
type Result struct {
	Session Session `json:"session"`
	Created bool    `json:"created"`
}

// Options are per-call extras applied after the popup is found.
type Options struct {
	Focus bool   `json:"focus"`
	Text  string `json:"text,omitempty"`
}

// WindowOptions supplies the geometry for a new popup, normally from the
// current profile's popupWindow options.
type WindowOptions func(ctx context.Context) (host.WindowSpec, host.WindowState, error)

// Config tunes the manager. Zero values take the defaults.
type Config struct {
	SearchPath       string
	DiscoveryTimeout time.Duration
	ReadyTimeout     time.Duration
}

func (c *Config) normalize() {
	if c.SearchPath == "" {
		c.SearchPath = DefaultSearchPath
	}
	if c.DiscoveryTimeout <= 0 {
		c.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = DefaultReadyTimeout
	}
}

// Manager owns the popup session cache and the single-flight guard.
type Manager struct {
	tabs      host.TabHost
	messenger host.Messenger
	signals   *ready.Signals
	window    WindowOptions
	cfg       Config
	searchURL *url.URL
	logger    *zap.Logger

	group singleflight.Group

	mu     sync.Mutex
	cached *Session
}

// NewManager creates a manager for the search page served under origin.
func NewManager(tabs host.TabHost, messenger host.Messenger, origin host.Origin, signals *ready.Signals, window WindowOptions, cfg Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.normalize()
	u, err := url.Parse(origin.URL(cfg.SearchPath))
	if err != nil {
		return nil, err
	}
	return &Manager{
		tabs:      tabs,
		messenger: messenger,
		signals:   signals,
		window:    window,
		cfg:       cfg,
		searchURL: u,
		logger:    logger.Named("popup"),
	}, nil
}

// SearchURL is the page a popup shows.
func (m *Manager) SearchURL() string { return m.searchURL.String() }

// outcome is shared by every caller of one sequence. The first caller to
// claim it reports the creation.
type outcome struct {
	session Session
	created bool
	claimed atomic.Bool
}

func (o *outcome) result() Result {
	return Result{Session: o.session, Created: o.created && o.claimed.CompareAndSwap(false, true)}
}

// GetOrCreate returns the popup session, creating the window if none exists.
// Concurrent callers share one in-flight sequence and its outcome; a failed
// sequence does not poison later calls.
func (m *Manager) GetOrCreate(ctx context.Context, opts Options) (Result, error) {
	ch := m.group.DoChan("popup", func() (any, error) {
		// The sequence belongs to every waiter, not only the first caller.
		return m.getOrCreate(context.WithoutCancel(ctx))
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	if res.Err != nil {
		return Result{}, res.Err
	}
	out := res.Val.(*outcome).result()

	if opts.Focus {
		if err := m.tabs.FocusContext(ctx, out.Session.TabID); err != nil {
			m.logger.Warn("focusing popup failed", zap.Int("tab", out.Session.TabID), zap.Error(err))
		}
	}
	if opts.Text != "" {
		params := map[string]any{"text": opts.Text, "animate": false}
		if _, err := m.messenger.SendToContext(ctx, out.Session.TabID, 0, ActionSetSearchQuery, params); err != nil {
			m.logger.Warn("updating popup query failed", zap.Int("tab", out.Session.TabID), zap.Error(err))
		}
	}
	return out, nil
}

func (m *Manager) getOrCreate(ctx context.Context) (*outcome, error) {
	if s, ok := m.validCached(ctx); ok {
		return &outcome{session: s}, nil
	}

	if s, ok := m.discover(ctx); ok {
		m.logger.Debug("found existing popup", zap.Int("tab", s.TabID))
		m.store(&s)
		return &outcome{session: s}, nil
	}

	if !m.tabs.SupportsWindows() {
		return nil, ErrWindowsUnsupported
	}

	s, err := m.create(ctx)
	if err != nil {
		m.logger.Warn("popup creation failed", zap.Error(err))
		return nil, err
	}
	m.store(&s)
	m.logger.Info("created popup", zap.Int("tab", s.TabID), zap.Int("window", s.WindowID))
	return &outcome{session: s, created: true}, nil
}

func (m *Manager) store(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached = s
}

// validCached checks that the cached tab still exists and still shows the
// search page.
func (m *Manager) validCached(ctx context.Context) (Session, bool) {
	m.mu.Lock()
	cached := m.cached
	m.mu.Unlock()
	if cached == nil {
		return Session{}, false
	}
	info, err := m.tabs.GetContext(ctx, cached.TabID)
	if err != nil || !m.isSearchURL(info.URL) {
		m.logger.Debug("dropping stale popup session", zap.Int("tab", cached.TabID), zap.Error(err))
		m.Invalidate()
		return Session{}, false
	}
	return Session{TabID: info.ID, WindowID: info.WindowID}, true
}

// discover asks every context showing the search page whether it is in
// popup mode. Contexts that do not answer within the discovery timeout
// count as non-matches.
func (m *Manager) discover(ctx context.Context) (Session, bool) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.DiscoveryTimeout)
	defer cancel()

	infos, err := m.tabs.ListContexts(ctx)
	if err != nil {
		m.logger.Debug("listing contexts failed", zap.Error(err))
		return Session{}, false
	}

	var (
		mu    sync.Mutex
		found *Session
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, info := range infos {
		if !m.isSearchURL(info.URL) {
			continue
		}
		g.Go(func() error {
			raw, err := m.messenger.SendToContext(gctx, info.ID, 0, ActionGetMode, nil)
			if err != nil {
				return nil
			}
			var mode string
			if json.Unmarshal(raw, &mode) != nil || mode != ModePopup {
				return nil
			}
			mu.Lock()
			if found == nil {
				found = &Session{TabID: info.ID, WindowID: info.WindowID}
			}
			mu.Unlock()
			cancel()
			return nil
		})
	}
	_ = g.Wait()

	if found == nil {
		return Session{}, false
	}
	return *found, true
}

func (m *Manager) create(ctx context.Context) (Session, error) {
	spec, state, err := m.window(ctx)
	if err != nil {
		return Session{}, &Error{Type: ErrorTypeOptions, Message: err.Error(), cause: err}
	}
	spec.URL = m.SearchURL()

	info, err := m.tabs.CreateWindow(ctx, spec)
	if err != nil {
		return Session{}, &Error{Type: ErrorTypeCreate, Message: err.Error(), cause: err}
	}
	if state != "" && state != host.WindowStateNormal {
		if err := m.tabs.UpdateWindow(ctx, info.WindowID, state); err != nil {
			return Session{}, &Error{Type: ErrorTypeCreate, Message: err.Error(), cause: err}
		}
	}

	readyCtx, cancel := context.WithTimeout(ctx, m.cfg.ReadyTimeout)
	err = m.signals.Wait(readyCtx, info.ID)
	cancel()
	if err != nil {
		m.signals.Forget(info.ID)
		return Session{}, &Error{Type: ErrorTypeNotReady, Message: strconv.Itoa(info.ID), cause: err}
	}

	if _, err := m.messenger.SendToContext(ctx, info.ID, 0, ActionSetMode, map[string]any{"mode": ModePopup}); err != nil {
		return Session{}, &Error{Type: ErrorTypeDirective, Message: err.Error(), cause: err}
	}
	return Session{TabID: info.ID, WindowID: info.WindowID}, nil
}

// IsSearchPopup reports whether contextID is the cached popup tab.
func (m *Manager) IsSearchPopup(contextID int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cached != nil && m.cached.TabID == contextID
}

// Invalidate forgets the cached session.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached = nil
}

func (m *Manager) isSearchURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme == m.searchURL.Scheme && u.Host == m.searchURL.Host && u.Path == m.searchURL.Path
}
