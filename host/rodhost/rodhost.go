// Package rodhost implements host.TabHost over the Chrome DevTools Protocol
// using go-rod. Page targets are the front-end contexts; their string target
// ids are mapped to stable integer context ids for the life of the host.
// Windows it opens learn their id from the host.ContextParam query
// parameter, and pages claiming an id are checked against the target.
package rodhost

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/precondition/yomitan/host"
	"go.uber.org/zap"
)

// Config selects the browser to drive.
type Config struct {
	DebuggerURL string // connect to a running browser when set
	Bin         string // browser binary to launch otherwise; empty uses the launcher default
	Headless    bool
}

// Host is a host.TabHost backed by one browser connection.
type Host struct {
	browser *rod.Browser
	ids     *idTable
	logger  *zap.Logger
}

var (
	_ host.TabHost         = (*Host)(nil)
	_ host.ContextVerifier = (*Host)(nil)
)

// Connect attaches to the configured browser, launching one if needed.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*Host, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	controlURL := cfg.DebuggerURL
	if controlURL == "" {
		l := launcher.New().Headless(cfg.Headless)
		if cfg.Bin != "" {
			l = l.Bin(cfg.Bin)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect to browser: %w", err)
	}
	logger = logger.Named("rodhost")
	logger.Info("connected to browser", zap.String("controlURL", controlURL))
	return &Host{browser: browser, ids: newIDTable(), logger: logger}, nil
}

// Close disconnects from the browser.
func (h *Host) Close() error {
	return h.browser.Close()
}

func (h *Host) ListContexts(ctx context.Context) ([]host.ContextInfo, error) {
	b := h.browser.Context(ctx)
	res, err := proto.TargetGetTargets{}.Call(b)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	out := make([]host.ContextInfo, 0, len(res.TargetInfos))
	for _, info := range res.TargetInfos {
		if info.Type != proto.TargetTargetInfoTypePage {
			continue
		}
		ci, err := h.describe(b, info)
		if err != nil {
			h.logger.Debug("skipping target", zap.String("target", string(info.TargetID)), zap.Error(err))
			continue
		}
		out = append(out, ci)
	}
	return out, nil
}

func (h *Host) GetContext(ctx context.Context, id int) (host.ContextInfo, error) {
	target, ok := h.ids.target(id)
	if !ok {
		return host.ContextInfo{}, host.ErrNoSuchContext
	}
	b := h.browser.Context(ctx)
	res, err := proto.TargetGetTargetInfo{TargetID: target}.Call(b)
	if err != nil {
		h.ids.forget(target)
		return host.ContextInfo{}, fmt.Errorf("%w: %v", host.ErrNoSuchContext, err)
	}
	return h.describe(b, res.TargetInfo)
}

func (h *Host) describe(b *rod.Browser, info *proto.TargetTargetInfo) (host.ContextInfo, error) {
	win, err := proto.BrowserGetWindowForTarget{TargetID: info.TargetID}.Call(b)
	if err != nil {
		return host.ContextInfo{}, err
	}
	return host.ContextInfo{
		ID:       h.ids.intern(info.TargetID),
		WindowID: int(win.WindowID),
		URL:      info.URL,
	}, nil
}

// SupportsWindows is always true: CDP can open a target in a new window in
// both headed and headless browsers.
func (h *Host) SupportsWindows() bool { return true }

// CreateWindow opens spec.URL in a new window. CDP has no popup-type
// windows, so spec.Type only affects the log line.
func (h *Host) CreateWindow(ctx context.Context, spec host.WindowSpec) (host.ContextInfo, error) {
	id := h.ids.reserve()
	pageURL, err := host.WithContextID(spec.URL, id)
	if err != nil {
		return host.ContextInfo{}, fmt.Errorf("window url: %w", err)
	}
	h.logger.Debug("creating window", zap.Int("context", id), zap.String("type", string(spec.Type)), zap.String("url", pageURL))

	b := h.browser.Context(ctx)
	res, err := proto.TargetCreateTarget{URL: pageURL, NewWindow: true}.Call(b)
	if err != nil {
		return host.ContextInfo{}, fmt.Errorf("create target: %w", err)
	}
	h.ids.bind(id, res.TargetID)
	win, err := proto.BrowserGetWindowForTarget{TargetID: res.TargetID}.Call(b)
	if err != nil {
		return host.ContextInfo{}, fmt.Errorf("window for target: %w", err)
	}

	bounds := &proto.BrowserBounds{Left: spec.Left, Top: spec.Top}
	if spec.Width > 0 {
		bounds.Width = &spec.Width
	}
	if spec.Height > 0 {
		bounds.Height = &spec.Height
	}
	if err := (proto.BrowserSetWindowBounds{WindowID: win.WindowID, Bounds: bounds}).Call(b); err != nil {
		h.logger.Warn("setting popup bounds failed", zap.Error(err))
	}

	return host.ContextInfo{
		ID:       id,
		WindowID: int(win.WindowID),
		URL:      pageURL,
	}, nil
}

// VerifyContext checks a connecting page against the target behind
// contextID. Top frames must show the target's page; subframes are only
// checked for a live target.
func (h *Host) VerifyContext(ctx context.Context, contextID, frameID int, pageURL string) error {
	target, ok := h.ids.target(contextID)
	if !ok {
		return host.ErrNoSuchContext
	}
	res, err := proto.TargetGetTargetInfo{TargetID: target}.Call(h.browser.Context(ctx))
	if err != nil {
		return fmt.Errorf("%w: %v", host.ErrNoSuchContext, err)
	}
	if frameID != 0 {
		return nil
	}
	return claimMatches(contextID, res.TargetInfo.URL, pageURL)
}

func claimMatches(contextID int, targetURL, pageURL string) error {
	t, err := url.Parse(targetURL)
	if err != nil {
		return host.ErrContextMismatch
	}
	p, err := url.Parse(pageURL)
	if err != nil {
		return host.ErrContextMismatch
	}
	if !strings.EqualFold(t.Scheme, p.Scheme) || !strings.EqualFold(t.Host, p.Host) || t.Path != p.Path {
		return host.ErrContextMismatch
	}
	if id, ok := host.ContextIDFromURL(targetURL); ok && id != contextID {
		return host.ErrContextMismatch
	}
	return nil
}

func (h *Host) UpdateWindow(ctx context.Context, windowID int, state host.WindowState) error {
	b := h.browser.Context(ctx)
	bounds := &proto.BrowserBounds{WindowState: proto.BrowserWindowState(state)}
	return proto.BrowserSetWindowBounds{WindowID: proto.BrowserWindowID(windowID), Bounds: bounds}.Call(b)
}

func (h *Host) FocusContext(ctx context.Context, id int) error {
	target, ok := h.ids.target(id)
	if !ok {
		return host.ErrNoSuchContext
	}
	return proto.TargetActivateTarget{TargetID: target}.Call(h.browser.Context(ctx))
}

// idTable maps CDP target ids to small stable integers.
type idTable struct {
	mu    sync.Mutex
	next  int
	byID  map[int]proto.TargetTargetID
	byTgt map[proto.TargetTargetID]int
}

func newIDTable() *idTable {
	return &idTable{
		next:  1,
		byID:  make(map[int]proto.TargetTargetID),
		byTgt: make(map[proto.TargetTargetID]int),
	}
}

func (t *idTable) intern(target proto.TargetTargetID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.byTgt[target]; ok {
		return id
	}
	id := t.next
	t.next++
	t.byID[id] = target
	t.byTgt[target] = id
	return id
}

// reserve hands out an id before its target exists. An id whose target is
// never bound is simply skipped.
func (t *idTable) reserve() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.next
	t.next++
	return id
}

func (t *idTable) bind(id int, target proto.TargetTargetID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.byTgt[target]; ok {
		delete(t.byID, old)
	}
	t.byID[id] = target
	t.byTgt[target] = id
}

func (t *idTable) target(id int) (proto.TargetTargetID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	target, ok := t.byID[id]
	return target, ok
}

func (t *idTable) forget(target proto.TargetTargetID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.byTgt[target]; ok {
		delete(t.byID, id)
		delete(t.byTgt, target)
	}
}
