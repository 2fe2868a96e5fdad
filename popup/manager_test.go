package popup

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/precondition/yomitan/host"
	"github.com/precondition/yomitan/ready"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const base = "http://127.0.0.1:8765/"

type fakeTabs struct {
	mu       sync.Mutex
	contexts map[int]host.ContextInfo
	nextID   int
	windows  bool
	creates  int
	specs    []host.WindowSpec
	states   []host.WindowState
	focused  []int
	gate     chan struct{} // when set, CreateWindow blocks on it
	started  chan struct{}
	onCreate func(info host.ContextInfo)
}

func newFakeTabs() *fakeTabs {
	return &fakeTabs{contexts: map[int]host.ContextInfo{}, nextID: 100, windows: true}
}

func (f *fakeTabs) add(id int, url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contexts[id] = host.ContextInfo{ID: id, WindowID: id * 10, URL: url}
}

func (f *fakeTabs) remove(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.contexts, id)
}

func (f *fakeTabs) ListContexts(ctx context.Context) ([]host.ContextInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]host.ContextInfo, 0, len(f.contexts))
	for _, c := range f.contexts {
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeTabs) GetContext(ctx context.Context, id int) (host.ContextInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contexts[id]
	if !ok {
		return host.ContextInfo{}, host.ErrNoSuchContext
	}
	return c, nil
}

func (f *fakeTabs) SupportsWindows() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.windows
}

func (f *fakeTabs) CreateWindow(ctx context.Context, spec host.WindowSpec) (host.ContextInfo, error) {
	f.mu.Lock()
	gate, started := f.gate, f.started
	f.mu.Unlock()
	if started != nil {
		close(started)
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	f.creates++
	f.specs = append(f.specs, spec)
	f.nextID++
	info := host.ContextInfo{ID: f.nextID, WindowID: f.nextID * 10, URL: spec.URL}
	f.contexts[info.ID] = info
	onCreate := f.onCreate
	f.mu.Unlock()

	if onCreate != nil {
		onCreate(info)
	}
	return info, nil
}

func (f *fakeTabs) UpdateWindow(ctx context.Context, windowID int, state host.WindowState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, state)
	return nil
}

func (f *fakeTabs) FocusContext(ctx context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.focused = append(f.focused, id)
	return nil
}

func (f *fakeTabs) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

type sent struct {
	contextID int
	action    string
	params    any
}

type fakeMessenger struct {
	mu    sync.Mutex
	modes map[int]string // reply to getMode; "hang" never answers
	sent  []sent
}

func (f *fakeMessenger) SendToContext(ctx context.Context, contextID, frameID int, action string, params any) (json.RawMessage, error) {
	f.mu.Lock()
	f.sent = append(f.sent, sent{contextID: contextID, action: action, params: params})
	mode := f.modes[contextID]
	f.mu.Unlock()

	if action != ActionGetMode {
		return json.RawMessage("null"), nil
	}
	switch mode {
	case "":
		return nil, errors.New("no receiver")
	case "hang":
		<-ctx.Done()
		return nil, ctx.Err()
	default:
		return json.Marshal(mode)
	}
}

func (f *fakeMessenger) actions(contextID int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		if s.contextID == contextID {
			out = append(out, s.action)
		}
	}
	return out
}

type fixture struct {
	tabs      *fakeTabs
	messenger *fakeMessenger
	signals   *ready.Signals
	manager   *Manager
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	origin, err := host.NewExtensionOrigin(base)
	require.NoError(t, err)

	f := &fixture{
		tabs:      newFakeTabs(),
		messenger: &fakeMessenger{modes: map[int]string{}},
		signals:   ready.NewSignals(),
	}
	// New windows load and report readiness.
	f.tabs.onCreate = func(info host.ContextInfo) { f.signals.Signal(info.ID) }

	window := func(context.Context) (host.WindowSpec, host.WindowState, error) {
		return WindowFromProfile(map[string]any{
			"popupWindow": map[string]any{"width": float64(500), "height": float64(300), "windowState": "maximized"},
		})
	}
	f.manager, err = NewManager(f.tabs, f.messenger, origin, f.signals, window, cfg, nil)
	require.NoError(t, err)
	return f
}

func TestCreateSendsPopupDirective(t *testing.T) {
	f := newFixture(t, Config{})

	res, err := f.manager.GetOrCreate(context.Background(), Options{})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, 101, res.Session.TabID)
	assert.Equal(t, 1010, res.Session.WindowID)

	require.Len(t, f.tabs.specs, 1)
	spec := f.tabs.specs[0]
	assert.Equal(t, base+"search.html", spec.URL)
	assert.Equal(t, 500, spec.Width)
	assert.Equal(t, 300, spec.Height)
	assert.Equal(t, host.WindowTypePopup, spec.Type)
	assert.Equal(t, []host.WindowState{host.WindowStateMaximized}, f.tabs.states)

	assert.Equal(t, []string{ActionSetMode}, f.messenger.actions(101))
	assert.True(t, f.manager.IsSearchPopup(101))
	assert.False(t, f.manager.IsSearchPopup(7))
}

func TestConcurrentCallersShareOneCreation(t *testing.T) {
	f := newFixture(t, Config{})
	f.tabs.gate = make(chan struct{})
	f.tabs.started = make(chan struct{})

	results := make(chan Result, 2)
	errs := make(chan error, 2)
	call := func() {
		res, err := f.manager.GetOrCreate(context.Background(), Options{})
		results <- res
		errs <- err
	}

	go call()
	<-f.tabs.started
	go call()
	time.Sleep(20 * time.Millisecond)
	close(f.tabs.gate)

	a, b := <-results, <-results
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	assert.Equal(t, a.Session, b.Session)
	assert.True(t, a.Created != b.Created, "exactly one caller reports creation")
	assert.Equal(t, 1, f.tabs.createCount())
}

func TestCachedSessionReused(t *testing.T) {
	f := newFixture(t, Config{})

	first, err := f.manager.GetOrCreate(context.Background(), Options{})
	require.NoError(t, err)
	require.True(t, first.Created)

	second, err := f.manager.GetOrCreate(context.Background(), Options{})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Session, second.Session)
	assert.Equal(t, 1, f.tabs.createCount())
}

func TestStaleSessionReplaced(t *testing.T) {
	f := newFixture(t, Config{DiscoveryTimeout: 50 * time.Millisecond})

	first, err := f.manager.GetOrCreate(context.Background(), Options{})
	require.NoError(t, err)

	f.tabs.remove(first.Session.TabID)
	second, err := f.manager.GetOrCreate(context.Background(), Options{})
	require.NoError(t, err)
	assert.True(t, second.Created)
	assert.NotEqual(t, first.Session.TabID, second.Session.TabID)
	assert.Equal(t, 2, f.tabs.createCount())
}

func TestSessionNavigatedAwayIsStale(t *testing.T) {
	f := newFixture(t, Config{DiscoveryTimeout: 50 * time.Millisecond})

	first, err := f.manager.GetOrCreate(context.Background(), Options{})
	require.NoError(t, err)

	f.tabs.add(first.Session.TabID, "https://example.com/")
	second, err := f.manager.GetOrCreate(context.Background(), Options{})
	require.NoError(t, err)
	assert.True(t, second.Created)
	assert.False(t, f.manager.IsSearchPopup(first.Session.TabID))
}

func TestDiscoveryFindsExistingPopup(t *testing.T) {
	f := newFixture(t, Config{DiscoveryTimeout: 100 * time.Millisecond})
	f.tabs.add(1, "https://example.com/")
	f.tabs.add(2, base+"search.html")
	f.tabs.add(3, base+"search.html?query=x")
	f.tabs.add(4, base+"search.html")
	f.messenger.modes[2] = "search"
	f.messenger.modes[3] = "hang"
	f.messenger.modes[4] = ModePopup

	res, err := f.manager.GetOrCreate(context.Background(), Options{})
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, Session{TabID: 4, WindowID: 40}, res.Session)
	assert.Equal(t, 0, f.tabs.createCount())
	assert.Empty(t, f.messenger.actions(1))
}

func TestDiscoveryTimeoutCountsAsNoMatch(t *testing.T) {
	f := newFixture(t, Config{DiscoveryTimeout: 30 * time.Millisecond})
	f.tabs.add(3, base+"search.html")
	f.messenger.modes[3] = "hang"

	start := time.Now()
	res, err := f.manager.GetOrCreate(context.Background(), Options{})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWindowsUnsupported(t *testing.T) {
	f := newFixture(t, Config{})
	f.tabs.windows = false

	_, err := f.manager.GetOrCreate(context.Background(), Options{})
	require.ErrorIs(t, err, ErrWindowsUnsupported)

	// a failed sequence does not stick
	f.tabs.mu.Lock()
	f.tabs.windows = true
	f.tabs.mu.Unlock()
	res, err := f.manager.GetOrCreate(context.Background(), Options{})
	require.NoError(t, err)
	assert.True(t, res.Created)
}

func TestReadyTimeoutIsHardFailure(t *testing.T) {
	f := newFixture(t, Config{ReadyTimeout: 30 * time.Millisecond})
	f.tabs.onCreate = nil

	_, err := f.manager.GetOrCreate(context.Background(), Options{})
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrorTypeNotReady, perr.Type)
	assert.Equal(t, "POPUP_NOT_READY", perr.ErrorCode())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, f.tabs.createCount())
	assert.Empty(t, f.messenger.actions(101))
	assert.Zero(t, f.signals.Len())
}

func TestFocusAndText(t *testing.T) {
	f := newFixture(t, Config{})

	res, err := f.manager.GetOrCreate(context.Background(), Options{Focus: true, Text: "読む"})
	require.NoError(t, err)
	assert.Equal(t, []int{res.Session.TabID}, f.tabs.focused)
	assert.Equal(t, []string{ActionSetMode, ActionSetSearchQuery}, f.messenger.actions(res.Session.TabID))
}

func TestInvalidateForgetsSession(t *testing.T) {
	f := newFixture(t, Config{})
	res, err := f.manager.GetOrCreate(context.Background(), Options{})
	require.NoError(t, err)
	require.True(t, f.manager.IsSearchPopup(res.Session.TabID))

	f.manager.Invalidate()
	assert.False(t, f.manager.IsSearchPopup(res.Session.TabID))
}
