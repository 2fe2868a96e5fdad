// Package host models the environment the background process runs in: the
// front-end contexts that talk to it, the URLs it serves, and the external
// collaborators (tab host, dictionary engine, flashcard client, clipboard,
// text segmenter) it routes requests to.
//
// Everything in this package is an interface or a plain value. Concrete
// implementations live elsewhere (see host/rodhost and the transport package).
package host

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
)

// ErrNoSuchContext is returned by collaborators when a context id does not
// refer to a live tab or frame.
var ErrNoSuchContext = errors.New("no such context")

// Sender identifies the origin of an incoming request. ContextID is nil for
// requests issued by the background process itself.
type Sender struct {
	ContextID *int   `json:"contextId,omitempty"`
	FrameID   *int   `json:"frameId,omitempty"`
	URL       string `json:"url,omitempty"`
}

// NewSender builds a Sender for a tab/frame pair.
func NewSender(contextID, frameID int, url string) Sender {
	return Sender{ContextID: &contextID, FrameID: &frameID, URL: url}
}

// IDs returns the context and frame ids, and whether both are present.
func (s Sender) IDs() (contextID, frameID int, ok bool) {
	if s.ContextID == nil || s.FrameID == nil {
		return 0, 0, false
	}
	return *s.ContextID, *s.FrameID, true
}

// ContextParam is the query parameter through which a tab host tells a page
// it opened which context id it was given.
const ContextParam = "contextId"

// WithContextID returns raw with the context id parameter set.
func WithContextID(raw string, id int) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(ContextParam, strconv.Itoa(id))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ContextIDFromURL reads the context id parameter back.
func ContextIDFromURL(raw string) (int, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return 0, false
	}
	v := u.Query().Get(ContextParam)
	if v == "" {
		return 0, false
	}
	id, err := strconv.Atoi(v)
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}

// ErrContextMismatch is returned by a ContextVerifier when a page is not the
// context it claims to be.
var ErrContextMismatch = errors.New("context does not match page")

// ContextVerifier is implemented by tab hosts that can confirm a connecting
// page's claimed context against the browser's own view.
type ContextVerifier interface {
	VerifyContext(ctx context.Context, contextID, frameID int, pageURL string) error
}

// ContextInfo describes one live front-end context as reported by the tab host.
type ContextInfo struct {
	ID       int    `json:"id"`
	WindowID int    `json:"windowId"`
	URL      string `json:"url"`
}

// WindowType is the kind of browser window to create.
type WindowType string

const (
	WindowTypeNormal WindowType = "normal"
	WindowTypePopup  WindowType = "popup"
)

// WindowState is the display state applied to a window after creation.
type WindowState string

const (
	WindowStateNormal     WindowState = "normal"
	WindowStateMaximized  WindowState = "maximized"
	WindowStateFullscreen WindowState = "fullscreen"
	WindowStateMinimized  WindowState = "minimized"
)

// WindowSpec carries the geometry for a new window. Left and Top are nil when
// the host should choose a position.
type WindowSpec struct {
	URL    string
	Type   WindowType
	Width  int
	Height int
	Left   *int
	Top    *int
}

// TabHost enumerates, creates, and updates front-end contexts.
type TabHost interface {
	ListContexts(ctx context.Context) ([]ContextInfo, error)
	GetContext(ctx context.Context, id int) (ContextInfo, error)
	// SupportsWindows reports whether CreateWindow can succeed at all.
	SupportsWindows() bool
	CreateWindow(ctx context.Context, spec WindowSpec) (ContextInfo, error)
	UpdateWindow(ctx context.Context, windowID int, state WindowState) error
	FocusContext(ctx context.Context, id int) error
}

// Messenger sends a single request to one frame of one context and returns
// its reply.
type Messenger interface {
	SendToContext(ctx context.Context, contextID, frameID int, action string, params any) (json.RawMessage, error)
}
