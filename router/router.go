// Package router dispatches named operations to registered handlers and
// enforces the privileged-sender boundary.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/precondition/yomitan/host"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

var (
	// ErrSealed is returned by Register after Seal.
	ErrSealed = errors.New("router: registration table is sealed")
	// ErrDuplicate is returned when a name is registered twice.
	ErrDuplicate = errors.New("router: operation already registered")
)

// Message is an inbound request.
type Message struct {
	Action string          `json:"action"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ProgressFunc sends one progress notification to the caller. It is a no-op
// for one-shot dispatch.
type ProgressFunc func(data ...any)

// Request is what a handler receives.
type Request struct {
	Action   string
	Params   json.RawMessage
	Sender   host.Sender
	Progress ProgressFunc
}

// Bind decodes params into v. Absent params decode as an empty object.
func (r *Request) Bind(v any) error {
	params := r.Params
	if len(params) == 0 || string(params) == "null" {
		params = json.RawMessage("{}")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return InvalidParams("%s: %v", r.Action, err)
	}
	return nil
}

// Handler executes one operation.
type Handler interface {
	Handle(ctx context.Context, req *Request) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, req *Request) (any, error) { return f(ctx, req) }

// Registration describes one operation.
type Registration struct {
	Name string
	// Async operations may suspend; transports run them off their read loop.
	Async bool
	// Privileged operations only run for senders whose URL the process serves.
	Privileged bool
	// ParamsSchema is an optional JSON schema the params must satisfy.
	ParamsSchema string
	Handler      Handler
}

type entry struct {
	Registration
	schema *gojsonschema.Schema
}

// Response is the outcome of a handled dispatch.
type Response struct {
	Result any
	Error  *ErrorPayload
}

func (r Response) MarshalJSON() ([]byte, error) {
	if r.Error != nil {
		return json.Marshal(struct {
			Error *ErrorPayload `json:"error"`
		}{r.Error})
	}
	return json.Marshal(struct {
		Result any `json:"result"`
	}{r.Result})
}

func (r *Response) UnmarshalJSON(data []byte) error {
	var raw struct {
		Result json.RawMessage `json:"result"`
		Error  *ErrorPayload   `json:"error"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Error = raw.Error
	r.Result = nil
	if len(raw.Result) > 0 && string(raw.Result) != "null" {
		r.Result = raw.Result
	}
	return nil
}

// Err returns the response error as a Go error, or nil.
func (r Response) Err() error {
	if r.Error == nil {
		return nil
	}
	return r.Error
}

// Router is the operation table.
type Router struct {
	origin host.Origin
	logger *zap.Logger

	mu     sync.RWMutex
	sealed bool
	ops    map[string]*entry
}

// New creates an empty router. origin decides which sender URLs are
// privileged.
func New(origin host.Origin, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		origin: origin,
		logger: logger.Named("router"),
		ops:    make(map[string]*entry),
	}
}

// Register adds an operation. It fails after Seal, on duplicate names, and on
// schemas that do not compile.
func (r *Router) Register(reg Registration) error {
	if reg.Name == "" || reg.Handler == nil {
		return fmt.Errorf("router: registration needs a name and a handler")
	}
	e := &entry{Registration: reg}
	if reg.ParamsSchema != "" {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(reg.ParamsSchema))
		if err != nil {
			return fmt.Errorf("router: params schema for %s: %w", reg.Name, err)
		}
		e.schema = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrSealed
	}
	if _, ok := r.ops[reg.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, reg.Name)
	}
	r.ops[reg.Name] = e
	return nil
}

// MustRegister is Register for startup code, panicking on error.
func (r *Router) MustRegister(regs ...Registration) {
	for _, reg := range regs {
		if err := r.Register(reg); err != nil {
			panic(err)
		}
	}
}

// Seal freezes the table.
func (r *Router) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Lookup returns the registration for action.
func (r *Router) Lookup(action string) (Registration, bool) {
	e := r.lookup(action)
	if e == nil {
		return Registration{}, false
	}
	return e.Registration, true
}

// Names returns the registered operation names.
func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	return names
}

func (r *Router) lookup(action string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ops[action]
}

// Dispatch runs a one-shot request. handled is false when no operation has
// that name; the transport reports that as "not handled", not as an error.
func (r *Router) Dispatch(ctx context.Context, msg Message, sender host.Sender) (resp Response, handled bool) {
	return r.Invoke(ctx, msg, sender, nil)
}

// Invoke is Dispatch with a progress emitter, used by the streaming channel
// protocol.
func (r *Router) Invoke(ctx context.Context, msg Message, sender host.Sender, progress ProgressFunc) (Response, bool) {
	e := r.lookup(msg.Action)
	if e == nil {
		r.logger.Debug("declined unknown action", zap.String("action", msg.Action))
		return Response{}, false
	}
	if e.Privileged && !r.privileged(sender) {
		r.logger.Warn("rejected unprivileged sender",
			zap.String("action", msg.Action), zap.String("url", sender.URL))
		return Response{Error: Serialize(&Error{Type: ErrorTypeUnprivileged, Message: msg.Action})}, true
	}
	if e.schema != nil {
		if err := validateParams(e.schema, msg); err != nil {
			return Response{Error: Serialize(err)}, true
		}
	}
	if progress == nil {
		progress = func(...any) {}
	}

	req := &Request{Action: msg.Action, Params: msg.Params, Sender: sender, Progress: progress}
	result, err := r.call(ctx, e, req)
	if err != nil {
		r.logger.Debug("operation failed", zap.String("action", msg.Action), zap.Error(err))
		return Response{Error: Serialize(err)}, true
	}
	return Response{Result: result}, true
}

func (r *Router) privileged(sender host.Sender) bool {
	return r.origin != nil && sender.URL != "" && r.origin.IsOwnURL(sender.URL)
}

func (r *Router) call(ctx context.Context, e *entry, req *Request) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("operation panicked",
				zap.String("action", req.Action),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()))
			result = nil
			err = &Error{Type: ErrorTypeHandlerFault, Message: fmt.Sprintf("%s: %v", req.Action, p)}
		}
	}()
	return e.Handler.Handle(ctx, req)
}

func validateParams(schema *gojsonschema.Schema, msg Message) error {
	params := []byte(msg.Params)
	if len(params) == 0 || string(params) == "null" {
		params = []byte("{}")
	}
	res, err := schema.Validate(gojsonschema.NewBytesLoader(params))
	if err != nil {
		return Malformed("%s params: %v", msg.Action, err)
	}
	if res.Valid() {
		return nil
	}
	details := make([]string, 0, len(res.Errors()))
	for _, d := range res.Errors() {
		details = append(details, d.String())
	}
	return &Error{
		Type:    ErrorTypeInvalidParams,
		Message: fmt.Sprintf("%s: %s", msg.Action, strings.Join(details, "; ")),
		Data:    details,
	}
}
