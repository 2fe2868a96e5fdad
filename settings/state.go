// Package settings owns the options tree: reads through the profile resolver,
// modification targets, persistence, and reloads on external edits.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/precondition/yomitan/optpath"
	"github.com/precondition/yomitan/profile"
	"go.uber.org/zap"
)

// ErrInvalidOptions is returned when a replacement tree is not an object with
// a profiles list.
var ErrInvalidOptions = errors.New("invalid options tree")

// ChangeFunc is called after the tree changed. source names the caller that
// caused the change ("modifySettings", "setAllSettings", "file", ...).
type ChangeFunc func(source string)

// State is the single owner of the current options tree. Reads return deep
// copies; all writes are serialized.
type State struct {
	logger   *zap.Logger
	resolver *profile.Resolver

	mu      sync.RWMutex
	options map[string]any

	listenersMu sync.Mutex
	listeners   []ChangeFunc
}

// NewState takes ownership of options, which must not be used by the caller
// afterwards.
func NewState(options map[string]any, logger *zap.Logger) (*State, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := checkShape(options); err != nil {
		return nil, err
	}
	s := &State{
		logger:   logger.Named("settings"),
		resolver: profile.NewResolver(logger),
		options:  options,
	}
	s.resolver.SetOptions(options)
	return s, nil
}

// OnChange registers fn to run after every change.
func (s *State) OnChange(fn ChangeFunc) {
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.listenersMu.Unlock()
}

func (s *State) notify(source string) {
	s.listenersMu.Lock()
	ls := append([]ChangeFunc(nil), s.listeners...)
	s.listenersMu.Unlock()
	for _, fn := range ls {
		fn(source)
	}
}

// Full returns a copy of the whole tree.
func (s *State) Full() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Clone(s.options).(map[string]any)
}

// Profile returns a copy of the profile selected by oc.
func (s *State) Profile(oc profile.OptionsContext) (profile.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, err := s.resolver.Resolve(oc)
	if err != nil {
		return profile.Profile{}, err
	}
	if p.Options != nil {
		p.Options = Clone(p.Options).(map[string]any)
	}
	return p, nil
}

// ProfileIndex returns the index of the profile selected by oc.
func (s *State) ProfileIndex(oc profile.OptionsContext) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolver.ResolveIndex(oc)
}

// Warm compiles every profile's condition matchers.
func (s *State) Warm() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolver.Warm()
}

// Replace swaps in a whole new tree and drops all compiled matchers.
func (s *State) Replace(options map[string]any, source string) error {
	if err := checkShape(options); err != nil {
		return err
	}
	s.mu.Lock()
	s.options = options
	s.resolver.SetOptions(options)
	s.mu.Unlock()
	s.logger.Debug("options replaced", zap.String("source", source))
	s.notify(source)
	return nil
}

// Get reads every target. Each outcome is independent.
func (s *State) Get(targets []Target) []Outcome {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Outcome, len(targets))
	for i, t := range targets {
		v, err := s.read(t)
		if err != nil {
			out[i] = Outcome{Err: err}
			continue
		}
		out[i] = Outcome{Result: Clone(v)}
	}
	return out
}

// Modify applies targets in order. A failing target does not stop the ones
// after it.
func (s *State) Modify(targets []Target, source string) []Outcome {
	s.mu.Lock()
	out := make([]Outcome, len(targets))
	changed, profilesTouched := false, false
	for i, t := range targets {
		res, touched, err := s.apply(t)
		if err != nil {
			out[i] = Outcome{Err: err}
			continue
		}
		changed = true
		profilesTouched = profilesTouched || touched
		out[i] = Outcome{Result: Clone(res)}
	}
	if profilesTouched {
		s.resolver.Invalidate()
	}
	s.mu.Unlock()

	if changed {
		s.notify(source)
	}
	return out
}

func (s *State) read(t Target) (any, error) {
	path, err := s.targetPath(t, t.Path)
	if err != nil {
		return nil, err
	}
	return optpath.New(s.options).Get(path)
}

// targetPath resolves the scope prefix and appends the parsed target path.
// Global scope addresses the whole tree; profile scope addresses the options
// of the profile selected by the target's options context.
func (s *State) targetPath(t Target, raw string) (optpath.Path, error) {
	rel, err := optpath.Parse(raw)
	if err != nil {
		return nil, err
	}
	switch t.Scope {
	case ScopeGlobal:
		return rel, nil
	case ScopeProfile, "":
		oc := profile.Current()
		if t.OptionsContext != nil {
			oc = *t.OptionsContext
		}
		idx, err := s.resolver.ResolveIndex(oc)
		if err != nil {
			return nil, err
		}
		prefix := optpath.Path{optpath.Name("profiles"), optpath.Index(idx), optpath.Name("options")}
		return append(prefix, rel...), nil
	default:
		return nil, &TargetError{Target: t, Message: fmt.Sprintf("invalid scope %q", t.Scope)}
	}
}

func checkShape(options map[string]any) error {
	if options == nil {
		return ErrInvalidOptions
	}
	if _, ok := options["profiles"].([]any); !ok {
		return fmt.Errorf("%w: profiles must be a list", ErrInvalidOptions)
	}
	return nil
}

// Clone deep-copies a JSON-like value.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = Clone(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Clone(e)
		}
		return out
	default:
		return v
	}
}

// Canonicalize converts a decoded tree of any origin (YAML, msgpack, Go
// literals) into the float64/map[string]any/[]any shapes JSON decoding yields.
func Canonicalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
