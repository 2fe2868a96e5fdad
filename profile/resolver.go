// Package profile selects one configuration profile out of an options tree,
// either by index or by matching a caller context against each profile's
// condition groups.
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/precondition/yomitan/optpath"
	"go.uber.org/zap"
)

var (
	// ErrNoProfiles is returned when the options tree has no profiles list.
	ErrNoProfiles = errors.New("options have no profiles")

	pathProfiles = optpath.MustParse("profiles")
	pathCurrent  = optpath.MustParse("profileCurrent")
)

// Profile is a resolved profile. Options aliases the live tree.
type Profile struct {
	Index           int
	Name            string
	Options         map[string]any
	ConditionGroups []ConditionGroup
}

type cacheEntry struct {
	m   *matcher
	err error
}

// Resolver resolves OptionsContexts against one options tree.
//
// Resolver does not lock the tree. The owner of the tree (settings.State)
// must not mutate it while a Resolve is running, and must call SetOptions or
// Invalidate after replacing profiles.
type Resolver struct {
	logger  *zap.Logger
	options map[string]any

	mu    sync.Mutex
	cache map[int]cacheEntry
}

// NewResolver creates a resolver with no options. Resolve fails until
// SetOptions is called.
func NewResolver(logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		logger: logger.Named("profile"),
		cache:  make(map[int]cacheEntry),
	}
}

// SetOptions replaces the tree and drops every compiled matcher.
func (r *Resolver) SetOptions(options map[string]any) {
	r.options = options
	r.Invalidate()
}

// Invalidate drops every compiled matcher.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	clear(r.cache)
	r.mu.Unlock()
}

// Warm compiles the matchers of every profile. Compilation failures are
// logged and cached; they make that profile non-matching.
func (r *Resolver) Warm() error {
	profiles, err := r.profiles()
	if err != nil {
		return err
	}
	for i := range profiles {
		r.matcher(i, profiles[i])
	}
	return nil
}

// Resolve returns the profile selected by oc.
func (r *Resolver) Resolve(oc OptionsContext) (Profile, error) {
	idx, err := r.ResolveIndex(oc)
	if err != nil {
		return Profile{}, err
	}
	return r.At(idx)
}

// ResolveIndex returns the index of the profile selected by oc. An explicit
// index is returned as is; At reports it if it is out of range.
func (r *Resolver) ResolveIndex(oc OptionsContext) (int, error) {
	switch {
	case oc.Current:
		return r.CurrentIndex()
	case oc.Index != nil:
		return *oc.Index, nil
	}

	profiles, err := r.profiles()
	if err != nil {
		return 0, err
	}
	normalized := Normalize(oc.Fields)
	for i, p := range profiles {
		m := r.matcher(i, p)
		if m == nil {
			continue
		}
		ok, err := m.matches(normalized)
		if err != nil {
			r.logger.Warn("profile condition evaluation failed", zap.Int("profile", i), zap.Error(err))
			continue
		}
		if ok {
			return i, nil
		}
	}
	return r.CurrentIndex()
}

// CurrentIndex returns the profileCurrent index.
func (r *Resolver) CurrentIndex() (int, error) {
	v, err := optpath.New(r.options).Get(pathCurrent)
	if err != nil {
		return 0, err
	}
	n, ok := toInt(v)
	if !ok {
		return 0, fmt.Errorf("profileCurrent %v is not an integer", v)
	}
	return n, nil
}

// At returns the profile at index i.
func (r *Resolver) At(i int) (Profile, error) {
	v, err := optpath.New(r.options).Get(optpath.Path{optpath.Name("profiles"), optpath.Index(i)})
	if err != nil {
		return Profile{}, err
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return Profile{}, fmt.Errorf("profile %d is not an object", i)
	}
	p := Profile{Index: i}
	p.Name, _ = raw["name"].(string)
	p.Options, _ = raw["options"].(map[string]any)
	groups, err := decodeGroups(raw["conditionGroups"])
	if err != nil {
		return Profile{}, fmt.Errorf("profile %d: %w", i, err)
	}
	p.ConditionGroups = groups
	return p, nil
}

func (r *Resolver) profiles() ([]any, error) {
	if r.options == nil {
		return nil, ErrNoProfiles
	}
	v, err := optpath.New(r.options).Get(pathProfiles)
	if err != nil {
		return nil, ErrNoProfiles
	}
	profiles, ok := v.([]any)
	if !ok {
		return nil, ErrNoProfiles
	}
	return profiles, nil
}

// matcher returns the cached matcher for profile i, compiling it on first
// use. It returns nil for profiles without condition groups and for profiles
// whose conditions fail to compile.
func (r *Resolver) matcher(i int, raw any) *matcher {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.cache[i]; ok {
		return e.m
	}

	var e cacheEntry
	obj, _ := raw.(map[string]any)
	groups, err := decodeGroups(obj["conditionGroups"])
	switch {
	case err != nil:
		e.err = err
	case len(groups) == 0:
	default:
		e.m, e.err = compileGroups(groups)
	}
	if e.err != nil {
		r.logger.Warn("profile conditions rejected", zap.Int("profile", i), zap.Error(e.err))
		e.m = nil
	}
	r.cache[i] = e
	return e.m
}

func decodeGroups(v any) ([]ConditionGroup, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var groups []ConditionGroup
	if err := json.Unmarshal(data, &groups); err != nil {
		return nil, fmt.Errorf("invalid conditionGroups: %w", err)
	}
	return groups, nil
}
