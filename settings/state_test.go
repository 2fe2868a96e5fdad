package settings

import (
	"encoding/json"
	"testing"

	"github.com/precondition/yomitan/optpath"
	"github.com/precondition/yomitan/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoProfiles() map[string]any {
	opts := Default()
	second := map[string]any{
		"name": "Wiki",
		"conditionGroups": []any{
			map[string]any{"conditions": []any{
				map[string]any{"type": "url", "operator": "matchDomain", "value": "wikipedia.org"},
			}},
		},
		"options": DefaultProfileOptions(),
	}
	opts["profiles"] = append(opts["profiles"].([]any), second)
	return opts
}

func newState(t *testing.T) *State {
	t.Helper()
	s, err := NewState(twoProfiles(), nil)
	require.NoError(t, err)
	return s
}

func TestNewStateRejectsBadShape(t *testing.T) {
	_, err := NewState(map[string]any{"profiles": "nope"}, nil)
	assert.ErrorIs(t, err, ErrInvalidOptions)
	_, err = NewState(nil, nil)
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

func TestModifyProfileScope(t *testing.T) {
	s := newState(t)
	var sources []string
	s.OnChange(func(src string) { sources = append(sources, src) })

	oc := profile.AtIndex(1)
	out := s.Modify([]Target{
		{Scope: ScopeProfile, OptionsContext: &oc, Action: ActionSet, Path: "general.maxResults", Value: float64(5)},
		{Scope: ScopeProfile, Action: ActionSet, Path: "general.enable", Value: false},
	}, "test")
	require.Len(t, out, 2)
	require.NoError(t, out[0].Err)
	require.NoError(t, out[1].Err)
	assert.Equal(t, float64(5), out[0].Result)

	p, err := s.Profile(profile.AtIndex(1))
	require.NoError(t, err)
	assert.Equal(t, float64(5), p.Options["general"].(map[string]any)["maxResults"])

	p, err = s.Profile(profile.Current())
	require.NoError(t, err)
	assert.Equal(t, false, p.Options["general"].(map[string]any)["enable"])
	assert.Equal(t, []string{"test"}, sources)
}

func TestModifyContinuesPastFailures(t *testing.T) {
	s := newState(t)
	out := s.Modify([]Target{
		{Scope: ScopeGlobal, Action: ActionSet, Path: "missing.child", Value: 1},
		{Scope: ScopeGlobal, Action: ActionSet, Path: "global.database.prefixWildcardsSupported", Value: true},
		{Scope: ScopeGlobal, Action: "explode", Path: "global"},
		{Scope: "elsewhere", Action: ActionSet, Path: "x", Value: 1},
		{Scope: ScopeGlobal, Action: ActionSet, Path: "a..b", Value: 1},
	}, "test")

	var perr *optpath.Error
	require.ErrorAs(t, out[0].Err, &perr)
	assert.Equal(t, optpath.ErrorTypeMissing, perr.Type)
	assert.NoError(t, out[1].Err)
	var terr *TargetError
	assert.ErrorAs(t, out[2].Err, &terr)
	assert.ErrorAs(t, out[3].Err, &terr)
	require.ErrorAs(t, out[4].Err, &perr)
	assert.Equal(t, optpath.ErrorTypeSyntax, perr.Type)

	got := s.Get([]Target{{Scope: ScopeGlobal, Path: "global.database.prefixWildcardsSupported"}})
	assert.Equal(t, true, got[0].Result)
}

func TestModifyActions(t *testing.T) {
	s := newState(t)
	s.Modify([]Target{{Scope: ScopeGlobal, Action: ActionSet, Path: "global.list", Value: []any{"a", "b", "c"}}}, "test")

	out := s.Modify([]Target{
		{Scope: ScopeGlobal, Action: ActionSplice, Path: "global.list", Start: 1, DeleteCount: 1, Items: []any{"x", "y"}},
		{Scope: ScopeGlobal, Action: ActionPush, Path: "global.list", Items: []any{"z"}},
		{Scope: ScopeGlobal, Action: ActionSwap, Path1: "global.list[0]", Path2: "global.list[4]"},
		{Scope: ScopeGlobal, Action: ActionDelete, Path: "global.database"},
	}, "test")
	for _, o := range out {
		require.NoError(t, o.Err)
	}
	assert.Equal(t, []any{"b"}, out[0].Result)
	assert.Equal(t, 5, out[1].Result)
	assert.Equal(t, true, out[2].Result)

	got := s.Get([]Target{{Scope: ScopeGlobal, Path: "global.list"}, {Scope: ScopeGlobal, Path: "global.database"}})
	assert.Equal(t, []any{"z", "x", "y", "c", "a"}, got[0].Result)
	assert.Error(t, got[1].Err)
}

func TestReadsAreCopies(t *testing.T) {
	s := newState(t)
	full := s.Full()
	full["global"].(map[string]any)["database"] = "clobbered"

	got := s.Get([]Target{{Scope: ScopeGlobal, Path: "global.database"}})
	require.NoError(t, got[0].Err)
	got[0].Result.(map[string]any)["prefixWildcardsSupported"] = "clobbered"

	again := s.Get([]Target{{Scope: ScopeGlobal, Path: "global.database.prefixWildcardsSupported"}})
	assert.Equal(t, false, again[0].Result)
}

func TestConditionEditsInvalidateMatchers(t *testing.T) {
	s := newState(t)
	ctx := profile.Matching(map[string]any{"url": "https://en.wikipedia.org/wiki/Go"})
	idx, err := s.ProfileIndex(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, idx)

	out := s.Modify([]Target{{
		Scope: ScopeGlobal, Action: ActionSet,
		Path:  "profiles[1].conditionGroups[0].conditions[0].value",
		Value: "example.org",
	}}, "test")
	require.NoError(t, out[0].Err)

	idx, err = s.ProfileIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
}

func TestReplace(t *testing.T) {
	s := newState(t)
	var got string
	s.OnChange(func(src string) { got = src })

	require.ErrorIs(t, s.Replace(map[string]any{}, "setAllSettings"), ErrInvalidOptions)
	require.NoError(t, s.Replace(Default(), "setAllSettings"))
	assert.Equal(t, "setAllSettings", got)

	idx, err := s.ProfileIndex(profile.Matching(map[string]any{"url": "https://en.wikipedia.org/"}))
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
}

func TestTargetJSON(t *testing.T) {
	var targets []Target
	data := `[{"scope":"profile","optionsContext":{"index":1},"action":"splice","path":"a","start":1,"deleteCount":2,"items":[1]}]`
	require.NoError(t, json.Unmarshal([]byte(data), &targets))
	require.Len(t, targets, 1)
	require.NotNil(t, targets[0].OptionsContext)
	assert.Equal(t, 1, *targets[0].OptionsContext.Index)
	assert.Equal(t, ActionSplice, targets[0].Action)
	assert.Equal(t, 2, targets[0].DeleteCount)
}

func TestCanonicalize(t *testing.T) {
	v, err := Canonicalize(map[string]any{"n": 3, "l": []string{"a"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": float64(3), "l": []any{"a"}}, v)
}
