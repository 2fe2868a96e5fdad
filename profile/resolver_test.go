package profile

import (
	"encoding/json"
	"testing"

	"github.com/precondition/yomitan/optpath"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func conds(groups ...[]Condition) []any {
	out := make([]any, 0, len(groups))
	for _, g := range groups {
		cs := make([]any, 0, len(g))
		for _, c := range g {
			cs = append(cs, map[string]any{"type": c.Type, "operator": c.Operator, "value": c.Value})
		}
		out = append(out, map[string]any{"conditions": cs})
	}
	return out
}

func tree(current int, profiles ...map[string]any) map[string]any {
	list := make([]any, len(profiles))
	for i, p := range profiles {
		list[i] = p
	}
	return map[string]any{
		"profileCurrent": float64(current),
		"profiles":       list,
		"global":         map[string]any{},
	}
}

func prof(name string, groups []any) map[string]any {
	return map[string]any{
		"name":            name,
		"options":         map[string]any{"general": map[string]any{"name": name}},
		"conditionGroups": groups,
	}
}

func newResolver(t *testing.T, options map[string]any) *Resolver {
	t.Helper()
	r := NewResolver(nil)
	r.SetOptions(options)
	return r
}

func TestResolveMatchThenFallbackToCurrent(t *testing.T) {
	r := newResolver(t, tree(2,
		prof("A", nil),
		prof("B", conds([]Condition{{Type: "url", Operator: "matchRegExp", Value: "^x$"}})),
		prof("C", nil),
	))

	p, err := r.Resolve(Matching(map[string]any{"url": "x"}))
	require.NoError(t, err)
	assert.Equal(t, "B", p.Name)
	assert.Equal(t, 1, p.Index)

	p, err = r.Resolve(Matching(map[string]any{"url": "y"}))
	require.NoError(t, err)
	assert.Equal(t, "C", p.Name, "falls back to the current profile, not the first")
}

func TestResolveCurrentAndIndex(t *testing.T) {
	r := newResolver(t, tree(1, prof("A", nil), prof("B", nil)))

	p, err := r.Resolve(Current())
	require.NoError(t, err)
	assert.Equal(t, "B", p.Name)

	p, err = r.Resolve(AtIndex(0))
	require.NoError(t, err)
	assert.Equal(t, "A", p.Name)

	_, err = r.Resolve(AtIndex(5))
	var perr *optpath.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, optpath.ErrorTypeRange, perr.Type)
}

func TestConditionOperators(t *testing.T) {
	tests := []struct {
		name  string
		cond  Condition
		ctx   map[string]any
		match bool
	}{
		{"domain match", Condition{"url", "matchDomain", "example.com, foo.org"}, map[string]any{"url": "https://FOO.org/page"}, true},
		{"domain miss", Condition{"url", "matchDomain", "example.com"}, map[string]any{"url": "https://bar.com/"}, false},
		{"regexp case insensitive", Condition{"url", "matchRegExp", "wiki"}, map[string]any{"url": "https://en.WIKIpedia.org"}, true},
		{"depth equal", Condition{"popupLevel", "equal", "1"}, map[string]any{"depth": float64(1)}, true},
		{"depth default zero", Condition{"popupLevel", "equal", float64(0)}, map[string]any{}, true},
		{"depth notEqual", Condition{"popupLevel", "notEqual", "0"}, map[string]any{"depth": float64(0)}, false},
		{"depth lessThan", Condition{"popupLevel", "lessThan", "2"}, map[string]any{"depth": float64(1)}, true},
		{"depth greaterThan", Condition{"popupLevel", "greaterThan", "2"}, map[string]any{"depth": float64(2)}, false},
		{"depth lessThanOrEqual", Condition{"popupLevel", "lessThanOrEqual", "2"}, map[string]any{"depth": float64(2)}, true},
		{"depth greaterThanOrEqual", Condition{"popupLevel", "greaterThanOrEqual", "3"}, map[string]any{"depth": float64(2)}, false},
		{"keys are", Condition{"modifierKeys", "are", "alt, ctrl"}, map[string]any{"modifierKeys": []any{"Ctrl", "alt"}}, true},
		{"keys are extra", Condition{"modifierKeys", "are", "alt"}, map[string]any{"modifierKeys": []any{"ctrl", "alt"}}, false},
		{"keys areNot", Condition{"modifierKeys", "areNot", "alt"}, map[string]any{"modifierKeys": []any{"ctrl"}}, true},
		{"keys include", Condition{"modifierKeys", "include", "shift"}, map[string]any{"modifierKeys": []any{"shift", "alt"}}, true},
		{"keys include missing default", Condition{"modifierKeys", "include", "shift"}, map[string]any{}, false},
		{"keys notInclude", Condition{"modifierKeys", "notInclude", "shift, meta"}, map[string]any{"modifierKeys": []any{"meta"}}, false},
		{"flags include", Condition{"flags", "include", "clipboard"}, map[string]any{"flags": []any{"clipboard"}}, true},
		{"flags are empty", Condition{"flags", "are", ""}, map[string]any{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newResolver(t, tree(0, prof("default", nil), prof("matched", conds([]Condition{tt.cond}))))
			idx, err := r.ResolveIndex(Matching(tt.ctx))
			require.NoError(t, err)
			if tt.match {
				assert.Equal(t, 1, idx)
			} else {
				assert.Equal(t, 0, idx)
			}
		})
	}
}

func TestGroupsAreAnyOfConditionsAllOf(t *testing.T) {
	groups := conds(
		[]Condition{{"url", "matchDomain", "a.com"}, {"popupLevel", "equal", "1"}},
		[]Condition{{"flags", "include", "clipboard"}},
	)
	r := newResolver(t, tree(0, prof("default", nil), prof("p", groups)))

	cases := []struct {
		ctx  map[string]any
		want int
	}{
		{map[string]any{"url": "http://a.com/", "depth": float64(1)}, 1},
		{map[string]any{"url": "http://a.com/", "depth": float64(0)}, 0},
		{map[string]any{"flags": []any{"clipboard"}}, 1},
	}
	for _, c := range cases {
		idx, err := r.ResolveIndex(Matching(c.ctx))
		require.NoError(t, err)
		assert.Equal(t, c.want, idx, "%v", c.ctx)
	}
}

func TestInvalidConditionMakesProfileNonMatching(t *testing.T) {
	r := newResolver(t, tree(0,
		prof("default", nil),
		prof("bad", conds([]Condition{{"url", "matchRegExp", "("}})),
		prof("unknown", conds([]Condition{{"weather", "is", "sunny"}})),
	))
	idx, err := r.ResolveIndex(Matching(map[string]any{"url": "("}))
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	require.NoError(t, r.Warm())
}

func TestEmptyGroupsNeverMatch(t *testing.T) {
	r := newResolver(t, tree(0, prof("default", nil), prof("empty", []any{map[string]any{"conditions": []any{}}})))
	idx, err := r.ResolveIndex(Matching(map[string]any{}))
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
}

func TestSetOptionsInvalidatesCache(t *testing.T) {
	r := newResolver(t, tree(0,
		prof("default", nil),
		prof("x", conds([]Condition{{"url", "matchDomain", "x.com"}})),
	))
	ctx := Matching(map[string]any{"url": "https://x.com"})
	idx, err := r.ResolveIndex(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, idx)

	// Same index, different conditions: a stale matcher would still match.
	r.SetOptions(tree(0,
		prof("default", nil),
		prof("y", conds([]Condition{{"url", "matchDomain", "y.com"}})),
	))
	idx, err = r.ResolveIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
}

func TestNoOptions(t *testing.T) {
	r := NewResolver(nil)
	_, err := r.ResolveIndex(Matching(nil))
	assert.ErrorIs(t, err, ErrNoProfiles)
}

func TestOptionsContextJSON(t *testing.T) {
	var oc OptionsContext
	require.NoError(t, json.Unmarshal([]byte(`{"current":true}`), &oc))
	assert.True(t, oc.Current)

	require.NoError(t, json.Unmarshal([]byte(`{"index":3}`), &oc))
	require.NotNil(t, oc.Index)
	assert.Equal(t, 3, *oc.Index)

	require.NoError(t, json.Unmarshal([]byte(`{"url":"https://a.com","depth":2}`), &oc))
	assert.False(t, oc.Current)
	assert.Nil(t, oc.Index)
	assert.Equal(t, float64(2), oc.Fields["depth"])

	assert.Error(t, json.Unmarshal([]byte(`{"index":1.5}`), &oc))
}

func TestNormalize(t *testing.T) {
	n := Normalize(map[string]any{"url": "https://Sub.Example.com:8080/x", "modifierKeys": []any{"ALT"}})
	assert.Equal(t, float64(0), n["depth"])
	assert.Equal(t, "sub.example.com", n["domain"])
	assert.Equal(t, []any{"alt"}, n["modifierKeys"])
	assert.Equal(t, []any{}, n["flags"])

	n = Normalize(nil)
	assert.Equal(t, "", n["url"])
	assert.Equal(t, "", n["domain"])
}
