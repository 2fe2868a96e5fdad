package profile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// OptionsContext selects a profile. Exactly one of Current, Index, or Fields
// is meaningful, checked in that order.
type OptionsContext struct {
	Current bool
	Index   *int
	// Fields is an arbitrary context object matched against condition
	// groups, e.g. {"url": "...", "depth": 1, "modifierKeys": ["alt"]}.
	Fields map[string]any
}

// Current is the selector for the current profile.
func Current() OptionsContext { return OptionsContext{Current: true} }

// AtIndex selects a profile by position.
func AtIndex(i int) OptionsContext { return OptionsContext{Index: &i} }

// Matching selects the first profile whose conditions accept fields.
func Matching(fields map[string]any) OptionsContext { return OptionsContext{Fields: fields} }

func (oc *OptionsContext) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("options context must be an object: %w", err)
	}
	*oc = OptionsContext{}
	if cur, ok := raw["current"].(bool); ok && cur {
		oc.Current = true
		return nil
	}
	if n, ok := raw["index"].(json.Number); ok {
		i, err := n.Int64()
		if err != nil {
			return fmt.Errorf("options context index %q is not an integer", n.String())
		}
		idx := int(i)
		oc.Index = &idx
		return nil
	}
	oc.Fields = denumber(raw).(map[string]any)
	return nil
}

func (oc OptionsContext) MarshalJSON() ([]byte, error) {
	switch {
	case oc.Current:
		return json.Marshal(map[string]any{"current": true})
	case oc.Index != nil:
		return json.Marshal(map[string]any{"index": *oc.Index})
	case oc.Fields == nil:
		return []byte("{}"), nil
	default:
		return json.Marshal(oc.Fields)
	}
}

// denumber converts json.Number leaves to float64 so that fields compare the
// same way values read from the options tree do.
func denumber(v any) any {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	case map[string]any:
		for k, e := range t {
			t[k] = denumber(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = denumber(e)
		}
		return t
	default:
		return v
	}
}

// Normalize returns a copy of fields with the defaults condition matchers rely
// on: depth 0, url "", domain from url, and empty modifierKeys and flags.
func Normalize(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields)+5)
	for k, v := range fields {
		out[k] = v
	}
	if _, ok := out["depth"].(float64); !ok {
		if n, ok := toInt(out["depth"]); ok {
			out["depth"] = float64(n)
		} else {
			out["depth"] = float64(0)
		}
	}
	rawURL, ok := out["url"].(string)
	if !ok {
		rawURL = ""
		out["url"] = rawURL
	}
	out["domain"] = domainOf(rawURL)
	out["modifierKeys"] = lowerStrings(out["modifierKeys"])
	out["flags"] = lowerStrings(out["flags"])
	return out
}

func domainOf(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func lowerStrings(v any) []any {
	out := []any{}
	switch t := v.(type) {
	case []any:
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, strings.ToLower(s))
			}
		}
	case []string:
		for _, s := range t {
			out = append(out, strings.ToLower(s))
		}
	}
	return out
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	default:
		return 0, false
	}
}
