package profile

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Condition is one predicate of a condition group.
type Condition struct {
	Type     string `json:"type"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// ConditionGroup matches when all of its conditions match.
type ConditionGroup struct {
	Conditions []Condition `json:"conditions"`
}

// ConditionError reports a condition that cannot be compiled.
type ConditionError struct {
	Condition Condition
	Message   string
}

func (e *ConditionError) Error() string {
	return fmt.Sprintf("profile condition %s/%s: %s", e.Condition.Type, e.Condition.Operator, e.Message)
}

// matcher is a compiled set of condition groups. A nil schema never matches.
type matcher struct {
	schema *gojsonschema.Schema
}

func (m *matcher) matches(normalized map[string]any) (bool, error) {
	if m == nil || m.schema == nil {
		return false, nil
	}
	res, err := m.schema.Validate(gojsonschema.NewGoLoader(normalized))
	if err != nil {
		return false, err
	}
	return res.Valid(), nil
}

// compileGroups builds one draft-07 schema: anyOf over groups, allOf over each
// group's conditions. Groups with no conditions are skipped, so a profile whose
// groups are all empty never matches.
func compileGroups(groups []ConditionGroup) (*matcher, error) {
	var anyOf []any
	for _, g := range groups {
		var allOf []any
		for _, c := range g.Conditions {
			s, err := conditionSchema(c)
			if err != nil {
				return nil, err
			}
			allOf = append(allOf, s)
		}
		switch len(allOf) {
		case 0:
		case 1:
			anyOf = append(anyOf, allOf[0])
		default:
			anyOf = append(anyOf, map[string]any{"allOf": allOf})
		}
	}
	if len(anyOf) == 0 {
		return &matcher{}, nil
	}

	doc := map[string]any{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type":    "object",
		"anyOf":   anyOf,
	}
	loader := gojsonschema.NewSchemaLoader()
	loader.Draft = gojsonschema.Draft7
	loader.AutoDetect = false
	schema, err := loader.Compile(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("compiling profile conditions: %w", err)
	}
	return &matcher{schema: schema}, nil
}

func conditionSchema(c Condition) (map[string]any, error) {
	switch c.Type {
	case "popupLevel":
		return popupLevelSchema(c)
	case "url":
		return urlSchema(c)
	case "modifierKeys":
		return setSchema(c, "modifierKeys")
	case "flags":
		return setSchema(c, "flags")
	default:
		return nil, &ConditionError{Condition: c, Message: "unknown condition type"}
	}
}

func property(name string, sub map[string]any) map[string]any {
	return map[string]any{
		"required":   []any{name},
		"properties": map[string]any{name: sub},
	}
}

func not(s map[string]any) map[string]any { return map[string]any{"not": s} }

func popupLevelSchema(c Condition) (map[string]any, error) {
	level, err := numberValue(c.Value)
	if err != nil {
		return nil, &ConditionError{Condition: c, Message: err.Error()}
	}
	var sub map[string]any
	switch c.Operator {
	case "equal":
		sub = map[string]any{"const": level}
	case "notEqual":
		return not(property("depth", map[string]any{"const": level})), nil
	case "lessThan":
		sub = map[string]any{"type": "number", "exclusiveMaximum": level}
	case "greaterThan":
		sub = map[string]any{"type": "number", "exclusiveMinimum": level}
	case "lessThanOrEqual":
		sub = map[string]any{"type": "number", "maximum": level}
	case "greaterThanOrEqual":
		sub = map[string]any{"type": "number", "minimum": level}
	default:
		return nil, &ConditionError{Condition: c, Message: "unknown operator"}
	}
	return property("depth", sub), nil
}

func urlSchema(c Condition) (map[string]any, error) {
	value, ok := c.Value.(string)
	if !ok {
		return nil, &ConditionError{Condition: c, Message: "value must be a string"}
	}
	switch c.Operator {
	case "matchDomain":
		var domains []any
		for _, d := range splitList(value, ",") {
			domains = append(domains, strings.ToLower(d))
		}
		if len(domains) == 0 {
			return nil, &ConditionError{Condition: c, Message: "no domains given"}
		}
		return property("domain", map[string]any{"type": "string", "enum": domains}), nil
	case "matchRegExp":
		pattern := "(?i)" + value
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, &ConditionError{Condition: c, Message: err.Error()}
		}
		return property("url", map[string]any{"type": "string", "pattern": pattern}), nil
	default:
		return nil, &ConditionError{Condition: c, Message: "unknown operator"}
	}
}

// setSchema handles the string-set conditions. The value is a list of names
// separated by commas, semicolons, or whitespace.
func setSchema(c Condition, prop string) (map[string]any, error) {
	var names []string
	switch v := c.Value.(type) {
	case string:
		names = splitList(v, ",; \t\n")
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && strings.TrimSpace(s) != "" {
				names = append(names, strings.TrimSpace(s))
			}
		}
	default:
		return nil, &ConditionError{Condition: c, Message: "value must be a string list"}
	}
	contains := make([]any, 0, len(names))
	for _, n := range names {
		contains = append(contains, map[string]any{"contains": map[string]any{"const": strings.ToLower(n)}})
	}

	are := map[string]any{"type": "array", "minItems": len(names), "maxItems": len(names)}
	if len(contains) > 0 {
		are["allOf"] = contains
	}
	include := map[string]any{"type": "array"}
	if len(contains) > 0 {
		include["allOf"] = contains
	}

	switch c.Operator {
	case "are":
		return property(prop, are), nil
	case "areNot":
		return not(property(prop, are)), nil
	case "include":
		return property(prop, include), nil
	case "notInclude":
		if len(contains) == 0 {
			return property(prop, map[string]any{"type": "array"}), nil
		}
		return property(prop, map[string]any{"type": "array", "not": map[string]any{"anyOf": contains}}), nil
	default:
		return nil, &ConditionError{Condition: c, Message: "unknown operator"}
	}
}

func numberValue(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("value %q is not a number", t)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("value must be a number")
	}
}

func splitList(s, seps string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool { return strings.ContainsRune(seps, r) })
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
