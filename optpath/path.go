// Package optpath reads and mutates a nested options tree addressed by a
// path string such as `profiles[0].options.general.enable` or
// `anki.fields["Front Side"]`.
//
// A tree is made of map[string]any and []any containers holding JSON-like
// leaf values. All operations are synchronous and never suspend.
package optpath

import (
	"fmt"
	"strconv"
	"strings"
)

// Key is one path segment: either a mapping key or a sequence index.
type Key struct {
	name    string
	index   int
	isIndex bool
}

// Name returns a mapping key.
func Name(name string) Key { return Key{name: name} }

// Index returns a sequence index key. Negative indexes are never valid and
// fail at resolution time.
func Index(i int) Key { return Key{index: i, isIndex: true} }

// IsIndex reports whether k addresses a sequence element.
func (k Key) IsIndex() bool { return k.isIndex }

// Name returns the mapping key. It is empty for index keys.
func (k Key) Name() string { return k.name }

// Index returns the sequence index. It is zero for name keys.
func (k Key) Index() int { return k.index }

func (k Key) String() string {
	if k.isIndex {
		return "[" + strconv.Itoa(k.index) + "]"
	}
	if isIdentifier(k.name) {
		return k.name
	}
	return "[" + strconv.Quote(k.name) + "]"
}

// Path is a decomposed path string.
type Path []Key

func (p Path) String() string {
	var b strings.Builder
	for i, k := range p {
		s := k.String()
		if i > 0 && !strings.HasPrefix(s, "[") {
			b.WriteByte('.')
		}
		b.WriteString(s)
	}
	return b.String()
}

// Parse decomposes a path string into keys. The empty string is the empty
// path, which addresses the root.
func Parse(s string) (Path, error) {
	var (
		path  Path
		i     int
		after bool // a segment was just completed
	)
	for i < len(s) {
		c := s[i]
		switch {
		case c == '.':
			if !after {
				return nil, syntaxError(s, i, "unexpected '.'")
			}
			i++
			if i >= len(s) {
				return nil, syntaxError(s, i, "path ends with '.'")
			}
			if s[i] == '.' || s[i] == '[' {
				return nil, syntaxError(s, i, "expected a name after '.'")
			}
			after = false
		case c == '[':
			key, next, err := parseBracket(s, i)
			if err != nil {
				return nil, err
			}
			path = append(path, key)
			i = next
			after = true
		case c == ']' || c == '"':
			return nil, syntaxError(s, i, fmt.Sprintf("unexpected %q", c))
		default:
			if after {
				return nil, syntaxError(s, i, "expected '.' or '['")
			}
			start := i
			for i < len(s) && s[i] != '.' && s[i] != '[' && s[i] != ']' && s[i] != '"' {
				i++
			}
			path = append(path, Name(s[start:i]))
			after = true
		}
	}
	return path, nil
}

// MustParse is Parse for paths known at compile time.
func MustParse(s string) Path {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

func parseBracket(s string, open int) (Key, int, error) {
	i := open + 1
	if i >= len(s) {
		return Key{}, 0, syntaxError(s, i, "unterminated '['")
	}
	if s[i] == '"' {
		j := i + 1
		for j < len(s) && s[j] != '"' {
			if s[j] == '\\' {
				j++
			}
			j++
		}
		if j >= len(s) {
			return Key{}, 0, syntaxError(s, i, "unterminated string")
		}
		name, err := strconv.Unquote(s[i : j+1])
		if err != nil {
			return Key{}, 0, syntaxError(s, i, "invalid string escape")
		}
		if j+1 >= len(s) || s[j+1] != ']' {
			return Key{}, 0, syntaxError(s, j+1, "expected ']'")
		}
		return Name(name), j + 2, nil
	}
	j := i
	for j < len(s) && s[j] >= '0' && s[j] <= '9' {
		j++
	}
	if j == i {
		return Key{}, 0, syntaxError(s, i, "expected an index or a quoted key")
	}
	if j >= len(s) || s[j] != ']' {
		return Key{}, 0, syntaxError(s, j, "expected ']'")
	}
	n, err := strconv.Atoi(s[i:j])
	if err != nil {
		return Key{}, 0, syntaxError(s, i, "index out of range")
	}
	return Index(n), j + 1, nil
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || r == '$':
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
