// Package scan splits text into dictionary terms by repeated longest-match
// lookup.
package scan

import (
	"context"
	"fmt"

	"github.com/precondition/yomitan/host"
)

// DefaultLength is the lookup window when the profile gives none.
const DefaultLength = 10

// Finder is the part of the dictionary engine the scanner needs.
type Finder interface {
	FindTerms(ctx context.Context, text string, opts host.FindTermsOptions) (host.TermResult, error)
}

// Segment is one piece of a parsed line.
type Segment struct {
	Text    string `json:"text"`
	Reading string `json:"reading"`
}

// Group is either one matched term or a run of unmatched text.
type Group []Segment

// Parse walks text one lookup window at a time. A match emits the matched
// source with the first entry's reading and advances past the source; a
// miss appends the current rune to the trailing unmatched group.
//
// The advance uses the length of the source text the engine consumed, not
// the length of the headword it returned.
func Parse(ctx context.Context, finder Finder, text string, length int, opts host.FindTermsOptions) ([]Group, error) {
	if length <= 0 {
		length = DefaultLength
	}
	if opts.Mode == "" {
		opts.Mode = "simple"
	}
	runes := []rune(text)
	var (
		groups    []Group
		unmatched = -1
	)
	for i := 0; i < len(runes); {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(i+length, len(runes))
		res, err := finder.FindTerms(ctx, string(runes[i:end]), opts)
		if err != nil {
			return nil, fmt.Errorf("scanning at %d: %w", i, err)
		}

		if n := res.OriginalTextLength; len(res.Entries) > 0 && n > 0 {
			n = min(n, end-i)
			groups = append(groups, Group{{Text: string(runes[i : i+n]), Reading: res.Entries[0].Reading}})
			unmatched = -1
			i += n
			continue
		}

		if unmatched < 0 {
			groups = append(groups, Group{{}})
			unmatched = len(groups) - 1
		}
		groups[unmatched][0].Text += string(runes[i])
		i++
	}
	return groups, nil
}
