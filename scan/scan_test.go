package scan

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/precondition/yomitan/host"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// prefixFinder matches the longest known word at the start of the query.
type prefixFinder struct {
	words   map[string]string // source -> reading
	queries []string
}

func (f *prefixFinder) FindTerms(ctx context.Context, text string, opts host.FindTermsOptions) (host.TermResult, error) {
	f.queries = append(f.queries, text)
	best := ""
	for w := range f.words {
		if strings.HasPrefix(text, w) && len(w) > len(best) {
			best = w
		}
	}
	if best == "" {
		return host.TermResult{}, nil
	}
	return host.TermResult{
		Entries:            []host.TermEntry{{Term: best, Reading: f.words[best]}},
		OriginalTextLength: utf8.RuneCountInString(best),
	}, nil
}

func TestParseGroupsMatchesAndRuns(t *testing.T) {
	f := &prefixFinder{words: map[string]string{"日本語": "にほんご", "読む": "よむ"}}

	groups, err := Parse(context.Background(), f, "日本語を読む!", 4, host.FindTermsOptions{})
	require.NoError(t, err)
	assert.Equal(t, []Group{
		{{Text: "日本語", Reading: "にほんご"}},
		{{Text: "を"}},
		{{Text: "読む", Reading: "よむ"}},
		{{Text: "!"}},
	}, groups)

	// windows are cut by rune, not byte
	assert.Equal(t, "日本語を", f.queries[0])
}

func TestParseMergesUnmatchedRuns(t *testing.T) {
	f := &prefixFinder{words: map[string]string{"cat": "cat"}}
	groups, err := Parse(context.Background(), f, "a b cat", 0, host.FindTermsOptions{})
	require.NoError(t, err)
	assert.Equal(t, []Group{{{Text: "a b "}}, {{Text: "cat", Reading: "cat"}}}, groups)
}

// lengthFinder reports a consumed length that differs from the headword.
type lengthFinder struct{}

func (lengthFinder) FindTerms(ctx context.Context, text string, opts host.FindTermsOptions) (host.TermResult, error) {
	if strings.HasPrefix(text, "ｶﾞｯｺｳ") {
		return host.TermResult{
			Entries:            []host.TermEntry{{Term: "学校", Reading: "がっこう"}},
			OriginalTextLength: 5,
		}, nil
	}
	return host.TermResult{}, nil
}

func TestParseAdvancesBySourceLength(t *testing.T) {
	groups, err := Parse(context.Background(), lengthFinder{}, "ｶﾞｯｺｳへ", 10, host.FindTermsOptions{})
	require.NoError(t, err)
	assert.Equal(t, []Group{
		{{Text: "ｶﾞｯｺｳ", Reading: "がっこう"}},
		{{Text: "へ"}},
	}, groups)
}

type failingFinder struct{}

func (failingFinder) FindTerms(context.Context, string, host.FindTermsOptions) (host.TermResult, error) {
	return host.TermResult{}, errors.New("engine offline")
}

func TestParseErrors(t *testing.T) {
	_, err := Parse(context.Background(), failingFinder{}, "x", 1, host.FindTermsOptions{})
	assert.ErrorContains(t, err, "engine offline")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Parse(ctx, lengthFinder{}, "abc", 1, host.FindTermsOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseEmpty(t *testing.T) {
	groups, err := Parse(context.Background(), failingFinder{}, "", 5, host.FindTermsOptions{})
	require.NoError(t, err)
	assert.Empty(t, groups)
}
