package host

import (
	"context"
	"encoding/json"
)

// TermEntry is one dictionary match as returned by the lookup engine. The
// control plane only inspects Term, Reading and Source; the rest is passed
// through to callers untouched.
type TermEntry struct {
	Term    string          `json:"term"`
	Reading string          `json:"reading"`
	Source  string          `json:"source"`
	Details json.RawMessage `json:"details,omitempty"`
}

// TermResult is the outcome of a term lookup. OriginalTextLength counts the
// runes of the query text consumed by the longest match.
type TermResult struct {
	Entries            []TermEntry `json:"dictionaryEntries"`
	OriginalTextLength int         `json:"originalTextLength"`
}

// FindTermsOptions are the lookup options derived from the resolved profile.
type FindTermsOptions struct {
	Mode    string         `json:"mode"`
	Options map[string]any `json:"options,omitempty"`
}

// Dictionary is the term/kanji lookup engine.
type Dictionary interface {
	FindTerms(ctx context.Context, text string, opts FindTermsOptions) (TermResult, error)
	FindKanji(ctx context.Context, text string, opts FindTermsOptions) (json.RawMessage, error)
	DictionaryInfo(ctx context.Context) (json.RawMessage, error)
	Purge(ctx context.Context) error
}

// AnkiNote is an opaque flashcard note payload.
type AnkiNote = json.RawMessage

// Anki is the flashcard export integration.
type Anki interface {
	Version(ctx context.Context) (int, error)
	AddNote(ctx context.Context, note AnkiNote) (int64, error)
	NotesInfo(ctx context.Context, noteIDs []int64) (json.RawMessage, error)
}

// Clipboard reads the system clipboard.
type Clipboard interface {
	Text(ctx context.Context) (string, error)
}

// Segment is one token produced by the text segmentation service.
type Segment struct {
	Text    string `json:"text"`
	Reading string `json:"reading,omitempty"`
}

// Segmenter is the external linguistic segmentation service.
type Segmenter interface {
	Parse(ctx context.Context, text string) ([][]Segment, error)
}
