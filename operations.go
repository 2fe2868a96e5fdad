package yomitan

import (
	"context"
	"errors"
	"runtime"

	"github.com/precondition/yomitan/host"
	"github.com/precondition/yomitan/popup"
	"github.com/precondition/yomitan/profile"
	"github.com/precondition/yomitan/router"
	"github.com/precondition/yomitan/scan"
	"github.com/precondition/yomitan/settings"
	"github.com/precondition/yomitan/transport"
	"go.uber.org/zap"
)

const (
	textSchema = `{
		"type": "object",
		"required": ["text"],
		"properties": {"text": {"type": "string"}}
	}`
	targetsSchema = `{
		"type": "object",
		"required": ["targets"],
		"properties": {"targets": {"type": "array", "items": {"type": "object"}}}
	}`
	setAllSchema = `{
		"type": "object",
		"required": ["value"],
		"properties": {"value": {"type": "object"}, "source": {"type": "string"}}
	}`
	tabSchema = `{
		"type": "object",
		"required": ["tabId"],
		"properties": {"tabId": {"type": "integer"}}
	}`
	frameMessageSchema = `{
		"type": "object",
		"required": ["frameId", "message"],
		"properties": {
			"frameId": {"type": "integer"},
			"message": {
				"type": "object",
				"required": ["action"],
				"properties": {"action": {"type": "string", "minLength": 1}}
			}
		}
	}`
	noteSchema = `{
		"type": "object",
		"required": ["note"],
		"properties": {"note": {"type": "object"}}
	}`
	noteIDsSchema = `{
		"type": "object",
		"required": ["noteIds"],
		"properties": {"noteIds": {"type": "array", "items": {"type": "integer"}}}
	}`
)

func (b *Backend) operations() []router.Registration {
	op := func(name string, fn router.HandlerFunc) router.Registration {
		return router.Registration{Name: name, Handler: fn}
	}
	async := func(reg router.Registration) router.Registration {
		reg.Async = true
		return reg
	}
	privileged := func(reg router.Registration) router.Registration {
		reg.Privileged = true
		return reg
	}
	schema := func(s string, reg router.Registration) router.Registration {
		reg.ParamsSchema = s
		return reg
	}

	return []router.Registration{
		op("requestBackendReadySignal", b.requestBackendReadySignal),
		op("yomichanReady", b.yomichanReady),
		op("optionsGet", b.optionsGet),
		op("optionsGetFull", b.optionsGetFull),
		op("getProfileIndex", b.getProfileIndex),
		schema(targetsSchema, op("getSettings", b.getSettings)),
		async(schema(targetsSchema, op("modifySettings", b.modifySettings))),
		privileged(async(schema(setAllSchema, op("setAllSettings", b.setAllSettings)))),
		privileged(async(op("optionsSave", b.optionsSave))),
		async(schema(textSchema, op("termsFind", b.termsFind))),
		async(schema(textSchema, op("kanjiFind", b.kanjiFind))),
		async(schema(textSchema, op("textParse", b.textParse))),
		async(schema(textSchema, op("parseText", b.parseText))),
		async(op("getDictionaryInfo", b.getDictionaryInfo)),
		privileged(async(op("purgeDatabase", b.purgeDatabase))),
		async(schema(noteSchema, op("addAnkiNote", b.addAnkiNote))),
		async(schema(noteIDsSchema, op("getAnkiNoteInfo", b.getAnkiNoteInfo))),
		privileged(async(op("clipboardGet", b.clipboardGet))),
		async(op("getOrCreateSearchPopup", b.getOrCreateSearchPopup)),
		schema(tabSchema, op("isTabSearchPopup", b.isTabSearchPopup)),
		op("frameInformationGet", b.frameInformationGet),
		async(schema(frameMessageSchema, op("sendMessageToFrame", b.sendMessageToFrame))),
		op("getEnvironmentInfo", b.getEnvironmentInfo),
	}
}

type optionsParams struct {
	OptionsContext *profile.OptionsContext `json:"optionsContext"`
}

func (p optionsParams) selector() profile.OptionsContext {
	if p.OptionsContext == nil {
		return profile.Current()
	}
	return *p.OptionsContext
}

func (b *Backend) profileFor(oc profile.OptionsContext) (profile.Profile, error) {
	p, err := b.state.Load().Profile(oc)
	if err != nil {
		return profile.Profile{}, router.InvalidParams("optionsContext: %v", err)
	}
	return p, nil
}

func (b *Backend) requestBackendReadySignal(_ context.Context, req *router.Request) (any, error) {
	c, f, ok := req.Sender.IDs()
	if !ok {
		// Callers without a frame learn readiness from the reply itself.
		return true, nil
	}
	if err := b.transport.Notify(c, f, ActionBackendReady, nil); err != nil {
		b.logger.Debug("ready signal not delivered", zap.Int("context", c), zap.Int("frame", f), zap.Error(err))
		return false, nil
	}
	return true, nil
}

func (b *Backend) yomichanReady(_ context.Context, req *router.Request) (any, error) {
	if req.Sender.ContextID == nil {
		return nil, router.InvalidParams("yomichanReady: sender has no context")
	}
	b.signals.Signal(*req.Sender.ContextID)
	return nil, nil
}

func (b *Backend) optionsGet(_ context.Context, req *router.Request) (any, error) {
	var p optionsParams
	if err := req.Bind(&p); err != nil {
		return nil, err
	}
	prof, err := b.profileFor(p.selector())
	if err != nil {
		return nil, err
	}
	return prof.Options, nil
}

func (b *Backend) optionsGetFull(context.Context, *router.Request) (any, error) {
	return b.state.Load().Full(), nil
}

func (b *Backend) getProfileIndex(_ context.Context, req *router.Request) (any, error) {
	var p optionsParams
	if err := req.Bind(&p); err != nil {
		return nil, err
	}
	i, err := b.state.Load().ProfileIndex(p.selector())
	if err != nil {
		return nil, router.InvalidParams("optionsContext: %v", err)
	}
	return i, nil
}

type targetsParams struct {
	Targets []settings.Target `json:"targets"`
	Source  string            `json:"source"`
}

// targetOutcome is the wire form of one settings.Outcome.
type targetOutcome struct {
	Result any                  `json:"result,omitempty"`
	Error  *router.ErrorPayload `json:"error,omitempty"`
}

func outcomes(out []settings.Outcome) ([]targetOutcome, bool) {
	wire := make([]targetOutcome, len(out))
	changed := false
	for i, o := range out {
		if o.Err != nil {
			wire[i].Error = router.Serialize(o.Err)
			continue
		}
		wire[i].Result = o.Result
		changed = true
	}
	return wire, changed
}

func (b *Backend) getSettings(_ context.Context, req *router.Request) (any, error) {
	var p targetsParams
	if err := req.Bind(&p); err != nil {
		return nil, err
	}
	wire, _ := outcomes(b.state.Load().Get(p.Targets))
	return wire, nil
}

func (b *Backend) modifySettings(_ context.Context, req *router.Request) (any, error) {
	var p targetsParams
	if err := req.Bind(&p); err != nil {
		return nil, err
	}
	if p.Source == "" {
		p.Source = req.Action
	}
	wire, changed := outcomes(b.state.Load().Modify(p.Targets, p.Source))
	if changed {
		if err := b.save(p.Source); err != nil {
			return nil, err
		}
	}
	return wire, nil
}

func (b *Backend) setAllSettings(_ context.Context, req *router.Request) (any, error) {
	var p struct {
		Value  map[string]any `json:"value"`
		Source string         `json:"source"`
	}
	if err := req.Bind(&p); err != nil {
		return nil, err
	}
	if p.Source == "" {
		p.Source = req.Action
	}
	if err := b.state.Load().Replace(p.Value, p.Source); err != nil {
		return nil, router.InvalidParams("value: %v", err)
	}
	return nil, b.save(p.Source)
}

func (b *Backend) optionsSave(_ context.Context, req *router.Request) (any, error) {
	var p struct {
		Source string `json:"source"`
	}
	if err := req.Bind(&p); err != nil {
		return nil, err
	}
	return nil, b.save(p.Source)
}

type textParams struct {
	Text           string                  `json:"text"`
	OptionsContext *profile.OptionsContext `json:"optionsContext"`
}

func (p textParams) selector() profile.OptionsContext {
	return optionsParams{OptionsContext: p.OptionsContext}.selector()
}

func (b *Backend) findOptions(oc profile.OptionsContext) (host.FindTermsOptions, profile.Profile, error) {
	prof, err := b.profileFor(oc)
	if err != nil {
		return host.FindTermsOptions{}, prof, err
	}
	mode, _ := lookup(prof.Options, "general", "resultOutputMode").(string)
	return host.FindTermsOptions{Mode: mode, Options: prof.Options}, prof, nil
}

func (b *Backend) termsFind(ctx context.Context, req *router.Request) (any, error) {
	if b.collab.Dictionary == nil {
		return nil, router.Collaborator("dictionary", errNotConfigured)
	}
	var p textParams
	if err := req.Bind(&p); err != nil {
		return nil, err
	}
	opts, _, err := b.findOptions(p.selector())
	if err != nil {
		return nil, err
	}
	res, err := b.collab.Dictionary.FindTerms(ctx, p.Text, opts)
	if err != nil {
		return nil, router.Collaborator("dictionary", err)
	}
	return res, nil
}

func (b *Backend) kanjiFind(ctx context.Context, req *router.Request) (any, error) {
	if b.collab.Dictionary == nil {
		return nil, router.Collaborator("dictionary", errNotConfigured)
	}
	var p textParams
	if err := req.Bind(&p); err != nil {
		return nil, err
	}
	opts, _, err := b.findOptions(p.selector())
	if err != nil {
		return nil, err
	}
	res, err := b.collab.Dictionary.FindKanji(ctx, p.Text, opts)
	if err != nil {
		return nil, router.Collaborator("dictionary", err)
	}
	return res, nil
}

// ParseResult is one parser's reading of a text.
type ParseResult struct {
	ID         string  `json:"id"`
	Source     string  `json:"source"`
	Dictionary *string `json:"dictionary"`
	Index      int     `json:"index"`
	Content    any     `json:"content"`
}

// textParse runs the greedy scanning parser and, when the profile enables it,
// the external segmenter. Each finished parser is reported as progress.
func (b *Backend) textParse(ctx context.Context, req *router.Request) (any, error) {
	var p textParams
	if err := req.Bind(&p); err != nil {
		return nil, err
	}
	opts, prof, err := b.findOptions(p.selector())
	if err != nil {
		return nil, err
	}

	results := []ParseResult{}
	if enabled, ok := lookup(prof.Options, "parsing", "enableScanningParser").(bool); !ok || enabled {
		if b.collab.Dictionary == nil {
			return nil, router.Collaborator("dictionary", errNotConfigured)
		}
		length := scan.DefaultLength
		if n, ok := lookup(prof.Options, "scanning", "length").(float64); ok && n > 0 {
			length = int(n)
		}
		groups, err := scan.Parse(ctx, b.collab.Dictionary, p.Text, length, opts)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			return nil, router.Collaborator("dictionary", err)
		}
		results = append(results, ParseResult{ID: "scan", Source: "scanning-parser", Content: groups})
		req.Progress(len(results))
	}

	if enabled, _ := lookup(prof.Options, "parsing", "enableMecabParser").(bool); enabled && b.collab.Segmenter != nil {
		lines, err := b.collab.Segmenter.Parse(ctx, p.Text)
		if err != nil {
			b.logger.Warn("segmenter failed", zap.Error(err))
		} else {
			results = append(results, ParseResult{ID: "mecab", Source: "mecab", Content: lines})
			req.Progress(len(results))
		}
	}
	return results, nil
}

func (b *Backend) parseText(ctx context.Context, req *router.Request) (any, error) {
	if b.collab.Segmenter == nil {
		return nil, router.Collaborator("segmenter", errNotConfigured)
	}
	var p textParams
	if err := req.Bind(&p); err != nil {
		return nil, err
	}
	lines, err := b.collab.Segmenter.Parse(ctx, p.Text)
	if err != nil {
		return nil, router.Collaborator("segmenter", err)
	}
	return lines, nil
}

func (b *Backend) getDictionaryInfo(ctx context.Context, _ *router.Request) (any, error) {
	if b.collab.Dictionary == nil {
		return nil, router.Collaborator("dictionary", errNotConfigured)
	}
	info, err := b.collab.Dictionary.DictionaryInfo(ctx)
	if err != nil {
		return nil, router.Collaborator("dictionary", err)
	}
	return info, nil
}

func (b *Backend) purgeDatabase(ctx context.Context, _ *router.Request) (any, error) {
	if b.collab.Dictionary == nil {
		return nil, router.Collaborator("dictionary", errNotConfigured)
	}
	if err := b.collab.Dictionary.Purge(ctx); err != nil {
		return nil, router.Collaborator("dictionary", err)
	}
	b.logger.Info("dictionary database purged")
	return nil, nil
}

func (b *Backend) addAnkiNote(ctx context.Context, req *router.Request) (any, error) {
	if b.collab.Anki == nil {
		return nil, router.Collaborator("anki", errNotConfigured)
	}
	var p struct {
		Note host.AnkiNote `json:"note"`
	}
	if err := req.Bind(&p); err != nil {
		return nil, err
	}
	id, err := b.collab.Anki.AddNote(ctx, p.Note)
	if err != nil {
		return nil, router.Collaborator("anki", err)
	}
	return id, nil
}

func (b *Backend) getAnkiNoteInfo(ctx context.Context, req *router.Request) (any, error) {
	if b.collab.Anki == nil {
		return nil, router.Collaborator("anki", errNotConfigured)
	}
	var p struct {
		NoteIDs []int64 `json:"noteIds"`
	}
	if err := req.Bind(&p); err != nil {
		return nil, err
	}
	info, err := b.collab.Anki.NotesInfo(ctx, p.NoteIDs)
	if err != nil {
		return nil, router.Collaborator("anki", err)
	}
	return info, nil
}

func (b *Backend) clipboardGet(ctx context.Context, _ *router.Request) (any, error) {
	if b.collab.Clipboard == nil {
		return nil, router.Collaborator("clipboard", errNotConfigured)
	}
	text, err := b.collab.Clipboard.Text(ctx)
	if err != nil {
		return nil, router.Collaborator("clipboard", err)
	}
	return text, nil
}

func (b *Backend) getOrCreateSearchPopup(ctx context.Context, req *router.Request) (any, error) {
	var opts popup.Options
	if err := req.Bind(&opts); err != nil {
		return nil, err
	}
	res, err := b.popups.GetOrCreate(ctx, opts)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (b *Backend) isTabSearchPopup(_ context.Context, req *router.Request) (any, error) {
	var p struct {
		TabID int `json:"tabId"`
	}
	if err := req.Bind(&p); err != nil {
		return nil, err
	}
	return b.popups.IsSearchPopup(p.TabID), nil
}

func (b *Backend) frameInformationGet(_ context.Context, req *router.Request) (any, error) {
	return struct {
		TabID   *int `json:"tabId"`
		FrameID *int `json:"frameId"`
	}{req.Sender.ContextID, req.Sender.FrameID}, nil
}

// sendMessageToFrame forwards a message to another frame of the sender's own
// context and returns that frame's reply.
func (b *Backend) sendMessageToFrame(ctx context.Context, req *router.Request) (any, error) {
	var p struct {
		FrameID int            `json:"frameId"`
		Message router.Message `json:"message"`
	}
	if err := req.Bind(&p); err != nil {
		return nil, err
	}
	if req.Sender.ContextID == nil {
		return nil, router.InvalidParams("sendMessageToFrame: sender has no context")
	}
	reply, err := b.transport.SendToContext(ctx, *req.Sender.ContextID, p.FrameID, p.Message.Action, p.Message.Params)
	switch {
	case errors.Is(err, transport.ErrNotHandled):
		return nil, router.InvalidParams("frame %d did not handle %s", p.FrameID, p.Message.Action)
	case err != nil:
		return nil, router.Collaborator("frame", err)
	}
	return reply, nil
}

func (b *Backend) getEnvironmentInfo(context.Context, *router.Request) (any, error) {
	browser := b.cfg.Browser
	if browser == "" {
		browser = "none"
	}
	return map[string]any{
		"browser": browser,
		"platform": map[string]string{
			"os":   runtime.GOOS,
			"arch": runtime.GOARCH,
		},
	}, nil
}

// lookup walks nested objects by key and returns nil when any step is missing.
func lookup(tree map[string]any, keys ...string) any {
	var cur any = tree
	for _, k := range keys {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[k]
	}
	return cur
}
