package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/precondition/yomitan/host"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const extBase = "chrome-extension://abcdef/"

func newRouter(t *testing.T) *Router {
	t.Helper()
	origin, err := host.NewExtensionOrigin(extBase)
	require.NoError(t, err)
	return New(origin, nil)
}

func trusted() host.Sender   { return host.NewSender(1, 0, extBase+"search.html") }
func untrusted() host.Sender { return host.NewSender(2, 0, "https://example.com/") }

func echo() HandlerFunc {
	return func(ctx context.Context, req *Request) (any, error) {
		var params map[string]any
		if err := req.Bind(&params); err != nil {
			return nil, err
		}
		return params, nil
	}
}

func TestDispatchUnknownActionDeclines(t *testing.T) {
	r := newRouter(t)
	r.MustRegister(Registration{Name: "known", Handler: echo()})
	r.Seal()

	for _, name := range []string{"", "unknown", "Known", "known "} {
		resp, handled := r.Dispatch(context.Background(), Message{Action: name}, untrusted())
		assert.False(t, handled, name)
		assert.Nil(t, resp.Error, name)
	}
}

func TestPrivilegedOperationNeverRunsForForeignSender(t *testing.T) {
	r := newRouter(t)
	var calls int32
	names := []string{"purgeDatabase", "setAllSettings", "clipboardGet"}
	for _, n := range names {
		r.MustRegister(Registration{
			Name:       n,
			Privileged: true,
			Handler: HandlerFunc(func(context.Context, *Request) (any, error) {
				atomic.AddInt32(&calls, 1)
				return true, nil
			}),
		})
	}
	r.Seal()

	senders := []host.Sender{
		untrusted(),
		{URL: ""},
		host.NewSender(1, 0, "chrome-extension://other/search.html"),
		host.NewSender(1, 0, "chrome-extension://abcdefg/search.html"),
	}
	for _, n := range names {
		for _, s := range senders {
			resp, handled := r.Dispatch(context.Background(), Message{Action: n}, s)
			require.True(t, handled)
			require.NotNil(t, resp.Error, "%s from %q", n, s.URL)
			assert.Equal(t, CodeUnprivileged, resp.Error.Code)
		}
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))

	resp, handled := r.Dispatch(context.Background(), Message{Action: names[0]}, trusted())
	require.True(t, handled)
	assert.Nil(t, resp.Error)
	assert.Equal(t, true, resp.Result)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestHandlerErrorsAreSerialized(t *testing.T) {
	r := newRouter(t)
	r.MustRegister(
		Registration{Name: "fails", Handler: HandlerFunc(func(context.Context, *Request) (any, error) {
			return nil, errors.New("boom")
		})},
		Registration{Name: "panics", Handler: HandlerFunc(func(context.Context, *Request) (any, error) {
			panic("kaboom")
		})},
		Registration{Name: "collab", Handler: HandlerFunc(func(context.Context, *Request) (any, error) {
			return nil, Collaborator("anki", context.DeadlineExceeded)
		})},
	)
	r.Seal()

	resp, handled := r.Dispatch(context.Background(), Message{Action: "fails"}, trusted())
	require.True(t, handled)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "boom", resp.Error.Message)
	assert.Equal(t, CodeInternalError, resp.Error.Code)

	resp, _ = r.Dispatch(context.Background(), Message{Action: "panics"}, trusted())
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeHandlerFault, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "kaboom")

	resp, _ = r.Dispatch(context.Background(), Message{Action: "collab"}, trusted())
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeTimeout, resp.Error.Code)
}

func TestParamsSchema(t *testing.T) {
	r := newRouter(t)
	var calls int32
	r.MustRegister(Registration{
		Name:         "termsFind",
		ParamsSchema: `{"type":"object","required":["text"],"properties":{"text":{"type":"string"}}}`,
		Handler: HandlerFunc(func(ctx context.Context, req *Request) (any, error) {
			atomic.AddInt32(&calls, 1)
			return nil, nil
		}),
	})
	r.Seal()

	for _, params := range []string{``, `{}`, `{"text":3}`, `[1]`} {
		resp, handled := r.Dispatch(context.Background(), Message{Action: "termsFind", Params: json.RawMessage(params)}, untrusted())
		require.True(t, handled)
		require.NotNil(t, resp.Error, params)
		assert.Equal(t, CodeInvalidParams, resp.Error.Code, params)
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))

	resp, _ := r.Dispatch(context.Background(), Message{Action: "termsFind", Params: json.RawMessage(`{"text":"猫"}`)}, untrusted())
	assert.Nil(t, resp.Error)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRegistrationRules(t *testing.T) {
	r := newRouter(t)
	require.NoError(t, r.Register(Registration{Name: "a", Handler: echo()}))
	assert.ErrorIs(t, r.Register(Registration{Name: "a", Handler: echo()}), ErrDuplicate)
	assert.Error(t, r.Register(Registration{Name: "b"}))
	assert.Error(t, r.Register(Registration{Name: "c", Handler: echo(), ParamsSchema: `{"type": 7}`}))

	r.Seal()
	assert.ErrorIs(t, r.Register(Registration{Name: "d", Handler: echo()}), ErrSealed)
	assert.Panics(t, func() { r.MustRegister(Registration{Name: "e", Handler: echo()}) })

	reg, ok := r.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, "a", reg.Name)
	assert.Equal(t, []string{"a"}, r.Names())
}

func TestInvokePassesProgress(t *testing.T) {
	r := newRouter(t)
	r.MustRegister(Registration{Name: "count", Async: true, Handler: HandlerFunc(func(ctx context.Context, req *Request) (any, error) {
		for i := 1; i <= 3; i++ {
			req.Progress(i)
		}
		return "done", nil
	})})
	r.Seal()

	var got []any
	resp, handled := r.Invoke(context.Background(), Message{Action: "count"}, trusted(), func(data ...any) {
		got = append(got, data...)
	})
	require.True(t, handled)
	assert.Equal(t, "done", resp.Result)
	assert.Equal(t, []any{1, 2, 3}, got)

	// One-shot dispatch tolerates progress calls.
	resp, _ = r.Dispatch(context.Background(), Message{Action: "count"}, trusted())
	assert.Equal(t, "done", resp.Result)
}

func TestResponseJSON(t *testing.T) {
	data, err := json.Marshal(Response{Result: nil})
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":null}`, string(data))

	data, err = json.Marshal(Response{Error: Serialize(Malformed("bad"))})
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":{"name":"Error","message":"malformed message: bad","code":"MALFORMED_MESSAGE"}}`, string(data))

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(`{"result":{"a":1}}`), &resp))
	assert.JSONEq(t, `{"a":1}`, string(resp.Result.(json.RawMessage)))
	assert.NoError(t, resp.Err())

	require.NoError(t, json.Unmarshal([]byte(`{"error":{"name":"Error","message":"x"}}`), &resp))
	assert.Nil(t, resp.Result)
	assert.EqualError(t, resp.Err(), "Error: x")
}

type codedErr struct{}

func (codedErr) Error() string     { return "coded" }
func (codedErr) ErrorCode() string { return "INVALID_PATH" }

func TestSerialize(t *testing.T) {
	assert.Nil(t, Serialize(nil))
	assert.Equal(t, "INVALID_PATH", Serialize(codedErr{}).Code)
	p := &ErrorPayload{Name: "Remote", Message: "m", Code: "X"}
	assert.Same(t, p, Serialize(p))
	assert.Equal(t, CodeTimeout, Serialize(context.DeadlineExceeded).Code)
}
