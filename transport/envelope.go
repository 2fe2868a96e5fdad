package transport

import (
	"encoding/json"

	"github.com/precondition/yomitan/router"
)

// Envelope types on a runtime connection.
const (
	TypeHello    = "hello"
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeEvent    = "event"
)

// Envelope is one JSON message on a runtime connection. Requests and
// responses travel both ways and are matched by ID.
type Envelope struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	Action string          `json:"action,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	Result   json.RawMessage      `json:"result,omitempty"`
	Error    *router.ErrorPayload `json:"error,omitempty"`
	Declined bool                 `json:"declined,omitempty"`

	// hello
	ContextID *int   `json:"contextId,omitempty"`
	FrameID   *int   `json:"frameId,omitempty"`
	URL       string `json:"url,omitempty"`
	Session   string `json:"session,omitempty"`
}

func responseFor(id string, resp router.Response, handled bool) Envelope {
	env := Envelope{Type: TypeResponse, ID: id}
	if !handled {
		env.Declined = true
		return env
	}
	if resp.Error != nil {
		env.Error = resp.Error
		return env
	}
	data, err := json.Marshal(resp.Result)
	if err != nil {
		env.Error = router.Serialize(err)
		return env
	}
	env.Result = data
	return env
}
