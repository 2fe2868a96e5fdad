package actionchan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/precondition/yomitan/cbor"
	"github.com/precondition/yomitan/channel"
	"github.com/precondition/yomitan/router"
)

// ErrNoTerminal is returned when the channel closes before complete or error.
var ErrNoTerminal = errors.New("action channel closed before completion")

// Client calls operations over action channels.
type Client struct {
	Limits cbor.Limits
	// OnAck, if set, runs when the server acknowledges the request.
	OnAck func()
}

// Call sends action with params as fragments on port, invokes it, and waits
// for the terminal message. onProgress receives each progress payload (a
// JSON array) in order. Errors reported by the server are *router.ErrorPayload.
func (c *Client) Call(ctx context.Context, port channel.Port, action string, params any, onProgress func(json.RawMessage)) (json.RawMessage, error) {
	codec, err := CodecFor(port.Descriptor().Codec)
	if err != nil {
		return nil, err
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	request, err := json.Marshal(router.Message{Action: action, Params: rawParams})
	if err != nil {
		return nil, err
	}

	for _, f := range cbor.FragmentRequest(request, c.Limits.Normalize()) {
		if err := sendFrame(ctx, port, codec, f); err != nil {
			return nil, err
		}
	}
	if err := sendFrame(ctx, port, codec, cbor.NewInvoke()); err != nil {
		return nil, err
	}

	for {
		data, err := port.Receive(ctx)
		if err != nil {
			if errors.Is(err, channel.ErrClosed) {
				return nil, ErrNoTerminal
			}
			return nil, err
		}
		f, err := codec.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("decoding server message: %w", err)
		}
		switch f.Type {
		case cbor.FrameTypeAck:
			if c.OnAck != nil {
				c.OnAck()
			}
		case cbor.FrameTypeProgress:
			if onProgress != nil {
				onProgress(json.RawMessage(f.Payload))
			}
		case cbor.FrameTypeComplete:
			return json.RawMessage(f.Payload), nil
		case cbor.FrameTypeError:
			var payload router.ErrorPayload
			if err := json.Unmarshal(f.Payload, &payload); err != nil {
				return nil, fmt.Errorf("decoding server error: %w", err)
			}
			return nil, &payload
		default:
			return nil, fmt.Errorf("unexpected %s message from server", f.Type)
		}
	}
}

func sendFrame(ctx context.Context, port channel.Port, codec Codec, f *cbor.Frame) error {
	data, err := codec.Encode(f)
	if err != nil {
		return err
	}
	return port.Send(ctx, data)
}
