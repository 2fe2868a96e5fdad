package actionchan

import (
	"encoding/json"
	"fmt"

	"github.com/precondition/yomitan/cbor"
	"github.com/precondition/yomitan/channel"
)

// Codec converts frames to and from channel messages.
type Codec interface {
	Encode(f *cbor.Frame) ([]byte, error)
	Decode(data []byte) (*cbor.Frame, error)
}

// CodecFor returns the codec named by an action-channel descriptor. JSON is
// the default.
func CodecFor(c channel.Codec) (Codec, error) {
	switch c {
	case "", channel.CodecJSON:
		return JSONCodec{}, nil
	case channel.CodecCBOR:
		return CBORCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", c)
	}
}

// CBORCodec sends frames as integer-keyed CBOR maps.
type CBORCodec struct{}

func (CBORCodec) Encode(f *cbor.Frame) ([]byte, error)    { return cbor.EncodeFrame(f) }
func (CBORCodec) Decode(data []byte) (*cbor.Frame, error) { return cbor.DecodeFrame(data) }

// JSONCodec sends frames as {"type": ..., "data": ...} objects. Fragment data
// is a string; for the other types data is the JSON value itself.
type JSONCodec struct{}

type jsonMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (JSONCodec) Encode(f *cbor.Frame) ([]byte, error) {
	msg := jsonMessage{Type: f.Type.String()}
	switch f.Type {
	case cbor.FrameTypeFragment:
		data, err := json.Marshal(string(f.Payload))
		if err != nil {
			return nil, err
		}
		msg.Data = data
	case cbor.FrameTypeProgress, cbor.FrameTypeComplete, cbor.FrameTypeError:
		msg.Data = f.Payload
		if len(msg.Data) == 0 {
			msg.Data = json.RawMessage("null")
		}
	}
	return json.Marshal(msg)
}

func (JSONCodec) Decode(data []byte) (*cbor.Frame, error) {
	var msg jsonMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("message is not an object: %w", err)
	}
	ft, ok := cbor.ParseFrameType(msg.Type)
	if !ok {
		return nil, fmt.Errorf("unknown message type %q", msg.Type)
	}
	switch ft {
	case cbor.FrameTypeFragment:
		var text string
		if err := json.Unmarshal(msg.Data, &text); err != nil {
			return nil, fmt.Errorf("fragment data must be a string")
		}
		return cbor.NewFragment(0, []byte(text)), nil
	case cbor.FrameTypeInvoke:
		return cbor.NewInvoke(), nil
	case cbor.FrameTypeAck:
		return cbor.NewAck(), nil
	case cbor.FrameTypeProgress:
		return cbor.NewProgress(0, orNull(msg.Data)), nil
	case cbor.FrameTypeComplete:
		return cbor.NewComplete(orNull(msg.Data)), nil
	default:
		return cbor.NewError(orNull(msg.Data)), nil
	}
}

func orNull(data json.RawMessage) []byte {
	if len(data) == 0 {
		return []byte("null")
	}
	return data
}
