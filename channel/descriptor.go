package channel

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates channel descriptors.
type Kind string

const (
	// KindRelayRequest asks the process to pair the channel with a new
	// channel toward another context.
	KindRelayRequest Kind = "relay-request"
	// KindActionChannel carries one streaming operation.
	KindActionChannel Kind = "action-channel"
	// KindRelayTarget is the channel a context opens back after the process
	// asked it to accept a relay. Token matches the pending relay.
	KindRelayTarget Kind = "relay-target"
)

// Codec selects the message encoding of an action channel.
type Codec string

const (
	CodecJSON Codec = "json"
	CodecCBOR Codec = "cbor"
)

// Descriptor is the decoded channel name. Exactly the fields of its Kind are
// meaningful.
type Descriptor struct {
	Kind Kind `json:"kind"`

	// relay-request
	TargetContextID *int `json:"targetContextId,omitempty"`
	TargetFrameID   *int `json:"targetFrameId,omitempty"`

	// action-channel
	ID    string `json:"id,omitempty"`
	Codec Codec  `json:"codec,omitempty"`

	// relay-target
	Token string `json:"token,omitempty"`
}

// RelayRequest builds a relay-request descriptor. A nil target context means
// the opener's own context.
func RelayRequest(targetContextID *int, targetFrameID int) Descriptor {
	return Descriptor{Kind: KindRelayRequest, TargetContextID: targetContextID, TargetFrameID: &targetFrameID}
}

// ActionChannel builds an action-channel descriptor with a fresh id.
func ActionChannel(codec Codec) Descriptor {
	return Descriptor{Kind: KindActionChannel, ID: NewID(), Codec: codec}
}

// RelayTarget builds the descriptor a relay target opens back with.
func RelayTarget(token string) Descriptor {
	return Descriptor{Kind: KindRelayTarget, Token: token}
}

// ParseDescriptor decodes and validates a channel name.
func ParseDescriptor(name string) (Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal([]byte(name), &d); err != nil {
		return Descriptor{}, fmt.Errorf("channel name is not a descriptor: %w", err)
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// Validate checks the kind-specific fields.
func (d Descriptor) Validate() error {
	switch d.Kind {
	case KindRelayRequest:
		if d.TargetFrameID == nil {
			return fmt.Errorf("relay-request descriptor needs targetFrameId")
		}
		if *d.TargetFrameID < 0 || (d.TargetContextID != nil && *d.TargetContextID < 0) {
			return fmt.Errorf("relay-request descriptor has a negative target")
		}
	case KindActionChannel:
		if d.ID == "" {
			return fmt.Errorf("action-channel descriptor needs an id")
		}
		switch d.Codec {
		case "", CodecJSON, CodecCBOR:
		default:
			return fmt.Errorf("unknown action-channel codec %q", d.Codec)
		}
	case KindRelayTarget:
		if d.Token == "" {
			return fmt.Errorf("relay-target descriptor needs a token")
		}
	default:
		return fmt.Errorf("unknown channel kind %q", d.Kind)
	}
	return nil
}

// Name encodes the descriptor as a channel name.
func (d Descriptor) Name() string {
	data, err := json.Marshal(d)
	if err != nil {
		return ""
	}
	return string(data)
}
