package cbor

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// CBOR map keys.
const (
	keyVersion  = 0 // version (u8)
	keyType     = 1 // frame type (u8)
	keySeq      = 2 // seq (u64, optional)
	keyPayload  = 3 // payload (bstr, optional)
	keyChecksum = 4 // checksum (u64, FNV-1a of payload)
)

// EncodeFrame encodes a frame to CBOR bytes.
func EncodeFrame(frame *Frame) ([]byte, error) {
	m := make(map[int]interface{})
	m[keyVersion] = ProtocolVersion
	m[keyType] = uint8(frame.Type)
	if frame.Seq != 0 {
		m[keySeq] = frame.Seq
	}
	if frame.Payload != nil {
		m[keyPayload] = frame.Payload
		sum := ComputeChecksum(frame.Payload)
		if frame.Checksum != nil {
			sum = *frame.Checksum
		}
		m[keyChecksum] = sum
	}

	data, err := cbor.Marshal(m)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxFrameHardLimit {
		return nil, fmt.Errorf("encoded frame size %d exceeds hard limit %d", len(data), MaxFrameHardLimit)
	}
	return data, nil
}

// DecodeFrame decodes CBOR bytes into a frame and verifies its checksum.
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) > MaxFrameHardLimit {
		return nil, fmt.Errorf("frame size %d exceeds hard limit %d", len(data), MaxFrameHardLimit)
	}
	var m map[int]interface{}
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, err
	}

	ver, err := uintField(m, keyVersion, "version", true)
	if err != nil {
		return nil, err
	}
	if ver != uint64(ProtocolVersion) {
		return nil, fmt.Errorf("unsupported frame version %d, expected %d", ver, ProtocolVersion)
	}
	ft, err := uintField(m, keyType, "frame type", true)
	if err != nil {
		return nil, err
	}
	if ft > uint64(FrameTypeError) {
		return nil, fmt.Errorf("unknown frame type %d", ft)
	}
	seq, err := uintField(m, keySeq, "seq", false)
	if err != nil {
		return nil, err
	}
	frame := &Frame{Version: ProtocolVersion, Type: FrameType(ft), Seq: seq}

	raw, ok := m[keyPayload]
	if !ok {
		return frame, nil
	}
	if frame.Payload, ok = raw.([]byte); !ok {
		return nil, errors.New("payload must be a byte string")
	}
	if _, ok := m[keyChecksum]; !ok {
		return nil, fmt.Errorf("%s frame with payload requires checksum", frame.Type)
	}
	sum, err := uintField(m, keyChecksum, "checksum", true)
	if err != nil {
		return nil, err
	}
	if want := ComputeChecksum(frame.Payload); sum != want {
		return nil, fmt.Errorf("checksum mismatch on %s frame: got %d, want %d", frame.Type, sum, want)
	}
	frame.Checksum = &sum
	return frame, nil
}

// uintField reads an unsigned integer map entry. An absent optional entry
// reads as zero.
func uintField(m map[int]interface{}, key int, name string, required bool) (uint64, error) {
	v, ok := m[key]
	if !ok {
		if required {
			return 0, fmt.Errorf("missing %s (key %d)", name, key)
		}
		return 0, nil
	}
	n, ok := v.(uint64)
	if !ok {
		return 0, fmt.Errorf("%s must be an unsigned integer", name)
	}
	return n, nil
}
