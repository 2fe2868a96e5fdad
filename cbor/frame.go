// Package cbor encodes action-channel frames as integer-keyed CBOR maps.
//
// A frame carries one protocol message of the streaming action channel:
// request fragments and the invoke trigger inbound, and ack, progress,
// complete, and error outbound.
package cbor

import (
	"fmt"
	"hash/fnv"
	"unicode/utf8"
)

// ProtocolVersion is written into every frame and checked on decode.
const ProtocolVersion uint8 = 1

// FrameType is the message kind of a frame.
type FrameType uint8

const (
	FrameTypeFragment FrameType = 0
	FrameTypeInvoke   FrameType = 1
	FrameTypeAck      FrameType = 2
	FrameTypeProgress FrameType = 3
	FrameTypeComplete FrameType = 4
	FrameTypeError    FrameType = 5
)

// String returns the wire name used by the JSON codec.
func (ft FrameType) String() string {
	switch ft {
	case FrameTypeFragment:
		return "fragment"
	case FrameTypeInvoke:
		return "invoke"
	case FrameTypeAck:
		return "ack"
	case FrameTypeProgress:
		return "progress"
	case FrameTypeComplete:
		return "complete"
	case FrameTypeError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(ft))
	}
}

// ParseFrameType maps a wire name back to its FrameType.
func ParseFrameType(name string) (FrameType, bool) {
	for ft := FrameTypeFragment; ft <= FrameTypeError; ft++ {
		if ft.String() == name {
			return ft, true
		}
	}
	return 0, false
}

// Frame is one action-channel message.
type Frame struct {
	Version uint8
	Type    FrameType
	// Seq orders fragments and progress frames within a channel.
	Seq uint64
	// Payload is fragment text for fragments and a JSON value for
	// progress, complete, and error frames.
	Payload []byte
	// Checksum is the FNV-1a hash of Payload. It is set on every frame that
	// carries a payload.
	Checksum *uint64
}

func newFrame(ft FrameType, seq uint64, payload []byte) *Frame {
	f := &Frame{Version: ProtocolVersion, Type: ft, Seq: seq, Payload: payload}
	if payload != nil {
		sum := ComputeChecksum(payload)
		f.Checksum = &sum
	}
	return f
}

// NewFragment returns fragment seq of a request.
func NewFragment(seq uint64, text []byte) *Frame { return newFrame(FrameTypeFragment, seq, text) }

func NewInvoke() *Frame { return newFrame(FrameTypeInvoke, 0, nil) }

func NewAck() *Frame { return newFrame(FrameTypeAck, 0, nil) }

func NewProgress(seq uint64, data []byte) *Frame { return newFrame(FrameTypeProgress, seq, data) }

func NewComplete(data []byte) *Frame { return newFrame(FrameTypeComplete, 0, data) }

func NewError(data []byte) *Frame { return newFrame(FrameTypeError, 0, data) }

// IsTerminal reports whether no frame may follow this one on its channel.
func (f *Frame) IsTerminal() bool {
	return f.Type == FrameTypeComplete || f.Type == FrameTypeError
}

// ComputeChecksum returns the FNV-1a 64-bit hash of data.
func ComputeChecksum(data []byte) uint64 {
	h := fnv.New64a()
	h.Write(data)
	return h.Sum64()
}

// FragmentRequest splits a serialized request into fragment frames of at most
// limits.MaxChunk bytes. Splits never cut a UTF-8 sequence, so every
// fragment is valid text on its own.
func FragmentRequest(request []byte, limits Limits) []*Frame {
	parts := SplitText(request, limits.MaxChunk)
	frames := make([]*Frame, len(parts))
	for i, p := range parts {
		frames[i] = NewFragment(uint64(i), p)
	}
	return frames
}

// SplitText cuts data into pieces of at most max bytes on rune boundaries.
// A max smaller than one rune still makes progress one rune at a time.
func SplitText(data []byte, max int) [][]byte {
	if max <= 0 {
		max = DefaultMaxChunk
	}
	var parts [][]byte
	for len(data) > 0 {
		n := max
		if n >= len(data) {
			parts = append(parts, data)
			break
		}
		for n > 0 && !utf8.RuneStart(data[n]) {
			n--
		}
		if n == 0 {
			_, size := utf8.DecodeRune(data)
			n = size
		}
		parts = append(parts, data[:n])
		data = data[n:]
	}
	return parts
}
