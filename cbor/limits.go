package cbor

// DefaultMaxFrame bounds an encoded frame (1 MiB).
const DefaultMaxFrame int = 1 << 20

// DefaultMaxChunk bounds the payload of one fragment (64 KiB).
const DefaultMaxChunk int = 64 << 10

// MaxFrameHardLimit rejects frames regardless of configured limits (16 MiB).
const MaxFrameHardLimit int = 16 << 20

// Limits bounds frame and fragment sizes on a channel.
type Limits struct {
	MaxFrame int `json:"maxFrame" yaml:"maxFrame"`
	MaxChunk int `json:"maxChunk" yaml:"maxChunk"`
}

// DefaultLimits returns the default limits.
func DefaultLimits() Limits {
	return Limits{
		MaxFrame: DefaultMaxFrame,
		MaxChunk: DefaultMaxChunk,
	}
}

// Normalize replaces unset or out-of-range fields with defaults.
func (l Limits) Normalize() Limits {
	if l.MaxFrame <= 0 || l.MaxFrame > MaxFrameHardLimit {
		l.MaxFrame = DefaultMaxFrame
	}
	if l.MaxChunk <= 0 || l.MaxChunk > l.MaxFrame {
		l.MaxChunk = min(DefaultMaxChunk, l.MaxFrame)
	}
	return l
}
