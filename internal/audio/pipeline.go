package audio

import (
	"errors"
	"fmt"
)

// ErrUnsupportedFormat is returned for malformed buffers and after every
// encoding in the fallback chain has been attempted and failed.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// Encoding identifies a channel wire encoding.
type Encoding string

const (
	EncodingSLIN Encoding = "slin" // linear PCM16LE
	EncodingULaw Encoding = "ulaw" // G.711 mu-law
	EncodingALaw Encoding = "alaw" // G.711 A-law
)

// Attempt records one conversion try in the fallback chain so callers (and
// tests) can see exactly which encoding was used or why each one failed.
type Attempt struct {
	Encoding Encoding
	Err      error
}

// Pipeline converts between model-side PCM buffers and the channel-native
// format. It is pure: no state survives a call.
type Pipeline struct {
	ChannelRate int
	// Encodings tried in order by ToChannelFormat. The first success wins;
	// failures are recorded per attempt rather than silently skipped.
	Fallbacks []Encoding
}

// NewPipeline returns a pipeline for the standard telephony contract:
// 8kHz mono, slin preferred, G.711 variants as fallbacks.
func NewPipeline(channelRate int) Pipeline {
	if channelRate <= 0 {
		channelRate = 8000
	}
	return Pipeline{
		ChannelRate: channelRate,
		Fallbacks:   []Encoding{EncodingSLIN, EncodingULaw, EncodingALaw},
	}
}

// ChannelAudio is an encoded frame stream in the channel-native format.
type ChannelAudio struct {
	Encoding Encoding
	Rate     int
	Data     []byte
}

// ToChannelFormat converts a mono PCM buffer into the channel-native format,
// walking the fallback chain until one encoding succeeds. The returned
// attempts always cover every encoding tried, including the successful one.
func (p Pipeline) ToChannelFormat(b Buffer) (ChannelAudio, []Attempt, error) {
	if err := validatePCM(b); err != nil {
		return ChannelAudio{}, nil, err
	}
	resampled, err := Resample(b, p.ChannelRate)
	if err != nil {
		return ChannelAudio{}, nil, err
	}

	fallbacks := p.Fallbacks
	if len(fallbacks) == 0 {
		fallbacks = []Encoding{EncodingSLIN}
	}
	attempts := make([]Attempt, 0, len(fallbacks))
	for _, enc := range fallbacks {
		data, err := encodeChannel(resampled, enc)
		attempts = append(attempts, Attempt{Encoding: enc, Err: err})
		if err == nil {
			return ChannelAudio{Encoding: enc, Rate: p.ChannelRate, Data: data}, attempts, nil
		}
	}
	return ChannelAudio{}, attempts, fmt.Errorf("%w: all %d encodings failed", ErrUnsupportedFormat, len(fallbacks))
}

// FromChannelFormat decodes channel-native audio back to a linear PCM buffer.
func (p Pipeline) FromChannelFormat(ca ChannelAudio) (Buffer, error) {
	rate := ca.Rate
	if rate == 0 {
		rate = p.ChannelRate
	}
	switch ca.Encoding {
	case EncodingSLIN, "":
		if len(ca.Data)%2 != 0 {
			return Buffer{}, fmt.Errorf("%w: odd slin byte count", ErrUnsupportedFormat)
		}
		return Buffer{Data: append([]byte(nil), ca.Data...), Rate: rate, Channels: 1}, nil
	case EncodingULaw:
		return Buffer{Data: ULawDecodeBuffer(ca.Data), Rate: rate, Channels: 1}, nil
	case EncodingALaw:
		return Buffer{Data: ALawDecodeBuffer(ca.Data), Rate: rate, Channels: 1}, nil
	default:
		return Buffer{}, fmt.Errorf("%w: unknown encoding %q", ErrUnsupportedFormat, ca.Encoding)
	}
}

// ToModelFormat prepares channel-rate PCM for a model that expects a
// different sample rate, returning a WAV container the worker accepts.
func (p Pipeline) ToModelFormat(b Buffer, modelRate int) ([]byte, error) {
	if err := validatePCM(b); err != nil {
		return nil, err
	}
	resampled, err := Resample(b, modelRate)
	if err != nil {
		return nil, err
	}
	return EncodeWAV(resampled)
}

func encodeChannel(b Buffer, enc Encoding) ([]byte, error) {
	switch enc {
	case EncodingSLIN:
		return append([]byte(nil), b.Data...), nil
	case EncodingULaw:
		if b.Rate != 8000 {
			return nil, fmt.Errorf("%w: ulaw requires 8000Hz, got %d", ErrUnsupportedFormat, b.Rate)
		}
		return ULawEncodeBuffer(b.Data), nil
	case EncodingALaw:
		if b.Rate != 8000 {
			return nil, fmt.Errorf("%w: alaw requires 8000Hz, got %d", ErrUnsupportedFormat, b.Rate)
		}
		return ALawEncodeBuffer(b.Data), nil
	default:
		return nil, fmt.Errorf("%w: unknown encoding %q", ErrUnsupportedFormat, enc)
	}
}

func validatePCM(b Buffer) error {
	if b.Channels > 1 {
		return fmt.Errorf("%w: want mono, got %d channels", ErrUnsupportedFormat, b.Channels)
	}
	if len(b.Data)%2 != 0 {
		return fmt.Errorf("%w: odd PCM16 byte count", ErrUnsupportedFormat)
	}
	if b.Rate <= 0 {
		return fmt.Errorf("%w: sample rate missing", ErrUnsupportedFormat)
	}
	return nil
}
