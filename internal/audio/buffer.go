package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// Buffer is a window of raw PCM16LE samples tagged with its format.
type Buffer struct {
	Data     []byte
	Rate     int
	Channels int
}

// Duration returns the wall-clock length of the buffer.
func (b Buffer) Duration() time.Duration {
	if b.Rate <= 0 || b.Channels <= 0 {
		return 0
	}
	samples := len(b.Data) / 2 / b.Channels
	return time.Duration(samples) * time.Second / time.Duration(b.Rate)
}

// Samples decodes the buffer into int16 samples.
func (b Buffer) Samples() []int16 {
	n := len(b.Data) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(b.Data[i*2 : i*2+2]))
	}
	return out
}

// FromSamples builds a PCM16LE buffer from int16 samples.
func FromSamples(samples []int16, rate, channels int) Buffer {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:i*2+2], uint16(s))
	}
	return Buffer{Data: data, Rate: rate, Channels: channels}
}

// RMS computes the root-mean-square energy of a PCM16LE frame.
// Used by the barge-in detector as the per-frame speech-energy signal.
func RMS(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(frame[i*2 : i*2+2])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
