package audio

import "fmt"

// Resample converts a mono PCM16LE buffer to the target sample rate using
// linear interpolation. Good enough for speech between the 8kHz channel rate
// and the 16/24kHz model rates; music fidelity is not a goal here.
func Resample(b Buffer, targetRate int) (Buffer, error) {
	if targetRate <= 0 {
		return Buffer{}, fmt.Errorf("%w: target rate %d", ErrUnsupportedFormat, targetRate)
	}
	if b.Channels > 1 {
		return Buffer{}, fmt.Errorf("%w: resampler is mono-only, got %d channels", ErrUnsupportedFormat, b.Channels)
	}
	if b.Rate <= 0 {
		return Buffer{}, fmt.Errorf("%w: source rate missing", ErrUnsupportedFormat)
	}
	if b.Rate == targetRate {
		return b, nil
	}

	src := b.Samples()
	if len(src) == 0 {
		return Buffer{Rate: targetRate, Channels: 1}, nil
	}

	outLen := len(src) * targetRate / b.Rate
	if outLen == 0 {
		outLen = 1
	}
	out := make([]int16, outLen)
	step := float64(b.Rate) / float64(targetRate)
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= len(src)-1 {
			out[i] = src[len(src)-1]
			continue
		}
		frac := pos - float64(j)
		a := float64(src[j])
		c := float64(src[j+1])
		out[i] = int16(a + (c-a)*frac)
	}
	res := FromSamples(out, targetRate, 1)
	return res, nil
}
