package audio

// G.711 companding. Telephony channels often carry ulaw (North America) or
// alaw (Europe) instead of linear PCM; both operate on 8kHz mono samples.

const ulawBias = 0x84

var ulawSegments = [8]int16{0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF, 0x1FFF, 0x3FFF, 0x7FFF}

// ULawEncode compands one linear PCM16 sample to 8-bit ulaw.
func ULawEncode(sample int16) byte {
	sign := byte(0)
	if sample < 0 {
		if sample == -32768 {
			sample = -32767
		}
		sample = -sample
		sign = 0x80
	}
	v := sample + ulawBias
	if v > 0x7FFF {
		v = 0x7FFF
	}
	seg := 0
	for seg < 8 && v > ulawSegments[seg] {
		seg++
	}
	if seg >= 8 {
		return ^(sign | 0x7F)
	}
	low := byte(v>>(uint(seg)+3)) & 0x0F
	return ^(sign | byte(seg)<<4 | low)
}

// ULawDecode expands one 8-bit ulaw byte to linear PCM16.
func ULawDecode(u byte) int16 {
	u = ^u
	sign := u & 0x80
	seg := (u >> 4) & 0x07
	low := u & 0x0F
	v := (int16(low)<<3 + ulawBias) << seg
	v -= ulawBias
	if sign != 0 {
		return -v
	}
	return v
}

var alawSegments = [8]int16{0x1F, 0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF}

// ALawEncode compands one linear PCM16 sample to 8-bit alaw.
func ALawEncode(sample int16) byte {
	v := sample >> 3 // alaw covers a 13-bit range
	mask := byte(0xD5)
	if v < 0 {
		mask = 0x55
		v = -v - 1
	}
	seg := 0
	for seg < 8 && v > alawSegments[seg] {
		seg++
	}
	if seg >= 8 {
		return 0x7F ^ mask
	}
	out := byte(seg) << 4
	if seg < 2 {
		out |= byte(v>>1) & 0x0F
	} else {
		out |= byte(v>>uint(seg)) & 0x0F
	}
	return out ^ mask
}

// ALawDecode expands one 8-bit alaw byte to linear PCM16.
func ALawDecode(a byte) int16 {
	a ^= 0x55
	t := int16(a&0x0F) << 4
	seg := (a >> 4) & 0x07
	switch seg {
	case 0:
		t += 8
	case 1:
		t += 0x108
	default:
		t += 0x108
		t <<= seg - 1
	}
	if a&0x80 != 0 {
		return t
	}
	return -t
}

// ULawEncodeBuffer compands a whole PCM16LE buffer.
func ULawEncodeBuffer(pcm []byte) []byte {
	samples := Buffer{Data: pcm}.Samples()
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = ULawEncode(s)
	}
	return out
}

// ULawDecodeBuffer expands ulaw bytes to PCM16LE.
func ULawDecodeBuffer(ulaw []byte) []byte {
	samples := make([]int16, len(ulaw))
	for i, u := range ulaw {
		samples[i] = ULawDecode(u)
	}
	return FromSamples(samples, 0, 1).Data
}

// ALawEncodeBuffer compands a whole PCM16LE buffer.
func ALawEncodeBuffer(pcm []byte) []byte {
	samples := Buffer{Data: pcm}.Samples()
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = ALawEncode(s)
	}
	return out
}

// ALawDecodeBuffer expands alaw bytes to PCM16LE.
func ALawDecodeBuffer(alaw []byte) []byte {
	samples := make([]int16, len(alaw))
	for i, a := range alaw {
		samples[i] = ALawDecode(a)
	}
	return FromSamples(samples, 0, 1).Data
}
