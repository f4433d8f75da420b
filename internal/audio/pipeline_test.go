package audio

import (
	"errors"
	"math"
	"testing"
)

func tone(rate int, ms int, amp float64) Buffer {
	n := rate * ms / 1000
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(amp * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	return FromSamples(samples, rate, 1)
}

func TestULawRoundTripWithinQuantizationError(t *testing.T) {
	for _, s := range []int16{0, 1, -1, 100, -100, 1000, -1000, 8000, -8000, 30000, -30000} {
		got := ULawDecode(ULawEncode(s))
		diff := int(got) - int(s)
		if diff < 0 {
			diff = -diff
		}
		// Step size grows with magnitude; allow the coarse top segment.
		if diff > 1024 {
			t.Fatalf("ULaw round trip %d -> %d, diff %d too large", s, got, diff)
		}
	}
}

func TestALawRoundTripWithinQuantizationError(t *testing.T) {
	for _, s := range []int16{0, 8, -8, 120, -120, 1000, -1000, 8000, -8000, 30000, -30000} {
		got := ALawDecode(ALawEncode(s))
		diff := int(got) - int(s)
		if diff < 0 {
			diff = -diff
		}
		if diff > 1024 {
			t.Fatalf("ALaw round trip %d -> %d, diff %d too large", s, got, diff)
		}
	}
}

func TestWAVRoundTrip(t *testing.T) {
	in := tone(8000, 40, 9000)
	raw, err := EncodeWAV(in)
	if err != nil {
		t.Fatalf("EncodeWAV() error = %v", err)
	}
	out, err := DecodeWAV(raw)
	if err != nil {
		t.Fatalf("DecodeWAV() error = %v", err)
	}
	if out.Rate != in.Rate || out.Channels != 1 {
		t.Fatalf("decoded format = %d Hz %d ch, want %d Hz mono", out.Rate, out.Channels, in.Rate)
	}
	if len(out.Data) != len(in.Data) {
		t.Fatalf("decoded %d bytes, want %d", len(out.Data), len(in.Data))
	}
	for i := range in.Data {
		if in.Data[i] != out.Data[i] {
			t.Fatalf("payload differs at byte %d", i)
		}
	}
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	if _, err := DecodeWAV([]byte("definitely not a wav file, far too short")); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("DecodeWAV(garbage) error = %v, want ErrUnsupportedFormat", err)
	}
}

func TestPipelineRoundTripLossless(t *testing.T) {
	p := NewPipeline(8000)
	in := tone(8000, 60, 12000)

	ca, attempts, err := p.ToChannelFormat(in)
	if err != nil {
		t.Fatalf("ToChannelFormat() error = %v", err)
	}
	if ca.Encoding != EncodingSLIN {
		t.Fatalf("Encoding = %q, want slin preferred", ca.Encoding)
	}
	if len(attempts) != 1 || attempts[0].Err != nil {
		t.Fatalf("attempts = %+v, want single clean slin attempt", attempts)
	}

	out, err := p.FromChannelFormat(ca)
	if err != nil {
		t.Fatalf("FromChannelFormat() error = %v", err)
	}
	if len(out.Data) != len(in.Data) {
		t.Fatalf("round trip %d bytes, want %d", len(out.Data), len(in.Data))
	}
	for i := range in.Data {
		if in.Data[i] != out.Data[i] {
			t.Fatalf("round trip differs at byte %d", i)
		}
	}
}

func TestPipelineFallbackOrderIsObservable(t *testing.T) {
	// 16kHz channel cannot carry G.711; the chain must fail ulaw with a
	// recorded reason, then land on slin.
	p := Pipeline{ChannelRate: 16000, Fallbacks: []Encoding{EncodingULaw, EncodingSLIN}}
	in := tone(16000, 40, 10000)

	ca, attempts, err := p.ToChannelFormat(in)
	if err != nil {
		t.Fatalf("ToChannelFormat() error = %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(attempts))
	}
	if attempts[0].Encoding != EncodingULaw || attempts[0].Err == nil {
		t.Fatalf("first attempt = %+v, want failed ulaw", attempts[0])
	}
	if !errors.Is(attempts[0].Err, ErrUnsupportedFormat) {
		t.Fatalf("first attempt err = %v, want ErrUnsupportedFormat", attempts[0].Err)
	}
	if attempts[1].Encoding != EncodingSLIN || attempts[1].Err != nil {
		t.Fatalf("second attempt = %+v, want clean slin", attempts[1])
	}
	if ca.Encoding != EncodingSLIN {
		t.Fatalf("Encoding = %q, want slin fallback", ca.Encoding)
	}
}

func TestPipelineExhaustedChainFails(t *testing.T) {
	p := Pipeline{ChannelRate: 16000, Fallbacks: []Encoding{EncodingULaw, EncodingALaw}}
	_, attempts, err := p.ToChannelFormat(tone(16000, 20, 5000))
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("error = %v, want ErrUnsupportedFormat after exhausted chain", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(attempts))
	}
	for i, a := range attempts {
		if a.Err == nil {
			t.Fatalf("attempt %d succeeded unexpectedly: %+v", i, a)
		}
	}
}

func TestPipelineRejectsStereo(t *testing.T) {
	p := NewPipeline(8000)
	in := Buffer{Data: make([]byte, 320), Rate: 8000, Channels: 2}
	if _, _, err := p.ToChannelFormat(in); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("ToChannelFormat(stereo) error = %v, want ErrUnsupportedFormat", err)
	}
}

func TestResampleChangesLengthProportionally(t *testing.T) {
	in := tone(8000, 100, 8000)
	out, err := Resample(in, 16000)
	if err != nil {
		t.Fatalf("Resample() error = %v", err)
	}
	if out.Rate != 16000 {
		t.Fatalf("Rate = %d, want 16000", out.Rate)
	}
	if got, want := len(out.Data), len(in.Data)*2; got != want {
		t.Fatalf("len = %d, want %d", got, want)
	}
	if in.Duration() != out.Duration() {
		t.Fatalf("duration changed: %s -> %s", in.Duration(), out.Duration())
	}
}

func TestRMS(t *testing.T) {
	silence := make([]byte, 320)
	if got := RMS(silence); got != 0 {
		t.Fatalf("RMS(silence) = %v, want 0", got)
	}
	loud := tone(8000, 20, 15000)
	if got := RMS(loud.Data); got < 5000 {
		t.Fatalf("RMS(loud tone) = %v, want > 5000", got)
	}
}
