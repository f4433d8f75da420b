package worker

import (
	"context"
	"time"

	"github.com/ovolab/attendant/internal/audio"
)

// MockASREngine recognizes every non-silent upload as a fixed phrase. Useful
// for running the full call path without inference sidecars.
type MockASREngine struct {
	Text string
}

func (e *MockASREngine) Transcribe(_ context.Context, _ []byte) (string, error) {
	if e.Text != "" {
		return e.Text, nil
	}
	return "hello", nil
}

// MockTTSEngine synthesizes a short silent clip for any text.
type MockTTSEngine struct {
	SampleRate int
	Duration   time.Duration
}

func (e *MockTTSEngine) Synthesize(_ context.Context, _ string, _ string) ([]byte, int, error) {
	rate := e.SampleRate
	if rate <= 0 {
		rate = 24000
	}
	d := e.Duration
	if d <= 0 {
		d = 500 * time.Millisecond
	}
	samples := int(d * time.Duration(rate) / time.Second)
	wav, err := audio.EncodeWAV(audio.Buffer{
		Data:     make([]byte, samples*2),
		Rate:     rate,
		Channels: 1,
	})
	if err != nil {
		return nil, 0, err
	}
	return wav, rate, nil
}

// MockReplyEngine returns a canned reply.
type MockReplyEngine struct {
	Reply string
}

func (e *MockReplyEngine) Generate(_ context.Context, _ []Turn, _ string, _ bool) (string, error) {
	if e.Reply != "" {
		return e.Reply, nil
	}
	return "I understand. Is there anything else I can help you with?", nil
}
