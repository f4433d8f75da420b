package worker

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ovolab/attendant/internal/audio"
)

type fakeASR struct {
	text  string
	err   error
	calls int
}

func (f *fakeASR) Transcribe(_ context.Context, _ []byte) (string, error) {
	f.calls++
	return f.text, f.err
}

type fakeTTS struct {
	wav  []byte
	rate int
	err  error
}

func (f *fakeTTS) Synthesize(_ context.Context, _, _ string) ([]byte, int, error) {
	return f.wav, f.rate, f.err
}

type fakeReply struct {
	replies    []string
	err        error
	simplified []bool
	block      chan struct{}
}

func (f *fakeReply) Generate(ctx context.Context, _ []Turn, _ string, simplified bool) (string, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.simplified = append(f.simplified, simplified)
	if f.err != nil {
		return "", f.err
	}
	if len(f.replies) == 0 {
		return "", errors.New("no scripted reply")
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r, nil
}

func serverConfig() ServerConfig {
	return ServerConfig{
		MaxConcurrency:  2,
		QueueWait:       100 * time.Millisecond,
		SilenceFloorRMS: 300,
		ReplyPolicy: ReplyPolicy{
			MaxRunes: 400,
			Mode:     RejectModeRegenerate,
		},
	}
}

func newTestClient(t *testing.T, srv *Server) *Client {
	t.Helper()
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return NewClient(ts.URL, 2*time.Second, 5*time.Second)
}

func silentWAV(t *testing.T) []byte {
	t.Helper()
	buf := audio.Buffer{Data: make([]byte, 3200), Rate: 16000, Channels: 1}
	wav, err := audio.EncodeWAV(buf)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	return wav
}

func voicedWAV(t *testing.T) []byte {
	t.Helper()
	samples := make([]int16, 1600)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = 6000
		} else {
			samples[i] = -6000
		}
	}
	wav, err := audio.EncodeWAV(audio.FromSamples(samples, 16000, 1))
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	return wav
}

func TestTranscribeSilentBufferReturnsEmptyText(t *testing.T) {
	asr := &fakeASR{text: "should never be used"}
	srv := NewServer(serverConfig(), asr, &fakeTTS{}, &fakeReply{}, nil)
	client := newTestClient(t, srv)

	text, err := client.Transcribe(context.Background(), "c1", silentWAV(t), 16000)
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if text != "" {
		t.Fatalf("Transcribe(silence) = %q, want empty text", text)
	}
	if asr.calls != 0 {
		t.Fatalf("recognizer called %d times for silent audio", asr.calls)
	}
}

func TestTranscribeVoicedAudioHitsRecognizer(t *testing.T) {
	asr := &fakeASR{text: "hello there"}
	srv := NewServer(serverConfig(), asr, &fakeTTS{}, &fakeReply{}, nil)
	client := newTestClient(t, srv)

	text, err := client.Transcribe(context.Background(), "c1", voicedWAV(t), 16000)
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if text != "hello there" {
		t.Fatalf("Transcribe() = %q, want %q", text, "hello there")
	}
	if asr.calls != 1 {
		t.Fatalf("recognizer calls = %d, want 1", asr.calls)
	}
}

func TestTranscribeUnintelligibleMapsToSentinel(t *testing.T) {
	asr := &fakeASR{err: ErrAudioUnintelligible}
	srv := NewServer(serverConfig(), asr, &fakeTTS{}, &fakeReply{}, nil)
	client := newTestClient(t, srv)

	_, err := client.Transcribe(context.Background(), "c1", voicedWAV(t), 16000)
	if !errors.Is(err, ErrAudioUnintelligible) {
		t.Fatalf("error = %v, want ErrAudioUnintelligible", err)
	}
}

func TestSynthesizeRoundTrip(t *testing.T) {
	srv := NewServer(serverConfig(), &fakeASR{}, &fakeTTS{wav: []byte("RIFFdata"), rate: 24000}, &fakeReply{}, nil)
	client := newTestClient(t, srv)

	wav, rate, err := client.Synthesize(context.Background(), "c1", "hello caller", "af_heart")
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if string(wav) != "RIFFdata" || rate != 24000 {
		t.Fatalf("Synthesize() = %q at %d Hz", wav, rate)
	}
}

func TestSynthesizeErrorMapsToSentinel(t *testing.T) {
	srv := NewServer(serverConfig(), &fakeASR{}, &fakeTTS{err: ErrSynthesis}, &fakeReply{}, nil)
	client := newTestClient(t, srv)

	_, _, err := client.Synthesize(context.Background(), "c1", "hello", "")
	if !errors.Is(err, ErrSynthesis) {
		t.Fatalf("error = %v, want ErrSynthesis", err)
	}
}

func TestGenerateReplyRegeneratesOnceOnRejection(t *testing.T) {
	reply := &fakeReply{replies: []string{"", "Sure, one moment."}}
	srv := NewServer(serverConfig(), &fakeASR{}, &fakeTTS{}, reply, nil)
	client := newTestClient(t, srv)

	got, err := client.GenerateReply(context.Background(), "c1", nil, "can you help me")
	if err != nil {
		t.Fatalf("GenerateReply() error = %v", err)
	}
	if got != "Sure, one moment." {
		t.Fatalf("GenerateReply() = %q", got)
	}
	want := []bool{false, true}
	if len(reply.simplified) != 2 || reply.simplified[0] != want[0] || reply.simplified[1] != want[1] {
		t.Fatalf("simplified flags = %v, want %v", reply.simplified, want)
	}
}

func TestGenerateReplyRepromptModeSurfacesRejection(t *testing.T) {
	cfg := serverConfig()
	cfg.ReplyPolicy.Mode = RejectModeReprompt
	reply := &fakeReply{replies: []string{"", "never reached"}}
	srv := NewServer(cfg, &fakeASR{}, &fakeTTS{}, reply, nil)
	client := newTestClient(t, srv)

	_, err := client.GenerateReply(context.Background(), "c1", nil, "hello")
	if !errors.Is(err, ErrContentPolicyReject) {
		t.Fatalf("error = %v, want ErrContentPolicyReject", err)
	}
	if len(reply.simplified) != 1 {
		t.Fatalf("generation attempts = %d, want 1", len(reply.simplified))
	}
}

func TestOverloadShedsAsWorkerUnavailable(t *testing.T) {
	cfg := serverConfig()
	cfg.MaxConcurrency = 1
	cfg.QueueWait = 50 * time.Millisecond

	block := make(chan struct{})
	reply := &fakeReply{replies: []string{"Held reply.", "Second reply."}, block: block}
	srv := NewServer(cfg, &fakeASR{}, &fakeTTS{}, reply, nil)
	client := newTestClient(t, srv)

	firstDone := make(chan error, 1)
	go func() {
		_, err := client.GenerateReply(context.Background(), "c1", nil, "first")
		firstDone <- err
	}()

	// Wait for the first request to occupy the only slot.
	time.Sleep(100 * time.Millisecond)

	_, err := client.GenerateReply(context.Background(), "c2", nil, "second")
	if !errors.Is(err, ErrWorkerUnavailable) {
		t.Fatalf("overloaded error = %v, want ErrWorkerUnavailable", err)
	}

	close(block)
	if err := <-firstDone; err != nil {
		t.Fatalf("first request error = %v", err)
	}
}

func TestUnreachableWorkerFailsFast(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", 2*time.Second, 2*time.Second)

	start := time.Now()
	err := client.Health(context.Background())
	if !errors.Is(err, ErrWorkerUnavailable) {
		t.Fatalf("Health() error = %v, want ErrWorkerUnavailable", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("Health() took %s, want fast failure", elapsed)
	}

	_, err = client.Transcribe(context.Background(), "c1", []byte("x"), 16000)
	if !errors.Is(err, ErrWorkerUnavailable) {
		t.Fatalf("Transcribe() error = %v, want ErrWorkerUnavailable", err)
	}
}

func TestHealthReportsReady(t *testing.T) {
	srv := NewServer(serverConfig(), &fakeASR{}, &fakeTTS{}, &fakeReply{}, nil)
	client := newTestClient(t, srv)
	if err := client.Health(context.Background()); err != nil {
		t.Fatalf("Health() error = %v", err)
	}
}
