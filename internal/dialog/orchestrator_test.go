package dialog

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ovolab/attendant/internal/audio"
	"github.com/ovolab/attendant/internal/cdr"
	"github.com/ovolab/attendant/internal/channel"
	"github.com/ovolab/attendant/internal/config"
	"github.com/ovolab/attendant/internal/session"
	"github.com/ovolab/attendant/internal/worker"
)

// fakeModelWorker scripts the worker boundary for call-loop tests.
type fakeModelWorker struct {
	mu sync.Mutex

	clipFrames int

	synthTexts []string
	synthErr   error

	transcribeResults []string
	transcribeErr     error
	transcribeCalls   int

	replies       []string
	generateErr   error
	generateCalls int
}

func (f *fakeModelWorker) Transcribe(_ context.Context, _ string, _ []byte, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcribeCalls++
	if f.transcribeErr != nil {
		return "", f.transcribeErr
	}
	if len(f.transcribeResults) == 0 {
		return "", nil
	}
	text := f.transcribeResults[0]
	f.transcribeResults = f.transcribeResults[1:]
	return text, nil
}

func (f *fakeModelWorker) Synthesize(_ context.Context, _ string, text, _ string) ([]byte, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.synthErr != nil {
		return nil, 0, f.synthErr
	}
	f.synthTexts = append(f.synthTexts, text)
	frames := f.clipFrames
	if frames <= 0 {
		frames = 5
	}
	buf := audio.Buffer{Data: make([]byte, frames*testFrameBytes), Rate: 8000, Channels: 1}
	wav, err := audio.EncodeWAV(buf)
	if err != nil {
		return nil, 0, err
	}
	return wav, 8000, nil
}

func (f *fakeModelWorker) GenerateReply(_ context.Context, _ string, _ []worker.Turn, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generateCalls++
	if f.generateErr != nil {
		return "", f.generateErr
	}
	if len(f.replies) == 0 {
		return "Happy to help.", nil
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r, nil
}

func (f *fakeModelWorker) Health(context.Context) error { return nil }

func (f *fakeModelWorker) synthesized() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.synthTexts...)
}

func testConfig() config.Config {
	return config.Config{
		ChannelSampleRate: 8000,
		FrameSamples:      160,

		NoiseFloorRMS:   300,
		ConfirmFrames:   5,
		TrailingSilence: 700 * time.Millisecond,
		MaxPause:        1500 * time.Millisecond,
		NoSpeechTimeout: time.Second,
		MaxUtterance:    30 * time.Second,

		MaxTurns:        50,
		MaxCallDuration: time.Minute,
		MaxFailedTurns:  3,
		RePromptLimit:   1,

		ModelSampleRateASR: 16000,
		ModelSampleRateTTS: 24000,
		TTSVoice:           "af_heart",

		GreetingPath: "/nonexistent/greeting.wav",
		ApologyPath:  "/nonexistent/apology.wav",
		GreetingText: "Hello, how can I help you today?",
		ApologyText:  "I'm sorry, I'm having trouble right now.",
		RePromptText: "Are you still there?",
		GoodbyeText:  "Thank you for calling. Goodbye.",
		ExitPhrases:  []string{"goodbye", "bye", "that's all"},
	}
}

func newTestOrchestrator(cfg config.Config, fw *fakeModelWorker) (*Orchestrator, *session.Manager, *cdr.InMemoryStore) {
	calls := session.NewManager(cfg.MaxCallDuration)
	store := cdr.NewInMemoryStore()
	o := NewOrchestrator(cfg, fw, calls, store, nil)
	o.backoffBase = time.Millisecond
	return o, calls, store
}

// greetingFrames is the number of channel reads an uninterrupted armed
// playback of a synthesized clip consumes (one read per written frame).
const greetingFrames = 5

func TestCallerGoodbyeTerminatesWithoutFurtherTurns(t *testing.T) {
	cfg := testConfig()
	fw := &fakeModelWorker{clipFrames: greetingFrames, transcribeResults: []string{"okay goodbye"}}
	o, calls, store := newTestOrchestrator(cfg, fw)

	ch := channel.NewScripted("call-1", "+15550100", testFrameBytes)
	ch.SilenceWhenEmpty = true
	ch.QueueSilence(greetingFrames) // greeting plays out undisturbed
	ch.QueueSpeech(10, 5000)        // caller utterance
	ch.QueueSilence(40)             // end of utterance

	reason, err := o.Run(context.Background(), ch)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if reason != session.ReasonCallerGoodbye {
		t.Fatalf("reason = %q, want caller-goodbye", reason)
	}
	if fw.generateCalls != 0 {
		t.Fatalf("generate called %d times after goodbye", fw.generateCalls)
	}
	if !ch.HungUp() {
		t.Fatal("channel not hung up")
	}
	if v, _ := ch.Variable("ATTENDANT_REASON"); v != "caller-goodbye" {
		t.Fatalf("ATTENDANT_REASON = %q", v)
	}

	texts := fw.synthesized()
	if len(texts) == 0 || texts[len(texts)-1] != cfg.GoodbyeText {
		t.Fatalf("last synthesized line = %v, want the goodbye text", texts)
	}

	snap, err := calls.Get("call-1")
	if err != nil {
		t.Fatalf("Get(call-1): %v", err)
	}
	if snap.State != session.StateTerminated || snap.Turns != 1 {
		t.Fatalf("call = %q with %d turns", snap.State, snap.Turns)
	}

	records, err := store.Recent(context.Background(), 1)
	if err != nil || len(records) != 1 {
		t.Fatalf("Recent() = %d records, err %v", len(records), err)
	}
	if records[0].Reason != "caller-goodbye" || records[0].CallerID != "+15550100" {
		t.Fatalf("record = %+v", records[0])
	}
}

func TestNoInputRepromptsThenTerminates(t *testing.T) {
	cfg := testConfig()
	fw := &fakeModelWorker{clipFrames: greetingFrames}
	o, _, store := newTestOrchestrator(cfg, fw)

	ch := channel.NewScripted("call-2", "", testFrameBytes)
	ch.SilenceWhenEmpty = true // caller never speaks

	reason, err := o.Run(context.Background(), ch)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if reason != session.ReasonNoInput {
		t.Fatalf("reason = %q, want no-input", reason)
	}
	if fw.transcribeCalls != 0 {
		t.Fatalf("transcribe called %d times with no speech", fw.transcribeCalls)
	}

	texts := fw.synthesized()
	want := []string{cfg.GreetingText, cfg.RePromptText, cfg.GoodbyeText}
	if len(texts) != len(want) {
		t.Fatalf("synthesized lines = %v, want %v", texts, want)
	}
	for i := range want {
		if texts[i] != want[i] {
			t.Fatalf("synthesized[%d] = %q, want %q", i, texts[i], want[i])
		}
	}

	records, _ := store.Recent(context.Background(), 1)
	if len(records) != 1 || records[0].Reason != "no-input" {
		t.Fatalf("records = %+v", records)
	}
}

func TestBargeInDuringGreeting(t *testing.T) {
	cfg := testConfig()
	fw := &fakeModelWorker{clipFrames: 50, transcribeResults: []string{"goodbye"}}
	o, calls, _ := newTestOrchestrator(cfg, fw)

	ch := channel.NewScripted("call-3", "", testFrameBytes)
	ch.SilenceWhenEmpty = true
	ch.QueueSilence(3)
	ch.QueueSpeech(10, 5000) // caller talks over the greeting
	ch.QueueSilence(40)

	reason, err := o.Run(context.Background(), ch)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if reason != session.ReasonCallerGoodbye {
		t.Fatalf("reason = %q, want caller-goodbye", reason)
	}

	snap, _ := calls.Get("call-3")
	if snap.BargeIns != 1 {
		t.Fatalf("BargeIns = %d, want 1", snap.BargeIns)
	}

	// The greeting is 50 frames; writes must stop at the cancel point.
	// Goodbye playback adds its own 50 frames afterwards.
	written := ch.WrittenFrames()
	if written >= 100 {
		t.Fatalf("written = %d frames, greeting was not cancelled", written)
	}
	if written < 50 {
		t.Fatalf("written = %d frames, goodbye line missing", written)
	}
}

func TestWorkerUnreachableDuringGenerate(t *testing.T) {
	cfg := testConfig()
	fw := &fakeModelWorker{
		clipFrames:        greetingFrames,
		transcribeResults: []string{"what are your opening hours"},
		generateErr:       worker.ErrWorkerUnavailable,
	}
	o, _, store := newTestOrchestrator(cfg, fw)

	ch := channel.NewScripted("call-4", "", testFrameBytes)
	ch.SilenceWhenEmpty = true
	ch.QueueSilence(greetingFrames)
	ch.QueueSpeech(10, 5000)
	ch.QueueSilence(40)

	reason, err := o.Run(context.Background(), ch)
	if err == nil {
		t.Fatal("Run() returned nil error for an unreachable worker")
	}
	if reason != session.ReasonWorkerUnavailable {
		t.Fatalf("reason = %q, want worker-unavailable", reason)
	}
	if fw.generateCalls != 2 {
		t.Fatalf("generate attempts = %d, want exactly one retry", fw.generateCalls)
	}

	texts := fw.synthesized()
	if len(texts) == 0 || texts[len(texts)-1] != cfg.ApologyText {
		t.Fatalf("last synthesized line = %v, want the apology", texts)
	}

	records, _ := store.Recent(context.Background(), 1)
	if len(records) != 1 || records[0].Reason != "worker-unavailable" {
		t.Fatalf("records = %+v", records)
	}
}

func TestUnintelligibleAudioRepromptsThenFails(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFailedTurns = 2
	fw := &fakeModelWorker{
		clipFrames:    greetingFrames,
		transcribeErr: worker.ErrAudioUnintelligible,
	}
	o, _, _ := newTestOrchestrator(cfg, fw)

	ch := channel.NewScripted("call-5", "", testFrameBytes)
	ch.SilenceWhenEmpty = true
	ch.QueueSilence(greetingFrames)
	for i := 0; i < 3; i++ {
		ch.QueueSpeech(10, 5000)
		ch.QueueSilence(40)
		ch.QueueSilence(greetingFrames) // re-prompt playback
	}

	reason, err := o.Run(context.Background(), ch)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if reason != session.ReasonTranscribeFailures {
		t.Fatalf("reason = %q, want transcribe-failures", reason)
	}
	if fw.transcribeCalls != 2 {
		t.Fatalf("transcribe attempts = %d, want 2", fw.transcribeCalls)
	}
}

// pacedChannel delivers its script in real time, one frame per period, so
// wall-clock deadlines actually elapse mid-call.
type pacedChannel struct {
	*channel.Scripted
	period time.Duration
}

func (p *pacedChannel) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(p.period):
	}
	return p.Scripted.ReadFrame(ctx)
}

func TestDurationCeilingTerminatesWithMaxDuration(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCallDuration = 300 * time.Millisecond
	fw := &fakeModelWorker{clipFrames: greetingFrames}
	o, _, store := newTestOrchestrator(cfg, fw)

	scripted := channel.NewScripted("call-8", "", testFrameBytes)
	scripted.SilenceWhenEmpty = true // caller stays on the line, silent
	ch := &pacedChannel{Scripted: scripted, period: 20 * time.Millisecond}

	reason, err := o.Run(context.Background(), ch)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if reason != session.ReasonMaxDuration {
		t.Fatalf("reason = %q, want max-duration", reason)
	}
	if !scripted.HungUp() {
		t.Fatal("channel not hung up at the duration ceiling")
	}
	if v, _ := scripted.Variable("ATTENDANT_REASON"); v != "max-duration" {
		t.Fatalf("ATTENDANT_REASON = %q", v)
	}

	records, _ := store.Recent(context.Background(), 1)
	if len(records) != 1 || records[0].Reason != "max-duration" {
		t.Fatalf("records = %+v", records)
	}
}

func TestRejectedRepliesExhaustFailedTurns(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFailedTurns = 2
	fw := &fakeModelWorker{
		clipFrames:        greetingFrames,
		transcribeResults: []string{"i need help", "i still need help"},
		generateErr:       worker.ErrContentPolicyReject,
	}
	o, _, store := newTestOrchestrator(cfg, fw)

	ch := channel.NewScripted("call-9", "", testFrameBytes)
	ch.SilenceWhenEmpty = true
	ch.QueueSilence(greetingFrames)
	for i := 0; i < 2; i++ {
		ch.QueueSpeech(10, 5000)
		ch.QueueSilence(40)
		ch.QueueSilence(greetingFrames) // re-prompt playback
	}

	reason, err := o.Run(context.Background(), ch)
	if !errors.Is(err, worker.ErrContentPolicyReject) {
		t.Fatalf("Run() error = %v, want the policy rejection", err)
	}
	if reason != session.ReasonGenerateFailures {
		t.Fatalf("reason = %q, want generate-failures", reason)
	}
	// Policy rejections are never retried: one generate attempt per turn.
	if fw.generateCalls != 2 {
		t.Fatalf("generate attempts = %d, want 2", fw.generateCalls)
	}

	records, _ := store.Recent(context.Background(), 1)
	if len(records) != 1 || records[0].Reason != "generate-failures" {
		t.Fatalf("records = %+v", records)
	}
}

func TestHangupDuringListeningTerminatesImmediately(t *testing.T) {
	cfg := testConfig()
	fw := &fakeModelWorker{clipFrames: greetingFrames}
	o, _, _ := newTestOrchestrator(cfg, fw)

	ch := channel.NewScripted("call-6", "", testFrameBytes)
	ch.QueueSilence(greetingFrames)
	ch.QueueSpeech(6, 5000)
	// Script ends mid-utterance: the caller hung up.

	reason, err := o.Run(context.Background(), ch)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if reason != session.ReasonCallerHangup {
		t.Fatalf("reason = %q, want caller-hangup", reason)
	}
	if fw.transcribeCalls != 0 {
		t.Fatalf("transcribe called %d times after hangup", fw.transcribeCalls)
	}
}

func TestFullTurnLoopSpeaksReply(t *testing.T) {
	cfg := testConfig()
	fw := &fakeModelWorker{
		clipFrames:        greetingFrames,
		transcribeResults: []string{"what are your opening hours", "goodbye"},
		replies:           []string{"We are open nine to five."},
	}
	o, calls, _ := newTestOrchestrator(cfg, fw)

	ch := channel.NewScripted("call-7", "", testFrameBytes)
	ch.SilenceWhenEmpty = true
	ch.QueueSilence(greetingFrames)
	// First utterance.
	ch.QueueSpeech(10, 5000)
	ch.QueueSilence(40)
	// Reply playback.
	ch.QueueSilence(greetingFrames)
	// Second utterance ends the call.
	ch.QueueSpeech(10, 5000)
	ch.QueueSilence(40)

	reason, err := o.Run(context.Background(), ch)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if reason != session.ReasonCallerGoodbye {
		t.Fatalf("reason = %q, want caller-goodbye", reason)
	}
	if fw.generateCalls != 1 {
		t.Fatalf("generate calls = %d, want 1", fw.generateCalls)
	}

	texts := fw.synthesized()
	found := false
	for _, s := range texts {
		if s == "We are open nine to five." {
			found = true
		}
	}
	if !found {
		t.Fatalf("reply never synthesized: %v", texts)
	}

	snap, _ := calls.Get("call-7")
	if snap.Turns != 2 {
		t.Fatalf("Turns = %d, want 2", snap.Turns)
	}
}

func TestMatchesExitPhrase(t *testing.T) {
	phrases := []string{"goodbye", "that's all", "bye"}
	cases := []struct {
		text string
		want bool
	}{
		{"Goodbye!", true},
		{"okay that's all thanks", true},
		{"BYE", true},
		{"goodbyes are hard", false},
		{"the bypass road", false},
		{"", false},
	}
	for _, c := range cases {
		if got := matchesExitPhrase(c.text, phrases); got != c.want {
			t.Fatalf("matchesExitPhrase(%q) = %v, want %v", c.text, got, c.want)
		}
	}
}

func TestNormalizeSpeech(t *testing.T) {
	if got := normalizeSpeech("  That's ALL, thanks!  "); got != "that's all thanks" {
		t.Fatalf("normalizeSpeech = %q", got)
	}
	if got := normalizeSpeech(strings.Repeat(" ", 5)); got != "" {
		t.Fatalf("normalizeSpeech(spaces) = %q", got)
	}
}
