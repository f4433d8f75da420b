package dialog

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/ovolab/attendant/internal/audio"
	"github.com/ovolab/attendant/internal/bargein"
	"github.com/ovolab/attendant/internal/cdr"
	"github.com/ovolab/attendant/internal/channel"
	"github.com/ovolab/attendant/internal/config"
	"github.com/ovolab/attendant/internal/observability"
	"github.com/ovolab/attendant/internal/reliability"
	"github.com/ovolab/attendant/internal/session"
	"github.com/ovolab/attendant/internal/worker"
)

// ModelWorkerClient is the capability the orchestrator needs from the model
// worker. *worker.Client implements it; tests substitute doubles.
type ModelWorkerClient interface {
	Transcribe(ctx context.Context, callID string, wav []byte, sampleRate int) (string, error)
	Synthesize(ctx context.Context, callID, text, voice string) ([]byte, int, error)
	GenerateReply(ctx context.Context, callID string, turns []worker.Turn, utterance string) (string, error)
	Health(ctx context.Context) error
}

// Orchestrator drives one call at a time through the conversation loop:
// greeting, then listen, transcribe, generate, synthesize, speak, until an
// exit condition terminates the call. It is stateless across calls and safe
// to share between concurrent call goroutines.
type Orchestrator struct {
	cfg      config.Config
	worker   ModelWorkerClient
	calls    *session.Manager
	store    cdr.Store
	metrics  *observability.Metrics
	clips    *ClipCache
	pipeline audio.Pipeline

	// retry pacing, shrunk in tests
	backoffBase time.Duration
}

func NewOrchestrator(cfg config.Config, w ModelWorkerClient, calls *session.Manager, store cdr.Store, metrics *observability.Metrics) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		worker:      w,
		calls:       calls,
		store:       store,
		metrics:     metrics,
		clips:       NewClipCache(),
		pipeline:    audio.NewPipeline(cfg.ChannelSampleRate),
		backoffBase: 100 * time.Millisecond,
	}
}

// Run handles one call to completion and returns its termination reason.
func (o *Orchestrator) Run(ctx context.Context, ch channel.Channel) (session.TerminationReason, error) {
	call := o.calls.Create(ch.CallID(), ch.CallerID())
	if o.metrics != nil {
		o.metrics.ActiveCalls.Inc()
		defer o.metrics.ActiveCalls.Dec()
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.MaxCallDuration)
	defer cancel()

	det := bargein.NewDetector(bargein.Config{
		NoiseFloorRMS:   o.cfg.NoiseFloorRMS,
		ConfirmFrames:   o.cfg.ConfirmFrames,
		FrameDuration:   o.cfg.FrameDuration(),
		TrailingSilence: o.cfg.TrailingSilence,
		MaxPause:        o.cfg.MaxPause,
	})
	player := NewPlayer(ch, det, PlayerConfig{
		SampleRate:    o.cfg.ChannelSampleRate,
		FrameBytes:    o.cfg.FrameSamples * 2,
		FrameDuration: o.cfg.FrameDuration(),
		MaxUtterance:  o.cfg.MaxUtterance,
	})

	if err := ch.Answer(ctx); err != nil {
		return o.finish(ch, call.ID, session.ReasonCallerHangup, err)
	}

	// Greeting: cached clip first for minimal answer latency, live
	// synthesis as fallback.
	res, err := o.playGreeting(ctx, player, call.ID)
	if err != nil {
		if errors.Is(err, channel.ErrChannelClosed) || ctx.Err() != nil {
			reason, cause := o.readFailure(ctx, err)
			return o.finish(ch, call.ID, reason, cause)
		}
		// No greeting could be produced at all; end cleanly rather than
		// leave the caller in silence.
		return o.finish(ch, call.ID, session.ReasonWorkerUnavailable, err)
	}

	interrupted, preroll := o.noteResult(call.ID, res)
	reprompts := 0
	failedTurns := 0

	for {
		snap, err := o.calls.Get(call.ID)
		if err != nil || !snap.Active() {
			// Janitor force-terminated the call.
			return o.finish(ch, call.ID, session.ReasonMaxDuration, nil)
		}
		if snap.Turns >= o.cfg.MaxTurns {
			o.speakBestEffort(ctx, player, call.ID, o.cfg.GoodbyeText)
			return o.finish(ch, call.ID, session.ReasonMaxTurns, nil)
		}
		if time.Since(snap.StartedAt) >= o.cfg.MaxCallDuration {
			return o.finish(ch, call.ID, session.ReasonMaxDuration, nil)
		}

		// Listening.
		o.setState(call.ID, session.StateListening)
		var rec audio.Buffer
		if interrupted {
			interrupted = false
			rec, err = player.RecordUntilSilence(ctx, RecordOptions{
				Timeout: o.cfg.NoSpeechTimeout,
				Preroll: preroll,
				Resume:  true,
			})
			preroll = nil
		} else {
			rec, err = player.RecordUntilSilence(ctx, RecordOptions{Timeout: o.cfg.NoSpeechTimeout})
		}
		switch {
		case errors.Is(err, ErrRecordTimeout):
			reprompts++
			if reprompts > o.cfg.RePromptLimit {
				o.speakBestEffort(ctx, player, call.ID, o.cfg.GoodbyeText)
				return o.finish(ch, call.ID, session.ReasonNoInput, nil)
			}
			res, err = o.playText(ctx, player, call.ID, o.cfg.RePromptText, true)
			if err != nil {
				if errors.Is(err, channel.ErrChannelClosed) || ctx.Err() != nil {
					reason, cause := o.readFailure(ctx, err)
					return o.finish(ch, call.ID, reason, cause)
				}
				o.playApology(ctx, player, call.ID)
				return o.finish(ch, call.ID, session.ReasonWorkerUnavailable, err)
			}
			interrupted, preroll = o.noteResult(call.ID, res)
			continue
		case err != nil:
			reason, cause := o.readFailure(ctx, err)
			return o.finish(ch, call.ID, reason, cause)
		}

		// Transcribing.
		o.setState(call.ID, session.StateTranscribing)
		text, err := o.transcribe(ctx, call.ID, rec)
		switch {
		case errors.Is(err, worker.ErrWorkerUnavailable):
			o.playApology(ctx, player, call.ID)
			return o.finish(ch, call.ID, session.ReasonWorkerUnavailable, err)
		case errors.Is(err, worker.ErrAudioUnintelligible), err == nil && strings.TrimSpace(text) == "":
			failedTurns++
			if failedTurns >= o.cfg.MaxFailedTurns {
				o.playApology(ctx, player, call.ID)
				return o.finish(ch, call.ID, session.ReasonTranscribeFailures, nil)
			}
			res, err = o.playText(ctx, player, call.ID, o.cfg.RePromptText, true)
			if err != nil {
				if errors.Is(err, channel.ErrChannelClosed) || ctx.Err() != nil {
					reason, cause := o.readFailure(ctx, err)
					return o.finish(ch, call.ID, reason, cause)
				}
				o.playApology(ctx, player, call.ID)
				return o.finish(ch, call.ID, session.ReasonWorkerUnavailable, err)
			}
			interrupted, preroll = o.noteResult(call.ID, res)
			continue
		case err != nil:
			o.playApology(ctx, player, call.ID)
			return o.finish(ch, call.ID, session.ReasonWorkerUnavailable, err)
		}
		failedTurns = 0
		reprompts = 0
		text = strings.TrimSpace(text)

		if err := o.calls.AppendUtterance(call.ID, "caller", text); err != nil {
			return o.finish(ch, call.ID, session.ReasonMaxDuration, err)
		}
		log.Printf("call %s: caller said %q", call.ID, text)

		if matchesExitPhrase(text, o.cfg.ExitPhrases) {
			o.speakBestEffort(ctx, player, call.ID, o.cfg.GoodbyeText)
			return o.finish(ch, call.ID, session.ReasonCallerGoodbye, nil)
		}

		// Generating.
		o.setState(call.ID, session.StateGenerating)
		reply, err := o.generate(ctx, call.ID, text)
		switch {
		case errors.Is(err, worker.ErrContentPolicyReject):
			failedTurns++
			if failedTurns >= o.cfg.MaxFailedTurns {
				o.speakBestEffort(ctx, player, call.ID, o.cfg.GoodbyeText)
				return o.finish(ch, call.ID, session.ReasonGenerateFailures, err)
			}
			res, err = o.playText(ctx, player, call.ID, o.cfg.RePromptText, true)
			if err != nil {
				if errors.Is(err, channel.ErrChannelClosed) || ctx.Err() != nil {
					reason, cause := o.readFailure(ctx, err)
					return o.finish(ch, call.ID, reason, cause)
				}
				o.playApology(ctx, player, call.ID)
				return o.finish(ch, call.ID, session.ReasonWorkerUnavailable, err)
			}
			interrupted, preroll = o.noteResult(call.ID, res)
			continue
		case err != nil:
			o.playApology(ctx, player, call.ID)
			return o.finish(ch, call.ID, session.ReasonWorkerUnavailable, err)
		}

		if err := o.calls.AppendUtterance(call.ID, "bot", reply); err != nil {
			return o.finish(ch, call.ID, session.ReasonMaxDuration, err)
		}

		// Synthesizing and Speaking.
		o.setState(call.ID, session.StateSynthesizing)
		pcm, err := o.synthesizePCM(ctx, call.ID, reply)
		if err != nil {
			o.playApology(ctx, player, call.ID)
			return o.finish(ch, call.ID, session.ReasonWorkerUnavailable, err)
		}

		o.setState(call.ID, session.StateSpeaking)
		res, err = player.Play(ctx, pcm, true)
		if err != nil {
			reason, cause := o.readFailure(ctx, err)
			return o.finish(ch, call.ID, reason, cause)
		}
		interrupted, preroll = o.noteResult(call.ID, res)
	}
}

// readFailure maps a failed channel interaction to its exit condition. The
// call-duration deadline expiring mid-turn is max-duration, not a hangup;
// everything else means the caller went away.
func (o *Orchestrator) readFailure(ctx context.Context, err error) (session.TerminationReason, error) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return session.ReasonMaxDuration, nil
	}
	if errors.Is(err, channel.ErrChannelClosed) || errors.Is(err, context.Canceled) {
		return session.ReasonCallerHangup, nil
	}
	return session.ReasonCallerHangup, err
}

// noteResult folds one playback result into the call record: a confirmed
// interruption counts as a barge-in and seeds the next recording.
func (o *Orchestrator) noteResult(callID string, res PlayResult) (bool, [][]byte) {
	if res.Interrupted {
		o.recordBargeIn(callID)
		if o.metrics != nil {
			o.metrics.ObserveCancelLatency(res.CancelLatency)
		}
	}
	return res.Interrupted, res.Preroll
}

func (o *Orchestrator) setState(callID string, s session.State) {
	_ = o.calls.SetState(callID, s)
}

func (o *Orchestrator) recordBargeIn(callID string) {
	_ = o.calls.RecordBargeIn(callID)
	if o.metrics != nil {
		o.metrics.BargeIns.Inc()
	}
}

// finish terminates the call exactly once: session end, channel variable,
// accounting record, metrics, hangup.
func (o *Orchestrator) finish(ch channel.Channel, callID string, reason session.TerminationReason, cause error) (session.TerminationReason, error) {
	final, err := o.calls.End(callID, reason)
	if err != nil {
		return reason, cause
	}
	reason = final.Reason

	ch.SetVariable("ATTENDANT_REASON", string(reason))
	hangupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = ch.Hangup(hangupCtx)

	if o.metrics != nil {
		o.metrics.CallsTotal.WithLabelValues(string(reason)).Inc()
		o.metrics.CallTurns.Observe(float64(final.Turns))
		o.metrics.CallDuration.Observe(final.Duration().Seconds())
	}
	if o.store != nil {
		saveCtx, cancelSave := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelSave()
		if serr := o.store.Save(saveCtx, cdr.Record{
			CallID:    final.ID,
			CallerID:  final.CallerID,
			Reason:    string(reason),
			Turns:     final.Turns,
			BargeIns:  final.BargeIns,
			StartedAt: final.StartedAt,
			EndedAt:   final.EndedAt,
		}); serr != nil {
			log.Printf("call %s: save call record: %v", final.ID, serr)
		}
	}

	if cause != nil {
		log.Printf("call %s: terminated with reason %s: %v", final.ID, reason, cause)
	} else {
		log.Printf("call %s: terminated with reason %s after %d turns", final.ID, reason, final.Turns)
	}
	return reason, cause
}

// playGreeting prefers the cached greeting clip; a missing or undecodable
// clip falls back to live synthesis of the greeting line.
func (o *Orchestrator) playGreeting(ctx context.Context, player *Player, callID string) (PlayResult, error) {
	o.setState(callID, session.StateGreeting)

	if clip, err := o.clips.Load(o.cfg.GreetingPath); err == nil {
		if pcm, cerr := o.clipPCM(clip); cerr == nil {
			return player.Play(ctx, pcm, true)
		}
	} else {
		log.Printf("call %s: greeting clip unavailable, synthesizing live: %v", callID, err)
	}
	return o.playText(ctx, player, callID, o.cfg.GreetingText, true)
}

// playApology plays the precomputed apology clip, falling back to live
// synthesis, so failure paths still end with a spoken message. Errors are
// logged only; the call is about to terminate anyway.
func (o *Orchestrator) playApology(ctx context.Context, player *Player, callID string) {
	if clip, err := o.clips.Load(o.cfg.ApologyPath); err == nil {
		if pcm, cerr := o.clipPCM(clip); cerr == nil {
			if _, perr := player.Play(ctx, pcm, false); perr != nil {
				log.Printf("call %s: apology playback failed: %v", callID, perr)
			}
			return
		}
	}
	o.speakBestEffort(ctx, player, callID, o.cfg.ApologyText)
}

func (o *Orchestrator) speakBestEffort(ctx context.Context, player *Player, callID, text string) {
	if _, err := o.playText(ctx, player, callID, text, false); err != nil {
		log.Printf("call %s: closing line playback failed: %v", callID, err)
	}
}

// playText synthesizes text and streams it to the caller.
func (o *Orchestrator) playText(ctx context.Context, player *Player, callID, text string, armed bool) (PlayResult, error) {
	pcm, err := o.synthesizePCM(ctx, callID, text)
	if err != nil {
		return PlayResult{}, err
	}
	return player.Play(ctx, pcm, armed)
}

// synthesizePCM produces channel-native audio for text, retrying synthesis
// once on transient failure.
func (o *Orchestrator) synthesizePCM(ctx context.Context, callID, text string) ([]byte, error) {
	var wav []byte
	var rate int
	err := o.withRetry(ctx, func() error {
		var serr error
		wav, rate, serr = o.worker.Synthesize(ctx, callID, text, o.cfg.TTSVoice)
		return serr
	})
	if err != nil {
		return nil, err
	}

	buf, err := audio.DecodeWAV(wav)
	if err != nil {
		return nil, err
	}
	if buf.Rate == 0 {
		buf.Rate = rate
	}
	return o.clipPCM(buf)
}

// clipPCM converts decoded audio into the channel's native format, counting
// any encoding fallbacks that fired along the way.
func (o *Orchestrator) clipPCM(buf audio.Buffer) ([]byte, error) {
	resampled, err := audio.Resample(buf, o.cfg.ChannelSampleRate)
	if err != nil {
		return nil, err
	}
	ca, attempts, err := o.pipeline.ToChannelFormat(resampled)
	for _, a := range attempts {
		if a.Err != nil && o.metrics != nil {
			o.metrics.FormatFallbacks.WithLabelValues(string(a.Encoding)).Inc()
		}
	}
	if err != nil {
		return nil, err
	}
	out, err := o.pipeline.FromChannelFormat(ca)
	if err != nil {
		return nil, err
	}
	return out.Data, nil
}

// transcribe converts recorded channel audio to the recognizer's format and
// sends it to the worker, retrying once on transient failure.
func (o *Orchestrator) transcribe(ctx context.Context, callID string, rec audio.Buffer) (string, error) {
	wav, err := o.pipeline.ToModelFormat(rec, o.cfg.ModelSampleRateASR)
	if err != nil {
		return "", err
	}

	var text string
	err = o.withRetry(ctx, func() error {
		var terr error
		text, terr = o.worker.Transcribe(ctx, callID, wav, o.cfg.ModelSampleRateASR)
		return terr
	})
	return text, err
}

// generate asks the worker for the next reply with the in-memory transcript
// as context, retrying once on transient failure.
func (o *Orchestrator) generate(ctx context.Context, callID, utterance string) (string, error) {
	snap, err := o.calls.Get(callID)
	if err != nil {
		return "", err
	}
	// The new utterance is already the transcript's last line; everything
	// before it is the reply context.
	history := snap.Transcript
	if n := len(history); n > 0 && history[n-1].Role == "caller" && history[n-1].Text == utterance {
		history = history[:n-1]
	}
	turns := make([]worker.Turn, 0, len(history))
	for _, u := range history {
		turns = append(turns, worker.Turn{Role: u.Role, Text: u.Text})
	}

	var reply string
	err = o.withRetry(ctx, func() error {
		var gerr error
		reply, gerr = o.worker.GenerateReply(ctx, callID, turns, utterance)
		return gerr
	})
	return reply, err
}

// withRetry runs fn and retries exactly once when the failure is transient.
func (o *Orchestrator) withRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || !reliability.IsRetryable(err) || ctx.Err() != nil {
		return err
	}

	wait := reliability.ExponentialBackoff(0, o.backoffBase, 2*time.Second)
	select {
	case <-ctx.Done():
		return err
	case <-time.After(wait):
	}
	return fn()
}

// matchesExitPhrase reports whether the caller's text contains a goodbye
// phrase as whole words.
func matchesExitPhrase(text string, phrases []string) bool {
	norm := normalizeSpeech(text)
	if norm == "" {
		return false
	}
	padded := " " + norm + " "
	for _, p := range phrases {
		p = normalizeSpeech(p)
		if p == "" {
			continue
		}
		if strings.Contains(padded, " "+p+" ") {
			return true
		}
	}
	return false
}

func normalizeSpeech(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '\'':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
