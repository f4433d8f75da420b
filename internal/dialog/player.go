// Package dialog holds the per-call control loop: the interrupt-aware
// recorder/player and the conversation orchestrator driving it.
package dialog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ovolab/attendant/internal/audio"
	"github.com/ovolab/attendant/internal/bargein"
	"github.com/ovolab/attendant/internal/channel"
)

// ErrRecordTimeout reports that no caller speech was confirmed within the
// no-speech window. It is distinct from end-of-utterance: the caller never
// started talking.
var ErrRecordTimeout = errors.New("no caller speech before timeout")

// PlayerState tracks what the recorder/player is doing right now.
type PlayerState int

const (
	PlayerIdle PlayerState = iota
	PlayerPlaying
	PlayerRecording
	// PlayerPlayingAndListening is the barge-in-armed playback state.
	PlayerPlayingAndListening
)

func (s PlayerState) String() string {
	switch s {
	case PlayerIdle:
		return "idle"
	case PlayerPlaying:
		return "playing"
	case PlayerRecording:
		return "recording"
	case PlayerPlayingAndListening:
		return "playing_and_listening"
	default:
		return fmt.Sprintf("player_state(%d)", int(s))
	}
}

// PlayerConfig carries the audio timing contract for one call.
type PlayerConfig struct {
	SampleRate    int
	FrameBytes    int
	FrameDuration time.Duration
	// MaxUtterance caps a single recording regardless of pauses.
	MaxUtterance time.Duration
}

// PlaybackSession is one in-flight playback: the frames being streamed, a
// cursor, and a cancellation flag. Cancel is safe from any goroutine and
// takes effect before the next frame write.
type PlaybackSession struct {
	frames      [][]byte
	cursor      atomic.Int64
	cancelled   atomic.Bool
	cancelledAt atomic.Int64
}

func (s *PlaybackSession) Cancel() {
	if s.cancelled.CompareAndSwap(false, true) {
		s.cancelledAt.Store(time.Now().UnixNano())
	}
}

func (s *PlaybackSession) Cancelled() bool { return s.cancelled.Load() }

// Cursor returns the number of frames written so far.
func (s *PlaybackSession) Cursor() int { return int(s.cursor.Load()) }

// PlayResult describes how a playback ended.
type PlayResult struct {
	Session *PlaybackSession
	// Interrupted is true when confirmed caller speech cancelled playback.
	Interrupted bool
	// Preroll holds the caller frames from the first candidate frame through
	// confirmation, so the subsequent recording loses no audio at the
	// boundary.
	Preroll [][]byte
	// CancelLatency is the delay between Cancel being called and the
	// playback loop stopping, when the session was cancelled.
	CancelLatency time.Duration
}

// Player is the interrupt-aware recorder/player for one call. It owns the
// only playback session and the only recording phase at any moment; the
// orchestrator drives it sequentially.
type Player struct {
	ch  channel.Channel
	det *bargein.Detector
	cfg PlayerConfig

	mu     sync.Mutex
	state  PlayerState
	active *PlaybackSession
}

func NewPlayer(ch channel.Channel, det *bargein.Detector, cfg PlayerConfig) *Player {
	return &Player{ch: ch, det: det, cfg: cfg}
}

func (p *Player) State() PlayerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Player) setState(s PlayerState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// CancelPlayback cancels the active playback session, if any. Callable from
// any state and any goroutine.
func (p *Player) CancelPlayback() {
	p.mu.Lock()
	active := p.active
	p.mu.Unlock()
	if active != nil {
		active.Cancel()
	}
}

// Play streams pcm to the channel frame by frame. With armed set, every
// inbound frame is classified while playing and confirmed caller speech
// cancels the session before the next write; the interrupting audio is
// returned as preroll for the recording that follows.
func (p *Player) Play(ctx context.Context, pcm []byte, armed bool) (PlayResult, error) {
	frames := splitFrames(pcm, p.cfg.FrameBytes)
	session := &PlaybackSession{frames: frames}

	p.mu.Lock()
	p.active = session
	if armed {
		p.state = PlayerPlayingAndListening
	} else {
		p.state = PlayerPlaying
	}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.active = nil
		p.state = PlayerIdle
		p.mu.Unlock()
	}()

	if armed {
		p.det.Reset()
	}

	// Armed playback is paced by the inbound reads; without them, pace the
	// writes so a real channel is not flooded with the whole clip at once.
	var pacer *time.Ticker
	if !armed && p.cfg.FrameDuration > 0 {
		pacer = time.NewTicker(p.cfg.FrameDuration)
		defer pacer.Stop()
	}

	result := PlayResult{Session: session}
	var preroll [][]byte

	for int(session.cursor.Load()) < len(frames) {
		if session.Cancelled() {
			result.CancelLatency = time.Since(time.Unix(0, session.cancelledAt.Load()))
			return result, nil
		}

		if armed {
			frame, err := p.pollFrame(ctx)
			if err != nil {
				return result, err
			}
			if frame != nil {
				state := p.det.Feed(frame)
				switch state {
				case bargein.StateQuiet:
					preroll = preroll[:0]
				default:
					preroll = append(preroll, frame)
				}
				if state == bargein.StateSpeechConfirmed {
					// Cancel before the next write so no stale audio
					// reaches the caller.
					session.Cancel()
					result.Interrupted = true
					result.Preroll = preroll
					result.CancelLatency = time.Since(time.Unix(0, session.cancelledAt.Load()))
					return result, nil
				}
			}
		}

		if pacer != nil {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-pacer.C:
			}
		}

		i := int(session.cursor.Load())
		if err := p.ch.WriteFrame(ctx, frames[i]); err != nil {
			return result, err
		}
		session.cursor.Add(1)
	}
	return result, nil
}

// pollFrame reads one inbound frame, waiting at most one frame period so
// playback never stalls on a quiet line.
func (p *Player) pollFrame(ctx context.Context) ([]byte, error) {
	frameCtx, cancel := context.WithTimeout(ctx, p.cfg.FrameDuration)
	defer cancel()

	frame, err := p.ch.ReadFrame(frameCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, nil
		}
		return nil, err
	}
	return frame, nil
}

// RecordOptions parameterizes one recording phase.
type RecordOptions struct {
	// Timeout is the no-speech window: with no confirmed speech at all by
	// this deadline the recording fails with ErrRecordTimeout.
	Timeout time.Duration
	// Preroll seeds the recording with frames captured during barge-in.
	Preroll [][]byte
	// Resume continues an already-confirmed utterance instead of resetting
	// the detector, used directly after an interruption.
	Resume bool
}

// RecordUntilSilence accumulates caller audio until the detector reports
// end-of-utterance. Time is counted in frame periods, so a scripted channel
// drives it deterministically.
func (p *Player) RecordUntilSilence(ctx context.Context, opts RecordOptions) (audio.Buffer, error) {
	p.setState(PlayerRecording)
	defer p.setState(PlayerIdle)

	if !opts.Resume {
		p.det.Reset()
	}

	collected := make([][]byte, 0, len(opts.Preroll)+64)
	collected = append(collected, opts.Preroll...)
	var pending [][]byte
	var elapsed, speech time.Duration

	for {
		frame, err := p.ch.ReadFrame(ctx)
		if err != nil {
			return audio.Buffer{}, err
		}
		elapsed += p.cfg.FrameDuration

		state := p.det.Feed(frame)
		switch state {
		case bargein.StateQuiet:
			pending = pending[:0]
		case bargein.StateSpeechCandidate:
			pending = append(pending, frame)
		default:
			if len(pending) > 0 {
				collected = append(collected, pending...)
				pending = pending[:0]
			}
			collected = append(collected, frame)
			speech += p.cfg.FrameDuration
		}

		if state == bargein.StateEndOfUtterance {
			break
		}
		if !p.det.SpeechDetected() && elapsed >= opts.Timeout {
			return audio.Buffer{}, ErrRecordTimeout
		}
		if p.cfg.MaxUtterance > 0 && speech >= p.cfg.MaxUtterance {
			break
		}
	}

	return joinFrames(collected, p.cfg.SampleRate), nil
}

func splitFrames(pcm []byte, frameBytes int) [][]byte {
	if frameBytes <= 0 {
		return [][]byte{pcm}
	}
	frames := make([][]byte, 0, len(pcm)/frameBytes+1)
	for off := 0; off < len(pcm); off += frameBytes {
		end := off + frameBytes
		if end > len(pcm) {
			// Pad the tail so the channel always sees full frames.
			frame := make([]byte, frameBytes)
			copy(frame, pcm[off:])
			frames = append(frames, frame)
			break
		}
		frames = append(frames, pcm[off:end])
	}
	return frames
}

func joinFrames(frames [][]byte, rate int) audio.Buffer {
	size := 0
	for _, f := range frames {
		size += len(f)
	}
	data := make([]byte, 0, size)
	for _, f := range frames {
		data = append(data, f...)
	}
	return audio.Buffer{Data: data, Rate: rate, Channels: 1}
}
