// Package bargein classifies streaming frame energy into speech-start and
// end-of-utterance decisions. It is the signal the recorder uses both to
// cancel playback when the caller interrupts and to stop recording when the
// caller finishes talking.
package bargein

import (
	"fmt"
	"time"

	"github.com/ovolab/attendant/internal/audio"
)

// State is the detector's position in the per-turn classification machine.
type State int

const (
	// StateQuiet means no speech activity has been observed.
	StateQuiet State = iota
	// StateSpeechCandidate means energy crossed the noise floor but has not
	// yet been sustained long enough to rule out a transient.
	StateSpeechCandidate
	// StateSpeechConfirmed means the caller is speaking.
	StateSpeechConfirmed
	// StateTrailingSilence means confirmed speech has paused; the pause may
	// resolve either back into speech or into end-of-utterance.
	StateTrailingSilence
	// StateEndOfUtterance is terminal for the turn; Reset starts a new one.
	StateEndOfUtterance
)

func (s State) String() string {
	switch s {
	case StateQuiet:
		return "quiet"
	case StateSpeechCandidate:
		return "speech_candidate"
	case StateSpeechConfirmed:
		return "speech_confirmed"
	case StateTrailingSilence:
		return "trailing_silence"
	case StateEndOfUtterance:
		return "end_of_utterance"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config carries the tuning constants for one detector. All of them are
// empirical and exposed through the process configuration rather than
// hard-coded.
type Config struct {
	// NoiseFloorRMS is the frame energy above which a frame counts as voiced.
	NoiseFloorRMS float64
	// ConfirmFrames is the number of consecutive voiced frames required
	// before a candidate is confirmed as real speech. Bursts shorter than
	// this are absorbed as line noise.
	ConfirmFrames int
	// FrameDuration is the wall-clock length of one frame.
	FrameDuration time.Duration
	// TrailingSilence is the continuous below-floor duration after confirmed
	// speech that marks end-of-utterance.
	TrailingSilence time.Duration
	// MaxPause caps the total dip duration. Even when stray voiced blips keep
	// resetting the continuous-silence clock, a pause this long finalizes the
	// utterance.
	MaxPause time.Duration
}

// Detector is a single-turn speech classifier. It is not safe for concurrent
// use; the recorder feeds it from the frame-processing goroutine only.
type Detector struct {
	cfg Config

	state      State
	voicedRun  int
	silenceRun time.Duration
	pauseTotal time.Duration
	confirmed  bool
}

// NewDetector returns a detector in StateQuiet.
func NewDetector(cfg Config) *Detector {
	if cfg.ConfirmFrames < 1 {
		cfg.ConfirmFrames = 1
	}
	return &Detector{cfg: cfg}
}

// Reset rearms the detector for a new turn.
func (d *Detector) Reset() {
	d.state = StateQuiet
	d.voicedRun = 0
	d.silenceRun = 0
	d.pauseTotal = 0
	d.confirmed = false
}

// State returns the current classification state.
func (d *Detector) State() State { return d.state }

// SpeechDetected reports whether speech was confirmed at any point this turn.
// It stays true through trailing silence and end-of-utterance, which is how
// the recorder distinguishes "caller paused" from "caller never spoke".
func (d *Detector) SpeechDetected() bool { return d.confirmed }

// Feed classifies one PCM16LE frame and returns the resulting state.
func (d *Detector) Feed(frame []byte) State {
	return d.FeedEnergy(audio.RMS(frame))
}

// FeedEnergy advances the machine with a precomputed frame energy.
func (d *Detector) FeedEnergy(rms float64) State {
	voiced := rms > d.cfg.NoiseFloorRMS

	switch d.state {
	case StateQuiet:
		if voiced {
			d.voicedRun = 1
			d.state = StateSpeechCandidate
			if d.voicedRun >= d.cfg.ConfirmFrames {
				d.confirm()
			}
		}

	case StateSpeechCandidate:
		if !voiced {
			// Transient absorbed; back to square one.
			d.voicedRun = 0
			d.state = StateQuiet
			break
		}
		d.voicedRun++
		if d.voicedRun >= d.cfg.ConfirmFrames {
			d.confirm()
		}

	case StateSpeechConfirmed:
		if !voiced {
			d.state = StateTrailingSilence
			d.silenceRun = d.cfg.FrameDuration
			d.pauseTotal = d.cfg.FrameDuration
			d.voicedRun = 0
			d.finalizeIfDone()
		}

	case StateTrailingSilence:
		d.pauseTotal += d.cfg.FrameDuration
		if voiced {
			d.silenceRun = 0
			d.voicedRun++
			if d.voicedRun >= d.cfg.ConfirmFrames {
				// Speech resumed; the pause was mid-utterance.
				d.state = StateSpeechConfirmed
				d.pauseTotal = 0
			}
		} else {
			d.silenceRun += d.cfg.FrameDuration
			d.voicedRun = 0
		}
		d.finalizeIfDone()

	case StateEndOfUtterance:
		// Terminal until Reset.
	}

	return d.state
}

func (d *Detector) confirm() {
	d.state = StateSpeechConfirmed
	d.confirmed = true
	d.silenceRun = 0
	d.pauseTotal = 0
}

func (d *Detector) finalizeIfDone() {
	if d.state != StateTrailingSilence {
		return
	}
	if d.silenceRun >= d.cfg.TrailingSilence || d.pauseTotal >= d.cfg.MaxPause {
		d.state = StateEndOfUtterance
	}
}
