package session

import "time"

// State is the orchestration state of a call. A call is always in exactly
// one state.
type State string

const (
	StateGreeting     State = "greeting"
	StateListening    State = "listening"
	StateTranscribing State = "transcribing"
	StateGenerating   State = "generating"
	StateSynthesizing State = "synthesizing"
	StateSpeaking     State = "speaking"
	StateTerminated   State = "terminated"
)

// TerminationReason records why a call ended. Each exit condition maps to
// its own reason.
type TerminationReason string

const (
	ReasonCallerGoodbye      TerminationReason = "caller-goodbye"
	ReasonMaxTurns           TerminationReason = "max-turns"
	ReasonMaxDuration        TerminationReason = "max-duration"
	ReasonNoInput            TerminationReason = "no-input"
	ReasonWorkerUnavailable  TerminationReason = "worker-unavailable"
	ReasonCallerHangup       TerminationReason = "caller-hangup"
	ReasonTranscribeFailures TerminationReason = "transcribe-failures"
	ReasonGenerateFailures   TerminationReason = "generate-failures"
)

// Utterance is one line of the in-call transcript. The transcript lives in
// process memory for the duration of the call only; it is never persisted.
type Utterance struct {
	Role string    `json:"role"` // "caller" or "bot"
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}
