package worker

import "errors"

// Failure kinds at the model-worker boundary. Callers branch on these with
// errors.Is; everything else crossing the boundary is wrapped in one of them
// or passed through as a transport error.
var (
	// ErrWorkerUnavailable means the worker is unreachable or shed the
	// request under load. Surfaced fast, never after a long hang.
	ErrWorkerUnavailable = errors.New("model worker unavailable")

	// ErrAudioUnintelligible means transcription ran but could not produce
	// usable text. A silent buffer is NOT this error; it is an empty result.
	ErrAudioUnintelligible = errors.New("audio unintelligible")

	// ErrSynthesis means text-to-speech failed for the given input.
	ErrSynthesis = errors.New("speech synthesis failed")

	// ErrModelTimeout means reply generation exceeded its deadline.
	ErrModelTimeout = errors.New("reply generation timed out")

	// ErrContentPolicyReject means the generated reply failed validation.
	ErrContentPolicyReject = errors.New("reply rejected by content policy")
)

// Error codes carried on the wire. The client maps them back to the
// sentinel errors above.
const (
	codeUnavailable    = "worker_unavailable"
	codeOverloaded     = "overloaded"
	codeUnintelligible = "audio_unintelligible"
	codeSynthesis      = "synthesis_error"
	codeModelTimeout   = "model_timeout"
	codePolicyReject   = "content_policy_reject"
	codeBadRequest     = "bad_request"
	codeInternal       = "internal"
)
