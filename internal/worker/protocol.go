package worker

// Wire types for the worker HTTP service. Audio payloads are WAV bytes;
// encoding/json base64s them transparently.

// Turn is one prior conversation exchange passed as reply context. The
// engine holds the transcript in memory for the duration of the call only.
type Turn struct {
	Role string `json:"role"` // "caller" or "bot"
	Text string `json:"text"`
}

type transcribeRequest struct {
	CallID     string `json:"call_id"`
	Audio      []byte `json:"audio"`
	SampleRate int    `json:"sample_rate"`
}

type transcribeResponse struct {
	Text string `json:"text"`
}

type synthesizeRequest struct {
	CallID string `json:"call_id"`
	Text   string `json:"text"`
	Voice  string `json:"voice,omitempty"`
}

type synthesizeResponse struct {
	Audio      []byte `json:"audio"`
	SampleRate int    `json:"sample_rate"`
}

type generateRequest struct {
	CallID    string `json:"call_id"`
	Context   []Turn `json:"context,omitempty"`
	Utterance string `json:"utterance"`
}

type generateResponse struct {
	Reply string `json:"reply"`
}

type healthResponse struct {
	Status string `json:"status"` // "ready" or "loading"
	ASR    bool   `json:"asr"`
	TTS    bool   `json:"tts"`
	LLM    bool   `json:"llm"`
}

type wireError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
