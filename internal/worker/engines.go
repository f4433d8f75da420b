package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ASREngine turns WAV audio into text. Implementations must return empty
// text, not an error, when the audio contains no speech.
type ASREngine interface {
	Transcribe(ctx context.Context, wav []byte) (string, error)
}

// TTSEngine turns text into WAV audio at its native sample rate.
type TTSEngine interface {
	Synthesize(ctx context.Context, text, voice string) ([]byte, int, error)
}

// ReplyEngine produces the next bot utterance from the call transcript.
// simplified asks for a retry with a stripped-down instruction after a
// rejected or timed-out first attempt.
type ReplyEngine interface {
	Generate(ctx context.Context, turns []Turn, utterance string, simplified bool) (string, error)
}

// HTTPASREngine fronts a local speech-recognition sidecar that accepts WAV
// uploads and returns JSON with the recognized text.
type HTTPASREngine struct {
	URL        string
	HTTPClient *http.Client
}

func (e *HTTPASREngine) Transcribe(ctx context.Context, wav []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(wav))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := e.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("asr request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: asr returned %d", ErrAudioUnintelligible, resp.StatusCode)
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("asr response: %w", err)
	}
	return strings.TrimSpace(out.Text), nil
}

func (e *HTTPASREngine) client() *http.Client {
	if e.HTTPClient != nil {
		return e.HTTPClient
	}
	return http.DefaultClient
}

// HTTPTTSEngine fronts a local synthesis sidecar.
type HTTPTTSEngine struct {
	URL        string
	SampleRate int
	HTTPClient *http.Client
}

func (e *HTTPTTSEngine) Synthesize(ctx context.Context, text, voice string) ([]byte, int, error) {
	body, err := json.Marshal(map[string]string{"text": text, "voice": voice})
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client().Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("%w: tts returned %d", ErrSynthesis, resp.StatusCode)
	}
	wav, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("tts response: %w", err)
	}
	if len(wav) == 0 {
		return nil, 0, fmt.Errorf("%w: empty audio", ErrSynthesis)
	}
	return wav, e.SampleRate, nil
}

func (e *HTTPTTSEngine) client() *http.Client {
	if e.HTTPClient != nil {
		return e.HTTPClient
	}
	return http.DefaultClient
}

// OllamaReplyEngine generates replies through an Ollama /api/generate
// endpoint with a fixed persona prompt.
type OllamaReplyEngine struct {
	URL        string // base URL, e.g. http://localhost:11434
	Model      string
	MaxTokens  int
	HTTPClient *http.Client
}

const replySystemPrompt = "You are a polite telephone attendant. Answer the caller in one or two short spoken sentences. Never use lists, markdown, or stage directions."

const replySimplifiedPrompt = "Answer the caller in one short, plain sentence."

func (e *OllamaReplyEngine) Generate(ctx context.Context, turns []Turn, utterance string, simplified bool) (string, error) {
	system := replySystemPrompt
	if simplified {
		system = replySimplifiedPrompt
	}

	var b strings.Builder
	b.WriteString(system)
	b.WriteString("\n\n")
	for _, t := range turns {
		switch t.Role {
		case "caller":
			fmt.Fprintf(&b, "Caller: %s\n", t.Text)
		case "bot":
			fmt.Fprintf(&b, "Attendant: %s\n", t.Text)
		}
	}
	fmt.Fprintf(&b, "Caller: %s\nAttendant:", utterance)

	payload := map[string]any{
		"model":  e.Model,
		"prompt": b.String(),
		"stream": false,
		"options": map[string]any{
			"num_predict": e.MaxTokens,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(e.URL, "/")+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client().Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %v", ErrModelTimeout, err)
		}
		return "", fmt.Errorf("llm request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm returned %d", resp.StatusCode)
	}

	var out struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("llm response: %w", err)
	}
	return out.Response, nil
}

func (e *OllamaReplyEngine) client() *http.Client {
	if e.HTTPClient != nil {
		return e.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}
