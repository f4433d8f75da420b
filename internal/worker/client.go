package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Client talks to the worker service. Request timeouts are enforced here so
// an unreachable worker fails fast instead of hanging the call loop.
type Client struct {
	baseURL         string
	httpClient      *http.Client
	requestTimeout  time.Duration
	generateTimeout time.Duration
}

// NewClient builds a worker client. requestTimeout bounds transcribe,
// synthesize and health; generateTimeout bounds reply generation, which is
// allowed to run longer.
func NewClient(baseURL string, requestTimeout, generateTimeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 1 * time.Second,
				}).DialContext,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		requestTimeout:  requestTimeout,
		generateTimeout: generateTimeout,
	}
}

// Transcribe sends WAV audio and returns the recognized text. Empty text is
// a valid result meaning no speech was found.
func (c *Client) Transcribe(ctx context.Context, callID string, wav []byte, sampleRate int) (string, error) {
	var resp transcribeResponse
	err := c.post(ctx, c.requestTimeout, "/transcribe", transcribeRequest{
		CallID:     callID,
		Audio:      wav,
		SampleRate: sampleRate,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Synthesize returns WAV audio for the given text along with its sample rate.
func (c *Client) Synthesize(ctx context.Context, callID, text, voice string) ([]byte, int, error) {
	var resp synthesizeResponse
	err := c.post(ctx, c.requestTimeout, "/synthesize", synthesizeRequest{
		CallID: callID,
		Text:   text,
		Voice:  voice,
	}, &resp)
	if err != nil {
		return nil, 0, err
	}
	return resp.Audio, resp.SampleRate, nil
}

// GenerateReply asks for the next bot utterance given the call transcript.
func (c *Client) GenerateReply(ctx context.Context, callID string, turns []Turn, utterance string) (string, error) {
	var resp generateResponse
	err := c.post(ctx, c.generateTimeout, "/generate_reply", generateRequest{
		CallID:    callID,
		Context:   turns,
		Utterance: utterance,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Reply, nil
}

// Health probes the worker's readiness. It returns ErrWorkerUnavailable for
// both unreachability and a not-ready status.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWorkerUnavailable, err)
	}
	defer resp.Body.Close()

	var health healthResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&health); err != nil {
		return fmt.Errorf("%w: bad health payload: %v", ErrWorkerUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK || health.Status != "ready" {
		return fmt.Errorf("%w: status %q", ErrWorkerUnavailable, health.Status)
	}
	return nil
}

func (c *Client) post(ctx context.Context, timeout time.Duration, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && path == "/generate_reply" {
			return fmt.Errorf("%w: %v", ErrModelTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrWorkerUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrWorkerUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return decodeWireError(resp.StatusCode, data)
	}
	return json.Unmarshal(data, out)
}

func decodeWireError(status int, data []byte) error {
	var we wireError
	_ = json.Unmarshal(data, &we)
	detail := we.Error
	if detail == "" {
		detail = fmt.Sprintf("http %d", status)
	}

	switch we.Code {
	case codeUnavailable, codeOverloaded:
		return fmt.Errorf("%w: %s", ErrWorkerUnavailable, detail)
	case codeUnintelligible:
		return fmt.Errorf("%w: %s", ErrAudioUnintelligible, detail)
	case codeSynthesis:
		return fmt.Errorf("%w: %s", ErrSynthesis, detail)
	case codeModelTimeout:
		return fmt.Errorf("%w: %s", ErrModelTimeout, detail)
	case codePolicyReject:
		return fmt.Errorf("%w: %s", ErrContentPolicyReject, detail)
	}
	if status == http.StatusServiceUnavailable || status == http.StatusBadGateway {
		return fmt.Errorf("%w: %s", ErrWorkerUnavailable, detail)
	}
	if status == http.StatusGatewayTimeout {
		return fmt.Errorf("%w: %s", ErrModelTimeout, detail)
	}
	return fmt.Errorf("worker error: %s", detail)
}
