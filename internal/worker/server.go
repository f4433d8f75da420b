package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ovolab/attendant/internal/audio"
	"github.com/ovolab/attendant/internal/observability"
)

// ServerConfig bounds the worker service's concurrency. Requests beyond
// MaxConcurrency wait at most QueueWait for a slot, then are shed with an
// overloaded error. This keeps one call's slow generate from hanging every
// other call's transcribe behind an unbounded queue.
type ServerConfig struct {
	MaxConcurrency int
	QueueWait      time.Duration
	// SilenceFloorRMS short-circuits transcription of silent audio to an
	// empty-text result without touching the recognizer.
	SilenceFloorRMS float64
	ReplyPolicy     ReplyPolicy
}

// Server is the model-worker HTTP service. Engines are loaded once at
// startup; every request after that is stateless.
type Server struct {
	cfg     ServerConfig
	asr     ASREngine
	tts     TTSEngine
	reply   ReplyEngine
	metrics *observability.Metrics
	slots   chan struct{}
}

func NewServer(cfg ServerConfig, asr ASREngine, tts TTSEngine, reply ReplyEngine, metrics *observability.Metrics) *Server {
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	return &Server{
		cfg:     cfg,
		asr:     asr,
		tts:     tts,
		reply:   reply,
		metrics: metrics,
		slots:   make(chan struct{}, cfg.MaxConcurrency),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Post("/transcribe", s.handleTranscribe)
	r.Post("/synthesize", s.handleSynthesize)
	r.Post("/generate_reply", s.handleGenerateReply)
	return r
}

// acquire claims an inference slot, waiting up to QueueWait. It returns a
// release func, or false when the request should be shed.
func (s *Server) acquire(ctx context.Context) (func(), bool) {
	select {
	case s.slots <- struct{}{}:
		return func() { <-s.slots }, true
	default:
	}

	timer := time.NewTimer(s.cfg.QueueWait)
	defer timer.Stop()
	select {
	case s.slots <- struct{}{}:
		return func() { <-s.slots }, true
	case <-timer.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, healthResponse{
		Status: "ready",
		ASR:    s.asr != nil,
		TTS:    s.tts != nil,
		LLM:    s.reply != nil,
	})
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	var req transcribeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	if len(req.Audio) == 0 {
		respondError(w, http.StatusBadRequest, codeBadRequest, "audio required")
		return
	}

	// A silent buffer is a valid "caller said nothing" result, not an
	// error, and not worth an inference slot.
	if buf, err := audio.DecodeWAV(req.Audio); err == nil {
		if audio.RMS(buf.Data) < s.cfg.SilenceFloorRMS {
			respondJSON(w, http.StatusOK, transcribeResponse{Text: ""})
			return
		}
	}

	s.serve(w, r, "transcribe", func(ctx context.Context) (any, error) {
		text, err := s.asr.Transcribe(ctx, req.Audio)
		if err != nil {
			return nil, err
		}
		return transcribeResponse{Text: text}, nil
	})
}

func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	var req synthesizeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, codeBadRequest, "text required")
		return
	}

	s.serve(w, r, "synthesize", func(ctx context.Context) (any, error) {
		wav, rate, err := s.tts.Synthesize(ctx, req.Text, req.Voice)
		if err != nil {
			return nil, err
		}
		return synthesizeResponse{Audio: wav, SampleRate: rate}, nil
	})
}

func (s *Server) handleGenerateReply(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Utterance) == "" {
		respondError(w, http.StatusBadRequest, codeBadRequest, "utterance required")
		return
	}

	s.serve(w, r, "generate_reply", func(ctx context.Context) (any, error) {
		reply, err := s.generateValidated(ctx, req)
		if err != nil {
			return nil, err
		}
		return generateResponse{Reply: reply}, nil
	})
}

// generateValidated runs generation plus the reply policy. In regenerate
// mode a rejected reply earns one retry with a simplified instruction.
func (s *Server) generateValidated(ctx context.Context, req generateRequest) (string, error) {
	policy := s.cfg.ReplyPolicy

	raw, err := s.reply.Generate(ctx, req.Context, req.Utterance, false)
	if err != nil {
		return "", err
	}
	reply := policy.Clean(raw)
	verr := policy.Validate(reply, req.Utterance)
	if verr == nil {
		return reply, nil
	}
	s.observeRejection(verr)

	if policy.Mode != RejectModeRegenerate {
		return "", verr
	}

	raw, err = s.reply.Generate(ctx, req.Context, req.Utterance, true)
	if err != nil {
		return "", err
	}
	reply = policy.Clean(raw)
	if verr := policy.Validate(reply, req.Utterance); verr != nil {
		s.observeRejection(verr)
		return "", verr
	}
	return reply, nil
}

func (s *Server) observeRejection(err error) {
	if s.metrics != nil {
		s.metrics.ReplyRejections.Inc()
	}
	log.Printf("worker: reply rejected: %v", err)
}

// serve wraps one inference operation with slot acquisition, latency
// accounting and error mapping.
func (s *Server) serve(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context) (any, error)) {
	release, ok := s.acquire(r.Context())
	if !ok {
		if s.metrics != nil {
			s.metrics.WorkerShed.Inc()
		}
		respondError(w, http.StatusServiceUnavailable, codeOverloaded, "worker at capacity")
		return
	}
	defer release()

	start := time.Now()
	result, err := fn(r.Context())
	elapsed := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if s.metrics != nil {
		s.metrics.WorkerRequests.WithLabelValues(op, outcome).Inc()
		s.metrics.WorkerLatency.WithLabelValues(op).Observe(elapsed.Seconds())
	}

	if err != nil {
		log.Printf("worker: %s failed after %s: %v", op, elapsed.Round(time.Millisecond), err)
		respondOperationError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func respondOperationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrAudioUnintelligible):
		respondError(w, http.StatusUnprocessableEntity, codeUnintelligible, err.Error())
	case errors.Is(err, ErrSynthesis):
		respondError(w, http.StatusBadGateway, codeSynthesis, err.Error())
	case errors.Is(err, ErrModelTimeout), errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, codeModelTimeout, err.Error())
	case errors.Is(err, ErrContentPolicyReject):
		respondError(w, http.StatusUnprocessableEntity, codePolicyReject, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, codeInternal, err.Error())
	}
}

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, detail string) {
	respondJSON(w, status, wireError{Error: detail, Code: code})
}
