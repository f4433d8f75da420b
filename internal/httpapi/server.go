// Package httpapi exposes the engine's control plane: health and readiness
// probes, metrics, call listings, recent call records, and the websocket
// media endpoint that carries live calls.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ovolab/attendant/internal/cdr"
	"github.com/ovolab/attendant/internal/channel"
	"github.com/ovolab/attendant/internal/config"
	"github.com/ovolab/attendant/internal/observability"
	"github.com/ovolab/attendant/internal/session"
)

// CallRunner handles one call leg to completion.
type CallRunner interface {
	Run(ctx context.Context, ch channel.Channel) (session.TerminationReason, error)
}

// WorkerProber checks whether the model worker is reachable and ready.
type WorkerProber interface {
	Health(ctx context.Context) error
}

type Server struct {
	cfg      config.Config
	calls    *session.Manager
	runner   CallRunner
	prober   WorkerProber
	store    cdr.Store
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, calls *session.Manager, runner CallRunner, prober WorkerProber, store cdr.Store, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		calls:   calls,
		runner:  runner,
		prober:  prober,
		store:   store,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Media legs come from the telephony switch, not browsers.
				// Browser origins are only accepted from the same host
				// unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/calls", s.handleListCalls)
	r.Get("/v1/calls/{id}", s.handleGetCall)
	r.Get("/v1/records", s.handleListRecords)
	r.Get("/v1/channel/ws", s.handleChannelWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"active_calls": s.calls.ActiveCount(),
	})
}

// handleReady reports ready only when the model worker is reachable: a call
// answered without a worker behind it would be greeted and then dropped.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.prober != nil {
		if err := s.prober.Health(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, "worker_unavailable", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleListCalls(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"calls": s.calls.List()})
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	call, err := s.calls.Get(id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			respondError(w, http.StatusNotFound, "call_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, call)
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "no record store configured")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "bad_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	records, err := s.store.Recent(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"records": records})
}

// handleChannelWS adopts a websocket connection as a call leg and runs the
// conversation loop on it until the call terminates.
func (s *Server) handleChannelWS(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "call runner not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ch, err := channel.NewWSChannel(conn, s.cfg.FrameSamples*2)
	if err != nil {
		log.Printf("httpapi: channel handshake failed: %v", err)
		_ = conn.Close()
		return
	}
	defer ch.Close()

	reason, err := s.runner.Run(r.Context(), ch)
	if err != nil {
		log.Printf("httpapi: call %s ended with reason %s: %v", ch.CallID(), reason, err)
		return
	}
	log.Printf("httpapi: call %s ended with reason %s", ch.CallID(), reason)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, detail string) {
	respondJSON(w, status, errorResponse{Error: detail, Code: code})
}
