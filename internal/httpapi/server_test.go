package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ovolab/attendant/internal/cdr"
	"github.com/ovolab/attendant/internal/channel"
	"github.com/ovolab/attendant/internal/config"
	"github.com/ovolab/attendant/internal/session"
)

type stubRunner struct {
	reason session.TerminationReason
	err    error
	got    chan channel.Channel
}

func (r *stubRunner) Run(_ context.Context, ch channel.Channel) (session.TerminationReason, error) {
	if r.got != nil {
		r.got <- ch
	}
	return r.reason, r.err
}

type stubProber struct{ err error }

func (p stubProber) Health(context.Context) error { return p.err }

func testConfig() config.Config {
	return config.Config{
		AllowAnyOrigin:    true,
		ChannelSampleRate: 8000,
		FrameSamples:      160,
	}
}

func newTestServer(t *testing.T, runner CallRunner, prober WorkerProber) (*Server, *session.Manager, *cdr.InMemoryStore) {
	t.Helper()
	calls := session.NewManager(time.Hour)
	store := cdr.NewInMemoryStore()
	return New(testConfig(), calls, runner, prober, store, nil), calls, store
}

func getJSON(t *testing.T, ts *httptest.Server, path string, status int, out any) {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != status {
		t.Fatalf("GET %s status = %d, want %d", path, resp.StatusCode, status)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
}

func TestHealthz(t *testing.T) {
	srv, calls, _ := newTestServer(t, nil, nil)
	calls.Create("call-1", "100")

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var body struct {
		Status      string `json:"status"`
		ActiveCalls int    `json:"active_calls"`
	}
	getJSON(t, ts, "/healthz", http.StatusOK, &body)
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if body.ActiveCalls != 1 {
		t.Errorf("active_calls = %d, want 1", body.ActiveCalls)
	}
}

func TestReadyzReflectsWorkerHealth(t *testing.T) {
	srv, _, _ := newTestServer(t, nil, stubProber{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	getJSON(t, ts, "/readyz", http.StatusOK, nil)

	down, _, _ := newTestServer(t, nil, stubProber{err: errors.New("worker down")})
	tsDown := httptest.NewServer(down.Router())
	defer tsDown.Close()

	var body struct {
		Code string `json:"code"`
	}
	getJSON(t, tsDown, "/readyz", http.StatusServiceUnavailable, &body)
	if body.Code != "worker_unavailable" {
		t.Errorf("code = %q, want worker_unavailable", body.Code)
	}
}

func TestListAndGetCalls(t *testing.T) {
	srv, calls, _ := newTestServer(t, nil, nil)
	calls.Create("call-1", "100")
	calls.Create("call-2", "200")

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var listing struct {
		Calls []session.Call `json:"calls"`
	}
	getJSON(t, ts, "/v1/calls", http.StatusOK, &listing)
	if len(listing.Calls) != 2 {
		t.Fatalf("len(calls) = %d, want 2", len(listing.Calls))
	}

	var call session.Call
	getJSON(t, ts, "/v1/calls/call-1", http.StatusOK, &call)
	if call.CallerID != "100" {
		t.Errorf("caller = %q, want 100", call.CallerID)
	}

	getJSON(t, ts, "/v1/calls/nope", http.StatusNotFound, nil)
}

func TestListRecords(t *testing.T) {
	srv, _, store := newTestServer(t, nil, nil)
	now := time.Now()
	for _, id := range []string{"a", "b", "c"} {
		if err := store.Save(context.Background(), cdr.Record{
			CallID:    id,
			Reason:    string(session.ReasonCallerGoodbye),
			StartedAt: now,
			EndedAt:   now.Add(time.Minute),
		}); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var body struct {
		Records []cdr.Record `json:"records"`
	}
	getJSON(t, ts, "/v1/records?limit=2", http.StatusOK, &body)
	if len(body.Records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(body.Records))
	}

	getJSON(t, ts, "/v1/records?limit=zero", http.StatusBadRequest, nil)
}

func TestChannelWSRunsCall(t *testing.T) {
	runner := &stubRunner{reason: session.ReasonCallerHangup, got: make(chan channel.Channel, 1)}
	srv, _, _ := newTestServer(t, runner, nil)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/channel/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	start := map[string]any{"event": "start", "call_id": "call-ws", "caller_id": "555"}
	if err := conn.WriteJSON(start); err != nil {
		t.Fatalf("write start: %v", err)
	}

	select {
	case ch := <-runner.got:
		if ch.CallID() != "call-ws" {
			t.Errorf("call id = %q, want call-ws", ch.CallID())
		}
		if ch.CallerID() != "555" {
			t.Errorf("caller id = %q, want 555", ch.CallerID())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runner never received the channel")
	}
}
