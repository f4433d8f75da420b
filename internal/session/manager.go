package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("call not found")

// Call is the per-call session record. The manager hands out clones;
// mutation goes through manager methods.
type Call struct {
	ID             string            `json:"call_id"`
	CallerID       string            `json:"caller_id,omitempty"`
	State          State             `json:"state"`
	Turns          int               `json:"turns"`
	BargeIns       int               `json:"barge_ins"`
	Reason         TerminationReason `json:"reason,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`
	EndedAt        time.Time         `json:"ended_at,omitempty"`

	// Transcript is in-memory conversation context for reply generation.
	// It is deliberately excluded from JSON and from any store.
	Transcript []Utterance `json:"-"`
}

// Active reports whether the call has not yet terminated.
func (c *Call) Active() bool { return c.State != StateTerminated }

// Duration is the call's age, or its final length once terminated.
func (c *Call) Duration() time.Duration {
	if !c.EndedAt.IsZero() {
		return c.EndedAt.Sub(c.StartedAt)
	}
	return time.Since(c.StartedAt)
}

// defaultRetention is how long terminated calls stay listable before the
// janitor drops them, transcript and all.
const defaultRetention = 10 * time.Minute

// Manager tracks live calls. Concurrent calls are independent sessions; the
// manager is the only shared view over them.
type Manager struct {
	mu          sync.RWMutex
	calls       map[string]*Call
	maxDuration time.Duration
	retention   time.Duration
	onExpire    func(*Call)
}

// NewManager returns a manager that treats calls older than maxDuration as
// expired.
func NewManager(maxDuration time.Duration) *Manager {
	if maxDuration <= 0 {
		maxDuration = 15 * time.Minute
	}
	return &Manager{
		calls:       make(map[string]*Call),
		maxDuration: maxDuration,
		retention:   defaultRetention,
	}
}

// SetExpireHook registers a callback invoked with a snapshot of every call
// the janitor force-terminates. The engine uses it to tear down the call's
// media loop.
func (m *Manager) SetExpireHook(hook func(*Call)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Create registers a new call in the greeting state.
func (m *Manager) Create(callID, callerID string) *Call {
	if callID == "" {
		callID = uuid.NewString()
	}
	now := time.Now().UTC()
	c := &Call{
		ID:             callID,
		CallerID:       callerID,
		State:          StateGreeting,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[c.ID] = c
	return clone(c)
}

func (m *Manager) Get(callID string) (*Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.calls[callID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(c), nil
}

// SetState moves the call to a new orchestration state.
func (m *Manager) SetState(callID string, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return ErrNotFound
	}
	c.State = state
	c.LastActivityAt = time.Now().UTC()
	return nil
}

// AppendUtterance adds one transcript line. Caller utterances advance the
// turn counter.
func (m *Manager) AppendUtterance(callID, role, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	c.Transcript = append(c.Transcript, Utterance{Role: role, Text: text, At: now})
	if role == "caller" {
		c.Turns++
	}
	c.LastActivityAt = now
	return nil
}

// RecordBargeIn counts one caller interruption.
func (m *Manager) RecordBargeIn(callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return ErrNotFound
	}
	c.BargeIns++
	c.LastActivityAt = time.Now().UTC()
	return nil
}

// End terminates the call with the given reason and returns the final
// snapshot. Ending an already-terminated call keeps the first reason.
func (m *Manager) End(callID string, reason TerminationReason) (*Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return nil, ErrNotFound
	}
	if c.State != StateTerminated {
		c.State = StateTerminated
		c.Reason = reason
		c.EndedAt = time.Now().UTC()
		c.LastActivityAt = c.EndedAt
	}
	return clone(c), nil
}

// Remove drops a terminated call from the manager.
func (m *Manager) Remove(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.calls, callID)
}

// List returns snapshots of all known calls.
func (m *Manager) List() []*Call {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Call, 0, len(m.calls))
	for _, c := range m.calls {
		out = append(out, clone(c))
	}
	return out
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, c := range m.calls {
		if c.Active() {
			count++
		}
	}
	return count
}

// StartJanitor periodically force-terminates calls past the duration
// ceiling, fires the expire hook for each, and sweeps out calls that have
// been terminated longer than the retention window.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireOverdue()
				m.sweepTerminated()
			}
		}
	}()
}

func (m *Manager) expireOverdue() {
	now := time.Now().UTC()
	var expired []*Call

	m.mu.Lock()
	for _, c := range m.calls {
		if !c.Active() {
			continue
		}
		if now.Sub(c.StartedAt) < m.maxDuration {
			continue
		}
		c.State = StateTerminated
		c.Reason = ReasonMaxDuration
		c.EndedAt = now
		c.LastActivityAt = now
		expired = append(expired, clone(c))
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, c := range expired {
			hook(c)
		}
	}
}

// sweepTerminated removes calls that terminated longer ago than the
// retention window, so finished calls and their transcripts do not
// accumulate for the process lifetime.
func (m *Manager) sweepTerminated() {
	cutoff := time.Now().Add(-m.retention)

	m.mu.RLock()
	var stale []string
	for id, c := range m.calls {
		if !c.Active() && !c.EndedAt.IsZero() && c.EndedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		m.Remove(id)
	}
}

func clone(c *Call) *Call {
	cp := *c
	cp.Transcript = append([]Utterance(nil), c.Transcript...)
	return &cp
}
