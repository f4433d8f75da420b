// Package cdr persists call detail records: accounting facts about each
// completed call. Conversation content never enters a record; transcripts
// stay in process memory and die with the call.
package cdr

import (
	"context"
	"time"
)

// Record is the accounting row for one completed call.
type Record struct {
	ID        string    `json:"id"`
	CallID    string    `json:"call_id"`
	CallerID  string    `json:"caller_id,omitempty"`
	Reason    string    `json:"reason"`
	Turns     int       `json:"turns"`
	BargeIns  int       `json:"barge_ins"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// Duration is the call's wall-clock length.
func (r Record) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// Store persists and retrieves call detail records.
type Store interface {
	Save(ctx context.Context, record Record) error
	Recent(ctx context.Context, limit int) ([]Record, error)
	Close() error
}
