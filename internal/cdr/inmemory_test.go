package cdr

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryStoreSaveAndRecent(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	start := time.Now().UTC().Add(-time.Minute)
	for i, reason := range []string{"caller-goodbye", "no-input", "max-turns"} {
		err := s.Save(ctx, Record{
			CallID:    "call-" + reason,
			Reason:    reason,
			Turns:     i + 1,
			StartedAt: start.Add(time.Duration(i) * time.Second),
			EndedAt:   start.Add(time.Duration(i+10) * time.Second),
		})
		if err != nil {
			t.Fatalf("Save(%s) error = %v", reason, err)
		}
	}

	recent, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("Recent(2) returned %d records", len(recent))
	}
	if recent[0].Reason != "no-input" || recent[1].Reason != "max-turns" {
		t.Fatalf("Recent(2) = %q, %q", recent[0].Reason, recent[1].Reason)
	}
	if recent[0].ID == "" {
		t.Fatal("Save did not assign record id")
	}
	if got := recent[1].Duration(); got != 10*time.Second {
		t.Fatalf("Duration() = %v, want 10s", got)
	}

	all, err := s.Recent(ctx, 0)
	if err != nil || len(all) != 3 {
		t.Fatalf("Recent(0) = %d records, err %v", len(all), err)
	}
}
