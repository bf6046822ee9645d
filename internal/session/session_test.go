package session

import (
	"testing"

	"github.com/fieldglass/vagent/internal/events"
)

// With no DSN configured, the Session is a pure pass-through to the
// in-memory Store and Close is a no-op.
func TestNoDSNIsInMemoryOnly(t *testing.T) {
	store := events.NewStore()
	s, err := New(store, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.RecordChat(events.ChatMessage{Role: "user", Text: "hello"})
	s.RecordActivity("assistant", "clicked the button")

	history := store.ChatHistory()
	if len(history) != 1 || history[0].Text != "hello" {
		t.Fatalf("ChatHistory = %v, want the one recorded message", history)
	}

	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

// Record calls after Close must not panic even when persistence was never
// configured.
func TestRecordAfterCloseIsSafe(t *testing.T) {
	store := events.NewStore()
	s, err := New(store, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	s.RecordChat(events.ChatMessage{Role: "user", Text: "late"})
}
