package store

import (
	"path/filepath"
	"testing"
)

func TestRecordAndList(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "cove.db"))
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer s.Close()

	if err := s.RecordEvent("abc123", "initializing", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordEvent("abc123", "active", "container=user_abc123"); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordEvent("other", "initializing", ""); err != nil {
		t.Fatal(err)
	}

	entries, err := s.EventsBySession("abc123")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Event != "initializing" || entries[1].Event != "active" {
		t.Errorf("events out of order: %q, %q", entries[0].Event, entries[1].Event)
	}
	if entries[1].Detail != "container=user_abc123" {
		t.Errorf("detail = %q", entries[1].Detail)
	}
}

func TestEmptySession(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "cove.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	entries, err := s.EventsBySession("nobody")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("got %d entries for unknown session", len(entries))
	}
}
