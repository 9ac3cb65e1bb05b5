package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/elonfeng/drugradar/pkg/event"
)

func TestOpenMissingFile(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("len = %d, want 0", s.Len())
	}
	if _, ok := s.Get("drug:ASPIRIN"); ok {
		t.Fatal("unexpected hit on empty cache")
	}
}

func TestPutPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "search.json")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	key := Key(event.ByDrug, "ASPIRIN")
	if err := s1.Put(key, json.RawMessage(`{"results":[{"safetyreportid":"1"}]}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s1.Put(Key(event.ByReaction, "Nausea"), json.RawMessage(`{"results":[]}`)); err != nil {
		t.Fatalf("put: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if s2.Len() != 2 {
		t.Fatalf("len after reopen = %d, want 2", s2.Len())
	}

	got, ok := s2.Get(key)
	if !ok {
		t.Fatal("entry missing after reopen")
	}
	var decoded map[string]any
	if err := json.Unmarshal(got, &decoded); err != nil {
		t.Fatalf("cached value not JSON: %v", err)
	}
	if _, ok := decoded["results"]; !ok {
		t.Fatalf("cached value lost results: %s", got)
	}

	if want := []string{"drug:ASPIRIN", "reaction:Nausea"}; !reflect.DeepEqual(s2.Keys(), want) {
		t.Errorf("keys = %v, want %v", s2.Keys(), want)
	}
}

func TestPutRejectsInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Put("k", json.RawMessage(`{not json`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	if s.Len() != 0 {
		t.Fatalf("len = %d, want 0", s.Len())
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("cache file should not exist, stat err = %v", err)
	}
}

func TestPutRollsBackOnWriteFailure(t *testing.T) {
	dir := t.TempDir()
	// A directory at the target path makes the final rename fail.
	path := filepath.Join(dir, "blocked")
	if err := os.MkdirAll(filepath.Join(path, "child"), 0o755); err != nil {
		t.Fatal(err)
	}

	s := &Store{path: path, entries: map[string]json.RawMessage{}}
	if err := s.Put("k", json.RawMessage(`1`)); err == nil {
		t.Fatal("expected write failure")
	}
	if _, ok := s.Get("k"); ok {
		t.Fatal("failed put left entry in memory")
	}
}

func TestOpenCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.json")
	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("expected parse error")
	}
}
