package render

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreSaveAndLoad(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	entries := []Entry{
		{Role: RoleUser, Content: "hi", FinalizedAt: time.UnixMilli(1000)},
		{Role: RoleAssistant, Content: "hello", FinalizedAt: time.UnixMilli(2000)},
	}
	if err := s.Save(ctx, "s1", entries); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := s.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d entries, want 2", len(loaded))
	}
	if loaded[0].Content != "hi" || loaded[1].Content != "hello" {
		t.Fatalf("loaded = %+v", loaded)
	}
	if loaded[1].FinalizedAt.UnixMilli() != 2000 {
		t.Fatalf("FinalizedAt = %d, want 2000", loaded[1].FinalizedAt.UnixMilli())
	}
}

func TestStoreSaveIsIncremental(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := []Entry{{Role: RoleUser, Content: "one", FinalizedAt: time.UnixMilli(1)}}
	if err := s.Save(ctx, "s1", first); err != nil {
		t.Fatalf("first save: %v", err)
	}
	extended := append(first, Entry{Role: RoleAssistant, Content: "two", FinalizedAt: time.UnixMilli(2)})
	if err := s.Save(ctx, "s1", extended); err != nil {
		t.Fatalf("extending save: %v", err)
	}
	loaded, err := s.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d entries, want 2", len(loaded))
	}
}

func TestStoreRefusesDivergentSave(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, "s1", []Entry{{Role: RoleUser, Content: "one"}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	diverged := []Entry{{Role: RoleUser, Content: "ONE"}, {Role: RoleAssistant, Content: "two"}}
	if err := s.Save(ctx, "s1", diverged); err == nil {
		t.Fatal("divergent save was accepted")
	}
	truncated := []Entry{}
	if err := s.Save(ctx, "s1", truncated); err == nil {
		t.Fatal("truncating save was accepted")
	}
}

func TestStoreSessionsAreIsolated(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, "a", []Entry{{Role: RoleUser, Content: "for a"}}); err != nil {
		t.Fatalf("save a: %v", err)
	}
	if err := s.Save(ctx, "b", []Entry{{Role: RoleUser, Content: "for b"}}); err != nil {
		t.Fatalf("save b: %v", err)
	}
	loaded, err := s.Load(ctx, "a")
	if err != nil {
		t.Fatalf("load a: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Content != "for a" {
		t.Fatalf("session a history = %+v", loaded)
	}
}
