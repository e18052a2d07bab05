package kv

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get(missing) ok=%v err=%v", ok, err)
	}
	if err := s.Put(ctx, "ns", []byte("one")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, "ns", []byte("two")); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	got, ok, err := s.Get(ctx, "ns")
	if err != nil || !ok || string(got) != "two" {
		t.Fatalf("Get(ns) = %q ok=%v err=%v", got, ok, err)
	}
	if err := s.Delete(ctx, "ns"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "ns"); ok {
		t.Fatal("value still present after Delete")
	}
}

func TestMemoryStore(t *testing.T) {
	m := NewMemory()
	exerciseStore(t, m)

	_ = m.Close()
	if err := m.Put(context.Background(), "ns", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("Put after Close err=%v, want ErrClosed", err)
	}
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	m := NewMemory()
	buf := []byte("abc")
	_ = m.Put(context.Background(), "k", buf)
	buf[0] = 'z'

	got, _, _ := m.Get(context.Background(), "k")
	if string(got) != "abc" {
		t.Fatalf("stored value mutated through caller slice: %q", got)
	}
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tracker.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()

	exerciseStore(t, s)
}

func TestSQLiteStorePersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracker.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := s.Put(context.Background(), "recent", []byte(`[1]`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	_ = s.Close()

	reopened, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, ok, err := reopened.Get(context.Background(), "recent")
	if err != nil || !ok || string(got) != `[1]` {
		t.Fatalf("Get after reopen = %q ok=%v err=%v", got, ok, err)
	}
}
