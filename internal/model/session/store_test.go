package session

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.yaml")
	fs := NewFileStore(path)

	if _, err := fs.Load(); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}

	want := Session{Token: "tok", User: User{ID: "u1", Name: "Ana"}}
	if err := fs.Save(want); err != nil {
		t.Fatalf("Save err: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat err: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600, got %v", info.Mode().Perm())
	}

	got, err := fs.Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}

	if err := fs.Clear(); err != nil {
		t.Fatalf("Clear err: %v", err)
	}
	if err := fs.Clear(); err != nil {
		t.Fatalf("second Clear err: %v", err)
	}
	if _, err := fs.Load(); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession after clear, got %v", err)
	}
}

func TestFileStoreRejectsEmptyToken(t *testing.T) {
	fs := NewFileStore(filepath.Join(t.TempDir(), "session.yaml"))
	if err := fs.Save(Session{User: User{Name: "Ana"}}); !errors.Is(err, ErrEmptyToken) {
		t.Fatalf("expected ErrEmptyToken, got %v", err)
	}

	if err := os.WriteFile(fs.Path(), []byte("token: \"\"\nuser:\n  name: Ana\n"), 0o600); err != nil {
		t.Fatalf("write err: %v", err)
	}
	if _, err := fs.Load(); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession for empty token, got %v", err)
	}
}

func TestSenderNameFallback(t *testing.T) {
	if got := (Session{Token: "t"}).SenderName(); got != "user" {
		t.Fatalf("expected fallback sender, got %q", got)
	}
	if got := (Session{Token: "t"}).AuthHeader(); got != "Bearer t" {
		t.Fatalf("unexpected auth header %q", got)
	}
}
