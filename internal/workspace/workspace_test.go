package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestCreateIsExclusive(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("expected manager, got %v", err)
	}

	dir, err := m.Create("feature-x-abc1234-aaaaaa")
	if err != nil {
		t.Fatalf("expected workspace, got %v", err)
	}
	if info, statErr := os.Stat(dir); statErr != nil || !info.IsDir() {
		t.Fatalf("expected directory at %s, got %v", dir, statErr)
	}

	if _, err := m.Create("feature-x-abc1234-aaaaaa"); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestCleanupRemovesDirectory(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("expected manager, got %v", err)
	}
	dir, err := m.Create("env-one")
	if err != nil {
		t.Fatalf("expected workspace, got %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "file.txt"), []byte("content"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	if err := m.Cleanup(dir); err != nil {
		t.Fatalf("expected cleanup to succeed, got %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected directory to be gone, got %v", err)
	}

	// Second cleanup of the same path is a no-op.
	if err := m.Cleanup(dir); err != nil {
		t.Fatalf("expected repeat cleanup to succeed, got %v", err)
	}
}

func TestCleanupRefusesPathsOutsideRoot(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("expected manager, got %v", err)
	}

	outside := t.TempDir()
	if err := m.Cleanup(outside); err == nil {
		t.Fatal("expected refusal for path outside root")
	}
	if err := m.Cleanup(m.Root()); err == nil {
		t.Fatal("expected refusal for the root itself")
	}
	if _, err := os.Stat(outside); err != nil {
		t.Fatalf("outside directory should still exist: %v", err)
	}
}
