package cursor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"go.uber.org/zap"
)

func TestFileStoreAdvanceAndReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cursors.json")

	s, err := OpenFile(path, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}

	if _, ok, _ := s.Get(ctx, "ci", "app-build"); ok {
		t.Fatal("expected no cursor in a fresh store")
	}

	if err := s.Advance(ctx, "ci", "app-build", 104); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if err := s.Advance(ctx, "ci", "platform/deploy", 7); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	n, ok, err := s.Get(ctx, "ci", "app-build")
	if err != nil || !ok || n != 104 {
		t.Fatalf("Get = %d/%v/%v, want 104", n, ok, err)
	}

	// A restart must see exactly what was committed.
	reloaded, err := OpenFile(path, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if n, ok, _ := reloaded.Get(ctx, "ci", "app-build"); !ok || n != 104 {
		t.Fatalf("reloaded cursor = %d/%v, want 104", n, ok)
	}
	if n, ok, _ := reloaded.Get(ctx, "ci", "platform/deploy"); !ok || n != 7 {
		t.Fatalf("reloaded cursor = %d/%v, want 7", n, ok)
	}
}

func TestFileStoreAdvanceIsMonotonic(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cursors.json")

	s, err := OpenFile(path, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if err := s.Advance(ctx, "ci", "job", 10); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if err := s.Advance(ctx, "ci", "job", 4); err != nil {
		t.Fatalf("lower advance should be a no-op, got %v", err)
	}
	if n, _, _ := s.Get(ctx, "ci", "job"); n != 10 {
		t.Fatalf("cursor moved backwards to %d", n)
	}
}

func TestFileStoreLeavesNoTempFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "cursors.json")

	s, _ := OpenFile(path, zap.NewNop().Sugar())
	if err := s.Advance(ctx, "ci", "job", 1); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("temp file left behind after rename")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("cursor file missing: %v", err)
	}
}

func TestFileStoreConcurrentAdvances(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cursors.json")

	s, _ := OpenFile(path, zap.NewNop().Sugar())
	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(n int64) {
			defer wg.Done()
			_ = s.Advance(ctx, "ci", "job", n)
		}(int64(i))
	}
	wg.Wait()

	if n, _, _ := s.Get(ctx, "ci", "job"); n != 20 {
		t.Fatalf("cursor = %d after concurrent advances, want 20", n)
	}
}

func TestFileStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursors.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	if _, err := OpenFile(path, zap.NewNop().Sugar()); err == nil {
		t.Fatal("expected error for corrupt cursor file")
	}
}
