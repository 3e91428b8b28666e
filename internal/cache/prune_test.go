package cache_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"specscan/internal/cache"
	"specscan/internal/logging"
)

func writeAged(t *testing.T, path string, size int, age time.Duration) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	stamp := time.Now().Add(-age)
	if err := os.Chtimes(path, stamp, stamp); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestListGroupsPartialAndLockFiles(t *testing.T) {
	dir := t.TempDir()
	done := filepath.Join(dir, "main", "dark", "100", "10032", "a.fits")
	partial := filepath.Join(dir, "main", "dark", "100", "10033", "b.fits")
	writeAged(t, done, 10, time.Hour)
	writeAged(t, done+".lock", 0, time.Hour)
	writeAged(t, partial+".part", 4, time.Minute)

	entries, err := cache.List(dir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %+v", entries)
	}
	if entries[0].Path != done || entries[0].Size != 10 || !entries[0].Lock || entries[0].Partial {
		t.Fatalf("unexpected completed entry: %+v", entries[0])
	}
	if entries[1].Path != partial || entries[1].Size != 4 || !entries[1].Partial {
		t.Fatalf("unexpected partial entry: %+v", entries[1])
	}
}

func TestListMissingDirectoryIsEmpty(t *testing.T) {
	for _, dir := range []string{"", "   ", filepath.Join(t.TempDir(), "absent")} {
		entries, err := cache.List(dir)
		if err != nil || len(entries) != 0 {
			t.Fatalf("expected empty cache for %q, got %v (%v)", dir, entries, err)
		}
	}
}

func TestPruneRemovesOldUnneededTiles(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.fits")
	kept := filepath.Join(dir, "kept.fits")
	recent := filepath.Join(dir, "recent.fits")
	writeAged(t, old, 8, 48*time.Hour)
	writeAged(t, old+".part", 2, 48*time.Hour)
	writeAged(t, old+".lock", 0, 48*time.Hour)
	writeAged(t, kept, 8, 48*time.Hour)
	writeAged(t, recent, 8, time.Minute)

	result := cache.Prune(context.Background(), dir, cache.PruneOptions{
		MaxAge: 24 * time.Hour,
		Keep:   map[string]struct{}{kept: {}},
	}, logging.NewNop())

	if len(result.Errors) != 0 {
		t.Fatalf("unexpected errors: %+v", result.Errors)
	}
	if len(result.Removed) != 1 || result.Removed[0] != old || result.Freed != 10 {
		t.Fatalf("expected only %s removed with 10 bytes freed, got %+v", old, result)
	}
	for _, path := range []string{old, old + ".part", old + ".lock"} {
		if exists(path) {
			t.Fatalf("expected %s to be removed", path)
		}
	}
	if !exists(kept) || !exists(recent) {
		t.Fatal("kept and recent tiles must survive")
	}
}

func TestPruneSkipsLockedTiles(t *testing.T) {
	dir := t.TempDir()
	busy := filepath.Join(dir, "busy.fits")
	writeAged(t, busy+".part", 4, 48*time.Hour)

	lock := flock.New(busy + ".lock")
	if err := lock.Lock(); err != nil {
		t.Fatalf("lock: %v", err)
	}
	t.Cleanup(func() { _ = lock.Unlock() })

	result := cache.Prune(context.Background(), dir, cache.PruneOptions{MaxAge: time.Hour}, nil)
	if len(result.Removed) != 0 || len(result.Busy) != 1 || result.Busy[0] != busy {
		t.Fatalf("expected locked tile to be skipped, got %+v", result)
	}
	if !exists(busy + ".part") {
		t.Fatal("partial download of a locked tile must survive")
	}
}
