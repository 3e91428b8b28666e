// Package cache inspects and prunes the scratch directory that holds fetched
// tiles, resumable partial downloads and their lock files.
package cache

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"specscan/internal/logging"
)

const (
	partSuffix = ".part"
	lockSuffix = ".lock"
)

// Entry describes one cached tile: the verified file, its partial download
// or both.
type Entry struct {
	Path    string // completed tile path; the .part and .lock names derive from it
	ModTime time.Time
	Size    int64
	Partial bool
	Lock    bool
}

// PruneOptions controls which entries Prune removes.
type PruneOptions struct {
	MaxAge time.Duration
	// Keep holds tile paths still needed by the pipeline.
	Keep map[string]struct{}
	Now  func() time.Time
}

// PruneResult contains the outcome of a prune pass.
type PruneResult struct {
	Removed []string
	Busy    []string
	Freed   int64
	Errors  []PruneError
}

// PruneError pairs a path with its removal error.
type PruneError struct {
	Path  string
	Error error
}

// List returns every cached tile under dir sorted by path. A missing
// directory is an empty cache.
func List(dir string) ([]Entry, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, nil
	}
	byPath := map[string]*Entry{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == dir {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		base, kind := split(path)
		e := byPath[base]
		if e == nil {
			e = &Entry{Path: base}
			byPath[base] = e
		}
		switch kind {
		case lockSuffix:
			e.Lock = true
			return nil
		case partSuffix:
			e.Partial = true
		}
		e.Size += info.Size()
		if info.ModTime().After(e.ModTime) {
			e.ModTime = info.ModTime()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(byPath))
	for _, e := range byPath {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Prune removes cached tiles older than opts.MaxAge that are not in
// opts.Keep. Tiles whose lock is held by a running fetch are left alone.
func Prune(ctx context.Context, dir string, opts PruneOptions, logger *slog.Logger) PruneResult {
	result := PruneResult{}
	if logger == nil {
		logger = logging.NewNop()
	}
	entries, err := List(dir)
	if err != nil {
		result.Errors = append(result.Errors, PruneError{Path: dir, Error: err})
		return result
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	cutoff := now().Add(-opts.MaxAge)

	for _, e := range entries {
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, PruneError{Path: dir, Error: ctx.Err()})
			return result
		}
		if _, keep := opts.Keep[e.Path]; keep {
			continue
		}
		// a lone lock file has a zero ModTime and always qualifies
		if e.ModTime.After(cutoff) {
			continue
		}

		lock := flock.New(e.Path + lockSuffix)
		locked, err := lock.TryLock()
		if err != nil || !locked {
			result.Busy = append(result.Busy, e.Path)
			logger.Debug("cached tile in use; skipping",
				logging.String("path", e.Path),
				logging.String(logging.FieldEventType, "cache_prune_busy"))
			continue
		}
		err = removeEntry(e)
		_ = lock.Unlock()
		if rmErr := os.Remove(e.Path + lockSuffix); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			err = errors.Join(err, rmErr)
		}
		if err != nil {
			result.Errors = append(result.Errors, PruneError{Path: e.Path, Error: err})
			logging.WarnWithContext(logger, "failed to remove cached tile", "cache_prune_failed",
				logging.String("path", e.Path),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check scratch_dir permissions"))
			continue
		}
		result.Removed = append(result.Removed, e.Path)
		result.Freed += e.Size
		logger.Info("removed cached tile",
			logging.String("path", e.Path),
			logging.Int64("bytes", e.Size),
			logging.Duration("age", now().Sub(e.ModTime).Round(time.Second)),
			logging.String(logging.FieldEventType, "cache_prune"))
	}
	return result
}

func removeEntry(e Entry) error {
	var errs []error
	for _, path := range []string{e.Path, e.Path + partSuffix} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func split(path string) (string, string) {
	for _, suffix := range []string{partSuffix, lockSuffix} {
		if strings.HasSuffix(path, suffix) {
			return strings.TrimSuffix(path, suffix), suffix
		}
	}
	return path, ""
}
