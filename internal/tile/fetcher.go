package tile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"specscan/internal/faults"
	"specscan/internal/fileutil"
	"specscan/internal/logging"
	"specscan/internal/metrics"
	"specscan/internal/retry"
)

// Status is the fetch state of a tile.
type Status string

const (
	StatusPending  Status = "pending"
	StatusPartial  Status = "partial"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Record is the ledger row for one tile.
type Record struct {
	Key          Key
	Status       Status
	LocalPath    string
	Size         int64
	ChecksumAlgo string
	Checksum     string
	Attempts     int
	LastError    string
	UpdatedAt    time.Time
}

// Ledger persists fetch state. Attempts accumulate across runs.
type Ledger interface {
	Lookup(ctx context.Context, key Key) (Record, bool, error)
	// MarkPartial records the start of a transfer attempt and counts it.
	MarkPartial(ctx context.Context, key Key, info ObjectInfo, localPath string) error
	MarkComplete(ctx context.Context, key Key, localPath string, info ObjectInfo) error
	MarkFailed(ctx context.Context, key Key, message string) error
}

// Result describes the outcome of Fetch.
type Result struct {
	Key       Key
	LocalPath string
	Status    Status
	Bytes     int64 // transferred during this call
	Skipped   bool  // already complete; no transfer
}

// FetcherOptions configures a Fetcher.
type FetcherOptions struct {
	CacheDir         string
	Policy           retry.Policy
	ChecksumAttempts int
	LockPoll         time.Duration
	Sleeper          retry.Sleeper
	Logger           *slog.Logger
}

// Fetcher downloads tiles into the local cache.
type Fetcher struct {
	source           Source
	ledger           Ledger
	cacheDir         string
	policy           retry.Policy
	checksumAttempts int
	lockPoll         time.Duration
	sleep            retry.Sleeper
	logger           *slog.Logger
}

// NewFetcher wires a fetcher. Policy.Retryable defaults to faults.Retryable.
func NewFetcher(source Source, ledger Ledger, opts FetcherOptions) *Fetcher {
	policy := opts.Policy
	if policy.Retryable == nil {
		policy.Retryable = faults.Retryable
	}
	checksumAttempts := opts.ChecksumAttempts
	if checksumAttempts <= 0 {
		checksumAttempts = 1
	}
	lockPoll := opts.LockPoll
	if lockPoll <= 0 {
		lockPoll = 250 * time.Millisecond
	}
	return &Fetcher{
		source:           source,
		ledger:           ledger,
		cacheDir:         opts.CacheDir,
		policy:           policy,
		checksumAttempts: checksumAttempts,
		lockPoll:         lockPoll,
		sleep:            opts.Sleeper,
		logger:           logging.NewComponentLogger(opts.Logger, "fetcher"),
	}
}

// LocalPath is where a completed tile lives in the cache.
func (f *Fetcher) LocalPath(key Key) string {
	return filepath.Join(f.cacheDir, filepath.FromSlash(key.RemotePath()))
}

// Fetch ensures the tile is present and verified in the local cache.
func (f *Fetcher) Fetch(ctx context.Context, key Key) (Result, error) {
	if err := key.Validate(); err != nil {
		return Result{Key: key, Status: StatusFailed}, faults.Wrap(faults.ErrPermanentFetch, "fetch", "validate", "", err)
	}
	ctx = faults.WithTile(faults.WithStage(ctx, "fetch"), key.String())
	logger := logging.WithContext(ctx, f.logger)
	localPath := f.LocalPath(key)

	if res, ok := f.alreadyComplete(ctx, key, localPath); ok {
		logger.Debug("tile already cached", logging.String(logging.FieldEventType, "fetch_skip"))
		metrics.ObserveTile("fetch", metrics.OutcomeSkipped)
		return res, nil
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return f.fail(ctx, key, 0, fmt.Errorf("create cache directory: %w", err))
	}

	lock := flock.New(localPath + ".lock")
	locked, err := lock.TryLockContext(ctx, f.lockPoll)
	if err != nil || !locked {
		if err == nil {
			err = errors.New("tile lock not acquired")
		}
		if ctx.Err() != nil {
			return Result{Key: key, Status: StatusPartial}, ctx.Err()
		}
		return f.fail(ctx, key, 0, fmt.Errorf("lock tile: %w", err))
	}
	defer func() { _ = lock.Unlock() }()

	// another process may have finished while we waited for the lock
	if res, ok := f.alreadyComplete(ctx, key, localPath); ok {
		metrics.ObserveTile("fetch", metrics.OutcomeSkipped)
		return res, nil
	}

	var (
		transferred int64
		mismatches  int
		attempts    int
	)
	err = retry.Do(ctx, f.policy, f.sleep,
		func(attempt int, delay time.Duration, err error) {
			metrics.ObserveFetchRetry()
			logging.WarnWithContext(logger, "tile fetch attempt failed; retrying", "fetch_retry",
				logging.Int("attempt", attempt),
				logging.Duration("delay", delay),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "transient source error; will resume from the partial file"),
			)
		},
		func(ctx context.Context, attempt int) error {
			attempts = attempt
			n, err := f.attempt(ctx, key, localPath, &mismatches, logger)
			transferred += n
			return err
		})
	metrics.AddFetchedBytes(transferred)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return Result{Key: key, LocalPath: localPath, Status: StatusPartial, Bytes: transferred}, err
		}
		var esc *retry.EscalationError
		if errors.As(err, &esc) && !errors.Is(err, faults.ErrPermanentFetch) {
			err = faults.Wrap(faults.ErrPermanentFetch, "fetch", "retry", fmt.Sprintf("%s: attempts exhausted", key), err)
		}
		res, ferr := f.fail(ctx, key, attempts, err)
		res.Bytes = transferred
		return res, ferr
	}

	metrics.ObserveTile("fetch", metrics.OutcomeSuccess)
	logger.Info("tile fetched",
		logging.String(logging.FieldEventType, "fetch_complete"),
		logging.Int64("bytes", transferred),
		logging.Int("attempts", attempts),
	)
	return Result{Key: key, LocalPath: localPath, Status: StatusComplete, Bytes: transferred}, nil
}

func (f *Fetcher) alreadyComplete(ctx context.Context, key Key, localPath string) (Result, bool) {
	rec, ok, err := f.ledger.Lookup(ctx, key)
	if err != nil || !ok || rec.Status != StatusComplete {
		return Result{}, false
	}
	path := rec.LocalPath
	if path == "" {
		path = localPath
	}
	if err := fileutil.VerifyFile(path, rec.Size, rec.ChecksumAlgo, rec.Checksum); err != nil {
		return Result{}, false
	}
	return Result{Key: key, LocalPath: path, Status: StatusComplete, Skipped: true}, true
}

// attempt performs one stat + resumable transfer + verify cycle.
func (f *Fetcher) attempt(ctx context.Context, key Key, localPath string, mismatches *int, logger *slog.Logger) (int64, error) {
	info, err := f.source.Stat(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := f.ledger.MarkPartial(ctx, key, info, localPath); err != nil {
		return 0, fmt.Errorf("record partial state: %w", err)
	}

	partPath := localPath + ".part"
	offset, _, err := fileutil.FileSize(partPath)
	if err != nil {
		return 0, fmt.Errorf("stat partial file: %w", err)
	}
	if info.Size >= 0 && offset > info.Size {
		offset = 0
		if err := os.Remove(partPath); err != nil && !os.IsNotExist(err) {
			return 0, fmt.Errorf("discard oversized partial file: %w", err)
		}
	}

	var written int64
	if info.Size < 0 || offset < info.Size {
		written, err = f.transfer(ctx, key, partPath, offset, info.Size, logger)
		if err != nil {
			if errors.Is(err, ErrRangeNotSatisfiable) {
				_ = os.Remove(partPath)
			}
			return written, err
		}
	}

	if info.Size >= 0 {
		have, _, err := fileutil.FileSize(partPath)
		if err != nil {
			return written, fmt.Errorf("stat partial file: %w", err)
		}
		if have < info.Size {
			return written, faults.Wrap(faults.ErrRetryableFetch, "fetch", "read",
				fmt.Sprintf("%s: stream ended at %d of %d bytes", key, have, info.Size), nil)
		}
	}

	if err := fileutil.VerifyFile(partPath, info.Size, info.ChecksumAlgo, info.Checksum); err != nil {
		var mismatch *fileutil.MismatchError
		if !errors.As(err, &mismatch) {
			return written, fmt.Errorf("verify %s: %w", partPath, err)
		}
		_ = os.Remove(partPath)
		*mismatches++
		logging.WarnWithContext(logger, "tile verification failed; partial file discarded", "fetch_verify_failed",
			logging.Error(err),
			logging.Int("mismatches", *mismatches),
			logging.String(logging.FieldErrorHint, "source may be serving a changing or corrupt object"),
		)
		if *mismatches >= f.checksumAttempts {
			return written, faults.Wrap(faults.ErrPermanentFetch, "fetch", "verify",
				fmt.Sprintf("%s: mismatch after %d attempt(s)", key, *mismatches), err)
		}
		return written, faults.Wrap(faults.ErrRetryableFetch, "fetch", "verify", key.String(), err)
	}

	final := info
	if final.Checksum == "" {
		sum, size, err := fileutil.FileDigest(partPath, fileutil.SHA256)
		if err != nil {
			return written, fmt.Errorf("hash %s: %w", partPath, err)
		}
		final.ChecksumAlgo, final.Checksum, final.Size = fileutil.SHA256, sum, size
	} else if final.Size < 0 {
		size, _, err := fileutil.FileSize(partPath)
		if err != nil {
			return written, err
		}
		final.Size = size
	}

	if err := os.Rename(partPath, localPath); err != nil {
		return written, fmt.Errorf("promote %s: %w", partPath, err)
	}
	if err := f.ledger.MarkComplete(ctx, key, localPath, final); err != nil {
		return written, fmt.Errorf("record completion: %w", err)
	}
	return written, nil
}

// transfer appends the remote body from offset to partPath. Bytes written
// before an error stay in the partial file and become the next resume offset.
func (f *Fetcher) transfer(ctx context.Context, key Key, partPath string, offset, size int64, logger *slog.Logger) (int64, error) {
	body, ranged, err := f.source.OpenRange(ctx, key, offset)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if !ranged && offset > 0 {
		logger.Debug("source ignored range request; restarting from zero",
			logging.Int64("offset", offset),
			logging.String(logging.FieldEventType, "fetch_restart"),
		)
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		offset = 0
	}
	out, err := os.OpenFile(partPath, flags, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open partial file: %w", err)
	}

	sampler := logging.NewProgressSampler(10)
	var written int64
	buf := make([]byte, 256*1024)
	var copyErr error
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				copyErr = fmt.Errorf("write partial file: %w", werr)
				break
			}
			written += int64(n)
			if sampler.ShouldLog(offset+written, size) {
				logger.Debug("tile transfer progress",
					logging.Int64("bytes", offset+written),
					logging.Int64("total", size),
					logging.String(logging.FieldEventType, "fetch_progress"),
				)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if ctx.Err() != nil {
				copyErr = ctx.Err()
			} else {
				copyErr = faults.Wrap(faults.ErrRetryableFetch, "fetch", "read", key.String(), rerr)
			}
			break
		}
	}
	if err := out.Sync(); err != nil && copyErr == nil {
		copyErr = fmt.Errorf("sync partial file: %w", err)
	}
	if err := out.Close(); err != nil && copyErr == nil {
		copyErr = fmt.Errorf("close partial file: %w", err)
	}
	return written, copyErr
}

func (f *Fetcher) fail(ctx context.Context, key Key, attempts int, err error) (Result, error) {
	if !errors.Is(err, faults.ErrPermanentFetch) && !errors.Is(err, faults.ErrRetryableFetch) {
		err = faults.Wrap(faults.ErrPermanentFetch, "fetch", "", key.String(), err)
	}
	if markErr := f.ledger.MarkFailed(context.WithoutCancel(ctx), key, err.Error()); markErr != nil {
		err = errors.Join(err, fmt.Errorf("record failure: %w", markErr))
	}
	metrics.ObserveTile("fetch", metrics.OutcomeError)
	logging.ErrorWithContext(logging.WithContext(ctx, f.logger), "tile fetch failed", "fetch_failed",
		logging.Error(err),
		logging.Int("attempts", attempts),
		logging.String(logging.FieldErrorHint, "check source availability; rerun fetch to resume"),
	)
	return Result{Key: key, LocalPath: f.LocalPath(key), Status: StatusFailed}, err
}
