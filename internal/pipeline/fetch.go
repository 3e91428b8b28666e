package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"specscan/internal/faults"
	"specscan/internal/preflight"
	"specscan/internal/queue"
	"specscan/internal/retry"
	"specscan/internal/runsummary"
	"specscan/internal/tile"
)

// FetchOptions narrows the fetch stage.
type FetchOptions struct {
	Keys          []tile.Key // empty fetches every unfinished tile in the ledger
	RetryFailed   bool       // reset failed tiles to pending first
	SkipPreflight bool
	Sleeper       retry.Sleeper
}

// Fetch downloads tiles on a bounded pool. Failed tiles are recorded in the
// summary and the ledger; the stage itself fails only on preflight errors,
// ledger errors or cancellation.
func (p *Pipeline) Fetch(ctx context.Context, opts FetchOptions, summary *runsummary.Summary) error {
	return p.runStage(ctx, StageFetch, summary, func(ctx context.Context) error {
		if p.source == nil {
			return errors.New("fetch requires a tile source")
		}
		if !opts.SkipPreflight {
			if err := preflight.Err(preflight.RunAll(ctx, p.cfg)); err != nil {
				summary.Record(err, "preflight")
				return err
			}
		}

		if opts.RetryFailed {
			if _, err := p.ledger.RetryFailed(ctx, opts.Keys...); err != nil {
				return err
			}
		}
		keys, err := p.fetchTargets(ctx, opts.Keys)
		if err != nil {
			return err
		}

		fetcher := tile.NewFetcher(p.source, p.ledger, tile.FetcherOptions{
			CacheDir: p.cfg.Paths.ScratchDir,
			Policy: retry.Policy{
				MaxAttempts:  p.cfg.Fetch.MaxAttempts,
				InitialDelay: time.Duration(p.cfg.Fetch.InitialBackoffMS) * time.Millisecond,
				MaxDelay:     time.Duration(p.cfg.Fetch.MaxBackoffMS) * time.Millisecond,
			},
			ChecksumAttempts: p.cfg.Fetch.ChecksumAttempts,
			Sleeper:          opts.Sleeper,
			Logger:           p.logger,
		})

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.cfg.Fetch.Concurrency)
		for _, key := range keys {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				res, err := fetcher.Fetch(faults.WithTile(gctx, key.String()), key)
				switch {
				case errors.Is(err, context.Canceled):
					return err
				case err != nil:
					summary.Record(err, key.String())
				case res.Skipped:
					summary.Add(runsummary.Cached, 1)
				default:
					summary.Add(runsummary.Fetched, 1)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		return ctx.Err()
	})
}

func (p *Pipeline) fetchTargets(ctx context.Context, keys []tile.Key) ([]tile.Key, error) {
	if len(keys) > 0 {
		if _, err := p.ledger.Enqueue(ctx, keys...); err != nil {
			return nil, err
		}
		return keys, nil
	}
	tiles, err := p.ledger.List(ctx, tile.StatusPending, tile.StatusPartial)
	if err != nil {
		return nil, fmt.Errorf("list unfinished tiles: %w", err)
	}
	out := make([]tile.Key, len(tiles))
	for i, t := range tiles {
		out[i] = t.Key
	}

	// complete tiles pruned from the cache are fetched again while the
	// processing version still needs them
	awaiting, err := p.ledger.PendingExtractions(ctx, p.cfg.Processing.Version, false)
	if err != nil {
		return nil, fmt.Errorf("list tiles awaiting extraction: %w", err)
	}
	for _, t := range awaiting {
		path := t.LocalPath
		if path == "" {
			path = p.cachePath(t.Key)
		}
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			out = append(out, t.Key)
		}
	}
	return out, nil
}

// Enqueue registers tiles in the ledger.
func (p *Pipeline) Enqueue(ctx context.Context, keys []tile.Key, summary *runsummary.Summary) (int, error) {
	added, err := p.ledger.Enqueue(ctx, keys...)
	if err != nil {
		return 0, err
	}
	summary.Add(runsummary.Enqueued, int64(added))
	return added, nil
}

// Ledger exposes the tile ledger for status commands.
func (p *Pipeline) Ledger() *queue.Store { return p.ledger }
