package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"specscan/internal/extract"
	"specscan/internal/faults"
	"specscan/internal/index"
	"specscan/internal/logging"
	"specscan/internal/metrics"
	"specscan/internal/normalize"
	"specscan/internal/queue"
	"specscan/internal/runsummary"
	"specscan/internal/spectrum"
)

// DefaultExtractBatch is the number of normalized records written per
// store transaction and cursor checkpoint.
const DefaultExtractBatch = 256

// ExtractOptions narrows the extract stage.
type ExtractOptions struct {
	// Force re-extracts tiles already complete under the processing version.
	// Records already stored are kept and counted as duplicates.
	Force     bool
	BatchSize int
}

// Extract reads every fetched tile, normalizes qualifying spectra onto the
// configured grid, appends them to the spectrum store and updates the
// metadata index. A corrupt tile is skipped; a normalization defect stops
// the stage.
func (p *Pipeline) Extract(ctx context.Context, opts ExtractOptions, summary *runsummary.Summary) error {
	return p.runStage(ctx, StageExtract, summary, func(ctx context.Context) error {
		grid, err := normalize.FromConfig(p.cfg)
		if err != nil {
			return err
		}
		if _, err := p.spectra.Bind(ctx, grid.Version, grid.Fingerprint(), grid.Len()); err != nil {
			return faults.Wrap(faults.ErrConfiguration, StageExtract, "bind version", grid.Version, err)
		}

		tiles, err := p.ledger.PendingExtractions(ctx, grid.Version, opts.Force)
		if err != nil {
			return err
		}
		if len(tiles) == 0 {
			p.logger.Info("no tiles awaiting extraction",
				logging.String(logging.FieldVersion, grid.Version),
				logging.String(logging.FieldEventType, "extract_idle"))
			return nil
		}

		w := &tileWorker{
			p:       p,
			grid:    grid,
			pred:    extract.SelectionFromConfig(p.cfg.Selection),
			force:   opts.Force,
			batch:   opts.BatchSize,
			summary: summary,
		}
		if w.batch <= 0 {
			w.batch = DefaultExtractBatch
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.cfg.Processing.Concurrency)
		for _, t := range tiles {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				return w.run(faults.WithTile(gctx, t.Key.String()), t)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		return ctx.Err()
	})
}

type tileWorker struct {
	p       *Pipeline
	grid    *normalize.Grid
	pred    extract.Predicate
	force   bool
	batch   int
	summary *runsummary.Summary
}

// run extracts one tile. Only normalization defects and cancellation are
// returned; every other failure is recorded and the tile is marked failed.
func (w *tileWorker) run(ctx context.Context, t queue.Tile) error {
	logger := logging.WithContext(ctx, w.p.logger).With(logging.String(logging.FieldVersion, w.grid.Version))
	key := t.Key.String()

	ex, err := w.p.ledger.BeginExtraction(ctx, t.Key, w.grid.Version, w.force)
	if err != nil {
		return w.tileFailed(ctx, logger, key, nil, err)
	}
	if ex.Status == queue.ExtractionComplete {
		metrics.ObserveTile(StageExtract, metrics.OutcomeSkipped)
		return nil
	}

	src, err := extract.Open(t.LocalPath, t.Key)
	if err != nil {
		return w.tileFailed(ctx, logger, key, &ex, err)
	}
	defer src.Close()

	resumed := ex.Cursor
	seq := src.Spectra(w.pred)
	pending := make([]spectrum.Normalized, 0, w.batch)
	flush := func() error {
		if err := w.store(ctx, pending); err != nil {
			return err
		}
		ex.Emitted += int64(len(pending))
		ex.Cursor = seq.Cursor()
		pending = pending[:0]
		return w.p.ledger.SaveCursor(ctx, ex)
	}

	for raw, err := range seq.From(ex.Cursor) {
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			var objErr *faults.ObjectError
			if errors.As(err, &objErr) {
				ex.ObjectErrors++
				w.summary.Record(err, fmt.Sprintf("%s/%d", key, objErr.ObjectID))
				metrics.ObserveObjects(StageExtract, metrics.OutcomeError, 1)
				logging.WarnWithContext(logger, "object skipped", "object_error",
					logging.ObjectID(objErr.ObjectID),
					logging.String("reason", objErr.Reason),
					logging.String(logging.FieldErrorHint, "inspect the object's arrays in the tile"))
				continue
			}
			// corruption ends the sequence; keep what was already normalized
			if ferr := flush(); ferr != nil {
				return w.tileFailed(ctx, logger, key, &ex, ferr)
			}
			return w.tileFailed(ctx, logger, key, &ex, err)
		}
		w.summary.Add(runsummary.Extracted, 1)

		rec, err := normalize.Normalize(raw, w.grid)
		if err != nil {
			return w.defect(ctx, logger, key, ex, raw.ObjectID, err)
		}
		w.summary.Add(runsummary.Normalized, 1)
		if rec.LowQuality {
			w.summary.Add(runsummary.LowQuality, 1)
		}
		pending = append(pending, rec)
		if len(pending) >= w.batch {
			if err := flush(); err != nil {
				return w.tileFailed(ctx, logger, key, &ex, err)
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := flush(); err != nil {
		return w.tileFailed(ctx, logger, key, &ex, err)
	}
	if err := w.p.ledger.CompleteExtraction(ctx, ex); err != nil {
		return w.tileFailed(ctx, logger, key, &ex, err)
	}

	metrics.ObserveTile(StageExtract, metrics.OutcomeSuccess)
	logger.Info("tile extracted",
		logging.Int64("emitted", ex.Emitted),
		logging.Int64("object_errors", ex.ObjectErrors),
		logging.Int64("resumed_at", resumed),
		logging.String(logging.FieldEventType, "tile_extracted"))
	return nil
}

// defect records a normalization defect against the object and fails the
// extraction. The returned error stops the stage.
func (w *tileWorker) defect(ctx context.Context, logger *slog.Logger, key string, ex queue.Extraction, id spectrum.ObjectID, err error) error {
	if ferr := w.p.ledger.FailExtraction(context.WithoutCancel(ctx), ex, err.Error()); ferr != nil {
		err = errors.Join(err, ferr)
	}
	w.summary.Record(err, fmt.Sprintf("%s/%d", key, id))
	logging.ErrorWithContext(logger, "normalization defect", "normalize_defect",
		logging.ObjectID(int64(id)),
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "normalizer produced an invalid record; stopping"))
	return err
}

// store appends records and writes their normalization columns to the
// metadata index. Both writes are idempotent so a batch replayed after a
// crash before its cursor was saved is harmless.
func (w *tileWorker) store(ctx context.Context, recs []spectrum.Normalized) error {
	if len(recs) == 0 {
		return nil
	}
	inserted, err := w.p.spectra.Append(ctx, recs...)
	if err != nil {
		return err
	}
	w.summary.Add(runsummary.Stored, int64(inserted))
	w.summary.Add(runsummary.Duplicates, int64(len(recs)-inserted))
	metrics.ObserveObjects(StageExtract, metrics.OutcomeSuccess, inserted)

	if w.p.index == nil {
		return nil
	}
	entries := make([]index.Entry, len(recs))
	for i, rec := range recs {
		entries[i] = index.Entry{
			ObjectID: int64(rec.ObjectID),
			Fields:   index.NormalizationFields(rec.Tile, rec.ProcessingVersion, rec.Quality, rec.LowQuality),
		}
	}
	return w.p.index.UpsertMany(ctx, entries)
}

// tileFailed records a tile-level failure and lets the stage continue. A
// cancelled context is passed through so the stage stops.
func (w *tileWorker) tileFailed(ctx context.Context, logger *slog.Logger, key string, ex *queue.Extraction, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if ex != nil {
		if ferr := w.p.ledger.FailExtraction(ctx, *ex, err.Error()); ferr != nil {
			err = errors.Join(err, ferr)
		}
	}
	w.summary.Record(err, key)
	metrics.ObserveTile(StageExtract, metrics.OutcomeError)
	hint := "rerun extract after fixing or re-fetching the tile"
	if errors.Is(err, fs.ErrNotExist) {
		hint = "tile file is missing; run fetch to restore it"
	}
	logging.ErrorWithContext(logger, "tile extraction failed", "tile_failed",
		logging.Error(err),
		logging.String("category", faults.Category(err)),
		logging.String(logging.FieldErrorHint, hint))
	return nil
}
