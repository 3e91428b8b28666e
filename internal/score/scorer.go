package score

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"specscan/internal/index"
	"specscan/internal/logging"
	"specscan/internal/metrics"
	"specscan/internal/model"
	"specscan/internal/runsummary"
	"specscan/internal/specstore"
	"specscan/internal/spectrum"
)

// VectorReader is the slice of the spectrum store the scorer reads.
type VectorReader interface {
	ReadVectors(ctx context.Context, version string, filter specstore.Filter, after specstore.Cursor, limit int) ([]specstore.Vector, error)
}

// IndexWriter receives the scoring columns of the metadata index.
type IndexWriter interface {
	UpsertMany(ctx context.Context, entries []index.Entry) error
}

// Options controls one scoring run.
type Options struct {
	ProcessingVersion string
	BatchSize         int
	Concurrency       int
	IncludeLowQuality bool
}

// Result counts what Run did.
type Result struct {
	Scored     int64
	Unscorable int64
	Skipped    int64
	Ranked     int64
}

// Scorer scores stored spectra with a model.
type Scorer struct {
	spectra VectorReader
	scores  *Store
	index   IndexWriter
	logger  *slog.Logger
}

// NewScorer wires a scorer. idx may be nil.
func NewScorer(spectra VectorReader, scores *Store, idx IndexWriter, logger *slog.Logger) *Scorer {
	return &Scorer{
		spectra: spectra,
		scores:  scores,
		index:   idx,
		logger:  logging.NewComponentLogger(logger, "scorer"),
	}
}

// Run scores every stored spectrum of opts.ProcessingVersion that has no
// score under m's version yet, then recomputes that version's ranks.
// Batches are scored on a bounded pool and each is written in one
// transaction, so a cancelled run resumes where it stopped.
func (s *Scorer) Run(ctx context.Context, m model.Model, opts Options, summary *runsummary.Summary) (Result, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 256
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	modelVersion := m.Version()
	logger := logging.WithContext(ctx, s.logger).With(
		logging.String(logging.FieldModel, modelVersion),
		logging.String(logging.FieldVersion, opts.ProcessingVersion),
	)
	logger.Info("scoring started", logging.String(logging.FieldEventType, "score_start"))
	started := time.Now()

	var (
		res    Result
		filter = specstore.Filter{ExcludeLowQuality: !opts.IncludeLowQuality}
		after  specstore.Cursor
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	results := make(chan Result, opts.Concurrency)
	collected := make(chan struct{})
	go func() {
		for r := range results {
			res.Scored += r.Scored
			res.Unscorable += r.Unscorable
		}
		close(collected)
	}()

	readErr := func() error {
		for {
			page, err := s.spectra.ReadVectors(gctx, opts.ProcessingVersion, filter, after, opts.BatchSize)
			if err != nil {
				return fmt.Errorf("read spectra: %w", err)
			}
			if len(page) == 0 {
				return nil
			}
			after = specstore.After(page[len(page)-1].ObjectID)

			pending, err := s.pending(gctx, modelVersion, page)
			if err != nil {
				return err
			}
			skipped := int64(len(page) - len(pending))
			res.Skipped += skipped
			summary.Add(runsummary.Skipped, skipped)
			metrics.ObserveObjects("score", metrics.OutcomeSkipped, int(skipped))
			if len(pending) == 0 {
				continue
			}
			g.Go(func() error {
				r, err := s.scoreBatch(gctx, m, opts.ProcessingVersion, pending)
				if err != nil {
					return err
				}
				summary.Add(runsummary.Scored, r.Scored)
				summary.Add(runsummary.Unscorable, r.Unscorable)
				results <- r
				return nil
			})
			if err := gctx.Err(); err != nil {
				return err
			}
		}
	}()
	err := g.Wait()
	close(results)
	<-collected
	if err == nil {
		err = readErr
	}
	if err != nil {
		summary.Record(err, modelVersion)
		logging.ErrorWithContext(logger, "scoring failed", "score_failed",
			logging.Error(err),
			logging.Int64("scored", res.Scored),
			logging.String(logging.FieldErrorHint, "scored batches are kept; rerun to resume"),
		)
		return res, err
	}

	ranked, err := s.Rank(ctx, modelVersion)
	if err != nil {
		summary.Record(err, modelVersion)
		return res, err
	}
	res.Ranked = ranked
	summary.Add(runsummary.Ranked, ranked)

	logger.Info("scoring completed",
		logging.String(logging.FieldEventType, "score_complete"),
		logging.Int64("scored", res.Scored),
		logging.Int64("unscorable", res.Unscorable),
		logging.Int64("skipped", res.Skipped),
		logging.Int64("ranked", res.Ranked),
		logging.Duration("duration", time.Since(started)),
	)
	return res, nil
}

func (s *Scorer) pending(ctx context.Context, modelVersion string, page []specstore.Vector) ([]specstore.Vector, error) {
	ids := make([]spectrum.ObjectID, len(page))
	for i, v := range page {
		ids[i] = v.ObjectID
	}
	done, err := s.scores.Scored(ctx, modelVersion, ids)
	if err != nil {
		return nil, err
	}
	out := page[:0:0]
	for _, v := range page {
		if !done[v.ObjectID] {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *Scorer) scoreBatch(ctx context.Context, m model.Model, processingVersion string, batch []specstore.Vector) (Result, error) {
	started := time.Now()
	var (
		res     Result
		rows    [][]float64
		valid   [][]bool
		members []specstore.Vector
	)
	now := time.Now()
	scores := make([]Score, 0, len(batch))
	for _, v := range batch {
		if !anyValid(v.Valid) {
			scores = append(scores, Score{
				ObjectID:          v.ObjectID,
				ModelVersion:      m.Version(),
				ProcessingVersion: processingVersion,
				Unscorable:        true,
				ScoredAt:          now,
			})
			res.Unscorable++
			continue
		}
		rows = append(rows, append([]float64(nil), v.Flux...))
		valid = append(valid, v.Valid)
		members = append(members, v)
	}

	if len(rows) > 0 {
		recon, err := model.Reconstruct(ctx, m, rows, valid)
		if err != nil {
			return Result{}, fmt.Errorf("model %s: %w", m.Version(), err)
		}
		for i, v := range members {
			mse, ok, err := ReconstructionError(v.Flux, v.Valid, recon[i])
			if err != nil {
				return Result{}, fmt.Errorf("model %s: object %d: %w", m.Version(), v.ObjectID, err)
			}
			sc := Score{
				ObjectID:          v.ObjectID,
				ModelVersion:      m.Version(),
				ProcessingVersion: processingVersion,
				ReconError:        mse,
				Unscorable:        !ok,
				ScoredAt:          now,
			}
			if ok {
				res.Scored++
			} else {
				res.Unscorable++
			}
			scores = append(scores, sc)
		}
	}

	if _, err := s.scores.Write(ctx, scores); err != nil {
		return Result{}, err
	}
	metrics.ObserveScoreBatch(time.Since(started))
	metrics.ObserveObjects("score", metrics.OutcomeSuccess, int(res.Scored))
	return res, nil
}

// Rank recomputes ranks for modelVersion and pushes them to the metadata
// index.
func (s *Scorer) Rank(ctx context.Context, modelVersion string) (int64, error) {
	ranked, err := s.scores.Rank(ctx, modelVersion)
	if err != nil {
		return 0, err
	}
	if s.index == nil {
		return ranked, nil
	}
	var afterRank int64
	for {
		page, err := s.scores.Ranked(ctx, modelVersion, afterRank, 1000)
		if err != nil {
			return ranked, err
		}
		if len(page) == 0 {
			return ranked, nil
		}
		entries := make([]index.Entry, len(page))
		for i, sc := range page {
			entries[i] = index.Entry{
				ObjectID: int64(sc.ObjectID),
				Fields:   index.ScoreFields(sc.ModelVersion, sc.ReconError, sc.Rank),
			}
		}
		if err := s.index.UpsertMany(ctx, entries); err != nil {
			return ranked, fmt.Errorf("update index ranks: %w", err)
		}
		afterRank = page[len(page)-1].Rank
	}
}

func anyValid(valid []bool) bool {
	for _, v := range valid {
		if v {
			return true
		}
	}
	return false
}
