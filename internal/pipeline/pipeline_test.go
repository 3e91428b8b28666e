package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"

	sq "github.com/Masterminds/squirrel"

	"specscan/internal/config"
	"specscan/internal/faults"
	"specscan/internal/logging"
	"specscan/internal/pipeline"
	"specscan/internal/queue"
	"specscan/internal/runsummary"
	"specscan/internal/testsupport"
	"specscan/internal/tile"
)

var (
	tileA = tile.Key{Survey: "main", Program: "dark", Pixel: 10032}
	tileB = tile.Key{Survey: "main", Program: "dark", Pixel: 10033}
)

func flat(float64) float64 { return 2 }

func newPipeline(t *testing.T, cfg *config.Config) *pipeline.Pipeline {
	t.Helper()
	return newPipelineWithLogger(t, cfg, nil)
}

func newPipelineWithLogger(t *testing.T, cfg *config.Config, logger *slog.Logger) *pipeline.Pipeline {
	t.Helper()
	deps := pipeline.Deps{
		Ledger:  testsupport.MustOpenLedger(t, cfg),
		Spectra: testsupport.MustOpenSpectra(t, cfg),
		Scores:  testsupport.MustOpenScores(t, cfg),
		Index:   testsupport.MustOpenIndex(t, cfg),
		Source:  tile.NewDirSource(testsupport.MirrorDir(cfg)),
	}
	return pipeline.New(cfg, deps, logger)
}

// cancelOnEvent cancels a run as soon as a record with the given event type
// is logged.
type cancelOnEvent struct {
	event  string
	cancel context.CancelFunc
}

func (h cancelOnEvent) Enabled(context.Context, slog.Level) bool { return true }

func (h cancelOnEvent) Handle(_ context.Context, r slog.Record) error {
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == logging.FieldEventType && a.Value.String() == h.event {
			h.cancel()
			return false
		}
		return true
	})
	return nil
}

func (h cancelOnEvent) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h cancelOnEvent) WithGroup(string) slog.Handler { return h }

func smallGrid() testsupport.ConfigOption {
	return testsupport.WithGrid(3600, 3649, 50)
}

func fetchAndExtract(t *testing.T, p *pipeline.Pipeline, opts pipeline.ExtractOptions, keys ...tile.Key) *runsummary.Summary {
	t.Helper()
	summary := runsummary.New()
	if err := p.Fetch(context.Background(), pipeline.FetchOptions{Keys: keys, SkipPreflight: true}, summary); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if err := p.Extract(context.Background(), opts, summary); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	return summary
}

func TestRunStoresQualifyingObjectsAndNamesSkippedObject(t *testing.T) {
	cfg := testsupport.NewConfig(t, smallGrid())
	wave := testsupport.Wavelengths(3600, 1, 50)
	bad := testsupport.QSO(2, wave, flat)
	bad.Mask = bad.Mask[:40]
	testsupport.WriteMirrorTile(t, testsupport.MirrorDir(cfg), tileA,
		testsupport.QSO(1, wave, flat), bad, testsupport.QSO(3, wave, flat))

	p := newPipeline(t, cfg)
	summary := fetchAndExtract(t, p, pipeline.ExtractOptions{}, tileA)

	if got := summary.Count(runsummary.Fetched); got != 1 {
		t.Fatalf("expected 1 fetched tile, got %d", got)
	}
	if got := summary.Count(runsummary.Stored); got != 2 {
		t.Fatalf("expected 2 stored records, got %d", got)
	}
	failures := summary.Failures()
	if len(failures) != 1 || failures[0].Category != faults.CategoryObjectExtraction || failures[0].Count != 1 {
		t.Fatalf("expected one object extraction failure, got %+v", failures)
	}
	if want := tileA.String() + "/2"; len(failures[0].Samples) != 1 || failures[0].Samples[0] != want {
		t.Fatalf("expected sample %q, got %v", want, failures[0].Samples)
	}
	if summary.ExitNonZero() {
		t.Fatal("object errors alone must not fail the run")
	}

	rows, err := testsupport.MustOpenIndex(t, cfg).Query(context.Background(), sq.Eq{"processing_version": "v1"}, 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows) != 2 || rows[0].ObjectID != 1 || rows[1].ObjectID != 3 {
		t.Fatalf("expected index rows for objects 1 and 3, got %+v", rows)
	}
	if rows[0].TileKey == nil || *rows[0].TileKey != tileA.String() {
		t.Fatalf("expected tile key on index row, got %+v", rows[0].Fields)
	}
	if rows[0].QualityScore == nil || math.Abs(*rows[0].QualityScore-1) > 1e-12 {
		t.Fatalf("expected full coverage quality 1, got %+v", rows[0].QualityScore)
	}

	ex, err := p.Ledger().Extraction(context.Background(), tileA, "v1")
	if err != nil || ex == nil {
		t.Fatalf("Extraction: %v", err)
	}
	if ex.Status != queue.ExtractionComplete || ex.Cursor != 3 || ex.ObjectErrors != 1 {
		t.Fatalf("unexpected extraction row: %+v", ex)
	}
}

func TestExtractIsResumableAndForceKeepsStoredRecords(t *testing.T) {
	cfg := testsupport.NewConfig(t, smallGrid())
	wave := testsupport.Wavelengths(3600, 1, 50)
	testsupport.WriteMirrorTile(t, testsupport.MirrorDir(cfg), tileA,
		testsupport.QSO(1, wave, flat), testsupport.QSO(2, wave, flat))

	p := newPipeline(t, cfg)
	fetchAndExtract(t, p, pipeline.ExtractOptions{BatchSize: 1}, tileA)

	again := fetchAndExtract(t, p, pipeline.ExtractOptions{}, tileA)
	if got := again.Count(runsummary.Cached); got != 1 {
		t.Fatalf("expected the tile to be served from cache, got %d", got)
	}
	if got := again.Count(runsummary.Extracted); got != 0 {
		t.Fatalf("expected a completed tile to be skipped, extracted %d", got)
	}

	forced := runsummary.New()
	if err := p.Extract(context.Background(), pipeline.ExtractOptions{Force: true}, forced); err != nil {
		t.Fatalf("Extract force: %v", err)
	}
	if forced.Count(runsummary.Stored) != 0 || forced.Count(runsummary.Duplicates) != 2 {
		t.Fatalf("expected 0 stored and 2 duplicates, got %+v", forced.Counts())
	}
}

func TestCorruptTileIsSkippedAndFailsTheRun(t *testing.T) {
	cfg := testsupport.NewConfig(t, smallGrid())
	wave := testsupport.Wavelengths(3600, 1, 50)
	testsupport.WriteMirrorTile(t, testsupport.MirrorDir(cfg), tileA, testsupport.QSO(1, wave, flat))
	badPath := filepath.Join(testsupport.MirrorDir(cfg), filepath.FromSlash(tileB.RemotePath()))
	if err := os.MkdirAll(filepath.Dir(badPath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(badPath, bytes.Repeat([]byte("x"), 2880), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	p := newPipeline(t, cfg)
	summary := fetchAndExtract(t, p, pipeline.ExtractOptions{}, tileA, tileB)

	if got := summary.Count(runsummary.Stored); got != 1 {
		t.Fatalf("expected the healthy tile to be stored, got %d", got)
	}
	failures := summary.Failures()
	if len(failures) != 1 || failures[0].Category != faults.CategoryDataCorruption {
		t.Fatalf("expected a data corruption failure, got %+v", failures)
	}
	if failures[0].Samples[0] != tileB.String() {
		t.Fatalf("expected failure to name %s, got %v", tileB, failures[0].Samples)
	}
	if !summary.ExitNonZero() {
		t.Fatal("corrupt tiles must fail the run")
	}
	ex, err := p.Ledger().Extraction(context.Background(), tileB, "v1")
	if err != nil || ex == nil || ex.Status != queue.ExtractionFailed {
		t.Fatalf("expected failed extraction for %s, got %+v (%v)", tileB, ex, err)
	}
}

func TestFetchRecordsMissingTileAndContinues(t *testing.T) {
	cfg := testsupport.NewConfig(t, smallGrid())
	cfg.Fetch.MaxAttempts = 2
	wave := testsupport.Wavelengths(3600, 1, 50)
	testsupport.WriteMirrorTile(t, testsupport.MirrorDir(cfg), tileA, testsupport.QSO(1, wave, flat))

	p := newPipeline(t, cfg)
	summary := runsummary.New()
	if err := p.Fetch(context.Background(), pipeline.FetchOptions{Keys: []tile.Key{tileA, tileB}, SkipPreflight: true}, summary); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got := summary.Count(runsummary.Fetched); got != 1 {
		t.Fatalf("expected 1 fetched tile, got %d", got)
	}
	if !summary.ExitNonZero() {
		t.Fatal("a permanently missing tile must fail the run")
	}
	missing, err := p.Ledger().Get(context.Background(), tileB)
	if err != nil || missing == nil || missing.Status != tile.StatusFailed {
		t.Fatalf("expected %s failed in the ledger, got %+v (%v)", tileB, missing, err)
	}
}

func TestTrainThenScoreRanksEveryObject(t *testing.T) {
	cfg := testsupport.NewConfig(t, smallGrid(), testsupport.WithModelVersion("pca-1"))
	cfg.Scoring.LatentDim = 2
	wave := testsupport.Wavelengths(3600, 1, 50)
	var objects []testsupport.TileObject
	for i := int64(1); i <= 8; i++ {
		slope := float64(i) * 0.01
		bump := float64(i%3) * 0.2
		objects = append(objects, testsupport.QSO(i, wave, func(w float64) float64 {
			return 2 + slope*(w-3600) + bump*math.Sin(w/5)
		}))
	}
	testsupport.WriteMirrorTile(t, testsupport.MirrorDir(cfg), tileA, objects...)

	p := newPipeline(t, cfg)
	fetchAndExtract(t, p, pipeline.ExtractOptions{}, tileA)

	summary := runsummary.New()
	manifest, err := p.Train(context.Background(), pipeline.TrainOptions{}, summary)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if manifest.Version != "pca-1" || manifest.Samples != 8 || manifest.GridFingerprint == "" {
		t.Fatalf("unexpected manifest: %+v", manifest)
	}
	if _, err := p.Train(context.Background(), pipeline.TrainOptions{}, summary); err == nil {
		t.Fatal("expected retraining an existing version to fail")
	}

	scored := runsummary.New()
	res, err := p.Score(context.Background(), pipeline.ScoreOptions{}, scored)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if res.Scored != 8 || res.Ranked != 8 {
		t.Fatalf("expected 8 scored and ranked, got %+v", res)
	}

	top, err := p.Scores().Top(context.Background(), "pca-1", 3)
	if err != nil {
		t.Fatalf("Top: %v", err)
	}
	if len(top) != 3 || top[0].Rank != 1 || top[1].Rank != 2 {
		t.Fatalf("expected ranked top list, got %+v", top)
	}

	rerun, err := p.Score(context.Background(), pipeline.ScoreOptions{}, runsummary.New())
	if err != nil {
		t.Fatalf("Score rerun: %v", err)
	}
	if rerun.Scored != 0 || rerun.Skipped != 8 {
		t.Fatalf("expected rerun to skip every object, got %+v", rerun)
	}
}

func TestTrainWithoutStoredSpectraIsConfigurationError(t *testing.T) {
	cfg := testsupport.NewConfig(t, smallGrid(), testsupport.WithModelVersion("pca-1"))
	p := newPipeline(t, cfg)
	_, err := p.Train(context.Background(), pipeline.TrainOptions{}, runsummary.New())
	if faults.Category(err) != faults.CategoryConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestPruneCacheKeepsTilesAwaitingExtraction(t *testing.T) {
	cfg := testsupport.NewConfig(t, smallGrid())
	wave := testsupport.Wavelengths(3600, 1, 50)
	testsupport.WriteMirrorTile(t, testsupport.MirrorDir(cfg), tileA, testsupport.QSO(1, wave, flat))
	testsupport.WriteMirrorTile(t, testsupport.MirrorDir(cfg), tileB, testsupport.QSO(2, wave, flat))

	p := newPipeline(t, cfg)
	summary := runsummary.New()
	if err := p.Fetch(context.Background(), pipeline.FetchOptions{Keys: []tile.Key{tileA, tileB}, SkipPreflight: true}, summary); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	a, err := p.Ledger().Get(context.Background(), tileA)
	if err != nil || a == nil {
		t.Fatalf("Get: %v", err)
	}
	// extract only tileA by completing its extraction row directly
	ex, err := p.Ledger().BeginExtraction(context.Background(), tileA, "v1", false)
	if err != nil {
		t.Fatalf("BeginExtraction: %v", err)
	}
	if err := p.Ledger().CompleteExtraction(context.Background(), ex); err != nil {
		t.Fatalf("CompleteExtraction: %v", err)
	}

	res, err := p.PruneCache(context.Background(), 0)
	if err != nil {
		t.Fatalf("PruneCache: %v", err)
	}
	if len(res.Removed) != 1 || res.Removed[0] != a.LocalPath {
		t.Fatalf("expected only %s pruned, got %+v", a.LocalPath, res)
	}
	b, err := p.Ledger().Get(context.Background(), tileB)
	if err != nil || b == nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := os.Stat(b.LocalPath); err != nil {
		t.Fatalf("expected %s to survive: %v", b.LocalPath, err)
	}
}

func TestPrunedTileIsFetchedAgainForNewProcessingVersion(t *testing.T) {
	cfg := testsupport.NewConfig(t, smallGrid())
	wave := testsupport.Wavelengths(3600, 1, 50)
	testsupport.WriteMirrorTile(t, testsupport.MirrorDir(cfg), tileA,
		testsupport.QSO(1, wave, flat), testsupport.QSO(2, wave, flat))

	p := newPipeline(t, cfg)
	fetchAndExtract(t, p, pipeline.ExtractOptions{}, tileA)
	res, err := p.PruneCache(context.Background(), 0)
	if err != nil || len(res.Removed) != 1 {
		t.Fatalf("PruneCache = %+v, %v", res, err)
	}

	cfg.Processing.Version = "v2"
	summary := runsummary.New()
	if err := p.Fetch(context.Background(), pipeline.FetchOptions{SkipPreflight: true}, summary); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if err := p.Extract(context.Background(), pipeline.ExtractOptions{}, summary); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got := summary.Count(runsummary.Fetched); got != 1 {
		t.Fatalf("expected the pruned tile to be fetched again, got %d", got)
	}
	if got := summary.Count(runsummary.Stored); got != 2 {
		t.Fatalf("expected 2 records stored under v2, got %d", got)
	}
	if failures := summary.Failures(); len(failures) != 0 {
		t.Fatalf("unexpected failures: %+v", failures)
	}
}

func TestExtractCancelledMidTileResumesFromSavedCursor(t *testing.T) {
	cfg := testsupport.NewConfig(t, smallGrid())
	wave := testsupport.Wavelengths(3600, 1, 50)
	bad := testsupport.QSO(2, wave, flat)
	bad.Mask = bad.Mask[:40]
	testsupport.WriteMirrorTile(t, testsupport.MirrorDir(cfg), tileA,
		testsupport.QSO(1, wave, flat), bad, testsupport.QSO(3, wave, flat))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := newPipelineWithLogger(t, cfg, slog.New(cancelOnEvent{event: "object_error", cancel: cancel}))
	bg := context.Background()
	if err := p.Fetch(bg, pipeline.FetchOptions{Keys: []tile.Key{tileA}, SkipPreflight: true}, runsummary.New()); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	err := p.Extract(ctx, pipeline.ExtractOptions{BatchSize: 1}, runsummary.New())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	ex, err := p.Ledger().Extraction(bg, tileA, "v1")
	if err != nil || ex == nil {
		t.Fatalf("Extraction: %v", err)
	}
	if ex.Status != queue.ExtractionRunning || ex.Cursor != 1 || ex.Emitted != 1 {
		t.Fatalf("expected a running extraction checkpointed after object 1, got %+v", ex)
	}
	if n, err := p.Spectra().Count(bg, "v1"); err != nil || n != 1 {
		t.Fatalf("expected only the checkpointed record stored, got %d (%v)", n, err)
	}

	summary := runsummary.New()
	if err := p.Extract(bg, pipeline.ExtractOptions{BatchSize: 1}, summary); err != nil {
		t.Fatalf("resumed Extract: %v", err)
	}
	if summary.Count(runsummary.Stored) != 1 || summary.Count(runsummary.Duplicates) != 0 {
		t.Fatalf("expected the rerun to store only object 3, got %+v", summary.Counts())
	}
	ex, err = p.Ledger().Extraction(bg, tileA, "v1")
	if err != nil || ex == nil || ex.Status != queue.ExtractionComplete || ex.Cursor != 3 {
		t.Fatalf("expected a complete extraction, got %+v (%v)", ex, err)
	}
	if n, err := p.Spectra().Count(bg, "v1"); err != nil || n != 2 {
		t.Fatalf("expected 2 stored records, got %d (%v)", n, err)
	}
}
