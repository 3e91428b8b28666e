package score_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	sq "github.com/Masterminds/squirrel"

	"specscan/internal/logging"
	"specscan/internal/model"
	"specscan/internal/runsummary"
	"specscan/internal/score"
	"specscan/internal/spectrum"
	"specscan/internal/testsupport"
)

// constModel reconstructs every spectrum as a constant.
type constModel struct {
	version string
	dims    int
	value   float64
}

func (m constModel) Version() string { return m.version }

func (m constModel) Encode(_ context.Context, rows [][]float64) ([][]float64, error) {
	out := make([][]float64, len(rows))
	for i := range rows {
		out[i] = []float64{0}
	}
	return out, nil
}

func (m constModel) Decode(_ context.Context, latent [][]float64) ([][]float64, error) {
	out := make([][]float64, len(latent))
	for i := range latent {
		row := make([]float64, m.dims)
		for j := range row {
			row[j] = m.value
		}
		out[i] = row
	}
	return out, nil
}

func TestReconstructionError(t *testing.T) {
	tests := []struct {
		name    string
		input   []float64
		valid   []bool
		recon   []float64
		want    float64
		wantOK  bool
		wantErr bool
	}{
		{"all valid", []float64{1, 2, 3}, []bool{true, true, true}, []float64{1, 2, 5}, 4.0 / 3.0, true, false},
		{"invalid points ignored", []float64{1, 0, 3}, []bool{true, false, true}, []float64{2, 100, 3}, 0.5, true, false},
		{"perfect", []float64{1, 2}, []bool{true, true}, []float64{1, 2}, 0, true, false},
		{"no valid points", []float64{0, 0}, []bool{false, false}, []float64{1, 1}, 0, false, false},
		{"short reconstruction", []float64{1, 2, 3, 4}, []bool{true, true, true, true}, []float64{1}, 0, false, true},
		{"non-finite reconstruction", []float64{1, 2}, []bool{true, true}, []float64{1, math.NaN()}, 0, false, true},
	}
	for _, tc := range tests {
		got, ok, err := score.ReconstructionError(tc.input, tc.valid, tc.recon)
		if tc.wantErr {
			if !errors.Is(err, score.ErrMismatch) {
				t.Fatalf("%s: expected mismatch error, got %v", tc.name, err)
			}
			continue
		}
		if err != nil || ok != tc.wantOK || math.Abs(got-tc.want) > 1e-12 {
			t.Fatalf("%s: got (%g, %v, %v), want (%g, %v)", tc.name, got, ok, err, tc.want, tc.wantOK)
		}
	}
}

func TestRunScoresRanksAndResumes(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	spectra := testsupport.MustOpenSpectra(t, cfg)
	scores := testsupport.MustOpenScores(t, cfg)
	idx := testsupport.MustOpenIndex(t, cfg)
	ctx := context.Background()

	low := testsupport.Normalized(6, "v1", 4, 10, 0)
	low.LowQuality = true
	testsupport.StoreNormalized(t, spectra, "v1", 4,
		testsupport.Normalized(1, "v1", 4, 3, 0),
		testsupport.Normalized(2, "v1", 4, 1, 0),
		testsupport.Normalized(3, "v1", 4, -1, 0),
		testsupport.Normalized(4, "v1", 4, 2, 1),
		testsupport.Normalized(5, "v1", 4, 0, 4),
		low,
	)

	scorer := score.NewScorer(spectra, scores, idx, logging.NewNop())
	m := constModel{version: "const-1", dims: 4, value: 1}
	opts := score.Options{ProcessingVersion: "v1", BatchSize: 2, Concurrency: 2}
	summary := runsummary.New()

	res, err := scorer.Run(ctx, m, opts, summary)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Scored != 4 || res.Unscorable != 1 || res.Skipped != 0 || res.Ranked != 4 {
		t.Fatalf("unexpected result %+v", res)
	}
	if summary.Count(runsummary.Scored) != 4 || summary.Count(runsummary.Unscorable) != 1 {
		t.Fatalf("summary counts %+v", summary.Counts())
	}

	top, err := scores.Top(ctx, "const-1", 10)
	if err != nil {
		t.Fatalf("Top: %v", err)
	}
	wantOrder := []spectrum.ObjectID{1, 3, 4, 2}
	if len(top) != len(wantOrder) {
		t.Fatalf("expected %d ranked, got %+v", len(wantOrder), top)
	}
	for i, id := range wantOrder {
		if top[i].ObjectID != id || top[i].Rank != int64(i+1) {
			t.Fatalf("rank %d: got object %d rank %d, want object %d", i+1, top[i].ObjectID, top[i].Rank, id)
		}
	}

	unscorable, err := scores.Get(ctx, 5, "const-1")
	if err != nil || unscorable == nil {
		t.Fatalf("Get(5): %v %v", unscorable, err)
	}
	if !unscorable.Unscorable || unscorable.Rank != 0 {
		t.Fatalf("object with no valid points must be unscorable and unranked: %+v", unscorable)
	}
	if excluded, _ := scores.Get(ctx, 6, "const-1"); excluded != nil {
		t.Fatalf("low-quality object scored: %+v", excluded)
	}

	rows, err := idx.Query(ctx, sq.Eq{"object_id": 3}, 0)
	if err != nil || len(rows) != 1 {
		t.Fatalf("index query: %v %v", rows, err)
	}
	if rows[0].AnomalyRank == nil || *rows[0].AnomalyRank != 2 || *rows[0].ModelVersion != "const-1" {
		t.Fatalf("index not updated: %+v", rows[0])
	}

	again, err := scorer.Run(ctx, m, opts, runsummary.New())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if again.Scored != 0 || again.Unscorable != 0 || again.Skipped != 5 {
		t.Fatalf("second run rescored objects: %+v", again)
	}
}

func TestNewModelVersionLeavesPriorScoresUntouched(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	spectra := testsupport.MustOpenSpectra(t, cfg)
	scores := testsupport.MustOpenScores(t, cfg)
	ctx := context.Background()

	testsupport.StoreNormalized(t, spectra, "v1", 3,
		testsupport.Normalized(10, "v1", 3, 2, 0),
		testsupport.Normalized(11, "v1", 3, 5, 0),
		testsupport.Normalized(12, "v1", 3, 4, 0),
	)
	scorer := score.NewScorer(spectra, scores, nil, nil)
	opts := score.Options{ProcessingVersion: "v1", BatchSize: 2}

	if _, err := scorer.Run(ctx, constModel{version: "a", dims: 3, value: 1}, opts, runsummary.New()); err != nil {
		t.Fatalf("Run a: %v", err)
	}
	before, err := scores.Top(ctx, "a", 0)
	if err != nil {
		t.Fatalf("Top a: %v", err)
	}

	testsupport.StoreNormalized(t, spectra, "v1", 3,
		testsupport.Normalized(13, "v1", 3, 9, 0),
		testsupport.Normalized(14, "v1", 3, 0, 0),
	)
	res, err := scorer.Run(ctx, constModel{version: "b", dims: 3, value: 0}, opts, runsummary.New())
	if err != nil {
		t.Fatalf("Run b: %v", err)
	}
	if res.Scored != 5 {
		t.Fatalf("model b should score all 5 stored objects, got %+v", res)
	}

	after, err := scores.Top(ctx, "a", 0)
	if err != nil {
		t.Fatalf("Top a after: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("model a rows changed: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("model a row %d changed: %+v -> %+v", i, before[i], after[i])
		}
	}
	if sc, _ := scores.Get(ctx, 13, "a"); sc != nil {
		t.Fatalf("object 13 gained a model a score: %+v", sc)
	}

	history, err := scores.History(ctx, 11)
	if err != nil || len(history) != 2 {
		t.Fatalf("History(11) = %+v, %v", history, err)
	}
	versions, err := scores.Versions(ctx)
	if err != nil || len(versions) != 2 || versions[1].Scored != 5 {
		t.Fatalf("Versions = %+v, %v", versions, err)
	}
}

func TestRankIsStrictTotalOrder(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	scores := testsupport.MustOpenScores(t, cfg)
	ctx := context.Background()
	now := time.Now()

	rows := []score.Score{
		{ObjectID: 30, ModelVersion: "m", ReconError: 1, ScoredAt: now},
		{ObjectID: 20, ModelVersion: "m", ReconError: 2, ScoredAt: now},
		{ObjectID: 10, ModelVersion: "m", ReconError: 1, ScoredAt: now},
		{ObjectID: 40, ModelVersion: "m", Unscorable: true, ScoredAt: now},
		{ObjectID: 10, ModelVersion: "other", ReconError: 9, ScoredAt: now},
	}
	if n, err := scores.Write(ctx, rows); err != nil || n != 5 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if n, err := scores.Write(ctx, rows[:1]); err != nil || n != 0 {
		t.Fatalf("rewrite = %d, %v", n, err)
	}

	for i := 0; i < 2; i++ {
		ranked, err := scores.Rank(ctx, "m")
		if err != nil || ranked != 3 {
			t.Fatalf("Rank = %d, %v", ranked, err)
		}
		top, err := scores.Top(ctx, "m", 0)
		if err != nil {
			t.Fatalf("Top: %v", err)
		}
		want := []spectrum.ObjectID{20, 10, 30}
		for j, id := range want {
			if top[j].ObjectID != id {
				t.Fatalf("pass %d rank %d: got %d want %d", i, j+1, top[j].ObjectID, id)
			}
		}
	}
	other, err := scores.Get(ctx, 10, "other")
	if err != nil || other == nil || other.Rank != 0 {
		t.Fatalf("other model version was ranked: %+v %v", other, err)
	}
}

// truncatingModel decodes every spectrum to a single point.
type truncatingModel struct{ constModel }

func (m truncatingModel) Decode(_ context.Context, latent [][]float64) ([][]float64, error) {
	out := make([][]float64, len(latent))
	for i := range latent {
		out[i] = []float64{m.value}
	}
	return out, nil
}

// cancellingModel cancels the run while encoding its cancelAt-th batch.
type cancellingModel struct {
	constModel
	cancel   context.CancelFunc
	cancelAt int
	calls    int
}

func (m *cancellingModel) Encode(ctx context.Context, rows [][]float64) ([][]float64, error) {
	m.calls++
	if m.calls == m.cancelAt {
		m.cancel()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.constModel.Encode(ctx, rows)
}

func TestRunScoresNonPositiveIdentifiers(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	spectra := testsupport.MustOpenSpectra(t, cfg)
	scores := testsupport.MustOpenScores(t, cfg)
	ctx := context.Background()

	testsupport.StoreNormalized(t, spectra, "v1", 3,
		testsupport.Normalized(-7, "v1", 3, 4, 0),
		testsupport.Normalized(0, "v1", 3, 2, 0),
		testsupport.Normalized(5, "v1", 3, 3, 0),
	)
	scorer := score.NewScorer(spectra, scores, nil, nil)
	res, err := scorer.Run(ctx, constModel{version: "m", dims: 3, value: 1}, score.Options{ProcessingVersion: "v1", BatchSize: 2}, runsummary.New())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Scored != 3 || res.Ranked != 3 {
		t.Fatalf("expected all 3 objects scored and ranked, got %+v", res)
	}
	top, err := scores.Top(ctx, "m", 0)
	if err != nil {
		t.Fatalf("Top: %v", err)
	}
	want := []spectrum.ObjectID{-7, 5, 0}
	for i, id := range want {
		if top[i].ObjectID != id {
			t.Fatalf("rank %d: got object %d, want %d", i+1, top[i].ObjectID, id)
		}
	}
}

func TestRunRejectsMalformedReconstruction(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	spectra := testsupport.MustOpenSpectra(t, cfg)
	scores := testsupport.MustOpenScores(t, cfg)
	ctx := context.Background()

	testsupport.StoreNormalized(t, spectra, "v1", 4, testsupport.Normalized(1, "v1", 4, 3, 0))
	scorer := score.NewScorer(spectra, scores, nil, nil)
	summary := runsummary.New()
	m := truncatingModel{constModel{version: "short", dims: 4, value: 1}}
	_, err := scorer.Run(ctx, m, score.Options{ProcessingVersion: "v1"}, summary)
	if !errors.Is(err, model.ErrOutput) {
		t.Fatalf("expected invalid model output, got %v", err)
	}
	if sc, _ := scores.Get(ctx, 1, "short"); sc != nil {
		t.Fatalf("object scored from a truncated reconstruction: %+v", sc)
	}
	if !summary.ExitNonZero() {
		t.Fatal("a malformed model output must fail the run")
	}
}

func TestRunCancelledMidwayKeepsWholeBatchesAndResumes(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	spectra := testsupport.MustOpenSpectra(t, cfg)
	scores := testsupport.MustOpenScores(t, cfg)

	var recs []spectrum.Normalized
	for id := int64(1); id <= 6; id++ {
		recs = append(recs, testsupport.Normalized(id, "v1", 3, float64(id), 0))
	}
	testsupport.StoreNormalized(t, spectra, "v1", 3, recs...)
	scorer := score.NewScorer(spectra, scores, nil, nil)
	opts := score.Options{ProcessingVersion: "v1", BatchSize: 2, Concurrency: 1}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := &cancellingModel{constModel: constModel{version: "m", dims: 3, value: 0}, cancel: cancel, cancelAt: 2}
	if _, err := scorer.Run(ctx, m, opts, runsummary.New()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}

	bg := context.Background()
	for id := spectrum.ObjectID(1); id <= 6; id++ {
		sc, err := scores.Get(bg, id, "m")
		if err != nil {
			t.Fatalf("Get(%d): %v", id, err)
		}
		if (id <= 2) != (sc != nil) {
			t.Fatalf("object %d: only the first whole batch may be stored, got %+v", id, sc)
		}
		if sc != nil && sc.Rank != 0 {
			t.Fatalf("object %d ranked by a cancelled run: %+v", id, sc)
		}
	}

	res, err := scorer.Run(bg, constModel{version: "m", dims: 3, value: 0}, opts, runsummary.New())
	if err != nil {
		t.Fatalf("resumed Run: %v", err)
	}
	if res.Scored != 4 || res.Skipped != 2 || res.Ranked != 6 {
		t.Fatalf("expected the rerun to finish the remaining 4 objects, got %+v", res)
	}
}
