package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"specscan/internal/faults"
	"specscan/internal/logging"
	"specscan/internal/queue"
	"specscan/internal/runsummary"
	"specscan/internal/testsupport"
	"specscan/internal/tile"
)

func TestNormalizationDefectSurfacesLedgerFailure(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	ledger := testsupport.MustOpenLedger(t, cfg)
	summary := runsummary.New()
	w := &tileWorker{p: New(cfg, Deps{Ledger: ledger}, nil), summary: summary}
	if err := ledger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	key := tile.Key{Survey: "main", Program: "dark", Pixel: 10032}
	defectErr := faults.Wrap(faults.ErrNormalization, "normalize", "validate", "tile "+key.String(), errors.New("no samples"))
	ex := queue.Extraction{Key: key, ProcessingVersion: "v1", Status: queue.ExtractionRunning}

	err := w.defect(context.Background(), logging.NewNop(), key.String(), ex, 7, defectErr)
	if !errors.Is(err, faults.ErrNormalization) {
		t.Fatalf("expected the normalization defect to be returned, got %v", err)
	}
	if err.Error() == defectErr.Error() || !strings.Contains(err.Error(), "closed") {
		t.Fatalf("expected the ledger failure to be joined, got %v", err)
	}
	failures := summary.Failures()
	if len(failures) != 1 || failures[0].Category != faults.CategoryNormalization || failures[0].Samples[0] != key.String()+"/7" {
		t.Fatalf("unexpected failures: %+v", failures)
	}
}
