package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"specscan/internal/metrics"
)

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := metrics.Register(reg); err != nil {
		t.Fatalf("second Register should ignore duplicates: %v", err)
	}
}

func TestObserversUpdateCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	metrics.ObserveTile("fetch", metrics.OutcomeSuccess)
	metrics.ObserveObjects("normalize", metrics.OutcomeSuccess, 3)
	metrics.ObserveObjects("normalize", metrics.OutcomeSuccess, 0)
	metrics.AddFetchedBytes(1024)
	metrics.ObserveFetchRetry()
	metrics.ObserveScoreBatch(-time.Second)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := map[string]bool{}
	for _, mf := range families {
		found[mf.GetName()] = true
	}
	for _, name := range []string{
		"specscan_tiles_total",
		"specscan_objects_total",
		"specscan_fetched_bytes_total",
		"specscan_fetch_retries_total",
		"specscan_score_batch_seconds",
	} {
		if !found[name] {
			t.Fatalf("expected metric family %s, got %v", name, found)
		}
	}
}
