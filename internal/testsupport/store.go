package testsupport

import (
	"context"
	"testing"

	"specscan/internal/config"
	"specscan/internal/index"
	"specscan/internal/queue"
	"specscan/internal/score"
	"specscan/internal/specstore"
	"specscan/internal/spectrum"
	"specscan/internal/tile"
)

// MustOpenLedger opens a queue.Store for tests and registers cleanup.
func MustOpenLedger(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// Enqueue adds tiles to the ledger for tests.
func Enqueue(t testing.TB, store *queue.Store, keys ...tile.Key) {
	t.Helper()

	if _, err := store.Enqueue(context.Background(), keys...); err != nil {
		t.Fatalf("store.Enqueue: %v", err)
	}
}

// MustOpenSpectra opens the spectrum store under the config's data directory.
func MustOpenSpectra(t testing.TB, cfg *config.Config) *specstore.Store {
	t.Helper()

	store, err := specstore.Open(context.Background(), cfg.SpectraDir())
	if err != nil {
		t.Fatalf("specstore.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// MustOpenIndex opens the SQLite metadata index configured for tests.
func MustOpenIndex(t testing.TB, cfg *config.Config) *index.Index {
	t.Helper()

	idx, err := index.OpenConfig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("index.OpenConfig: %v", err)
	}
	t.Cleanup(func() {
		idx.Close()
	})
	return idx
}

// MustOpenScores opens the score table under the config's data directory.
func MustOpenScores(t testing.TB, cfg *config.Config) *score.Store {
	t.Helper()

	store, err := score.OpenStore(context.Background(), cfg.ScoresPath())
	if err != nil {
		t.Fatalf("score.OpenStore: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// Normalized builds a record on an n-point grid whose flux is value
// everywhere and whose first invalid points are masked out.
func Normalized(id int64, version string, n int, value float64, invalid int) spectrum.Normalized {
	rec := spectrum.Normalized{
		ObjectID:          spectrum.ObjectID(id),
		Tile:              "main/dark/10032",
		Flux:              make([]float64, n),
		Valid:             make([]bool, n),
		Scale:             1,
		ScaleSource:       spectrum.ScaleReference,
		ProcessingVersion: version,
	}
	for i := range rec.Flux {
		if i < invalid {
			continue
		}
		rec.Flux[i], rec.Valid[i] = value, true
	}
	rec.Quality = float64(n-invalid) / float64(n)
	return rec
}

// StoreNormalized binds version to an n-point test grid and appends recs.
func StoreNormalized(t testing.TB, store *specstore.Store, version string, n int, recs ...spectrum.Normalized) {
	t.Helper()

	ctx := context.Background()
	if _, err := store.Bind(ctx, version, "test-grid", n); err != nil {
		t.Fatalf("store.Bind: %v", err)
	}
	if _, err := store.Append(ctx, recs...); err != nil {
		t.Fatalf("store.Append: %v", err)
	}
}

// Vector builds a fully valid record carrying flux.
func Vector(id int64, version string, flux ...float64) spectrum.Normalized {
	rec := Normalized(id, version, len(flux), 0, 0)
	copy(rec.Flux, flux)
	return rec
}
