package queue_test

import (
	"context"
	"errors"
	"testing"

	"specscan/internal/queue"
	"specscan/internal/sqlitex"
	"specscan/internal/testsupport"
	"specscan/internal/tile"
)

var (
	keyA = tile.Key{Survey: "main", Program: "dark", Pixel: 10032}
	keyB = tile.Key{Survey: "main", Program: "dark", Pixel: 10033}
	keyC = tile.Key{Survey: "sv3", Program: "bright", Pixel: 7}
)

func TestEnqueueIsIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	ctx := context.Background()

	added, err := store.Enqueue(ctx, keyA, keyB)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if added != 2 {
		t.Fatalf("expected 2 new tiles, got %d", added)
	}
	added, err = store.Enqueue(ctx, keyB, keyC)
	if err != nil {
		t.Fatalf("second Enqueue failed: %v", err)
	}
	if added != 1 {
		t.Fatalf("expected only keyC to be new, got %d", added)
	}

	tiles, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(tiles) != 3 {
		t.Fatalf("expected 3 tiles, got %d", len(tiles))
	}
	if tiles[0].Key != keyA || tiles[0].Status != tile.StatusPending || tiles[0].Size != -1 {
		t.Fatalf("unexpected first tile %+v", tiles[0])
	}
}

func TestEnqueueRejectsInvalidKey(t *testing.T) {
	store := testsupport.MustOpenLedger(t, testsupport.NewConfig(t))
	if _, err := store.Enqueue(context.Background(), tile.Key{Survey: "..", Program: "dark", Pixel: 1}); err == nil {
		t.Fatal("expected invalid key to be rejected")
	}
}

func TestLedgerTransitions(t *testing.T) {
	store := testsupport.MustOpenLedger(t, testsupport.NewConfig(t))
	ctx := context.Background()
	testsupport.Enqueue(t, store, keyA)

	info := tile.ObjectInfo{Size: 2880, ChecksumAlgo: "sha256", Checksum: "abc"}
	for i := 0; i < 2; i++ {
		if err := store.MarkPartial(ctx, keyA, info, "/cache/a.fits"); err != nil {
			t.Fatalf("MarkPartial failed: %v", err)
		}
	}
	rec, ok, err := store.Lookup(ctx, keyA)
	if err != nil || !ok {
		t.Fatalf("Lookup failed: ok=%v err=%v", ok, err)
	}
	if rec.Status != tile.StatusPartial || rec.Attempts != 2 || rec.Size != 2880 {
		t.Fatalf("unexpected partial record %+v", rec)
	}

	if err := store.MarkFailed(ctx, keyA, "boom"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	rec, _, _ = store.Lookup(ctx, keyA)
	if rec.Status != tile.StatusFailed || rec.LastError != "boom" || rec.Attempts != 2 {
		t.Fatalf("unexpected failed record %+v", rec)
	}

	if err := store.MarkComplete(ctx, keyA, "/cache/a.fits", info); err != nil {
		t.Fatalf("MarkComplete failed: %v", err)
	}
	rec, _, _ = store.Lookup(ctx, keyA)
	if rec.Status != tile.StatusComplete || rec.LastError != "" || rec.Checksum != "abc" {
		t.Fatalf("unexpected complete record %+v", rec)
	}
}

func TestMarkPartialAddsUnknownTile(t *testing.T) {
	store := testsupport.MustOpenLedger(t, testsupport.NewConfig(t))
	ctx := context.Background()
	if err := store.MarkPartial(ctx, keyC, tile.ObjectInfo{Size: -1}, "/cache/c.fits"); err != nil {
		t.Fatalf("MarkPartial failed: %v", err)
	}
	got, err := store.Get(ctx, keyC)
	if err != nil || got == nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Attempts != 1 || got.Key != keyC {
		t.Fatalf("unexpected tile %+v", got)
	}
	if err := store.MarkComplete(ctx, keyB, "/x", tile.ObjectInfo{}); err == nil {
		t.Fatal("MarkComplete on an unknown tile should fail")
	}
}

func TestRetryFailed(t *testing.T) {
	store := testsupport.MustOpenLedger(t, testsupport.NewConfig(t))
	ctx := context.Background()
	testsupport.Enqueue(t, store, keyA, keyB)
	_ = store.MarkFailed(ctx, keyA, "404")
	_ = store.MarkFailed(ctx, keyB, "404")

	n, err := store.RetryFailed(ctx, keyA)
	if err != nil || n != 1 {
		t.Fatalf("RetryFailed(keyA) = %d, %v", n, err)
	}
	failed, _ := store.List(ctx, tile.StatusFailed)
	if len(failed) != 1 || failed[0].Key != keyB {
		t.Fatalf("expected only keyB to remain failed, got %+v", failed)
	}
	n, _ = store.RetryFailed(ctx)
	if n != 1 {
		t.Fatalf("expected remaining failed tile to reset, got %d", n)
	}
}

func TestExtractionCursorLifecycle(t *testing.T) {
	store := testsupport.MustOpenLedger(t, testsupport.NewConfig(t))
	ctx := context.Background()
	testsupport.Enqueue(t, store, keyA, keyB)
	info := tile.ObjectInfo{Size: 10}
	for _, key := range []tile.Key{keyA, keyB} {
		_ = store.MarkPartial(ctx, key, info, "/cache/"+key.FileName())
		if err := store.MarkComplete(ctx, key, "/cache/"+key.FileName(), info); err != nil {
			t.Fatalf("MarkComplete: %v", err)
		}
	}

	pending, err := store.PendingExtractions(ctx, "v1", false)
	if err != nil || len(pending) != 2 {
		t.Fatalf("expected 2 pending extractions, got %d (%v)", len(pending), err)
	}

	ex, err := store.BeginExtraction(ctx, keyA, "v1", false)
	if err != nil {
		t.Fatalf("BeginExtraction: %v", err)
	}
	if ex.Status != queue.ExtractionRunning || ex.Cursor != 0 {
		t.Fatalf("unexpected new extraction %+v", ex)
	}
	ex.Cursor, ex.Emitted, ex.ObjectErrors = 40, 38, 1
	if err := store.SaveCursor(ctx, ex); err != nil {
		t.Fatalf("SaveCursor: %v", err)
	}

	resumed, err := store.BeginExtraction(ctx, keyA, "v1", false)
	if err != nil {
		t.Fatalf("BeginExtraction resume: %v", err)
	}
	if resumed.Cursor != 40 || resumed.Emitted != 38 {
		t.Fatalf("expected resume at cursor 40, got %+v", resumed)
	}

	resumed.Cursor = 90
	if err := store.CompleteExtraction(ctx, resumed); err != nil {
		t.Fatalf("CompleteExtraction: %v", err)
	}
	pending, _ = store.PendingExtractions(ctx, "v1", false)
	if len(pending) != 1 || pending[0].Key != keyB {
		t.Fatalf("expected only keyB pending, got %+v", pending)
	}
	if pending, _ = store.PendingExtractions(ctx, "v2", false); len(pending) != 2 {
		t.Fatalf("a new processing version starts from scratch, got %d", len(pending))
	}

	done, _ := store.BeginExtraction(ctx, keyA, "v1", false)
	if done.Status != queue.ExtractionComplete || done.Cursor != 90 {
		t.Fatalf("completed extraction must not restart without force: %+v", done)
	}
	forced, _ := store.BeginExtraction(ctx, keyA, "v1", true)
	if forced.Status != queue.ExtractionRunning || forced.Cursor != 0 {
		t.Fatalf("forced extraction should restart at zero: %+v", forced)
	}
	if all, _ := store.PendingExtractions(ctx, "v1", true); len(all) != 2 {
		t.Fatalf("force lists every fetched tile, got %d", len(all))
	}
}

func TestCheckHealthAndStats(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	ctx := context.Background()
	testsupport.Enqueue(t, store, keyA, keyB, keyC)
	_ = store.MarkFailed(ctx, keyC, "gone")

	summary, err := store.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if summary.Total != 3 || summary.Pending != 2 || summary.Failed != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	health, err := store.CheckHealth(ctx)
	if err != nil {
		t.Fatalf("CheckHealth: %v", err)
	}
	if !health.DatabaseExists || !health.DatabaseReadable || !health.IntegrityCheck {
		t.Fatalf("unexpected health %+v", health)
	}
	if health.TotalTiles != 3 || len(health.MissingTables) != 0 || len(health.MissingColumns) != 0 {
		t.Fatalf("unexpected table health %+v", health)
	}
}

func TestOpenRejectsSchemaMismatch(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	ctx := context.Background()
	if _, err := store.Enqueue(ctx, keyA); err != nil {
		t.Fatal(err)
	}
	store.Close()

	db, err := sqlitex.Open(ctx, cfg.LedgerPath(), sqlitex.Schema{Name: "other", SQL: "SELECT 1", Version: 1})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := db.ExecContext(ctx, "UPDATE schema_version SET version = 99"); err != nil {
		t.Fatal(err)
	}
	db.Close()

	if _, err := queue.Open(ctx, cfg); !errors.Is(err, sqlitex.ErrSchemaMismatch) {
		t.Fatalf("expected schema mismatch, got %v", err)
	}
}

func TestParseStatus(t *testing.T) {
	if status, err := queue.ParseStatus(" Complete "); err != nil || status != tile.StatusComplete {
		t.Fatalf("ParseStatus = %q, %v", status, err)
	}
	if _, err := queue.ParseStatus("ripping"); err == nil {
		t.Fatal("expected unknown status error")
	}
}
