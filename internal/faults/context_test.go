package faults_test

import (
	"context"
	"testing"

	"specscan/internal/faults"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = faults.WithRunID(ctx, "run-123")
	ctx = faults.WithStage(ctx, "fetch")
	ctx = faults.WithTile(ctx, "main/dark/10032")

	if id, ok := faults.RunIDFromContext(ctx); !ok || id != "run-123" {
		t.Fatalf("unexpected run id: %v %v", id, ok)
	}
	if stage, ok := faults.StageFromContext(ctx); !ok || stage != "fetch" {
		t.Fatalf("unexpected stage: %v %v", stage, ok)
	}
	if tile, ok := faults.TileFromContext(ctx); !ok || tile != "main/dark/10032" {
		t.Fatalf("unexpected tile: %v %v", tile, ok)
	}
}

func TestStageBlankPreservesContext(t *testing.T) {
	ctx := faults.WithStage(context.Background(), "")
	if _, ok := faults.StageFromContext(ctx); ok {
		t.Fatal("expected no stage value")
	}
}
