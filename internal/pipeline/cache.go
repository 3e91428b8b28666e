package pipeline

import (
	"context"
	"path/filepath"
	"time"

	"specscan/internal/cache"
	"specscan/internal/tile"
)

// PruneCache removes cached tiles older than maxAge once nothing needs them:
// a tile is kept while it is unfinished in the ledger or awaits extraction
// under the configured processing version.
func (p *Pipeline) PruneCache(ctx context.Context, maxAge time.Duration) (cache.PruneResult, error) {
	keep := map[string]struct{}{}
	unfinished, err := p.ledger.List(ctx, tile.StatusPending, tile.StatusPartial)
	if err != nil {
		return cache.PruneResult{}, err
	}
	for _, t := range unfinished {
		keep[p.cachePath(t.Key)] = struct{}{}
	}
	awaiting, err := p.ledger.PendingExtractions(ctx, p.cfg.Processing.Version, false)
	if err != nil {
		return cache.PruneResult{}, err
	}
	for _, t := range awaiting {
		keep[p.cachePath(t.Key)] = struct{}{}
		if t.LocalPath != "" {
			keep[t.LocalPath] = struct{}{}
		}
	}

	res := cache.Prune(ctx, p.cfg.Paths.ScratchDir, cache.PruneOptions{MaxAge: maxAge, Keep: keep}, p.logger)
	return res, ctx.Err()
}

func (p *Pipeline) cachePath(key tile.Key) string {
	return filepath.Join(p.cfg.Paths.ScratchDir, filepath.FromSlash(key.RemotePath()))
}
