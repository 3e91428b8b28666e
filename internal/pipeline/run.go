package pipeline

import (
	"context"

	"specscan/internal/runsummary"
)

// RunOptions selects the stages of a full run.
type RunOptions struct {
	Fetch   FetchOptions
	Extract ExtractOptions
	// SkipScore stops after extraction even when a model is configured.
	SkipScore bool
}

// Run executes fetch, extract and, when a model version is configured,
// score. A stage error stops the run; per-unit failures only land in the
// summary, and summary.Err reports whether they must fail the process.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions, summary *runsummary.Summary) error {
	if err := p.Fetch(ctx, opts.Fetch, summary); err != nil {
		return err
	}
	if err := p.Extract(ctx, opts.Extract, summary); err != nil {
		return err
	}
	if opts.SkipScore || p.cfg.Scoring.ModelVersion == "" {
		p.logger.Info("scoring skipped; no model version configured")
		return nil
	}
	_, err := p.Score(ctx, ScoreOptions{}, summary)
	return err
}
