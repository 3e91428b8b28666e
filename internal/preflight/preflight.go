package preflight

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"specscan/internal/config"
	"specscan/internal/faults"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Scratch directory", cfg.Paths.ScratchDir),
		CheckDirectoryAccess("Data directory", cfg.Paths.DataDir),
		CheckFreeSpace("Scratch free space", cfg.Paths.ScratchDir, cfg.Fetch.MinFreeGiB),
		CheckSource(ctx, cfg.Source),
	}

	if cfg.Scoring.ModelEndpoint != "" {
		results = append(results, CheckEndpoint(ctx, "Model server", cfg.Scoring.ModelEndpoint))
	}
	return results
}

// Err folds failed results into a configuration error, or nil.
func Err(results []Result) error {
	var failed []string
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, fmt.Sprintf("%s: %s", r.Name, r.Detail))
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return faults.Wrap(faults.ErrConfiguration, "preflight", "", strings.Join(failed, "; "), errors.New("preflight checks failed"))
}
