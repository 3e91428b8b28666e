package pipeline

import (
	"context"
	"errors"
	"time"

	"specscan/internal/faults"
	"specscan/internal/logging"
	"specscan/internal/runsummary"
)

// Stage names used in logs, metrics and the ledger.
const (
	StageFetch   = "fetch"
	StageExtract = "extract"
	StageTrain   = "train"
	StageScore   = "score"
)

// runStage executes fn with stage start, completion and failure logging.
func (p *Pipeline) runStage(ctx context.Context, name string, summary *runsummary.Summary, fn func(context.Context) error) error {
	stageCtx := faults.WithStage(ctx, name)
	logger := logging.WithContext(stageCtx, p.logger)
	logger.Info("stage started", logging.String(logging.FieldEventType, "stage_start"))
	started := time.Now()

	err := fn(stageCtx)
	if err != nil {
		hint := "check logs for details"
		if errors.Is(err, context.Canceled) {
			hint = "run was interrupted; rerun to resume"
		}
		logging.ErrorWithContext(logger, "stage failed", "stage_failure",
			logging.Error(err),
			logging.String("category", faults.Category(err)),
			logging.Duration("duration", time.Since(started)),
			logging.String(logging.FieldErrorHint, hint),
		)
		return err
	}

	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.Duration("duration", time.Since(started)),
	}
	for _, c := range summary.Counts() {
		attrs = append(attrs, logging.Int64(c.Name, c.Value))
	}
	logger.Info("stage completed", logging.Args(attrs...)...)
	return nil
}
