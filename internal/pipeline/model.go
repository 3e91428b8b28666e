package pipeline

import (
	"context"
	"fmt"
	"io"

	"specscan/internal/faults"
	"specscan/internal/logging"
	"specscan/internal/model"
	"specscan/internal/runsummary"
	"specscan/internal/score"
	"specscan/internal/specstore"
)

// TrainOptions overrides the scoring section for one training run.
type TrainOptions struct {
	ModelVersion      string
	LatentDim         int
	IncludeLowQuality bool
}

// Train fits a PCA model on the stored spectra of the configured processing
// version and saves it as a new immutable model version.
func (p *Pipeline) Train(ctx context.Context, opts TrainOptions, summary *runsummary.Summary) (model.Manifest, error) {
	var manifest model.Manifest
	err := p.runStage(ctx, StageTrain, summary, func(ctx context.Context) error {
		version := firstNonEmpty(opts.ModelVersion, p.cfg.Scoring.ModelVersion)
		if version == "" {
			return faults.Wrap(faults.ErrConfiguration, StageTrain, "", "model version is not set", nil)
		}
		latent := opts.LatentDim
		if latent <= 0 {
			latent = p.cfg.Scoring.LatentDim
		}
		processing := p.cfg.Processing.Version

		partition, err := p.partition(ctx, processing)
		if err != nil {
			return err
		}
		res, err := model.TrainPCA(ctx, p.spectra, model.TrainOptions{
			Version:           version,
			ProcessingVersion: processing,
			LatentDim:         latent,
			Filter:            specstore.Filter{ExcludeLowQuality: !opts.IncludeLowQuality},
			PageSize:          p.cfg.Scoring.BatchSize,
		})
		if err != nil {
			return err
		}
		manifest, err = model.Save(p.cfg.Paths.ModelsDir, res.Model, model.Manifest{
			ProcessingVersion: processing,
			GridFingerprint:   partition.GridFingerprint,
			Samples:           res.Samples,
			Explained:         res.Explained,
		})
		if err != nil {
			return err
		}
		p.logger.Info("model saved",
			logging.String(logging.FieldModel, version),
			logging.String(logging.FieldVersion, processing),
			logging.Int64("samples", res.Samples),
			logging.Int("latent_dim", res.Model.LatentDim()),
			logging.String(logging.FieldEventType, "model_saved"))
		return nil
	})
	return manifest, err
}

func (p *Pipeline) partition(ctx context.Context, version string) (specstore.Partition, error) {
	parts, err := p.spectra.Versions(ctx)
	if err != nil {
		return specstore.Partition{}, err
	}
	for _, part := range parts {
		if part.Version == version {
			return part, nil
		}
	}
	return specstore.Partition{}, faults.Wrap(faults.ErrConfiguration, "", "lookup version",
		fmt.Sprintf("no spectra stored under processing version %q; run extract first", version), nil)
}

// ScoreOptions overrides the scoring section for one scoring run.
type ScoreOptions struct {
	ModelVersion string
	// Model, when set, is used instead of opening the configured one.
	Model model.Model
}

// Score scores every stored spectrum without a score under the model
// version, then recomputes the ranking for that version.
func (p *Pipeline) Score(ctx context.Context, opts ScoreOptions, summary *runsummary.Summary) (score.Result, error) {
	var res score.Result
	err := p.runStage(ctx, StageScore, summary, func(ctx context.Context) error {
		m := opts.Model
		if m == nil {
			cfg := *p.cfg
			cfg.Scoring.ModelVersion = firstNonEmpty(opts.ModelVersion, cfg.Scoring.ModelVersion)
			opened, err := model.Open(ctx, &cfg)
			if err != nil {
				return faults.Wrap(faults.ErrConfiguration, StageScore, "open model", cfg.Scoring.ModelVersion, err)
			}
			if c, ok := opened.(io.Closer); ok {
				defer c.Close()
			}
			m = opened
		}
		if _, err := p.partition(ctx, p.cfg.Processing.Version); err != nil {
			return err
		}

		var idx score.IndexWriter
		if p.index != nil {
			idx = p.index
		}
		scorer := score.NewScorer(p.spectra, p.scores, idx, p.logger)
		var err error
		res, err = scorer.Run(ctx, m, score.Options{
			ProcessingVersion: p.cfg.Processing.Version,
			BatchSize:         p.cfg.Scoring.BatchSize,
			Concurrency:       p.cfg.Scoring.Concurrency,
			IncludeLowQuality: p.cfg.Scoring.IncludeLowQuality,
		}, summary)
		return err
	})
	return res, err
}

// Rank recomputes the total order of one model version's scores and
// refreshes the rank column of the metadata index.
func (p *Pipeline) Rank(ctx context.Context, modelVersion string, summary *runsummary.Summary) (int64, error) {
	version := firstNonEmpty(modelVersion, p.cfg.Scoring.ModelVersion)
	if version == "" {
		return 0, faults.Wrap(faults.ErrConfiguration, StageScore, "rank", "model version is not set", nil)
	}
	var idx score.IndexWriter
	if p.index != nil {
		idx = p.index
	}
	n, err := score.NewScorer(p.spectra, p.scores, idx, p.logger).Rank(ctx, version)
	if err != nil {
		summary.Record(err, version)
		return 0, err
	}
	summary.Add(runsummary.Ranked, n)
	return n, nil
}

// Scores exposes the score table for reporting commands.
func (p *Pipeline) Scores() *score.Store { return p.scores }

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
