package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"specscan/internal/config"
	"specscan/internal/faults"
	"specscan/internal/index"
	"specscan/internal/logging"
	"specscan/internal/queue"
	"specscan/internal/score"
	"specscan/internal/specstore"
	"specscan/internal/tile"
)

// Pipeline holds the stores a run works against.
type Pipeline struct {
	cfg     *config.Config
	ledger  *queue.Store
	spectra *specstore.Store
	scores  *score.Store
	index   *index.Index
	source  tile.Source
	logger  *slog.Logger
}

// Deps are the collaborators of a Pipeline. Source may be nil for stages
// that do not fetch; Index may be nil to skip metadata updates.
type Deps struct {
	Ledger  *queue.Store
	Spectra *specstore.Store
	Scores  *score.Store
	Index   *index.Index
	Source  tile.Source
}

// New constructs a pipeline.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		ledger:  deps.Ledger,
		spectra: deps.Spectra,
		scores:  deps.Scores,
		index:   deps.Index,
		source:  deps.Source,
		logger:  logging.NewComponentLogger(logger, "pipeline"),
	}
}

// Open opens every store named by cfg. The returned closer releases them.
func Open(ctx context.Context, cfg *config.Config, withSource bool) (Deps, io.Closer, error) {
	var (
		deps    Deps
		closers closerList
	)
	fail := func(err error) (Deps, io.Closer, error) {
		_ = closers.Close()
		return Deps{}, nil, err
	}

	ledger, err := queue.Open(ctx, cfg)
	if err != nil {
		return fail(fmt.Errorf("open tile ledger: %w", err))
	}
	closers = append(closers, ledger)
	deps.Ledger = ledger

	spectra, err := specstore.Open(ctx, cfg.SpectraDir())
	if err != nil {
		return fail(fmt.Errorf("open spectrum store: %w", err))
	}
	closers = append(closers, spectra)
	deps.Spectra = spectra

	scores, err := score.OpenStore(ctx, cfg.ScoresPath())
	if err != nil {
		return fail(fmt.Errorf("open score table: %w", err))
	}
	closers = append(closers, scores)
	deps.Scores = scores

	idx, err := index.OpenConfig(ctx, cfg)
	if err != nil {
		return fail(fmt.Errorf("open metadata index: %w", err))
	}
	closers = append(closers, idx)
	deps.Index = idx

	if withSource {
		src, err := OpenSource(ctx, cfg)
		if err != nil {
			return fail(err)
		}
		if c, ok := src.(io.Closer); ok {
			closers = append(closers, c)
		}
		deps.Source = src
	}
	return deps, closers, nil
}

// OpenSource builds the tile source configured in cfg.Source.
func OpenSource(ctx context.Context, cfg *config.Config) (tile.Source, error) {
	switch cfg.Source.Kind {
	case "http":
		return tile.NewHTTPSource(cfg.Source.BaseURL, time.Duration(cfg.Source.RequestTimeout)*time.Second), nil
	case "gcs":
		src, err := tile.NewGCSSource(ctx, cfg.Source.Bucket, cfg.Source.Prefix)
		if err != nil {
			return nil, faults.Wrap(faults.ErrConfiguration, "fetch", "open source", "gcs", err)
		}
		return src, nil
	case "dir":
		return tile.NewDirSource(cfg.Source.BaseURL), nil
	default:
		return nil, faults.Wrap(faults.ErrConfiguration, "fetch", "open source", fmt.Sprintf("unknown source kind %q", cfg.Source.Kind), nil)
	}
}

type closerList []io.Closer

func (c closerList) Close() error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Spectra exposes the spectrum store for reporting commands.
func (p *Pipeline) Spectra() *specstore.Store { return p.spectra }

// Index exposes the metadata index; it may be nil.
func (p *Pipeline) Index() *index.Index { return p.index }
