package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateSource(); err != nil {
		return err
	}
	if err := c.validateFetch(); err != nil {
		return err
	}
	if err := c.validateSelection(); err != nil {
		return err
	}
	if err := c.validateGrid(); err != nil {
		return err
	}
	if err := c.validateNormalization(); err != nil {
		return err
	}
	if err := c.validateProcessing(); err != nil {
		return err
	}
	if err := c.validateScoring(); err != nil {
		return err
	}
	if err := c.validateIndex(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateSource() error {
	switch c.Source.Kind {
	case "http":
		if c.Source.BaseURL == "" {
			return errors.New("source.base_url must be set when source.kind is http (or set SPECSCAN_SOURCE_URL)")
		}
		if !strings.HasPrefix(c.Source.BaseURL, "http://") && !strings.HasPrefix(c.Source.BaseURL, "https://") {
			return fmt.Errorf("source.base_url %q must be an http(s) URL", c.Source.BaseURL)
		}
	case "gcs":
		if c.Source.Bucket == "" {
			return errors.New("source.bucket must be set when source.kind is gcs")
		}
	case "dir":
		if c.Source.BaseURL == "" {
			return errors.New("source.base_url must point at a directory when source.kind is dir")
		}
	default:
		return fmt.Errorf("source.kind %q is not supported (use http, gcs, or dir)", c.Source.Kind)
	}
	return nil
}

func (c *Config) validateFetch() error {
	if err := ensurePositiveMap(map[string]int{
		"fetch.concurrency":        c.Fetch.Concurrency,
		"fetch.max_attempts":       c.Fetch.MaxAttempts,
		"fetch.initial_backoff_ms": c.Fetch.InitialBackoffMS,
		"fetch.max_backoff_ms":     c.Fetch.MaxBackoffMS,
		"fetch.checksum_attempts":  c.Fetch.ChecksumAttempts,
		"source.request_timeout":   c.Source.RequestTimeout,
	}); err != nil {
		return err
	}
	if c.Fetch.MaxBackoffMS < c.Fetch.InitialBackoffMS {
		return errors.New("fetch.max_backoff_ms must be >= fetch.initial_backoff_ms")
	}
	return nil
}

func (c *Config) validateSelection() error {
	if c.Selection.TargetClass == "" {
		return errors.New("selection.target_class must be set")
	}
	if c.Selection.MaxZWarn < 0 {
		return errors.New("selection.max_zwarn must be >= 0")
	}
	return nil
}

func (c *Config) validateGrid() error {
	g := c.Grid
	if !isFinite(g.MinWave) || !isFinite(g.MaxWave) || g.MinWave <= 0 {
		return errors.New("grid.min_wave must be a positive number")
	}
	if g.MaxWave <= g.MinWave {
		return errors.New("grid.max_wave must be greater than grid.min_wave")
	}
	if g.NPoints < 2 {
		return errors.New("grid.n_points must be at least 2")
	}
	if !isFinite(g.MaxGap) || g.MaxGap <= 0 {
		return errors.New("grid.max_gap must be positive")
	}
	switch g.Spacing {
	case "linear", "log":
	default:
		return fmt.Errorf("grid.spacing %q is not supported (use linear or log)", g.Spacing)
	}
	switch g.Interpolation {
	case "linear", "nearest":
	default:
		return fmt.Errorf("grid.interpolation %q is not supported (use linear or nearest)", g.Interpolation)
	}
	switch g.TieBreak {
	case "lower", "upper":
	default:
		return fmt.Errorf("grid.tie_break %q is not supported (use lower or upper)", g.TieBreak)
	}
	return nil
}

func (c *Config) validateNormalization() error {
	n := c.Normalization
	if n.RefMax <= n.RefMin {
		return errors.New("normalization.ref_max must be greater than normalization.ref_min")
	}
	if n.RefMax <= c.Grid.MinWave || n.RefMin >= c.Grid.MaxWave {
		return errors.New("normalization reference window must overlap the grid")
	}
	if n.MinQuality < 0 || n.MinQuality > 1 {
		return errors.New("normalization.min_quality must be between 0 and 1")
	}
	return nil
}

func (c *Config) validateProcessing() error {
	if c.Processing.Version == "" {
		return errors.New("processing.version must be set")
	}
	if strings.ContainsAny(c.Processing.Version, `/\ `) {
		return fmt.Errorf("processing.version %q must not contain path separators or spaces", c.Processing.Version)
	}
	return nil
}

func (c *Config) validateScoring() error {
	if c.Scoring.LatentDim >= c.Grid.NPoints {
		return fmt.Errorf("scoring.latent_dim %d must be below grid.n_points %d", c.Scoring.LatentDim, c.Grid.NPoints)
	}
	if strings.ContainsAny(c.Scoring.ModelVersion, `/\ `) {
		return fmt.Errorf("scoring.model_version %q must not contain path separators or spaces", c.Scoring.ModelVersion)
	}
	return nil
}

func (c *Config) validateIndex() error {
	switch c.Index.Driver {
	case "sqlite":
	case "postgres":
		if c.Index.DSN == "" {
			return errors.New("index.dsn must be set when index.driver is postgres (or set SPECSCAN_INDEX_DSN)")
		}
	default:
		return fmt.Errorf("index.driver %q is not supported (use sqlite or postgres)", c.Index.Driver)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
