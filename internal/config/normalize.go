package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeSource()
	c.normalizeFetch()
	c.normalizeSelection()
	c.normalizeGrid()
	c.normalizeProcessing()
	c.normalizeScoring()
	c.normalizeIndex()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.ScratchDir) == "" {
		c.Paths.ScratchDir = defaultScratchDir()
	}
	if c.Paths.ScratchDir, err = expandPath(c.Paths.ScratchDir); err != nil {
		return fmt.Errorf("paths.scratch_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.ModelsDir) == "" {
		c.Paths.ModelsDir = defaultModelsDir
	}
	if c.Paths.ModelsDir, err = expandPath(c.Paths.ModelsDir); err != nil {
		return fmt.Errorf("paths.models_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeSource() {
	c.Source.Kind = strings.ToLower(strings.TrimSpace(c.Source.Kind))
	if c.Source.Kind == "" {
		c.Source.Kind = defaultSourceKind
	}
	if value, ok := os.LookupEnv("SPECSCAN_SOURCE_URL"); ok && strings.TrimSpace(value) != "" {
		c.Source.BaseURL = value
	}
	c.Source.BaseURL = strings.TrimRight(strings.TrimSpace(c.Source.BaseURL), "/")
	if c.Source.Kind == "dir" && c.Source.BaseURL != "" {
		if expanded, err := expandPath(c.Source.BaseURL); err == nil {
			c.Source.BaseURL = expanded
		}
	}
	if value, ok := os.LookupEnv("SPECSCAN_SOURCE_BUCKET"); ok && strings.TrimSpace(value) != "" {
		c.Source.Bucket = value
	}
	c.Source.Bucket = strings.TrimSpace(c.Source.Bucket)
	c.Source.Prefix = strings.Trim(strings.TrimSpace(c.Source.Prefix), "/")
	if c.Source.RequestTimeout <= 0 {
		c.Source.RequestTimeout = defaultRequestTimeout
	}
}

func (c *Config) normalizeFetch() {
	if c.Fetch.Concurrency <= 0 {
		c.Fetch.Concurrency = defaultFetchConcurrency
	}
	if c.Fetch.ChecksumAttempts <= 0 {
		c.Fetch.ChecksumAttempts = defaultChecksumAttempts
	}
	if c.Fetch.MinFreeGiB < 0 {
		c.Fetch.MinFreeGiB = 0
	}
}

func (c *Config) normalizeSelection() {
	c.Selection.TargetClass = strings.TrimSpace(c.Selection.TargetClass)
}

func (c *Config) normalizeGrid() {
	c.Grid.Spacing = strings.ToLower(strings.TrimSpace(c.Grid.Spacing))
	if c.Grid.Spacing == "" {
		c.Grid.Spacing = defaultGridSpacing
	}
	c.Grid.Interpolation = strings.ToLower(strings.TrimSpace(c.Grid.Interpolation))
	if c.Grid.Interpolation == "" {
		c.Grid.Interpolation = defaultInterpolation
	}
	c.Grid.TieBreak = strings.ToLower(strings.TrimSpace(c.Grid.TieBreak))
	if c.Grid.TieBreak == "" {
		c.Grid.TieBreak = defaultTieBreak
	}
}

func (c *Config) normalizeProcessing() {
	c.Processing.Version = strings.TrimSpace(c.Processing.Version)
	if c.Processing.Concurrency <= 0 {
		c.Processing.Concurrency = defaultProcessConcurrency
	}
}

func (c *Config) normalizeScoring() {
	c.Scoring.ModelVersion = strings.TrimSpace(c.Scoring.ModelVersion)
	if c.Scoring.BatchSize <= 0 {
		c.Scoring.BatchSize = defaultScoreBatchSize
	}
	if c.Scoring.Concurrency <= 0 {
		c.Scoring.Concurrency = defaultScoreConcurrency
	}
	if c.Scoring.LatentDim <= 0 {
		c.Scoring.LatentDim = defaultLatentDim
	}
	c.Scoring.ModelEndpoint = strings.TrimSpace(c.Scoring.ModelEndpoint)
}

func (c *Config) normalizeIndex() {
	c.Index.Driver = strings.ToLower(strings.TrimSpace(c.Index.Driver))
	switch c.Index.Driver {
	case "", "sqlite", "sqlite3":
		c.Index.Driver = "sqlite"
	case "postgresql":
		c.Index.Driver = "postgres"
	}
	if value, ok := os.LookupEnv("SPECSCAN_INDEX_DSN"); ok && strings.TrimSpace(value) != "" {
		c.Index.DSN = value
	}
	c.Index.DSN = strings.TrimSpace(c.Index.DSN)
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}
