package testsupport

import (
	"path/filepath"
	"testing"

	"specscan/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.ScratchDir = filepath.Join(base, "scratch")
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.ModelsDir = filepath.Join(base, "models")
	cfgVal.Source.Kind = "dir"
	cfgVal.Source.BaseURL = filepath.Join(base, "mirror")
	cfgVal.Fetch.MinFreeGiB = 0
	cfgVal.Fetch.InitialBackoffMS = 1
	cfgVal.Fetch.MaxBackoffMS = 1
	cfgVal.Metrics.Listen = ""

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithGrid overrides the output grid bounds and size.
func WithGrid(minWave, maxWave float64, points int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Grid.MinWave = minWave
		b.cfg.Grid.MaxWave = maxWave
		b.cfg.Grid.NPoints = points
	}
}

// WithProcessingVersion sets the processing version tag.
func WithProcessingVersion(version string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Processing.Version = version
	}
}

// WithModelVersion sets the scoring model version.
func WithModelVersion(version string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Scoring.ModelVersion = version
	}
}

// WithSelection overrides the qualification rule.
func WithSelection(class string, minDeltaChi2 float64) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Selection.TargetClass = class
		b.cfg.Selection.MinDeltaChi2 = minDeltaChi2
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}

// MirrorDir is the directory source root used by NewConfig.
func MirrorDir(cfg *config.Config) string {
	return cfg.Source.BaseURL
}
