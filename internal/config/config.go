package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	ScratchDir string `toml:"scratch_dir"`
	DataDir    string `toml:"data_dir"`
	LogDir     string `toml:"log_dir"`
	ModelsDir  string `toml:"models_dir"`
}

// Source describes where tile files are fetched from.
type Source struct {
	Kind           string `toml:"kind"` // http, gcs, or dir
	BaseURL        string `toml:"base_url"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	RequestTimeout int    `toml:"request_timeout"` // seconds per transfer attempt
}

// Fetch contains the tile transfer and retry policy.
type Fetch struct {
	Concurrency      int `toml:"concurrency"`
	MaxAttempts      int `toml:"max_attempts"`
	InitialBackoffMS int `toml:"initial_backoff_ms"`
	MaxBackoffMS     int `toml:"max_backoff_ms"`
	ChecksumAttempts int `toml:"checksum_attempts"`
	MinFreeGiB       int `toml:"min_free_gib"`
}

// Selection encodes the survey qualification rule applied during extraction.
type Selection struct {
	TargetClass  string  `toml:"target_class"`
	MaxZWarn     int64   `toml:"max_zwarn"`
	MinDeltaChi2 float64 `toml:"min_delta_chi2"`
}

// Grid describes the shared output wavelength grid.
type Grid struct {
	MinWave       float64 `toml:"min_wave"`
	MaxWave       float64 `toml:"max_wave"`
	NPoints       int     `toml:"n_points"`
	Spacing       string  `toml:"spacing"`       // linear or log
	MaxGap        float64 `toml:"max_gap"`       // Angstrom between bracketing valid samples
	Interpolation string  `toml:"interpolation"` // linear or nearest
	TieBreak      string  `toml:"tie_break"`     // lower or upper, for equidistant nearest samples
}

// Normalization contains amplitude normalization and quality settings.
type Normalization struct {
	RefMin     float64 `toml:"ref_min"`
	RefMax     float64 `toml:"ref_max"`
	MinQuality float64 `toml:"min_quality"`
}

// Processing identifies the normalization run.
type Processing struct {
	Version     string `toml:"version"`
	Concurrency int    `toml:"concurrency"`
}

// Scoring contains anomaly scoring settings.
type Scoring struct {
	ModelVersion      string `toml:"model_version"`
	BatchSize         int    `toml:"batch_size"`
	Concurrency       int    `toml:"concurrency"`
	IncludeLowQuality bool   `toml:"include_low_quality"`
	LatentDim         int    `toml:"latent_dim"`     // components kept by specscan train
	ModelEndpoint     string `toml:"model_endpoint"` // host:port of a remote model server
}

// Index configures the metadata index backend.
type Index struct {
	Driver string `toml:"driver"` // sqlite or postgres
	DSN    string `toml:"dsn"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Listen string `toml:"listen"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"` // 0 keeps run logs forever
}

// Config encapsulates all configuration values for specscan.
//
// Configuration sections by subsystem:
//   - Paths: scratch cache, data, logs and model artifacts
//   - Source: remote tile store location
//   - Fetch: transfer concurrency and retry policy
//   - Selection: which objects qualify for extraction
//   - Grid and Normalization: resampling and quality thresholds
//   - Processing: processing version tag for the spectrum store
//   - Scoring: model version, batching and low-quality policy
//   - Index: metadata index backend
//   - Metrics and Logging: observability
type Config struct {
	Paths         Paths         `toml:"paths"`
	Source        Source        `toml:"source"`
	Fetch         Fetch         `toml:"fetch"`
	Selection     Selection     `toml:"selection"`
	Grid          Grid          `toml:"grid"`
	Normalization Normalization `toml:"normalization"`
	Processing    Processing    `toml:"processing"`
	Scoring       Scoring       `toml:"scoring"`
	Index         Index         `toml:"index"`
	Metrics       Metrics       `toml:"metrics"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/specscan/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	if err := loadDotEnv(); err != nil {
		return nil, "", false, err
	}

	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

// loadDotEnv reads SPECSCAN_ENV_FILE (or ./.env) without overriding variables
// already present in the environment.
func loadDotEnv() error {
	path := strings.TrimSpace(os.Getenv("SPECSCAN_ENV_FILE"))
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("specscan.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the directories every stage writes into.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.ScratchDir, c.Paths.DataDir, c.Paths.LogDir, c.Paths.ModelsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// LedgerPath returns the SQLite tile ledger location.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.Paths.DataDir, "ledger.db")
}

// SpectraDir returns the directory holding spectrum store partitions.
func (c *Config) SpectraDir() string {
	return filepath.Join(c.Paths.DataDir, "spectra")
}

// ScoresPath returns the anomaly score database location.
func (c *Config) ScoresPath() string {
	return filepath.Join(c.Paths.DataDir, "scores.db")
}

// IndexDSN returns the metadata index data source, defaulting to a SQLite file
// in the data directory.
func (c *Config) IndexDSN() string {
	if strings.TrimSpace(c.Index.DSN) != "" {
		return c.Index.DSN
	}
	return filepath.Join(c.Paths.DataDir, "index.db")
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
