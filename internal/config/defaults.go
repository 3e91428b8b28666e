package config

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	defaultDataDir            = "~/.local/share/specscan/data"
	defaultLogDir             = "~/.local/share/specscan/logs"
	defaultModelsDir          = "~/.local/share/specscan/models"
	defaultSourceKind         = "http"
	defaultSourceBaseURL      = "https://data.desi.lbl.gov/public/dr1/spectro/redux/iron"
	defaultRequestTimeout     = 600
	defaultFetchConcurrency   = 4
	defaultFetchMaxAttempts   = 5
	defaultInitialBackoffMS   = 500
	defaultMaxBackoffMS       = 30000
	defaultChecksumAttempts   = 2
	defaultMinFreeGiB         = 5
	defaultTargetClass        = "QSO"
	defaultMinDeltaChi2       = 25
	defaultGridMinWave        = 3600
	defaultGridMaxWave        = 9800
	defaultGridPoints         = 1000
	defaultGridSpacing        = "linear"
	defaultGridMaxGap         = 50
	defaultInterpolation      = "linear"
	defaultTieBreak           = "lower"
	defaultRefMin             = 5500
	defaultRefMax             = 6500
	defaultMinQuality         = 0.5
	defaultProcessingVersion  = "v1"
	defaultProcessConcurrency = 4
	defaultScoreBatchSize     = 256
	defaultScoreConcurrency   = 2
	defaultLatentDim          = 8
	defaultIndexDriver        = "sqlite"
	defaultLogFormat          = "console"
	defaultLogLevel           = "info"
	defaultLogRetentionDays   = 30
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			ScratchDir: defaultScratchDir(),
			DataDir:    defaultDataDir,
			LogDir:     defaultLogDir,
			ModelsDir:  defaultModelsDir,
		},
		Source: Source{
			Kind:           defaultSourceKind,
			BaseURL:        defaultSourceBaseURL,
			RequestTimeout: defaultRequestTimeout,
		},
		Fetch: Fetch{
			Concurrency:      defaultFetchConcurrency,
			MaxAttempts:      defaultFetchMaxAttempts,
			InitialBackoffMS: defaultInitialBackoffMS,
			MaxBackoffMS:     defaultMaxBackoffMS,
			ChecksumAttempts: defaultChecksumAttempts,
			MinFreeGiB:       defaultMinFreeGiB,
		},
		Selection: Selection{
			TargetClass:  defaultTargetClass,
			MaxZWarn:     0,
			MinDeltaChi2: defaultMinDeltaChi2,
		},
		Grid: Grid{
			MinWave:       defaultGridMinWave,
			MaxWave:       defaultGridMaxWave,
			NPoints:       defaultGridPoints,
			Spacing:       defaultGridSpacing,
			MaxGap:        defaultGridMaxGap,
			Interpolation: defaultInterpolation,
			TieBreak:      defaultTieBreak,
		},
		Normalization: Normalization{
			RefMin:     defaultRefMin,
			RefMax:     defaultRefMax,
			MinQuality: defaultMinQuality,
		},
		Processing: Processing{
			Version:     defaultProcessingVersion,
			Concurrency: defaultProcessConcurrency,
		},
		Scoring: Scoring{
			BatchSize:   defaultScoreBatchSize,
			Concurrency: defaultScoreConcurrency,
			LatentDim:   defaultLatentDim,
		},
		Index: Index{
			Driver: defaultIndexDriver,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}

func defaultScratchDir() string {
	if base, ok := os.LookupEnv("XDG_CACHE_HOME"); ok && strings.TrimSpace(base) != "" {
		return filepath.Join(base, "specscan", "tiles")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "~/.cache/specscan/tiles"
	}
	return filepath.Join(home, ".cache", "specscan", "tiles")
}
