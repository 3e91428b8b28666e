// Package model defines the compression model used for anomaly scoring and
// its implementations: a principal-component baseline trained from the
// spectrum store, persisted as versioned artifacts, and a gRPC client for
// models served out of process.
//
// A model version is an immutable tag. Artifacts are never overwritten, and
// loading verifies the weights checksum recorded at training time.
package model

import (
	"context"
	"errors"
	"fmt"
	"math"

	"specscan/internal/config"
)

// Model compresses spectra into a latent space and reconstructs them.
// Calls are batched: each row of the input is one spectrum on the shared
// grid (Encode) or one latent vector (Decode).
type Model interface {
	Version() string
	Encode(ctx context.Context, rows [][]float64) ([][]float64, error)
	Decode(ctx context.Context, latent [][]float64) ([][]float64, error)
}

// Imputer is implemented by models that fill invalid grid points before
// encoding. Rows are modified in place.
type Imputer interface {
	Impute(ctx context.Context, rows [][]float64, valid [][]bool) error
}

var (
	ErrVersionExists = errors.New("model version already exists")
	ErrNotFound      = errors.New("model version not found")
	ErrChecksum      = errors.New("model weights checksum mismatch")
	ErrShape         = errors.New("model input shape mismatch")
	ErrOutput        = errors.New("model output invalid")
)

// Open returns the model configured for scoring: a remote server when
// scoring.model_endpoint is set, otherwise the artifact stored under the
// models directory. Callers close remote models through io.Closer.
func Open(ctx context.Context, cfg *config.Config) (Model, error) {
	version := cfg.Scoring.ModelVersion
	if cfg.Scoring.ModelEndpoint != "" {
		return Dial(ctx, cfg.Scoring.ModelEndpoint, version)
	}
	if version == "" {
		return nil, fmt.Errorf("%w: scoring.model_version is not set", ErrNotFound)
	}
	pca, _, err := Load(cfg.Paths.ModelsDir, version)
	if err != nil {
		return nil, err
	}
	return pca, nil
}

// Reconstruct runs Encode then Decode, imputing first when the model
// supports it.
func Reconstruct(ctx context.Context, m Model, rows [][]float64, valid [][]bool) ([][]float64, error) {
	if imp, ok := m.(Imputer); ok && valid != nil {
		if err := imp.Impute(ctx, rows, valid); err != nil {
			return nil, fmt.Errorf("impute: %w", err)
		}
	}
	latent, err := m.Encode(ctx, rows)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	out, err := m.Decode(ctx, latent)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if len(out) != len(rows) {
		return nil, fmt.Errorf("%w: %d reconstructions for %d rows", ErrOutput, len(out), len(rows))
	}
	for i, row := range out {
		if len(row) != len(rows[i]) {
			return nil, fmt.Errorf("%w: reconstruction %d has %d points, input has %d", ErrOutput, i, len(row), len(rows[i]))
		}
		for j, x := range row {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return nil, fmt.Errorf("%w: reconstruction %d is non-finite at point %d", ErrOutput, i, j)
			}
		}
	}
	return out, nil
}
