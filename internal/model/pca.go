package model

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"specscan/internal/specstore"
)

// KindPCA names principal-component artifacts.
const KindPCA = "pca"

// PCA is a linear autoencoder: Encode projects the mean-subtracted input onto
// the principal components and Decode maps latent vectors back.
type PCA struct {
	version    string
	Mean       []float64
	Components [][]float64 // latent x dims, orthonormal rows
}

// NewPCA validates shapes and returns a model tagged with version.
func NewPCA(version string, mean []float64, components [][]float64) (*PCA, error) {
	if version == "" {
		return nil, errors.New("pca: version is required")
	}
	if len(mean) == 0 || len(components) == 0 {
		return nil, fmt.Errorf("%w: pca needs a mean and at least one component", ErrShape)
	}
	for i, c := range components {
		if len(c) != len(mean) {
			return nil, fmt.Errorf("%w: component %d has %d dims, mean has %d", ErrShape, i, len(c), len(mean))
		}
	}
	return &PCA{version: version, Mean: mean, Components: components}, nil
}

func (p *PCA) Version() string { return p.version }

// Dims is the input dimensionality.
func (p *PCA) Dims() int { return len(p.Mean) }

// LatentDim is the number of components.
func (p *PCA) LatentDim() int { return len(p.Components) }

func (p *PCA) Encode(ctx context.Context, rows [][]float64) ([][]float64, error) {
	out := make([][]float64, len(rows))
	for r, row := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(row) != p.Dims() {
			return nil, fmt.Errorf("%w: row %d has %d dims, model expects %d", ErrShape, r, len(row), p.Dims())
		}
		dev := make([]float64, len(row))
		floats.SubTo(dev, row, p.Mean)
		z := make([]float64, len(p.Components))
		for k, c := range p.Components {
			z[k] = floats.Dot(c, dev)
		}
		out[r] = z
	}
	return out, nil
}

func (p *PCA) Decode(ctx context.Context, latent [][]float64) ([][]float64, error) {
	out := make([][]float64, len(latent))
	for r, z := range latent {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(z) != p.LatentDim() {
			return nil, fmt.Errorf("%w: latent row %d has %d dims, model has %d components", ErrShape, r, len(z), p.LatentDim())
		}
		x := make([]float64, p.Dims())
		copy(x, p.Mean)
		for k, c := range p.Components {
			floats.AddScaled(x, z[k], c)
		}
		out[r] = x
	}
	return out, nil
}

// Impute replaces invalid points with the training mean so they project to
// zero deviation.
func (p *PCA) Impute(_ context.Context, rows [][]float64, valid [][]bool) error {
	if len(valid) != len(rows) {
		return fmt.Errorf("%w: %d validity masks for %d rows", ErrShape, len(valid), len(rows))
	}
	for r, row := range rows {
		if len(row) != p.Dims() || len(valid[r]) != p.Dims() {
			return fmt.Errorf("%w: row %d", ErrShape, r)
		}
		for i, ok := range valid[r] {
			if !ok {
				row[i] = p.Mean[i]
			}
		}
	}
	return nil
}

// VectorSource is the slice of the spectrum store training reads from.
type VectorSource interface {
	ReadVectors(ctx context.Context, version string, filter specstore.Filter, after specstore.Cursor, limit int) ([]specstore.Vector, error)
}

// TrainOptions configures TrainPCA.
type TrainOptions struct {
	Version           string
	ProcessingVersion string
	LatentDim         int
	Filter            specstore.Filter
	PageSize          int
}

// TrainResult describes a fitted model.
type TrainResult struct {
	Model     *PCA
	Samples   int64
	Explained []float64 // eigenvalue per component
}

// TrainPCA fits a PCA model from the store in two streaming passes: the
// per-point mean over valid samples, then the covariance with invalid points
// taken at the mean. Components are the leading eigenvectors of the
// covariance, each signed so its largest entry is positive, so training on
// the same rows is reproducible.
func TrainPCA(ctx context.Context, src VectorSource, opts TrainOptions) (TrainResult, error) {
	if opts.LatentDim <= 0 {
		return TrainResult{}, errors.New("pca: latent dim must be positive")
	}

	var (
		dims   int
		sums   []float64
		counts []int64
		total  int64
	)
	err := eachVector(ctx, src, opts, func(v specstore.Vector) {
		if sums == nil {
			dims = len(v.Flux)
			sums = make([]float64, dims)
			counts = make([]int64, dims)
		}
		for i, ok := range v.Valid {
			if ok {
				sums[i] += v.Flux[i]
				counts[i]++
			}
		}
		total++
	})
	if err != nil {
		return TrainResult{}, err
	}
	if total == 0 {
		return TrainResult{}, fmt.Errorf("pca: no spectra stored under processing version %q", opts.ProcessingVersion)
	}
	if opts.LatentDim >= dims {
		return TrainResult{}, fmt.Errorf("%w: latent dim %d must be below grid size %d", ErrShape, opts.LatentDim, dims)
	}
	mean := make([]float64, dims)
	for i := range mean {
		if counts[i] > 0 {
			mean[i] = sums[i] / float64(counts[i])
		}
	}

	cov := mat.NewSymDense(dims, nil)
	dev := make([]float64, dims)
	err = eachVector(ctx, src, opts, func(v specstore.Vector) {
		for i := range dev {
			dev[i] = 0
			if v.Valid[i] {
				dev[i] = v.Flux[i] - mean[i]
			}
		}
		cov.SymRankOne(cov, 1, mat.NewVecDense(dims, dev))
	})
	if err != nil {
		return TrainResult{}, err
	}
	denom := float64(total)
	if total > 1 {
		denom = float64(total - 1)
	}
	cov.ScaleSym(1/denom, cov)
	if err := ctx.Err(); err != nil {
		return TrainResult{}, err
	}

	var eig mat.EigenSym
	if !eig.Factorize(cov, true) {
		return TrainResult{}, errors.New("pca: covariance eigendecomposition did not converge")
	}
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	components := make([][]float64, 0, opts.LatentDim)
	explained := make([]float64, 0, opts.LatentDim)
	// eigenvalues ascend
	for k := dims - 1; k >= 0 && len(components) < opts.LatentDim; k-- {
		if values[k] <= 1e-12 {
			break
		}
		vec := mat.Col(nil, k, &vectors)
		if vec[floats.MaxIdx(absAll(vec))] < 0 {
			floats.Scale(-1, vec)
		}
		components = append(components, vec)
		explained = append(explained, values[k])
	}
	if len(components) == 0 {
		return TrainResult{}, errors.New("pca: stored spectra have no variance")
	}

	m, err := NewPCA(opts.Version, mean, components)
	if err != nil {
		return TrainResult{}, err
	}
	return TrainResult{Model: m, Samples: total, Explained: explained}, nil
}

func eachVector(ctx context.Context, src VectorSource, opts TrainOptions, fn func(specstore.Vector)) error {
	var after specstore.Cursor
	for {
		page, err := src.ReadVectors(ctx, opts.ProcessingVersion, opts.Filter, after, opts.PageSize)
		if err != nil {
			return fmt.Errorf("pca: read vectors: %w", err)
		}
		if len(page) == 0 {
			return nil
		}
		for _, v := range page {
			fn(v)
		}
		after = specstore.After(page[len(page)-1].ObjectID)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func absAll(v []float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = math.Abs(x)
	}
	return out
}
