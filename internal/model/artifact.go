package model

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"specscan/internal/fileutil"
)

const (
	manifestFile = "model.yaml"
	weightsFile  = "weights.bin"
)

// Manifest describes a stored model artifact.
type Manifest struct {
	Kind              string    `yaml:"kind"`
	Version           string    `yaml:"version"`
	Dims              int       `yaml:"dims"`
	LatentDim         int       `yaml:"latent_dim"`
	ProcessingVersion string    `yaml:"processing_version"`
	GridFingerprint   string    `yaml:"grid_fingerprint,omitempty"`
	Samples           int64     `yaml:"samples"`
	Explained         []float64 `yaml:"explained_variance,omitempty"`
	CreatedAt         time.Time `yaml:"created_at"`
	Weights           string    `yaml:"weights"`
	SHA256            string    `yaml:"sha256"`
}

// Save writes m under <dir>/<version>/. The manifest fields describing the
// weights are filled in here. An existing version is never overwritten.
func Save(dir string, m *PCA, meta Manifest) (Manifest, error) {
	version := m.Version()
	if strings.ContainsAny(version, `/\ `) || version == "." || version == ".." {
		return Manifest{}, fmt.Errorf("model version %q is not a valid directory name", version)
	}
	target := filepath.Join(dir, version)
	if _, err := os.Stat(target); err == nil {
		return Manifest{}, fmt.Errorf("%w: %s", ErrVersionExists, version)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return Manifest{}, fmt.Errorf("stat model dir: %w", err)
	}

	weights := encodeWeights(m)
	meta.Kind = KindPCA
	meta.Version = version
	meta.Dims = m.Dims()
	meta.LatentDim = m.LatentDim()
	meta.Weights = weightsFile
	meta.SHA256 = fileutil.SHA256Bytes(weights)
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	manifest, err := yaml.Marshal(&meta)
	if err != nil {
		return Manifest{}, fmt.Errorf("encode model manifest: %w", err)
	}

	// Versions appear only once complete.
	staging := target + ".tmp"
	if err := os.RemoveAll(staging); err != nil {
		return Manifest{}, fmt.Errorf("clear staging dir: %w", err)
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return Manifest{}, fmt.Errorf("create model dir: %w", err)
	}
	if err := fileutil.WriteFileAtomic(filepath.Join(staging, weightsFile), weights, 0o644); err != nil {
		return Manifest{}, fmt.Errorf("write weights: %w", err)
	}
	if err := fileutil.WriteFileAtomic(filepath.Join(staging, manifestFile), manifest, 0o644); err != nil {
		return Manifest{}, fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(staging, target); err != nil {
		return Manifest{}, fmt.Errorf("publish model %s: %w", version, err)
	}
	return meta, nil
}

// Load reads and verifies the artifact for version.
func Load(dir, version string) (*PCA, Manifest, error) {
	target := filepath.Join(dir, version)
	raw, err := os.ReadFile(filepath.Join(target, manifestFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, Manifest{}, fmt.Errorf("%w: %s in %s", ErrNotFound, version, dir)
	}
	if err != nil {
		return nil, Manifest{}, fmt.Errorf("read model manifest: %w", err)
	}
	var meta Manifest
	if err := yaml.Unmarshal(raw, &meta); err != nil {
		return nil, Manifest{}, fmt.Errorf("decode model manifest: %w", err)
	}
	if meta.Kind != KindPCA {
		return nil, Manifest{}, fmt.Errorf("model %s: unsupported kind %q", version, meta.Kind)
	}
	if meta.Version != version {
		return nil, Manifest{}, fmt.Errorf("model manifest in %s names version %q", target, meta.Version)
	}

	weights, err := os.ReadFile(filepath.Join(target, meta.Weights))
	if err != nil {
		return nil, Manifest{}, fmt.Errorf("read weights: %w", err)
	}
	if got := fileutil.SHA256Bytes(weights); got != meta.SHA256 {
		return nil, Manifest{}, fmt.Errorf("%w: %s has %s, manifest records %s", ErrChecksum, version, got, meta.SHA256)
	}
	m, err := decodeWeights(version, weights, meta.Dims, meta.LatentDim)
	if err != nil {
		return nil, Manifest{}, err
	}
	return m, meta, nil
}

// Versions lists stored model versions.
func Versions(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, e.Name(), manifestFile)); err == nil {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// weights.bin holds the mean followed by each component, little-endian
// float64.
func encodeWeights(m *PCA) []byte {
	buf := make([]byte, 0, 8*m.Dims()*(1+m.LatentDim()))
	buf = appendFloats(buf, m.Mean)
	for _, c := range m.Components {
		buf = appendFloats(buf, c)
	}
	return buf
}

func appendFloats(buf []byte, values []float64) []byte {
	for _, v := range values {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
	}
	return buf
}

func decodeWeights(version string, data []byte, dims, latent int) (*PCA, error) {
	if dims <= 0 || latent <= 0 {
		return nil, fmt.Errorf("%w: manifest dims %d latent %d", ErrShape, dims, latent)
	}
	if want := 8 * dims * (1 + latent); len(data) != want {
		return nil, fmt.Errorf("%w: weights hold %d bytes, expected %d", ErrShape, len(data), want)
	}
	r := bytes.NewReader(data)
	read := func() []float64 {
		out := make([]float64, dims)
		_ = binary.Read(r, binary.LittleEndian, out)
		return out
	}
	mean := read()
	components := make([][]float64, latent)
	for k := range components {
		components[k] = read()
	}
	return NewPCA(version, mean, components)
}
