// Package spectrum defines the records that flow between pipeline stages:
// raw per-object spectra read from a tile and normalized spectra resampled
// onto the shared wavelength grid.
package spectrum

import (
	"fmt"
	"math"
)

// ObjectID is the survey-wide object identifier (TARGETID).
type ObjectID int64

// Sample is one detector pixel of a raw spectrum.
type Sample struct {
	Wavelength float64
	Flux       float64
	Ivar       float64
	Mask       int64
}

// Raw is a spectrum as extracted from a tile. It is never persisted.
type Raw struct {
	ObjectID     ObjectID
	Tile         string
	Samples      []Sample
	Redshift     float64
	RedshiftErr  float64
	ZWarn        int64
	SpectralType string
	DeltaChi2    float64
}

// Validate checks the invariants every extracted spectrum must hold: at
// least one sample and strictly increasing wavelengths.
func (r Raw) Validate() error {
	if len(r.Samples) == 0 {
		return fmt.Errorf("object %d: no samples", r.ObjectID)
	}
	for i, s := range r.Samples {
		if math.IsNaN(s.Wavelength) || math.IsInf(s.Wavelength, 0) {
			return fmt.Errorf("object %d: non-finite wavelength at pixel %d", r.ObjectID, i)
		}
		if i > 0 && s.Wavelength <= r.Samples[i-1].Wavelength {
			return fmt.Errorf("object %d: wavelength not strictly increasing at pixel %d (%g after %g)",
				r.ObjectID, i, s.Wavelength, r.Samples[i-1].Wavelength)
		}
	}
	return nil
}

// ScaleSource records which statistic produced the amplitude scale.
type ScaleSource string

const (
	ScaleReference ScaleSource = "reference"
	ScaleGlobal    ScaleSource = "global"
	ScaleNone      ScaleSource = "none"
)

// Normalized is a spectrum resampled onto the shared grid. Invalid points
// hold 0 and are flagged in Valid.
type Normalized struct {
	ObjectID          ObjectID
	Tile              string
	Flux              []float64
	Valid             []bool
	Quality           float64
	LowQuality        bool
	Scale             float64
	ScaleSource       ScaleSource
	ProcessingVersion string
}

// ValidCount returns the number of valid grid points.
func (n Normalized) ValidCount() int {
	count := 0
	for _, v := range n.Valid {
		if v {
			count++
		}
	}
	return count
}

// Validate checks the record against a grid of nPoints.
func (n Normalized) Validate(nPoints int) error {
	if len(n.Flux) != nPoints || len(n.Valid) != nPoints {
		return fmt.Errorf("object %d: flux/valid lengths %d/%d, grid has %d points",
			n.ObjectID, len(n.Flux), len(n.Valid), nPoints)
	}
	for i, f := range n.Flux {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("object %d: non-finite flux at grid point %d", n.ObjectID, i)
		}
		if !n.Valid[i] && f != 0 {
			return fmt.Errorf("object %d: invalid grid point %d holds %g", n.ObjectID, i, f)
		}
	}
	if n.Quality < 0 || n.Quality > 1 || math.IsNaN(n.Quality) {
		return fmt.Errorf("object %d: quality %g out of range", n.ObjectID, n.Quality)
	}
	if n.ProcessingVersion == "" {
		return fmt.Errorf("object %d: missing processing version", n.ObjectID)
	}
	return nil
}
