// Package normalize resamples raw spectra onto the shared wavelength grid and
// rescales them to a common amplitude.
//
// Output depends only on the raw input and the Grid, so re-running the same
// processing version reproduces every record bit for bit.
package normalize

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"specscan/internal/config"
	"specscan/internal/fileutil"
)

// Spacing of grid points.
const (
	SpacingLinear = "linear"
	SpacingLog    = "log"
)

// Interpolation modes.
const (
	InterpLinear  = "linear"
	InterpNearest = "nearest"
)

// Tie-break for nearest interpolation when both neighbours are equidistant.
const (
	TieLower = "lower"
	TieUpper = "upper"
)

// Grid holds the output wavelength grid and every parameter that affects a
// normalized record.
type Grid struct {
	MinWave       float64
	MaxWave       float64
	NPoints       int
	Spacing       string
	MaxGap        float64 // <= 0 disables the gap check
	Interpolation string
	TieBreak      string
	RefMin        float64
	RefMax        float64
	MinQuality    float64
	Version       string

	wave []float64
}

// NewGrid validates g and computes its wavelengths.
func NewGrid(g Grid) (*Grid, error) {
	if g.NPoints < 1 {
		return nil, errors.New("grid needs at least one point")
	}
	if !(g.MinWave < g.MaxWave) || math.IsInf(g.MaxWave, 0) || math.IsNaN(g.MinWave) {
		return nil, fmt.Errorf("grid bounds [%g, %g] are invalid", g.MinWave, g.MaxWave)
	}
	if g.Spacing == "" {
		g.Spacing = SpacingLinear
	}
	if g.Interpolation == "" {
		g.Interpolation = InterpLinear
	}
	if g.TieBreak == "" {
		g.TieBreak = TieLower
	}
	switch g.Spacing {
	case SpacingLinear:
	case SpacingLog:
		if g.MinWave <= 0 {
			return nil, errors.New("log spacing needs a positive minimum wavelength")
		}
	default:
		return nil, fmt.Errorf("unknown grid spacing %q", g.Spacing)
	}
	if g.Interpolation != InterpLinear && g.Interpolation != InterpNearest {
		return nil, fmt.Errorf("unknown interpolation %q", g.Interpolation)
	}
	if g.TieBreak != TieLower && g.TieBreak != TieUpper {
		return nil, fmt.Errorf("unknown tie break %q", g.TieBreak)
	}
	if g.RefMin > g.RefMax {
		return nil, fmt.Errorf("reference window [%g, %g] is inverted", g.RefMin, g.RefMax)
	}
	if g.Version == "" {
		return nil, errors.New("processing version is required")
	}

	g.wave = make([]float64, g.NPoints)
	if g.NPoints == 1 {
		g.wave[0] = g.MinWave
	} else {
		last := float64(g.NPoints - 1)
		logMin, logMax := math.Log(g.MinWave), math.Log(g.MaxWave)
		for i := range g.wave {
			frac := float64(i) / last
			switch g.Spacing {
			case SpacingLog:
				g.wave[i] = math.Exp(logMin + frac*(logMax-logMin))
			default:
				g.wave[i] = g.MinWave + frac*(g.MaxWave-g.MinWave)
			}
		}
		g.wave[0], g.wave[g.NPoints-1] = g.MinWave, g.MaxWave
	}
	return &g, nil
}

// FromConfig builds the grid described by the grid, normalization and
// processing sections.
func FromConfig(cfg *config.Config) (*Grid, error) {
	return NewGrid(Grid{
		MinWave:       cfg.Grid.MinWave,
		MaxWave:       cfg.Grid.MaxWave,
		NPoints:       cfg.Grid.NPoints,
		Spacing:       cfg.Grid.Spacing,
		MaxGap:        cfg.Grid.MaxGap,
		Interpolation: cfg.Grid.Interpolation,
		TieBreak:      cfg.Grid.TieBreak,
		RefMin:        cfg.Normalization.RefMin,
		RefMax:        cfg.Normalization.RefMax,
		MinQuality:    cfg.Normalization.MinQuality,
		Version:       cfg.Processing.Version,
	})
}

// Wavelengths returns a copy of the grid points.
func (g *Grid) Wavelengths() []float64 {
	out := make([]float64, len(g.wave))
	copy(out, g.wave)
	return out
}

// Len is the number of grid points.
func (g *Grid) Len() int { return len(g.wave) }

// Fingerprint identifies the parameters that shape normalized output. The
// processing version is not part of it.
func (g *Grid) Fingerprint() string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	canonical := strings.Join([]string{
		"min=" + f(g.MinWave),
		"max=" + f(g.MaxWave),
		"n=" + strconv.Itoa(g.NPoints),
		"spacing=" + g.Spacing,
		"gap=" + f(g.MaxGap),
		"interp=" + g.Interpolation,
		"tie=" + g.TieBreak,
		"ref=" + f(g.RefMin) + ":" + f(g.RefMax),
		"minq=" + f(g.MinQuality),
	}, ";")
	return fileutil.SHA256Bytes([]byte(canonical))[:16]
}
