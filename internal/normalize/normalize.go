package normalize

import (
	"fmt"
	"math"
	"slices"
	"sort"

	"gonum.org/v1/gonum/stat"

	"specscan/internal/faults"
	"specscan/internal/spectrum"
)

// Normalize resamples raw onto grid, masks unusable points and divides by
// the reference amplitude. A raw spectrum that breaks its own invariants is
// a defect and yields faults.ErrNormalization.
func Normalize(raw spectrum.Raw, grid *Grid) (spectrum.Normalized, error) {
	if err := raw.Validate(); err != nil {
		return spectrum.Normalized{}, faults.Wrap(faults.ErrNormalization, "normalize", "validate",
			fmt.Sprintf("tile %s", raw.Tile), err)
	}

	wave, flux := usableSamples(raw.Samples)
	n := grid.Len()
	out := spectrum.Normalized{
		ObjectID:          raw.ObjectID,
		Tile:              raw.Tile,
		Flux:              make([]float64, n),
		Valid:             make([]bool, n),
		ProcessingVersion: grid.Version,
	}
	for i, g := range grid.wave {
		if v, ok := grid.sample(wave, flux, g); ok {
			out.Flux[i], out.Valid[i] = v, true
		}
	}

	out.Scale, out.ScaleSource = grid.amplitude(out)
	valid := 0
	for i := range out.Flux {
		if !out.Valid[i] {
			continue
		}
		v := out.Flux[i] / out.Scale
		if math.IsNaN(v) || math.IsInf(v, 0) {
			out.Flux[i], out.Valid[i] = 0, false
			continue
		}
		out.Flux[i] = v
		valid++
	}
	out.Quality = float64(valid) / float64(n)
	out.LowQuality = out.Quality < grid.MinQuality
	return out, nil
}

// usableSamples drops masked points, non-positive or non-finite inverse
// variance and non-finite flux.
func usableSamples(samples []spectrum.Sample) ([]float64, []float64) {
	wave := make([]float64, 0, len(samples))
	flux := make([]float64, 0, len(samples))
	for _, s := range samples {
		if s.Mask != 0 || !(s.Ivar > 0) || math.IsInf(s.Ivar, 0) || !finite(s.Flux) {
			continue
		}
		wave = append(wave, s.Wavelength)
		flux = append(flux, s.Flux)
	}
	return wave, flux
}

// sample evaluates the resampled flux at g. Points outside the valid data,
// or whose bracketing samples are further apart than MaxGap, are invalid.
func (grid *Grid) sample(wave, flux []float64, g float64) (float64, bool) {
	j := sort.SearchFloat64s(wave, g)
	if j < len(wave) && wave[j] == g {
		return flux[j], true
	}
	if j == 0 || j == len(wave) {
		return 0, false
	}
	lo, hi := j-1, j
	span := wave[hi] - wave[lo]
	if grid.MaxGap > 0 && span > grid.MaxGap {
		return 0, false
	}
	if grid.Interpolation == InterpNearest {
		dLo, dHi := g-wave[lo], wave[hi]-g
		switch {
		case dLo < dHi:
			return flux[lo], true
		case dHi < dLo:
			return flux[hi], true
		case grid.TieBreak == TieUpper:
			return flux[hi], true
		default:
			return flux[lo], true
		}
	}
	t := (g - wave[lo]) / span
	return flux[lo] + t*(flux[hi]-flux[lo]), true
}

// amplitude picks the reference-window median, falling back to the global
// median absolute flux, then to 1.
func (grid *Grid) amplitude(n spectrum.Normalized) (float64, spectrum.ScaleSource) {
	var window, all []float64
	for i, g := range grid.wave {
		if !n.Valid[i] {
			continue
		}
		all = append(all, math.Abs(n.Flux[i]))
		if g >= grid.RefMin && g <= grid.RefMax {
			window = append(window, n.Flux[i])
		}
	}
	if m, ok := median(window); ok && m > 0 {
		return m, spectrum.ScaleReference
	}
	if m, ok := median(all); ok && m > 0 {
		return m, spectrum.ScaleGlobal
	}
	return 1, spectrum.ScaleNone
}

func median(values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	// the empirical quantile is the lower middle value for even lengths
	m := stat.Quantile(0.5, stat.Empirical, sorted, nil)
	if len(sorted)%2 == 0 {
		m = (m + sorted[len(sorted)/2]) / 2
	}
	return m, finite(m)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
