// Package score computes anomaly scores: the reconstruction error of each
// stored spectrum under a compression model, and a strict ranking of objects
// per model version.
package score

import (
	"errors"
	"fmt"
	"math"
)

// ErrMismatch reports a reconstruction that does not line up with its input.
var ErrMismatch = errors.New("reconstruction does not match input")

// ReconstructionError is the mean squared error between input and
// reconstructed over valid points only. ok is false when no point is valid;
// such objects are unscorable rather than perfectly reconstructed. Arrays of
// different lengths and non-finite reconstructed values are errors.
func ReconstructionError(input []float64, valid []bool, reconstructed []float64) (float64, bool, error) {
	if len(valid) != len(input) || len(reconstructed) != len(input) {
		return 0, false, fmt.Errorf("%w: input %d, valid %d, reconstructed %d points",
			ErrMismatch, len(input), len(valid), len(reconstructed))
	}
	var (
		sum float64
		n   int
	)
	for i, v := range valid {
		if !v {
			continue
		}
		if math.IsNaN(reconstructed[i]) || math.IsInf(reconstructed[i], 0) {
			return 0, false, fmt.Errorf("%w: non-finite value at point %d", ErrMismatch, i)
		}
		d := input[i] - reconstructed[i]
		sum += d * d
		n++
	}
	if n == 0 {
		return 0, false, nil
	}
	return sum / float64(n), true, nil
}
