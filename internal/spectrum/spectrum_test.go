package spectrum_test

import (
	"math"
	"strings"
	"testing"

	"specscan/internal/spectrum"
)

func TestRawValidate(t *testing.T) {
	ok := spectrum.Raw{ObjectID: 1, Samples: []spectrum.Sample{{Wavelength: 3600}, {Wavelength: 3601}}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name    string
		samples []spectrum.Sample
		want    string
	}{
		{"empty", nil, "no samples"},
		{"repeat", []spectrum.Sample{{Wavelength: 3600}, {Wavelength: 3600}}, "strictly increasing"},
		{"decreasing", []spectrum.Sample{{Wavelength: 3601}, {Wavelength: 3600}}, "strictly increasing"},
		{"nan", []spectrum.Sample{{Wavelength: math.NaN()}}, "non-finite"},
	}
	for _, tc := range tests {
		err := spectrum.Raw{ObjectID: 7, Samples: tc.samples}.Validate()
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected %q, got %v", tc.name, tc.want, err)
		}
	}
}

func TestNormalizedValidate(t *testing.T) {
	n := spectrum.Normalized{
		ObjectID:          3,
		Flux:              []float64{1, 0, 2},
		Valid:             []bool{true, false, true},
		Quality:           2.0 / 3.0,
		ProcessingVersion: "v1",
	}
	if err := n.Validate(3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.ValidCount() != 2 {
		t.Fatalf("ValidCount = %d", n.ValidCount())
	}
	if err := n.Validate(4); err == nil {
		t.Fatal("expected length mismatch")
	}
	n.Flux[1] = 5
	if err := n.Validate(3); err == nil {
		t.Fatal("invalid points must hold 0")
	}
	n.Flux[1] = math.Inf(1)
	if err := n.Validate(3); err == nil {
		t.Fatal("expected non-finite rejection")
	}
}
