package extract

import (
	"strings"

	"golang.org/x/text/cases"

	"specscan/internal/config"
	"specscan/internal/spectrum"
)

// Candidate is the redshift-fit summary a selection predicate sees.
type Candidate struct {
	ObjectID     spectrum.ObjectID
	SpectralType string
	ZWarn        int64
	DeltaChi2    float64
	Redshift     float64
	RedshiftErr  float64
}

// Predicate decides whether an object qualifies for extraction. It must be
// pure so re-running extraction selects the same objects.
type Predicate func(Candidate) bool

// ClassSelection accepts objects of the given spectral class (compared
// case-insensitively) with ZWARN <= maxZWarn and DELTACHI2 >= minDeltaChi2.
func ClassSelection(class string, maxZWarn int64, minDeltaChi2 float64) Predicate {
	folder := cases.Fold()
	want := folder.String(strings.TrimSpace(class))
	return func(c Candidate) bool {
		if folder.String(strings.TrimSpace(c.SpectralType)) != want {
			return false
		}
		if c.ZWarn > maxZWarn {
			return false
		}
		return c.DeltaChi2 >= minDeltaChi2
	}
}

// SelectionFromConfig builds the default predicate from configuration.
func SelectionFromConfig(sel config.Selection) Predicate {
	return ClassSelection(sel.TargetClass, sel.MaxZWarn, sel.MinDeltaChi2)
}

// AcceptAll selects every object that has a redshift row.
func AcceptAll(Candidate) bool { return true }
