package extract

import (
	"errors"
	"fmt"
	"iter"

	"specscan/internal/faults"
	"specscan/internal/spectrum"
)

// Sequence lazily yields qualifying spectra in spectra-table row order.
type Sequence struct {
	t      *Tile
	pred   Predicate
	cursor int64
}

// Spectra returns a sequence over the objects pred accepts. A nil predicate
// accepts every object.
func (t *Tile) Spectra(pred Predicate) *Sequence {
	if pred == nil {
		pred = AcceptAll
	}
	return &Sequence{t: t, pred: pred}
}

// All iterates from the first row.
func (s *Sequence) All() iter.Seq2[spectrum.Raw, error] {
	return s.From(0)
}

// Cursor is the row index following the last row consumed. Saving it and
// passing it to From later resumes without re-reading earlier rows.
func (s *Sequence) Cursor() int64 { return s.cursor }

// From iterates starting at row cursor. Per-object problems are yielded as
// *faults.ObjectError and iteration continues; a structural problem is
// yielded as faults.ErrDataCorruption and ends iteration.
func (s *Sequence) From(cursor int64) iter.Seq2[spectrum.Raw, error] {
	return func(yield func(spectrum.Raw, error) bool) {
		if cursor < 0 {
			cursor = 0
		}
		s.cursor = cursor
		n := s.t.Len()
		for row := cursor; row < n; row++ {
			raw, skip, err := s.t.readObject(row, s.pred)
			s.cursor = row + 1
			if skip {
				continue
			}
			if err != nil {
				var objErr *faults.ObjectError
				if errors.As(err, &objErr) {
					if !yield(spectrum.Raw{ObjectID: spectrum.ObjectID(objErr.ObjectID), Tile: s.t.key.String()}, err) {
						return
					}
					continue
				}
				// leave the cursor on the bad row so a retry re-reads it
				s.cursor = row
				yield(spectrum.Raw{}, faults.Wrap(faults.ErrDataCorruption, "extract", fmt.Sprintf("row %d", row), s.t.key.String(), err))
				return
			}
			if !yield(raw, nil) {
				return
			}
		}
	}
}

// readObject decodes one spectra row. skip is true when the object does not
// qualify.
func (t *Tile) readObject(row int64, pred Predicate) (spectrum.Raw, bool, error) {
	vals, err := scanRow(t.spectra, row, spectraColumns)
	if err != nil {
		return spectrum.Raw{}, false, err
	}
	rawID, err := asInt64(vals["TARGETID"])
	if err != nil {
		return spectrum.Raw{}, false, err
	}
	id := spectrum.ObjectID(rawID)
	tileKey := t.key.String()

	cand, ok := t.redshifts[id]
	if !ok {
		return spectrum.Raw{}, false, faults.NewObjectError(rawID, tileKey, "no redshift row")
	}
	if !pred(cand) {
		return spectrum.Raw{}, true, nil
	}

	wave, err := asFloat64s(vals["WAVE"])
	if err != nil {
		return spectrum.Raw{}, false, err
	}
	flux, err := asFloat64s(vals["FLUX"])
	if err != nil {
		return spectrum.Raw{}, false, err
	}
	ivar, err := asFloat64s(vals["IVAR"])
	if err != nil {
		return spectrum.Raw{}, false, err
	}
	mask, err := asInt64s(vals["MASK"])
	if err != nil {
		return spectrum.Raw{}, false, err
	}
	if len(flux) != len(wave) || len(ivar) != len(wave) || len(mask) != len(wave) {
		return spectrum.Raw{}, false, faults.NewObjectError(rawID, tileKey,
			fmt.Sprintf("array lengths differ: wave=%d flux=%d ivar=%d mask=%d", len(wave), len(flux), len(ivar), len(mask)))
	}

	raw := spectrum.Raw{
		ObjectID:     id,
		Tile:         tileKey,
		Samples:      make([]spectrum.Sample, len(wave)),
		Redshift:     cand.Redshift,
		RedshiftErr:  cand.RedshiftErr,
		ZWarn:        cand.ZWarn,
		SpectralType: cand.SpectralType,
		DeltaChi2:    cand.DeltaChi2,
	}
	for i := range wave {
		raw.Samples[i] = spectrum.Sample{Wavelength: wave[i], Flux: flux[i], Ivar: ivar[i], Mask: mask[i]}
	}
	if err := raw.Validate(); err != nil {
		return spectrum.Raw{}, false, faults.NewObjectError(rawID, tileKey, err.Error())
	}
	return raw, false, nil
}
