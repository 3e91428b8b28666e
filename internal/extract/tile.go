// Package extract reads per-object spectra out of fetched tile files.
//
// A tile file holds a REDSHIFTS table (one fit per object) and a SPECTRA
// table whose rows carry the variable-length WAVE, FLUX, IVAR and MASK
// arrays of one object. Extraction walks SPECTRA by row index, so a recorded
// cursor resumes exactly where a previous run stopped.
package extract

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/astrogo/fitsio"

	"specscan/internal/faults"
	"specscan/internal/spectrum"
	"specscan/internal/tile"
)

const (
	hduRedshifts = "REDSHIFTS"
	hduSpectra   = "SPECTRA"
)

var (
	spectraColumns   = []string{"TARGETID", "WAVE", "FLUX", "IVAR", "MASK"}
	redshiftsColumns = []string{"TARGETID", "Z", "ZERR", "ZWARN", "SPECTYPE", "DELTACHI2"}
)

// Tile is an opened tile file.
type Tile struct {
	key       tile.Key
	path      string
	file      *fitsio.File
	spectra   *fitsio.Table
	redshifts map[spectrum.ObjectID]Candidate
}

// Open reads the tile's headers and redshift table. Structural problems are
// reported as faults.ErrDataCorruption; a missing file keeps fs.ErrNotExist.
func Open(localPath string, key tile.Key) (*Tile, error) {
	r, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("extract %s: open: %w", key, err)
	}
	// fitsio decodes every HDU up front
	f, err := fitsio.Open(r)
	_ = r.Close()
	if err != nil {
		return nil, corrupt(key, "open", err)
	}
	t := &Tile{key: key, path: localPath, file: f}
	if err := t.load(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return t, nil
}

func corrupt(key tile.Key, op string, err error) error {
	return faults.Wrap(faults.ErrDataCorruption, "extract", op, key.String(), err)
}

var (
	errMismatch = errors.New("tile identity mismatch")
	errLayout   = errors.New("unexpected tile layout")
)

func (t *Tile) load() error {
	if err := t.checkIdentity(); err != nil {
		return corrupt(t.key, "header", err)
	}

	spectra, err := table(t.file, hduSpectra, spectraColumns)
	if err != nil {
		return corrupt(t.key, "spectra", err)
	}
	t.spectra = spectra

	redshifts, err := readRedshifts(t.file)
	if err != nil {
		return corrupt(t.key, "redshifts", err)
	}
	t.redshifts = redshifts
	return nil
}

// table returns the binary table extension name after checking it carries
// every column in cols.
func table(f *fitsio.File, name string, cols []string) (*fitsio.Table, error) {
	if !f.Has(name) {
		return nil, fmt.Errorf("%w: no %s extension", errLayout, name)
	}
	tbl, ok := f.Get(name).(*fitsio.Table)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a table", errLayout, name)
	}
	for _, col := range cols {
		if tbl.Index(col) < 0 {
			return nil, fmt.Errorf("%w: %s has no %s column", errLayout, name, col)
		}
	}
	return tbl, nil
}

// checkIdentity compares the primary header keywords, when present, with the
// key the file was fetched under.
func (t *Tile) checkIdentity() error {
	if len(t.file.HDUs()) == 0 {
		return fmt.Errorf("%w: no primary header", errLayout)
	}
	h := t.file.HDU(0).Header()
	if survey, ok := headerString(h, "SURVEY"); ok && survey != t.key.Survey {
		return fmt.Errorf("%w: SURVEY %q, expected %q", errMismatch, survey, t.key.Survey)
	}
	if program, ok := headerString(h, "PROGRAM"); ok && program != t.key.Program {
		return fmt.Errorf("%w: PROGRAM %q, expected %q", errMismatch, program, t.key.Program)
	}
	if pixel, ok := headerInt(h, "HPXPIXEL"); ok && int64(pixel) != t.key.Pixel {
		return fmt.Errorf("%w: HPXPIXEL %d, expected %d", errMismatch, pixel, t.key.Pixel)
	}
	return nil
}

func headerString(h *fitsio.Header, name string) (string, bool) {
	card := h.Get(name)
	if card == nil {
		return "", false
	}
	s, ok := card.Value.(string)
	return strings.TrimSpace(s), ok
}

func headerInt(h *fitsio.Header, name string) (int, bool) {
	card := h.Get(name)
	if card == nil {
		return 0, false
	}
	v, err := asInt64(card.Value)
	return int(v), err == nil
}

func readRedshifts(f *fitsio.File) (map[spectrum.ObjectID]Candidate, error) {
	tbl, err := table(f, hduRedshifts, redshiftsColumns)
	if err != nil {
		return nil, err
	}
	out := make(map[spectrum.ObjectID]Candidate, tbl.NumRows())
	for row := int64(0); row < tbl.NumRows(); row++ {
		vals, err := scanRow(tbl, row, redshiftsColumns)
		if err != nil {
			return nil, err
		}
		var c Candidate
		id, err := asInt64(vals["TARGETID"])
		if err != nil {
			return nil, fmt.Errorf("TARGETID: %w", err)
		}
		c.ObjectID = spectrum.ObjectID(id)
		if c.Redshift, err = asFloat64(vals["Z"]); err != nil {
			return nil, fmt.Errorf("Z: %w", err)
		}
		if c.RedshiftErr, err = asFloat64(vals["ZERR"]); err != nil {
			return nil, fmt.Errorf("ZERR: %w", err)
		}
		if c.ZWarn, err = asInt64(vals["ZWARN"]); err != nil {
			return nil, fmt.Errorf("ZWARN: %w", err)
		}
		specType, ok := vals["SPECTYPE"].(string)
		if !ok {
			return nil, fmt.Errorf("%w: SPECTYPE holds %T", errLayout, vals["SPECTYPE"])
		}
		c.SpectralType = strings.TrimRight(specType, "\x00 ")
		if c.DeltaChi2, err = asFloat64(vals["DELTACHI2"]); err != nil {
			return nil, fmt.Errorf("DELTACHI2: %w", err)
		}
		if _, dup := out[c.ObjectID]; dup {
			return nil, fmt.Errorf("%w: duplicate TARGETID %d in %s", errLayout, id, hduRedshifts)
		}
		out[c.ObjectID] = c
	}
	return out, nil
}

// scanRow reads the named columns of one row, each in the Go type its TFORM
// maps to. fitsio indexes the heap without bounds checks, so a bad array
// descriptor panics; that is reported as a layout error.
func scanRow(tbl *fitsio.Table, row int64, cols []string) (vals map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			vals, err = nil, fmt.Errorf("%w: row %d: %v", errLayout, row, r)
		}
	}()
	rows, err := tbl.Read(row, row+1)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, fmt.Errorf("%w: row %d out of range", errLayout, row)
	}
	vals = make(map[string]any, len(cols))
	for _, name := range cols {
		vals[name] = nil
	}
	if err := rows.Scan(&vals); err != nil {
		return nil, err
	}
	return vals, nil
}

func asInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int32:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	}
	return 0, fmt.Errorf("%w: %T is not an integer", errLayout, v)
}

func asFloat64(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	}
	if i, err := asInt64(v); err == nil {
		return float64(i), nil
	}
	return 0, fmt.Errorf("%w: %T is not a number", errLayout, v)
}

func asFloat64s(v any) ([]float64, error) {
	switch x := v.(type) {
	case []float64:
		return x, nil
	case []float32:
		out := make([]float64, len(x))
		for i, f := range x {
			out[i] = float64(f)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %T is not a float array", errLayout, v)
}

func asInt64s(v any) ([]int64, error) {
	out := func(n int, at func(int) int64) []int64 {
		s := make([]int64, n)
		for i := range s {
			s[i] = at(i)
		}
		return s
	}
	switch x := v.(type) {
	case []int64:
		return x, nil
	case []int32:
		return out(len(x), func(i int) int64 { return int64(x[i]) }), nil
	case []int16:
		return out(len(x), func(i int) int64 { return int64(x[i]) }), nil
	case []uint8:
		return out(len(x), func(i int) int64 { return int64(x[i]) }), nil
	}
	return nil, fmt.Errorf("%w: %T is not an integer array", errLayout, v)
}

// Key returns the tile key the file was opened under.
func (t *Tile) Key() tile.Key { return t.key }

// Len returns the number of rows in the spectra table.
func (t *Tile) Len() int64 { return t.spectra.NumRows() }

// Close releases the decoded file.
func (t *Tile) Close() error {
	if t == nil || t.file == nil {
		return nil
	}
	return t.file.Close()
}
