package testsupport

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/astrogo/fitsio"

	"specscan/internal/tile"
)

// TileObject is one object written into a fixture tile.
type TileObject struct {
	ID        int64
	SpecType  string
	ZWarn     int64
	DeltaChi2 float64
	Z         float64
	Wave      []float64
	Flux      []float64
	Ivar      []float64
	Mask      []int32

	// NoRedshift leaves the object out of the REDSHIFTS table.
	NoRedshift bool
}

// QSO builds a qualifying object with flux f(w) sampled on wave, unit
// inverse variance and a clean mask.
func QSO(id int64, wave []float64, f func(w float64) float64) TileObject {
	obj := TileObject{ID: id, SpecType: "QSO", DeltaChi2: 100, Z: 2.1, Wave: wave}
	obj.Flux = make([]float64, len(wave))
	obj.Ivar = make([]float64, len(wave))
	obj.Mask = make([]int32, len(wave))
	for i, w := range wave {
		obj.Flux[i] = f(w)
		obj.Ivar[i] = 1
	}
	return obj
}

// Wavelengths returns n evenly spaced samples from start in steps of step.
func Wavelengths(start, step float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

type redshiftRow struct {
	TargetID  int64   `fits:"TARGETID"`
	Z         float64 `fits:"Z"`
	ZErr      float64 `fits:"ZERR"`
	ZWarn     int64   `fits:"ZWARN"`
	SpecType  string  `fits:"SPECTYPE"`
	DeltaChi2 float64 `fits:"DELTACHI2"`
}

type spectrumRow struct {
	TargetID int64     `fits:"TARGETID"`
	Wave     []float64 `fits:"WAVE"`
	Flux     []float32 `fits:"FLUX"`
	Ivar     []float32 `fits:"IVAR"`
	Mask     []int32   `fits:"MASK"`
}

// TileBytes encodes objects as a tile file for key.
func TileBytes(t testing.TB, key tile.Key, objects ...TileObject) []byte {
	t.Helper()

	var buf bytes.Buffer
	f, err := fitsio.Create(&buf)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	phdu, err := fitsio.NewPrimaryHDU(nil)
	if err != nil {
		t.Fatalf("primary: %v", err)
	}
	defer phdu.Close()
	if err := phdu.Header().Append(
		fitsio.Card{Name: "SURVEY", Value: key.Survey},
		fitsio.Card{Name: "PROGRAM", Value: key.Program},
		fitsio.Card{Name: "HPXPIXEL", Value: key.Pixel},
	); err != nil {
		t.Fatalf("primary cards: %v", err)
	}
	if err := f.Write(phdu); err != nil {
		t.Fatalf("write primary: %v", err)
	}

	redshifts, err := fitsio.NewTable("REDSHIFTS", []fitsio.Column{
		{Name: "TARGETID", Format: "K"},
		{Name: "Z", Format: "D"},
		{Name: "ZERR", Format: "D"},
		{Name: "ZWARN", Format: "K"},
		{Name: "SPECTYPE", Format: "6A"},
		{Name: "DELTACHI2", Format: "D"},
	}, fitsio.BINARY_TBL)
	if err != nil {
		t.Fatalf("redshifts table: %v", err)
	}
	defer redshifts.Close()
	spectra, err := fitsio.NewTable("SPECTRA", []fitsio.Column{
		{Name: "TARGETID", Format: "K"},
		{Name: "WAVE", Format: "PD"},
		{Name: "FLUX", Format: "PE"},
		{Name: "IVAR", Format: "PE"},
		{Name: "MASK", Format: "PJ"},
	}, fitsio.BINARY_TBL)
	if err != nil {
		t.Fatalf("spectra table: %v", err)
	}
	defer spectra.Close()

	for _, obj := range objects {
		if !obj.NoRedshift {
			row := redshiftRow{TargetID: obj.ID, Z: obj.Z, ZErr: 0.001, ZWarn: obj.ZWarn, SpecType: obj.SpecType, DeltaChi2: obj.DeltaChi2}
			if err := redshifts.Write(&row); err != nil {
				t.Fatalf("append redshift %d: %v", obj.ID, err)
			}
		}
		row := spectrumRow{TargetID: obj.ID, Wave: obj.Wave, Flux: float32s(obj.Flux), Ivar: float32s(obj.Ivar), Mask: obj.Mask}
		if err := spectra.Write(&row); err != nil {
			t.Fatalf("append spectrum %d: %v", obj.ID, err)
		}
	}
	if err := f.Write(redshifts); err != nil {
		t.Fatalf("write redshifts: %v", err)
	}
	if err := f.Write(spectra); err != nil {
		t.Fatalf("write spectra: %v", err)
	}
	return buf.Bytes()
}

func float32s(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}

// WriteTile writes a fixture tile to path.
func WriteTile(t testing.TB, path string, key tile.Key, objects ...TileObject) string {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, TileBytes(t, key, objects...), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// WriteMirrorTile writes a fixture tile into a directory-source mirror at the
// tile's remote path.
func WriteMirrorTile(t testing.TB, root string, key tile.Key, objects ...TileObject) string {
	t.Helper()
	return WriteTile(t, filepath.Join(root, filepath.FromSlash(key.RemotePath())), key, objects...)
}
