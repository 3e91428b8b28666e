package tile

import (
	"fmt"
	"strconv"
	"strings"
)

// Key identifies one tile: a HEALPix pixel within a survey and program.
type Key struct {
	Survey  string
	Program string
	Pixel   int64
}

// String renders the key as survey/program/pixel.
func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%d", k.Survey, k.Program, k.Pixel)
}

// ParseKey parses the survey/program/pixel form produced by String.
func ParseKey(value string) (Key, error) {
	parts := strings.Split(strings.TrimSpace(value), "/")
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("tile key %q: want survey/program/pixel", value)
	}
	pixel, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("tile key %q: pixel: %w", value, err)
	}
	key := Key{Survey: parts[0], Program: parts[1], Pixel: pixel}
	if err := key.Validate(); err != nil {
		return Key{}, err
	}
	return key, nil
}

// Validate rejects keys that cannot be turned into safe paths.
func (k Key) Validate() error {
	for label, part := range map[string]string{"survey": k.Survey, "program": k.Program} {
		if part == "" {
			return fmt.Errorf("tile key: empty %s", label)
		}
		if strings.ContainsAny(part, `/\ `) || part == "." || part == ".." {
			return fmt.Errorf("tile key: invalid %s %q", label, part)
		}
	}
	if k.Pixel < 0 {
		return fmt.Errorf("tile key: negative pixel %d", k.Pixel)
	}
	return nil
}

// FileName is the coadd file name for the tile.
func (k Key) FileName() string {
	return fmt.Sprintf("coadd-%s-%s-%d.fits", k.Survey, k.Program, k.Pixel)
}

// RemotePath is the slash-separated location relative to the source root:
// healpix/<survey>/<program>/<pixel/100>/<pixel>/coadd-<survey>-<program>-<pixel>.fits
func (k Key) RemotePath() string {
	return fmt.Sprintf("healpix/%s/%s/%d/%d/%s", k.Survey, k.Program, k.Pixel/100, k.Pixel, k.FileName())
}
