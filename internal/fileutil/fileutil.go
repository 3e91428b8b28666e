// Package fileutil holds checksum and atomic-write helpers shared by the
// fetcher, the model artifact store and test fixtures.
package fileutil

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Supported checksum algorithms.
const (
	SHA256 = "sha256"
	MD5    = "md5"
	CRC32C = "crc32c"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// NewHasher returns a hash for algo. Digests are compared as lower-case hex;
// CRC32C is rendered as 8 hex digits of the big-endian checksum.
func NewHasher(algo string) (hash.Hash, error) {
	switch strings.ToLower(algo) {
	case SHA256:
		return sha256.New(), nil
	case MD5:
		return md5.New(), nil
	case CRC32C:
		return crc32.New(castagnoli), nil
	default:
		return nil, fmt.Errorf("unsupported checksum algorithm %q", algo)
	}
}

// FileDigest hashes the whole file at path.
func FileDigest(path, algo string) (string, int64, error) {
	h, err := NewHasher(algo)
	if err != nil {
		return "", 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", n, fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// SHA256Bytes returns the hex sha256 of data.
func SHA256Bytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CRC32CHex renders a CRC32C value the way NewHasher digests do.
func CRC32CHex(sum uint32) string {
	return fmt.Sprintf("%08x", sum)
}

// MismatchError reports a size or checksum disagreement.
type MismatchError struct {
	Path      string
	Algorithm string
	Want      string
	Got       string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s mismatch for %s: want %s got %s", e.Algorithm, e.Path, e.Want, e.Got)
}

// VerifyFile checks path against an expected size (ignored when < 0) and an
// expected digest (ignored when algo or want is empty).
func VerifyFile(path string, size int64, algo, want string) error {
	if size >= 0 {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if info.Size() != size {
			return &MismatchError{Path: path, Algorithm: "size", Want: fmt.Sprint(size), Got: fmt.Sprint(info.Size())}
		}
	}
	if algo == "" || want == "" {
		return nil
	}
	got, _, err := FileDigest(path, algo)
	if err != nil {
		return err
	}
	if !strings.EqualFold(got, want) {
		return &MismatchError{Path: path, Algorithm: algo, Want: strings.ToLower(want), Got: got}
	}
	return nil
}

// WriteFileAtomic writes data to a temporary sibling and renames it over path.
func WriteFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

// FileSize returns the size of path, or 0 with ok=false when it does not exist.
func FileSize(path string) (int64, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return info.Size(), true, nil
}
