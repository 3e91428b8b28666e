package fileutil

import (
	"errors"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"
)

func TestFileDigestKnownValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tile.fits")
	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		algo string
		want string
	}{
		{SHA256, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"},
		{MD5, "5eb63bbbe01eeed093cb22bb8f5acdc3"},
		{CRC32C, CRC32CHex(crc32.Checksum([]byte("hello world"), crc32.MakeTable(crc32.Castagnoli)))},
	}
	for _, tc := range tests {
		got, n, err := FileDigest(path, tc.algo)
		if err != nil {
			t.Fatalf("%s: %v", tc.algo, err)
		}
		if n != 11 {
			t.Fatalf("%s: expected 11 bytes hashed, got %d", tc.algo, n)
		}
		if got != tc.want {
			t.Fatalf("%s: got %s want %s", tc.algo, got, tc.want)
		}
	}
	if got := SHA256Bytes([]byte("hello world")); got != tests[0].want {
		t.Fatalf("SHA256Bytes mismatch: %s", got)
	}
}

func TestVerifyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tile.fits")
	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := VerifyFile(path, 11, SHA256, "B94D27B9934D3E08A52E52D7DA7DABFAC484EFE37A5380EE9088F7ACE2EFCDE9"); err != nil {
		t.Fatalf("expected match (case-insensitive): %v", err)
	}
	if err := VerifyFile(path, -1, "", ""); err != nil {
		t.Fatalf("no expectations should pass: %v", err)
	}

	var mismatch *MismatchError
	if err := VerifyFile(path, 12, "", ""); !errors.As(err, &mismatch) || mismatch.Algorithm != "size" {
		t.Fatalf("expected size mismatch, got %v", err)
	}
	if err := VerifyFile(path, -1, MD5, "00"); !errors.As(err, &mismatch) || mismatch.Algorithm != MD5 {
		t.Fatalf("expected md5 mismatch, got %v", err)
	}
	if _, err := NewHasher("sha1"); err == nil {
		t.Fatal("expected unsupported algorithm error")
	}
}

func TestWriteFileAtomicReplacesContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "model.yaml")
	if err := WriteFileAtomic(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := WriteFileAtomic(path, []byte("v2"), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "v2" {
		t.Fatalf("unexpected content %q", got)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("unexpected mode %v", info.Mode().Perm())
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("temporary files left behind: %v", entries)
	}
}

func TestFileSize(t *testing.T) {
	dir := t.TempDir()
	if _, ok, err := FileSize(filepath.Join(dir, "missing")); ok || err != nil {
		t.Fatalf("missing file: ok=%v err=%v", ok, err)
	}
	path := filepath.Join(dir, "x.part")
	if err := os.WriteFile(path, make([]byte, 42), 0o644); err != nil {
		t.Fatal(err)
	}
	if n, ok, err := FileSize(path); !ok || err != nil || n != 42 {
		t.Fatalf("unexpected size %d ok=%v err=%v", n, ok, err)
	}
}
