package tile

import (
	"errors"
	"fmt"
	"testing"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"specscan/internal/faults"
	"specscan/internal/fileutil"
)

func TestParseDigestPrefersSHA256(t *testing.T) {
	algo, sum := parseDigest([]string{"md5=XrY7u+Ae7tCTyyK7j1rNww==", "sha-256=47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU="})
	if algo != fileutil.SHA256 || sum != "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Fatalf("unexpected digest %s:%s", algo, sum)
	}
	algo, sum = parseDigest([]string{"MD5=XrY7u+Ae7tCTyyK7j1rNww=="})
	if algo != fileutil.MD5 || sum != "5eb63bbbe01eeed093cb22bb8f5acdc3" {
		t.Fatalf("unexpected md5 digest %s:%s", algo, sum)
	}
	if algo, _ := parseDigest([]string{"unixsum=30637"}); algo != "" {
		t.Fatalf("unsupported digest should be ignored, got %s", algo)
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := map[int]error{
		200: nil,
		206: nil,
		404: faults.ErrPermanentFetch,
		403: faults.ErrPermanentFetch,
		408: faults.ErrRetryableFetch,
		429: faults.ErrRetryableFetch,
		503: faults.ErrRetryableFetch,
	}
	for code, want := range cases {
		if got := classifyStatus(code); got != want {
			t.Fatalf("classifyStatus(%d) = %v, want %v", code, got, want)
		}
	}
}

func TestClassifyGCS(t *testing.T) {
	key := Key{Survey: "sv3", Program: "bright", Pixel: 7}
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"missing object", fmt.Errorf("reader: %w", storage.ErrObjectNotExist), faults.ErrPermanentFetch},
		{"forbidden", &googleapi.Error{Code: 403}, faults.ErrPermanentFetch},
		{"throttled", &googleapi.Error{Code: 429}, faults.ErrRetryableFetch},
		{"range", &googleapi.Error{Code: 416}, ErrRangeNotSatisfiable},
		{"network", errors.New("connection reset"), faults.ErrRetryableFetch},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := classifyGCS("open", key, tc.err); !errors.Is(got, tc.want) {
				t.Fatalf("classifyGCS = %v, want %v", got, tc.want)
			}
		})
	}
}
