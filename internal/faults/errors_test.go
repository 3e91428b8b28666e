package faults_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"specscan/internal/faults"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("connection reset")
	err := faults.Wrap(faults.ErrRetryableFetch, "fetch", "download", "transfer interrupted", base)
	if !errors.Is(err, faults.ErrRetryableFetch) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"fetch", "download", "transfer interrupted"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestObjectErrorCarriesIdentifier(t *testing.T) {
	var err error = faults.NewObjectError(39627745, "main/dark/10032", "flux length 7 != wave length 8")
	wrapped := fmt.Errorf("extract: %w", err)

	var objErr *faults.ObjectError
	if !errors.As(wrapped, &objErr) {
		t.Fatalf("expected ObjectError in chain: %v", wrapped)
	}
	if objErr.ObjectID != 39627745 {
		t.Fatalf("unexpected object id %d", objErr.ObjectID)
	}
	if !errors.Is(wrapped, faults.ErrObjectExtraction) {
		t.Fatal("expected object extraction marker")
	}
	if !strings.Contains(err.Error(), "39627745") {
		t.Fatalf("message should name the object: %q", err)
	}
}

func TestCategoryAndFatal(t *testing.T) {
	tests := []struct {
		err      error
		category string
		fatal    bool
	}{
		{faults.Wrap(faults.ErrRetryableFetch, "fetch", "", "", nil), faults.CategoryRetryableFetch, false},
		{faults.Wrap(faults.ErrPermanentFetch, "fetch", "", "", nil), faults.CategoryPermanentFetch, true},
		{faults.Wrap(faults.ErrDataCorruption, "extract", "", "", nil), faults.CategoryDataCorruption, true},
		{faults.NewObjectError(1, "t", "x"), faults.CategoryObjectExtraction, false},
		{faults.Wrap(faults.ErrNormalization, "normalize", "", "", nil), faults.CategoryNormalization, true},
		{fmt.Errorf("stop: %w", context.Canceled), faults.CategoryCancelled, false},
		{errors.New("disk full"), faults.CategoryOther, true},
	}
	for _, tc := range tests {
		if got := faults.Category(tc.err); got != tc.category {
			t.Fatalf("Category(%v) = %q, want %q", tc.err, got, tc.category)
		}
		if got := faults.Fatal(faults.Category(tc.err)); got != tc.fatal {
			t.Fatalf("Fatal(%q) = %v, want %v", tc.category, got, tc.fatal)
		}
	}
	if faults.Category(nil) != "" {
		t.Fatal("nil error should have no category")
	}
}

func TestRetryable(t *testing.T) {
	if !faults.Retryable(faults.Wrap(faults.ErrRetryableFetch, "fetch", "get", "503", nil)) {
		t.Fatal("expected retryable")
	}
	if faults.Retryable(faults.Wrap(faults.ErrPermanentFetch, "fetch", "get", "404", nil)) {
		t.Fatal("permanent errors must not be retried")
	}
	if faults.Retryable(errors.New("plain")) {
		t.Fatal("unmarked errors must not be retried")
	}
}
