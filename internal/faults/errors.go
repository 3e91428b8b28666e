package faults

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrRetryableFetch   = errors.New("retryable fetch error")
	ErrPermanentFetch   = errors.New("permanent fetch error")
	ErrDataCorruption   = errors.New("data corruption")
	ErrObjectExtraction = errors.New("object extraction error")
	ErrNormalization    = errors.New("normalization error")
	ErrConfiguration    = errors.New("configuration error")
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one of the
// exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrRetryableFetch
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// ObjectError reports a failure scoped to one object inside a tile. The rest
// of the tile keeps processing.
type ObjectError struct {
	ObjectID int64
	Tile     string
	Reason   string
	Err      error
}

// NewObjectError tags reason with ErrObjectExtraction for the given object.
func NewObjectError(objectID int64, tile, reason string) *ObjectError {
	return &ObjectError{ObjectID: objectID, Tile: tile, Reason: reason, Err: ErrObjectExtraction}
}

func (e *ObjectError) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString("object ")
	fmt.Fprintf(&b, "%d", e.ObjectID)
	if e.Tile != "" {
		b.WriteString(" in tile ")
		b.WriteString(e.Tile)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	if e.Err != nil {
		b.WriteString(" (")
		b.WriteString(e.Err.Error())
		b.WriteString(")")
	}
	return b.String()
}

func (e *ObjectError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Failure categories used by the run summary.
const (
	CategoryRetryableFetch   = "retryable_fetch"
	CategoryPermanentFetch   = "permanent_fetch"
	CategoryDataCorruption   = "data_corruption"
	CategoryObjectExtraction = "object_extraction"
	CategoryNormalization    = "normalization"
	CategoryConfiguration    = "configuration"
	CategoryCancelled        = "cancelled"
	CategoryOther            = "other"
)

// Category classifies err by the first matching marker.
func Category(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CategoryCancelled
	case errors.Is(err, ErrNormalization):
		return CategoryNormalization
	case errors.Is(err, ErrDataCorruption):
		return CategoryDataCorruption
	case errors.Is(err, ErrPermanentFetch):
		return CategoryPermanentFetch
	case errors.Is(err, ErrObjectExtraction):
		return CategoryObjectExtraction
	case errors.Is(err, ErrRetryableFetch):
		return CategoryRetryableFetch
	case errors.Is(err, ErrConfiguration):
		return CategoryConfiguration
	default:
		return CategoryOther
	}
}

// Fatal reports whether a failure of the given category leaves work undone
// and must surface as a non-zero exit.
func Fatal(category string) bool {
	switch category {
	case CategoryPermanentFetch, CategoryDataCorruption, CategoryNormalization,
		CategoryConfiguration, CategoryOther:
		return true
	default:
		return false
	}
}

// Retryable reports whether err should be attempted again by the fetch retry
// policy.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanentFetch) || errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrRetryableFetch)
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "pipeline failure"
	}
	return strings.Join(parts, ": ")
}
