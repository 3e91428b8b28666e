package tile

import (
	"context"
	"io"
	"net/http"

	"specscan/internal/faults"
)

// ObjectInfo is what a source advertises about a remote tile.
type ObjectInfo struct {
	Size         int64 // -1 when unknown
	ChecksumAlgo string
	Checksum     string // lower-case hex
}

// Source is a remote object store with ranged reads.
type Source interface {
	Name() string
	Stat(ctx context.Context, key Key) (ObjectInfo, error)
	// OpenRange returns the object body starting at offset. ranged is false
	// when the source ignored the offset and returned the whole object.
	OpenRange(ctx context.Context, key Key, offset int64) (body io.ReadCloser, ranged bool, err error)
}

// classifyStatus maps an HTTP-style status code to a fetch marker.
func classifyStatus(code int) error {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return faults.ErrRetryableFetch
	case code >= 400:
		return faults.ErrPermanentFetch
	default:
		return nil
	}
}
