package tile

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"specscan/internal/faults"
	"specscan/internal/fileutil"
)

// ErrRangeNotSatisfiable reports that the resume offset lies beyond the
// remote object; the partial file must be discarded.
var ErrRangeNotSatisfiable = errors.New("range not satisfiable")

// HTTPSource reads tiles from an HTTP(S) mirror laid out like the survey
// release tree.
type HTTPSource struct {
	baseURL   string
	client    *http.Client
	userAgent string
}

// NewHTTPSource creates a source rooted at baseURL. timeout bounds one
// request including the body transfer.
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    &http.Client{Timeout: timeout},
		userAgent: "specscan/1",
	}
}

func (s *HTTPSource) Name() string { return "http" }

func (s *HTTPSource) url(key Key) string {
	return s.baseURL + "/" + key.RemotePath()
}

func (s *HTTPSource) Stat(ctx context.Context, key Key) (ObjectInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.url(key), nil)
	if err != nil {
		return ObjectInfo{}, faults.Wrap(faults.ErrPermanentFetch, "fetch", "stat", "build request", err)
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Want-Digest", "sha-256, md5")
	resp, err := s.client.Do(req)
	if err != nil {
		return ObjectInfo{}, transportError("stat", err)
	}
	defer resp.Body.Close()
	if marker := classifyStatus(resp.StatusCode); marker != nil {
		return ObjectInfo{}, faults.Wrap(marker, "fetch", "stat", fmt.Sprintf("%s: %s", key, resp.Status), nil)
	}

	info := ObjectInfo{Size: resp.ContentLength}
	if info.Size < 0 {
		info.Size = -1
	}
	info.ChecksumAlgo, info.Checksum = parseDigest(resp.Header.Values("Digest"))
	return info, nil
}

func (s *HTTPSource) OpenRange(ctx context.Context, key Key, offset int64) (io.ReadCloser, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url(key), nil)
	if err != nil {
		return nil, false, faults.Wrap(faults.ErrPermanentFetch, "fetch", "get", "build request", err)
	}
	req.Header.Set("User-Agent", s.userAgent)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, false, transportError("get", err)
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		return resp.Body, true, nil
	case http.StatusOK:
		return resp.Body, offset == 0, nil
	case http.StatusRequestedRangeNotSatisfiable:
		_ = resp.Body.Close()
		return nil, false, faults.Wrap(faults.ErrRetryableFetch, "fetch", "get",
			fmt.Sprintf("%s: offset %d", key, offset), ErrRangeNotSatisfiable)
	}
	_ = resp.Body.Close()
	marker := classifyStatus(resp.StatusCode)
	if marker == nil {
		marker = faults.ErrRetryableFetch
	}
	return nil, false, faults.Wrap(marker, "fetch", "get", fmt.Sprintf("%s: %s", key, resp.Status), nil)
}

func transportError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return faults.Wrap(faults.ErrRetryableFetch, "fetch", op, "transport", err)
}

// parseDigest reads RFC 3230 Digest values ("sha-256=<base64>, md5=<base64>").
func parseDigest(values []string) (string, string) {
	found := map[string]string{}
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			name, encoded, ok := strings.Cut(strings.TrimSpace(part), "=")
			if !ok {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
			if err != nil {
				continue
			}
			found[strings.ToLower(name)] = hex.EncodeToString(raw)
		}
	}
	if sum, ok := found["sha-256"]; ok {
		return fileutil.SHA256, sum
	}
	if sum, ok := found["md5"]; ok {
		return fileutil.MD5, sum
	}
	return "", ""
}
