package tile

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"specscan/internal/faults"
	"specscan/internal/fileutil"
)

// GCSSource reads tiles from a Google Cloud Storage bucket mirror.
type GCSSource struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSSource creates a client using application default credentials
// unless opts say otherwise.
func NewGCSSource(ctx context.Context, bucket, prefix string, opts ...option.ClientOption) (*GCSSource, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCSSource{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *GCSSource) Name() string { return "gcs" }

// Close releases the storage client.
func (s *GCSSource) Close() error { return s.client.Close() }

func (s *GCSSource) object(key Key) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(path.Join(s.prefix, key.RemotePath()))
}

func (s *GCSSource) Stat(ctx context.Context, key Key) (ObjectInfo, error) {
	attrs, err := s.object(key).Attrs(ctx)
	if err != nil {
		return ObjectInfo{}, classifyGCS("stat", key, err)
	}
	info := ObjectInfo{Size: attrs.Size}
	switch {
	case len(attrs.MD5) > 0:
		info.ChecksumAlgo, info.Checksum = fileutil.MD5, hex.EncodeToString(attrs.MD5)
	default:
		// composite objects carry only CRC32C
		info.ChecksumAlgo, info.Checksum = fileutil.CRC32C, fileutil.CRC32CHex(attrs.CRC32C)
	}
	return info, nil
}

func (s *GCSSource) OpenRange(ctx context.Context, key Key, offset int64) (io.ReadCloser, bool, error) {
	reader, err := s.object(key).NewRangeReader(ctx, offset, -1)
	if err != nil {
		return nil, false, classifyGCS("get", key, err)
	}
	return reader, true, nil
}

func classifyGCS(op string, key Key, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return faults.Wrap(faults.ErrPermanentFetch, "fetch", op, key.String(), err)
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == 416 {
			return faults.Wrap(faults.ErrRetryableFetch, "fetch", op, key.String(), ErrRangeNotSatisfiable)
		}
		if marker := classifyStatus(gerr.Code); marker != nil {
			return faults.Wrap(marker, "fetch", op, key.String(), err)
		}
	}
	return faults.Wrap(faults.ErrRetryableFetch, "fetch", op, key.String(), err)
}
