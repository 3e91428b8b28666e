package tile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"specscan/internal/faults"
	"specscan/internal/fileutil"
)

// DirSource reads tiles from a local directory mirror. A "<file>.sha256"
// sidecar, when present, supplies the expected checksum.
type DirSource struct {
	root string
}

// NewDirSource creates a source rooted at root.
func NewDirSource(root string) *DirSource {
	return &DirSource{root: root}
}

func (s *DirSource) Name() string { return "dir" }

func (s *DirSource) path(key Key) string {
	return filepath.Join(s.root, filepath.FromSlash(key.RemotePath()))
}

func (s *DirSource) Stat(ctx context.Context, key Key) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}
	p := s.path(key)
	st, err := os.Stat(p)
	if err != nil {
		return ObjectInfo{}, classifyFS("stat", key, err)
	}
	info := ObjectInfo{Size: st.Size()}
	if sidecar, err := os.ReadFile(p + ".sha256"); err == nil {
		fields := strings.Fields(string(sidecar))
		if len(fields) > 0 {
			info.ChecksumAlgo, info.Checksum = fileutil.SHA256, strings.ToLower(fields[0])
		}
	}
	return info, nil
}

func (s *DirSource) OpenRange(ctx context.Context, key Key, offset int64) (io.ReadCloser, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	f, err := os.Open(s.path(key))
	if err != nil {
		return nil, false, classifyFS("open", key, err)
	}
	if offset > 0 {
		st, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return nil, false, classifyFS("open", key, err)
		}
		if offset > st.Size() {
			_ = f.Close()
			return nil, false, faults.Wrap(faults.ErrRetryableFetch, "fetch", "open",
				fmt.Sprintf("%s: offset %d", key, offset), ErrRangeNotSatisfiable)
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			_ = f.Close()
			return nil, false, classifyFS("seek", key, err)
		}
	}
	return f, true, nil
}

func classifyFS(op string, key Key, err error) error {
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return faults.Wrap(faults.ErrPermanentFetch, "fetch", op, key.String(), err)
	}
	return faults.Wrap(faults.ErrRetryableFetch, "fetch", op, key.String(), err)
}
