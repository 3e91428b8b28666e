package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"specscan/internal/config"
)

const gib = 1 << 30

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckFreeSpace verifies the filesystem holding path has at least minGiB
// available to unprivileged users. minGiB <= 0 disables the threshold.
func CheckFreeSpace(name, path string, minGiB int) Result {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: statfs: %v)", path, err)}
	}
	free := float64(st.Bavail) * float64(st.Bsize) / gib
	detail := fmt.Sprintf("%.1f GiB free", free)
	if minGiB > 0 && free < float64(minGiB) {
		return Result{Name: name, Detail: fmt.Sprintf("%s, %d GiB required", detail, minGiB)}
	}
	return Result{Name: name, Passed: true, Detail: detail}
}

// CheckSource verifies the configured tile source looks reachable. HTTP
// sources get a HEAD request; directory mirrors must be readable; GCS only
// checks that an explicit credentials file, when named, can be read.
func CheckSource(ctx context.Context, src config.Source) Result {
	const name = "Tile source"

	switch src.Kind {
	case "dir":
		base := strings.TrimPrefix(src.BaseURL, "file://")
		if err := unix.Access(base, unix.R_OK|unix.X_OK); err != nil {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: %v)", base, err)}
		}
		return Result{Name: name, Passed: true, Detail: base + " (readable)"}
	case "gcs":
		if path := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); path != "" {
			if err := unix.Access(path, unix.R_OK); err != nil {
				return Result{Name: name, Detail: fmt.Sprintf("credentials %s unreadable: %v", path, err)}
			}
		}
		return Result{Name: name, Passed: true, Detail: "gs://" + src.Bucket + "/" + strings.TrimPrefix(src.Prefix, "/")}
	case "http":
		return checkHTTP(ctx, name, src.BaseURL)
	default:
		return Result{Name: name, Detail: fmt.Sprintf("unknown source kind %q", src.Kind)}
	}
}

func checkHTTP(ctx context.Context, name, baseURL string) Result {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return Result{Name: name, Detail: "missing url"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequestWithContext(checkCtx, http.MethodHead, base+"/", nil)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("check failed (%v)", err)}
	}
	resp, err := client.Do(req)
	if err != nil {
		return Result{Name: name, Detail: summarizeNetError(err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return Result{Name: name, Detail: fmt.Sprintf("server error (%d)", resp.StatusCode)}
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return Result{Name: name, Detail: fmt.Sprintf("access denied (%d)", resp.StatusCode)}
	default:
		return Result{Name: name, Passed: true, Detail: "Reachable"}
	}
}

// CheckEndpoint verifies a TCP endpoint accepts connections.
func CheckEndpoint(ctx context.Context, name, addr string) Result {
	checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(checkCtx, "tcp", addr)
	if err != nil {
		return Result{Name: name, Detail: summarizeNetError(err)}
	}
	_ = conn.Close()
	return Result{Name: name, Passed: true, Detail: addr + " (reachable)"}
}

func summarizeNetError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "check timed out (unresponsive)"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "check timed out (unreachable)"
	}
	return err.Error()
}
