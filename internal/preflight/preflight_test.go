package preflight

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"specscan/internal/config"
	"specscan/internal/faults"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckFreeSpace(t *testing.T) {
	dir := t.TempDir()
	if r := CheckFreeSpace("free", dir, 0); !r.Passed {
		t.Fatalf("expected pass without threshold, got: %s", r.Detail)
	}
	if r := CheckFreeSpace("free", dir, 1<<40); r.Passed {
		t.Fatalf("expected failure for an exabyte requirement, got: %s", r.Detail)
	}
	if r := CheckFreeSpace("free", filepath.Join(dir, "missing"), 1); r.Passed {
		t.Fatal("expected failure for missing path")
	}
}

func TestCheckSourceHTTP(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("expected HEAD, got %s", r.Method)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()

	if r := CheckSource(context.Background(), config.Source{Kind: "http", BaseURL: ok.URL}); !r.Passed {
		t.Fatalf("expected pass, got: %s", r.Detail)
	}
	if r := CheckSource(context.Background(), config.Source{Kind: "http", BaseURL: broken.URL}); r.Passed {
		t.Fatal("expected failure for 502")
	}
	if r := CheckSource(context.Background(), config.Source{Kind: "http"}); r.Passed {
		t.Fatal("expected failure for missing url")
	}
}

func TestCheckSourceDir(t *testing.T) {
	dir := t.TempDir()
	if r := CheckSource(context.Background(), config.Source{Kind: "dir", BaseURL: dir}); !r.Passed {
		t.Fatalf("expected pass, got: %s", r.Detail)
	}
	if r := CheckSource(context.Background(), config.Source{Kind: "dir", BaseURL: filepath.Join(dir, "x")}); r.Passed {
		t.Fatal("expected failure for missing mirror")
	}
}

func TestCheckEndpoint(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := lis.Addr().String()
	if r := CheckEndpoint(context.Background(), "model", addr); !r.Passed {
		t.Fatalf("expected pass, got: %s", r.Detail)
	}
	lis.Close()
	if r := CheckEndpoint(context.Background(), "model", addr); r.Passed {
		t.Fatal("expected failure after listener closed")
	}
}

func TestErrFoldsFailures(t *testing.T) {
	if err := Err([]Result{{Name: "a", Passed: true}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := Err([]Result{{Name: "a", Passed: true}, {Name: "b", Detail: "broken"}})
	if !errors.Is(err, faults.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestRunAllNilConfig(t *testing.T) {
	if results := RunAll(context.Background(), nil); results != nil {
		t.Fatalf("expected nil results, got %v", results)
	}
}
