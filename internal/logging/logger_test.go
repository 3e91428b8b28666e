package logging_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"specscan/internal/config"
	"specscan/internal/faults"
	"specscan/internal/logging"
)

func TestConsoleLoggerFormatsComponentAndContext(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	ctx := faults.WithStage(faults.WithTile(context.Background(), "main/dark/10032"), "fetch")
	logger = logging.WithContext(ctx, logging.NewComponentLogger(logger, "fetcher"))
	logger.Info("tile fetched", logging.Int64("bytes", 2048))
	logger.Debug("suppressed at info")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := string(content)
	for _, fragment := range []string{"INFO fetcher [fetch main/dark/10032] tile fetched", "bytes=2048"} {
		if !strings.Contains(line, fragment) {
			t.Fatalf("expected %q in %q", fragment, line)
		}
	}
	if strings.Contains(line, "suppressed") {
		t.Fatal("debug record should be filtered at info level")
	}
	if strings.Contains(line, ".go:") {
		t.Fatalf("expected no source location at info level, got %q", line)
	}
}

func TestJSONLoggerEmitsStructuredFields(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "json.log")
	logger, err := logging.New(logging.Options{Format: "json", Level: "debug", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("object skipped", logging.ObjectID(42), logging.String(logging.FieldEventType, "object_skipped"))

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(content))), &payload); err != nil {
		t.Fatalf("invalid json log line: %v", err)
	}
	if payload["level"] != "info" {
		t.Fatalf("unexpected level: %v", payload["level"])
	}
	if payload[logging.FieldObjectID] != float64(42) {
		t.Fatalf("unexpected object id: %v", payload[logging.FieldObjectID])
	}
	if _, ok := payload["ts"]; !ok {
		t.Fatal("expected ts key")
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestNewFromConfigWritesRunLogAndPrunesOldOnes(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.LogDir = t.TempDir()
	cfg.Logging.RetentionDays = 7

	stale := filepath.Join(cfg.Paths.LogDir, "specscan-20200101T000000Z-deadbeef.log")
	if err := os.WriteFile(stale, []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write stale log: %v", err)
	}
	old := time.Now().AddDate(0, 0, -30)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	logger, runLog, err := logging.NewFromConfig(&cfg, "0f8c2a7e-1111-2222-3333-444455556666")
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	logger.Debug("run started", logging.String(logging.FieldEventType, "run_start"))

	if !strings.Contains(filepath.Base(runLog), "0f8c2a7e") {
		t.Fatalf("run log should embed short run id: %s", runLog)
	}
	data, err := os.ReadFile(runLog)
	if err != nil {
		t.Fatalf("read run log: %v", err)
	}
	if !strings.Contains(string(data), "run_start") {
		t.Fatalf("run log missing debug record: %s", data)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("expected stale run log pruned, stat err=%v", err)
	}
}

func TestProgressSamplerEmitsOncePerBucket(t *testing.T) {
	s := logging.NewProgressSampler(25)
	var emitted []int64
	for done := int64(0); done <= 100; done += 5 {
		if s.ShouldLog(done, 100) {
			emitted = append(emitted, done)
		}
	}
	want := []int64{0, 25, 50, 75, 100}
	if len(emitted) != len(want) {
		t.Fatalf("emitted %v, want %v", emitted, want)
	}
	for i := range want {
		if emitted[i] != want[i] {
			t.Fatalf("emitted %v, want %v", emitted, want)
		}
	}
	if s.ShouldLog(10, 0) {
		t.Fatal("unknown totals should not log")
	}
	s.Reset()
	if !s.ShouldLog(0, 100) {
		t.Fatal("reset should allow the first bucket again")
	}
}
