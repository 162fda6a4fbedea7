package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"capsule/internal/logging"
	"capsule/internal/services"
)

func boolPtr(v bool) *bool { return &v }

func TestConsoleLoggerRendersSubjectAndFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Level: "info", Format: "console", Output: &buf, Color: boolPtr(false)})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger = logging.NewComponentLogger(logger, "pipeline")
	logger.Info("stage completed",
		logging.String(logging.FieldRecordID, "0123456789abcdef"),
		logging.String(logging.FieldStage, "normalization"),
		logging.Int("chars", 42),
	)

	line := buf.String()
	for _, want := range []string{"INFO", "[pipeline]", "Record 01234567 (normalization)", "stage completed", "chars=42"} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %q in %q", want, line)
		}
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("expected no colour codes, got %q", line)
	}
	if strings.Contains(line, ".go:") {
		t.Fatalf("expected no caller at info level, got %q", line)
	}
}

func TestConsoleLoggerColourOverride(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Level: "info", Output: &buf, Color: boolPtr(true)})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Warn("careful")
	if !strings.Contains(buf.String(), "\x1b[33mWARN") {
		t.Fatalf("expected yellow warn label, got %q", buf.String())
	}
}

func TestDebugLevelIncludesCaller(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Level: "debug", Output: &buf, Color: boolPtr(false)})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Debug("trace")
	if !strings.Contains(buf.String(), "logger_test.go:") {
		t.Fatalf("expected caller in debug output, got %q", buf.String())
	}
}

func TestJSONLoggerRewritesKeys(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Level: "info", Format: "json", Output: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("hello", logging.String("k", "v"))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode json line: %v", err)
	}
	if entry["level"] != "info" || entry["msg"] != "hello" || entry["k"] != "v" {
		t.Fatalf("unexpected entry %#v", entry)
	}
	if _, ok := entry["ts"]; !ok {
		t.Fatalf("expected ts key, got %#v", entry)
	}
}

func TestUnsupportedFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestFileFanoutWritesJSON(t *testing.T) {
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "capsule.log")
	logger, err := logging.New(logging.Options{Level: "info", Output: &console, FilePath: path, Color: boolPtr(false)})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("fanned out")

	if !strings.Contains(console.String(), "fanned out") {
		t.Fatalf("console missing message: %q", console.String())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"fanned out"`) {
		t.Fatalf("file missing json record: %q", data)
	}
}

func TestWithContextAddsFields(t *testing.T) {
	var buf bytes.Buffer
	base, err := logging.New(logging.Options{Level: "info", Format: "json", Output: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	ctx := services.WithRecordID(context.Background(), "rec-1")
	ctx = services.WithStage(ctx, "semantic")
	ctx = services.WithRequestID(ctx, "corr-9")
	logging.WithContext(ctx, base).Info("tagged")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry[logging.FieldRecordID] != "rec-1" || entry[logging.FieldStage] != "semantic" || entry[logging.FieldCorrelationID] != "corr-9" {
		t.Fatalf("missing context fields: %#v", entry)
	}
}

func TestWarnWithContextInjectsDefaults(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Level: "info", Format: "json", Output: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logging.WarnWithContext(logger, "conflict", "claim_conflict")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry[logging.FieldEventType] != "claim_conflict" {
		t.Fatalf("expected event type, got %#v", entry)
	}
	if entry[logging.FieldErrorHint] == nil || entry[logging.FieldImpact] == nil {
		t.Fatalf("expected hint and impact defaults, got %#v", entry)
	}
}

func TestPruneLogsKeepsActiveAndRecent(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "capsule-old.log")
	active := filepath.Join(dir, "capsule.log")
	recent := filepath.Join(dir, "capsule-recent.log")
	for _, path := range []string{old, active, recent} {
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	past := time.Now().AddDate(0, 0, -30)
	for _, path := range []string{old, active} {
		if err := os.Chtimes(path, past, past); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	removed := logging.PruneLogs(logging.NewNop(), dir, "capsule*.log", active, 7)
	if removed != 1 {
		t.Fatalf("expected one file removed, got %d", removed)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("expected old log removed, stat err=%v", err)
	}
	for _, path := range []string{active, recent} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("expected %s to remain: %v", path, err)
		}
	}
}
