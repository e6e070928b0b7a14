package log

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestLogger(t *testing.T, format string, minLevel level) (*logger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	return &logger{
		filePath:     filepath.Join(t.TempDir(), "test.log"),
		maxSizeBytes: defaultMaxSizeBytes,
		format:       format,
		minLevel:     minLevel,
		console:      buf,
	}, buf
}

func TestLevelFilter(t *testing.T) {
	l, buf := newTestLogger(t, logFormatText, warnLevel)
	l.logf(infoLevel, "event=test action=skip")
	l.logf(errorLevel, "event=test action=keep")

	out := buf.String()
	if strings.Contains(out, "action=skip") {
		t.Fatalf("info line should be filtered: %q", out)
	}
	if !strings.Contains(out, "action=keep") {
		t.Fatalf("error line missing: %q", out)
	}
}

func TestJSONFormatWritesFile(t *testing.T) {
	l, _ := newTestLogger(t, logFormatJSON, debugLevel)
	l.logf(infoLevel, "event=test status=%s", "ok")
	if l.file != nil {
		_ = l.file.Close()
	}

	raw, err := os.ReadFile(l.filePath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var payload map[string]string
	if err := json.Unmarshal(bytes.TrimSpace(raw), &payload); err != nil {
		t.Fatalf("unmarshal log line %q: %v", raw, err)
	}
	if payload["level"] != "INFO" || payload["message"] != "event=test status=ok" {
		t.Fatalf("unexpected payload: %#v", payload)
	}
}

func TestRotateIfNeeded(t *testing.T) {
	l, _ := newTestLogger(t, logFormatText, debugLevel)
	l.maxSizeBytes = 64
	for i := 0; i < 5; i++ {
		l.logf(infoLevel, "event=rotate index=%d padding=%s", i, strings.Repeat("x", 20))
	}
	if l.file != nil {
		_ = l.file.Close()
	}

	entries, err := os.ReadDir(filepath.Dir(l.filePath))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected rotated files, got %d entries", len(entries))
	}
}

func TestFileLoggingDisabled(t *testing.T) {
	l, buf := newTestLogger(t, logFormatText, debugLevel)
	l.filePath = fileLoggingDisabled
	l.logf(infoLevel, "event=test")
	if l.file != nil {
		t.Fatal("file should not be opened when disabled")
	}
	if buf.Len() == 0 {
		t.Fatal("console output missing")
	}
}
