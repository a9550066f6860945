package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("session_id: s1\nsinks:\n  - type: stdout\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Capture.Interval != time.Second {
		t.Errorf("Capture.Interval = %v", cfg.Capture.Interval)
	}
	if cfg.Capture.HrefPrefix != "app://" {
		t.Errorf("Capture.HrefPrefix = %q", cfg.Capture.HrefPrefix)
	}
	if cfg.Batch.Window != 5*time.Second || cfg.Batch.MaxEvents != 500 {
		t.Errorf("Batch = %+v", cfg.Batch)
	}
	if cfg.Upload.MaxAttempts != 5 || cfg.Upload.DB != "replay-uploads.db" {
		t.Errorf("Upload = %+v", cfg.Upload)
	}
}

func TestParse_Values(t *testing.T) {
	data := `
session_id: abc
capture:
  interval: 250ms
  full_snapshot_every: 20
batch:
  window: 2s
  max_events: 50
sinks:
  - type: webhook
    url: http://localhost:8090/v1/replay/batches
    gzip: true
upload:
  max_attempts: 3
`
	cfg, err := Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Capture.Interval != 250*time.Millisecond || cfg.Capture.FullSnapshotEvery != 20 {
		t.Errorf("Capture = %+v", cfg.Capture)
	}
	if cfg.Batch.MaxEvents != 50 {
		t.Errorf("Batch.MaxEvents = %d", cfg.Batch.MaxEvents)
	}
	s := cfg.Sinks[0]
	if !s.Gzip || s.Retries != 3 {
		t.Errorf("webhook sink = %+v, want gzip and default retries", s)
	}
	if cfg.Upload.MaxAttempts != 3 {
		t.Errorf("Upload.MaxAttempts = %d", cfg.Upload.MaxAttempts)
	}
}

func TestParse_UnknownSinkType(t *testing.T) {
	if _, err := Parse([]byte("sinks:\n  - type: nats\n")); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestParse_WebhookRequiresURL(t *testing.T) {
	_, err := Parse([]byte("sinks:\n  - type: webhook\n"))
	if err == nil || !strings.Contains(err.Error(), "requires url") {
		t.Fatalf("got %v", err)
	}
}

func TestParse_InvalidURL(t *testing.T) {
	if _, err := Parse([]byte("sinks:\n  - type: queue\n    url: not a url\n")); err == nil {
		t.Fatal("expected url validation error")
	}
}

func TestValidate_NegativeFullSnapshotEvery(t *testing.T) {
	cfg := Default()
	cfg.Capture.FullSnapshotEvery = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recorder.yaml")
	if err := os.WriteFile(path, []byte("session_id: file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.SessionID != "file" {
		t.Errorf("SessionID = %q", cfg.SessionID)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if len(cfg.Sinks) != 1 || cfg.Sinks[0].Type != "stdout" {
		t.Fatalf("Sinks = %+v", cfg.Sinks)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
