package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestNew_WritesJSONToServiceFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	log, err := New("uptimed", dir, "debug")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	log.Debug("test_message_from_logging_test")
	_ = log.Sync()

	raw, err := os.ReadFile(filepath.Join(dir, "uptimed.log"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(raw, &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, raw)
	}
	if entry["msg"] != "test_message_from_logging_test" || entry["service"] != "uptimed" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if _, ok := entry["ts"]; !ok {
		t.Fatalf("missing ts key: %v", entry)
	}
}

func TestNew_LevelFiltersDebug(t *testing.T) {
	dir := t.TempDir()
	log, err := New("quiet", dir, "warn")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Info("dropped")
	_ = log.Sync()
	if raw, _ := os.ReadFile(filepath.Join(dir, "quiet.log")); len(raw) != 0 {
		t.Fatalf("info must be filtered at warn level, got %s", raw)
	}
}

func TestNew_BadLevel(t *testing.T) {
	if _, err := New("x", t.TempDir(), "loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
