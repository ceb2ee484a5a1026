package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"plotter/pkg/types"
)

func newFileManager(t *testing.T, format string) (*Manager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logs", "test.log")
	m, err := NewManager(&Config{Level: "info", Format: format, Output: "file", OutputPath: path})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m, path
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	return string(data)
}

func TestNamedLoggerAddsModule(t *testing.T) {
	m, path := newFileManager(t, "text")

	logger, err := m.GetLogger("serial")
	if err != nil {
		t.Fatalf("GetLogger failed: %v", err)
	}
	logger.Info("Serial link connected", "baud_rate", 115200)

	out := readLog(t, path)
	if !strings.Contains(out, "module=serial") || !strings.Contains(out, "baud_rate=115200") {
		t.Errorf("unexpected log output: %s", out)
	}

	again, _ := m.GetLogger("serial")
	if again != logger {
		t.Error("expected the same logger instance for the same name")
	}
}

func TestSetLevelReachesDerivedLoggers(t *testing.T) {
	m, path := newFileManager(t, "text")

	logger, _ := m.GetLogger("executor")
	derived := logger.With("job_id", "abc")

	derived.Debug("hidden")
	if err := m.SetLevel("debug"); err != nil {
		t.Fatalf("SetLevel failed: %v", err)
	}
	derived.Debug("visible")

	out := readLog(t, path)
	if strings.Contains(out, "hidden") {
		t.Error("debug line written before level change")
	}
	if !strings.Contains(out, "visible") || !strings.Contains(out, "job_id=abc") {
		t.Errorf("debug line missing after level change: %s", out)
	}
	if m.Level() != "debug" {
		t.Errorf("expected level debug, got %s", m.Level())
	}

	if err := m.SetLevel("loud"); err == nil {
		t.Error("expected unknown level to be rejected")
	}
}

func TestJSONFormat(t *testing.T) {
	m, path := newFileManager(t, "json")

	logger, _ := m.GetLogger("session")
	logger.Warn("Session file unreadable", "path", "/tmp/x")

	line := strings.TrimSpace(readLog(t, path))
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, line)
	}
	if entry["module"] != "session" || entry["level"] != "WARN" {
		t.Errorf("unexpected entry %v", entry)
	}
}

func TestUpdateConfigSwitchesOutput(t *testing.T) {
	m, first := newFileManager(t, "text")
	logger, _ := m.GetLogger("ipc")

	second := filepath.Join(t.TempDir(), "second.log")
	if err := m.UpdateConfig(&Config{Level: "warn", Format: "text", Output: "file", OutputPath: second}); err != nil {
		t.Fatalf("UpdateConfig failed: %v", err)
	}

	logger.Info("dropped at warn")
	logger.Warn("kept")

	if strings.Contains(readLog(t, first), "kept") {
		t.Error("old output still in use")
	}
	out := readLog(t, second)
	if !strings.Contains(out, "kept") || strings.Contains(out, "dropped at warn") {
		t.Errorf("unexpected output after update: %s", out)
	}
	if !strings.Contains(out, "module=ipc") {
		t.Errorf("module attribute lost after rebuild: %s", out)
	}
}

func TestFromSystemConfig(t *testing.T) {
	c := FromSystemConfig(types.LoggingConfig{Level: "debug"})
	if c.Level != "debug" || c.Format != "text" || c.Output != "stdout" {
		t.Errorf("unexpected config %+v", c)
	}
}
