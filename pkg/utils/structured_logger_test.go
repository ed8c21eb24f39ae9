package utils

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newBufferLogger(t *testing.T, level LogLevel, format LogFormat) (*StructuredLogger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	logger, err := NewStructuredLogger(&StructuredLoggerConfig{Level: level, Output: buf, Format: format})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return logger, buf
}

func TestLogLevels(t *testing.T) {
	logger, buf := newBufferLogger(t, NOTICE, FormatText)

	logger.Debug("hidden debug")
	logger.Info("hidden info")
	logger.Notice("shown notice")
	logger.Warn("shown warn")
	logger.Error("shown error")

	output := buf.String()
	if strings.Contains(output, "hidden") {
		t.Errorf("Entries below NOTICE should be filtered: %s", output)
	}
	for _, want := range []string{"[NOTICE] shown notice", "[WARN] shown warn", "[ERROR] shown error"} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected output to contain %q, got %s", want, output)
		}
	}
}

func TestLogWithRuntimeLevel(t *testing.T) {
	logger, buf := newBufferLogger(t, DEBUG, FormatText)

	logger.Log(WARN, "worker 3: disk low", map[string]interface{}{"service": "echo"})

	output := buf.String()
	if !strings.Contains(output, "[WARN] worker 3: disk low {service=echo}") {
		t.Errorf("Unexpected output: %s", output)
	}
}

func TestWithFieldsAndComponent(t *testing.T) {
	logger, buf := newBufferLogger(t, DEBUG, FormatText)

	logger.WithComponent("router").WithField("endpoint", ":7000").Info("listening")

	output := buf.String()
	if !strings.Contains(output, "component=router") || !strings.Contains(output, "endpoint=:7000") {
		t.Errorf("Expected context fields in output, got %s", output)
	}
}

func TestJSONFormat(t *testing.T) {
	logger, buf := newBufferLogger(t, INFO, FormatJSON)

	logger.Info("spawned", map[string]interface{}{"worker_id": 7})

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Output is not valid JSON: %v (%s)", err, buf.String())
	}
	if entry.Level != "INFO" || entry.Message != "spawned" {
		t.Errorf("Unexpected entry: %+v", entry)
	}
	if entry.Fields["worker_id"] != float64(7) {
		t.Errorf("Expected worker_id field, got %v", entry.Fields)
	}
}

func TestCaller(t *testing.T) {
	buf := &bytes.Buffer{}
	logger, err := NewStructuredLogger(&StructuredLoggerConfig{Level: INFO, Output: buf, IncludeCaller: true})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	logger.Info("where am I")

	if !strings.Contains(buf.String(), "structured_logger_test.go:") {
		t.Errorf("Expected caller to point at the test file, got %s", buf.String())
	}
}

func TestRotationTeesOutput(t *testing.T) {
	buf := &bytes.Buffer{}
	logFile := filepath.Join(t.TempDir(), "echo-info.log")

	logger, err := NewStructuredLogger(&StructuredLoggerConfig{
		Level:    INFO,
		Output:   buf,
		Rotation: &RotationConfig{Filename: logFile},
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Close() }()

	logger.Info("to both")

	content, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(content), "to both") || !strings.Contains(buf.String(), "to both") {
		t.Errorf("Expected entry in console and file; console=%q file=%q", buf.String(), content)
	}
}

func TestNopLogger(t *testing.T) {
	logger := NewNopLogger()
	logger.Error("discarded")
	if logger.Enabled(ERROR) {
		t.Error("Nop logger should only enable FATAL")
	}
}
