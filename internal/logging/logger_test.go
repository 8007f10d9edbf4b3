package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestWriterLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, "Test", WARN)

	logger.Debug("dropped %d", 1)
	logger.Info("dropped %d", 2)
	logger.Warn("kept %d", 3)
	logger.Error("kept %d", 4)

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("expected sub-threshold lines to be dropped, got %q", out)
	}
	if !strings.Contains(out, "kept 3") || !strings.Contains(out, "kept 4") {
		t.Fatalf("expected WARN and ERROR lines, got %q", out)
	}
	if !strings.Contains(out, "[Test]") {
		t.Fatalf("expected component tag, got %q", out)
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) returned nil")
	}
	var typed *stdLogger
	if !IsNil(Logger(typed)) {
		t.Fatal("expected typed nil to be detected")
	}
	logger := NewComponentLogger("X")
	if OrNop(logger) != logger {
		t.Fatal("OrNop should pass through a real logger")
	}
}
