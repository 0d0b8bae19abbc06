package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	t.Run("no file", func(t *testing.T) {
		l, err := NewLogger(LogLevelInfo, FileOptions{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer l.Close()
		if l.level != LogLevelInfo {
			t.Errorf("level = %d, want %d", l.level, LogLevelInfo)
		}
		if l.file != nil {
			t.Error("file should be nil when no path given")
		}
	})

	t.Run("with file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "test.log")
		l, err := NewLogger(LogLevelDebug, FileOptions{Path: path, MaxSizeMB: 1})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer l.Close()
		if l.fileLog == nil {
			t.Error("fileLog should not be nil")
		}
		if _, err := os.Stat(path); err != nil {
			t.Errorf("log file not created: %v", err)
		}
	})

	t.Run("invalid path", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "missing", "dir", "test.log")
		if _, err := NewLogger(LogLevelInfo, FileOptions{Path: path}); err == nil {
			t.Error("expected error for invalid path")
		}
	})
}

func TestLoggerLevels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	l, err := NewLogger(LogLevelInfo, FileOptions{Path: path})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	l.Error("error msg")
	l.Info("info msg")
	l.Verbose("verbose msg")
	l.Debug("debug msg")
	l.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	content := string(data)

	if !strings.Contains(content, "ERROR: error msg") {
		t.Error("log should contain error message")
	}
	if !strings.Contains(content, "INFO: info msg") {
		t.Error("log should contain info message")
	}
	if strings.Contains(content, "VERBOSE: verbose msg") {
		t.Error("log should NOT contain verbose message at Info level")
	}
	if strings.Contains(content, "DEBUG: debug msg") {
		t.Error("log should NOT contain debug message at Info level")
	}
}

func TestLoggerSilentLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger(LogLevelSilent, &buf)

	l.Error("should not appear")
	l.Info("should not appear")

	if buf.Len() > 0 {
		t.Errorf("silent logger wrote %q", buf.String())
	}
}

func TestWriterLoggerDebugLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger(LogLevelDebug, &buf)

	l.Error("e")
	l.Info("i")
	l.Verbose("v")
	l.Debug("d")

	for _, want := range []string{"ERROR: e", "INFO: i", "VERBOSE: v", "DEBUG: d"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("log should contain %q", want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"":        LogLevelInfo,
		"quiet":   LogLevelSilent,
		"ERROR":   LogLevelError,
		"verbose": LogLevelVerbose,
		" debug ": LogLevelDebug,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %s, %v; want %s", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestSetGetLevel(t *testing.T) {
	l := Discard()
	if l.GetLevel() != LogLevelSilent {
		t.Errorf("GetLevel() = %d, want %d", l.GetLevel(), LogLevelSilent)
	}
	l.SetLevel(LogLevelDebug)
	if l.GetLevel() != LogLevelDebug {
		t.Errorf("GetLevel() = %d, want %d", l.GetLevel(), LogLevelDebug)
	}
}

func TestLogPoll(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger(LogLevelVerbose, &buf)

	l.LogPoll("10.0.0.5:505", 247, 8061, 25, 12.5, nil)
	l.LogPoll("10.0.0.5:505", 247, 8061, 25, 1000, os.ErrDeadlineExceeded)

	content := buf.String()
	if !strings.Contains(content, "8061+25 ok (RTT 12.5ms)") {
		t.Errorf("missing success line: %s", content)
	}
	if !strings.Contains(content, "failed after 1000.0ms") {
		t.Errorf("missing failure line: %s", content)
	}
}

func TestLogHex(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger(LogLevelDebug, &buf)

	l.LogHex("packet", []byte{0xDE, 0xAD, 0xBE, 0xEF})
	if !strings.Contains(buf.String(), "packet: de ad be ef") {
		t.Errorf("should contain hex dump, got: %s", buf.String())
	}
}

func TestLogHex_SkipsAtLowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger(LogLevelInfo, &buf)

	l.LogHex("packet", []byte{0xDE, 0xAD})
	if buf.Len() > 0 {
		t.Error("LogHex at Info level should produce no output")
	}
}

func TestClose_NilFile(t *testing.T) {
	l, _ := NewLogger(LogLevelInfo, FileOptions{})
	if err := l.Close(); err != nil {
		t.Errorf("Close with nil file should not error: %v", err)
	}
}
