package logging

// Leveled logging for mbmap.

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents the logging level
type LogLevel int

const (
	LogLevelSilent LogLevel = iota
	LogLevelError
	LogLevelInfo
	LogLevelVerbose
	LogLevelDebug
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelSilent:
		return "silent"
	case LogLevelError:
		return "error"
	case LogLevelInfo:
		return "info"
	case LogLevelVerbose:
		return "verbose"
	case LogLevelDebug:
		return "debug"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel parses a level name as used in the config file.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "silent", "quiet":
		return LogLevelSilent, nil
	case "error":
		return LogLevelError, nil
	case "", "info":
		return LogLevelInfo, nil
	case "verbose":
		return LogLevelVerbose, nil
	case "debug":
		return LogLevelDebug, nil
	default:
		return LogLevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// FileOptions configures the rotating log file. An empty Path disables it.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Logger writes leveled messages to the console and an optional rotating
// log file.
type Logger struct {
	mu      sync.Mutex
	level   LogLevel
	file    io.WriteCloser
	fileLog *log.Logger
	console *log.Logger // stderr; stdout is left to command output
}

// NewLogger creates a logger. The log file, if any, is created immediately
// so a bad path is reported here rather than on the first message.
func NewLogger(level LogLevel, opts FileOptions) (*Logger, error) {
	l := &Logger{
		level:   level,
		console: log.New(os.Stderr, "", 0),
	}

	if opts.Path != "" {
		probe, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("create log file: %w", err)
		}
		probe.Close()

		rotator := &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		l.file = rotator
		l.fileLog = log.New(rotator, "", log.LstdFlags|log.Lmicroseconds)
	}

	return l, nil
}

// NewWriterLogger sends every message at or below level to w and nothing
// to the console.
func NewWriterLogger(level LogLevel, w io.Writer) *Logger {
	quiet := log.New(io.Discard, "", 0)
	return &Logger{level: level, fileLog: log.New(w, "", 0), console: quiet}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return NewWriterLogger(LogLevelSilent, io.Discard)
}

// Close closes the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Error logs an error message
func (l *Logger) Error(format string, v ...interface{}) {
	if l.level >= LogLevelError {
		l.write(fmt.Sprintf("ERROR: "+format, v...), true)
	}
}

// Info logs an info message
func (l *Logger) Info(format string, v ...interface{}) {
	if l.level >= LogLevelInfo {
		l.write(fmt.Sprintf("INFO: "+format, v...), false)
	}
}

// Verbose logs a verbose message
func (l *Logger) Verbose(format string, v ...interface{}) {
	if l.level >= LogLevelVerbose {
		l.write(fmt.Sprintf("VERBOSE: "+format, v...), false)
	}
}

// Debug logs a debug message
func (l *Logger) Debug(format string, v ...interface{}) {
	if l.level >= LogLevelDebug {
		l.write(fmt.Sprintf("DEBUG: "+format, v...), false)
	}
}

// write sends msg to the file and, for errors or verbose levels, the console.
func (l *Logger) write(msg string, isError bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fileLog != nil {
		l.fileLog.Println(msg)
	}

	// Errors always reach the console, other messages only at verbose
	// and above.
	if isError || l.level >= LogLevelVerbose {
		l.console.Println(msg)
	}
}

// SetLevel sets the logging level
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current logging level
func (l *Logger) GetLevel() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// LogPoll logs one live register read.
func (l *Logger) LogPoll(target string, unit uint8, addr, qty uint16, rttMs float64, err error) {
	if err != nil {
		l.Info("read %s unit %d %d+%d failed after %.1fms: %v", target, unit, addr, qty, rttMs, err)
		return
	}
	l.Verbose("read %s unit %d %d+%d ok (RTT %.1fms)", target, unit, addr, qty, rttMs)
}

// LogHex logs hex data at debug level, one space between bytes.
func (l *Logger) LogHex(label string, data []byte) {
	if l.level < LogLevelDebug {
		return
	}
	var sb strings.Builder
	for i, b := range data {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02x", b)
	}
	l.Debug("%s: %s", label, sb.String())
}
