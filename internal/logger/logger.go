package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level represents different types of log entries
type Level string

const (
	LevelInfo    Level = "INFO"
	LevelWarning Level = "WARN"
	LevelError   Level = "ERROR"
	LevelTrade   Level = "TRADE"
	LevelRisk    Level = "RISK"
)

// Logger writes engine activity to a dated log file, optionally echoing
// to stdout when debug mode is on.
type Logger struct {
	name    string
	logFile *os.File
	logger  *log.Logger
	debug   bool
	mu      sync.Mutex
}

// New creates a logger writing to <dir>/<name>_<date>.log
func New(dir, name string, debug bool) (*Logger, error) {
	if dir == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	filename := fmt.Sprintf("%s_%s.log", name, time.Now().Format("2006-01-02"))
	logPath := filepath.Join(dir, filename)

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	var out io.Writer = file
	if debug {
		out = io.MultiWriter(file, os.Stdout)
	}

	l := &Logger{
		name:    name,
		logFile: file,
		logger:  log.New(out, "", 0),
		debug:   debug,
	}
	l.writeSessionHeader(logPath)
	return l, nil
}

// NewNop returns a logger that discards everything. Intended for tests.
func NewNop() *Logger {
	return &Logger{
		name:   "nop",
		logger: log.New(io.Discard, "", 0),
	}
}

func (l *Logger) writeSessionHeader(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.Printf(`
================================================================================
TRADING ENGINE SESSION STARTED
================================================================================
Component: %s
Started:   %s
Log File:  %s
================================================================================
`, l.name, time.Now().Format("2006-01-02 15:04:05"), path)
}

// Log writes a formatted log entry with the specified level
func (l *Logger) Log(level Level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("[%s] [%s] %s", timestamp, level, message)
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.Log(LevelInfo, format, args...)
}

// Warning logs a warning message
func (l *Logger) Warning(format string, args ...interface{}) {
	l.Log(LevelWarning, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.Log(LevelError, format, args...)
}

// Trade logs an order or fill action
func (l *Logger) Trade(format string, args ...interface{}) {
	l.Log(LevelTrade, format, args...)
}

// Risk logs a risk-control decision
func (l *Logger) Risk(format string, args ...interface{}) {
	l.Log(LevelRisk, format, args...)
}

// Close flushes and closes the underlying log file
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logFile == nil {
		return nil
	}
	return l.logFile.Close()
}
