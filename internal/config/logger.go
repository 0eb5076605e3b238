package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Logger writes timestamped log lines to <dataDir>/parley.log.
type Logger struct {
	mu    sync.Mutex
	file  *os.File
	quiet bool
}

// LogPath returns the log file path under dataDir (for tools to read).
func LogPath(dataDir string) string {
	if dataDir == "" {
		return ""
	}
	return filepath.Join(dataDir, "parley.log")
}

// NewLogger creates a logger that appends to <dataDir>/parley.log. A
// logger that cannot open its file silently drops output.
func NewLogger(dataDir string) *Logger {
	l := &Logger{}

	p := LogPath(dataDir)
	if p == "" {
		return l
	}

	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return l
	}

	l.file = f
	return l
}

// SetQuiet suppresses mirroring log lines to stderr.
func (l *Logger) SetQuiet(quiet bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.quiet = quiet
}

// Printf writes a timestamped log line to the log file.
func (l *Logger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := time.Now().UTC().Format("2006-01-02T15:04:05Z")
	if l.file != nil {
		fmt.Fprintf(l.file, ts+" "+format+"\n", args...)
	}
	if !l.quiet {
		fmt.Fprintf(os.Stderr, ts+" "+format+"\n", args...)
	}
}

// Close closes the log file.
func (l *Logger) Close() {
	if l.file != nil {
		l.file.Close()
	}
}
