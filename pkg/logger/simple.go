// Package logger provides the platform's core.Logger implementations:
// a zap-backed production logger and a plain stderr logger for the CLI
// and tests.
package logger

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

// Level is the logging threshold.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// ParseLevel reads a level name. Unknown names mean info.
func ParseLevel(s string) Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return DebugLevel
	case "INFO":
		return InfoLevel
	case "WARN", "WARNING":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// SimpleLogger writes level-filtered key=value lines to stderr.
type SimpleLogger struct {
	mu    sync.Mutex
	level Level
	out   *log.Logger
}

// NewSimpleLogger creates a stderr logger at the given level.
func NewSimpleLogger(level string) *SimpleLogger {
	return &SimpleLogger{
		level: ParseLevel(level),
		out:   log.New(os.Stderr, "", log.LstdFlags|log.LUTC),
	}
}

func (l *SimpleLogger) Debug(msg string, fields map[string]interface{}) {
	l.write(DebugLevel, "DEBUG", msg, fields)
}

func (l *SimpleLogger) Info(msg string, fields map[string]interface{}) {
	l.write(InfoLevel, "INFO", msg, fields)
}

func (l *SimpleLogger) Warn(msg string, fields map[string]interface{}) {
	l.write(WarnLevel, "WARN", msg, fields)
}

func (l *SimpleLogger) Error(msg string, fields map[string]interface{}) {
	l.write(ErrorLevel, "ERROR", msg, fields)
}

// SetLevel changes the threshold at runtime.
func (l *SimpleLogger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = ParseLevel(level)
}

func (l *SimpleLogger) write(level Level, tag, msg string, fields map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level {
		return
	}
	var b strings.Builder
	b.WriteString(tag)
	b.WriteString(" ")
	b.WriteString(msg)
	for _, k := range sortedKeys(fields) {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	l.out.Println(b.String())
}

func sortedKeys(fields map[string]interface{}) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NewDefaultLogger returns the logger used when nothing is configured.
func NewDefaultLogger() core.Logger {
	return NewSimpleLogger("info")
}
