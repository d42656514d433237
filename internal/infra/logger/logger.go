// Package logger implements a small leveled file logger, configured
// directly from config.LogConfig rather than loose positional
// arguments, with an optional per-component tag for distinguishing
// which part of the proxy (queue, manager, api, ...) emitted a line.
package logger

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/mediacache/proxy/internal/config"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

type Logger struct {
	fileLogger    *log.Logger
	level         Level
	includeStdout bool
	component     string
}

// New builds a Logger from the proxy's log configuration, creating (or
// appending to) the log file at cfg.Path.
func New(cfg config.LogConfig) (*Logger, error) {
	f, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", cfg.Path, err)
	}

	return &Logger{
		fileLogger:    log.New(f, "", 0),
		level:         ParseLevel(cfg.Level),
		includeStdout: cfg.IncludeStdout,
	}, nil
}

// WithComponent returns a derived Logger that tags every line with name,
// e.g. "[queue]", sharing the same underlying file and level.
func (l *Logger) WithComponent(name string) *Logger {
	derived := *l
	derived.component = name
	return &derived
}

func (l *Logger) log(lvl Level, prefix string, format string, v ...any) {
	if lvl < l.level {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	msg := fmt.Sprintf(format, v...)
	tag := prefix
	if l.component != "" {
		tag = prefix + " " + l.component
	}
	fullMsg := fmt.Sprintf("%s [%s] %s", timestamp, tag, msg)

	l.fileLogger.Println(fullMsg)

	// Debug spam would break progress bars/other CLI UI elements, so
	// only Info and above ever reach stdout.
	if l.includeStdout && lvl >= LevelInfo {
		fmt.Printf("\n%s", fullMsg)
	}
}

func ParseLevel(lvl string) Level {
	switch strings.ToLower(lvl) {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

func (l *Logger) Debug(f string, v ...any) { l.log(LevelDebug, "DEBUG", f, v...) }
func (l *Logger) Info(f string, v ...any)  { l.log(LevelInfo, "INFO", f, v...) }
func (l *Logger) Warn(f string, v ...any)  { l.log(LevelWarn, "WARN", f, v...) }
func (l *Logger) Error(f string, v ...any) { l.log(LevelError, "ERROR", f, v...) }
func (l *Logger) Fatal(f string, v ...any) { l.log(LevelFatal, "FATAL", f, v...); os.Exit(1) }

// Write lets a Logger double as an io.Writer, e.g. for echo's own
// internal logging hook.
func (l *Logger) Write(p []byte) (n int, err error) {
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		l.Info("%s", msg)
	}
	return len(p), nil
}
