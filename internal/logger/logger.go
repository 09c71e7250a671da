// Package logger is a thin wrapper around a process-wide slog text handler.
package logger

import (
	"io"
	"log/slog"
	"os"
)

var log *slog.Logger

func init() {
	level := slog.LevelInfo
	if os.Getenv("FACETRACK_DEBUG") == "true" {
		level = slog.LevelDebug
	}
	SetOutput(os.Stderr, level)
}

// SetOutput redirects log output. Tests use it to silence or capture logs.
func SetOutput(w io.Writer, level slog.Level) {
	opts := &slog.HandlerOptions{Level: level}
	log = slog.New(slog.NewTextHandler(w, opts))
}

func Debug(msg string, args ...any) {
	log.Debug(msg, args...)
}

func Info(msg string, args ...any) {
	log.Info(msg, args...)
}

func Warn(msg string, args ...any) {
	log.Warn(msg, args...)
}

func Error(msg string, args ...any) {
	log.Error(msg, args...)
}
