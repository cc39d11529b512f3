// Package logger constructs the process-wide structured logger.
package logger

import (
	"log/slog"
	"os"
)

// New returns a JSON slog logger writing to stdout. Level defaults to info;
// set LOG_LEVEL=debug for flow-level detail. Debug output still never
// includes tokens or client secrets.
func New() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// SessionPrefix truncates a session ID for correlation logging. The full ID
// is a bearer credential for the session store and must never be logged.
func SessionPrefix(sessionID string) string {
	const n = 8
	if len(sessionID) <= n {
		return sessionID
	}
	return sessionID[:n]
}
