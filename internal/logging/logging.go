// Package logging sets up the daemon's structured logger. Every log line
// goes to stderr — stdout is reserved for the RPC protocol and must never
// carry anything but framed JSON-RPC responses.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Setup installs a JSON slog logger writing to stderr (and, if filePath is
// non-empty, also to that file) and returns it as the process default.
func Setup(level string, filePath string) (*slog.Logger, func() error, error) {
	var output io.Writer = os.Stderr
	closer := func() error { return nil }

	if filePath != "" {
		f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		output = io.MultiWriter(os.Stderr, f)
		closer = f.Close
	}

	handler := slog.NewJSONHandler(output, &slog.HandlerOptions{Level: parseLevel(level)})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, closer, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
