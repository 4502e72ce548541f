package main

import (
	"log/slog"
	"os"
)

// setupLogging installs the process-wide slog handler (SPEC_FULL.md §A):
// text in dev, JSON when RELAY_LOG_JSON=1, debug level with -v.
func setupLogging(verboseFlag bool) {
	level := slog.LevelInfo
	if verboseFlag || os.Getenv("RELAY_VERBOSE") != "" {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if os.Getenv("RELAY_LOG_JSON") == "1" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
