package main

import (
	"io"
	"log/slog"

	"github.com/charmbracelet/log"

	"github.com/GreedyKomodoDragon/collection-backup/internal/config"
)

// newLogger builds the process logger. The pretty format is meant for
// terminals; text and json are for log collectors.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	switch format {
	case config.LogFormatJSON:
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	case config.LogFormatPretty:
		// charm levels share slog's numeric values
		return slog.New(log.NewWithOptions(w, log.Options{
			Level:           log.Level(level),
			ReportTimestamp: true,
			Prefix:          "collection-backup",
		}))
	default:
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	}
}
