// Package logging sets up the structured logger every package in this
// module receives at construction time, fanning records out to both a
// human-readable stderr stream and, when requested, a second sink (used by
// tests and by the --log-file flag).
package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/fatih/color"
	slogmulti "github.com/samber/slog-multi"
)

// Level mirrors slog.Level but keeps the CLI flag surface independent of
// the slog package's own naming.
type Level = slog.Level

// New builds the module's root logger. When extra is non-nil, records are
// fanned out to both os.Stderr and extra via slog-multi; this is how
// --log-file attaches a second sink without touching call sites.
func New(level Level, extra io.Writer) *slog.Logger {
	handlers := []slog.Handler{
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	}
	if extra != nil {
		handlers = append(handlers, slog.NewJSONHandler(extra, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(slogmulti.Fanout(handlers...))
}

// PrintFailure renders a *asm.Failure (or any error) at the CLI boundary:
// "Error: <message>" to stderr, colourised red.
func PrintFailure(err error) {
	color.New(color.FgRed).Fprintf(os.Stderr, "Error: %s\n", err.Error())
}
