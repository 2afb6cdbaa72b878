// Package logging builds the process-wide structured logger. Every
// component logs through the *slog.Logger this package hands out — never
// through fmt.Println or the bare "log" package.
package logging

import (
	"log/slog"
	"os"
)

// New builds a JSON slog.Logger. verbose selects Debug level (mirrors
// dispatchd's --verbose flag / P01_VERBOSE env var); otherwise Info.
func New(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
