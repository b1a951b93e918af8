package errutil

import (
	"log/slog"
)

// LogMsg logs the error with a custom message if it is not nil.
func LogMsg(err error, msg string, args ...any) {
	if err != nil {
		slog.Warn(msg, withError(err, args)...)
	}
}

// ReportError logs an unexpected error.
// Errors that a cache can survive (a failed disk write, a broken journal)
// go through here so they end up in one place.
func ReportError(err error, msg string, args ...any) {
	if err != nil {
		slog.Error(msg, withError(err, args)...)
	}
}

// Close closes c and logs a failure under msg.
func Close(c interface{ Close() error }, msg string, args ...any) {
	LogMsg(c.Close(), msg, args...)
}

func withError(err error, args []any) []any {
	return append([]any{"error", err}, args...)
}
