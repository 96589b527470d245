package blockfile

import "log/slog"

var log = slog.Default()

// SetLogger configures the logger used by block file maintenance.
func SetLogger(l *slog.Logger) {
	log = l
}
