package index

import "log/slog"

var log = slog.Default()

// SetLogger configures the logger used by the index table.
func SetLogger(l *slog.Logger) {
	log = l
}
