package eviction

import "log/slog"

var log = slog.Default()

// SetLogger configures the logger used by the eviction policy.
func SetLogger(l *slog.Logger) {
	log = l
}
