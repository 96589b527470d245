package diskcache

import "log/slog"

// Global logger for all cache instances
var log = slog.Default()

// SetLogger configures the global logger
func SetLogger(l *slog.Logger) {
	log = l
}
