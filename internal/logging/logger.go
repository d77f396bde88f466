package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures the global slog logger.
// In production (ENVIRONMENT=production) it uses JSON output for log aggregation.
// Otherwise it uses the human-readable text handler.
func Init() {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}

	slog.SetDefault(slog.New(handler))
}

// WithSession returns a logger with question context fields attached.
// Use this for everything that happens on behalf of one asked question.
func WithSession(questionID, connID, stream string) *slog.Logger {
	return slog.With(
		"question_id", questionID,
		"conn_id", connID,
		"stream", stream,
	)
}

// WithRelay returns a logger scoped to the relay strategy serving a session.
func WithRelay(logger *slog.Logger, strategy string) *slog.Logger {
	return logger.With("relay", strategy)
}
