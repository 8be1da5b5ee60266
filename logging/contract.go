package logging

import (
	"context"
	"log/slog"
)

// Logger is the logging surface handed to components that only need to
// report a message or a failure.
type Logger struct {
	l *slog.Logger
}

// New wraps l
func New(l *slog.Logger) Logger {
	if l == nil {
		l = slog.Default()
	}
	return Logger{l: l}
}

// Log writes message at level
func (g Logger) Log(level slog.Level, message string) {
	g.l.Log(context.Background(), level, message)
}

// LogError writes err at error level. message defaults to the error text.
func (g Logger) LogError(err error, message string) {
	if err == nil {
		return
	}
	if message == "" {
		message = err.Error()
	}
	g.l.Error(message, "error", err)
}

// Slog returns the underlying structured logger
func (g Logger) Slog() *slog.Logger {
	return g.l
}
