package main

import (
	"log/slog"
	"os"

	"github.com/xonfour/horizont-sub000/logging"
)

// setupLogger returns the framework log handler and a root logger on top of
// it. The handler publishes log events once the system attaches it.
func setupLogger(level, format string) (*logging.Handler, *slog.Logger) {
	handler := logging.NewHandler(logging.Options{
		Level:  logging.ParseLevel(level),
		Format: format,
	})

	logger := slog.New(handler).With(
		"service", appName,
		"version", Version,
		"pid", os.Getpid(),
	)
	return handler, logger
}
