package main

import (
	"io"
	"log/slog"

	"github.com/kstaniek/can-relay/internal/logging"
)

func setupLogger(format, level string, w io.Writer) *slog.Logger {
	l := logging.New(format, logging.ParseLevel(level), w).With("app", "can-relay")
	logging.Set(l)
	return l
}
