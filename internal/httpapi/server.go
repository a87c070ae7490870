package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"dhtsync/internal/config"
)

// NewServer wraps handler with request ids and request logging. There is
// no write timeout because /api/v1/state/stream holds responses open.
func NewServer(cfg config.Config, handler http.Handler, logger *slog.Logger) *http.Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           requestID(requestLogger(logger, handler)),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
}
