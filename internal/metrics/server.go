package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	appconfig "github.com/quantfunk/perptrader/internal/config"
)

// Server is the optional /metrics HTTP listener.
type Server struct {
	httpServer *http.Server
}

// StartServer starts the listener when enabled, returning nil otherwise.
func StartServer(cfg appconfig.MetricsConfig) *Server {
	if !cfg.Enabled {
		return nil
	}
	logger := appconfig.NewLogger("metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("Metrics listener started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn().Err(err).Msg("Metrics listener stopped")
		}
	}()
	return &Server{httpServer: srv}
}

// Shutdown stops the listener. Safe on nil.
func (s *Server) Shutdown(ctx context.Context) {
	if s == nil || s.httpServer == nil {
		return
	}
	_ = s.httpServer.Shutdown(ctx)
}
