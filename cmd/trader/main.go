package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	appconfig "github.com/quantfunk/perptrader/internal/config"
	"github.com/quantfunk/perptrader/internal/metrics"
	"github.com/quantfunk/perptrader/internal/notify"
	"github.com/quantfunk/perptrader/internal/runtime"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional, env vars apply on top)")
	flag.Parse()

	cfg, err := appconfig.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	appconfig.InitLogger(cfg.Log.Level, cfg.Log.Format)

	engine, err := runtime.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize engine")
	}

	srv := metrics.StartServer(cfg.Metrics)
	notify.New(cfg.Telegram).Attach(engine.Bus())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("mode", engine.Mode()).
		Str("exchange", cfg.Exchange.Name).
		Msg("Starting trader")

	if err := engine.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Engine exited with error")
		srv.Shutdown(context.Background())
		os.Exit(1)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	log.Info().Msg("Trader stopped")
}
