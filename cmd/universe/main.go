package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	appconfig "github.com/quantfunk/perptrader/internal/config"
	"github.com/quantfunk/perptrader/internal/exchange"
	"github.com/quantfunk/perptrader/internal/universe"
)

// One-shot universe selection: runs the selector against the configured
// exchange, persists the report, and prints the selected symbols.
func main() {
	configPath := flag.String("config", "", "path to config file")
	dryRun := flag.Bool("dry-run", false, "print the report without persisting")
	flag.Parse()

	cfg, err := appconfig.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	appconfig.InitLogger(cfg.Log.Level, cfg.Log.Format)

	ex, err := exchange.New(cfg.Exchange)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create exchange adapter")
	}

	selector := universe.NewSelector(ex, cfg.Universe)
	uniStore := universe.OpenStore(cfg.Paths, cfg.Universe.HistoryPoints)

	hist, err := uniStore.LoadHistory()
	if err != nil {
		log.Warn().Err(err).Msg("Universe history unavailable")
		hist = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	report, selected, err := selector.Select(ctx, uniStore.LoadPrevious(), hist)
	if err != nil {
		log.Fatal().Err(err).Msg("Universe selection failed")
	}

	if *dryRun {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			log.Fatal().Err(err).Msg("Report encoding failed")
		}
		return
	}

	if err := uniStore.Persist(report); err != nil {
		log.Fatal().Err(err).Msg("Universe persistence failed")
	}
	log.Info().
		Strs("symbols", selected).
		Int("scored", len(report.CandidatesScored)).
		Int("excluded", len(report.Excluded)).
		Msg("Universe selected")
}
