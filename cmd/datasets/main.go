package main

import (
	"flag"
	"os"

	"github.com/rs/zerolog/log"

	appconfig "github.com/quantfunk/perptrader/internal/config"
	"github.com/quantfunk/perptrader/internal/datasets"
	"github.com/quantfunk/perptrader/internal/features"
	"github.com/quantfunk/perptrader/internal/store"
)

// Offline dataset export: replays the trade and decision-cycle logs into
// the Parquet datasets. Incremental by default; delete the export-state
// file for a full rebuild.
func main() {
	configPath := flag.String("config", "", "path to config file")
	which := flag.String("dataset", "all", "dataset to export: rl, scorer, market or all")
	flag.Parse()

	cfg, err := appconfig.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	appconfig.InitLogger(cfg.Log.Level, cfg.Log.Format)

	mapper, err := features.Load(cfg.Paths.Resolve(cfg.Paths.FeatureSpec))
	if err != nil {
		log.Fatal().Err(err).Msg("Feature spec unavailable")
	}

	closedLog, err := store.OpenTradeLog(cfg.Paths.Resolve(cfg.Paths.TradesClosed))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open trade log")
	}
	state, err := store.OpenExportState(cfg.Paths.Resolve(cfg.Paths.ExportState))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open export state")
	}
	cycles := store.NewJSONL(cfg.Paths.Resolve(cfg.Paths.DecisionCycles))

	exporter := datasets.NewExporter(closedLog, cycles, mapper, state,
		cfg.Paths.Resolve(cfg.Paths.SnapshotsDir), cfg.Paths.Resolve(cfg.Paths.DatasetsDir))

	run := func(name string, export func() (int, error)) {
		n, err := export()
		if err != nil {
			log.Error().Str("dataset", name).Err(err).Msg("Export failed")
			os.Exit(1)
		}
		log.Info().Str("dataset", name).Int("rows", n).Msg("Export done")
	}

	switch *which {
	case "rl":
		run("rl", exporter.ExportRL)
	case "scorer":
		run("scorer", exporter.ExportScorer)
	case "market":
		run("market", exporter.ExportMarket)
	case "all":
		run("rl", exporter.ExportRL)
		run("scorer", exporter.ExportScorer)
		run("market", exporter.ExportMarket)
	default:
		log.Fatal().Str("dataset", *which).Msg("Unknown dataset")
	}
}
