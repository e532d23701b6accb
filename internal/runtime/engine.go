// Package runtime drives the trading loop: universe refresh, open-position
// monitoring, and the per-symbol decision pipeline. One engine instance
// owns one data directory; running two against the same files corrupts the
// append-only logs.
package runtime

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	appconfig "github.com/quantfunk/perptrader/internal/config"
	"github.com/quantfunk/perptrader/internal/datasets"
	"github.com/quantfunk/perptrader/internal/events"
	"github.com/quantfunk/perptrader/internal/exchange"
	"github.com/quantfunk/perptrader/internal/features"
	"github.com/quantfunk/perptrader/internal/market"
	"github.com/quantfunk/perptrader/internal/metrics"
	"github.com/quantfunk/perptrader/internal/policy"
	"github.com/quantfunk/perptrader/internal/risk"
	"github.com/quantfunk/perptrader/internal/snapshot"
	"github.com/quantfunk/perptrader/internal/store"
	"github.com/quantfunk/perptrader/internal/trade"
	"github.com/quantfunk/perptrader/internal/universe"
)

const minCycleInterval = 5 * time.Second

// Engine is the trading runtime.
type Engine struct {
	cfg  *appconfig.Config
	mode string

	ex       exchange.Adapter
	builder  *snapshot.Builder
	pol      policy.Policy
	hybrid   *policy.HybridPolicy
	riskEng  *risk.Engine
	guard    *risk.Guard
	selector *universe.Selector
	uniStore *universe.Store
	exporter *datasets.Exporter
	bus      *events.Bus

	openLog    *store.TradeLog
	closedLog  *store.TradeLog
	cycles     *store.JSONL
	orders     *store.JSONL
	execs      *store.JSONL
	snapStores map[string]*store.SnapshotStore

	logger zerolog.Logger
	now    func() time.Time

	universe    []string
	refreshedAt time.Time
	// seen dedupes decision ids so repeated ticks on the same closed bar
	// do not emit duplicate cycle rows.
	seen map[string]bool

	paperEquity float64
	paperFree   float64
}

// New wires the full engine from configuration. Live mode without
// LIVE_CONFIRM is a startup error; demo and data modes without the dev
// opt-in are downgraded to paper.
func New(cfg *appconfig.Config) (*Engine, error) {
	logger := appconfig.NewLogger("runtime")

	mode := cfg.Mode
	switch mode {
	case appconfig.ModeLive:
		if !cfg.LiveConfirm {
			return nil, fmt.Errorf("runtime: live mode requires LIVE_CONFIRM=1")
		}
	case appconfig.ModeDemo, appconfig.ModeData:
		if !cfg.EnableDemoData {
			logger.Warn().Str("mode", mode).Msg("Demo data not enabled, downgrading to paper")
			mode = appconfig.ModePaper
		}
	case appconfig.ModePaper, "":
		mode = appconfig.ModePaper
	default:
		return nil, fmt.Errorf("runtime: unknown mode %q", cfg.Mode)
	}

	var ex exchange.Adapter
	var err error
	if mode == appconfig.ModeDemo || mode == appconfig.ModeData {
		ex = newDemoVenue(cfg.Exchange.Name)
	} else {
		ex, err = exchange.New(cfg.Exchange)
		if err != nil {
			return nil, err
		}
	}

	var mapper *features.Mapper
	if path := cfg.Paths.Resolve(cfg.Paths.FeatureSpec); path != "" {
		mapper, err = features.Load(path)
		if err != nil {
			logger.Warn().Str("path", path).Err(err).Msg("Feature spec unavailable, model scoring disabled")
			mapper = nil
		}
	}

	pol, hybrid := buildPolicy(cfg.Policy, mapper)

	builder := snapshot.NewBuilder(venueData{ex: ex}, snapshot.BuilderConfig{
		Exchange:              ex.Name(),
		HTFs:                  cfg.Snapshot.HTFs(),
		ATRPeriod:             cfg.Snapshot.ATRPeriod,
		VolThresholdATRPct:    cfg.Snapshot.VolThresholdATRPct,
		HTFVolThresholdATRPct: cfg.Snapshot.HTFVolThresholdATRPct,
		MSLookback:            cfg.Snapshot.MSLookback,
		MAFast:                cfg.Snapshot.MAFast,
		MASlow:                cfg.Snapshot.MASlow,
	})

	openLog, err := store.OpenTradeLog(cfg.Paths.Resolve(cfg.Paths.TradesOpen))
	if err != nil {
		return nil, err
	}
	closedLog, err := store.OpenTradeLog(cfg.Paths.Resolve(cfg.Paths.TradesClosed))
	if err != nil {
		return nil, err
	}
	state, err := store.OpenExportState(cfg.Paths.Resolve(cfg.Paths.ExportState))
	if err != nil {
		return nil, err
	}
	cycles := store.NewJSONL(cfg.Paths.Resolve(cfg.Paths.DecisionCycles))

	var exporter *datasets.Exporter
	if mapper != nil {
		exporter = datasets.NewExporter(closedLog, cycles, mapper, state,
			cfg.Paths.Resolve(cfg.Paths.SnapshotsDir), cfg.Paths.Resolve(cfg.Paths.DatasetsDir))
	}

	guardEnabled := mode == appconfig.ModeLive || cfg.Guard.EnableInPaper
	guard := risk.NewGuard(cfg.Guard, guardEnabled)
	seedGuard(guard, openLog, closedLog)

	e := &Engine{
		cfg:        cfg,
		mode:       mode,
		ex:         ex,
		builder:    builder,
		pol:        pol,
		hybrid:     hybrid,
		riskEng:    risk.NewEngine(cfg.Risk),
		guard:      guard,
		selector:   universe.NewSelector(ex, cfg.Universe),
		uniStore:   universe.OpenStore(cfg.Paths, cfg.Universe.HistoryPoints),
		exporter:   exporter,
		bus:        events.NewBus(),
		openLog:    openLog,
		closedLog:  closedLog,
		cycles:     cycles,
		orders:     store.NewJSONL(cfg.Paths.Resolve(cfg.Paths.Orders)),
		execs:      store.NewJSONL(cfg.Paths.Resolve(cfg.Paths.Executions)),
		snapStores: make(map[string]*store.SnapshotStore),
		logger:     logger,
		now:        time.Now,

		seen:        loadSeenDecisions(cycles),
		paperEquity: cfg.Paper.EquityUSDT,
		paperFree:   cfg.Paper.FreeUSDT,
	}
	if e.paperFree <= 0 {
		e.paperFree = e.paperEquity
	}
	return e, nil
}

// seedGuard replays the trade logs into the guard so daily-loss caps,
// trade counts, cooldowns and loss streaks survive restarts.
func seedGuard(guard *risk.Guard, openLog, closedLog *store.TradeLog) {
	closed := closedLog.ClosedTrades()
	sort.Slice(closed, func(i, j int) bool { return exitTimeOf(closed[i]) < exitTimeOf(closed[j]) })
	for _, agg := range closed {
		if agg.OpenedTimeUTC > 0 {
			guard.RecordOpen(time.Unix(agg.OpenedTimeUTC, 0))
		}
		guard.RecordClose(agg)
	}
	for _, agg := range openLog.OpenTrades() {
		if agg.OpenedTimeUTC > 0 {
			guard.RecordOpen(time.Unix(agg.OpenedTimeUTC, 0))
		}
	}
}

func exitTimeOf(agg *trade.Aggregate) int64 {
	if agg.Execution != nil && agg.Execution.ExitTimeUTC != nil {
		return *agg.Execution.ExitTimeUTC
	}
	return 0
}

// loadSeenDecisions replays the cycle log so a restart within a bar does
// not duplicate decision rows.
func loadSeenDecisions(cycles *store.JSONL) map[string]bool {
	seen := make(map[string]bool)
	records, err := cycles.ReadAll()
	if err != nil {
		return seen
	}
	for _, rec := range records {
		if id, _ := rec["decision_id"].(string); id != "" {
			seen[id] = true
		}
	}
	return seen
}

// buildPolicy picks the decision policy. Hybrid is the default; it keeps a
// handle to the hybrid wrapper so the cycle record can carry confidence
// components.
func buildPolicy(cfg appconfig.PolicyConfig, mapper *features.Mapper) (policy.Policy, *policy.HybridPolicy) {
	rule := policy.NewRulePolicy(cfg.RuleRR, cfg.RuleATRK)
	switch cfg.Name {
	case "rule":
		return rule, nil
	case "risk_aware":
		return policy.NewRiskAwarePolicy(cfg.RuleATRK, cfg.RRFloor, cfg.RRCeiling, cfg.WVol, cfg.WATR, cfg.WFunding), nil
	default:
		h := policy.NewHybridPolicy(rule, mapper, policy.NewScorer(cfg.ScorerModelPath, cfg.ScorerModelType), cfg.HybridConfMode)
		return h, h
	}
}

// Bus exposes the event bus for notifier wiring.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Mode reports the resolved run mode.
func (e *Engine) Mode() string { return e.mode }

// Run ticks the engine until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	interval := time.Duration(e.cfg.CycleSec) * time.Second
	if interval < minCycleInterval {
		interval = minCycleInterval
	}
	e.logger.Info().
		Str("mode", e.mode).
		Str("exchange", e.ex.Name()).
		Dur("interval", interval).
		Msg("Engine started")

	for {
		e.Tick(ctx)
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("Engine stopped")
			return nil
		case <-time.After(interval):
		}
	}
}

// Tick runs one full cycle: universe refresh, monitoring, decisions, and
// dataset export. Every per-symbol failure is logged and skipped.
func (e *Engine) Tick(ctx context.Context) {
	now := e.now().UTC()
	e.refreshUniverse(ctx, now)
	e.monitor(ctx)
	e.openPhase(ctx, now)
	if e.exporter != nil {
		if _, err := e.exporter.ExportMarket(); err != nil {
			e.logger.Warn().Err(err).Msg("Market dataset export failed")
		}
	}
	metrics.CyclesTotal.Inc()
	metrics.OpenPositions.Set(float64(len(e.openLog.OpenSymbols())))
	e.bus.Publish(events.Event{Type: events.TypeCycleDone})
}

func (e *Engine) refreshUniverse(ctx context.Context, now time.Time) {
	if !e.cfg.AutoUniverse() {
		if len(e.universe) == 0 {
			e.universe = e.cfg.SymbolList()
			metrics.UniverseSize.Set(float64(len(e.universe)))
		}
		return
	}
	refresh := time.Duration(e.cfg.Universe.RefreshMin) * time.Minute
	if len(e.universe) > 0 && refresh > 0 && now.Sub(e.refreshedAt) < refresh {
		return
	}

	hist, err := e.uniStore.LoadHistory()
	if err != nil {
		e.logger.Warn().Err(err).Msg("Universe history unavailable")
		hist = nil
	}
	report, selected, err := e.selector.Select(ctx, e.uniStore.LoadPrevious(), hist)
	if err != nil {
		e.logger.Error().Err(err).Msg("Universe selection failed")
		if len(e.universe) == 0 {
			e.universe = append([]string(nil), universe.FallbackSymbols...)
		}
		return
	}
	if err := e.uniStore.Persist(report); err != nil {
		e.logger.Warn().Err(err).Msg("Universe persistence failed")
	}
	e.universe = selected
	e.refreshedAt = now
	metrics.UniverseSize.Set(float64(len(selected)))
	e.bus.Publish(events.Event{
		Type:    events.TypeUniverseRefresh,
		Payload: map[string]any{"symbols": selected},
	})
}

// maxOpenPositions returns the effective position cap. Paper runs widen the
// cap to the universe size unless told to respect the configured one.
func (e *Engine) maxOpenPositions() int {
	limit := e.cfg.MaxOpenPositions
	if limit <= 0 {
		limit = 1
	}
	if e.mode != appconfig.ModeLive && !e.cfg.Paper.RespectMaxOpenPositions && len(e.universe) > limit {
		limit = len(e.universe)
	}
	return limit
}

func (e *Engine) balance(ctx context.Context) (market.Balance, error) {
	if e.mode == appconfig.ModeLive {
		return e.ex.USDTBalance(ctx)
	}
	return market.Balance{Equity: e.paperEquity, Free: e.paperFree}, nil
}

func (e *Engine) snapshotStoreFor(symbol string) (*store.SnapshotStore, error) {
	if s, ok := e.snapStores[symbol]; ok {
		return s, nil
	}
	dir := e.cfg.Paths.Resolve(e.cfg.Paths.SnapshotsDir)
	s, err := store.OpenSnapshotStore(filepath.Join(dir, symbol+".jsonl"))
	if err != nil {
		return nil, err
	}
	e.snapStores[symbol] = s
	return s, nil
}

// venueData adapts the exchange adapter to the snapshot builder's
// market-data surface.
type venueData struct {
	ex exchange.Adapter
}

func (v venueData) Candles(ctx context.Context, symbol, tf string, limit int, sinceMS int64) ([]market.Candle, error) {
	candles, err := v.ex.Candles(ctx, symbol, tf, limit)
	if err != nil || sinceMS <= 0 {
		return candles, err
	}
	i := 0
	for i < len(candles) && candles[i].OpenTimeMS < sinceMS {
		i++
	}
	return candles[i:], nil
}

func (v venueData) Ticker(ctx context.Context, symbol string) (market.Ticker, error) {
	tickers, err := v.ex.Tickers(ctx, []string{symbol})
	if err != nil {
		return market.Ticker{}, err
	}
	t, ok := tickers[symbol]
	if !ok {
		return market.Ticker{}, fmt.Errorf("runtime: no ticker for %s", symbol)
	}
	return t, nil
}

func (v venueData) FundingRate(ctx context.Context, symbol string) (float64, error) {
	return v.ex.FundingRate(ctx, symbol), nil
}
