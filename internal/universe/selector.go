// Package universe selects the tradable symbol set. Selection is a pure
// function of venue state, previous selection, metric history and config;
// ties break lexicographically so repeated runs are stable.
package universe

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	appconfig "github.com/quantfunk/perptrader/internal/config"
	"github.com/quantfunk/perptrader/internal/indicators"
	"github.com/quantfunk/perptrader/internal/market"
)

// ReportSchemaVersion tags selection reports.
const ReportSchemaVersion = "universe_v3"

// CycleSchemaVersion tags per-candidate cycle rows.
const CycleSchemaVersion = "universe_cycle_v1"

// FallbackSymbols is emitted when nothing survives the pipeline.
var FallbackSymbols = []string{"BTCUSDT"}

// Exclusion reasons, persisted in reports.
const (
	ExcludeStablecoinBase     = "stablecoin_base"
	ExcludeTickerUnavailable  = "ticker_unavailable"
	ExcludeBadLastPrice       = "bad_last_price"
	ExcludeMinLastPrice       = "min_last_price"
	ExcludeMissingQuoteVolume = "missing_quote_volume"
	ExcludeLowLiquidity       = "low_liquidity"
	ExcludeWideSpread         = "wide_spread"
	ExcludeExtremeFunding     = "extreme_funding"
	ExcludeOHLCVFailed        = "ohlcv_failed"
	ExcludeATRUnavailable     = "atr_unavailable"
	ExcludeLowVolatility      = "low_volatility"
	ExcludeHighCorrelation    = "high_correlation"
)

const zScoreMinPoints = 8

// Venue is the slice of the exchange adapter the selector needs.
type Venue interface {
	Name() string
	ActiveUSDTMSymbols(ctx context.Context) ([]string, error)
	Tickers(ctx context.Context, symbols []string) (map[string]market.Ticker, error)
	Candles(ctx context.Context, symbol, tf string, limit int) ([]market.Candle, error)
	FundingRate(ctx context.Context, symbol string) float64
	OpenInterest(ctx context.Context, symbol string) *float64
}

// Candidate is one scored symbol with its score breakdown.
type Candidate struct {
	Symbol       string             `json:"symbol"`
	LastPrice    float64            `json:"last_price"`
	QuoteVolume  float64            `json:"quote_volume"`
	SpreadPct    float64            `json:"spread_pct"`
	FundingRate  float64            `json:"funding_rate"`
	FundingZ     *float64           `json:"funding_z"`
	ATRPct       float64            `json:"atr_pct"`
	VolBurst     float64            `json:"vol_burst"`
	VolAccel     float64            `json:"vol_accel"`
	OpenInterest *float64           `json:"open_interest"`
	OIAccel      float64            `json:"oi_accel"`
	Score        float64            `json:"score"`
	Breakdown    map[string]float64 `json:"score_breakdown"`
}

// Exclusion records why a symbol was dropped.
type Exclusion struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
}

// Report is one full selection result.
type Report struct {
	SchemaVersion    string                   `json:"schema_version"`
	TimestampUTC     int64                    `json:"timestamp_utc"`
	Exchange         string                   `json:"exchange"`
	Config           appconfig.UniverseConfig `json:"config"`
	Selected         []string                 `json:"selected"`
	CandidatesScored []Candidate              `json:"candidates_scored"`
	Excluded         []Exclusion              `json:"excluded"`
}

// PrevMetrics is the previous cycle's metric row for one symbol.
type PrevMetrics struct {
	ATRPct       float64
	QuoteVolume  float64
	OpenInterest float64
}

// History feeds acceleration and z-score terms.
type History struct {
	Prev        map[string]PrevMetrics
	FundingHist map[string][]float64
}

// Selector runs the selection pipeline against one venue.
type Selector struct {
	venue  Venue
	cfg    appconfig.UniverseConfig
	logger zerolog.Logger

	now func() time.Time
}

// NewSelector creates a selector.
func NewSelector(venue Venue, cfg appconfig.UniverseConfig) *Selector {
	return &Selector{
		venue:  venue,
		cfg:    cfg,
		logger: appconfig.NewLogger("universe"),
		now:    time.Now,
	}
}

// Select runs the full pipeline and returns the report plus the selected
// symbols. The selection is never empty.
func (s *Selector) Select(ctx context.Context, prev []string, hist *History) (*Report, []string, error) {
	if hist == nil {
		hist = &History{Prev: map[string]PrevMetrics{}, FundingHist: map[string][]float64{}}
	}
	report := &Report{
		SchemaVersion: ReportSchemaVersion,
		TimestampUTC:  s.now().UTC().Unix(),
		Exchange:      s.venue.Name(),
		Config:        s.cfg,
	}

	actives, err := s.venue.ActiveUSDTMSymbols(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("universe: list symbols: %w", err)
	}

	include := s.cfg.IncludeList()
	excluded := toSet(s.cfg.ExcludeList())
	stableBases := toSet(s.cfg.ExcludeBaseList())

	candidateSet := make(map[string]bool, len(actives))
	for _, sym := range actives {
		candidateSet[sym] = true
	}
	for _, sym := range include {
		candidateSet[sym] = true
	}

	var symbols []string
	for sym := range candidateSet {
		if excluded[sym] {
			continue
		}
		base := strings.TrimSuffix(sym, "USDT")
		if stableBases[base] {
			report.Excluded = append(report.Excluded, Exclusion{Symbol: sym, Reason: ExcludeStablecoinBase})
			continue
		}
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	tickers, err := s.venue.Tickers(ctx, symbols)
	if err != nil {
		return nil, nil, fmt.Errorf("universe: tickers: %w", err)
	}

	type liquid struct {
		symbol string
		ticker market.Ticker
	}
	var survivors []liquid
	for _, sym := range symbols {
		t, ok := tickers[sym]
		switch {
		case !ok:
			report.Excluded = append(report.Excluded, Exclusion{Symbol: sym, Reason: ExcludeTickerUnavailable})
		case t.Last <= 0:
			report.Excluded = append(report.Excluded, Exclusion{Symbol: sym, Reason: ExcludeBadLastPrice})
		case s.cfg.MinLastPrice > 0 && t.Last < s.cfg.MinLastPrice:
			report.Excluded = append(report.Excluded, Exclusion{Symbol: sym, Reason: ExcludeMinLastPrice})
		case t.QuoteVolume <= 0:
			report.Excluded = append(report.Excluded, Exclusion{Symbol: sym, Reason: ExcludeMissingQuoteVolume})
		default:
			survivors = append(survivors, liquid{symbol: sym, ticker: t})
		}
	}

	// Liquidity cut bounds the per-refresh OHLCV calls.
	sort.SliceStable(survivors, func(i, j int) bool {
		if survivors[i].ticker.QuoteVolume != survivors[j].ticker.QuoteVolume {
			return survivors[i].ticker.QuoteVolume > survivors[j].ticker.QuoteVolume
		}
		return survivors[i].symbol < survivors[j].symbol
	})
	cut := s.cfg.MaxCandidates
	if cut < 10 {
		cut = 10
	}
	if len(survivors) > cut {
		kept := survivors[:cut]
		forced := toSet(include)
		for _, cand := range survivors[cut:] {
			if forced[cand.symbol] {
				kept = append(kept, cand)
			}
		}
		survivors = kept
	}

	var scored []Candidate
	for _, cand := range survivors {
		c, reason := s.scoreCandidate(ctx, cand.symbol, cand.ticker, hist)
		if reason != "" {
			report.Excluded = append(report.Excluded, Exclusion{Symbol: cand.symbol, Reason: reason})
			continue
		}
		scored = append(scored, *c)
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Symbol < scored[j].Symbol
	})
	report.CandidatesScored = scored

	selected := s.pickDecorrelated(ctx, scored, prev, report)
	if len(selected) == 0 {
		s.logger.Warn().Msg("Universe selection empty, using fallback")
		selected = append([]string(nil), FallbackSymbols...)
	}
	report.Selected = selected

	s.logger.Info().
		Strs("selected", selected).
		Int("scored", len(scored)).
		Int("excluded", len(report.Excluded)).
		Msg("Universe selected")
	return report, selected, nil
}

func (s *Selector) scoreCandidate(ctx context.Context, symbol string, ticker market.Ticker, hist *History) (*Candidate, string) {
	if ticker.QuoteVolume < s.cfg.MinQuoteVolUSDT {
		return nil, ExcludeLowLiquidity
	}
	spread := ticker.SpreadPct()
	if s.cfg.MaxSpread > 0 && spread > s.cfg.MaxSpread {
		return nil, ExcludeWideSpread
	}
	funding := s.venue.FundingRate(ctx, symbol)
	if s.cfg.MaxAbsFunding > 0 && math.Abs(funding) > s.cfg.MaxAbsFunding {
		return nil, ExcludeExtremeFunding
	}

	candles, err := s.venue.Candles(ctx, symbol, s.cfg.ATRTF, s.cfg.ATRLimit)
	if err != nil {
		return nil, ExcludeOHLCVFailed
	}
	atr := indicators.ATR(candles, s.cfg.ATRPeriod)
	if atr <= 0 || len(candles) == 0 {
		return nil, ExcludeATRUnavailable
	}
	lastClose := candles[len(candles)-1].Close
	if lastClose <= 0 {
		return nil, ExcludeATRUnavailable
	}
	atrPct := atr / lastClose
	if atrPct < s.cfg.MinATRPct {
		return nil, ExcludeLowVolatility
	}

	prev := hist.Prev[symbol]
	volBurst := 1.0
	if prev.ATRPct > 0 {
		volBurst = atrPct / prev.ATRPct
	}
	volAccel := 0.0
	if prev.QuoteVolume > 0 {
		volAccel = (ticker.QuoteVolume - prev.QuoteVolume) / prev.QuoteVolume
	}

	oi := s.venue.OpenInterest(ctx, symbol)
	oiAccel := 0.0
	if oi != nil && prev.OpenInterest > 0 {
		oiAccel = (*oi - prev.OpenInterest) / prev.OpenInterest
	}

	var fundingZ *float64
	if z, ok := indicators.ZScore(hist.FundingHist[symbol], funding, zScoreMinPoints); ok {
		fundingZ = &z
	}

	c := &Candidate{
		Symbol:       symbol,
		LastPrice:    ticker.Last,
		QuoteVolume:  ticker.QuoteVolume,
		SpreadPct:    spread,
		FundingRate:  funding,
		FundingZ:     fundingZ,
		ATRPct:       atrPct,
		VolBurst:     volBurst,
		VolAccel:     volAccel,
		OpenInterest: oi,
		OIAccel:      oiAccel,
	}
	s.score(c)
	return c, ""
}

// score fills Score and Breakdown from the weighted terms.
func (s *Selector) score(c *Candidate) {
	oiVal := 0.0
	if c.OpenInterest != nil {
		oiVal = *c.OpenInterest
	}
	fundZ := 0.0
	if c.FundingZ != nil {
		fundZ = *c.FundingZ
	}

	breakdown := map[string]float64{
		"liq":          s.cfg.WLiq * math.Log10(math.Max(c.QuoteVolume, 1)),
		"atr":          s.cfg.WATR * c.ATRPct,
		"vol_burst":    s.cfg.WVolBurst * indicators.Clamp(c.VolBurst, 0.3, 5),
		"vol_accel":    s.cfg.WVolAccel * indicators.Clamp(c.VolAccel, -0.7, 3),
		"oi":           s.cfg.WOI * math.Log10(math.Max(oiVal, 1)),
		"oi_accel":     s.cfg.WOIAccel * indicators.Clamp(c.OIAccel, -0.7, 3),
		"spread_pen":   -s.cfg.WSpreadPenalty * c.SpreadPct * 100,
		"fund_abs_pen": -s.cfg.WFundAbsPenalty * math.Abs(c.FundingRate) * 400,
		"fund_z_pen":   -s.cfg.WFundZPenalty * math.Abs(fundZ) * 0.5,
	}
	total := 0.0
	for _, v := range breakdown {
		total += v
	}
	c.Score = total
	c.Breakdown = breakdown
}

// pickDecorrelated runs sticky keep plus greedy selection with the
// pairwise correlation veto.
func (s *Selector) pickDecorrelated(ctx context.Context, scored []Candidate, prev []string, report *Report) []string {
	target := s.cfg.TargetSymbols
	if target <= 0 {
		target = len(FallbackSymbols)
	}

	scoredSet := make(map[string]bool, len(scored))
	for _, c := range scored {
		scoredSet[c.Symbol] = true
	}

	returns := make(map[string][]float64)
	returnsFor := func(symbol string) []float64 {
		if rets, ok := returns[symbol]; ok {
			return rets
		}
		candles, err := s.venue.Candles(ctx, symbol, s.cfg.CorrTF, s.cfg.CorrLimit)
		var rets []float64
		if err == nil {
			rets = indicators.LogReturns(market.Closes(candles))
		}
		returns[symbol] = rets
		return rets
	}

	tooCorrelated := func(symbol string, chosen []string) bool {
		a := returnsFor(symbol)
		if len(a) < 10 {
			return false // not enough data to veto
		}
		for _, other := range chosen {
			b := returnsFor(other)
			if len(b) < 10 {
				continue
			}
			if corr, ok := indicators.PearsonCorr(a, b, 12); ok && math.Abs(corr) > s.cfg.MaxCorr {
				return true
			}
		}
		return false
	}

	var selected []string
	// Sticky keep: previously selected symbols that still score, seeded
	// first so the universe does not thrash.
	sticky := 0
	for _, sym := range prev {
		if sticky >= s.cfg.StickyKeep || len(selected) >= target {
			break
		}
		if scoredSet[sym] && !contains(selected, sym) {
			selected = append(selected, sym)
			sticky++
		}
	}

	for _, c := range scored {
		if len(selected) >= target {
			break
		}
		if contains(selected, c.Symbol) {
			continue
		}
		if tooCorrelated(c.Symbol, selected) {
			report.Excluded = append(report.Excluded, Exclusion{Symbol: c.Symbol, Reason: ExcludeHighCorrelation})
			continue
		}
		selected = append(selected, c.Symbol)
	}
	return selected
}

func toSet(list []string) map[string]bool {
	set := make(map[string]bool, len(list))
	for _, s := range list {
		set[s] = true
	}
	return set
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
