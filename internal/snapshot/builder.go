package snapshot

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appconfig "github.com/quantfunk/perptrader/internal/config"
	"github.com/quantfunk/perptrader/internal/indicators"
	"github.com/quantfunk/perptrader/internal/market"
)

// MarketData is the venue surface the builder needs.
type MarketData interface {
	Candles(ctx context.Context, symbol, tf string, limit int, sinceMS int64) ([]market.Candle, error)
	Ticker(ctx context.Context, symbol string) (market.Ticker, error)
	FundingRate(ctx context.Context, symbol string) (float64, error)
}

// BuilderConfig tunes snapshot construction. Zero values are replaced by
// defaults in NewBuilder.
type BuilderConfig struct {
	Exchange              string
	HTFs                  []string
	CandleLimit           int
	ATRPeriod             int
	VolThresholdATRPct    float64
	HTFVolThresholdATRPct float64
	MSLookback            int
	MAFast                int
	MASlow                int
}

const (
	fundingHistoryMax = 200
	fundingHistoryMin = 20
	dailyATRRefresh   = 6 * time.Hour
	dailyATRLimit     = 70
	dailyATRMeanBars  = 30
)

type dailyATREntry struct {
	atrPct    *float64
	ratio     *float64
	fetchedAt time.Time
}

// Builder assembles snapshots from venue data. It owns two in-memory
// caches scoped to its own lifetime: the per-symbol funding history and the
// daily ATR cache. A single builder instance serves the whole runtime.
type Builder struct {
	md     MarketData
	cfg    BuilderConfig
	logger zerolog.Logger
	now    func() time.Time

	mu          sync.Mutex
	fundingHist map[string][]float64
	dailyATR    map[string]dailyATREntry
}

// NewBuilder creates a snapshot builder.
func NewBuilder(md MarketData, cfg BuilderConfig) *Builder {
	if len(cfg.HTFs) == 0 {
		cfg.HTFs = append([]string(nil), RequiredHTFs...)
	}
	if cfg.CandleLimit <= 0 {
		cfg.CandleLimit = 120
	}
	if cfg.ATRPeriod <= 0 {
		cfg.ATRPeriod = 14
	}
	if cfg.VolThresholdATRPct <= 0 {
		cfg.VolThresholdATRPct = 0.003
	}
	if cfg.HTFVolThresholdATRPct <= 0 {
		cfg.HTFVolThresholdATRPct = 0.01
	}
	if cfg.MSLookback <= 0 {
		cfg.MSLookback = 20
	}
	if cfg.MAFast <= 0 {
		cfg.MAFast = 20
	}
	if cfg.MASlow <= 0 {
		cfg.MASlow = 50
	}
	return &Builder{
		md:          md,
		cfg:         cfg,
		logger:      appconfig.NewLogger("snapshot_builder"),
		now:         time.Now,
		fundingHist: make(map[string][]float64),
		dailyATR:    make(map[string]dailyATREntry),
	}
}

// Build assembles a snapshot for the symbol's last closed 5m bar. Venue
// failures on the LTF series degrade to a placeholder snapshot so that the
// caller always gets one cycle record per symbol; the error return is
// reserved for invariant violations.
func (b *Builder) Build(ctx context.Context, symbol string) (*Snapshot, error) {
	now := b.now().UTC()
	nowMS := now.UnixMilli()

	ltf, err := b.md.Candles(ctx, symbol, LTFTimeframe, b.cfg.CandleLimit, 0)
	if err == nil {
		ltf = market.DropFormingBar(ltf, LTFTimeframe, nowMS)
	}
	if err != nil || len(ltf) < b.cfg.ATRPeriod+1 {
		b.logger.Warn().
			Str("symbol", symbol).
			Err(err).
			Int("bars", len(ltf)).
			Msg("LTF data unavailable, emitting placeholder snapshot")
		return b.placeholder(symbol, now), nil
	}

	last := ltf[len(ltf)-1]
	tfDur, _ := market.TFDuration(LTFTimeframe)
	closeTime := (last.OpenTimeMS + tfDur.Milliseconds()) / 1000

	atrPct := 0.0
	if last.Close > 0 {
		atrPct = indicators.ATR(ltf, b.cfg.ATRPeriod) / last.Close
	}
	rangePct := 0.0
	if last.Close > 0 {
		rangePct = (last.High - last.Low) / last.Close
	}

	snap := &Snapshot{
		SchemaVersion:   SchemaVersion,
		SnapshotID:      ComputeID(b.cfg.Exchange, symbol, LTFTimeframe, closeTime),
		SnapshotTimeUTC: closeTime,
		ObserverTimeUTC: now.Unix(),
		Symbol:          symbol,
		LTF: LTFBlock{
			TF: LTFTimeframe,
			Price: LTFPrice{
				Open:             last.Open,
				High:             last.High,
				Low:              last.Low,
				Close:            last.Close,
				Volume:           last.Volume,
				RangePct:         rangePct,
				ATRPct:           atrPct,
				VolatilityRegime: b.volRegime(atrPct),
			},
			Volume:         b.volumeBlock(ltf),
			MicroStructure: b.microStructure(market.Closes(ltf)),
		},
		HTF:     make(map[string]HTFBlock, len(b.cfg.HTFs)),
		Context: b.contextBlock(ctx, symbol, now),
	}

	for _, tf := range b.cfg.HTFs {
		snap.HTF[tf] = b.htfBlock(ctx, symbol, tf, nowMS)
	}

	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("snapshot build for %s: %w", symbol, err)
	}
	return snap, nil
}

// Placeholder builds a benign snapshot when no market data is available.
// It carries a random id so it never collides with a real bar.
func (b *Builder) placeholder(symbol string, now time.Time) *Snapshot {
	snap := &Snapshot{
		SchemaVersion:   SchemaVersion,
		SnapshotID:      uuid.NewString(),
		SnapshotTimeUTC: now.Unix(),
		ObserverTimeUTC: now.Unix(),
		Symbol:          symbol,
		LTF: LTFBlock{
			TF: LTFTimeframe,
			Price: LTFPrice{
				VolatilityRegime: RegimeNormal,
			},
			Volume:         LTFVolume{MARatio: 1.0},
			MicroStructure: MicroStructure{HHLLState: StateHL},
		},
		HTF: make(map[string]HTFBlock, len(b.cfg.HTFs)),
		Context: ContextBlock{
			Session:  sessionFor(now),
			Exchange: b.cfg.Exchange,
		},
		Placeholder: true,
	}
	for _, tf := range b.cfg.HTFs {
		snap.HTF[tf] = HTFBlock{
			Trend:            TrendFlat,
			MarketRegime:     MarketRange,
			VolatilityRegime: HTFVolNormal,
		}
	}
	return snap
}

func (b *Builder) volRegime(atrPct float64) string {
	t := b.cfg.VolThresholdATRPct
	switch {
	case atrPct < 0.5*t:
		return RegimeDead
	case atrPct < 1.5*t:
		return RegimeNormal
	default:
		return RegimeExpansion
	}
}

func (b *Builder) volumeBlock(candles []market.Candle) LTFVolume {
	vols := market.Volumes(candles)
	last := vols[len(vols)-1]
	ma := indicators.SMA(vols, b.cfg.MAFast)
	ratio := 1.0
	if ma > 0 {
		ratio = last / ma
	}
	return LTFVolume{Last: last, MARatio: ratio}
}

func (b *Builder) microStructure(closes []float64) MicroStructure {
	n := len(closes)
	window := b.cfg.MSLookback
	if n < 2 {
		return MicroStructure{HHLLState: StateHL}
	}
	start := n - window
	if start < 0 {
		start = 0
	}
	win := closes[start:]
	lastClose := win[len(win)-1]
	prev := win[:len(win)-1]

	hi, lo := prev[0], prev[0]
	for _, c := range prev[1:] {
		if c > hi {
			hi = c
		}
		if c < lo {
			lo = c
		}
	}

	state := StateHL
	bos := false
	switch {
	case lastClose >= hi:
		state = StateHH
		bos = true
	case lastClose <= lo:
		state = StateLL
		bos = true
	case lastClose >= win[len(win)-2]:
		state = StateHL
	default:
		state = StateLH
	}

	dist := 0.0
	if lastClose > 0 {
		dist = math.Min(math.Abs(lastClose-hi), math.Abs(lastClose-lo)) / lastClose
	}
	return MicroStructure{HHLLState: state, BreakOfStructure: bos, DistanceToStructure: dist}
}

func (b *Builder) htfBlock(ctx context.Context, symbol, tf string, nowMS int64) HTFBlock {
	neutral := HTFBlock{Trend: TrendFlat, MarketRegime: MarketRange, VolatilityRegime: HTFVolNormal}

	candles, err := b.md.Candles(ctx, symbol, tf, b.cfg.CandleLimit, 0)
	if err != nil {
		b.logger.Warn().Str("symbol", symbol).Str("tf", tf).Err(err).Msg("HTF data unavailable")
		return neutral
	}
	candles = market.DropFormingBar(candles, tf, nowMS)
	if len(candles) < b.cfg.MASlow {
		return neutral
	}

	closes := market.Closes(candles)
	lastClose := closes[len(closes)-1]
	maFast := indicators.SMA(closes, b.cfg.MAFast)
	maSlow := indicators.SMA(closes, b.cfg.MASlow)

	trend := TrendFlat
	switch {
	case lastClose > maSlow && maFast >= maSlow:
		trend = TrendUp
	case lastClose < maSlow && maFast <= maSlow:
		trend = TrendDown
	}

	regime := MarketRange
	if lastClose > 0 && math.Abs(maFast-maSlow)/lastClose >= 0.0015 {
		regime = MarketTrend
	}

	volRegime := HTFVolNormal
	if lastClose > 0 {
		if indicators.ATR(candles, b.cfg.ATRPeriod)/lastClose >= b.cfg.HTFVolThresholdATRPct {
			volRegime = HTFVolHigh
		}
	}

	ms := b.microStructure(closes)
	return HTFBlock{
		Trend:            trend,
		BreakOfStructure: ms.BreakOfStructure,
		MarketRegime:     regime,
		VolatilityRegime: volRegime,
	}
}

func (b *Builder) contextBlock(ctx context.Context, symbol string, now time.Time) ContextBlock {
	cb := ContextBlock{
		Session:  sessionFor(now),
		Exchange: b.cfg.Exchange,
	}

	if tk, err := b.md.Ticker(ctx, symbol); err == nil {
		cb.Bid = tk.Bid
		cb.Ask = tk.Ask
		cb.Mid = tk.Mid()
		cb.SpreadPct = tk.SpreadPct()
	} else {
		b.logger.Debug().Str("symbol", symbol).Err(err).Msg("ticker unavailable for snapshot context")
	}

	rate, err := b.md.FundingRate(ctx, symbol)
	if err != nil {
		rate = 0
	}
	cb.FundingRate = rate
	cb.FundingZ = b.fundingZ(symbol, rate)

	atrPct, ratio := b.dailyATRFor(ctx, symbol)
	cb.DailyATRPct = atrPct
	cb.DailyATRRatio = ratio
	return cb
}

// fundingZ appends the rate to the symbol history (bounded to the last 200
// samples) and returns the z-score once at least 20 samples exist.
func (b *Builder) fundingZ(symbol string, rate float64) *float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	hist := append(b.fundingHist[symbol], rate)
	if len(hist) > fundingHistoryMax {
		hist = hist[len(hist)-fundingHistoryMax:]
	}
	b.fundingHist[symbol] = hist

	if z, ok := indicators.ZScore(hist, rate, fundingHistoryMin); ok {
		return &z
	}
	return nil
}

func (b *Builder) dailyATRFor(ctx context.Context, symbol string) (*float64, *float64) {
	b.mu.Lock()
	entry, ok := b.dailyATR[symbol]
	b.mu.Unlock()
	if ok && b.now().Sub(entry.fetchedAt) < dailyATRRefresh {
		return entry.atrPct, entry.ratio
	}

	entry = dailyATREntry{fetchedAt: b.now()}
	candles, err := b.md.Candles(ctx, symbol, "1d", dailyATRLimit, 0)
	if err == nil && len(candles) > b.cfg.ATRPeriod+1 {
		series := indicators.ATRSeries(candles, b.cfg.ATRPeriod)
		lastATR := series[len(series)-1]
		lastClose := candles[len(candles)-1].Close
		if lastATR > 0 && lastClose > 0 {
			pct := lastATR / lastClose
			entry.atrPct = &pct

			start := len(series) - dailyATRMeanBars
			if start < b.cfg.ATRPeriod {
				start = b.cfg.ATRPeriod
			}
			if start < len(series) {
				mean := indicators.Mean(series[start:])
				if mean > 0 {
					r := lastATR / mean
					entry.ratio = &r
				}
			}
		}
	} else if err != nil {
		b.logger.Debug().Str("symbol", symbol).Err(err).Msg("daily ATR unavailable")
	}

	b.mu.Lock()
	b.dailyATR[symbol] = entry
	b.mu.Unlock()
	return entry.atrPct, entry.ratio
}

func sessionFor(now time.Time) string {
	switch h := now.UTC().Hour(); {
	case h < 8:
		return SessionAsia
	case h < 16:
		return SessionLondon
	default:
		return SessionNY
	}
}
