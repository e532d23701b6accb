package universe

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "github.com/quantfunk/perptrader/internal/config"
	"github.com/quantfunk/perptrader/internal/market"
)

type fakeVenue struct {
	symbols []string
	tickers map[string]market.Ticker
	candles map[string][]market.Candle
	funding map[string]float64
	oi      map[string]*float64
}

func (f *fakeVenue) Name() string { return "binance" }

func (f *fakeVenue) ActiveUSDTMSymbols(ctx context.Context) ([]string, error) {
	return f.symbols, nil
}

func (f *fakeVenue) Tickers(ctx context.Context, symbols []string) (map[string]market.Ticker, error) {
	return f.tickers, nil
}

func (f *fakeVenue) Candles(ctx context.Context, symbol, tf string, limit int) ([]market.Candle, error) {
	c, ok := f.candles[symbol]
	if !ok {
		return nil, errors.New("kline fetch failed")
	}
	return c, nil
}

func (f *fakeVenue) FundingRate(ctx context.Context, symbol string) float64 {
	return f.funding[symbol]
}

func (f *fakeVenue) OpenInterest(ctx context.Context, symbol string) *float64 {
	return f.oi[symbol]
}

// trendCandles generates a wavy price path. Different phases give
// decorrelated return series, the same phase gives identical ones.
func trendCandles(phase float64, n int) []market.Candle {
	out := make([]market.Candle, n)
	price := 100.0
	for i := 0; i < n; i++ {
		price *= 1 + 0.01*math.Sin(phase+float64(i))
		out[i] = market.Candle{
			OpenTimeMS: int64(i) * 3_600_000,
			Open:       price,
			High:       price * 1.02,
			Low:        price * 0.98,
			Close:      price,
			Volume:     10,
		}
	}
	return out
}

func goodTicker(symbol string, last, qv float64) market.Ticker {
	return market.Ticker{
		Symbol:      symbol,
		Last:        last,
		Bid:         last * 0.999,
		Ask:         last * 1.001,
		QuoteVolume: qv,
	}
}

func testUniverseConfig() appconfig.UniverseConfig {
	return appconfig.UniverseConfig{
		SelectorVersion: 3,
		TargetSymbols:   2,
		MinQuoteVolUSDT: 1000,
		MinATRPct:       0.004,
		MinLastPrice:    0.0005,
		MaxCorr:         0.85,
		ATRTF:           "1h",
		ATRPeriod:       14,
		ATRLimit:        30,
		CorrTF:          "1h",
		CorrLimit:       30,
		MaxCandidates:   50,
		MaxSpread:       0.003,
		MaxAbsFunding:   0.003,
		StickyKeep:      0,
		HistoryPoints:   64,
		ExcludeBases:    "USDC,BUSD",
		WLiq:            1.0,
		WATR:            10,
		WVolBurst:       0.5,
		WVolAccel:       0.5,
		WOI:             0.2,
		WOIAccel:        0.5,
		WFundAbsPenalty: 1,
		WFundZPenalty:   1,
		WSpreadPenalty:  1,
	}
}

func exclusionReason(report *Report, symbol string) string {
	for _, e := range report.Excluded {
		if e.Symbol == symbol {
			return e.Reason
		}
	}
	return ""
}

func candidateFor(t *testing.T, report *Report, symbol string) Candidate {
	t.Helper()
	for _, c := range report.CandidatesScored {
		if c.Symbol == symbol {
			return c
		}
	}
	t.Fatalf("candidate %s not scored", symbol)
	return Candidate{}
}

func TestSelectExclusionReasons(t *testing.T) {
	venue := &fakeVenue{
		symbols: []string{"BTCUSDT", "USDCUSDT", "LOWUSDT", "NOTICKUSDT", "WIDEUSDT", "FUNDUSDT", "NOKLINEUSDT"},
		tickers: map[string]market.Ticker{
			"BTCUSDT":     goodTicker("BTCUSDT", 100, 5_000_000),
			"LOWUSDT":     goodTicker("LOWUSDT", 100, 100),
			"WIDEUSDT":    {Symbol: "WIDEUSDT", Last: 100, Bid: 99, Ask: 101, QuoteVolume: 2_000_000},
			"FUNDUSDT":    goodTicker("FUNDUSDT", 100, 2_000_000),
			"NOKLINEUSDT": goodTicker("NOKLINEUSDT", 100, 2_000_000),
		},
		candles: map[string][]market.Candle{
			"BTCUSDT":  trendCandles(0, 30),
			"FUNDUSDT": trendCandles(1, 30),
		},
		funding: map[string]float64{"FUNDUSDT": 0.01},
	}

	sel := NewSelector(venue, testUniverseConfig())
	report, selected, err := sel.Select(context.Background(), nil, nil)
	require.NoError(t, err)

	assert.Contains(t, selected, "BTCUSDT")
	assert.Equal(t, ExcludeStablecoinBase, exclusionReason(report, "USDCUSDT"))
	assert.Equal(t, ExcludeTickerUnavailable, exclusionReason(report, "NOTICKUSDT"))
	assert.Equal(t, ExcludeLowLiquidity, exclusionReason(report, "LOWUSDT"))
	assert.Equal(t, ExcludeWideSpread, exclusionReason(report, "WIDEUSDT"))
	assert.Equal(t, ExcludeExtremeFunding, exclusionReason(report, "FUNDUSDT"))
	assert.Equal(t, ExcludeOHLCVFailed, exclusionReason(report, "NOKLINEUSDT"))
	assert.Equal(t, ReportSchemaVersion, report.SchemaVersion)
}

func TestSelectCorrelationVeto(t *testing.T) {
	// AAA and BBB share the same price path, CCC is out of phase.
	venue := &fakeVenue{
		symbols: []string{"AAAUSDT", "BBBUSDT", "CCCUSDT"},
		tickers: map[string]market.Ticker{
			"AAAUSDT": goodTicker("AAAUSDT", 100, 9_000_000),
			"BBBUSDT": goodTicker("BBBUSDT", 100, 8_000_000),
			"CCCUSDT": goodTicker("CCCUSDT", 100, 7_000_000),
		},
		candles: map[string][]market.Candle{
			"AAAUSDT": trendCandles(0, 30),
			"BBBUSDT": trendCandles(0, 30),
			"CCCUSDT": trendCandles(math.Pi/2, 30),
		},
	}

	sel := NewSelector(venue, testUniverseConfig())
	report, selected, err := sel.Select(context.Background(), nil, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"AAAUSDT", "CCCUSDT"}, selected)
	assert.Equal(t, ExcludeHighCorrelation, exclusionReason(report, "BBBUSDT"))
}

func TestSelectStickyKeep(t *testing.T) {
	venue := &fakeVenue{
		symbols: []string{"AAAUSDT", "BBBUSDT", "CCCUSDT"},
		tickers: map[string]market.Ticker{
			"AAAUSDT": goodTicker("AAAUSDT", 100, 9_000_000),
			"BBBUSDT": goodTicker("BBBUSDT", 100, 2_000_000),
			"CCCUSDT": goodTicker("CCCUSDT", 100, 1_500_000),
		},
		candles: map[string][]market.Candle{
			"AAAUSDT": trendCandles(0, 30),
			"BBBUSDT": trendCandles(math.Pi/2, 30),
			"CCCUSDT": trendCandles(math.Pi, 30),
		},
	}

	cfg := testUniverseConfig()
	cfg.StickyKeep = 1
	sel := NewSelector(venue, cfg)
	_, selected, err := sel.Select(context.Background(), []string{"BBBUSDT"}, nil)
	require.NoError(t, err)

	// The previous holding stays in front even though it scores lower.
	require.Len(t, selected, 2)
	assert.Equal(t, "BBBUSDT", selected[0])
	assert.Equal(t, "AAAUSDT", selected[1])
}

func TestSelectFallbackWhenEmpty(t *testing.T) {
	venue := &fakeVenue{symbols: nil, tickers: map[string]market.Ticker{}}
	sel := NewSelector(venue, testUniverseConfig())
	report, selected, err := sel.Select(context.Background(), nil, nil)
	require.NoError(t, err)

	assert.Equal(t, FallbackSymbols, selected)
	assert.Equal(t, FallbackSymbols, report.Selected)
	assert.Empty(t, report.CandidatesScored)
}

func TestSelectAccelerationAndFundingZ(t *testing.T) {
	venue := &fakeVenue{
		symbols: []string{"AAAUSDT"},
		tickers: map[string]market.Ticker{"AAAUSDT": goodTicker("AAAUSDT", 100, 4_000_000)},
		candles: map[string][]market.Candle{"AAAUSDT": trendCandles(0, 30)},
		funding: map[string]float64{"AAAUSDT": 0.0002},
	}

	sel := NewSelector(venue, testUniverseConfig())

	// Too little funding history: no z-score, neutral burst.
	hist := &History{
		Prev:        map[string]PrevMetrics{},
		FundingHist: map[string][]float64{"AAAUSDT": {0.0001, 0.0001}},
	}
	report, _, err := sel.Select(context.Background(), nil, hist)
	require.NoError(t, err)
	c := candidateFor(t, report, "AAAUSDT")
	assert.Nil(t, c.FundingZ)
	assert.InDelta(t, 1.0, c.VolBurst, 1e-9)
	assert.InDelta(t, 0.0, c.VolAccel, 1e-9)

	// With previous metrics and enough history the relative terms appear.
	hist = &History{
		Prev: map[string]PrevMetrics{"AAAUSDT": {ATRPct: c.ATRPct / 2, QuoteVolume: 2_000_000}},
		FundingHist: map[string][]float64{
			"AAAUSDT": {0.0001, 0.00012, 0.00009, 0.00011, 0.0001, 0.00013, 0.00008, 0.0001},
		},
	}
	report, _, err = sel.Select(context.Background(), nil, hist)
	require.NoError(t, err)
	c = candidateFor(t, report, "AAAUSDT")
	assert.InDelta(t, 2.0, c.VolBurst, 1e-9)
	assert.InDelta(t, 1.0, c.VolAccel, 1e-9)
	require.NotNil(t, c.FundingZ)
	assert.Greater(t, *c.FundingZ, 0.0)
}

func TestStorePersistAndReload(t *testing.T) {
	dir := t.TempDir()
	paths := appconfig.PathsConfig{
		DataDir:           dir,
		UniverseSelection: "universe_selection.jsonl",
		UniverseCycles:    "universe_cycles.jsonl",
		UniverseLast:      "universe_last.json",
	}
	st := OpenStore(paths, 64)

	assert.Nil(t, st.LoadPrevious())

	oi := 123456.0
	report := &Report{
		SchemaVersion: ReportSchemaVersion,
		TimestampUTC:  1700000000,
		Exchange:      "binance",
		Selected:      []string{"BTCUSDT"},
		CandidatesScored: []Candidate{
			{Symbol: "BTCUSDT", LastPrice: 100, QuoteVolume: 5_000_000, ATRPct: 0.01, FundingRate: 0.0001, OpenInterest: &oi, Score: 7.5},
			{Symbol: "ETHUSDT", LastPrice: 50, QuoteVolume: 3_000_000, ATRPct: 0.008, FundingRate: 0.0002, Score: 6.0},
		},
	}
	require.NoError(t, st.Persist(report))

	assert.Equal(t, []string{"BTCUSDT"}, st.LoadPrevious())

	hist, err := st.LoadHistory()
	require.NoError(t, err)
	assert.InDelta(t, 0.01, hist.Prev["BTCUSDT"].ATRPct, 1e-9)
	assert.InDelta(t, 123456.0, hist.Prev["BTCUSDT"].OpenInterest, 1e-9)
	assert.InDelta(t, 0.008, hist.Prev["ETHUSDT"].ATRPct, 1e-9)
	assert.Equal(t, []float64{0.0001}, hist.FundingHist["BTCUSDT"])
}
