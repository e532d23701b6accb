package snapshot

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfunk/perptrader/internal/market"
)

type fakeMarketData struct {
	candles map[string][]market.Candle // keyed by tf
	ticker  market.Ticker
	funding float64
	fail    bool
}

func (f *fakeMarketData) Candles(_ context.Context, _ string, tf string, limit int, _ int64) ([]market.Candle, error) {
	if f.fail {
		return nil, errors.New("venue unavailable")
	}
	c := f.candles[tf]
	if len(c) > limit {
		c = c[len(c)-limit:]
	}
	return c, nil
}

func (f *fakeMarketData) Ticker(_ context.Context, symbol string) (market.Ticker, error) {
	return f.ticker, nil
}

func (f *fakeMarketData) FundingRate(_ context.Context, _ string) (float64, error) {
	return f.funding, nil
}

// series builds closed bars ending at endMS, one per tf duration.
func series(tf string, n int, endMS int64, base float64) []market.Candle {
	d, _ := market.TFDuration(tf)
	out := make([]market.Candle, n)
	for i := 0; i < n; i++ {
		open := endMS - int64(n-i)*d.Milliseconds()
		px := base + float64(i)*0.1
		out[i] = market.Candle{
			OpenTimeMS: open,
			Open:       px,
			High:       px * 1.002,
			Low:        px * 0.998,
			Close:      px,
			Volume:     100 + float64(i),
		}
	}
	return out
}

func testBuilder(md MarketData, now time.Time) *Builder {
	b := NewBuilder(md, BuilderConfig{Exchange: "binance"})
	b.now = func() time.Time { return now }
	return b
}

func TestBuildSnapshot(t *testing.T) {
	now := time.Date(2023, 11, 14, 22, 15, 30, 0, time.UTC)
	nowMS := now.UnixMilli()
	md := &fakeMarketData{
		candles: map[string][]market.Candle{
			"5m":  series("5m", 120, nowMS, 100),
			"15m": series("15m", 120, nowMS, 100),
			"1h":  series("1h", 120, nowMS, 100),
			"4h":  series("4h", 120, nowMS, 100),
			"1d":  series("1d", 70, nowMS, 100),
		},
		ticker:  market.Ticker{Symbol: "BTCUSDT", Last: 111.9, Bid: 111.8, Ask: 112.0},
		funding: 0.0001,
	}

	snap, err := testBuilder(md, now).Build(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.NoError(t, snap.Validate())

	assert.Equal(t, "v3", snap.SchemaVersion)
	assert.False(t, snap.Placeholder)
	assert.Equal(t, "5m", snap.LTF.TF)
	assert.Len(t, snap.SnapshotID, 20)
	assert.LessOrEqual(t, snap.SnapshotTimeUTC, snap.ObserverTimeUTC)

	for _, tf := range RequiredHTFs {
		blk, ok := snap.HTF[tf]
		require.True(t, ok, tf)
		assert.Contains(t, []string{TrendUp, TrendDown, TrendFlat}, blk.Trend)
	}

	// Rising series: the 1h trend must be up and structure HH.
	assert.Equal(t, TrendUp, snap.HTF["1h"].Trend)
	assert.Equal(t, StateHH, snap.LTF.MicroStructure.HHLLState)
	assert.True(t, snap.LTF.MicroStructure.BreakOfStructure)

	assert.Equal(t, SessionNY, snap.Context.Session)
	assert.Equal(t, "binance", snap.Context.Exchange)
	assert.Greater(t, snap.Context.SpreadPct, 0.0)
	require.NotNil(t, snap.Context.DailyATRPct)
}

func TestBuildDeterministicID(t *testing.T) {
	// Scenario: id equals sha1("binance|BTCUSDT|5m|<close>|v3")[:20].
	closeTime := int64(1700000100)
	sum := sha1.Sum([]byte(fmt.Sprintf("binance|BTCUSDT|5m|%d|v3", closeTime)))
	want := hex.EncodeToString(sum[:])[:20]
	assert.Equal(t, want, ComputeID("binance", "BTCUSDT", "5m", closeTime))

	// Same bar, same id across builder instances.
	now := time.Date(2023, 11, 14, 22, 15, 30, 0, time.UTC)
	nowMS := now.UnixMilli()
	md := &fakeMarketData{candles: map[string][]market.Candle{
		"5m":  series("5m", 120, nowMS, 100),
		"15m": series("15m", 120, nowMS, 100),
		"1h":  series("1h", 120, nowMS, 100),
		"4h":  series("4h", 120, nowMS, 100),
	}}
	s1, err := testBuilder(md, now).Build(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	s2, err := testBuilder(md, now).Build(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, s1.SnapshotID, s2.SnapshotID)
}

func TestBuildDropsFormingBar(t *testing.T) {
	// End the series in the future relative to "now" so the last bar is
	// still forming; the snapshot must key on the previous close.
	now := time.Date(2023, 11, 14, 10, 2, 0, 0, time.UTC)
	d, _ := market.TFDuration("5m")
	lastOpen := now.Truncate(d).UnixMilli()
	endMS := lastOpen + d.Milliseconds()

	md := &fakeMarketData{candles: map[string][]market.Candle{
		"5m":  series("5m", 120, endMS, 100),
		"15m": series("15m", 120, endMS, 100),
		"1h":  series("1h", 120, endMS, 100),
		"4h":  series("4h", 120, endMS, 100),
	}}

	snap, err := testBuilder(md, now).Build(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, lastOpen/1000, snap.SnapshotTimeUTC)
}

func TestBuildPlaceholderOnVenueFailure(t *testing.T) {
	now := time.Date(2023, 11, 14, 3, 0, 0, 0, time.UTC)
	snap, err := testBuilder(&fakeMarketData{fail: true}, now).Build(context.Background(), "BTCUSDT")
	require.NoError(t, err)

	assert.True(t, snap.Placeholder)
	assert.Len(t, snap.SnapshotID, 36) // uuid, never collides with a bar id
	require.NoError(t, snap.Validate())
	assert.Equal(t, SessionAsia, snap.Context.Session)
	assert.Equal(t, RegimeNormal, snap.LTF.Price.VolatilityRegime)
}

func TestFundingZRequiresHistory(t *testing.T) {
	b := NewBuilder(&fakeMarketData{}, BuilderConfig{Exchange: "binance"})
	for i := 0; i < fundingHistoryMin-1; i++ {
		assert.Nil(t, b.fundingZ("BTCUSDT", 0.0001+float64(i)*1e-6))
	}
	z := b.fundingZ("BTCUSDT", 0.01)
	require.NotNil(t, z)
	assert.Greater(t, *z, 0.0)
}

func TestValidateMapForbiddenKeys(t *testing.T) {
	doc := map[string]any{"schema_version": "v3", "symbol": "BTCUSDT"}
	assert.NoError(t, ValidateMap(doc))

	doc["decision"] = map[string]any{"direction": "LONG"}
	assert.Error(t, ValidateMap(doc))

	assert.Error(t, ValidateMap(map[string]any{"schema_version": "v2"}))
}

func TestSessionFor(t *testing.T) {
	assert.Equal(t, SessionAsia, sessionFor(time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, SessionAsia, sessionFor(time.Date(2023, 1, 1, 7, 59, 0, 0, time.UTC)))
	assert.Equal(t, SessionLondon, sessionFor(time.Date(2023, 1, 1, 8, 0, 0, 0, time.UTC)))
	assert.Equal(t, SessionNY, sessionFor(time.Date(2023, 1, 1, 16, 0, 0, 0, time.UTC)))
	assert.Equal(t, SessionNY, sessionFor(time.Date(2023, 1, 1, 23, 0, 0, 0, time.UTC)))
}
