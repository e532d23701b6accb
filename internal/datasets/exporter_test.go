package datasets

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfunk/perptrader/internal/features"
	"github.com/quantfunk/perptrader/internal/snapshot"
	"github.com/quantfunk/perptrader/internal/store"
	"github.com/quantfunk/perptrader/internal/trade"
)

const exporterSpec = `
version: test_v1
features:
  - key: ltf_atr_pct
    path: "$.ltf.price.atr_pct"
    type: float
    default_value: 0.0
  - key: ltf_close
    path: "$.ltf.price.close"
    type: float
    default_value: 0.0
output:
  feature_count: 2
`

func exporterSnapshot(id string) *snapshot.Snapshot {
	return &snapshot.Snapshot{
		SchemaVersion:   snapshot.SchemaVersion,
		SnapshotID:      id,
		SnapshotTimeUTC: 1700000100,
		ObserverTimeUTC: 1700000200,
		Symbol:          "BTCUSDT",
		LTF: snapshot.LTFBlock{
			TF: "5m",
			Price: snapshot.LTFPrice{
				Close:            100,
				ATRPct:           0.004,
				VolatilityRegime: snapshot.RegimeNormal,
			},
		},
		HTF: map[string]snapshot.HTFBlock{
			"15m": {Trend: snapshot.TrendUp},
			"1h":  {Trend: snapshot.TrendUp},
			"4h":  {Trend: snapshot.TrendUp},
		},
		Context: snapshot.ContextBlock{Session: snapshot.SessionAsia, Exchange: "binance"},
	}
}

func closedTrade(t *testing.T, snapshotID string, pnlR float64) *trade.Aggregate {
	t.Helper()
	dec, err := trade.NewDecision(trade.Decision{
		SnapshotID:      snapshotID,
		Symbol:          "BTCUSDT",
		Direction:       trade.DirectionLong,
		ActionType:      trade.ActionLong,
		EntryPrice:      100,
		SLPrice:         99,
		TPPrice:         102,
		RR:              2,
		RiskUnit:        1,
		Confidence:      trade.Float64(1.0),
		PolicyID:        "rule_v1",
		DecisionTimeUTC: 1700000100,
	})
	require.NoError(t, err)
	agg, err := trade.NewOpenTrade("BTCUSDT", snapshotID, 1700000100, dec, nil, time.Unix(1700000160, 0))
	require.NoError(t, err)

	exec := trade.NewOpenExecution("binance", 3, 1, 100, 100, 1700000200)
	exitType := trade.ExitSL
	if pnlR > 0 {
		exitType = trade.ExitTP
	}
	require.NoError(t, exec.Close(100+pnlR, 1700000800, exitType))
	require.NoError(t, agg.AttachExecution(exec))
	require.NoError(t, agg.AttachReward(&trade.Reward{
		RewardVersion: "v1",
		PnLRaw:        pnlR,
		PnLR:          pnlR,
		ExitType:      exitType,
		PnLUSDT:       pnlR,
		RiskUSDT:      1,
		Qty:           1,
	}))
	return agg
}

func newTestExporter(t *testing.T) (*Exporter, *store.TradeLog, *store.JSONL, string) {
	t.Helper()
	dir := t.TempDir()
	snapDir := filepath.Join(dir, "snapshots")
	dataDir := filepath.Join(dir, "datasets")

	snaps, err := store.OpenSnapshotStore(filepath.Join(snapDir, "BTCUSDT.jsonl"))
	require.NoError(t, err)
	require.NoError(t, snaps.Save(exporterSnapshot("snapA")))
	require.NoError(t, snaps.Save(exporterSnapshot("snapB")))

	trades, err := store.OpenTradeLog(filepath.Join(dir, "trades.jsonl"))
	require.NoError(t, err)

	cycles := store.NewJSONL(filepath.Join(dir, "decision_cycles.jsonl"))

	mapper, err := features.Parse([]byte(exporterSpec))
	require.NoError(t, err)

	state, err := store.OpenExportState(filepath.Join(dir, "export_state.json"))
	require.NoError(t, err)

	return NewExporter(trades, cycles, mapper, state, snapDir, dataDir), trades, cycles, dataDir
}

func TestExportRLIncremental(t *testing.T) {
	exporter, trades, _, dataDir := newTestExporter(t)
	require.NoError(t, trades.Append(closedTrade(t, "snapA", 1.9)))

	n, err := exporter.ExportRL()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Second run exports nothing new.
	n, err = exporter.ExportRL()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, trades.Append(closedTrade(t, "snapB", -1.0)))
	n, err = exporter.ExportRL()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows, err := store.ReadParquet[RLTransition](filepath.Join(dataDir, RLTransitionsFile))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "snapA", rows[0].SnapshotID)
	assert.InDelta(t, 1.9, rows[0].Reward, 1e-9)
	assert.True(t, rows[0].Done)
	assert.Equal(t, int32(1), rows[0].Action)
	assert.Equal(t, "rule_v1", rows[0].BehaviorPolicy)
	assert.InDelta(t, 2.0, rows[0].RR, 1e-9)
	assert.InDelta(t, 0.01, rows[0].SLDistPct, 1e-9)
	require.Len(t, rows[0].State, 2)
	assert.InDelta(t, 0.004, rows[0].State[0], 1e-9)
	assert.InDelta(t, 100.0, rows[0].State[1], 1e-9)
	assert.Equal(t, []float64{0, 0}, rows[0].NextState)
}

func TestExportScorerLabels(t *testing.T) {
	exporter, trades, _, dataDir := newTestExporter(t)
	require.NoError(t, trades.Append(closedTrade(t, "snapA", 1.9)))
	require.NoError(t, trades.Append(closedTrade(t, "snapB", -0.7)))

	n, err := exporter.ExportScorer()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rows, err := store.ReadParquet[ScorerRow](filepath.Join(dataDir, ScorerRowsFile))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byID := map[string]ScorerRow{}
	for _, r := range rows {
		byID[r.SnapshotID] = r
	}
	assert.Equal(t, int32(1), byID["snapA"].LabelCls)
	assert.InDelta(t, 1.9, byID["snapA"].LabelReg, 1e-9)
	assert.Equal(t, int32(0), byID["snapB"].LabelCls)
}

func TestExportMarketJoinsCycles(t *testing.T) {
	exporter, _, cycles, dataDir := newTestExporter(t)

	require.NoError(t, cycles.Append(map[string]any{
		"decision_id":       "d1",
		"snapshot_id":       "snapA",
		"snapshot_time_utc": 1700000100,
		"symbol":            "BTCUSDT",
		"direction":         "LONG",
		"rr":                2.0,
		"gate":              "accepted",
	}))
	require.NoError(t, cycles.Append(map[string]any{
		"decision_id":       "d2",
		"snapshot_id":       "snapB",
		"snapshot_time_utc": 1700000100,
		"symbol":            "BTCUSDT",
		"direction":         "SHORT",
		"rr":                1.5,
		"gate":              "notional<5",
	}))

	n, err := exporter.ExportMarket()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Already-exported cycles are not re-emitted.
	n, err = exporter.ExportMarket()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	rows, err := store.ReadParquet[MarketRow](filepath.Join(dataDir, MarketRowsFile))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	byID := map[string]MarketRow{}
	for _, r := range rows {
		byID[r.DecisionID] = r
	}
	assert.Equal(t, "LONG", byID["d1"].Direction)
	assert.Equal(t, "accepted", byID["d1"].Gate)
	assert.Equal(t, "notional<5", byID["d2"].Gate)
	for _, r := range rows {
		assert.Equal(t, "BTCUSDT", r.Symbol)
		assert.Len(t, r.Features, 2)
	}
}

func TestExportSkipsTradeWithMissingSnapshot(t *testing.T) {
	exporter, trades, _, _ := newTestExporter(t)
	require.NoError(t, trades.Append(closedTrade(t, "snapGone", 0.5)))

	n, err := exporter.ExportRL()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	// The trade stays unexported so a later snapshot backfill can pick it up.
	n, err = exporter.ExportRL()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
