package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfunk/perptrader/internal/snapshot"
	"github.com/quantfunk/perptrader/internal/trade"
)

func TestJSONLAppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	log := NewJSONL(path)

	require.NoError(t, log.Append(map[string]any{"kind": "a", "n": 1.0}))
	require.NoError(t, log.Append(map[string]any{"kind": "b", "n": 2.0}))

	records, err := log.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a", records[0]["kind"])
	assert.Equal(t, "b", records[1]["kind"])
	// Write time is injected on append.
	wt, ok := records[0][writeTimeKey].(float64)
	require.True(t, ok)
	assert.InDelta(t, float64(time.Now().UTC().Unix()), wt, 5)
}

func TestJSONLSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	log := NewJSONL(path)
	require.NoError(t, log.Append(map[string]any{"kind": "good"}))

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, log.Append(map[string]any{"kind": "after"}))

	records, err := log.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "good", records[0]["kind"])
	assert.Equal(t, "after", records[1]["kind"])
}

func TestJSONLReadMissingFile(t *testing.T) {
	log := NewJSONL(filepath.Join(t.TempDir(), "absent.jsonl"))
	records, err := log.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func testSnapshot(id string) *snapshot.Snapshot {
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

func TestSnapshotStoreWriteOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.jsonl")
	s, err := OpenSnapshotStore(path)
	require.NoError(t, err)

	snap := testSnapshot("abc123")
	require.NoError(t, s.Save(snap))
	assert.ErrorIs(t, s.Save(snap), ErrSnapshotExists)

	saved, err := s.SaveOrGet(snap)
	require.NoError(t, err)
	assert.False(t, saved)

	saved, err = s.SaveOrGet(testSnapshot("def456"))
	require.NoError(t, err)
	assert.True(t, saved)
	assert.Equal(t, 2, s.Count())

	// Restart replays the index.
	s2, err := OpenSnapshotStore(path)
	require.NoError(t, err)
	assert.True(t, s2.Has("abc123"))
	assert.ErrorIs(t, s2.Save(snap), ErrSnapshotExists)

	got, err := s2.Get("abc123")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "BTCUSDT", got.Symbol)
	assert.Equal(t, snapshot.RegimeNormal, got.LTF.Price.VolatilityRegime)
}

func openTestTrade(t *testing.T, symbol string) *trade.Aggregate {
	t.Helper()
	dec, err := trade.NewDecision(trade.Decision{
		SnapshotID:      "snap1",
		Symbol:          symbol,
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
	agg, err := trade.NewOpenTrade(symbol, "snap1", 1700000100, dec, nil, time.Unix(1700000160, 0))
	require.NoError(t, err)
	return agg
}

func TestTradeLogLatestWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.jsonl")
	log, err := OpenTradeLog(path)
	require.NoError(t, err)

	agg := openTestTrade(t, "BTCUSDT")
	require.NoError(t, log.Append(agg))
	require.Len(t, log.OpenTrades(), 1)
	assert.True(t, log.OpenSymbols()["BTCUSDT"])

	exec := trade.NewOpenExecution("binance", 3, 1, 100, 100, 1700000200)
	require.NoError(t, exec.Close(102, 1700000800, trade.ExitTP))
	require.NoError(t, agg.AttachExecution(exec))
	require.NoError(t, log.Append(agg))

	assert.Empty(t, log.OpenTrades())
	require.Len(t, log.ClosedTrades(), 1)
	assert.Equal(t, 1, log.Count())

	// Restart rebuilds the same view from the append history.
	log2, err := OpenTradeLog(path)
	require.NoError(t, err)
	assert.Equal(t, 1, log2.Count())
	assert.Empty(t, log2.OpenTrades())
	got := log2.Get(agg.TradeID)
	require.NotNil(t, got)
	assert.Equal(t, trade.StatusClosed, got.Status())
	require.NotNil(t, got.Execution.ExitFillPrice)
	assert.InDelta(t, 102.0, *got.Execution.ExitFillPrice, 1e-9)
}

type datasetRow struct {
	TradeID string  `parquet:"trade_id"`
	Reward  float64 `parquet:"reward"`
}

func TestAppendParquetAccumulates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transitions.parquet")

	require.NoError(t, AppendParquet(path, []datasetRow{{TradeID: "a", Reward: 1.5}}))
	require.NoError(t, AppendParquet(path, []datasetRow{{TradeID: "b", Reward: -0.5}}))

	rows, err := ReadParquet[datasetRow](path)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0].TradeID)
	assert.Equal(t, "b", rows[1].TradeID)
	assert.InDelta(t, -0.5, rows[1].Reward, 1e-9)
}

func TestReadParquetMissingFile(t *testing.T) {
	rows, err := ReadParquet[datasetRow](filepath.Join(t.TempDir(), "none.parquet"))
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestExportStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export_state.json")
	s, err := OpenExportState(path)
	require.NoError(t, err)

	assert.False(t, s.Exported(ExportRL, "t1"))
	require.NoError(t, s.MarkExported(ExportRL, []string{"t1", "t2"}))
	require.NoError(t, s.MarkExported(ExportScorer, []string{"t1"}))
	assert.True(t, s.Exported(ExportRL, "t2"))
	assert.False(t, s.Exported(ExportScorer, "t2"))

	s2, err := OpenExportState(path)
	require.NoError(t, err)
	assert.True(t, s2.Exported(ExportRL, "t1"))
	assert.True(t, s2.Exported(ExportScorer, "t1"))
	assert.False(t, s2.Exported(ExportScorer, "t2"))
}
