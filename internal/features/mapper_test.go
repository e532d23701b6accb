package features

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfunk/perptrader/internal/snapshot"
)

const smallSpec = `
version: "test_v1"
features:
  - key: ltf_atr_pct
    path: "$.ltf.price.atr_pct"
    type: float
    default_value: 0.0
  - key: funding_z
    path: "$.context.funding_z"
    type: float
    default_value: 0.0
  - key: ltf_break_of_structure
    path: "$.ltf.micro_structure.break_of_structure"
    type: bool_to_float
    default_value: 0.0
  - key: vol_regime_dead
    encode: { ref: ltf_volatility_regime, value: dead }
  - key: trend_1h_up
    encode: { ref: htf_trend, value: up, timeframe: 1h }
encodings:
  one_hot:
    type: one_hot
output:
  feature_count: 5
`

func testSnapshot() *snapshot.Snapshot {
	return &snapshot.Snapshot{
		SchemaVersion:   snapshot.SchemaVersion,
		SnapshotID:      "abc",
		SnapshotTimeUTC: 1700000100,
		ObserverTimeUTC: 1700000200,
		Symbol:          "BTCUSDT",
		LTF: snapshot.LTFBlock{
			TF: "5m",
			Price: snapshot.LTFPrice{
				Close:            100,
				ATRPct:           0.004,
				VolatilityRegime: snapshot.RegimeDead,
			},
			MicroStructure: snapshot.MicroStructure{
				HHLLState:        snapshot.StateHH,
				BreakOfStructure: true,
			},
		},
		HTF: map[string]snapshot.HTFBlock{
			"15m": {Trend: snapshot.TrendFlat, MarketRegime: snapshot.MarketRange, VolatilityRegime: snapshot.HTFVolNormal},
			"1h":  {Trend: snapshot.TrendUp, MarketRegime: snapshot.MarketTrend, VolatilityRegime: snapshot.HTFVolHigh},
			"4h":  {Trend: snapshot.TrendDown, MarketRegime: snapshot.MarketRange, VolatilityRegime: snapshot.HTFVolNormal},
		},
		Context: snapshot.ContextBlock{Session: snapshot.SessionLondon},
	}
}

func TestMapVector(t *testing.T) {
	m, err := Parse([]byte(smallSpec))
	require.NoError(t, err)
	assert.Equal(t, 5, m.FeatureCount())

	vec, err := m.Map(testSnapshot())
	require.NoError(t, err)
	require.Len(t, vec, 5)

	assert.InDelta(t, 0.004, vec[0], 1e-12) // atr_pct
	assert.InDelta(t, 0.0, vec[1], 1e-12)   // funding_z null -> default
	assert.InDelta(t, 1.0, vec[2], 1e-12)   // bos true
	assert.InDelta(t, 1.0, vec[3], 1e-12)   // regime == dead
	assert.InDelta(t, 1.0, vec[4], 1e-12)   // 1h trend up
}

func TestMapMissingPathUsesDefault(t *testing.T) {
	m, err := Parse([]byte(smallSpec))
	require.NoError(t, err)

	snap := testSnapshot()
	z := 1.5
	snap.Context.FundingZ = &z

	vec, err := m.Map(snap)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, vec[1], 1e-12)
}

func TestHashStableAndVersioned(t *testing.T) {
	m1, err := Parse([]byte(smallSpec))
	require.NoError(t, err)
	m2, err := Parse([]byte(smallSpec))
	require.NoError(t, err)
	assert.Equal(t, m1.Hash(), m2.Hash())
	assert.Len(t, m1.Hash(), 64)
	assert.Equal(t, "test_v1", m1.Version())
}

func TestRejectWrongSchemaVersion(t *testing.T) {
	m, err := Parse([]byte(smallSpec))
	require.NoError(t, err)

	snap := testSnapshot()
	snap.SchemaVersion = "v2"
	_, err = m.Map(snap)
	assert.Error(t, err)
}

func TestRejectForbiddenDocKeys(t *testing.T) {
	m, err := Parse([]byte(smallSpec))
	require.NoError(t, err)

	_, err = m.MapDoc(map[string]any{
		"schema_version": "v3",
		"decision":       map[string]any{"direction": "LONG"},
	})
	assert.Error(t, err)
}

func TestSpecValidation(t *testing.T) {
	tests := []struct {
		name string
		spec string
	}{
		{"count mismatch", `
version: v1
features:
  - key: a
    path: "$.ltf.price.atr_pct"
output:
  feature_count: 2
`},
		{"duplicate key", `
version: v1
features:
  - key: a
    path: "$.ltf.price.atr_pct"
  - key: a
    path: "$.ltf.price.range_pct"
output:
  feature_count: 2
`},
		{"forbidden path", `
version: v1
features:
  - key: a
    path: "$.decision.entry_price"
output:
  feature_count: 1
`},
		{"forbidden key", `
version: v1
features:
  - key: risk_unit
    path: "$.ltf.price.atr_pct"
output:
  feature_count: 1
`},
		{"unknown ref", `
version: v1
features:
  - key: a
    encode: { ref: nope, value: x }
output:
  feature_count: 1
`},
		{"htf ref without timeframe", `
version: v1
features:
  - key: a
    encode: { ref: htf_trend, value: up }
output:
  feature_count: 1
`},
		{"missing version", `
features:
  - key: a
    path: "$.ltf.price.atr_pct"
output:
  feature_count: 1
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.spec))
			assert.Error(t, err)
		})
	}
}

func TestDefaultSpecFile(t *testing.T) {
	m, err := Load("../../configs/feature_spec_v3.yaml")
	require.NoError(t, err)
	assert.Equal(t, 35, m.FeatureCount())

	vec, err := m.Map(testSnapshot())
	require.NoError(t, err)
	assert.Len(t, vec, 35)
	for _, v := range vec {
		assert.False(t, v != v, "vector values must be finite")
	}
}
