package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfunk/perptrader/internal/features"
	"github.com/quantfunk/perptrader/internal/snapshot"
	"github.com/quantfunk/perptrader/internal/trade"
)

func snapWithTrend(trend string, regime string, atrPct float64) *snapshot.Snapshot {
	return &snapshot.Snapshot{
		SchemaVersion:   snapshot.SchemaVersion,
		SnapshotID:      "snap1",
		SnapshotTimeUTC: 1700000100,
		ObserverTimeUTC: 1700000200,
		Symbol:          "BTCUSDT",
		LTF: snapshot.LTFBlock{
			TF: "5m",
			Price: snapshot.LTFPrice{
				Close:            100,
				ATRPct:           atrPct,
				VolatilityRegime: regime,
			},
		},
		HTF: map[string]snapshot.HTFBlock{
			"15m": {Trend: trend, MarketRegime: snapshot.MarketRange, VolatilityRegime: snapshot.HTFVolNormal},
			"1h":  {Trend: trend, MarketRegime: snapshot.MarketRange, VolatilityRegime: snapshot.HTFVolNormal},
			"4h":  {Trend: trend, MarketRegime: snapshot.MarketRange, VolatilityRegime: snapshot.HTFVolNormal},
		},
		Context: snapshot.ContextBlock{Session: snapshot.SessionAsia},
	}
}

func TestRulePolicyLong(t *testing.T) {
	p := NewRulePolicy(2.0, 1.0)
	dec, err := p.Decide(context.Background(), snapWithTrend(snapshot.TrendUp, snapshot.RegimeNormal, 0.004))
	require.NoError(t, err)

	assert.Equal(t, trade.DirectionLong, dec.Direction)
	assert.Equal(t, trade.ActionLong, dec.ActionType)
	assert.InDelta(t, 100.0, dec.EntryPrice, 1e-12)
	// sl distance = 1.0 * 0.004 * 100 = 0.4
	assert.InDelta(t, 99.6, dec.SLPrice, 1e-9)
	assert.InDelta(t, 100.8, dec.TPPrice, 1e-9)
	assert.InDelta(t, 0.4, dec.RiskUnit, 1e-9)
	require.NotNil(t, dec.Confidence)
	assert.InDelta(t, 1.0, *dec.Confidence, 1e-12)
}

func TestRulePolicyShortOnFlatOrDown(t *testing.T) {
	p := NewRulePolicy(2.0, 1.0)
	for _, trend := range []string{snapshot.TrendDown, snapshot.TrendFlat} {
		dec, err := p.Decide(context.Background(), snapWithTrend(trend, snapshot.RegimeNormal, 0.004))
		require.NoError(t, err)
		assert.Equal(t, trade.DirectionShort, dec.Direction, trend)
		assert.InDelta(t, 100.4, dec.SLPrice, 1e-9)
		assert.InDelta(t, 99.2, dec.TPPrice, 1e-9)
	}
}

func TestRulePolicyFallbackStopDistance(t *testing.T) {
	p := NewRulePolicy(2.0, 1.0)
	dec, err := p.Decide(context.Background(), snapWithTrend(snapshot.TrendUp, snapshot.RegimeDead, 0))
	require.NoError(t, err)
	// 0.1% floor: sl distance = 0.001 * 100 = 0.1
	assert.InDelta(t, 99.9, dec.SLPrice, 1e-9)
}

func TestRulePolicyRejectsZeroClose(t *testing.T) {
	p := NewRulePolicy(2.0, 1.0)
	snap := snapWithTrend(snapshot.TrendUp, snapshot.RegimeNormal, 0.004)
	snap.LTF.Price.Close = 0
	_, err := p.Decide(context.Background(), snap)
	assert.Error(t, err)
}

func TestRiskAwareRR(t *testing.T) {
	p := NewRiskAwarePolicy(1.0, 0.5, 10.0, 1.0, 1.0, 0.5)

	// normal regime, atr 0.4% -> rr = 2 * 1 * (1 + 0.4) * 1 = 2.8
	dec, err := p.Decide(context.Background(), snapWithTrend(snapshot.TrendUp, snapshot.RegimeNormal, 0.004))
	require.NoError(t, err)
	assert.InDelta(t, 2.8, dec.RR, 1e-9)

	// expansion regime bumps the base RR to 3.
	dec, err = p.Decide(context.Background(), snapWithTrend(snapshot.TrendUp, snapshot.RegimeExpansion, 0.004))
	require.NoError(t, err)
	assert.InDelta(t, 4.2, dec.RR, 1e-9)
}

func TestRiskAwareFundingAndClamp(t *testing.T) {
	p := NewRiskAwarePolicy(1.0, 0.5, 10.0, 1.0, 1.0, 0.5)

	snap := snapWithTrend(snapshot.TrendUp, snapshot.RegimeNormal, 0.004)
	z := 10.0 // extreme positive funding crushes RR to the floor
	snap.Context.FundingZ = &z
	dec, err := p.Decide(context.Background(), snap)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, dec.RR, 1e-9)

	neg := -10.0 // extreme negative funding hits the ceiling
	snap = snapWithTrend(snapshot.TrendUp, snapshot.RegimeNormal, 0.004)
	snap.Context.FundingZ = &neg
	dec, err = p.Decide(context.Background(), snap)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, dec.RR, 1e-9)
}

func TestRiskAwareConfidenceByRegime(t *testing.T) {
	p := NewRiskAwarePolicy(1.0, 0.5, 10.0, 1.0, 1.0, 0.5)

	dec, err := p.Decide(context.Background(), snapWithTrend(snapshot.TrendUp, snapshot.RegimeDead, 0.001))
	require.NoError(t, err)
	assert.InDelta(t, 0.8, *dec.Confidence, 1e-9)

	dec, err = p.Decide(context.Background(), snapWithTrend(snapshot.TrendUp, snapshot.RegimeExpansion, 0.01))
	require.NoError(t, err)
	assert.InDelta(t, 1.0, *dec.Confidence, 1e-9) // clamped from 1.2
}

type fixedScorer struct{ score float64 }

func (f fixedScorer) Score([]float64) float64 { return f.score }
func (f fixedScorer) Kind() string            { return "fixed" }

const hybridSpec = `
version: test_v1
features:
  - key: ltf_atr_pct
    path: "$.ltf.price.atr_pct"
    type: float
    default_value: 0.0
output:
  feature_count: 1
`

func TestHybridMultipliesConfidence(t *testing.T) {
	mapper, err := features.Parse([]byte(hybridSpec))
	require.NoError(t, err)

	rule := NewRiskAwarePolicy(1.0, 0.5, 10.0, 1.0, 1.0, 0.5)
	hybrid := NewHybridPolicy(rule, mapper, fixedScorer{score: 0.6}, "mul")

	dec, comps, err := hybrid.DecideWithComponents(context.Background(), snapWithTrend(snapshot.TrendUp, snapshot.RegimeDead, 0.001))
	require.NoError(t, err)

	assert.InDelta(t, 0.8, comps.RuleConf, 1e-9)
	assert.InDelta(t, 0.6, comps.ModelScore, 1e-9)
	assert.InDelta(t, 0.48, comps.Final, 1e-9)
	assert.InDelta(t, 0.48, *dec.Confidence, 1e-9)
	assert.Equal(t, "hybrid_v1", dec.PolicyID)

	// The hybrid never turns a rule trade into a no-trade.
	assert.Equal(t, trade.DirectionLong, dec.Direction)
}

func TestHybridConfModes(t *testing.T) {
	mapper, err := features.Parse([]byte(hybridSpec))
	require.NoError(t, err)
	rule := NewRiskAwarePolicy(1.0, 0.5, 10.0, 1.0, 1.0, 0.5)
	snap := snapWithTrend(snapshot.TrendUp, snapshot.RegimeDead, 0.001)

	modes := map[string]float64{
		"mul":   0.48,
		"model": 0.6,
		"rule":  0.8,
	}
	for mode, want := range modes {
		hybrid := NewHybridPolicy(rule, mapper, fixedScorer{score: 0.6}, mode)
		dec, err := hybrid.Decide(context.Background(), snap)
		require.NoError(t, err, mode)
		assert.InDelta(t, want, *dec.Confidence, 1e-9, mode)
	}
}

func TestNeutralScorer(t *testing.T) {
	assert.InDelta(t, 1.0, NeutralScorer{}.Score([]float64{1, 2, 3}), 1e-12)
	assert.Equal(t, "neutral", NeutralScorer{}.Kind())
}

func TestNewScorerFallsBackToNeutral(t *testing.T) {
	// No model configured.
	assert.Equal(t, "neutral", NewScorer("", "auto").Kind())
	// Missing file.
	assert.Equal(t, "neutral", NewScorer("/nonexistent/model.txt", "auto").Kind())
	// Pickled estimators cannot be loaded here.
	assert.Equal(t, "neutral", NewScorer("model.pkl", "auto").Kind())
	assert.Equal(t, "neutral", NewScorer("model.bin", "sklearn").Kind())
}
