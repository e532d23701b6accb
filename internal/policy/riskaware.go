package policy

import (
	"context"
	"fmt"
	"math"

	"github.com/quantfunk/perptrader/internal/indicators"
	"github.com/quantfunk/perptrader/internal/snapshot"
	"github.com/quantfunk/perptrader/internal/trade"
)

// Base RR and confidence score per LTF volatility regime.
var (
	defaultVolRR = map[string]float64{
		snapshot.RegimeDead:      1.0,
		snapshot.RegimeNormal:    2.0,
		snapshot.RegimeExpansion: 3.0,
	}
	volScore = map[string]float64{
		snapshot.RegimeDead:      0.8,
		snapshot.RegimeNormal:    1.0,
		snapshot.RegimeExpansion: 1.2,
	}
)

// RiskAwarePolicy modulates RR by the volatility regime, an ATR term and
// the funding z-score. Deterministic for a given snapshot and config.
type RiskAwarePolicy struct {
	ATRK          float64
	RRFloor       float64
	RRCeiling     float64
	VolWeight     float64
	ATRWeight     float64
	FundingWeight float64
}

// NewRiskAwarePolicy creates a risk-aware policy with the given weights.
// Non-positive floor/ceiling fall back to [0.5, 10].
func NewRiskAwarePolicy(atrK, rrFloor, rrCeiling, volW, atrW, fundW float64) *RiskAwarePolicy {
	if atrK <= 0 {
		atrK = 1.0
	}
	if rrFloor <= 0 {
		rrFloor = 0.5
	}
	if rrCeiling <= 0 {
		rrCeiling = 10.0
	}
	return &RiskAwarePolicy{
		ATRK:          atrK,
		RRFloor:       rrFloor,
		RRCeiling:     rrCeiling,
		VolWeight:     volW,
		ATRWeight:     atrW,
		FundingWeight: fundW,
	}
}

func (p *RiskAwarePolicy) ID() string { return "risk_aware_v1" }

func (p *RiskAwarePolicy) computeRR(snap *snapshot.Snapshot) float64 {
	regime := snap.LTF.Price.VolatilityRegime
	baseRR, ok := defaultVolRR[regime]
	if !ok {
		baseRR = defaultVolRR[snapshot.RegimeNormal]
	}

	atrTerm := 1.0 + p.ATRWeight*(snap.LTF.Price.ATRPct*100.0)

	fundingZ := 0.0
	if snap.Context.FundingZ != nil {
		fundingZ = *snap.Context.FundingZ
	}
	fundingAdj := 1.0 - p.FundingWeight*fundingZ

	rr := baseRR * p.VolWeight * atrTerm * fundingAdj
	return indicators.Clamp(rr, p.RRFloor, p.RRCeiling)
}

// confidence maps the volatility regime to a rule confidence in [0,1].
func (p *RiskAwarePolicy) confidence(snap *snapshot.Snapshot) float64 {
	score, ok := volScore[snap.LTF.Price.VolatilityRegime]
	if !ok {
		score = 1.0
	}
	return indicators.Clamp(score, 0, 1)
}

// Decide derives the decision with a dynamically computed RR.
func (p *RiskAwarePolicy) Decide(_ context.Context, snap *snapshot.Snapshot) (*trade.Decision, error) {
	entry := snap.LTF.Price.Close
	if entry <= 0 {
		return nil, fmt.Errorf("risk-aware policy: snapshot %s has no close price", snap.SnapshotID)
	}

	dist := slDistance(p.ATRK, snap.LTF.Price.ATRPct, entry)
	rr := p.computeRR(snap)
	direction, action := directionFrom(snap)
	sl, tp := levels(direction, entry, dist, rr)

	return trade.NewDecision(trade.Decision{
		SnapshotID:      snap.SnapshotID,
		Symbol:          snap.Symbol,
		Direction:       direction,
		ActionType:      action,
		EntryPrice:      entry,
		SLPrice:         sl,
		TPPrice:         tp,
		RR:              rr,
		RiskUnit:        math.Abs(entry - sl),
		Confidence:      trade.Float64(p.confidence(snap)),
		PolicyID:        p.ID(),
		DecisionTimeUTC: snap.SnapshotTimeUTC,
	})
}
