package policy

import (
	"context"
	"fmt"
	"math"

	"github.com/quantfunk/perptrader/internal/snapshot"
	"github.com/quantfunk/perptrader/internal/trade"
)

// RulePolicy is the baseline policy: fixed RR, ATR-scaled stop distance,
// direction from the 1h trend.
type RulePolicy struct {
	RR   float64
	ATRK float64
}

// NewRulePolicy creates a rule policy; zero values fall back to RR=2, ATRK=1.
func NewRulePolicy(rr, atrK float64) *RulePolicy {
	if rr <= 0 {
		rr = 2.0
	}
	if atrK <= 0 {
		atrK = 1.0
	}
	return &RulePolicy{RR: rr, ATRK: atrK}
}

func (p *RulePolicy) ID() string { return "rule_v1" }

// Decide derives entry/sl/tp from the snapshot's last close.
func (p *RulePolicy) Decide(_ context.Context, snap *snapshot.Snapshot) (*trade.Decision, error) {
	entry := snap.LTF.Price.Close
	if entry <= 0 {
		return nil, fmt.Errorf("rule policy: snapshot %s has no close price", snap.SnapshotID)
	}

	dist := slDistance(p.ATRK, snap.LTF.Price.ATRPct, entry)
	direction, action := directionFrom(snap)
	sl, tp := levels(direction, entry, dist, p.RR)

	return trade.NewDecision(trade.Decision{
		SnapshotID:      snap.SnapshotID,
		Symbol:          snap.Symbol,
		Direction:       direction,
		ActionType:      action,
		EntryPrice:      entry,
		SLPrice:         sl,
		TPPrice:         tp,
		RR:              p.RR,
		RiskUnit:        math.Abs(entry - sl),
		Confidence:      trade.Float64(1.0),
		PolicyID:        p.ID(),
		DecisionTimeUTC: snap.SnapshotTimeUTC,
	})
}
