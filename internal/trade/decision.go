// Package trade holds the trade lifecycle domain: the immutable decision,
// execution state, reward state and the aggregate tying them together.
package trade

import (
	"fmt"
	"math"
)

const SchemaVersion = "v3"

// Direction of a position.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Action types as used by the RL datasets: 0 = SHORT, 1 = LONG.
const (
	ActionShort = 0
	ActionLong  = 1
)

// Sign returns +1 for LONG, -1 for SHORT.
func (d Direction) Sign() float64 {
	if d == DirectionShort {
		return -1
	}
	return 1
}

// Decision is an immutable directional trade decision with entry, stop-loss
// and take-profit levels. Construct through NewDecision; a Decision that
// fails Validate must never enter the pipeline.
type Decision struct {
	SchemaVersion   string    `json:"schema_version"`
	SnapshotID      string    `json:"snapshot_id"`
	Symbol          string    `json:"symbol"`
	Direction       Direction `json:"direction"`
	ActionType      int       `json:"action_type"`
	EntryPrice      float64   `json:"entry_price"`
	SLPrice         float64   `json:"sl_price"`
	TPPrice         float64   `json:"tp_price"`
	RR              float64   `json:"rr"`
	RiskUnit        float64   `json:"risk_unit"`
	Confidence      *float64  `json:"confidence"`
	PolicyID        string    `json:"policy_id"`
	DecisionTimeUTC int64     `json:"decision_time_utc"`
}

// NewDecision validates and returns a decision.
func NewDecision(d Decision) (*Decision, error) {
	if d.SchemaVersion == "" {
		d.SchemaVersion = SchemaVersion
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate enforces the decision invariants.
func (d *Decision) Validate() error {
	switch d.Direction {
	case DirectionLong:
		if d.ActionType != ActionLong {
			return fmt.Errorf("decision: direction LONG requires action_type %d, got %d", ActionLong, d.ActionType)
		}
	case DirectionShort:
		if d.ActionType != ActionShort {
			return fmt.Errorf("decision: direction SHORT requires action_type %d, got %d", ActionShort, d.ActionType)
		}
	default:
		return fmt.Errorf("decision: invalid direction %q", d.Direction)
	}
	if d.EntryPrice <= 0 || d.SLPrice <= 0 || d.TPPrice <= 0 {
		return fmt.Errorf("decision: prices must be positive (entry=%v sl=%v tp=%v)", d.EntryPrice, d.SLPrice, d.TPPrice)
	}
	if d.RiskUnit <= 0 {
		return fmt.Errorf("decision: risk_unit must be positive, got %v", d.RiskUnit)
	}
	tol := 1e-9 * math.Max(1.0, math.Abs(d.EntryPrice))
	if math.Abs(d.RiskUnit-math.Abs(d.EntryPrice-d.SLPrice)) > tol {
		return fmt.Errorf("decision: risk_unit %v does not match |entry-sl| %v", d.RiskUnit, math.Abs(d.EntryPrice-d.SLPrice))
	}
	if d.RR < 0 {
		return fmt.Errorf("decision: rr must be >= 0, got %v", d.RR)
	}
	if d.Confidence != nil && (*d.Confidence < 0 || *d.Confidence > 1) {
		return fmt.Errorf("decision: confidence out of [0,1]: %v", *d.Confidence)
	}
	return nil
}

// WithConfidence returns a copy carrying the given confidence.
func (d Decision) WithConfidence(c float64) Decision {
	d.Confidence = &c
	return d
}

// Float64 is a convenience for building optional confidence values.
func Float64(v float64) *float64 { return &v }
