package trade

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validLong() Decision {
	return Decision{
		SnapshotID:      "abc",
		Symbol:          "BTCUSDT",
		Direction:       DirectionLong,
		ActionType:      ActionLong,
		EntryPrice:      100,
		SLPrice:         99,
		TPPrice:         102,
		RR:              2,
		RiskUnit:        1,
		Confidence:      Float64(0.8),
		PolicyID:        "rule_v1",
		DecisionTimeUTC: 1700000100,
	}
}

func TestNewDecisionValid(t *testing.T) {
	d, err := NewDecision(validLong())
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, d.SchemaVersion)
	assert.Equal(t, DirectionLong, d.Direction)
}

func TestDecisionValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Decision)
	}{
		{"direction/action mismatch", func(d *Decision) { d.ActionType = ActionShort }},
		{"unknown direction", func(d *Decision) { d.Direction = "SIDEWAYS" }},
		{"non-positive entry", func(d *Decision) { d.EntryPrice = 0 }},
		{"non-positive sl", func(d *Decision) { d.SLPrice = -1 }},
		{"risk unit mismatch", func(d *Decision) { d.RiskUnit = 2 }},
		{"zero risk unit", func(d *Decision) { d.RiskUnit = 0; d.SLPrice = d.EntryPrice }},
		{"negative rr", func(d *Decision) { d.RR = -1 }},
		{"confidence above 1", func(d *Decision) { d.Confidence = Float64(1.5) }},
		{"confidence below 0", func(d *Decision) { d.Confidence = Float64(-0.1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validLong()
			tt.mutate(&d)
			_, err := NewDecision(d)
			assert.Error(t, err)
		})
	}
}

func TestDecisionRiskUnitTolerance(t *testing.T) {
	d := validLong()
	// Within the 1e-9 relative tolerance.
	d.RiskUnit = 1 + 1e-10
	_, err := NewDecision(d)
	assert.NoError(t, err)
}

func TestDecisionShort(t *testing.T) {
	d := Decision{
		Direction:  DirectionShort,
		ActionType: ActionShort,
		EntryPrice: 100,
		SLPrice:    101,
		TPPrice:    98,
		RR:         2,
		RiskUnit:   1,
	}
	got, err := NewDecision(d)
	require.NoError(t, err)
	assert.Equal(t, -1.0, got.Direction.Sign())
	assert.Nil(t, got.Confidence)
}
