package trade

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfunk/perptrader/internal/market"
)

func closedExecution(entry, exit float64, qty float64, exitType ExitType) *Execution {
	e := NewOpenExecution("binance", 3, qty, qty*entry, entry, 1700000100)
	_ = e.Close(exit, 1700003700, exitType)
	return e
}

func TestComputeRewardLongTP(t *testing.T) {
	dec, err := NewDecision(Decision{
		Direction: DirectionLong, ActionType: ActionLong,
		EntryPrice: 100, SLPrice: 99.8, TPPrice: 100.4,
		RR: 2, RiskUnit: 0.2,
	})
	require.NoError(t, err)

	exec := closedExecution(100, 100.4, 1, ExitTP)
	exec.FeesTotal = 0.02

	r, err := ComputeReward(dec, exec, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.38, r.PnLUSDT, 1e-9)   // 1*0.4 - 0.02
	assert.InDelta(t, 0.38, r.PnLRaw, 1e-9)    // 0.4 - 0.02/1
	assert.InDelta(t, 1.9, r.PnLR, 1e-6)       // 0.38 / 0.2
	assert.InDelta(t, 0.2, r.RiskUSDT, 1e-9)   // qty * risk_unit
	assert.Equal(t, ExitTP, r.ExitType)
	assert.Equal(t, int64(3600), r.HoldingSec)
}

func TestComputeRewardShortLoss(t *testing.T) {
	dec, err := NewDecision(Decision{
		Direction: DirectionShort, ActionType: ActionShort,
		EntryPrice: 100, SLPrice: 101, TPPrice: 98,
		RR: 2, RiskUnit: 1,
	})
	require.NoError(t, err)

	exec := closedExecution(100, 101, 2, ExitSL)
	r, err := ComputeReward(dec, exec, nil)
	require.NoError(t, err)
	assert.InDelta(t, -2.0, r.PnLUSDT, 1e-9)
	assert.InDelta(t, -1.0, r.PnLR, 1e-6)
}

func TestComputeRewardZeroQtyPerUnitFees(t *testing.T) {
	dec, err := NewDecision(Decision{
		Direction: DirectionLong, ActionType: ActionLong,
		EntryPrice: 100, SLPrice: 99, TPPrice: 102,
		RR: 2, RiskUnit: 1,
	})
	require.NoError(t, err)

	exec := closedExecution(100, 102, 0, ExitTP)
	exec.FeesTotal = 0.1

	r, err := ComputeReward(dec, exec, nil)
	require.NoError(t, err)
	assert.InDelta(t, 1.9, r.PnLRaw, 1e-9)
	assert.InDelta(t, 1.9, r.PnLUSDT, 1e-9)
	assert.InDelta(t, 1.0, r.RiskUSDT, 1e-9)
}

func TestComputeRewardRequiresClosed(t *testing.T) {
	dec, _ := NewDecision(validLong())
	exec := NewOpenExecution("binance", 3, 1, 100, 100, 1700000100)
	_, err := ComputeReward(dec, exec, nil)
	assert.Error(t, err)
}

func TestMFEMAE(t *testing.T) {
	candles := []market.Candle{
		{High: 101, Low: 99.5},
		{High: 103, Low: 100},
		{High: 102, Low: 98},
	}

	mfe, mae := MFEMAE(DirectionLong, 100, 102, candles)
	assert.InDelta(t, 3.0, mfe, 1e-9)
	assert.InDelta(t, 2.0, mae, 1e-9)

	mfe, mae = MFEMAE(DirectionShort, 100, 98, candles)
	assert.InDelta(t, 2.0, mfe, 1e-9)
	assert.InDelta(t, 3.0, mae, 1e-9)

	// Synthetic fallback bar spans entry and exit.
	mfe, mae = MFEMAE(DirectionLong, 100, 101, nil)
	assert.InDelta(t, 1.0, mfe, 1e-9)
	assert.InDelta(t, 0.0, mae, 1e-9)
}
