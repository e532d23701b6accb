package trade

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openAggregate(t *testing.T) *Aggregate {
	t.Helper()
	dec, err := NewDecision(validLong())
	require.NoError(t, err)
	agg, err := NewOpenTrade("BTCUSDT", "snap1", 1700000100, dec, &PolicyInfo{PolicyID: "hybrid_v1"}, time.Now())
	require.NoError(t, err)
	return agg
}

func TestNewOpenTrade(t *testing.T) {
	agg := openAggregate(t)
	assert.NotEmpty(t, agg.TradeID)
	assert.Equal(t, StatusOpen, agg.Status())
	assert.Nil(t, agg.Execution)
	assert.Nil(t, agg.Reward)
}

func TestAttachExecutionLifecycle(t *testing.T) {
	agg := openAggregate(t)

	open := NewOpenExecution("binance", 3, 1, 100, 100, 1700000100)
	open.EntryOrderID = "e1"
	require.NoError(t, agg.AttachExecution(open))
	assert.Equal(t, StatusOpen, agg.Status())
	assert.Equal(t, "e1", agg.Execution.EntryOrderID)

	// OPEN update merges new metadata without losing prior fields.
	update := &Execution{Status: StatusOpen, TPOrderID: "tp1", FeesTotal: 0.06}
	require.NoError(t, agg.AttachExecution(update))
	assert.Equal(t, "e1", agg.Execution.EntryOrderID)
	assert.Equal(t, "tp1", agg.Execution.TPOrderID)
	assert.InDelta(t, 0.06, agg.Execution.FeesTotal, 1e-12)

	closed := NewOpenExecution("binance", 3, 1, 100, 100, 1700000100)
	require.NoError(t, closed.Close(100.4, 1700003700, ExitTP))
	require.NoError(t, agg.AttachExecution(closed))
	assert.Equal(t, StatusClosed, agg.Status())
	require.NotNil(t, agg.ClosedTimeUTC)
	assert.Equal(t, int64(1700003700), *agg.ClosedTimeUTC)

	// CLOSED is terminal.
	err := agg.AttachExecution(&Execution{Status: StatusOpen})
	assert.Error(t, err)
}

func TestAttachExecutionClosedRequiresExit(t *testing.T) {
	agg := openAggregate(t)
	err := agg.AttachExecution(&Execution{Status: StatusClosed})
	assert.Error(t, err)
}

func TestAttachRewardOnlyWhenClosed(t *testing.T) {
	agg := openAggregate(t)
	r := &Reward{RewardVersion: "v1", PnLR: 1.9}

	assert.Error(t, agg.AttachReward(r))

	closed := NewOpenExecution("binance", 3, 1, 100, 100, 1700000100)
	require.NoError(t, closed.Close(100.4, 1700003700, ExitTP))
	require.NoError(t, agg.AttachExecution(closed))

	require.NoError(t, agg.AttachReward(r))
	assert.Equal(t, r, agg.Reward)
}
