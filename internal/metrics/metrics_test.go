package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeRejectionReason(t *testing.T) {
	cases := map[string]string{
		"confidence<0.35":                       RejectionConfidence,
		"account_balance_invalid":               RejectionBalance,
		"risk_budget_invalid":                   RejectionBalance,
		"margin_too_high":                       RejectionMargin,
		"min_notional_override_margin_too_high": RejectionMargin,
		"notional<5":                            RejectionNotional,
		"qty_invalid":                           RejectionQty,
		"stop_distance_invalid":                 RejectionQty,
		"cooldown_active":                       RejectionGuard,
		"max_trades_per_day":                    RejectionGuard,
		"max_daily_loss_usdt":                   RejectionGuard,
		"max_consecutive_losses":                RejectionGuard,
		"something_else":                        RejectionOther,
	}
	for reason, want := range cases {
		assert.Equal(t, want, NormalizeRejectionReason(reason), reason)
	}
}
