// Package metrics exposes Prometheus counters for the trading runtime.
// Label values come from bounded vocabularies; arbitrary reasons are
// normalized before they reach a label.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded risk rejection categories for the rejection counter label.
const (
	RejectionConfidence = "confidence"
	RejectionBalance    = "balance"
	RejectionMargin     = "margin"
	RejectionNotional   = "notional"
	RejectionQty        = "qty"
	RejectionGuard      = "guard"
	RejectionOther      = "other"
)

// NormalizeRejectionReason maps an engine or guard reason string onto the
// bounded label set.
func NormalizeRejectionReason(reason string) string {
	lower := strings.ToLower(reason)
	switch {
	case strings.HasPrefix(lower, "confidence"):
		return RejectionConfidence
	case strings.Contains(lower, "balance") || strings.Contains(lower, "budget"):
		return RejectionBalance
	case strings.Contains(lower, "margin"):
		return RejectionMargin
	case strings.Contains(lower, "notional"):
		return RejectionNotional
	case strings.Contains(lower, "qty") || strings.Contains(lower, "stop_distance"):
		return RejectionQty
	case strings.Contains(lower, "cooldown") || strings.Contains(lower, "daily") ||
		strings.Contains(lower, "consecutive") || strings.Contains(lower, "trades_per_day"):
		return RejectionGuard
	default:
		return RejectionOther
	}
}

var (
	CyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perptrader_cycles_total",
		Help: "Completed decision cycles",
	})

	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perptrader_decisions_total",
		Help: "Decisions produced by the policy, by direction",
	}, []string{"direction"})

	TradesOpenedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perptrader_trades_opened_total",
		Help: "Trades opened",
	})

	TradesClosedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perptrader_trades_closed_total",
		Help: "Trades closed, by exit type",
	}, []string{"exit_type"})

	RiskRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perptrader_risk_rejections_total",
		Help: "Entries rejected by the risk engine or guard, by category",
	}, []string{"category"})

	SnapshotBuildFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perptrader_snapshot_build_failures_total",
		Help: "Snapshot builds that degraded to a placeholder",
	})

	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perptrader_open_positions",
		Help: "Currently open positions",
	})

	EquityUSDT = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perptrader_equity_usdt",
		Help: "Account equity in USDT",
	})

	UniverseSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perptrader_universe_size",
		Help: "Symbols in the active universe",
	})
)
