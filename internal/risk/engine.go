// Package risk contains the pre-trade position sizing engine and the
// runtime risk guard. The engine is the sole authority for rejecting a
// decision; every rejection carries a machine-readable reason.
package risk

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	appconfig "github.com/quantfunk/perptrader/internal/config"
	"github.com/quantfunk/perptrader/internal/market"
	"github.com/quantfunk/perptrader/internal/trade"
)

// Rejection reasons. These strings are persisted in decision-cycle records
// and must stay stable.
const (
	ReasonAccountBalanceInvalid  = "account_balance_invalid"
	ReasonRiskBudgetInvalid      = "risk_budget_invalid"
	ReasonStopDistanceInvalid    = "stop_distance_invalid"
	ReasonQtyInvalid             = "qty_invalid"
	ReasonMarginLimitInvalid     = "margin_limit_invalid"
	ReasonMarginTooHigh          = "margin_too_high"
	ReasonQtyTooSmallAfterMargin = "qty_too_small_after_margin"
	ReasonOverrideRiskTooHigh    = "min_notional_override_risk_too_high"
	ReasonOverrideCapExceeded    = "min_notional_override_cap_exceeded"
	ReasonOverrideMarginTooHigh  = "min_notional_override_margin_too_high"
)

const stepEps = 1e-9

// Plan is the sizing result for an accepted or rejected decision.
type Plan struct {
	OK           bool    `json:"ok"`
	Reason       string  `json:"reason,omitempty"`
	Qty          float64 `json:"qty"`
	NotionalUSDT float64 `json:"notional_usdt"`
	Leverage     int     `json:"leverage"`
	RiskUSDT     float64 `json:"risk_usdt"`
	RiskPct      float64 `json:"risk_pct"`
}

func reject(reason string) Plan {
	return Plan{OK: false, Reason: reason}
}

// Engine sizes positions from the risk budget under margin, leverage and
// market min-notional constraints.
type Engine struct {
	cfg    appconfig.RiskConfig
	logger zerolog.Logger
}

// NewEngine creates a risk engine.
func NewEngine(cfg appconfig.RiskConfig) *Engine {
	return &Engine{cfg: cfg, logger: appconfig.NewLogger("risk_engine")}
}

// PlanTrade runs the sizing procedure, short-circuiting on the first
// failed gate. The arithmetic is deterministic; quantities round down to
// the step except where min-quantity and min-notional bumps round up.
func (e *Engine) PlanTrade(dec *trade.Decision, account market.Balance, constraints market.Constraints) Plan {
	// 1. Confidence gate. A nil confidence passes.
	if dec.Confidence != nil && *dec.Confidence < e.cfg.MinConfidence {
		return reject(fmt.Sprintf("confidence<%g", e.cfg.MinConfidence))
	}

	// 2. Account sanity.
	if account.Equity <= 0 || account.Free <= 0 {
		return reject(ReasonAccountBalanceInvalid)
	}

	// 3. Risk budget: absolute USDT wins over percentage.
	budget := e.cfg.PerTradeUSDT
	if budget <= 0 {
		budget = account.Equity * e.cfg.PerTradePct / 100.0
	}
	if budget <= 0 {
		return reject(ReasonRiskBudgetInvalid)
	}

	stop := dec.RiskUnit
	if stop <= 0 {
		return reject(ReasonStopDistanceInvalid)
	}
	entry := dec.EntryPrice

	// 4. Initial quantity from the budget.
	qty := FloorToStep(budget/stop, constraints.QtyStep)
	if constraints.MinQty > 0 && qty < constraints.MinQty {
		qty = CeilToStep(constraints.MinQty, constraints.QtyStep)
	}
	if qty <= 0 {
		return reject(ReasonQtyInvalid)
	}

	// 5. Notional cap.
	if e.cfg.MaxNotionalUSDT > 0 && qty*entry > e.cfg.MaxNotionalUSDT {
		qty = FloorToStep(e.cfg.MaxNotionalUSDT/entry, constraints.QtyStep)
		if qty <= 0 {
			return reject(ReasonQtyInvalid)
		}
	}
	notional := qty * entry

	// 6. Leverage and margin.
	leverage := clampInt(e.cfg.Leverage, 1, e.cfg.MaxLeverage)
	marginLimit := e.cfg.MarginUtilization * account.Free
	if e.cfg.MaxExposurePctPerSymbol > 0 {
		exposureCap := account.Equity * e.cfg.MaxExposurePctPerSymbol / 100.0
		if exposureCap < marginLimit {
			marginLimit = exposureCap
		}
	}
	if marginLimit <= 0 {
		return reject(ReasonMarginLimitInvalid)
	}

	if notional/float64(leverage) > marginLimit+stepEps {
		// First try raising leverage, then scaling the quantity down.
		needed := int(math.Ceil(notional / marginLimit))
		if needed <= e.cfg.MaxLeverage {
			leverage = clampInt(needed, 1, e.cfg.MaxLeverage)
		} else {
			leverage = e.cfg.MaxLeverage
			qty = FloorToStep(marginLimit*float64(leverage)/entry, constraints.QtyStep)
			if constraints.MinQty > 0 && qty < constraints.MinQty {
				return reject(ReasonQtyTooSmallAfterMargin)
			}
			if qty <= 0 {
				return reject(ReasonQtyTooSmallAfterMargin)
			}
			notional = qty * entry
		}
		if notional/float64(leverage) > marginLimit+stepEps {
			return reject(ReasonMarginTooHigh)
		}
	}

	// 7. Min-notional enforcement.
	minNotional := constraints.MinNotionalUSDT
	if minNotional <= 0 {
		minNotional = 5.0
	}
	if notional < minNotional {
		if e.cfg.MinNotionalPolicy == appconfig.MinNotionalSkip {
			return reject(fmt.Sprintf("notional<%g", minNotional))
		}
		// override_with_cap: bump the quantity to the venue minimum and
		// re-check the risk and margin implications.
		qty2 := CeilToStep(minNotional/entry, constraints.QtyStep)
		if constraints.MinQty > 0 && qty2 < constraints.MinQty {
			qty2 = CeilToStep(constraints.MinQty, constraints.QtyStep)
		}
		risk2 := qty2 * stop
		if risk2 > budget*e.cfg.MaxRiskMultiplierOnOverride {
			return reject(ReasonOverrideRiskTooHigh)
		}
		if e.cfg.MaxRiskOverrideUSDT > 0 && risk2 > e.cfg.MaxRiskOverrideUSDT {
			return reject(ReasonOverrideCapExceeded)
		}
		notional2 := qty2 * entry
		if notional2/float64(leverage) > marginLimit+stepEps {
			needed := int(math.Ceil(notional2 / marginLimit))
			if needed > e.cfg.MaxLeverage {
				return reject(ReasonOverrideMarginTooHigh)
			}
			leverage = needed
		}
		qty = qty2
		notional = notional2
	}

	riskUSDT := qty * stop
	plan := Plan{
		OK:           true,
		Qty:          qty,
		NotionalUSDT: notional,
		Leverage:     leverage,
		RiskUSDT:     riskUSDT,
		RiskPct:      riskUSDT / account.Equity * 100.0,
	}
	e.logger.Debug().
		Str("symbol", dec.Symbol).
		Float64("qty", plan.Qty).
		Float64("notional", plan.NotionalUSDT).
		Int("leverage", plan.Leverage).
		Float64("risk_usdt", plan.RiskUSDT).
		Msg("Trade plan accepted")
	return plan
}

// FloorToStep rounds x down to a multiple of step. A non-positive step
// leaves x unchanged.
func FloorToStep(x, step float64) float64 {
	if step <= 0 {
		return x
	}
	return math.Floor(x/step+stepEps) * step
}

// CeilToStep rounds x up to a multiple of step. A non-positive step leaves
// x unchanged.
func CeilToStep(x, step float64) float64 {
	if step <= 0 {
		return x
	}
	return math.Ceil(x/step-stepEps) * step
}

func clampInt(x, lo, hi int) int {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
