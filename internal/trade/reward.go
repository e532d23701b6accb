package trade

import (
	"fmt"
	"math"

	"github.com/quantfunk/perptrader/internal/market"
)

// Reward is the realized outcome of a closed trade.
// PnLRaw is in price units per contract; PnLR is the R-multiple
// (pnl_raw / risk_unit).
type Reward struct {
	RewardVersion string   `json:"reward_version"`
	PnLRaw        float64  `json:"pnl_raw"`
	PnLR          float64  `json:"pnl_r"`
	MFE           float64  `json:"mfe"`
	MAE           float64  `json:"mae"`
	HoldingSec    int64    `json:"holding_seconds"`
	ExitType      ExitType `json:"exit_type"`
	PnLUSDT       float64  `json:"pnl_usdt"`
	RiskUSDT      float64  `json:"risk_usdt"`
	Qty           float64  `json:"qty"`
	FeesUSDT      float64  `json:"fees_usdt"`
	FundingUSDT   float64  `json:"funding_usdt"`
}

// ComputeReward derives the reward from a CLOSED execution. candles should
// cover the holding window for MFE/MAE; with no candles a single synthetic
// entry/exit bar is assumed.
func ComputeReward(dec *Decision, exec *Execution, candles []market.Candle) (*Reward, error) {
	if exec.Status != StatusClosed || exec.ExitFillPrice == nil {
		return nil, fmt.Errorf("reward: execution must be CLOSED with an exit fill")
	}
	if dec.RiskUnit <= 0 {
		return nil, fmt.Errorf("reward: decision risk_unit must be positive")
	}

	entry := exec.EntryFillPrice
	exit := *exec.ExitFillPrice
	sign := dec.Direction.Sign()
	d := (exit - entry) * sign

	fees := exec.FeesTotal
	funding := exec.FundingPaid
	qty := exec.Qty

	var pnlUSDT, pnlRaw, riskUSDT float64
	if qty > 0 {
		pnlUSDT = qty*d - fees - funding
		pnlRaw = d - (fees/qty + funding/qty)
		riskUSDT = qty * dec.RiskUnit
	} else {
		// No quantity known: fees and funding are treated per-unit.
		pnlRaw = d - fees - funding
		pnlUSDT = pnlRaw
		riskUSDT = dec.RiskUnit
	}

	mfe, mae := MFEMAE(dec.Direction, entry, exit, candles)

	exitType := ExitUnknown
	if exec.ExitType != nil {
		exitType = *exec.ExitType
	}

	return &Reward{
		RewardVersion: "v1",
		PnLRaw:        pnlRaw,
		PnLR:          pnlRaw / dec.RiskUnit,
		MFE:           mfe,
		MAE:           mae,
		HoldingSec:    exec.HoldingSeconds(),
		ExitType:      exitType,
		PnLUSDT:       pnlUSDT,
		RiskUSDT:      riskUSDT,
		Qty:           qty,
		FeesUSDT:      fees,
		FundingUSDT:   funding,
	}, nil
}

// MFEMAE computes the maximum favorable and adverse excursions in price
// units over the holding window. Both values are >= 0. With no candles a
// synthetic bar spanning entry and exit is used.
func MFEMAE(direction Direction, entry, exit float64, candles []market.Candle) (mfe, mae float64) {
	if len(candles) == 0 {
		candles = []market.Candle{{
			Open:  entry,
			High:  math.Max(entry, exit),
			Low:   math.Min(entry, exit),
			Close: exit,
		}}
	}
	hi := candles[0].High
	lo := candles[0].Low
	for _, c := range candles[1:] {
		hi = math.Max(hi, c.High)
		lo = math.Min(lo, c.Low)
	}
	if direction == DirectionLong {
		mfe = math.Max(0, hi-entry)
		mae = math.Max(0, entry-lo)
	} else {
		mfe = math.Max(0, entry-lo)
		mae = math.Max(0, hi-entry)
	}
	return mfe, mae
}
