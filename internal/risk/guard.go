package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	appconfig "github.com/quantfunk/perptrader/internal/config"
	"github.com/quantfunk/perptrader/internal/trade"
)

// Guard block reasons, persisted in decision-cycle records.
const (
	GuardReasonCooldown        = "cooldown_active"
	GuardReasonMaxTradesPerDay = "max_trades_per_day"
	GuardReasonDailyLossUSDT   = "max_daily_loss_usdt"
	GuardReasonDailyLossPct    = "max_daily_loss_pct"
	GuardReasonLossStreak      = "max_consecutive_losses"
)

type guardClose struct {
	exitAt time.Time
	pnl    float64
}

// Guard is the runtime risk guard. It tracks the day's activity in strict
// UTC buckets and blocks new entries after cooldowns, daily caps or a loss
// streak. In paper mode the guard is a pass-through unless explicitly
// enabled.
type Guard struct {
	cfg     appconfig.GuardConfig
	enabled bool
	logger  zerolog.Logger

	mu     sync.Mutex
	opens  []time.Time
	closes []guardClose
}

// NewGuard creates a guard. enabled=false turns every check into a
// pass-through (paper mode without the opt-in).
func NewGuard(cfg appconfig.GuardConfig, enabled bool) *Guard {
	return &Guard{
		cfg:     cfg,
		enabled: enabled,
		logger:  appconfig.NewLogger("risk_guard"),
	}
}

// Enabled reports whether the guard is active.
func (g *Guard) Enabled() bool { return g.enabled }

// RecordOpen registers a new entry at the given time.
func (g *Guard) RecordOpen(at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.opens = append(g.opens, at.UTC())
}

// RecordClose registers a closed trade so daily-loss and streak checks see
// it. The realized PnL comes from the reward when present, preferring the
// USDT figure, then falling back to per-unit times quantity.
func (g *Guard) RecordClose(agg *trade.Aggregate) {
	if agg == nil || agg.Execution == nil {
		return
	}
	exec := agg.Execution
	if exec.ExitTimeUTC == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closes = append(g.closes, guardClose{
		exitAt: time.Unix(*exec.ExitTimeUTC, 0).UTC(),
		pnl:    realizedPnL(agg),
	})
}

func realizedPnL(agg *trade.Aggregate) float64 {
	rw := agg.Reward
	if rw == nil {
		return 0
	}
	if rw.PnLUSDT != 0 {
		return rw.PnLUSDT
	}
	if rw.Qty > 0 {
		return rw.Qty * rw.PnLRaw
	}
	return rw.PnLRaw
}

// Allow checks every guard gate in order and returns the first block
// reason, or ok=true. Day aggregates use the UTC date of now.
func (g *Guard) Allow(now time.Time, equity float64) (bool, string) {
	if !g.enabled {
		return true, ""
	}
	now = now.UTC()
	g.mu.Lock()
	defer g.mu.Unlock()

	// 1. Cooldown since the most recent exit.
	if g.cfg.CooldownSec > 0 {
		if last, ok := g.lastExit(); ok {
			if now.Sub(last) < time.Duration(g.cfg.CooldownSec)*time.Second {
				return false, GuardReasonCooldown
			}
		}
	}

	day := now.Format("2006-01-02")

	// 2. Daily trade cap counts opens.
	if g.cfg.MaxTradesPerDay > 0 {
		count := 0
		for _, at := range g.opens {
			if at.Format("2006-01-02") == day {
				count++
			}
		}
		if count >= g.cfg.MaxTradesPerDay {
			return false, GuardReasonMaxTradesPerDay
		}
	}

	// 3/4. Daily realized loss, absolute then relative to equity.
	dayPnL := 0.0
	for _, c := range g.closes {
		if c.exitAt.Format("2006-01-02") == day {
			dayPnL += c.pnl
		}
	}
	if g.cfg.MaxDailyLossUSDT > 0 && dayPnL <= -g.cfg.MaxDailyLossUSDT {
		return false, GuardReasonDailyLossUSDT
	}
	if g.cfg.MaxDailyLossPct > 0 && equity > 0 {
		lossPct := -dayPnL / equity * 100.0
		if lossPct >= g.cfg.MaxDailyLossPct {
			return false, GuardReasonDailyLossPct
		}
	}

	// 5. Consecutive losses, counted back from the latest close.
	if g.cfg.MaxConsecutiveLosses > 0 {
		streak := 0
		for i := len(g.closes) - 1; i >= 0; i-- {
			if g.closes[i].pnl < 0 {
				streak++
			} else {
				break
			}
		}
		if streak >= g.cfg.MaxConsecutiveLosses {
			return false, GuardReasonLossStreak
		}
	}

	return true, ""
}

func (g *Guard) lastExit() (time.Time, bool) {
	var last time.Time
	for _, c := range g.closes {
		if c.exitAt.After(last) {
			last = c.exitAt
		}
	}
	return last, !last.IsZero()
}
