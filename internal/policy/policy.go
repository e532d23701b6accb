// Package policy derives trade decisions from snapshots. A policy never
// decides "no trade": it always proposes a direction with levels, and the
// risk engine is the sole rejection authority.
package policy

import (
	"context"

	"github.com/quantfunk/perptrader/internal/snapshot"
	"github.com/quantfunk/perptrader/internal/trade"
)

// Policy turns a snapshot into a directional decision with levels.
type Policy interface {
	ID() string
	Decide(ctx context.Context, snap *snapshot.Snapshot) (*trade.Decision, error)
}

// direction from the 1h trend: up means LONG, anything else SHORT.
func directionFrom(snap *snapshot.Snapshot) (trade.Direction, int) {
	if htf, ok := snap.HTF["1h"]; ok && htf.Trend == snapshot.TrendUp {
		return trade.DirectionLong, trade.ActionLong
	}
	return trade.DirectionShort, trade.ActionShort
}

// levels computes sl/tp around the entry for the given direction.
func levels(direction trade.Direction, entry, slDistance, rr float64) (sl, tp float64) {
	if direction == trade.DirectionLong {
		return entry - slDistance, entry + rr*slDistance
	}
	return entry + slDistance, entry - rr*slDistance
}

// slDistance derives the stop distance from ATR%, with a 0.1% floor when
// the snapshot has no usable volatility reading.
func slDistance(atrK, atrPct, entry float64) float64 {
	if atrPct > 0 {
		d := atrK * atrPct * entry
		if d < 1e-8 {
			d = 1e-8
		}
		return d
	}
	d := 0.001 * entry
	if d < 1e-8 {
		d = 1e-8
	}
	return d
}
