package runtime

import (
	"context"
	"math"

	appconfig "github.com/quantfunk/perptrader/internal/config"
	"github.com/quantfunk/perptrader/internal/events"
	"github.com/quantfunk/perptrader/internal/exchange"
	"github.com/quantfunk/perptrader/internal/market"
	"github.com/quantfunk/perptrader/internal/metrics"
	"github.com/quantfunk/perptrader/internal/snapshot"
	"github.com/quantfunk/perptrader/internal/trade"
)

const flatEps = 1e-12

// monitor walks the open trades and resolves the ones that have exited.
func (e *Engine) monitor(ctx context.Context) {
	open := e.openLog.OpenTrades()
	if len(open) == 0 {
		return
	}

	symbols := make([]string, 0, len(open))
	for _, agg := range open {
		symbols = append(symbols, agg.Symbol)
	}
	tickers, err := e.ex.Tickers(ctx, symbols)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Monitor tickers unavailable")
		tickers = nil
	}

	for _, agg := range open {
		if agg.Execution == nil {
			continue
		}
		var err error
		if e.mode == appconfig.ModeLive {
			err = e.monitorLive(ctx, agg)
		} else {
			err = e.monitorPaper(ctx, agg, tickers[agg.Symbol])
		}
		if err != nil {
			e.logger.Error().
				Str("trade_id", agg.TradeID).
				Str("symbol", agg.Symbol).
				Err(err).
				Msg("Trade monitoring failed")
		}
	}
}

// monitorPaper closes a simulated position when the last price touches a
// bracket. The exit fills at the bracket price, not the touch price.
func (e *Engine) monitorPaper(ctx context.Context, agg *trade.Aggregate, tk market.Ticker) error {
	if tk.Last <= 0 {
		return nil
	}
	dec := agg.Decision

	var exitType trade.ExitType
	var exitPrice float64
	if dec.Direction == trade.DirectionLong {
		switch {
		case tk.Last >= dec.TPPrice:
			exitType, exitPrice = trade.ExitTP, dec.TPPrice
		case tk.Last <= dec.SLPrice:
			exitType, exitPrice = trade.ExitSL, dec.SLPrice
		default:
			return nil
		}
	} else {
		switch {
		case tk.Last <= dec.TPPrice:
			exitType, exitPrice = trade.ExitTP, dec.TPPrice
		case tk.Last >= dec.SLPrice:
			exitType, exitPrice = trade.ExitSL, dec.SLPrice
		default:
			return nil
		}
	}

	fees := math.Abs(agg.Execution.NotionalUSDT) * e.cfg.Paper.FeeRate * 2
	return e.closeTrade(ctx, agg, exitPrice, e.now().UTC().Unix(), exitType, fees)
}

// monitorLive treats a flat venue position as a closed trade and works out
// which bracket filled. The surviving bracket is cancelled best-effort.
func (e *Engine) monitorLive(ctx context.Context, agg *trade.Aggregate) error {
	qty, err := e.ex.PositionQty(ctx, agg.Symbol)
	if err != nil {
		return err
	}
	if math.Abs(qty) >= flatEps {
		return nil
	}

	exec := agg.Execution
	exitType := trade.ExitUnknown
	exitPrice := 0.0
	survivor := ""

	if exec.TPOrderID != "" {
		if info, err := e.ex.Order(ctx, agg.Symbol, exec.TPOrderID); err == nil && info.Status == exchange.OrderStatusFilled {
			exitType = trade.ExitTP
			exitPrice = info.AvgFillPrice
			if exec.SLOrderID != nil {
				survivor = *exec.SLOrderID
			}
		}
	}
	if exitType == trade.ExitUnknown && exec.SLOrderID != nil && *exec.SLOrderID != exec.EntryOrderID {
		if info, err := e.ex.Order(ctx, agg.Symbol, *exec.SLOrderID); err == nil && info.Status == exchange.OrderStatusFilled {
			exitType = trade.ExitSL
			exitPrice = info.AvgFillPrice
			survivor = exec.TPOrderID
		}
	}
	if survivor != "" && survivor != exec.EntryOrderID {
		if err := e.ex.CancelOrder(ctx, agg.Symbol, survivor); err != nil {
			e.logger.Warn().Str("symbol", agg.Symbol).Str("order_id", survivor).Err(err).Msg("Bracket cancel failed")
		}
	}

	if exitPrice <= 0 {
		if exitType == trade.ExitTP {
			exitPrice = agg.Decision.TPPrice
		} else if exitType == trade.ExitSL {
			exitPrice = agg.Decision.SLPrice
		} else if tickers, err := e.ex.Tickers(ctx, []string{agg.Symbol}); err == nil && tickers[agg.Symbol].Last > 0 {
			exitPrice = tickers[agg.Symbol].Last
		} else {
			exitPrice = exec.EntryFillPrice
		}
	}
	return e.closeTrade(ctx, agg, exitPrice, e.now().UTC().Unix(), exitType, exec.FeesTotal)
}

// closeTrade resolves one trade end to end: execution close, reward,
// persistence, guard, metrics, events and dataset export.
func (e *Engine) closeTrade(ctx context.Context, agg *trade.Aggregate, exitPrice float64, exitTimeUTC int64, exitType trade.ExitType, fees float64) error {
	closed := *agg.Execution
	closed.FeesTotal = fees
	if err := closed.Close(exitPrice, exitTimeUTC, exitType); err != nil {
		return err
	}
	if err := agg.AttachExecution(&closed); err != nil {
		return err
	}

	reward, err := trade.ComputeReward(agg.Decision, agg.Execution, e.holdingCandles(ctx, agg))
	if err != nil {
		return err
	}
	if err := agg.AttachReward(reward); err != nil {
		return err
	}

	if err := e.openLog.Append(agg); err != nil {
		return err
	}
	if err := e.closedLog.Append(agg); err != nil {
		return err
	}
	if err := e.execs.Append(map[string]any{
		"event":      "trade.close",
		"trade_id":   agg.TradeID,
		"symbol":     agg.Symbol,
		"exit_type":  string(exitType),
		"exit_price": exitPrice,
		"pnl_usdt":   reward.PnLUSDT,
		"pnl_r":      reward.PnLR,
	}); err != nil {
		e.logger.Warn().Err(err).Msg("Execution row append failed")
	}

	e.guard.RecordClose(agg)
	if e.mode != appconfig.ModeLive {
		e.paperEquity += reward.PnLUSDT
		e.paperFree += reward.PnLUSDT
	}
	metrics.TradesClosedTotal.WithLabelValues(string(exitType)).Inc()
	e.bus.Publish(events.Event{
		Type:    events.TypeTradeClosed,
		Symbol:  agg.Symbol,
		TradeID: agg.TradeID,
		Payload: map[string]any{
			"exit_type": string(exitType),
			"pnl_usdt":  reward.PnLUSDT,
			"pnl_r":     reward.PnLR,
		},
	})

	if e.exporter != nil {
		if _, err := e.exporter.ExportRL(); err != nil {
			e.logger.Warn().Err(err).Msg("RL dataset export failed")
		}
		if _, err := e.exporter.ExportScorer(); err != nil {
			e.logger.Warn().Err(err).Msg("Scorer dataset export failed")
		}
	}

	e.logger.Info().
		Str("trade_id", agg.TradeID).
		Str("symbol", agg.Symbol).
		Str("exit_type", string(exitType)).
		Float64("pnl_usdt", reward.PnLUSDT).
		Float64("pnl_r", reward.PnLR).
		Msg("Trade closed")
	return nil
}

// holdingCandles fetches the LTF bars covering the holding window starting
// one minute before entry, for MFE/MAE. Nil on failure; the reward then
// falls back to a synthetic entry/exit bar.
func (e *Engine) holdingCandles(ctx context.Context, agg *trade.Aggregate) []market.Candle {
	exec := agg.Execution
	if exec == nil || exec.EntryTimeUTC == 0 {
		return nil
	}
	tfDur, err := market.TFDuration(snapshot.LTFTimeframe)
	if err != nil {
		return nil
	}
	holding := e.now().UTC().Unix() - exec.EntryTimeUTC
	limit := int(holding/int64(tfDur.Seconds())) + 3
	if limit > 500 {
		limit = 500
	}
	candles, err := e.ex.Candles(ctx, agg.Symbol, snapshot.LTFTimeframe, limit)
	if err != nil {
		return nil
	}
	sinceMS := (exec.EntryTimeUTC - 60) * 1000
	i := 0
	for i < len(candles) && candles[i].OpenTimeMS < sinceMS {
		i++
	}
	return candles[i:]
}
