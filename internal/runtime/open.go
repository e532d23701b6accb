package runtime

import (
	"context"
	"time"

	"github.com/google/uuid"

	appconfig "github.com/quantfunk/perptrader/internal/config"
	"github.com/quantfunk/perptrader/internal/events"
	"github.com/quantfunk/perptrader/internal/exchange"
	"github.com/quantfunk/perptrader/internal/market"
	"github.com/quantfunk/perptrader/internal/metrics"
	"github.com/quantfunk/perptrader/internal/policy"
	"github.com/quantfunk/perptrader/internal/risk"
	"github.com/quantfunk/perptrader/internal/snapshot"
	"github.com/quantfunk/perptrader/internal/trade"
)

// openPhase runs the decision pipeline over the universe. One cycle record
// per decision id is appended whatever the outcome; repeat ticks on the
// same closed bar are skipped.
func (e *Engine) openPhase(ctx context.Context, now time.Time) {
	maxOpen := e.maxOpenPositions()
	balance, err := e.balance(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("Balance unavailable, skipping open phase")
		return
	}
	metrics.EquityUSDT.Set(balance.Equity)

	openSymbols := e.openLog.OpenSymbols()
	for _, symbol := range e.universe {
		if ctx.Err() != nil {
			return
		}
		if err := e.processSymbol(ctx, symbol, now, balance, maxOpen, openSymbols); err != nil {
			e.logger.Error().Str("symbol", symbol).Err(err).Msg("Symbol cycle failed")
		}
	}
}

func (e *Engine) processSymbol(ctx context.Context, symbol string, now time.Time, balance market.Balance, maxOpen int, openSymbols map[string]bool) error {
	snap, err := e.builder.Build(ctx, symbol)
	if err != nil {
		metrics.SnapshotBuildFailures.Inc()
		return err
	}
	snapStore, err := e.snapshotStoreFor(symbol)
	if err != nil {
		return err
	}
	if _, err := snapStore.SaveOrGet(snap); err != nil {
		return err
	}

	var dec *trade.Decision
	var comps *policy.Components
	var decErr error
	if e.hybrid != nil {
		var c policy.Components
		dec, c, decErr = e.hybrid.DecideWithComponents(ctx, snap)
		if decErr == nil {
			comps = &c
		}
	} else {
		dec, decErr = e.pol.Decide(ctx, snap)
	}

	decisionID := DecisionID(e.ex.Name(), symbol, snap.SnapshotID, snap.SnapshotTimeUTC)
	if e.seen[decisionID] {
		return nil
	}

	rec := CycleRecord{
		SchemaVersion:   "v1",
		DecisionID:      decisionID,
		CycleTimeUTC:    now.Unix(),
		Exchange:        e.ex.Name(),
		Mode:            e.mode,
		Symbol:          symbol,
		SnapshotID:      snap.SnapshotID,
		SnapshotTimeUTC: snap.SnapshotTimeUTC,
	}
	if dec != nil {
		rec.PolicyID = dec.PolicyID
		rec.Direction = string(dec.Direction)
		rec.ActionType = dec.ActionType
		rec.EntryPrice = dec.EntryPrice
		rec.SLPrice = dec.SLPrice
		rec.TPPrice = dec.TPPrice
		rec.RR = dec.RR
		rec.Confidence = dec.Confidence
		if comps != nil {
			rec.RuleConf = &comps.RuleConf
			rec.ModelScore = &comps.ModelScore
			rec.FinalConfidence = &comps.Final
		}
		metrics.DecisionsTotal.WithLabelValues(string(dec.Direction)).Inc()
	}

	switch {
	case len(openSymbols) >= maxOpen:
		rec.Gate = GateMaxOpen
	case openSymbols[symbol]:
		rec.Gate = GateAlreadyOpen
	case decErr != nil:
		rec.Gate = GateDecisionError
		rec.Error = decErr.Error()
	default:
		e.gateRiskAndOpen(ctx, symbol, snap, dec, comps, balance, now, &rec, openSymbols)
	}

	e.seen[decisionID] = true
	return e.cycles.AppendStruct(rec)
}

// gateRiskAndOpen runs the guard and the risk engine, then opens the trade
// on acceptance. Data mode records the accepted plan without opening.
func (e *Engine) gateRiskAndOpen(ctx context.Context, symbol string, snap *snapshot.Snapshot, dec *trade.Decision, comps *policy.Components, balance market.Balance, now time.Time, rec *CycleRecord, openSymbols map[string]bool) {
	if ok, reason := e.guard.Allow(now, balance.Equity); !ok {
		rec.Gate = GateGuardBlock
		rec.RiskBlocked = true
		rec.BlockedReason = reason
		metrics.RiskRejectionsTotal.WithLabelValues(metrics.NormalizeRejectionReason(reason)).Inc()
		e.bus.Publish(events.Event{
			Type:    events.TypeRiskBlocked,
			Symbol:  symbol,
			Payload: map[string]any{"reason": reason},
		})
		return
	}

	constraints, err := e.ex.MarketConstraints(ctx, symbol)
	if err != nil {
		e.logger.Warn().Str("symbol", symbol).Err(err).Msg("Constraints unavailable, using defaults")
		constraints = market.Constraints{MinNotionalUSDT: 5}
	}

	plan := e.riskEng.PlanTrade(dec, balance, constraints)
	rec.Plan = &plan
	if !plan.OK {
		rec.Gate = plan.Reason
		rec.RiskBlocked = true
		rec.BlockedReason = plan.Reason
		metrics.RiskRejectionsTotal.WithLabelValues(metrics.NormalizeRejectionReason(plan.Reason)).Inc()
		e.bus.Publish(events.Event{
			Type:    events.TypeRiskBlocked,
			Symbol:  symbol,
			Payload: map[string]any{"reason": plan.Reason},
		})
		return
	}

	rec.Gate = GateAccepted
	if e.mode == appconfig.ModeData {
		return
	}
	tradeID, err := e.openTrade(ctx, symbol, snap, dec, comps, plan, now)
	if err != nil {
		e.logger.Error().Str("symbol", symbol).Err(err).Msg("Trade open failed")
		rec.Error = err.Error()
		return
	}
	rec.TradeID = tradeID
	rec.IsOpened = true
	openSymbols[symbol] = true
}

func (e *Engine) openTrade(ctx context.Context, symbol string, snap *snapshot.Snapshot, dec *trade.Decision, comps *policy.Components, plan risk.Plan, now time.Time) (string, error) {
	pinfo := &trade.PolicyInfo{PolicyID: dec.PolicyID}
	if comps != nil {
		pinfo.RuleConf = &comps.RuleConf
		pinfo.ModelScore = &comps.ModelScore
		pinfo.FinalConf = &comps.Final
	}
	agg, err := trade.NewOpenTrade(symbol, snap.SnapshotID, snap.SnapshotTimeUTC, dec, pinfo, now)
	if err != nil {
		return "", err
	}

	if err := e.orders.Append(map[string]any{
		"event":         "trade.open.plan",
		"trade_id":      agg.TradeID,
		"symbol":        symbol,
		"direction":     string(dec.Direction),
		"qty":           plan.Qty,
		"notional_usdt": plan.NotionalUSDT,
		"leverage":      plan.Leverage,
		"risk_usdt":     plan.RiskUSDT,
	}); err != nil {
		e.logger.Warn().Err(err).Msg("Order row append failed")
	}

	var exec *trade.Execution
	if e.mode == appconfig.ModeLive {
		exec, err = e.placeLive(ctx, symbol, agg.TradeID, dec, plan, now)
		if err != nil {
			return "", err
		}
	} else {
		exec = trade.NewOpenExecution(e.ex.Name(), plan.Leverage, plan.Qty, plan.NotionalUSDT, dec.EntryPrice, now.Unix())
		exec.ClientOrderID = uuid.NewString()
		// Entry-side fees; the exit side is added on close.
		exec.FeesTotal = plan.NotionalUSDT * e.cfg.Paper.FeeRate
	}

	if err := agg.AttachExecution(exec); err != nil {
		return "", err
	}
	if err := e.openLog.Append(agg); err != nil {
		return "", err
	}
	if err := e.execs.Append(map[string]any{
		"event":       "trade.open",
		"trade_id":    agg.TradeID,
		"symbol":      symbol,
		"qty":         exec.Qty,
		"entry_price": exec.EntryFillPrice,
		"leverage":    exec.Leverage,
	}); err != nil {
		e.logger.Warn().Err(err).Msg("Execution row append failed")
	}

	e.guard.RecordOpen(now)
	metrics.TradesOpenedTotal.Inc()
	e.bus.Publish(events.Event{
		Type:    events.TypeTradeOpen,
		Symbol:  symbol,
		TradeID: agg.TradeID,
		Payload: map[string]any{
			"direction":   string(dec.Direction),
			"entry_price": exec.EntryFillPrice,
			"qty":         exec.Qty,
			"tp_price":    dec.TPPrice,
			"sl_price":    dec.SLPrice,
		},
	})
	e.logger.Info().
		Str("trade_id", agg.TradeID).
		Str("symbol", symbol).
		Str("direction", string(dec.Direction)).
		Float64("qty", exec.Qty).
		Float64("entry", exec.EntryFillPrice).
		Msg("Trade opened")
	return agg.TradeID, nil
}

func (e *Engine) placeLive(ctx context.Context, symbol, tradeID string, dec *trade.Decision, plan risk.Plan, now time.Time) (*trade.Execution, error) {
	e.ex.SetupSymbol(ctx, symbol, plan.Leverage)

	res, err := e.ex.PlaceEntryAndBrackets(ctx, exchange.BracketRequest{
		Symbol:        symbol,
		Direction:     dec.Direction,
		Qty:           plan.Qty,
		TPPrice:       dec.TPPrice,
		SLPrice:       dec.SLPrice,
		Leverage:      plan.Leverage,
		ClientOrderID: tradeID,
	})
	if err != nil {
		if aerr := e.orders.Append(map[string]any{
			"event":    "order.place.error",
			"trade_id": tradeID,
			"symbol":   symbol,
			"error":    err.Error(),
		}); aerr != nil {
			e.logger.Warn().Err(aerr).Msg("Order row append failed")
		}
		return nil, err
	}

	rows := []map[string]any{
		{"event": "order.place.entry", "trade_id": tradeID, "symbol": symbol, "order_id": res.EntryOrderID, "fill_price": res.EntryFillPrice},
		{"event": "order.place.tp", "trade_id": tradeID, "symbol": symbol, "order_id": res.TPOrderID, "price": dec.TPPrice},
	}
	if res.SLOrderID != nil {
		rows = append(rows, map[string]any{"event": "order.place.sl", "trade_id": tradeID, "symbol": symbol, "order_id": *res.SLOrderID, "price": dec.SLPrice})
	}
	for _, row := range rows {
		if err := e.orders.Append(row); err != nil {
			e.logger.Warn().Err(err).Msg("Order row append failed")
		}
	}

	entryFill := res.EntryFillPrice
	if entryFill <= 0 {
		entryFill = dec.EntryPrice
	}
	entryTime := res.EntryTimeUTC
	if entryTime <= 0 {
		entryTime = now.Unix()
	}
	exec := trade.NewOpenExecution(e.ex.Name(), plan.Leverage, plan.Qty, plan.NotionalUSDT, entryFill, entryTime)
	exec.EntryOrderID = res.EntryOrderID
	exec.TPOrderID = res.TPOrderID
	exec.SLOrderID = res.SLOrderID
	exec.ClientOrderID = tradeID
	return exec, nil
}
