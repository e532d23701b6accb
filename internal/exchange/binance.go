package exchange

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	appconfig "github.com/quantfunk/perptrader/internal/config"
	"github.com/quantfunk/perptrader/internal/market"
	"github.com/quantfunk/perptrader/internal/trade"
)

// Binance implements Adapter on USDT-M futures.
type Binance struct {
	client      *futures.Client
	retryConfig RetryConfig
	breaker     *gobreaker.CircuitBreaker
	logger      zerolog.Logger

	mu          sync.RWMutex
	constraints map[string]market.Constraints
}

// NewBinance creates the Binance USDT-M adapter.
func NewBinance(cfg appconfig.ExchangeConfig) *Binance {
	if cfg.Testnet {
		futures.UseTestnet = true
	}
	return &Binance{
		client:      futures.NewClient(cfg.APIKey, cfg.APISecret),
		retryConfig: DefaultRetryConfig(),
		breaker:     newVenueBreaker("binance"),
		logger:      appconfig.NewLogger("binance"),
		constraints: make(map[string]market.Constraints),
	}
}

func (b *Binance) Name() string { return "binance" }

// ResolveSymbol is the identity on Binance; contracts already use the
// plain BTCUSDT form.
func (b *Binance) ResolveSymbol(symbol string) string { return symbol }

func (b *Binance) ActiveUSDTMSymbols(ctx context.Context) ([]string, error) {
	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance: exchange info: %w", err)
	}
	symbols := make([]string, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.QuoteAsset != "USDT" || s.Status != "TRADING" {
			continue
		}
		if s.ContractType != "PERPETUAL" {
			continue
		}
		symbols = append(symbols, s.Symbol)
	}
	return symbols, nil
}

func (b *Binance) Tickers(ctx context.Context, symbols []string) (map[string]market.Ticker, error) {
	stats, err := b.client.NewListPriceChangeStatsService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance: 24h stats: %w", err)
	}
	books, err := b.client.NewListBookTickersService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance: book tickers: %w", err)
	}

	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}
	bids := make(map[string][2]float64, len(books))
	for _, bt := range books {
		bid, _ := strconv.ParseFloat(bt.BidPrice, 64)
		ask, _ := strconv.ParseFloat(bt.AskPrice, 64)
		bids[bt.Symbol] = [2]float64{bid, ask}
	}

	out := make(map[string]market.Ticker, len(symbols))
	for _, st := range stats {
		if len(want) > 0 && !want[st.Symbol] {
			continue
		}
		last, _ := strconv.ParseFloat(st.LastPrice, 64)
		qv, _ := strconv.ParseFloat(st.QuoteVolume, 64)
		ba := bids[st.Symbol]
		out[st.Symbol] = market.Ticker{
			Symbol:      st.Symbol,
			Last:        last,
			Bid:         ba[0],
			Ask:         ba[1],
			QuoteVolume: qv,
		}
	}
	return out, nil
}

func (b *Binance) Candles(ctx context.Context, symbol, tf string, limit int) ([]market.Candle, error) {
	klines, err := b.client.NewKlinesService().
		Symbol(symbol).
		Interval(tf).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance: klines %s %s: %w", symbol, tf, err)
	}
	candles := make([]market.Candle, 0, len(klines))
	for _, k := range klines {
		o, _ := strconv.ParseFloat(k.Open, 64)
		h, _ := strconv.ParseFloat(k.High, 64)
		l, _ := strconv.ParseFloat(k.Low, 64)
		c, _ := strconv.ParseFloat(k.Close, 64)
		v, _ := strconv.ParseFloat(k.Volume, 64)
		candles = append(candles, market.Candle{
			OpenTimeMS: k.OpenTime,
			Open:       o,
			High:       h,
			Low:        l,
			Close:      c,
			Volume:     v,
		})
	}
	return candles, nil
}

func (b *Binance) FundingRate(ctx context.Context, symbol string) float64 {
	idx, err := b.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil || len(idx) == 0 {
		b.logger.Debug().Str("symbol", symbol).Err(err).Msg("Funding rate unavailable")
		return 0
	}
	rate, _ := strconv.ParseFloat(idx[0].LastFundingRate, 64)
	return rate
}

func (b *Binance) OpenInterest(ctx context.Context, symbol string) *float64 {
	oi, err := b.client.NewGetOpenInterestService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil
	}
	v, err := strconv.ParseFloat(oi.OpenInterest, 64)
	if err != nil {
		return nil
	}
	return &v
}

func (b *Binance) USDTBalance(ctx context.Context) (market.Balance, error) {
	var account *futures.Account
	err := WithRetry(ctx, b.retryConfig, func() error {
		var opErr error
		account, opErr = b.client.NewGetAccountService().Do(ctx)
		return opErr
	})
	if err != nil {
		return market.Balance{}, fmt.Errorf("binance: account: %w", err)
	}
	equity, _ := strconv.ParseFloat(account.TotalMarginBalance, 64)
	free, _ := strconv.ParseFloat(account.AvailableBalance, 64)
	return market.Balance{Equity: equity, Free: free}, nil
}

func (b *Binance) MarketConstraints(ctx context.Context, symbol string) (market.Constraints, error) {
	b.mu.RLock()
	if c, ok := b.constraints[symbol]; ok {
		b.mu.RUnlock()
		return c, nil
	}
	b.mu.RUnlock()

	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return market.Constraints{}, fmt.Errorf("binance: exchange info: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range info.Symbols {
		s := &info.Symbols[i]
		c := market.Constraints{MinNotionalUSDT: 5.0}
		if lot := s.LotSizeFilter(); lot != nil {
			c.MinQty, _ = strconv.ParseFloat(lot.MinQuantity, 64)
			c.QtyStep, _ = strconv.ParseFloat(lot.StepSize, 64)
		}
		if mn := s.MinNotionalFilter(); mn != nil {
			if v, perr := strconv.ParseFloat(mn.Notional, 64); perr == nil && v > 0 {
				c.MinNotionalUSDT = v
			}
		}
		b.constraints[s.Symbol] = c
	}

	c, ok := b.constraints[symbol]
	if !ok {
		return market.Constraints{MinNotionalUSDT: 5.0}, nil
	}
	return c, nil
}

// SetupSymbol switches to one-way isolated margin at the desired leverage.
// Venues reject redundant mode changes, so every step tolerates errors.
func (b *Binance) SetupSymbol(ctx context.Context, symbol string, leverage int) {
	if err := b.client.NewChangePositionModeService().DualSide(false).Do(ctx); err != nil {
		b.logger.Debug().Str("symbol", symbol).Err(err).Msg("Position mode change skipped")
	}
	if err := b.client.NewChangeMarginTypeService().Symbol(symbol).MarginType(futures.MarginTypeIsolated).Do(ctx); err != nil {
		b.logger.Debug().Str("symbol", symbol).Err(err).Msg("Margin type change skipped")
	}
	if _, err := b.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx); err != nil {
		b.logger.Warn().Str("symbol", symbol).Int("leverage", leverage).Err(err).Msg("Leverage change failed")
	}
}

func (b *Binance) PlaceEntryAndBrackets(ctx context.Context, req BracketRequest) (*BracketResult, error) {
	constraints, _ := b.MarketConstraints(ctx, req.Symbol)
	qtyStr := formatByStep(req.Qty, constraints.QtyStep)
	priceStep := priceStepFor(req.TPPrice)

	entrySide := futures.SideTypeBuy
	exitSide := futures.SideTypeSell
	if req.Direction == trade.DirectionShort {
		entrySide = futures.SideTypeSell
		exitSide = futures.SideTypeBuy
	}

	var entry *futures.CreateOrderResponse
	err := execute(b.breaker, func() error {
		return WithRetry(ctx, b.retryConfig, func() error {
			var opErr error
			entry, opErr = b.client.NewCreateOrderService().
				Symbol(req.Symbol).
				Side(entrySide).
				Type(futures.OrderTypeMarket).
				Quantity(qtyStr).
				NewClientOrderID(req.ClientOrderID).
				Do(ctx)
			return opErr
		})
	})
	if err != nil {
		return nil, fmt.Errorf("binance: entry order %s: %w", req.Symbol, err)
	}

	fillPrice, _ := strconv.ParseFloat(entry.AvgPrice, 64)
	entryTime := entry.UpdateTime / 1000
	if entryTime == 0 {
		entryTime = time.Now().UTC().Unix()
	}
	if fillPrice == 0 {
		// Market fills sometimes come back without AvgPrice; re-query.
		if info, qerr := b.Order(ctx, req.Symbol, strconv.FormatInt(entry.OrderID, 10)); qerr == nil && info.AvgFillPrice > 0 {
			fillPrice = info.AvgFillPrice
		}
	}

	result := &BracketResult{
		EntryOrderID:   strconv.FormatInt(entry.OrderID, 10),
		EntryFillPrice: fillPrice,
		EntryTimeUTC:   entryTime,
	}

	tp, err := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(exitSide).
		Type(futures.OrderTypeLimit).
		TimeInForce(futures.TimeInForceTypeGTC).
		Price(formatByStep(req.TPPrice, priceStep)).
		Quantity(qtyStr).
		ReduceOnly(true).
		Do(ctx)
	if err != nil {
		b.logger.Warn().Str("symbol", req.Symbol).Err(err).Msg("TP order failed")
	} else {
		result.TPOrderID = strconv.FormatInt(tp.OrderID, 10)
	}

	sl, err := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(exitSide).
		Type(futures.OrderType("STOP_MARKET")).
		StopPrice(formatByStep(req.SLPrice, priceStep)).
		ClosePosition(true).
		WorkingType(futures.WorkingTypeMarkPrice).
		Do(ctx)
	if err != nil {
		// Position without a venue-side stop: keep trading, monitor closes.
		b.logger.Error().Str("symbol", req.Symbol).Err(err).Msg("SL order failed, position unprotected")
	} else {
		id := strconv.FormatInt(sl.OrderID, 10)
		result.SLOrderID = &id
	}

	return result, nil
}

func (b *Binance) Order(ctx context.Context, symbol, orderID string) (*OrderInfo, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("binance: bad order id %q: %w", orderID, err)
	}
	order, err := b.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance: get order %s/%s: %w", symbol, orderID, err)
	}
	avg, _ := strconv.ParseFloat(order.AvgPrice, 64)
	executed, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)
	return &OrderInfo{
		OrderID:       orderID,
		Status:        normalizeOrderStatus(string(order.Status)),
		AvgFillPrice:  avg,
		ExecutedQty:   executed,
		UpdateTimeUTC: order.UpdateTime / 1000,
	}, nil
}

func (b *Binance) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("binance: bad order id %q: %w", orderID, err)
	}
	if _, err := b.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx); err != nil {
		return fmt.Errorf("binance: cancel order %s/%s: %w", symbol, orderID, err)
	}
	return nil
}

func (b *Binance) PositionQty(ctx context.Context, symbol string) (float64, error) {
	positions, err := b.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("binance: position risk %s: %w", symbol, err)
	}
	for _, p := range positions {
		amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if amt != 0 {
			return amt, nil
		}
	}
	return 0, nil
}

// normalizeOrderStatus folds venue statuses into the shared vocabulary.
func normalizeOrderStatus(status string) string {
	switch strings.ToUpper(status) {
	case "FILLED":
		return OrderStatusFilled
	case "CANCELED", "CANCELLED", "EXPIRED", "REJECTED":
		return OrderStatusCanceled
	case "NEW", "PARTIALLY_FILLED", "UNTRIGGERED", "TRIGGERED":
		return OrderStatusNew
	default:
		return OrderStatusUnknown
	}
}

// formatByStep renders a quantity or price with the decimals implied by
// the step size. Step 0 keeps 8 decimals trimmed.
func formatByStep(x, step float64) string {
	decimals := 8
	if step > 0 {
		decimals = 0
		for step < 1-1e-12 && decimals < 10 {
			step *= 10
			decimals++
		}
	}
	s := strconv.FormatFloat(x, 'f', decimals, 64)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimRight(s, ".")
	}
	return s
}

// priceStepFor picks a sane tick from the price magnitude when the venue
// filter is not at hand.
func priceStepFor(price float64) float64 {
	switch {
	case price >= 1000:
		return 0.1
	case price >= 10:
		return 0.01
	case price >= 0.1:
		return 0.0001
	default:
		return math.Pow10(-6)
	}
}
