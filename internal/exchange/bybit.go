package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	appconfig "github.com/quantfunk/perptrader/internal/config"
	"github.com/quantfunk/perptrader/internal/market"
	"github.com/quantfunk/perptrader/internal/trade"
)

const (
	bybitMainnetURL = "https://api.bybit.com"
	bybitTestnetURL = "https://api-testnet.bybit.com"
	bybitRecvWindow = "5000"
)

// Bybit implements Adapter on the v5 unified API, linear category.
type Bybit struct {
	baseURL     string
	apiKey      string
	apiSecret   string
	httpClient  *http.Client
	limiter     *rate.Limiter
	retryConfig RetryConfig
	breaker     *gobreaker.CircuitBreaker
	logger      zerolog.Logger

	mu          sync.RWMutex
	constraints map[string]market.Constraints
}

// NewBybit creates the Bybit linear perpetuals adapter.
func NewBybit(cfg appconfig.ExchangeConfig) *Bybit {
	baseURL := bybitMainnetURL
	if cfg.Testnet {
		baseURL = bybitTestnetURL
	}
	return &Bybit{
		baseURL:     baseURL,
		apiKey:      cfg.APIKey,
		apiSecret:   cfg.APISecret,
		httpClient:  &http.Client{Timeout: cfg.Timeout()},
		limiter:     rate.NewLimiter(rate.Limit(10), 20),
		retryConfig: DefaultRetryConfig(),
		breaker:     newVenueBreaker("bybit"),
		logger:      appconfig.NewLogger("bybit"),
		constraints: make(map[string]market.Constraints),
	}
}

func (b *Bybit) Name() string { return "bybit" }

// ResolveSymbol is the identity on Bybit linear contracts.
func (b *Bybit) ResolveSymbol(symbol string) string { return symbol }

type bybitResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (b *Bybit) request(ctx context.Context, method, path string, query url.Values, body any, signed bool, result any) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("bybit: rate limiter: %w", err)
	}

	var payload string
	var bodyReader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("bybit: marshal body: %w", err)
		}
		payload = string(raw)
		bodyReader = bytes.NewReader(raw)
	} else if query != nil {
		payload = query.Encode()
	}

	reqURL := b.baseURL + path
	if query != nil {
		reqURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return fmt.Errorf("bybit: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if signed {
		timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
		mac := hmac.New(sha256.New, []byte(b.apiSecret))
		mac.Write([]byte(timestamp + b.apiKey + bybitRecvWindow + payload))
		req.Header.Set("X-BAPI-API-KEY", b.apiKey)
		req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
		req.Header.Set("X-BAPI-RECV-WINDOW", bybitRecvWindow)
		req.Header.Set("X-BAPI-SIGN", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bybit: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("bybit: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bybit: %s %s: status %d: %s", method, path, resp.StatusCode, string(raw))
	}

	var envelope bybitResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("bybit: decode envelope: %w", err)
	}
	if envelope.RetCode != 0 {
		return fmt.Errorf("bybit: %s %s: retCode %d: %s", method, path, envelope.RetCode, envelope.RetMsg)
	}
	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("bybit: decode result: %w", err)
		}
	}
	return nil
}

func (b *Bybit) ActiveUSDTMSymbols(ctx context.Context) ([]string, error) {
	query := url.Values{}
	query.Set("category", "linear")
	query.Set("limit", "1000")

	var result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			Status        string `json:"status"`
			QuoteCoin     string `json:"quoteCoin"`
			ContractType  string `json:"contractType"`
			LotSizeFilter struct {
				MinOrderQty      string `json:"minOrderQty"`
				QtyStep          string `json:"qtyStep"`
				MinNotionalValue string `json:"minNotionalValue"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	}
	if err := b.request(ctx, http.MethodGet, "/v5/market/instruments-info", query, nil, false, &result); err != nil {
		return nil, err
	}

	b.mu.Lock()
	symbols := make([]string, 0, len(result.List))
	for _, inst := range result.List {
		if inst.QuoteCoin != "USDT" || inst.Status != "Trading" || inst.ContractType != "LinearPerpetual" {
			continue
		}
		c := market.Constraints{MinNotionalUSDT: 5.0}
		c.MinQty, _ = strconv.ParseFloat(inst.LotSizeFilter.MinOrderQty, 64)
		c.QtyStep, _ = strconv.ParseFloat(inst.LotSizeFilter.QtyStep, 64)
		if v, err := strconv.ParseFloat(inst.LotSizeFilter.MinNotionalValue, 64); err == nil && v > 0 {
			c.MinNotionalUSDT = v
		}
		b.constraints[inst.Symbol] = c
		symbols = append(symbols, inst.Symbol)
	}
	b.mu.Unlock()
	return symbols, nil
}

type bybitTicker struct {
	Symbol       string `json:"symbol"`
	LastPrice    string `json:"lastPrice"`
	Bid1Price    string `json:"bid1Price"`
	Ask1Price    string `json:"ask1Price"`
	Turnover24H  string `json:"turnover24h"`
	FundingRate  string `json:"fundingRate"`
	OpenInterest string `json:"openInterest"`
}

func (b *Bybit) tickerList(ctx context.Context, symbol string) ([]bybitTicker, error) {
	query := url.Values{}
	query.Set("category", "linear")
	if symbol != "" {
		query.Set("symbol", symbol)
	}
	var result struct {
		List []bybitTicker `json:"list"`
	}
	if err := b.request(ctx, http.MethodGet, "/v5/market/tickers", query, nil, false, &result); err != nil {
		return nil, err
	}
	return result.List, nil
}

func (b *Bybit) Tickers(ctx context.Context, symbols []string) (map[string]market.Ticker, error) {
	list, err := b.tickerList(ctx, "")
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}
	out := make(map[string]market.Ticker, len(symbols))
	for _, t := range list {
		if len(want) > 0 && !want[t.Symbol] {
			continue
		}
		last, _ := strconv.ParseFloat(t.LastPrice, 64)
		bid, _ := strconv.ParseFloat(t.Bid1Price, 64)
		ask, _ := strconv.ParseFloat(t.Ask1Price, 64)
		qv, _ := strconv.ParseFloat(t.Turnover24H, 64)
		out[t.Symbol] = market.Ticker{Symbol: t.Symbol, Last: last, Bid: bid, Ask: ask, QuoteVolume: qv}
	}
	return out, nil
}

// bybitInterval maps shared timeframe names to v5 kline intervals.
func bybitInterval(tf string) (string, error) {
	switch tf {
	case "1m":
		return "1", nil
	case "5m":
		return "5", nil
	case "15m":
		return "15", nil
	case "1h":
		return "60", nil
	case "4h":
		return "240", nil
	case "1d":
		return "D", nil
	default:
		return "", fmt.Errorf("bybit: unsupported timeframe %q", tf)
	}
}

func (b *Bybit) Candles(ctx context.Context, symbol, tf string, limit int) ([]market.Candle, error) {
	interval, err := bybitInterval(tf)
	if err != nil {
		return nil, err
	}
	query := url.Values{}
	query.Set("category", "linear")
	query.Set("symbol", symbol)
	query.Set("interval", interval)
	query.Set("limit", strconv.Itoa(limit))

	var result struct {
		List [][]string `json:"list"`
	}
	if err := b.request(ctx, http.MethodGet, "/v5/market/kline", query, nil, false, &result); err != nil {
		return nil, err
	}

	// The venue returns newest first.
	candles := make([]market.Candle, 0, len(result.List))
	for i := len(result.List) - 1; i >= 0; i-- {
		row := result.List[i]
		if len(row) < 6 {
			continue
		}
		ts, _ := strconv.ParseInt(row[0], 10, 64)
		o, _ := strconv.ParseFloat(row[1], 64)
		h, _ := strconv.ParseFloat(row[2], 64)
		l, _ := strconv.ParseFloat(row[3], 64)
		c, _ := strconv.ParseFloat(row[4], 64)
		v, _ := strconv.ParseFloat(row[5], 64)
		candles = append(candles, market.Candle{OpenTimeMS: ts, Open: o, High: h, Low: l, Close: c, Volume: v})
	}
	return candles, nil
}

func (b *Bybit) FundingRate(ctx context.Context, symbol string) float64 {
	list, err := b.tickerList(ctx, symbol)
	if err != nil || len(list) == 0 {
		b.logger.Debug().Str("symbol", symbol).Err(err).Msg("Funding rate unavailable")
		return 0
	}
	fr, _ := strconv.ParseFloat(list[0].FundingRate, 64)
	return fr
}

func (b *Bybit) OpenInterest(ctx context.Context, symbol string) *float64 {
	list, err := b.tickerList(ctx, symbol)
	if err != nil || len(list) == 0 {
		return nil
	}
	v, err := strconv.ParseFloat(list[0].OpenInterest, 64)
	if err != nil {
		return nil
	}
	return &v
}

func (b *Bybit) USDTBalance(ctx context.Context) (market.Balance, error) {
	query := url.Values{}
	query.Set("accountType", "UNIFIED")

	var result struct {
		List []struct {
			TotalEquity           string `json:"totalEquity"`
			TotalAvailableBalance string `json:"totalAvailableBalance"`
		} `json:"list"`
	}
	err := WithRetry(ctx, b.retryConfig, func() error {
		return b.request(ctx, http.MethodGet, "/v5/account/wallet-balance", query, nil, true, &result)
	})
	if err != nil {
		return market.Balance{}, err
	}
	if len(result.List) == 0 {
		return market.Balance{}, fmt.Errorf("bybit: empty wallet balance")
	}
	equity, _ := strconv.ParseFloat(result.List[0].TotalEquity, 64)
	free, _ := strconv.ParseFloat(result.List[0].TotalAvailableBalance, 64)
	return market.Balance{Equity: equity, Free: free}, nil
}

func (b *Bybit) MarketConstraints(ctx context.Context, symbol string) (market.Constraints, error) {
	b.mu.RLock()
	if c, ok := b.constraints[symbol]; ok {
		b.mu.RUnlock()
		return c, nil
	}
	b.mu.RUnlock()

	if _, err := b.ActiveUSDTMSymbols(ctx); err != nil {
		return market.Constraints{}, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if c, ok := b.constraints[symbol]; ok {
		return c, nil
	}
	return market.Constraints{MinNotionalUSDT: 5.0}, nil
}

func (b *Bybit) SetupSymbol(ctx context.Context, symbol string, leverage int) {
	lev := strconv.Itoa(leverage)
	modeBody := map[string]any{"category": "linear", "symbol": symbol, "mode": 0}
	if err := b.request(ctx, http.MethodPost, "/v5/position/switch-mode", nil, modeBody, true, nil); err != nil {
		b.logger.Debug().Str("symbol", symbol).Err(err).Msg("Position mode change skipped")
	}
	isoBody := map[string]any{
		"category": "linear", "symbol": symbol, "tradeMode": 1,
		"buyLeverage": lev, "sellLeverage": lev,
	}
	if err := b.request(ctx, http.MethodPost, "/v5/position/switch-isolated", nil, isoBody, true, nil); err != nil {
		b.logger.Debug().Str("symbol", symbol).Err(err).Msg("Margin mode change skipped")
	}
	levBody := map[string]any{
		"category": "linear", "symbol": symbol,
		"buyLeverage": lev, "sellLeverage": lev,
	}
	if err := b.request(ctx, http.MethodPost, "/v5/position/set-leverage", nil, levBody, true, nil); err != nil {
		b.logger.Warn().Str("symbol", symbol).Int("leverage", leverage).Err(err).Msg("Leverage change failed")
	}
}

type bybitOrderAck struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

func (b *Bybit) createOrder(ctx context.Context, body map[string]any) (*bybitOrderAck, error) {
	var ack bybitOrderAck
	err := execute(b.breaker, func() error {
		return WithRetry(ctx, b.retryConfig, func() error {
			return b.request(ctx, http.MethodPost, "/v5/order/create", nil, body, true, &ack)
		})
	})
	if err != nil {
		return nil, err
	}
	return &ack, nil
}

func (b *Bybit) PlaceEntryAndBrackets(ctx context.Context, req BracketRequest) (*BracketResult, error) {
	constraints, _ := b.MarketConstraints(ctx, req.Symbol)
	qtyStr := formatByStep(req.Qty, constraints.QtyStep)
	priceStep := priceStepFor(req.TPPrice)

	entrySide, exitSide := "Buy", "Sell"
	triggerDir := 2 // SL for a long triggers on falling price
	if req.Direction == trade.DirectionShort {
		entrySide, exitSide = "Sell", "Buy"
		triggerDir = 1
	}

	entry, err := b.createOrder(ctx, map[string]any{
		"category":    "linear",
		"symbol":      req.Symbol,
		"side":        entrySide,
		"orderType":   "Market",
		"qty":         qtyStr,
		"orderLinkId": req.ClientOrderID,
	})
	if err != nil {
		return nil, fmt.Errorf("bybit: entry order %s: %w", req.Symbol, err)
	}

	result := &BracketResult{
		EntryOrderID: entry.OrderID,
		EntryTimeUTC: time.Now().UTC().Unix(),
	}
	if info, qerr := b.Order(ctx, req.Symbol, entry.OrderID); qerr == nil {
		result.EntryFillPrice = info.AvgFillPrice
		if info.UpdateTimeUTC > 0 {
			result.EntryTimeUTC = info.UpdateTimeUTC
		}
	}

	tp, err := b.createOrder(ctx, map[string]any{
		"category":    "linear",
		"symbol":      req.Symbol,
		"side":        exitSide,
		"orderType":   "Limit",
		"qty":         qtyStr,
		"price":       formatByStep(req.TPPrice, priceStep),
		"timeInForce": "GTC",
		"reduceOnly":  true,
	})
	if err != nil {
		b.logger.Warn().Str("symbol", req.Symbol).Err(err).Msg("TP order failed")
	} else {
		result.TPOrderID = tp.OrderID
	}

	sl, err := b.createOrder(ctx, map[string]any{
		"category":         "linear",
		"symbol":           req.Symbol,
		"side":             exitSide,
		"orderType":        "Market",
		"qty":              qtyStr,
		"triggerPrice":     formatByStep(req.SLPrice, priceStep),
		"triggerDirection": triggerDir,
		"triggerBy":        "MarkPrice",
		"reduceOnly":       true,
	})
	if err != nil {
		b.logger.Error().Str("symbol", req.Symbol).Err(err).Msg("SL order failed, position unprotected")
	} else {
		id := sl.OrderID
		result.SLOrderID = &id
	}

	return result, nil
}

func (b *Bybit) Order(ctx context.Context, symbol, orderID string) (*OrderInfo, error) {
	query := url.Values{}
	query.Set("category", "linear")
	query.Set("symbol", symbol)
	query.Set("orderId", orderID)

	var result struct {
		List []struct {
			OrderID     string `json:"orderId"`
			OrderStatus string `json:"orderStatus"`
			AvgPrice    string `json:"avgPrice"`
			CumExecQty  string `json:"cumExecQty"`
			UpdatedTime string `json:"updatedTime"`
		} `json:"list"`
	}
	if err := b.request(ctx, http.MethodGet, "/v5/order/realtime", query, nil, true, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, fmt.Errorf("bybit: order %s/%s not found", symbol, orderID)
	}
	o := result.List[0]
	avg, _ := strconv.ParseFloat(o.AvgPrice, 64)
	executed, _ := strconv.ParseFloat(o.CumExecQty, 64)
	updatedMS, _ := strconv.ParseInt(o.UpdatedTime, 10, 64)
	return &OrderInfo{
		OrderID:       o.OrderID,
		Status:        normalizeBybitStatus(o.OrderStatus),
		AvgFillPrice:  avg,
		ExecutedQty:   executed,
		UpdateTimeUTC: updatedMS / 1000,
	}, nil
}

func (b *Bybit) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]any{"category": "linear", "symbol": symbol, "orderId": orderID}
	return b.request(ctx, http.MethodPost, "/v5/order/cancel", nil, body, true, nil)
}

func (b *Bybit) PositionQty(ctx context.Context, symbol string) (float64, error) {
	query := url.Values{}
	query.Set("category", "linear")
	query.Set("symbol", symbol)

	var result struct {
		List []struct {
			Size string `json:"size"`
			Side string `json:"side"`
		} `json:"list"`
	}
	if err := b.request(ctx, http.MethodGet, "/v5/position/list", query, nil, true, &result); err != nil {
		return 0, err
	}
	for _, p := range result.List {
		size, _ := strconv.ParseFloat(p.Size, 64)
		if size == 0 {
			continue
		}
		if strings.EqualFold(p.Side, "Sell") {
			return -size, nil
		}
		return size, nil
	}
	return 0, nil
}

func normalizeBybitStatus(status string) string {
	switch status {
	case "Filled":
		return OrderStatusFilled
	case "Cancelled", "Rejected", "Deactivated":
		return OrderStatusCanceled
	case "New", "PartiallyFilled", "Untriggered", "Triggered", "Created":
		return OrderStatusNew
	default:
		return OrderStatusUnknown
	}
}
