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
	"math"
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

const mexcBaseURL = "https://contract.mexc.com"

// MEXC implements Adapter on the contract (futures) API. Contract volumes
// are in contracts, not base units; the adapter converts through the
// per-symbol contract size.
type MEXC struct {
	baseURL     string
	apiKey      string
	apiSecret   string
	httpClient  *http.Client
	limiter     *rate.Limiter
	retryConfig RetryConfig
	breaker     *gobreaker.CircuitBreaker
	logger      zerolog.Logger

	mu            sync.RWMutex
	constraints   map[string]market.Constraints
	contractSizes map[string]float64
}

// NewMEXC creates the MEXC contract adapter. MEXC has no public futures
// testnet; the testnet flag only downgrades log severity expectations.
func NewMEXC(cfg appconfig.ExchangeConfig) *MEXC {
	return &MEXC{
		baseURL:       mexcBaseURL,
		apiKey:        cfg.APIKey,
		apiSecret:     cfg.APISecret,
		httpClient:    &http.Client{Timeout: cfg.Timeout()},
		limiter:       rate.NewLimiter(rate.Limit(10), 20),
		retryConfig:   DefaultRetryConfig(),
		breaker:       newVenueBreaker("mexc"),
		logger:        appconfig.NewLogger("mexc"),
		constraints:   make(map[string]market.Constraints),
		contractSizes: make(map[string]float64),
	}
}

func (m *MEXC) Name() string { return "mexc" }

// ResolveSymbol maps BTCUSDT to MEXC's BTC_USDT contract naming.
func (m *MEXC) ResolveSymbol(symbol string) string {
	if strings.Contains(symbol, "_") {
		return symbol
	}
	if strings.HasSuffix(symbol, "USDT") {
		return strings.TrimSuffix(symbol, "USDT") + "_USDT"
	}
	return symbol
}

func plainSymbol(contract string) string {
	return strings.ReplaceAll(contract, "_", "")
}

type mexcResponse struct {
	Success bool            `json:"success"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (m *MEXC) request(ctx context.Context, method, path string, query url.Values, body any, signed bool, result any) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("mexc: rate limiter: %w", err)
	}

	var payload string
	var bodyReader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("mexc: marshal body: %w", err)
		}
		payload = string(raw)
		bodyReader = bytes.NewReader(raw)
	} else if query != nil {
		payload = query.Encode()
	}

	reqURL := m.baseURL + path
	if query != nil {
		reqURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return fmt.Errorf("mexc: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if signed {
		timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
		mac := hmac.New(sha256.New, []byte(m.apiSecret))
		mac.Write([]byte(m.apiKey + timestamp + payload))
		req.Header.Set("ApiKey", m.apiKey)
		req.Header.Set("Request-Time", timestamp)
		req.Header.Set("Signature", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mexc: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("mexc: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mexc: %s %s: status %d: %s", method, path, resp.StatusCode, string(raw))
	}

	var envelope mexcResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("mexc: decode envelope: %w", err)
	}
	if !envelope.Success {
		return fmt.Errorf("mexc: %s %s: code %d: %s", method, path, envelope.Code, envelope.Message)
	}
	if result != nil {
		if err := json.Unmarshal(envelope.Data, result); err != nil {
			return fmt.Errorf("mexc: decode data: %w", err)
		}
	}
	return nil
}

type mexcContract struct {
	Symbol       string  `json:"symbol"`
	QuoteCoin    string  `json:"quoteCoin"`
	State        int     `json:"state"`
	ContractSize float64 `json:"contractSize"`
	MinVol       float64 `json:"minVol"`
	PriceUnit    float64 `json:"priceUnit"`
}

func (m *MEXC) loadContracts(ctx context.Context) error {
	var contracts []mexcContract
	if err := m.request(ctx, http.MethodGet, "/api/v1/contract/detail", nil, nil, false, &contracts); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range contracts {
		if c.QuoteCoin != "USDT" || c.State != 0 {
			continue
		}
		size := c.ContractSize
		if size <= 0 {
			size = 1
		}
		plain := plainSymbol(c.Symbol)
		m.contractSizes[plain] = size
		m.constraints[plain] = market.Constraints{
			MinNotionalUSDT: 5.0,
			MinQty:          c.MinVol * size,
			QtyStep:         size,
		}
	}
	return nil
}

func (m *MEXC) ActiveUSDTMSymbols(ctx context.Context) ([]string, error) {
	if err := m.loadContracts(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	symbols := make([]string, 0, len(m.constraints))
	for s := range m.constraints {
		symbols = append(symbols, s)
	}
	return symbols, nil
}

type mexcTicker struct {
	Symbol      string  `json:"symbol"`
	LastPrice   float64 `json:"lastPrice"`
	Bid1        float64 `json:"bid1"`
	Ask1        float64 `json:"ask1"`
	Amount24    float64 `json:"amount24"`
	FundingRate float64 `json:"fundingRate"`
	HoldVol     float64 `json:"holdVol"`
}

func (m *MEXC) Tickers(ctx context.Context, symbols []string) (map[string]market.Ticker, error) {
	var list []mexcTicker
	if err := m.request(ctx, http.MethodGet, "/api/v1/contract/ticker", nil, nil, false, &list); err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}
	out := make(map[string]market.Ticker, len(symbols))
	for _, t := range list {
		plain := plainSymbol(t.Symbol)
		if len(want) > 0 && !want[plain] {
			continue
		}
		out[plain] = market.Ticker{
			Symbol:      plain,
			Last:        t.LastPrice,
			Bid:         t.Bid1,
			Ask:         t.Ask1,
			QuoteVolume: t.Amount24,
		}
	}
	return out, nil
}

// mexcInterval maps shared timeframe names to contract kline intervals.
func mexcInterval(tf string) (string, error) {
	switch tf {
	case "1m":
		return "Min1", nil
	case "5m":
		return "Min5", nil
	case "15m":
		return "Min15", nil
	case "1h":
		return "Min60", nil
	case "4h":
		return "Hour4", nil
	case "1d":
		return "Day1", nil
	default:
		return "", fmt.Errorf("mexc: unsupported timeframe %q", tf)
	}
}

func (m *MEXC) Candles(ctx context.Context, symbol, tf string, limit int) ([]market.Candle, error) {
	interval, err := mexcInterval(tf)
	if err != nil {
		return nil, err
	}
	tfDur, err := market.TFDuration(tf)
	if err != nil {
		return nil, err
	}
	end := time.Now().UTC().Unix()
	start := end - int64(limit)*int64(tfDur.Seconds())

	query := url.Values{}
	query.Set("interval", interval)
	query.Set("start", strconv.FormatInt(start, 10))
	query.Set("end", strconv.FormatInt(end, 10))

	var data struct {
		Time  []int64   `json:"time"`
		Open  []float64 `json:"open"`
		High  []float64 `json:"high"`
		Low   []float64 `json:"low"`
		Close []float64 `json:"close"`
		Vol   []float64 `json:"vol"`
	}
	path := "/api/v1/contract/kline/" + m.ResolveSymbol(symbol)
	if err := m.request(ctx, http.MethodGet, path, query, nil, false, &data); err != nil {
		return nil, err
	}

	n := len(data.Time)
	candles := make([]market.Candle, 0, n)
	for i := 0; i < n; i++ {
		if i >= len(data.Open) || i >= len(data.High) || i >= len(data.Low) || i >= len(data.Close) {
			break
		}
		vol := 0.0
		if i < len(data.Vol) {
			vol = data.Vol[i]
		}
		candles = append(candles, market.Candle{
			OpenTimeMS: data.Time[i] * 1000,
			Open:       data.Open[i],
			High:       data.High[i],
			Low:        data.Low[i],
			Close:      data.Close[i],
			Volume:     vol,
		})
	}
	return candles, nil
}

func (m *MEXC) FundingRate(ctx context.Context, symbol string) float64 {
	var data struct {
		FundingRate float64 `json:"fundingRate"`
	}
	path := "/api/v1/contract/funding_rate/" + m.ResolveSymbol(symbol)
	if err := m.request(ctx, http.MethodGet, path, nil, nil, false, &data); err != nil {
		m.logger.Debug().Str("symbol", symbol).Err(err).Msg("Funding rate unavailable")
		return 0
	}
	return data.FundingRate
}

func (m *MEXC) OpenInterest(ctx context.Context, symbol string) *float64 {
	var ticker mexcTicker
	query := url.Values{}
	query.Set("symbol", m.ResolveSymbol(symbol))
	if err := m.request(ctx, http.MethodGet, "/api/v1/contract/ticker", query, nil, false, &ticker); err != nil {
		return nil
	}
	if ticker.HoldVol <= 0 {
		return nil
	}
	v := ticker.HoldVol
	return &v
}

func (m *MEXC) USDTBalance(ctx context.Context) (market.Balance, error) {
	var assets []struct {
		Currency         string  `json:"currency"`
		Equity           float64 `json:"equity"`
		AvailableBalance float64 `json:"availableBalance"`
	}
	err := WithRetry(ctx, m.retryConfig, func() error {
		return m.request(ctx, http.MethodGet, "/api/v1/private/account/assets", nil, nil, true, &assets)
	})
	if err != nil {
		return market.Balance{}, err
	}
	for _, a := range assets {
		if a.Currency == "USDT" {
			return market.Balance{Equity: a.Equity, Free: a.AvailableBalance}, nil
		}
	}
	return market.Balance{}, fmt.Errorf("mexc: no USDT asset in account")
}

func (m *MEXC) MarketConstraints(ctx context.Context, symbol string) (market.Constraints, error) {
	m.mu.RLock()
	if c, ok := m.constraints[symbol]; ok {
		m.mu.RUnlock()
		return c, nil
	}
	m.mu.RUnlock()

	if err := m.loadContracts(ctx); err != nil {
		return market.Constraints{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.constraints[symbol]; ok {
		return c, nil
	}
	return market.Constraints{MinNotionalUSDT: 5.0}, nil
}

// SetupSymbol is a no-op on MEXC; margin mode and leverage ride on the
// order submission itself.
func (m *MEXC) SetupSymbol(ctx context.Context, symbol string, leverage int) {
	m.logger.Debug().Str("symbol", symbol).Int("leverage", leverage).Msg("Symbol setup deferred to order submission")
}

func (m *MEXC) contractSize(ctx context.Context, symbol string) float64 {
	m.mu.RLock()
	size, ok := m.contractSizes[symbol]
	m.mu.RUnlock()
	if ok && size > 0 {
		return size
	}
	if err := m.loadContracts(ctx); err == nil {
		m.mu.RLock()
		size = m.contractSizes[symbol]
		m.mu.RUnlock()
	}
	if size <= 0 {
		size = 1
	}
	return size
}

func (m *MEXC) PlaceEntryAndBrackets(ctx context.Context, req BracketRequest) (*BracketResult, error) {
	size := m.contractSize(ctx, req.Symbol)
	vol := math.Floor(req.Qty/size + 1e-9)
	if vol <= 0 {
		return nil, fmt.Errorf("mexc: qty %.10f below one contract (%g)", req.Qty, size)
	}

	side := 1 // open long
	if req.Direction == trade.DirectionShort {
		side = 3 // open short
	}
	body := map[string]any{
		"symbol":          m.ResolveSymbol(req.Symbol),
		"vol":             vol,
		"side":            side,
		"type":            5, // market
		"openType":        1, // isolated
		"leverage":        req.Leverage,
		"externalOid":     req.ClientOrderID,
		"takeProfitPrice": req.TPPrice,
		"stopLossPrice":   req.SLPrice,
	}

	var orderID json.Number
	err := execute(m.breaker, func() error {
		return WithRetry(ctx, m.retryConfig, func() error {
			return m.request(ctx, http.MethodPost, "/api/v1/private/order/submit", nil, body, true, &orderID)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("mexc: entry order %s: %w", req.Symbol, err)
	}

	id := orderID.String()
	result := &BracketResult{
		EntryOrderID: id,
		EntryTimeUTC: time.Now().UTC().Unix(),
		// Brackets ride on the entry order; the stop is venue-side.
		SLOrderID: &id,
	}
	if info, qerr := m.Order(ctx, req.Symbol, id); qerr == nil {
		result.EntryFillPrice = info.AvgFillPrice
		if info.UpdateTimeUTC > 0 {
			result.EntryTimeUTC = info.UpdateTimeUTC
		}
	}
	return result, nil
}

func (m *MEXC) Order(ctx context.Context, symbol, orderID string) (*OrderInfo, error) {
	var data struct {
		OrderID      json.Number `json:"orderId"`
		State        int         `json:"state"`
		DealAvgPrice float64     `json:"dealAvgPrice"`
		DealVol      float64     `json:"dealVol"`
		UpdateTime   int64       `json:"updateTime"`
	}
	path := "/api/v1/private/order/get/" + orderID
	if err := m.request(ctx, http.MethodGet, path, nil, nil, true, &data); err != nil {
		return nil, err
	}

	status := OrderStatusUnknown
	switch data.State {
	case 1, 2: // uninformed, uncompleted
		status = OrderStatusNew
	case 3:
		status = OrderStatusFilled
	case 4, 5: // cancelled, invalid
		status = OrderStatusCanceled
	}

	size := m.contractSize(ctx, symbol)
	return &OrderInfo{
		OrderID:       orderID,
		Status:        status,
		AvgFillPrice:  data.DealAvgPrice,
		ExecutedQty:   data.DealVol * size,
		UpdateTimeUTC: data.UpdateTime / 1000,
	}, nil
}

func (m *MEXC) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return m.request(ctx, http.MethodPost, "/api/v1/private/order/cancel", nil, []string{orderID}, true, nil)
}

func (m *MEXC) PositionQty(ctx context.Context, symbol string) (float64, error) {
	query := url.Values{}
	query.Set("symbol", m.ResolveSymbol(symbol))

	var positions []struct {
		PositionType int     `json:"positionType"` // 1 long, 2 short
		HoldVol      float64 `json:"holdVol"`
	}
	if err := m.request(ctx, http.MethodGet, "/api/v1/private/position/open_positions", query, nil, true, &positions); err != nil {
		return 0, err
	}
	size := m.contractSize(ctx, symbol)
	for _, p := range positions {
		if p.HoldVol == 0 {
			continue
		}
		qty := p.HoldVol * size
		if p.PositionType == 2 {
			return -qty, nil
		}
		return qty, nil
	}
	return 0, nil
}
