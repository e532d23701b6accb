// Package exchange provides USDT-margined perpetual futures adapters for
// the supported venues behind one interface. All adapters normalize to
// one-way isolated positions and plain symbol names (BTCUSDT).
package exchange

import (
	"context"
	"errors"
	"fmt"

	appconfig "github.com/quantfunk/perptrader/internal/config"
	"github.com/quantfunk/perptrader/internal/market"
	"github.com/quantfunk/perptrader/internal/trade"
)

// ErrUnsupportedVenue is returned by New for unknown exchange names.
var ErrUnsupportedVenue = errors.New("exchange: unsupported venue")

// OrderStatus values normalized across venues.
const (
	OrderStatusNew      = "NEW"
	OrderStatusFilled   = "FILLED"
	OrderStatusCanceled = "CANCELED"
	OrderStatusUnknown  = "UNKNOWN"
)

// BracketRequest describes a market entry with TP/SL brackets.
type BracketRequest struct {
	Symbol        string
	Direction     trade.Direction
	Qty           float64
	TPPrice       float64
	SLPrice       float64
	Leverage      int
	ClientOrderID string
}

// BracketResult holds the venue order ids and the entry fill. SLOrderID is
// nil when the stop order could not be placed; callers must treat that as
// a degraded position, not a failure.
type BracketResult struct {
	EntryOrderID   string
	TPOrderID      string
	SLOrderID      *string
	EntryFillPrice float64
	EntryTimeUTC   int64
}

// OrderInfo is the normalized view of one order.
type OrderInfo struct {
	OrderID       string
	Status        string
	AvgFillPrice  float64
	ExecutedQty   float64
	UpdateTimeUTC int64
}

// Adapter is the venue surface the rest of the system sees. Market-data
// calls are safe without credentials; trading calls require API keys.
type Adapter interface {
	Name() string

	// ResolveSymbol maps a plain symbol (BTCUSDT) to the venue's contract
	// naming. The reverse mapping is the adapter's concern.
	ResolveSymbol(symbol string) string

	ActiveUSDTMSymbols(ctx context.Context) ([]string, error)
	Tickers(ctx context.Context, symbols []string) (map[string]market.Ticker, error)
	Candles(ctx context.Context, symbol, tf string, limit int) ([]market.Candle, error)

	// FundingRate returns the current funding rate, 0 when unavailable.
	FundingRate(ctx context.Context, symbol string) float64
	// OpenInterest returns nil when the venue cannot provide it.
	OpenInterest(ctx context.Context, symbol string) *float64

	USDTBalance(ctx context.Context) (market.Balance, error)
	MarketConstraints(ctx context.Context, symbol string) (market.Constraints, error)

	// SetupSymbol applies one-way isolated margin and the desired leverage.
	// Failures are logged, not fatal; venues reject no-op changes.
	SetupSymbol(ctx context.Context, symbol string, leverage int)

	PlaceEntryAndBrackets(ctx context.Context, req BracketRequest) (*BracketResult, error)
	Order(ctx context.Context, symbol, orderID string) (*OrderInfo, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// PositionQty returns the signed position size, 0 when flat.
	PositionQty(ctx context.Context, symbol string) (float64, error)
}

// New builds the adapter for the configured venue.
func New(cfg appconfig.ExchangeConfig) (Adapter, error) {
	switch cfg.Name {
	case "binance":
		return NewBinance(cfg), nil
	case "bybit":
		return NewBybit(cfg), nil
	case "mexc":
		return NewMEXC(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedVenue, cfg.Name)
	}
}
