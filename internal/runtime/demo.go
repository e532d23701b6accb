package runtime

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"github.com/quantfunk/perptrader/internal/exchange"
	"github.com/quantfunk/perptrader/internal/market"
)

// demoVenue serves deterministic synthetic market data so the full
// pipeline runs without credentials or network. Orders are simulated by
// the paper execution path, never placed here.
type demoVenue struct {
	name string
	now  func() int64 // unix seconds, swappable in tests
}

var demoSymbols = []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}

func newDemoVenue(name string) *demoVenue {
	if name == "" {
		name = "demo"
	}
	return &demoVenue{name: name, now: func() int64 { return time.Now().Unix() }}
}

func (d *demoVenue) Name() string { return d.name }

func (d *demoVenue) ResolveSymbol(symbol string) string { return symbol }

func (d *demoVenue) ActiveUSDTMSymbols(ctx context.Context) ([]string, error) {
	return append([]string(nil), demoSymbols...), nil
}

// basePrice derives a stable per-symbol price level from the symbol name.
func basePrice(symbol string) float64 {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return 10 + float64(h.Sum32()%100000)/10
}

// priceAt is a smooth deterministic walk: two sine components over a daily
// and an hourly period around the symbol's base level.
func priceAt(symbol string, unixSec int64) float64 {
	base := basePrice(symbol)
	t := float64(unixSec)
	return base * (1 + 0.03*math.Sin(2*math.Pi*t/86400) + 0.008*math.Sin(2*math.Pi*t/3600))
}

func (d *demoVenue) Tickers(ctx context.Context, symbols []string) (map[string]market.Ticker, error) {
	now := d.now()
	out := make(map[string]market.Ticker, len(symbols))
	for _, sym := range symbols {
		last := priceAt(sym, now)
		out[sym] = market.Ticker{
			Symbol:      sym,
			Last:        last,
			Bid:         last * 0.9995,
			Ask:         last * 1.0005,
			QuoteVolume: 50_000_000,
		}
	}
	return out, nil
}

func (d *demoVenue) Candles(ctx context.Context, symbol, tf string, limit int) ([]market.Candle, error) {
	dur, err := market.TFDuration(tf)
	if err != nil {
		return nil, err
	}
	step := int64(dur.Seconds())
	now := d.now()
	// Align to the bar grid so snapshot ids stay stable within a bar.
	end := now - now%step

	out := make([]market.Candle, 0, limit)
	for i := int64(limit); i > 0; i-- {
		open := end - i*step
		o := priceAt(symbol, open)
		c := priceAt(symbol, open+step)
		hi := math.Max(o, c) * 1.002
		lo := math.Min(o, c) * 0.998
		out = append(out, market.Candle{
			OpenTimeMS: open * 1000,
			Open:       o,
			High:       hi,
			Low:        lo,
			Close:      c,
			Volume:     1000,
		})
	}
	return out, nil
}

func (d *demoVenue) FundingRate(ctx context.Context, symbol string) float64 { return 0.0001 }

func (d *demoVenue) OpenInterest(ctx context.Context, symbol string) *float64 {
	oi := basePrice(symbol) * 1e4
	return &oi
}

func (d *demoVenue) USDTBalance(ctx context.Context) (market.Balance, error) {
	return market.Balance{Equity: 10_000, Free: 10_000}, nil
}

func (d *demoVenue) MarketConstraints(ctx context.Context, symbol string) (market.Constraints, error) {
	return market.Constraints{MinNotionalUSDT: 5, MinQty: 0.001, QtyStep: 0.001}, nil
}

func (d *demoVenue) SetupSymbol(ctx context.Context, symbol string, leverage int) {}

func (d *demoVenue) PlaceEntryAndBrackets(ctx context.Context, req exchange.BracketRequest) (*exchange.BracketResult, error) {
	return nil, fmt.Errorf("demo venue: order placement not supported")
}

func (d *demoVenue) Order(ctx context.Context, symbol, orderID string) (*exchange.OrderInfo, error) {
	return nil, fmt.Errorf("demo venue: no orders")
}

func (d *demoVenue) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }

func (d *demoVenue) PositionQty(ctx context.Context, symbol string) (float64, error) { return 0, nil }
