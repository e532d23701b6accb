// Package events is the in-process pub/sub bus connecting the runtime to
// notifiers and metrics. Delivery is synchronous and best-effort; a
// panicking subscriber never takes the trading loop down.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	appconfig "github.com/quantfunk/perptrader/internal/config"
)

// Event types published by the runtime.
const (
	TypeTradeOpen       = "trade.open"
	TypeTradeClosed     = "trade.closed"
	TypeRiskBlocked     = "risk.blocked"
	TypeUniverseRefresh = "universe.refresh"
	TypeCycleDone       = "cycle.done"
)

// Event is one occurrence on the bus.
type Event struct {
	Type    string         `json:"type"`
	Symbol  string         `json:"symbol,omitempty"`
	TradeID string         `json:"trade_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	TimeUTC int64          `json:"time_utc"`
}

// Handler consumes one event.
type Handler func(Event)

// Bus fans events out to subscribers. Safe for concurrent use.
type Bus struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		logger:   appconfig.NewLogger("event_bus"),
		handlers: make(map[string][]Handler),
	}
}

// Subscribe registers a handler for one event type. The empty type
// subscribes to everything.
func (b *Bus) Subscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish delivers the event to every matching subscriber in order.
func (b *Bus) Publish(event Event) {
	if event.TimeUTC == 0 {
		event.TimeUTC = time.Now().UTC().Unix()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[event.Type])+len(b.handlers[""]))
	handlers = append(handlers, b.handlers[event.Type]...)
	handlers = append(handlers, b.handlers[""]...)
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.deliver(event, handler)
	}
}

func (b *Bus) deliver(event Event, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("event_type", event.Type).
				Interface("panic", r).
				Msg("Event handler panicked")
		}
	}()
	handler(event)
}
