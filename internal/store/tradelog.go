package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/quantfunk/perptrader/internal/trade"
)

// TradeLog stores trade aggregates as append-only JSONL with an in-memory
// latest-wins index. Every state change appends the full aggregate; the
// newest record per trade_id is the current truth, older ones are history.
type TradeLog struct {
	log *JSONL

	mu     sync.RWMutex
	latest map[string]*trade.Aggregate
	order  []string // trade ids in first-seen order
}

// OpenTradeLog opens the log and replays it to rebuild the index.
func OpenTradeLog(path string) (*TradeLog, error) {
	t := &TradeLog{
		log:    NewJSONL(path),
		latest: make(map[string]*trade.Aggregate),
	}
	records, err := t.log.ReadAll()
	if err != nil {
		return nil, err
	}
	for _, record := range records {
		agg, err := aggregateFromRecord(record)
		if err != nil || agg.TradeID == "" {
			continue
		}
		if _, seen := t.latest[agg.TradeID]; !seen {
			t.order = append(t.order, agg.TradeID)
		}
		t.latest[agg.TradeID] = agg
	}
	return t, nil
}

func aggregateFromRecord(record map[string]any) (*trade.Aggregate, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	var agg trade.Aggregate
	if err := json.Unmarshal(raw, &agg); err != nil {
		return nil, err
	}
	return &agg, nil
}

// Append persists the aggregate's current state and updates the index.
func (t *TradeLog) Append(agg *trade.Aggregate) error {
	if agg == nil || agg.TradeID == "" {
		return fmt.Errorf("store: aggregate without trade id")
	}
	if err := t.log.AppendStruct(agg); err != nil {
		return err
	}
	t.mu.Lock()
	if _, seen := t.latest[agg.TradeID]; !seen {
		t.order = append(t.order, agg.TradeID)
	}
	t.latest[agg.TradeID] = agg
	t.mu.Unlock()
	return nil
}

// Get returns the latest state of a trade, or nil.
func (t *TradeLog) Get(tradeID string) *trade.Aggregate {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.latest[tradeID]
}

// OpenTrades returns trades whose latest state is not CLOSED, in
// first-seen order.
func (t *TradeLog) OpenTrades() []*trade.Aggregate {
	return t.filter(func(a *trade.Aggregate) bool { return a.Status() != trade.StatusClosed })
}

// ClosedTrades returns trades whose latest state is CLOSED, sorted by
// close time.
func (t *TradeLog) ClosedTrades() []*trade.Aggregate {
	closed := t.filter(func(a *trade.Aggregate) bool { return a.Status() == trade.StatusClosed })
	sort.SliceStable(closed, func(i, j int) bool {
		ti, tj := int64(0), int64(0)
		if closed[i].ClosedTimeUTC != nil {
			ti = *closed[i].ClosedTimeUTC
		}
		if closed[j].ClosedTimeUTC != nil {
			tj = *closed[j].ClosedTimeUTC
		}
		return ti < tj
	})
	return closed
}

// OpenSymbols returns the set of symbols with a non-closed trade.
func (t *TradeLog) OpenSymbols() map[string]bool {
	open := t.OpenTrades()
	out := make(map[string]bool, len(open))
	for _, agg := range open {
		out[agg.Symbol] = true
	}
	return out
}

func (t *TradeLog) filter(keep func(*trade.Aggregate) bool) []*trade.Aggregate {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*trade.Aggregate
	for _, id := range t.order {
		if agg := t.latest[id]; agg != nil && keep(agg) {
			out = append(out, agg)
		}
	}
	return out
}

// Count returns the number of distinct trades.
func (t *TradeLog) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.latest)
}
