package trade

import "fmt"

// ExecutionStatus of a position on the venue (or the paper simulator).
type ExecutionStatus string

const (
	StatusOpen   ExecutionStatus = "OPEN"
	StatusClosed ExecutionStatus = "CLOSED"
)

// ExitType classifies how a position was closed.
type ExitType string

const (
	ExitTP      ExitType = "TP"
	ExitSL      ExitType = "SL"
	ExitUnknown ExitType = "UNKNOWN"
)

// Execution tracks order placement and fill state for one trade.
// OPEN executions may be updated repeatedly (partial metadata merges);
// CLOSED is terminal.
type Execution struct {
	SchemaVersion  string          `json:"schema_version"`
	Status         ExecutionStatus `json:"status"`
	Exchange       string          `json:"exchange,omitempty"`
	AccountType    string          `json:"account_type,omitempty"`
	MarginMode     string          `json:"margin_mode,omitempty"`
	PositionMode   string          `json:"position_mode,omitempty"`
	Leverage       int             `json:"leverage,omitempty"`
	Qty            float64         `json:"qty,omitempty"`
	NotionalUSDT   float64         `json:"notional_usdt,omitempty"`
	EntryOrderID   string          `json:"entry_order_id,omitempty"`
	TPOrderID      string          `json:"tp_order_id,omitempty"`
	SLOrderID      *string         `json:"sl_order_id"`
	ClientOrderID  string          `json:"client_order_id,omitempty"`
	EntryFillPrice float64         `json:"entry_fill_price,omitempty"`
	EntryTimeUTC   int64           `json:"entry_time_utc,omitempty"`
	ExitFillPrice  *float64        `json:"exit_fill_price"`
	ExitTimeUTC    *int64          `json:"exit_time_utc"`
	ExitType       *ExitType       `json:"exit_type"`
	FeesTotal      float64         `json:"fees_total"`
	FundingPaid    float64         `json:"funding_paid"`
}

// NewOpenExecution returns an OPEN execution with the standard USDT-M
// one-way isolated account metadata.
func NewOpenExecution(exchange string, leverage int, qty, notional, entryFill float64, entryTimeUTC int64) *Execution {
	return &Execution{
		SchemaVersion:  SchemaVersion,
		Status:         StatusOpen,
		Exchange:       exchange,
		AccountType:    "USDT-M",
		MarginMode:     "isolated",
		PositionMode:   "oneway",
		Leverage:       leverage,
		Qty:            qty,
		NotionalUSDT:   notional,
		EntryFillPrice: entryFill,
		EntryTimeUTC:   entryTimeUTC,
	}
}

// Close marks the execution CLOSED with the given exit fill.
func (e *Execution) Close(exitPrice float64, exitTimeUTC int64, exitType ExitType) error {
	if e.Status == StatusClosed {
		return fmt.Errorf("execution: already closed")
	}
	if e.EntryFillPrice <= 0 {
		return fmt.Errorf("execution: cannot close without entry fill")
	}
	e.Status = StatusClosed
	e.ExitFillPrice = &exitPrice
	e.ExitTimeUTC = &exitTimeUTC
	e.ExitType = &exitType
	return nil
}

// HoldingSeconds returns the holding time, 0 when the trade is still open.
func (e *Execution) HoldingSeconds() int64 {
	if e.ExitTimeUTC == nil || e.EntryTimeUTC == 0 {
		return 0
	}
	hs := *e.ExitTimeUTC - e.EntryTimeUTC
	if hs < 0 {
		return 0
	}
	return hs
}
