package trade

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PolicyInfo records which policy produced the decision and the hybrid
// confidence components when applicable.
type PolicyInfo struct {
	PolicyID   string   `json:"policy_id"`
	RuleConf   *float64 `json:"rule_conf,omitempty"`
	ModelScore *float64 `json:"model_score,omitempty"`
	FinalConf  *float64 `json:"final_conf,omitempty"`
}

// Aggregate is the root of one trade: decision, execution state and, once
// closed, the reward. Snapshot references tie the trade back to the market
// state it was decided on.
type Aggregate struct {
	SchemaVersion     string      `json:"schema_version"`
	TradeID           string      `json:"trade_id"`
	Symbol            string      `json:"symbol"`
	EntrySnapshotID   string      `json:"entry_snapshot_id"`
	EntrySnapshotTime int64       `json:"entry_snapshot_time_utc"`
	Decision          *Decision   `json:"decision"`
	Execution         *Execution  `json:"execution_state"`
	Reward            *Reward     `json:"reward_state"`
	Policy            *PolicyInfo `json:"policy,omitempty"`
	OpenedTimeUTC     int64       `json:"opened_time_utc"`
	ClosedTimeUTC     *int64      `json:"closed_time_utc"`
}

// NewOpenTrade creates a fresh aggregate for an accepted decision.
func NewOpenTrade(symbol, snapshotID string, snapshotTime int64, dec *Decision, policy *PolicyInfo, now time.Time) (*Aggregate, error) {
	if dec == nil {
		return nil, fmt.Errorf("trade: nil decision")
	}
	if err := dec.Validate(); err != nil {
		return nil, fmt.Errorf("trade: invalid decision: %w", err)
	}
	return &Aggregate{
		SchemaVersion:     SchemaVersion,
		TradeID:           uuid.NewString(),
		Symbol:            symbol,
		EntrySnapshotID:   snapshotID,
		EntrySnapshotTime: snapshotTime,
		Decision:          dec,
		Policy:            policy,
		OpenedTimeUTC:     now.UTC().Unix(),
	}, nil
}

// Status reports the aggregate lifecycle state. A trade with no execution
// yet counts as OPEN (plan accepted, placement pending).
func (a *Aggregate) Status() ExecutionStatus {
	if a.Execution != nil && a.Execution.Status == StatusClosed {
		return StatusClosed
	}
	return StatusOpen
}

// AttachExecution merges an execution update into the aggregate. Updates to
// a CLOSED trade are rejected. An OPEN update merges non-zero entry fields
// and account metadata; a CLOSED update additionally sets the exit fields
// and flips the aggregate to closed.
func (a *Aggregate) AttachExecution(e *Execution) error {
	if e == nil {
		return fmt.Errorf("trade %s: nil execution", a.TradeID)
	}
	if a.Execution != nil && a.Execution.Status == StatusClosed {
		return fmt.Errorf("trade %s: execution already closed", a.TradeID)
	}
	if a.Execution == nil {
		a.Execution = &Execution{SchemaVersion: SchemaVersion, Status: StatusOpen}
	}
	cur := a.Execution

	// Entry fields and metadata: latest non-zero wins.
	if e.Exchange != "" {
		cur.Exchange = e.Exchange
	}
	if e.AccountType != "" {
		cur.AccountType = e.AccountType
	}
	if e.MarginMode != "" {
		cur.MarginMode = e.MarginMode
	}
	if e.PositionMode != "" {
		cur.PositionMode = e.PositionMode
	}
	if e.Leverage > 0 {
		cur.Leverage = e.Leverage
	}
	if e.Qty > 0 {
		cur.Qty = e.Qty
	}
	if e.NotionalUSDT > 0 {
		cur.NotionalUSDT = e.NotionalUSDT
	}
	if e.EntryOrderID != "" {
		cur.EntryOrderID = e.EntryOrderID
	}
	if e.TPOrderID != "" {
		cur.TPOrderID = e.TPOrderID
	}
	if e.SLOrderID != nil {
		cur.SLOrderID = e.SLOrderID
	}
	if e.ClientOrderID != "" {
		cur.ClientOrderID = e.ClientOrderID
	}
	if e.EntryFillPrice > 0 {
		cur.EntryFillPrice = e.EntryFillPrice
	}
	if e.EntryTimeUTC > 0 {
		cur.EntryTimeUTC = e.EntryTimeUTC
	}
	cur.FeesTotal = e.FeesTotal
	cur.FundingPaid = e.FundingPaid

	if e.Status == StatusClosed {
		if e.ExitFillPrice == nil || e.ExitTimeUTC == nil {
			return fmt.Errorf("trade %s: CLOSED execution missing exit fill", a.TradeID)
		}
		cur.Status = StatusClosed
		cur.ExitFillPrice = e.ExitFillPrice
		cur.ExitTimeUTC = e.ExitTimeUTC
		cur.ExitType = e.ExitType
		closed := *e.ExitTimeUTC
		a.ClosedTimeUTC = &closed
	}
	return nil
}

// AttachReward is only legal once the execution is CLOSED.
func (a *Aggregate) AttachReward(r *Reward) error {
	if a.Execution == nil || a.Execution.Status != StatusClosed {
		return fmt.Errorf("trade %s: reward requires CLOSED execution", a.TradeID)
	}
	if r == nil {
		return fmt.Errorf("trade %s: nil reward", a.TradeID)
	}
	a.Reward = r
	return nil
}
