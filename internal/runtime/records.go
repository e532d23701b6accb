package runtime

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"

	"github.com/quantfunk/perptrader/internal/risk"
)

// Gate outcomes recorded on every decision cycle, checked in this order.
const (
	GateAccepted      = "accepted"
	GateMaxOpen       = "max_open_positions"
	GateAlreadyOpen   = "already_open_symbol"
	GateDecisionError = "decision_error"
	GateGuardBlock    = "risk_guard_block"
)

// CycleRecord is one row of the decision-cycle log. Exactly one row is
// appended per decision id, whatever the gate outcome.
type CycleRecord struct {
	SchemaVersion   string     `json:"schema_version"`
	DecisionID      string     `json:"decision_id"`
	CycleTimeUTC    int64      `json:"cycle_time_utc"`
	Exchange        string     `json:"exchange"`
	Mode            string     `json:"mode"`
	Symbol          string     `json:"symbol"`
	SnapshotID      string     `json:"snapshot_id"`
	SnapshotTimeUTC int64      `json:"snapshot_time_utc"`
	PolicyID        string     `json:"policy_id,omitempty"`
	Direction       string     `json:"direction,omitempty"`
	ActionType      int        `json:"action_type,omitempty"`
	EntryPrice      float64    `json:"entry_price,omitempty"`
	SLPrice         float64    `json:"sl_price,omitempty"`
	TPPrice         float64    `json:"tp_price,omitempty"`
	RR              float64    `json:"rr,omitempty"`
	Confidence      *float64   `json:"confidence,omitempty"`
	RuleConf        *float64   `json:"rule_confidence,omitempty"`
	ModelScore      *float64   `json:"model_score,omitempty"`
	FinalConfidence *float64   `json:"final_confidence,omitempty"`
	Gate            string     `json:"gate"`
	RiskBlocked     bool       `json:"risk_blocked"`
	BlockedReason   string     `json:"blocked_reason,omitempty"`
	IsOpened        bool       `json:"is_opened"`
	Plan            *risk.Plan `json:"plan,omitempty"`
	TradeID         string     `json:"trade_id,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// DecisionID derives the deterministic cycle id from the snapshot identity.
func DecisionID(exchange, symbol, snapshotID string, snapshotTimeUTC int64) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%s|%s|%s|%d", exchange, symbol, snapshotID, snapshotTimeUTC)))
	return hex.EncodeToString(sum[:])[:20]
}
