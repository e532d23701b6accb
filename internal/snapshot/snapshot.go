// Package snapshot builds and validates immutable multi-timeframe market
// snapshots. A snapshot is keyed on the last closed LTF bar so that
// rebuilding the same bar yields the same id.
package snapshot

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

const SchemaVersion = "v3"

// Volatility regimes on the LTF.
const (
	RegimeDead      = "dead"
	RegimeNormal    = "normal"
	RegimeExpansion = "expansion"
)

// HTF trend states.
const (
	TrendUp   = "up"
	TrendDown = "down"
	TrendFlat = "flat"
)

// HTF market regimes.
const (
	MarketTrend = "trend"
	MarketRange = "range"
)

// HTF volatility regimes.
const (
	HTFVolNormal = "normal"
	HTFVolHigh   = "high"
)

// Micro-structure states.
const (
	StateHH = "HH"
	StateHL = "HL"
	StateLH = "LH"
	StateLL = "LL"
)

// Trading sessions by UTC hour.
const (
	SessionAsia   = "asia"
	SessionLondon = "london"
	SessionNY     = "ny"
)

// RequiredHTFs are the higher timeframes every snapshot must carry.
var RequiredHTFs = []string{"15m", "1h", "4h"}

// LTFTimeframe is locked; the whole decision cadence assumes 5m bars.
const LTFTimeframe = "5m"

// ForbiddenKeys are outcome/decision fields that must never appear in a
// snapshot. Their presence means leakage from the trade lifecycle.
var ForbiddenKeys = []string{
	"decision", "execution_state", "reward_state", "risk_unit",
	"pnl", "pnl_raw", "pnl_r", "pnl_usdt",
	"exit_price", "exit_time_utc", "tp_price", "sl_price", "rr",
}

// LTFPrice holds the last closed LTF bar and its derived measures.
type LTFPrice struct {
	Open             float64 `json:"open"`
	High             float64 `json:"high"`
	Low              float64 `json:"low"`
	Close            float64 `json:"close"`
	Volume           float64 `json:"volume"`
	RangePct         float64 `json:"range_pct"`
	ATRPct           float64 `json:"atr_pct"`
	VolatilityRegime string  `json:"volatility_regime"`
}

// LTFVolume compares the last bar volume to its moving average.
type LTFVolume struct {
	Last    float64 `json:"last"`
	MARatio float64 `json:"ma_ratio"`
}

// MicroStructure summarizes the recent swing state on the LTF.
type MicroStructure struct {
	HHLLState           string  `json:"hh_ll_state"`
	BreakOfStructure    bool    `json:"break_of_structure"`
	DistanceToStructure float64 `json:"distance_to_structure"`
}

// LTFBlock is the lower-timeframe section of a snapshot.
type LTFBlock struct {
	TF             string         `json:"tf"`
	Price          LTFPrice       `json:"price"`
	Volume         LTFVolume      `json:"volume"`
	MicroStructure MicroStructure `json:"micro_structure"`
}

// HTFBlock describes one higher timeframe.
type HTFBlock struct {
	Trend            string `json:"trend"`
	BreakOfStructure bool   `json:"break_of_structure"`
	MarketRegime     string `json:"market_regime"`
	VolatilityRegime string `json:"volatility_regime"`
}

// ContextBlock carries session, funding and book context.
type ContextBlock struct {
	Session       string   `json:"session"`
	Exchange      string   `json:"exchange"`
	FundingRate   float64  `json:"funding_rate"`
	FundingZ      *float64 `json:"funding_z"`
	Bid           float64  `json:"bid"`
	Ask           float64  `json:"ask"`
	Mid           float64  `json:"mid"`
	SpreadPct     float64  `json:"spread_pct"`
	DailyATRPct   *float64 `json:"daily_atr_pct"`
	DailyATRRatio *float64 `json:"daily_atr_ratio"`
}

// Snapshot is an immutable view of one symbol at one closed LTF bar.
type Snapshot struct {
	SchemaVersion   string              `json:"schema_version"`
	SnapshotID      string              `json:"snapshot_id"`
	SnapshotTimeUTC int64               `json:"snapshot_time_utc"`
	ObserverTimeUTC int64               `json:"observer_time_utc"`
	Symbol          string              `json:"symbol"`
	LTF             LTFBlock            `json:"ltf"`
	HTF             map[string]HTFBlock `json:"htf"`
	Context         ContextBlock        `json:"context"`
	Placeholder     bool                `json:"placeholder,omitempty"`
}

// ComputeID derives the deterministic snapshot id: the first 20 hex chars of
// sha1 over "exchange|symbol|ltf_tf|ltf_close_time|v3".
func ComputeID(exchange, symbol, ltfTF string, ltfCloseTime int64) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%s|%s|%s|%d|%s", exchange, symbol, ltfTF, ltfCloseTime, SchemaVersion)))
	return hex.EncodeToString(sum[:])[:20]
}

// Validate enforces the structural snapshot invariants.
func (s *Snapshot) Validate() error {
	if s.SchemaVersion != SchemaVersion {
		return fmt.Errorf("snapshot %s: schema_version must be %q, got %q", s.SnapshotID, SchemaVersion, s.SchemaVersion)
	}
	if s.SnapshotID == "" {
		return fmt.Errorf("snapshot: empty snapshot_id")
	}
	if s.SnapshotTimeUTC > s.ObserverTimeUTC {
		return fmt.Errorf("snapshot %s: snapshot_time_utc %d after observer_time_utc %d", s.SnapshotID, s.SnapshotTimeUTC, s.ObserverTimeUTC)
	}
	if s.LTF.TF != LTFTimeframe {
		return fmt.Errorf("snapshot %s: ltf tf must be %q, got %q", s.SnapshotID, LTFTimeframe, s.LTF.TF)
	}
	for _, tf := range RequiredHTFs {
		if _, ok := s.HTF[tf]; !ok {
			return fmt.Errorf("snapshot %s: missing htf %q", s.SnapshotID, tf)
		}
	}
	return nil
}

// ValidateMap rejects snapshot documents (typically loaded from disk or
// handed to the feature mapper) that carry outcome leakage keys or the
// wrong schema version.
func ValidateMap(doc map[string]any) error {
	if v, _ := doc["schema_version"].(string); v != SchemaVersion {
		return fmt.Errorf("snapshot: schema_version must be %q, got %v", SchemaVersion, doc["schema_version"])
	}
	for _, k := range ForbiddenKeys {
		if _, ok := doc[k]; ok {
			return fmt.Errorf("snapshot: forbidden key %q present", k)
		}
	}
	return nil
}
