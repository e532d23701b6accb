// Package datasets derives training datasets from the trade log and the
// snapshot store: RL transitions and scorer rows from closed trades, and
// an outcome-free market dataset from every stored snapshot. Exports are
// incremental; a trade is only ever exported once per dataset.
package datasets

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	appconfig "github.com/quantfunk/perptrader/internal/config"
	"github.com/quantfunk/perptrader/internal/features"
	"github.com/quantfunk/perptrader/internal/store"
	"github.com/quantfunk/perptrader/internal/trade"
)

// File names inside the datasets directory.
const (
	RLTransitionsFile = "rl_transitions.parquet"
	ScorerRowsFile    = "scorer_rows.parquet"
	MarketRowsFile    = "market_rows.parquet"
)

// RLTransition is one terminal transition: entry state, action taken,
// realized R-multiple as the reward. Every trade is a single terminal
// step, so next_state is the zero vector and done is always true.
type RLTransition struct {
	TradeID        string    `parquet:"trade_id"`
	SnapshotID     string    `parquet:"snapshot_id"`
	Symbol         string    `parquet:"symbol"`
	State          []float64 `parquet:"state,list"`
	NextState      []float64 `parquet:"next_state,list"`
	Action         int32     `parquet:"action"`
	RR             float64   `parquet:"rr"`
	SLDistPct      float64   `parquet:"sl_dist_pct"`
	BehaviorPolicy string    `parquet:"behavior_policy"`
	Reward         float64   `parquet:"reward"`
	Done           bool      `parquet:"done"`
}

// ScorerRow is one supervised example for the model scorer.
type ScorerRow struct {
	TradeID    string    `parquet:"trade_id"`
	SnapshotID string    `parquet:"snapshot_id"`
	Symbol     string    `parquet:"symbol"`
	Features   []float64 `parquet:"features,list"`
	LabelCls   int32     `parquet:"label_cls"`
	LabelReg   float64   `parquet:"label_reg"`
}

// MarketRow joins one decision cycle with its snapshot features. It never
// carries outcome columns; gate and decision fields are known at cycle
// time and safe to keep.
type MarketRow struct {
	DecisionID      string    `parquet:"decision_id"`
	SnapshotID      string    `parquet:"snapshot_id"`
	Symbol          string    `parquet:"symbol"`
	SnapshotTimeUTC int64     `parquet:"snapshot_time_utc"`
	Features        []float64 `parquet:"features,list"`
	Direction       string    `parquet:"direction"`
	RR              float64   `parquet:"rr"`
	Gate            string    `parquet:"gate"`
}

// Exporter builds the dataset files.
type Exporter struct {
	trades      *store.TradeLog
	cycles      *store.JSONL
	mapper      *features.Mapper
	state       *store.ExportState
	snapshotDir string
	datasetsDir string
	logger      zerolog.Logger
}

// NewExporter wires the exporter over the existing stores. cycles is the
// decision-cycle log feeding the market dataset and may be nil when only
// trade-based exports are needed.
func NewExporter(trades *store.TradeLog, cycles *store.JSONL, mapper *features.Mapper, state *store.ExportState, snapshotDir, datasetsDir string) *Exporter {
	return &Exporter{
		trades:      trades,
		cycles:      cycles,
		mapper:      mapper,
		state:       state,
		snapshotDir: snapshotDir,
		datasetsDir: datasetsDir,
		logger:      appconfig.NewLogger("datasets"),
	}
}

// loadSnapshotDocs indexes every stored snapshot document by id.
func (e *Exporter) loadSnapshotDocs() (map[string]map[string]any, error) {
	entries, err := os.ReadDir(e.snapshotDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("datasets: read snapshot dir: %w", err)
	}
	docs := make(map[string]map[string]any)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		records, err := store.NewJSONL(filepath.Join(e.snapshotDir, entry.Name())).ReadAll()
		if err != nil {
			return nil, err
		}
		for _, record := range records {
			if id, ok := record["snapshot_id"].(string); ok && id != "" {
				docs[id] = record
			}
		}
	}
	return docs, nil
}

// exportable returns closed trades with a reward that are not yet in the
// named dataset.
func (e *Exporter) exportable(dataset string) []*trade.Aggregate {
	var out []*trade.Aggregate
	for _, agg := range e.trades.ClosedTrades() {
		if agg.Reward == nil || agg.Decision == nil {
			continue
		}
		if e.state.Exported(dataset, agg.TradeID) {
			continue
		}
		out = append(out, agg)
	}
	return out
}

// ExportRL appends new terminal transitions and returns how many were
// written. Trades whose entry snapshot is gone or unmappable are skipped
// and retried on the next run.
func (e *Exporter) ExportRL() (int, error) {
	candidates := e.exportable(store.ExportRL)
	if len(candidates) == 0 {
		return 0, nil
	}
	docs, err := e.loadSnapshotDocs()
	if err != nil {
		return 0, err
	}

	var rows []RLTransition
	var exported []string
	for _, agg := range candidates {
		vec, ok := e.vectorFor(agg, docs)
		if !ok {
			continue
		}
		slDistPct := 0.0
		if agg.Decision.EntryPrice > 0 {
			slDistPct = agg.Decision.RiskUnit / agg.Decision.EntryPrice
		}
		rows = append(rows, RLTransition{
			TradeID:        agg.TradeID,
			SnapshotID:     agg.EntrySnapshotID,
			Symbol:         agg.Symbol,
			State:          vec,
			NextState:      make([]float64, len(vec)),
			Action:         int32(agg.Decision.ActionType),
			RR:             agg.Decision.RR,
			SLDistPct:      slDistPct,
			BehaviorPolicy: agg.Decision.PolicyID,
			Reward:         agg.Reward.PnLR,
			Done:           true,
		})
		exported = append(exported, agg.TradeID)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	if err := store.AppendParquet(filepath.Join(e.datasetsDir, RLTransitionsFile), rows); err != nil {
		return 0, err
	}
	if err := e.state.MarkExported(store.ExportRL, exported); err != nil {
		return 0, err
	}
	e.logger.Info().Int("rows", len(rows)).Msg("RL transitions exported")
	return len(rows), nil
}

// ExportScorer appends new supervised scorer rows. The binary label is
// pnl_r > 0, the regression label is pnl_r itself.
func (e *Exporter) ExportScorer() (int, error) {
	candidates := e.exportable(store.ExportScorer)
	if len(candidates) == 0 {
		return 0, nil
	}
	docs, err := e.loadSnapshotDocs()
	if err != nil {
		return 0, err
	}

	var rows []ScorerRow
	var exported []string
	for _, agg := range candidates {
		vec, ok := e.vectorFor(agg, docs)
		if !ok {
			continue
		}
		var label int32
		if agg.Reward.PnLR > 0 {
			label = 1
		}
		rows = append(rows, ScorerRow{
			TradeID:    agg.TradeID,
			SnapshotID: agg.EntrySnapshotID,
			Symbol:     agg.Symbol,
			Features:   vec,
			LabelCls:   label,
			LabelReg:   agg.Reward.PnLR,
		})
		exported = append(exported, agg.TradeID)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	if err := store.AppendParquet(filepath.Join(e.datasetsDir, ScorerRowsFile), rows); err != nil {
		return 0, err
	}
	if err := e.state.MarkExported(store.ExportScorer, exported); err != nil {
		return 0, err
	}
	e.logger.Info().Int("rows", len(rows)).Msg("Scorer rows exported")
	return len(rows), nil
}

// ExportMarket joins new decision-cycle records with their snapshots and
// appends one feature row per cycle, incremental by decision_id. The file
// carries no outcome columns at all.
func (e *Exporter) ExportMarket() (int, error) {
	if e.cycles == nil {
		return 0, nil
	}
	records, err := e.cycles.ReadAll()
	if err != nil {
		return 0, err
	}
	var pending []map[string]any
	for _, rec := range records {
		id, _ := rec["decision_id"].(string)
		if id == "" || e.state.Exported(store.ExportMarket, id) {
			continue
		}
		pending = append(pending, rec)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	docs, err := e.loadSnapshotDocs()
	if err != nil {
		return 0, err
	}
	var rows []MarketRow
	var exported []string
	for _, rec := range pending {
		id, _ := rec["decision_id"].(string)
		snapID, _ := rec["snapshot_id"].(string)
		doc, ok := docs[snapID]
		if !ok {
			e.logger.Warn().Str("decision_id", id).Str("snapshot_id", snapID).Msg("Cycle snapshot missing, skipping row")
			continue
		}
		vec, err := e.mapper.MapDoc(doc)
		if err != nil {
			e.logger.Warn().Str("decision_id", id).Err(err).Msg("Feature mapping failed, skipping row")
			continue
		}
		symbol, _ := rec["symbol"].(string)
		ts, _ := rec["snapshot_time_utc"].(float64)
		direction, _ := rec["direction"].(string)
		rr, _ := rec["rr"].(float64)
		gate, _ := rec["gate"].(string)
		rows = append(rows, MarketRow{
			DecisionID:      id,
			SnapshotID:      snapID,
			Symbol:          symbol,
			SnapshotTimeUTC: int64(ts),
			Features:        vec,
			Direction:       direction,
			RR:              rr,
			Gate:            gate,
		})
		exported = append(exported, id)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	if err := store.AppendParquet(filepath.Join(e.datasetsDir, MarketRowsFile), rows); err != nil {
		return 0, err
	}
	if err := e.state.MarkExported(store.ExportMarket, exported); err != nil {
		return 0, err
	}
	e.logger.Info().Int("rows", len(rows)).Msg("Market rows exported")
	return len(rows), nil
}

func (e *Exporter) vectorFor(agg *trade.Aggregate, docs map[string]map[string]any) ([]float64, bool) {
	doc, ok := docs[agg.EntrySnapshotID]
	if !ok {
		e.logger.Warn().Str("trade_id", agg.TradeID).Str("snapshot_id", agg.EntrySnapshotID).Msg("Entry snapshot missing, skipping trade")
		return nil, false
	}
	vec, err := e.mapper.MapDoc(doc)
	if err != nil {
		e.logger.Warn().Str("trade_id", agg.TradeID).Err(err).Msg("Feature mapping failed, skipping trade")
		return nil, false
	}
	return vec, true
}
