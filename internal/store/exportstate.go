package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// ExportState tracks which closed trades have already been exported into
// each derived dataset, so exports stay incremental across runs.
type ExportState struct {
	path string

	mu       sync.Mutex
	exported map[string]map[string]bool // dataset -> trade ids
}

// Dataset names used as export-state keys. The market dataset tracks
// decision ids rather than trade ids.
const (
	ExportRL     = "rl"
	ExportScorer = "scorer"
	ExportMarket = "market"
)

type exportStateFile struct {
	RLExportedTradeIDs     []string `json:"rl_exported_trade_ids"`
	ScorerExportedTradeIDs []string `json:"scorer_exported_trade_ids"`
	MarketExportedCycleIDs []string `json:"market_exported_cycle_ids"`
}

// OpenExportState loads the state file, tolerating a missing one.
func OpenExportState(path string) (*ExportState, error) {
	s := &ExportState{
		path: path,
		exported: map[string]map[string]bool{
			ExportRL:     {},
			ExportScorer: {},
			ExportMarket: {},
		},
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read export state: %w", err)
	}
	var file exportStateFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("store: decode export state: %w", err)
	}
	for _, id := range file.RLExportedTradeIDs {
		s.exported[ExportRL][id] = true
	}
	for _, id := range file.ScorerExportedTradeIDs {
		s.exported[ExportScorer][id] = true
	}
	for _, id := range file.MarketExportedCycleIDs {
		s.exported[ExportMarket][id] = true
	}
	return s, nil
}

// Exported reports whether a trade is already in the named dataset.
func (s *ExportState) Exported(dataset, tradeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exported[dataset][tradeID]
}

// MarkExported records trade ids as exported and persists the state.
func (s *ExportState) MarkExported(dataset string, tradeIDs []string) error {
	s.mu.Lock()
	set, ok := s.exported[dataset]
	if !ok {
		set = map[string]bool{}
		s.exported[dataset] = set
	}
	for _, id := range tradeIDs {
		set[id] = true
	}
	file := exportStateFile{
		RLExportedTradeIDs:     sortedKeys(s.exported[ExportRL]),
		ScorerExportedTradeIDs: sortedKeys(s.exported[ExportScorer]),
		MarketExportedCycleIDs: sortedKeys(s.exported[ExportMarket]),
	}
	s.mu.Unlock()

	raw, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal export state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("store: mkdir for export state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("store: write export state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("store: replace export state: %w", err)
	}
	return nil
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	// Deterministic file contents keep diffs readable.
	sort.Strings(out)
	return out
}
