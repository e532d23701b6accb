package universe

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	appconfig "github.com/quantfunk/perptrader/internal/config"
	"github.com/quantfunk/perptrader/internal/store"
)

// historyCap bounds how many cycle rows are replayed on load.
const historyCap = 5000

// CycleRow is one per-candidate row appended every refresh. These rows are
// the raw material for acceleration and z-score terms on later cycles.
type CycleRow struct {
	SchemaVersion string   `json:"schema_version"`
	TimestampUTC  int64    `json:"timestamp_utc"`
	Exchange      string   `json:"exchange"`
	Symbol        string   `json:"symbol"`
	Selected      int      `json:"selected"`
	Rank          int      `json:"rank"`
	LastPrice     float64  `json:"last_price"`
	QuoteVolume   float64  `json:"quote_volume"`
	SpreadPct     float64  `json:"spread_pct"`
	FundingRate   float64  `json:"funding_rate"`
	FundingZ      *float64 `json:"funding_z"`
	ATRPct        float64  `json:"atr_pct"`
	OpenInterest  *float64 `json:"open_interest"`
	Score         float64  `json:"score"`
}

type lastFile struct {
	TimestampUTC int64    `json:"timestamp_utc"`
	Symbols      []string `json:"symbols"`
}

// Store persists selection reports, cycle rows and the last selection.
type Store struct {
	selection *store.JSONL
	cycles    *store.JSONL
	lastPath  string
	history   int
	logger    zerolog.Logger
}

// OpenStore wires the universe persistence from the configured paths.
func OpenStore(paths appconfig.PathsConfig, historyPoints int) *Store {
	return &Store{
		selection: store.NewJSONL(paths.Resolve(paths.UniverseSelection)),
		cycles:    store.NewJSONL(paths.Resolve(paths.UniverseCycles)),
		lastPath:  paths.Resolve(paths.UniverseLast),
		history:   historyPoints,
		logger:    appconfig.NewLogger("universe"),
	}
}

// Persist writes the report, one cycle row per scored candidate and the
// last-selection file.
func (st *Store) Persist(report *Report) error {
	if err := st.selection.AppendStruct(report); err != nil {
		return err
	}

	rank := make(map[string]int, len(report.Selected))
	for i, sym := range report.Selected {
		rank[sym] = i + 1
	}
	for _, c := range report.CandidatesScored {
		row := CycleRow{
			SchemaVersion: CycleSchemaVersion,
			TimestampUTC:  report.TimestampUTC,
			Exchange:      report.Exchange,
			Symbol:        c.Symbol,
			Rank:          rank[c.Symbol],
			LastPrice:     c.LastPrice,
			QuoteVolume:   c.QuoteVolume,
			SpreadPct:     c.SpreadPct,
			FundingRate:   c.FundingRate,
			FundingZ:      c.FundingZ,
			ATRPct:        c.ATRPct,
			OpenInterest:  c.OpenInterest,
			Score:         c.Score,
		}
		if row.Rank > 0 {
			row.Selected = 1
		}
		if err := st.cycles.AppendStruct(row); err != nil {
			return err
		}
	}

	return st.writeLast(report)
}

func (st *Store) writeLast(report *Report) error {
	data, err := json.Marshal(lastFile{TimestampUTC: report.TimestampUTC, Symbols: report.Selected})
	if err != nil {
		return fmt.Errorf("universe: marshal last selection: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(st.lastPath), 0o755); err != nil {
		return fmt.Errorf("universe: mkdir: %w", err)
	}
	tmp := st.lastPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("universe: write last selection: %w", err)
	}
	return os.Rename(tmp, st.lastPath)
}

// LoadPrevious returns the previously selected symbols, or nil when no
// selection has been persisted yet.
func (st *Store) LoadPrevious() []string {
	data, err := os.ReadFile(st.lastPath)
	if err != nil {
		return nil
	}
	var last lastFile
	if err := json.Unmarshal(data, &last); err != nil {
		st.logger.Warn().Err(err).Msg("Malformed last-selection file")
		return nil
	}
	return last.Symbols
}

// LoadHistory replays recent cycle rows into the per-symbol metric history.
func (st *Store) LoadHistory() (*History, error) {
	records, err := st.cycles.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) > historyCap {
		records = records[len(records)-historyCap:]
	}

	hist := &History{
		Prev:        make(map[string]PrevMetrics),
		FundingHist: make(map[string][]float64),
	}
	for _, rec := range records {
		symbol, _ := rec["symbol"].(string)
		if symbol == "" {
			continue
		}
		atrPct, _ := rec["atr_pct"].(float64)
		qv, _ := rec["quote_volume"].(float64)
		oi, _ := rec["open_interest"].(float64)
		hist.Prev[symbol] = PrevMetrics{ATRPct: atrPct, QuoteVolume: qv, OpenInterest: oi}

		funding, _ := rec["funding_rate"].(float64)
		fh := append(hist.FundingHist[symbol], funding)
		if st.history > 0 && len(fh) > st.history {
			fh = fh[len(fh)-st.history:]
		}
		hist.FundingHist[symbol] = fh
	}
	return hist, nil
}
