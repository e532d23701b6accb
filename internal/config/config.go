// Package config holds the typed engine configuration, the viper-based
// loader and the global logger setup. Every knob has a default and an
// environment override; an optional YAML file can set the same keys.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Engine modes.
const (
	ModeDemo  = "demo"
	ModeData  = "data"
	ModePaper = "paper"
	ModeLive  = "live"
)

// Min-notional policies.
const (
	MinNotionalSkip     = "skip"
	MinNotionalOverride = "override_with_cap"
)

// Hybrid confidence modes.
const (
	ConfModeMul   = "mul"
	ConfModeModel = "model"
	ConfModeRule  = "rule"
)

// Config holds all engine configuration.
type Config struct {
	Mode        string `mapstructure:"mode"`
	LiveConfirm bool   `mapstructure:"live_confirm"`
	// Symbols is a comma list or "AUTO" for selector-driven universes.
	Symbols          string `mapstructure:"symbols"`
	Symbol           string `mapstructure:"symbol"` // single-symbol fallback
	CycleSec         int    `mapstructure:"cycle_sec"`
	MaxOpenPositions int    `mapstructure:"max_open_positions"`
	EnableDemoData   bool   `mapstructure:"enable_demo_data"`

	Log      LogConfig      `mapstructure:"log"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Guard    GuardConfig    `mapstructure:"guard"`
	Universe UniverseConfig `mapstructure:"universe"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Paper    PaperConfig    `mapstructure:"paper"`
	Paths    PathsConfig    `mapstructure:"paths"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "console"
}

// SnapshotConfig contains snapshot builder settings. LTF is locked to 5m and
// the HTF list must include 15m, 1h and 4h.
type SnapshotConfig struct {
	LTF                   string  `mapstructure:"ltf"`
	HTFList               string  `mapstructure:"htf_list"`
	ATRPeriod             int     `mapstructure:"atr_period"`
	VolThresholdATRPct    float64 `mapstructure:"vol_threshold_atr_pct"`
	HTFVolThresholdATRPct float64 `mapstructure:"htf_vol_threshold_atr_pct"`
	MSLookback            int     `mapstructure:"ms_lookback"`
	MAFast                int     `mapstructure:"ma_fast"`
	MASlow                int     `mapstructure:"ma_slow"`
}

// HTFs returns the parsed HTF list.
func (s SnapshotConfig) HTFs() []string {
	return splitList(s.HTFList)
}

// ExchangeConfig contains venue settings
type ExchangeConfig struct {
	Name      string `mapstructure:"name"` // binance, bybit, mexc
	Testnet   bool   `mapstructure:"testnet"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	Password  string `mapstructure:"password"` // some venues use an API passphrase
	TimeoutMS int    `mapstructure:"timeout_ms"`
}

// Timeout returns the venue call timeout.
func (e ExchangeConfig) Timeout() time.Duration {
	if e.TimeoutMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(e.TimeoutMS) * time.Millisecond
}

// RiskConfig contains position sizing settings
type RiskConfig struct {
	PerTradePct                 float64 `mapstructure:"per_trade_pct"`
	PerTradeUSDT                float64 `mapstructure:"per_trade_usdt"`
	Leverage                    int     `mapstructure:"leverage"`
	MaxLeverage                 int     `mapstructure:"max_leverage"`
	MarginUtilization           float64 `mapstructure:"margin_utilization"`
	MaxNotionalUSDT             float64 `mapstructure:"max_notional_usdt"`
	MaxExposurePctPerSymbol     float64 `mapstructure:"max_exposure_pct_per_symbol"`
	MinNotionalPolicy           string  `mapstructure:"min_notional_policy"`
	MaxRiskMultiplierOnOverride float64 `mapstructure:"max_risk_multiplier_on_override"`
	MaxRiskOverrideUSDT         float64 `mapstructure:"max_risk_override_usdt"`
	MinConfidence               float64 `mapstructure:"min_confidence"`
}

// GuardConfig contains runtime risk guard settings
type GuardConfig struct {
	MaxDailyLossUSDT     float64 `mapstructure:"max_daily_loss_usdt"`
	MaxDailyLossPct      float64 `mapstructure:"max_daily_loss_pct"`
	MaxConsecutiveLosses int     `mapstructure:"max_consecutive_losses"`
	CooldownSec          int     `mapstructure:"cooldown_sec"`
	MaxTradesPerDay      int     `mapstructure:"max_trades_per_day"`
	EnableInPaper        bool    `mapstructure:"enable_in_paper"`
}

// UniverseConfig contains universe selector settings
type UniverseConfig struct {
	SelectorVersion  int     `mapstructure:"selector_version"`
	TargetSymbols    int     `mapstructure:"target_symbols"`
	RefreshMin       int     `mapstructure:"refresh_min"`
	MinQuoteVolUSDT  float64 `mapstructure:"min_quote_vol_usdt"`
	MinATRPct        float64 `mapstructure:"min_atr_pct"`
	MinLastPrice     float64 `mapstructure:"min_last_price"`
	MaxCorr          float64 `mapstructure:"max_corr"`
	ATRTF            string  `mapstructure:"atr_tf"`
	ATRPeriod        int     `mapstructure:"atr_period"`
	ATRLimit         int     `mapstructure:"atr_limit"`
	CorrTF           string  `mapstructure:"corr_tf"`
	CorrLimit        int     `mapstructure:"corr_limit"`
	MaxCandidates    int     `mapstructure:"max_candidates"`
	MaxSpread        float64 `mapstructure:"max_spread"`
	MaxAbsFunding    float64 `mapstructure:"max_abs_funding"`
	StickyKeep       int     `mapstructure:"sticky_keep"`
	HistoryPoints    int     `mapstructure:"history_points"`
	Include          string  `mapstructure:"include"`
	Exclude          string  `mapstructure:"exclude"`
	ExcludeBases     string  `mapstructure:"exclude_bases"`
	WLiq             float64 `mapstructure:"w_liq"`
	WATR             float64 `mapstructure:"w_atr"`
	WVolBurst        float64 `mapstructure:"w_vol_burst"`
	WVolAccel        float64 `mapstructure:"w_vol_accel"`
	WOI              float64 `mapstructure:"w_oi"`
	WOIAccel         float64 `mapstructure:"w_oi_accel"`
	WFundAbsPenalty  float64 `mapstructure:"w_fund_abs_pen"`
	WFundZPenalty    float64 `mapstructure:"w_fund_z_pen"`
	WSpreadPenalty   float64 `mapstructure:"w_spread_pen"`
}

// IncludeList returns the parsed force-include list.
func (u UniverseConfig) IncludeList() []string { return splitList(u.Include) }

// ExcludeList returns the parsed exclude list.
func (u UniverseConfig) ExcludeList() []string { return splitList(u.Exclude) }

// ExcludeBaseList returns the parsed stablecoin base exclusions.
func (u UniverseConfig) ExcludeBaseList() []string { return splitList(u.ExcludeBases) }

// PolicyConfig contains decision policy and scorer settings
type PolicyConfig struct {
	Name            string  `mapstructure:"name"` // rule, risk_aware, hybrid
	RuleRR          float64 `mapstructure:"rule_rr"`
	RuleATRK        float64 `mapstructure:"rule_atr_k"`
	RRFloor         float64 `mapstructure:"rr_floor"`
	RRCeiling       float64 `mapstructure:"rr_ceiling"`
	WVol            float64 `mapstructure:"w_vol"`
	WATR            float64 `mapstructure:"w_atr"`
	WFunding        float64 `mapstructure:"w_funding"`
	ScorerModelPath string  `mapstructure:"scorer_model_path"`
	ScorerModelType string  `mapstructure:"scorer_model_type"` // auto, xgb, lgbm, sklearn
	HybridConfMode  string  `mapstructure:"hybrid_conf_mode"`  // mul, model, rule
}

// PaperConfig contains paper trading settings
type PaperConfig struct {
	EquityUSDT              float64 `mapstructure:"equity_usdt"`
	FreeUSDT                float64 `mapstructure:"free_usdt"`
	FeeRate                 float64 `mapstructure:"fee_rate"`
	RespectMaxOpenPositions bool    `mapstructure:"respect_max_open_positions"`
}

// PathsConfig contains the persisted state layout. All paths are joined
// under DataDir unless absolute.
type PathsConfig struct {
	DataDir           string `mapstructure:"data_dir"`
	SnapshotsDir      string `mapstructure:"snapshots_dir"`
	TradesOpen        string `mapstructure:"trades_open"`
	TradesClosed      string `mapstructure:"trades_closed"`
	DecisionCycles    string `mapstructure:"decision_cycles"`
	Orders            string `mapstructure:"orders"`
	Executions        string `mapstructure:"executions"`
	UniverseSelection string `mapstructure:"universe_selection"`
	UniverseCycles    string `mapstructure:"universe_cycles"`
	UniverseLast      string `mapstructure:"universe_last"`
	DatasetsDir       string `mapstructure:"datasets_dir"`
	ExportState       string `mapstructure:"export_state"`
	FeatureSpec       string `mapstructure:"feature_spec"`
}

// Resolve joins a configured path under DataDir unless it is absolute.
func (p PathsConfig) Resolve(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(p.DataDir, name)
}

// TelegramConfig contains notifier settings; empty token disables it.
type TelegramConfig struct {
	Token  string `mapstructure:"token"`
	ChatID int64  `mapstructure:"chat_id"`
}

// MetricsConfig contains the optional Prometheus listener.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// SymbolList returns the configured symbols, or nil when AUTO selection is
// requested.
func (c *Config) SymbolList() []string {
	raw := strings.TrimSpace(c.Symbols)
	if strings.EqualFold(raw, "AUTO") {
		return nil
	}
	list := splitList(raw)
	if len(list) == 0 && c.Symbol != "" {
		list = []string{c.Symbol}
	}
	return list
}

// AutoUniverse reports whether the selector drives the symbol list.
func (c *Config) AutoUniverse() bool {
	return strings.EqualFold(strings.TrimSpace(c.Symbols), "AUTO")
}

// Load reads configuration from an optional YAML file plus environment
// variables and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	bindEnvs(v)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; defaults and environment variables apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bindEnvs maps every config key to its environment variable.
func bindEnvs(v *viper.Viper) {
	binds := map[string]string{
		"mode":               "BOT_MODE",
		"live_confirm":       "LIVE_CONFIRM",
		"symbols":            "BOT_SYMBOLS",
		"symbol":             "BOT_SYMBOL",
		"cycle_sec":          "BOT_CYCLE_SEC",
		"max_open_positions": "MAX_OPEN_POSITIONS",
		"enable_demo_data":   "DEV_ENABLE_DEMO_DATA",

		"log.level":  "LOG_LEVEL",
		"log.format": "LOG_FORMAT",

		"snapshot.ltf":                       "BOT_LTF",
		"snapshot.htf_list":                  "BOT_HTF_LIST",
		"snapshot.atr_period":                "ATR_PERIOD",
		"snapshot.vol_threshold_atr_pct":     "VOL_THRESHOLD_ATR_PCT",
		"snapshot.htf_vol_threshold_atr_pct": "HTF_VOL_THRESHOLD_ATR_PCT",
		"snapshot.ms_lookback":               "MS_LOOKBACK",
		"snapshot.ma_fast":                   "MA_FAST",
		"snapshot.ma_slow":                   "MA_SLOW",

		"exchange.name":       "EXCHANGE",
		"exchange.testnet":    "EXCHANGE_TESTNET",
		"exchange.api_key":    "EXCHANGE_API_KEY",
		"exchange.api_secret": "EXCHANGE_API_SECRET",
		"exchange.password":   "EXCHANGE_PASSWORD",
		"exchange.timeout_ms": "EXCHANGE_TIMEOUT_MS",

		"risk.per_trade_pct":                   "RISK_PER_TRADE_PCT",
		"risk.per_trade_usdt":                  "RISK_PER_TRADE_USDT",
		"risk.leverage":                        "LEVERAGE",
		"risk.max_leverage":                    "MAX_LEVERAGE",
		"risk.margin_utilization":              "MARGIN_UTILIZATION",
		"risk.max_notional_usdt":               "MAX_NOTIONAL_USDT",
		"risk.max_exposure_pct_per_symbol":     "MAX_EXPOSURE_PCT_PER_SYMBOL",
		"risk.min_notional_policy":             "MIN_NOTIONAL_POLICY",
		"risk.max_risk_multiplier_on_override": "MAX_RISK_MULTIPLIER_ON_OVERRIDE",
		"risk.max_risk_override_usdt":          "MAX_RISK_OVERRIDE_USDT",
		"risk.min_confidence":                  "MIN_CONFIDENCE",

		"guard.max_daily_loss_usdt":    "MAX_DAILY_LOSS_USDT",
		"guard.max_daily_loss_pct":     "MAX_DAILY_LOSS_PCT",
		"guard.max_consecutive_losses": "MAX_CONSECUTIVE_LOSSES",
		"guard.cooldown_sec":           "COOLDOWN_SEC",
		"guard.max_trades_per_day":     "MAX_TRADES_PER_DAY",
		"guard.enable_in_paper":        "RISK_GUARD_PAPER",

		"universe.selector_version":   "UNIVERSE_SELECTOR_VERSION",
		"universe.target_symbols":     "UNIVERSE_TARGET_SYMBOLS",
		"universe.refresh_min":        "UNIVERSE_REFRESH_MIN",
		"universe.min_quote_vol_usdt": "UNIVERSE_MIN_QUOTE_VOL_USDT",
		"universe.min_atr_pct":        "UNIVERSE_MIN_ATR_PCT",
		"universe.min_last_price":     "UNIVERSE_MIN_LAST_PRICE",
		"universe.max_corr":           "UNIVERSE_MAX_CORR",
		"universe.atr_tf":             "UNIVERSE_ATR_TF",
		"universe.atr_period":         "UNIVERSE_ATR_PERIOD",
		"universe.atr_limit":          "UNIVERSE_ATR_LIMIT",
		"universe.corr_tf":            "UNIVERSE_CORR_TF",
		"universe.corr_limit":         "UNIVERSE_CORR_LIMIT",
		"universe.max_candidates":     "UNIVERSE_MAX_CANDIDATES",
		"universe.max_spread":         "UNIVERSE_MAX_SPREAD",
		"universe.max_abs_funding":    "UNIVERSE_MAX_ABS_FUNDING",
		"universe.sticky_keep":        "UNIVERSE_STICKY_KEEP",
		"universe.history_points":     "UNIVERSE_HISTORY_POINTS",
		"universe.include":            "UNIVERSE_INCLUDE",
		"universe.exclude":            "UNIVERSE_EXCLUDE",
		"universe.exclude_bases":      "UNIVERSE_EXCLUDE_BASES",
		"universe.w_liq":              "UNIVERSE_W_LIQ",
		"universe.w_atr":              "UNIVERSE_W_ATR",
		"universe.w_vol_burst":        "UNIVERSE_W_VOL_BURST",
		"universe.w_vol_accel":        "UNIVERSE_W_VOL_ACCEL",
		"universe.w_oi":               "UNIVERSE_W_OI",
		"universe.w_oi_accel":         "UNIVERSE_W_OI_ACCEL",
		"universe.w_fund_abs_pen":     "UNIVERSE_W_FUND_ABS_PEN",
		"universe.w_fund_z_pen":       "UNIVERSE_W_FUND_Z_PEN",
		"universe.w_spread_pen":       "UNIVERSE_W_SPREAD_PEN",

		"policy.name":              "BOT_POLICY",
		"policy.rule_rr":           "POLICY_RULE_RR",
		"policy.rule_atr_k":        "POLICY_RULE_ATR_K",
		"policy.rr_floor":          "POLICY_RR_FLOOR",
		"policy.rr_ceiling":        "POLICY_RR_CEILING",
		"policy.w_vol":             "POLICY_W_VOL",
		"policy.w_atr":             "POLICY_W_ATR",
		"policy.w_funding":         "POLICY_W_FUNDING",
		"policy.scorer_model_path": "SCORER_MODEL_PATH",
		"policy.scorer_model_type": "SCORER_MODEL_TYPE",
		"policy.hybrid_conf_mode":  "HYBRID_CONF_MODE",

		"paper.equity_usdt":                "PAPER_EQUITY_USDT",
		"paper.free_usdt":                  "PAPER_FREE_USDT",
		"paper.fee_rate":                   "FEE_RATE",
		"paper.respect_max_open_positions": "PAPER_RESPECT_MAX_OPEN_POSITIONS",

		"paths.data_dir":           "DATA_DIR",
		"paths.snapshots_dir":      "SNAPSHOTS_DIR",
		"paths.trades_open":        "TRADES_OPEN_PATH",
		"paths.trades_closed":      "TRADES_CLOSED_PATH",
		"paths.decision_cycles":    "DECISION_CYCLES_PATH",
		"paths.orders":             "ORDERS_PATH",
		"paths.executions":         "EXECUTIONS_PATH",
		"paths.universe_selection": "UNIVERSE_SELECTION_PATH",
		"paths.universe_cycles":    "UNIVERSE_CYCLES_PATH",
		"paths.universe_last":      "UNIVERSE_LAST_PATH",
		"paths.datasets_dir":       "DATASETS_DIR",
		"paths.export_state":       "EXPORT_STATE_PATH",
		"paths.feature_spec":       "FEATURE_SPEC_PATH",

		"telegram.token":   "TELEGRAM_BOT_TOKEN",
		"telegram.chat_id": "TELEGRAM_CHAT_ID",

		"metrics.enabled":     "METRICS_ENABLED",
		"metrics.listen_addr": "METRICS_LISTEN_ADDR",
	}
	for key, env := range binds {
		_ = v.BindEnv(key, env)
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", ModePaper)
	v.SetDefault("live_confirm", false)
	v.SetDefault("symbols", "BTCUSDT")
	v.SetDefault("symbol", "BTCUSDT")
	v.SetDefault("cycle_sec", 60)
	v.SetDefault("max_open_positions", 3)
	v.SetDefault("enable_demo_data", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("snapshot.ltf", "5m")
	v.SetDefault("snapshot.htf_list", "15m,1h,4h")
	v.SetDefault("snapshot.atr_period", 14)
	v.SetDefault("snapshot.vol_threshold_atr_pct", 0.003)
	v.SetDefault("snapshot.htf_vol_threshold_atr_pct", 0.01)
	v.SetDefault("snapshot.ms_lookback", 20)
	v.SetDefault("snapshot.ma_fast", 20)
	v.SetDefault("snapshot.ma_slow", 50)

	v.SetDefault("exchange.name", "binance")
	v.SetDefault("exchange.testnet", false)
	v.SetDefault("exchange.timeout_ms", 30000)

	v.SetDefault("risk.per_trade_pct", 0.25)
	v.SetDefault("risk.per_trade_usdt", 0.0)
	v.SetDefault("risk.leverage", 3)
	v.SetDefault("risk.max_leverage", 10)
	v.SetDefault("risk.margin_utilization", 0.3)
	v.SetDefault("risk.max_notional_usdt", 0.0)
	v.SetDefault("risk.max_exposure_pct_per_symbol", 0.0)
	v.SetDefault("risk.min_notional_policy", MinNotionalOverride)
	v.SetDefault("risk.max_risk_multiplier_on_override", 2.0)
	v.SetDefault("risk.max_risk_override_usdt", 0.0)
	v.SetDefault("risk.min_confidence", 0.0)

	v.SetDefault("guard.max_daily_loss_usdt", 0.0)
	v.SetDefault("guard.max_daily_loss_pct", 0.0)
	v.SetDefault("guard.max_consecutive_losses", 0)
	v.SetDefault("guard.cooldown_sec", 0)
	v.SetDefault("guard.max_trades_per_day", 0)
	v.SetDefault("guard.enable_in_paper", false)

	v.SetDefault("universe.selector_version", 3)
	v.SetDefault("universe.target_symbols", 8)
	v.SetDefault("universe.refresh_min", 180)
	v.SetDefault("universe.min_quote_vol_usdt", 20_000_000.0)
	v.SetDefault("universe.min_atr_pct", 0.004)
	v.SetDefault("universe.min_last_price", 0.0005)
	v.SetDefault("universe.max_corr", 0.85)
	v.SetDefault("universe.atr_tf", "1h")
	v.SetDefault("universe.atr_period", 14)
	v.SetDefault("universe.atr_limit", 200)
	v.SetDefault("universe.corr_tf", "1h")
	v.SetDefault("universe.corr_limit", 250)
	v.SetDefault("universe.max_candidates", 160)
	v.SetDefault("universe.max_spread", 0.0030)
	v.SetDefault("universe.max_abs_funding", 0.0030)
	v.SetDefault("universe.sticky_keep", 2)
	v.SetDefault("universe.history_points", 64)
	v.SetDefault("universe.include", "")
	v.SetDefault("universe.exclude", "")
	v.SetDefault("universe.exclude_bases", "USDC,BUSD,TUSD,FDUSD,DAI,USDP,USDE,USTC")
	v.SetDefault("universe.w_liq", 1.0)
	v.SetDefault("universe.w_atr", 2.0)
	v.SetDefault("universe.w_vol_burst", 0.7)
	v.SetDefault("universe.w_vol_accel", 0.8)
	v.SetDefault("universe.w_oi", 0.7)
	v.SetDefault("universe.w_oi_accel", 0.6)
	v.SetDefault("universe.w_fund_abs_pen", 1.2)
	v.SetDefault("universe.w_fund_z_pen", 0.7)
	v.SetDefault("universe.w_spread_pen", 1.0)

	v.SetDefault("policy.name", "hybrid")
	v.SetDefault("policy.rule_rr", 2.0)
	v.SetDefault("policy.rule_atr_k", 1.0)
	v.SetDefault("policy.rr_floor", 0.5)
	v.SetDefault("policy.rr_ceiling", 10.0)
	v.SetDefault("policy.w_vol", 1.0)
	v.SetDefault("policy.w_atr", 0.5)
	v.SetDefault("policy.w_funding", 0.2)
	v.SetDefault("policy.scorer_model_path", "")
	v.SetDefault("policy.scorer_model_type", "auto")
	v.SetDefault("policy.hybrid_conf_mode", ConfModeMul)

	v.SetDefault("paper.equity_usdt", 10000.0)
	v.SetDefault("paper.free_usdt", 10000.0)
	v.SetDefault("paper.fee_rate", 0.0006)
	v.SetDefault("paper.respect_max_open_positions", false)

	v.SetDefault("paths.data_dir", "data")
	v.SetDefault("paths.snapshots_dir", "snapshots")
	v.SetDefault("paths.trades_open", "trades_open.jsonl")
	v.SetDefault("paths.trades_closed", "trades_closed.jsonl")
	v.SetDefault("paths.decision_cycles", "decision_cycles.jsonl")
	v.SetDefault("paths.orders", "orders.jsonl")
	v.SetDefault("paths.executions", "executions.jsonl")
	v.SetDefault("paths.universe_selection", "universe_selection.jsonl")
	v.SetDefault("paths.universe_cycles", "universe_cycles.jsonl")
	v.SetDefault("paths.universe_last", "universe_last.json")
	v.SetDefault("paths.datasets_dir", "datasets")
	v.SetDefault("paths.export_state", "dataset_export_state.json")
	v.SetDefault("paths.feature_spec", "configs/feature_spec_v3.yaml")

	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.chat_id", 0)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", ":9109")
}

// Validate checks configuration consistency. Mode and timeframe violations
// are fatal at startup.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeDemo, ModeData, ModePaper, ModeLive:
	default:
		return fmt.Errorf("config: unknown mode %q", c.Mode)
	}
	if c.Mode == ModeLive && !c.LiveConfirm {
		return fmt.Errorf("config: live mode requires LIVE_CONFIRM=1")
	}
	if c.Snapshot.LTF != "5m" {
		return fmt.Errorf("config: BOT_LTF is locked to 5m, got %q", c.Snapshot.LTF)
	}
	htfs := make(map[string]bool)
	for _, tf := range c.Snapshot.HTFs() {
		htfs[tf] = true
	}
	for _, required := range []string{"15m", "1h", "4h"} {
		if !htfs[required] {
			return fmt.Errorf("config: BOT_HTF_LIST must include %s", required)
		}
	}
	switch c.Exchange.Name {
	case "binance", "bybit", "mexc":
	default:
		return fmt.Errorf("config: unsupported exchange %q", c.Exchange.Name)
	}
	switch c.Risk.MinNotionalPolicy {
	case MinNotionalSkip, MinNotionalOverride:
	default:
		return fmt.Errorf("config: unknown min_notional_policy %q", c.Risk.MinNotionalPolicy)
	}
	switch c.Policy.Name {
	case "rule", "risk_aware", "hybrid":
	default:
		return fmt.Errorf("config: unknown policy %q", c.Policy.Name)
	}
	switch c.Policy.HybridConfMode {
	case ConfModeMul, ConfModeModel, ConfModeRule:
	default:
		return fmt.Errorf("config: unknown hybrid_conf_mode %q", c.Policy.HybridConfMode)
	}
	if c.Risk.MaxLeverage < 1 {
		return fmt.Errorf("config: max_leverage must be >= 1")
	}
	if c.Risk.MarginUtilization <= 0 || c.Risk.MarginUtilization > 1 {
		return fmt.Errorf("config: margin_utilization must be in (0, 1]")
	}
	if c.CycleSec <= 0 {
		return fmt.Errorf("config: cycle_sec must be positive")
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
