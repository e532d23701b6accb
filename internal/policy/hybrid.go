package policy

import (
	"context"

	"github.com/rs/zerolog"

	appconfig "github.com/quantfunk/perptrader/internal/config"
	"github.com/quantfunk/perptrader/internal/features"
	"github.com/quantfunk/perptrader/internal/indicators"
	"github.com/quantfunk/perptrader/internal/snapshot"
	"github.com/quantfunk/perptrader/internal/trade"
)

// Components are the hybrid confidence pieces recorded on every cycle.
type Components struct {
	RuleConf   float64 `json:"rule_conf"`
	ModelScore float64 `json:"model_score"`
	Final      float64 `json:"final_conf"`
}

// HybridPolicy wraps a rule policy: the rule decides direction and levels,
// the model scorer contributes a probability-like confidence. Scoring is
// best-effort; a broken mapper or model falls back to the rule confidence.
type HybridPolicy struct {
	rule   Policy
	mapper *features.Mapper
	scorer Scorer
	mode   string // mul, model or rule
	logger zerolog.Logger
}

// NewHybridPolicy composes the rule policy with a feature mapper and scorer.
func NewHybridPolicy(rule Policy, mapper *features.Mapper, scorer Scorer, mode string) *HybridPolicy {
	if mode == "" {
		mode = appconfig.ConfModeMul
	}
	return &HybridPolicy{
		rule:   rule,
		mapper: mapper,
		scorer: scorer,
		mode:   mode,
		logger: appconfig.NewLogger("hybrid_policy"),
	}
}

func (p *HybridPolicy) ID() string { return "hybrid_v1" }

// Decide returns the rule decision re-scored with the hybrid confidence.
func (p *HybridPolicy) Decide(ctx context.Context, snap *snapshot.Snapshot) (*trade.Decision, error) {
	dec, _, err := p.DecideWithComponents(ctx, snap)
	return dec, err
}

// DecideWithComponents also exposes the confidence components for the
// decision-cycle record.
func (p *HybridPolicy) DecideWithComponents(ctx context.Context, snap *snapshot.Snapshot) (*trade.Decision, Components, error) {
	base, err := p.rule.Decide(ctx, snap)
	if err != nil {
		return nil, Components{}, err
	}

	ruleConf := 1.0
	if base.Confidence != nil {
		ruleConf = *base.Confidence
	}

	modelScore := ruleConf
	if p.mapper != nil && p.scorer != nil {
		if vec, mapErr := p.mapper.Map(snap); mapErr == nil {
			modelScore = p.scorer.Score(vec)
		} else {
			p.logger.Warn().Str("symbol", snap.Symbol).Err(mapErr).Msg("Feature mapping failed, keeping rule confidence")
		}
	}

	comps := Components{
		RuleConf:   ruleConf,
		ModelScore: modelScore,
		Final:      indicators.Clamp(ruleConf*modelScore, 0, 1),
	}

	conf := comps.Final
	switch p.mode {
	case appconfig.ConfModeModel:
		conf = indicators.Clamp(modelScore, 0, 1)
	case appconfig.ConfModeRule:
		conf = indicators.Clamp(ruleConf, 0, 1)
	}

	final := base.WithConfidence(conf)
	final.PolicyID = p.ID()
	dec, err := trade.NewDecision(final)
	if err != nil {
		return nil, comps, err
	}
	return dec, comps, nil
}
