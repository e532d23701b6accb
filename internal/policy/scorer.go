package policy

import (
	"path/filepath"
	"strings"

	"github.com/dmitryikh/leaves"
	"github.com/rs/zerolog"

	appconfig "github.com/quantfunk/perptrader/internal/config"
	"github.com/quantfunk/perptrader/internal/indicators"
)

// Scorer produces a probability-like score in [0,1] for a feature vector.
// Implementations must be tolerant: a broken model never breaks the loop.
type Scorer interface {
	Score(features []float64) float64
	Kind() string
}

// NeutralScorer always returns 1.0. It is the default when no model is
// configured and the fallback when a model cannot be loaded.
type NeutralScorer struct{}

func (NeutralScorer) Score([]float64) float64 { return 1.0 }
func (NeutralScorer) Kind() string            { return "neutral" }

// boosterScorer wraps a loaded gradient-boosted tree ensemble.
type boosterScorer struct {
	model  *leaves.Ensemble
	kind   string
	logger zerolog.Logger
}

func (s *boosterScorer) Kind() string { return s.kind }

func (s *boosterScorer) Score(features []float64) (score float64) {
	score = 1.0
	defer func() {
		// A model/feature shape mismatch must degrade, not crash.
		if r := recover(); r != nil {
			s.logger.Warn().Interface("panic", r).Msg("Model predict failed, returning neutral score")
			score = 1.0
		}
	}()
	raw := s.model.PredictSingle(features, 0)
	return indicators.Clamp(raw, 0, 1)
}

// NewScorer loads a model artifact routed by explicit type or file
// extension. Any failure yields the neutral scorer with a warning; pickled
// estimators cannot be loaded here and always map to neutral.
func NewScorer(modelPath, modelType string) Scorer {
	logger := appconfig.NewLogger("model_scorer")
	if modelPath == "" {
		return NeutralScorer{}
	}

	kind := strings.ToLower(modelType)
	if kind == "" || kind == "auto" {
		switch strings.ToLower(filepath.Ext(modelPath)) {
		case ".txt", ".lgb":
			kind = "lgbm"
		case ".json", ".ubj", ".model", ".bin":
			kind = "xgb"
		case ".pkl", ".joblib":
			kind = "sklearn"
		default:
			kind = "xgb"
		}
	}

	switch kind {
	case "lgbm":
		model, err := leaves.LGEnsembleFromFile(modelPath, true)
		if err != nil {
			logger.Warn().Str("path", modelPath).Err(err).Msg("Failed to load LightGBM model, using neutral scorer")
			return NeutralScorer{}
		}
		logger.Info().Str("path", modelPath).Int("trees", model.NEstimators()).Msg("LightGBM model loaded")
		return &boosterScorer{model: model, kind: "lgbm", logger: logger}
	case "xgb":
		model, err := leaves.XGEnsembleFromFile(modelPath, true)
		if err != nil {
			logger.Warn().Str("path", modelPath).Err(err).Msg("Failed to load XGBoost model, using neutral scorer")
			return NeutralScorer{}
		}
		logger.Info().Str("path", modelPath).Int("trees", model.NEstimators()).Msg("XGBoost model loaded")
		return &boosterScorer{model: model, kind: "xgb", logger: logger}
	case "sklearn":
		logger.Warn().Str("path", modelPath).Msg("Pickled estimators are not loadable here, using neutral scorer")
		return NeutralScorer{}
	default:
		logger.Warn().Str("type", modelType).Msg("Unknown scorer model type, using neutral scorer")
		return NeutralScorer{}
	}
}
