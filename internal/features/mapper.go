// Package features maps snapshots to fixed-length numeric vectors driven by
// a declarative YAML spec. The spec is versioned by a content hash so that
// datasets and models can detect feature drift.
package features

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/quantfunk/perptrader/internal/snapshot"
)

// Supported one-hot references.
var oneHotRefs = map[string]string{
	"ltf_volatility_regime": "$.ltf.price.volatility_regime",
	"ltf_hh_ll_state":       "$.ltf.micro_structure.hh_ll_state",
	"session":               "$.context.session",
	"htf_trend":             "$.htf.%s.trend",
	"htf_market_regime":     "$.htf.%s.market_regime",
	"htf_volatility_regime": "$.htf.%s.volatility_regime",
	"htf_liquidity_state":   "$.htf.%s.liquidity_state",
}

// refs that require a timeframe qualifier.
var timeframeRefs = map[string]bool{
	"htf_trend":             true,
	"htf_market_regime":     true,
	"htf_volatility_regime": true,
	"htf_liquidity_state":   true,
}

type encodeSpec struct {
	Ref       string `yaml:"ref"`
	Value     string `yaml:"value"`
	Timeframe string `yaml:"timeframe,omitempty"`
}

type featureSpec struct {
	Key          string      `yaml:"key"`
	Path         string      `yaml:"path,omitempty"`
	Type         string      `yaml:"type,omitempty"` // float or bool_to_float
	DefaultValue float64     `yaml:"default_value,omitempty"`
	Encode       *encodeSpec `yaml:"encode,omitempty"`
}

type encodingSpec struct {
	Type string `yaml:"type"`
}

type specFile struct {
	Version   string                  `yaml:"version"`
	Features  []featureSpec           `yaml:"features"`
	Encodings map[string]encodingSpec `yaml:"encodings"`
	Output    struct {
		FeatureCount int `yaml:"feature_count"`
	} `yaml:"output"`
}

// Mapper converts snapshots into feature vectors according to a loaded spec.
type Mapper struct {
	spec specFile
	hash string
}

// Load reads and validates a feature spec file.
func Load(path string) (*Mapper, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("feature spec: %w", err)
	}
	return Parse(raw)
}

// Parse validates a feature spec document.
func Parse(raw []byte) (*Mapper, error) {
	var spec specFile
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("feature spec: %w", err)
	}
	if spec.Version == "" {
		return nil, fmt.Errorf("feature spec: missing version")
	}
	if len(spec.Features) == 0 {
		return nil, fmt.Errorf("feature spec: no features declared")
	}
	if spec.Output.FeatureCount != len(spec.Features) {
		return nil, fmt.Errorf("feature spec: output.feature_count %d does not match %d declared features",
			spec.Output.FeatureCount, len(spec.Features))
	}
	for name, enc := range spec.Encodings {
		if enc.Type != "one_hot" {
			return nil, fmt.Errorf("feature spec: encoding %q has unsupported type %q", name, enc.Type)
		}
	}

	seen := make(map[string]bool, len(spec.Features))
	for i, f := range spec.Features {
		if f.Key == "" {
			return nil, fmt.Errorf("feature spec: feature %d has no key", i)
		}
		if seen[f.Key] {
			return nil, fmt.Errorf("feature spec: duplicate key %q", f.Key)
		}
		seen[f.Key] = true

		if err := checkLeakage(f.Key); err != nil {
			return nil, err
		}

		switch {
		case f.Encode != nil:
			if _, ok := oneHotRefs[f.Encode.Ref]; !ok {
				return nil, fmt.Errorf("feature spec: %q references unknown encode ref %q", f.Key, f.Encode.Ref)
			}
			if timeframeRefs[f.Encode.Ref] && f.Encode.Timeframe == "" {
				return nil, fmt.Errorf("feature spec: %q ref %q requires a timeframe", f.Key, f.Encode.Ref)
			}
			if f.Encode.Value == "" {
				return nil, fmt.Errorf("feature spec: %q has an empty encode value", f.Key)
			}
		case f.Path != "":
			if !strings.HasPrefix(f.Path, "$.") {
				return nil, fmt.Errorf("feature spec: %q path %q must start with $.", f.Key, f.Path)
			}
			if err := checkLeakage(f.Path); err != nil {
				return nil, err
			}
			switch f.Type {
			case "", "float", "bool_to_float":
			default:
				return nil, fmt.Errorf("feature spec: %q has unsupported type %q", f.Key, f.Type)
			}
		default:
			return nil, fmt.Errorf("feature spec: %q needs either a path or an encode block", f.Key)
		}
	}

	h := sha256.New()
	h.Write([]byte(spec.Version))
	for _, f := range spec.Features {
		h.Write([]byte("|"))
		h.Write([]byte(f.Key))
	}
	return &Mapper{spec: spec, hash: hex.EncodeToString(h.Sum(nil))}, nil
}

func checkLeakage(s string) error {
	lower := strings.ToLower(strings.TrimPrefix(s, "$."))
	for _, k := range snapshot.ForbiddenKeys {
		if containsToken(lower, k) {
			return fmt.Errorf("feature spec: %q touches forbidden field %q", s, k)
		}
	}
	return nil
}

// containsToken matches k as a dot-separated path segment or the whole key.
func containsToken(s, k string) bool {
	if s == k {
		return true
	}
	for _, seg := range strings.Split(s, ".") {
		if seg == k {
			return true
		}
	}
	return false
}

// FeatureCount returns the declared vector length.
func (m *Mapper) FeatureCount() int { return m.spec.Output.FeatureCount }

// Version returns the spec version string.
func (m *Mapper) Version() string { return m.spec.Version }

// Hash is sha256(version|key1|...|keyN), stable across runs for the same spec.
func (m *Mapper) Hash() string { return m.hash }

// Keys returns the feature keys in spec order.
func (m *Mapper) Keys() []string {
	keys := make([]string, len(m.spec.Features))
	for i, f := range m.spec.Features {
		keys[i] = f.Key
	}
	return keys
}

// Map extracts the feature vector from a snapshot. The snapshot is rejected
// when its schema version is wrong or a forbidden key is present.
func (m *Mapper) Map(snap *snapshot.Snapshot) ([]float64, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("feature map: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("feature map: %w", err)
	}
	return m.MapDoc(doc)
}

// MapDoc extracts the feature vector from a snapshot document.
func (m *Mapper) MapDoc(doc map[string]any) ([]float64, error) {
	if err := snapshot.ValidateMap(doc); err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(m.spec.Features))
	for _, f := range m.spec.Features {
		if f.Encode != nil {
			out = append(out, m.oneHot(doc, f))
			continue
		}
		out = append(out, m.extract(doc, f))
	}
	if len(out) != m.spec.Output.FeatureCount {
		return nil, fmt.Errorf("feature map: produced %d values, spec declares %d", len(out), m.spec.Output.FeatureCount)
	}
	return out, nil
}

func (m *Mapper) oneHot(doc map[string]any, f featureSpec) float64 {
	path := oneHotRefs[f.Encode.Ref]
	if timeframeRefs[f.Encode.Ref] {
		path = fmt.Sprintf(path, f.Encode.Timeframe)
	}
	v, ok := resolvePath(doc, path)
	if !ok {
		return 0
	}
	s, ok := v.(string)
	if !ok {
		return 0
	}
	if s == f.Encode.Value {
		return 1
	}
	return 0
}

func (m *Mapper) extract(doc map[string]any, f featureSpec) float64 {
	v, ok := resolvePath(doc, f.Path)
	if !ok || v == nil {
		return f.DefaultValue
	}
	switch f.Type {
	case "bool_to_float":
		if b, ok := v.(bool); ok {
			if b {
				return 1
			}
			return 0
		}
		return f.DefaultValue
	default:
		num, ok := toFloat(v)
		if !ok || math.IsNaN(num) || math.IsInf(num, 0) {
			return f.DefaultValue
		}
		return num
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// resolvePath walks a "$.a.b.c" path through nested maps.
func resolvePath(doc map[string]any, path string) (any, bool) {
	parts := strings.Split(strings.TrimPrefix(path, "$."), ".")
	var cur any = doc
	for _, p := range parts {
		mp, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = mp[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
