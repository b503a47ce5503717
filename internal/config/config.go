package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/TobiSchelling/phasestat/internal/phase"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

// Classifier strategies.
const (
	StrategyKeyword   = "keyword"
	StrategyLLM       = "llm"
	StrategyEmbedding = "embedding"
)

// Tie-break rules for the keyword classifier.
const (
	TieBreakUnclassified = "unclassified"
	TieBreakPrecedence   = "precedence"
)

// Reconciliation policies.
const (
	PolicyMajority    = "majority"
	PolicyAdjudicator = "adjudicator"
)

type Config struct {
	Classifier Classifier `yaml:"classifier"`
	Analysis   Analysis   `yaml:"analysis"`
	Reconcile  Reconcile  `yaml:"reconcile"`
	LLM        LLM        `yaml:"llm"`
	Output     Output     `yaml:"output"`
	Server     Server     `yaml:"server"`
	Logging    Logging    `yaml:"logging"`
}

// Classifier configures how responses are labeled. Markers and
// Prototypes are keyed by category name; a file that names only some
// categories overrides those and keeps the defaults for the rest.
type Classifier struct {
	Strategy      string              `yaml:"strategy"`
	Markers       map[string][]string `yaml:"markers"`
	PhraseGap     int                 `yaml:"phrase_gap"`
	Order         []string            `yaml:"order"`
	TieBreak      string              `yaml:"tie_break"`
	Fallback      string              `yaml:"fallback"`
	Concurrency   int                 `yaml:"concurrency"`
	MinSimilarity float64             `yaml:"min_similarity"`
	Prototypes    map[string][]string `yaml:"prototypes"`
}

// Analysis configures the statistics. MinExpected of 0 disables the
// low-expected-count guard. Reference is optional.
type Analysis struct {
	Resamples       int                `yaml:"resamples"`
	Seed            uint64             `yaml:"seed"`
	ConfidenceLevel float64            `yaml:"confidence_level"`
	MinExpected     float64            `yaml:"min_expected"`
	Alpha           float64            `yaml:"alpha"`
	Reference       map[string]float64 `yaml:"reference"`
}

type Reconcile struct {
	Policy      string `yaml:"policy"`
	Adjudicator string `yaml:"adjudicator"`
}

type LLM struct {
	Provider       string `yaml:"provider"`
	Model          string `yaml:"model"`
	OllamaURL      string `yaml:"ollama_url"`
	EmbeddingModel string `yaml:"embedding_model"`
	OpenAIModel    string `yaml:"openai_model"`
	APIKeyEnv      string `yaml:"api_key_env"`
	MaxTokens      int    `yaml:"max_tokens"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// ConfigDir returns the XDG config directory for phasestat.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "phasestat")
}

// DataDir returns the XDG data directory for phasestat.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "phasestat")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/phasestat/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'phasestat init' to create a default config",
		xdgConfig,
	)
}

// Load reads, parses and validates a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns the embedded default configuration.
func Default() *Config {
	cfg, err := parse(DefaultConfigYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded default config: %v", err))
	}
	return cfg
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Classifier: Classifier{
			Strategy:      StrategyKeyword,
			Markers:       defaultMarkers(),
			PhraseGap:     2,
			TieBreak:      TieBreakUnclassified,
			Fallback:      string(phase.Unclassified),
			Concurrency:   4,
			MinSimilarity: 0.3,
		},
		Analysis: Analysis{
			Resamples:       10000,
			Seed:            42,
			ConfidenceLevel: 0.95,
			MinExpected:     5,
			Alpha:           0.05,
		},
		Reconcile: Reconcile{Policy: PolicyMajority},
		LLM: LLM{
			Provider:       "ollama",
			Model:          "qwen2.5:7b",
			OllamaURL:      "http://localhost:11434",
			EmbeddingModel: "nomic-embed-text",
			OpenAIModel:    "gpt-4o-mini",
			APIKeyEnv:      "OPENAI_API_KEY",
			MaxTokens:      256,
		},
		Server:  Server{Port: 8000},
		Logging: Logging{Level: "INFO"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

func defaultMarkers() map[string][]string {
	return map[string][]string{
		"transformation": {"breakthrough", "insight", "realize", "aha"},
		"generation":     {"create", "generate", "produce", "build"},
		"consumption":    {"analyze", "break down", "examine", "dissect"},
		"integration":    {"connect", "combine", "synthesize", "merge"},
	}
}

// Validate checks option values that the classifier, reconciler and
// analysis steps depend on.
func (c *Config) Validate() error {
	var errs []error

	cl := c.Classifier
	switch cl.Strategy {
	case StrategyKeyword, StrategyLLM, StrategyEmbedding:
	default:
		errs = append(errs, fmt.Errorf("classifier.strategy: unknown strategy %q", cl.Strategy))
	}
	switch cl.TieBreak {
	case TieBreakUnclassified, TieBreakPrecedence:
	default:
		errs = append(errs, fmt.Errorf("classifier.tie_break: unknown rule %q", cl.TieBreak))
	}
	if _, err := phase.Parse(cl.Fallback); err != nil {
		errs = append(errs, fmt.Errorf("classifier.fallback: %w", err))
	}
	if _, err := cl.MarkerSet(); err != nil {
		errs = append(errs, err)
	}
	if _, err := cl.Precedence(); err != nil {
		errs = append(errs, err)
	}
	if cl.PhraseGap < 0 {
		errs = append(errs, fmt.Errorf("classifier.phrase_gap must not be negative, got %d", cl.PhraseGap))
	}
	if cl.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("classifier.concurrency must be at least 1, got %d", cl.Concurrency))
	}

	a := c.Analysis
	if a.Resamples < 1 {
		errs = append(errs, fmt.Errorf("analysis.resamples must be positive, got %d", a.Resamples))
	}
	if a.ConfidenceLevel <= 0 || a.ConfidenceLevel >= 1 {
		errs = append(errs, fmt.Errorf("analysis.confidence_level must be in (0, 1), got %g", a.ConfidenceLevel))
	}
	if a.Alpha <= 0 || a.Alpha >= 1 {
		errs = append(errs, fmt.Errorf("analysis.alpha must be in (0, 1), got %g", a.Alpha))
	}
	if a.MinExpected < 0 {
		errs = append(errs, fmt.Errorf("analysis.min_expected must not be negative, got %g", a.MinExpected))
	}
	if _, err := a.ReferenceDistribution(); err != nil {
		errs = append(errs, err)
	}

	switch c.Reconcile.Policy {
	case PolicyMajority:
	case PolicyAdjudicator:
		if c.Reconcile.Adjudicator == "" {
			errs = append(errs, errors.New("reconcile.adjudicator is required for the adjudicator policy"))
		}
	default:
		errs = append(errs, fmt.Errorf("reconcile.policy: unknown policy %q", c.Reconcile.Policy))
	}

	return errors.Join(errs...)
}

// MarkerSet returns the marker lists keyed by category, lowercased.
func (cl Classifier) MarkerSet() (map[phase.Category][]string, error) {
	out := make(map[phase.Category][]string, len(cl.Markers))
	for name, markers := range cl.Markers {
		cat, err := phase.Parse(name)
		if err != nil || cat == phase.Unclassified {
			return nil, fmt.Errorf("classifier.markers: unknown category %q", name)
		}
		for _, m := range markers {
			m = strings.ToLower(strings.TrimSpace(m))
			if m == "" {
				continue
			}
			out[cat] = append(out[cat], m)
		}
	}
	return out, nil
}

// PrototypeSet returns the embedding prototypes keyed by category.
func (cl Classifier) PrototypeSet() (map[phase.Category][]string, error) {
	out := make(map[phase.Category][]string, len(cl.Prototypes))
	for name, texts := range cl.Prototypes {
		cat, err := phase.Parse(name)
		if err != nil || cat == phase.Unclassified {
			return nil, fmt.Errorf("classifier.prototypes: unknown category %q", name)
		}
		out[cat] = append(out[cat], texts...)
	}
	return out, nil
}

// Precedence returns the category order used to break ties. Without an
// explicit order it is the canonical one.
func (cl Classifier) Precedence() ([]phase.Category, error) {
	if len(cl.Order) == 0 {
		return phase.All(), nil
	}
	seen := make(map[phase.Category]bool)
	var order []phase.Category
	for _, name := range cl.Order {
		cat, err := phase.Parse(name)
		if err != nil || cat == phase.Unclassified {
			return nil, fmt.Errorf("classifier.order: unknown category %q", name)
		}
		if seen[cat] {
			return nil, fmt.Errorf("classifier.order: %s listed twice", cat)
		}
		seen[cat] = true
		order = append(order, cat)
	}
	if len(order) != len(phase.All()) {
		return nil, fmt.Errorf("classifier.order must list all %d categories", len(phase.All()))
	}
	return order, nil
}

// ReferenceDistribution returns the configured reference split, or nil
// when none is set.
func (a Analysis) ReferenceDistribution() (phase.Distribution, error) {
	if len(a.Reference) == 0 {
		return nil, nil
	}
	d := phase.Distribution{}
	for name, p := range a.Reference {
		cat, err := phase.Parse(name)
		if err != nil || cat == phase.Unclassified {
			return nil, fmt.Errorf("analysis.reference: unknown category %q", name)
		}
		d[cat] = p
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("analysis.reference: %w", err)
	}
	return d, nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// DBPath returns the SQLite database location.
func (c *Config) DBPath() string {
	return filepath.Join(c.GetDataDir(), "phasestat.db")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
