// Package config loads triage configuration from YAML with environment
// variable overrides. Thresholds and routes live here, not in code, so
// operators can retune the pipeline without a rebuild.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"triage/internal/types"
)

// Config holds all triage configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Tiered routing pipeline
	Routing RoutingConfig `yaml:"routing"`

	// Example index and embedding engine
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Decision log and feedback persistence
	Storage StorageConfig `yaml:"storage"`

	// Feedback mining
	Feedback FeedbackConfig `yaml:"feedback"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// RoutingConfig tunes the decision pipeline.
type RoutingConfig struct {
	// Similarity at or above this is a confident match, no warning.
	HighConfidenceThreshold float64 `yaml:"high_confidence_threshold"`

	// Similarity below this falls through to the keyword fallback tier.
	MinConfidenceThreshold float64 `yaml:"min_confidence_threshold"`

	// Nearest-neighbor candidates requested from the example index.
	TopK int `yaml:"top_k"`

	// Budget for one similarity lookup; on expiry the router treats the
	// index as unavailable and falls through.
	SimilarityTimeout string `yaml:"similarity_timeout"`

	// Route returned when no tier produced a signal.
	DefaultRoute types.Route `yaml:"default_route"`

	// Override ruleset file. Absence disables the override tier.
	RulesPath string `yaml:"rules_path"`

	// Reload the ruleset when the file changes on disk.
	WatchRules bool `yaml:"watch_rules"`
}

// EmbeddingConfig configures the embedding engine backing the example index.
type EmbeddingConfig struct {
	Provider string `yaml:"provider"` // ollama, genai

	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`

	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"`
	TaskType    string `yaml:"task_type"`
}

// StorageConfig configures SQLite persistence.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	IndexPath    string `yaml:"index_path"`
	ExportPath   string `yaml:"export_path"`
}

// FeedbackConfig tunes the pattern miner.
type FeedbackConfig struct {
	WindowDays           int `yaml:"window_days"`
	MinOccurrences       int `yaml:"min_occurrences"`
	AutoApproveThreshold int `yaml:"auto_approve_threshold"`
}

// LoggingConfig configures categorized file logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	JSONFormat bool            `yaml:"json_format"`
	Directory  string          `yaml:"directory"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "triage",
		Version: "1.0.0",

		Routing: RoutingConfig{
			HighConfidenceThreshold: 0.85,
			MinConfidenceThreshold:  0.60,
			TopK:                    3,
			SimilarityTimeout:       "2s",
			DefaultRoute:            types.Route{UseCorpus: true},
			RulesPath:               "config/routing_rules.yaml",
			WatchRules:              false,
		},

		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
			TaskType:       "SEMANTIC_SIMILARITY",
		},

		Storage: StorageConfig{
			DatabasePath: "data/routing/routing_metrics.db",
			IndexPath:    "data/routing/routing_examples.db",
			ExportPath:   "data/routing/feedback_training_examples.json",
		},

		Feedback: FeedbackConfig{
			WindowDays:           30,
			MinOccurrences:       3,
			AutoApproveThreshold: 5,
		},

		Logging: LoggingConfig{
			Level:     "info",
			Directory: "data/logs",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults;
// a corrupt file is an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("TRIAGE_DB"); path != "" {
		c.Storage.DatabasePath = path
	}
	if path := os.Getenv("TRIAGE_INDEX"); path != "" {
		c.Storage.IndexPath = path
	}
	if path := os.Getenv("TRIAGE_RULES"); path != "" {
		c.Routing.RulesPath = path
	}
	if path := os.Getenv("TRIAGE_EXPORT"); path != "" {
		c.Storage.ExportPath = path
	}
	if url := os.Getenv("TRIAGE_OLLAMA_URL"); url != "" {
		c.Embedding.OllamaEndpoint = url
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Embedding.GenAIAPIKey = key
		if c.Embedding.Provider == "" {
			c.Embedding.Provider = "genai"
		}
	}
	if v := os.Getenv("TRIAGE_TOP_K"); v != "" {
		if k, err := strconv.Atoi(v); err == nil && k > 0 {
			c.Routing.TopK = k
		}
	}
	if v := os.Getenv("TRIAGE_DEBUG"); v == "1" || v == "true" {
		c.Logging.DebugMode = true
	}
}

// GetSimilarityTimeout returns the similarity lookup budget as a duration.
func (c *Config) GetSimilarityTimeout() time.Duration {
	d, err := time.ParseDuration(c.Routing.SimilarityTimeout)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}

// Validate checks threshold ordering and basic sanity.
func (c *Config) Validate() error {
	r := c.Routing
	if r.MinConfidenceThreshold < 0 || r.MinConfidenceThreshold > 1 {
		return fmt.Errorf("min_confidence_threshold %.2f out of [0,1]", r.MinConfidenceThreshold)
	}
	if r.HighConfidenceThreshold < 0 || r.HighConfidenceThreshold > 1 {
		return fmt.Errorf("high_confidence_threshold %.2f out of [0,1]", r.HighConfidenceThreshold)
	}
	if r.MinConfidenceThreshold > r.HighConfidenceThreshold {
		return fmt.Errorf("min_confidence_threshold %.2f exceeds high_confidence_threshold %.2f",
			r.MinConfidenceThreshold, r.HighConfidenceThreshold)
	}
	if r.TopK <= 0 {
		return fmt.Errorf("top_k must be positive, got %d", r.TopK)
	}
	if !r.DefaultRoute.Any() {
		return fmt.Errorf("default_route must enable at least one capability")
	}
	return nil
}
