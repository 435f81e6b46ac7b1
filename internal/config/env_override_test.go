package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvOverrides_Paths(t *testing.T) {
	t.Run("TRIAGE_DB overrides database path", func(t *testing.T) {
		t.Setenv("TRIAGE_DB", "/var/lib/triage/metrics.db")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "/var/lib/triage/metrics.db", cfg.Storage.DatabasePath)
	})

	t.Run("TRIAGE_INDEX overrides index path", func(t *testing.T) {
		t.Setenv("TRIAGE_INDEX", "/var/lib/triage/examples.db")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "/var/lib/triage/examples.db", cfg.Storage.IndexPath)
	})

	t.Run("TRIAGE_RULES overrides rules path", func(t *testing.T) {
		t.Setenv("TRIAGE_RULES", "/etc/triage/rules.yaml")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "/etc/triage/rules.yaml", cfg.Routing.RulesPath)
	})
}

func TestEnvOverrides_Embedding(t *testing.T) {
	t.Run("GEMINI_API_KEY sets key without clobbering provider", func(t *testing.T) {
		t.Setenv("GEMINI_API_KEY", "gem-key")

		cfg := DefaultConfig() // provider defaults to ollama
		cfg.applyEnvOverrides()

		assert.Equal(t, "gem-key", cfg.Embedding.GenAIAPIKey)
		assert.Equal(t, "ollama", cfg.Embedding.Provider)
	})

	t.Run("GEMINI_API_KEY selects genai when provider empty", func(t *testing.T) {
		t.Setenv("GEMINI_API_KEY", "gem-key")

		cfg := &Config{}
		cfg.applyEnvOverrides()

		assert.Equal(t, "genai", cfg.Embedding.Provider)
	})

	t.Run("TRIAGE_OLLAMA_URL overrides endpoint", func(t *testing.T) {
		t.Setenv("TRIAGE_OLLAMA_URL", "http://ollama:11434")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "http://ollama:11434", cfg.Embedding.OllamaEndpoint)
	})
}

func TestEnvOverrides_Tuning(t *testing.T) {
	t.Run("TRIAGE_TOP_K parses positive int", func(t *testing.T) {
		t.Setenv("TRIAGE_TOP_K", "7")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, 7, cfg.Routing.TopK)
	})

	t.Run("TRIAGE_TOP_K ignores garbage", func(t *testing.T) {
		t.Setenv("TRIAGE_TOP_K", "many")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, 3, cfg.Routing.TopK)
	})

	t.Run("TRIAGE_DEBUG enables debug logging", func(t *testing.T) {
		t.Setenv("TRIAGE_DEBUG", "1")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.True(t, cfg.Logging.DebugMode)
	})
}
