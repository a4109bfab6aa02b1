package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoverBackends(t *testing.T) {
	environ := []string{
		"LLM_OLLAMA_ENABLED=true",
		"LLM_OLLAMA_BASE_URL=http://localhost:11434/v1",
		"LLM_OLLAMA_MODEL=qwen2.5:14b",
		"LLM_GROQ_ENABLED=true",
		"LLM_GROQ_BASE_URL=https://api.groq.com/openai/v1",
		"LLM_GROQ_MODEL=llama-3.3-70b",
		"LLM_GROQ_TIER=free",
		"LLM_SONNET_ENABLED=true",
		"LLM_SONNET_MODEL=claude-sonnet",
		"LLM_SONNET_API_KEY=sk-test",
		"LLM_SONNET_TIER=paid",
		"LLM_DISABLED_ENABLED=false",
		"LLM_DISABLED_MODEL=unused",
		"UNRELATED=1",
	}

	backends := discoverBackends(environ)
	require.Len(t, backends, 3)

	// Sorted by name: groq, ollama, sonnet.
	assert.Equal(t, "groq", backends[0].Name)
	assert.Equal(t, TierFree, backends[0].Tier)
	assert.Equal(t, "ollama", backends[1].Name)
	assert.Equal(t, TierLocal, backends[1].Tier) // inferred from loopback URL
	assert.Equal(t, "sonnet", backends[2].Name)
	assert.Equal(t, TierPaid, backends[2].Tier)
	assert.True(t, backends[2].HasAPIKey())
}

func TestDiscoverBackendsEmptyEnvironment(t *testing.T) {
	assert.Empty(t, discoverBackends(nil))
}

func TestInferTierKeylessRemote(t *testing.T) {
	b := BackendConfig{BaseURL: "https://free.example.com/v1"}
	assert.Equal(t, TierFree, inferTier(b))
}
