package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrubToMap(t *testing.T, body string) map[string]any {
	t.Helper()
	out := ScrubForAzure([]byte(body))
	var m map[string]any
	require.NoError(t, json.Unmarshal(out, &m))
	return m
}

func TestScrubForAzure_RemovesUnknownFields(t *testing.T) {
	m := scrubToMap(t, `{
		"model": "claude-sonnet-4",
		"messages": [{"role": "user", "content": "hi"}],
		"max_tokens": 100,
		"context_management": {"x": 1},
		"betas": ["beta-1"],
		"anthropic_beta": "x",
		"vendor_extension": true
	}`)

	assert.NotContains(t, m, "context_management")
	assert.NotContains(t, m, "betas")
	assert.NotContains(t, m, "anthropic_beta")
	assert.NotContains(t, m, "vendor_extension")
	assert.Contains(t, m, "model")
	assert.Contains(t, m, "messages")
	assert.Contains(t, m, "max_tokens")
}

func TestScrubForAzure_Idempotent(t *testing.T) {
	body := []byte(`{
		"model": "claude-sonnet-4",
		"messages": [
			{"role": "user", "content": "hi"},
			{"role": "assistant", "content": [{"type": "thinking", "thinking": "hmm"}, {"type": "text", "text": "yes"}]}
		],
		"betas": ["x"],
		"thinking": {"type": "enabled", "budget_tokens": 1024}
	}`)

	once := ScrubForAzure(body)
	twice := ScrubForAzure(once)

	var a, b map[string]any
	require.NoError(t, json.Unmarshal(once, &a))
	require.NoError(t, json.Unmarshal(twice, &b))
	assert.Equal(t, a, b)
}

func TestScrubForAzure_DisablesThinkingWithoutSignature(t *testing.T) {
	m := scrubToMap(t, `{
		"model": "claude-sonnet-4",
		"thinking": {"type": "enabled", "budget_tokens": 2048},
		"messages": [
			{"role": "user", "content": "q"},
			{"role": "assistant", "content": [{"type": "thinking", "thinking": "secret"}, {"type": "text", "text": "a"}]}
		]
	}`)

	assert.NotContains(t, m, "thinking")

	messages := m["messages"].([]any)
	assistant := messages[1].(map[string]any)
	content := assistant["content"].([]any)
	first := content[0].(map[string]any)
	// The unsigned thinking block was dropped entirely.
	assert.Equal(t, "text", first["type"])
	assert.Equal(t, "a", first["text"])
}

func TestScrubForAzure_KeepsSignedThinking(t *testing.T) {
	m := scrubToMap(t, `{
		"model": "claude-sonnet-4",
		"thinking": {"type": "enabled"},
		"messages": [
			{"role": "user", "content": "q"},
			{"role": "assistant", "content": [{"type": "thinking", "thinking": "t", "signature": "sig"}, {"type": "text", "text": "a"}]}
		]
	}`)

	assert.Contains(t, m, "thinking")
	messages := m["messages"].([]any)
	assistant := messages[1].(map[string]any)
	content := assistant["content"].([]any)
	first := content[0].(map[string]any)
	assert.Equal(t, "thinking", first["type"])
	assert.Equal(t, "sig", first["signature"])
}

func TestScrubForAzure_DropsEmptyMessages(t *testing.T) {
	m := scrubToMap(t, `{
		"model": "claude-sonnet-4",
		"messages": [
			{"role": "user", "content": ""},
			{"role": "user", "content": "real"}
		]
	}`)

	messages := m["messages"].([]any)
	require.Len(t, messages, 1)
	assert.Equal(t, "real", messages[0].(map[string]any)["content"])
}

func TestScrubForAzure_NormalizesFunctionTools(t *testing.T) {
	m := scrubToMap(t, `{
		"model": "claude-sonnet-4",
		"messages": [{"role": "user", "content": "q"}],
		"tools": [
			{"type": "function", "function": {"name": "run", "description": "d", "parameters": {"type": "object"}}},
			{"type": "bash_20250124", "name": "bash", "cache_control": {"type": "ephemeral"}},
			{"name": "plain", "input_schema": {"type": "object"}}
		]
	}`)

	tools := m["tools"].([]any)
	require.Len(t, tools, 3)

	fn := tools[0].(map[string]any)
	assert.Equal(t, "run", fn["name"])
	assert.Contains(t, fn, "input_schema")
	assert.NotContains(t, fn, "function")

	builtin := tools[1].(map[string]any)
	assert.Equal(t, "bash_20250124", builtin["type"])
	assert.NotContains(t, builtin, "cache_control")

	plain := tools[2].(map[string]any)
	assert.Equal(t, "plain", plain["name"])
	assert.Contains(t, plain, "input_schema")
}
