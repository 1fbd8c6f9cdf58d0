package core

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func anthropicReq(t *testing.T, body string) *AnthropicRequest {
	t.Helper()
	var req AnthropicRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))
	return &req
}

func TestConvertRequest_SystemAndThinkingTags(t *testing.T) {
	req := anthropicReq(t, `{
		"model": "claude-sonnet-4",
		"system": "Be terse.",
		"max_tokens": 512,
		"messages": [{"role": "user", "content": "hi"}]
	}`)

	out, thinkingEnabled := ConvertAnthropicToOpenAIRequest(req, "gpt-x")
	assert.True(t, thinkingEnabled)
	assert.Equal(t, "gpt-x", out.Model)
	assert.Equal(t, 512, out.MaxTokens)

	require.GreaterOrEqual(t, len(out.Messages), 2)
	system := out.Messages[0]
	assert.Equal(t, "system", system.Role)
	text := system.Content.(string)
	assert.Contains(t, text, "<thinking_mode>enabled</thinking_mode>")
	assert.Contains(t, text, fmt.Sprintf("<max_thinking_length>%d</max_thinking_length>", defaultThinkingBudget))
	assert.Contains(t, text, "Be terse.")
}

func TestConvertRequest_ThinkingDisabled(t *testing.T) {
	req := anthropicReq(t, `{
		"model": "claude-sonnet-4",
		"thinking": {"type": "disabled"},
		"messages": [{"role": "user", "content": "hi"}]
	}`)

	out, thinkingEnabled := ConvertAnthropicToOpenAIRequest(req, "m")
	assert.False(t, thinkingEnabled)
	for _, m := range out.Messages {
		if m.Role == "system" {
			assert.NotContains(t, m.Content.(string), "<thinking_mode>")
		}
	}
}

func TestConvertRequest_ThinkingBudgetPassesThrough(t *testing.T) {
	req := anthropicReq(t, `{
		"model": "claude-sonnet-4",
		"thinking": {"type": "enabled", "budget_tokens": 4096},
		"messages": [{"role": "user", "content": "hi"}]
	}`)

	out, _ := ConvertAnthropicToOpenAIRequest(req, "m")
	assert.Contains(t, out.Messages[0].Content.(string), "<max_thinking_length>4096</max_thinking_length>")
}

func TestConvertRequest_ToolResultAndToolUse(t *testing.T) {
	req := anthropicReq(t, `{
		"model": "claude-sonnet-4",
		"thinking": {"type": "disabled"},
		"messages": [
			{"role": "user", "content": "run ls"},
			{"role": "assistant", "content": [
				{"type": "text", "text": "running"},
				{"type": "tool_use", "id": "toolu_1", "name": "bash", "input": {"cmd": "ls"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_1", "content": "file.txt"},
				{"type": "text", "text": "now what"}
			]}
		]
	}`)

	out, _ := ConvertAnthropicToOpenAIRequest(req, "m")

	var assistant, tool, lastUser *OpenAIMessage
	for i := range out.Messages {
		switch out.Messages[i].Role {
		case "assistant":
			assistant = &out.Messages[i]
		case "tool":
			tool = &out.Messages[i]
		case "user":
			lastUser = &out.Messages[i]
		}
	}

	require.NotNil(t, assistant)
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "toolu_1", assistant.ToolCalls[0].ID)
	assert.Equal(t, "bash", assistant.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"cmd":"ls"}`, assistant.ToolCalls[0].Function.Arguments)

	require.NotNil(t, tool)
	assert.Equal(t, "toolu_1", tool.ToolCallID)
	assert.Equal(t, "file.txt", tool.Content)

	require.NotNil(t, lastUser)
	assert.Contains(t, lastUser.Content.(string), "now what")
}

func TestConvertRequest_ImageBlocks(t *testing.T) {
	req := anthropicReq(t, `{
		"model": "m",
		"messages": [{"role": "user", "content": [
			{"type": "image", "source": {"type": "base64", "media_type": "image/jpeg", "data": "QUJD"}}
		]}]
	}`)

	out, _ := ConvertAnthropicToOpenAIRequest(req, "m")
	var found bool
	for _, m := range out.Messages {
		parts, ok := m.Content.([]OpenAIContentPart)
		if !ok {
			continue
		}
		require.Len(t, parts, 1)
		assert.Equal(t, "image_url", parts[0].Type)
		assert.Equal(t, "data:image/jpeg;base64,QUJD", parts[0].ImageURL.URL)
		found = true
	}
	assert.True(t, found)
}

func TestConvertRequest_EmptyTurnsGetPlaceholder(t *testing.T) {
	req := anthropicReq(t, `{
		"model": "m",
		"thinking": {"type": "disabled"},
		"messages": [{"role": "assistant", "content": []}]
	}`)

	out, _ := ConvertAnthropicToOpenAIRequest(req, "m")
	var nonSystem int
	for _, m := range out.Messages {
		if m.Role != "system" {
			nonSystem++
		}
	}
	assert.Greater(t, nonSystem, 0)
}

func TestConvertTools_SchemaNormalization(t *testing.T) {
	tools := []AnthropicTool{
		{Name: "search", Description: "find things", InputSchema: map[string]any{
			"type":       "object",
			"properties": nil,
			"required":   nil,
		}},
		{Name: "websearch", Type: "web_search_20250305"},
		{Name: "bare"},
	}

	out := ConvertAnthropicToolsToOpenAI(tools)
	require.Len(t, out, 2)

	assert.Equal(t, "function", out[0].Type)
	assert.Equal(t, "search", out[0].Function.Name)
	params := out[0].Function.Parameters
	assert.Equal(t, "object", params["type"])
	assert.Equal(t, map[string]any{}, params["properties"])
	assert.Equal(t, []string{}, params["required"])

	bare := out[1].Function.Parameters
	assert.Equal(t, "object", bare["type"])
}

func TestConvertToolChoice(t *testing.T) {
	assert.Equal(t, "auto", convertToolChoice(map[string]any{"type": "auto"}))
	assert.Equal(t, "required", convertToolChoice(map[string]any{"type": "any"}))
	assert.Equal(t, "none", convertToolChoice(map[string]any{"type": "none"}))
	assert.Nil(t, convertToolChoice(nil))

	specific := convertToolChoice(map[string]any{"type": "tool", "name": "bash"}).(map[string]any)
	assert.Equal(t, "function", specific["type"])
}

func TestConvertFinishReason(t *testing.T) {
	assert.Equal(t, "end_turn", ConvertFinishReason("stop"))
	assert.Equal(t, "max_tokens", ConvertFinishReason("length"))
	assert.Equal(t, "tool_use", ConvertFinishReason("tool_calls"))
	assert.Equal(t, "end_turn", ConvertFinishReason("weird"))
}

func TestConvertOpenAIError(t *testing.T) {
	out := ConvertOpenAIErrorToAnthropic(&OpenAIError{Type: "rate_limit_error", Message: "slow down"}, 429)
	errObj := out["error"].(map[string]any)
	assert.Equal(t, "rate_limit_error", errObj["type"])
	assert.Equal(t, "slow down", errObj["message"])

	out = ConvertOpenAIErrorToAnthropic(&OpenAIError{Message: "boom"}, 503)
	errObj = out["error"].(map[string]any)
	assert.Equal(t, "overloaded_error", errObj["type"])
}

func TestEstimateInputTokens(t *testing.T) {
	req := anthropicReq(t, `{
		"model": "m",
		"system": "abcd",
		"messages": [{"role": "user", "content": "abcdefgh"}]
	}`)
	assert.Equal(t, 3, EstimateInputTokens(req))

	empty := anthropicReq(t, `{"model": "m", "messages": []}`)
	assert.Equal(t, 1, EstimateInputTokens(empty))
}
