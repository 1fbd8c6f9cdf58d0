package core

import (
	"encoding/json"
)

// sseEvent is one client-facing Server-Sent Event.
type sseEvent struct {
	Event string
	Data  any
}

// ToSSEString renders the event in the Anthropic SSE grammar.
func (e *sseEvent) ToSSEString() string {
	dataBytes, _ := json.Marshal(e.Data)
	return "event: " + e.Event + "\ndata: " + string(dataBytes) + "\n\n"
}

func buildSSE(eventType string, data any) string {
	e := sseEvent{Event: eventType, Data: data}
	return e.ToSSEString()
}

func buildMessageStart(messageID, model string, usage AnthropicUsage) string {
	return buildSSE("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            messageID,
			"type":          "message",
			"role":          "assistant",
			"content":       []any{},
			"model":         model,
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": map[string]any{
				"input_tokens":                usage.InputTokens,
				"output_tokens":               usage.OutputTokens,
				"cache_creation_input_tokens": usage.CacheCreationInputTokens,
				"cache_read_input_tokens":     usage.CacheReadInputTokens,
			},
		},
	})
}

func buildPing() string {
	return buildSSE("ping", map[string]any{"type": "ping"})
}

func buildContentBlockStart(index int, blockType string) string {
	return buildSSE("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         index,
		"content_block": map[string]any{"type": blockType, blockType: ""},
	})
}

func buildToolUseStart(index int, toolUseID, name string) string {
	return buildSSE("content_block_start", map[string]any{
		"type":  "content_block_start",
		"index": index,
		"content_block": map[string]any{
			"type":  "tool_use",
			"id":    toolUseID,
			"name":  name,
			"input": map[string]any{},
		},
	})
}

func buildTextDelta(index int, text string) string {
	return buildSSE("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": index,
		"delta": map[string]any{"type": "text_delta", "text": text},
	})
}

func buildThinkingDelta(index int, thinking string) string {
	return buildSSE("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": index,
		"delta": map[string]any{"type": "thinking_delta", "thinking": thinking},
	})
}

func buildToolArgsDelta(index int, partialJSON string) string {
	return buildSSE("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": index,
		"delta": map[string]any{"type": "input_json_delta", "partial_json": partialJSON},
	})
}

func buildContentBlockStop(index int) string {
	return buildSSE("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": index,
	})
}

func buildMessageDelta(stopReason string, outputTokens int) string {
	return buildSSE("message_delta", map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   stopReason,
			"stop_sequence": nil,
		},
		"usage": map[string]any{"output_tokens": outputTokens},
	})
}

func buildMessageStop() string {
	return buildSSE("message_stop", map[string]any{"type": "message_stop"})
}

func buildErrorEvent(errorType, message string) string {
	return buildSSE("error", map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    errorType,
			"message": message,
		},
	})
}
