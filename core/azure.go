package core

import (
	"encoding/json"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// azureAllowedFields is the allow-list of top-level request fields the
// Azure Anthropic variant accepts. Anything else (context_management,
// betas, vendor extensions) is dropped.
var azureAllowedFields = map[string]bool{
	"model":          true,
	"messages":       true,
	"system":         true,
	"max_tokens":     true,
	"temperature":    true,
	"top_p":          true,
	"top_k":          true,
	"stop_sequences": true,
	"stream":         true,
	"tools":          true,
	"tool_choice":    true,
	"metadata":       true,
	"thinking":       true,
}

// ScrubForAzure rewrites a raw /v1/messages request body for an
// Azure-hosted Anthropic endpoint: unknown top-level fields are
// removed, thinking is disabled unless the last assistant turn starts
// with a signed thinking block, and unsigned thinking content is
// rewritten as plain text. The operation is idempotent.
func ScrubForAzure(body []byte) []byte {
	var req map[string]any
	if err := json.Unmarshal(body, &req); err != nil {
		log.Warnf("azure scrub: request body is not an object, passing through: %v", err)
		return body
	}

	for field := range req {
		if !azureAllowedFields[field] {
			delete(req, field)
		}
	}

	thinkingEnabled := gjson.GetBytes(body, "thinking.type").String() == "enabled"
	if thinkingEnabled && !lastAssistantHasSignedThinking(req) {
		thinkingEnabled = false
		delete(req, "thinking")
	}

	if messages, ok := req["messages"].([]any); ok {
		req["messages"] = scrubAzureMessages(messages, thinkingEnabled)
	}

	if tools, ok := req["tools"].([]any); ok {
		req["tools"] = scrubAzureTools(tools)
	}

	out, err := json.Marshal(req)
	if err != nil {
		return body
	}
	return out
}

func lastAssistantHasSignedThinking(req map[string]any) bool {
	messages, ok := req["messages"].([]any)
	if !ok {
		return false
	}
	for i := len(messages) - 1; i >= 0; i-- {
		msg, ok := messages[i].(map[string]any)
		if !ok || msg["role"] != "assistant" {
			continue
		}
		content, ok := msg["content"].([]any)
		if !ok || len(content) == 0 {
			return false
		}
		first, ok := content[0].(map[string]any)
		if !ok || first["type"] != "thinking" {
			return false
		}
		sig, _ := first["signature"].(string)
		return sig != ""
	}
	return false
}

func scrubAzureMessages(messages []any, thinkingEnabled bool) []any {
	cleaned := make([]any, 0, len(messages))

	for i, raw := range messages {
		msg, ok := raw.(map[string]any)
		if !ok {
			cleaned = append(cleaned, raw)
			continue
		}

		content := msg["content"]
		if blocks, ok := content.([]any); ok {
			kept := make([]any, 0, len(blocks))
			for _, b := range blocks {
				block, ok := b.(map[string]any)
				if !ok {
					kept = append(kept, b)
					continue
				}
				switch block["type"] {
				case "thinking":
					if !thinkingEnabled {
						continue
					}
					if sig, _ := block["signature"].(string); sig != "" {
						kept = append(kept, block)
					} else {
						text, _ := block["thinking"].(string)
						kept = append(kept, map[string]any{
							"type": "text",
							"text": "<previous_thinking>" + text + "</previous_thinking>",
						})
					}
				case "redacted_thinking":
					if data, _ := block["data"].(string); thinkingEnabled && data != "" {
						kept = append(kept, block)
					}
				default:
					kept = append(kept, block)
				}
			}
			content = kept
			msg = cloneWith(msg, "content", kept)
		}

		role, _ := msg["role"].(string)
		isLast := i == len(messages)-1
		if isEmptyContent(content) && !(role == "assistant" && isLast) {
			continue
		}
		cleaned = append(cleaned, msg)
	}
	return cleaned
}

var azureBuiltinToolTypes = map[string]bool{
	"bash_20250124":        true,
	"bash_20241022":        true,
	"text_editor_20250124": true,
	"text_editor_20250429": true,
	"text_editor_20250728": true,
	"text_editor_20241022": true,
	"web_search_20250305":  true,
	"computer_20241022":    true,
}

func scrubAzureTools(tools []any) []any {
	cleaned := make([]any, 0, len(tools))
	for _, raw := range tools {
		tool, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		toolType, _ := tool["type"].(string)

		switch {
		case azureBuiltinToolTypes[toolType]:
			t := map[string]any{"type": toolType}
			if name, ok := tool["name"]; ok {
				t["name"] = name
			}
			cleaned = append(cleaned, t)

		case toolType == "function" || tool["function"] != nil:
			t := map[string]any{}
			if fn, ok := tool["function"].(map[string]any); ok {
				if v, ok := fn["name"]; ok {
					t["name"] = v
				}
				if v, ok := fn["description"]; ok {
					t["description"] = v
				}
				if v, ok := fn["parameters"]; ok {
					t["input_schema"] = v
				}
			}
			if _, ok := t["name"]; !ok {
				if v, ok := tool["name"]; ok {
					t["name"] = v
				}
			}
			if name, _ := t["name"].(string); name != "" {
				cleaned = append(cleaned, t)
			}

		case toolType == "" && tool["name"] != nil:
			t := map[string]any{"name": tool["name"]}
			if v, ok := tool["description"]; ok {
				t["description"] = v
			}
			if v, ok := tool["input_schema"]; ok {
				t["input_schema"] = v
			} else if v, ok := tool["parameters"]; ok {
				t["input_schema"] = v
			}
			cleaned = append(cleaned, t)
		}
	}
	return cleaned
}

func cloneWith(m map[string]any, key string, val any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	out[key] = val
	return out
}

func isEmptyContent(content any) bool {
	switch v := content.(type) {
	case nil:
		return true
	case string:
		return len(v) == 0
	case []any:
		return len(v) == 0
	}
	return false
}
