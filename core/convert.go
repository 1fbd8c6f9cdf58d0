package core

import (
	"encoding/json"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

const thinkingModeTagFmt = "<thinking_mode>enabled</thinking_mode><max_thinking_length>%d</max_thinking_length>"

// ThinkingPrefix builds the XML control tags prepended to the system
// prompt when extended thinking is requested. The thinking config is
// never sent upstream in structured form.
func ThinkingPrefix(budget int) string {
	return fmt.Sprintf(thinkingModeTagFmt, budget)
}

// ConvertAnthropicToOpenAIRequest translates a /v1/messages request
// into an OpenAI chat-completions request for a custom account.
// Returns the request plus whether thinking parsing should run on the
// response text.
func ConvertAnthropicToOpenAIRequest(req *AnthropicRequest, model string) (*OpenAIRequest, bool) {
	out := &OpenAIRequest{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
		Stream:      req.Stream,
	}

	thinkingEnabled := req.ThinkingEnabled()

	system := req.SystemText()
	if thinkingEnabled {
		prefix := ThinkingPrefix(req.ThinkingBudget())
		if system != "" {
			if !strings.Contains(system, "<thinking_mode>") {
				system = prefix + "\n" + system
			}
		} else {
			system = prefix
		}
	}
	if system != "" {
		out.Messages = append(out.Messages, OpenAIMessage{Role: "system", Content: system})
	}

	for _, msg := range req.Messages {
		blocks, err := msg.ContentBlocks()
		if err != nil {
			log.Warnf("convert: skipping undecodable message content: %v", err)
			continue
		}
		switch msg.Role {
		case "user":
			out.Messages = append(out.Messages, convertUserBlocks(blocks)...)
		case "assistant":
			if m, ok := convertAssistantBlocks(blocks, thinkingEnabled); ok {
				out.Messages = append(out.Messages, m)
			}
		}
	}

	// Some backends reject requests with no non-system message; keep
	// the request valid when everything was filtered out.
	hasTurn := false
	for _, m := range out.Messages {
		if m.Role != "system" {
			hasTurn = true
			break
		}
	}
	if !hasTurn {
		out.Messages = append(out.Messages, OpenAIMessage{Role: "user", Content: "."})
	}

	if len(req.Tools) > 0 {
		out.Tools = ConvertAnthropicToolsToOpenAI(req.Tools)
	}
	out.ToolChoice = convertToolChoice(req.ToolChoice)

	return out, thinkingEnabled
}

func convertUserBlocks(blocks []ContentBlock) []OpenAIMessage {
	var messages []OpenAIMessage
	var textParts []string
	var toolResults []OpenAIMessage

	for _, b := range blocks {
		switch b.Type {
		case "text":
			textParts = append(textParts, b.Text)
		case "tool_result":
			if b.ToolUseID == "" {
				continue
			}
			content := extractToolResultText(b.Content)
			if content == "" {
				content = " "
			}
			toolResults = append(toolResults, OpenAIMessage{
				Role:       "tool",
				ToolCallID: b.ToolUseID,
				Content:    content,
			})
		case "image":
			if part := convertImageBlock(b); part != nil {
				messages = append(messages, OpenAIMessage{
					Role:    "user",
					Content: []OpenAIContentPart{*part},
				})
			}
		}
	}

	// Tool results must precede the next user text turn.
	messages = append(messages, toolResults...)

	if combined := strings.TrimSpace(strings.Join(textParts, "\n")); combined != "" {
		messages = append(messages, OpenAIMessage{Role: "user", Content: strings.Join(textParts, "\n")})
	}
	return messages
}

func convertAssistantBlocks(blocks []ContentBlock, thinkingEnabled bool) (OpenAIMessage, bool) {
	var textParts []string
	var toolCalls []OpenAIToolCall

	for _, b := range blocks {
		switch b.Type {
		case "text":
			textParts = append(textParts, b.Text)
		case "thinking":
			if thinkingEnabled && b.Thinking != "" {
				textParts = append(textParts, thinkingStartTag+b.Thinking+thinkingEndTag)
			}
		case "tool_use":
			if b.ID == "" || b.Name == "" {
				continue
			}
			args, err := json.Marshal(b.Input)
			if err != nil {
				args = []byte("{}")
			}
			toolCalls = append(toolCalls, OpenAIToolCall{
				ID:   b.ID,
				Type: "function",
				Function: OpenAIToolFunction{
					Name:      b.Name,
					Arguments: string(args),
				},
			})
		}
	}

	msg := OpenAIMessage{
		Role: "assistant",
		// Empty string rather than null; some backends reject null content.
		Content: strings.TrimSpace(strings.Join(textParts, "\n")),
	}
	if len(toolCalls) > 0 {
		msg.ToolCalls = toolCalls
	}
	if msg.Content == "" && len(toolCalls) == 0 {
		return msg, false
	}
	return msg, true
}

func convertImageBlock(b ContentBlock) *OpenAIContentPart {
	if b.Source == nil {
		return nil
	}
	switch b.Source.Type {
	case "base64":
		mediaType := b.Source.MediaType
		if mediaType == "" {
			mediaType = "image/png"
		}
		return &OpenAIContentPart{
			Type:     "image_url",
			ImageURL: &OpenAIImageURL{URL: fmt.Sprintf("data:%s;base64,%s", mediaType, b.Source.Data)},
		}
	case "url":
		return &OpenAIContentPart{
			Type:     "image_url",
			ImageURL: &OpenAIImageURL{URL: b.Source.URL},
		}
	}
	return nil
}

func extractToolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	var parts []string
	for _, b := range blocks {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ConvertAnthropicToolsToOpenAI maps {name, description, input_schema}
// tool definitions to {type:"function", function:{...}} entries.
// WebSearch-style builtin tools are skipped, and schemas are normalized
// so that null required/properties fields from MCP clients do not leak
// upstream.
func ConvertAnthropicToolsToOpenAI(tools []AnthropicTool) []OpenAITool {
	var out []OpenAITool
	for _, t := range tools {
		if strings.HasPrefix(t.Type, "web_search") {
			continue
		}
		out = append(out, OpenAITool{
			Type: "function",
			Function: OpenAIFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  NormalizeJSONSchema(t.InputSchema),
			},
		})
	}
	return out
}

// NormalizeJSONSchema repairs the type problems common in MCP tool
// definitions (required: null, properties: null) that upstreams reject
// with 400s.
func NormalizeJSONSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return map[string]any{
			"type":                 "object",
			"properties":           map[string]any{},
			"required":             []string{},
			"additionalProperties": true,
		}
	}

	result := make(map[string]any, len(schema))
	for k, v := range schema {
		result[k] = v
	}

	if t, ok := result["type"].(string); !ok || t == "" {
		result["type"] = "object"
	}
	if _, ok := result["properties"].(map[string]any); !ok {
		result["properties"] = map[string]any{}
	}

	var required []string
	if raw, ok := result["required"].([]any); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				required = append(required, s)
			}
		}
	}
	if required == nil {
		required = []string{}
	}
	result["required"] = required

	switch result["additionalProperties"].(type) {
	case bool, map[string]any:
	default:
		result["additionalProperties"] = true
	}

	return result
}

func convertToolChoice(choice map[string]any) any {
	if choice == nil {
		return nil
	}
	switch choice["type"] {
	case "auto":
		return "auto"
	case "any":
		return "required"
	case "none":
		return "none"
	case "tool":
		name, _ := choice["name"].(string)
		return map[string]any{
			"type":     "function",
			"function": map[string]any{"name": name},
		}
	}
	return nil
}

// ConvertFinishReason maps an OpenAI finish_reason to an Anthropic
// stop_reason.
func ConvertFinishReason(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls", "function_call":
		return "tool_use"
	default:
		return "end_turn"
	}
}

// ConvertOpenAIErrorToAnthropic maps an upstream OpenAI error into the
// Anthropic error envelope.
func ConvertOpenAIErrorToAnthropic(openaiErr *OpenAIError, status int) map[string]any {
	typeByName := map[string]string{
		"invalid_request_error": "invalid_request_error",
		"authentication_error":  "authentication_error",
		"permission_error":      "permission_error",
		"not_found_error":       "not_found_error",
		"rate_limit_error":      "rate_limit_error",
		"server_error":          "api_error",
		"service_unavailable":   "overloaded_error",
	}
	typeByStatus := map[int]string{
		400: "invalid_request_error",
		401: "authentication_error",
		403: "permission_error",
		404: "not_found_error",
		429: "rate_limit_error",
		500: "api_error",
		502: "api_error",
		503: "overloaded_error",
	}

	claudeType := ""
	message := "Unknown error"
	if openaiErr != nil {
		message = openaiErr.Message
		claudeType = typeByName[openaiErr.Type]
		if claudeType == "" {
			if code, ok := openaiErr.Code.(string); ok {
				claudeType = typeByName[code]
			}
		}
	}
	if claudeType == "" {
		claudeType = typeByStatus[status]
	}
	if claudeType == "" {
		claudeType = "api_error"
	}

	return map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    claudeType,
			"message": message,
		},
	}
}

// EstimateInputTokens estimates request input size at roughly four
// characters per token, the fallback when no usage event arrives.
func EstimateInputTokens(req *AnthropicRequest) int {
	total := len(req.SystemText())
	for _, msg := range req.Messages {
		blocks, err := msg.ContentBlocks()
		if err != nil {
			total += len(msg.Content)
			continue
		}
		for _, b := range blocks {
			total += len(b.Text) + len(b.Thinking)
			total += len(extractToolResultText(b.Content))
		}
	}
	for _, t := range req.Tools {
		total += len(t.Name) + len(t.Description)
		if t.InputSchema != nil {
			if raw, err := json.Marshal(t.InputSchema); err == nil {
				total += len(raw)
			}
		}
	}
	n := total / 4
	if n < 1 {
		n = 1
	}
	return n
}
