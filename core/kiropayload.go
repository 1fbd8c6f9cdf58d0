package core

import (
	"encoding/json"
	"errors"
	"strings"
)

// Mapping from public model names to Kiro's internal model ids.
// Unknown names pass through unchanged.
var kiroModelIDs = map[string]string{
	"claude-sonnet-4":   "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-sonnet-4-5": "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-haiku-4-5":  "CLAUDE_HAIKU_4_5_20251001_V1_0",
	"claude-opus-4-1":   "CLAUDE_OPUS_4_1_20250805_V1_0",
	"claude-3-7-sonnet": "CLAUDE_3_7_SONNET_20250219_V1_0",
}

func kiroModelID(model string) string {
	if id, ok := kiroModelIDs[model]; ok {
		return id
	}
	return model
}

const (
	kiroOrigin = "AI_EDITOR"

	// systemPromptAck is the assistant half of the injected system pair.
	systemPromptAck = "I will follow these instructions."
)

// BuildKiroPayload assembles the conversationState payload for the
// upstream generateAssistantResponse call. The OpenAI-shaped request is
// the intermediate: system messages (with any thinking tags already
// prepended) are injected as a leading user/assistant pair, adjacent
// same-role turns are merged, tool messages become toolResults on the
// following user turn, and the final turn becomes currentMessage.
func BuildKiroPayload(req *OpenAIRequest, conversationID, profileArn string) (map[string]any, error) {
	modelID := kiroModelID(req.Model)

	var systemParts []string
	var turns []OpenAIMessage
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			systemParts = append(systemParts, openAIContentText(msg.Content))
			continue
		}
		turns = append(turns, msg)
	}

	merged := mergeAdjacentTurns(turns)
	if len(merged) == 0 {
		return nil, errors.New("no sendable messages")
	}

	var history []map[string]any

	if system := strings.TrimSpace(strings.Join(systemParts, "\n")); system != "" {
		history = append(history,
			map[string]any{
				"userInputMessage": map[string]any{
					"content": system,
					"modelId": modelID,
					"origin":  kiroOrigin,
				},
			},
			map[string]any{
				"assistantResponseMessage": map[string]any{
					"content": systemPromptAck,
				},
			},
		)
	}

	for _, msg := range merged[:len(merged)-1] {
		history = append(history, kiroHistoryEntry(msg, modelID))
	}

	current := merged[len(merged)-1]
	currentContent := openAIContentText(current.Content)

	// A trailing assistant turn goes into history; the model is asked
	// to continue from it.
	if current.Role == "assistant" {
		history = append(history, kiroHistoryEntry(current, modelID))
		currentContent = "Continue"
	}
	if currentContent == "" {
		currentContent = "Continue"
	}

	userInput := map[string]any{
		"content": currentContent,
		"modelId": modelID,
		"origin":  kiroOrigin,
	}

	context := map[string]any{}
	if len(req.Tools) > 0 {
		var specs []map[string]any
		for _, tool := range req.Tools {
			if tool.Type != "function" {
				continue
			}
			params := tool.Function.Parameters
			if params == nil {
				params = map[string]any{}
			}
			specs = append(specs, map[string]any{
				"toolSpecification": map[string]any{
					"name":        tool.Function.Name,
					"description": tool.Function.Description,
					"inputSchema": map[string]any{"json": params},
				},
			})
		}
		if len(specs) > 0 {
			context["tools"] = specs
		}
	}
	if results := kiroToolResults(current); len(results) > 0 {
		context["toolResults"] = results
	}
	if len(context) > 0 {
		userInput["userInputMessageContext"] = context
	}

	payload := map[string]any{
		"conversationState": map[string]any{
			"chatTriggerType": "MANUAL",
			"conversationId":  conversationID,
			"currentMessage": map[string]any{
				"userInputMessage": userInput,
			},
		},
	}
	if len(history) > 0 {
		payload["conversationState"].(map[string]any)["history"] = history
	}
	if profileArn != "" {
		payload["profileArn"] = profileArn
	}
	return payload, nil
}

// mergeAdjacentTurns folds tool messages into user turns carrying
// toolResults and merges runs of same-role messages; the upstream
// rejects consecutive turns from one role.
func mergeAdjacentTurns(messages []OpenAIMessage) []OpenAIMessage {
	var processed []OpenAIMessage
	var pendingResults []OpenAIMessage

	flushResults := func() {
		if len(pendingResults) == 0 {
			return
		}
		processed = append(processed, OpenAIMessage{
			Role:    "user",
			Content: toolResultParts(pendingResults),
		})
		pendingResults = nil
	}

	for _, msg := range messages {
		if msg.Role == "tool" {
			pendingResults = append(pendingResults, msg)
			continue
		}
		flushResults()
		processed = append(processed, msg)
	}
	flushResults()

	var merged []OpenAIMessage
	for _, msg := range processed {
		if len(merged) == 0 || merged[len(merged)-1].Role != msg.Role {
			merged = append(merged, msg)
			continue
		}
		last := &merged[len(merged)-1]
		last.Content = mergeContents(last.Content, msg.Content)
		// Tool calls from later assistant turns must survive the merge
		// or the upstream rejects toolResults without a matching use.
		if msg.Role == "assistant" && len(msg.ToolCalls) > 0 {
			last.ToolCalls = append(last.ToolCalls, msg.ToolCalls...)
		}
	}
	return merged
}

// toolResultBundle marks a merged tool-result content value.
type toolResultBundle struct {
	Results []map[string]any
}

func toolResultParts(toolMsgs []OpenAIMessage) toolResultBundle {
	bundle := toolResultBundle{}
	for _, msg := range toolMsgs {
		content := openAIContentText(msg.Content)
		if content == "" {
			content = "(empty result)"
		}
		bundle.Results = append(bundle.Results, map[string]any{
			"content":   []map[string]any{{"text": content}},
			"status":    "success",
			"toolUseId": msg.ToolCallID,
		})
	}
	return bundle
}

func mergeContents(a, b any) any {
	ab, aIsBundle := a.(toolResultBundle)
	bb, bIsBundle := b.(toolResultBundle)
	switch {
	case aIsBundle && bIsBundle:
		ab.Results = append(ab.Results, bb.Results...)
		return ab
	case aIsBundle:
		return a
	case bIsBundle:
		return b
	default:
		at := openAIContentText(a)
		bt := openAIContentText(b)
		if at == "" {
			return bt
		}
		return at + "\n" + bt
	}
}

func kiroHistoryEntry(msg OpenAIMessage, modelID string) map[string]any {
	if msg.Role == "assistant" {
		entry := map[string]any{"content": openAIContentText(msg.Content)}
		if uses := kiroToolUses(msg); len(uses) > 0 {
			entry["toolUses"] = uses
		}
		return map[string]any{"assistantResponseMessage": entry}
	}

	userInput := map[string]any{
		"content": openAIContentText(msg.Content),
		"modelId": modelID,
		"origin":  kiroOrigin,
	}
	if results := kiroToolResults(msg); len(results) > 0 {
		userInput["userInputMessageContext"] = map[string]any{"toolResults": results}
	}
	return map[string]any{"userInputMessage": userInput}
}

func kiroToolUses(msg OpenAIMessage) []map[string]any {
	var uses []map[string]any
	for _, tc := range msg.ToolCalls {
		input := map[string]any{}
		if tc.Function.Arguments != "" {
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
		}
		uses = append(uses, map[string]any{
			"name":      tc.Function.Name,
			"input":     input,
			"toolUseId": tc.ID,
		})
	}
	return uses
}

func kiroToolResults(msg OpenAIMessage) []map[string]any {
	if bundle, ok := msg.Content.(toolResultBundle); ok {
		return bundle.Results
	}
	return nil
}

// openAIContentText flattens any supported content shape to text.
func openAIContentText(content any) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	case []OpenAIContentPart:
		var parts []string
		for _, p := range v {
			if p.Text != "" {
				parts = append(parts, p.Text)
			}
		}
		return strings.Join(parts, "")
	case toolResultBundle:
		var parts []string
		for _, r := range v.Results {
			if items, ok := r["content"].([]map[string]any); ok {
				for _, item := range items {
					if text, ok := item["text"].(string); ok {
						parts = append(parts, text)
					}
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}
