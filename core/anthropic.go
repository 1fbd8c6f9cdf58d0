package core

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AnthropicRequest is the client-facing /v1/messages request body.
// Loosely-typed fields (system, content, thinking) mirror the wire
// format's union shapes.
type AnthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []AnthropicMessage `json:"messages"`
	System        json.RawMessage    `json:"system,omitempty"`
	MaxTokens     int                `json:"max_tokens,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	Tools         []AnthropicTool    `json:"tools,omitempty"`
	ToolChoice    map[string]any     `json:"tool_choice,omitempty"`
	Thinking      json.RawMessage    `json:"thinking,omitempty"`
	Metadata      json.RawMessage    `json:"metadata,omitempty"`
}

type AnthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type AnthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
	Type        string         `json:"type,omitempty"`
}

// ContentBlock is one element of a message content array.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Signature string          `json:"signature,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     map[string]any  `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Source    *ImageSource    `json:"source,omitempty"`
}

type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// ContentBlocks decodes a message content field, which may be a bare
// string or an array of blocks.
func (m *AnthropicMessage) ContentBlocks() ([]ContentBlock, error) {
	if len(m.Content) == 0 {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return []ContentBlock{{Type: "text", Text: s}}, nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil, fmt.Errorf("decoding message content: %w", err)
	}
	return blocks, nil
}

// SystemText flattens the system field (string or text-block list).
func (r *AnthropicRequest) SystemText() string {
	if len(r.System) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.System, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(r.System, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ThinkingConfig is the decoded thinking field.
type ThinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

// ThinkingEnabled reports whether the request asked for extended
// thinking. The field is enabled by default when absent, mirroring the
// upstream gateway behaviour.
func (r *AnthropicRequest) ThinkingEnabled() bool {
	if len(r.Thinking) == 0 {
		return true
	}
	var b bool
	if err := json.Unmarshal(r.Thinking, &b); err == nil {
		return b
	}
	var cfg ThinkingConfig
	if err := json.Unmarshal(r.Thinking, &cfg); err != nil {
		return true
	}
	return cfg.Type != "disabled"
}

// ThinkingBudget returns the requested thinking budget, defaulting to
// defaultThinkingBudget when the request carries none.
func (r *AnthropicRequest) ThinkingBudget() int {
	var cfg ThinkingConfig
	if len(r.Thinking) > 0 {
		if err := json.Unmarshal(r.Thinking, &cfg); err == nil && cfg.BudgetTokens > 0 {
			return cfg.BudgetTokens
		}
	}
	return defaultThinkingBudget
}

const defaultThinkingBudget = 200000

// NewMessageID mints an Anthropic-style message id.
func NewMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// NewToolUseID mints an Anthropic-style tool_use id.
func NewToolUseID() string {
	return "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// AnthropicUsage is the usage object carried by message_start and
// message_delta events.
type AnthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// AnthropicResponse is the non-streaming /v1/messages response.
type AnthropicResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   string         `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        AnthropicUsage `json:"usage"`
}
