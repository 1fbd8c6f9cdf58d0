package core

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
)

// OpenAIStreamConverter rebuilds a full Anthropic message lifecycle
// from an OpenAI chat-completion SSE stream: message_start, one
// content_block_start per content transition, per-token deltas,
// content_block_stop, message_delta with the mapped stop reason, and
// message_stop. Tool-call argument fragments are reassembled into
// input_json_delta sequences under the upstream tool-call id, and
// reasoning_content deltas surface as thinking blocks.
type OpenAIStreamConverter struct {
	model     string
	messageID string

	thinkingEnabled bool
	thinking        *ThinkingParser

	blockIndex   int
	blockStarted bool
	blockType    string // "text", "thinking" or "tool_use"

	messageStarted bool
	finishReason   string

	inputTokens  int
	outputTokens int
	textSize     int

	cacheCreationTokens int
	cacheReadTokens     int
	sawUsage            bool
	done                bool
}

// NewOpenAIStreamConverter builds a converter; estimatedInput seeds the
// message_start usage until the upstream reports real numbers.
func NewOpenAIStreamConverter(model string, estimatedInput int, thinkingEnabled bool) *OpenAIStreamConverter {
	c := &OpenAIStreamConverter{
		model:           model,
		messageID:       NewMessageID(),
		thinkingEnabled: thinkingEnabled,
		blockIndex:      -1,
		inputTokens:     estimatedInput,
	}
	if thinkingEnabled {
		c.thinking = NewThinkingParser()
	}
	return c
}

// Run reads the upstream SSE body to completion, emitting Anthropic SSE
// strings through emit.
func (c *OpenAIStreamConverter) Run(body io.Reader, emit func(string)) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(line[len("data:"):])
		if data == "[DONE]" {
			for _, ev := range c.Finish() {
				emit(ev)
			}
			return nil
		}

		var chunk OpenAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			log.Warnf("openai stream: skipping unparsable event: %v", err)
			continue
		}
		for _, ev := range c.Feed(&chunk) {
			emit(ev)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	for _, ev := range c.Finish() {
		emit(ev)
	}
	return nil
}

// Feed converts one decoded upstream chunk into zero or more Anthropic
// SSE events.
func (c *OpenAIStreamConverter) Feed(chunk *OpenAIStreamChunk) []string {
	var events []string

	if !c.messageStarted {
		events = append(events, buildMessageStart(c.messageID, c.model, AnthropicUsage{
			InputTokens:              c.inputTokens,
			CacheCreationInputTokens: c.cacheCreationTokens,
			CacheReadInputTokens:     c.cacheReadTokens,
		}))
		events = append(events, buildPing())
		c.messageStarted = true
	}

	if chunk.Usage != nil {
		c.inputTokens = chunk.Usage.PromptTokens
		c.outputTokens = chunk.Usage.CompletionTokens
		c.sawUsage = true
	}

	if len(chunk.Choices) == 0 {
		return events
	}
	choice := chunk.Choices[0]

	if choice.FinishReason != nil && *choice.FinishReason != "" {
		c.finishReason = ConvertFinishReason(*choice.FinishReason)
	}

	if rc := choice.Delta.ReasoningContent; rc != "" {
		events = c.emitThinkingDelta(events, rc)
	}

	if content := choice.Delta.Content; content != "" {
		c.textSize += len(content)
		if c.thinkingEnabled {
			for _, seg := range c.thinking.Push(content) {
				events = c.emitSegment(events, seg)
			}
		} else {
			events = c.emitTextDelta(events, content)
		}
	}

	for _, tc := range choice.Delta.ToolCalls {
		events = c.emitToolCall(events, tc)
	}

	return events
}

func (c *OpenAIStreamConverter) emitSegment(events []string, seg Segment) []string {
	if seg.Content == "" {
		return events
	}
	if seg.Type == SegmentThinking {
		return c.emitThinkingDelta(events, seg.Content)
	}
	return c.emitTextDelta(events, seg.Content)
}

func (c *OpenAIStreamConverter) emitTextDelta(events []string, text string) []string {
	if !c.blockStarted || c.blockType != "text" {
		events = c.closeBlock(events)
		c.blockIndex++
		events = append(events, buildContentBlockStart(c.blockIndex, "text"))
		c.blockStarted = true
		c.blockType = "text"
	}
	return append(events, buildTextDelta(c.blockIndex, text))
}

func (c *OpenAIStreamConverter) emitThinkingDelta(events []string, thinking string) []string {
	if !c.blockStarted || c.blockType != "thinking" {
		events = c.closeBlock(events)
		c.blockIndex++
		events = append(events, buildContentBlockStart(c.blockIndex, "thinking"))
		c.blockStarted = true
		c.blockType = "thinking"
	}
	return append(events, buildThinkingDelta(c.blockIndex, thinking))
}

func (c *OpenAIStreamConverter) emitToolCall(events []string, tc OpenAIToolCall) []string {
	if tc.ID != "" || tc.Function.Name != "" {
		events = c.closeBlock(events)
		c.blockIndex++
		toolUseID := tc.ID
		if toolUseID == "" {
			toolUseID = NewToolUseID()
		}
		events = append(events, buildToolUseStart(c.blockIndex, toolUseID, tc.Function.Name))
		c.blockStarted = true
		c.blockType = "tool_use"
	}
	if tc.Function.Arguments != "" && c.blockType == "tool_use" {
		events = append(events, buildToolArgsDelta(c.blockIndex, tc.Function.Arguments))
	}
	return events
}

func (c *OpenAIStreamConverter) closeBlock(events []string) []string {
	if c.blockStarted {
		events = append(events, buildContentBlockStop(c.blockIndex))
		c.blockStarted = false
	}
	return events
}

// Finish flushes pending state and closes the message. Safe to call
// once at [DONE] or at EOF; subsequent calls return nothing.
func (c *OpenAIStreamConverter) Finish() []string {
	if c.done {
		return nil
	}
	c.done = true

	var events []string
	if !c.messageStarted {
		events = append(events, buildMessageStart(c.messageID, c.model, AnthropicUsage{InputTokens: c.inputTokens}))
		c.messageStarted = true
	}

	if c.thinkingEnabled {
		for _, seg := range c.thinking.Flush() {
			events = c.emitSegment(events, seg)
		}
	}
	events = c.closeBlock(events)

	if !c.sawUsage && c.outputTokens == 0 && c.textSize > 0 {
		c.outputTokens = c.textSize / 4
		if c.outputTokens < 1 {
			c.outputTokens = 1
		}
	}

	stopReason := c.finishReason
	if stopReason == "" {
		stopReason = "end_turn"
	}
	events = append(events, buildMessageDelta(stopReason, c.outputTokens))
	events = append(events, buildMessageStop())
	return events
}
