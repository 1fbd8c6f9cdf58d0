package core

import (
	"encoding/json"
	"strings"
)

// anthropicEmitter turns normalized upstream events into Anthropic SSE
// lines, running assistant text through the thinking parser when the
// request asked for it. Events are emitted in receive order.
type anthropicEmitter struct {
	messageID string
	model     string

	thinking *ThinkingParser

	blockIndex   int
	blockStarted bool
	blockType    string

	stopReason string
	outputSize int
	usagePct   float64
	usageOut   int
	finished   bool
}

func newAnthropicEmitter(model string, thinkingEnabled bool) *anthropicEmitter {
	e := &anthropicEmitter{
		messageID:  NewMessageID(),
		model:      model,
		blockIndex: -1,
	}
	if thinkingEnabled {
		e.thinking = NewThinkingParser()
	}
	return e
}

func (e *anthropicEmitter) start(inputTokens int) string {
	return buildMessageStart(e.messageID, e.model, AnthropicUsage{InputTokens: inputTokens})
}

func (e *anthropicEmitter) contextPct() float64 {
	return e.usagePct
}

func (e *anthropicEmitter) feed(ev StreamEvent) []string {
	var lines []string

	switch ev.Kind {
	case EventContentDelta:
		e.outputSize += len(ev.Text)
		if e.thinking != nil {
			for _, seg := range e.thinking.Push(ev.Text) {
				lines = e.emitSegment(lines, seg)
			}
		} else {
			lines = e.emitText(lines, ev.Text)
		}

	case EventThinkingDelta:
		lines = e.emitThinking(lines, ev.Text)

	case EventToolUseStart:
		lines = e.closeBlock(lines)
		e.blockIndex++
		lines = append(lines, buildToolUseStart(e.blockIndex, ev.ToolID, ev.ToolName))
		e.blockStarted = true
		e.blockType = "tool_use"
		e.stopReason = "tool_use"

	case EventToolArgsDelta:
		if e.blockType == "tool_use" && e.blockStarted {
			lines = append(lines, buildToolArgsDelta(e.blockIndex, ev.JSONFragment))
		}

	case EventUsage:
		if ev.ContextPct > 0 {
			e.usagePct = ev.ContextPct
		}
		if ev.OutputTokens > 0 {
			e.usageOut = ev.OutputTokens
		}

	case EventError:
		lines = append(lines, buildErrorEvent("api_error", ev.Message))

	case EventDone:
		// Terminal bookkeeping happens in finish.
	}

	return lines
}

func (e *anthropicEmitter) emitSegment(lines []string, seg Segment) []string {
	if seg.Content == "" {
		return lines
	}
	if seg.Type == SegmentThinking {
		return e.emitThinking(lines, seg.Content)
	}
	return e.emitText(lines, seg.Content)
}

func (e *anthropicEmitter) emitText(lines []string, text string) []string {
	if !e.blockStarted || e.blockType != "text" {
		lines = e.closeBlock(lines)
		e.blockIndex++
		lines = append(lines, buildContentBlockStart(e.blockIndex, "text"))
		e.blockStarted = true
		e.blockType = "text"
	}
	return append(lines, buildTextDelta(e.blockIndex, text))
}

func (e *anthropicEmitter) emitThinking(lines []string, thinking string) []string {
	if !e.blockStarted || e.blockType != "thinking" {
		lines = e.closeBlock(lines)
		e.blockIndex++
		lines = append(lines, buildContentBlockStart(e.blockIndex, "thinking"))
		e.blockStarted = true
		e.blockType = "thinking"
	}
	return append(lines, buildThinkingDelta(e.blockIndex, thinking))
}

func (e *anthropicEmitter) closeBlock(lines []string) []string {
	if e.blockStarted {
		lines = append(lines, buildContentBlockStop(e.blockIndex))
		e.blockStarted = false
	}
	return lines
}

// finish flushes the thinking parser, closes the open block and emits
// the terminal message_delta / message_stop pair. Idempotent.
func (e *anthropicEmitter) finish() []string {
	if e.finished {
		return nil
	}
	e.finished = true

	var lines []string
	if e.thinking != nil {
		for _, seg := range e.thinking.Flush() {
			lines = e.emitSegment(lines, seg)
		}
	}
	lines = e.closeBlock(lines)

	stopReason := e.stopReason
	if stopReason == "" {
		stopReason = "end_turn"
	}

	outputTokens := e.usageOut
	if outputTokens == 0 && e.outputSize > 0 {
		outputTokens = e.outputSize / 4
		if outputTokens < 1 {
			outputTokens = 1
		}
	}

	lines = append(lines, buildMessageDelta(stopReason, outputTokens))
	lines = append(lines, buildMessageStop())
	return lines
}

// anthropicCollector folds the full stream into a non-streaming
// response body.
type anthropicCollector struct {
	messageID string
	model     string

	thinking *ThinkingParser

	textParts     []string
	thinkingParts []string
	tools         []ContentBlock
	toolArgs      map[string]*strings.Builder
	toolOrder     []string

	stopReason string
	usagePct   float64
	usageOut   int
	outputSize int
}

func newAnthropicCollector(model string, thinkingEnabled bool) *anthropicCollector {
	c := &anthropicCollector{
		messageID: NewMessageID(),
		model:     model,
		toolArgs:  map[string]*strings.Builder{},
	}
	if thinkingEnabled {
		c.thinking = NewThinkingParser()
	}
	return c
}

func (c *anthropicCollector) feed(ev StreamEvent) {
	switch ev.Kind {
	case EventContentDelta:
		c.outputSize += len(ev.Text)
		if c.thinking != nil {
			c.collectSegments(c.thinking.Push(ev.Text))
		} else {
			c.textParts = append(c.textParts, ev.Text)
		}

	case EventThinkingDelta:
		c.thinkingParts = append(c.thinkingParts, ev.Text)

	case EventToolUseStart:
		c.tools = append(c.tools, ContentBlock{Type: "tool_use", ID: ev.ToolID, Name: ev.ToolName})
		c.toolArgs[ev.ToolID] = &strings.Builder{}
		c.toolOrder = append(c.toolOrder, ev.ToolID)
		c.stopReason = "tool_use"

	case EventToolArgsDelta:
		if len(c.toolOrder) > 0 {
			c.toolArgs[c.toolOrder[len(c.toolOrder)-1]].WriteString(ev.JSONFragment)
		}

	case EventUsage:
		if ev.ContextPct > 0 {
			c.usagePct = ev.ContextPct
		}
		if ev.OutputTokens > 0 {
			c.usageOut = ev.OutputTokens
		}
	}
}

func (c *anthropicCollector) collectSegments(segments []Segment) {
	for _, seg := range segments {
		if seg.Content == "" {
			continue
		}
		if seg.Type == SegmentThinking {
			c.thinkingParts = append(c.thinkingParts, seg.Content)
		} else {
			c.textParts = append(c.textParts, seg.Content)
		}
	}
}

func (c *anthropicCollector) finish(req *AnthropicRequest) *AnthropicResponse {
	if c.thinking != nil {
		c.collectSegments(c.thinking.Flush())
	}

	var content []ContentBlock
	if thinking := strings.Join(c.thinkingParts, ""); thinking != "" {
		content = append(content, ContentBlock{Type: "thinking", Thinking: thinking})
	}
	if text := strings.Join(c.textParts, ""); text != "" {
		content = append(content, ContentBlock{Type: "text", Text: text})
	}
	for _, tool := range c.tools {
		input := map[string]any{}
		if builder, ok := c.toolArgs[tool.ID]; ok && builder.Len() > 0 {
			_ = json.Unmarshal([]byte(builder.String()), &input)
		}
		tool.Input = input
		content = append(content, tool)
	}

	stopReason := c.stopReason
	if stopReason == "" {
		stopReason = "end_turn"
	}

	inputTokens := EstimateInputTokens(req)
	outputTokens := c.usageOut
	if outputTokens == 0 && c.outputSize > 0 {
		outputTokens = c.outputSize / 4
		if outputTokens < 1 {
			outputTokens = 1
		}
	}
	if c.usagePct > 0 {
		inputTokens = int(c.usagePct*kiroMaxContextTokens/100 + 0.5)
	}

	return &AnthropicResponse{
		ID:         c.messageID,
		Type:       "message",
		Role:       "assistant",
		Content:    content,
		Model:      c.model,
		StopReason: stopReason,
		Usage: AnthropicUsage{
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
		},
	}
}
