package core

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Gateway is the per-request glue: allocate a credential, dispatch in
// the right dialect, convert the stream, and settle counters exactly
// once per outcome.
type Gateway struct {
	repo      Repository
	allocator *Allocator
	cache     *AuthCache
	kiro      *KiroClient
	custom    *CustomDispatcher
}

func NewGateway(repo Repository, allocator *Allocator, cache *AuthCache, kiro *KiroClient, custom *CustomDispatcher) *Gateway {
	return &Gateway{
		repo:      repo,
		allocator: allocator,
		cache:     cache,
		kiro:      kiro,
		custom:    custom,
	}
}

// allocationAttempts bounds the allocate→dispatch loop: the initial try
// plus one re-allocation after an invalid credential or retryable fault.
const allocationAttempts = 2

// ProcessStream handles one streaming request. Events go out through
// emit; an error return means nothing was emitted and the caller still
// controls the HTTP status, except for the context's own error, which
// is returned even after events went out.
func (g *Gateway) ProcessStream(ctx context.Context, userID int64, req *AnthropicRequest, rawBody []byte, buffered bool, emit func(string)) error {
	var lastErr error

	for attempt := 0; attempt < allocationAttempts; attempt++ {
		alloc, err := g.allocator.GetBestToken(ctx, userID, req.Model)
		if err != nil {
			return err
		}

		emitted := false
		wrapped := func(line string) {
			emitted = true
			emit(line)
		}

		if alloc.Kind == KindKiro {
			if buffered {
				err = g.kiro.BufferedMessages(ctx, alloc.Manager, req, wrapped)
			} else {
				err = g.kiro.StreamMessages(ctx, alloc.Manager, req, wrapped)
			}
		} else {
			err = g.custom.Stream(ctx, alloc.Account, req, rawBody, wrapped)
		}

		if err == nil {
			g.settle(alloc, true)
			return nil
		}

		g.settle(alloc, false)
		lastErr = err

		if ctx.Err() != nil {
			// Client went away; the fail outcome is already recorded.
			return ctx.Err()
		}
		if emitted {
			// The client already saw events; surface the failure on the
			// open stream rather than retrying into a corrupt sequence.
			emit(buildErrorEvent("api_error", err.Error()))
			emit(buildMessageStop())
			return nil
		}
		if !g.recoverable(ctx, alloc, err) {
			return err
		}
		log.Warnf("gateway: attempt %d failed (%v), re-allocating", attempt+1, err)
	}

	return lastErr
}

// ProcessCollect handles one non-streaming request.
func (g *Gateway) ProcessCollect(ctx context.Context, userID int64, req *AnthropicRequest, rawBody []byte) (*AnthropicResponse, error) {
	var lastErr error

	for attempt := 0; attempt < allocationAttempts; attempt++ {
		alloc, err := g.allocator.GetBestToken(ctx, userID, req.Model)
		if err != nil {
			return nil, err
		}

		var resp *AnthropicResponse
		if alloc.Kind == KindKiro {
			resp, err = g.kiro.Collect(ctx, alloc.Manager, req)
		} else {
			resp, err = g.collectCustom(ctx, alloc.Account, req, rawBody)
		}

		if err == nil {
			g.settle(alloc, true)
			return resp, nil
		}

		g.settle(alloc, false)
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !g.recoverable(ctx, alloc, err) {
			return nil, err
		}
		log.Warnf("gateway: attempt %d failed (%v), re-allocating", attempt+1, err)
	}

	return nil, lastErr
}

// CountTokens resolves the input token figure for a request.
func (g *Gateway) CountTokens(ctx context.Context, userID int64, req *AnthropicRequest) (int, error) {
	alloc, err := g.allocator.GetBestToken(ctx, userID, req.Model)
	if err != nil {
		return 0, err
	}

	if alloc.Kind == KindKiro {
		n, err := g.kiro.CountTokens(ctx, alloc.Manager, req)
		if err != nil {
			log.Warnf("gateway: count_tokens probe failed (%v), using estimate", err)
			return EstimateInputTokens(req), nil
		}
		return n, nil
	}
	return EstimateInputTokens(req), nil
}

// collectCustom drives the streaming dispatcher and reassembles the
// emitted SSE into a single response body.
func (g *Gateway) collectCustom(ctx context.Context, account *CustomAccount, req *AnthropicRequest, rawBody []byte) (*AnthropicResponse, error) {
	var lines []string
	err := g.custom.Stream(ctx, account, req, rawBody, func(line string) {
		lines = append(lines, line)
	})
	if err != nil {
		return nil, err
	}
	return assembleAnthropicResponse(lines, req.Model), nil
}

// settle records the request outcome on the chosen credential. Counter
// writes go through the store so restarts preserve them.
func (g *Gateway) settle(alloc *Allocation, success bool) {
	if alloc.ID() == 0 {
		// The env fallback identity has no backing row.
		return
	}
	ctx := context.Background()
	var err error
	if success {
		err = g.repo.IncrementSuccess(ctx, alloc.Kind, alloc.ID())
	} else {
		err = g.repo.IncrementFail(ctx, alloc.Kind, alloc.ID())
	}
	if err != nil {
		log.Errorf("gateway: failed to record %s outcome for %s %d: %v",
			outcomeName(success), alloc.Kind, alloc.ID(), err)
	}
}

func outcomeName(success bool) string {
	if success {
		return "success"
	}
	return "fail"
}

// recoverable marks a failed kiro credential invalid when the auth
// layer rejected it outright, and reports whether another allocation is
// worth trying.
func (g *Gateway) recoverable(ctx context.Context, alloc *Allocation, err error) bool {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		if authErr.Class != AuthClassTransient && alloc.Kind == KindKiro && alloc.Token.ID != 0 {
			if setErr := g.repo.SetTokenStatus(ctx, alloc.Token.ID, TokenStatusInvalid); setErr != nil {
				log.Errorf("gateway: failed to mark token %d invalid: %v", alloc.Token.ID, setErr)
			}
			g.cache.Remove(alloc.Token.TokenHash)
			log.Warnf("gateway: token %d marked invalid (%s)", alloc.Token.ID, authErr.Class)
		}
		return true
	}
	if errors.Is(err, ErrFirstTokenTimeout) {
		return true
	}
	return false
}

// assembleAnthropicResponse folds emitted SSE lines back into one
// message body for non-streaming clients.
func assembleAnthropicResponse(lines []string, model string) *AnthropicResponse {
	resp := &AnthropicResponse{
		ID:         NewMessageID(),
		Type:       "message",
		Role:       "assistant",
		Model:      model,
		StopReason: "end_turn",
	}

	var textParts, thinkingParts []string
	var blocks []ContentBlock
	toolArgs := map[int]*strings.Builder{}
	toolIndex := map[int]int{}

	for _, raw := range lines {
		data := ssePayload(raw)
		if data == "" {
			continue
		}
		var event map[string]any
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}

		switch event["type"] {
		case "message_start":
			if msg, ok := event["message"].(map[string]any); ok {
				if id, ok := msg["id"].(string); ok && id != "" {
					resp.ID = id
				}
				if usage, ok := msg["usage"].(map[string]any); ok {
					if v, ok := usage["input_tokens"].(float64); ok {
						resp.Usage.InputTokens = int(v)
					}
				}
			}

		case "content_block_start":
			block, _ := event["content_block"].(map[string]any)
			index := int(asFloat(event["index"]))
			if block != nil && block["type"] == "tool_use" {
				id, _ := block["id"].(string)
				name, _ := block["name"].(string)
				blocks = append(blocks, ContentBlock{Type: "tool_use", ID: id, Name: name})
				toolIndex[index] = len(blocks) - 1
				toolArgs[index] = &strings.Builder{}
			}

		case "content_block_delta":
			delta, _ := event["delta"].(map[string]any)
			if delta == nil {
				continue
			}
			index := int(asFloat(event["index"]))
			switch delta["type"] {
			case "text_delta":
				if text, ok := delta["text"].(string); ok {
					textParts = append(textParts, text)
				}
			case "thinking_delta":
				if text, ok := delta["thinking"].(string); ok {
					thinkingParts = append(thinkingParts, text)
				}
			case "input_json_delta":
				if fragment, ok := delta["partial_json"].(string); ok {
					if builder, ok := toolArgs[index]; ok {
						builder.WriteString(fragment)
					}
				}
			}

		case "message_delta":
			if delta, ok := event["delta"].(map[string]any); ok {
				if reason, ok := delta["stop_reason"].(string); ok && reason != "" {
					resp.StopReason = reason
				}
			}
			if usage, ok := event["usage"].(map[string]any); ok {
				if v, ok := usage["output_tokens"].(float64); ok {
					resp.Usage.OutputTokens = int(v)
				}
			}
		}
	}

	var content []ContentBlock
	if thinking := strings.Join(thinkingParts, ""); thinking != "" {
		content = append(content, ContentBlock{Type: "thinking", Thinking: thinking})
	}
	if text := strings.Join(textParts, ""); text != "" {
		content = append(content, ContentBlock{Type: "text", Text: text})
	}
	for index, pos := range toolIndex {
		input := map[string]any{}
		if builder := toolArgs[index]; builder != nil && builder.Len() > 0 {
			_ = json.Unmarshal([]byte(builder.String()), &input)
		}
		blocks[pos].Input = input
	}
	content = append(content, blocks...)
	resp.Content = content
	return resp
}

func ssePayload(raw string) string {
	for _, line := range strings.Split(raw, "\n") {
		if strings.HasPrefix(line, "data:") {
			return strings.TrimSpace(line[len("data:"):])
		}
	}
	return ""
}

func asFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}
