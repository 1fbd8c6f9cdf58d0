package core

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	// AWS event stream framing: prelude (12 bytes) + headers + payload +
	// message CRC (4 bytes). The CRC values are read and skipped.
	minEventStreamFrame = 16
	maxEventStreamFrame = 10 << 20

	kiroUserAgent = "aws-sdk-rust/1.3.9 os/macos lang/rust/1.87.0"

	// kiroMaxContextTokens is the model context window used to derive
	// input_tokens from a contextUsageEvent percentage.
	kiroMaxContextTokens = 200000

	maxConsecutiveReadTimeouts = 3
)

// bufferedPingInterval keeps intermediaries from dropping the
// connection while buffered mode withholds events.
var bufferedPingInterval = 25 * time.Second

// KiroClient issues upstream Kiro requests and converts the event
// stream into Anthropic SSE.
type KiroClient struct {
	httpClient        *http.Client
	firstTokenTimeout time.Duration
	streamReadTimeout time.Duration

	// endpointOverride replaces the region-derived upstream URL; used by
	// tests and alternative deployments.
	endpointOverride string
}

func NewKiroClient(httpClient *http.Client, firstTokenTimeout, streamReadTimeout time.Duration) *KiroClient {
	return &KiroClient{
		httpClient:        httpClient,
		firstTokenTimeout: firstTokenTimeout,
		streamReadTimeout: streamReadTimeout,
	}
}

// SetEndpointOverride points the client at a fixed upstream URL instead
// of the region-derived one.
func (c *KiroClient) SetEndpointOverride(url string) {
	c.endpointOverride = url
}

func (c *KiroClient) endpoint(region string) string {
	if c.endpointOverride != "" {
		return c.endpointOverride
	}
	return fmt.Sprintf("https://q.%s.amazonaws.com/generateAssistantResponse", region)
}

// open sends the upstream request and returns the live response body
// plus whether thinking parsing should run.
func (c *KiroClient) open(ctx context.Context, manager *AuthManager, req *AnthropicRequest) (*http.Response, bool, error) {
	accessToken, err := manager.GetAccessToken(ctx)
	if err != nil {
		return nil, false, err
	}

	openaiReq, thinkingEnabled := ConvertAnthropicToOpenAIRequest(req, req.Model)
	payload, err := BuildKiroPayload(openaiReq, uuid.NewString(), manager.ProfileArn())
	if err != nil {
		return nil, false, &ValidationError{Field: "messages", Message: err.Error()}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, false, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(manager.Region()), bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "*/*")
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	httpReq.Header.Set("User-Agent", kiroUserAgent)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, false, &UpstreamError{Message: err.Error()}
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, false, &AuthError{
				Class:      AuthClassExpired,
				HTTPStatus: resp.StatusCode,
				Message:    string(respBody),
			}
		}
		return nil, false, &UpstreamError{HTTPStatus: resp.StatusCode, Message: string(respBody)}
	}

	return resp, thinkingEnabled, nil
}

// frameResult is one parsed upstream frame or a terminal error.
type frameResult struct {
	events []StreamEvent
	err    error
}

// eventPump reads frames on its own goroutine so the consumer can apply
// first-token and inter-frame timeouts.
type eventPump struct {
	frames chan frameResult
	body   io.ReadCloser
	done   chan struct{}
}

func (c *KiroClient) newEventPump(body io.ReadCloser) *eventPump {
	pump := &eventPump{
		frames: make(chan frameResult, 16),
		body:   body,
		done:   make(chan struct{}),
	}

	send := func(frame frameResult) bool {
		select {
		case pump.frames <- frame:
			return true
		case <-pump.done:
			return false
		}
	}

	go func() {
		defer close(pump.frames)
		reader := newEventStreamReader(body)
		normalizer := newKiroEventNormalizer()

		for {
			eventType, payload, err := reader.ReadMessage()
			if err == io.EOF {
				return
			}
			if err != nil {
				send(frameResult{err: err})
				return
			}
			events, err := normalizer.normalize(eventType, payload)
			if err != nil {
				// Malformed single frames are logged and skipped.
				log.Warnf("kiro: skipping unparsable frame (%s): %v", eventType, err)
				continue
			}
			if len(events) > 0 && !send(frameResult{events: events}) {
				return
			}
		}
	}()

	return pump
}

// Close releases the reader goroutine and the upstream body.
func (p *eventPump) Close() {
	close(p.done)
	p.body.Close()
}

// next waits for the next frame with a timeout. first selects the
// stricter first-token deadline semantics.
func (c *KiroClient) next(ctx context.Context, pump *eventPump, first bool) ([]StreamEvent, error) {
	timeout := c.streamReadTimeout
	if first {
		timeout = c.firstTokenTimeout
	}

	timeouts := 0
	for {
		timer := time.NewTimer(timeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case frame, ok := <-pump.frames:
			timer.Stop()
			if !ok {
				return nil, io.EOF
			}
			return frame.events, frame.err
		case <-timer.C:
			if first {
				return nil, ErrFirstTokenTimeout
			}
			timeouts++
			if timeouts > maxConsecutiveReadTimeouts {
				return nil, ErrStreamReadTimeout
			}
			log.Warnf("kiro: stream read timeout %d/%d after %s, still waiting", timeouts, maxConsecutiveReadTimeouts, timeout)
		}
	}
}

// StreamMessages streams one request as Anthropic SSE through emit.
// The upstream connection is established and the first frame awaited
// before anything is emitted, so a first-token timeout surfaces as a
// retryable error rather than a broken client stream.
func (c *KiroClient) StreamMessages(ctx context.Context, manager *AuthManager, req *AnthropicRequest, emit func(string)) error {
	resp, thinkingEnabled, err := c.open(ctx, manager, req)
	if err != nil {
		return err
	}
	pump := c.newEventPump(resp.Body)
	defer pump.Close()

	firstEvents, err := c.next(ctx, pump, true)
	if err != nil && err != io.EOF {
		return err
	}

	emitter := newAnthropicEmitter(req.Model, thinkingEnabled)
	emit(emitter.start(EstimateInputTokens(req)))

	events := firstEvents
	for {
		for _, ev := range events {
			for _, line := range emitter.feed(ev) {
				emit(line)
			}
		}
		if err == io.EOF {
			break
		}
		events, err = c.next(ctx, pump, false)
		if err != nil && err != io.EOF {
			if err == ErrStreamReadTimeout || ctx.Err() != nil {
				return err
			}
			log.Errorf("kiro: stream aborted: %v", err)
			emit(buildErrorEvent("api_error", err.Error()))
			emit(buildMessageStop())
			return nil
		}
	}

	for _, line := range emitter.finish() {
		emit(line)
	}
	return nil
}

// BufferedMessages consumes the whole upstream stream before replying:
// events are captured in receive order, the terminal contextUsageEvent
// fixes message_start's input_tokens, and a ": ping" comment line goes
// out every 25 seconds while buffering.
func (c *KiroClient) BufferedMessages(ctx context.Context, manager *AuthManager, req *AnthropicRequest, emit func(string)) error {
	resp, thinkingEnabled, err := c.open(ctx, manager, req)
	if err != nil {
		return err
	}
	pump := c.newEventPump(resp.Body)
	defer pump.Close()

	emitter := newAnthropicEmitter(req.Model, thinkingEnabled)

	type outcome struct {
		buffer []string
		err    error
	}
	result := make(chan outcome, 1)

	go func() {
		var buffer []string
		first := true
		for {
			events, err := c.next(ctx, pump, first)
			first = false
			if err == io.EOF {
				break
			}
			if err != nil {
				result <- outcome{buffer: buffer, err: err}
				return
			}
			for _, ev := range events {
				buffer = append(buffer, emitter.feed(ev)...)
			}
		}
		buffer = append(buffer, emitter.finish()...)
		result <- outcome{buffer: buffer}
	}()

	ticker := time.NewTicker(bufferedPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			emit(": ping\n\n")
		case out := <-result:
			if out.err != nil {
				return out.err
			}

			inputTokens := EstimateInputTokens(req)
			source := "estimate"
			if pct := emitter.contextPct(); pct > 0 {
				inputTokens = int(pct*kiroMaxContextTokens/100 + 0.5)
				source = "contextUsageEvent"
			}
			log.Infof("kiro: buffered replay, input_tokens=%d (%s), %d events", inputTokens, source, len(out.buffer))

			emit(buildMessageStart(emitter.messageID, req.Model, AnthropicUsage{InputTokens: inputTokens}))
			for _, line := range out.buffer {
				emit(line)
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Collect consumes the stream into a single non-streaming response.
func (c *KiroClient) Collect(ctx context.Context, manager *AuthManager, req *AnthropicRequest) (*AnthropicResponse, error) {
	resp, thinkingEnabled, err := c.open(ctx, manager, req)
	if err != nil {
		return nil, err
	}
	pump := c.newEventPump(resp.Body)
	defer pump.Close()

	collector := newAnthropicCollector(req.Model, thinkingEnabled)

	first := true
	for {
		events, err := c.next(ctx, pump, first)
		first = false
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			collector.feed(ev)
		}
	}

	return collector.finish(req), nil
}

// CountTokens probes the upstream for the request's usage event and
// returns the derived input token count, falling back to the local
// estimate when no contextUsageEvent arrives.
func (c *KiroClient) CountTokens(ctx context.Context, manager *AuthManager, req *AnthropicRequest) (int, error) {
	probeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	probe := *req
	probe.Stream = false
	probe.MaxTokens = 1

	resp, _, err := c.open(probeCtx, manager, &probe)
	if err != nil {
		return 0, err
	}
	pump := c.newEventPump(resp.Body)
	defer pump.Close()

	first := true
	for {
		events, err := c.next(probeCtx, pump, first)
		first = false
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		for _, ev := range events {
			if ev.Kind == EventUsage && ev.ContextPct > 0 {
				return int(ev.ContextPct*kiroMaxContextTokens/100 + 0.5), nil
			}
		}
	}

	return EstimateInputTokens(req), nil
}

// eventStreamReader parses the AWS event-stream binary framing.
type eventStreamReader struct {
	reader *bufio.Reader
}

func newEventStreamReader(body io.Reader) *eventStreamReader {
	return &eventStreamReader{reader: bufio.NewReader(body)}
}

// ReadMessage reads one frame and returns its event type plus JSON
// payload. io.EOF marks a clean end of stream.
func (r *eventStreamReader) ReadMessage() (string, []byte, error) {
	prelude := make([]byte, 12)
	if _, err := io.ReadFull(r.reader, prelude); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return "", nil, io.EOF
		}
		return "", nil, fmt.Errorf("reading frame prelude: %w", err)
	}

	totalLength := binary.BigEndian.Uint32(prelude[0:4])
	headersLength := binary.BigEndian.Uint32(prelude[4:8])

	if totalLength < minEventStreamFrame {
		return "", nil, fmt.Errorf("frame too small: %d bytes", totalLength)
	}
	if totalLength > maxEventStreamFrame {
		return "", nil, fmt.Errorf("frame too large: %d bytes", totalLength)
	}
	if headersLength > totalLength-16 {
		return "", nil, fmt.Errorf("headers length %d exceeds frame bounds (total %d)", headersLength, totalLength)
	}

	remaining := make([]byte, totalLength-12)
	if _, err := io.ReadFull(r.reader, remaining); err != nil {
		return "", nil, fmt.Errorf("reading frame body: %w", err)
	}

	eventType := extractEventType(remaining[:headersLength])
	// Payload sits between headers and the trailing message CRC.
	payload := remaining[headersLength : len(remaining)-4]
	return eventType, payload, nil
}

// extractEventType walks the frame headers for the :event-type value.
func extractEventType(headers []byte) string {
	pos := 0
	for pos < len(headers) {
		if pos+1 > len(headers) {
			break
		}
		nameLen := int(headers[pos])
		pos++
		if pos+nameLen > len(headers) {
			break
		}
		name := string(headers[pos : pos+nameLen])
		pos += nameLen

		if pos >= len(headers) {
			break
		}
		valueType := headers[pos]
		pos++

		switch valueType {
		case 0, 1: // bool true / false, no value bytes
		case 2:
			pos++
		case 3:
			pos += 2
		case 4:
			pos += 4
		case 5, 8:
			pos += 8
		case 6, 7: // byte array / string, 2-byte length prefix
			if pos+2 > len(headers) {
				return ""
			}
			valueLen := int(binary.BigEndian.Uint16(headers[pos : pos+2]))
			pos += 2
			if pos+valueLen > len(headers) {
				return ""
			}
			if name == ":event-type" && valueType == 7 {
				return string(headers[pos : pos+valueLen])
			}
			pos += valueLen
		case 9:
			pos += 16
		default:
			return ""
		}
	}
	return ""
}

// kiroEventNormalizer folds raw frame payloads into the internal
// StreamEvent union, tracking tool-use block boundaries.
type kiroEventNormalizer struct {
	currentToolID string
	toolOpen      bool
}

func newKiroEventNormalizer() *kiroEventNormalizer {
	return &kiroEventNormalizer{}
}

func (n *kiroEventNormalizer) normalize(eventType string, payload []byte) ([]StreamEvent, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(payload) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	root := gjson.ParseBytes(payload)

	if eventType == "" {
		// Fall back to the payload's own discriminator keys.
		switch {
		case root.Get("assistantResponseEvent").Exists():
			eventType = "assistantResponseEvent"
		case root.Get("toolUseEvent").Exists():
			eventType = "toolUseEvent"
		case root.Get("contextUsageEvent").Exists():
			eventType = "contextUsageEvent"
		case root.Get("content").Exists():
			eventType = "assistantResponseEvent"
		}
	}

	switch eventType {
	case "assistantResponseEvent":
		content := root.Get("assistantResponseEvent.content")
		if !content.Exists() {
			content = root.Get("content")
		}
		if content.String() == "" {
			return nil, nil
		}
		return []StreamEvent{{Kind: EventContentDelta, Text: content.String()}}, nil

	case "toolUseEvent":
		ev := root.Get("toolUseEvent")
		if !ev.Exists() {
			ev = root
		}
		return n.normalizeToolUse(ev), nil

	case "contextUsageEvent":
		pct := root.Get("contextUsageEvent.contextUsagePercentage")
		if !pct.Exists() {
			pct = root.Get("contextUsagePercentage")
		}
		return []StreamEvent{{Kind: EventUsage, ContextPct: pct.Float()}}, nil

	case "messageMetadataEvent", "usageEvent":
		return []StreamEvent{{
			Kind:         EventUsage,
			InputTokens:  int(root.Get("*.inputTokens").Int()),
			OutputTokens: int(root.Get("*.outputTokens").Int()),
			ContextPct:   root.Get("*.contextUsagePercentage").Float(),
		}}, nil

	case "messageStopEvent":
		return []StreamEvent{{Kind: EventDone}}, nil

	case "meteringEvent":
		log.Debugf("kiro: metering event: %s", payload)
		return nil, nil

	case "error", "exception", "internalServerException":
		message := root.Get("message").String()
		if message == "" {
			message = string(payload)
		}
		return []StreamEvent{{Kind: EventError, Code: eventType, Message: message}}, nil

	default:
		if pct := root.Get("contextUsagePercentage"); pct.Exists() {
			return []StreamEvent{{Kind: EventUsage, ContextPct: pct.Float()}}, nil
		}
		log.Debugf("kiro: ignoring unknown event type %q", eventType)
		return nil, nil
	}
}

func (n *kiroEventNormalizer) normalizeToolUse(ev gjson.Result) []StreamEvent {
	var events []StreamEvent

	toolID := ev.Get("toolUseId").String()
	name := ev.Get("name").String()

	if toolID != "" && toolID != n.currentToolID {
		n.currentToolID = toolID
		n.toolOpen = true
		events = append(events, StreamEvent{Kind: EventToolUseStart, ToolID: toolID, ToolName: name})
	}
	if input := ev.Get("input").String(); input != "" && n.toolOpen {
		events = append(events, StreamEvent{Kind: EventToolArgsDelta, JSONFragment: input})
	}
	if ev.Get("stop").Bool() {
		n.toolOpen = false
		n.currentToolID = ""
	}
	return events
}
