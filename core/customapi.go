package core

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// maxRetryAfter caps how long a 429 Retry-After is honoured.
const maxRetryAfter = 5 * time.Second

// CustomDispatcher sends requests to third-party endpoints in their
// native dialect and normalizes responses back to Anthropic SSE.
type CustomDispatcher struct {
	repo       Repository
	httpClient *http.Client
}

func NewCustomDispatcher(repo Repository, httpClient *http.Client) *CustomDispatcher {
	return &CustomDispatcher{repo: repo, httpClient: httpClient}
}

// Stream dispatches one request through the account and emits Anthropic
// SSE lines. Upstream failures after retries surface as *UpstreamError
// so the orchestrator can map them to a 502.
func (d *CustomDispatcher) Stream(ctx context.Context, account *CustomAccount, req *AnthropicRequest, rawBody []byte, emit func(string)) error {
	apiKey, err := d.repo.GetCustomAccountKey(ctx, account.ID)
	if err != nil {
		return fmt.Errorf("loading api key for account %d: %w", account.ID, err)
	}

	log.Infof("custom: dispatching to account %d (format %s, provider %s)", account.ID, account.Format, account.Provider)

	if account.Format == FormatClaude {
		return d.streamClaude(ctx, account, apiKey, rawBody, emit)
	}
	return d.streamOpenAI(ctx, account, apiKey, req, emit)
}

// streamOpenAI translates the request, posts to /chat/completions and
// converts the SSE stream back.
func (d *CustomDispatcher) streamOpenAI(ctx context.Context, account *CustomAccount, apiKey string, req *AnthropicRequest, emit func(string)) error {
	model := req.Model
	if account.Model != "" && !strings.Contains(account.Model, ",") {
		model = strings.TrimSpace(account.Model)
	}

	openaiReq, thinkingEnabled := ConvertAnthropicToOpenAIRequest(req, model)
	openaiReq.Stream = true

	body, err := json.Marshal(openaiReq)
	if err != nil {
		return err
	}

	base := strings.TrimRight(account.APIBase, "/")
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	url := base + "/chat/completions"

	resp, err := d.post(ctx, url, body, map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer " + apiKey,
	})
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		return d.upstreamFailure(resp)
	}
	defer resp.Body.Close()

	converter := NewOpenAIStreamConverter(req.Model, EstimateInputTokens(req), thinkingEnabled)
	return converter.Run(resp.Body, emit)
}

// streamClaude passes the Anthropic request through (after an Azure
// scrub when the provider calls for it) and forwards the SSE with only
// framing fixups.
func (d *CustomDispatcher) streamClaude(ctx context.Context, account *CustomAccount, apiKey string, rawBody []byte, emit func(string)) error {
	if account.Provider == "azure" {
		rawBody = ScrubForAzure(rawBody)
	}

	url := strings.TrimRight(account.APIBase, "/") + "/v1/messages"

	resp, err := d.post(ctx, url, rawBody, map[string]string{
		"Content-Type":      "application/json",
		"x-api-key":         apiKey,
		"anthropic-version": "2023-06-01",
	})
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		return d.upstreamFailure(resp)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	scanner.Split(splitSSEEvents)

	for scanner.Scan() {
		event := strings.TrimSpace(scanner.Text())
		if event == "" {
			continue
		}
		emit(event + "\n\n")
	}
	return scanner.Err()
}

// post issues the request, retrying once on 429 while honouring a
// capped Retry-After.
func (d *CustomDispatcher) post(ctx context.Context, url string, body []byte, headers map[string]string) (*http.Response, error) {
	send := func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := d.httpClient.Do(req)
		if err != nil {
			return nil, &UpstreamError{Message: err.Error()}
		}
		return resp, nil
	}

	resp, err := send()
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusTooManyRequests {
		return resp, nil
	}

	delay := retryAfterDelay(resp.Header.Get("Retry-After"))
	resp.Body.Close()
	log.Warnf("custom: 429 from %s, retrying once after %s", url, delay)

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return send()
}

func retryAfterDelay(header string) time.Duration {
	if header != "" {
		if seconds, err := strconv.ParseFloat(header, 64); err == nil && seconds > 0 {
			d := time.Duration(seconds * float64(time.Second))
			if d > maxRetryAfter {
				return maxRetryAfter
			}
			return d
		}
	}
	return maxRetryAfter
}

// upstreamFailure reads the error body and returns the UpstreamError
// the orchestrator maps to a 502 with a synthetic Anthropic error event.
func (d *CustomDispatcher) upstreamFailure(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	resp.Body.Close()

	log.Errorf("custom: upstream returned %d: %s", resp.StatusCode, body)

	openaiErr := DecodeOpenAIError(body, resp.StatusCode)
	return &UpstreamError{HTTPStatus: resp.StatusCode, Message: openaiErr.Message}
}

// splitSSEEvents is a bufio.SplitFunc yielding one blank-line-delimited
// SSE event per token.
func splitSSEEvents(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		return i + 2, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
