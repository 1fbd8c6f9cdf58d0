package core_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"kirogate/core"
	"kirogate/core/providers"
	"kirogate/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gatewayEncryptKey = "0123456789abcdef0123456789abcdef"

type testStack struct {
	repo   *storage.MockRepository
	mux    *http.ServeMux
	kiro   *core.KiroClient
	apiKey string
	jwt    string
	userID int64
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	cfg := &core.Config{
		Environment:          "development",
		TokenEncryptKey:      gatewayEncryptKey,
		JWTSecret:            "test-secret",
		AccessTokenDuration:  1800,
		RefreshTokenDuration: 86400,
		Region:               core.DefaultRegion,
	}

	crypto, err := core.NewCryptoService(cfg.TokenEncryptKey)
	require.NoError(t, err)

	repo := storage.NewMockRepository()

	cache := core.NewAuthCache(func(creds *core.TokenCredentials) *core.AuthManager {
		return core.NewAuthManager(creds, "", providers.NewMockProvider("at-stack"))
	})

	kiro := core.NewKiroClient(http.DefaultClient, 2*time.Second, 2*time.Second)
	dispatcher := core.NewCustomDispatcher(repo, http.DefaultClient)
	allocator := core.NewAllocator(repo, cache)
	gateway := core.NewGateway(repo, allocator, cache, kiro, dispatcher)
	authService := core.NewAuthService(repo, cfg, crypto)
	server := core.NewServer(authService, gateway, repo, cache, cfg)

	mux := http.NewServeMux()
	server.RegisterRoutes(mux)

	stack := &testStack{repo: repo, mux: mux, kiro: kiro}

	// Register a user and capture both credentials.
	reg := stack.do(t, "POST", "/auth/register", map[string]string{
		"email":    "owner@example.com",
		"password": "password123",
	}, nil)
	require.Equal(t, http.StatusCreated, reg.Code, reg.Body.String())

	var regResp core.RegisterResponse
	require.NoError(t, json.NewDecoder(reg.Body).Decode(&regResp))
	stack.apiKey = regResp.APIKey
	stack.userID = regResp.UserID

	login := stack.do(t, "POST", "/auth/login", map[string]string{
		"email":    "owner@example.com",
		"password": "password123",
	}, nil)
	require.Equal(t, http.StatusOK, login.Code)

	var loginResp core.LoginResponse
	require.NoError(t, json.NewDecoder(login.Body).Decode(&loginResp))
	stack.jwt = loginResp.AccessToken

	return stack
}

func (s *testStack) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	case []byte:
		reader = bytes.NewReader(v)
	default:
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)
	return w
}

func (s *testStack) userHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + s.jwt}
}

func (s *testStack) clientHeaders() map[string]string {
	return map[string]string{"x-api-key": s.apiKey}
}

// Event-stream frame building for the fake Kiro upstream.

func frame(eventType string, payload []byte) []byte {
	var headers bytes.Buffer
	name := []byte(":event-type")
	headers.WriteByte(byte(len(name)))
	headers.Write(name)
	headers.WriteByte(7)
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(eventType)))
	headers.Write(l[:])
	headers.WriteString(eventType)

	total := 12 + headers.Len() + len(payload) + 4
	var out bytes.Buffer
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(total))
	out.Write(u32[:])
	binary.BigEndian.PutUint32(u32[:], uint32(headers.Len()))
	out.Write(u32[:])
	out.Write([]byte{0, 0, 0, 0})
	out.Write(headers.Bytes())
	out.Write(payload)
	out.Write([]byte{0, 0, 0, 0})
	return out.Bytes()
}

func textFrame(text string) []byte {
	payload, _ := json.Marshal(map[string]any{"assistantResponseEvent": map[string]any{"content": text}})
	return frame("assistantResponseEvent", payload)
}

func fakeKiroUpstream(frames ...[]byte) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, f := range frames {
			w.Write(f)
		}
	}))
}

func sseEventTypes(t *testing.T, body string) []string {
	t.Helper()
	var types []string
	for _, block := range strings.Split(body, "\n\n") {
		for _, line := range strings.Split(block, "\n") {
			if strings.HasPrefix(line, "event: ") {
				types = append(types, strings.TrimPrefix(line, "event: "))
			}
		}
	}
	return types
}

func (s *testStack) addKiroToken(t *testing.T, opus bool) int64 {
	t.Helper()
	resp := s.do(t, "POST", "/user/api/tokens", map[string]any{
		"refresh_token": fmt.Sprintf("rt-%v-%d", opus, time.Now().UnixNano()),
		"auth_type":     "social",
		"region":        "us-east-1",
		"opus_enabled":  opus,
	}, s.userHeaders())
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return int64(out["id"].(float64))
}

// S1: one active social token, claude-sonnet-4, upstream streams
// "Hello"; client receives the full lifecycle and success_count
// becomes 1.
func TestScenario_KiroStream(t *testing.T) {
	stack := newTestStack(t)

	upstream := fakeKiroUpstream(textFrame("Hello"))
	defer upstream.Close()
	stack.kiro.SetEndpointOverride(upstream.URL)

	tokenID := stack.addKiroToken(t, false)

	resp := stack.do(t, "POST", "/v1/messages", map[string]any{
		"model":      "claude-sonnet-4",
		"max_tokens": 100,
		"stream":     true,
		"thinking":   map[string]any{"type": "disabled"},
		"messages":   []map[string]any{{"role": "user", "content": "Hi"}},
	}, stack.clientHeaders())

	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(t, "text/event-stream", resp.Header().Get("Content-Type"))

	types := sseEventTypes(t, resp.Body.String())
	assert.Equal(t, []string{
		"message_start",
		"content_block_start", "content_block_delta", "content_block_stop",
		"message_delta", "message_stop",
	}, types)
	assert.Contains(t, resp.Body.String(), `"text":"Hello"`)

	token, err := stack.repo.GetKiroToken(context.Background(), tokenID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), token.SuccessCount)
	assert.Equal(t, int64(0), token.FailCount)
}

// S2: Pro+ model with no Pro+ kiro token but a model-bound openai
// account; the dispatcher path serves the request.
func TestScenario_ProPlusCustomFallthrough(t *testing.T) {
	stack := newTestStack(t)
	stack.addKiroToken(t, false)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\",\"content\":\"hi\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	created := stack.do(t, "POST", "/user/api/custom-apis", map[string]any{
		"api_base": upstream.URL,
		"api_key":  "sk-bound",
		"format":   "openai",
		"model":    "claude-opus-4-6",
	}, stack.userHeaders())
	require.Equal(t, http.StatusCreated, created.Code)

	resp := stack.do(t, "POST", "/v1/messages", map[string]any{
		"model":      "claude-opus-4-6",
		"max_tokens": 50,
		"stream":     true,
		"messages":   []map[string]any{{"role": "user", "content": "hello"}},
	}, stack.clientHeaders())

	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	types := sseEventTypes(t, resp.Body.String())
	assert.Equal(t, "message_start", types[0])
	assert.Equal(t, "message_stop", types[len(types)-1])
	assert.Contains(t, resp.Body.String(), `"text":"hi"`)
}

// S5: an invalid api_base is rejected with 422 and the row is
// untouched.
func TestScenario_InvalidAPIBaseRejected(t *testing.T) {
	stack := newTestStack(t)

	created := stack.do(t, "POST", "/user/api/custom-apis", map[string]any{
		"api_base": "https://good.example.com",
		"api_key":  "sk-x",
		"format":   "openai",
	}, stack.userHeaders())
	require.Equal(t, http.StatusCreated, created.Code)

	var account map[string]any
	require.NoError(t, json.NewDecoder(created.Body).Decode(&account))
	id := int64(account["id"].(float64))

	resp := stack.do(t, "PUT", fmt.Sprintf("/user/api/custom-apis/%d", id), map[string]any{
		"api_base": "ftp://x",
	}, stack.userHeaders())
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)

	after := stack.do(t, "GET", fmt.Sprintf("/user/api/custom-apis/%d", id), nil, stack.userHeaders())
	require.Equal(t, http.StatusOK, after.Code)
	var got map[string]any
	require.NoError(t, json.NewDecoder(after.Body).Decode(&got))
	assert.Equal(t, "https://good.example.com", got["api_base"])
}

// S6: zero credentials means 403 with an Anthropic-formatted error.
func TestScenario_NoCredential403(t *testing.T) {
	stack := newTestStack(t)

	resp := stack.do(t, "POST", "/v1/messages", map[string]any{
		"model":      "claude-sonnet-4",
		"max_tokens": 10,
		"stream":     true,
		"messages":   []map[string]any{{"role": "user", "content": "hi"}},
	}, stack.clientHeaders())

	assert.Equal(t, http.StatusForbidden, resp.Code)

	// The body is a well-formed SSE error event followed by
	// message_stop.
	body := resp.Body.String()
	assert.Contains(t, body, "event: error")
	assert.Contains(t, body, `"permission_error"`)
	assert.Contains(t, body, "event: message_stop")
}

func TestMessages_RequiresAPIKey(t *testing.T) {
	stack := newTestStack(t)

	resp := stack.do(t, "POST", "/v1/messages", map[string]any{
		"model":    "claude-sonnet-4",
		"messages": []map[string]any{{"role": "user", "content": "hi"}},
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = stack.do(t, "POST", "/v1/messages", map[string]any{
		"model":    "claude-sonnet-4",
		"messages": []map[string]any{{"role": "user", "content": "hi"}},
	}, map[string]string{"x-api-key": "sk-wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestMessages_BearerAPIKeyAccepted(t *testing.T) {
	stack := newTestStack(t)

	resp := stack.do(t, "POST", "/v1/messages/count_tokens", map[string]any{
		"model":    "claude-sonnet-4",
		"messages": []map[string]any{{"role": "user", "content": "abcdefgh"}},
	}, map[string]string{"Authorization": "Bearer " + stack.apiKey})

	// Authentication passed; no credentials yields 403, not 401.
	assert.Equal(t, http.StatusForbidden, resp.Code)
}

func TestCountTokens_Estimate(t *testing.T) {
	stack := newTestStack(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	created := stack.do(t, "POST", "/user/api/custom-apis", map[string]any{
		"api_base": upstream.URL,
		"api_key":  "sk-x",
		"format":   "openai",
	}, stack.userHeaders())
	require.Equal(t, http.StatusCreated, created.Code)

	resp := stack.do(t, "POST", "/v1/messages/count_tokens", map[string]any{
		"model":    "claude-sonnet-4",
		"messages": []map[string]any{{"role": "user", "content": "abcdefgh"}},
	}, stack.clientHeaders())

	require.Equal(t, http.StatusOK, resp.Code)
	var out map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Greater(t, out["input_tokens"], 0)
}

// Property 1: updating a row owned by someone else reports no match and
// leaves the row identical.
func TestStoreIsolation_UpdateOtherUsersAccount(t *testing.T) {
	stack := newTestStack(t)

	created := stack.do(t, "POST", "/user/api/custom-apis", map[string]any{
		"api_base": "https://mine.example.com",
		"api_key":  "sk-mine",
		"format":   "openai",
	}, stack.userHeaders())
	require.Equal(t, http.StatusCreated, created.Code)

	var account map[string]any
	require.NoError(t, json.NewDecoder(created.Body).Decode(&account))
	id := int64(account["id"].(float64))

	// A second user tries to take over the row.
	other := stack.do(t, "POST", "/auth/register", map[string]string{
		"email":    "intruder@example.com",
		"password": "password123",
	}, nil)
	require.Equal(t, http.StatusCreated, other.Code)

	login := stack.do(t, "POST", "/auth/login", map[string]string{
		"email":    "intruder@example.com",
		"password": "password123",
	}, nil)
	var loginResp core.LoginResponse
	require.NoError(t, json.NewDecoder(login.Body).Decode(&loginResp))

	resp := stack.do(t, "PUT", fmt.Sprintf("/user/api/custom-apis/%d", id), map[string]any{
		"api_base": "https://stolen.example.com",
	}, map[string]string{"Authorization": "Bearer " + loginResp.AccessToken})
	assert.Equal(t, http.StatusNotFound, resp.Code)

	after := stack.do(t, "GET", fmt.Sprintf("/user/api/custom-apis/%d", id), nil, stack.userHeaders())
	var got map[string]any
	require.NoError(t, json.NewDecoder(after.Body).Decode(&got))
	assert.Equal(t, "https://mine.example.com", got["api_base"])
}

func TestTokenRoutes_ValidationAndDuplicates(t *testing.T) {
	stack := newTestStack(t)

	// Unsupported region.
	resp := stack.do(t, "POST", "/user/api/tokens", map[string]any{
		"refresh_token": "rt-1",
		"region":        "mars-north-1",
	}, stack.userHeaders())
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)

	// idc without client credentials.
	resp = stack.do(t, "POST", "/user/api/tokens", map[string]any{
		"refresh_token": "rt-1",
		"auth_type":     "idc",
	}, stack.userHeaders())
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)

	// Valid, then duplicate.
	resp = stack.do(t, "POST", "/user/api/tokens", map[string]any{
		"refresh_token": "rt-dup",
	}, stack.userHeaders())
	assert.Equal(t, http.StatusCreated, resp.Code)

	resp = stack.do(t, "POST", "/user/api/tokens", map[string]any{
		"refresh_token": "rt-dup",
	}, stack.userHeaders())
	assert.Equal(t, http.StatusConflict, resp.Code)
}

func TestAdminRoutes_RequireAdmin(t *testing.T) {
	stack := newTestStack(t)

	resp := stack.do(t, "GET", "/admin/api/custom-apis", nil, stack.userHeaders())
	assert.Equal(t, http.StatusForbidden, resp.Code)

	resp = stack.do(t, "GET", "/admin/api/custom-apis", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestNonStreamingCollect(t *testing.T) {
	stack := newTestStack(t)

	upstream := fakeKiroUpstream(textFrame("collected"))
	defer upstream.Close()
	stack.kiro.SetEndpointOverride(upstream.URL)

	stack.addKiroToken(t, false)

	resp := stack.do(t, "POST", "/v1/messages", map[string]any{
		"model":      "claude-sonnet-4",
		"max_tokens": 50,
		"stream":     false,
		"thinking":   map[string]any{"type": "disabled"},
		"messages":   []map[string]any{{"role": "user", "content": "hi"}},
	}, stack.clientHeaders())

	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var out core.AnthropicResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "message", out.Type)
	require.NotEmpty(t, out.Content)
	assert.Equal(t, "collected", out.Content[0].Text)
}
