package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

var apiBasePattern = regexp.MustCompile(`^https?://`)

// Server carries the HTTP surface: the Anthropic-compatible message
// endpoints plus the user/admin management API.
type Server struct {
	authService *AuthService
	gateway     *Gateway
	repo        Repository
	cache       *AuthCache
	states      *OAuthStateRegistry
	config      *Config
}

func NewServer(authService *AuthService, gateway *Gateway, repo Repository, cache *AuthCache, config *Config) *Server {
	return &Server{
		authService: authService,
		gateway:     gateway,
		repo:        repo,
		cache:       cache,
		states:      NewOAuthStateRegistry(),
		config:      config,
	}
}

// RegisterRoutes wires every endpoint onto the mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/messages", s.HandleMessages)
	mux.HandleFunc("POST /v1/messages/count_tokens", s.HandleCountTokens)
	mux.HandleFunc("POST /cc/v1/messages", s.HandleBufferedMessages)

	mux.HandleFunc("POST /auth/oauth/state", s.withUser(s.handleIssueOAuthState))
	mux.HandleFunc("POST /auth/register", s.HandleRegister)
	mux.HandleFunc("POST /auth/login", s.HandleLogin)
	mux.HandleFunc("POST /auth/refresh", s.HandleRefresh)
	mux.HandleFunc("POST /auth/logout", s.HandleLogout)

	mux.HandleFunc("GET /user/api/custom-apis", s.withUser(s.handleListCustomAPIs))
	mux.HandleFunc("POST /user/api/custom-apis", s.withUser(s.handleCreateCustomAPI))
	mux.HandleFunc("GET /user/api/custom-apis/{id}", s.withUser(s.handleGetCustomAPI))
	mux.HandleFunc("PUT /user/api/custom-apis/{id}", s.withUser(s.handleUpdateCustomAPI))
	mux.HandleFunc("DELETE /user/api/custom-apis/{id}", s.withUser(s.handleDeleteCustomAPI))
	mux.HandleFunc("PATCH /user/api/custom-apis/{id}/status", s.withUser(s.handleCustomAPIStatus))

	mux.HandleFunc("GET /admin/api/custom-apis", s.withAdmin(s.handleAdminListCustomAPIs))
	mux.HandleFunc("PUT /admin/api/custom-apis/{id}", s.withAdmin(s.handleAdminUpdateCustomAPI))
	mux.HandleFunc("DELETE /admin/api/custom-apis/{id}", s.withAdmin(s.handleAdminDeleteCustomAPI))

	mux.HandleFunc("GET /user/api/me", s.withUser(s.handleProfile))
	mux.HandleFunc("GET /user/api/tokens", s.withUser(s.handleListTokens))
	mux.HandleFunc("POST /user/api/tokens", s.withUser(s.handleCreateToken))
	mux.HandleFunc("DELETE /user/api/tokens/{id}", s.withUser(s.handleDeleteToken))

	mux.HandleFunc("GET /health", s.HandleHealth)
}

// Message endpoints

func (s *Server) HandleMessages(w http.ResponseWriter, r *http.Request) {
	s.handleMessagesRequest(w, r, false)
}

func (s *Server) HandleBufferedMessages(w http.ResponseWriter, r *http.Request) {
	s.handleMessagesRequest(w, r, true)
}

func (s *Server) handleMessagesRequest(w http.ResponseWriter, r *http.Request, buffered bool) {
	user, ok := s.authenticateAPIKey(w, r)
	if !ok {
		return
	}

	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		s.respondAnthropicError(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}

	var req AnthropicRequest
	if err := json.Unmarshal(rawBody, &req); err != nil {
		s.respondAnthropicError(w, http.StatusBadRequest, "invalid_request_error", "request body is not a valid messages request")
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		s.respondAnthropicError(w, http.StatusBadRequest, "invalid_request_error", "model and messages are required")
		return
	}

	ctx := r.Context()

	if !req.Stream {
		resp, err := s.gateway.ProcessCollect(ctx, user.ID, &req, rawBody)
		if err != nil {
			s.respondGatewayError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, resp)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondAnthropicError(w, http.StatusInternalServerError, "api_error", "streaming unsupported by connection")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	headerSent := false
	emit := func(line string) {
		if !headerSent {
			w.WriteHeader(http.StatusOK)
			headerSent = true
		}
		_, _ = io.WriteString(w, line)
		flusher.Flush()
	}

	if err := s.gateway.ProcessStream(ctx, user.ID, &req, rawBody, buffered, emit); err != nil {
		if !headerSent {
			status, errorType, message := gatewayErrorParts(err)
			w.WriteHeader(status)
			_, _ = io.WriteString(w, buildErrorEvent(errorType, message))
			_, _ = io.WriteString(w, buildMessageStop())
			flusher.Flush()
			return
		}
		log.Errorf("server: stream ended with error after emit: %v", err)
	}
}

func (s *Server) HandleCountTokens(w http.ResponseWriter, r *http.Request) {
	user, ok := s.authenticateAPIKey(w, r)
	if !ok {
		return
	}

	var req AnthropicRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		s.respondAnthropicError(w, http.StatusBadRequest, "invalid_request_error", "model and messages are required")
		return
	}

	count, err := s.gateway.CountTokens(r.Context(), user.ID, &req)
	if err != nil {
		s.respondGatewayError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"input_tokens": count})
}

// Auth endpoints

func (s *Server) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	resp, err := s.authService.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		var vErr *ValidationError
		switch {
		case errors.As(err, &vErr):
			respondError(w, http.StatusUnprocessableEntity, "validation_error", vErr.Error())
		case errors.Is(err, ErrAlreadyExists):
			respondError(w, http.StatusConflict, "already_exists", "An account with this email already exists")
		default:
			respondError(w, http.StatusInternalServerError, "internal_error", "Failed to register")
		}
		return
	}
	respondJSON(w, http.StatusCreated, resp)
}

func (s *Server) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	resp, err := s.authService.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			respondError(w, http.StatusUnauthorized, "login_failed", "Invalid email or password")
			return
		}
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to login")
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	accessToken, err := s.authService.RefreshSession(r.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrExpiredToken) {
			respondError(w, http.StatusUnauthorized, "invalid_token", "Invalid or expired refresh token")
			return
		}
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to refresh token")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"access_token": accessToken})
}

func (s *Server) HandleLogout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	if err := s.authService.Logout(r.Context(), req.RefreshToken); err != nil && !errors.Is(err, ErrInvalidToken) {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to logout")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// Custom API account management

type customAPIPayload struct {
	Name     *string `json:"name"`
	APIBase  *string `json:"api_base"`
	APIKey   *string `json:"api_key"`
	Format   *string `json:"format"`
	Provider *string `json:"provider"`
	Model    *string `json:"model"`
	Status   *string `json:"status"`
}

func (p *customAPIPayload) validate(forCreate bool) error {
	if forCreate {
		if p.APIBase == nil || *p.APIBase == "" {
			return &ValidationError{Field: "api_base", Message: "required"}
		}
		if p.APIKey == nil || *p.APIKey == "" {
			return &ValidationError{Field: "api_key", Message: "required"}
		}
	}
	if p.APIBase != nil && !apiBasePattern.MatchString(*p.APIBase) {
		return &ValidationError{Field: "api_base", Message: "must start with http:// or https://"}
	}
	if p.Format != nil && *p.Format != FormatOpenAI && *p.Format != FormatClaude {
		return &ValidationError{Field: "format", Message: "must be openai or claude"}
	}
	if p.Status != nil && *p.Status != AccountStatusActive && *p.Status != AccountStatusDisabled {
		return &ValidationError{Field: "status", Message: "must be active or disabled"}
	}
	return nil
}

func (p *customAPIPayload) patch() *CustomAccountPatch {
	return &CustomAccountPatch{
		Name:     p.Name,
		APIBase:  p.APIBase,
		APIKey:   p.APIKey,
		Format:   p.Format,
		Provider: p.Provider,
		Model:    p.Model,
		Status:   p.Status,
	}
}

type customAPIView struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	APIBase      string `json:"api_base"`
	Format       string `json:"format"`
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
	Status       string `json:"status"`
	SuccessCount int64  `json:"success_count"`
	FailCount    int64  `json:"fail_count"`
	CreatedAt    int64  `json:"created_at"`
}

func viewAccount(a *CustomAccount) customAPIView {
	return customAPIView{
		ID:           a.ID,
		Name:         a.Name,
		APIBase:      a.APIBase,
		Format:       a.Format,
		Provider:     a.Provider,
		Model:        a.Model,
		Status:       a.Status,
		SuccessCount: a.SuccessCount,
		FailCount:    a.FailCount,
		CreatedAt:    a.CreatedAt.Unix(),
	}
}

func (s *Server) handleListCustomAPIs(w http.ResponseWriter, r *http.Request, claims *Claims) {
	accounts, err := s.repo.GetCustomAccountsByUser(r.Context(), claims.UserID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to list accounts")
		return
	}
	views := make([]customAPIView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, viewAccount(a))
	}
	respondJSON(w, http.StatusOK, views)
}

func (s *Server) handleCreateCustomAPI(w http.ResponseWriter, r *http.Request, claims *Claims) {
	var payload customAPIPayload
	if !decodeJSON(w, r, &payload) {
		return
	}
	if err := payload.validate(true); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
		return
	}

	account := &CustomAccount{
		UserID:    claims.UserID,
		APIBase:   *payload.APIBase,
		APIKey:    *payload.APIKey,
		Format:    FormatOpenAI,
		Status:    AccountStatusActive,
		CreatedAt: time.Now(),
	}
	if payload.Name != nil {
		account.Name = *payload.Name
	}
	if payload.Format != nil {
		account.Format = *payload.Format
	}
	if payload.Provider != nil {
		account.Provider = *payload.Provider
	}
	if payload.Model != nil {
		account.Model = *payload.Model
	}
	if payload.Status != nil {
		account.Status = *payload.Status
	}

	id, err := s.repo.CreateCustomAccount(r.Context(), account)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to create account")
		return
	}
	account.ID = id
	respondJSON(w, http.StatusCreated, viewAccount(account))
}

func (s *Server) handleGetCustomAPI(w http.ResponseWriter, r *http.Request, claims *Claims) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	account, err := s.repo.GetCustomAccount(r.Context(), id, claims.UserID)
	if err != nil {
		respondError(w, http.StatusNotFound, "not_found", "Account not found")
		return
	}
	respondJSON(w, http.StatusOK, viewAccount(account))
}

func (s *Server) handleUpdateCustomAPI(w http.ResponseWriter, r *http.Request, claims *Claims) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var payload customAPIPayload
	if !decodeJSON(w, r, &payload) {
		return
	}
	if err := payload.validate(false); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
		return
	}

	matched, err := s.repo.UpdateCustomAccount(r.Context(), id, claims.UserID, payload.patch())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to update account")
		return
	}
	if !matched {
		respondError(w, http.StatusNotFound, "not_found", "Account not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleDeleteCustomAPI(w http.ResponseWriter, r *http.Request, claims *Claims) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	matched, err := s.repo.DeleteCustomAccount(r.Context(), id, claims.UserID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to delete account")
		return
	}
	if !matched {
		respondError(w, http.StatusNotFound, "not_found", "Account not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleCustomAPIStatus(w http.ResponseWriter, r *http.Request, claims *Claims) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Status != AccountStatusActive && req.Status != AccountStatusDisabled {
		respondError(w, http.StatusUnprocessableEntity, "validation_error", "status must be active or disabled")
		return
	}

	matched, err := s.repo.UpdateCustomAccount(r.Context(), id, claims.UserID, &CustomAccountPatch{Status: &req.Status})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to update status")
		return
	}
	if !matched {
		respondError(w, http.StatusNotFound, "not_found", "Account not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": req.Status})
}

// Admin variants

func (s *Server) handleAdminListCustomAPIs(w http.ResponseWriter, r *http.Request, claims *Claims) {
	accounts, err := s.repo.AdminGetCustomAccounts(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to list accounts")
		return
	}
	views := make([]customAPIView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, viewAccount(a))
	}
	respondJSON(w, http.StatusOK, views)
}

func (s *Server) handleAdminUpdateCustomAPI(w http.ResponseWriter, r *http.Request, claims *Claims) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var payload customAPIPayload
	if !decodeJSON(w, r, &payload) {
		return
	}
	if err := payload.validate(false); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
		return
	}

	matched, err := s.repo.AdminUpdateCustomAccount(r.Context(), id, payload.patch())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to update account")
		return
	}
	if !matched {
		respondError(w, http.StatusNotFound, "not_found", "Account not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleAdminDeleteCustomAPI(w http.ResponseWriter, r *http.Request, claims *Claims) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	matched, err := s.repo.AdminDeleteCustomAccount(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to delete account")
		return
	}
	if !matched {
		respondError(w, http.StatusNotFound, "not_found", "Account not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleIssueOAuthState mints a single-use state value for a
// browser-driven token import flow. The value expires after ten
// minutes and is consumed by the matching token submission.
func (s *Server) handleIssueOAuthState(w http.ResponseWriter, r *http.Request, claims *Claims) {
	state, err := s.states.Issue()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to issue state")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"state": state})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request, claims *Claims) {
	user, err := s.repo.FindUserByID(r.Context(), claims.UserID)
	if err != nil {
		respondError(w, http.StatusNotFound, "not_found", "User not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"id":         user.ID,
		"email":      user.Email,
		"status":     user.Status,
		"created_at": user.CreatedAt.Unix(),
	})
}

// Kiro token management

type tokenView struct {
	ID           int64  `json:"id"`
	AuthType     string `json:"auth_type"`
	Region       string `json:"region"`
	Visibility   string `json:"visibility"`
	Status       string `json:"status"`
	OpusEnabled  bool   `json:"opus_enabled"`
	SuccessCount int64  `json:"success_count"`
	FailCount    int64  `json:"fail_count"`
	LastUsed     int64  `json:"last_used"`
	LastCheck    int64  `json:"last_check"`
	CreatedAt    int64  `json:"created_at"`
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request, claims *Claims) {
	tokens, err := s.repo.GetKiroTokensByUser(r.Context(), claims.UserID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to list tokens")
		return
	}
	views := make([]tokenView, 0, len(tokens))
	for _, t := range tokens {
		views = append(views, tokenView{
			ID:           t.ID,
			AuthType:     string(t.AuthType),
			Region:       t.Region,
			Visibility:   t.Visibility,
			Status:       t.Status,
			OpusEnabled:  t.OpusEnabled,
			SuccessCount: t.SuccessCount,
			FailCount:    t.FailCount,
			LastUsed:     t.LastUsed.Unix(),
			LastCheck:    t.LastCheck.Unix(),
			CreatedAt:    t.CreatedAt.Unix(),
		})
	}
	respondJSON(w, http.StatusOK, views)
}

func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request, claims *Claims) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
		AuthType     string `json:"auth_type"`
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
		Region       string `json:"region"`
		Visibility   string `json:"visibility"`
		Anonymous    bool   `json:"anonymous"`
		OpusEnabled  bool   `json:"opus_enabled"`
		State        string `json:"state"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	// Submissions arriving from the browser-driven flow carry the state
	// issued earlier; each value redeems once.
	if req.State != "" && !s.states.Redeem(req.State) {
		respondError(w, http.StatusUnprocessableEntity, "validation_error", "state is invalid or already used")
		return
	}

	if req.RefreshToken == "" {
		respondError(w, http.StatusUnprocessableEntity, "validation_error", "refresh_token is required")
		return
	}
	if req.Region == "" {
		req.Region = DefaultRegion
	}
	if !IsSupportedRegion(req.Region) {
		respondError(w, http.StatusUnprocessableEntity, "validation_error",
			fmt.Sprintf("region must be one of %s", strings.Join(SupportedRegions, ", ")))
		return
	}

	authType := AuthType(req.AuthType)
	if authType == "" {
		authType = AuthTypeSocial
	}
	if authType != AuthTypeSocial && authType != AuthTypeIDC {
		respondError(w, http.StatusUnprocessableEntity, "validation_error", "auth_type must be social or idc")
		return
	}
	if authType == AuthTypeIDC && (req.ClientID == "" || req.ClientSecret == "") {
		respondError(w, http.StatusUnprocessableEntity, "validation_error", "idc tokens require client_id and client_secret")
		return
	}

	visibility := req.Visibility
	if req.Anonymous {
		visibility = VisibilityPublic
	}
	if visibility == "" {
		visibility = VisibilityPrivate
	}
	if visibility != VisibilityPublic && visibility != VisibilityPrivate {
		respondError(w, http.StatusUnprocessableEntity, "validation_error", "visibility must be public or private")
		return
	}

	token := &KiroToken{
		UserID:       claims.UserID,
		RefreshToken: req.RefreshToken,
		AuthType:     authType,
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		Region:       req.Region,
		Visibility:   visibility,
		Status:       TokenStatusActive,
		OpusEnabled:  req.OpusEnabled,
		CreatedAt:    time.Now(),
	}

	id, err := s.repo.CreateKiroToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			respondError(w, http.StatusConflict, "already_exists", "This refresh token is already registered")
			return
		}
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to store token")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"id": id, "status": TokenStatusActive})
}

func (s *Server) handleDeleteToken(w http.ResponseWriter, r *http.Request, claims *Claims) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	token, err := s.repo.GetKiroToken(r.Context(), id)
	if err == nil && token.UserID == claims.UserID {
		s.cache.Remove(token.TokenHash)
	}

	matched, err := s.repo.DeleteKiroToken(r.Context(), id, claims.UserID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to delete token")
		return
	}
	if !matched {
		respondError(w, http.StatusNotFound, "not_found", "Token not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Middleware and helpers

// authenticateAPIKey resolves the client API key from x-api-key or a
// Bearer token. Failures respond 401 with an Anthropic error body.
func (s *Server) authenticateAPIKey(w http.ResponseWriter, r *http.Request) (*User, bool) {
	apiKey := r.Header.Get("x-api-key")
	if apiKey == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			apiKey = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if !strings.HasPrefix(apiKey, "sk-") {
		s.respondAnthropicError(w, http.StatusUnauthorized, "authentication_error", "missing or malformed API key")
		return nil, false
	}

	user, err := s.authService.ResolveAPIKey(r.Context(), apiKey)
	if err != nil {
		s.respondAnthropicError(w, http.StatusUnauthorized, "authentication_error", "invalid API key")
		return nil, false
	}
	return user, true
}

type userHandler func(w http.ResponseWriter, r *http.Request, claims *Claims)

func (s *Server) withUser(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.claimsFromRequest(r)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "invalid_token", "Invalid or missing authorization token")
			return
		}
		next(w, r, claims)
	}
}

func (s *Server) withAdmin(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.claimsFromRequest(r)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "invalid_token", "Invalid or missing authorization token")
			return
		}
		if !claims.IsAdmin {
			respondError(w, http.StatusForbidden, "forbidden", "Admin access required")
			return
		}
		next(w, r, claims)
	}
}

func (s *Server) claimsFromRequest(r *http.Request) (*Claims, error) {
	token, err := extractBearerToken(r)
	if err != nil {
		return nil, err
	}
	return ValidateAccessToken(token, s.config)
}

// gatewayErrorParts maps the error taxonomy onto an HTTP status and
// Anthropic error shape.
func gatewayErrorParts(err error) (int, string, string) {
	var vErr *ValidationError
	var authErr *AuthError
	var upErr *UpstreamError

	switch {
	case errors.Is(err, ErrNoCredentialAvailable):
		return http.StatusForbidden, "permission_error", "no active credential available for this account"
	case errors.As(err, &vErr):
		return http.StatusUnprocessableEntity, "invalid_request_error", vErr.Error()
	case errors.Is(err, ErrFirstTokenTimeout), errors.Is(err, ErrStreamReadTimeout):
		return http.StatusGatewayTimeout, "api_error", err.Error()
	case errors.As(err, &authErr):
		return http.StatusBadGateway, "api_error", "upstream authentication failed"
	case errors.As(err, &upErr):
		return http.StatusBadGateway, "api_error", upErr.Message
	default:
		return http.StatusInternalServerError, "api_error", err.Error()
	}
}

func (s *Server) respondGatewayError(w http.ResponseWriter, err error) {
	status, errorType, message := gatewayErrorParts(err)
	s.respondAnthropicError(w, status, errorType, message)
}

// respondAnthropicError writes an Anthropic error envelope as a JSON
// body. A gateway error on a streaming request that occurs before any
// event is written as an SSE error event by handleMessagesRequest instead.
func (s *Server) respondAnthropicError(w http.ResponseWriter, status int, errorType, message string) {
	respondJSON(w, status, map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    errorType,
			"message": message,
		},
	})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusNotFound, "not_found", "Invalid id")
		return 0, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return false
	}
	return true
}

func extractBearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", fmt.Errorf("missing authorization header")
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", fmt.Errorf("invalid authorization header format")
	}

	return parts[1], nil
}

func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	respondJSON(w, statusCode, map[string]string{
		"error":   errorCode,
		"message": message,
	})
}
