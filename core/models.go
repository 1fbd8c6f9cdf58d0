package core

import (
	"strings"
	"time"
)

// AuthType distinguishes the two refresh-token exchange dialects.
type AuthType string

const (
	AuthTypeSocial AuthType = "social"
	AuthTypeIDC    AuthType = "idc"
)

// UserStatus values for the users table.
const (
	UserStatusActive  = "active"
	UserStatusPending = "pending"
)

// KiroToken status values.
const (
	TokenStatusActive  = "active"
	TokenStatusInvalid = "invalid"
	TokenStatusExpired = "expired"
)

// CustomAccount status values.
const (
	AccountStatusActive   = "active"
	AccountStatusDisabled = "disabled"
)

// Token visibility values.
const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

// SupportedRegions is the set of upstream regions a token may be bound to.
var SupportedRegions = []string{"us-east-1", "ap-southeast-1", "eu-west-1"}

const DefaultRegion = "us-east-1"

func IsSupportedRegion(region string) bool {
	for _, r := range SupportedRegions {
		if r == region {
			return true
		}
	}
	return false
}

// User owns Kiro tokens and custom API accounts. The login/registration
// surface is minimal; users exist so that credentials have an owner.
type User struct {
	ID             int64
	Email          string
	PasswordDigest string
	Status         string
	CreatedAt      time.Time
}

// KiroToken is a donated Kiro/Amazon-Q credential. RefreshToken,
// ClientID and ClientSecret are stored encrypted; TokenHash is the
// deterministic digest used for unique lookup.
type KiroToken struct {
	ID           int64
	UserID       int64
	TokenHash    string
	RefreshToken string
	AuthType     AuthType
	ClientID     string
	ClientSecret string
	Region       string
	Visibility   string
	Status       string
	OpusEnabled  bool
	SuccessCount int64
	FailCount    int64
	LastUsed     time.Time
	LastCheck    time.Time
	CreatedAt    time.Time
}

// CustomAccount is a third-party endpoint speaking either the OpenAI or
// the Anthropic wire format. APIKey is stored encrypted.
type CustomAccount struct {
	ID           int64
	UserID       int64
	Name         string
	APIBase      string
	APIKey       string
	Format       string
	Provider     string
	Model        string
	Status       string
	SuccessCount int64
	FailCount    int64
	CreatedAt    time.Time
}

// Account formats.
const (
	FormatOpenAI = "openai"
	FormatClaude = "claude"
)

// MatchesModel reports whether the account's comma-separated model list
// contains model exactly (after trimming). An empty list matches nothing.
func (a *CustomAccount) MatchesModel(model string) bool {
	raw := strings.TrimSpace(a.Model)
	if raw == "" {
		return false
	}
	for _, m := range strings.Split(raw, ",") {
		if strings.TrimSpace(m) == model {
			return true
		}
	}
	return false
}

// Session is a management-surface refresh token row: public ID plus a
// bcrypt hash of the secret half.
type Session struct {
	TokenID      string
	TokenKeyHash string
	UserID       int64
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// TokenCredentials is the decrypted bundle used to construct an
// AuthManager for a stored token.
type TokenCredentials struct {
	RefreshToken string
	AuthType     AuthType
	ClientID     string
	ClientSecret string
	Region       string
}

// CustomAccountPatch carries a partial update; nil fields are left
// untouched. An empty *APIKey means "retain the existing ciphertext".
type CustomAccountPatch struct {
	Name     *string
	APIBase  *string
	APIKey   *string
	Format   *string
	Provider *string
	Model    *string
	Status   *string
}

// CredentialKind tags the allocator's choice.
type CredentialKind string

const (
	KindKiro   CredentialKind = "kiro"
	KindCustom CredentialKind = "custom_api"
)

// StreamEventKind enumerates the normalized upstream stream events.
type StreamEventKind int

const (
	EventMessageStart StreamEventKind = iota
	EventContentDelta
	EventToolUseStart
	EventToolArgsDelta
	EventThinkingDelta
	EventUsage
	EventDone
	EventError
)

// StreamEvent is the internal normalized union every upstream dialect is
// parsed into before conversion to client-facing SSE.
type StreamEvent struct {
	Kind StreamEventKind

	// EventContentDelta / EventThinkingDelta
	Text string

	// EventToolUseStart
	ToolID   string
	ToolName string

	// EventToolArgsDelta
	JSONFragment string

	// EventUsage
	InputTokens  int
	OutputTokens int
	ContextPct   float64

	// EventError
	Code    string
	Message string
}
