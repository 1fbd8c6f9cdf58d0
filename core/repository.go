package core

import (
	"context"
)

// Repository is the persistence surface. Implementations own secret
// encryption: create operations receive plaintext secrets and persist
// ciphertext; GetTokenCredentials returns the decrypted bundle.
type Repository interface {
	// User operations

	CreateUser(ctx context.Context, user *User) (int64, error)

	FindUserByID(ctx context.Context, id int64) (*User, error)

	FindUserByEmail(ctx context.Context, email string) (*User, error)

	// FindUserByAPIKeyHash resolves the owner of an sk- API key by its
	// deterministic digest.
	FindUserByAPIKeyHash(ctx context.Context, hash string) (*User, error)

	SetUserAPIKeyHash(ctx context.Context, userID int64, hash string) error

	// Kiro token operations

	CreateKiroToken(ctx context.Context, token *KiroToken) (int64, error)

	GetKiroToken(ctx context.Context, id int64) (*KiroToken, error)

	GetKiroTokensByUser(ctx context.Context, userID int64) ([]*KiroToken, error)

	GetActiveKiroTokensByUser(ctx context.Context, userID int64) ([]*KiroToken, error)

	// GetActiveKiroTokens lists every active token regardless of owner
	// (health checker).
	GetActiveKiroTokens(ctx context.Context) ([]*KiroToken, error)

	GetTokenCredentials(ctx context.Context, id int64) (*TokenCredentials, error)

	SetTokenStatus(ctx context.Context, id int64, status string) error

	DeleteKiroToken(ctx context.Context, id, userID int64) (bool, error)

	RecordHealthCheck(ctx context.Context, id int64, ok bool, note string) error

	TouchTokenLastUsed(ctx context.Context, id int64) error

	// Custom API account operations

	CreateCustomAccount(ctx context.Context, account *CustomAccount) (int64, error)

	GetCustomAccount(ctx context.Context, id, userID int64) (*CustomAccount, error)

	GetCustomAccountsByUser(ctx context.Context, userID int64) ([]*CustomAccount, error)

	GetActiveCustomAccountsByUser(ctx context.Context, userID int64) ([]*CustomAccount, error)

	// GetCustomAccountKey returns the decrypted API key for an account.
	GetCustomAccountKey(ctx context.Context, id int64) (string, error)

	// UpdateCustomAccount applies only the keys the caller supplied and
	// reports whether a row matched (id, user_id).
	UpdateCustomAccount(ctx context.Context, id, userID int64, patch *CustomAccountPatch) (bool, error)

	DeleteCustomAccount(ctx context.Context, id, userID int64) (bool, error)

	// Admin variants ignore ownership.

	AdminGetCustomAccounts(ctx context.Context) ([]*CustomAccount, error)

	AdminUpdateCustomAccount(ctx context.Context, id int64, patch *CustomAccountPatch) (bool, error)

	AdminDeleteCustomAccount(ctx context.Context, id int64) (bool, error)

	// Counters

	IncrementSuccess(ctx context.Context, kind CredentialKind, id int64) error

	IncrementFail(ctx context.Context, kind CredentialKind, id int64) error

	// Session operations

	CreateSession(ctx context.Context, session *Session) error

	FindSession(ctx context.Context, tokenID string) (*Session, error)

	DeleteSession(ctx context.Context, tokenID string) error

	DeleteExpiredSessions(ctx context.Context) (int64, error)
}
