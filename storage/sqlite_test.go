package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"kirogate/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef"

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	crypto, err := core.NewCryptoService(testKey)
	require.NoError(t, err)

	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "test.db"), crypto)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func createUser(t *testing.T, repo *SQLiteRepository, email string) int64 {
	t.Helper()
	id, err := repo.CreateUser(context.Background(), &core.User{
		Email:          email,
		PasswordDigest: "digest",
		Status:         core.UserStatusActive,
		CreatedAt:      time.Now(),
	})
	require.NoError(t, err)
	return id
}

func TestSQLite_UserRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	id := createUser(t, repo, "a@example.com")

	user, err := repo.FindUserByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", user.Email)

	_, err = repo.FindUserByEmail(ctx, "missing@example.com")
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = repo.CreateUser(ctx, &core.User{Email: "a@example.com", PasswordDigest: "x", Status: "active", CreatedAt: time.Now()})
	assert.ErrorIs(t, err, core.ErrAlreadyExists)
}

func TestSQLite_APIKeyLookup(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	id := createUser(t, repo, "a@example.com")
	hash := core.TokenHash("sk-secret")
	require.NoError(t, repo.SetUserAPIKeyHash(ctx, id, hash))

	user, err := repo.FindUserByAPIKeyHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, id, user.ID)

	_, err = repo.FindUserByAPIKeyHash(ctx, "")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestSQLite_TokenSecretsEncryptedAtRest(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	userID := createUser(t, repo, "a@example.com")

	tokenID, err := repo.CreateKiroToken(ctx, &core.KiroToken{
		UserID:       userID,
		RefreshToken: "plaintext-refresh-token",
		AuthType:     core.AuthTypeIDC,
		ClientID:     "client-id-plain",
		ClientSecret: "client-secret-plain",
		Region:       core.DefaultRegion,
		Visibility:   core.VisibilityPrivate,
		Status:       core.TokenStatusActive,
		CreatedAt:    time.Now(),
	})
	require.NoError(t, err)

	// The raw columns never contain the plaintext.
	var storedRefresh, storedClientID, storedClientSecret string
	err = repo.db.QueryRow(`SELECT refresh_token, client_id, client_secret FROM tokens WHERE id = ?`, tokenID).
		Scan(&storedRefresh, &storedClientID, &storedClientSecret)
	require.NoError(t, err)
	assert.NotEqual(t, "plaintext-refresh-token", storedRefresh)
	assert.NotEqual(t, "client-id-plain", storedClientID)
	assert.NotEqual(t, "client-secret-plain", storedClientSecret)

	// GetTokenCredentials returns the decrypted bundle.
	creds, err := repo.GetTokenCredentials(ctx, tokenID)
	require.NoError(t, err)
	assert.Equal(t, "plaintext-refresh-token", creds.RefreshToken)
	assert.Equal(t, "client-id-plain", creds.ClientID)
	assert.Equal(t, "client-secret-plain", creds.ClientSecret)
	assert.Equal(t, core.AuthTypeIDC, creds.AuthType)
}

func TestSQLite_DuplicateTokenHash(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	userID := createUser(t, repo, "a@example.com")

	token := &core.KiroToken{
		UserID: userID, RefreshToken: "same-token", AuthType: core.AuthTypeSocial,
		Region: core.DefaultRegion, Visibility: core.VisibilityPrivate,
		Status: core.TokenStatusActive, CreatedAt: time.Now(),
	}
	_, err := repo.CreateKiroToken(ctx, token)
	require.NoError(t, err)

	_, err = repo.CreateKiroToken(ctx, token)
	assert.ErrorIs(t, err, core.ErrAlreadyExists)
}

func TestSQLite_ActiveTokenFiltering(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	userID := createUser(t, repo, "a@example.com")

	activeID, err := repo.CreateKiroToken(ctx, &core.KiroToken{
		UserID: userID, RefreshToken: "rt-active", AuthType: core.AuthTypeSocial,
		Region: core.DefaultRegion, Visibility: core.VisibilityPublic,
		Status: core.TokenStatusActive, CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	invalidID, err := repo.CreateKiroToken(ctx, &core.KiroToken{
		UserID: userID, RefreshToken: "rt-invalid", AuthType: core.AuthTypeSocial,
		Region: core.DefaultRegion, Visibility: core.VisibilityPrivate,
		Status: core.TokenStatusActive, CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, repo.SetTokenStatus(ctx, invalidID, core.TokenStatusInvalid))

	active, err := repo.GetActiveKiroTokensByUser(ctx, userID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, activeID, active[0].ID)

	all, err := repo.GetActiveKiroTokens(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, activeID, all[0].ID)
}

func TestSQLite_Counters(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	userID := createUser(t, repo, "a@example.com")

	tokenID, err := repo.CreateKiroToken(ctx, &core.KiroToken{
		UserID: userID, RefreshToken: "rt", AuthType: core.AuthTypeSocial,
		Region: core.DefaultRegion, Visibility: core.VisibilityPrivate,
		Status: core.TokenStatusActive, CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, repo.IncrementSuccess(ctx, core.KindKiro, tokenID))
	require.NoError(t, repo.IncrementSuccess(ctx, core.KindKiro, tokenID))
	require.NoError(t, repo.IncrementFail(ctx, core.KindKiro, tokenID))

	token, err := repo.GetKiroToken(ctx, tokenID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), token.SuccessCount)
	assert.Equal(t, int64(1), token.FailCount)
}

// Property: an update scoped to the wrong owner reports no match and
// changes nothing.
func TestSQLite_OwnershipIsolation(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	owner := createUser(t, repo, "owner@example.com")
	other := createUser(t, repo, "other@example.com")

	accountID, err := repo.CreateCustomAccount(ctx, &core.CustomAccount{
		UserID: owner, APIBase: "https://mine.example.com", APIKey: "sk-mine",
		Format: core.FormatOpenAI, Status: core.AccountStatusActive, CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	newBase := "https://stolen.example.com"
	matched, err := repo.UpdateCustomAccount(ctx, accountID, other, &core.CustomAccountPatch{APIBase: &newBase})
	require.NoError(t, err)
	assert.False(t, matched)

	account, err := repo.GetCustomAccount(ctx, accountID, owner)
	require.NoError(t, err)
	assert.Equal(t, "https://mine.example.com", account.APIBase)

	matched, err = repo.DeleteCustomAccount(ctx, accountID, other)
	require.NoError(t, err)
	assert.False(t, matched)
}

func TestSQLite_EmptyAPIKeyRetainsCiphertext(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	userID := createUser(t, repo, "a@example.com")

	accountID, err := repo.CreateCustomAccount(ctx, &core.CustomAccount{
		UserID: userID, APIBase: "https://x.example.com", APIKey: "sk-original",
		Format: core.FormatOpenAI, Status: core.AccountStatusActive, CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	empty := ""
	name := "renamed"
	matched, err := repo.UpdateCustomAccount(ctx, accountID, userID, &core.CustomAccountPatch{
		APIKey: &empty,
		Name:   &name,
	})
	require.NoError(t, err)
	assert.True(t, matched)

	key, err := repo.GetCustomAccountKey(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, "sk-original", key)

	account, err := repo.GetCustomAccount(ctx, accountID, userID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", account.Name)
}

func TestSQLite_MigrationAddsMissingColumns(t *testing.T) {
	crypto, err := core.NewCryptoService(testKey)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "legacy.db")

	// A legacy database predating several columns.
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email TEXT NOT NULL UNIQUE,
			password_digest TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE TABLE tokens (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			token_hash TEXT NOT NULL UNIQUE,
			refresh_token TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			success_count INTEGER NOT NULL DEFAULT 0,
			fail_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);
		CREATE TABLE custom_api_accounts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			api_base TEXT NOT NULL,
			api_key TEXT NOT NULL,
			format TEXT NOT NULL DEFAULT 'openai',
			status TEXT NOT NULL DEFAULT 'active',
			success_count INTEGER NOT NULL DEFAULT 0,
			fail_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);
	`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	repo, err := NewSQLiteRepository(path, crypto)
	require.NoError(t, err)
	defer repo.Close()

	ctx := context.Background()
	userID := createUser(t, repo, "migrated@example.com")

	// The added columns are usable immediately.
	tokenID, err := repo.CreateKiroToken(ctx, &core.KiroToken{
		UserID: userID, RefreshToken: "rt-migrated", AuthType: core.AuthTypeSocial,
		Region: "eu-west-1", Visibility: core.VisibilityPublic,
		Status: core.TokenStatusActive, OpusEnabled: true, CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	token, err := repo.GetKiroToken(ctx, tokenID)
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", token.Region)
	assert.True(t, token.OpusEnabled)
}

func TestSQLite_Sessions(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	userID := createUser(t, repo, "a@example.com")

	session := &core.Session{
		TokenID:      "tok-1",
		TokenKeyHash: "hash",
		UserID:       userID,
		CreatedAt:    time.Now(),
		ExpiresAt:    time.Now().Add(-time.Hour),
	}
	require.NoError(t, repo.CreateSession(ctx, session))

	found, err := repo.FindSession(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, userID, found.UserID)

	deleted, err := repo.DeleteExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = repo.FindSession(ctx, "tok-1")
	assert.ErrorIs(t, err, core.ErrNotFound)
}
