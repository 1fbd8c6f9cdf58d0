package storage

import (
	"context"
	"sync"
	"time"

	"kirogate/core"
)

// MockRepository is an in-memory Repository for tests. Secrets are
// stored as-is (the mock does no encryption) but GetTokenCredentials
// mirrors the real store's decrypted-bundle contract.
type MockRepository struct {
	mu sync.Mutex

	users    map[int64]*core.User
	apiKeys  map[string]int64 // api_key_hash -> user id
	tokens   map[int64]*core.KiroToken
	accounts map[int64]*core.CustomAccount
	sessions map[string]*core.Session

	nextUserID    int64
	nextTokenID   int64
	nextAccountID int64
}

func NewMockRepository() *MockRepository {
	return &MockRepository{
		users:         map[int64]*core.User{},
		apiKeys:       map[string]int64{},
		tokens:        map[int64]*core.KiroToken{},
		accounts:      map[int64]*core.CustomAccount{},
		sessions:      map[string]*core.Session{},
		nextUserID:    1,
		nextTokenID:   1,
		nextAccountID: 1,
	}
}

func (m *MockRepository) CreateUser(ctx context.Context, user *core.User) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.Email == user.Email {
			return 0, core.ErrAlreadyExists
		}
	}
	id := m.nextUserID
	m.nextUserID++
	cp := *user
	cp.ID = id
	m.users[id] = &cp
	return id, nil
}

func (m *MockRepository) FindUserByID(ctx context.Context, id int64) (*core.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MockRepository) FindUserByEmail(ctx context.Context, email string) (*core.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, core.ErrNotFound
}

func (m *MockRepository) FindUserByAPIKeyHash(ctx context.Context, hash string) (*core.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.apiKeys[hash]
	if !ok {
		return nil, core.ErrNotFound
	}
	u, ok := m.users[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MockRepository) SetUserAPIKeyHash(ctx context.Context, userID int64, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[userID]; !ok {
		return core.ErrNotFound
	}
	for h, id := range m.apiKeys {
		if id == userID {
			delete(m.apiKeys, h)
		}
	}
	m.apiKeys[hash] = userID
	return nil
}

func (m *MockRepository) CreateKiroToken(ctx context.Context, token *core.KiroToken) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hash := core.TokenHash(token.RefreshToken)
	for _, t := range m.tokens {
		if t.TokenHash == hash {
			return 0, core.ErrAlreadyExists
		}
	}

	id := m.nextTokenID
	m.nextTokenID++
	cp := *token
	cp.ID = id
	cp.TokenHash = hash
	m.tokens[id] = &cp
	return id, nil
}

func (m *MockRepository) GetKiroToken(ctx context.Context, id int64) (*core.KiroToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MockRepository) listTokens(filter func(*core.KiroToken) bool) []*core.KiroToken {
	var out []*core.KiroToken
	for id := int64(1); id < m.nextTokenID; id++ {
		t, ok := m.tokens[id]
		if !ok || !filter(t) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out
}

func (m *MockRepository) GetKiroTokensByUser(ctx context.Context, userID int64) ([]*core.KiroToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listTokens(func(t *core.KiroToken) bool { return t.UserID == userID }), nil
}

func (m *MockRepository) GetActiveKiroTokensByUser(ctx context.Context, userID int64) ([]*core.KiroToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listTokens(func(t *core.KiroToken) bool {
		return t.UserID == userID && t.Status == core.TokenStatusActive
	}), nil
}

func (m *MockRepository) GetActiveKiroTokens(ctx context.Context) ([]*core.KiroToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listTokens(func(t *core.KiroToken) bool { return t.Status == core.TokenStatusActive }), nil
}

func (m *MockRepository) GetTokenCredentials(ctx context.Context, id int64) (*core.TokenCredentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return &core.TokenCredentials{
		RefreshToken: t.RefreshToken,
		AuthType:     t.AuthType,
		ClientID:     t.ClientID,
		ClientSecret: t.ClientSecret,
		Region:       t.Region,
	}, nil
}

func (m *MockRepository) SetTokenStatus(ctx context.Context, id int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[id]
	if !ok {
		return core.ErrNotFound
	}
	t.Status = status
	return nil
}

func (m *MockRepository) DeleteKiroToken(ctx context.Context, id, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[id]
	if !ok || t.UserID != userID {
		return false, nil
	}
	delete(m.tokens, id)
	return true, nil
}

func (m *MockRepository) RecordHealthCheck(ctx context.Context, id int64, ok bool, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, found := m.tokens[id]
	if !found {
		return core.ErrNotFound
	}
	t.LastCheck = time.Now()
	return nil
}

func (m *MockRepository) TouchTokenLastUsed(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.tokens[id]; ok {
		t.LastUsed = time.Now()
	}
	return nil
}

func (m *MockRepository) CreateCustomAccount(ctx context.Context, account *core.CustomAccount) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextAccountID
	m.nextAccountID++
	cp := *account
	cp.ID = id
	m.accounts[id] = &cp
	return id, nil
}

func (m *MockRepository) GetCustomAccount(ctx context.Context, id, userID int64) (*core.CustomAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok || a.UserID != userID {
		return nil, core.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MockRepository) listAccounts(filter func(*core.CustomAccount) bool) []*core.CustomAccount {
	var out []*core.CustomAccount
	for id := int64(1); id < m.nextAccountID; id++ {
		a, ok := m.accounts[id]
		if !ok || !filter(a) {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	return out
}

func (m *MockRepository) GetCustomAccountsByUser(ctx context.Context, userID int64) ([]*core.CustomAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listAccounts(func(a *core.CustomAccount) bool { return a.UserID == userID }), nil
}

func (m *MockRepository) GetActiveCustomAccountsByUser(ctx context.Context, userID int64) ([]*core.CustomAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listAccounts(func(a *core.CustomAccount) bool {
		return a.UserID == userID && a.Status == core.AccountStatusActive
	}), nil
}

func (m *MockRepository) GetCustomAccountKey(ctx context.Context, id int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return "", core.ErrNotFound
	}
	return a.APIKey, nil
}

func (m *MockRepository) applyPatch(a *core.CustomAccount, patch *core.CustomAccountPatch) {
	if patch.Name != nil {
		a.Name = *patch.Name
	}
	if patch.APIBase != nil {
		a.APIBase = *patch.APIBase
	}
	if patch.APIKey != nil && *patch.APIKey != "" {
		a.APIKey = *patch.APIKey
	}
	if patch.Format != nil {
		a.Format = *patch.Format
	}
	if patch.Provider != nil {
		a.Provider = *patch.Provider
	}
	if patch.Model != nil {
		a.Model = *patch.Model
	}
	if patch.Status != nil {
		a.Status = *patch.Status
	}
}

func (m *MockRepository) UpdateCustomAccount(ctx context.Context, id, userID int64, patch *core.CustomAccountPatch) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok || a.UserID != userID {
		return false, nil
	}
	m.applyPatch(a, patch)
	return true, nil
}

func (m *MockRepository) DeleteCustomAccount(ctx context.Context, id, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok || a.UserID != userID {
		return false, nil
	}
	delete(m.accounts, id)
	return true, nil
}

func (m *MockRepository) AdminGetCustomAccounts(ctx context.Context) ([]*core.CustomAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listAccounts(func(*core.CustomAccount) bool { return true }), nil
}

func (m *MockRepository) AdminUpdateCustomAccount(ctx context.Context, id int64, patch *core.CustomAccountPatch) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return false, nil
	}
	m.applyPatch(a, patch)
	return true, nil
}

func (m *MockRepository) AdminDeleteCustomAccount(ctx context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[id]; !ok {
		return false, nil
	}
	delete(m.accounts, id)
	return true, nil
}

func (m *MockRepository) IncrementSuccess(ctx context.Context, kind core.CredentialKind, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if kind == core.KindKiro {
		if t, ok := m.tokens[id]; ok {
			t.SuccessCount++
		}
	} else {
		if a, ok := m.accounts[id]; ok {
			a.SuccessCount++
		}
	}
	return nil
}

func (m *MockRepository) IncrementFail(ctx context.Context, kind core.CredentialKind, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if kind == core.KindKiro {
		if t, ok := m.tokens[id]; ok {
			t.FailCount++
		}
	} else {
		if a, ok := m.accounts[id]; ok {
			a.FailCount++
		}
	}
	return nil
}

func (m *MockRepository) CreateSession(ctx context.Context, session *core.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *session
	m.sessions[session.TokenID] = &cp
	return nil
}

func (m *MockRepository) FindSession(ctx context.Context, tokenID string) (*core.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[tokenID]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MockRepository) DeleteSession(ctx context.Context, tokenID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, tokenID)
	return nil
}

func (m *MockRepository) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	now := time.Now()
	for id, s := range m.sessions {
		if s.ExpiresAt.Before(now) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}
