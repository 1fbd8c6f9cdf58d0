package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"sync"
	"time"

	"kirogate/core"

	_ "modernc.org/sqlite"
)

//go:embed schema/sqlite/schema.sql
var sqliteSchema string

// expectedColumns drives the open-time migration: any column missing
// from an existing table is added with its default.
var expectedColumns = map[string][][2]string{
	"users": {
		{"api_key_hash", "TEXT DEFAULT ''"},
		{"status", "TEXT NOT NULL DEFAULT 'active'"},
	},
	"tokens": {
		{"auth_type", "TEXT NOT NULL DEFAULT 'social'"},
		{"client_id", "TEXT"},
		{"client_secret", "TEXT"},
		{"region", "TEXT NOT NULL DEFAULT 'us-east-1'"},
		{"visibility", "TEXT NOT NULL DEFAULT 'private'"},
		{"opus_enabled", "INTEGER NOT NULL DEFAULT 0"},
		{"last_used", "INTEGER NOT NULL DEFAULT 0"},
		{"last_check", "INTEGER NOT NULL DEFAULT 0"},
		{"last_check_note", "TEXT NOT NULL DEFAULT ''"},
	},
	"custom_api_accounts": {
		{"name", "TEXT NOT NULL DEFAULT ''"},
		{"provider", "TEXT NOT NULL DEFAULT ''"},
		{"model", "TEXT NOT NULL DEFAULT ''"},
	},
}

// SQLiteRepository persists all gateway state in a single database
// file. Secrets are encrypted before they hit a row; mutating
// operations serialize behind mu so multi-statement updates stay atomic
// on the embedded engine.
type SQLiteRepository struct {
	db     *sql.DB
	crypto *core.CryptoService
	mu     sync.Mutex
}

func NewSQLiteRepository(dbPath string, crypto *core.CryptoService) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	repo := &SQLiteRepository{db: db, crypto: crypto}

	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) initSchema() error {
	if _, err := r.db.Exec(sqliteSchema); err != nil {
		return err
	}
	return r.ensureColumns()
}

func (r *SQLiteRepository) ensureColumns() error {
	for table, cols := range expectedColumns {
		existing, err := r.tableColumns(table)
		if err != nil {
			return err
		}
		for _, col := range cols {
			if existing[col[0]] {
				continue
			}
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, col[0], col[1])
			if _, err := r.db.Exec(stmt); err != nil {
				return fmt.Errorf("adding column %s.%s: %w", table, col[0], err)
			}
		}
	}
	return nil
}

func (r *SQLiteRepository) tableColumns(table string) (map[string]bool, error) {
	rows, err := r.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := map[string]bool{}
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dflt sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// User operations

func (r *SQLiteRepository) CreateUser(ctx context.Context, user *core.User) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	query := `
		INSERT INTO users (email, password_digest, status, created_at)
		VALUES (?, ?, ?, ?)
	`
	res, err := r.db.ExecContext(ctx, query,
		user.Email,
		user.PasswordDigest,
		user.Status,
		user.CreatedAt.Unix(),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return 0, core.ErrAlreadyExists
		}
		return 0, err
	}
	return res.LastInsertId()
}

func (r *SQLiteRepository) FindUserByID(ctx context.Context, id int64) (*core.User, error) {
	return r.scanUser(r.db.QueryRowContext(ctx,
		`SELECT id, email, password_digest, status, created_at FROM users WHERE id = ?`, id))
}

func (r *SQLiteRepository) FindUserByEmail(ctx context.Context, email string) (*core.User, error) {
	return r.scanUser(r.db.QueryRowContext(ctx,
		`SELECT id, email, password_digest, status, created_at FROM users WHERE email = ?`, email))
}

func (r *SQLiteRepository) FindUserByAPIKeyHash(ctx context.Context, hash string) (*core.User, error) {
	if hash == "" {
		return nil, core.ErrNotFound
	}
	return r.scanUser(r.db.QueryRowContext(ctx,
		`SELECT id, email, password_digest, status, created_at FROM users WHERE api_key_hash = ?`, hash))
}

func (r *SQLiteRepository) scanUser(row *sql.Row) (*core.User, error) {
	var user core.User
	var createdAt int64

	err := row.Scan(&user.ID, &user.Email, &user.PasswordDigest, &user.Status, &createdAt)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	user.CreatedAt = time.Unix(createdAt, 0)
	return &user, nil
}

func (r *SQLiteRepository) SetUserAPIKeyHash(ctx context.Context, userID int64, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.ExecContext(ctx, `UPDATE users SET api_key_hash = ? WHERE id = ?`, hash, userID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrNotFound
	}
	return nil
}

// Kiro token operations

func (r *SQLiteRepository) CreateKiroToken(ctx context.Context, token *core.KiroToken) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	encRefresh, err := r.crypto.Encrypt(token.RefreshToken)
	if err != nil {
		return 0, fmt.Errorf("encrypting refresh token: %w", err)
	}

	var encClientID, encClientSecret sql.NullString
	if token.ClientID != "" {
		v, err := r.crypto.Encrypt(token.ClientID)
		if err != nil {
			return 0, fmt.Errorf("encrypting client id: %w", err)
		}
		encClientID = sql.NullString{String: v, Valid: true}
	}
	if token.ClientSecret != "" {
		v, err := r.crypto.Encrypt(token.ClientSecret)
		if err != nil {
			return 0, fmt.Errorf("encrypting client secret: %w", err)
		}
		encClientSecret = sql.NullString{String: v, Valid: true}
	}

	query := `
		INSERT INTO tokens (user_id, token_hash, refresh_token, auth_type, client_id, client_secret,
			region, visibility, status, opus_enabled, success_count, fail_count, last_used, last_check, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, 0, ?)
	`
	res, err := r.db.ExecContext(ctx, query,
		token.UserID,
		core.TokenHash(token.RefreshToken),
		encRefresh,
		string(token.AuthType),
		encClientID,
		encClientSecret,
		token.Region,
		token.Visibility,
		token.Status,
		boolToInt(token.OpusEnabled),
		token.CreatedAt.Unix(),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return 0, core.ErrAlreadyExists
		}
		return 0, err
	}
	return res.LastInsertId()
}

const tokenColumns = `id, user_id, token_hash, auth_type, region, visibility, status,
	opus_enabled, success_count, fail_count, last_used, last_check, created_at`

func (r *SQLiteRepository) scanToken(scan func(dest ...any) error) (*core.KiroToken, error) {
	var t core.KiroToken
	var authType string
	var opus int
	var lastUsed, lastCheck, createdAt int64

	err := scan(&t.ID, &t.UserID, &t.TokenHash, &authType, &t.Region, &t.Visibility, &t.Status,
		&opus, &t.SuccessCount, &t.FailCount, &lastUsed, &lastCheck, &createdAt)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	t.AuthType = core.AuthType(authType)
	t.OpusEnabled = opus != 0
	t.LastUsed = time.Unix(lastUsed, 0)
	t.LastCheck = time.Unix(lastCheck, 0)
	t.CreatedAt = time.Unix(createdAt, 0)
	return &t, nil
}

func (r *SQLiteRepository) queryTokens(ctx context.Context, query string, args ...any) ([]*core.KiroToken, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []*core.KiroToken
	for rows.Next() {
		t, err := r.scanToken(rows.Scan)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (r *SQLiteRepository) GetKiroToken(ctx context.Context, id int64) (*core.KiroToken, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE id = ?`, id)
	return r.scanToken(row.Scan)
}

func (r *SQLiteRepository) GetKiroTokensByUser(ctx context.Context, userID int64) ([]*core.KiroToken, error) {
	return r.queryTokens(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE user_id = ? ORDER BY id`, userID)
}

func (r *SQLiteRepository) GetActiveKiroTokensByUser(ctx context.Context, userID int64) ([]*core.KiroToken, error) {
	return r.queryTokens(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE user_id = ? AND status = ? ORDER BY id`,
		userID, core.TokenStatusActive)
}

func (r *SQLiteRepository) GetActiveKiroTokens(ctx context.Context) ([]*core.KiroToken, error) {
	return r.queryTokens(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE status = ? ORDER BY id`, core.TokenStatusActive)
}

func (r *SQLiteRepository) GetTokenCredentials(ctx context.Context, id int64) (*core.TokenCredentials, error) {
	query := `SELECT refresh_token, auth_type, client_id, client_secret, region FROM tokens WHERE id = ?`

	var encRefresh, authType, region string
	var encClientID, encClientSecret sql.NullString

	err := r.db.QueryRowContext(ctx, query, id).Scan(&encRefresh, &authType, &encClientID, &encClientSecret, &region)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	creds := &core.TokenCredentials{
		AuthType: core.AuthType(authType),
		Region:   region,
	}

	creds.RefreshToken, err = r.crypto.Decrypt(encRefresh)
	if err != nil {
		return nil, fmt.Errorf("decrypting refresh token: %w", err)
	}
	if encClientID.Valid && encClientID.String != "" {
		creds.ClientID, err = r.crypto.Decrypt(encClientID.String)
		if err != nil {
			return nil, fmt.Errorf("decrypting client id: %w", err)
		}
	}
	if encClientSecret.Valid && encClientSecret.String != "" {
		creds.ClientSecret, err = r.crypto.Decrypt(encClientSecret.String)
		if err != nil {
			return nil, fmt.Errorf("decrypting client secret: %w", err)
		}
	}
	return creds, nil
}

func (r *SQLiteRepository) SetTokenStatus(ctx context.Context, id int64, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.ExecContext(ctx, `UPDATE tokens SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) DeleteKiroToken(ctx context.Context, id, userID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.ExecContext(ctx, `DELETE FROM tokens WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (r *SQLiteRepository) RecordHealthCheck(ctx context.Context, id int64, ok bool, note string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx,
		`UPDATE tokens SET last_check = ?, last_check_note = ? WHERE id = ?`,
		time.Now().Unix(), note, id)
	return err
}

func (r *SQLiteRepository) TouchTokenLastUsed(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `UPDATE tokens SET last_used = ? WHERE id = ?`, time.Now().Unix(), id)
	return err
}

// Custom API account operations

func (r *SQLiteRepository) CreateCustomAccount(ctx context.Context, account *core.CustomAccount) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	encKey, err := r.crypto.Encrypt(account.APIKey)
	if err != nil {
		return 0, fmt.Errorf("encrypting api key: %w", err)
	}

	query := `
		INSERT INTO custom_api_accounts (user_id, name, api_base, api_key, format, provider, model,
			status, success_count, fail_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?)
	`
	res, err := r.db.ExecContext(ctx, query,
		account.UserID,
		account.Name,
		account.APIBase,
		encKey,
		account.Format,
		account.Provider,
		account.Model,
		account.Status,
		account.CreatedAt.Unix(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const accountColumns = `id, user_id, name, api_base, format, provider, model, status,
	success_count, fail_count, created_at`

func (r *SQLiteRepository) scanAccount(scan func(dest ...any) error) (*core.CustomAccount, error) {
	var a core.CustomAccount
	var createdAt int64

	err := scan(&a.ID, &a.UserID, &a.Name, &a.APIBase, &a.Format, &a.Provider, &a.Model, &a.Status,
		&a.SuccessCount, &a.FailCount, &createdAt)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.CreatedAt = time.Unix(createdAt, 0)
	return &a, nil
}

func (r *SQLiteRepository) queryAccounts(ctx context.Context, query string, args ...any) ([]*core.CustomAccount, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*core.CustomAccount
	for rows.Next() {
		a, err := r.scanAccount(rows.Scan)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (r *SQLiteRepository) GetCustomAccount(ctx context.Context, id, userID int64) (*core.CustomAccount, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM custom_api_accounts WHERE id = ? AND user_id = ?`, id, userID)
	return r.scanAccount(row.Scan)
}

func (r *SQLiteRepository) GetCustomAccountsByUser(ctx context.Context, userID int64) ([]*core.CustomAccount, error) {
	return r.queryAccounts(ctx,
		`SELECT `+accountColumns+` FROM custom_api_accounts WHERE user_id = ? ORDER BY id`, userID)
}

func (r *SQLiteRepository) GetActiveCustomAccountsByUser(ctx context.Context, userID int64) ([]*core.CustomAccount, error) {
	return r.queryAccounts(ctx,
		`SELECT `+accountColumns+` FROM custom_api_accounts WHERE user_id = ? AND status = ? ORDER BY id`,
		userID, core.AccountStatusActive)
}

func (r *SQLiteRepository) GetCustomAccountKey(ctx context.Context, id int64) (string, error) {
	var encKey string
	err := r.db.QueryRowContext(ctx, `SELECT api_key FROM custom_api_accounts WHERE id = ?`, id).Scan(&encKey)
	if err == sql.ErrNoRows {
		return "", core.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return r.crypto.Decrypt(encKey)
}

func (r *SQLiteRepository) UpdateCustomAccount(ctx context.Context, id, userID int64, patch *core.CustomAccountPatch) (bool, error) {
	return r.updateAccount(ctx, id, &userID, patch)
}

func (r *SQLiteRepository) AdminUpdateCustomAccount(ctx context.Context, id int64, patch *core.CustomAccountPatch) (bool, error) {
	return r.updateAccount(ctx, id, nil, patch)
}

func (r *SQLiteRepository) updateAccount(ctx context.Context, id int64, userID *int64, patch *core.CustomAccountPatch) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var sets []string
	var args []any

	add := func(col string, val any) {
		sets = append(sets, col+" = ?")
		args = append(args, val)
	}

	if patch.Name != nil {
		add("name", *patch.Name)
	}
	if patch.APIBase != nil {
		add("api_base", *patch.APIBase)
	}
	if patch.APIKey != nil && *patch.APIKey != "" {
		encKey, err := r.crypto.Encrypt(*patch.APIKey)
		if err != nil {
			return false, fmt.Errorf("encrypting api key: %w", err)
		}
		add("api_key", encKey)
	}
	if patch.Format != nil {
		add("format", *patch.Format)
	}
	if patch.Provider != nil {
		add("provider", *patch.Provider)
	}
	if patch.Model != nil {
		add("model", *patch.Model)
	}
	if patch.Status != nil {
		add("status", *patch.Status)
	}

	if len(sets) == 0 {
		// Nothing to change; still report whether the row matches.
		query := `SELECT COUNT(*) FROM custom_api_accounts WHERE id = ?`
		if userID != nil {
			query += ` AND user_id = ?`
			args = append(args, id, *userID)
		} else {
			args = append(args, id)
		}
		var n int
		if err := r.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
			return false, err
		}
		return n > 0, nil
	}

	query := `UPDATE custom_api_accounts SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	args = append(args, id)
	if userID != nil {
		query += ` AND user_id = ?`
		args = append(args, *userID)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (r *SQLiteRepository) DeleteCustomAccount(ctx context.Context, id, userID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM custom_api_accounts WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (r *SQLiteRepository) AdminGetCustomAccounts(ctx context.Context) ([]*core.CustomAccount, error) {
	return r.queryAccounts(ctx, `SELECT `+accountColumns+` FROM custom_api_accounts ORDER BY id`)
}

func (r *SQLiteRepository) AdminDeleteCustomAccount(ctx context.Context, id int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.ExecContext(ctx, `DELETE FROM custom_api_accounts WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// Counters

func (r *SQLiteRepository) IncrementSuccess(ctx context.Context, kind core.CredentialKind, id int64) error {
	return r.increment(ctx, kind, id, "success_count")
}

func (r *SQLiteRepository) IncrementFail(ctx context.Context, kind core.CredentialKind, id int64) error {
	return r.increment(ctx, kind, id, "fail_count")
}

func (r *SQLiteRepository) increment(ctx context.Context, kind core.CredentialKind, id int64, column string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	table := "tokens"
	if kind == core.KindCustom {
		table = "custom_api_accounts"
	}
	query := fmt.Sprintf("UPDATE %s SET %s = %s + 1 WHERE id = ?", table, column, column)
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

// Session operations

func (r *SQLiteRepository) CreateSession(ctx context.Context, session *core.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	query := `
		INSERT INTO sessions (token_id, token_key_hash, user_id, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		session.TokenID,
		session.TokenKeyHash,
		session.UserID,
		session.CreatedAt.Unix(),
		session.ExpiresAt.Unix(),
	)
	return err
}

func (r *SQLiteRepository) FindSession(ctx context.Context, tokenID string) (*core.Session, error) {
	query := `
		SELECT token_id, token_key_hash, user_id, created_at, expires_at
		FROM sessions
		WHERE token_id = ?
	`

	var s core.Session
	var createdAt, expiresAt int64

	err := r.db.QueryRowContext(ctx, query, tokenID).Scan(
		&s.TokenID, &s.TokenKeyHash, &s.UserID, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	s.CreatedAt = time.Unix(createdAt, 0)
	s.ExpiresAt = time.Unix(expiresAt, 0)
	return &s, nil
}

func (r *SQLiteRepository) DeleteSession(ctx context.Context, tokenID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE token_id = ?`, tokenID)
	return err
}

func (r *SQLiteRepository) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, time.Now().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := err.Error()
	return strings.Contains(errMsg, "UNIQUE constraint failed") ||
		strings.Contains(errMsg, "UNIQUE") ||
		strings.Contains(errMsg, "unique")
}
