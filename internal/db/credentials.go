package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/tracing"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/vault"
)

// CredentialRepository implements vault.CredentialRepository on SQL. Token
// columns only ever hold ciphertext produced by vault.Cipher.
type CredentialRepository struct {
	db *DB
}

// NewCredentialRepository creates a CredentialRepository.
func NewCredentialRepository(db *DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

const credentialColumns = `account_id, provider, encrypted_access_token, encrypted_refresh_token,
	scopes, token_type, expires_at, provider_account_id, created_at, updated_at`

func scanCredential(row interface{ Scan(...any) error }) (*vault.Credential, error) {
	var (
		c                vault.Credential
		refresh, account sql.NullString
		expires          sqlTime
		created, updated sqlTime
	)
	if err := row.Scan(&c.AccountID, &c.Provider, &c.EncryptedAccessToken, &refresh,
		&c.Scopes, &c.TokenType, &expires, &account, &created, &updated); err != nil {
		return nil, err
	}
	if refresh.Valid {
		s := refresh.String
		c.EncryptedRefreshToken = &s
	}
	if account.Valid {
		s := account.String
		c.ProviderAccountID = &s
	}
	c.ExpiresAt = expires.ptr()
	c.CreatedAt = created.Time
	c.UpdatedAt = updated.Time
	return &c, nil
}

// Get returns the credential or vault.ErrNotConnected.
func (r *CredentialRepository) Get(ctx context.Context, accountID, provider string) (cred *vault.Credential, err error) {
	ctx, endSpan := r.db.span(ctx, "provider_credentials", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := r.db.rebind(`SELECT ` + credentialColumns + ` FROM provider_credentials WHERE account_id = $1 AND provider = $2`)
	cred, err = scanCredential(r.db.QueryRowContext(ctx, query, accountID, provider))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vault.ErrNotConnected
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return cred, nil
}

// Upsert inserts or replaces the credential. created_at is kept on replace.
func (r *CredentialRepository) Upsert(ctx context.Context, cred *vault.Credential) (err error) {
	ctx, endSpan := r.db.span(ctx, "provider_credentials", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	now := time.Now().UTC()
	created, updated := cred.CreatedAt, cred.UpdatedAt
	if created.IsZero() {
		created = now
	}
	if updated.IsZero() {
		updated = now
	}
	query := r.db.rebind(`
		INSERT INTO provider_credentials (` + credentialColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (account_id, provider) DO UPDATE SET
			encrypted_access_token  = excluded.encrypted_access_token,
			encrypted_refresh_token = excluded.encrypted_refresh_token,
			scopes                  = excluded.scopes,
			token_type              = excluded.token_type,
			expires_at              = excluded.expires_at,
			provider_account_id     = excluded.provider_account_id,
			updated_at              = excluded.updated_at
	`)
	if _, err = r.db.ExecContext(ctx, query,
		cred.AccountID, cred.Provider, cred.EncryptedAccessToken, nullString(cred.EncryptedRefreshToken),
		cred.Scopes, cred.TokenType, r.db.nullTimeArg(cred.ExpiresAt), nullString(cred.ProviderAccountID),
		r.db.timeArg(created), r.db.timeArg(updated)); err != nil {
		return fmt.Errorf("failed to upsert credential: %w", err)
	}
	return nil
}

// Delete removes the credential. Deleting a missing credential is not an error.
func (r *CredentialRepository) Delete(ctx context.Context, accountID, provider string) (err error) {
	ctx, endSpan := r.db.span(ctx, "provider_credentials", tracing.DBOperationDelete)
	defer func() { endSpan(err) }()

	query := r.db.rebind(`DELETE FROM provider_credentials WHERE account_id = $1 AND provider = $2`)
	if _, err = r.db.ExecContext(ctx, query, accountID, provider); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// List returns the account's credentials ordered by provider.
func (r *CredentialRepository) List(ctx context.Context, accountID string) (creds []*vault.Credential, err error) {
	ctx, endSpan := r.db.span(ctx, "provider_credentials", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := r.db.rebind(`SELECT ` + credentialColumns + ` FROM provider_credentials WHERE account_id = $1 ORDER BY provider`)
	rows, err := r.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		creds = append(creds, c)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating credentials: %w", err)
	}
	return creds, nil
}
