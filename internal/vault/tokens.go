package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrTokenExpired is returned when an access token is expired or about to
// expire and cannot be refreshed. The caller must ask for reconnection.
var ErrTokenExpired = errors.New("access token expired and cannot be refreshed")

// RefreshMargin is how close to expiry a token may get before it is refreshed.
const RefreshMargin = 60 * time.Second

// MicrosoftScopes is the scope set requested for Microsoft tokens.
const MicrosoftScopes = "openid profile email offline_access Organization.Read.All Policy.Read.All"

// Token is raw token material as returned by an OAuth token endpoint.
type Token struct {
	AccessToken       string
	RefreshToken      string
	Scope             string
	TokenType         string
	ExpiresAt         *time.Time
	ProviderAccountID string
}

// Refresher exchanges a refresh token for a new token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken, scope string) (*Token, error)
}

// Connection is the display form of a stored credential. It never carries
// token material.
type Connection struct {
	Provider          string     `json:"provider"`
	Connected         bool       `json:"connected"`
	Scopes            string     `json:"scopes"`
	ExpiresAt         *time.Time `json:"expires_at"`
	UpdatedAt         *time.Time `json:"updated_at"`
	ProviderAccountID *string    `json:"provider_account_id"`
}

// TokensConfig configures a Tokens service.
type TokensConfig struct {
	Cipher     *Cipher
	Repository CredentialRepository
	// Refresher handles Microsoft refreshes. Without one, near-expiry
	// Microsoft tokens fail with ErrTokenExpired.
	Refresher Refresher
	Logger    *slog.Logger
	Now       func() time.Time
}

// Tokens encrypts provider tokens on the way in and hands out usable access
// tokens on the way out.
type Tokens struct {
	cipher    *Cipher
	repo      CredentialRepository
	refresher Refresher
	logger    *slog.Logger
	now       func() time.Time
}

// NewTokens creates a Tokens service.
func NewTokens(cfg TokensConfig) *Tokens {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Tokens{
		cipher:    cfg.Cipher,
		repo:      cfg.Repository,
		refresher: cfg.Refresher,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
}

// Connect encrypts token material received from an OAuth exchange and
// upserts it for (account, provider).
func (t *Tokens) Connect(ctx context.Context, accountID, provider string, tok Token) error {
	if !ValidProvider(provider) {
		return ErrUnknownProvider
	}
	if tok.AccessToken == "" {
		return errors.New("access token is required")
	}
	cred, err := t.seal(accountID, provider, tok, nil)
	if err != nil {
		return err
	}
	if err := t.repo.Upsert(ctx, cred); err != nil {
		return fmt.Errorf("failed to store %s credential: %w", provider, err)
	}
	t.logger.InfoContext(ctx, "provider connected", "account_id", accountID, "provider", provider)
	return nil
}

// Disconnect deletes the stored credential.
func (t *Tokens) Disconnect(ctx context.Context, accountID, provider string) error {
	if !ValidProvider(provider) {
		return ErrUnknownProvider
	}
	if err := t.repo.Delete(ctx, accountID, provider); err != nil {
		return fmt.Errorf("failed to delete %s credential: %w", provider, err)
	}
	return nil
}

// DisconnectAll deletes every stored credential of the account.
func (t *Tokens) DisconnectAll(ctx context.Context, accountID string) error {
	creds, err := t.repo.List(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to list credentials: %w", err)
	}
	for _, c := range creds {
		if err := t.repo.Delete(ctx, accountID, c.Provider); err != nil {
			return fmt.Errorf("failed to delete %s credential: %w", c.Provider, err)
		}
	}
	return nil
}

// Connected reports whether a credential is stored for the provider.
func (t *Tokens) Connected(ctx context.Context, accountID, provider string) (bool, error) {
	_, err := t.repo.Get(ctx, accountID, provider)
	if errors.Is(err, ErrNotConnected) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Connections lists both providers with their connection state.
func (t *Tokens) Connections(ctx context.Context, accountID string) ([]Connection, error) {
	creds, err := t.repo.List(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	byProvider := make(map[string]*Credential, len(creds))
	for _, c := range creds {
		byProvider[c.Provider] = c
	}

	out := make([]Connection, 0, 2)
	for _, p := range []string{ProviderGitHub, ProviderMicrosoft} {
		conn := Connection{Provider: p}
		if c, ok := byProvider[p]; ok {
			updated := c.UpdatedAt
			conn.Connected = true
			conn.Scopes = c.Scopes
			conn.ExpiresAt = c.ExpiresAt
			conn.UpdatedAt = &updated
			conn.ProviderAccountID = c.ProviderAccountID
		}
		out = append(out, conn)
	}
	return out, nil
}

// GitHubAccessToken returns the decrypted GitHub token. GitHub OAuth app
// tokens do not expire, so no refresh is attempted.
func (t *Tokens) GitHubAccessToken(ctx context.Context, accountID string) (string, error) {
	cred, err := t.repo.Get(ctx, accountID, ProviderGitHub)
	if err != nil {
		return "", err
	}
	return t.cipher.Decrypt(cred.EncryptedAccessToken)
}

// MicrosoftAccessToken returns a Microsoft access token valid for at least
// RefreshMargin, refreshing and re-storing it when needed. Concurrent
// refreshes for the same account each upsert; the last write wins.
func (t *Tokens) MicrosoftAccessToken(ctx context.Context, accountID string) (string, error) {
	cred, err := t.repo.Get(ctx, accountID, ProviderMicrosoft)
	if err != nil {
		return "", err
	}
	access, err := t.cipher.Decrypt(cred.EncryptedAccessToken)
	if err != nil {
		return "", err
	}
	if cred.ExpiresAt == nil {
		return access, nil
	}
	if cred.ExpiresAt.After(t.now().Add(RefreshMargin)) {
		return access, nil
	}
	if cred.EncryptedRefreshToken == nil || *cred.EncryptedRefreshToken == "" || t.refresher == nil {
		return "", ErrTokenExpired
	}

	refreshToken, err := t.cipher.Decrypt(*cred.EncryptedRefreshToken)
	if err != nil {
		return "", err
	}
	scope := cred.Scopes
	if scope == "" {
		scope = MicrosoftScopes
	}
	refreshed, err := t.refresher.Refresh(ctx, refreshToken, scope)
	if err != nil {
		return "", fmt.Errorf("failed to refresh microsoft token: %w", err)
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = refreshToken
	}
	if refreshed.ProviderAccountID == "" && cred.ProviderAccountID != nil {
		refreshed.ProviderAccountID = *cred.ProviderAccountID
	}

	next, err := t.seal(accountID, ProviderMicrosoft, *refreshed, &cred.CreatedAt)
	if err != nil {
		return "", err
	}
	if err := t.repo.Upsert(ctx, next); err != nil {
		return "", fmt.Errorf("failed to store refreshed microsoft credential: %w", err)
	}
	t.logger.InfoContext(ctx, "microsoft token refreshed", "account_id", accountID)
	return refreshed.AccessToken, nil
}

// seal encrypts token material into a Credential.
func (t *Tokens) seal(accountID, provider string, tok Token, createdAt *time.Time) (*Credential, error) {
	now := t.now().UTC()
	encAccess, err := t.cipher.Encrypt(tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}
	cred := &Credential{
		AccountID:            accountID,
		Provider:             provider,
		EncryptedAccessToken: encAccess,
		Scopes:               tok.Scope,
		TokenType:            tok.TokenType,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if createdAt != nil {
		cred.CreatedAt = *createdAt
	}
	if cred.TokenType == "" {
		cred.TokenType = "bearer"
	}
	if tok.RefreshToken != "" {
		encRefresh, err := t.cipher.Encrypt(tok.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		cred.EncryptedRefreshToken = &encRefresh
	}
	if tok.ExpiresAt != nil {
		exp := tok.ExpiresAt.UTC()
		cred.ExpiresAt = &exp
	}
	if tok.ProviderAccountID != "" {
		id := tok.ProviderAccountID
		cred.ProviderAccountID = &id
	}
	return cred, nil
}
