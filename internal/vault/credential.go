package vault

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Provider names accepted by the vault.
const (
	ProviderGitHub    = "github"
	ProviderMicrosoft = "microsoft"
)

// ErrNotConnected is returned when no credential exists for the provider.
var ErrNotConnected = errors.New("provider not connected")

// ErrUnknownProvider is returned for providers other than github/microsoft.
var ErrUnknownProvider = errors.New("unknown provider")

// Credential is the stored form of a provider connection. Token fields hold
// ciphertext only.
type Credential struct {
	AccountID             string
	Provider              string
	EncryptedAccessToken  string
	EncryptedRefreshToken *string
	Scopes                string
	TokenType             string
	ExpiresAt             *time.Time
	ProviderAccountID     *string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// CredentialRepository stores one credential per (account, provider).
type CredentialRepository interface {
	// Get returns the credential or ErrNotConnected.
	Get(ctx context.Context, accountID, provider string) (*Credential, error)

	// Upsert inserts or replaces the credential for (account, provider).
	// CreatedAt is preserved on replace.
	Upsert(ctx context.Context, cred *Credential) error

	// Delete removes the credential. Deleting a missing credential is not an error.
	Delete(ctx context.Context, accountID, provider string) error

	// List returns the account's credentials ordered by provider.
	List(ctx context.Context, accountID string) ([]*Credential, error)
}

// ValidProvider reports whether p is a provider the vault stores.
func ValidProvider(p string) bool {
	return p == ProviderGitHub || p == ProviderMicrosoft
}

type credentialKey struct {
	accountID string
	provider  string
}

// InMemoryCredentialRepository is an in-memory CredentialRepository.
// Used for testing and development. Thread-safe via RWMutex.
type InMemoryCredentialRepository struct {
	mu    sync.RWMutex
	creds map[credentialKey]*Credential
}

// NewInMemoryCredentialRepository creates an empty repository.
func NewInMemoryCredentialRepository() *InMemoryCredentialRepository {
	return &InMemoryCredentialRepository{
		creds: make(map[credentialKey]*Credential),
	}
}

// Get returns the credential or ErrNotConnected.
func (r *InMemoryCredentialRepository) Get(_ context.Context, accountID, provider string) (*Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cred, ok := r.creds[credentialKey{accountID, provider}]
	if !ok {
		return nil, ErrNotConnected
	}
	credCopy := *cred
	return &credCopy, nil
}

// Upsert inserts or replaces the credential.
func (r *InMemoryCredentialRepository) Upsert(_ context.Context, cred *Credential) error {
	if !ValidProvider(cred.Provider) {
		return ErrUnknownProvider
	}
	credCopy := *cred
	key := credentialKey{cred.AccountID, cred.Provider}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.creds[key]; ok {
		credCopy.CreatedAt = existing.CreatedAt
	}
	r.creds[key] = &credCopy
	return nil
}

// Delete removes the credential.
func (r *InMemoryCredentialRepository) Delete(_ context.Context, accountID, provider string) error {
	r.mu.Lock()
	delete(r.creds, credentialKey{accountID, provider})
	r.mu.Unlock()
	return nil
}

// List returns the account's credentials ordered by provider.
func (r *InMemoryCredentialRepository) List(_ context.Context, accountID string) ([]*Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Credential
	for key, cred := range r.creds {
		if key.accountID == accountID {
			credCopy := *cred
			out = append(out, &credCopy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}
