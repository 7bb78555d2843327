package vault

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()
	key, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey: %v", err)
	}
	c, err := NewCipher(key)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	return c
}

func TestCipher_RoundTrip(t *testing.T) {
	c := newTestCipher(t)

	for _, s := range []string{"", "gho_abc123", "æøå unicode", strings.Repeat("x", 4096)} {
		ct, err := c.Encrypt(s)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		if s != "" && strings.Contains(ct, s) {
			t.Errorf("ciphertext contains plaintext")
		}
		pt, err := c.Decrypt(ct)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if pt != s {
			t.Errorf("round trip mismatch: got %q, want %q", pt, s)
		}
	}
}

func TestCipher_NonceIsRandom(t *testing.T) {
	c := newTestCipher(t)
	a, _ := c.Encrypt("same")
	b, _ := c.Encrypt("same")
	if a == b {
		t.Error("expected distinct ciphertexts for identical plaintext")
	}
}

func TestCipher_TamperIsDecryptError(t *testing.T) {
	c := newTestCipher(t)
	ct, err := c.Encrypt("secret-token")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	raw, _ := base64.URLEncoding.DecodeString(ct)

	for i := range raw {
		flipped := bytes.Clone(raw)
		flipped[i] ^= 0x01
		_, err := c.Decrypt(base64.URLEncoding.EncodeToString(flipped))
		var de *DecryptError
		if !errors.As(err, &de) {
			t.Fatalf("byte %d: expected *DecryptError, got %v", i, err)
		}
		if !errors.Is(err, ErrDecrypt) {
			t.Fatalf("byte %d: expected errors.Is ErrDecrypt", i)
		}
	}
}

func TestCipher_WrongKeyAndGarbage(t *testing.T) {
	a := newTestCipher(t)
	b := newTestCipher(t)
	ct, _ := a.Encrypt("token")

	tests := []struct {
		name  string
		input string
	}{
		{"wrong key", ct},
		{"not base64", "%%%"},
		{"too short", base64.URLEncoding.EncodeToString([]byte("short"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := b.Decrypt(tt.input); !errors.Is(err, ErrDecrypt) {
				t.Errorf("expected ErrDecrypt, got %v", err)
			}
		})
	}
}

func TestNewCipher_KeyFormats(t *testing.T) {
	raw := bytes.Repeat([]byte{0xfb}, 32)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if _, err := NewCipher(enc.EncodeToString(raw)); err != nil {
			t.Errorf("expected key accepted, got %v", err)
		}
	}
	if _, err := NewCipher(base64.StdEncoding.EncodeToString([]byte("too short"))); !errors.Is(err, ErrInvalidMasterKey) {
		t.Errorf("expected ErrInvalidMasterKey, got %v", err)
	}
}

func TestCipher_DeriveKey(t *testing.T) {
	c := newTestCipher(t)
	k1, err := c.DeriveKey("dkpack-export-mac")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	k2, _ := c.DeriveKey("dkpack-export-mac")
	k3, _ := c.DeriveKey("other-label")
	if len(k1) != 32 || !bytes.Equal(k1, k2) {
		t.Error("derived key not deterministic")
	}
	if bytes.Equal(k1, k3) {
		t.Error("labels must separate keys")
	}
}

type fakeRefresher struct {
	mu    sync.Mutex
	calls int
	token *Token
	err   error
}

func (f *fakeRefresher) Refresh(_ context.Context, refreshToken, scope string) (*Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	tok := *f.token
	return &tok, nil
}

func newTestTokens(t *testing.T, refresher Refresher, now time.Time) (*Tokens, *InMemoryCredentialRepository) {
	t.Helper()
	repo := NewInMemoryCredentialRepository()
	tokens := NewTokens(TokensConfig{
		Cipher:     newTestCipher(t),
		Repository: repo,
		Refresher:  refresher,
		Now:        func() time.Time { return now },
	})
	return tokens, repo
}

func TestTokens_ConnectStoresCiphertextOnly(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tokens, repo := newTestTokens(t, nil, now)

	if err := tokens.Connect(ctx, "acct", ProviderGitHub, Token{AccessToken: "gho_secret", Scope: "repo"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	cred, err := repo.Get(ctx, "acct", ProviderGitHub)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if strings.Contains(cred.EncryptedAccessToken, "gho_secret") {
		t.Error("access token stored in clear")
	}
	got, err := tokens.GitHubAccessToken(ctx, "acct")
	if err != nil || got != "gho_secret" {
		t.Errorf("GitHubAccessToken = %q, %v", got, err)
	}

	if err := tokens.Connect(ctx, "acct", "gitlab", Token{AccessToken: "x"}); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestTokens_MicrosoftRefreshPolicy(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	far := now.Add(time.Hour)
	near := now.Add(30 * time.Second)
	newExp := now.Add(2 * time.Hour)

	tests := []struct {
		name         string
		stored       Token
		refresher    *fakeRefresher
		wantToken    string
		wantErr      error
		wantCalls    int
		wantExpiry   *time.Time
		wantRefreshT string
	}{
		{
			name:      "no expiry returns stored token",
			stored:    Token{AccessToken: "at-1"},
			refresher: &fakeRefresher{},
			wantToken: "at-1",
		},
		{
			name:      "expiry beyond margin returns stored token",
			stored:    Token{AccessToken: "at-1", RefreshToken: "rt-1", ExpiresAt: &far},
			refresher: &fakeRefresher{},
			wantToken: "at-1",
		},
		{
			name:      "near expiry without refresh token fails",
			stored:    Token{AccessToken: "at-1", ExpiresAt: &near},
			refresher: &fakeRefresher{},
			wantErr:   ErrTokenExpired,
		},
		{
			name:         "near expiry refreshes and keeps old refresh token",
			stored:       Token{AccessToken: "at-1", RefreshToken: "rt-1", ExpiresAt: &near},
			refresher:    &fakeRefresher{token: &Token{AccessToken: "at-2", Scope: MicrosoftScopes, ExpiresAt: &newExp}},
			wantToken:    "at-2",
			wantCalls:    1,
			wantExpiry:   &newExp,
			wantRefreshT: "rt-1",
		},
		{
			name:         "near expiry refreshes with rotated refresh token",
			stored:       Token{AccessToken: "at-1", RefreshToken: "rt-1", ExpiresAt: &near},
			refresher:    &fakeRefresher{token: &Token{AccessToken: "at-2", RefreshToken: "rt-2", ExpiresAt: &newExp}},
			wantToken:    "at-2",
			wantCalls:    1,
			wantExpiry:   &newExp,
			wantRefreshT: "rt-2",
		},
		{
			name:      "refresh failure surfaces",
			stored:    Token{AccessToken: "at-1", RefreshToken: "rt-1", ExpiresAt: &near},
			refresher: &fakeRefresher{err: errors.New("invalid_grant")},
			wantErr:   errors.New("any"),
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			tokens, repo := newTestTokens(t, tt.refresher, now)
			if err := tokens.Connect(ctx, "acct", ProviderMicrosoft, tt.stored); err != nil {
				t.Fatalf("Connect: %v", err)
			}

			got, err := tokens.MicrosoftAccessToken(ctx, "acct")
			if tt.wantErr != nil {
				if err == nil {
					t.Fatal("expected error")
				}
				if errors.Is(tt.wantErr, ErrTokenExpired) && !errors.Is(err, ErrTokenExpired) {
					t.Errorf("expected ErrTokenExpired, got %v", err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.wantToken {
				t.Errorf("token = %q, want %q", got, tt.wantToken)
			}
			if tt.refresher.calls != tt.wantCalls {
				t.Errorf("refresh calls = %d, want %d", tt.refresher.calls, tt.wantCalls)
			}

			if tt.wantExpiry != nil {
				cred, _ := repo.Get(ctx, "acct", ProviderMicrosoft)
				if cred.ExpiresAt == nil || !cred.ExpiresAt.Equal(*tt.wantExpiry) {
					t.Errorf("stored expiry = %v, want %v", cred.ExpiresAt, tt.wantExpiry)
				}
				rt, err := tokens.cipher.Decrypt(*cred.EncryptedRefreshToken)
				if err != nil || rt != tt.wantRefreshT {
					t.Errorf("stored refresh token = %q, %v; want %q", rt, err, tt.wantRefreshT)
				}
				if cred.Scopes != MicrosoftScopes && tt.refresher.token.Scope != "" {
					t.Errorf("stored scopes = %q", cred.Scopes)
				}
			}
		})
	}
}

func TestTokens_DecryptErrorSurfaces(t *testing.T) {
	ctx := context.Background()
	tokens, repo := newTestTokens(t, nil, time.Now())
	if err := repo.Upsert(ctx, &Credential{AccountID: "acct", Provider: ProviderGitHub, EncryptedAccessToken: "garbage"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, err := tokens.GitHubAccessToken(ctx, "acct"); !errors.Is(err, ErrDecrypt) {
		t.Errorf("expected ErrDecrypt, got %v", err)
	}
}

func TestTokens_DisconnectAndConnections(t *testing.T) {
	ctx := context.Background()
	tokens, _ := newTestTokens(t, nil, time.Now())
	_ = tokens.Connect(ctx, "acct", ProviderGitHub, Token{AccessToken: "a"})

	conns, err := tokens.Connections(ctx, "acct")
	if err != nil {
		t.Fatalf("Connections: %v", err)
	}
	if len(conns) != 2 || !conns[0].Connected || conns[1].Connected {
		t.Errorf("unexpected connections %+v", conns)
	}

	if err := tokens.Disconnect(ctx, "acct", ProviderGitHub); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if ok, _ := tokens.Connected(ctx, "acct", ProviderGitHub); ok {
		t.Error("expected disconnected")
	}
	if _, err := tokens.GitHubAccessToken(ctx, "acct"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestTokens_DisconnectAll(t *testing.T) {
	ctx := context.Background()
	tokens, repo := newTestTokens(t, nil, time.Now())
	_ = tokens.Connect(ctx, "acct", ProviderGitHub, Token{AccessToken: "a"})
	_ = tokens.Connect(ctx, "acct", ProviderMicrosoft, Token{AccessToken: "b", ProviderAccountID: "tenant-1"})
	_ = tokens.Connect(ctx, "other", ProviderGitHub, Token{AccessToken: "c"})

	conns, _ := tokens.Connections(ctx, "acct")
	if conns[1].ProviderAccountID == nil || *conns[1].ProviderAccountID != "tenant-1" {
		t.Errorf("expected provider account id, got %+v", conns[1])
	}

	if err := tokens.DisconnectAll(ctx, "acct"); err != nil {
		t.Fatalf("DisconnectAll: %v", err)
	}
	if creds, _ := repo.List(ctx, "acct"); len(creds) != 0 {
		t.Errorf("expected no credentials, got %d", len(creds))
	}
	if ok, _ := tokens.Connected(ctx, "other", ProviderGitHub); !ok {
		t.Error("other accounts must be untouched")
	}
}
