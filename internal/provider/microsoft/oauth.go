package microsoft

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/provider"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/vault"
)

const (
	// DefaultLoginURL is the Microsoft identity platform authority.
	DefaultLoginURL = "https://login.microsoftonline.com"
	// DefaultTenant accepts any work or school account.
	DefaultTenant = "organizations"
	// OAuthTimeout bounds token endpoint calls.
	OAuthTimeout = 20 * time.Second
)

// ErrOAuthNotConfigured is returned when no client credentials are set.
var ErrOAuthNotConfigured = errors.New("microsoft oauth client is not configured")

// OAuthConfig configures the token endpoint client.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	Tenant       string
	// LoginURL overrides DefaultLoginURL.
	LoginURL   string
	HTTPClient *http.Client
	Now        func() time.Time
}

// OAuth refreshes delegated tokens against the Microsoft identity platform.
// It implements vault.Refresher.
type OAuth struct {
	api          *provider.Client
	clientID     string
	clientSecret string
	tenant       string
	now          func() time.Time
}

// NewOAuth creates an OAuth token client.
func NewOAuth(cfg OAuthConfig) *OAuth {
	if cfg.Tenant == "" {
		cfg.Tenant = DefaultTenant
	}
	if cfg.LoginURL == "" {
		cfg.LoginURL = DefaultLoginURL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &OAuth{
		api: provider.NewClient(provider.ClientConfig{
			Name:       "microsoft oauth",
			BaseURL:    cfg.LoginURL,
			Timeout:    OAuthTimeout,
			HTTPClient: cfg.HTTPClient,
		}),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		tenant:       cfg.Tenant,
		now:          cfg.Now,
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Refresh exchanges a refresh token for a new access token.
func (o *OAuth) Refresh(ctx context.Context, refreshToken, scope string) (*vault.Token, error) {
	if o.clientID == "" || o.clientSecret == "" {
		return nil, ErrOAuthNotConfigured
	}
	form := url.Values{}
	form.Set("client_id", o.clientID)
	form.Set("client_secret", o.clientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("scope", scope)

	h := http.Header{}
	h.Set("Content-Type", "application/x-www-form-urlencoded")
	h.Set("Accept", "application/json")

	path := "/" + url.PathEscape(o.tenant) + "/oauth2/v2.0/token"
	resp, err := o.api.Do(ctx, http.MethodPost, path, h, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	if err := o.api.CheckStatus(resp); err != nil {
		return nil, err
	}

	var tr tokenResponse
	if err := o.api.Decode(resp, &tr); err != nil {
		return nil, err
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("microsoft token response has no access token")
	}

	tok := &vault.Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		Scope:        tr.Scope,
		TokenType:    tr.TokenType,
	}
	if tok.Scope == "" {
		tok.Scope = scope
	}
	if tr.ExpiresIn > 0 {
		exp := o.now().UTC().Add(time.Duration(tr.ExpiresIn) * time.Second)
		tok.ExpiresAt = &exp
	}
	return tok, nil
}
