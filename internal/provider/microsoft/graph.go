// Package microsoft collects tenant security posture evidence from Microsoft
// Graph and refreshes delegated Microsoft tokens.
package microsoft

import (
	"context"
	"net/http"
	"time"

	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/provider"
)

const (
	// DefaultGraphURL is the public Microsoft Graph endpoint.
	DefaultGraphURL = "https://graph.microsoft.com"
	// GraphTimeout bounds every Graph call.
	GraphTimeout = 25 * time.Second
)

// Organization identifies the connected tenant.
type Organization struct {
	TenantID    string `json:"tenant_id"`
	DisplayName string `json:"display_name"`
}

// SecurityDefaults is the identity security defaults enforcement policy.
type SecurityDefaults struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
	IsEnabled   bool   `json:"isEnabled"`
}

// Graph calls Microsoft Graph with a delegated bearer token.
type Graph struct {
	api *provider.Client
}

// NewGraph creates a Graph client. Empty Name, BaseURL and Timeout take the
// Microsoft Graph defaults.
func NewGraph(cfg provider.ClientConfig) *Graph {
	if cfg.Name == "" {
		cfg.Name = "microsoft"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultGraphURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = GraphTimeout
	}
	return &Graph{api: provider.NewClient(cfg)}
}

func bearer(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	h.Set("Accept", "application/json")
	return h
}

type collection struct {
	Value []map[string]any `json:"value"`
}

// Organization returns the first organization visible to the token.
func (g *Graph) Organization(ctx context.Context, token string) (*Organization, error) {
	var out struct {
		Value []struct {
			ID          string `json:"id"`
			DisplayName string `json:"displayName"`
		} `json:"value"`
	}
	if err := g.api.GetJSON(ctx, "/v1.0/organization?$select=id,displayName", bearer(token), &out); err != nil {
		return nil, err
	}
	org := &Organization{}
	if len(out.Value) > 0 {
		org.TenantID = out.Value[0].ID
		org.DisplayName = out.Value[0].DisplayName
	}
	return org, nil
}

// SecurityDefaults returns the tenant's security defaults policy.
func (g *Graph) SecurityDefaults(ctx context.Context, token string) (*SecurityDefaults, error) {
	var sd SecurityDefaults
	if err := g.api.GetJSON(ctx, "/v1.0/policies/identitySecurityDefaultsEnforcementPolicy", bearer(token), &sd); err != nil {
		return nil, err
	}
	return &sd, nil
}

// CountConditionalAccessPolicies counts policies on the first page (up to 100).
func (g *Graph) CountConditionalAccessPolicies(ctx context.Context, token string) (int, error) {
	return g.count(ctx, token, "/v1.0/identity/conditionalAccess/policies?$top=100&$select=id")
}

// CountDirectoryRoles counts activated directory roles on the first page
// (up to 100).
func (g *Graph) CountDirectoryRoles(ctx context.Context, token string) (int, error) {
	return g.count(ctx, token, "/v1.0/directoryRoles?$top=100&$select=id")
}

func (g *Graph) count(ctx context.Context, token, path string) (int, error) {
	var out collection
	if err := g.api.GetJSON(ctx, path, bearer(token), &out); err != nil {
		return 0, err
	}
	return len(out.Value), nil
}
