// Package github collects branch-protection and visibility evidence from
// the GitHub REST API.
package github

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/provider"
)

const (
	// DefaultBaseURL is the public GitHub REST endpoint.
	DefaultBaseURL = "https://api.github.com"
	// Timeout bounds every GitHub call.
	Timeout = 20 * time.Second
	// APIVersion is sent as X-GitHub-Api-Version.
	APIVersion = "2022-11-28"
)

// Repo is the subset of a repository listing the collector needs.
type Repo struct {
	FullName      string
	DefaultBranch string
	Visibility    string
	Private       bool
}

// BranchProtection is the subset of a branch protection document the
// collector evaluates.
type BranchProtection struct {
	RequiredPullRequestReviews map[string]any `json:"required_pull_request_reviews"`
	AllowForcePushes           *enabledFlag   `json:"allow_force_pushes"`
	EnforceAdmins              *enabledFlag   `json:"enforce_admins"`
}

type enabledFlag struct {
	Enabled bool `json:"enabled"`
}

// Client calls the GitHub REST API with a bearer token.
type Client struct {
	api *provider.Client
}

// NewClient creates a GitHub client. Empty Name, BaseURL and Timeout take
// the GitHub defaults.
func NewClient(cfg provider.ClientConfig) *Client {
	if cfg.Name == "" {
		cfg.Name = "github"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = Timeout
	}
	return &Client{api: provider.NewClient(cfg)}
}

func headers(token string) http.Header {
	h := http.Header{}
	h.Set("Accept", "application/vnd.github+json")
	h.Set("Authorization", "Bearer "+token)
	h.Set("X-GitHub-Api-Version", APIVersion)
	return h
}

// ListRepos returns up to 100 repositories, most recently updated first.
func (c *Client) ListRepos(ctx context.Context, token string) ([]Repo, error) {
	var raw []struct {
		FullName      string `json:"full_name"`
		DefaultBranch string `json:"default_branch"`
		Visibility    string `json:"visibility"`
		Private       bool   `json:"private"`
	}
	if err := c.api.GetJSON(ctx, "/user/repos?per_page=100&sort=updated", headers(token), &raw); err != nil {
		return nil, err
	}

	repos := make([]Repo, 0, len(raw))
	for _, r := range raw {
		repo := Repo{
			FullName:      r.FullName,
			DefaultBranch: r.DefaultBranch,
			Visibility:    r.Visibility,
			Private:       r.Private,
		}
		if repo.DefaultBranch == "" {
			repo.DefaultBranch = "main"
		}
		if repo.Visibility == "" {
			repo.Visibility = "public"
			if r.Private {
				repo.Visibility = "private"
			}
		}
		repos = append(repos, repo)
	}
	return repos, nil
}

// BranchProtection returns the protection settings of a branch, or nil
// when the branch is not protected (404).
func (c *Client) BranchProtection(ctx context.Context, token, fullName, branch string) (*BranchProtection, error) {
	path := "/repos/" + escapeSegments(fullName) + "/branches/" + escapeSegments(branch) + "/protection"
	resp, err := c.api.Do(ctx, http.MethodGet, path, headers(token), nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err := c.api.CheckStatus(resp); err != nil {
		return nil, err
	}
	var bp BranchProtection
	if err := c.api.Decode(resp, &bp); err != nil {
		return nil, err
	}
	return &bp, nil
}

func escapeSegments(s string) string {
	parts := strings.Split(s, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
