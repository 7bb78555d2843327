package github

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/evidence"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/provider"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/vault"
)

// SampleSize is how many of the most recently updated repositories are
// evaluated per run. It bounds API cost per collection.
const SampleSize = 10

// TokenSource hands out a decrypted GitHub access token.
type TokenSource interface {
	GitHubAccessToken(ctx context.Context, accountID string) (string, error)
}

// RepoFact is the per-repository evaluation stored in artifacts.
type RepoFact struct {
	Repo               string  `json:"repo"`
	Protected          bool    `json:"protected"`
	PRReviewsRequired  bool    `json:"pr_reviews_required"`
	ForcePushesAllowed bool    `json:"force_pushes_allowed"`
	EnforceAdmins      bool    `json:"enforce_admins"`
	Visibility         string  `json:"visibility"`
	Error              *string `json:"error"`
}

// Collector implements provider.Source for GitHub.
type Collector struct {
	client *Client
	tokens TokenSource
	logger *slog.Logger
}

// NewCollector creates a GitHub collector.
func NewCollector(client *Client, tokens TokenSource, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{client: client, tokens: tokens, logger: logger}
}

// Provider returns the GitHub provider tag.
func (c *Collector) Provider() evidence.Provider {
	return evidence.ProviderGitHub
}

// Collect samples the account's repositories and evaluates the five
// GitHub controls.
func (c *Collector) Collect(ctx context.Context, accountID string) evidence.Result {
	token, err := c.tokens.GitHubAccessToken(ctx, accountID)
	switch {
	case errors.Is(err, vault.ErrNotConnected):
		return evidence.Failed(evidence.ProviderGitHub, evidence.Failure{
			Artifacts: evidence.Artifacts{"error": "github_not_connected"},
			Notes:     "GitHub is not connected.",
		})
	case err != nil:
		return evidence.Failed(evidence.ProviderGitHub, evidence.Failure{
			Artifacts: evidence.Artifacts{"error": "github_token_decrypt_failed", "error_type": provider.ErrorType(err)},
			Notes:     "Stored GitHub credentials could not be read; reconnect GitHub.",
			Err:       err,
		})
	}

	repos, err := c.client.ListRepos(ctx, token)
	if err != nil {
		c.logger.WarnContext(ctx, "github repository listing failed",
			"account_id", accountID, "error_type", provider.ErrorType(err))
		return evidence.Failed(evidence.ProviderGitHub, evidence.Failure{
			Artifacts: evidence.Artifacts{"error": "github_repo_list_failed", "error_type": provider.ErrorType(err)},
			Notes:     "Unable to list repositories with the current GitHub token/scopes; reconnect or adjust permissions.",
			Err:       err,
		})
	}
	if len(repos) > SampleSize {
		repos = repos[:SampleSize]
	}
	if len(repos) == 0 {
		return evidence.Failed(evidence.ProviderGitHub, evidence.Failure{
			Artifacts: evidence.Artifacts{"repos_sampled": 0},
			Notes:     "No repositories found for the connected GitHub account.",
		})
	}

	facts := make([]RepoFact, 0, len(repos))
	visibility := map[string]int{"public": 0, "private": 0, "internal": 0, "unknown": 0}
	for _, r := range repos {
		vis := strings.ToLower(r.Visibility)
		if vis == "" {
			vis = "unknown"
		}
		visibility[vis]++

		bp, err := c.client.BranchProtection(ctx, token, r.FullName, r.DefaultBranch)
		if err != nil {
			c.logger.DebugContext(ctx, "branch protection lookup failed",
				"repo", r.FullName, "error_type", provider.ErrorType(err))
		}
		facts = append(facts, evaluate(r.FullName, vis, bp, err))
	}

	return evidence.Ok(evidence.ProviderGitHub, drafts(facts, visibility))
}

// evaluate turns one repository's protection settings into a fact. An
// unprotected branch counts as allowing force pushes. A lookup error leaves
// the repository unprotected.
func evaluate(repo, visibility string, bp *BranchProtection, lookupErr error) RepoFact {
	fact := RepoFact{Repo: repo, Visibility: visibility}
	if lookupErr != nil {
		msg := lookupErr.Error()
		fact.Error = &msg
		bp = nil
	}
	if bp == nil {
		fact.ForcePushesAllowed = true
		return fact
	}
	fact.Protected = true
	fact.PRReviewsRequired = len(bp.RequiredPullRequestReviews) > 0
	fact.ForcePushesAllowed = bp.AllowForcePushes != nil && bp.AllowForcePushes.Enabled
	fact.EnforceAdmins = bp.EnforceAdmins != nil && bp.EnforceAdmins.Enabled
	return fact
}

func drafts(facts []RepoFact, visibility map[string]int) []evidence.Draft {
	n := len(facts)
	var protected, prReviews, forcePush, enforceAdmins, public int
	for _, f := range facts {
		if f.Protected {
			protected++
		}
		if f.PRReviewsRequired {
			prReviews++
		}
		if f.ForcePushesAllowed {
			forcePush++
		}
		if f.EnforceAdmins {
			enforceAdmins++
		}
		if f.Visibility == "public" {
			public++
		}
	}

	draft := func(key string, status evidence.Status, artifacts evidence.Artifacts, notes string) evidence.Draft {
		artifacts["repos_sampled"] = n
		artifacts["per_repo"] = facts
		return evidence.Draft{ControlKey: key, Provider: evidence.ProviderGitHub, Status: status, Artifacts: artifacts, Notes: notes}
	}

	return []evidence.Draft{
		draft(evidence.KeyGHBranchProtection,
			evidence.Aggregate(n, protected, n-protected),
			evidence.Artifacts{"protected": protected, "visibility_counts": visibility},
			evidence.RatioNote("Branch protection enabled", protected, n)),
		draft(evidence.KeyGHPRReviewsRequired,
			evidence.Aggregate(n, prReviews, n-prReviews),
			evidence.Artifacts{"pr_reviews_required": prReviews},
			evidence.RatioNote("PR reviews required", prReviews, n)),
		draft(evidence.KeyGHForcePushesDisabled,
			evidence.AggregateInverse(n, forcePush),
			evidence.Artifacts{"force_pushes_allowed": forcePush},
			"Force pushes should generally be disabled on protected branches."),
		draft(evidence.KeyGHEnforceAdmins,
			evidence.Aggregate(n, enforceAdmins, n-enforceAdmins),
			evidence.Artifacts{"enforce_admins_enabled": enforceAdmins},
			evidence.RatioNote("Admin enforcement enabled", enforceAdmins, n)),
		draft(evidence.KeyGHRepoVisibilityReview,
			evidence.VisibilityStatus(public),
			evidence.Artifacts{"visibility_counts": visibility, "public_repos_in_sample": public},
			"Public repositories may expose code or metadata; review if public repos are intended."),
	}
}
