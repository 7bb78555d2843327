package microsoft

import (
	"context"
	"errors"
	"log/slog"

	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/evidence"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/provider"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/vault"
)

// TokenSource hands out a Microsoft access token, refreshing it if needed.
type TokenSource interface {
	MicrosoftAccessToken(ctx context.Context, accountID string) (string, error)
}

// Collector implements provider.Source for Microsoft Graph.
type Collector struct {
	graph  *Graph
	tokens TokenSource
	logger *slog.Logger
}

// NewCollector creates a Microsoft collector.
func NewCollector(graph *Graph, tokens TokenSource, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{graph: graph, tokens: tokens, logger: logger}
}

// Provider returns the Microsoft provider tag.
func (c *Collector) Provider() evidence.Provider {
	return evidence.ProviderMicrosoft
}

// Collect reads tenant posture from Graph. A Graph API error affects only
// the control that needed it; any other failure fails the whole provider.
func (c *Collector) Collect(ctx context.Context, accountID string) evidence.Result {
	token, err := c.tokens.MicrosoftAccessToken(ctx, accountID)
	switch {
	case errors.Is(err, vault.ErrNotConnected):
		return evidence.Failed(evidence.ProviderMicrosoft, evidence.Failure{
			Artifacts: evidence.Artifacts{"error": "microsoft_not_connected"},
			Notes:     "Microsoft is not connected.",
		})
	case err != nil:
		return evidence.Failed(evidence.ProviderMicrosoft, evidence.Failure{
			Artifacts: evidence.Artifacts{"error": "microsoft_token_invalid", "error_type": provider.ErrorType(err)},
			Notes:     tokenNote(err),
			Err:       err,
		})
	}

	shared := evidence.Artifacts{}
	org, err := c.graph.Organization(ctx, token)
	if apiErr, ok := asAPIError(err); ok {
		shared["organization_error"] = errorArtifact(apiErr)
	} else if err != nil {
		return c.collectionFailed(ctx, accountID, err)
	} else {
		shared["organization"] = org
	}

	var drafts []evidence.Draft

	sd, err := c.graph.SecurityDefaults(ctx, token)
	if apiErr, ok := asAPIError(err); ok {
		drafts = append(drafts, unknownDraft(evidence.KeyMSSecurityDefaults, apiErr, shared,
			"Unable to read Security Defaults via Graph with current permissions."))
	} else if err != nil {
		return c.collectionFailed(ctx, accountID, err)
	} else {
		drafts = append(drafts, draft(evidence.KeyMSSecurityDefaults,
			evidence.SecurityDefaultsStatus(sd.IsEnabled),
			evidence.Merge(evidence.Artifacts{"security_defaults": sd}, shared),
			"Security Defaults enabled is generally a baseline when Conditional Access is not configured."))
	}

	policies, err := c.graph.CountConditionalAccessPolicies(ctx, token)
	if apiErr, ok := asAPIError(err); ok {
		drafts = append(drafts, unknownDraft(evidence.KeyMSConditionalAccess, apiErr, shared,
			"Unable to list Conditional Access policies via Graph with current permissions."))
	} else if err != nil {
		return c.collectionFailed(ctx, accountID, err)
	} else {
		drafts = append(drafts, draft(evidence.KeyMSConditionalAccess,
			evidence.ConditionalAccessStatus(policies),
			evidence.Merge(evidence.Artifacts{"conditional_access_policy_count": policies}, shared),
			"Conditional Access policies are a common control for enforcing MFA and access constraints."))
	}

	roles, err := c.graph.CountDirectoryRoles(ctx, token)
	if apiErr, ok := asAPIError(err); ok {
		drafts = append(drafts, unknownDraft(evidence.KeyMSAdminSurfaceArea, apiErr, shared,
			"Unable to read directory roles via Graph with current permissions."))
	} else if err != nil {
		return c.collectionFailed(ctx, accountID, err)
	} else {
		drafts = append(drafts, draft(evidence.KeyMSAdminSurfaceArea,
			evidence.AdminSurfaceStatus(roles),
			evidence.Merge(evidence.Artifacts{"directory_roles_count": roles}, shared),
			"Heuristic only: review privileged roles and assignments periodically."))
	}

	return evidence.Ok(evidence.ProviderMicrosoft, drafts)
}

func (c *Collector) collectionFailed(ctx context.Context, accountID string, err error) evidence.Result {
	c.logger.WarnContext(ctx, "microsoft graph collection failed",
		"account_id", accountID, "error_type", provider.ErrorType(err))
	return evidence.Failed(evidence.ProviderMicrosoft, evidence.Failure{
		Artifacts: evidence.Artifacts{"error": "microsoft_collection_failed", "error_type": provider.ErrorType(err)},
		Notes:     "Microsoft evidence collection failed; reconnect or check permissions/admin consent.",
		Err:       err,
	})
}

func tokenNote(err error) string {
	switch {
	case errors.Is(err, vault.ErrDecrypt):
		return "Stored Microsoft credentials could not be decrypted; reconnect Microsoft."
	case errors.Is(err, vault.ErrTokenExpired):
		return "Microsoft access token expired and cannot be refreshed; reconnect Microsoft."
	default:
		return "Microsoft token refresh failed; reconnect Microsoft."
	}
}

func asAPIError(err error) (*provider.APIError, bool) {
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

func errorArtifact(e *provider.APIError) map[string]any {
	return map[string]any{"status_code": e.StatusCode, "message": e.Error()}
}

func draft(key string, status evidence.Status, artifacts evidence.Artifacts, notes string) evidence.Draft {
	return evidence.Draft{ControlKey: key, Provider: evidence.ProviderMicrosoft, Status: status, Artifacts: artifacts, Notes: notes}
}

func unknownDraft(key string, e *provider.APIError, shared evidence.Artifacts, notes string) evidence.Draft {
	return draft(key, evidence.StatusUnknown, evidence.Merge(evidence.Artifacts{"error": errorArtifact(e)}, shared), notes)
}
