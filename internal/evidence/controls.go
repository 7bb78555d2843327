package evidence

// Control keys.
const (
	KeyMSSecurityDefaults     = "ms.security_defaults"
	KeyMSConditionalAccess    = "ms.conditional_access_presence"
	KeyMSAdminSurfaceArea     = "ms.admin_surface_area"
	KeyGHBranchProtection     = "gh.branch_protection"
	KeyGHPRReviewsRequired    = "gh.pr_reviews_required"
	KeyGHForcePushesDisabled  = "gh.force_pushes_disabled"
	KeyGHEnforceAdmins        = "gh.enforce_admins"
	KeyGHRepoVisibilityReview = "gh.repo_visibility_review"
	KeyPackEvidenceFreshness  = "pack.evidence_freshness"
	KeyPackDocCompleteness    = "pack.documentation_completeness"
	KeyPackExportIntegrity    = "pack.export_integrity"
	KeyPackConnectionStatus   = "pack.connection_status"
)

// Control describes one fixed compliance check.
type Control struct {
	Key      string
	Provider Provider
	TitleDA  string
	TitleEN  string
}

// Controls is the fixed catalogue in display order.
var Controls = []Control{
	{KeyMSSecurityDefaults, ProviderMicrosoft, "Microsoft: Security Defaults", "Microsoft: Security Defaults"},
	{KeyMSConditionalAccess, ProviderMicrosoft, "Microsoft: Conditional Access (tilstedeværelse)", "Microsoft: Conditional Access (presence)"},
	{KeyMSAdminSurfaceArea, ProviderMicrosoft, "Microsoft: Admin-overflade (heuristik)", "Microsoft: Admin surface area (heuristic)"},
	{KeyGHBranchProtection, ProviderGitHub, "GitHub: Branch protection på default branch", "GitHub: Branch protection on default branch"},
	{KeyGHPRReviewsRequired, ProviderGitHub, "GitHub: PR reviews krævet", "GitHub: PR reviews required"},
	{KeyGHForcePushesDisabled, ProviderGitHub, "GitHub: Force pushes deaktiveret", "GitHub: Force pushes disabled"},
	{KeyGHEnforceAdmins, ProviderGitHub, "GitHub: Admin enforcement aktiveret", "GitHub: Admin enforcement enabled"},
	{KeyGHRepoVisibilityReview, ProviderGitHub, "GitHub: Repo-visibility review", "GitHub: Repo visibility review"},
	{KeyPackEvidenceFreshness, ProviderPack, "Pack: Evidensens friskhed", "Pack: Evidence freshness"},
	{KeyPackDocCompleteness, ProviderPack, "Pack: Dokumentationsfuldstændighed", "Pack: Documentation completeness"},
	{KeyPackExportIntegrity, ProviderPack, "Pack: Eksportintegritet", "Pack: Export integrity"},
	{KeyPackConnectionStatus, ProviderPack, "Pack: Forbindelsesstatus", "Pack: Connection status"},
}

var controlByKey = func() map[string]Control {
	m := make(map[string]Control, len(Controls))
	for _, c := range Controls {
		m[c.Key] = c
	}
	return m
}()

// Lookup returns the control with the given key.
func Lookup(key string) (Control, bool) {
	c, ok := controlByKey[key]
	return c, ok
}

// KeysFor returns the control keys owned by a provider, in catalogue order.
func KeysFor(p Provider) []string {
	var keys []string
	for _, c := range Controls {
		if c.Provider == p {
			keys = append(keys, c.Key)
		}
	}
	return keys
}

// Keys returns every control key in catalogue order.
func Keys() []string {
	keys := make([]string, len(Controls))
	for i, c := range Controls {
		keys[i] = c.Key
	}
	return keys
}
