package collect

import (
	"sort"
	"time"

	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/evidence"
)

// StaleAfterDays is the evidence freshness threshold.
const StaleAfterDays = 7

// hygieneDrafts derives the four pack controls from the rows already written
// for the run.
func hygieneDrafts(rows []*evidence.ControlEvidence, githubConnected, microsoftConnected bool, now time.Time) []evidence.Draft {
	return []evidence.Draft{
		freshness(rows, now),
		completeness(rows),
		exportIntegrityPlaceholder(),
		connectionStatus(githubConnected, microsoftConnected),
	}
}

func packDraft(key string, status evidence.Status, artifacts evidence.Artifacts, notes string) evidence.Draft {
	return evidence.Draft{ControlKey: key, Provider: evidence.ProviderPack, Status: status, Artifacts: artifacts, Notes: notes}
}

func freshness(rows []*evidence.ControlEvidence, now time.Time) evidence.Draft {
	var newest time.Time
	for _, r := range rows {
		if r.CollectedAt.After(newest) {
			newest = r.CollectedAt
		}
	}
	if newest.IsZero() {
		return packDraft(evidence.KeyPackEvidenceFreshness, evidence.StatusUnknown,
			evidence.Artifacts{"newest_collected_at": nil},
			"No evidence collected yet.")
	}
	status := evidence.StatusPass
	if newest.Before(now.Add(-StaleAfterDays * 24 * time.Hour)) {
		status = evidence.StatusWarn
	}
	return packDraft(evidence.KeyPackEvidenceFreshness, status,
		evidence.Artifacts{"newest_collected_at": evidence.FormatTime(newest), "stale_days_threshold": StaleAfterDays},
		"Evidence should be refreshed regularly for procurement processes.")
}

func completeness(rows []*evidence.ControlEvidence) evidence.Draft {
	present := make(map[string]bool, len(rows))
	for _, r := range rows {
		present[r.ControlKey] = true
	}
	missing := []string{}
	for _, p := range []evidence.Provider{evidence.ProviderGitHub, evidence.ProviderMicrosoft} {
		for _, key := range evidence.KeysFor(p) {
			if !present[key] {
				missing = append(missing, key)
			}
		}
	}
	sort.Strings(missing)

	if len(missing) > 0 {
		return packDraft(evidence.KeyPackDocCompleteness, evidence.StatusWarn,
			evidence.Artifacts{"missing_provider_controls": missing},
			"All controls should have evidence artifacts for a complete pack.")
	}
	return packDraft(evidence.KeyPackDocCompleteness, evidence.StatusPass,
		evidence.Artifacts{"missing_provider_controls": missing},
		"All controls have evidence rows.")
}

func exportIntegrityPlaceholder() evidence.Draft {
	return packDraft(evidence.KeyPackExportIntegrity, evidence.StatusUnknown,
		evidence.Artifacts{"note": "Validated during export."},
		"Run export to validate manifest and artifact integrity.")
}

func connectionStatus(github, microsoft bool) evidence.Draft {
	artifacts := evidence.Artifacts{"github_connected": github, "microsoft_connected": microsoft}
	if github && microsoft {
		return packDraft(evidence.KeyPackConnectionStatus, evidence.StatusPass, artifacts, "Both providers connected.")
	}
	return packDraft(evidence.KeyPackConnectionStatus, evidence.StatusWarn, artifacts, "One or more providers are not connected.")
}
