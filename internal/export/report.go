package export

import (
	"fmt"
	"strings"

	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/evidence"
)

const maxReportErrorLen = 120

var statusOrder = []evidence.Status{evidence.StatusPass, evidence.StatusWarn, evidence.StatusFail, evidence.StatusUnknown}

// RenderReport renders report.md from the pack's control records. The output
// depends only on its arguments.
func RenderReport(generatedAt, appVersion string, records map[string]ControlRecord) string {
	var b strings.Builder

	b.WriteString("# DK Procurement Security Pack\n\n")
	fmt.Fprintf(&b, "Generated (UTC): %s\n", generatedAt)
	fmt.Fprintf(&b, "App version: %s\n\n", appVersion)

	b.WriteString("## Databehandling (DK)\n")
	b.WriteString("- Denne pakke er genereret lokalt i jeres miljø (self-hosted).\n")
	b.WriteString("- Ingen telemetry og ingen ekstern analytics.\n")
	b.WriteString("- OAuth tokens lagres krypteret i databasen (AES-256-GCM).\n")
	b.WriteString("- Evidens hentes kun ved manuel \"Collect now\".\n")
	b.WriteString("- Eksportpakker indeholder ikke tokens, client secrets eller nøgler.\n")
	b.WriteString("- Data kan slettes via \"Forget provider\" og \"Wipe all data\".\n\n")

	b.WriteString("## Data handling statement (EN)\n")
	b.WriteString("- This pack is generated locally in your environment (self-hosted).\n")
	b.WriteString("- No telemetry and no external analytics.\n")
	b.WriteString("- OAuth tokens are stored encrypted in the database (AES-256-GCM).\n")
	b.WriteString("- Evidence is fetched only when you manually click \"Collect now\".\n")
	b.WriteString("- Export packs do not include tokens, client secrets, or encryption keys.\n")
	b.WriteString("- Data can be deleted via \"Forget provider\" and \"Wipe all data\".\n\n")

	totals := map[evidence.Status]int{}
	byProvider := map[evidence.Provider]map[evidence.Status]int{}
	type unknownControl struct{ key, notes string }
	var unknowns []unknownControl

	for _, c := range evidence.Controls {
		rec := records[c.Key]
		status := rec.Status
		if !status.Valid() {
			status = evidence.StatusUnknown
		}
		totals[status]++
		if byProvider[c.Provider] == nil {
			byProvider[c.Provider] = map[evidence.Status]int{}
		}
		byProvider[c.Provider][status]++
		if status == evidence.StatusUnknown {
			unknowns = append(unknowns, unknownControl{key: c.Key, notes: strings.TrimSpace(rec.Notes)})
		}
	}

	b.WriteString("## Evidensoversigt / Evidence Summary\n\n")
	fmt.Fprintf(&b, "- Controls total: %d\n", len(evidence.Controls))
	fmt.Fprintf(&b, "- Pass: %d\n", totals[evidence.StatusPass])
	fmt.Fprintf(&b, "- Warn: %d\n", totals[evidence.StatusWarn])
	fmt.Fprintf(&b, "- Fail: %d\n", totals[evidence.StatusFail])
	fmt.Fprintf(&b, "- Unknown: %d\n\n", totals[evidence.StatusUnknown])

	b.WriteString("### By provider\n\n")
	b.WriteString("| Provider | Pass | Warn | Fail | Unknown |\n")
	b.WriteString("|---|---:|---:|---:|---:|\n")
	for _, p := range []evidence.Provider{evidence.ProviderMicrosoft, evidence.ProviderGitHub, evidence.ProviderPack} {
		fmt.Fprintf(&b, "| %s", p)
		for _, s := range statusOrder {
			fmt.Fprintf(&b, " | %d", byProvider[p][s])
		}
		b.WriteString(" |\n")
	}
	b.WriteString("\n")

	if len(unknowns) > 0 {
		b.WriteString("### Unknown controls (why)\n\n")
		for _, u := range unknowns {
			if u.notes != "" {
				fmt.Fprintf(&b, "- `%s`: %s\n", u.key, u.notes)
			} else {
				fmt.Fprintf(&b, "- `%s`\n", u.key)
			}
		}
		b.WriteString("\n")
	}

	writeRepoSample(&b, records[evidence.KeyGHBranchProtection].Artifacts)

	b.WriteString("## Controls\n\n")
	for _, c := range evidence.Controls {
		rec := records[c.Key]
		status := rec.Status
		if status == "" {
			status = evidence.StatusUnknown
		}
		fmt.Fprintf(&b, "### %s\n", c.TitleDA)
		fmt.Fprintf(&b, "### %s\n", c.TitleEN)
		fmt.Fprintf(&b, "- Key: `%s`\n", c.Key)
		fmt.Fprintf(&b, "- Provider: `%s`\n", c.Provider)
		fmt.Fprintf(&b, "- Status: **%s**\n", status)
		if rec.CollectedAt != nil && *rec.CollectedAt != "" {
			fmt.Fprintf(&b, "- Collected at (UTC): %s\n", *rec.CollectedAt)
		}
		if rec.Notes != "" {
			b.WriteString("\n")
			b.WriteString(strings.TrimSpace(rec.Notes) + "\n")
		}
		b.WriteString("\n")
	}

	return b.String()
}

// writeRepoSample renders the GitHub per-repository table when the branch
// protection artifacts carry one.
func writeRepoSample(b *strings.Builder, artifacts evidence.Artifacts) {
	perRepo, _ := artifacts["per_repo"].([]any)
	if len(perRepo) == 0 {
		return
	}
	b.WriteString("## GitHub repo sample summary\n\n")
	b.WriteString("| Repo | Protected | PR reviews | Force pushes allowed | Enforce admins | Visibility | Error |\n")
	b.WriteString("|---|---:|---:|---:|---:|---|---|\n")
	for _, item := range perRepo {
		r, ok := item.(map[string]any)
		if !ok {
			continue
		}
		errText := strings.ReplaceAll(str(r["error"]), "\n", " ")
		if runes := []rune(errText); len(runes) > maxReportErrorLen {
			errText = string(runes[:maxReportErrorLen])
		}
		fmt.Fprintf(b, "| %s | %s | %s | %s | %s | %s | %s |\n",
			str(r["repo"]),
			yesNo(r["protected"]),
			yesNo(r["pr_reviews_required"]),
			yesNo(r["force_pushes_allowed"]),
			yesNo(r["enforce_admins"]),
			str(r["visibility"]),
			errText,
		)
	}
	b.WriteString("\n")
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func yesNo(v any) string {
	if b, _ := v.(bool); b {
		return "yes"
	}
	return "no"
}
