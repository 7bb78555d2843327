// Package service is the account-scoped facade over collection, export,
// verification, provider connections and data deletion. Every mutating
// operation writes an audit event.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/audit"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/collect"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/evidence"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/export"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/exportstore"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/vault"
)

// ErrUnknownControl is returned by ControlDetail for keys outside the catalogue.
var ErrUnknownControl = evidence.ErrUnknownControl

// ControlSummary is one dashboard row.
type ControlSummary struct {
	Key         string            `json:"key"`
	Provider    evidence.Provider `json:"provider"`
	TitleDA     string            `json:"title_dk"`
	TitleEN     string            `json:"title_en"`
	Status      evidence.Status   `json:"status"`
	CollectedAt *time.Time        `json:"collected_at"`
}

// ControlDetail is a control with its latest artifacts and notes.
type ControlDetail struct {
	ControlSummary
	Artifacts evidence.Artifacts `json:"artifacts"`
	Notes     string             `json:"notes"`
}

// Config wires a Service.
type Config struct {
	Evidence  evidence.Repository
	Tokens    *vault.Tokens
	Collector *collect.Orchestrator
	Exports   *export.Builder
	Store     exportstore.Store
	Audit     *audit.Logger
	AuditRepo audit.Repository
	Logger    *slog.Logger
}

// Service implements the account-facing operations.
type Service struct {
	evidence  evidence.Repository
	tokens    *vault.Tokens
	collector *collect.Orchestrator
	exports   *export.Builder
	store     exportstore.Store
	audit     *audit.Logger
	auditRepo audit.Repository
	logger    *slog.Logger
}

// New creates a Service.
func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		evidence:  cfg.Evidence,
		tokens:    cfg.Tokens,
		collector: cfg.Collector,
		exports:   cfg.Exports,
		store:     cfg.Store,
		audit:     cfg.Audit,
		auditRepo: cfg.AuditRepo,
		logger:    cfg.Logger,
	}
}

// Collect runs a collection for the account.
func (s *Service) Collect(ctx context.Context, accountID string) (*collect.Summary, error) {
	summary, err := s.collector.Collect(ctx, accountID)
	if err != nil {
		if _, auditErr := s.audit.Record(ctx, accountID, audit.ActionCollectNow, audit.OutcomeFailure, nil); auditErr != nil {
			return nil, errors.Join(err, auditErr)
		}
		return nil, err
	}
	if _, err := s.audit.Record(ctx, accountID, audit.ActionCollectNow, audit.OutcomeSuccess, map[string]any{
		"run_id": summary.RunID,
		"status": string(summary.Status),
		"errors": summary.Errors,
	}); err != nil {
		return nil, err
	}
	return summary, nil
}

// Export builds and stores a pack from the latest run.
func (s *Service) Export(ctx context.Context, accountID string) (*export.Pack, error) {
	pack, err := s.exports.Export(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if _, err := s.audit.Record(ctx, accountID, audit.ActionExportPack, audit.OutcomeSuccess, map[string]any{
		"export_id": pack.ID,
		"run_id":    pack.RunID,
		"mode":      pack.Manifest.Mode,
		"integrity": string(pack.Check.Status),
	}); err != nil {
		return nil, err
	}
	return pack, nil
}

// Verify re-checks a stored pack.
func (s *Service) Verify(ctx context.Context, accountID, exportID string) (*export.VerifyResult, error) {
	res, err := s.exports.Verify(ctx, accountID, exportID)
	if err != nil {
		return nil, err
	}
	outcome := audit.OutcomeSuccess
	if !res.Verified {
		outcome = audit.OutcomeFailure
	}
	meta := map[string]any{"export_id": exportID, "verified": res.Verified, "mode": res.Mode}
	if res.Error != "" {
		meta["error"] = res.Error
	}
	if _, err := s.audit.Record(ctx, accountID, audit.ActionVerifyExport, outcome, meta); err != nil {
		return nil, err
	}
	return res, nil
}

// Exports lists the account's stored packs, newest first.
func (s *Service) Exports(ctx context.Context, accountID string) ([]exportstore.Object, error) {
	return s.exports.List(ctx, accountID)
}

// Download returns a stored pack.
func (s *Service) Download(ctx context.Context, accountID, exportID string) ([]byte, error) {
	return s.exports.Download(ctx, accountID, exportID)
}

// ListLatestControls returns one row per catalogue control from the
// newest evidence per key. pack.export_integrity follows the latest export
// self-check when it is newer than the collected row.
func (s *Service) ListLatestControls(ctx context.Context, accountID string) ([]ControlSummary, error) {
	latest, err := s.evidence.LatestEvidence(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest evidence: %w", err)
	}
	check, err := s.latestCheck(ctx, accountID)
	if err != nil {
		return nil, err
	}

	out := make([]ControlSummary, 0, len(evidence.Controls))
	for _, c := range evidence.Controls {
		row := summaryOf(c)
		if ev, ok := latest[c.Key]; ok {
			collected := ev.CollectedAt
			row.Status = ev.Status
			row.CollectedAt = &collected
		}
		if c.Key == evidence.KeyPackExportIntegrity && checkIsNewer(check, latest[c.Key]) {
			checked := check.CheckedAt
			row.Status = check.Status
			row.CollectedAt = &checked
		}
		out = append(out, row)
	}
	return out, nil
}

// ControlDetail returns the latest artifacts and notes for one control.
func (s *Service) ControlDetail(ctx context.Context, accountID, key string) (*ControlDetail, error) {
	c, ok := evidence.Lookup(key)
	if !ok {
		return nil, ErrUnknownControl
	}
	latest, err := s.evidence.LatestEvidence(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest evidence: %w", err)
	}
	ev := latest[key]

	detail := &ControlDetail{
		ControlSummary: summaryOf(c),
		Artifacts:      evidence.Artifacts{},
		Notes:          "No evidence collected yet.",
	}
	if ev != nil {
		collected := ev.CollectedAt
		detail.Status = ev.Status
		detail.CollectedAt = &collected
		detail.Artifacts = ev.Artifacts
		detail.Notes = ev.Notes
	}

	if key == evidence.KeyPackExportIntegrity {
		check, err := s.latestCheck(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if checkIsNewer(check, ev) {
			checked := check.CheckedAt
			detail.Status = check.Status
			detail.CollectedAt = &checked
			detail.Artifacts = evidence.Merge(check.Artifacts, evidence.Artifacts{"export_id": check.ExportID, "run_id": check.RunID})
			detail.Notes = check.Notes
		}
	}
	return detail, nil
}

func (s *Service) latestCheck(ctx context.Context, accountID string) (*evidence.ExportCheck, error) {
	check, err := s.evidence.LatestExportCheck(ctx, accountID)
	if errors.Is(err, evidence.ErrExportCheckNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load export check: %w", err)
	}
	return check, nil
}

func checkIsNewer(check *evidence.ExportCheck, row *evidence.ControlEvidence) bool {
	if check == nil {
		return false
	}
	return row == nil || check.CheckedAt.After(row.CollectedAt)
}

func summaryOf(c evidence.Control) ControlSummary {
	return ControlSummary{
		Key:      c.Key,
		Provider: c.Provider,
		TitleDA:  c.TitleDA,
		TitleEN:  c.TitleEN,
		Status:   evidence.StatusUnknown,
	}
}

// Connections lists both providers without token material.
func (s *Service) Connections(ctx context.Context, accountID string) ([]vault.Connection, error) {
	return s.tokens.Connections(ctx, accountID)
}

// Connect stores token material obtained from a provider OAuth exchange.
func (s *Service) Connect(ctx context.Context, accountID, provider string, tok vault.Token) error {
	if err := s.tokens.Connect(ctx, accountID, provider, tok); err != nil {
		return err
	}
	_, err := s.audit.Record(ctx, accountID, audit.ActionConnectProvider, audit.OutcomeSuccess, map[string]any{
		"provider": provider,
		"scopes":   tok.Scope,
	})
	return err
}

// Disconnect forgets one provider's credential.
func (s *Service) Disconnect(ctx context.Context, accountID, provider string) error {
	if err := s.tokens.Disconnect(ctx, accountID, provider); err != nil {
		return err
	}
	_, err := s.audit.Record(ctx, accountID, audit.ActionForgetProvider, audit.OutcomeSuccess, map[string]any{"provider": provider})
	return err
}

// Wipe deletes the account's evidence, export checks, credentials, stored
// packs and audit history. A fresh audit chain is started with the
// wipe_all event itself.
func (s *Service) Wipe(ctx context.Context, accountID string) error {
	if err := s.evidence.DeleteAccount(ctx, accountID); err != nil {
		return fmt.Errorf("failed to delete evidence: %w", err)
	}
	if err := s.tokens.DisconnectAll(ctx, accountID); err != nil {
		return err
	}
	if err := s.store.DeleteAccount(ctx, accountID); err != nil {
		return fmt.Errorf("failed to delete export packs: %w", err)
	}
	if err := s.auditRepo.DeleteAccount(ctx, accountID); err != nil {
		return fmt.Errorf("failed to delete audit events: %w", err)
	}
	s.logger.InfoContext(ctx, "account data wiped", "account_id", accountID)
	_, err := s.audit.Record(ctx, accountID, audit.ActionWipeAll, audit.OutcomeSuccess, nil)
	return err
}

// AuditEvents returns the account's audit trail, oldest first.
func (s *Service) AuditEvents(ctx context.Context, accountID string, limit int) ([]*audit.Event, error) {
	return s.audit.Events(ctx, accountID, limit)
}
