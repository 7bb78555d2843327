// Package export builds signed, tamper-evident procurement packs from an
// account's latest evidence run and verifies stored packs.
//
// A pack is a zip holding report.md, the inner evidence-pack.zip (one JSON
// file per control plus a digest manifest), pack_manifest.json with digests
// of the first two, and pack_manifest.sig over the canonical manifest.
package export

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/evidence"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/exportstore"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/signing"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/tracing"
)

// AppVersion is stamped into every manifest and report.
const AppVersion = "0.1.0"

// ErrNoEvidence is returned when the account has no evidence run to export.
var ErrNoEvidence = errors.New("no evidence collected yet")

// Signer provides the current signing material.
type Signer interface {
	Material(ctx context.Context) (*signing.Material, error)
}

// Pack is a built and stored export.
type Pack struct {
	ID       string
	RunID    string
	Bytes    []byte
	Manifest PackManifest
	Check    *evidence.ExportCheck
}

// Config configures a Builder.
type Config struct {
	Repository evidence.Repository
	Store      exportstore.Store
	Signer     Signer
	Metrics    *Metrics
	Logger     *slog.Logger
	Now        func() time.Time
	// NewID returns a 32 character hex export id.
	NewID func() string
}

// Builder creates and verifies export packs.
type Builder struct {
	repo    evidence.Repository
	store   exportstore.Store
	signer  Signer
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

// NewBuilder creates a Builder.
func NewBuilder(cfg Config) *Builder {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") }
	}
	return &Builder{
		repo:    cfg.Repository,
		store:   cfg.Store,
		signer:  cfg.Signer,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		now:     cfg.Now,
		newID:   cfg.NewID,
	}
}

// Export builds a pack from the account's latest run, stores it and records
// its integrity self-check.
func (b *Builder) Export(ctx context.Context, accountID string) (pack *Pack, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "export.build")
	start := b.now()
	defer func() {
		endSpan(err)
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		b.metrics.observeExport(outcome, b.now().Sub(start).Seconds())
	}()

	run, err := b.repo.LatestCompletedRun(ctx, accountID)
	if errors.Is(err, evidence.ErrRunNotFound) {
		return nil, ErrNoEvidence
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest run: %w", err)
	}
	rows, err := b.repo.RunEvidence(ctx, accountID, run.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run evidence: %w", err)
	}

	exportID := b.newID()
	tracing.SetAttributes(ctx, attribute.String("export.id", exportID), attribute.String("run.id", run.ID))

	records := Records(rows)
	generatedAt := evidence.FormatTime(run.StartedAt)

	bundle, _, err := buildBundle(records, BundleManifest{
		AppVersion:     AppVersion,
		GeneratedAtUTC: generatedAt,
		RunID:          run.ID,
		UserID:         accountID,
	}, run.StartedAt)
	if err != nil {
		return nil, err
	}

	byKey := make(map[string]ControlRecord, len(records))
	for _, rec := range records {
		byKey[rec.ControlKey] = rec
	}
	report := []byte(RenderReport(generatedAt, AppVersion, byKey))

	material, err := b.signer.Material(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing material: %w", err)
	}
	manifest := PackManifest{
		AppVersion:   AppVersion,
		CreatedAtUTC: evidence.FormatTime(b.now()),
		ExportID:     exportID,
		Hashes: map[string]string{
			BundleName: sha256Hex(bundle),
			ReportName: sha256Hex(report),
		},
		Mode:  material.Mode,
		RunID: run.ID,
	}
	if material.PublicKeyB64 != "" {
		pub := material.PublicKeyB64
		manifest.PublicKeyB64 = &pub
	}
	manifestBytes, err := Canonicalize(manifest)
	if err != nil {
		return nil, err
	}
	sig, err := material.Sign(manifestBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to sign manifest: %w", err)
	}
	sigText := base64.StdEncoding.EncodeToString(sig) + "\n"

	check := b.selfCheck(accountID, exportID, run.ID, bundle)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range []struct {
		name string
		data []byte
	}{
		{ReportName, report},
		{BundleName, bundle},
		{PackManifestName, manifestBytes},
		{PackSigName, []byte(sigText)},
	} {
		if err := writeEntry(zw, e.name, e.data, run.StartedAt); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish pack: %w", err)
	}

	if err := b.store.Put(ctx, accountID, exportID, buf.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to store pack: %w", err)
	}
	if err := b.repo.RecordExportCheck(ctx, check); err != nil {
		return nil, fmt.Errorf("failed to record export check: %w", err)
	}

	b.logger.InfoContext(ctx, "export pack built",
		"account_id", accountID, "export_id", exportID, "run_id", run.ID, "mode", material.Mode, "integrity", check.Status)
	return &Pack{ID: exportID, RunID: run.ID, Bytes: buf.Bytes(), Manifest: manifest, Check: check}, nil
}

// Records turns a run's rows into one record per catalogue control, in
// catalogue order. Controls without a row become unknown with no artifacts.
func Records(rows []*evidence.ControlEvidence) []ControlRecord {
	byKey := make(map[string]*evidence.ControlEvidence, len(rows))
	for _, r := range rows {
		byKey[r.ControlKey] = r
	}
	records := make([]ControlRecord, 0, len(evidence.Controls))
	for _, c := range evidence.Controls {
		r, ok := byKey[c.Key]
		if !ok {
			records = append(records, ControlRecord{
				Artifacts:  evidence.Artifacts{},
				ControlKey: c.Key,
				Notes:      "No evidence.",
				Status:     evidence.StatusUnknown,
			})
			continue
		}
		collected := evidence.FormatTime(r.CollectedAt)
		artifacts := r.Artifacts
		if artifacts == nil {
			artifacts = evidence.Artifacts{}
		}
		records = append(records, ControlRecord{
			Artifacts:   artifacts,
			CollectedAt: &collected,
			ControlKey:  c.Key,
			Notes:       r.Notes,
			Status:      r.Status,
		})
	}
	return records
}

// selfCheck re-opens the bundle just built and validates it against its
// manifest.
func (b *Builder) selfCheck(accountID, exportID, runID string, bundle []byte) *evidence.ExportCheck {
	check := &evidence.ExportCheck{
		ExportID:  exportID,
		AccountID: accountID,
		RunID:     runID,
		CheckedAt: b.now().UTC(),
	}
	missing, mismatches, err := checkBundle(bundle)
	switch {
	case err != nil:
		check.Status = evidence.StatusWarn
		check.Artifacts = evidence.Artifacts{"error": err.Error()}
		check.Notes = "Unable to validate export manifest."
	case len(missing) == 0 && len(mismatches) == 0:
		check.Status = evidence.StatusPass
		check.Artifacts = evidence.Artifacts{"missing_files": missing, "bad_hashes": mismatches}
		check.Notes = "Export manifest validated."
	default:
		check.Status = evidence.StatusWarn
		check.Artifacts = evidence.Artifacts{"missing_files": missing, "bad_hashes": mismatches}
		check.Notes = "Export manifest issues detected."
	}
	return check
}

// List returns the account's stored packs, newest first.
func (b *Builder) List(ctx context.Context, accountID string) ([]exportstore.Object, error) {
	return b.store.List(ctx, accountID)
}

// Download returns a stored pack's bytes.
func (b *Builder) Download(ctx context.Context, accountID, exportID string) ([]byte, error) {
	return b.store.Get(ctx, accountID, exportID)
}
