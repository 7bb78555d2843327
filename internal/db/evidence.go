package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/evidence"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/tracing"
)

// EvidenceRepository implements evidence.Repository on SQL.
type EvidenceRepository struct {
	db *DB
}

// NewEvidenceRepository creates an EvidenceRepository.
func NewEvidenceRepository(db *DB) *EvidenceRepository {
	return &EvidenceRepository{db: db}
}

// CreateRun opens a run in the started state.
func (r *EvidenceRepository) CreateRun(ctx context.Context, accountID string, startedAt time.Time) (run *evidence.Run, err error) {
	ctx, endSpan := r.db.span(ctx, "evidence_runs", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	run = &evidence.Run{
		ID:        uuid.New().String(),
		AccountID: accountID,
		StartedAt: startedAt.UTC().Truncate(time.Microsecond),
		Status:    evidence.RunStarted,
	}
	query := r.db.rebind(`
		INSERT INTO evidence_runs (id, account_id, started_at, status)
		VALUES ($1, $2, $3, $4)
	`)
	if _, err = r.db.ExecContext(ctx, query, run.ID, accountID, r.db.timeArg(run.StartedAt), string(run.Status)); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return run, nil
}

// FinishRun moves a started run to a terminal state.
func (r *EvidenceRepository) FinishRun(ctx context.Context, accountID, runID string, status evidence.RunStatus, errorSummary *string, finishedAt time.Time) (err error) {
	ctx, endSpan := r.db.span(ctx, "evidence_runs", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	query := r.db.rebind(`
		UPDATE evidence_runs
		SET status = $1, error_summary = $2, finished_at = $3
		WHERE id = $4 AND account_id = $5 AND status = $6
	`)
	res, err := r.db.ExecContext(ctx, query,
		string(status), nullString(errorSummary), r.db.timeArg(finishedAt),
		runID, accountID, string(evidence.RunStarted))
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := r.GetRun(ctx, accountID, runID); err != nil {
		return err
	}
	return evidence.ErrRunFinished
}

const runColumns = `id, account_id, started_at, finished_at, status, error_summary`

func scanRun(row interface{ Scan(...any) error }) (*evidence.Run, error) {
	var (
		run      evidence.Run
		started  sqlTime
		finished sqlTime
		status   string
		summary  sql.NullString
	)
	if err := row.Scan(&run.ID, &run.AccountID, &started, &finished, &status, &summary); err != nil {
		return nil, err
	}
	run.StartedAt = started.Time
	run.FinishedAt = finished.ptr()
	run.Status = evidence.RunStatus(status)
	if summary.Valid {
		s := summary.String
		run.ErrorSummary = &s
	}
	return &run, nil
}

// GetRun returns one run.
func (r *EvidenceRepository) GetRun(ctx context.Context, accountID, runID string) (run *evidence.Run, err error) {
	ctx, endSpan := r.db.span(ctx, "evidence_runs", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := r.db.rebind(`SELECT ` + runColumns + ` FROM evidence_runs WHERE id = $1 AND account_id = $2`)
	run, err = scanRun(r.db.QueryRowContext(ctx, query, runID, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, evidence.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// LatestCompletedRun returns the most recently started success or partial run.
func (r *EvidenceRepository) LatestCompletedRun(ctx context.Context, accountID string) (run *evidence.Run, err error) {
	ctx, endSpan := r.db.span(ctx, "evidence_runs", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := r.db.rebind(`
		SELECT ` + runColumns + `
		FROM evidence_runs
		WHERE account_id = $1 AND status IN ($2, $3)
		ORDER BY started_at DESC
		LIMIT 1
	`)
	run, err = scanRun(r.db.QueryRowContext(ctx, query, accountID, string(evidence.RunSuccess), string(evidence.RunPartial)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, evidence.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest run: %w", err)
	}
	return run, nil
}

// AddEvidence writes one row. A second row for the same (run, key) is
// rejected with evidence.ErrDuplicateEvidence.
func (r *EvidenceRepository) AddEvidence(ctx context.Context, ev *evidence.ControlEvidence) (out *evidence.ControlEvidence, err error) {
	row, err := evidence.PrepareEvidence(ev)
	if err != nil {
		return nil, err
	}
	row.CollectedAt = row.CollectedAt.UTC().Truncate(time.Microsecond)

	run, err := r.GetRun(ctx, row.AccountID, row.RunID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, evidence.ErrRunFinished
	}

	ctx, endSpan := r.db.span(ctx, "control_evidence", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	artifacts, err := encodeJSON(row.Artifacts)
	if err != nil {
		return nil, err
	}
	query := r.db.rebind(`
		INSERT INTO control_evidence (id, account_id, run_id, control_key, provider, status, artifacts, notes, collected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id, control_key) DO NOTHING
	`)
	res, err := r.db.ExecContext(ctx, query,
		row.ID, row.AccountID, row.RunID, row.ControlKey, string(row.Provider), string(row.Status),
		artifacts, row.Notes, r.db.timeArg(row.CollectedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to add evidence: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to add evidence: %w", err)
	}
	if n == 0 {
		return nil, evidence.ErrDuplicateEvidence
	}
	return row, nil
}

const evidenceColumns = `id, account_id, run_id, control_key, provider, status, artifacts, notes, collected_at`

func scanEvidence(row interface{ Scan(...any) error }) (*evidence.ControlEvidence, error) {
	var (
		ev        evidence.ControlEvidence
		provider  string
		status    string
		artifacts jsonMap
		collected sqlTime
	)
	if err := row.Scan(&ev.ID, &ev.AccountID, &ev.RunID, &ev.ControlKey, &provider, &status, &artifacts, &ev.Notes, &collected); err != nil {
		return nil, err
	}
	ev.Provider = evidence.Provider(provider)
	ev.Status = evidence.Status(status)
	ev.Artifacts = evidence.Artifacts(artifacts)
	ev.CollectedAt = collected.Time
	return &ev, nil
}

func (r *EvidenceRepository) queryEvidence(ctx context.Context, query string, args ...any) ([]*evidence.ControlEvidence, error) {
	rows, err := r.db.QueryContext(ctx, r.db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query evidence: %w", err)
	}
	defer rows.Close()

	var out []*evidence.ControlEvidence
	for rows.Next() {
		ev, err := scanEvidence(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan evidence: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating evidence: %w", err)
	}
	return out, nil
}

// RunEvidence returns every row of a run in catalogue order.
func (r *EvidenceRepository) RunEvidence(ctx context.Context, accountID, runID string) (rows []*evidence.ControlEvidence, err error) {
	ctx, endSpan := r.db.span(ctx, "control_evidence", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err = r.queryEvidence(ctx, `
		SELECT `+evidenceColumns+`
		FROM control_evidence
		WHERE account_id = $1 AND run_id = $2
	`, accountID, runID)
	if err != nil {
		return nil, err
	}
	evidence.SortByCatalogue(rows)
	return rows, nil
}

// LatestEvidence returns the newest row per control key across runs.
func (r *EvidenceRepository) LatestEvidence(ctx context.Context, accountID string) (latest map[string]*evidence.ControlEvidence, err error) {
	ctx, endSpan := r.db.span(ctx, "control_evidence", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := r.queryEvidence(ctx, `
		SELECT `+evidenceColumns+`
		FROM control_evidence
		WHERE account_id = $1
		ORDER BY collected_at ASC
	`, accountID)
	if err != nil {
		return nil, err
	}
	latest = make(map[string]*evidence.ControlEvidence)
	for _, ev := range rows {
		latest[ev.ControlKey] = ev
	}
	return latest, nil
}

// RecordExportCheck stores an export self-check result.
func (r *EvidenceRepository) RecordExportCheck(ctx context.Context, check *evidence.ExportCheck) (err error) {
	ctx, endSpan := r.db.span(ctx, "export_checks", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	normalized, err := evidence.Normalize(check.Artifacts)
	if err != nil {
		return err
	}
	artifacts, err := encodeJSON(normalized)
	if err != nil {
		return err
	}
	query := r.db.rebind(`
		INSERT INTO export_checks (export_id, account_id, run_id, status, artifacts, notes, checked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`)
	if _, err = r.db.ExecContext(ctx, query,
		check.ExportID, check.AccountID, check.RunID, string(check.Status),
		artifacts, check.Notes, r.db.timeArg(check.CheckedAt)); err != nil {
		return fmt.Errorf("failed to record export check: %w", err)
	}
	return nil
}

// LatestExportCheck returns the newest export self-check.
func (r *EvidenceRepository) LatestExportCheck(ctx context.Context, accountID string) (check *evidence.ExportCheck, err error) {
	ctx, endSpan := r.db.span(ctx, "export_checks", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := r.db.rebind(`
		SELECT export_id, account_id, run_id, status, artifacts, notes, checked_at
		FROM export_checks
		WHERE account_id = $1
		ORDER BY checked_at DESC
		LIMIT 1
	`)
	var (
		c         evidence.ExportCheck
		status    string
		artifacts jsonMap
		checked   sqlTime
	)
	err = r.db.QueryRowContext(ctx, query, accountID).Scan(
		&c.ExportID, &c.AccountID, &c.RunID, &status, &artifacts, &c.Notes, &checked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, evidence.ErrExportCheckNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get export check: %w", err)
	}
	c.Status = evidence.Status(status)
	c.Artifacts = evidence.Artifacts(artifacts)
	c.CheckedAt = checked.Time
	return &c, nil
}

// DeleteAccount removes runs, evidence and export checks for the account.
func (r *EvidenceRepository) DeleteAccount(ctx context.Context, accountID string) (err error) {
	ctx, endSpan := r.db.span(ctx, "evidence_runs", tracing.DBOperationDelete)
	defer func() { endSpan(err) }()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"control_evidence", "export_checks", "evidence_runs"} {
		if _, err = tx.ExecContext(ctx, r.db.rebind(`DELETE FROM `+table+` WHERE account_id = $1`), accountID); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", table, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}
