package db

import (
	"context"
	"fmt"
	"strings"
)

// schema holds the DDL. {{ts}} and {{json}} are replaced per dialect.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS evidence_runs (
		id            TEXT PRIMARY KEY,
		account_id    TEXT NOT NULL,
		started_at    {{ts}} NOT NULL,
		finished_at   {{ts}},
		status        TEXT NOT NULL,
		error_summary TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_evidence_runs_account_started ON evidence_runs (account_id, started_at)`,

	`CREATE TABLE IF NOT EXISTS control_evidence (
		id           TEXT PRIMARY KEY,
		account_id   TEXT NOT NULL,
		run_id       TEXT NOT NULL REFERENCES evidence_runs (id) ON DELETE CASCADE,
		control_key  TEXT NOT NULL,
		provider     TEXT NOT NULL,
		status       TEXT NOT NULL,
		artifacts    {{json}} NOT NULL,
		notes        TEXT NOT NULL,
		collected_at {{ts}} NOT NULL,
		UNIQUE (run_id, control_key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_control_evidence_account_key ON control_evidence (account_id, control_key, collected_at)`,

	`CREATE TABLE IF NOT EXISTS export_checks (
		export_id  TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		run_id     TEXT NOT NULL,
		status     TEXT NOT NULL,
		artifacts  {{json}} NOT NULL,
		notes      TEXT NOT NULL,
		checked_at {{ts}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_export_checks_account ON export_checks (account_id, checked_at)`,

	`CREATE TABLE IF NOT EXISTS provider_credentials (
		account_id              TEXT NOT NULL,
		provider                TEXT NOT NULL,
		encrypted_access_token  TEXT NOT NULL,
		encrypted_refresh_token TEXT,
		scopes                  TEXT NOT NULL,
		token_type              TEXT NOT NULL,
		expires_at              {{ts}},
		provider_account_id     TEXT,
		created_at              {{ts}} NOT NULL,
		updated_at              {{ts}} NOT NULL,
		PRIMARY KEY (account_id, provider)
	)`,

	`CREATE TABLE IF NOT EXISTS audit_events (
		id            TEXT PRIMARY KEY,
		account_id    TEXT NOT NULL,
		seq           BIGINT NOT NULL,
		action        TEXT NOT NULL,
		outcome       TEXT NOT NULL,
		metadata      {{json}} NOT NULL,
		request_id    TEXT NOT NULL,
		ip_address    TEXT NOT NULL,
		created_at    {{ts}} NOT NULL,
		previous_hash TEXT NOT NULL,
		UNIQUE (account_id, seq)
	)`,
}

// EnsureSchema creates missing tables and indexes. It is idempotent.
func (d *DB) EnsureSchema(ctx context.Context) error {
	ts, js := "TIMESTAMPTZ", "JSONB"
	if d.dialect == SQLite {
		ts, js = "TEXT", "TEXT"
	}
	r := strings.NewReplacer("{{ts}}", ts, "{{json}}", js)
	for _, stmt := range schema {
		if _, err := d.ExecContext(ctx, r.Replace(stmt)); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
