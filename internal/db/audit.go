package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/audit"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/tracing"
)

// AuditRepository implements audit.Repository on SQL. Appends are
// serialized in-process; the (account_id, seq) unique key rejects a fork
// written by another process, and the append is retried once.
type AuditRepository struct {
	db *DB
	mu sync.Mutex
}

// NewAuditRepository creates an AuditRepository.
func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db}
}

const auditColumns = `id, account_id, action, outcome, metadata, request_id, ip_address, created_at, previous_hash`

func scanAuditEvent(row interface{ Scan(...any) error }) (*audit.Event, error) {
	var (
		e       audit.Event
		meta    jsonMap
		created sqlTime
	)
	if err := row.Scan(&e.ID, &e.AccountID, &e.Action, &e.Outcome, &meta, &e.RequestID, &e.IPAddress, &created, &e.PreviousHash); err != nil {
		return nil, err
	}
	e.Metadata = meta
	e.CreatedAt = created.Time
	return &e, nil
}

// Append links the entry to the account's last event and stores it.
func (r *AuditRepository) Append(ctx context.Context, entry audit.Entry, createdAt time.Time) (event *audit.Event, err error) {
	ctx, endSpan := r.db.span(ctx, "audit_events", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	r.mu.Lock()
	defer r.mu.Unlock()

	for attempt := 0; attempt < 2; attempt++ {
		event, err = r.append(ctx, entry, createdAt)
		if err == nil {
			return event, nil
		}
	}
	return nil, err
}

func (r *AuditRepository) append(ctx context.Context, entry audit.Entry, createdAt time.Time) (*audit.Event, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin audit append: %w", err)
	}
	defer tx.Rollback()

	prevHash, seq, err := r.last(ctx, tx, entry.AccountID)
	if err != nil {
		return nil, err
	}
	event := audit.NewEvent(entry, createdAt, prevHash)
	meta, err := encodeJSON(event.Metadata)
	if err != nil {
		return nil, err
	}
	query := r.db.rebind(`
		INSERT INTO audit_events (id, account_id, seq, action, outcome, metadata, request_id, ip_address, created_at, previous_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`)
	if _, err := tx.ExecContext(ctx, query,
		event.ID, event.AccountID, seq+1, event.Action, event.Outcome, meta,
		event.RequestID, event.IPAddress, r.db.timeArg(event.CreatedAt), event.PreviousHash); err != nil {
		return nil, fmt.Errorf("failed to insert audit event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit audit event: %w", err)
	}
	return event, nil
}

// last returns the hash and sequence number of the account's newest event.
func (r *AuditRepository) last(ctx context.Context, q queryer, accountID string) (string, int64, error) {
	query := r.db.rebind(`
		SELECT seq, ` + auditColumns + `
		FROM audit_events
		WHERE account_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`)
	var seq int64
	row := q.QueryRowContext(ctx, query, accountID)
	e, err := scanAuditEvent(scanFunc(func(dest ...any) error {
		return row.Scan(append([]any{&seq}, dest...)...)
	}))
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("failed to read last audit event: %w", err)
	}
	return e.Hash(), seq, nil
}

type scanFunc func(dest ...any) error

func (f scanFunc) Scan(dest ...any) error { return f(dest...) }

// List returns the account's events, oldest first.
func (r *AuditRepository) List(ctx context.Context, accountID string, limit int) (events []*audit.Event, err error) {
	ctx, endSpan := r.db.span(ctx, "audit_events", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `SELECT ` + auditColumns + ` FROM audit_events WHERE account_id = $1 ORDER BY seq DESC`
	args := []any{accountID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, r.db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanAuditEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		events = append(events, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit events: %w", err)
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// LastHash returns the Hash of the account's newest event, or "".
func (r *AuditRepository) LastHash(ctx context.Context, accountID string) (hash string, err error) {
	ctx, endSpan := r.db.span(ctx, "audit_events", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	hash, _, err = r.last(ctx, r.db, accountID)
	return hash, err
}

// DeleteAccount removes every event of the account.
func (r *AuditRepository) DeleteAccount(ctx context.Context, accountID string) (err error) {
	ctx, endSpan := r.db.span(ctx, "audit_events", tracing.DBOperationDelete)
	defer func() { endSpan(err) }()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err = r.db.ExecContext(ctx, r.db.rebind(`DELETE FROM audit_events WHERE account_id = $1`), accountID); err != nil {
		return fmt.Errorf("failed to delete audit events: %w", err)
	}
	return nil
}
