// Package health provides readiness checks for the pack service's
// dependencies.
package health

import (
	"context"
	"fmt"
)

// Pinger is satisfied by *sql.DB and *db.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// DBChecker checks the relational store.
type DBChecker struct {
	db Pinger
}

// NewDBChecker creates a database health checker.
func NewDBChecker(db Pinger) *DBChecker {
	return &DBChecker{db: db}
}

// HealthCheck pings the database.
func (d *DBChecker) HealthCheck(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping: %w", err)
	}
	return nil
}
