package health

import (
	"context"
	"errors"
	"testing"

	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/db"
)

type fakePinger struct{ err error }

func (f fakePinger) PingContext(context.Context) error { return f.err }

func TestDBChecker(t *testing.T) {
	if err := NewDBChecker(fakePinger{}).HealthCheck(context.Background()); err != nil {
		t.Errorf("expected healthy, got %v", err)
	}
	down := errors.New("connection refused")
	if err := NewDBChecker(fakePinger{err: down}).HealthCheck(context.Background()); !errors.Is(err, down) {
		t.Errorf("expected wrapped ping error, got %v", err)
	}
}

func TestDBChecker_SQLite(t *testing.T) {
	ctx := context.Background()
	d, err := db.Open(ctx, "sqlite::memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	checker := NewDBChecker(d)
	if err := checker.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	_ = d.Close()
	if err := checker.HealthCheck(ctx); err == nil {
		t.Error("expected error after close")
	}
}
