package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/evidence"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/middleware"
)

var (
	// ErrNilRepository is returned when a Logger has no repository.
	ErrNilRepository = errors.New("audit repository cannot be nil")
	// ErrInvalidAccount is returned when the account ID is empty.
	ErrInvalidAccount = errors.New("account ID cannot be empty")
	// ErrInvalidAction is returned for actions outside ValidActions.
	ErrInvalidAction = errors.New("invalid audit action")
	// ErrSecretMetadata is returned when metadata carries a credential-shaped key.
	ErrSecretMetadata = errors.New("audit metadata contains credential-shaped key")
)

// ValidActions defines the allowed actions for audit logging.
var ValidActions = map[string]bool{
	ActionCollectNow:      true,
	ActionExportPack:      true,
	ActionVerifyExport:    true,
	ActionConnectProvider: true,
	ActionForgetProvider:  true,
	ActionWipeAll:         true,
}

// Logger validates and records audit events.
type Logger struct {
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
}

// NewLogger creates a Logger. A nil logger uses slog.Default.
func NewLogger(repo Repository, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{repo: repo, logger: logger, now: time.Now}
}

// Record appends an event for the account. The request ID is taken from
// ctx. Audit writes fail closed: the error is returned to the caller.
func (l *Logger) Record(ctx context.Context, accountID, action, outcome string, metadata map[string]any) (*Event, error) {
	return l.record(ctx, Entry{
		AccountID: accountID,
		Action:    action,
		Outcome:   outcome,
		Metadata:  metadata,
		RequestID: middleware.GetRequestID(ctx),
		IPAddress: ClientIP(ctx),
	})
}

func (l *Logger) record(ctx context.Context, entry Entry) (*Event, error) {
	if l == nil || l.repo == nil {
		return nil, ErrNilRepository
	}
	if entry.AccountID == "" {
		return nil, ErrInvalidAccount
	}
	if !ValidActions[entry.Action] {
		return nil, ErrInvalidAction
	}
	if entry.Outcome == "" {
		entry.Outcome = OutcomeSuccess
	}
	meta, err := evidence.Normalize(entry.Metadata)
	if errors.Is(err, evidence.ErrCredentialInArtifacts) {
		return nil, ErrSecretMetadata
	}
	if err != nil {
		return nil, fmt.Errorf("invalid audit metadata: %w", err)
	}
	entry.Metadata = meta

	event, err := l.repo.Append(ctx, entry, l.now())
	if err != nil {
		l.logger.ErrorContext(ctx, "audit write failed", "account_id", entry.AccountID, "action", entry.Action, "error", err)
		return nil, fmt.Errorf("failed to record audit event: %w", err)
	}
	return event, nil
}

// Events returns the account's events, oldest first.
func (l *Logger) Events(ctx context.Context, accountID string, limit int) ([]*Event, error) {
	if l == nil || l.repo == nil {
		return nil, ErrNilRepository
	}
	return l.repo.List(ctx, accountID, limit)
}

// VerifyAccount reports whether the account's full chain is intact.
func (l *Logger) VerifyAccount(ctx context.Context, accountID string) (bool, error) {
	events, err := l.Events(ctx, accountID, 0)
	if err != nil {
		return false, err
	}
	return VerifyChain(events), nil
}

type clientIPKey struct{}

// WithClientIP stores the anonymized client address of r in ctx so events
// recorded while serving the request carry it.
func WithClientIP(ctx context.Context, r *http.Request) context.Context {
	return context.WithValue(ctx, clientIPKey{}, AnonymizeIP(extractIPAddress(r)))
}

// ClientIP returns the anonymized client address stored by WithClientIP.
func ClientIP(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

// extractIPAddress extracts the client IP address from an HTTP request.
// It checks X-Forwarded-For, X-Real-IP, and RemoteAddr in that order.
func extractIPAddress(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if first != "" {
			return stripPort(first)
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return stripPort(xri)
	}
	return stripPort(r.RemoteAddr)
}

func stripPort(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
