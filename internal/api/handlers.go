package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/audit"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/export"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/exportstore"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/middleware"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/service"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/vault"
)

// PackFilename is the download name of a freshly built pack.
const PackFilename = "dk-security-pack.zip"

// maxTokenBody bounds PUT /connections/{provider} bodies.
const maxTokenBody = 64 << 10

// Handlers holds the account-scoped route handlers.
type Handlers struct {
	svc    PackService
	logger *slog.Logger
}

func account(r *http.Request) string {
	return middleware.GetAccountID(r.Context())
}

// internalError logs err and writes a generic 500; error details never
// reach the client.
func (h *Handlers) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.ErrorContext(r.Context(), msg, "account_id", account(r), "error", err)
	writeCode(w, r, ErrCodeInternal, "Internal server error")
}

// ListControls handles GET /controls and GET /dashboard.
func (h *Handlers) ListControls(w http.ResponseWriter, r *http.Request) {
	rows, err := h.svc.ListLatestControls(r.Context(), account(r))
	if err != nil {
		h.internalError(w, r, "failed to list controls", err)
		return
	}
	writeJSON(w, r, http.StatusOK, rows)
}

// ControlDetail handles GET /controls/{key}.
func (h *Handlers) ControlDetail(w http.ResponseWriter, r *http.Request) {
	detail, err := h.svc.ControlDetail(r.Context(), account(r), r.PathValue("key"))
	switch {
	case errors.Is(err, service.ErrUnknownControl):
		writeCode(w, r, ErrCodeUnknownControl, "Unknown control")
	case err != nil:
		h.internalError(w, r, "failed to load control", err)
	default:
		writeJSON(w, r, http.StatusOK, detail)
	}
}

// Collect handles POST /collect.
func (h *Handlers) Collect(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.Collect(r.Context(), account(r))
	if err != nil {
		h.internalError(w, r, "evidence collection failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, summary)
}

// Connections handles GET /connections.
func (h *Handlers) Connections(w http.ResponseWriter, r *http.Request) {
	conns, err := h.svc.Connections(r.Context(), account(r))
	if err != nil {
		h.internalError(w, r, "failed to list connections", err)
		return
	}
	writeJSON(w, r, http.StatusOK, conns)
}

// connectRequest is token material handed over after an OAuth exchange.
type connectRequest struct {
	AccessToken       string     `json:"access_token"`
	RefreshToken      string     `json:"refresh_token"`
	Scope             string     `json:"scope"`
	TokenType         string     `json:"token_type"`
	ExpiresIn         int64      `json:"expires_in"`
	ExpiresAt         *time.Time `json:"expires_at"`
	ProviderAccountID string     `json:"provider_account_id"`
}

func (c connectRequest) token(now time.Time) vault.Token {
	tok := vault.Token{
		AccessToken:       c.AccessToken,
		RefreshToken:      c.RefreshToken,
		Scope:             c.Scope,
		TokenType:         c.TokenType,
		ExpiresAt:         c.ExpiresAt,
		ProviderAccountID: c.ProviderAccountID,
	}
	if tok.ExpiresAt == nil && c.ExpiresIn > 0 {
		exp := now.Add(time.Duration(c.ExpiresIn) * time.Second).UTC()
		tok.ExpiresAt = &exp
	}
	return tok
}

// Connect handles PUT /connections/{provider}.
func (h *Handlers) Connect(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(r.PathValue("provider"))
	if !vault.ValidProvider(provider) {
		writeCode(w, r, ErrCodeUnknownProvider, "Unknown provider")
		return
	}
	var req connectRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxTokenBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeCode(w, r, ErrCodeBadRequest, "Request body must be a token JSON object")
		return
	}
	if strings.TrimSpace(req.AccessToken) == "" {
		writeCode(w, r, ErrCodeValidation, "access_token is required")
		return
	}
	if err := h.svc.Connect(r.Context(), account(r), provider, req.token(time.Now())); err != nil {
		h.internalError(w, r, "failed to store connection", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Disconnect handles DELETE /connections/{provider}.
func (h *Handlers) Disconnect(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(r.PathValue("provider"))
	err := h.svc.Disconnect(r.Context(), account(r), provider)
	switch {
	case errors.Is(err, vault.ErrUnknownProvider):
		writeCode(w, r, ErrCodeUnknownProvider, "Unknown provider")
	case err != nil:
		h.internalError(w, r, "failed to forget provider", err)
	default:
		writeJSON(w, r, http.StatusOK, map[string]bool{"ok": true})
	}
}

// Export handles POST /export: builds, stores and returns a new pack.
func (h *Handlers) Export(w http.ResponseWriter, r *http.Request) {
	pack, err := h.svc.Export(r.Context(), account(r))
	switch {
	case errors.Is(err, export.ErrNoEvidence):
		writeCode(w, r, ErrCodeNoEvidence, "Collect evidence before exporting")
		return
	case err != nil:
		h.internalError(w, r, "export failed", err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", PackFilename))
	w.Header().Set("X-Export-ID", pack.ID)
	w.Header().Set("X-Export-Integrity", string(pack.Check.Status))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(pack.Bytes); err != nil {
		h.logger.WarnContext(r.Context(), "failed to write pack", "export_id", pack.ID, "error", err)
	}
}

// ListExports handles GET /exports.
func (h *Handlers) ListExports(w http.ResponseWriter, r *http.Request) {
	objs, err := h.svc.Exports(r.Context(), account(r))
	if err != nil {
		h.internalError(w, r, "failed to list exports", err)
		return
	}
	writeJSON(w, r, http.StatusOK, objs)
}

// Download handles GET /exports/{id}.
func (h *Handlers) Download(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	data, err := h.svc.Download(r.Context(), account(r), id)
	switch {
	case errors.Is(err, exportstore.ErrNotFound), errors.Is(err, exportstore.ErrInvalidID):
		writeCode(w, r, ErrCodeNotFound, "Export not found")
		return
	case err != nil:
		h.internalError(w, r, "failed to load export", err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "dk-security-pack-"+id+".zip"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// Verify handles GET /exports/{id}/verify. Missing and malformed packs are
// reported in the result body, not as HTTP errors.
func (h *Handlers) Verify(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Verify(r.Context(), account(r), r.PathValue("id"))
	if err != nil {
		h.internalError(w, r, "verification failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// AuditEvents handles GET /audit?format=json|csv&limit=N. A full listing
// also reports whether the hash chain is intact.
func (h *Handlers) AuditEvents(w http.ResponseWriter, r *http.Request) {
	format, err := audit.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeCode(w, r, ErrCodeValidation, "format must be json or csv")
		return
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		limit, err = strconv.Atoi(s)
		if err != nil || limit < 0 {
			writeCode(w, r, ErrCodeValidation, "limit must be a non-negative integer")
			return
		}
	}

	events, err := h.svc.AuditEvents(r.Context(), account(r), limit)
	if err != nil {
		h.internalError(w, r, "failed to load audit events", err)
		return
	}
	data, err := audit.ExportEvents(events, format)
	if err != nil {
		h.internalError(w, r, "failed to encode audit events", err)
		return
	}

	if limit == 0 {
		w.Header().Set("X-Audit-Chain-Valid", strconv.FormatBool(audit.VerifyChain(events)))
	}
	if format == audit.ExportFormatCSV {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="audit-events.csv"`)
	} else {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// Wipe handles POST /wipe.
func (h *Handlers) Wipe(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Wipe(r.Context(), account(r)); err != nil {
		h.internalError(w, r, "wipe failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]bool{"ok": true})
}
