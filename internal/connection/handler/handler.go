// Package handler exposes the connection lifecycle over HTTP for the
// console frontend.
package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"xerolink/internal/catalog"
	"xerolink/internal/connection/models"
	"xerolink/internal/platform/middleware"
	"xerolink/internal/report"
	"xerolink/internal/syncer"
	"xerolink/internal/tax"
	dErrors "xerolink/pkg/domain-errors"
	"xerolink/pkg/platform/httputil"
)

// Service is the connection machine surface the handler drives.
type Service interface {
	EnsureSession(ctx context.Context, id string) (*models.Session, error)
	Connect(ctx context.Context, sessionID string) (string, error)
	HandleCallback(ctx context.Context, sessionID, code, state string) error
	HandleCallbackError(ctx context.Context, sessionID, errCode string) (string, error)
	SelectTenant(ctx context.Context, sessionID, tenantID string) error
	LoadAll(ctx context.Context, sessionID string) error
	RefreshStatus(ctx context.Context, sessionID string) error
	Disconnect(ctx context.Context, sessionID string) error
	Status(ctx context.Context, sessionID string) (models.StatusSnapshot, error)
	ResourceData(ctx context.Context, sessionID string, rt catalog.ResourceType) (syncer.Entry, error)
}

// DemoStore serves the embedded demo datasets.
type DemoStore interface {
	Fetch(ctx context.Context, rt catalog.ResourceType) (json.RawMessage, error)
}

type Handler struct {
	machine      Service
	demo         DemoStore
	logger       *slog.Logger
	cookieName   string
	cookieMaxAge int
}

// New creates a connection Handler.
func New(machine Service, demo DemoStore, logger *slog.Logger, cookieName string, cookieMaxAge int) *Handler {
	if cookieName == "" {
		cookieName = "xl_session"
	}
	if cookieMaxAge <= 0 {
		cookieMaxAge = 86400
	}
	return &Handler{
		machine:      machine,
		demo:         demo,
		logger:       logger,
		cookieName:   cookieName,
		cookieMaxAge: cookieMaxAge,
	}
}

// Register registers the connection routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/xero/connect", h.HandleConnect)
	r.Get("/xero/status", h.HandleStatus)
	r.Get("/xero/callback", h.HandleCallbackRedirect)
	r.Post("/xero/callback", h.HandleCallbackPost)
	r.Delete("/xero/disconnect", h.HandleDisconnect)
	r.Post("/xero/tenant", h.HandleSelectTenant)
	r.Post("/xero/sync", h.HandleSync)
	r.Get("/xero/data/{resourceType}", h.HandleResourceData)
	r.Get("/xero/demo/{resourceType}", h.HandleDemoData)
	r.Post("/xero/tax/{statement}", h.HandleTaxExtract)
}

// session resolves the session for the request, creating one and setting
// the cookie when the browser does not have one yet.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*models.Session, error) {
	var id string
	if cookie, err := r.Cookie(h.cookieName); err == nil && cookie != nil {
		id = cookie.Value
	}
	sess, err := h.machine.EnsureSession(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if sess.ID != id {
		http.SetCookie(w, &http.Cookie{
			Name:     h.cookieName,
			Value:    sess.ID,
			Path:     "/",
			MaxAge:   h.cookieMaxAge,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
	return sess, nil
}

// HandleConnect implements GET /xero/connect.
// Output: { "authUrl": "https://login.xero.com/..." }
func (h *Handler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := h.session(w, r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	md := middleware.GetClientMetadata(ctx)
	authURL, err := h.machine.Connect(ctx, sess.ID)
	if err != nil {
		h.logger.WarnContext(ctx, "connect failed",
			"session_id", sess.ID,
			"client_ip", md.IP,
			"browser", md.Browser,
			"os", md.OS,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	h.logger.InfoContext(ctx, "authorization started",
		"session_id", sess.ID,
		"client_ip", md.IP,
		"browser", md.Browser,
		"os", md.OS,
	)
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"authUrl": authURL})
}

// HandleStatus implements GET /xero/status. Each call is also a status
// refresh; the machine's cooldown keeps page reload storms off the
// provider.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := h.session(w, r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	if err := h.machine.RefreshStatus(ctx, sess.ID); err != nil {
		h.logger.WarnContext(ctx, "status refresh failed",
			"session_id", sess.ID,
			"error", err,
		)
	}
	snap, err := h.machine.Status(ctx, sess.ID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

// HandleCallbackRedirect implements GET /xero/callback, the browser leg of
// the authorization redirect. Query parameters: code, state, and optionally
// error.
func (h *Handler) HandleCallbackRedirect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	h.completeCallback(w, r, q.Get("code"), q.Get("state"), q.Get("error"))
}

// HandleCallbackPost implements POST /xero/callback.
// Input: { "code": "...", "state": "...", "error": "..." }
func (h *Handler) HandleCallbackPost(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code  string `json:"code"`
		State string `json:"state"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "Invalid JSON in request body"))
		return
	}
	h.completeCallback(w, r, req.Code, req.State, req.Error)
}

func (h *Handler) completeCallback(w http.ResponseWriter, r *http.Request, code, state, errCode string) {
	ctx := r.Context()
	sess, err := h.session(w, r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	md := middleware.GetClientMetadata(ctx)

	if errCode != "" {
		msg, err := h.machine.HandleCallbackError(ctx, sess.ID, errCode)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		h.logger.InfoContext(ctx, "authorization rejected by provider",
			"session_id", sess.ID,
			"code", errCode,
			"client_ip", md.IP,
			"browser", md.Browser,
			"os", md.OS,
		)
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"connected": false,
			"error":     msg,
		})
		return
	}

	if err := h.machine.HandleCallback(ctx, sess.ID, code, state); err != nil {
		h.logger.WarnContext(ctx, "callback failed",
			"session_id", sess.ID,
			"client_ip", md.IP,
			"browser", md.Browser,
			"os", md.OS,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	h.logger.InfoContext(ctx, "authorization completed",
		"session_id", sess.ID,
		"client_ip", md.IP,
		"browser", md.Browser,
		"os", md.OS,
	)

	snap, err := h.machine.Status(ctx, sess.ID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"connected": true,
		"tenants":   snap.Tenants,
	})
}

// HandleDisconnect implements DELETE /xero/disconnect.
func (h *Handler) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := h.session(w, r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	if err := h.machine.Disconnect(ctx, sess.ID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"disconnected": true})
}

// HandleSelectTenant implements POST /xero/tenant.
// Input: { "tenantId": "..." }
func (h *Handler) HandleSelectTenant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := h.session(w, r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	var req struct {
		TenantID string `json:"tenantId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "Invalid JSON in request body"))
		return
	}
	if req.TenantID == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "tenantId is required"))
		return
	}

	if err := h.machine.SelectTenant(ctx, sess.ID, req.TenantID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	snap, err := h.machine.Status(ctx, sess.ID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

// HandleSync implements POST /xero/sync, the manual "load all" action. The
// call blocks until the run finishes; a run already in flight is joined,
// not duplicated.
func (h *Handler) HandleSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := h.session(w, r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	if err := h.machine.LoadAll(ctx, sess.ID); err != nil {
		h.logger.WarnContext(ctx, "sync failed",
			"session_id", sess.ID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	snap, err := h.machine.Status(ctx, sess.ID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

// HandleResourceData implements GET /xero/data/{resourceType}. The response
// carries the raw payload alongside its normalized table form.
func (h *Handler) HandleResourceData(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := h.session(w, r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	rt := catalog.ResourceType(chi.URLParam(r, "resourceType"))
	if !catalog.Valid(rt) && rt != catalog.AllBasicData {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "unknown resource type"))
		return
	}

	entry, err := h.machine.ResourceData(ctx, sess.ID, rt)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, dataResponse(rt, entry))
}

// HandleDemoData implements GET /xero/demo/{resourceType}, same shape
// contract as the live endpoint.
func (h *Handler) HandleDemoData(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rt := catalog.ResourceType(chi.URLParam(r, "resourceType"))
	if !catalog.Valid(rt) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "unknown resource type"))
		return
	}

	payload, err := h.demo.Fetch(ctx, rt)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	entry := syncer.Entry{
		Resource: rt,
		TenantID: catalog.DemoTenantID,
		Payload:  payload,
		Source:   syncer.SourceDemo,
		LoadedAt: time.Now(),
	}
	httputil.WriteJSON(w, http.StatusOK, dataResponse(rt, entry))
}

// HandleTaxExtract implements POST /xero/tax/{statement} for the BAS and
// FBT form preparers. The body is a raw provider report payload; the
// response carries the named totals extracted from its flattened rows. A
// statement field matching no row is an error, never a silent zero.
func (h *Handler) HandleTaxExtract(w http.ResponseWriter, r *http.Request) {
	var matcher *tax.KeywordMatcher
	switch chi.URLParam(r, "statement") {
	case "bas":
		matcher = tax.BASMatcher()
	case "fbt":
		matcher = tax.FBTMatcher()
	default:
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "unknown statement type"))
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "could not read request body"))
		return
	}
	result := report.NormalizeRaw(raw)
	if len(result.Rows) == 0 {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "payload contains no report rows"))
		return
	}

	totals, err := tax.ExtractRequired(result.Rows, matcher)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	out := make(map[string]string, len(totals))
	for name, amount := range totals {
		out[name] = amount.String()
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"statement": chi.URLParam(r, "statement"),
		"totals":    out,
	})
}

type normalizedPayload struct {
	Kind      string            `json:"kind"`
	Columns   []string          `json:"columns,omitempty"`
	Rows      []report.Row      `json:"rows,omitempty"`
	KeyValues []report.KeyValue `json:"keyValues,omitempty"`
	Scalar    any               `json:"scalar,omitempty"`
}

type resourceResponse struct {
	ResourceType string             `json:"resourceType"`
	TenantID     string             `json:"tenantId"`
	Source       string             `json:"source,omitempty"`
	LoadedAt     time.Time          `json:"loadedAt"`
	Error        string             `json:"error,omitempty"`
	Raw          json.RawMessage    `json:"raw,omitempty"`
	Normalized   *normalizedPayload `json:"normalized,omitempty"`
}

func dataResponse(rt catalog.ResourceType, entry syncer.Entry) resourceResponse {
	resp := resourceResponse{
		ResourceType: string(rt),
		TenantID:     entry.TenantID,
		Source:       string(entry.Source),
		LoadedAt:     entry.LoadedAt,
		Error:        entry.Err,
		Raw:          entry.Payload,
	}
	if !entry.Loaded() {
		return resp
	}

	result := report.NormalizeRaw(entry.Payload)
	norm := &normalizedPayload{
		Kind:      result.Kind.String(),
		KeyValues: result.KeyValues,
		Scalar:    result.Scalar,
	}
	if len(result.Rows) > 0 {
		norm.Rows = result.Rows
		norm.Columns = report.Columns(result.Rows)
	}
	resp.Normalized = norm
	return resp
}
