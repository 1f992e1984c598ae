package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sellergate.org/internal/audit"
	"sellergate.org/internal/authz"
	"sellergate.org/internal/obs"
)

type requestAuthorizationRequest struct {
	SellerID   string            `json:"seller_id"`
	ProductID  string            `json:"product_id"`
	SupplierID string            `json:"supplier_id"`
	Metadata   map[string]string `json:"metadata"`
}

type approveRequest struct {
	AuthorizationID string     `json:"authorization_id"`
	ApprovedBy      string     `json:"approved_by"`
	ExpiresAt       *time.Time `json:"expires_at"`
}

type rejectRequest struct {
	AuthorizationID string `json:"authorization_id"`
	RejectedBy      string `json:"rejected_by"`
	Reason          string `json:"reason"`
	CooldownDays    int    `json:"cooldown_days"`
}

type revokeRequest struct {
	AuthorizationID string `json:"authorization_id"`
	RevokedBy       string `json:"revoked_by"`
	Reason          string `json:"reason"`
}

type cancelRequest struct {
	AuthorizationID string `json:"authorization_id"`
	SellerID        string `json:"seller_id"`
}

func (a *API) handleRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req requestAuthorizationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	req.SellerID = strings.TrimSpace(req.SellerID)
	req.ProductID = strings.TrimSpace(req.ProductID)
	req.SupplierID = strings.TrimSpace(req.SupplierID)
	if req.SellerID == "" || req.ProductID == "" || req.SupplierID == "" {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "seller_id, product_id and supplier_id are required")
		return
	}

	rec, err := a.svc.Request(r.Context(), authz.RequestInput{
		SellerID:   req.SellerID,
		ProductID:  req.ProductID,
		SupplierID: req.SupplierID,
		Metadata:   req.Metadata,
	})
	if err != nil {
		a.failOperation(w, r, "request", err)
		return
	}
	a.commitOperation(r, "request", rec)
	writeJSON(w, http.StatusCreated, rec)
}

func (a *API) handleApprove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req approveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if err := requireFields(w, r, map[string]string{
		"authorization_id": req.AuthorizationID,
		"approved_by":      req.ApprovedBy,
	}); err != nil {
		return
	}

	rec, err := a.svc.Approve(r.Context(), req.AuthorizationID, req.ApprovedBy, req.ExpiresAt)
	if err != nil {
		a.failOperation(w, r, "approve", err)
		return
	}
	a.commitOperation(r, "approve", rec)
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleReject(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req rejectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if err := requireFields(w, r, map[string]string{
		"authorization_id": req.AuthorizationID,
		"rejected_by":      req.RejectedBy,
	}); err != nil {
		return
	}
	if req.CooldownDays < 0 {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "cooldown_days must be >= 0")
		return
	}

	rec, err := a.svc.Reject(r.Context(), req.AuthorizationID, req.RejectedBy, req.Reason, req.CooldownDays)
	if err != nil {
		a.failOperation(w, r, "reject", err)
		return
	}
	a.commitOperation(r, "reject", rec)
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req revokeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if err := requireFields(w, r, map[string]string{
		"authorization_id": req.AuthorizationID,
		"revoked_by":       req.RevokedBy,
	}); err != nil {
		return
	}

	rec, err := a.svc.Revoke(r.Context(), req.AuthorizationID, req.RevokedBy, req.Reason)
	if err != nil {
		a.failOperation(w, r, "revoke", err)
		return
	}
	a.commitOperation(r, "revoke", rec)
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req cancelRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if err := requireFields(w, r, map[string]string{
		"authorization_id": req.AuthorizationID,
		"seller_id":        req.SellerID,
	}); err != nil {
		return
	}

	rec, err := a.svc.Cancel(r.Context(), req.AuthorizationID, req.SellerID)
	if err != nil {
		a.failOperation(w, r, "cancel", err)
		return
	}
	a.commitOperation(r, "cancel", rec)
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	q := r.URL.Query()
	filter := authz.ListFilter{
		SellerID:   strings.TrimSpace(q.Get("seller_id")),
		SupplierID: strings.TrimSpace(q.Get("supplier_id")),
		ProductID:  strings.TrimSpace(q.Get("product_id")),
		SortField:  strings.TrimSpace(q.Get("sort")),
		SortAsc:    strings.EqualFold(q.Get("order"), "asc"),
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status := authz.Status(strings.ToUpper(raw))
		if !status.Valid() {
			writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "unknown status "+raw)
			return
		}
		filter.Status = status
	}
	var err error
	if filter.Page, err = parsePositiveInt(q.Get("page"), 1, 1, 1<<30); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "page must be a positive integer")
		return
	}
	if filter.Limit, err = parsePositiveInt(q.Get("limit"), 20, 1, 100); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "limit must be between 1 and 100")
		return
	}

	page, err := a.svc.List(r.Context(), filter)
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handleAuthorizationResource serves GET /v1/authorizations/{id}/audit.
func (a *API) handleAuthorizationResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/authorizations/")
	id, ok := strings.CutSuffix(path, "/audit")
	id = strings.TrimSuffix(id, "/")
	if !ok || id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	q := r.URL.Query()
	page, err := parsePositiveInt(q.Get("page"), 1, 1, 1<<30)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "page must be a positive integer")
		return
	}
	limit, err := parsePositiveInt(q.Get("limit"), 20, 1, 100)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "limit must be between 1 and 100")
		return
	}

	trail, err := a.svc.AuditTrail(r.Context(), id, page, limit)
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trail)
}

// handleSellerResource serves GET /v1/sellers/{id}/limits.
func (a *API) handleSellerResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/sellers/")
	sellerID, ok := strings.CutSuffix(path, "/limits")
	sellerID = strings.TrimSuffix(sellerID, "/")
	if !ok || sellerID == "" || strings.Contains(sellerID, "/") {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	limits, err := a.svc.SellerLimits(r.Context(), sellerID)
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, limits)
}

// --- side effects and error mapping ---

// commitOperation runs the fire-and-forget effects after a committed
// transition: gate invalidation, outcome metrics and the operational audit
// line. None of them can fail the operation.
func (a *API) commitOperation(r *http.Request, operation string, rec authz.Record) {
	a.invalidator.Invalidate(r.Context(), rec.SellerID, rec.ProductID)
	obs.ObserveOperation(operation, "ok")
	_ = audit.LogEvent(r.Context(), "authz."+operation, map[string]any{
		"authorization_id": rec.ID,
		"seller_id":        rec.SellerID,
		"product_id":       rec.ProductID,
		"status":           rec.Status,
	})
}

func (a *API) failOperation(w http.ResponseWriter, r *http.Request, operation string, err error) {
	kind := errorKind(err)
	obs.ObserveOperation(operation, kind)
	switch kind {
	case "LIMIT_REACHED":
		obs.IncLimitRejection()
	case "COOLDOWN_ACTIVE":
		obs.IncCooldownBlock()
	}
	handleAuthzError(w, r, err)
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, authz.ErrFeatureDisabled):
		return "FEATURE_DISABLED"
	case errors.Is(err, authz.ErrNotFoundOrForbidden):
		return "NOT_FOUND_OR_FORBIDDEN"
	case errors.Is(err, authz.ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, authz.ErrAlreadyPending):
		return "ALREADY_PENDING"
	case errors.Is(err, authz.ErrAlreadyApproved):
		return "ALREADY_APPROVED"
	case errors.Is(err, authz.ErrAuthorizationRevoked):
		return "AUTHORIZATION_REVOKED"
	case errors.Is(err, authz.ErrCooldownActive):
		return "COOLDOWN_ACTIVE"
	case errors.Is(err, authz.ErrLimitReached):
		return "LIMIT_REACHED"
	case errors.Is(err, authz.ErrInvalidStatus):
		return "INVALID_STATUS"
	case errors.Is(err, authz.ErrReasonTooShort):
		return "REASON_TOO_SHORT"
	default:
		return "INTERNAL"
	}
}

func handleAuthzError(w http.ResponseWriter, r *http.Request, err error) {
	var cooldownErr *authz.CooldownError
	if errors.As(err, &cooldownErr) {
		writeErrorPayload(w, r, http.StatusTooManyRequests, "COOLDOWN_ACTIVE", err.Error(), map[string]any{
			"cooldown_until":  cooldownErr.CooldownUntil,
			"remaining_days":  cooldownErr.DaysRemaining,
			"previous_reason": cooldownErr.PreviousReason,
		})
		return
	}
	var limitErr *authz.LimitError
	if errors.As(err, &limitErr) {
		writeErrorPayload(w, r, http.StatusConflict, "LIMIT_REACHED", err.Error(), map[string]any{
			"current_count": limitErr.CurrentCount,
			"max_limit":     limitErr.MaxLimit,
		})
		return
	}

	kind := errorKind(err)
	switch kind {
	case "REASON_TOO_SHORT":
		writeError(w, r, http.StatusBadRequest, kind, err.Error())
	case "NOT_FOUND", "NOT_FOUND_OR_FORBIDDEN":
		writeError(w, r, http.StatusNotFound, kind, err.Error())
	case "ALREADY_PENDING", "ALREADY_APPROVED", "AUTHORIZATION_REVOKED", "INVALID_STATUS", "LIMIT_REACHED":
		writeError(w, r, http.StatusConflict, kind, err.Error())
	case "COOLDOWN_ACTIVE":
		writeError(w, r, http.StatusTooManyRequests, kind, err.Error())
	case "FEATURE_DISABLED":
		writeError(w, r, http.StatusServiceUnavailable, kind, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

// --- request plumbing ---

func requireFields(w http.ResponseWriter, r *http.Request, fields map[string]string) error {
	var missing []string
	for name, value := range fields {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", strings.Join(missing, ", ")+" required")
	return errors.New("missing fields")
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val < min || val > max {
		return 0, errors.New("value out of range")
	}
	return val, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func writeError(w http.ResponseWriter, r *http.Request, code int, kind, msg string) {
	writeErrorPayload(w, r, code, kind, msg, nil)
}

func writeErrorPayload(w http.ResponseWriter, r *http.Request, code int, kind, msg string, extra map[string]any) {
	payload := map[string]any{
		"error": msg,
		"code":  kind,
	}
	for k, v := range extra {
		payload[k] = v
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
}
