package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"sellergate.org/internal/authz"
	"sellergate.org/internal/gate"
	"sellergate.org/internal/obs"
)

// ReadyProbe is a simple readiness check (e.g. DB ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the authorization workflow engine.
type API struct {
	mux         *http.ServeMux
	readyProbe  ReadyProbe
	version     string
	svc         authz.Service
	invalidator gate.Invalidator

	rateBurst  int
	ratePerSec int
}

// New wires routes over the given engine. The invalidator may be gate.Noop.
func New(rp ReadyProbe, version string, svc authz.Service, invalidator gate.Invalidator) *API {
	a := &API{
		mux:         http.NewServeMux(),
		readyProbe:  rp,
		version:     version,
		svc:         svc,
		invalidator: invalidator,
		rateBurst:   40,
		ratePerSec:  20,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	a.mux.HandleFunc("/v1/auth/token", a.handleToken)

	a.mux.HandleFunc("/v1/authorizations/request", a.handleRequest)
	a.mux.HandleFunc("/v1/authorizations/approve", a.handleApprove)
	a.mux.HandleFunc("/v1/authorizations/reject", a.handleReject)
	a.mux.HandleFunc("/v1/authorizations/revoke", a.handleRevoke)
	a.mux.HandleFunc("/v1/authorizations/cancel", a.handleCancel)

	a.mux.HandleFunc("/v1/authorizations", a.handleList)
	a.mux.HandleFunc("/v1/authorizations/", a.handleAuthorizationResource)
	a.mux.HandleFunc("/v1/sellers/", a.handleSellerResource)

	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full middleware chain around the mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = Logging(h)
	h = obs.Instrument(h)
	h = a.withAuth(h)
	h = RequestID(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	return h
}

// --- health handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "sellergate-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "sellergate-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
