package httpapi

import (
	"net/http"
	"strings"
	"time"

	"sellergate.org/internal/auth"
)

type tokenRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	TokenType string `json:"token_type"`
	ExpiresIn int64  `json:"expires_in"`
}

const tokenTTL = 15 * time.Minute

// handleToken mints a short-lived bearer token for the given actor. Meant for
// development and the smoke tests; production deployments front this with a
// real identity provider.
func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if strings.TrimSpace(req.ActorID) == "" {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "actor_id is required")
		return
	}

	token, err := auth.GenerateToken(req.ActorID, req.Roles, tokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "token generation failed")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresIn: int64(tokenTTL.Seconds()),
	})
}
