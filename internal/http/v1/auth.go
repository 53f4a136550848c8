package v1

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/VerteraIO/cpusim/internal/security/auth"
)

type tokenReq struct {
	Subject string `json:"subject"`
	Secret  string `json:"secret"`
}

type tokenResp struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// issueToken handles POST /auth/token. It is only available when a signing
// secret is configured, and the caller must present that secret.
func (a *api) issueToken(w http.ResponseWriter, r *http.Request) {
	if len(a.JWTSecret) == 0 {
		http.Error(w, "auth disabled", http.StatusForbidden)
		return
	}
	var req tokenReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.Secret), a.JWTSecret) != 1 {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	if req.Subject == "" {
		req.Subject = "operator"
	}
	tok, exp, err := auth.IssueToken(a.JWTSecret, req.Subject, a.TokenTTL)
	if err != nil {
		http.Error(w, "failed to issue token", http.StatusInternalServerError)
		return
	}
	a.Logger.Info("token issued", "subject", req.Subject, "expires_at", exp)
	writeJSON(w, http.StatusOK, tokenResp{Token: tok, ExpiresAt: exp})
}
