package httpapi

import (
	"net/http"
	"time"

	"collegium.org/internal/auth"
)

type emailRequest struct {
	Email string `json:"email"`
}

type verifyRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type completeRequest struct {
	Email    string `json:"email"`
	Code     string `json:"code"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type meResponse struct {
	Identity auth.Identity `json:"identity"`
	Account  *auth.Account `json:"account"`
	Grants   []auth.Grant  `json:"grants"`
}

func (a *API) handleSignupOTP(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.SignupRequestOTP(r.Context(), req.Email); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "code_sent"})
}

func (a *API) handleSignupVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.VerifyOTP(r.Context(), req.Email, req.Code); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "verified"})
}

func (a *API) handleSignupComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id, err := a.svc.SignupCompleteWithOTP(r.Context(), req.Email, req.Code, req.Password)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"account_id": id})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      res.Token,
		"token_type": "Bearer",
		"account_id": res.AccountID,
		"role":       res.Role,
		"expires_at": res.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, _ := auth.TokenFromContext(r.Context())
	if err := a.svc.Logout(r.Context(), token); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	id := caller(r)
	acct, err := a.svc.Account(r.Context(), id.AccountID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	grants, err := a.svc.Grants(r.Context(), id.AccountID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if grants == nil {
		grants = []auth.Grant{}
	}
	writeJSON(w, http.StatusOK, meResponse{Identity: id, Account: acct, Grants: grants})
}
