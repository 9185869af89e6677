package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"collegium.org/internal/auth"
)

type authorizeRequest struct {
	Module string      `json:"module"`
	Action string      `json:"action"`
	Target auth.Target `json:"target"`
}

type authorizeResponse struct {
	Allowed bool               `json:"allowed"`
	Reason  string             `json:"reason"`
	Scope   auth.ResolvedScope `json:"scope"`
}

type createAccountRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	Role         string `json:"role"`
	DepartmentID string `json:"department_id"`
}

type updateAccountRequest struct {
	Role         *string `json:"role"`
	DepartmentID *string `json:"department_id"`
	Active       *bool   `json:"active"`
}

type createDepartmentRequest struct {
	Name string `json:"name"`
	Code string `json:"code"`
	Type string `json:"type"`
}

type assignHeadRequest struct {
	AccountID string `json:"account_id"`
}

type grantRequest struct {
	AccountID string `json:"account_id"`
	Module    string `json:"module"`
	Scope     string `json:"scope"`
	CanRead   bool   `json:"can_read"`
	CanWrite  bool   `json:"can_write"`
}

func badRequest(err error) error {
	return fmt.Errorf("%w: %v", auth.ErrInvalidInput, err)
}

func (a *API) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	module, err := auth.ParseModule(req.Module)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	action, err := auth.ParseAction(req.Action)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	id := caller(r)
	d, err := a.svc.Authorize(r.Context(), id.AccountID, module, action, req.Target)
	if err != nil && !auth.IsAuthorizationError(err) {
		a.writeServiceError(w, r, err)
		return
	}
	code := http.StatusOK
	if !d.Allowed {
		code = http.StatusForbidden
	}
	writeJSON(w, code, authorizeResponse{Allowed: d.Allowed, Reason: d.Reason, Scope: d.Scope})
}

func (a *API) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := auth.ParseRole(req.Role)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	acct, err := a.svc.CreateAccount(r.Context(), caller(r).AccountID, auth.NewAccount{
		Email:        req.Email,
		Password:     req.Password,
		Role:         role,
		DepartmentID: req.DepartmentID,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

func (a *API) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	var req updateAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	patch := auth.AccountPatch{DepartmentID: req.DepartmentID, Active: req.Active}
	if req.Role != nil {
		role, err := auth.ParseRole(*req.Role)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		patch.Role = &role
	}
	acct, err := a.svc.UpdateAccountAs(r.Context(), caller(r).AccountID, chi.URLParam(r, "id"), patch)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (a *API) handleDeactivateAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := a.svc.DeactivateAccount(r.Context(), caller(r).AccountID, chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (a *API) handleCreateDepartment(w http.ResponseWriter, r *http.Request) {
	var req createDepartmentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	kind, err := auth.ParseDepartmentType(req.Type)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	dept, err := a.svc.CreateDepartment(r.Context(), caller(r).AccountID, req.Name, req.Code, kind)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, dept)
}

func (a *API) handleAssignHead(w http.ResponseWriter, r *http.Request) {
	var req assignHeadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.AccountID == "" {
		a.writeServiceError(w, r, badRequest(errors.New("account_id is required")))
		return
	}
	dept, err := a.svc.AssignDepartmentHead(r.Context(), caller(r).AccountID, chi.URLParam(r, "id"), req.AccountID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dept)
}

func (a *API) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	module, err := auth.ParseModule(req.Module)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	scope, err := auth.ParseScope(req.Scope)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	g, err := a.svc.GrantModule(r.Context(), caller(r).AccountID, auth.Grant{
		AccountID: req.AccountID,
		Module:    module,
		Scope:     scope,
		CanRead:   req.CanRead,
		CanWrite:  req.CanWrite,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (a *API) handleRevokeGrant(w http.ResponseWriter, r *http.Request) {
	module, err := auth.ParseModule(chi.URLParam(r, "module"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if err := a.svc.RevokeGrant(r.Context(), caller(r).AccountID, chi.URLParam(r, "accountId"), module); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
