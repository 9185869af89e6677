package httpapi

import (
	"errors"
	"net/http"

	"collegium.org/internal/auth"
)

// retryAfterSeconds is advertised on 503 and 429 responses.
const retryAfterSeconds = "5"

// writeServiceError maps auth errors onto HTTP statuses. Authentication
// failures share one body so callers cannot tell them apart.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrDependencyUnavailable):
		a.log.WithError(err).WithField("path", r.URL.Path).Warn("dependency unavailable")
		w.Header().Set("Retry-After", retryAfterSeconds)
		writeError(w, r, http.StatusServiceUnavailable, "service temporarily unavailable")
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	case auth.IsAuthenticationError(err):
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, auth.ErrAccountDeactivated):
		writeError(w, r, http.StatusLocked, "account deactivated")
	case auth.IsAuthorizationError(err):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, auth.ErrRateLimited):
		w.Header().Set("Retry-After", retryAfterSeconds)
		writeError(w, r, http.StatusTooManyRequests, "too many attempts")
	case errors.Is(err, auth.ErrInvalidOrExpiredCode):
		writeError(w, r, http.StatusBadRequest, "invalid or expired code")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrAlreadyRegistered):
		writeError(w, r, http.StatusConflict, "already registered")
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, "conflict")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	default:
		a.log.WithError(err).WithField("path", r.URL.Path).Error("unhandled error")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
