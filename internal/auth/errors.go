package auth

import (
	"errors"
	"fmt"
)

// Client-facing failures. Every one is deterministic and not worth retrying.
var (
	ErrAlreadyRegistered      = errors.New("auth: already registered")
	ErrInvalidOrExpiredCode   = errors.New("auth: invalid or expired code")
	ErrInvalidCredentials     = errors.New("auth: invalid credentials")
	ErrAccountDeactivated     = errors.New("auth: account deactivated")
	ErrInvalidToken           = errors.New("auth: invalid token")
	ErrExpiredToken           = errors.New("auth: expired token")
	ErrTokenRevoked           = errors.New("auth: token revoked")
	ErrInsufficientPermission = errors.New("auth: insufficient permission")
	ErrOutOfScope             = errors.New("auth: out of scope")
	ErrRateLimited            = errors.New("auth: too many attempts")

	ErrNotFound     = errors.New("auth: not found")
	ErrConflict     = errors.New("auth: conflict")
	ErrInvalidInput = errors.New("auth: invalid input")
)

// ErrDependencyUnavailable marks transient store or cache failures. Safe to retry with backoff.
var ErrDependencyUnavailable = errors.New("auth: dependency unavailable")

var classified = []error{
	ErrAlreadyRegistered, ErrInvalidOrExpiredCode, ErrInvalidCredentials,
	ErrAccountDeactivated, ErrInvalidToken, ErrExpiredToken, ErrTokenRevoked,
	ErrInsufficientPermission, ErrOutOfScope, ErrRateLimited,
	ErrNotFound, ErrConflict, ErrInvalidInput, ErrDependencyUnavailable,
}

// unavailable marks err as a dependency failure of op. Errors that already
// carry one of the package sentinels keep their class.
func unavailable(op string, err error) error {
	for _, sentinel := range classified {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrDependencyUnavailable, op, err)
}

// IsAuthenticationError reports whether err should surface as an authentication failure.
func IsAuthenticationError(err error) bool {
	return errors.Is(err, ErrInvalidCredentials) ||
		errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrExpiredToken) ||
		errors.Is(err, ErrTokenRevoked)
}

// IsAuthorizationError reports whether err is a permission denial.
func IsAuthorizationError(err error) bool {
	return errors.Is(err, ErrInsufficientPermission) || errors.Is(err, ErrOutOfScope)
}
