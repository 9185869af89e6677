package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"collegium.org/internal/cache"
	"collegium.org/internal/obs"
)

const (
	revokedTokenPrefix   = "revoked:"
	revokedAccountPrefix = "revoked-before:"
)

// RevocationCache is the TTL-indexed set of revoked token ids. It also keeps a
// per-account watermark: every token issued at or before it is revoked.
type RevocationCache struct {
	store   cache.Store
	timeout time.Duration
	log     logrus.FieldLogger
}

// NewRevocationCache wraps store. Lookups slower than timeout fail closed.
func NewRevocationCache(store cache.Store, timeout time.Duration, log logrus.FieldLogger) *RevocationCache {
	if log == nil {
		log = obs.Logger()
	}
	return &RevocationCache{store: store, timeout: timeout, log: log}
}

// Add records tokenID as revoked for ttl. Overwriting an entry is harmless.
func (r *RevocationCache) Add(ctx context.Context, tokenID string, ttl time.Duration) error {
	if tokenID == "" {
		return fmt.Errorf("%w: token id is required", ErrInvalidInput)
	}
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if err := r.store.Set(ctx, revokedTokenPrefix+tokenID, []byte{1}, ttl); err != nil {
		return unavailable("revocation add", err)
	}
	return nil
}

// IsRevoked reports whether tokenID was revoked. A failed or slow lookup
// returns true together with an error wrapping ErrDependencyUnavailable.
func (r *RevocationCache) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	_, err := r.store.Get(ctx, revokedTokenPrefix+tokenID)
	switch {
	case err == nil:
		obs.ObserveCache("revocation", "hit")
		return true, nil
	case errors.Is(err, cache.ErrMiss):
		obs.ObserveCache("revocation", "miss")
		return false, nil
	}
	obs.ObserveCache("revocation", "error")
	r.log.WithError(err).WithField("token_id", tokenID).Warn("revocation lookup failed; denying")
	return true, unavailable("revocation lookup", err)
}

// RevokeAccount revokes every token of accountID issued at or before at.
// ttl should cover the longest token lifetime.
func (r *RevocationCache) RevokeAccount(ctx context.Context, accountID string, at time.Time, ttl time.Duration) error {
	if accountID == "" {
		return fmt.Errorf("%w: account id is required", ErrInvalidInput)
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	val := []byte(strconv.FormatInt(at.Unix(), 10))
	if err := r.store.Set(ctx, revokedAccountPrefix+accountID, val, ttl); err != nil {
		return unavailable("revocation watermark", err)
	}
	return nil
}

// Check returns nil when the token is live, ErrTokenRevoked when it was revoked
// and both ErrTokenRevoked and ErrDependencyUnavailable when revocation state is unknown.
func (r *RevocationCache) Check(ctx context.Context, claims *Claims) error {
	revoked, err := r.IsRevoked(ctx, claims.ID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTokenRevoked, err)
	}
	if revoked {
		return ErrTokenRevoked
	}
	if claims.IssuedAt == nil {
		return ErrTokenRevoked
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	raw, err := r.store.Get(ctx, revokedAccountPrefix+claims.Subject)
	switch {
	case errors.Is(err, cache.ErrMiss):
		return nil
	case err != nil:
		obs.ObserveCache("revocation", "error")
		r.log.WithError(err).WithField("account_id", claims.Subject).Warn("revocation watermark lookup failed; denying")
		return fmt.Errorf("%w: %w", ErrTokenRevoked, unavailable("revocation watermark", err))
	}
	before, perr := strconv.ParseInt(string(raw), 10, 64)
	if perr != nil {
		r.log.WithField("account_id", claims.Subject).Error("corrupt revocation watermark; denying")
		return ErrTokenRevoked
	}
	if claims.IssuedAt.Unix() <= before {
		return ErrTokenRevoked
	}
	return nil
}

func (r *RevocationCache) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}
