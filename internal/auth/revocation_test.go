package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"collegium.org/internal/cache"
)

// slowStore blocks until the context is done.
type slowStore struct{}

func (slowStore) Get(ctx context.Context, _ string) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (slowStore) Set(ctx context.Context, _ string, _ []byte, _ time.Duration) error {
	<-ctx.Done()
	return ctx.Err()
}
func (slowStore) Delete(ctx context.Context, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}
func (slowStore) TTL(ctx context.Context, _ string) (time.Duration, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func claimsAt(sub, jti string, iat time.Time) *Claims {
	return &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   sub,
		ID:        jti,
		IssuedAt:  jwt.NewNumericDate(iat),
		ExpiresAt: jwt.NewNumericDate(iat.Add(30 * time.Minute)),
	}, Role: RoleStaff}
}

func TestRevocationTimeoutFailsClosed(t *testing.T) {
	rev := NewRevocationCache(slowStore{}, 20*time.Millisecond, nil)
	ctx := context.Background()

	revoked, err := rev.IsRevoked(ctx, "jti-1")
	if !revoked {
		t.Fatalf("expected fail-closed revoked=true")
	}
	if !errors.Is(err, ErrDependencyUnavailable) {
		t.Fatalf("expected ErrDependencyUnavailable, got %v", err)
	}

	err = rev.Check(ctx, claimsAt("acct-1", "jti-1", time.Now()))
	if !errors.Is(err, ErrTokenRevoked) || !errors.Is(err, ErrDependencyUnavailable) {
		t.Fatalf("expected revoked and unavailable, got %v", err)
	}
}

func TestRevocationAddRejectsEmptyID(t *testing.T) {
	rev := NewRevocationCache(cache.NewMemoryStore(time.Hour), time.Second, nil)
	if err := rev.Add(context.Background(), "", time.Minute); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRevokeAccountWatermark(t *testing.T) {
	ctx := context.Background()
	rev := NewRevocationCache(cache.NewMemoryStore(time.Hour), time.Second, nil)
	base := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

	before := claimsAt("acct-1", "jti-old", base)
	after := claimsAt("acct-1", "jti-new", base.Add(2*time.Second))
	other := claimsAt("acct-2", "jti-other", base)

	if err := rev.Check(ctx, before); err != nil {
		t.Fatalf("unexpected revocation before watermark: %v", err)
	}
	if err := rev.RevokeAccount(ctx, "acct-1", base.Add(time.Second), 30*time.Minute); err != nil {
		t.Fatalf("RevokeAccount: %v", err)
	}
	if err := rev.Check(ctx, before); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected older token revoked, got %v", err)
	}
	if err := rev.Check(ctx, after); err != nil {
		t.Fatalf("newer token should stay valid: %v", err)
	}
	if err := rev.Check(ctx, other); err != nil {
		t.Fatalf("other account should be unaffected: %v", err)
	}
}
