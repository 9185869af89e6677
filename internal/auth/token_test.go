package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"collegium.org/internal/cache"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestTokens(t *testing.T, clock *testClock) (*TokenService, *RevocationCache) {
	t.Helper()
	kv := cache.NewMemoryStore(time.Hour).WithClock(clock.Now)
	rev := NewRevocationCache(kv, time.Second, nil)
	svc, err := NewTokenService(testSecret, rev,
		WithTokenIssuer("collegium-test"),
		WithTokenTTL(30*time.Minute),
		WithTokenClock(clock.Now),
	)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	return svc, rev
}

func TestMintAndVerify(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)}
	svc, _ := newTestTokens(t, clock)

	tok, err := svc.Mint("acct-1", SessionClaims{Role: RoleDepartmentHead, DepartmentID: "d1", CollegeID: "c1"})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if tok.ID == "" || tok.Value == "" {
		t.Fatalf("token missing id or value: %+v", tok)
	}
	if want := clock.now.Add(30 * time.Minute); !tok.ExpiresAt.Equal(want) {
		t.Fatalf("expiry = %v, want %v", tok.ExpiresAt, want)
	}

	clock.Advance(29 * time.Minute)
	claims, err := svc.Verify(tok.Value)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "acct-1" || claims.Role != RoleDepartmentHead || claims.DepartmentID != "d1" || claims.CollegeID != "c1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.ID != tok.ID {
		t.Fatalf("jti = %s, want %s", claims.ID, tok.ID)
	}
}

func TestVerifyExpired(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)}
	svc, _ := newTestTokens(t, clock)
	tok, err := svc.Mint("acct-1", SessionClaims{Role: RoleStaff})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	clock.Advance(30 * time.Minute)
	if _, err := svc.Verify(tok.Value); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken at expiry, got %v", err)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)}
	svc, _ := newTestTokens(t, clock)
	tok, err := svc.Mint("acct-1", SessionClaims{Role: RoleStaff})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	other, err := NewTokenService([]byte("ffffffffffffffffffffffffffffffff"), nil,
		WithTokenIssuer("collegium-test"), WithTokenClock(clock.Now))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	forged, err := other.Mint("acct-1", SessionClaims{Role: RolePrincipal})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	parts := strings.Split(tok.Value, ".")
	cases := map[string]string{
		"empty":           "",
		"garbage":         "not.a.token",
		"wrong key":       forged.Value,
		"bad signature":   parts[0] + "." + parts[1] + ".AAAA",
		"missing segment": parts[0] + "." + parts[1],
	}
	for name, raw := range cases {
		if _, err := svc.Verify(raw); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}

	// A forged token stays invalid after it would have expired.
	clock.Advance(time.Hour)
	if _, err := svc.Verify(forged.Value); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("forged and expired: expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRejectsOtherAlgorithmsAndIssuers(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)}
	svc, _ := newTestTokens(t, clock)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "acct-1",
			Issuer:    "collegium-test",
			ID:        "jti-1",
			IssuedAt:  jwt.NewNumericDate(clock.now),
			ExpiresAt: jwt.NewNumericDate(clock.now.Add(time.Minute)),
		},
		Role: RoleStaff,
	}
	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := svc.Verify(hs512); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("HS512 token: expected ErrInvalidToken, got %v", err)
	}

	claims.Issuer = "someone-else"
	foreign, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := svc.Verify(foreign); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("foreign issuer: expected ErrInvalidToken, got %v", err)
	}
}

func TestRevokeStoresUntilExpiry(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)}
	svc, rev := newTestTokens(t, clock)
	ctx := context.Background()

	tok, err := svc.Mint("acct-1", SessionClaims{Role: RoleStaff})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	clock.Advance(10 * time.Minute)
	if err := svc.Revoke(ctx, tok.Value); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	revoked, err := rev.IsRevoked(ctx, tok.ID)
	if err != nil || !revoked {
		t.Fatalf("expected token revoked, got %v %v", revoked, err)
	}
	ttl, err := rev.store.TTL(ctx, revokedTokenPrefix+tok.ID)
	if err != nil {
		t.Fatalf("TTL: %v", err)
	}
	if ttl != 20*time.Minute {
		t.Fatalf("revocation ttl = %v, want 20m", ttl)
	}

	// Revoking twice is harmless.
	if err := svc.Revoke(ctx, tok.Value); err != nil {
		t.Fatalf("second Revoke: %v", err)
	}

	// Entry self-expires with the token.
	clock.Advance(21 * time.Minute)
	revoked, err = rev.IsRevoked(ctx, tok.ID)
	if err != nil || revoked {
		t.Fatalf("expected entry gone after expiry, got %v %v", revoked, err)
	}
}

func TestRevokeExpiredTokenIsNoop(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)}
	svc, rev := newTestTokens(t, clock)
	ctx := context.Background()
	tok, err := svc.Mint("acct-1", SessionClaims{Role: RoleStaff})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	clock.Advance(time.Hour)
	if err := svc.Revoke(ctx, tok.Value); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := rev.store.Get(ctx, revokedTokenPrefix+tok.ID); !errors.Is(err, cache.ErrMiss) {
		t.Fatalf("expected no entry for expired token, got %v", err)
	}
}

func TestNewTokenServiceRejectsShortSecret(t *testing.T) {
	if _, err := NewTokenService([]byte("short"), nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
