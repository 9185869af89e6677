package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"collegium.org/internal/obs"
)

const (
	defaultTokenTTL  = 30 * time.Minute
	minSecretLength  = 32
	tokenSigningAlgo = "HS256"
)

// Claims is the payload of a session token.
type Claims struct {
	jwt.RegisteredClaims
	Role         Role   `json:"role"`
	DepartmentID string `json:"dept,omitempty"`
	CollegeID    string `json:"college,omitempty"`
}

// SessionClaims are the identity claims embedded into a minted token.
type SessionClaims struct {
	Role         Role
	DepartmentID string
	CollegeID    string
}

// Token is a minted bearer token.
type Token struct {
	Value     string
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenService mints and verifies HS256 bearer tokens. The signing key is
// fixed at construction.
type TokenService struct {
	secret      []byte
	issuer      string
	ttl         time.Duration
	now         func() time.Time
	revocations *RevocationCache
}

// TokenOption configures TokenService.
type TokenOption func(*TokenService) error

// WithTokenIssuer sets the iss claim; verification requires it to match.
func WithTokenIssuer(issuer string) TokenOption {
	return func(t *TokenService) error {
		t.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithTokenTTL configures token lifetime.
func WithTokenTTL(ttl time.Duration) TokenOption {
	return func(t *TokenService) error {
		if ttl <= 0 {
			return fmt.Errorf("%w: token ttl must be positive", ErrInvalidInput)
		}
		t.ttl = ttl
		return nil
	}
}

// WithTokenClock overrides time source (useful for tests).
func WithTokenClock(fn func() time.Time) TokenOption {
	return func(t *TokenService) error {
		if fn != nil {
			t.now = fn
		}
		return nil
	}
}

// NewTokenService builds a TokenService. revocations may be nil for a
// service that only mints and verifies.
func NewTokenService(secret []byte, revocations *RevocationCache, opts ...TokenOption) (*TokenService, error) {
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("%w: token secret must be at least %d bytes", ErrInvalidInput, minSecretLength)
	}
	t := &TokenService{
		secret:      append([]byte(nil), secret...),
		ttl:         defaultTokenTTL,
		now:         time.Now,
		revocations: revocations,
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// TTL returns the configured token lifetime.
func (t *TokenService) TTL() time.Duration { return t.ttl }

// Mint signs a token for accountID carrying claims.
func (t *TokenService) Mint(accountID string, claims SessionClaims) (Token, error) {
	if strings.TrimSpace(accountID) == "" {
		return Token{}, fmt.Errorf("%w: account id is required", ErrInvalidInput)
	}
	if !claims.Role.Valid() {
		return Token{}, fmt.Errorf("%w: role %q", ErrInvalidInput, claims.Role)
	}
	now := t.now().UTC().Truncate(time.Second)
	exp := now.Add(t.ttl)
	jti := uuid.NewString()
	c := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			Issuer:    t.issuer,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Role:         claims.Role,
		DepartmentID: claims.DepartmentID,
		CollegeID:    claims.CollegeID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(t.secret)
	if err != nil {
		return Token{}, fmt.Errorf("auth: sign token: %w", err)
	}
	obs.ObserveToken("minted")
	return Token{Value: signed, ID: jti, IssuedAt: now, ExpiresAt: exp}, nil
}

// Verify checks signature, structure and expiry. It never touches storage.
// A token with a bad signature is ErrInvalidToken even if it is also expired.
func (t *TokenService) Verify(raw string) (*Claims, error) {
	claims, err := t.parse(raw)
	if err != nil {
		obs.ObserveToken("invalid")
		return nil, err
	}
	if !t.now().Before(claims.ExpiresAt.Time) {
		obs.ObserveToken("expired")
		return nil, ErrExpiredToken
	}
	return claims, nil
}

// Revoke adds the token id to the revocation cache until the token would have
// expired anyway. Already-expired tokens need nothing.
func (t *TokenService) Revoke(ctx context.Context, raw string) error {
	if t.revocations == nil {
		return errors.New("auth: revocation cache not configured")
	}
	claims, err := t.parse(raw)
	if err != nil {
		return err
	}
	ttl := claims.ExpiresAt.Time.Sub(t.now())
	if ttl <= 0 {
		return nil
	}
	if err := t.revocations.Add(ctx, claims.ID, ttl); err != nil {
		return err
	}
	obs.ObserveToken("revoked")
	return nil
}

// parse validates signature and required claims but not expiry.
func (t *TokenService) parse(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidToken
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{tokenSigningAlgo}), jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, ErrInvalidToken
	}
	switch {
	case claims.Subject == "", claims.ID == "":
		return nil, ErrInvalidToken
	case claims.ExpiresAt == nil, claims.IssuedAt == nil:
		return nil, ErrInvalidToken
	case claims.Issuer != t.issuer:
		return nil, ErrInvalidToken
	case !claims.Role.Valid():
		return nil, ErrInvalidToken
	}
	return claims, nil
}
