package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"collegium.org/internal/cache"
	"collegium.org/internal/ids"
	"collegium.org/internal/obs"
)

const (
	defaultOTPTTL        = 5 * time.Minute
	defaultOTPLength     = 6
	defaultVerifyPerMin  = 10
	maxTrackedOTPEmails  = 10000
	otpLimiterIdleExpiry = 15 * time.Minute
	otpAttemptsPrefix    = "otp-attempts:"
	otpAttemptWindow     = time.Minute
)

// Sender delivers one-time codes. Delivery is fire-and-forget for the issuer.
type Sender interface {
	Send(ctx context.Context, email, code string) error
}

// OTPIssuer issues and checks signup codes.
type OTPIssuer struct {
	challenges ChallengeStore
	accounts   AccountStore
	sender     Sender
	ttl        time.Duration
	length     int
	perMinute  int
	now        func() time.Time
	log        logrus.FieldLogger

	// attempts, when set, holds the per-email budget in a store shared by
	// every instance. The local limiters serve only when it fails.
	attempts cache.Counter
	limMu    sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]
}

// NewOTPIssuer builds an issuer. perMinute bounds verify and consume attempts per email.
func NewOTPIssuer(challenges ChallengeStore, accounts AccountStore, sender Sender, ttl time.Duration, length, perMinute int, now func() time.Time, log logrus.FieldLogger) *OTPIssuer {
	if ttl <= 0 {
		ttl = defaultOTPTTL
	}
	if length <= 0 {
		length = defaultOTPLength
	}
	if perMinute <= 0 {
		perMinute = defaultVerifyPerMin
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = obs.Logger()
	}
	return &OTPIssuer{
		challenges: challenges,
		accounts:   accounts,
		sender:     sender,
		ttl:        ttl,
		length:     length,
		perMinute:  perMinute,
		now:        now,
		log:        log,
		limiters:   expirable.NewLRU[string, *rate.Limiter](maxTrackedOTPEmails, nil, otpLimiterIdleExpiry),
	}
}

// WithAttemptCounter counts verify and consume attempts in c, in fixed
// one-minute windows.
func (o *OTPIssuer) WithAttemptCounter(c cache.Counter) *OTPIssuer {
	o.attempts = c
	return o
}

// NormalizeEmail trims, lowercases and syntax-checks an address.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: malformed email", ErrInvalidInput)
	}
	return email, nil
}

// Issue creates a fresh challenge for email and hands the code to the sender.
// Earlier unused codes for the same email stop being valid.
func (o *OTPIssuer) Issue(ctx context.Context, email string) error {
	email, err := NormalizeEmail(email)
	if err != nil {
		return err
	}
	acct, err := o.accounts.FindByEmail(ctx, email)
	switch {
	case err == nil && acct.Active:
		return ErrAlreadyRegistered
	case err != nil && !errors.Is(err, ErrNotFound):
		return unavailable("lookup account", err)
	}

	now := o.now().UTC()
	if n, err := o.challenges.PurgeExpired(ctx, email, now); err != nil {
		o.log.WithError(err).WithField("email", email).Warn("purge expired challenges")
	} else if n > 0 {
		o.log.WithFields(logrus.Fields{"email": email, "purged": n}).Debug("expired challenges purged")
	}
	if err := o.challenges.Supersede(ctx, email); err != nil {
		return unavailable("supersede challenges", err)
	}

	code, err := o.generateCode()
	if err != nil {
		return fmt.Errorf("auth: generate code: %w", err)
	}
	ch := &Challenge{
		ID:        ids.New(),
		Email:     email,
		CodeHash:  hashCode(code),
		ExpiresAt: now.Add(o.ttl),
		CreatedAt: now,
	}
	if err := o.challenges.Create(ctx, ch); err != nil {
		return unavailable("store challenge", err)
	}
	obs.ObserveOTP("issued")

	if o.sender != nil {
		if err := o.sender.Send(ctx, email, code); err != nil {
			obs.ObserveOTP("send_failed")
			o.log.WithError(err).WithField("email", email).Warn("otp delivery failed")
		}
	}
	return nil
}

// Verify checks code against the newest live challenge without consuming it.
func (o *OTPIssuer) Verify(ctx context.Context, email, code string) error {
	email, code, err := o.admit(ctx, email, code)
	if err != nil {
		return err
	}
	ch, err := o.challenges.Latest(ctx, email, o.now().UTC())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return o.reject(email, "no_challenge")
		}
		return unavailable("load challenge", err)
	}
	if subtle.ConstantTimeCompare([]byte(ch.CodeHash), []byte(hashCode(code))) != 1 {
		return o.reject(email, "mismatch")
	}
	obs.ObserveOTP("verified")
	return nil
}

// Consume performs the Verify match and marks the challenge used in one
// conditional write. A second consume of the same code fails.
func (o *OTPIssuer) Consume(ctx context.Context, email, code string) error {
	return o.consumeWith(ctx, o.challenges, email, code)
}

// consumeWith runs Consume against challenges, typically a transactional view.
func (o *OTPIssuer) consumeWith(ctx context.Context, challenges ChallengeStore, email, code string) error {
	email, code, err := o.admit(ctx, email, code)
	if err != nil {
		return err
	}
	if err := challenges.Consume(ctx, email, hashCode(code), o.now().UTC()); err != nil {
		if errors.Is(err, ErrNotFound) {
			return o.reject(email, "consume_miss")
		}
		return unavailable("consume challenge", err)
	}
	obs.ObserveOTP("consumed")
	return nil
}

func (o *OTPIssuer) admit(ctx context.Context, email, code string) (string, string, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return "", "", err
	}
	code = strings.TrimSpace(code)
	if !o.allowAttempt(ctx, email) {
		obs.ObserveOTP("throttled")
		o.log.WithField("email", email).Info("otp attempts throttled")
		return "", "", ErrRateLimited
	}
	if len(code) != o.length || strings.Trim(code, "0123456789") != "" {
		return "", "", o.reject(email, "malformed")
	}
	return email, code, nil
}

func (o *OTPIssuer) reject(email, reason string) error {
	obs.ObserveOTP("rejected")
	o.log.WithFields(logrus.Fields{"email": email, "reason": reason}).Debug("otp rejected")
	return ErrInvalidOrExpiredCode
}

func (o *OTPIssuer) allowAttempt(ctx context.Context, email string) bool {
	now := o.now()
	if o.attempts != nil {
		window := now.UTC().Truncate(otpAttemptWindow).Unix()
		key := fmt.Sprintf("%s%s:%d", otpAttemptsPrefix, email, window)
		n, err := o.attempts.Incr(ctx, key, 2*otpAttemptWindow)
		if err == nil {
			return n <= int64(o.perMinute)
		}
		obs.ObserveOTP("counter_error")
		o.log.WithError(err).WithField("email", email).Warn("shared otp attempt counter failed; using local limiter")
	}
	return o.limiter(email).AllowN(now, 1)
}

func (o *OTPIssuer) limiter(email string) *rate.Limiter {
	o.limMu.Lock()
	defer o.limMu.Unlock()
	if l, ok := o.limiters.Get(email); ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(float64(o.perMinute)/60), o.perMinute)
	o.limiters.Add(email, l)
	return l
}

func (o *OTPIssuer) generateCode() (string, error) {
	var b strings.Builder
	ten := big.NewInt(10)
	for i := 0; i < o.length; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
