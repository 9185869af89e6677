package auth

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"collegium.org/internal/cache"
	"collegium.org/internal/ids"
	"collegium.org/internal/obs"
)

const (
	profilePrefix     = "profile:"
	profileGenPrefix  = "profile-gen:"
	defaultProfileTTL = 5 * time.Minute
)

// profileEntry is the cached form of an account, tagged with the generation
// that was current before the account was read from the store.
type profileEntry struct {
	Gen     string   `json:"gen"`
	Account *Account `json:"account"`
}

// ProfileCache is a read-through cache of accounts keyed by id. Every write
// bumps a per-account generation; an entry whose generation is not current
// is a miss, so a reader that loaded a row before a write can never make
// that row visible after the write.
type ProfileCache struct {
	store    cache.Store
	accounts AccountStore
	ttl      time.Duration
	timeout  time.Duration
	log      logrus.FieldLogger
}

// NewProfileCache builds a ProfileCache. ttl bounds staleness after a missed invalidation.
func NewProfileCache(store cache.Store, accounts AccountStore, ttl, timeout time.Duration, log logrus.FieldLogger) *ProfileCache {
	if ttl <= 0 {
		ttl = defaultProfileTTL
	}
	if log == nil {
		log = obs.Logger()
	}
	return &ProfileCache{store: store, accounts: accounts, ttl: ttl, timeout: timeout, log: log}
}

// Get returns the cached account or loads and caches it from the credential store.
// Cache failures degrade to a store read; store failures wrap ErrDependencyUnavailable.
func (p *ProfileCache) Get(ctx context.Context, accountID string) (*Account, error) {
	gen, genOK := p.generation(ctx, accountID)
	if genOK {
		if acct, ok := p.lookup(ctx, accountID, gen); ok {
			return acct, nil
		}
	}

	sctx, cancel := p.withTimeout(ctx)
	acct, err := p.accounts.Find(sctx, accountID)
	cancel()
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, unavailable("load account", err)
	}
	if !genOK {
		return acct, nil
	}

	data, err := json.Marshal(profileEntry{Gen: gen, Account: acct})
	if err != nil {
		p.log.WithError(err).WithField("account_id", accountID).Warn("encode profile")
		return acct, nil
	}
	cctx, cancel := p.withTimeout(ctx)
	defer cancel()
	if err := p.store.Set(cctx, profilePrefix+accountID, data, p.ttl); err != nil {
		p.log.WithError(err).WithField("account_id", accountID).Warn("populate profile cache")
	}
	return acct, nil
}

// generation returns the current write generation of accountID. An absent
// key is the empty generation; ok is false when the cache cannot answer.
func (p *ProfileCache) generation(ctx context.Context, accountID string) (string, bool) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	data, err := p.store.Get(ctx, profileGenPrefix+accountID)
	switch {
	case err == nil:
		return string(data), true
	case errors.Is(err, cache.ErrMiss):
		return "", true
	}
	obs.ObserveCache("profile", "error")
	p.log.WithError(err).WithField("account_id", accountID).Warn("profile cache read failed; loading from store")
	return "", false
}

func (p *ProfileCache) lookup(ctx context.Context, accountID, gen string) (*Account, bool) {
	key := profilePrefix + accountID
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	data, err := p.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			obs.ObserveCache("profile", "miss")
		} else {
			obs.ObserveCache("profile", "error")
			p.log.WithError(err).WithField("key", key).Warn("profile cache read failed; loading from store")
		}
		return nil, false
	}
	var entry profileEntry
	if err := json.Unmarshal(data, &entry); err != nil || entry.Account == nil {
		obs.ObserveCache("profile", "corrupt")
		_ = p.store.Delete(ctx, key)
		return nil, false
	}
	if entry.Gen != gen {
		obs.ObserveCache("profile", "stale")
		return nil, false
	}
	obs.ObserveCache("profile", "hit")
	return entry.Account, true
}

// Invalidate bumps the generation of accountID and deletes its entry.
// Failures wrap ErrDependencyUnavailable.
func (p *ProfileCache) Invalidate(ctx context.Context, accountID string) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	// The generation outlives any entry written under the previous one.
	if err := p.store.Set(ctx, profileGenPrefix+accountID, []byte(ids.New()), 2*p.ttl); err != nil {
		return unavailable("invalidate profile", err)
	}
	if err := p.store.Delete(ctx, profilePrefix+accountID); err != nil {
		return unavailable("invalidate profile", err)
	}
	return nil
}

// Update applies patch in the credential store. The cached entry is
// invalidated before and after the write; an invalidation failure fails the
// update, and the first one prevents the write.
func (p *ProfileCache) Update(ctx context.Context, accountID string, patch AccountPatch, now time.Time) (*Account, error) {
	if err := p.Invalidate(ctx, accountID); err != nil {
		return nil, err
	}
	sctx, cancel := p.withTimeout(ctx)
	acct, err := p.accounts.Update(sctx, accountID, patch, now)
	cancel()
	if err != nil {
		return nil, unavailable("update account", err)
	}
	if err := p.Invalidate(ctx, accountID); err != nil {
		p.log.WithError(err).WithField("account_id", accountID).Error("profile invalidation failed after update")
		return nil, err
	}
	return acct, nil
}

func (p *ProfileCache) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.timeout)
}
