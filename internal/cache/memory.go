package cache

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is an instance-local Store. Entries carry their own expiry; the
// underlying LRU is unbounded in size so revocation entries are never evicted
// early, and its TTL (the longest lifetime any caller will request) reclaims memory.
type MemoryStore struct {
	entries *lru.LRU[string, memoryEntry]
	now     func() time.Time

	incrMu sync.Mutex
}

var (
	_ Store   = (*MemoryStore)(nil)
	_ Counter = (*MemoryStore)(nil)
)

// NewMemoryStore creates a memory store whose entries are physically dropped after maxTTL.
func NewMemoryStore(maxTTL time.Duration) *MemoryStore {
	return &MemoryStore{
		entries: lru.NewLRU[string, memoryEntry](0, nil, maxTTL),
		now:     time.Now,
	}
}

// WithClock overrides the time source; used by tests.
func (m *MemoryStore) WithClock(fn func() time.Time) *MemoryStore {
	if fn != nil {
		m.now = fn
	}
	return m
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entry, ok := m.entries.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	if !m.now().Before(entry.expiresAt) {
		m.entries.Remove(key)
		return nil, ErrMiss
	}
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl <= 0 {
		return nil
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	m.entries.Add(key, memoryEntry{value: stored, expiresAt: m.now().Add(ttl)})
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.entries.Remove(key)
	return nil
}

func (m *MemoryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	entry, ok := m.entries.Peek(key)
	if !ok {
		return 0, ErrMiss
	}
	remaining := entry.expiresAt.Sub(m.now())
	if remaining <= 0 {
		m.entries.Remove(key)
		return 0, ErrMiss
	}
	return remaining, nil
}

// Incr counts within this process only.
func (m *MemoryStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if ttl <= 0 {
		return 0, errors.New("memory incr: ttl must be positive")
	}
	m.incrMu.Lock()
	defer m.incrMu.Unlock()
	now := m.now()
	entry, ok := m.entries.Peek(key)
	var n int64
	if ok && now.Before(entry.expiresAt) {
		n, _ = strconv.ParseInt(string(entry.value), 10, 64)
	} else {
		entry = memoryEntry{expiresAt: now.Add(ttl)}
	}
	n++
	entry.value = []byte(strconv.FormatInt(n, 10))
	m.entries.Add(key, entry)
	return n, nil
}

// Len reports the number of live and not yet reclaimed entries.
func (m *MemoryStore) Len() int {
	return m.entries.Len()
}
