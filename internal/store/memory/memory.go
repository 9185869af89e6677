// Package memory is an in-process auth.Store for tests and single-node development.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"collegium.org/internal/auth"
	"collegium.org/internal/ids"
)

type grantKey struct {
	account string
	module  auth.Module
}

type state struct {
	accounts    map[string]auth.Account
	byEmail     map[string]string
	departments map[string]auth.Department
	deptCodes   map[string]string
	grants      map[grantKey]auth.Grant
	challenges  map[string]auth.Challenge
}

func newState() *state {
	return &state{
		accounts:    map[string]auth.Account{},
		byEmail:     map[string]string{},
		departments: map[string]auth.Department{},
		deptCodes:   map[string]string{},
		grants:      map[grantKey]auth.Grant{},
		challenges:  map[string]auth.Challenge{},
	}
}

func (st *state) clone() *state {
	c := newState()
	for k, v := range st.accounts {
		c.accounts[k] = v
	}
	for k, v := range st.byEmail {
		c.byEmail[k] = v
	}
	for k, v := range st.departments {
		c.departments[k] = v
	}
	for k, v := range st.deptCodes {
		c.deptCodes[k] = v
	}
	for k, v := range st.grants {
		c.grants[k] = v
	}
	for k, v := range st.challenges {
		c.challenges[k] = v
	}
	return c
}

type runner func(ctx context.Context, fn func(*state) error) error

// Store implements auth.Store with maps guarded by one mutex. Tx runs on a
// copy that replaces the live state only when fn succeeds.
type Store struct {
	mu sync.Mutex
	st *state
}

var _ auth.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{st: newState()}
}

func (s *Store) locked(ctx context.Context, fn func(*state) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.st)
}

func (s *Store) view() view { return view{run: s.locked} }

func (s *Store) Accounts() auth.AccountStore       { return s.view().Accounts() }
func (s *Store) Departments() auth.DepartmentStore { return s.view().Departments() }
func (s *Store) Grants() auth.GrantStore           { return s.view().Grants() }
func (s *Store) Challenges() auth.ChallengeStore   { return s.view().Challenges() }

// Tx serializes with every other operation for its duration.
func (s *Store) Tx(ctx context.Context, fn func(auth.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.st.clone()
	tx := view{run: func(ctx context.Context, f func(*state) error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return f(work)
	}}
	if err := fn(tx); err != nil {
		return err
	}
	s.st = work
	return nil
}

type view struct{ run runner }

func (v view) Accounts() auth.AccountStore       { return accounts(v) }
func (v view) Departments() auth.DepartmentStore { return departments(v) }
func (v view) Grants() auth.GrantStore           { return grants(v) }
func (v view) Challenges() auth.ChallengeStore   { return challenges(v) }

// Tx inside a transaction joins it.
func (v view) Tx(_ context.Context, fn func(auth.Store) error) error { return fn(v) }

// Accounts -------------------------------------------------------------------
type accounts view

func copyAccount(a auth.Account) *auth.Account {
	if a.LastLoginAt != nil {
		t := *a.LastLoginAt
		a.LastLoginAt = &t
	}
	return &a
}

func (a accounts) Create(ctx context.Context, acct *auth.Account) error {
	return a.run(ctx, func(st *state) error {
		if acct.ID == "" {
			acct.ID = ids.New()
		}
		email := strings.ToLower(acct.Email)
		if _, ok := st.byEmail[email]; ok {
			return auth.ErrConflict
		}
		if _, ok := st.accounts[acct.ID]; ok {
			return auth.ErrConflict
		}
		acct.Email = email
		st.accounts[acct.ID] = *copyAccount(*acct)
		st.byEmail[email] = acct.ID
		return nil
	})
}

func (a accounts) Find(ctx context.Context, id string) (*auth.Account, error) {
	var out *auth.Account
	err := a.run(ctx, func(st *state) error {
		acct, ok := st.accounts[id]
		if !ok {
			return auth.ErrNotFound
		}
		out = copyAccount(acct)
		return nil
	})
	return out, err
}

func (a accounts) FindByEmail(ctx context.Context, email string) (*auth.Account, error) {
	var out *auth.Account
	err := a.run(ctx, func(st *state) error {
		id, ok := st.byEmail[strings.ToLower(email)]
		if !ok {
			return auth.ErrNotFound
		}
		out = copyAccount(st.accounts[id])
		return nil
	})
	return out, err
}

func (a accounts) Update(ctx context.Context, id string, patch auth.AccountPatch, now time.Time) (*auth.Account, error) {
	var out *auth.Account
	err := a.run(ctx, func(st *state) error {
		acct, ok := st.accounts[id]
		if !ok {
			return auth.ErrNotFound
		}
		next := patch.Apply(acct, now)
		st.accounts[id] = next
		out = copyAccount(next)
		return nil
	})
	return out, err
}

// Departments ----------------------------------------------------------------
type departments view

func codeKey(college, code string) string { return college + "/" + strings.ToUpper(code) }

func (d departments) Create(ctx context.Context, dept *auth.Department) error {
	return d.run(ctx, func(st *state) error {
		if dept.ID == "" {
			dept.ID = ids.New()
		}
		key := codeKey(dept.CollegeID, dept.Code)
		if _, ok := st.deptCodes[key]; ok {
			return auth.ErrConflict
		}
		st.departments[dept.ID] = *dept
		st.deptCodes[key] = dept.ID
		return nil
	})
}

func (d departments) Find(ctx context.Context, id string) (*auth.Department, error) {
	var out *auth.Department
	err := d.run(ctx, func(st *state) error {
		dept, ok := st.departments[id]
		if !ok {
			return auth.ErrNotFound
		}
		out = &dept
		return nil
	})
	return out, err
}

func (d departments) SetHead(ctx context.Context, id, headID string, now time.Time) error {
	return d.run(ctx, func(st *state) error {
		dept, ok := st.departments[id]
		if !ok {
			return auth.ErrNotFound
		}
		dept.HeadID = headID
		dept.UpdatedAt = now.UTC()
		st.departments[id] = dept
		return nil
	})
}

// Grants ---------------------------------------------------------------------
type grants view

func (g grants) Upsert(ctx context.Context, grant *auth.Grant) error {
	return g.run(ctx, func(st *state) error {
		key := grantKey{grant.AccountID, grant.Module}
		if prev, ok := st.grants[key]; ok && !prev.CreatedAt.IsZero() {
			grant.CreatedAt = prev.CreatedAt
		}
		st.grants[key] = *grant
		return nil
	})
}

func (g grants) Find(ctx context.Context, accountID string, module auth.Module) (*auth.Grant, error) {
	var out *auth.Grant
	err := g.run(ctx, func(st *state) error {
		grant, ok := st.grants[grantKey{accountID, module}]
		if !ok {
			return auth.ErrNotFound
		}
		out = &grant
		return nil
	})
	return out, err
}

func (g grants) List(ctx context.Context, accountID string) ([]auth.Grant, error) {
	var out []auth.Grant
	err := g.run(ctx, func(st *state) error {
		for k, v := range st.grants {
			if k.account == accountID {
				out = append(out, v)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Module < out[j].Module })
	return out, err
}

func (g grants) Delete(ctx context.Context, accountID string, module auth.Module) error {
	return g.run(ctx, func(st *state) error {
		key := grantKey{accountID, module}
		if _, ok := st.grants[key]; !ok {
			return auth.ErrNotFound
		}
		delete(st.grants, key)
		return nil
	})
}

// Challenges -----------------------------------------------------------------
type challenges view

func latest(st *state, email string, now time.Time) (auth.Challenge, bool) {
	var (
		best  auth.Challenge
		found bool
	)
	for _, c := range st.challenges {
		if c.Email != email || c.Used || !c.ExpiresAt.After(now) {
			continue
		}
		if !found || c.CreatedAt.After(best.CreatedAt) || (c.CreatedAt.Equal(best.CreatedAt) && c.ID > best.ID) {
			best, found = c, true
		}
	}
	return best, found
}

func (c challenges) Create(ctx context.Context, ch *auth.Challenge) error {
	return c.run(ctx, func(st *state) error {
		if ch.ID == "" {
			ch.ID = ids.New()
		}
		if _, ok := st.challenges[ch.ID]; ok {
			return auth.ErrConflict
		}
		st.challenges[ch.ID] = *ch
		return nil
	})
}

func (c challenges) Latest(ctx context.Context, email string, now time.Time) (*auth.Challenge, error) {
	var out *auth.Challenge
	err := c.run(ctx, func(st *state) error {
		ch, ok := latest(st, email, now)
		if !ok {
			return auth.ErrNotFound
		}
		out = &ch
		return nil
	})
	return out, err
}

func (c challenges) Consume(ctx context.Context, email, codeHash string, now time.Time) error {
	return c.run(ctx, func(st *state) error {
		ch, ok := latest(st, email, now)
		if !ok || ch.CodeHash != codeHash {
			return auth.ErrNotFound
		}
		ch.Used = true
		st.challenges[ch.ID] = ch
		return nil
	})
}

func (c challenges) Supersede(ctx context.Context, email string) error {
	return c.run(ctx, func(st *state) error {
		for id, ch := range st.challenges {
			if ch.Email == email && !ch.Used {
				ch.Used = true
				st.challenges[id] = ch
			}
		}
		return nil
	})
}

func (c challenges) PurgeExpired(ctx context.Context, email string, now time.Time) (int64, error) {
	var n int64
	err := c.run(ctx, func(st *state) error {
		for id, ch := range st.challenges {
			if ch.Email == email && !ch.ExpiresAt.After(now) {
				delete(st.challenges, id)
				n++
			}
		}
		return nil
	})
	return n, err
}
