package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Accounts() AccountStore
	Departments() DepartmentStore
	Grants() GrantStore
	Challenges() ChallengeStore

	// Tx runs fn against a transactional view of the store. Any error from fn rolls back.
	Tx(ctx context.Context, fn func(Store) error) error
}

// AccountStore is the credential store. Emails are stored lowercased and unique.
type AccountStore interface {
	// Create returns ErrConflict when the email is taken.
	Create(ctx context.Context, acct *Account) error
	Find(ctx context.Context, id string) (*Account, error)
	FindByEmail(ctx context.Context, email string) (*Account, error)
	Update(ctx context.Context, id string, patch AccountPatch, now time.Time) (*Account, error)
}

// DepartmentStore manages departments. Codes are unique per college.
type DepartmentStore interface {
	Create(ctx context.Context, dept *Department) error
	Find(ctx context.Context, id string) (*Department, error)
	SetHead(ctx context.Context, id, headID string, now time.Time) error
}

// GrantStore keys grants by (account, module).
type GrantStore interface {
	Upsert(ctx context.Context, g *Grant) error
	Find(ctx context.Context, accountID string, module Module) (*Grant, error)
	List(ctx context.Context, accountID string) ([]Grant, error)
	Delete(ctx context.Context, accountID string, module Module) error
}

// ChallengeStore persists OTP challenges.
type ChallengeStore interface {
	Create(ctx context.Context, c *Challenge) error
	// Latest returns the newest unused challenge for email that has not expired at now.
	Latest(ctx context.Context, email string, now time.Time) (*Challenge, error)
	// Consume marks the newest live challenge used if its hash matches, as a single
	// conditional write. ErrNotFound when nothing was marked.
	Consume(ctx context.Context, email, codeHash string, now time.Time) error
	// Supersede marks every unused challenge for email as used.
	Supersede(ctx context.Context, email string) error
	// PurgeExpired deletes challenges for email that expired before now.
	PurgeExpired(ctx context.Context, email string, now time.Time) (int64, error)
}
