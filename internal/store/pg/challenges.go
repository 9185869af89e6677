package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"collegium.org/internal/auth"
	"collegium.org/internal/ids"
)

type challengeStore struct{ q querier }

func (s challengeStore) Create(ctx context.Context, c *auth.Challenge) error {
	if c.ID == "" {
		c.ID = ids.New()
	}
	_, err := s.q.ExecContext(ctx, `
		insert into otp_challenges(id, email, code_hash, expires_at, used, created_at)
		values ($1,$2,$3,$4,$5,$6)
	`, c.ID, c.Email, c.CodeHash, c.ExpiresAt.UTC(), c.Used, c.CreatedAt.UTC())
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.ErrConflict
		}
		return err
	}
	return nil
}

func (s challengeStore) Latest(ctx context.Context, email string, now time.Time) (*auth.Challenge, error) {
	var c auth.Challenge
	err := s.q.QueryRowContext(ctx, `
		select id, email, code_hash, expires_at, used, created_at
		from otp_challenges
		where email=$1 and used=false and expires_at > $2
		order by created_at desc, id desc
		limit 1
	`, email, now.UTC()).Scan(&c.ID, &c.Email, &c.CodeHash, &c.ExpiresAt, &c.Used, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// Consume flips used on the newest live challenge only while it is still
// unused; concurrent callers race on the same row and at most one wins.
func (s challengeStore) Consume(ctx context.Context, email, codeHash string, now time.Time) error {
	var id string
	err := s.q.QueryRowContext(ctx, `
		update otp_challenges set used = true
		where id = (
			select id from otp_challenges
			where email=$1 and used=false and expires_at > $3
			order by created_at desc, id desc
			limit 1
		)
		and code_hash = $2 and used = false
		returning id
	`, email, codeHash, now.UTC()).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return auth.ErrNotFound
		}
		return err
	}
	return nil
}

func (s challengeStore) Supersede(ctx context.Context, email string) error {
	_, err := s.q.ExecContext(ctx,
		`update otp_challenges set used = true where email=$1 and used=false`, email)
	return err
}

func (s challengeStore) PurgeExpired(ctx context.Context, email string, now time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		`delete from otp_challenges where email=$1 and expires_at <= $2`, email, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
