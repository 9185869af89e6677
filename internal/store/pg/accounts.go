package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"collegium.org/internal/auth"
	"collegium.org/internal/ids"
)

const accountColumns = `id, college_id, email, password_hash, role, department_id, active, created_by, last_login_at, created_at, updated_at`

type accountStore struct{ q querier }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*auth.Account, error) {
	var (
		a         auth.Account
		role      string
		dept      sql.NullString
		createdBy sql.NullString
		lastLogin sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.CollegeID, &a.Email, &a.PasswordHash, &role, &dept, &a.Active, &createdBy, &lastLogin, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, err
	}
	a.Role = auth.Role(role)
	a.DepartmentID = dept.String
	a.CreatedBy = createdBy.String
	if lastLogin.Valid {
		t := lastLogin.Time.UTC()
		a.LastLoginAt = &t
	}
	return &a, nil
}

func (s accountStore) Create(ctx context.Context, a *auth.Account) error {
	if a.ID == "" {
		a.ID = ids.New()
	}
	a.Email = strings.ToLower(strings.TrimSpace(a.Email))
	_, err := s.q.ExecContext(ctx, `
		insert into accounts(`+accountColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, a.ID, a.CollegeID, a.Email, a.PasswordHash, string(a.Role), nullString(a.DepartmentID), a.Active,
		nullString(a.CreatedBy), nullTime(a.LastLoginAt), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return auth.ErrConflict
			case pgErrForeignKeyViolation, pgErrCheckViolation:
				return fmt.Errorf("%w: %s", auth.ErrInvalidInput, pgErr.ConstraintName)
			}
		}
		return err
	}
	return nil
}

func (s accountStore) Find(ctx context.Context, id string) (*auth.Account, error) {
	return scanAccount(s.q.QueryRowContext(ctx, `select `+accountColumns+` from accounts where id=$1`, id))
}

func (s accountStore) FindByEmail(ctx context.Context, email string) (*auth.Account, error) {
	return scanAccount(s.q.QueryRowContext(ctx,
		`select `+accountColumns+` from accounts where lower(email)=lower($1)`, strings.TrimSpace(email)))
}

func (s accountStore) Update(ctx context.Context, id string, p auth.AccountPatch, now time.Time) (*auth.Account, error) {
	var (
		role     sql.NullString
		setDept  bool
		dept     string
		active   sql.NullBool
		hash     sql.NullString
		lastSeen = nullTime(p.LastLoginAt)
	)
	if p.Role != nil {
		role = sql.NullString{String: string(*p.Role), Valid: true}
	}
	if p.DepartmentID != nil {
		setDept, dept = true, *p.DepartmentID
	}
	if p.Active != nil {
		active = sql.NullBool{Bool: *p.Active, Valid: true}
	}
	if p.PasswordHash != nil {
		hash = sql.NullString{String: *p.PasswordHash, Valid: true}
	}
	acct, err := scanAccount(s.q.QueryRowContext(ctx, `
		update accounts set
			role = coalesce($2, role),
			department_id = case when $3::boolean then nullif($4, '') else department_id end,
			active = coalesce($5, active),
			password_hash = coalesce($6, password_hash),
			last_login_at = coalesce($7, last_login_at),
			updated_at = $8
		where id = $1
		returning `+accountColumns,
		id, role, setDept, dept, active, hash, lastSeen, now.UTC()))
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrForeignKeyViolation, pgErrCheckViolation:
				return nil, fmt.Errorf("%w: %s", auth.ErrInvalidInput, pgErr.ConstraintName)
			}
		}
		return nil, err
	}
	return acct, nil
}
