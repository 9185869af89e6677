package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"collegium.org/internal/auth"
	"collegium.org/internal/ids"
)

type departmentStore struct{ q querier }

func (s departmentStore) Create(ctx context.Context, d *auth.Department) error {
	if d.ID == "" {
		d.ID = ids.New()
	}
	d.Code = strings.ToUpper(strings.TrimSpace(d.Code))
	_, err := s.q.ExecContext(ctx, `
		insert into departments(id, college_id, name, code, type, head_id, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, d.ID, d.CollegeID, d.Name, d.Code, string(d.Type), nullString(d.HeadID), d.CreatedAt, d.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.ErrConflict
		}
		return err
	}
	return nil
}

func (s departmentStore) Find(ctx context.Context, id string) (*auth.Department, error) {
	var (
		d    auth.Department
		kind string
		head sql.NullString
	)
	err := s.q.QueryRowContext(ctx, `
		select id, college_id, name, code, type, head_id, created_at, updated_at
		from departments where id=$1
	`, id).Scan(&d.ID, &d.CollegeID, &d.Name, &d.Code, &kind, &head, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, err
	}
	d.Type = auth.DepartmentType(kind)
	d.HeadID = head.String
	return &d, nil
}

func (s departmentStore) SetHead(ctx context.Context, id, headID string, now time.Time) error {
	res, err := s.q.ExecContext(ctx,
		`update departments set head_id = nullif($2, ''), updated_at = $3 where id = $1`,
		id, headID, now.UTC())
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}
