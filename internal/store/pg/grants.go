package pg

import (
	"context"
	"database/sql"
	"errors"

	"collegium.org/internal/auth"
)

type grantStore struct{ q querier }

func (s grantStore) Upsert(ctx context.Context, g *auth.Grant) error {
	err := s.q.QueryRowContext(ctx, `
		insert into module_grants(account_id, module, scope, can_read, can_write, granted_by, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
		on conflict (account_id, module) do update
		set scope = excluded.scope,
			can_read = excluded.can_read,
			can_write = excluded.can_write,
			granted_by = excluded.granted_by,
			updated_at = excluded.updated_at
		returning created_at
	`, g.AccountID, string(g.Module), string(g.Scope), g.CanRead, g.CanWrite, nullString(g.GrantedBy), g.CreatedAt, g.UpdatedAt).
		Scan(&g.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return auth.ErrNotFound
		}
		return err
	}
	return nil
}

func scanGrant(row rowScanner) (*auth.Grant, error) {
	var (
		g         auth.Grant
		module    string
		scope     string
		grantedBy sql.NullString
	)
	if err := row.Scan(&g.AccountID, &module, &scope, &g.CanRead, &g.CanWrite, &grantedBy, &g.CreatedAt, &g.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, err
	}
	g.Module = auth.Module(module)
	g.Scope = auth.Scope(scope)
	g.GrantedBy = grantedBy.String
	return &g, nil
}

const grantColumns = `account_id, module, scope, can_read, can_write, granted_by, created_at, updated_at`

func (s grantStore) Find(ctx context.Context, accountID string, module auth.Module) (*auth.Grant, error) {
	return scanGrant(s.q.QueryRowContext(ctx,
		`select `+grantColumns+` from module_grants where account_id=$1 and module=$2`, accountID, string(module)))
}

func (s grantStore) List(ctx context.Context, accountID string) ([]auth.Grant, error) {
	rows, err := s.q.QueryContext(ctx,
		`select `+grantColumns+` from module_grants where account_id=$1 order by module asc`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []auth.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *g)
	}
	return res, rows.Err()
}

func (s grantStore) Delete(ctx context.Context, accountID string, module auth.Module) error {
	res, err := s.q.ExecContext(ctx,
		`delete from module_grants where account_id=$1 and module=$2`, accountID, string(module))
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
