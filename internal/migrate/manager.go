// Package migrate applies the schema of the PostgreSQL credential store.
package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"collegium.org/internal/obs"
)

//go:embed sql/*.sql
var embedded embed.FS

// Embedded returns the schema migrations compiled into the binary.
func Embedded() fs.FS {
	sub, err := fs.Sub(embedded, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

const (
	defaultTable = "schema_migrations"
	upSuffix     = ".up.sql"
	downSuffix   = ".down.sql"

	// lockKey serializes migrators running against the same database.
	lockKey int64 = 0x636f6c6c6567
)

// ErrChecksumMismatch is returned when an applied migration file was edited afterwards.
var ErrChecksumMismatch = errors.New("migrate: applied migration changed")

// Migration is one versioned schema change.
type Migration struct {
	Name     string
	Up       string
	Down     string
	Checksum string
}

// Status describes a migration relative to the database.
type Status struct {
	Name      string
	Applied   bool
	AppliedAt time.Time
	Changed   bool
}

// Manager applies migrations from a filesystem. Each migration and its
// bookkeeping row commit together under a transaction-scoped advisory lock.
type Manager struct {
	db    *sql.DB
	fsys  fs.FS
	table string
	log   logrus.FieldLogger
	now   func() time.Time
}

// Option configures Manager.
type Option func(*Manager)

// WithTable overrides the bookkeeping table.
func WithTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.table = name
		}
	}
}

// WithLogger overrides the progress logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// NewManager constructs a Manager over the migrations in fsys.
func NewManager(db *sql.DB, fsys fs.FS, opts ...Option) *Manager {
	m := &Manager{
		db:    db,
		fsys:  fsys,
		table: defaultTable,
		log:   obs.Logger(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies every pending migration in name order. It stops at the first
// failure or at an applied migration whose file no longer matches.
func (m *Manager) Up(ctx context.Context) error {
	migrations, err := Load(m.fsys)
	if err != nil {
		return err
	}
	if err := m.ensureTable(ctx); err != nil {
		return err
	}
	for _, mig := range migrations {
		applied, err := m.apply(ctx, mig)
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", mig.Name, err)
		}
		if applied {
			m.log.WithField("migration", mig.Name).Info("migration applied")
		}
	}
	return nil
}

func (m *Manager) apply(ctx context.Context, mig Migration) (bool, error) {
	applied := false
	err := m.inTx(ctx, func(tx *sql.Tx) error {
		var sum string
		err := tx.QueryRowContext(ctx, fmt.Sprintf(`select checksum from %s where name = $1`, m.table), mig.Name).Scan(&sum)
		switch {
		case err == nil:
			if sum != mig.Checksum {
				return ErrChecksumMismatch
			}
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}
		if err := m.execFile(ctx, tx, mig.Up); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`insert into %s (name, checksum, applied_at) values ($1, $2, $3)`, m.table),
			mig.Name, mig.Checksum, m.now().UTC())
		applied = err == nil
		return err
	})
	return applied, err
}

// Down rolls back the most recently applied migration.
func (m *Manager) Down(ctx context.Context) error {
	migrations, err := Load(m.fsys)
	if err != nil {
		return err
	}
	byName := make(map[string]Migration, len(migrations))
	for _, mig := range migrations {
		byName[mig.Name] = mig
	}
	if err := m.ensureTable(ctx); err != nil {
		return err
	}
	var last string
	err = m.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, fmt.Sprintf(`select name from %s order by applied_at desc, name desc limit 1`, m.table)).Scan(&last)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.New("no migrations applied")
		}
		if err != nil {
			return err
		}
		mig, ok := byName[last]
		if !ok || mig.Down == "" {
			return fmt.Errorf("missing down migration for %s", last)
		}
		if err := m.execFile(ctx, tx, mig.Down); err != nil {
			return fmt.Errorf("rollback migration %s: %w", last, err)
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, m.table), last)
		return err
	})
	if err != nil {
		return err
	}
	m.log.WithField("migration", last).Info("migration rolled back")
	return nil
}

// Status lists every known or applied migration in name order.
func (m *Manager) Status(ctx context.Context) ([]Status, error) {
	migrations, err := Load(m.fsys)
	if err != nil {
		return nil, err
	}
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name, checksum, applied_at from %s`, m.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]*Status, len(migrations))
	sums := make(map[string]string, len(migrations))
	for _, mig := range migrations {
		out[mig.Name] = &Status{Name: mig.Name}
		sums[mig.Name] = mig.Checksum
	}
	for rows.Next() {
		var (
			name, sum string
			at        time.Time
		)
		if err := rows.Scan(&name, &sum, &at); err != nil {
			return nil, err
		}
		st, ok := out[name]
		if !ok {
			st = &Status{Name: name}
			out[name] = st
		}
		st.Applied = true
		st.AppliedAt = at
		st.Changed = ok && sums[name] != sum
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	res := make([]Status, 0, len(out))
	for _, st := range out {
		res = append(res, *st)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res, nil
}

func (m *Manager) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, fmt.Sprintf(`
		create table if not exists %s (
			name       text primary key,
			checksum   text not null,
			applied_at timestamptz not null default now()
		);`, m.table))
	return err
}

func (m *Manager) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock($1)`, lockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) execFile(ctx context.Context, tx *sql.Tx, name string) error {
	data, err := fs.ReadFile(m.fsys, name)
	if err != nil {
		return err
	}
	for _, stmt := range splitStatements(string(data)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Load reads the migrations in fsys. Every NAME.up.sql is a migration;
// NAME.down.sql is its optional rollback.
func Load(fsys fs.FS) ([]Migration, error) {
	if fsys == nil {
		return nil, errors.New("migrate: no migrations source")
	}
	byName := map[string]*Migration{}
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		base := path.Base(p)
		switch {
		case strings.HasSuffix(base, upSuffix):
			data, err := fs.ReadFile(fsys, p)
			if err != nil {
				return err
			}
			mig := entry(byName, strings.TrimSuffix(base, upSuffix))
			mig.Up = p
			sum := sha256.Sum256(data)
			mig.Checksum = hex.EncodeToString(sum[:])
		case strings.HasSuffix(base, downSuffix):
			entry(byName, strings.TrimSuffix(base, downSuffix)).Down = p
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]Migration, 0, len(byName))
	for _, mig := range byName {
		if mig.Up == "" {
			return nil, fmt.Errorf("migrate: %s has a down file but no up file", mig.Name)
		}
		out = append(out, *mig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func entry(byName map[string]*Migration, name string) *Migration {
	mig, ok := byName[name]
	if !ok {
		mig = &Migration{Name: name}
		byName[name] = mig
	}
	return mig
}

// splitStatements splits SQL on semicolons outside quotes and line comments.
// Empty statements are dropped.
func splitStatements(src string) []string {
	var (
		stmts     []string
		cur       strings.Builder
		inString  bool
		inComment bool
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			stmts = append(stmts, s)
		}
		cur.Reset()
	}
	runes := []rune(src)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case inComment:
			if r == '\n' {
				inComment = false
				cur.WriteRune(r)
			}
		case r == '\'':
			inString = !inString
			cur.WriteRune(r)
		case !inString && r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			inComment = true
			i++
		case !inString && r == ';':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return stmts
}
