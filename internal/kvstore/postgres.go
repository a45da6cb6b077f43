package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	_ "github.com/lib/pq"

	"github.com/signalsfoundry/safezone/model"
)

// DefaultPostgresTable is used when no table name is configured.
const DefaultPostgresTable = "safezone_kv"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Postgres stores values in a two-column table.
type Postgres struct {
	db    *sql.DB
	table string
	owned bool
}

// OpenPostgres connects with lib/pq and creates the table if needed.
func OpenPostgres(ctx context.Context, dsn, table string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, persistenceError("open", "postgres", err)
	}
	p, err := NewPostgres(db, table)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	p.owned = true
	if err := p.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgres wraps an existing handle. Close leaves the handle open.
func NewPostgres(db *sql.DB, table string) (*Postgres, error) {
	if table == "" {
		table = DefaultPostgresTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("%w: invalid postgres table name %q", model.ErrConfiguration, table)
	}
	return &Postgres{db: db, table: table}, nil
}

// EnsureSchema creates the backing table.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	key TEXT PRIMARY KEY,
	value BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, p.table)
	if _, err := p.db.ExecContext(ctx, q); err != nil {
		return persistenceError("create table", p.table, err)
	}
	return nil
}

// Get implements Store.
func (p *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := p.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, p.table), key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, persistenceError("get", key, err)
	}
	return v, nil
}

// Set implements Store.
func (p *Postgres) Set(ctx context.Context, key string, value []byte) error {
	q := fmt.Sprintf(`INSERT INTO %s (key, value, updated_at) VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`, p.table)
	if _, err := p.db.ExecContext(ctx, q, key, value); err != nil {
		return persistenceError("set", key, err)
	}
	return nil
}

// Remove implements Store.
func (p *Postgres) Remove(ctx context.Context, key string) error {
	if _, err := p.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, p.table), key); err != nil {
		return persistenceError("remove", key, err)
	}
	return nil
}

// Close implements Store.
func (p *Postgres) Close() error {
	if !p.owned {
		return nil
	}
	return p.db.Close()
}
