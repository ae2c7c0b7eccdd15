package storage

import (
	"context"
	"database/sql"
	"errors"

	_ "github.com/lib/pq"
)

// PostgresBackend implements Backend over a `kv_store(namespace, key,
// value, updated_at)` table, grounded on the teacher's
// postgres_backend_config.go GetConfig/SetConfig/DeleteConfig/ListConfigs
// split, generalized from a single config namespace to an arbitrary one.
type PostgresBackend struct {
	db *sql.DB
}

// NewPostgresBackend opens (but does not yet validate) a connection pool
// against dsn. Schema is created/maintained by internal/migrations.
func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresBackend{db: db}, nil
}

func (p *PostgresBackend) Initialize(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresBackend) Close() error {
	return p.db.Close()
}

func (p *PostgresBackend) Health(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresBackend) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	var value []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT value FROM kv_store WHERE namespace = $1 AND key = $2`, namespace, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return value, err
}

func (p *PostgresBackend) Set(ctx context.Context, namespace, key string, value []byte) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO kv_store (namespace, key, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (namespace, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, namespace, key, value)
	return err
}

func (p *PostgresBackend) Delete(ctx context.Context, namespace, key string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM kv_store WHERE namespace = $1 AND key = $2`, namespace, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresBackend) List(ctx context.Context, namespace string) (map[string][]byte, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT key, value FROM kv_store WHERE namespace = $1`, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string][]byte)
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
