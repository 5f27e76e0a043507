package kv

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of *pgxpool.Pool used by PostgresBackend.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresBackend stores entries in a single table shared by every terminal of a site.
//
// Ownership model:
// - PostgresBackend does NOT own the pool. The caller must close it.
type PostgresBackend struct {
	db     Querier
	schema string
	table  string
}

// PostgresOption configures PostgresBackend behavior.
type PostgresOption func(*PostgresBackend) error

// WithSchema sets the DB schema used by this backend (default: "proserve").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(b *PostgresBackend) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("kv: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("kv: invalid schema identifier")
		}
		b.schema = schema
		return nil
	}
}

// NewPostgresBackend constructs a Postgres-backed Backend.
func NewPostgresBackend(db Querier, opts ...PostgresOption) (*PostgresBackend, error) {
	b := &PostgresBackend{
		db:     db,
		schema: "proserve",
		table:  "kv_entries",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	if b.db == nil {
		return nil, errors.New("kv: nil pool")
	}
	return b, nil
}

// EnsureSchema creates the schema and table when missing.
func (b *PostgresBackend) EnsureSchema(ctx context.Context) error {
	if _, err := b.db.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{b.schema}.Sanitize()); err != nil {
		return err
	}
	_, err := b.db.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS `+b.ident()+` (
			key        text PRIMARY KEY,
			value      text NOT NULL,
			updated_at timestamptz NOT NULL DEFAULT now()
		)`)
	return err
}

// Get returns the stored value.
func (b *PostgresBackend) Get(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, ErrEmptyKey
	}

	var v string
	err := b.db.QueryRow(ctx, `SELECT value FROM `+b.ident()+` WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Set upserts value under key.
func (b *PostgresBackend) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}

	_, err := b.db.Exec(ctx,
		`INSERT INTO `+b.ident()+` (key, value, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, value,
	)
	return err
}

// Delete removes key. Missing keys are not an error.
func (b *PostgresBackend) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}

	_, err := b.db.Exec(ctx, `DELETE FROM `+b.ident()+` WHERE key = $1`, key)
	return err
}

func (b *PostgresBackend) ident() string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{b.schema, b.table}.Sanitize()
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}
