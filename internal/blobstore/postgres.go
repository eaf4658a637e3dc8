// Implements Backend on PostgreSQL with optimistic version checks.

package blobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS blob_documents (
	path       TEXT PRIMARY KEY,
	content    BYTEA NOT NULL,
	version    TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS blob_history (
	id         BIGSERIAL PRIMARY KEY,
	path       TEXT NOT NULL,
	version    TEXT NOT NULL,
	message    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS blob_history_path_idx ON blob_history (path, id DESC);
`

// Postgres keeps documents in a table instead of a repository. The version
// column plays the role of the blob sha, so the read-modify-write contract is
// identical; the database adds nothing the conditional UPDATE does not
// already guarantee.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to databaseURL and creates the tables if missing.
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	if p != nil && p.pool != nil {
		p.pool.Close()
	}
}

// Name implements Backend.
func (p *Postgres) Name() string { return "postgres" }

// Check implements Checker.
func (p *Postgres) Check(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Get implements Backend.
func (p *Postgres) Get(ctx context.Context, path string) ([]byte, string, error) {
	var content []byte
	var version string
	err := p.pool.QueryRow(ctx, `SELECT content, version FROM blob_documents WHERE path = $1`, path).Scan(&content, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, "", err
	}
	return content, version, nil
}

// Put implements Backend.
func (p *Postgres) Put(ctx context.Context, path string, content []byte, token, message string) (string, error) {
	version := ContentToken(content)
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var tag pgconn.CommandTag
	if token == "" {
		tag, err = tx.Exec(ctx,
			`INSERT INTO blob_documents (path, content, version) VALUES ($1, $2, $3) ON CONFLICT (path) DO NOTHING`,
			path, content, version)
	} else {
		tag, err = tx.Exec(ctx,
			`UPDATE blob_documents SET content = $2, version = $3, updated_at = now() WHERE path = $1 AND version = $4`,
			path, content, version, token)
	}
	if err != nil {
		return "", err
	}
	if tag.RowsAffected() == 0 {
		return "", &ConflictError{Path: path, Expected: token}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO blob_history (path, version, message) VALUES ($1, $2, $3)`,
		path, version, message); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return version, nil
}

// History implements Historian.
func (p *Postgres) History(ctx context.Context, path string, n int) ([]Commit, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT version, message, created_at FROM blob_history WHERE path = $1 ORDER BY id DESC LIMIT $2`,
		path, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var commits []Commit
	for rows.Next() {
		var c Commit
		if err := rows.Scan(&c.Hash, &c.Message, &c.Date); err != nil {
			return nil, err
		}
		c.Author = "postgres"
		commits = append(commits, c)
	}
	return commits, rows.Err()
}
