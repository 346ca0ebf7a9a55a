// Package postgres persists scan results and job progress in Postgres.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the connection pool and table names.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	ResultsTable    string        `mapstructure:"results_table"`
	ProgressTable   string        `mapstructure:"progress_table"`
}

// DB is the subset of pgxpool.Pool the stores use.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Connect opens a pool sized by cfg.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the result and progress tables when they are missing.
func EnsureSchema(ctx context.Context, db DB, cfg Config) error {
	results, err := tableName(cfg.ResultsTable, defaultResultsTable)
	if err != nil {
		return err
	}
	progress, err := tableName(cfg.ProgressTable, defaultProgressTable)
	if err != nil {
		return err
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	site_id     TEXT NOT NULL DEFAULT '',
	url         TEXT NOT NULL,
	success     BOOLEAN NOT NULL,
	issue_total INTEGER NOT NULL,
	payload     JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
)`, results),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	job_id          TEXT PRIMARY KEY,
	kind            TEXT NOT NULL,
	site_id         TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	status_rank     SMALLINT NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	sites_processed INTEGER NOT NULL DEFAULT 0,
	pages_total     INTEGER NOT NULL DEFAULT 0,
	pages_processed INTEGER NOT NULL DEFAULT 0,
	forms_processed INTEGER NOT NULL DEFAULT 0,
	issues_found    INTEGER NOT NULL DEFAULT 0,
	result_id       TEXT NOT NULL DEFAULT '',
	error           TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	finished_at     TIMESTAMPTZ
)`, progress),
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func tableName(name, fallback string) (string, error) {
	if name == "" {
		name = fallback
	}
	if !validTableName.MatchString(name) {
		return "", fmt.Errorf("invalid table name %q", name)
	}
	return name, nil
}
