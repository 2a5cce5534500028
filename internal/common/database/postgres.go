package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"filing-workflow/internal/common/config"

	_ "github.com/lib/pq"
)

type PostgresClient struct {
	DB *sql.DB
}

func NewPostgres(cfg config.PostgresConfig) (*PostgresClient, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &PostgresClient{DB: db}, nil
}

// NewPostgresFromDB wraps an already opened handle (sqlmock in tests).
func NewPostgresFromDB(db *sql.DB) *PostgresClient {
	return &PostgresClient{DB: db}
}

func (c *PostgresClient) Ping(ctx context.Context) error {
	return c.DB.PingContext(ctx)
}

func (c *PostgresClient) Close() error {
	if c.DB != nil {
		return c.DB.Close()
	}
	return nil
}

// WithTx runs fn inside a transaction, committing on nil and rolling back otherwise.
func (c *PostgresClient) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Schema is the DDL for the filing tables.
const Schema = `
CREATE TABLE IF NOT EXISTS applications (
	id                    TEXT PRIMARY KEY,
	company_id            TEXT NOT NULL,
	title                 TEXT NOT NULL DEFAULT '',
	target_amount         DOUBLE PRECISION NOT NULL DEFAULT 0,
	status                TEXT NOT NULL,
	current_phase         TEXT NOT NULL,
	completion_percentage INTEGER NOT NULL DEFAULT 0 CHECK (completion_percentage BETWEEN 0 AND 100),
	assigned_advisor_id   TEXT,
	assigned_regulator_id TEXT,
	priority              TEXT NOT NULL DEFAULT 'NORMAL',
	submitted_at          TIMESTAMPTZ,
	decided_at            TIMESTAMPTZ,
	created_at            TIMESTAMPTZ NOT NULL,
	updated_at            TIMESTAMPTZ NOT NULL,
	version               BIGINT NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_applications_company ON applications (company_id);
CREATE INDEX IF NOT EXISTS idx_applications_status ON applications (status);

CREATE TABLE IF NOT EXISTS application_sections (
	id                    TEXT PRIMARY KEY,
	application_id        TEXT NOT NULL REFERENCES applications(id) ON DELETE CASCADE,
	section_number        INTEGER NOT NULL CHECK (section_number BETWEEN 1 AND 10),
	title                 TEXT NOT NULL,
	data                  JSONB NOT NULL DEFAULT '{}'::jsonb,
	observed_keys         JSONB NOT NULL DEFAULT '[]'::jsonb,
	status                TEXT NOT NULL,
	completion_percentage INTEGER NOT NULL DEFAULT 0 CHECK (completion_percentage BETWEEN 0 AND 100),
	validation_errors     JSONB NOT NULL DEFAULT '[]'::jsonb,
	completed_by          TEXT,
	completed_at          TIMESTAMPTZ,
	reviewed_by           TEXT,
	reviewed_at           TIMESTAMPTZ,
	updated_at            TIMESTAMPTZ NOT NULL,
	version               BIGINT NOT NULL DEFAULT 1,
	UNIQUE (application_id, section_number)
);

CREATE TABLE IF NOT EXISTS application_comments (
	id             TEXT PRIMARY KEY,
	application_id TEXT NOT NULL REFERENCES applications(id) ON DELETE CASCADE,
	section_id     TEXT,
	author_id      TEXT NOT NULL,
	author_role    TEXT NOT NULL,
	content        TEXT NOT NULL,
	is_internal    BOOLEAN NOT NULL DEFAULT FALSE,
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_comments_application ON application_comments (application_id, created_at);

CREATE TABLE IF NOT EXISTS review_decisions (
	id               TEXT PRIMARY KEY,
	application_id   TEXT NOT NULL REFERENCES applications(id) ON DELETE CASCADE,
	action           TEXT NOT NULL,
	reviewer_id      TEXT NOT NULL,
	comment          TEXT NOT NULL DEFAULT '',
	risk_rating      TEXT,
	compliance_score INTEGER CHECK (compliance_score BETWEEN 0 AND 100),
	from_status      TEXT NOT NULL,
	to_status        TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_application ON review_decisions (application_id, created_at);
`

// Migrate applies Schema. Every statement is idempotent.
func (c *PostgresClient) Migrate(ctx context.Context) error {
	if _, err := c.DB.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
