// Package postgres implements the store interfaces for PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/tarancss/waas/lib/store"
)

// Postgres error codes mapped to store errors.
const (
	codeUniqueViolation = "23505"
	codeBadText         = "22P02"
)

// Postgres implements store.DB and store.EventLog on a PostgreSQL database.
type Postgres struct {
	db  *sql.DB
	log *zap.Logger
}

// New returns a postgres client connection to the specified database in 'connection'.
func New(connection string, log *zap.Logger) (*Postgres, error) {
	db, err := sql.Open("postgres", connection)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to DB: %w", err)
	}

	db.SetMaxOpenConns(20) //nolint:gomnd // pool size
	db.SetMaxIdleConns(5)  //nolint:gomnd
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second) //nolint:gomnd // 5 seconds timeout
	defer cancel()

	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot ping DB: %w", err)
	}

	return &Postgres{db: db, log: log}, nil
}

// Close will close any database connection. Must be called at termination time.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// RunMigrations executes the *.up.sql files found in dir in name order. Applied files are recorded in
// schema_migrations so each runs at most once.
func (p *Postgres) RunMigrations(ctx context.Context, dir string) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version VARCHAR(255) PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}

	sort.Strings(files)

	for _, f := range files {
		version := filepath.Base(f)

		var exists bool
		if err = p.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)",
			version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", version, err)
		}

		if exists {
			continue
		}

		content, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", version, err)
		}

		begin := time.Now()

		if err = p.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(content)); err != nil {
				return err
			}

			_, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version)

			return err
		}); err != nil {
			return fmt.Errorf("exec migration %s: %w", version, err)
		}

		p.log.Info("migration applied", zap.String("version", version), zap.Duration("elapsed", time.Since(begin)))
	}

	return nil
}

func (p *Postgres) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err = fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// nullable stores empty strings as NULL.
func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}

	v := t.Time

	return &v
}

func strs(s []string) pq.StringArray {
	if s == nil {
		return pq.StringArray{}
	}

	return pq.StringArray(s)
}

// conflict maps unique violations to store.ErrConflict.
func conflict(err error) error {
	var pe *pq.Error
	if errors.As(err, &pe) && pe.Code == codeUniqueViolation {
		return store.ErrConflict
	}

	return err
}

// lookup maps missing rows, and ids that cannot exist, to store.ErrNotFound.
func lookup(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}

	var pe *pq.Error
	if errors.As(err, &pe) && pe.Code == codeBadText {
		return store.ErrNotFound
	}

	return err
}

// affected returns store.ErrNotFound when res changed no rows.
func affected(res sql.Result, err error) error {
	if err != nil {
		return lookup(conflict(err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if n == 0 {
		return store.ErrNotFound
	}

	return nil
}
