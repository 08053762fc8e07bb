// Package db implements the opening and graceful closing of database connections.
package db

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/tarancss/waas/lib/config"
	"github.com/tarancss/waas/lib/store"
	"github.com/tarancss/waas/lib/store/memory"
	"github.com/tarancss/waas/lib/store/mongo"
	"github.com/tarancss/waas/lib/store/postgres"
)

// New returns a new database connection according to the configured database type. PostgreSQL databases are
// migrated before returning.
func New(ctx context.Context, conf config.ServiceConfig, log *zap.Logger) (store.DB, error) {
	switch conf.DBType {
	case config.Memory:
		log.Warn("using the in-memory store, data will not survive a restart")

		return memory.New(), nil
	case config.Postgres:
		p, err := openPostgres(ctx, conf.DBConn, conf.Migrations, log)
		if err != nil {
			return nil, err
		}

		return p, nil
	}

	return nil, fmt.Errorf("%w: %s", config.ErrUnknownDBType, conf.DBType)
}

// openPostgres connects to connection and applies the migrations in dir, if any.
func openPostgres(ctx context.Context, connection, dir string, log *zap.Logger) (*postgres.Postgres, error) {
	p, err := postgres.New(connection, log)
	if err != nil {
		return nil, err
	}

	if dir != "" {
		if err = p.RunMigrations(ctx, dir); err != nil {
			p.Close()
			return nil, err
		}
	}

	return p, nil
}

// NewEventLog returns the event log according to the configured type. It shares the connection of dh when both
// live in the same kind of store. A separate PostgreSQL event log is migrated before returning.
func NewEventLog(ctx context.Context, conf config.ServiceConfig, dh store.DB, log *zap.Logger) (store.EventLog, error) {
	switch conf.EventLogType {
	case config.Memory:
		if m, ok := dh.(*memory.Memory); ok {
			return m, nil
		}

		return memory.New(), nil
	case config.Postgres:
		if p, ok := dh.(*postgres.Postgres); ok && conf.EventLogConn == "" {
			return p, nil
		}

		p, err := openPostgres(ctx, conf.EventLogConn, conf.Migrations, log)
		if err != nil {
			return nil, err
		}

		return p, nil
	case config.MongoDB:
		m, err := mongo.New(conf.EventLogConn)
		if err != nil {
			return nil, err
		}

		return m, nil
	}

	return nil, fmt.Errorf("%w: %s", config.ErrUnknownLogStore, conf.EventLogType)
}

// Close gracefully closes a connection returned by New or NewEventLog.
func Close(dh interface{}) error {
	if c, ok := dh.(io.Closer); ok {
		return c.Close()
	}

	return nil
}
