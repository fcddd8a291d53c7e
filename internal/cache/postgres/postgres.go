// Package postgres opens the PostgreSQL cache backend, letting several edge
// instances share one set of cache generations.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "github.com/lib/pq"

	"github.com/any-hub/offline-worker/internal/cache/sqlstore"
)

var (
	// ErrPingFailed is returned if the initial ping to the database returns an error
	ErrPingFailed = errors.New("ping returned error")
)

// Open connects with the lib/pq driver, verifies the connection and creates the schema.
func Open(ctx context.Context, dsn string) (*sqlstore.Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Join(ErrPingFailed, err)
	}

	store, err := sqlstore.New(ctx, db, sqlstore.Postgres)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}
