// Package sqlstore implements cache.Backend on top of database/sql.
// The same queries serve SQLite and PostgreSQL; a Dialect supplies the
// schema and the placeholder style.
package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/any-hub/offline-worker/internal/cache"
)

var (
	//go:embed schema/sqlite.sql
	sqliteSchema string
	//go:embed schema/postgres.sql
	postgresSchema string
)

// Dialect describes the differences between supported SQL engines.
type Dialect struct {
	Name   string
	Schema string
	// Numbered placeholders ($1, $2...) instead of "?".
	Numbered bool
}

var (
	// SQLite uses "?" placeholders and INTEGER AUTOINCREMENT ids.
	SQLite = Dialect{Name: "sqlite", Schema: sqliteSchema}
	// Postgres uses "$n" placeholders and BIGSERIAL ids.
	Postgres = Dialect{Name: "postgres", Schema: postgresSchema, Numbered: true}
)

var _ cache.Backend = (*Store)(nil)

// Store is a SQL-backed cache.Backend.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// New creates the schema if needed and returns the backend. The caller keeps
// ownership of db until Close is called on the returned Store.
func New(ctx context.Context, db *sql.DB, dialect Dialect) (*Store, error) {
	if db == nil {
		return nil, errors.New("sql db is required")
	}
	if _, err := db.ExecContext(ctx, dialect.Schema); err != nil {
		return nil, fmt.Errorf("create %s cache schema: %w", dialect.Name, err)
	}
	return &Store{db: db, dialect: dialect, now: time.Now}, nil
}

func (s *Store) CreateGeneration(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO cache_generations (name, created_at) VALUES (?, ?)
		 ON CONFLICT (name) DO NOTHING`),
		name, s.now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("create generation: %w", err)
	}
	return nil
}

func (s *Store) Generations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM cache_generations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *Store) DropGeneration(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin drop generation: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM cache_entries WHERE generation = ?`), name); err != nil {
		return false, fmt.Errorf("drop generation entries: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM cache_generations WHERE name = ?`), name)
	if err != nil {
		return false, fmt.Errorf("drop generation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit drop generation: %w", err)
	}
	return affected > 0, nil
}

func (s *Store) Load(ctx context.Context, generation, key string) (*cache.Record, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT status, header_json, vary_json, body, stored_at
		 FROM cache_entries
		 WHERE generation = ? AND cache_key = ?`),
		generation, key,
	)

	var (
		status     int
		headerJSON string
		varyJSON   string
		body       []byte
		storedAt   int64
	)
	if err := row.Scan(&status, &headerJSON, &varyJSON, &body, &storedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			exists, existsErr := s.generationExists(ctx, s.db, generation)
			if existsErr != nil {
				return nil, existsErr
			}
			if !exists {
				return nil, cache.ErrGenerationNotFound
			}
			return nil, cache.ErrNotFound
		}
		return nil, fmt.Errorf("load cache entry: %w", err)
	}

	rec := &cache.Record{
		URL:      key,
		Status:   status,
		Body:     body,
		StoredAt: time.UnixMilli(storedAt).UTC(),
	}
	if err := json.Unmarshal([]byte(headerJSON), &rec.Header); err != nil {
		return nil, fmt.Errorf("decode cache header: %w", err)
	}
	if err := json.Unmarshal([]byte(varyJSON), &rec.Vary); err != nil {
		return nil, fmt.Errorf("decode cache vary: %w", err)
	}
	if rec.Header == nil {
		rec.Header = http.Header{}
	}
	return rec, nil
}

func (s *Store) StoreAll(ctx context.Context, generation string, records []*cache.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin store: %w", err)
	}
	defer tx.Rollback()

	exists, err := s.generationExists(ctx, tx, generation)
	if err != nil {
		return err
	}
	if !exists {
		return cache.ErrGenerationNotFound
	}

	stmt, err := tx.PrepareContext(ctx, s.q(
		`INSERT INTO cache_entries (generation, cache_key, status, header_json, vary_json, body, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (generation, cache_key) DO UPDATE SET
		    status = excluded.status,
		    header_json = excluded.header_json,
		    vary_json = excluded.vary_json,
		    body = excluded.body,
		    stored_at = excluded.stored_at`))
	if err != nil {
		return fmt.Errorf("prepare store: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		headerJSON, err := json.Marshal(rec.Header)
		if err != nil {
			return fmt.Errorf("encode cache header: %w", err)
		}
		varyJSON, err := json.Marshal(rec.Vary)
		if err != nil {
			return fmt.Errorf("encode cache vary: %w", err)
		}
		body := rec.Body
		if body == nil {
			body = []byte{}
		}
		storedAt := rec.StoredAt
		if storedAt.IsZero() {
			storedAt = s.now()
		}
		if _, err := stmt.ExecContext(ctx,
			generation, rec.URL, rec.Status, string(headerJSON), string(varyJSON), body, storedAt.UTC().UnixMilli(),
		); err != nil {
			return fmt.Errorf("store cache entry %s: %w", rec.URL, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit store: %w", err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, generation, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`DELETE FROM cache_entries WHERE generation = ? AND cache_key = ?`),
		generation, key,
	)
	if err != nil {
		return false, fmt.Errorf("remove cache entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *Store) Entries(ctx context.Context, generation string) ([]string, error) {
	exists, err := s.generationExists(ctx, s.db, generation)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, cache.ErrGenerationNotFound
	}

	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT cache_key FROM cache_entries WHERE generation = ? ORDER BY cache_key`),
		generation,
	)
	if err != nil {
		return nil, fmt.Errorf("list cache entries: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) generationExists(ctx context.Context, q queryer, name string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, s.q(`SELECT 1 FROM cache_generations WHERE name = ?`), name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check generation: %w", err)
	}
	return true, nil
}

// q rewrites "?" placeholders for dialects that number them.
func (s *Store) q(query string) string {
	if !s.dialect.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
