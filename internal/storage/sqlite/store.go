package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tjfontaine/polyglot-graphql-gateway/internal/storage"
)

// Store is a SQLite implementation of QueryStore
type Store struct {
	db *sql.DB
}

var _ storage.QueryStore = (*Store)(nil)

// New creates a new SQLite store
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer; pragmas are per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS persisted_queries (
			hash TEXT PRIMARY KEY,
			query TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			last_used_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_persisted_queries_last_used ON persisted_queries(last_used_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

func (s *Store) GetQuery(ctx context.Context, hash string) (string, bool, error) {
	var query string
	err := s.db.QueryRowContext(ctx,
		`SELECT query FROM persisted_queries WHERE hash = ?`, hash).Scan(&query)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get persisted query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE persisted_queries SET last_used_at = ? WHERE hash = ?`, time.Now(), hash); err != nil {
		return "", false, fmt.Errorf("failed to touch persisted query: %w", err)
	}

	return query, true, nil
}

func (s *Store) PutQuery(ctx context.Context, hash, query string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO persisted_queries (hash, query, created_at, last_used_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(hash) DO UPDATE SET query = excluded.query, last_used_at = excluded.last_used_at`,
		hash, query, now, now)
	if err != nil {
		return fmt.Errorf("failed to put persisted query: %w", err)
	}
	return nil
}

// Prune deletes queries not used since before. It returns the number of
// deleted rows.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM persisted_queries WHERE last_used_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune persisted queries: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Close() error {
	return s.db.Close()
}
