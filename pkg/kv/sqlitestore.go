package kv

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS kv_entries (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	metadata   TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_kv_entries_key_prefix ON kv_entries(key);
`

// SQLiteStore persists key-value entries in a single kv_entries table via
// modernc.org/sqlite, the corpus's pure-Go SQLite driver. It is the
// durable option: entries survive a process restart, unlike MemStore.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) a SQLite database at path
// and applies the kv_entries schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("kv: open sqlite: %w", err)
	}

	// modernc.org/sqlite, like most SQLite drivers, does not tolerate
	// concurrent writers across connections well; a single connection
	// serializes access the way the teacher's query-log store does.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("kv: ping sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA journal_mode = WAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("kv: set pragma %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("kv: apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration, metadata Metadata) error {
	md, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("kv: marshal metadata: %w", err)
	}
	expiresAt := time.Now().Add(ttl).Unix()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value, metadata, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			metadata = excluded.metadata,
			expires_at = excluded.expires_at
	`, key, value, string(md), expiresAt)
	if err != nil {
		return fmt.Errorf("kv: put: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetWithMetadata(ctx context.Context, key string) ([]byte, *Metadata, error) {
	var value []byte
	var metadataJSON string
	var expiresAt int64

	row := s.db.QueryRowContext(ctx,
		`SELECT value, metadata, expires_at FROM kv_entries WHERE key = ?`, key)
	if err := row.Scan(&value, &metadataJSON, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("kv: get: %w", err)
	}

	if time.Now().Unix() > expiresAt {
		return nil, nil, ErrNotFound
	}

	var metadata Metadata
	if err := json.Unmarshal([]byte(metadataJSON), &metadata); err != nil {
		return nil, nil, fmt.Errorf("kv: unmarshal metadata: %w", err)
	}
	return value, &metadata, nil
}

func (s *SQLiteStore) ListPrefix(ctx context.Context, prefix string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv_entries WHERE key >= ? AND key < ? ORDER BY key LIMIT ?`,
		prefix, prefixUpperBound(prefix), limit)
	if err != nil {
		return nil, fmt.Errorf("kv: list prefix: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("kv: scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// prefixUpperBound returns the smallest string that sorts strictly after
// every string beginning with prefix, letting a BETWEEN-style range scan
// stand in for a LIKE prefix match without escaping wildcard characters.
func prefixUpperBound(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return strings.Repeat(string(rune(0xff)), len(b)+1)
}
