// Package sqlitestore is the embedded relational reference backend for the
// metadata store contract (spec.md §4.5), a single-file database with a
// bounded connection pool, WAL journaling and normal synchronous mode.
package sqlitestore

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/repque/content-cache/cacheerr"
	"github.com/repque/content-cache/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	path          TEXT PRIMARY KEY,
	content_hash  TEXT NOT NULL,
	mtime         REAL NOT NULL,
	file_size     INTEGER NOT NULL,
	content       TEXT NOT NULL DEFAULT '',
	blob_ref      TEXT NOT NULL DEFAULT '',
	extracted_at  INTEGER NOT NULL,
	access_count  INTEGER NOT NULL,
	last_accessed INTEGER NOT NULL,
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_content_hash ON entries(content_hash);
CREATE INDEX IF NOT EXISTS idx_entries_last_accessed ON entries(last_accessed);

CREATE TABLE IF NOT EXISTS counters (
	name  TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
`

// Store is a *sql.DB-backed implementation of store.Store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path, applies
// WAL journaling and normal synchronous mode, bounds the connection pool to
// poolSize, and ensures the schema exists.
func Open(path string, poolSize int) (*Store, error) {
	if poolSize <= 0 {
		poolSize = 10
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL", path))
	if err != nil {
		return nil, cacheerr.New(cacheerr.StorageFailure, path, err)
	}
	db.SetMaxOpenConns(poolSize)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, cacheerr.New(cacheerr.StorageFailure, path, err)
	}

	return &Store{db: db}, nil
}

func (s *Store) GetByPath(path string) (store.Entry, bool, error) {
	row := s.db.QueryRow(`SELECT path, content_hash, mtime, file_size, content, blob_ref,
		extracted_at, access_count, last_accessed, created_at FROM entries WHERE path = ?`, path)

	var e store.Entry
	err := row.Scan(&e.Path, &e.ContentHash, &e.Mtime, &e.FileSize, &e.Content, &e.BlobRef,
		&e.ExtractedAt, &e.AccessCount, &e.LastAccessed, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return store.Entry{}, false, nil
	}
	if err != nil {
		return store.Entry{}, false, cacheerr.New(cacheerr.StorageFailure, path, err)
	}
	return e, true, nil
}

func (s *Store) GetByHash(contentHash string) ([]store.Entry, error) {
	rows, err := s.db.Query(`SELECT path, content_hash, mtime, file_size, content, blob_ref,
		extracted_at, access_count, last_accessed, created_at FROM entries WHERE content_hash = ?`, contentHash)
	if err != nil {
		return nil, cacheerr.New(cacheerr.StorageFailure, contentHash, err)
	}
	defer rows.Close()

	var out []store.Entry
	for rows.Next() {
		var e store.Entry
		if err := rows.Scan(&e.Path, &e.ContentHash, &e.Mtime, &e.FileSize, &e.Content, &e.BlobRef,
			&e.ExtractedAt, &e.AccessCount, &e.LastAccessed, &e.CreatedAt); err != nil {
			return nil, cacheerr.New(cacheerr.StorageFailure, contentHash, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Put(e store.Entry) error {
	_, err := s.db.Exec(`INSERT INTO entries
		(path, content_hash, mtime, file_size, content, blob_ref, extracted_at, access_count, last_accessed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			content_hash=excluded.content_hash,
			mtime=excluded.mtime,
			file_size=excluded.file_size,
			content=excluded.content,
			blob_ref=excluded.blob_ref,
			extracted_at=excluded.extracted_at,
			access_count=excluded.access_count,
			last_accessed=excluded.last_accessed,
			created_at=excluded.created_at`,
		e.Path, e.ContentHash, e.Mtime, e.FileSize, e.Content, e.BlobRef,
		e.ExtractedAt, e.AccessCount, e.LastAccessed, e.CreatedAt)
	if err != nil {
		return cacheerr.New(cacheerr.StorageFailure, e.Path, err)
	}
	return nil
}

func (s *Store) DeleteByPath(path string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM entries WHERE path = ?`, path)
	if err != nil {
		return false, cacheerr.New(cacheerr.StorageFailure, path, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, cacheerr.New(cacheerr.StorageFailure, path, err)
	}
	return n > 0, nil
}

func (s *Store) Touch(path string, lastAccessed int64, accessCount int64) error {
	_, err := s.db.Exec(`UPDATE entries SET last_accessed = ?, access_count = ? WHERE path = ?`,
		lastAccessed, accessCount, path)
	if err != nil {
		return cacheerr.New(cacheerr.StorageFailure, path, err)
	}
	return nil
}

func (s *Store) IterOlderThan(cutoff int64, fn func(store.Entry) bool) error {
	rows, err := s.db.Query(`SELECT path, content_hash, mtime, file_size, content, blob_ref,
		extracted_at, access_count, last_accessed, created_at FROM entries WHERE last_accessed < ?`, cutoff)
	if err != nil {
		return cacheerr.New(cacheerr.StorageFailure, "", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e store.Entry
		if err := rows.Scan(&e.Path, &e.ContentHash, &e.Mtime, &e.FileSize, &e.Content, &e.BlobRef,
			&e.ExtractedAt, &e.AccessCount, &e.LastAccessed, &e.CreatedAt); err != nil {
			return cacheerr.New(cacheerr.StorageFailure, "", err)
		}
		if !fn(e) {
			break
		}
	}
	return rows.Err()
}

func (s *Store) CountByHash() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT content_hash, COUNT(*) FROM entries GROUP BY content_hash`)
	if err != nil {
		return nil, cacheerr.New(cacheerr.StorageFailure, "", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var hash string
		var count int
		if err := rows.Scan(&hash, &count); err != nil {
			return nil, cacheerr.New(cacheerr.StorageFailure, "", err)
		}
		out[hash] = count
	}
	return out, rows.Err()
}

func (s *Store) Totals() (store.Totals, error) {
	row := s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(file_size), 0) FROM entries`)
	var t store.Totals
	if err := row.Scan(&t.EntryCount, &t.TotalBytes); err != nil {
		return store.Totals{}, cacheerr.New(cacheerr.StorageFailure, "", err)
	}
	return t, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
