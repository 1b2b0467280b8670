package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/moodcall/internal/core"
	_ "modernc.org/sqlite"
)

type sqliteBackend struct {
	db *sql.DB
}

// NewSQLite opens (or creates) a persistent store at dsn. Use ":memory:" for
// a throwaway database.
func NewSQLite(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// a single connection keeps ":memory:" databases shared
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS docs (
			path       TEXT PRIMARY KEY,
			body       BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS entries (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			collection TEXT NOT NULL,
			id         TEXT NOT NULL,
			body       BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS entries_collection ON entries(collection, seq);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return newStore("sqlite", &sqliteBackend{db: db}), nil
}

func (b *sqliteBackend) insert(path string, body []byte) error {
	tx, err := b.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM docs WHERE path = ?`, path).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return core.ErrAlreadyExists
	}
	if _, err := tx.Exec(`INSERT INTO docs (path, body, updated_at) VALUES (?, ?, ?)`,
		path, body, time.Now().UnixMilli()); err != nil {
		return err
	}
	return tx.Commit()
}

func (b *sqliteBackend) load(path string) ([]byte, error) {
	var body []byte
	err := b.db.QueryRow(`SELECT body FROM docs WHERE path = ?`, path).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	return body, err
}

func (b *sqliteBackend) save(path string, body []byte) error {
	_, err := b.db.Exec(`UPDATE docs SET body = ?, updated_at = ? WHERE path = ?`,
		body, time.Now().UnixMilli(), path)
	return err
}

// subtree bounds: '0' is the byte after '/'.
func subtree(path string) (lo, hi string) {
	return path + "/", path + "0"
}

func (b *sqliteBackend) deleteTree(path string) ([]string, error) {
	lo, hi := subtree(path)
	tx, err := b.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT path FROM docs WHERE path = ? OR (path >= ? AND path < ?)`, path, lo, hi)
	if err != nil {
		return nil, err
	}
	var removed []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, err
		}
		removed = append(removed, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`DELETE FROM docs WHERE path = ? OR (path >= ? AND path < ?)`, path, lo, hi); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`DELETE FROM entries WHERE collection >= ? AND collection < ?`, lo, hi); err != nil {
		return nil, err
	}
	return removed, tx.Commit()
}

func (b *sqliteBackend) appendEntry(collection, id string, body []byte) error {
	_, err := b.db.Exec(`INSERT INTO entries (collection, id, body) VALUES (?, ?, ?)`, collection, id, body)
	return err
}

func (b *sqliteBackend) entries(collection string) ([]rawEntry, error) {
	rows, err := b.db.Query(`SELECT id, body FROM entries WHERE collection = ? ORDER BY seq`, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []rawEntry
	for rows.Next() {
		var e rawEntry
		if err := rows.Scan(&e.id, &e.body); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (b *sqliteBackend) close() error {
	return b.db.Close()
}
