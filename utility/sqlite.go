package utility

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteCache persists utility evaluations across runs, keyed by the
// canonical subset key. Useful when the utility function retrains a model
// and a single evaluation costs minutes.
type SQLiteCache struct {
	db *sql.DB
}

func NewSQLiteCache(path string) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open utility cache %s: %w", path, err)
	}
	// One writer at a time; the engine funnels writes through singleflight
	// anyway, but busy_timeout keeps concurrent readers from erroring out.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure utility cache: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS utilities (
		subset_key TEXT PRIMARY KEY,
		value REAL NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create utility cache schema: %w", err)
	}
	return &SQLiteCache{db: db}, nil
}

func (c *SQLiteCache) Get(key string) (float64, bool, error) {
	var v float64
	err := c.db.QueryRow("SELECT value FROM utilities WHERE subset_key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("utility cache get: %w", err)
	}
	return v, true, nil
}

func (c *SQLiteCache) Put(key string, val float64) error {
	_, err := c.db.Exec(`INSERT INTO utilities (subset_key, value) VALUES (?, ?)
		ON CONFLICT(subset_key) DO UPDATE SET value = excluded.value`, key, val)
	if err != nil {
		return fmt.Errorf("utility cache put: %w", err)
	}
	return nil
}

func (c *SQLiteCache) Close() error {
	return c.db.Close()
}
