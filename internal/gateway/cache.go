package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"carenote/internal/store"
)

const cacheSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
    cache_name TEXT NOT NULL,
    method TEXT NOT NULL,
    url TEXT NOT NULL,
    status INTEGER NOT NULL,
    header TEXT NOT NULL,
    body BLOB NOT NULL,
    stored_at INTEGER NOT NULL,
    PRIMARY KEY (cache_name, method, url)
);
`

// Entry is a stored response.
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Cache persists responses in the gateway's own SQLite file.
type Cache struct {
	db   *sql.DB
	path string
}

// OpenCache opens or creates the cache database at path.
func OpenCache(path string) (*Cache, error) {
	db, err := store.OpenDB(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(cacheSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init cache schema: %w", err)
	}
	return &Cache{db: db, path: path}, nil
}

// Close releases the database.
func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Put stores or replaces the entry for (name, method, url).
func (c *Cache) Put(ctx context.Context, name, method, url string, entry Entry) error {
	header, err := json.Marshal(entry.Header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now()
	}
	body := entry.Body
	if body == nil {
		body = []byte{}
	}
	return store.RetryOnBusy(ctx, func() error {
		_, err := c.db.ExecContext(ctx, `INSERT INTO cache_entries (cache_name, method, url, status, header, body, stored_at)
            VALUES (?, ?, ?, ?, ?, ?, ?)
            ON CONFLICT(cache_name, method, url) DO UPDATE SET
                status = excluded.status,
                header = excluded.header,
                body = excluded.body,
                stored_at = excluded.stored_at`,
			name, method, url, entry.Status, string(header), body, entry.StoredAt.UnixNano())
		return err
	})
}

// Get returns the entry for (name, method, url). ok is false on a miss.
func (c *Cache) Get(ctx context.Context, name, method, url string) (entry Entry, ok bool, err error) {
	var (
		header   string
		storedAt int64
	)
	row := c.db.QueryRowContext(ctx, `SELECT status, header, body, stored_at FROM cache_entries
        WHERE cache_name = ? AND method = ? AND url = ?`, name, method, url)
	if err := row.Scan(&entry.Status, &header, &entry.Body, &storedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("read cache entry: %w", err)
	}
	if err := json.Unmarshal([]byte(header), &entry.Header); err != nil {
		return Entry{}, false, fmt.Errorf("decode cached header: %w", err)
	}
	entry.StoredAt = time.Unix(0, storedAt)
	return entry, true, nil
}

// Names lists every cache name with at least one entry.
func (c *Cache) Names(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT DISTINCT cache_name FROM cache_entries ORDER BY cache_name`)
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Delete drops every entry under name.
func (c *Cache) Delete(ctx context.Context, name string) (int64, error) {
	var affected int64
	err := store.RetryOnBusy(ctx, func() error {
		res, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_name = ?`, name)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// Count returns the number of entries under name.
func (c *Cache) Count(ctx context.Context, name string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries WHERE cache_name = ?`, name).Scan(&n)
	return n, err
}
