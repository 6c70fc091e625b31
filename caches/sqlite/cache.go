// Package sqlite stores partitions in a single SQLite database file so cached
// responses survive restarts without a database server.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	goswcache "github.com/dgduncan/go-sw-cache"
	"github.com/dgduncan/go-sw-cache/caches"
)

const (
	queryCreateTable = `CREATE TABLE IF NOT EXISTS sw_cache_items (
	partition  TEXT    NOT NULL,
	key        TEXT    NOT NULL,
	response   BLOB    NOT NULL,
	stored_at  INTEGER NOT NULL,
	expired_at INTEGER NOT NULL,
	PRIMARY KEY (partition, key)
)`
	queryFetchByID = `SELECT response, stored_at FROM sw_cache_items
WHERE partition = ? AND key = ? AND expired_at > ?`
	queryInsertItem = `INSERT INTO sw_cache_items (partition, key, response, stored_at, expired_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (partition, key) DO UPDATE SET
	response = excluded.response,
	stored_at = excluded.stored_at,
	expired_at = excluded.expired_at`
	queryDeleteItem     = `DELETE FROM sw_cache_items WHERE partition = ? AND key = ?`
	queryListEntries    = `SELECT key, stored_at FROM sw_cache_items WHERE partition = ? AND expired_at > ?`
	queryListPartitions = `SELECT DISTINCT partition FROM sw_cache_items ORDER BY partition`
	queryDropPartition  = `DELETE FROM sw_cache_items WHERE partition = ?`
	queryDeleteExpired  = `DELETE FROM sw_cache_items WHERE expired_at <= ?`
)

// Config defines the configuration options for the SQLite cache implementation.
type Config struct {
	// DeleteExpiredItems enables a background task removing rows older than
	// ItemExpiration.
	DeleteExpiredItems bool

	ExpiredTaskTimer time.Duration

	// ItemExpiration is how long a row is kept, regardless of the partition
	// expiration.
	ItemExpiration time.Duration

	Logger *slog.Logger
}

// Storage implements goswcache.Storage on SQLite. A partition exists while it
// holds at least one row.
type Storage struct {
	db *sql.DB

	expiration time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

var _ goswcache.Storage = (*Storage)(nil)

type Cache struct {
	s    *Storage
	name string
}

// OpenFile opens (or creates) the database at path and returns a storage on
// it. Close the returned db when done.
func OpenFile(ctx context.Context, path string, config *Config) (*Storage, *sql.DB, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, nil, err
	}

	// one writer at a time keeps SQLITE_BUSY out of concurrent revalidations
	db.SetMaxOpenConns(1)

	s, err := New(ctx, db, config)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	return s, db, nil
}

// New creates the table if needed and optionally starts the expired item
// task, which runs until ctx is done.
func New(ctx context.Context, db *sql.DB, config *Config) (*Storage, error) {
	if db == nil {
		return nil, caches.ValidationError{Reason: "nil db"}
	}

	if config == nil {
		config = &Config{}
	}

	if _, err := db.ExecContext(ctx, queryCreateTable); err != nil {
		return nil, err
	}

	s := &Storage{
		db:         db,
		expiration: config.ItemExpiration,
		logger:     config.Logger,
		now:        time.Now,
	}

	if s.expiration == 0 {
		s.expiration = caches.DefaultExpiredDuration
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if config.DeleteExpiredItems {
		interval := config.ExpiredTaskTimer
		if interval <= 0 {
			interval = caches.DefaultExpiredTaskTimer
		}
		go s.expiredTask(ctx, interval)
	}

	return s, nil
}

func (s *Storage) Open(_ context.Context, name string) (goswcache.Cache, error) {
	return &Cache{s: s, name: name}, nil
}

func (s *Storage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, queryListPartitions)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}

	return names, rows.Err()
}

func (s *Storage) Drop(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, queryDropPartition, name)
	return err
}

func (s *Storage) deleteExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, queryDeleteExpired, s.now().UnixNano())
	return err
}

func (s *Storage) expiredTask(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.deleteExpired(ctx); err != nil {
				s.logger.WarnContext(ctx, "error deleting expired items", "error", err)
			}
		}
	}
}

func (c *Cache) Get(ctx context.Context, k string) (*goswcache.CacheItem, error) {
	var (
		response []byte
		storedAt int64
	)

	err := c.s.db.QueryRowContext(ctx, queryFetchByID, c.name, k, c.s.now().UnixNano()).Scan(&response, &storedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, caches.ErrNoCacheItem
		}
		return nil, err
	}

	return &goswcache.CacheItem{
		Response: response,
		StoredAt: time.Unix(0, storedAt).UTC(),
	}, nil
}

func (c *Cache) Set(ctx context.Context, k string, v *goswcache.CacheItem) error {
	_, err := c.s.db.ExecContext(ctx, queryInsertItem,
		c.name,
		k,
		v.Response,
		v.StoredAt.UnixNano(),
		c.s.now().Add(c.s.expiration).UnixNano())
	return err
}

func (c *Cache) Delete(ctx context.Context, k string) error {
	_, err := c.s.db.ExecContext(ctx, queryDeleteItem, c.name, k)
	return err
}

func (c *Cache) Entries(ctx context.Context) ([]goswcache.Entry, error) {
	rows, err := c.s.db.QueryContext(ctx, queryListEntries, c.name, c.s.now().UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []goswcache.Entry
	for rows.Next() {
		var (
			e        goswcache.Entry
			storedAt int64
		)
		if err := rows.Scan(&e.Key, &storedAt); err != nil {
			return nil, err
		}
		e.StoredAt = time.Unix(0, storedAt).UTC()
		entries = append(entries, e)
	}

	return entries, rows.Err()
}
