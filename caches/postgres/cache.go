package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"io"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	goswcache "github.com/dgduncan/go-sw-cache"
	"github.com/dgduncan/go-sw-cache/caches"
)

var (
	// ErrPingFailed is returned if the initial ping to the database returns an error
	ErrPingFailed = errors.New("ping returned error")
)

var (
	//go:embed create_table.sql
	queryCreateTable string
	//go:embed delete_expired.sql
	queryDeleteExpired string
	//go:embed fetch_by_id.sql
	queryFetchByID string
	//go:embed insert_item.sql
	queryInsertItem string
	//go:embed delete_item.sql
	queryDeleteItem string
	//go:embed list_entries.sql
	queryListEntries string
	//go:embed list_partitions.sql
	queryListPartitions string
	//go:embed drop_partition.sql
	queryDropPartition string
)

// Config defines the configuration options for the PostgreSQL cache implementation.
type Config struct {
	// DeleteExpiredItems enables automatic cleanup of expired cache entries
	// through a background task.
	DeleteExpiredItems bool

	// ExpiredTaskTimer defines the interval at which the cleanup task runs.
	// Shorter durations may impact database performance.
	ExpiredTaskTimer time.Duration

	// ItemExpiration defines how long items remain valid in the database.
	// This is separate from the expiration configured on each partition.
	ItemExpiration time.Duration

	Logger *slog.Logger
}

// Storage implements goswcache.Storage with every partition in one
// PostgreSQL table. A partition exists while it holds at least one row.
type Storage struct {
	db *sql.DB

	expiration time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

var _ goswcache.Storage = (*Storage)(nil)

// Cache is one partition of a Storage.
type Cache struct {
	s    *Storage
	name string
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

// Get retrieves a cache item from PostgreSQL by its key.
// Returns caches.ErrNoCacheItem if the item doesn't exist.
func (p *Cache) Get(ctx context.Context, k string) (*goswcache.CacheItem, error) {
	stmt, err := p.s.db.PrepareContext(ctx, queryFetchByID)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	var item goswcache.CacheItem
	if err := stmt.QueryRowContext(ctx, p.name, k, p.s.now().UTC()).Scan(&item.Response, &item.StoredAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, caches.ErrNoCacheItem
		}
		return nil, err
	}

	return &item, nil
}

// Set stores a cache item, replacing any previous item with the same key.
func (p *Cache) Set(ctx context.Context, k string, v *goswcache.CacheItem) error {
	stmt, err := p.s.db.PrepareContext(ctx, queryInsertItem)
	if err != nil {
		return err
	}
	defer stmt.Close()

	_, err = stmt.ExecContext(ctx, p.name, k, v.Response, v.StoredAt.UTC(), p.s.now().UTC().Add(p.s.expiration))
	return err
}

func (p *Cache) Delete(ctx context.Context, k string) error {
	_, err := p.s.db.ExecContext(ctx, queryDeleteItem, p.name, k)
	return err
}

func (p *Cache) Entries(ctx context.Context) ([]goswcache.Entry, error) {
	rows, err := p.s.db.QueryContext(ctx, queryListEntries, p.name, p.s.now().UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []goswcache.Entry
	for rows.Next() {
		var e goswcache.Entry
		if err := rows.Scan(&e.Key, &e.StoredAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func createTable(ctx context.Context, db *sql.DB) error {
	stmt, err := db.PrepareContext(ctx, queryCreateTable)
	if err != nil {
		return err
	}
	defer stmt.Close()

	_, err = stmt.ExecContext(ctx)
	return err
}

func deleteExpiredItems(ctx context.Context, db *sql.DB, now time.Time) error {
	stmt, err := db.PrepareContext(ctx, queryDeleteExpired)
	if err != nil {
		return err
	}
	defer stmt.Close()

	_, err = stmt.ExecContext(ctx, now)
	return err
}

func (s *Storage) expiredTask(ctx context.Context, interval time.Duration) {
	t := time.NewTimer(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.DebugContext(ctx, "expired item task stopped")
			return
		case <-t.C:
			if err := deleteExpiredItems(ctx, s.db, s.now().UTC()); err != nil {
				s.logger.WarnContext(ctx, "error deleting expired items", "error", err)
			}
			_ = t.Reset(interval)
		}
	}
}

// New creates a new PostgreSQL cache storage with the provided configuration.
// It verifies the database connection, creates the necessary table structure, and
// optionally starts the cleanup task for expired items, which runs until ctx is done.
//
// Returns an error if:
// - The database is nil
// - The database connection test fails
// - Table creation fails
func New(ctx context.Context, db *sql.DB, config *Config) (*Storage, error) {
	if db == nil {
		return nil, caches.ValidationError{
			Reason: "nil db",
		}
	}

	if config == nil {
		config = &Config{}
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Join(ErrPingFailed, err)
	}

	if err := createTable(ctx, db); err != nil {
		return nil, err
	}

	s := &Storage{
		db: db,

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
