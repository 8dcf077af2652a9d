package cache

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/longregen/rubric/internal/ports"
)

// SQLiteStore is the disk cache, a single database file under the
// scratch directory. Writes are last-writer-wins by (namespace, key);
// oldest entries are evicted at open when stored values exceed the
// size cap.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens or creates the cache database at path and
// trims it oldest-first down to maxMB megabytes of stored values.
// A maxMB of zero or less disables eviction.
func NewSQLiteStore(path string, maxMB int64) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	s := &SQLiteStore{db: db, logger: slog.With("component", "cache")}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init cache schema: %w", err)
	}
	if maxMB > 0 {
		if err := s.evict(maxMB * 1024 * 1024); err != nil {
			db.Close()
			return nil, fmt.Errorf("evict cache: %w", err)
		}
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS cache (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB NOT NULL,
			size INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (namespace, key)
		);
		CREATE INDEX IF NOT EXISTS idx_cache_created ON cache(created_at);
	`)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM cache WHERE namespace = ? AND key = ?", namespace, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	return value, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, namespace, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO cache (namespace, key, value, size, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		namespace, key, value, len(value), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, namespace, key string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM cache WHERE namespace = ? AND key = ?", namespace, key)
	if err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// evict deletes the oldest entries until stored values fit maxBytes.
func (s *SQLiteStore) evict(maxBytes int64) error {
	var total sql.NullInt64
	if err := s.db.QueryRow("SELECT SUM(size) FROM cache").Scan(&total); err != nil {
		return err
	}
	if !total.Valid || total.Int64 <= maxBytes {
		return nil
	}
	excess := total.Int64 - maxBytes

	rows, err := s.db.Query("SELECT namespace, key, size FROM cache ORDER BY created_at ASC")
	if err != nil {
		return err
	}
	type entry struct{ namespace, key string }
	var doomed []entry
	var freed int64
	for rows.Next() {
		var e entry
		var size int64
		if err := rows.Scan(&e.namespace, &e.key, &size); err != nil {
			rows.Close()
			return err
		}
		doomed = append(doomed, e)
		freed += size
		if freed >= excess {
			break
		}
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for _, e := range doomed {
		if _, err := tx.Exec("DELETE FROM cache WHERE namespace = ? AND key = ?", e.namespace, e.key); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.logger.Info("cache evicted", "entries", len(doomed), "freedBytes", freed)
	return nil
}

var _ ports.CacheStore = (*SQLiteStore)(nil)
