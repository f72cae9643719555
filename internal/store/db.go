package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

const (
	dbFile   = "autopilot.db"
	lockFile = ".lock"
	// timeLayout sorts lexicographically, which the queue ordering relies on.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// ErrLocked means another process owns the data directory.
var ErrLocked = errors.New("data directory is locked by another process")

type Store struct {
	DB   *sql.DB
	Path string

	lock *flock.Flock
}

// Open takes the data directory lock, opens the database and migrates it.
// Holding the lock is what makes startup recovery of checked out postings safe.
func Open(ctx context.Context, dataDir string) (*Store, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	lock := flock.New(filepath.Join(dataDir, lockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock data dir: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%s: %w", dataDir, ErrLocked)
	}

	path := filepath.Join(dataDir, dbFile)
	// modernc sqlite uses DSN like: file:foo.db?_pragma=busy_timeout(5000)
	// busy_timeout bounds how long a reader can wait behind a writer.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate", path)

	pool, err := sql.Open("sqlite", dsn)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	pool.SetMaxOpenConns(4)
	pool.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := pool.PingContext(pingCtx); err != nil {
		_ = pool.Close()
		_ = lock.Unlock()
		return nil, err
	}

	if err := Migrate(ctx, pool); err != nil {
		_ = pool.Close()
		_ = lock.Unlock()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{DB: pool, Path: path, lock: lock}, nil
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	var err error
	if s.DB != nil {
		err = s.DB.Close()
	}
	if s.lock != nil {
		if uerr := s.lock.Unlock(); uerr != nil && err == nil {
			err = uerr
		}
	}
	return err
}

// FormatTime renders t in the storage layout (UTC).
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

// ParseTime is the inverse of FormatTime. Empty input gives the zero time.
func ParseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}
