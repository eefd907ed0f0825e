package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under app data dir.
	DefaultDBFileName = "proxishare.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
)

// migration pairs a schema version with the statement that produces it.
// PRAGMA user_version tracks how many of these have already run against
// a given database file, so migrations are applied at most once and in
// order regardless of how many times Open runs against the same file.
type migration struct {
	version int
	stmt    string
}

var migrations = []migration{
	{1, `
CREATE TABLE IF NOT EXISTS devices (
  device_id     TEXT PRIMARY KEY,
  name          TEXT NOT NULL,
  addresses     TEXT NOT NULL DEFAULT '',
  service_port  INTEGER NOT NULL DEFAULT 0,
  last_seen     INTEGER NOT NULL
);
`},
	{2, `
CREATE TABLE IF NOT EXISTS trust_records (
  device_id                    TEXT PRIMARY KEY,
  peer_public_key_fingerprint  TEXT NOT NULL,
  paired_at                    INTEGER NOT NULL
);
`},
	{3, `
CREATE TABLE IF NOT EXISTS transfers (
  transfer_id        TEXT PRIMARY KEY,
  device_id          TEXT NOT NULL,
  device_name        TEXT NOT NULL,
  file_name          TEXT NOT NULL,
  file_path          TEXT NOT NULL,
  total_size         INTEGER NOT NULL,
  direction          TEXT NOT NULL CHECK(direction IN ('send','receive')),
  status             TEXT NOT NULL CHECK(status IN ('pending','in_progress','paused','completed','failed','cancelled')) DEFAULT 'pending',
  bytes_transferred  INTEGER NOT NULL DEFAULT 0,
  file_hash          TEXT NOT NULL DEFAULT '',
  created_at         INTEGER NOT NULL,
  updated_at         INTEGER NOT NULL
);
`},
	{4, `
CREATE INDEX IF NOT EXISTS idx_transfers_device_updated
ON transfers (device_id, updated_at DESC, transfer_id);
`},
	{5, `
CREATE INDEX IF NOT EXISTS idx_transfers_status_updated
ON transfers (status, updated_at DESC, transfer_id);
`},
	{6, `
CREATE INDEX IF NOT EXISTS idx_devices_last_seen
ON devices (last_seen DESC, device_id);
`},
}

// Store is a thin wrapper around a SQLite connection holding devices,
// trust records, and transfer history.
type Store struct {
	db *sql.DB

	walCheckpointInterval time.Duration
	walCheckpointStop     chan struct{}
	walCheckpointWG       sync.WaitGroup
	closeOnce             sync.Once
}

// Open opens (or creates) proxishare.db under the given data directory and
// runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	s, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return s, dbPath, nil
}

// OpenPath opens SQLite at an explicit path, configures it for a
// single-writer/many-reader local process (WAL, foreign keys, a busy
// timeout instead of SQLITE_BUSY errors under contention), and brings
// its schema up to date.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	s := &Store{
		db:                    db,
		walCheckpointInterval: DefaultWALCheckpointInterval,
		walCheckpointStop:     make(chan struct{}),
	}

	for _, step := range []func() error{s.enableWALMode, s.applyMigrations, s.checkpointWAL} {
		if err := step(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	s.startWALCheckpointLoop()

	return s, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		if s.walCheckpointStop != nil {
			close(s.walCheckpointStop)
			s.walCheckpointWG.Wait()
		}
		closeErr = s.db.Close()
		s.db = nil
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	pending := migrations[minInt(version, len(migrations)):]
	if len(pending) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, m := range pending {
		if _, err := tx.Exec(m.stmt); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", m.version)); err != nil {
			return fmt.Errorf("set schema version %d: %w", m.version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}
	return nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

// startWALCheckpointLoop periodically truncates the WAL file so it
// cannot grow unbounded across a long-running device session; a device
// left online for weeks between restarts would otherwise never get the
// checkpointing OpenPath performs once at startup.
func (s *Store) startWALCheckpointLoop() {
	interval := s.walCheckpointInterval
	if interval <= 0 || s.walCheckpointStop == nil {
		return
	}

	s.walCheckpointWG.Add(1)
	go func() {
		defer s.walCheckpointWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.checkpointWAL()
			case <-s.walCheckpointStop:
				return
			}
		}
	}()
}
