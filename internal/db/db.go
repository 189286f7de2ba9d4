// Package db implements the device/port store on SQLite and PostgreSQL.
package db

import (
	"context"
	"database/sql"
	"net/url"
	"os"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"portreg/internal/config"
	"portreg/internal/logger"
	"portreg/internal/store"
)

const busyTimeoutMs = "5000"

// SQLiteStore is a store.Store backed by a single SQLite file.
//
// Every Update runs as BEGIN IMMEDIATE, so the write lock on the database is
// taken before the used-port set is read; concurrent writers, in this or any
// other process, queue on the busy timeout instead of interleaving.
type SQLiteStore struct {
	db   *sql.DB
	path string
	log  zerolog.Logger
}

var _ store.Store = (*SQLiteStore)(nil)

// Open selects the store named by cfg.Driver.
func Open(ctx context.Context, cfg config.DatabaseConfig, log zerolog.Logger) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		s, err := OpenSQLite(ctx, cfg.Path, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverPostgres:
		s, err := OpenPostgres(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverMemory:
		l := logger.WithComponent(log, "db")
		l.Warn().Msg("using in-memory store, assignments are lost on restart")
		return store.NewMemoryStore(), nil
	default:
		return nil, errors.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// OpenSQLite opens (creating if needed) the database file at path and
// migrates the schema.
func OpenSQLite(ctx context.Context, path string, log zerolog.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite: database path is required")
	}

	conn, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, errors.Wrap(err, "sqlite: open")
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "sqlite: connect to %s", path)
	}

	s := &SQLiteStore{
		db:   conn,
		path: path,
		log:  logger.WithComponent(log, "db"),
	}
	if err := s.createTables(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	s.log.Info().Str("path", path).Msg("sqlite store ready")
	return s, nil
}

func sqliteDSN(path string) string {
	q := url.Values{}
	q.Set("_txlock", "immediate")
	q.Set("_busy_timeout", busyTimeoutMs)
	q.Set("_journal_mode", "WAL")
	q.Set("_foreign_keys", "on")
	return "file:" + path + "?" + q.Encode()
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	createDevicesTable := `CREATE TABLE IF NOT EXISTS devices (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		address_mac TEXT NOT NULL UNIQUE,
		ssh_key TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);`

	if _, err := s.db.ExecContext(ctx, createDevicesTable); err != nil {
		return errors.Wrap(err, "sqlite: create devices table")
	}

	createPortsTable := `CREATE TABLE IF NOT EXISTS ports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id INTEGER NOT NULL,
		port INTEGER NOT NULL UNIQUE CHECK (port BETWEEN 1 AND 65535),
		protocol TEXT NOT NULL,
		provisioned BOOLEAN NOT NULL DEFAULT 0,
		FOREIGN KEY(device_id) REFERENCES devices(id) ON DELETE CASCADE
	);`

	if _, err := s.db.ExecContext(ctx, createPortsTable); err != nil {
		return errors.Wrap(err, "sqlite: create ports table")
	}

	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS ports_device_id ON ports(device_id)"); err != nil {
		return errors.Wrap(err, "sqlite: create ports index")
	}
	return nil
}

// Update runs fn in one immediate transaction.
func (s *SQLiteStore) Update(ctx context.Context, fn func(store.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLiteError(err, "begin")
	}

	if err := fn(&sqlTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Warn().Err(rbErr).Msg("rollback failed")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return classifySQLiteError(err, "commit")
	}
	return nil
}

// BackupTo writes a consistent copy of the database to path, which must not
// exist yet.
func (s *SQLiteStore) BackupTo(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err == nil {
		return errors.Errorf("sqlite: backup target %s already exists", path)
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return errors.Wrapf(err, "sqlite: backup to %s", path)
	}
	return nil
}

// Path is the database file.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// classifySQLiteError maps driver errors onto store sentinels, keeping the
// driver message.
func classifySQLiteError(err error, op string) error {
	if err == nil {
		return nil
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch {
		case sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique,
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			if isPortIndex(sqliteErr.Error()) {
				return errors.Wrapf(store.ErrPortInUse, "%s: %v", op, err)
			}
			return errors.Wrapf(store.ErrDeviceExists, "%s: %v", op, err)
		case sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey:
			return errors.Wrapf(store.ErrDeviceNotFound, "%s: %v", op, err)
		case sqliteErr.Code == sqlite3.ErrBusy, sqliteErr.Code == sqlite3.ErrLocked:
			return errors.Wrapf(store.ErrTxConflict, "%s: %v", op, err)
		case sqliteErr.Code == sqlite3.ErrCantOpen,
			sqliteErr.Code == sqlite3.ErrIoErr,
			sqliteErr.Code == sqlite3.ErrNotADB,
			sqliteErr.Code == sqlite3.ErrCorrupt,
			sqliteErr.Code == sqlite3.ErrFull,
			sqliteErr.Code == sqlite3.ErrReadonly:
			return errors.Wrapf(store.ErrUnavailable, "%s: %v", op, err)
		}
	}
	if errors.Is(err, sql.ErrConnDone) {
		return errors.Wrapf(store.ErrUnavailable, "%s: %v", op, err)
	}
	return errors.Wrapf(err, "sqlite: %s", op)
}
