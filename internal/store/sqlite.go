package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/audun/patchsilence/internal/model"
)

// SQLite stores the window ledger in a single local database file, for
// installs without a shared PostgreSQL instance. All timestamps are
// normalized to UTC so that range comparisons order correctly.
type SQLite struct {
	db     *sql.DB
	logger zerolog.Logger
}

// OpenSQLite opens (creating if needed) the database file and applies the
// pragmas the ledger relies on.
func OpenSQLite(path string, logger zerolog.Logger) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_loc=UTC", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite store: %w", err)
	}

	return NewSQLite(db, logger), nil
}

// NewSQLite wraps an existing database handle; tests use this with an
// in-memory database.
func NewSQLite(db *sql.DB, logger zerolog.Logger) *SQLite {
	return &SQLite{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
	}
}

func (s *SQLite) Exists(ctx context.Context, nodeID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM maintenance_windows WHERE nodeid = ?`, nodeID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check window for node %s: %w", nodeID, err)
	}
	return true, nil
}

func (s *SQLite) Insert(ctx context.Context, w model.MaintenanceWindow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO maintenance_windows (nodeid, ipaddress, hostname, grp, startdt, enddt, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.NodeID, w.IPAddress, w.Hostname, w.Group,
		w.StartTime.UTC(), w.EndTime.UTC(), time.Now().UTC(),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("node %s: %w", w.NodeID, ErrDuplicateWindow)
		}
		return fmt.Errorf("insert window for node %s: %w", w.NodeID, err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, nodeID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM maintenance_windows WHERE nodeid = ?`, nodeID)
	if err != nil {
		return fmt.Errorf("delete window for node %s: %w", nodeID, err)
	}
	return nil
}

func (s *SQLite) SelectAll(ctx context.Context) ([]model.MaintenanceWindow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT nodeid, ipaddress, hostname, grp, startdt, enddt
		 FROM maintenance_windows ORDER BY startdt, nodeid`)
	if err != nil {
		return nil, fmt.Errorf("select windows: %w", err)
	}
	defer rows.Close()

	var windows []model.MaintenanceWindow
	for rows.Next() {
		var w model.MaintenanceWindow
		if err := rows.Scan(&w.NodeID, &w.IPAddress, &w.Hostname, &w.Group, &w.StartTime, &w.EndTime); err != nil {
			return nil, fmt.Errorf("scan window: %w", err)
		}
		windows = append(windows, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate windows: %w", err)
	}
	return windows, nil
}

func (s *SQLite) Prune(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM maintenance_windows WHERE enddt < ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune windows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune windows: %w", err)
	}
	return n, nil
}

func (s *SQLite) AcquireRunLock(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO run_locks (name, locked_by, locked_at, expires_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE
		 SET locked_by = excluded.locked_by, locked_at = excluded.locked_at, expires_at = excluded.expires_at
		 WHERE run_locks.expires_at < excluded.locked_at`,
		RunLockName, holder, now, now.Add(ttl),
	)
	if err != nil {
		return false, fmt.Errorf("acquire run lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire run lock: %w", err)
	}
	return n > 0, nil
}

func (s *SQLite) ReleaseRunLock(ctx context.Context, holder string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM run_locks WHERE name = ? AND locked_by = ?`, RunLockName, holder)
	if err != nil {
		return fmt.Errorf("release run lock: %w", err)
	}
	return nil
}

func (s *SQLite) Close() {
	s.db.Close()
}
