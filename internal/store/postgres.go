package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/audun/patchsilence/internal/model"
)

const pgUniqueViolation = "23505"

// DB is the narrow pgx surface the postgres store needs; *pgxpool.Pool
// satisfies it, tests substitute a mock.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPool connects a pgx pool and verifies it with a ping.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// Postgres stores the window ledger in a PostgreSQL database.
type Postgres struct {
	db     DB
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func NewPostgres(pool *pgxpool.Pool, logger zerolog.Logger) *Postgres {
	return &Postgres{
		db:     pool,
		pool:   pool,
		logger: logger.With().Str("component", "store").Logger(),
	}
}

// newPostgresWithDB wires an arbitrary DB, used by tests.
func newPostgresWithDB(db DB, logger zerolog.Logger) *Postgres {
	return &Postgres{db: db, logger: logger}
}

func (s *Postgres) Exists(ctx context.Context, nodeID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM maintenance_windows WHERE nodeid = $1)`, nodeID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check window for node %s: %w", nodeID, err)
	}
	return exists, nil
}

func (s *Postgres) Insert(ctx context.Context, w model.MaintenanceWindow) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO maintenance_windows (nodeid, ipaddress, hostname, grp, startdt, enddt, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())`,
		w.NodeID, w.IPAddress, w.Hostname, w.Group, w.StartTime, w.EndTime,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("node %s: %w", w.NodeID, ErrDuplicateWindow)
		}
		return fmt.Errorf("insert window for node %s: %w", w.NodeID, err)
	}
	return nil
}

func (s *Postgres) Delete(ctx context.Context, nodeID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM maintenance_windows WHERE nodeid = $1`, nodeID)
	if err != nil {
		return fmt.Errorf("delete window for node %s: %w", nodeID, err)
	}
	return nil
}

func (s *Postgres) SelectAll(ctx context.Context) ([]model.MaintenanceWindow, error) {
	rows, err := s.db.Query(ctx,
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

func (s *Postgres) Prune(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM maintenance_windows WHERE enddt < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("prune windows: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) AcquireRunLock(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	now := time.Now()
	tag, err := s.db.Exec(ctx,
		`INSERT INTO run_locks (name, locked_by, locked_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (name) DO UPDATE
		 SET locked_by = EXCLUDED.locked_by, locked_at = EXCLUDED.locked_at, expires_at = EXCLUDED.expires_at
		 WHERE run_locks.expires_at < EXCLUDED.locked_at`,
		RunLockName, holder, now, now.Add(ttl),
	)
	if err != nil {
		return false, fmt.Errorf("acquire run lock: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) ReleaseRunLock(ctx context.Context, holder string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM run_locks WHERE name = $1 AND locked_by = $2`, RunLockName, holder)
	if err != nil {
		return fmt.Errorf("release run lock: %w", err)
	}
	return nil
}

// Pool exposes the underlying pgx pool for pool-level instrumentation.
func (s *Postgres) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
