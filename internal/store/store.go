package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/audun/patchsilence/internal/config"
	"github.com/audun/patchsilence/internal/model"
)

// ErrDuplicateWindow is returned by Insert when a row for the window's
// node already exists. Two overlapping runs racing on the same node both
// pass the existence check; the primary key on nodeid makes the loser of
// that race fail here instead of scheduling a second window.
var ErrDuplicateWindow = errors.New("maintenance window already exists for node")

// RunLockName is the lease every reconciliation run takes before touching
// the ledger.
const RunLockName = "reconcile"

// WindowStore is the dedup ledger for maintenance windows, keyed by the
// monitoring platform's node identifier.
type WindowStore interface {
	Exists(ctx context.Context, nodeID string) (bool, error)
	// Insert persists a window; ErrDuplicateWindow if the node already has one.
	Insert(ctx context.Context, w model.MaintenanceWindow) error
	Delete(ctx context.Context, nodeID string) error
	SelectAll(ctx context.Context) ([]model.MaintenanceWindow, error)
	// Prune removes every window with an end time before now and returns
	// the number of rows removed.
	Prune(ctx context.Context, now time.Time) (int64, error)
}

// RunLocker serializes whole reconciliation runs across processes using a
// lease row in the same datastore as the ledger.
type RunLocker interface {
	// AcquireRunLock takes the lease when it is free or expired. It returns
	// false, without error, when another live holder has it.
	AcquireRunLock(ctx context.Context, holder string, ttl time.Duration) (bool, error)
	// ReleaseRunLock drops the lease if this holder still owns it.
	ReleaseRunLock(ctx context.Context, holder string) error
}

// Store is the full datastore surface a backend implements.
type Store interface {
	WindowStore
	RunLocker
	Close()
}

// Open connects the backend selected by the config.
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		pool, err := NewPool(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return NewPostgres(pool, logger), nil
	case "sqlite":
		return OpenSQLite(cfg.Store.Path, logger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// NewLockHolder builds a holder identity unique to this process and run.
func NewLockHolder() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s/%d/%s", host, os.Getpid(), uuid.NewString())
}
