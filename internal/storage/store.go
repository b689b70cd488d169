package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "chatgate/pkg/logx"
)

// Store is the persistence API used by the registry, delivery queue,
// health monitor and alert dispatcher.
//
// Implementations must be safe for concurrent use. Callers partition work by
// connection id; the store itself does not serialize business operations.
type Store interface {
	// Connections (optimistic concurrency via Version)
	CreateConnection(ctx context.Context, rec ConnectionRecord) error
	GetConnection(ctx context.Context, id string) (ConnectionRecord, error)
	ListConnections(ctx context.Context, tenantID string) ([]ConnectionRecord, error)
	UpdateConnection(ctx context.Context, rec ConnectionRecord) (ConnectionRecord, error)
	DeleteConnection(ctx context.Context, id string) error
	// SetDefaultConnection clears the flag on all of the tenant's connections
	// and sets it on id, atomically.
	SetDefaultConnection(ctx context.Context, tenantID, id string) error

	// Jobs
	CreateJob(ctx context.Context, rec JobRecord) error
	GetJob(ctx context.Context, id string) (JobRecord, error)
	UpdateJob(ctx context.Context, rec JobRecord) error
	// ListJobsByState filters by connection; empty connectionID spans all.
	ListJobsByState(ctx context.Context, connectionID, state string) ([]JobRecord, error)
	// ListRunnableJobs returns queued jobs over all connections, due at or
	// before now, ordered by priority rank then schedule time.
	ListRunnableJobs(ctx context.Context, now time.Time, limit int) ([]JobRecord, error)
	JobCountsFor(ctx context.Context, connectionID string) (JobCounts, error)
	DeleteJobsByState(ctx context.Context, connectionID, state string) (int64, error)

	// Alert dedup state (survives restarts)
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	PruneDedup(ctx context.Context, olderThan time.Time) (int64, error)

	// Health history
	AppendHealth(ctx context.Context, rec HealthRecord) error
	RecentHealth(ctx context.Context, limit int) ([]HealthRecord, error)

	// Ping verifies connectivity (used by the health monitor).
	Ping(ctx context.Context) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "memory", "mem":
		return newMemStore(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
