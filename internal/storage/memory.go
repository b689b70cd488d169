package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore is the in-process driver. It backs tests and "sim" runs; the
// semantics (version bumps, not-found, counts) mirror the sqlite driver.
type memStore struct {
	mu      sync.Mutex
	conns   map[string]ConnectionRecord
	jobs    map[string]JobRecord
	dedup   map[string]time.Time
	health  []HealthRecord
	closed  bool
}

func newMemStore() *memStore {
	return &memStore{
		conns: map[string]ConnectionRecord{},
		jobs:  map[string]JobRecord{},
		dedup: map[string]time.Time{},
	}
}

func (m *memStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *memStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrDisabled
	}
	return ctx.Err()
}

// ---- connections ----

func (m *memStore) CreateConnection(ctx context.Context, rec ConnectionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.Version <= 0 {
		rec.Version = 1
	}
	m.conns[rec.ID] = rec
	return nil
}

func (m *memStore) GetConnection(ctx context.Context, id string) (ConnectionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.conns[id]
	if !ok {
		return ConnectionRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *memStore) ListConnections(ctx context.Context, tenantID string) ([]ConnectionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ConnectionRecord
	for _, rec := range m.conns {
		if tenantID == "" || rec.TenantID == tenantID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) UpdateConnection(ctx context.Context, rec ConnectionRecord) (ConnectionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.conns[rec.ID]
	if !ok {
		return ConnectionRecord{}, ErrNotFound
	}
	if cur.Version != rec.Version {
		return ConnectionRecord{}, ErrVersionConflict
	}
	rec.Version++
	rec.UpdatedAt = time.Now()
	rec.CreatedAt = cur.CreatedAt
	m.conns[rec.ID] = rec
	return rec, nil
}

func (m *memStore) DeleteConnection(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[id]; !ok {
		return ErrNotFound
	}
	delete(m.conns, id)
	return nil
}

func (m *memStore) SetDefaultConnection(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.conns[id]
	if !ok || target.TenantID != tenantID {
		return ErrNotFound
	}
	for cid, rec := range m.conns {
		if rec.TenantID != tenantID {
			continue
		}
		want := cid == id
		if rec.IsDefault != want {
			rec.IsDefault = want
			rec.Version++
			rec.UpdatedAt = time.Now()
			m.conns[cid] = rec
		}
	}
	return nil
}

// ---- jobs ----

func (m *memStore) CreateJob(ctx context.Context, rec JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	m.jobs[rec.ID] = rec
	return nil
}

func (m *memStore) GetJob(ctx context.Context, id string) (JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[id]
	if !ok {
		return JobRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *memStore) UpdateJob(ctx context.Context, rec JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[rec.ID]
	if !ok {
		return ErrNotFound
	}
	rec.CreatedAt = cur.CreatedAt
	rec.UpdatedAt = time.Now()
	m.jobs[rec.ID] = rec
	return nil
}

func (m *memStore) ListJobsByState(ctx context.Context, connectionID, state string) ([]JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []JobRecord
	for _, rec := range m.jobs {
		if rec.State == state && (connectionID == "" || rec.ConnectionID == connectionID) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out, nil
}

func priorityRank(p string) int {
	switch p {
	case "high":
		return 0
	case "normal":
		return 1
	default:
		return 2
	}
}

func (m *memStore) ListRunnableJobs(ctx context.Context, now time.Time, limit int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []JobRecord
	for _, rec := range m.jobs {
		if rec.State == "queued" && !rec.ScheduledAt.After(now) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := priorityRank(out[i].Priority), priorityRank(out[j].Priority)
		if ri != rj {
			return ri < rj
		}
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) JobCountsFor(ctx context.Context, connectionID string) (JobCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c JobCounts
	for _, rec := range m.jobs {
		if rec.ConnectionID != connectionID {
			continue
		}
		switch rec.State {
		case "queued":
			c.Waiting++
		case "active":
			c.Active++
		case "completed":
			c.Completed++
		case "failed":
			c.Failed++
		case "blocked":
			c.Blocked++
		}
	}
	return c, nil
}

func (m *memStore) DeleteJobsByState(ctx context.Context, connectionID, state string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, rec := range m.jobs {
		if rec.ConnectionID == connectionID && rec.State == state {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

// ---- dedup ----

func (m *memStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	m.mu.Lock()
	m.dedup[key] = until
	m.mu.Unlock()
	return nil
}

func (m *memStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	m.mu.Lock()
	until, ok := m.dedup[key]
	m.mu.Unlock()
	return until, ok, nil
}

func (m *memStore) PruneDedup(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, until := range m.dedup {
		if until.Before(olderThan) {
			delete(m.dedup, k)
			n++
		}
	}
	return n, nil
}

// ---- health history ----

func (m *memStore) AppendHealth(ctx context.Context, rec HealthRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	m.mu.Lock()
	m.health = append(m.health, rec)
	// Keep memory bounded; sqlite keeps the full history.
	if len(m.health) > 1000 {
		m.health = m.health[len(m.health)-1000:]
	}
	m.mu.Unlock()
	return nil
}

func (m *memStore) RecentHealth(ctx context.Context, limit int) ([]HealthRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.health)
	if limit > n {
		limit = n
	}
	out := make([]HealthRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, m.health[i])
	}
	return out, nil
}
