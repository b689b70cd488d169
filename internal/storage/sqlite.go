package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "chatgate/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return s.db.PingContext(ctx)
}

// ---- connections ----

const connCols = `id, tenant_id, status, is_default,
	auto_reconnect, max_reconnects, reconnect_ms, retry_attempts, retry_delay_ms, daily_cap,
	sent_count, received_count, delivered_count, failed_count, reconnect_count, error_count, uptime_ms,
	last_error, heartbeat_at, last_send_at, last_receive_at, version, created_at, updated_at`

func (s *sqliteStore) CreateConnection(ctx context.Context, rec ConnectionRecord) error {
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.Version <= 0 {
		rec.Version = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connections(`+connCols+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.TenantID, rec.Status, boolInt(rec.IsDefault),
		boolInt(rec.AutoReconnect), rec.MaxReconnectAttempts, rec.ReconnectInterval.Milliseconds(),
		rec.MessageRetryAttempts, rec.RetryDelay.Milliseconds(), rec.DailyMessageCap,
		rec.SentCount, rec.ReceivedCount, rec.DeliveredCount, rec.FailedCount,
		rec.ReconnectCount, rec.ErrorCount, rec.UptimeTotal.Milliseconds(),
		nullStr(rec.LastError), nullMS(rec.HeartbeatAt), nullMS(rec.LastSendAt), nullMS(rec.LastReceiveAt),
		rec.Version, rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetConnection(ctx context.Context, id string) (ConnectionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+connCols+` FROM connections WHERE id = ?`, id)
	rec, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ConnectionRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *sqliteStore) ListConnections(ctx context.Context, tenantID string) ([]ConnectionRecord, error) {
	q := `SELECT ` + connCols + ` FROM connections`
	args := []any{}
	if tenantID != "" {
		q += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	q += ` ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConnectionRecord
	for rows.Next() {
		rec, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateConnection writes rec if rec.Version still matches the row, bumping
// the version. The stored record (with the new version) is returned.
func (s *sqliteStore) UpdateConnection(ctx context.Context, rec ConnectionRecord) (ConnectionRecord, error) {
	rec.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE connections SET
			status=?, is_default=?,
			auto_reconnect=?, max_reconnects=?, reconnect_ms=?, retry_attempts=?, retry_delay_ms=?, daily_cap=?,
			sent_count=?, received_count=?, delivered_count=?, failed_count=?, reconnect_count=?, error_count=?, uptime_ms=?,
			last_error=?, heartbeat_at=?, last_send_at=?, last_receive_at=?,
			version=version+1, updated_at=?
		 WHERE id=? AND version=?`,
		rec.Status, boolInt(rec.IsDefault),
		boolInt(rec.AutoReconnect), rec.MaxReconnectAttempts, rec.ReconnectInterval.Milliseconds(),
		rec.MessageRetryAttempts, rec.RetryDelay.Milliseconds(), rec.DailyMessageCap,
		rec.SentCount, rec.ReceivedCount, rec.DeliveredCount, rec.FailedCount,
		rec.ReconnectCount, rec.ErrorCount, rec.UptimeTotal.Milliseconds(),
		nullStr(rec.LastError), nullMS(rec.HeartbeatAt), nullMS(rec.LastSendAt), nullMS(rec.LastReceiveAt),
		rec.UpdatedAt.UnixMilli(),
		rec.ID, rec.Version,
	)
	if err != nil {
		return ConnectionRecord{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ConnectionRecord{}, err
	}
	if n == 0 {
		// Row is gone or someone else won the version race.
		if _, gerr := s.GetConnection(ctx, rec.ID); errors.Is(gerr, ErrNotFound) {
			return ConnectionRecord{}, ErrNotFound
		}
		return ConnectionRecord{}, ErrVersionConflict
	}
	rec.Version++
	return rec, nil
}

func (s *sqliteStore) DeleteConnection(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) SetDefaultConnection(ctx context.Context, tenantID, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`UPDATE connections SET is_default=0, version=version+1, updated_at=? WHERE tenant_id=? AND is_default=1`,
		now, tenantID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE connections SET is_default=1, version=version+1, updated_at=? WHERE id=? AND tenant_id=?`,
		now, id, tenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// ---- jobs ----

const jobCols = `id, connection_id, payload, recipients, priority, state, attempts, max_attempts,
	last_error, scheduled_at, created_at, updated_at, completed_at`

func (s *sqliteStore) CreateJob(ctx context.Context, rec JobRecord) error {
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(`+jobCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.ConnectionID, rec.Payload, rec.Recipients, rec.Priority, rec.State,
		rec.Attempts, rec.MaxAttempts, nullStr(rec.LastError),
		rec.ScheduledAt.UnixMilli(), rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(), nullMS(rec.CompletedAt),
	)
	return err
}

func (s *sqliteStore) GetJob(ctx context.Context, id string) (JobRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = ?`, id)
	rec, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return JobRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *sqliteStore) UpdateJob(ctx context.Context, rec JobRecord) error {
	rec.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state=?, attempts=?, last_error=?, scheduled_at=?, updated_at=?, completed_at=? WHERE id=?`,
		rec.State, rec.Attempts, nullStr(rec.LastError),
		rec.ScheduledAt.UnixMilli(), rec.UpdatedAt.UnixMilli(), nullMS(rec.CompletedAt), rec.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListJobsByState(ctx context.Context, connectionID, state string) ([]JobRecord, error) {
	// Empty connectionID means "across all connections".
	q := `SELECT ` + jobCols + ` FROM jobs WHERE state=?`
	args := []any{state}
	if connectionID != "" {
		q += ` AND connection_id=?`
		args = append(args, connectionID)
	}
	q += ` ORDER BY scheduled_at`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *sqliteStore) ListRunnableJobs(ctx context.Context, now time.Time, limit int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobCols+` FROM jobs
		 WHERE state='queued' AND scheduled_at <= ?
		 ORDER BY CASE priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END, scheduled_at
		 LIMIT ?`,
		now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *sqliteStore) JobCountsFor(ctx context.Context, connectionID string) (JobCounts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM jobs WHERE connection_id=? GROUP BY state`, connectionID)
	if err != nil {
		return JobCounts{}, err
	}
	defer rows.Close()

	var c JobCounts
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return JobCounts{}, err
		}
		switch state {
		case "queued":
			c.Waiting = n
		case "active":
			c.Active = n
		case "completed":
			c.Completed = n
		case "failed":
			c.Failed = n
		case "blocked":
			c.Blocked = n
		}
	}
	return c, rows.Err()
}

func (s *sqliteStore) DeleteJobsByState(ctx context.Context, connectionID, state string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE connection_id=? AND state=?`, connectionID, state)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- dedup ----

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) PruneDedup(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- health history ----

func (s *sqliteStore) AppendHealth(ctx context.Context, rec HealthRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO health_history(at, status, duration_ms, detail) VALUES(?,?,?,?)`,
		rec.At.UnixMilli(), rec.Status, rec.DurationMS, nullStr(rec.Detail),
	)
	return err
}

func (s *sqliteStore) RecentHealth(ctx context.Context, limit int) ([]HealthRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, status, duration_ms, detail FROM health_history ORDER BY at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HealthRecord
	for rows.Next() {
		var (
			at     int64
			rec    HealthRecord
			detail sql.NullString
		)
		if err := rows.Scan(&at, &rec.Status, &rec.DurationMS, &detail); err != nil {
			return nil, err
		}
		rec.At = time.UnixMilli(at)
		rec.Detail = detail.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ---- scan helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (ConnectionRecord, error) {
	var (
		rec                             ConnectionRecord
		isDefault, autoReconnect        int
		reconnectMS, retryMS, uptimeMS  int64
		lastErr                         sql.NullString
		heartbeat, lastSend, lastRecv   sql.NullInt64
		createdMS, updatedMS            int64
	)
	err := row.Scan(
		&rec.ID, &rec.TenantID, &rec.Status, &isDefault,
		&autoReconnect, &rec.MaxReconnectAttempts, &reconnectMS, &rec.MessageRetryAttempts, &retryMS, &rec.DailyMessageCap,
		&rec.SentCount, &rec.ReceivedCount, &rec.DeliveredCount, &rec.FailedCount,
		&rec.ReconnectCount, &rec.ErrorCount, &uptimeMS,
		&lastErr, &heartbeat, &lastSend, &lastRecv, &rec.Version, &createdMS, &updatedMS,
	)
	if err != nil {
		return ConnectionRecord{}, err
	}
	rec.IsDefault = isDefault != 0
	rec.AutoReconnect = autoReconnect != 0
	rec.ReconnectInterval = time.Duration(reconnectMS) * time.Millisecond
	rec.RetryDelay = time.Duration(retryMS) * time.Millisecond
	rec.UptimeTotal = time.Duration(uptimeMS) * time.Millisecond
	rec.LastError = lastErr.String
	rec.HeartbeatAt = msTime(heartbeat)
	rec.LastSendAt = msTime(lastSend)
	rec.LastReceiveAt = msTime(lastRecv)
	rec.CreatedAt = time.UnixMilli(createdMS)
	rec.UpdatedAt = time.UnixMilli(updatedMS)
	return rec, nil
}

func scanJob(row rowScanner) (JobRecord, error) {
	var (
		rec       JobRecord
		lastErr   sql.NullString
		completed sql.NullInt64
		schedMS   int64
		createdMS int64
		updatedMS int64
	)
	err := row.Scan(
		&rec.ID, &rec.ConnectionID, &rec.Payload, &rec.Recipients, &rec.Priority, &rec.State,
		&rec.Attempts, &rec.MaxAttempts, &lastErr, &schedMS, &createdMS, &updatedMS, &completed,
	)
	if err != nil {
		return JobRecord{}, err
	}
	rec.LastError = lastErr.String
	rec.ScheduledAt = time.UnixMilli(schedMS)
	rec.CreatedAt = time.UnixMilli(createdMS)
	rec.UpdatedAt = time.UnixMilli(updatedMS)
	rec.CompletedAt = msTime(completed)
	return rec, nil
}

func collectJobs(rows *sql.Rows) ([]JobRecord, error) {
	var out []JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullMS(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func msTime(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}
