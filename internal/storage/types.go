package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrVersionConflict is returned when an optimistic update lost the race.
	ErrVersionConflict = errors.New("version conflict")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default for deployments)
//   - "memory": in-process store (tests, sim runs)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ConnectionRecord is the persisted shape of a tenant connection.
//
// Version implements optimistic concurrency: updates carry the version they
// read and fail with ErrVersionConflict if the row moved underneath them.
type ConnectionRecord struct {
	ID        string
	TenantID  string
	Status    string
	IsDefault bool

	// Settings
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectInterval    time.Duration
	MessageRetryAttempts int
	RetryDelay           time.Duration
	DailyMessageCap      int

	// Stats
	SentCount      int64
	ReceivedCount  int64
	DeliveredCount int64
	FailedCount    int64
	ReconnectCount int64
	ErrorCount     int64
	UptimeTotal    time.Duration

	LastError     string
	HeartbeatAt   time.Time
	LastSendAt    time.Time
	LastReceiveAt time.Time

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// JobRecord is the persisted shape of a delivery job.
type JobRecord struct {
	ID           string
	ConnectionID string
	Payload      string // JSON (automation.Payload)
	Recipients   string // JSON array of recipients
	Priority     string
	State        string
	Attempts     int
	MaxAttempts  int
	LastError    string
	ScheduledAt  time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  time.Time
}

// JobCounts is the per-connection queue census.
type JobCounts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Blocked   int64 `json:"blocked"`
}

// HealthRecord is one persisted aggregate health run.
type HealthRecord struct {
	At         time.Time
	Status     string
	DurationMS int64
	Detail     string // JSON snapshot of sub-check results
}
