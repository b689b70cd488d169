package health

import "time"

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// CheckResult is the outcome of one sub-check.
type CheckResult struct {
	Name    string        `json:"name"`
	Status  string        `json:"status"`
	Latency time.Duration `json:"latency"`
	Detail  string        `json:"detail,omitempty"`
}

// Snapshot is one aggregate probe run. Overall status is unhealthy iff
// any sub-check is unhealthy.
type Snapshot struct {
	Timestamp time.Time     `json:"timestamp"`
	Status    string        `json:"status"`
	Checks    []CheckResult `json:"checks"`
	Duration  time.Duration `json:"duration"`
}

func (s Snapshot) Healthy() bool { return s.Status == StatusHealthy }

// Detailed augments the latest snapshot with rolling run-time percentiles
// and lifetime counters. Served only behind elevated access.
type Detailed struct {
	Snapshot
	TotalRuns  uint64        `json:"total_runs"`
	FailedRuns uint64        `json:"failed_runs"`
	AvgRunTime time.Duration `json:"avg_run_time"`
	P95RunTime time.Duration `json:"p95_run_time"`
	P99RunTime time.Duration `json:"p99_run_time"`
}

// Config tunes the monitor's thresholds and cadence.
type Config struct {
	Interval time.Duration `json:"interval"`
	History  int           `json:"history"`

	StorageLatencyMax time.Duration `json:"storage_latency_max"`
	QueueLatencyMax   time.Duration `json:"queue_latency_max"`
	FleetScoreMin     float64       `json:"fleet_score_min"`
	HeapUsageMaxPct   float64       `json:"heap_usage_max_pct"`
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.History <= 0 {
		c.History = 100
	}
	if c.StorageLatencyMax <= 0 {
		c.StorageLatencyMax = time.Second
	}
	if c.QueueLatencyMax <= 0 {
		c.QueueLatencyMax = 2 * time.Minute
	}
	if c.FleetScoreMin <= 0 {
		c.FleetScoreMin = 0.5
	}
	if c.HeapUsageMaxPct <= 0 {
		c.HeapUsageMaxPct = 90
	}
	return c
}
