package health

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"chatgate/internal/apperr"
	"chatgate/internal/connection"
	"chatgate/internal/eventbus"
	"chatgate/internal/storage"
	logx "chatgate/pkg/logx"
)

// QueueStats is the slice of the delivery queue the monitor reads.
type QueueStats interface {
	QueueLatency(ctx context.Context) (time.Duration, error)
}

// Fleet is the slice of the connection registry the monitor reads.
type Fleet interface {
	GetFleetStats() connection.FleetStats
}

// Monitor runs the aggregate probe on a schedule and keeps a bounded run
// history. Concurrent probe requests collapse into one via singleflight so
// manual triggers never skew the latency numbers of a scheduled run.
type Monitor struct {
	cfg   Config
	store storage.Store
	queue QueueStats
	fleet Fleet
	bus   eventbus.Bus
	log   logx.Logger

	group singleflight.Group
	cron  *cron.Cron

	mu         sync.Mutex
	last       Snapshot
	history    []Snapshot
	totalRuns  uint64
	failedRuns uint64

	now func() time.Time // test hook
}

func New(cfg Config, store storage.Store, queue QueueStats, fleet Fleet, bus eventbus.Bus, log logx.Logger) *Monitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Monitor{
		cfg:   cfg.withDefaults(),
		store: store,
		queue: queue,
		fleet: fleet,
		bus:   bus,
		log:   log,
		now:   time.Now,
	}
}

// Start schedules the periodic probe and runs one immediately so the
// basic health endpoint has an answer before the first tick.
func (m *Monitor) Start(ctx context.Context) error {
	c := cron.New()
	spec := fmt.Sprintf("@every %s", m.cfg.Interval)
	if _, err := c.AddFunc(spec, func() { m.Run(context.Background()) }); err != nil {
		return apperr.Wrap(apperr.CodeConfiguration, "schedule health probe", err)
	}
	m.mu.Lock()
	m.cron = c
	m.mu.Unlock()
	c.Start()
	m.Run(ctx)
	m.log.Info("health monitor started", logx.Duration("interval", m.cfg.Interval))
	return nil
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Run executes the aggregate check once. Concurrent callers share a single
// in-flight run.
func (m *Monitor) Run(ctx context.Context) Snapshot {
	v, _, _ := m.group.Do("probe", func() (any, error) {
		return m.runLocked(ctx), nil
	})
	return v.(Snapshot)
}

func (m *Monitor) runLocked(ctx context.Context) Snapshot {
	start := m.now()
	checks := []CheckResult{
		m.checkStorage(ctx),
		m.checkQueue(ctx),
		m.checkFleet(),
		m.checkResources(),
	}

	snap := Snapshot{
		Timestamp: start,
		Status:    StatusHealthy,
		Checks:    checks,
		Duration:  m.now().Sub(start),
	}
	for _, c := range checks {
		if c.Status == StatusUnhealthy {
			snap.Status = StatusUnhealthy
			break
		}
	}

	m.mu.Lock()
	prev := m.last.Status
	m.last = snap
	m.history = append(m.history, snap)
	if len(m.history) > m.cfg.History {
		m.history = m.history[len(m.history)-m.cfg.History:]
	}
	m.totalRuns++
	if !snap.Healthy() {
		m.failedRuns++
	}
	m.mu.Unlock()

	m.record(ctx, snap)

	if !snap.Healthy() {
		m.log.Warn("health check unhealthy", logx.String("detail", describe(checks)))
		m.publish(snap)
	} else if prev == StatusUnhealthy {
		m.log.Info("health recovered")
		m.publish(snap)
	}
	return snap
}

func (m *Monitor) publish(snap Snapshot) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: eventbus.TypeHealthChanged, Time: snap.Timestamp, Data: snap})
}

func (m *Monitor) record(ctx context.Context, snap Snapshot) {
	detail, _ := json.Marshal(snap.Checks)
	err := m.store.AppendHealth(ctx, storage.HealthRecord{
		At:         snap.Timestamp,
		Status:     snap.Status,
		DurationMS: snap.Duration.Milliseconds(),
		Detail:     string(detail),
	})
	if err != nil && err != storage.ErrDisabled {
		m.log.Warn("health history write failed", logx.Err(err))
	}
}

func (m *Monitor) checkStorage(ctx context.Context) CheckResult {
	start := m.now()
	err := m.store.Ping(ctx)
	lat := m.now().Sub(start)
	res := CheckResult{Name: "storage", Status: StatusHealthy, Latency: lat}
	switch {
	case err == storage.ErrDisabled:
		res.Detail = "storage disabled"
	case err != nil:
		res.Status = StatusUnhealthy
		res.Detail = err.Error()
	case lat > m.cfg.StorageLatencyMax:
		res.Status = StatusUnhealthy
		res.Detail = fmt.Sprintf("latency %s exceeds %s", lat, m.cfg.StorageLatencyMax)
	}
	return res
}

func (m *Monitor) checkQueue(ctx context.Context) CheckResult {
	start := m.now()
	age, err := m.queue.QueueLatency(ctx)
	res := CheckResult{Name: "queue", Status: StatusHealthy, Latency: m.now().Sub(start)}
	switch {
	case err != nil:
		res.Status = StatusUnhealthy
		res.Detail = err.Error()
	case age > m.cfg.QueueLatencyMax:
		res.Status = StatusUnhealthy
		res.Detail = fmt.Sprintf("average job age %s exceeds %s", age.Round(time.Second), m.cfg.QueueLatencyMax)
	default:
		res.Detail = fmt.Sprintf("average job age %s", age.Round(time.Millisecond))
	}
	return res
}

func (m *Monitor) checkFleet() CheckResult {
	start := m.now()
	fs := m.fleet.GetFleetStats()
	res := CheckResult{Name: "connections", Status: StatusHealthy, Latency: m.now().Sub(start)}
	if fs.Active == 0 {
		res.Detail = "no active connections"
		return res
	}
	score := fs.Score()
	res.Detail = fmt.Sprintf("score %.2f (%d/%d connected, %d errored)", score, fs.Connected, fs.Active, fs.Errored)
	if score < m.cfg.FleetScoreMin {
		res.Status = StatusUnhealthy
	}
	return res
}

func (m *Monitor) checkResources() CheckResult {
	start := m.now()
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	res := CheckResult{Name: "resources", Status: StatusHealthy, Latency: m.now().Sub(start)}
	if ms.HeapSys == 0 {
		return res
	}
	pct := float64(ms.HeapAlloc) / float64(ms.HeapSys) * 100
	res.Detail = fmt.Sprintf("heap %.1f%% (%d goroutines)", pct, runtime.NumGoroutine())
	if pct > m.cfg.HeapUsageMaxPct {
		res.Status = StatusUnhealthy
	}
	return res
}

// Current returns the latest snapshot without triggering a new probe.
func (m *Monitor) Current() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// History returns the recent runs, oldest first.
func (m *Monitor) History() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, len(m.history))
	copy(out, m.history)
	return out
}

// Subsystem returns the latest result for one named sub-check.
func (m *Monitor) Subsystem(name string) (CheckResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.last.Checks {
		if c.Name == name {
			return c, nil
		}
	}
	return CheckResult{}, apperr.Newf(apperr.CodeNotFound, "unknown subsystem %q", name)
}

// Detailed computes rolling percentiles over the recent run durations.
func (m *Monitor) Detailed() Detailed {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := Detailed{
		Snapshot:   m.last,
		TotalRuns:  m.totalRuns,
		FailedRuns: m.failedRuns,
	}
	if len(m.history) == 0 {
		return d
	}
	durs := make([]time.Duration, 0, len(m.history))
	var sum time.Duration
	for _, s := range m.history {
		durs = append(durs, s.Duration)
		sum += s.Duration
	}
	sort.Slice(durs, func(i, j int) bool { return durs[i] < durs[j] })
	d.AvgRunTime = sum / time.Duration(len(durs))
	d.P95RunTime = percentile(durs, 0.95)
	d.P99RunTime = percentile(durs, 0.99)
	return d
}

// percentile expects durs sorted ascending.
func percentile(durs []time.Duration, p float64) time.Duration {
	if len(durs) == 0 {
		return 0
	}
	idx := int(float64(len(durs)) * p)
	if idx >= len(durs) {
		idx = len(durs) - 1
	}
	return durs[idx]
}

func describe(checks []CheckResult) string {
	for _, c := range checks {
		if c.Status == StatusUnhealthy {
			return c.Name + ": " + c.Detail
		}
	}
	return ""
}
