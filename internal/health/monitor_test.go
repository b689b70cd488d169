package health

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"chatgate/internal/apperr"
	"chatgate/internal/connection"
	"chatgate/internal/eventbus"
	"chatgate/internal/storage"
	logx "chatgate/pkg/logx"
)

type fakeQueue struct {
	age time.Duration
	err error
}

func (q *fakeQueue) QueueLatency(ctx context.Context) (time.Duration, error) {
	return q.age, q.err
}

type fakeFleet struct {
	stats connection.FleetStats
}

func (f *fakeFleet) GetFleetStats() connection.FleetStats { return f.stats }

func newTestMonitor(t *testing.T, queue *fakeQueue, fleet *fakeFleet) (*Monitor, storage.Store) {
	t.Helper()
	store, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return New(Config{}, store, queue, fleet, eventbus.New(), logx.Nop()), store
}

func TestRunAllHealthy(t *testing.T) {
	t.Parallel()
	m, store := newTestMonitor(t,
		&fakeQueue{age: 5 * time.Second},
		&fakeFleet{stats: connection.FleetStats{Active: 2, Connected: 2}})

	snap := m.Run(context.Background())
	if !snap.Healthy() {
		t.Fatalf("snapshot unhealthy: %+v", snap)
	}
	if len(snap.Checks) != 4 {
		t.Fatalf("checks = %d, want 4", len(snap.Checks))
	}
	if got := m.Current(); !got.Timestamp.Equal(snap.Timestamp) {
		t.Fatal("Current() does not return the last run")
	}

	recs, err := store.RecentHealth(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent health: %v", err)
	}
	if len(recs) != 1 || recs[0].Status != StatusHealthy {
		t.Fatalf("persisted history = %+v", recs)
	}
}

func TestUnhealthySubchecks(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		queue *fakeQueue
		fleet *fakeFleet
		check string
	}{
		{
			"stale queue",
			&fakeQueue{age: time.Hour},
			&fakeFleet{stats: connection.FleetStats{Active: 1, Connected: 1}},
			"queue",
		},
		{
			"queue probe error",
			&fakeQueue{err: errors.New("store offline")},
			&fakeFleet{stats: connection.FleetStats{Active: 1, Connected: 1}},
			"queue",
		},
		{
			"degraded fleet",
			&fakeQueue{},
			&fakeFleet{stats: connection.FleetStats{Active: 4, Connected: 1, Errored: 2}},
			"connections",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, _ := newTestMonitor(t, tt.queue, tt.fleet)
			snap := m.Run(context.Background())
			if snap.Healthy() {
				t.Fatal("expected unhealthy snapshot")
			}
			res, err := m.Subsystem(tt.check)
			if err != nil {
				t.Fatalf("subsystem: %v", err)
			}
			if res.Status != StatusUnhealthy {
				t.Fatalf("subsystem %q healthy, snapshot: %+v", tt.check, snap)
			}
		})
	}
}

func TestEmptyFleetIsHealthy(t *testing.T) {
	t.Parallel()
	m, _ := newTestMonitor(t, &fakeQueue{}, &fakeFleet{})

	snap := m.Run(context.Background())
	if !snap.Healthy() {
		t.Fatalf("empty fleet reported unhealthy: %+v", snap)
	}
	res, err := m.Subsystem("connections")
	if err != nil {
		t.Fatalf("subsystem: %v", err)
	}
	if !strings.Contains(res.Detail, "no active connections") {
		t.Fatalf("detail = %q", res.Detail)
	}
}

func TestUnhealthyRunPublishes(t *testing.T) {
	t.Parallel()
	store, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	queue := &fakeQueue{err: errors.New("down")}
	m := New(Config{}, store, queue, &fakeFleet{}, bus, logx.Nop())

	m.Run(context.Background())
	select {
	case ev := <-ch:
		if ev.Type != eventbus.TypeHealthChanged {
			t.Fatalf("event type = %q", ev.Type)
		}
		snap, ok := ev.Data.(Snapshot)
		if !ok || snap.Healthy() {
			t.Fatalf("event data = %+v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no event for unhealthy run")
	}

	// Recovery publishes once more.
	queue.err = nil
	m.Run(context.Background())
	select {
	case ev := <-ch:
		snap, ok := ev.Data.(Snapshot)
		if !ok || !snap.Healthy() {
			t.Fatalf("recovery event data = %+v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no event for recovery")
	}

	// Steady healthy state stays quiet.
	m.Run(context.Background())
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event while healthy: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHistoryBounded(t *testing.T) {
	t.Parallel()
	store, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	m := New(Config{History: 5}, store, &fakeQueue{}, &fakeFleet{}, nil, logx.Nop())
	for i := 0; i < 12; i++ {
		m.Run(context.Background())
	}
	if got := len(m.History()); got != 5 {
		t.Fatalf("history length = %d, want 5", got)
	}

	d := m.Detailed()
	if d.TotalRuns != 12 {
		t.Fatalf("total runs = %d, want 12", d.TotalRuns)
	}
	if d.AvgRunTime < 0 || d.P95RunTime < d.AvgRunTime/10 {
		t.Fatalf("implausible percentiles: %+v", d)
	}
	if d.P99RunTime < d.P95RunTime {
		t.Fatalf("p99 %v below p95 %v", d.P99RunTime, d.P95RunTime)
	}
}

func TestSubsystemUnknown(t *testing.T) {
	t.Parallel()
	m, _ := newTestMonitor(t, &fakeQueue{}, &fakeFleet{})
	m.Run(context.Background())
	if _, err := m.Subsystem("disk"); apperr.CodeOf(err) != apperr.CodeNotFound {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}
}

func TestPercentile(t *testing.T) {
	t.Parallel()
	durs := []time.Duration{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	if got := percentile(durs, 0.95); got != 10 {
		t.Fatalf("p95 = %v, want 10", got)
	}
	if got := percentile(durs, 0.5); got != 6 {
		t.Fatalf("p50 = %v, want 6", got)
	}
	if got := percentile(nil, 0.95); got != 0 {
		t.Fatalf("empty p95 = %v, want 0", got)
	}
}
