// Package metrics exposes gateway counters to Prometheus. It observes the
// event bus rather than being called inline, so producers stay unaware of it.
package metrics

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatgate/internal/connection"
	"chatgate/internal/delivery"
	"chatgate/internal/eventbus"
	"chatgate/internal/health"
)

type Metrics struct {
	reg *prometheus.Registry

	messagesSent     prometheus.Counter
	messagesFailed   prometheus.Counter
	jobsTotal        *prometheus.CounterVec
	stateTransitions *prometheus.CounterVec
	rateLimitHits    prometheus.Counter
	alertsSent       prometheus.Counter
	alertsSuppressed prometheus.Counter
	healthStatus     prometheus.Gauge

	stopCh chan struct{}
	unsub  func()
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_messages_sent_total",
			Help: "Total recipients successfully delivered to",
		}),
		messagesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_messages_failed_total",
			Help: "Total recipients that failed terminally",
		}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_jobs_total",
			Help: "Delivery jobs by terminal or queue state",
		}, []string{"state"}),
		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_connection_transitions_total",
			Help: "Connection state machine transitions by target state",
		}, []string{"to"}),
		rateLimitHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_rate_limit_hits_total",
			Help: "Sends rejected because a connection hit its window cap",
		}),
		alertsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_alerts_sent_total",
			Help: "Alerts dispatched to at least one channel",
		}),
		alertsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_alerts_suppressed_total",
			Help: "Alerts suppressed by cooldown dedupe",
		}),
		healthStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_health_status",
			Help: "1 when the aggregate health check passes, 0 otherwise",
		}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.messagesSent, m.messagesFailed, m.jobsTotal, m.stateTransitions,
		m.rateLimitHits, m.alertsSent, m.alertsSuppressed, m.healthStatus,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Start attaches the bus consumer.
func (m *Metrics) Start(ctx context.Context, bus eventbus.Bus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopCh != nil || bus == nil {
		return
	}
	m.stopCh = make(chan struct{})
	ch, unsub := bus.Subscribe(128)
	m.unsub = unsub
	stopCh := m.stopCh
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.consume(ctx, ch, stopCh)
	}()
}

func (m *Metrics) Stop() {
	m.mu.Lock()
	stopCh := m.stopCh
	m.stopCh = nil
	unsub := m.unsub
	m.unsub = nil
	m.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	if unsub != nil {
		unsub()
	}
	m.wg.Wait()
}

func (m *Metrics) consume(ctx context.Context, ch <-chan eventbus.Event, stopCh <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.observe(ev)
		}
	}
}

func (m *Metrics) observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.TypeJobQueued:
		m.jobsTotal.WithLabelValues("queued").Inc()
	case eventbus.TypeJobCompleted:
		m.jobsTotal.WithLabelValues("completed").Inc()
		if e, ok := ev.Data.(delivery.JobEvent); ok {
			m.messagesSent.Add(float64(e.Recipients))
		}
	case eventbus.TypeJobFailed:
		m.jobsTotal.WithLabelValues("failed").Inc()
		if e, ok := ev.Data.(delivery.JobEvent); ok {
			m.messagesFailed.Add(float64(e.Recipients))
		}
	case eventbus.TypeConnectionState:
		if e, ok := ev.Data.(connection.StateEvent); ok {
			m.stateTransitions.WithLabelValues(string(e.To)).Inc()
		}
	case eventbus.TypeRateLimitHit:
		m.rateLimitHits.Inc()
	case eventbus.TypeHealthChanged:
		if snap, ok := ev.Data.(health.Snapshot); ok {
			if snap.Healthy() {
				m.healthStatus.Set(1)
			} else {
				m.healthStatus.Set(0)
			}
		}
	case eventbus.TypeAlertSent:
		m.alertsSent.Inc()
	case eventbus.TypeAlertSuppressed:
		m.alertsSuppressed.Inc()
	}
}
