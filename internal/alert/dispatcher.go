package alert

import (
	"bytes"
	"context"
	"sync"
	"text/template"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"chatgate/internal/connection"
	"chatgate/internal/delivery"
	"chatgate/internal/eventbus"
	"chatgate/internal/health"
	"chatgate/internal/ratelimit"
	"chatgate/internal/storage"
	logx "chatgate/pkg/logx"
)

// Per-type message templates. The producer's message lands in {{.Message}};
// the template wraps it with stable operator-facing context.
var templates = map[string]*template.Template{
	TypeHealthIssue: template.Must(template.New("").Parse(
		"Health check failed for {{index .Details \"service\"}}.\n{{.Message}}")),
	TypeRateLimitWarning: template.Must(template.New("").Parse(
		"Connection {{index .Details \"connection_id\"}} hit its send cap.\n{{.Message}}")),
	TypeQueueIssue: template.Must(template.New("").Parse(
		"Delivery queue problem on connection {{index .Details \"connection_id\"}}.\n{{.Message}}")),
	TypeConnectionError: template.Must(template.New("").Parse(
		"Connection {{index .Details \"connection_id\"}} entered error state.\n{{.Message}}")),
}

// SentRecord is one dispatch attempt kept for the dashboard.
type SentRecord struct {
	At         time.Time `json:"at"`
	Type       string    `json:"type"`
	Key        string    `json:"key"`
	Suppressed bool      `json:"suppressed"`
	Errors     []string  `json:"errors,omitempty"`
}

// Dispatcher renders and fans alerts out to the configured channels with
// per-type cooldown dedupe. The dedup cache is memory-first with the
// store as a cross-restart backstop.
type Dispatcher struct {
	mu       sync.Mutex
	cfg      Config
	store    storage.Store
	bus      eventbus.Bus
	log      logx.Logger
	channels []Channel

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []SentRecord

	cron   *cron.Cron
	stopCh chan struct{}
	unsub  func()
	wg     sync.WaitGroup

	now func() time.Time // test hook
}

func New(cfg Config, store storage.Store, bus eventbus.Bus, log logx.Logger, channels ...Channel) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		cfg:      cfg.withDefaults(),
		store:    store,
		bus:      bus,
		log:      log,
		channels: channels,
		dedup:    map[string]time.Time{},
		now:      time.Now,
	}
}

// Start subscribes to the bus and schedules the retention prune.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopCh != nil {
		return nil
	}
	d.stopCh = make(chan struct{})

	c := cron.New()
	if _, err := c.AddFunc("@every "+d.cfg.PruneEvery.String(), func() { d.prune(context.Background()) }); err != nil {
		return err
	}
	d.cron = c
	c.Start()

	if d.bus != nil {
		ch, unsub := d.bus.Subscribe(64)
		d.unsub = unsub
		stopCh := d.stopCh
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.consume(ctx, ch, stopCh)
		}()
	}
	d.log.Info("alert dispatcher started", logx.Int("channels", len(d.channels)))
	return nil
}

func (d *Dispatcher) Stop() {
	d.mu.Lock()
	stopCh := d.stopCh
	d.stopCh = nil
	c := d.cron
	d.cron = nil
	unsub := d.unsub
	d.unsub = nil
	d.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	if unsub != nil {
		unsub()
	}
	if c != nil {
		<-c.Stop().Done()
	}
	d.wg.Wait()
}

// consume turns bus events into alerts.
func (d *Dispatcher) consume(ctx context.Context, ch <-chan eventbus.Event, stopCh <-chan struct{}) {
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
			if a, ok := fromEvent(ev); ok {
				_ = d.Send(ctx, a)
			}
		}
	}
}

func fromEvent(ev eventbus.Event) (Alert, bool) {
	switch ev.Type {
	case eventbus.TypeHealthChanged:
		snap, ok := ev.Data.(health.Snapshot)
		if !ok || snap.Healthy() {
			return Alert{}, false
		}
		for _, c := range snap.Checks {
			if c.Status == health.StatusUnhealthy {
				return Alert{
					Type:     TypeHealthIssue,
					Severity: SeverityCritical,
					Title:    "Subsystem unhealthy",
					Message:  c.Detail,
					Details:  map[string]string{"service": c.Name},
				}, true
			}
		}
		return Alert{}, false

	case eventbus.TypeRateLimitHit:
		e, ok := ev.Data.(ratelimit.Event)
		if !ok {
			return Alert{}, false
		}
		return Alert{
			Type:     TypeRateLimitWarning,
			Severity: SeverityWarning,
			Title:    "Send cap reached",
			Message:  "Further sends fail until the window rolls over.",
			Details:  map[string]string{"connection_id": e.ConnectionID},
		}, true

	case eventbus.TypeConnectionState:
		e, ok := ev.Data.(connection.StateEvent)
		if !ok || e.To != connection.StatusError {
			return Alert{}, false
		}
		return Alert{
			Type:     TypeConnectionError,
			Severity: SeverityCritical,
			Title:    "Connection errored",
			Message:  e.Reason,
			Details:  map[string]string{"connection_id": e.ConnectionID, "tenant_id": e.TenantID},
		}, true

	case eventbus.TypeJobFailed:
		e, ok := ev.Data.(delivery.JobEvent)
		if !ok {
			return Alert{}, false
		}
		return Alert{
			Type:     TypeQueueIssue,
			Severity: SeverityWarning,
			Title:    "Delivery job failed",
			Message:  e.Error,
			Details:  map[string]string{"connection_id": e.ConnectionID, "job_id": e.JobID},
		}, true
	}
	return Alert{}, false
}

// Send dispatches one alert, or suppresses it when a prior dispatch for
// the same dedupe key is still inside the type's cooldown. Every attempt
// is logged either way.
func (d *Dispatcher) Send(ctx context.Context, a Alert) error {
	d.mu.Lock()
	cfg := d.cfg
	channels := d.channels
	d.mu.Unlock()
	if !cfg.Enabled || len(channels) == 0 {
		return nil
	}

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.At.IsZero() {
		a.At = d.now()
	}
	key := dedupeKey(a)
	cooldown := cfg.cooldownFor(a.Type)

	if !d.allow(ctx, key, cooldown) {
		d.log.Info("alert suppressed",
			logx.String("type", a.Type), logx.String("key", key), logx.Duration("cooldown", cooldown))
		d.remember(SentRecord{At: a.At, Type: a.Type, Key: key, Suppressed: true})
		d.publish(eventbus.TypeAlertSuppressed, a, key)
		return nil
	}

	a.Message = render(a)

	selected := channels
	if len(a.Channels) > 0 {
		selected = selected[:0:0]
		for _, c := range channels {
			for _, want := range a.Channels {
				if c.Name() == want {
					selected = append(selected, c)
				}
			}
		}
	}

	var (
		errMu  sync.Mutex
		errors []string
	)
	g := new(errgroup.Group)
	for _, c := range selected {
		c := c
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
			defer cancel()
			if err := c.Send(sctx, a); err != nil {
				d.log.Warn("alert channel failed",
					logx.String("channel", c.Name()), logx.String("type", a.Type), logx.Err(err))
				errMu.Lock()
				errors = append(errors, c.Name()+": "+err.Error())
				errMu.Unlock()
			}
			// Channel failures are recorded, never propagated: one bad
			// channel must not block the others.
			return nil
		})
	}
	_ = g.Wait()

	if len(selected) > 0 && len(errors) == len(selected) {
		// Nothing was delivered; the cooldown must not suppress the next try.
		d.forget(ctx, key)
	}

	d.log.Info("alert dispatched",
		logx.String("type", a.Type), logx.String("key", key),
		logx.Int("channels", len(selected)), logx.Int("failed", len(errors)))
	d.remember(SentRecord{At: a.At, Type: a.Type, Key: key, Errors: errors})
	d.publish(eventbus.TypeAlertSent, a, key)
	return nil
}

func (d *Dispatcher) publish(typ string, a Alert, key string) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: a.At, Data: SentRecord{
		At: a.At, Type: a.Type, Key: key, Suppressed: typ == eventbus.TypeAlertSuppressed,
	}})
}

// allow reports whether the key is outside its cooldown, and if so opens a
// new cooldown window. Memory first, store as cross-restart backstop.
func (d *Dispatcher) allow(ctx context.Context, key string, cooldown time.Duration) bool {
	now := d.now()

	d.dmu.Lock()
	if until, ok := d.dedup[key]; ok && now.Before(until) {
		d.dmu.Unlock()
		return false
	}
	d.dmu.Unlock()

	if d.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		until, ok, err := d.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			d.dmu.Lock()
			d.dedup[key] = until
			d.dmu.Unlock()
			return false
		}
	}

	until := now.Add(cooldown)
	d.dmu.Lock()
	d.dedup[key] = until
	for k, u := range d.dedup {
		if !now.Before(u) {
			delete(d.dedup, k)
		}
	}
	d.dmu.Unlock()

	if d.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		if err := d.store.PutDedup(cctx, key, until); err != nil && err != storage.ErrDisabled {
			d.log.Debug("dedup persist failed", logx.Err(err))
		}
		cancel()
	}
	return true
}

// forget reopens a dedupe key opened by allow. The store entry is expired
// rather than deleted: an already-past timestamp fails the Before check.
func (d *Dispatcher) forget(ctx context.Context, key string) {
	d.dmu.Lock()
	delete(d.dedup, key)
	d.dmu.Unlock()

	if d.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		if err := d.store.PutDedup(cctx, key, d.now()); err != nil && err != storage.ErrDisabled {
			d.log.Debug("dedup rollback failed", logx.Err(err))
		}
		cancel()
	}
}

func (d *Dispatcher) remember(rec SentRecord) {
	d.hmu.Lock()
	d.history = append(d.history, rec)
	if len(d.history) > 200 {
		d.history = d.history[len(d.history)-200:]
	}
	d.hmu.Unlock()
}

// Snapshot returns recent dispatch attempts, oldest first.
func (d *Dispatcher) Snapshot() []SentRecord {
	d.hmu.Lock()
	out := append([]SentRecord(nil), d.history...)
	d.hmu.Unlock()
	return out
}

func (d *Dispatcher) prune(ctx context.Context) {
	if d.store == nil {
		return
	}
	cutoff := d.now().Add(-d.cfg.Retention)
	n, err := d.store.PruneDedup(ctx, cutoff)
	if err != nil && err != storage.ErrDisabled {
		d.log.Warn("alert record prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		d.log.Debug("alert records pruned", logx.Int64("removed", n))
	}
}

func render(a Alert) string {
	tmpl, ok := templates[a.Type]
	if !ok {
		return a.Message
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, a); err != nil {
		return a.Message
	}
	return buf.String()
}
