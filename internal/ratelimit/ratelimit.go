package ratelimit

import (
	"sync"
	"time"

	"chatgate/internal/eventbus"
	logx "chatgate/pkg/logx"
)

// Config controls per-connection send limiting.
type Config struct {
	// Window is the rolling interval the cap applies to (default 24h).
	Window time.Duration
	// DefaultCap is the per-window send cap for connections without a
	// plan-specific override. 0 disables capping.
	DefaultCap int
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 24 * time.Hour
	}
	return c
}

// Event is published on the bus when a connection hits its cap or is paused.
type Event struct {
	ConnectionID string    `json:"connection_id"`
	Count        int       `json:"count"`
	Cap          int       `json:"cap"`
	PausedUntil  time.Time `json:"paused_until,omitempty"`
}

// Snapshot is a point-in-time view of one connection's window.
type Snapshot struct {
	ConnectionID string    `json:"connection_id"`
	WindowStart  time.Time `json:"window_start"`
	Count        int       `json:"count"`
	Cap          int       `json:"cap"`
	PausedUntil  time.Time `json:"paused_until,omitempty"`
}

const bucketsPerWindow = 24

// window tracks sends in fixed sub-buckets covering the rolling interval.
// Summing all live buckets over-counts slightly at bucket edges, which keeps
// the rolling-cap guarantee conservative (never more than cap in any
// window-length interval).
type window struct {
	cap         int
	bucketDur   time.Duration
	buckets     [bucketsPerWindow]int
	head        int // index of the bucket covering "now"
	headStart   time.Time
	pausedUntil time.Time
	limitedNote bool // cap event already published for the current window
}

// Limiter is the per-connection sliding-window rate limiter.
// State is partitioned by connection id; all methods are safe for concurrent use.
type Limiter struct {
	mu   sync.Mutex
	cfg  Config
	wins map[string]*window

	bus eventbus.Bus
	log logx.Logger

	now func() time.Time // test hook
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) *Limiter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Limiter{
		cfg:  cfg.withDefaults(),
		wins: map[string]*window{},
		bus:  bus,
		log:  log,
		now:  time.Now,
	}
}

// Apply updates the default cap for windows still on the old default.
// The window length is structural and keeps its boot-time value.
func (l *Limiter) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	l.mu.Lock()
	old := l.cfg.DefaultCap
	l.cfg.DefaultCap = cfg.DefaultCap
	for _, w := range l.wins {
		if w.cap == old {
			w.cap = cfg.DefaultCap
		}
	}
	l.mu.Unlock()
}

func (l *Limiter) winFor(id string) *window {
	w := l.wins[id]
	if w == nil {
		w = &window{
			cap:       l.cfg.DefaultCap,
			bucketDur: l.cfg.Window / bucketsPerWindow,
		}
		w.headStart = l.now()
		l.wins[id] = w
	}
	return w
}

// SetCap overrides the window cap for one connection (tenant plan).
func (l *Limiter) SetCap(connectionID string, cap int) {
	l.mu.Lock()
	w := l.winFor(connectionID)
	w.cap = cap
	l.mu.Unlock()
}

// advance rotates buckets so that w.head covers now, zeroing buckets that
// fell out of the window.
func (w *window) advance(now time.Time) {
	if w.bucketDur <= 0 {
		return
	}
	for now.Sub(w.headStart) >= w.bucketDur {
		w.head = (w.head + 1) % bucketsPerWindow
		w.buckets[w.head] = 0
		w.headStart = w.headStart.Add(w.bucketDur)
		w.limitedNote = false
		// Catch-up guard for long idle gaps.
		if now.Sub(w.headStart) >= time.Duration(bucketsPerWindow)*w.bucketDur {
			for i := range w.buckets {
				w.buckets[i] = 0
			}
			w.headStart = now
			break
		}
	}
}

func (w *window) total() int {
	n := 0
	for _, b := range w.buckets {
		n += b
	}
	return n
}

// CanSend reports whether the connection may send now.
// False once the window cap is reached or a pause is in effect.
func (l *Limiter) CanSend(connectionID string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.winFor(connectionID)
	if !w.pausedUntil.IsZero() {
		if now.Before(w.pausedUntil) {
			return false
		}
		w.pausedUntil = time.Time{}
	}
	w.advance(now)
	if w.cap <= 0 {
		return true
	}
	if w.total() >= w.cap {
		if !w.limitedNote {
			w.limitedNote = true
			l.log.Warn("send cap reached", logx.String("connection", connectionID), logx.Int("cap", w.cap))
			if l.bus != nil {
				l.bus.Publish(eventbus.Event{Type: eventbus.TypeRateLimitHit, Time: now, Data: Event{
					ConnectionID: connectionID, Count: w.total(), Cap: w.cap,
				}})
			}
		}
		return false
	}
	return true
}

// RecordSend advances the window count after a successful send.
func (l *Limiter) RecordSend(connectionID string) {
	now := l.now()
	l.mu.Lock()
	w := l.winFor(connectionID)
	w.advance(now)
	w.buckets[w.head]++
	l.mu.Unlock()
}

// Pause blocks sends for the connection until the given time.
func (l *Limiter) Pause(connectionID string, until time.Time) {
	l.mu.Lock()
	w := l.winFor(connectionID)
	w.pausedUntil = until
	l.mu.Unlock()
	l.log.Info("connection sends paused", logx.String("connection", connectionID), logx.Time("until", until))
}

// Resume clears a pause and any accumulated window state. Idempotent.
func (l *Limiter) Resume(connectionID string) {
	l.mu.Lock()
	w := l.wins[connectionID]
	if w != nil {
		w.pausedUntil = time.Time{}
		for i := range w.buckets {
			w.buckets[i] = 0
		}
		w.headStart = l.now()
		w.limitedNote = false
	}
	l.mu.Unlock()
}

// Remove drops all window state for a deleted connection.
func (l *Limiter) Remove(connectionID string) {
	l.mu.Lock()
	delete(l.wins, connectionID)
	l.mu.Unlock()
}

// SnapshotFor returns the current window view for one connection.
func (l *Limiter) SnapshotFor(connectionID string) Snapshot {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.winFor(connectionID)
	w.advance(now)
	return Snapshot{
		ConnectionID: connectionID,
		WindowStart:  w.headStart.Add(-time.Duration(bucketsPerWindow-1) * w.bucketDur),
		Count:        w.total(),
		Cap:          w.cap,
		PausedUntil:  w.pausedUntil,
	}
}
