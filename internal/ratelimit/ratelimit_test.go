package ratelimit

import (
	"testing"
	"time"

	"chatgate/internal/eventbus"
	logx "chatgate/pkg/logx"
)

func newTestLimiter(cap int, window time.Duration, bus eventbus.Bus) (*Limiter, *time.Time) {
	l := New(Config{Window: window, DefaultCap: cap}, bus, logx.Nop())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestRollingCapNeverExceeded(t *testing.T) {
	t.Parallel()
	const cap = 10
	window := 24 * time.Hour
	l, now := newTestLimiter(cap, window, nil)

	sent := 0
	// Burst far past the cap: only cap sends are accepted.
	for i := 0; i < cap*3; i++ {
		if l.CanSend("c1") {
			l.RecordSend("c1")
			sent++
		}
	}
	if sent != cap {
		t.Fatalf("accepted %d sends, want %d", sent, cap)
	}

	// Partially into the window the cap still holds.
	*now = now.Add(window / 2)
	if l.CanSend("c1") {
		t.Fatal("expected cap to hold inside the rolling window")
	}

	// After a full window the old sends age out.
	*now = now.Add(window)
	if !l.CanSend("c1") {
		t.Fatal("expected sends to be allowed after the window rolled over")
	}
}

func TestPauseBlocksUntilDeadline(t *testing.T) {
	t.Parallel()
	l, now := newTestLimiter(100, time.Hour, nil)

	l.Pause("c1", now.Add(10*time.Minute))
	if l.CanSend("c1") {
		t.Fatal("expected paused connection to be blocked")
	}
	*now = now.Add(11 * time.Minute)
	if !l.CanSend("c1") {
		t.Fatal("expected pause to expire")
	}
}

func TestResumeClearsWindowState(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(2, time.Hour, nil)

	l.RecordSend("c1")
	l.RecordSend("c1")
	if l.CanSend("c1") {
		t.Fatal("expected cap to be hit")
	}
	l.Resume("c1")
	if !l.CanSend("c1") {
		t.Fatal("expected resume to clear the window")
	}
	// Resume on an unknown connection is a no-op.
	l.Resume("never-seen")
}

func TestCapHitPublishesOnce(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	l, _ := newTestLimiter(1, time.Hour, bus)
	l.RecordSend("c1")

	for i := 0; i < 5; i++ {
		if l.CanSend("c1") {
			t.Fatal("expected cap to block")
		}
	}

	events := 0
	for {
		select {
		case ev := <-ch:
			if ev.Type == eventbus.TypeRateLimitHit {
				events++
			}
			continue
		default:
		}
		break
	}
	if events != 1 {
		t.Fatalf("got %d cap events, want exactly 1 per window", events)
	}
}

func TestZeroCapDisablesLimiting(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(0, time.Hour, nil)
	for i := 0; i < 1000; i++ {
		if !l.CanSend("c1") {
			t.Fatal("expected uncapped connection to always send")
		}
		l.RecordSend("c1")
	}
}

func TestSetCapOverridesDefault(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(100, time.Hour, nil)
	l.SetCap("c1", 1)
	l.RecordSend("c1")
	if l.CanSend("c1") {
		t.Fatal("expected per-connection cap override to apply")
	}
	if got := l.SnapshotFor("c1").Cap; got != 1 {
		t.Fatalf("snapshot cap = %d, want 1", got)
	}
}
