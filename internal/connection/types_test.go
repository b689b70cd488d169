package connection

import (
	"testing"
	"time"
)

func TestCanTransitionTable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusDisconnected, StatusConnecting, true},
		{StatusConnecting, StatusAuthenticating, true},
		{StatusAuthenticating, StatusAuthenticated, true},
		{StatusConnecting, StatusAuthenticated, true},
		{StatusAuthenticated, StatusBlocked, true},
		{StatusAuthenticated, StatusMaintenance, true},
		{StatusConnecting, StatusBlocked, true},
		{StatusBlocked, StatusConnecting, true},
		{StatusMaintenance, StatusConnecting, true},
		{StatusError, StatusConnecting, true},
		{StatusAuthenticated, StatusDisconnected, true},

		// error is reachable from everywhere
		{StatusDisconnected, StatusError, true},
		{StatusConnecting, StatusError, true},
		{StatusAuthenticating, StatusError, true},
		{StatusAuthenticated, StatusError, true},
		{StatusBlocked, StatusError, true},
		{StatusMaintenance, StatusError, true},

		// illegal edges
		{StatusDisconnected, StatusAuthenticated, false},
		{StatusDisconnected, StatusAuthenticating, false},
		{StatusDisconnected, StatusBlocked, false},
		{StatusAuthenticating, StatusConnecting, false},
		{StatusBlocked, StatusAuthenticated, false},
		{StatusAuthenticated, StatusAuthenticated, false}, // self
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestReconnectDelaySequence(t *testing.T) {
	t.Parallel()
	base := 5 * time.Second
	max := 5 * time.Minute

	want := []time.Duration{
		5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second,
		80 * time.Second, 160 * time.Second, 5 * time.Minute, 5 * time.Minute,
	}
	var prev time.Duration
	for i, w := range want {
		got := ReconnectDelay(base, i+1, max)
		if got != w {
			t.Fatalf("attempt %d: delay = %v, want %v", i+1, got, w)
		}
		if got < prev {
			t.Fatalf("attempt %d: delay decreased (%v after %v)", i+1, got, prev)
		}
		prev = got
	}
}

func TestCredentialExpiry(t *testing.T) {
	t.Parallel()
	now := time.Now()
	cred := Credential{Blob: []byte("qr"), ExpiresAt: now.Add(5 * time.Minute)}
	if cred.Expired(now) {
		t.Fatal("fresh credential reported expired")
	}
	if !cred.Expired(now.Add(6 * time.Minute)) {
		t.Fatal("stale credential reported valid")
	}
	if !(Credential{}).Expired(now) {
		t.Fatal("zero credential must read as expired")
	}
}

func TestSettingsDefaults(t *testing.T) {
	t.Parallel()
	s := Settings{}.withDefaults()
	if s.MaxReconnectAttempts != 5 {
		t.Fatalf("MaxReconnectAttempts = %d, want 5", s.MaxReconnectAttempts)
	}
	if s.ReconnectInterval != 5*time.Second {
		t.Fatalf("ReconnectInterval = %v, want 5s", s.ReconnectInterval)
	}
	if s.MessageRetryAttempts != 3 {
		t.Fatalf("MessageRetryAttempts = %d, want 3", s.MessageRetryAttempts)
	}
}

func TestFleetScore(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		fs   FleetStats
		want float64
	}{
		{"empty fleet", FleetStats{}, 0},
		{"all connected", FleetStats{Active: 4, Connected: 4}, 1},
		{"half connected", FleetStats{Active: 4, Connected: 2}, 0.5},
		{"errors drag score", FleetStats{Active: 4, Connected: 4, Errored: 2}, 0.5},
	}
	for _, tt := range tests {
		if got := tt.fs.Score(); got != tt.want {
			t.Errorf("%s: Score() = %v, want %v", tt.name, got, tt.want)
		}
	}
}
