package connection

import (
	"time"
)

// Status is the lifecycle state of a connection.
type Status string

const (
	StatusDisconnected   Status = "disconnected"
	StatusConnecting     Status = "connecting"
	StatusAuthenticating Status = "authenticating"
	StatusAuthenticated  Status = "authenticated"
	StatusError          Status = "error"
	StatusBlocked        Status = "blocked"
	StatusMaintenance    Status = "maintenance"
)

// legalEdges is the transition table. A missing entry means the edge is
// illegal and the transition is refused (logged, state unchanged).
//
// "error" is reachable from everywhere and is therefore not listed per-row.
var legalEdges = map[Status][]Status{
	StatusDisconnected:   {StatusConnecting},
	StatusConnecting:     {StatusAuthenticating, StatusAuthenticated, StatusDisconnected, StatusBlocked, StatusMaintenance},
	StatusAuthenticating: {StatusAuthenticated, StatusDisconnected},
	StatusAuthenticated:  {StatusDisconnected, StatusBlocked, StatusMaintenance},
	StatusError:          {StatusConnecting, StatusDisconnected},
	StatusBlocked:        {StatusDisconnected, StatusConnecting},
	StatusMaintenance:    {StatusConnecting, StatusDisconnected},
}

// CanTransition reports whether from→to is a legal edge.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	if to == StatusError {
		return true
	}
	for _, s := range legalEdges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Settings are the per-connection knobs a tenant controls.
type Settings struct {
	AutoReconnect        bool          `json:"auto_reconnect"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts"`
	ReconnectInterval    time.Duration `json:"reconnect_interval"`
	MessageRetryAttempts int           `json:"message_retry_attempts"`
	RetryDelay           time.Duration `json:"retry_delay"`
	// DailyMessageCap comes from the tenant plan; 0 means uncapped.
	DailyMessageCap int `json:"daily_message_cap"`
}

func (s Settings) withDefaults() Settings {
	if s.MaxReconnectAttempts <= 0 {
		s.MaxReconnectAttempts = 5
	}
	if s.ReconnectInterval <= 0 {
		s.ReconnectInterval = 5 * time.Second
	}
	if s.MessageRetryAttempts <= 0 {
		s.MessageRetryAttempts = 3
	}
	if s.RetryDelay <= 0 {
		s.RetryDelay = 5 * time.Second
	}
	return s
}

// Stats are cumulative per-connection counters.
type Stats struct {
	Sent       int64         `json:"sent"`
	Received   int64         `json:"received"`
	Delivered  int64         `json:"delivered"`
	Failed     int64         `json:"failed"`
	Reconnects int64         `json:"reconnects"`
	Errors     int64         `json:"errors"`
	Uptime     time.Duration `json:"uptime"`
}

// Credential is the short-lived authentication artifact (QR blob).
type Credential struct {
	Blob      []byte    `json:"blob"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (c Credential) Expired(now time.Time) bool {
	return c.ExpiresAt.IsZero() || now.After(c.ExpiresAt)
}

// Info is the external view of a connection.
type Info struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Status      Status    `json:"status"`
	IsDefault   bool      `json:"is_default"`
	Settings    Settings  `json:"settings"`
	Stats       Stats     `json:"stats"`
	LastError   string    `json:"last_error,omitempty"`
	HeartbeatAt time.Time `json:"heartbeat_at,omitempty"`
	LastSendAt  time.Time `json:"last_send_at,omitempty"`
	// Healthy derives from status + heartbeat age (see Registry config).
	Healthy bool `json:"healthy"`
}

// StateEvent is published on the event bus for every committed transition.
type StateEvent struct {
	ConnectionID string    `json:"connection_id"`
	TenantID     string    `json:"tenant_id"`
	From         Status    `json:"from"`
	To           Status    `json:"to"`
	Reason       string    `json:"reason,omitempty"`
	At           time.Time `json:"at"`
}

// FleetStats summarizes the connection fleet for the health monitor.
type FleetStats struct {
	Active    int `json:"active"`
	Connected int `json:"connected"`
	Errored   int `json:"errored"`
}

// Score is connected/active scaled by the error share; 0 with no fleet.
func (f FleetStats) Score() float64 {
	if f.Active == 0 {
		return 0
	}
	score := float64(f.Connected) / float64(f.Active)
	score *= 1 - float64(f.Errored)/float64(f.Active)
	if score < 0 {
		return 0
	}
	return score
}
