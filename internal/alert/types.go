package alert

import (
	"sort"
	"strings"
	"time"
)

// Alert types. Each type has its own cooldown and message template.
const (
	TypeHealthIssue      = "health_issue"
	TypeRateLimitWarning = "rate_limit_warning"
	TypeQueueIssue       = "queue_issue"
	TypeConnectionError  = "connection_error"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one operator notification request. Details carries the
// identifiers (connection_id, job_id, service) that scope the dedupe key.
type Alert struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Severity Severity          `json:"severity"`
	Title    string            `json:"title"`
	Message  string            `json:"message"`
	Details  map[string]string `json:"details,omitempty"`
	Channels []string          `json:"channels,omitempty"` // empty = all configured
	At       time.Time         `json:"at"`
}

// Config tunes dedupe and retention. Channel credentials live in the
// channel-specific configs.
type Config struct {
	Enabled bool `json:"enabled"`

	// Per-type cooldown overrides; zero value falls back to the defaults
	// (health 5m, rate limit 10m, queue 2m).
	Cooldowns map[string]time.Duration `json:"cooldowns,omitempty"`

	Retention   time.Duration `json:"retention"`
	PruneEvery  time.Duration `json:"prune_every"`
	SendTimeout time.Duration `json:"send_timeout"`
}

func (c Config) withDefaults() Config {
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.PruneEvery <= 0 {
		c.PruneEvery = time.Hour
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

func (c Config) cooldownFor(typ string) time.Duration {
	if d, ok := c.Cooldowns[typ]; ok && d > 0 {
		return d
	}
	switch typ {
	case TypeRateLimitWarning:
		return 10 * time.Minute
	case TypeQueueIssue:
		return 2 * time.Minute
	default:
		return 5 * time.Minute
	}
}

// dedupeKey is the alert type plus the identifying details in a stable
// order. Free-text fields stay out of the key so reworded messages for
// the same underlying issue still dedupe.
func dedupeKey(a Alert) string {
	parts := []string{a.Type}
	keys := make([]string, 0, len(a.Details))
	for k := range a.Details {
		switch k {
		case "connection_id", "job_id", "service", "tenant_id":
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+a.Details[k])
	}
	return strings.Join(parts, "|")
}
