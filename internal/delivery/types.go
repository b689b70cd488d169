package delivery

import (
	"regexp"
	"strings"
	"time"
)

// Priority is the scheduling class of a job. It controls both queue ordering
// and the pacing delay between recipients of one job.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// PacingDelay is the inter-recipient delay for this priority class.
func (p Priority) PacingDelay() time.Duration {
	switch p {
	case PriorityHigh:
		return 500 * time.Millisecond
	case PriorityLow:
		return 2 * time.Second
	default:
		return time.Second
	}
}

func ParsePriority(s string) (Priority, bool) {
	switch Priority(strings.ToLower(strings.TrimSpace(s))) {
	case PriorityHigh:
		return PriorityHigh, true
	case PriorityNormal, "":
		return PriorityNormal, true
	case PriorityLow:
		return PriorityLow, true
	}
	return "", false
}

// Job states. A job in StateFailed is terminal and immutable.
const (
	StateQueued    = "queued"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateBlocked   = "blocked"
)

// Config controls the delivery worker pool.
type Config struct {
	// Workers is the pool size; jobs across different connections run
	// concurrently up to this bound.
	Workers int
	// PollInterval is the dispatcher's store polling period.
	PollInterval time.Duration
	// RetrySchedule is the delay table for transient failures, indexed by
	// attempt number (clamped to the last entry).
	RetrySchedule []time.Duration
	// RetryJitter is the +/- fraction applied to retry delays (0.2 = 20%).
	RetryJitter float64
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if len(c.RetrySchedule) == 0 {
		c.RetrySchedule = []time.Duration{5 * time.Second, 15 * time.Second, 30 * time.Second}
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	return c
}

// EnqueueResult is returned to the caller on accept.
type EnqueueResult struct {
	JobID             string    `json:"job_id"`
	EstimatedSendTime time.Time `json:"estimated_send_time"`
}

// QueueStatus is the per-connection census exposed to the API layer.
type QueueStatus struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Blocked   int64 `json:"blocked"`
	IsPaused  bool  `json:"is_paused"`
}

// JobEvent is published on the event bus for job lifecycle changes.
type JobEvent struct {
	JobID        string `json:"job_id"`
	ConnectionID string `json:"connection_id"`
	State        string `json:"state"`
	Attempts     int    `json:"attempts"`
	Recipients   int    `json:"recipients"`
	Error        string `json:"error,omitempty"`
}

// recipientRe is a loose international phone shape: optional +, 7-15 digits.
var recipientRe = regexp.MustCompile(`^\+?[0-9]{7,15}$`)

// ValidRecipient reports whether a recipient passes basic format validation.
func ValidRecipient(r string) bool {
	return recipientRe.MatchString(strings.TrimSpace(r))
}

// filterRecipients keeps the recipients that pass validation.
func filterRecipients(in []string) []string {
	var out []string
	for _, r := range in {
		r = strings.TrimSpace(r)
		if ValidRecipient(r) {
			out = append(out, r)
		}
	}
	return out
}
