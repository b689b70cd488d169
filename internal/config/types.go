package config

// Config is the on-disk gateway configuration. Durations are Go duration
// strings (e.g. "500ms", "10s", "1m"); Build() converts and validates them.
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	HTTP        HTTPConfig        `json:"http"`
	Storage     StorageConfig     `json:"storage"`
	Connections ConnectionsConfig `json:"connections"`
	Delivery    DeliveryConfig    `json:"delivery"`
	RateLimit   RateLimitConfig   `json:"rate_limit"`
	Health      HealthConfig      `json:"health"`
	Alerts      AlertsConfig      `json:"alerts"`

	// Sim configures the in-process automation driver used for local runs.
	Sim SimConfig `json:"sim,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type HTTPConfig struct {
	Addr string `json:"addr"`
	// HealthToken gates the detailed health and dashboard endpoints.
	// Empty disables them.
	HealthToken string `json:"health_token,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver"` // "sqlite", "memory" or "" (disabled)
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type ConnectionsConfig struct {
	CredentialTTL     string `json:"credential_ttl,omitempty"`
	StaleHeartbeat    string `json:"stale_heartbeat,omitempty"`
	MaxReconnectDelay string `json:"max_reconnect_delay,omitempty"`
}

type DeliveryConfig struct {
	Workers       int      `json:"workers,omitempty"`
	PollInterval  string   `json:"poll_interval,omitempty"`
	RetrySchedule []string `json:"retry_schedule,omitempty"`
	RetryJitter   float64  `json:"retry_jitter,omitempty"`
}

type RateLimitConfig struct {
	Window     string `json:"window,omitempty"`
	DefaultCap int    `json:"default_cap,omitempty"`
}

type HealthConfig struct {
	Interval          string  `json:"interval,omitempty"`
	History           int     `json:"history,omitempty"`
	StorageLatencyMax string  `json:"storage_latency_max,omitempty"`
	QueueLatencyMax   string  `json:"queue_latency_max,omitempty"`
	FleetScoreMin     float64 `json:"fleet_score_min,omitempty"`
	HeapUsageMaxPct   float64 `json:"heap_usage_max_pct,omitempty"`
}

type AlertsConfig struct {
	Enabled     bool              `json:"enabled"`
	Cooldowns   map[string]string `json:"cooldowns,omitempty"`
	Retention   string            `json:"retention,omitempty"`
	PruneEvery  string            `json:"prune_every,omitempty"`
	SendTimeout string            `json:"send_timeout,omitempty"`

	Email    *EmailChannelConfig    `json:"email,omitempty"`
	Webhook  *WebhookChannelConfig  `json:"webhook,omitempty"`
	Chat     *WebhookChannelConfig  `json:"chat,omitempty"`
	Telegram *TelegramChannelConfig `json:"telegram,omitempty"`
}

type EmailChannelConfig struct {
	Host     string   `json:"host"`
	Port     int      `json:"port,omitempty"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
	From     string   `json:"from"`
	To       []string `json:"to"`
}

type WebhookChannelConfig struct {
	URL        string `json:"url"`
	AuthHeader string `json:"auth_header,omitempty"`
}

type TelegramChannelConfig struct {
	Token          string  `json:"token"`
	ChatID         int64   `json:"chat_id"`
	MessagesPerSec float64 `json:"messages_per_sec,omitempty"`
}

type SimConfig struct {
	ChallengeDelay string `json:"challenge_delay,omitempty"`
	ReadyDelay     string `json:"ready_delay,omitempty"`
	SendLatency    string `json:"send_latency,omitempty"`
}
