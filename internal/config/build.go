package config

import (
	"context"
	"time"

	"chatgate/internal/alert"
	"chatgate/internal/automation"
	"chatgate/internal/connection"
	"chatgate/internal/delivery"
	"chatgate/internal/health"
	"chatgate/internal/ratelimit"
	"chatgate/internal/storage"
	logx "chatgate/pkg/logx"
)

// Builders convert the string-typed file representation into the component
// configs. Zero/omitted fields fall through to each component's defaults.

func (c *Config) BuildLogging() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
	}
}

func (c *Config) BuildStorage() (storage.Config, error) {
	busy, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: c.Storage.Driver, Path: c.Storage.Path, BusyTimeout: busy}, nil
}

func (c *Config) BuildConnections() (connection.Config, error) {
	var (
		out connection.Config
		err error
	)
	if out.CredentialTTL, err = ParseDurationField("connections.credential_ttl", c.Connections.CredentialTTL); err != nil {
		return out, err
	}
	if out.StaleHeartbeat, err = ParseDurationField("connections.stale_heartbeat", c.Connections.StaleHeartbeat); err != nil {
		return out, err
	}
	if out.MaxReconnectDelay, err = ParseDurationField("connections.max_reconnect_delay", c.Connections.MaxReconnectDelay); err != nil {
		return out, err
	}
	return out, nil
}

func (c *Config) BuildDelivery() (delivery.Config, error) {
	out := delivery.Config{Workers: c.Delivery.Workers, RetryJitter: c.Delivery.RetryJitter}
	var err error
	if out.PollInterval, err = ParseDurationField("delivery.poll_interval", c.Delivery.PollInterval); err != nil {
		return out, err
	}
	for _, raw := range c.Delivery.RetrySchedule {
		d, err := ParseDurationField("delivery.retry_schedule", raw)
		if err != nil {
			return out, err
		}
		out.RetrySchedule = append(out.RetrySchedule, d)
	}
	return out, nil
}

func (c *Config) BuildRateLimit() (ratelimit.Config, error) {
	window, err := ParseDurationField("rate_limit.window", c.RateLimit.Window)
	if err != nil {
		return ratelimit.Config{}, err
	}
	return ratelimit.Config{Window: window, DefaultCap: c.RateLimit.DefaultCap}, nil
}

func (c *Config) BuildHealth() (health.Config, error) {
	out := health.Config{
		History:         c.Health.History,
		FleetScoreMin:   c.Health.FleetScoreMin,
		HeapUsageMaxPct: c.Health.HeapUsageMaxPct,
	}
	var err error
	if out.Interval, err = ParseDurationField("health.interval", c.Health.Interval); err != nil {
		return out, err
	}
	if out.StorageLatencyMax, err = ParseDurationField("health.storage_latency_max", c.Health.StorageLatencyMax); err != nil {
		return out, err
	}
	if out.QueueLatencyMax, err = ParseDurationField("health.queue_latency_max", c.Health.QueueLatencyMax); err != nil {
		return out, err
	}
	return out, nil
}

func (c *Config) BuildAlerts() (alert.Config, error) {
	out := alert.Config{Enabled: c.Alerts.Enabled}
	var err error
	if out.Retention, err = ParseDurationField("alerts.retention", c.Alerts.Retention); err != nil {
		return out, err
	}
	if out.PruneEvery, err = ParseDurationField("alerts.prune_every", c.Alerts.PruneEvery); err != nil {
		return out, err
	}
	if out.SendTimeout, err = ParseDurationField("alerts.send_timeout", c.Alerts.SendTimeout); err != nil {
		return out, err
	}
	if len(c.Alerts.Cooldowns) > 0 {
		out.Cooldowns = make(map[string]time.Duration, len(c.Alerts.Cooldowns))
		for typ, raw := range c.Alerts.Cooldowns {
			d, err := ParseDurationField("alerts.cooldowns."+typ, raw)
			if err != nil {
				return out, err
			}
			out.Cooldowns[typ] = d
		}
	}
	return out, nil
}

// BuildChannels constructs the configured alert channels.
func (c *Config) BuildChannels() ([]alert.Channel, error) {
	var out []alert.Channel
	if e := c.Alerts.Email; e != nil {
		ch, err := alert.NewEmailChannel(alert.EmailConfig{
			Host: e.Host, Port: e.Port, Username: e.Username,
			Password: e.Password, From: e.From, To: e.To,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	if w := c.Alerts.Webhook; w != nil {
		ch, err := alert.NewWebhookChannel(alert.WebhookConfig{URL: w.URL, AuthHeader: w.AuthHeader})
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	if w := c.Alerts.Chat; w != nil {
		ch, err := alert.NewChatChannel(alert.WebhookConfig{URL: w.URL, AuthHeader: w.AuthHeader})
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	if t := c.Alerts.Telegram; t != nil {
		ch, err := alert.NewTelegramChannel(alert.TelegramConfig{
			Token: t.Token, ChatID: t.ChatID, MessagesPerSec: t.MessagesPerSec,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, nil
}

func (c *Config) BuildSim() (automation.SimConfig, error) {
	var (
		out automation.SimConfig
		err error
	)
	if out.ChallengeDelay, err = ParseDurationField("sim.challenge_delay", c.Sim.ChallengeDelay); err != nil {
		return out, err
	}
	if out.ReadyDelay, err = ParseDurationField("sim.ready_delay", c.Sim.ReadyDelay); err != nil {
		return out, err
	}
	if out.SendLatency, err = ParseDurationField("sim.send_latency", c.Sim.SendLatency); err != nil {
		return out, err
	}
	return out, nil
}

// Validate runs every builder so a reload with a bad duration or channel
// config is rejected before it is committed.
func (c *Config) Validate(ctx context.Context) error {
	_ = ctx
	if _, err := c.BuildStorage(); err != nil {
		return err
	}
	if _, err := c.BuildConnections(); err != nil {
		return err
	}
	if _, err := c.BuildDelivery(); err != nil {
		return err
	}
	if _, err := c.BuildRateLimit(); err != nil {
		return err
	}
	if _, err := c.BuildHealth(); err != nil {
		return err
	}
	if _, err := c.BuildAlerts(); err != nil {
		return err
	}
	if _, err := c.BuildChannels(); err != nil {
		return err
	}
	if _, err := c.BuildSim(); err != nil {
		return err
	}
	return nil
}
