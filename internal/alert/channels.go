package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"chatgate/internal/apperr"
)

// Channel delivers a rendered alert to one notification target. Channels
// are independent: a failure on one never blocks the others.
type Channel interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

// EmailConfig configures the SMTP channel.
type EmailConfig struct {
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Username string   `json:"username"`
	Password string   `json:"password"`
	From     string   `json:"from"`
	To       []string `json:"to"`
}

type emailChannel struct {
	cfg EmailConfig
}

func NewEmailChannel(cfg EmailConfig) (Channel, error) {
	if cfg.Host == "" || cfg.From == "" || len(cfg.To) == 0 {
		return nil, apperr.New(apperr.CodeConfiguration, "email channel requires host, from and to")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &emailChannel{cfg: cfg}, nil
}

func (c *emailChannel) Name() string { return "email" }

func (c *emailChannel) Send(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", c.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(c.cfg.To, ", "))
	fmt.Fprintf(&b, "Subject: [%s] %s\r\n", strings.ToUpper(string(a.Severity)), a.Title)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
	b.WriteString(a.Message)
	b.WriteString("\r\n")

	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	var auth smtp.Auth
	if c.cfg.Username != "" {
		auth = smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
	}
	if err := smtp.SendMail(addr, auth, c.cfg.From, c.cfg.To, []byte(b.String())); err != nil {
		return apperr.Wrap(apperr.CodeInternal, "smtp send", err)
	}
	return nil
}

// WebhookConfig configures a generic JSON webhook.
type WebhookConfig struct {
	URL        string `json:"url"`
	AuthHeader string `json:"auth_header,omitempty"` // full "Authorization" value
}

type webhookChannel struct {
	cfg  WebhookConfig
	http *http.Client
}

func NewWebhookChannel(cfg WebhookConfig) (Channel, error) {
	if cfg.URL == "" {
		return nil, apperr.New(apperr.CodeConfiguration, "webhook channel requires url")
	}
	return &webhookChannel{cfg: cfg, http: &http.Client{Timeout: 8 * time.Second}}, nil
}

func (c *webhookChannel) Name() string { return "webhook" }

func (c *webhookChannel) Send(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return c.post(ctx, body)
}

func (c *webhookChannel) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.AuthHeader != "" {
		req.Header.Set("Authorization", c.cfg.AuthHeader)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "webhook post", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apperr.Newf(apperr.CodeInternal, "webhook returned %d", resp.StatusCode)
	}
	return nil
}

// chatChannel posts Slack-compatible payloads ({"text": ...}) to an
// incoming-webhook URL.
type chatChannel struct {
	webhookChannel
}

func NewChatChannel(cfg WebhookConfig) (Channel, error) {
	if cfg.URL == "" {
		return nil, apperr.New(apperr.CodeConfiguration, "chat channel requires url")
	}
	return &chatChannel{webhookChannel{cfg: cfg, http: &http.Client{Timeout: 8 * time.Second}}}, nil
}

func (c *chatChannel) Name() string { return "chat" }

func (c *chatChannel) Send(ctx context.Context, a Alert) error {
	text := fmt.Sprintf("%s *%s*\n%s", severityMarker(a.Severity), a.Title, a.Message)
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	return c.post(ctx, body)
}

func severityMarker(s Severity) string {
	switch s {
	case SeverityCritical:
		return "🚨"
	case SeverityWarning:
		return "⚠️"
	default:
		return "ℹ️"
	}
}
