package automation

import (
	"context"
	"time"
)

// EventKind identifies an automation-client lifecycle or traffic event.
type EventKind string

const (
	// EventCredentialChallenge carries a short-lived credential blob (QR)
	// the tenant must scan/approve to authenticate the connection.
	EventCredentialChallenge EventKind = "credential_challenge"
	EventReady               EventKind = "ready"
	EventAuthFailure         EventKind = "auth_failure"
	EventDisconnected        EventKind = "disconnected"
	EventMessageReceived     EventKind = "message_received"
	EventMessageAck          EventKind = "message_ack"
)

// Event is one item on a client's event stream.
//
// Only the fields relevant to the Kind are set.
type Event struct {
	Kind       EventKind
	At         time.Time
	Credential []byte // credential_challenge
	Reason     string // auth_failure, disconnected
	MessageID  string // message_received, message_ack
	Sender     string // message_received
}

// Payload is the outbound message body.
// Either Text or MediaURL (or both, media with caption) may be set.
type Payload struct {
	Text     string `json:"text,omitempty"`
	MediaURL string `json:"media_url,omitempty"`
}

func (p Payload) IsZero() bool { return p.Text == "" && p.MediaURL == "" }

// Receipt acknowledges a successful send.
type Receipt struct {
	MessageID string
	At        time.Time
}

// Client is the adapter over the remote chat-network automation layer.
//
// Exactly one Client instance exists per connection at any time; the
// connection registry owns the handle and is the only consumer of Events().
//
// Initialize starts the underlying session and begins emitting events.
// Destroy tears the session down; the Events channel is closed afterwards.
type Client interface {
	Initialize(ctx context.Context) error
	Events() <-chan Event
	Send(ctx context.Context, recipient string, p Payload) (Receipt, error)
	Destroy(ctx context.Context) error
}

// Factory builds one client per connection. Implementations decide the
// transport (browser automation, vendor API, simulator).
type Factory func(tenantID, connectionID string) (Client, error)
