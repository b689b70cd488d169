package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SimConfig tunes the simulated client.
type SimConfig struct {
	// ChallengeDelay is the wait between Initialize and the credential challenge.
	ChallengeDelay time.Duration
	// ReadyDelay is the wait between the challenge and the ready event.
	// Zero means the session never authenticates on its own (tests drive it).
	ReadyDelay time.Duration
	// SendLatency is applied to every Send.
	SendLatency time.Duration
}

// SimClient is an in-process automation client used by the "sim" driver and
// by tests. It follows the same event contract as a real client: challenge,
// then ready, acks after sends.
type SimClient struct {
	cfg SimConfig

	mu        sync.Mutex
	events    chan Event
	destroyed bool
	ready     bool
	timers    []*time.Timer
}

var _ Client = (*SimClient)(nil)

func NewSim(cfg SimConfig) *SimClient {
	return &SimClient{
		cfg:    cfg,
		events: make(chan Event, 32),
	}
}

// SimFactory returns a Factory producing independent SimClients.
func SimFactory(cfg SimConfig) Factory {
	return func(tenantID, connectionID string) (Client, error) {
		return NewSim(cfg), nil
	}
}

func (c *SimClient) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return errors.New("sim client destroyed")
	}

	challengeDelay := c.cfg.ChallengeDelay
	if challengeDelay <= 0 {
		challengeDelay = 10 * time.Millisecond
	}
	c.timers = append(c.timers, time.AfterFunc(challengeDelay, func() {
		blob := []byte("sim-qr:" + uuid.NewString())
		c.emit(Event{Kind: EventCredentialChallenge, Credential: blob})
		if c.cfg.ReadyDelay > 0 {
			c.mu.Lock()
			c.timers = append(c.timers, time.AfterFunc(c.cfg.ReadyDelay, func() {
				c.mu.Lock()
				c.ready = true
				c.mu.Unlock()
				c.emit(Event{Kind: EventReady})
			}))
			c.mu.Unlock()
		}
	}))
	return nil
}

func (c *SimClient) Events() <-chan Event { return c.events }

func (c *SimClient) Send(ctx context.Context, recipient string, p Payload) (Receipt, error) {
	if recipient == "" {
		return Receipt{}, errors.New("empty recipient")
	}
	if p.IsZero() {
		return Receipt{}, errors.New("empty payload")
	}
	c.mu.Lock()
	ready := c.ready
	destroyed := c.destroyed
	c.mu.Unlock()
	if destroyed {
		return Receipt{}, errors.New("sim client destroyed")
	}
	if !ready {
		return Receipt{}, fmt.Errorf("session not ready for %s", recipient)
	}

	if c.cfg.SendLatency > 0 {
		t := time.NewTimer(c.cfg.SendLatency)
		select {
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return Receipt{}, ctx.Err()
		case <-t.C:
		}
	}

	id := uuid.NewString()
	c.emit(Event{Kind: EventMessageAck, MessageID: id})
	return Receipt{MessageID: id, At: time.Now()}, nil
}

func (c *SimClient) Destroy(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = nil
	ev := c.events
	c.mu.Unlock()

	close(ev)
	return nil
}

// --- test hooks ---

// EmitReady marks the session authenticated and emits a ready event.
func (c *SimClient) EmitReady() {
	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
	c.emit(Event{Kind: EventReady})
}

// EmitDisconnected emits a disconnect with the given reason; the session is
// no longer considered ready.
func (c *SimClient) EmitDisconnected(reason string) {
	c.mu.Lock()
	c.ready = false
	c.mu.Unlock()
	c.emit(Event{Kind: EventDisconnected, Reason: reason})
}

// EmitAuthFailure emits an authentication failure with the given reason.
func (c *SimClient) EmitAuthFailure(reason string) {
	c.mu.Lock()
	c.ready = false
	c.mu.Unlock()
	c.emit(Event{Kind: EventAuthFailure, Reason: reason})
}

// EmitChallenge emits a credential challenge with the given blob.
func (c *SimClient) EmitChallenge(blob []byte) {
	c.emit(Event{Kind: EventCredentialChallenge, Credential: blob})
}

func (c *SimClient) emit(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	// The send happens under the mutex so Destroy cannot close the channel
	// between the destroyed check and the send.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}

	// Non-blocking: a stalled consumer drops events rather than wedging timers.
	select {
	case c.events <- e:
	default:
	}
}
