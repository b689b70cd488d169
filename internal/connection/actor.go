package connection

import (
	"context"
	"fmt"
	"time"

	"chatgate/internal/automation"
	"chatgate/internal/eventbus"
	logx "chatgate/pkg/logx"
)

// startClient builds a fresh automation client for the connection, commits
// the connecting transition and spawns the actor goroutine that owns the
// client's event stream.
func (r *Registry) startClient(c *conn) error {
	c.mu.Lock()
	if c.removed {
		c.mu.Unlock()
		return nil
	}
	id := c.rec.ID
	tenant := c.rec.TenantID
	c.mu.Unlock()

	client, err := r.factory(tenant, id)
	if err != nil {
		c.mu.Lock()
		r.transitionLocked(c, StatusError, fmt.Sprintf("client init: %v", err))
		c.mu.Unlock()
		r.persist(c)
		return err
	}

	r.mu.Lock()
	sup := r.sup
	r.mu.Unlock()
	if sup == nil {
		_ = client.Destroy(context.Background())
		return nil
	}

	c.mu.Lock()
	c.client = client
	r.transitionLocked(c, StatusConnecting, "connect requested")
	c.mu.Unlock()
	r.persist(c)

	sup.Go("conn."+id, func(ctx context.Context) error {
		return r.runActor(ctx, c, client)
	})
	return nil
}

// runActor initializes the client and consumes its event stream until the
// stream closes (Destroy) or the registry shuts down. Client failures drive
// status transitions; they are never allowed to escape the actor.
func (r *Registry) runActor(ctx context.Context, c *conn, client automation.Client) error {
	if err := client.Initialize(ctx); err != nil {
		r.log.Warn("automation client initialize failed",
			logx.String("connection", connID(c)), logx.Err(err))
		c.mu.Lock()
		if c.client == client {
			r.transitionLocked(c, StatusError, fmt.Sprintf("initialize: %v", err))
			r.maybeScheduleReconnectLocked(c)
		}
		c.mu.Unlock()
		r.persist(c)
		return nil
	}

	events := client.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				// Client destroyed; a replacement actor owns any new client.
				return nil
			}
			r.handleEvent(c, client, ev)
		}
	}
}

func (r *Registry) handleEvent(c *conn, client automation.Client, ev automation.Event) {
	c.mu.Lock()
	if c.client != client || c.removed {
		// Stale actor racing a reconnect/teardown.
		c.mu.Unlock()
		return
	}

	now := r.now()
	switch ev.Kind {
	case automation.EventCredentialChallenge:
		c.cred = &Credential{Blob: ev.Credential, ExpiresAt: now.Add(r.cfg.CredentialTTL)}
		if r.bus != nil {
			r.bus.Publish(eventbus.Event{Type: eventbus.TypeConnectionAuth, Time: now, Data: StateEvent{
				ConnectionID: c.rec.ID, TenantID: c.rec.TenantID, Reason: "credential challenge", At: now,
			}})
		}
		r.transitionLocked(c, StatusAuthenticating, "credential challenge")

	case automation.EventReady:
		c.cred = nil
		c.reconnectAttempts = 0
		r.transitionLocked(c, StatusAuthenticated, "session ready")

	case automation.EventAuthFailure:
		c.cred = nil
		r.transitionLocked(c, StatusError, "auth failure: "+ev.Reason)

	case automation.EventDisconnected:
		if r.transitionLocked(c, StatusDisconnected, ev.Reason) {
			r.maybeScheduleReconnectLocked(c)
		}

	case automation.EventMessageReceived:
		c.rec.ReceivedCount++
		c.rec.LastReceiveAt = now
		c.rec.HeartbeatAt = now

	case automation.EventMessageAck:
		// Delivered counting is owned by the queue; an ack only proves
		// the client is alive.
		c.rec.HeartbeatAt = now
	}
	c.mu.Unlock()

	r.persist(c)
}

// ReconnectDelay computes the backoff before reconnect attempt n (1-based):
// base doubling per attempt, capped at max.
func ReconnectDelay(base time.Duration, attempt int, max time.Duration) time.Duration {
	if base <= 0 {
		base = 5 * time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// maybeScheduleReconnectLocked arms the reconnect timer after an unexpected
// disconnect. Caller holds c.mu.
func (r *Registry) maybeScheduleReconnectLocked(c *conn) {
	if c.removed || !c.rec.AutoReconnect {
		return
	}
	if c.reconnectAttempts >= c.rec.MaxReconnectAttempts {
		r.transitionLocked(c, StatusError, "max reconnection attempts exceeded")
		return
	}
	c.reconnectAttempts++
	attempt := c.reconnectAttempts
	delay := ReconnectDelay(c.rec.ReconnectInterval, attempt, r.cfg.MaxReconnectDelay)
	id := c.rec.ID

	r.cancelReconnectLocked(c)
	c.reconnectTimer = time.AfterFunc(delay, func() { r.reconnect(id) })
	r.log.Info("reconnect scheduled",
		logx.String("connection", id), logx.Int("attempt", attempt), logx.Duration("delay", delay))
}

func (r *Registry) cancelReconnectLocked(c *conn) {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (r *Registry) reconnect(id string) {
	c, err := r.lookup(id)
	if err != nil {
		return
	}
	c.mu.Lock()
	if c.removed {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.rec.ReconnectCount++
	old := c.client
	c.client = nil
	c.mu.Unlock()

	if old != nil {
		_ = old.Destroy(context.Background())
	}
	if err := r.startClient(c); err != nil {
		r.log.Warn("reconnect failed", logx.String("connection", id), logx.Err(err))
	}
}

func connID(c *conn) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec.ID
}
