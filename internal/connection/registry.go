package connection

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"chatgate/internal/apperr"
	"chatgate/internal/automation"
	"chatgate/internal/eventbus"
	rtsup "chatgate/internal/runtime/supervisor"
	"chatgate/internal/storage"
	logx "chatgate/pkg/logx"
)

// Config tunes registry-wide behavior.
type Config struct {
	// CredentialTTL bounds how long a credential challenge stays valid.
	CredentialTTL time.Duration
	// StaleHeartbeat is the heartbeat age past which an authenticated
	// connection is reported unhealthy.
	StaleHeartbeat time.Duration
	// MaxReconnectDelay caps the exponential reconnect backoff.
	MaxReconnectDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.CredentialTTL <= 0 {
		c.CredentialTTL = 5 * time.Minute
	}
	if c.StaleHeartbeat <= 0 {
		c.StaleHeartbeat = 5 * time.Minute
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = 5 * time.Minute
	}
	return c
}

// conn is the live, registry-owned state for one connection.
//
// Exactly one automation client handle exists per conn; the actor goroutine
// is the only consumer of its event stream. mu guards everything below it.
type conn struct {
	mu  sync.Mutex
	rec storage.ConnectionRecord

	client automation.Client
	cred   *Credential

	reconnectTimer    *time.Timer
	reconnectAttempts int

	// connectedAt is non-zero while authenticated; used for uptime accounting.
	connectedAt time.Time

	removed bool
}

// Registry owns all connection records and their automation-client handles.
type Registry struct {
	cfg     Config
	factory automation.Factory
	store   storage.Store
	bus     eventbus.Bus
	log     logx.Logger

	mu    sync.Mutex
	conns map[string]*conn
	sup   *rtsup.Supervisor

	now func() time.Time // test hook
}

func NewRegistry(cfg Config, factory automation.Factory, store storage.Store, bus eventbus.Bus, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		cfg:     cfg.withDefaults(),
		factory: factory,
		store:   store,
		bus:     bus,
		log:     log,
		conns:   map[string]*conn{},
		now:     time.Now,
	}
}

// Start restores persisted connections and begins reconnecting the ones that
// want it. Statuses are reset to disconnected first: no client survives a
// process restart.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.sup != nil {
		r.mu.Unlock()
		return nil
	}
	r.sup = rtsup.New(ctx, rtsup.WithLogger(r.log.With(logx.String("svc", "registry"))))
	r.mu.Unlock()

	recs, err := r.store.ListConnections(ctx, "")
	if err != nil {
		return apperr.Wrap(apperr.CodeStorage, "list connections", err)
	}
	for _, rec := range recs {
		c := &conn{rec: rec}
		c.rec.Status = string(StatusDisconnected)
		r.mu.Lock()
		r.conns[rec.ID] = c
		r.mu.Unlock()
		r.persist(c)

		if rec.AutoReconnect {
			if err := r.startClient(c); err != nil {
				r.log.Warn("restore connect failed", logx.String("connection", rec.ID), logx.Err(err))
			}
		}
	}
	r.log.Info("registry started", logx.Int("connections", len(recs)))
	return nil
}

// Stop tears down all clients and waits for actors to drain.
func (r *Registry) Stop(ctx context.Context) {
	r.mu.Lock()
	sup := r.sup
	r.sup = nil
	conns := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	if sup == nil {
		return
	}

	for _, c := range conns {
		c.mu.Lock()
		r.cancelReconnectLocked(c)
		client := c.client
		c.client = nil
		r.noteDisconnectedLocked(c)
		c.mu.Unlock()
		if client != nil {
			_ = client.Destroy(ctx)
		}
		r.persist(c)
	}
	_ = sup.Stop(ctx)
	r.log.Info("registry stopped")
}

// Create registers a new connection for the tenant and starts connecting.
func (r *Registry) Create(ctx context.Context, tenantID, id string, settings Settings) (Info, error) {
	tenantID = strings.TrimSpace(tenantID)
	id = strings.TrimSpace(id)
	if tenantID == "" || id == "" {
		return Info{}, apperr.New(apperr.CodeValidation, "tenant id and connection id are required")
	}
	settings = settings.withDefaults()

	r.mu.Lock()
	if r.sup == nil {
		r.mu.Unlock()
		return Info{}, apperr.New(apperr.CodeConfiguration, "registry not started")
	}
	if _, exists := r.conns[id]; exists {
		r.mu.Unlock()
		return Info{}, apperr.Newf(apperr.CodeValidation, "connection %q already exists", id)
	}
	now := r.now()
	c := &conn{rec: storage.ConnectionRecord{
		ID:                   id,
		TenantID:             tenantID,
		Status:               string(StatusDisconnected),
		AutoReconnect:        settings.AutoReconnect,
		MaxReconnectAttempts: settings.MaxReconnectAttempts,
		ReconnectInterval:    settings.ReconnectInterval,
		MessageRetryAttempts: settings.MessageRetryAttempts,
		RetryDelay:           settings.RetryDelay,
		DailyMessageCap:      settings.DailyMessageCap,
		CreatedAt:            now,
	}}
	r.conns[id] = c
	r.mu.Unlock()

	if err := r.store.CreateConnection(ctx, c.rec); err != nil {
		r.mu.Lock()
		delete(r.conns, id)
		r.mu.Unlock()
		return Info{}, apperr.Wrap(apperr.CodeStorage, "create connection", err)
	}
	// Version 1 was assigned on insert.
	c.mu.Lock()
	c.rec.Version = 1
	c.mu.Unlock()

	if err := r.startClient(c); err != nil {
		return Info{}, err
	}
	return r.infoFor(c), nil
}

// Get returns the external view of one connection.
func (r *Registry) Get(id string) (Info, error) {
	c, err := r.lookup(id)
	if err != nil {
		return Info{}, err
	}
	return r.infoFor(c), nil
}

// List returns all connections, optionally filtered by tenant.
func (r *Registry) List(tenantID string) []Info {
	r.mu.Lock()
	conns := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	var out []Info
	for _, c := range conns {
		info := r.infoFor(c)
		if tenantID == "" || info.TenantID == tenantID {
			out = append(out, info)
		}
	}
	return out
}

// Delete disconnects and permanently removes a connection.
func (r *Registry) Delete(ctx context.Context, id string) error {
	c, err := r.lookup(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.removed = true
	r.cancelReconnectLocked(c)
	client := c.client
	c.client = nil
	r.noteDisconnectedLocked(c)
	c.mu.Unlock()

	if client != nil {
		_ = client.Destroy(ctx)
	}

	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()

	if err := r.store.DeleteConnection(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return apperr.Wrap(apperr.CodeStorage, "delete connection", err)
	}
	r.log.Info("connection deleted", logx.String("connection", id))
	return nil
}

// Disconnect manually tears down the client and cancels pending reconnects.
func (r *Registry) Disconnect(ctx context.Context, id string) error {
	c, err := r.lookup(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	r.cancelReconnectLocked(c)
	client := c.client
	c.client = nil
	r.transitionLocked(c, StatusDisconnected, "manual disconnect")
	c.mu.Unlock()

	if client != nil {
		_ = client.Destroy(ctx)
	}
	r.persist(c)
	return nil
}

// Connect manually (re)starts a disconnected or errored connection.
func (r *Registry) Connect(ctx context.Context, id string) error {
	c, err := r.lookup(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	status := Status(c.rec.Status)
	hasClient := c.client != nil
	c.reconnectAttempts = 0
	c.mu.Unlock()

	if hasClient && status == StatusAuthenticated {
		return nil
	}
	if !CanTransition(status, StatusConnecting) {
		return apperr.Newf(apperr.CodeValidation, "cannot connect from status %q", status)
	}
	return r.startClient(c)
}

// Block moves a connection to blocked by external command.
// Only authenticated or connecting connections can be blocked.
func (r *Registry) Block(ctx context.Context, id, reason string) error {
	return r.command(ctx, id, StatusBlocked, reason)
}

// SetMaintenance moves a connection to maintenance by external command.
func (r *Registry) SetMaintenance(ctx context.Context, id string) error {
	return r.command(ctx, id, StatusMaintenance, "maintenance window")
}

func (r *Registry) command(ctx context.Context, id string, to Status, reason string) error {
	c, err := r.lookup(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	from := Status(c.rec.Status)
	if !CanTransition(from, to) {
		c.mu.Unlock()
		return apperr.Newf(apperr.CodeValidation, "cannot move %q from %q to %q", id, from, to)
	}
	r.cancelReconnectLocked(c)
	client := c.client
	c.client = nil
	r.transitionLocked(c, to, reason)
	c.mu.Unlock()

	if client != nil {
		_ = client.Destroy(ctx)
	}
	r.persist(c)
	return nil
}

// CredentialFor returns the live credential blob.
// Fails with CREDENTIAL_EXPIRED once past its TTL (the blob is cleared).
func (r *Registry) CredentialFor(id string) (Credential, error) {
	c, err := r.lookup(id)
	if err != nil {
		return Credential{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cred == nil {
		return Credential{}, apperr.Newf(apperr.CodeNotFound, "no credential pending for %q", id)
	}
	if c.cred.Expired(r.now()) {
		c.cred = nil
		return Credential{}, apperr.New(apperr.CodeCredentialExpired, "credential expired")
	}
	return *c.cred, nil
}

// SetDefault makes id the tenant's single default connection.
func (r *Registry) SetDefault(ctx context.Context, tenantID, id string) error {
	c, err := r.lookup(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	owner := c.rec.TenantID
	c.mu.Unlock()
	if owner != tenantID {
		return apperr.Newf(apperr.CodeNotFound, "connection %q not found for tenant", id)
	}

	if err := r.store.SetDefaultConnection(ctx, tenantID, id); err != nil {
		return apperr.Wrap(apperr.CodeStorage, "set default connection", err)
	}

	// Mirror the flag flip in memory. The store only bumps rows whose flag
	// actually changed, so the mirror bumps on change too.
	r.mu.Lock()
	for cid, sibling := range r.conns {
		sibling.mu.Lock()
		if sibling.rec.TenantID == tenantID {
			want := cid == id
			if sibling.rec.IsDefault != want {
				sibling.rec.IsDefault = want
				sibling.rec.Version++
			}
		}
		sibling.mu.Unlock()
	}
	r.mu.Unlock()
	return nil
}

// DefaultFor returns the tenant's default connection id ("" if none is set).
func (r *Registry) DefaultFor(tenantID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.conns {
		c.mu.Lock()
		match := c.rec.TenantID == tenantID && c.rec.IsDefault
		c.mu.Unlock()
		if match {
			return id
		}
	}
	return ""
}

// Send delivers one payload through the connection's client.
// Errors from the client propagate to the caller (the delivery queue
// classifies them); a refused send never drives a state transition here.
func (r *Registry) Send(ctx context.Context, id, recipient string, p automation.Payload) (automation.Receipt, error) {
	c, err := r.lookup(id)
	if err != nil {
		return automation.Receipt{}, err
	}
	c.mu.Lock()
	status := Status(c.rec.Status)
	client := c.client
	c.mu.Unlock()

	if status != StatusAuthenticated || client == nil {
		return automation.Receipt{}, apperr.Newf(apperr.CodeConnNotReady, "connection %q is %s", id, status)
	}

	receipt, err := client.Send(ctx, recipient, p)
	now := r.now()
	c.mu.Lock()
	if err != nil {
		c.rec.FailedCount++
	} else {
		c.rec.SentCount++
		c.rec.LastSendAt = now
		c.rec.HeartbeatAt = now
	}
	c.mu.Unlock()
	r.persist(c)
	if err != nil {
		return automation.Receipt{}, apperr.Wrap(apperr.CodeAutomation, "automation send", err)
	}
	return receipt, nil
}

// SettingsFor returns the effective settings for a connection.
func (r *Registry) SettingsFor(id string) (Settings, error) {
	c, err := r.lookup(id)
	if err != nil {
		return Settings{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return settingsOf(c.rec), nil
}

// UpdateSettings replaces the connection's settings.
func (r *Registry) UpdateSettings(ctx context.Context, id string, settings Settings) error {
	c, err := r.lookup(id)
	if err != nil {
		return err
	}
	settings = settings.withDefaults()
	c.mu.Lock()
	c.rec.AutoReconnect = settings.AutoReconnect
	c.rec.MaxReconnectAttempts = settings.MaxReconnectAttempts
	c.rec.ReconnectInterval = settings.ReconnectInterval
	c.rec.MessageRetryAttempts = settings.MessageRetryAttempts
	c.rec.RetryDelay = settings.RetryDelay
	c.rec.DailyMessageCap = settings.DailyMessageCap
	c.mu.Unlock()
	r.persist(c)
	return nil
}

// RecordDelivered bumps the delivered counter (delivery queue callback).
func (r *Registry) RecordDelivered(id string, n int64) {
	if c, err := r.lookup(id); err == nil {
		c.mu.Lock()
		c.rec.DeliveredCount += n
		c.mu.Unlock()
	}
}

// StatusFor reports the current lifecycle status of a connection.
func (r *Registry) StatusFor(id string) (Status, error) {
	c, err := r.lookup(id)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	status := Status(c.rec.Status)
	c.mu.Unlock()
	return status, nil
}

// GetFleetStats summarizes the fleet for the health monitor.
// Blocked and maintenance connections are excluded from "active".
func (r *Registry) GetFleetStats() FleetStats {
	r.mu.Lock()
	conns := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	var fs FleetStats
	for _, c := range conns {
		c.mu.Lock()
		status := Status(c.rec.Status)
		c.mu.Unlock()
		switch status {
		case StatusBlocked, StatusMaintenance:
			continue
		case StatusAuthenticated:
			fs.Active++
			fs.Connected++
		case StatusError:
			fs.Active++
			fs.Errored++
		default:
			fs.Active++
		}
	}
	return fs
}

// --- internals ---

func (r *Registry) lookup(id string) (*conn, error) {
	r.mu.Lock()
	c := r.conns[id]
	r.mu.Unlock()
	if c == nil {
		return nil, apperr.Newf(apperr.CodeNotFound, "connection %q not found", id)
	}
	return c, nil
}

func (r *Registry) infoFor(c *conn) Info {
	now := r.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.rec
	uptime := rec.UptimeTotal
	if !c.connectedAt.IsZero() {
		uptime += now.Sub(c.connectedAt)
	}
	status := Status(rec.Status)
	healthy := status == StatusAuthenticated &&
		!rec.HeartbeatAt.IsZero() && now.Sub(rec.HeartbeatAt) < r.cfg.StaleHeartbeat
	return Info{
		ID:        rec.ID,
		TenantID:  rec.TenantID,
		Status:    status,
		IsDefault: rec.IsDefault,
		Settings:  settingsOf(rec),
		Stats: Stats{
			Sent:       rec.SentCount,
			Received:   rec.ReceivedCount,
			Delivered:  rec.DeliveredCount,
			Failed:     rec.FailedCount,
			Reconnects: rec.ReconnectCount,
			Errors:     rec.ErrorCount,
			Uptime:     uptime,
		},
		LastError:   rec.LastError,
		HeartbeatAt: rec.HeartbeatAt,
		LastSendAt:  rec.LastSendAt,
		Healthy:     healthy,
	}
}

func settingsOf(rec storage.ConnectionRecord) Settings {
	return Settings{
		AutoReconnect:        rec.AutoReconnect,
		MaxReconnectAttempts: rec.MaxReconnectAttempts,
		ReconnectInterval:    rec.ReconnectInterval,
		MessageRetryAttempts: rec.MessageRetryAttempts,
		RetryDelay:           rec.RetryDelay,
		DailyMessageCap:      rec.DailyMessageCap,
	}
}

// transitionLocked commits a status change if the edge is legal.
// Caller holds c.mu.
func (r *Registry) transitionLocked(c *conn, to Status, reason string) bool {
	from := Status(c.rec.Status)
	if !CanTransition(from, to) {
		r.log.Warn("illegal status transition refused",
			logx.String("connection", c.rec.ID), logx.String("from", string(from)), logx.String("to", string(to)))
		return false
	}
	now := r.now()

	// Close the uptime span when leaving authenticated.
	if from == StatusAuthenticated && !c.connectedAt.IsZero() {
		c.rec.UptimeTotal += now.Sub(c.connectedAt)
		c.connectedAt = time.Time{}
	}
	if to == StatusAuthenticated {
		c.connectedAt = now
		c.rec.HeartbeatAt = now
	}
	if to == StatusError {
		c.rec.ErrorCount++
		c.rec.LastError = reason
	}

	c.rec.Status = string(to)
	r.log.Info("connection status changed",
		logx.String("connection", c.rec.ID), logx.String("from", string(from)),
		logx.String("to", string(to)), logx.String("reason", reason))
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeConnectionState, Time: now, Data: StateEvent{
			ConnectionID: c.rec.ID, TenantID: c.rec.TenantID, From: from, To: to, Reason: reason, At: now,
		}})
	}
	return true
}

// noteDisconnectedLocked forces the record to disconnected during teardown
// (shutdown/delete), bypassing edge checks for statuses like maintenance.
func (r *Registry) noteDisconnectedLocked(c *conn) {
	from := Status(c.rec.Status)
	if from == StatusAuthenticated && !c.connectedAt.IsZero() {
		c.rec.UptimeTotal += r.now().Sub(c.connectedAt)
		c.connectedAt = time.Time{}
	}
	c.rec.Status = string(StatusDisconnected)
}

// persist writes the record best-effort. Version conflicts are resolved by
// re-reading the stored version once: the registry is the only writer, so a
// conflict means our in-memory version drifted (e.g. SetDefault flips).
func (r *Registry) persist(c *conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c.mu.Lock()
	rec := c.rec
	removed := c.removed
	c.mu.Unlock()
	if removed {
		return
	}

	updated, err := r.store.UpdateConnection(ctx, rec)
	if errors.Is(err, storage.ErrVersionConflict) {
		if cur, gerr := r.store.GetConnection(ctx, rec.ID); gerr == nil {
			rec.Version = cur.Version
			updated, err = r.store.UpdateConnection(ctx, rec)
		}
	}
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			r.log.Warn("persist connection failed", logx.String("connection", rec.ID), logx.Err(err))
		}
		return
	}
	c.mu.Lock()
	c.rec.Version = updated.Version
	c.mu.Unlock()
}
