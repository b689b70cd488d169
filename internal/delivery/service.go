package delivery

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatgate/internal/apperr"
	"chatgate/internal/automation"
	"chatgate/internal/connection"
	"chatgate/internal/eventbus"
	"chatgate/internal/storage"
	logx "chatgate/pkg/logx"
)

// Sender is the slice of the connection registry the queue needs.
type Sender interface {
	Send(ctx context.Context, connectionID, recipient string, p automation.Payload) (automation.Receipt, error)
	SettingsFor(connectionID string) (connection.Settings, error)
	RecordDelivered(connectionID string, n int64)
}

// Pacer is the slice of the rate limiter the queue needs.
type Pacer interface {
	CanSend(connectionID string) bool
	RecordSend(connectionID string)
	Resume(connectionID string)
}

// runGate serializes job execution per connection: two jobs for the same
// connection never run concurrently, so the per-job sequential pacing is the
// only send path the rate limiter has to reason about.
type runGate struct {
	mu       sync.Mutex
	inflight bool
}

func (g *runGate) tryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inflight {
		return false
	}
	g.inflight = true
	return true
}

func (g *runGate) release() {
	g.mu.Lock()
	g.inflight = false
	g.mu.Unlock()
}

// Service is the priority-aware delivery queue: persistent store-backed jobs,
// a bounded worker pool, transient/permanent retry classification and
// per-connection pause state.
type Service struct {
	mu  sync.Mutex
	cfg Config

	store  storage.Store
	sender Sender
	pacer  Pacer
	bus    eventbus.Bus
	log    logx.Logger

	paused map[string]bool

	gateMu sync.Mutex
	gates  map[string]*runGate

	queue     chan storage.JobRecord
	stopCh    chan struct{}
	stopDone  chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	now func() time.Time // test hook
}

func New(cfg Config, store storage.Store, sender Sender, pacer Pacer, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		store:  store,
		sender: sender,
		pacer:  pacer,
		bus:    bus,
		log:    log,
		paused: map[string]bool{},
		gates:  map[string]*runGate{},
		now:    time.Now,
	}
}

func (s *Service) gateFor(id string) *runGate {
	s.gateMu.Lock()
	g := s.gates[id]
	if g == nil {
		g = &runGate{}
		s.gates[id] = g
	}
	s.gateMu.Unlock()
	return g
}

func (s *Service) Start(ctx context.Context) {
	// If a Stop() is in progress, wait for it to complete (prevents double worker pools).
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		if done == nil {
			// already running
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		select {
		case <-done:
			// loop
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()

	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	// Fresh queue per run to avoid dispatching stale items after a stop/start toggle.
	s.queue = make(chan storage.JobRecord, 64)

	// A job claimed right before Stop may never reach a worker, leaving its
	// gate held. No worker from the previous run is alive here, so drop all
	// gate state; requeueOrphans below puts the claimed jobs back.
	s.gateMu.Lock()
	s.gates = map[string]*runGate{}
	s.gateMu.Unlock()

	workers := s.cfg.Workers
	runCtx := s.runCtx
	stopCh := s.stopCh
	queue := s.queue

	// Jobs stuck "active" from a previous process are requeued.
	s.requeueOrphans(runCtx)

	s.workerWG.Add(workers + 1)
	go func() {
		defer s.workerWG.Done()
		s.dispatcher(runCtx, stopCh, queue)
	}()
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			s.log.Debug("worker started", logx.Int("worker", idx))
			s.worker(runCtx, stopCh, queue)
			s.log.Debug("worker stopped", logx.Int("worker", idx))
		}()
	}

	s.log.Info("delivery queue started", logx.Int("workers", workers))
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		s.workerWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.runCtx = nil
		s.queue = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("delivery queue stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// stop continues in background
	}
}

// Enqueue accepts a delivery job for the connection.
//
// Fails with QUEUE_PAUSED while the connection's queue is paused and with
// VALIDATION_ERROR when no recipient passes basic format validation.
func (s *Service) Enqueue(ctx context.Context, connectionID string, payload automation.Payload, recipients []string, priority Priority) (EnqueueResult, error) {
	if payload.IsZero() {
		return EnqueueResult{}, apperr.New(apperr.CodeValidation, "payload is empty")
	}
	valid := filterRecipients(recipients)
	if len(valid) == 0 {
		return EnqueueResult{}, apperr.New(apperr.CodeValidation, "no valid recipients")
	}
	if _, ok := ParsePriority(string(priority)); !ok {
		return EnqueueResult{}, apperr.Newf(apperr.CodeValidation, "unknown priority %q", priority)
	}

	s.mu.Lock()
	paused := s.paused[connectionID]
	s.mu.Unlock()
	if paused {
		return EnqueueResult{}, apperr.Newf(apperr.CodeQueuePaused, "queue for %q is paused", connectionID)
	}

	settings, err := s.sender.SettingsFor(connectionID)
	if err != nil {
		return EnqueueResult{}, err
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return EnqueueResult{}, apperr.Wrap(apperr.CodeValidation, "encode payload", err)
	}
	recipientsJSON, _ := json.Marshal(valid)

	now := s.now()
	rec := storage.JobRecord{
		ID:           uuid.NewString(),
		ConnectionID: connectionID,
		Payload:      string(payloadJSON),
		Recipients:   string(recipientsJSON),
		Priority:     string(priority),
		State:        StateQueued,
		MaxAttempts:  settings.MessageRetryAttempts,
		ScheduledAt:  now,
		CreatedAt:    now,
	}
	if err := s.store.CreateJob(ctx, rec); err != nil {
		return EnqueueResult{}, apperr.Wrap(apperr.CodeStorage, "enqueue job", err)
	}

	est := s.estimateSendTime(ctx, connectionID, priority, now)
	s.log.Debug("job enqueued",
		logx.String("job", rec.ID), logx.String("connection", connectionID),
		logx.String("priority", string(priority)), logx.Int("recipients", len(valid)))
	s.publish(eventbus.TypeJobQueued, rec, len(valid), "")
	return EnqueueResult{JobID: rec.ID, EstimatedSendTime: est}, nil
}

// estimateSendTime approximates when the job will start: queue depth ahead of
// it times the per-job pacing cost. With an empty queue it is "now".
func (s *Service) estimateSendTime(ctx context.Context, connectionID string, priority Priority, now time.Time) time.Time {
	counts, err := s.store.JobCountsFor(ctx, connectionID)
	if err != nil {
		return now
	}
	ahead := counts.Waiting + counts.Active
	if ahead <= 1 {
		// Only the job we just wrote.
		return now
	}
	return now.Add(time.Duration(ahead-1) * priority.PacingDelay())
}

// Pause halts new job dispatch for the connection. In-flight work finishes.
// Idempotent.
func (s *Service) Pause(connectionID string) {
	s.mu.Lock()
	s.paused[connectionID] = true
	s.mu.Unlock()
	s.log.Info("queue paused", logx.String("connection", connectionID))
}

// Resume reopens the queue and clears any paused rate-limit window state.
// Idempotent.
func (s *Service) Resume(connectionID string) {
	s.mu.Lock()
	delete(s.paused, connectionID)
	s.mu.Unlock()
	if s.pacer != nil {
		s.pacer.Resume(connectionID)
	}
	s.log.Info("queue resumed", logx.String("connection", connectionID))
}

// IsPaused reports the pause flag for one connection.
func (s *Service) IsPaused(connectionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused[connectionID]
}

// StatusFor returns the queue census for one connection.
func (s *Service) StatusFor(ctx context.Context, connectionID string) (QueueStatus, error) {
	counts, err := s.store.JobCountsFor(ctx, connectionID)
	if err != nil {
		return QueueStatus{}, apperr.Wrap(apperr.CodeStorage, "queue counts", err)
	}
	return QueueStatus{
		Waiting:   counts.Waiting,
		Active:    counts.Active,
		Completed: counts.Completed,
		Failed:    counts.Failed,
		Blocked:   counts.Blocked,
		IsPaused:  s.IsPaused(connectionID),
	}, nil
}

// ClearFailed removes terminal failed jobs for the connection only.
func (s *Service) ClearFailed(ctx context.Context, connectionID string) (int64, error) {
	n, err := s.store.DeleteJobsByState(ctx, connectionID, StateFailed)
	if err != nil {
		return 0, apperr.Wrap(apperr.CodeStorage, "clear failed jobs", err)
	}
	if n > 0 {
		s.log.Info("failed jobs cleared", logx.String("connection", connectionID), logx.Int64("count", n))
	}
	return n, nil
}

// QueueLatency reports the average age of waiting jobs across the store,
// consumed by the health monitor. Zero with an empty queue.
func (s *Service) QueueLatency(ctx context.Context) (time.Duration, error) {
	jobs, err := s.store.ListRunnableJobs(ctx, s.now(), 200)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	now := s.now()
	var total time.Duration
	for _, j := range jobs {
		total += now.Sub(j.CreatedAt)
	}
	return total / time.Duration(len(jobs)), nil
}

func (s *Service) publish(typ string, rec storage.JobRecord, recipients int, errMsg string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: JobEvent{
		JobID:        rec.ID,
		ConnectionID: rec.ConnectionID,
		State:        rec.State,
		Attempts:     rec.Attempts,
		Recipients:   recipients,
		Error:        errMsg,
	}})
}

// requeueOrphans returns jobs left "active" by a previous process to the
// queue so they are picked up again.
func (s *Service) requeueOrphans(ctx context.Context) {
	jobs, err := s.store.ListJobsByState(ctx, "", StateActive)
	if err != nil {
		s.log.Warn("orphan scan failed", logx.Err(err))
		return
	}
	for _, j := range jobs {
		j.State = StateQueued
		j.ScheduledAt = s.now()
		if err := s.store.UpdateJob(ctx, j); err != nil {
			s.log.Warn("orphan requeue failed", logx.String("job", j.ID), logx.Err(err))
			continue
		}
		s.log.Info("orphaned job requeued", logx.String("job", j.ID), logx.String("connection", j.ConnectionID))
	}
}
