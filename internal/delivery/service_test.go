package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"chatgate/internal/apperr"
	"chatgate/internal/automation"
	"chatgate/internal/connection"
	"chatgate/internal/eventbus"
	"chatgate/internal/storage"
	logx "chatgate/pkg/logx"
)

// fakeSender scripts per-call outcomes; nil entries (or exhausted script)
// mean success.
type fakeSender struct {
	mu        sync.Mutex
	script    []error
	sent      []string
	delivered int64
	status    connection.Status
}

func (f *fakeSender) Send(ctx context.Context, connectionID, recipient string, p automation.Payload) (automation.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	if len(f.script) > 0 {
		err = f.script[0]
		f.script = f.script[1:]
	}
	if err != nil {
		return automation.Receipt{}, err
	}
	f.sent = append(f.sent, recipient)
	return automation.Receipt{MessageID: "m-" + recipient, At: time.Now()}, nil
}

func (f *fakeSender) SettingsFor(connectionID string) (connection.Settings, error) {
	return connection.Settings{MessageRetryAttempts: 3}, nil
}

func (f *fakeSender) RecordDelivered(connectionID string, n int64) {
	f.mu.Lock()
	f.delivered += n
	f.mu.Unlock()
}

func (f *fakeSender) StatusFor(id string) (connection.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == "" {
		return connection.StatusAuthenticated, nil
	}
	return f.status, nil
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakePacer struct {
	mu      sync.Mutex
	blocked bool
	records int
	resumes int
}

func (p *fakePacer) CanSend(connectionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.blocked
}

func (p *fakePacer) RecordSend(connectionID string) {
	p.mu.Lock()
	p.records++
	p.mu.Unlock()
}

func (p *fakePacer) Resume(connectionID string) {
	p.mu.Lock()
	p.resumes++
	p.mu.Unlock()
}

func newTestQueue(t *testing.T) (*Service, *fakeSender, *fakePacer, storage.Store) {
	t.Helper()
	store, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	sender := &fakeSender{}
	pacer := &fakePacer{}
	s := New(Config{Workers: 2, PollInterval: 10 * time.Millisecond}, store, sender, pacer, eventbus.New(), logx.Nop())
	return s, sender, pacer, store
}

func seedJob(t *testing.T, store storage.Store, s *Service, recipients []string, maxAttempts int) storage.JobRecord {
	t.Helper()
	payload, _ := json.Marshal(automation.Payload{Text: "hello"})
	rcpts, _ := json.Marshal(recipients)
	rec := storage.JobRecord{
		ID:           "job-1",
		ConnectionID: "conn-1",
		Payload:      string(payload),
		Recipients:   string(rcpts),
		Priority:     string(PriorityHigh),
		State:        StateQueued,
		MaxAttempts:  maxAttempts,
		ScheduledAt:  s.now(),
		CreatedAt:    s.now(),
	}
	if err := store.CreateJob(context.Background(), rec); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	return rec
}

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()
	s, _, _, _ := newTestQueue(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		payload    automation.Payload
		recipients []string
		priority   Priority
	}{
		{"empty payload", automation.Payload{}, []string{"12345678"}, PriorityNormal},
		{"no valid recipients", automation.Payload{Text: "x"}, []string{"bob", "++12"}, PriorityNormal},
		{"unknown priority", automation.Payload{Text: "x"}, []string{"12345678"}, Priority("urgent")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Enqueue(ctx, "conn-1", tt.payload, tt.recipients, tt.priority)
			if apperr.CodeOf(err) != apperr.CodeValidation {
				t.Fatalf("err = %v, want VALIDATION_ERROR", err)
			}
		})
	}
}

func TestEnqueueAcceptsAndEstimates(t *testing.T) {
	t.Parallel()
	s, _, _, store := newTestQueue(t)
	ctx := context.Background()
	fixed := time.Now()
	s.now = func() time.Time { return fixed }

	res, err := s.Enqueue(ctx, "conn-1", automation.Payload{Text: "hi"}, []string{"12345678", "not-a-number"}, PriorityNormal)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if res.JobID == "" {
		t.Fatal("missing job id")
	}
	// Empty queue: the estimate is "now".
	if !res.EstimatedSendTime.Equal(fixed) {
		t.Fatalf("estimate = %v, want %v", res.EstimatedSendTime, fixed)
	}

	rec, err := store.GetJob(ctx, res.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	var rcpts []string
	if err := json.Unmarshal([]byte(rec.Recipients), &rcpts); err != nil {
		t.Fatalf("recipients: %v", err)
	}
	// The invalid recipient was filtered at the door.
	if len(rcpts) != 1 || rcpts[0] != "12345678" {
		t.Fatalf("stored recipients = %v", rcpts)
	}
	if rec.MaxAttempts != 3 {
		t.Fatalf("max attempts = %d, want 3 (from connection settings)", rec.MaxAttempts)
	}

	// Second job for the same connection queues behind the first.
	res2, err := s.Enqueue(ctx, "conn-1", automation.Payload{Text: "hi"}, []string{"22345678"}, PriorityNormal)
	if err != nil {
		t.Fatalf("enqueue second: %v", err)
	}
	if !res2.EstimatedSendTime.After(fixed) {
		t.Fatalf("second estimate = %v, want after %v", res2.EstimatedSendTime, fixed)
	}
}

func TestPauseBlocksEnqueue(t *testing.T) {
	t.Parallel()
	s, _, pacer, _ := newTestQueue(t)
	ctx := context.Background()

	s.Pause("conn-1")
	s.Pause("conn-1") // idempotent
	if !s.IsPaused("conn-1") {
		t.Fatal("pause flag not set")
	}
	_, err := s.Enqueue(ctx, "conn-1", automation.Payload{Text: "hi"}, []string{"12345678"}, PriorityNormal)
	if apperr.CodeOf(err) != apperr.CodeQueuePaused {
		t.Fatalf("err = %v, want QUEUE_PAUSED", err)
	}

	s.Resume("conn-1")
	s.Resume("conn-1")
	if s.IsPaused("conn-1") {
		t.Fatal("pause flag still set after resume")
	}
	if pacer.resumes == 0 {
		t.Fatal("resume did not clear pacer state")
	}
	if _, err := s.Enqueue(ctx, "conn-1", automation.Payload{Text: "hi"}, []string{"12345678"}, PriorityNormal); err != nil {
		t.Fatalf("enqueue after resume: %v", err)
	}
}

func TestExecJobCompletes(t *testing.T) {
	t.Parallel()
	s, sender, pacer, store := newTestQueue(t)
	ctx := context.Background()
	rec := seedJob(t, store, s, []string{"12345678"}, 3)

	s.execJob(ctx, rec)

	got, err := store.GetJob(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != StateCompleted {
		t.Fatalf("state = %q, want completed", got.State)
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", got.Attempts)
	}
	if got.CompletedAt.IsZero() {
		t.Fatal("completed_at not set")
	}
	if sender.delivered != 1 {
		t.Fatalf("delivered = %d, want 1", sender.delivered)
	}
	if pacer.records != 1 {
		t.Fatalf("pacer records = %d, want 1", pacer.records)
	}
}

func TestTransientFailureRequeuesRemaining(t *testing.T) {
	t.Parallel()
	s, sender, _, store := newTestQueue(t)
	ctx := context.Background()
	rec := seedJob(t, store, s, []string{"12345678", "22345678", "32345678"}, 3)

	// First recipient succeeds, the second hits a transient fault.
	sender.script = []error{nil, errors.New("socket reset")}

	s.execJob(ctx, rec)

	got, err := store.GetJob(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != StateQueued {
		t.Fatalf("state = %q, want queued", got.State)
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", got.Attempts)
	}
	var remaining []string
	if err := json.Unmarshal([]byte(got.Recipients), &remaining); err != nil {
		t.Fatalf("recipients: %v", err)
	}
	// The delivered recipient is not retried; the failed one is.
	if len(remaining) != 2 || remaining[0] != "22345678" {
		t.Fatalf("remaining = %v", remaining)
	}
	if !got.ScheduledAt.After(s.now()) {
		t.Fatalf("retry not delayed: scheduled at %v", got.ScheduledAt)
	}
	if sender.sentCount() != 1 {
		t.Fatalf("sent = %d, want 1", sender.sentCount())
	}
}

func TestTransientRetriesExhaust(t *testing.T) {
	t.Parallel()
	s, sender, _, store := newTestQueue(t)
	ctx := context.Background()
	rec := seedJob(t, store, s, []string{"12345678"}, 2)

	sender.script = []error{errors.New("down"), errors.New("down")}

	s.execJob(ctx, rec)
	got, _ := store.GetJob(ctx, rec.ID)
	if got.State != StateQueued || got.Attempts != 1 {
		t.Fatalf("after attempt 1: state=%q attempts=%d", got.State, got.Attempts)
	}

	s.execJob(ctx, got)
	got, _ = store.GetJob(ctx, rec.ID)
	if got.State != StateFailed {
		t.Fatalf("after attempt 2: state = %q, want failed", got.State)
	}
	if got.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", got.Attempts)
	}
	if !strings.Contains(got.LastError, "retries exhausted") {
		t.Fatalf("last error = %q", got.LastError)
	}
}

func TestPermanentFailureIsTerminal(t *testing.T) {
	t.Parallel()
	s, sender, _, store := newTestQueue(t)
	ctx := context.Background()
	rec := seedJob(t, store, s, []string{"12345678"}, 3)

	sender.script = []error{apperr.New(apperr.CodeValidation, "recipient refused")}

	s.execJob(ctx, rec)
	got, _ := store.GetJob(ctx, rec.ID)
	if got.State != StateFailed {
		t.Fatalf("state = %q, want failed", got.State)
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (no retries for permanent errors)", got.Attempts)
	}
}

func TestRateLimitedJobFails(t *testing.T) {
	t.Parallel()
	s, sender, pacer, store := newTestQueue(t)
	ctx := context.Background()
	rec := seedJob(t, store, s, []string{"12345678"}, 3)

	pacer.blocked = true
	s.execJob(ctx, rec)

	got, _ := store.GetJob(ctx, rec.ID)
	if got.State != StateFailed {
		t.Fatalf("state = %q, want failed", got.State)
	}
	if sender.sentCount() != 0 {
		t.Fatal("send attempted past the cap")
	}
}

func TestBlockedConnectionParksJob(t *testing.T) {
	t.Parallel()
	s, sender, _, store := newTestQueue(t)
	ctx := context.Background()
	rec := seedJob(t, store, s, []string{"12345678"}, 3)

	sender.status = connection.StatusBlocked
	sender.script = []error{apperr.New(apperr.CodeConnNotReady, "connection is blocked")}

	s.execJob(ctx, rec)
	got, _ := store.GetJob(ctx, rec.ID)
	if got.State != StateBlocked {
		t.Fatalf("state = %q, want blocked", got.State)
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"plain error", errors.New("timeout"), true},
		{"automation wrap", apperr.New(apperr.CodeAutomation, "client hiccup"), true},
		{"storage", apperr.New(apperr.CodeStorage, "db locked"), true},
		{"validation", apperr.New(apperr.CodeValidation, "bad"), false},
		{"conn not ready", apperr.New(apperr.CodeConnNotReady, "down"), false},
		{"rate limited", apperr.New(apperr.CodeRateLimited, "cap"), false},
		{"permanent", apperr.New(apperr.CodePermanentSend, "no"), false},
		{"not found", apperr.New(apperr.CodeNotFound, "gone"), false},
	}
	for _, tt := range tests {
		if got := isTransient(tt.err); got != tt.want {
			t.Errorf("%s: isTransient = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestRetryDelaySchedule(t *testing.T) {
	t.Parallel()
	s, _, _, _ := newTestQueue(t)

	table := s.cfg.RetrySchedule
	jitter := s.cfg.RetryJitter
	for attempt := 1; attempt <= len(table)+2; attempt++ {
		idx := attempt - 1
		if idx >= len(table) {
			idx = len(table) - 1 // clamps to the last entry
		}
		base := table[idx]
		lo := time.Duration(float64(base) * (1 - jitter))
		hi := time.Duration(float64(base) * (1 + jitter))
		got := s.retryDelay(attempt)
		if got < lo || got > hi {
			t.Errorf("attempt %d: delay %v outside [%v, %v]", attempt, got, lo, hi)
		}
	}
}

func TestValidRecipient(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want bool
	}{
		{"12345678", true},
		{"+4915112345678", true},
		{" 12345678 ", true},
		{"123456", false},  // too short
		{"1234567890123456", false}, // too long
		{"+49 151 1234", false},
		{"bob", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ValidRecipient(tt.in); got != tt.want {
			t.Errorf("ValidRecipient(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRequeueOrphans(t *testing.T) {
	t.Parallel()
	s, _, _, store := newTestQueue(t)
	ctx := context.Background()

	rec := seedJob(t, store, s, []string{"12345678"}, 3)
	rec.State = StateActive
	if err := store.UpdateJob(ctx, rec); err != nil {
		t.Fatalf("update: %v", err)
	}

	s.requeueOrphans(ctx)

	got, _ := store.GetJob(ctx, rec.ID)
	if got.State != StateQueued {
		t.Fatalf("state = %q, want queued", got.State)
	}
}

func TestQueueRunsEndToEnd(t *testing.T) {
	t.Parallel()
	s, sender, _, store := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	defer s.Stop(context.Background())

	res, err := s.Enqueue(ctx, "conn-1", automation.Payload{Text: "hi"}, []string{"12345678"}, PriorityHigh)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, gerr := store.GetJob(ctx, res.JobID)
		if gerr == nil && got.State == StateCompleted {
			if sender.sentCount() != 1 {
				t.Fatalf("sent = %d, want 1", sender.sentCount())
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	got, _ := store.GetJob(ctx, res.JobID)
	t.Fatalf("job never completed (state %q)", got.State)
}

func TestClearFailedRemovesOnlyFailed(t *testing.T) {
	t.Parallel()
	s, _, _, store := newTestQueue(t)
	ctx := context.Background()

	queued := seedJob(t, store, s, []string{"12345678"}, 3)
	failed := queued
	failed.ID = "job-2"
	failed.State = StateFailed
	if err := store.CreateJob(ctx, failed); err != nil {
		t.Fatalf("seed failed job: %v", err)
	}

	n, err := s.ClearFailed(ctx, "conn-1")
	if err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("cleared = %d, want 1", n)
	}
	if _, err := store.GetJob(ctx, queued.ID); err != nil {
		t.Fatalf("queued job removed: %v", err)
	}
	if _, err := store.GetJob(ctx, failed.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("failed job still present (err %v)", err)
	}
}

func TestRestartReleasesHeldRunGates(t *testing.T) {
	t.Parallel()
	s, sender, _, store := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	s.Stop(context.Background())

	// A job claimed into the worker channel right before Stop is left
	// "active" with its gate acquired and no worker alive to release it.
	rec := seedJob(t, store, s, []string{"12345678"}, 3)
	rec.State = StateActive
	if err := store.UpdateJob(ctx, rec); err != nil {
		t.Fatalf("claim job: %v", err)
	}
	if !s.gateFor(rec.ConnectionID).tryAcquire() {
		t.Fatal("gate unexpectedly held")
	}

	s.Start(ctx)
	defer s.Stop(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.GetJob(ctx, rec.ID)
		if err == nil && got.State == StateCompleted {
			if sender.sentCount() != 1 {
				t.Fatalf("sent = %d, want 1", sender.sentCount())
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	got, _ := store.GetJob(ctx, rec.ID)
	t.Fatalf("job never dispatched after restart (state %q)", got.State)
}
