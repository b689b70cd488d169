package delivery

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"chatgate/internal/apperr"
	"chatgate/internal/automation"
	"chatgate/internal/connection"
	"chatgate/internal/eventbus"
	"chatgate/internal/storage"
	logx "chatgate/pkg/logx"
)

// dispatcher polls the store for runnable jobs and hands them to workers.
// A job is only dispatched when its connection's run gate is free, so jobs
// for one connection execute strictly one at a time.
func (s *Service) dispatcher(ctx context.Context, stopCh <-chan struct{}, queue chan<- storage.JobRecord) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
		}

		jobs, err := s.store.ListRunnableJobs(ctx, s.now(), s.cfg.Workers*2)
		if err != nil {
			s.log.Warn("job poll failed", logx.Err(err))
			continue
		}
		for _, rec := range jobs {
			s.mu.Lock()
			paused := s.paused[rec.ConnectionID]
			s.mu.Unlock()
			if paused {
				continue
			}
			gate := s.gateFor(rec.ConnectionID)
			if !gate.tryAcquire() {
				continue
			}

			rec.State = StateActive
			if err := s.store.UpdateJob(ctx, rec); err != nil {
				gate.release()
				s.log.Warn("job claim failed", logx.String("job", rec.ID), logx.Err(err))
				continue
			}

			select {
			case queue <- rec:
			default:
				// Workers saturated; put the job back for the next tick.
				rec.State = StateQueued
				_ = s.store.UpdateJob(ctx, rec)
				gate.release()
			}
		}
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan storage.JobRecord) {
	for {
		// fast-exit so stop wins over queued work
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case rec := <-queue:
			s.execJob(ctx, rec)
			s.gateFor(rec.ConnectionID).release()
		}
	}
}

// execJob runs one delivery attempt: recipients strictly sequential with
// priority pacing in between. Transient failures requeue the job with the
// remaining recipients; permanent failures are terminal.
func (s *Service) execJob(ctx context.Context, rec storage.JobRecord) {
	start := s.now()

	var payload automation.Payload
	if err := json.Unmarshal([]byte(rec.Payload), &payload); err != nil {
		s.failJob(ctx, rec, 0, apperr.Wrap(apperr.CodePermanentSend, "decode payload", err))
		return
	}
	var recipients []string
	if err := json.Unmarshal([]byte(rec.Recipients), &recipients); err != nil || len(recipients) == 0 {
		s.failJob(ctx, rec, 0, apperr.New(apperr.CodePermanentSend, "no recipients"))
		return
	}

	rec.Attempts++
	if err := s.store.UpdateJob(ctx, rec); err != nil {
		s.log.Warn("attempt bump failed", logx.String("job", rec.ID), logx.Err(err))
	}
	s.publish(eventbus.TypeJobStarted, rec, len(recipients), "")
	s.log.Debug("job started",
		logx.String("job", rec.ID), logx.String("connection", rec.ConnectionID),
		logx.Int("attempt", rec.Attempts), logx.Int("recipients", len(recipients)))

	priority, _ := ParsePriority(rec.Priority)
	pacing := priority.PacingDelay()

	for i, rcpt := range recipients {
		if ctx.Err() != nil {
			// Shutdown mid-job: leave it active, orphan requeue picks it up.
			return
		}

		if s.pacer != nil && !s.pacer.CanSend(rec.ConnectionID) {
			s.failJob(ctx, rec, len(recipients), apperr.Newf(apperr.CodeRateLimited, "send cap reached for %q", rec.ConnectionID))
			return
		}

		_, err := s.sender.Send(ctx, rec.ConnectionID, rcpt, payload)
		if err != nil {
			s.handleSendError(ctx, rec, recipients[i:], err)
			return
		}
		if s.pacer != nil {
			s.pacer.RecordSend(rec.ConnectionID)
		}

		if i < len(recipients)-1 {
			if !sleepCtx(ctx, pacing) {
				return
			}
		}
	}

	rec.State = StateCompleted
	rec.CompletedAt = s.now()
	rec.LastError = ""
	if err := s.store.UpdateJob(ctx, rec); err != nil {
		s.log.Warn("job completion write failed", logx.String("job", rec.ID), logx.Err(err))
	}
	s.sender.RecordDelivered(rec.ConnectionID, int64(len(recipients)))
	s.publish(eventbus.TypeJobCompleted, rec, len(recipients), "")
	s.log.Info("job completed",
		logx.String("job", rec.ID), logx.String("connection", rec.ConnectionID),
		logx.Int("recipients", len(recipients)), logx.Duration("dur", s.now().Sub(start)))
}

func (s *Service) handleSendError(ctx context.Context, rec storage.JobRecord, remaining []string, err error) {
	if isTransient(err) {
		if rec.Attempts < rec.MaxAttempts {
			delay := s.retryDelay(rec.Attempts)
			rec.State = StateQueued
			rec.ScheduledAt = s.now().Add(delay)
			rec.LastError = apperr.MessageOf(err)
			if b, merr := json.Marshal(remaining); merr == nil {
				// Retry resumes with the recipients that didn't get the message.
				rec.Recipients = string(b)
			}
			if uerr := s.store.UpdateJob(ctx, rec); uerr != nil {
				s.log.Warn("job requeue failed", logx.String("job", rec.ID), logx.Err(uerr))
			}
			s.publish(eventbus.TypeJobQueued, rec, len(remaining), rec.LastError)
			s.log.Warn("job send failed, retry scheduled",
				logx.String("job", rec.ID), logx.String("connection", rec.ConnectionID),
				logx.Int("attempt", rec.Attempts), logx.Duration("delay", delay), logx.Err(err))
			return
		}
		s.failJob(ctx, rec, len(remaining), apperr.Wrap(apperr.CodePermanentSend, "retries exhausted", err))
		return
	}

	// Permanent. Jobs on a blocked connection park in "blocked" instead of
	// burning as failures.
	if apperr.CodeOf(err) == apperr.CodeConnNotReady && s.connectionBlocked(rec.ConnectionID) {
		rec.State = StateBlocked
		rec.LastError = apperr.MessageOf(err)
		if uerr := s.store.UpdateJob(ctx, rec); uerr != nil {
			s.log.Warn("job block write failed", logx.String("job", rec.ID), logx.Err(uerr))
		}
		s.publish(eventbus.TypeJobFailed, rec, len(remaining), rec.LastError)
		return
	}
	s.failJob(ctx, rec, len(remaining), err)
}

func (s *Service) connectionBlocked(connectionID string) bool {
	type statuser interface {
		StatusFor(id string) (connection.Status, error)
	}
	if st, ok := s.sender.(statuser); ok {
		status, err := st.StatusFor(connectionID)
		return err == nil && status == connection.StatusBlocked
	}
	return false
}

// failJob marks the job terminally failed. Terminal means terminal: the
// dispatcher never selects failed jobs and nothing flips them back.
func (s *Service) failJob(ctx context.Context, rec storage.JobRecord, recipients int, err error) {
	rec.State = StateFailed
	rec.CompletedAt = s.now()
	rec.LastError = apperr.MessageOf(err)
	if uerr := s.store.UpdateJob(ctx, rec); uerr != nil {
		s.log.Warn("job failure write failed", logx.String("job", rec.ID), logx.Err(uerr))
	}
	s.publish(eventbus.TypeJobFailed, rec, recipients, rec.LastError)
	s.log.Warn("job failed",
		logx.String("job", rec.ID), logx.String("connection", rec.ConnectionID),
		logx.Int("attempts", rec.Attempts), logx.Err(err))
}

// isTransient classifies an error per the retry policy: validation,
// connection-not-ready, rate-limit and explicit permanent errors never
// retry; everything else (network, timeouts, client hiccups) does.
func isTransient(err error) bool {
	switch apperr.CodeOf(err) {
	case apperr.CodeValidation, apperr.CodeConnNotReady, apperr.CodeRateLimited, apperr.CodePermanentSend, apperr.CodeNotFound:
		return false
	}
	return true
}

// retryDelay picks from the progressive schedule with +/- jitter so retry
// storms across jobs don't synchronize.
func (s *Service) retryDelay(attempt int) time.Duration {
	table := s.cfg.RetrySchedule
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(table) {
		idx = len(table) - 1
	}
	d := table[idx]
	j := s.cfg.RetryJitter
	if j > 0 {
		r := (rand.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	tmr := time.NewTimer(d)
	select {
	case <-ctx.Done():
		if !tmr.Stop() {
			<-tmr.C
		}
		return false
	case <-tmr.C:
		return true
	}
}
