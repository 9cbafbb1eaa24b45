// Package queue is the job store component: admission, atomic dequeue,
// progress and outcome bookkeeping, retry scheduling and cancellation on
// top of a store.Repository.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"kwenrich/internal/config"
	"kwenrich/internal/enrichment"
	"kwenrich/internal/events"
	"kwenrich/internal/jobs"
	"kwenrich/internal/metrics"
	"kwenrich/internal/recovery"
	"kwenrich/internal/store"
)

var (
	// ErrQueueFull is returned by Enqueue when in-flight jobs reach the
	// configured capacity.
	ErrQueueFull = store.ErrCapacity
	// ErrJobFinalized is returned for writes against a terminal job.
	ErrJobFinalized = store.ErrFinalized
	// ErrLockLost is returned when a worker writes to a job that is no
	// longer locked by it.
	ErrLockLost = store.ErrLockLost
)

// staleLockGrace is the minimum gap between a job's deadline and the age
// at which its lock counts as stale.
const staleLockGrace = time.Minute

// ValidationError reports an invalid submission.
type ValidationError = jobs.ValidationError

// Receipt is returned to the submitter.
type Receipt struct {
	JobID uuid.UUID `json:"jobId"`
	// Position is the advisory number of eligible jobs ahead of this one at
	// submission time. Concurrent submissions can make it stale.
	Position            int64     `json:"queuePosition"`
	EstimatedCompletion time.Time `json:"estimatedCompletion"`
}

// ProgressUpdate carries the progress fields to change; nil fields are
// left as they are.
type ProgressUpdate struct {
	Total       *int
	Processed   *int
	Successful  *int
	Failed      *int
	Skipped     *int
	CurrentItem *string
}

// Queue is safe for concurrent use by many workers.
type Queue struct {
	repo      store.Repository
	cfg       config.QueueConfig
	retention config.RetentionConfig
	logger    *slog.Logger
	events    events.Emitter
	now       func() time.Time

	paused atomic.Bool
	wake   chan struct{}

	mu      sync.Mutex
	stop    context.CancelFunc
	stopped chan struct{}
}

// Option customises a Queue.
type Option func(*Queue)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithEvents sends lifecycle events to e.
func WithEvents(e events.Emitter) Option {
	return func(q *Queue) { q.events = e }
}

// WithRetention enables the retention sweep in Start.
func WithRetention(r config.RetentionConfig) Option {
	return func(q *Queue) { q.retention = r }
}

// New constructs a Queue over repo.
func New(repo store.Repository, cfg config.QueueConfig, logger *slog.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	q := &Queue{
		repo:   repo,
		cfg:    cfg,
		logger: logger,
		events: events.Discard,
		now:    time.Now,
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) emit(t events.Type, jobID uuid.UUID, data map[string]any) {
	e := events.Event{Type: t, At: q.now().UTC(), Data: data}
	if jobID != uuid.Nil {
		e.JobID = jobID.String()
	}
	q.events.Emit(e)
}

// Wake is signalled after every successful Enqueue and Resume so idle
// workers can dequeue without waiting for their poll interval.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue validates spec, applies defaults and persists a queued job.
func (q *Queue) Enqueue(ctx context.Context, ownerID string, spec jobs.Spec, scheduledFor *time.Time) (Receipt, error) {
	if err := spec.Validate(q.cfg.MaxBulkKeywords); err != nil {
		return Receipt{}, err
	}
	cfg := q.withDefaults(spec.Config)
	if limit := q.cfg.StaleLockAfter() - staleLockGrace; limit > 0 && cfg.Timeout() > limit {
		return Receipt{}, &ValidationError{Problems: []string{
			fmt.Sprintf("config.timeoutMs must not exceed %d", limit.Milliseconds()),
		}}
	}

	now := q.now().UTC()
	job := &jobs.Job{
		ID:        jobs.NewID(),
		OwnerID:   ownerID,
		Type:      spec.Type,
		Status:    jobs.StatusQueued,
		Priority:  spec.Priority,
		Payload:   normalizePayload(spec.Payload),
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if job.Priority == 0 {
		job.Priority = jobs.PriorityNormal
	}
	job.Progress.Total = len(job.Items())
	if scheduledFor != nil && scheduledFor.After(now) {
		t := scheduledFor.UTC()
		job.ScheduledFor = &t
	}

	if err := q.repo.InsertJobBounded(ctx, job, int64(q.cfg.MaxQueueSize)); err != nil {
		return Receipt{}, err
	}

	ahead, err := q.repo.CountAhead(ctx, job)
	if err != nil {
		q.logger.Warn("queue_position_failed", "job_id", job.ID, "error", err)
	}
	start := now
	if job.ScheduledFor != nil {
		start = *job.ScheduledFor
	}
	avg := q.averageDuration(ctx, now)
	receipt := Receipt{
		JobID:               job.ID,
		Position:            ahead,
		EstimatedCompletion: start.Add(time.Duration(ahead+1) * avg),
	}

	metrics.RecordJobEnqueued(string(job.Type))
	q.logger.Info("job_enqueued",
		"job_id", job.ID,
		"owner_id", ownerID,
		"type", job.Type,
		"priority", job.Priority.String(),
		"items", job.Progress.Total,
		"position", ahead,
	)
	q.emit(events.JobCreated, job.ID, map[string]any{
		"type":     string(job.Type),
		"priority": job.Priority.String(),
		"position": ahead,
	})
	q.signal()
	return receipt, nil
}

func (q *Queue) withDefaults(c jobs.Config) jobs.Config {
	if c.BatchSize <= 0 {
		c.BatchSize = q.cfg.DefaultBatchSize
	}
	if c.MaxRetries == nil {
		c.MaxRetries = jobs.Retries(q.cfg.DefaultMaxRetries)
	}
	if c.RetryBaseDelayMs <= 0 {
		c.RetryBaseDelayMs = int64(q.cfg.RetryBaseDelayMs)
	}
	if c.TimeoutMs <= 0 {
		c.TimeoutMs = int64(q.cfg.DefaultTimeoutMs)
	}
	return c
}

func normalizePayload(p jobs.Payload) jobs.Payload {
	out := jobs.Payload{}
	if p.Keyword != nil {
		k := p.Keyword.Normalize()
		out.Keyword = &k
	}
	if len(p.Keywords) > 0 {
		out.Keywords = make([]enrichment.Keyword, len(p.Keywords))
		for i, k := range p.Keywords {
			out.Keywords[i] = k.Normalize()
		}
	}
	if p.Filter != nil {
		f := *p.Filter
		out.Filter = &f
	}
	return out
}

// averageDuration is the mean processing time over the last hour, or the
// configured estimate when there is no history.
func (q *Queue) averageDuration(ctx context.Context, now time.Time) time.Duration {
	sum, err := q.repo.ProcessingSummary(ctx, now.Add(-time.Hour))
	if err == nil && sum.AvgDuration > 0 {
		return sum.AvgDuration
	}
	return q.cfg.AvgJobDuration()
}

// Dequeue claims the next eligible job for workerID. It returns nil when
// nothing is due or the queue is paused.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*jobs.Job, error) {
	if q.paused.Load() {
		return nil, nil
	}
	job, err := q.repo.ClaimNextJob(ctx, workerID, q.now())
	if err != nil || job == nil {
		return nil, err
	}

	q.logger.Info("job_started", "job_id", job.ID, "worker_id", workerID, "type", job.Type, "retry_count", job.RetryCount)
	q.emit(events.JobStarted, job.ID, map[string]any{"workerId": workerID})
	return job, nil
}

// Get returns a job by id; store.ErrNotFound when absent.
func (q *Queue) Get(ctx context.Context, id uuid.UUID) (*jobs.Job, error) {
	return q.repo.GetJob(ctx, id)
}

// IsCancelled reports whether the job was cancelled. Workers call it
// between items and batches. A deleted job counts as cancelled.
func (q *Queue) IsCancelled(ctx context.Context, id uuid.UUID) (bool, error) {
	job, err := q.repo.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return job.Status == jobs.StatusCancelled, nil
}

// UpdateProgress merges upd into the job's progress and recomputes the
// average item time and ETA from the current attempt's elapsed time. Only
// the worker holding the lock may write; an empty workerID skips that
// check.
func (q *Queue) UpdateProgress(ctx context.Context, id uuid.UUID, workerID string, upd ProgressUpdate) (jobs.Progress, error) {
	job, err := q.held(ctx, id, workerID)
	if err != nil {
		if job != nil {
			return job.Progress, err
		}
		return jobs.Progress{}, err
	}

	now := q.now().UTC()
	p := job.Progress
	setIf(&p.Total, upd.Total)
	setIf(&p.Processed, upd.Processed)
	setIf(&p.Successful, upd.Successful)
	setIf(&p.Failed, upd.Failed)
	setIf(&p.Skipped, upd.Skipped)
	if upd.CurrentItem != nil {
		p.CurrentItem = *upd.CurrentItem
	}

	started := job.LockedAt
	if started == nil {
		started = job.StartedAt
	}
	if started == nil {
		started = &now
	}
	if p.StartedAt == nil || p.StartedAt.Before(*started) {
		s := *started
		p.StartedAt = &s
	}
	p.AvgItemMs = 0
	p.ETA = nil
	if p.Processed > 0 {
		elapsed := now.Sub(*p.StartedAt)
		p.AvgItemMs = float64(elapsed.Milliseconds()) / float64(p.Processed)
		remaining := p.Total - p.Processed
		if remaining < 0 {
			remaining = 0
		}
		eta := now.Add(time.Duration(p.AvgItemMs*float64(remaining)) * time.Millisecond)
		p.ETA = &eta
	}

	if err := q.repo.UpdateProgress(ctx, id, workerID, p, now); err != nil {
		return job.Progress, err
	}

	q.emit(events.JobProgress, id, map[string]any{
		"total":      p.Total,
		"processed":  p.Processed,
		"successful": p.Successful,
		"failed":     p.Failed,
		"skipped":    p.Skipped,
	})
	return p, nil
}

func setIf(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

// held loads the job and checks that workerID may still write to it.
func (q *Queue) held(ctx context.Context, id uuid.UUID, workerID string) (*jobs.Job, error) {
	job, err := q.repo.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return job, ErrJobFinalized
	}
	if workerID != "" && (job.Status != jobs.StatusProcessing || job.WorkerID != workerID) {
		return job, ErrLockLost
	}
	return job, nil
}

// Complete stores result and marks the job completed.
func (q *Queue) Complete(ctx context.Context, id uuid.UUID, workerID string, result *jobs.Result) error {
	job, err := q.held(ctx, id, workerID)
	if err != nil {
		return err
	}

	now := q.now().UTC()
	if err := q.repo.CompleteJob(ctx, id, workerID, result, now); err != nil {
		return err
	}

	durationMs := attemptDuration(job, now).Milliseconds()
	metrics.RecordJobFinished(string(job.Type), string(jobs.StatusCompleted), durationMs)
	data := map[string]any{"durationMs": durationMs}
	if result != nil {
		data["total"] = result.Total
		data["successful"] = result.Successful
		data["failed"] = result.Failed
		data["skipped"] = result.Skipped
	}
	q.logger.Info("job_completed", "job_id", id, "type", job.Type, "duration_ms", durationMs)
	q.emit(events.JobCompleted, id, data)
	return nil
}

// Fail records rec on the job. With shouldRetry, a retryable category and
// budget left the job moves to retrying with an exponential delay;
// otherwise it fails terminally. The resulting status is returned.
func (q *Queue) Fail(ctx context.Context, id uuid.UUID, workerID string, rec recovery.ErrorRecord, shouldRetry bool) (jobs.Status, error) {
	job, err := q.held(ctx, id, workerID)
	if err != nil {
		if job != nil {
			return job.Status, err
		}
		return "", err
	}

	now := q.now().UTC()
	info := jobs.ErrorInfoFrom(rec, now)

	if shouldRetry && !recovery.IsFailFast(rec.Category) && job.RetryCount < job.Config.RetryLimit() {
		delay := q.RetryDelay(job.Config, job.RetryCount)
		next := now.Add(delay)
		if err := q.repo.RetryJob(ctx, id, workerID, info, next, now); err != nil {
			return "", err
		}
		metrics.RecordJobRetry(string(job.Type))
		q.logger.Warn("job_retry_scheduled",
			"job_id", id,
			"category", rec.Category,
			"retry_count", job.RetryCount+1,
			"max_retries", job.Config.RetryLimit(),
			"delay_ms", delay.Milliseconds(),
			"error", rec.Message,
		)
		q.emit(events.JobRetrying, id, map[string]any{
			"retryCount":  job.RetryCount + 1,
			"nextRetryAt": next,
			"category":    string(rec.Category),
		})
		return jobs.StatusRetrying, nil
	}

	if err := q.repo.FailJob(ctx, id, workerID, info, now); err != nil {
		return "", err
	}
	metrics.RecordJobFinished(string(job.Type), string(jobs.StatusFailed), attemptDuration(job, now).Milliseconds())
	q.logger.Error("job_failed",
		"job_id", id,
		"category", rec.Category,
		"retry_count", job.RetryCount,
		"error", rec.Message,
	)
	q.emit(events.JobFailed, id, map[string]any{
		"category": string(rec.Category),
		"message":  rec.Message,
	})
	return jobs.StatusFailed, nil
}

// RetryDelay is the delay before retry number retryCount+1:
// base * multiplier^retryCount, capped at the configured maximum.
func (q *Queue) RetryDelay(c jobs.Config, retryCount int) time.Duration {
	base := c.RetryBaseDelay()
	if base <= 0 {
		base = q.cfg.RetryBaseDelay()
	}
	return recovery.BackoffDelay(base, q.cfg.RetryMultiplier, retryCount, q.cfg.RetryMaxDelay())
}

func attemptDuration(job *jobs.Job, now time.Time) time.Duration {
	switch {
	case job.LockedAt != nil:
		return now.Sub(*job.LockedAt)
	case job.StartedAt != nil:
		return now.Sub(*job.StartedAt)
	}
	return 0
}

// Cancel cancels a queued, processing or retrying job. An empty ownerID
// skips the ownership check. A processing job keeps its recorded item
// results; its worker stops at the next cancellation check.
func (q *Queue) Cancel(ctx context.Context, id uuid.UUID, ownerID string) (int64, error) {
	n, err := q.repo.CancelJob(ctx, id, ownerID, q.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Info("job_cancelled", "job_id", id, "owner_id", ownerID)
		q.emit(events.JobCancelled, id, nil)
	}
	return n, nil
}

// Pause stops Dequeue from handing out jobs. Running jobs are unaffected.
func (q *Queue) Pause(reason string) {
	if q.paused.CompareAndSwap(false, true) {
		q.logger.Warn("queue_paused", "reason", reason)
		q.emit(events.QueuePaused, uuid.Nil, map[string]any{"reason": reason})
	}
}

// Resume lifts a pause.
func (q *Queue) Resume() {
	if q.paused.CompareAndSwap(true, false) {
		q.logger.Info("queue_resumed")
		q.emit(events.QueueResumed, uuid.Nil, nil)
		q.signal()
	}
}

func (q *Queue) Paused() bool {
	return q.paused.Load()
}

// Cleanup deletes completed and cancelled jobs older than olderThanDays.
func (q *Queue) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		return 0, fmt.Errorf("olderThanDays must be positive, got %d", olderThanDays)
	}
	n, err := q.repo.DeleteFinished(ctx, store.DeleteFilter{
		Statuses: []jobs.Status{jobs.StatusCompleted, jobs.StatusCancelled},
		Before:   q.now().UTC().AddDate(0, 0, -olderThanDays),
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.RecordRetentionJobs("all", n)
	}
	q.logger.Info("queue_cleanup", "older_than_days", olderThanDays, "deleted", n)
	return n, nil
}

func inFlight(counts map[jobs.Status]int64) int64 {
	var n int64
	for _, s := range jobs.InFlightStatuses {
		n += counts[s]
	}
	return n
}
