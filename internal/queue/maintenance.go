package queue

import (
	"context"
	"time"

	"kwenrich/internal/jobs"
	"kwenrich/internal/metrics"
	"kwenrich/internal/store"
)

// RetentionStats captures the number of jobs deleted by TTL cleanup.
type RetentionStats struct {
	JobsDeleted map[string]int64 `json:"jobsDeleted"`
}

// CleanupExpiredJobs deletes finished jobs per type based on retention
// settings so that the jobs table does not grow without bound.
func (q *Queue) CleanupExpiredJobs(ctx context.Context) RetentionStats {
	now := q.now().UTC()
	stats := RetentionStats{JobsDeleted: make(map[string]int64)}
	ttl := q.retention.Jobs

	effectiveDays := func(specific int) int {
		if specific > 0 {
			return specific
		}
		return ttl.DefaultDays
	}

	apply := func(jobType jobs.Type, days int) {
		if days <= 0 {
			return
		}
		n, err := q.repo.DeleteFinished(ctx, store.DeleteFilter{
			Type:     jobType,
			Statuses: []jobs.Status{jobs.StatusCompleted, jobs.StatusFailed, jobs.StatusCancelled},
			Before:   now.AddDate(0, 0, -days),
		})
		if err != nil {
			q.logger.Error("retention_cleanup_failed", "type", jobType, "error", err)
			return
		}
		if n > 0 {
			stats.JobsDeleted[string(jobType)] += n
			metrics.RecordRetentionJobs(string(jobType), n)
		}
	}

	apply(jobs.TypeSingleItem, effectiveDays(ttl.SingleDays))
	apply(jobs.TypeBulkBatch, effectiveDays(ttl.BulkDays))
	apply(jobs.TypeRefreshSweep, effectiveDays(ttl.SweepDays))

	return stats
}

// ReleaseStaleLocks requeues processing jobs whose lock is older than the
// configured threshold, which happens when a worker dies mid-job.
func (q *Queue) ReleaseStaleLocks(ctx context.Context) (int64, error) {
	now := q.now().UTC()
	n, err := q.repo.ReleaseStaleLocks(ctx, now.Add(-q.cfg.StaleLockAfter()), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Warn("stale_locks_released", "jobs", n)
		q.signal()
	}
	return n, nil
}

// Start launches the background maintenance loop. Calling Start twice is
// a no-op.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stop != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	q.stop = cancel
	q.stopped = make(chan struct{})
	go q.maintain(ctx, q.stopped)
}

// Stop ends the maintenance loop and waits for it.
func (q *Queue) Stop() {
	q.mu.Lock()
	cancel, done := q.stop, q.stopped
	q.stop, q.stopped = nil, nil
	q.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (q *Queue) maintain(ctx context.Context, done chan struct{}) {
	defer close(done)

	lockTicker := time.NewTicker(q.cfg.MaintenanceEvery())
	defer lockTicker.Stop()

	var retention <-chan time.Time
	if q.retention.Enabled {
		interval := time.Duration(q.retention.CleanupIntervalMinutes) * time.Minute
		if interval <= 0 {
			interval = time.Hour
		}
		t := time.NewTicker(interval)
		defer t.Stop()
		retention = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-lockTicker.C:
			if _, err := q.ReleaseStaleLocks(ctx); err != nil && ctx.Err() == nil {
				q.logger.Error("stale_lock_release_failed", "error", err)
			}
		case <-retention:
			stats := q.CleanupExpiredJobs(ctx)
			if len(stats.JobsDeleted) > 0 {
				q.logger.Info("retention_cleanup", "jobs_deleted", stats.JobsDeleted)
			}
		}
	}
}
