// Package store persists enrichment jobs and keyword metrics. Every backend
// implements Repository; the claim operation is the only cross-worker
// synchronization point and is a single conditional write in each of them.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"kwenrich/internal/config"
	"kwenrich/internal/enrichment"
	"kwenrich/internal/jobs"
)

var (
	// ErrNotFound is returned when no job has the requested id.
	ErrNotFound = errors.New("job not found")
	// ErrFinalized is returned when a write targets a job that already
	// reached a terminal status.
	ErrFinalized = errors.New("job already finalized")
	// ErrLockLost is returned when a worker writes to a job it no longer
	// holds, typically after its stale lock was released and the job was
	// claimed again.
	ErrLockLost = errors.New("job lock held by another worker")
	// ErrCapacity is returned by InsertJobBounded when in-flight jobs
	// already reach the limit.
	ErrCapacity = errors.New("queue is at capacity")
)

// DeleteFilter selects finished jobs for deletion.
type DeleteFilter struct {
	// Type limits deletion to one job type; empty means all types.
	Type     jobs.Type
	Statuses []jobs.Status
	// Before is compared against updated_at, which is the finish time for
	// terminal rows.
	Before time.Time
}

// Summary aggregates recent processing activity.
type Summary struct {
	Completed   int64
	Failed      int64
	AvgDuration time.Duration
}

// Repository is the durable job table plus the keyword metrics it feeds.
type Repository interface {
	InsertJob(ctx context.Context, job *jobs.Job) error
	// InsertJobBounded inserts job only while fewer than maxInFlight jobs
	// are queued, processing or retrying. The count and the insert are
	// atomic with respect to other InsertJobBounded calls.
	InsertJobBounded(ctx context.Context, job *jobs.Job, maxInFlight int64) error
	GetJob(ctx context.Context, id uuid.UUID) (*jobs.Job, error)

	// ClaimNextJob atomically locks the highest-priority, oldest eligible
	// job for workerID and returns it, or returns nil when nothing is due.
	ClaimNextJob(ctx context.Context, workerID string, now time.Time) (*jobs.Job, error)

	// The worker-path writes below only match a processing job locked by
	// workerID and return ErrLockLost otherwise. An empty workerID matches
	// any non-terminal job.
	UpdateProgress(ctx context.Context, id uuid.UUID, workerID string, progress jobs.Progress, now time.Time) error
	CompleteJob(ctx context.Context, id uuid.UUID, workerID string, result *jobs.Result, now time.Time) error
	RetryJob(ctx context.Context, id uuid.UUID, workerID string, lastErr *jobs.ErrorInfo, nextRetryAt, now time.Time) error
	FailJob(ctx context.Context, id uuid.UUID, workerID string, lastErr *jobs.ErrorInfo, now time.Time) error

	// CancelJob cancels a queued, processing or retrying job. An empty
	// ownerID matches any owner. It returns the number of rows affected.
	CancelJob(ctx context.Context, id uuid.UUID, ownerID string, now time.Time) (int64, error)

	CountByStatus(ctx context.Context) (map[jobs.Status]int64, error)
	// CountAhead counts queued or retrying jobs that would be claimed
	// before job.
	CountAhead(ctx context.Context, job *jobs.Job) (int64, error)
	ProcessingSummary(ctx context.Context, since time.Time) (Summary, error)

	DeleteFinished(ctx context.Context, f DeleteFilter) (int64, error)
	// ReleaseStaleLocks moves processing jobs locked before cutoff back to
	// retrying so another worker can pick them up.
	ReleaseStaleLocks(ctx context.Context, cutoff, now time.Time) (int64, error)

	enrichment.StaleSource
	enrichment.MetricsSink

	Ping(ctx context.Context) error
	Close() error
}

// Open returns the Repository selected by cfg.Driver.
func Open(cfg config.DatabaseConfig) (Repository, error) {
	switch cfg.Driver {
	case "postgres":
		return OpenPostgres(cfg)
	case "sqlite", "gorm-postgres":
		return OpenGorm(cfg)
	case "memory", "":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// guardError maps a write that matched no row to the reason it missed.
func guardError(job *jobs.Job, workerID string) error {
	if job.Status.IsTerminal() {
		return ErrFinalized
	}
	if workerID != "" && (job.Status != jobs.StatusProcessing || job.WorkerID != workerID) {
		return ErrLockLost
	}
	return nil
}

func staleCutoff(filter enrichment.StaleFilter, now time.Time) time.Time {
	return now.UTC().AddDate(0, 0, -filter.OlderThanDays)
}

func staleLimit(filter enrichment.StaleFilter) int {
	if filter.Limit <= 0 {
		return 1000
	}
	return filter.Limit
}
