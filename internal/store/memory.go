package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"kwenrich/internal/enrichment"
	"kwenrich/internal/jobs"
)

// Memory is a process-local Repository guarded by a single mutex. It backs
// the demo mode and most package tests.
type Memory struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]*jobs.Job
	metrics map[enrichment.Keyword]enrichment.KeywordMetrics
}

func NewMemory() *Memory {
	return &Memory{
		jobs:    make(map[uuid.UUID]*jobs.Job),
		metrics: make(map[enrichment.Keyword]enrichment.KeywordMetrics),
	}
}

func (m *Memory) InsertJob(ctx context.Context, j *jobs.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = j.Clone()
	return nil
}

func (m *Memory) InsertJobBounded(ctx context.Context, j *jobs.Job, maxInFlight int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if maxInFlight > 0 {
		var n int64
		for _, existing := range m.jobs {
			if slices.Contains(jobs.InFlightStatuses, existing.Status) {
				n++
			}
		}
		if n >= maxInFlight {
			return ErrCapacity
		}
	}
	m.jobs[j.ID] = j.Clone()
	return nil
}

func (m *Memory) GetJob(ctx context.Context, id uuid.UUID) (*jobs.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

func claimable(j *jobs.Job, now time.Time) bool {
	if j.Status != jobs.StatusQueued && j.Status != jobs.StatusRetrying {
		return false
	}
	if j.LockedAt != nil {
		return false
	}
	if j.NextRetryAt != nil && j.NextRetryAt.After(now) {
		return false
	}
	if j.ScheduledFor != nil && j.ScheduledFor.After(now) {
		return false
	}
	return true
}

// before reports whether a is claimed ahead of b.
func before(a, b *jobs.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

func (m *Memory) ClaimNextJob(ctx context.Context, workerID string, now time.Time) (*jobs.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var next *jobs.Job
	for _, j := range m.jobs {
		if !claimable(j, now) {
			continue
		}
		if next == nil || before(j, next) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}

	t := now.UTC()
	next.Status = jobs.StatusProcessing
	next.WorkerID = workerID
	next.LockedAt = &t
	if next.StartedAt == nil {
		started := t
		next.StartedAt = &started
	}
	next.UpdatedAt = t
	return next.Clone(), nil
}

// active returns the stored job if it exists, is not terminal and, for a
// non-empty workerID, is still locked by that worker.
func (m *Memory) active(id uuid.UUID, workerID string) (*jobs.Job, error) {
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := guardError(j, workerID); err != nil {
		return nil, err
	}
	return j, nil
}

func (m *Memory) UpdateProgress(ctx context.Context, id uuid.UUID, workerID string, p jobs.Progress, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.active(id, workerID)
	if err != nil {
		return err
	}
	j.Progress = p
	j.Progress.StartedAt = copyTime(p.StartedAt)
	j.Progress.ETA = copyTime(p.ETA)
	j.UpdatedAt = now.UTC()
	return nil
}

func (m *Memory) CompleteJob(ctx context.Context, id uuid.UUID, workerID string, result *jobs.Result, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.active(id, workerID)
	if err != nil {
		return err
	}
	t := now.UTC()
	j.Status = jobs.StatusCompleted
	if result != nil {
		r := *result
		r.Items = append([]jobs.ItemResult(nil), result.Items...)
		j.Result = &r
	}
	j.CompletedAt = &t
	j.UpdatedAt = t
	j.WorkerID = ""
	j.LockedAt = nil
	return nil
}

func (m *Memory) RetryJob(ctx context.Context, id uuid.UUID, workerID string, lastErr *jobs.ErrorInfo, nextRetryAt, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.active(id, workerID)
	if err != nil {
		return err
	}
	t := now.UTC()
	next := nextRetryAt.UTC()
	j.Status = jobs.StatusRetrying
	j.RetryCount++
	j.LastRetryAt = &t
	j.NextRetryAt = &next
	j.LastError = copyError(lastErr)
	j.UpdatedAt = t
	j.WorkerID = ""
	j.LockedAt = nil
	return nil
}

func (m *Memory) FailJob(ctx context.Context, id uuid.UUID, workerID string, lastErr *jobs.ErrorInfo, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.active(id, workerID)
	if err != nil {
		return err
	}
	t := now.UTC()
	j.Status = jobs.StatusFailed
	j.LastError = copyError(lastErr)
	j.CompletedAt = &t
	j.UpdatedAt = t
	j.WorkerID = ""
	j.LockedAt = nil
	return nil
}

func (m *Memory) CancelJob(ctx context.Context, id uuid.UUID, ownerID string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status.IsTerminal() {
		return 0, nil
	}
	if ownerID != "" && j.OwnerID != ownerID {
		return 0, nil
	}
	t := now.UTC()
	j.Status = jobs.StatusCancelled
	j.CancelledAt = &t
	j.UpdatedAt = t
	j.WorkerID = ""
	j.LockedAt = nil
	return 1, nil
}

func (m *Memory) CountByStatus(ctx context.Context) (map[jobs.Status]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[jobs.Status]int64)
	for _, j := range m.jobs {
		out[j.Status]++
	}
	return out, nil
}

func (m *Memory) CountAhead(ctx context.Context, target *jobs.Job) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, j := range m.jobs {
		if j.ID == target.ID {
			continue
		}
		if j.Status != jobs.StatusQueued && j.Status != jobs.StatusRetrying {
			continue
		}
		if j.Priority > target.Priority || (j.Priority == target.Priority && j.CreatedAt.Before(target.CreatedAt)) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) ProcessingSummary(ctx context.Context, since time.Time) (Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rows []jobRecord
	for _, j := range m.jobs {
		if j.UpdatedAt.Before(since) {
			continue
		}
		if j.Status != jobs.StatusCompleted && j.Status != jobs.StatusFailed {
			continue
		}
		rows = append(rows, jobRecord{Status: string(j.Status), StartedAt: j.StartedAt, CompletedAt: j.CompletedAt})
	}
	return summarize(rows), nil
}

func (m *Memory) DeleteFinished(ctx context.Context, f DeleteFilter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, j := range m.jobs {
		if f.Type != "" && j.Type != f.Type {
			continue
		}
		if !hasStatus(f.Statuses, j.Status) || !j.UpdatedAt.Before(f.Before) {
			continue
		}
		delete(m.jobs, id)
		n++
	}
	return n, nil
}

func (m *Memory) ReleaseStaleLocks(ctx context.Context, cutoff, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	t := now.UTC()
	for _, j := range m.jobs {
		if j.Status != jobs.StatusProcessing || j.LockedAt == nil || !j.LockedAt.Before(cutoff) {
			continue
		}
		next := t
		j.Status = jobs.StatusRetrying
		j.WorkerID = ""
		j.LockedAt = nil
		j.NextRetryAt = &next
		j.UpdatedAt = t
		n++
	}
	return n, nil
}

func (m *Memory) StaleKeywords(ctx context.Context, filter enrichment.StaleFilter, now time.Time) ([]enrichment.Keyword, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := staleCutoff(filter, now)
	var stale []enrichment.KeywordMetrics
	for _, rec := range m.metrics {
		if filter.Locale != "" && rec.Locale != filter.Locale {
			continue
		}
		if rec.FetchedAt.Before(cutoff) {
			stale = append(stale, rec)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		if !stale[i].FetchedAt.Equal(stale[j].FetchedAt) {
			return stale[i].FetchedAt.Before(stale[j].FetchedAt)
		}
		return stale[i].Keyword < stale[j].Keyword
	})
	if limit := staleLimit(filter); len(stale) > limit {
		stale = stale[:limit]
	}

	out := make([]enrichment.Keyword, 0, len(stale))
	for _, rec := range stale {
		out = append(out, enrichment.Keyword{Text: rec.Keyword, Locale: rec.Locale})
	}
	return out, nil
}

func (m *Memory) SaveMetrics(ctx context.Context, records []enrichment.KeywordMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range latestMetrics(records) {
		m.metrics[enrichment.Keyword{Text: rec.Keyword, Locale: rec.Locale}] = rec
	}
	return nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func hasStatus(statuses []jobs.Status, s jobs.Status) bool {
	for _, v := range statuses {
		if v == s {
			return true
		}
	}
	return false
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyError(e *jobs.ErrorInfo) *jobs.ErrorInfo {
	if e == nil {
		return nil
	}
	v := *e
	return &v
}
