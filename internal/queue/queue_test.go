package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"kwenrich/internal/config"
	"kwenrich/internal/enrichment"
	"kwenrich/internal/jobs"
	"kwenrich/internal/recovery"
	"kwenrich/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestQueue(t *testing.T, mutate func(*config.QueueConfig)) (*Queue, *store.Memory, *fakeClock) {
	t.Helper()
	cfg := config.Default().Queue
	if mutate != nil {
		mutate(&cfg)
	}
	repo := store.NewMemory()
	clock := newClock()
	return New(repo, cfg, nil, WithClock(clock.Now)), repo, clock
}

func singleSpec(text string, p jobs.Priority) jobs.Spec {
	return jobs.Spec{
		Type:     jobs.TypeSingleItem,
		Priority: p,
		Payload:  jobs.Payload{Keyword: &enrichment.Keyword{Text: text, Locale: "en-US"}},
	}
}

func TestEnqueueAppliesDefaults(t *testing.T) {
	q, _, _ := newTestQueue(t, nil)
	ctx := context.Background()

	rec, err := q.Enqueue(ctx, "owner-1", singleSpec("  Running Shoes ", 0), nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := q.Get(ctx, rec.JobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != jobs.StatusQueued {
		t.Fatalf("expected queued, got %s", job.Status)
	}
	if job.Priority != jobs.PriorityNormal {
		t.Fatalf("expected normal priority, got %v", job.Priority)
	}
	if job.Config.RetryLimit() != 3 || job.Config.BatchSize != 50 || job.Config.RetryBaseDelayMs != 1000 {
		t.Fatalf("defaults not applied: %+v", job.Config)
	}
	if job.Payload.Keyword.Text != "running shoes" || job.Payload.Keyword.Locale != "en-us" {
		t.Fatalf("keyword not normalized: %+v", job.Payload.Keyword)
	}
	if job.Progress.Total != 1 {
		t.Fatalf("expected total 1, got %d", job.Progress.Total)
	}
}

func TestEnqueueRejectsInvalidSpec(t *testing.T) {
	q, _, _ := newTestQueue(t, nil)

	_, err := q.Enqueue(context.Background(), "o", jobs.Spec{Type: jobs.TypeBulkBatch}, nil)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	q, _, _ := newTestQueue(t, func(c *config.QueueConfig) { c.MaxQueueSize = 2 })
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := q.Enqueue(ctx, "o", singleSpec("kw", 0), nil); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if _, err := q.Enqueue(ctx, "o", singleSpec("kw", 0), nil); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestEnqueueCapacityUnderConcurrency(t *testing.T) {
	q, _, _ := newTestQueue(t, func(c *config.QueueConfig) { c.MaxQueueSize = 5 })
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Enqueue(ctx, "o", singleSpec("kw", 0), nil)
			if err != nil && !errors.Is(err, ErrQueueFull) {
				t.Errorf("enqueue: %v", err)
				return
			}
			if err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if admitted != 5 {
		t.Fatalf("expected exactly 5 admitted jobs, got %d", admitted)
	}
}

func TestEnqueueKeepsZeroRetries(t *testing.T) {
	q, _, _ := newTestQueue(t, nil)
	ctx := context.Background()

	spec := singleSpec("kw", 0)
	spec.Config.MaxRetries = jobs.Retries(0)
	rec, err := q.Enqueue(ctx, "o", spec, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, _ := q.Dequeue(ctx, "w1")
	if job == nil || job.ID != rec.JobID || job.Config.RetryLimit() != 0 {
		t.Fatalf("expected the job with no retry budget, got %+v", job)
	}

	errRec := recovery.NewRecord(recovery.CategoryNetwork, errors.New("connection reset"), recovery.ErrorContext{})
	status, err := q.Fail(ctx, job.ID, "w1", errRec, true)
	if err != nil || status != jobs.StatusFailed {
		t.Fatalf("expected failed without retries, got %s %v", status, err)
	}
}

func TestEnqueueRejectsTimeoutBeyondStaleLock(t *testing.T) {
	q, _, _ := newTestQueue(t, nil)

	spec := singleSpec("kw", 0)
	spec.Config.TimeoutMs = (2 * time.Hour).Milliseconds()
	_, err := q.Enqueue(context.Background(), "o", spec, nil)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error for a timeout past the stale lock age, got %v", err)
	}

	spec.Config.TimeoutMs = (q.cfg.StaleLockAfter() - 2*time.Minute).Milliseconds()
	if _, err := q.Enqueue(context.Background(), "o", spec, nil); err != nil {
		t.Fatalf("expected timeout below the stale lock age to be accepted, got %v", err)
	}
}

func TestReceiptPositionAndEstimate(t *testing.T) {
	q, _, clock := newTestQueue(t, nil)
	ctx := context.Background()
	avg := q.cfg.AvgJobDuration()

	first, err := q.Enqueue(ctx, "o", singleSpec("a", jobs.PriorityNormal), nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if first.Position != 0 || !first.EstimatedCompletion.Equal(clock.Now().Add(avg)) {
		t.Fatalf("unexpected first receipt %+v", first)
	}

	clock.Advance(time.Second)
	second, err := q.Enqueue(ctx, "o", singleSpec("b", jobs.PriorityNormal), nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if second.Position != 1 || !second.EstimatedCompletion.Equal(clock.Now().Add(2*avg)) {
		t.Fatalf("unexpected second receipt %+v", second)
	}

	at := clock.Now().Add(time.Hour)
	scheduled, err := q.Enqueue(ctx, "o", singleSpec("c", jobs.PriorityCritical), &at)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if scheduled.Position != 0 || !scheduled.EstimatedCompletion.Equal(at.Add(avg)) {
		t.Fatalf("unexpected scheduled receipt %+v", scheduled)
	}
}

func TestDequeuePriorityOrder(t *testing.T) {
	q, _, clock := newTestQueue(t, nil)
	ctx := context.Background()

	ids := map[jobs.Priority]string{}
	for _, p := range []jobs.Priority{jobs.PriorityLow, jobs.PriorityHigh, jobs.PriorityNormal} {
		rec, err := q.Enqueue(ctx, "o", singleSpec("kw", p), nil)
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids[p] = rec.JobID.String()
		clock.Advance(time.Millisecond)
	}

	for _, want := range []jobs.Priority{jobs.PriorityHigh, jobs.PriorityNormal, jobs.PriorityLow} {
		job, err := q.Dequeue(ctx, "w1")
		if err != nil || job == nil {
			t.Fatalf("dequeue: %v %v", job, err)
		}
		if job.ID.String() != ids[want] || job.Status != jobs.StatusProcessing || job.WorkerID != "w1" {
			t.Fatalf("expected %v job, got priority %v status %s", want, job.Priority, job.Status)
		}
	}
	if job, _ := q.Dequeue(ctx, "w1"); job != nil {
		t.Fatalf("expected empty queue, got %s", job.ID)
	}
}

func TestDequeueWhilePaused(t *testing.T) {
	q, _, _ := newTestQueue(t, nil)
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, "o", singleSpec("kw", 0), nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	q.Pause("test")
	if job, err := q.Dequeue(ctx, "w1"); job != nil || err != nil {
		t.Fatalf("expected nothing while paused, got %v %v", job, err)
	}
	q.Resume()
	if job, err := q.Dequeue(ctx, "w1"); job == nil || err != nil {
		t.Fatalf("expected a job after resume, got %v %v", job, err)
	}
}

func TestFailBacksOffExponentially(t *testing.T) {
	q, _, clock := newTestQueue(t, nil)
	ctx := context.Background()

	rec, err := q.Enqueue(ctx, "o", singleSpec("kw", 0), nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	errRec := recovery.NewRecord(recovery.CategoryNetwork, errors.New("connection reset"), recovery.ErrorContext{})
	var prev time.Duration
	for i := 0; i < 3; i++ {
		job, err := q.Dequeue(ctx, "w1")
		if err != nil || job == nil {
			t.Fatalf("attempt %d: dequeue %v %v", i, job, err)
		}
		status, err := q.Fail(ctx, job.ID, "w1", errRec, true)
		if err != nil || status != jobs.StatusRetrying {
			t.Fatalf("attempt %d: expected retrying, got %s %v", i, status, err)
		}
		stored, _ := q.Get(ctx, rec.JobID)
		delay := stored.NextRetryAt.Sub(clock.Now())
		if delay < prev || delay > q.cfg.RetryMaxDelay() {
			t.Fatalf("attempt %d: delay %s not monotonic or above max", i, delay)
		}
		if want := time.Duration(1<<i) * time.Second; delay != want {
			t.Fatalf("attempt %d: expected %s, got %s", i, want, delay)
		}
		if stored.RetryCount != i+1 || stored.LastError == nil || stored.LastError.Category != recovery.CategoryNetwork {
			t.Fatalf("attempt %d: unexpected job %+v", i, stored)
		}

		if early, _ := q.Dequeue(ctx, "w1"); early != nil {
			t.Fatalf("attempt %d: claimed before next retry time", i)
		}
		prev = delay
		clock.Advance(delay)
	}

	job, err := q.Dequeue(ctx, "w1")
	if err != nil || job == nil {
		t.Fatalf("final dequeue: %v %v", job, err)
	}
	status, err := q.Fail(ctx, job.ID, "w1", errRec, true)
	if err != nil || status != jobs.StatusFailed {
		t.Fatalf("expected failed after budget, got %s %v", status, err)
	}
}

func TestRetryDelayCapped(t *testing.T) {
	q, _, _ := newTestQueue(t, func(c *config.QueueConfig) { c.RetryMaxDelayMs = 3000 })
	if d := q.RetryDelay(jobs.Config{RetryBaseDelayMs: 1000}, 5); d != 3*time.Second {
		t.Fatalf("expected cap of 3s, got %s", d)
	}
}

func TestFailFastCategoryIsTerminal(t *testing.T) {
	q, _, _ := newTestQueue(t, nil)
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, "o", singleSpec("kw", 0), nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, _ := q.Dequeue(ctx, "w1")

	rec := recovery.NewRecord(recovery.CategoryAuth, errors.New("bad key"), recovery.ErrorContext{})
	status, err := q.Fail(ctx, job.ID, "w1", rec, true)
	if err != nil || status != jobs.StatusFailed {
		t.Fatalf("expected failed, got %s %v", status, err)
	}
}

func TestTerminalJobsRejectWrites(t *testing.T) {
	q, _, _ := newTestQueue(t, nil)
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, "o", singleSpec("kw", 0), nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, _ := q.Dequeue(ctx, "w1")
	if err := q.Complete(ctx, job.ID, "w1", &jobs.Result{Total: 1, Successful: 1}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	processed := 1
	if _, err := q.UpdateProgress(ctx, job.ID, "w1", ProgressUpdate{Processed: &processed}); !errors.Is(err, ErrJobFinalized) {
		t.Fatalf("progress: expected ErrJobFinalized, got %v", err)
	}
	if err := q.Complete(ctx, job.ID, "w1", nil); !errors.Is(err, ErrJobFinalized) {
		t.Fatalf("complete: expected ErrJobFinalized, got %v", err)
	}
	rec := recovery.NewRecord(recovery.CategoryNetwork, errors.New("x"), recovery.ErrorContext{})
	if _, err := q.Fail(ctx, job.ID, "w1", rec, true); !errors.Is(err, ErrJobFinalized) {
		t.Fatalf("fail: expected ErrJobFinalized, got %v", err)
	}
	if n, err := q.Cancel(ctx, job.ID, ""); err != nil || n != 0 {
		t.Fatalf("cancel: expected 0 rows, got %d %v", n, err)
	}

	stored, _ := q.Get(ctx, job.ID)
	if stored.Status != jobs.StatusCompleted || stored.Result.Successful != 1 {
		t.Fatalf("terminal job changed: %+v", stored)
	}
}

func TestCancel(t *testing.T) {
	q, _, _ := newTestQueue(t, nil)
	ctx := context.Background()
	rec, err := q.Enqueue(ctx, "alice", singleSpec("kw", 0), nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if n, _ := q.Cancel(ctx, rec.JobID, "bob"); n != 0 {
		t.Fatalf("expected other owners to be refused")
	}
	if n, err := q.Cancel(ctx, rec.JobID, "alice"); err != nil || n != 1 {
		t.Fatalf("expected 1 row, got %d %v", n, err)
	}
	if n, _ := q.Cancel(ctx, rec.JobID, "alice"); n != 0 {
		t.Fatalf("expected second cancel to be a no-op")
	}
	if cancelled, err := q.IsCancelled(ctx, rec.JobID); err != nil || !cancelled {
		t.Fatalf("expected cancelled, got %v %v", cancelled, err)
	}
	if job, _ := q.Dequeue(ctx, "w1"); job != nil {
		t.Fatalf("cancelled job was claimed")
	}
}

func TestUpdateProgressComputesETA(t *testing.T) {
	q, _, clock := newTestQueue(t, nil)
	ctx := context.Background()
	spec := jobs.Spec{Type: jobs.TypeBulkBatch, Payload: jobs.Payload{Keywords: []enrichment.Keyword{
		{Text: "a", Locale: "en"}, {Text: "b", Locale: "en"}, {Text: "c", Locale: "en"}, {Text: "d", Locale: "en"},
	}}}
	if _, err := q.Enqueue(ctx, "o", spec, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, _ := q.Dequeue(ctx, "w1")

	clock.Advance(2 * time.Second)
	processed, successful := 2, 2
	p, err := q.UpdateProgress(ctx, job.ID, "w1", ProgressUpdate{Processed: &processed, Successful: &successful})
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.Total != 4 || p.AvgItemMs != 1000 {
		t.Fatalf("unexpected progress %+v", p)
	}
	if p.ETA == nil || !p.ETA.Equal(clock.Now().Add(2*time.Second)) {
		t.Fatalf("unexpected eta %v", p.ETA)
	}
}

func TestStatsAndCleanup(t *testing.T) {
	q, _, clock := newTestQueue(t, func(c *config.QueueConfig) { c.MaxQueueSize = 10 })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(ctx, "o", singleSpec("kw", 0), nil); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	job, _ := q.Dequeue(ctx, "w1")
	clock.Advance(4 * time.Second)
	if err := q.Complete(ctx, job.ID, "w1", &jobs.Result{}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	st, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Counts[jobs.StatusQueued] != 2 || st.Counts[jobs.StatusCompleted] != 1 || st.Counts[jobs.StatusFailed] != 0 {
		t.Fatalf("unexpected counts %v", st.Counts)
	}
	if st.AvgProcessingMs != 4000 || st.Health != HealthHealthy {
		t.Fatalf("unexpected stats %+v", st)
	}

	q.Pause("maintenance")
	if st, _ := q.Stats(ctx); st.Health != HealthDegraded || !st.Paused {
		t.Fatalf("expected degraded while paused, got %+v", st)
	}

	if _, err := q.Cleanup(ctx, 0); err == nil {
		t.Fatalf("expected error for non-positive days")
	}
	clock.Advance(8 * 24 * time.Hour)
	n, err := q.Cleanup(ctx, 7)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 deleted, got %d %v", n, err)
	}
}

func TestHealthThresholds(t *testing.T) {
	cases := []struct {
		st   Stats
		want Health
	}{
		{Stats{Capacity: 10, InFlight: 1}, HealthHealthy},
		{Stats{Capacity: 10, InFlight: 7}, HealthDegraded},
		{Stats{Capacity: 10, InFlight: 9}, HealthCritical},
		{Stats{Capacity: 10, FailureRate: 0.25}, HealthDegraded},
		{Stats{Capacity: 10, FailureRate: 0.5}, HealthCritical},
	}
	for _, tc := range cases {
		if got := health(tc.st); got != tc.want {
			t.Fatalf("health(%+v) = %s, want %s", tc.st, got, tc.want)
		}
	}
}

func TestRetentionPerType(t *testing.T) {
	q, _, clock := newTestQueue(t, nil)
	q.retention = config.RetentionConfig{Enabled: true, Jobs: config.JobTTLConfig{DefaultDays: 30, SingleDays: 1}}
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "o", singleSpec("kw", 0), nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	bulk := jobs.Spec{Type: jobs.TypeBulkBatch, Payload: jobs.Payload{Keywords: []enrichment.Keyword{{Text: "a", Locale: "en"}}}}
	if _, err := q.Enqueue(ctx, "o", bulk, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for i := 0; i < 2; i++ {
		job, _ := q.Dequeue(ctx, "w1")
		if err := q.Complete(ctx, job.ID, "w1", &jobs.Result{}); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}

	clock.Advance(48 * time.Hour)
	stats := q.CleanupExpiredJobs(ctx)
	if stats.JobsDeleted[string(jobs.TypeSingleItem)] != 1 || stats.JobsDeleted[string(jobs.TypeBulkBatch)] != 0 {
		t.Fatalf("unexpected retention stats %v", stats.JobsDeleted)
	}
}

func TestReleaseStaleLocks(t *testing.T) {
	q, _, clock := newTestQueue(t, nil)
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, "o", singleSpec("kw", 0), nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job, _ := q.Dequeue(ctx, "dead-worker"); job == nil {
		t.Fatalf("expected a job")
	}

	clock.Advance(q.cfg.StaleLockAfter() + time.Minute)
	n, err := q.ReleaseStaleLocks(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 released, got %d %v", n, err)
	}
	if job, _ := q.Dequeue(ctx, "w2"); job == nil || job.WorkerID != "w2" {
		t.Fatalf("expected released job to be claimable")
	}
}

func TestReleasedJobRejectsFormerHolder(t *testing.T) {
	q, _, clock := newTestQueue(t, nil)
	ctx := context.Background()
	rec, err := q.Enqueue(ctx, "o", singleSpec("kw", 0), nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job, _ := q.Dequeue(ctx, "worker-a"); job == nil {
		t.Fatalf("expected a job")
	}

	clock.Advance(q.cfg.StaleLockAfter() + time.Minute)
	if n, err := q.ReleaseStaleLocks(ctx); err != nil || n != 1 {
		t.Fatalf("expected 1 released, got %d %v", n, err)
	}
	if job, _ := q.Dequeue(ctx, "worker-b"); job == nil || job.WorkerID != "worker-b" {
		t.Fatalf("expected worker-b to claim the released job")
	}

	processed := 1
	if _, err := q.UpdateProgress(ctx, rec.JobID, "worker-a", ProgressUpdate{Processed: &processed}); !errors.Is(err, ErrLockLost) {
		t.Fatalf("progress: expected ErrLockLost, got %v", err)
	}
	if err := q.Complete(ctx, rec.JobID, "worker-a", &jobs.Result{Total: 1, Successful: 1}); !errors.Is(err, ErrLockLost) {
		t.Fatalf("complete: expected ErrLockLost, got %v", err)
	}
	errRec := recovery.NewRecord(recovery.CategoryTimeout, errors.New("deadline"), recovery.ErrorContext{})
	if _, err := q.Fail(ctx, rec.JobID, "worker-a", errRec, true); !errors.Is(err, ErrLockLost) {
		t.Fatalf("fail: expected ErrLockLost, got %v", err)
	}

	stored, _ := q.Get(ctx, rec.JobID)
	if stored.Status != jobs.StatusProcessing || stored.WorkerID != "worker-b" || stored.LockedAt == nil || stored.Progress.Processed != 0 {
		t.Fatalf("former holder changed the job: %+v", stored)
	}
	if err := q.Complete(ctx, rec.JobID, "worker-b", &jobs.Result{Total: 1, Successful: 1}); err != nil {
		t.Fatalf("lock holder complete: %v", err)
	}
}
