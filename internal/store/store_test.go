package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kwenrich/internal/config"
	"kwenrich/internal/enrichment"
	"kwenrich/internal/jobs"
	"kwenrich/internal/migrate"
)

var base = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

// forEachRepo runs fn against every backend available in this environment.
// Postgres runs only when KWENRICH_TEST_DSN points at a disposable database.
func forEachRepo(t *testing.T, fn func(t *testing.T, repo Repository)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemory())
	})

	t.Run("sqlite", func(t *testing.T) {
		// Use file-based database for better concurrency support
		dsn := filepath.Join(t.TempDir(), "jobs.db")
		repo, err := OpenGorm(config.DatabaseConfig{Driver: "sqlite", DSN: dsn})
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { _ = repo.Close() })
		fn(t, repo)
	})

	dsn := os.Getenv("KWENRICH_TEST_DSN")
	if dsn == "" {
		return
	}
	t.Run("postgres", func(t *testing.T) {
		if err := migrate.Run(dsn); err != nil {
			t.Fatalf("migrate: %v", err)
		}
		repo, err := OpenPostgres(config.DatabaseConfig{Driver: "postgres", DSN: dsn, MaxOpenConns: 10, MaxIdleConns: 5})
		if err != nil {
			t.Fatalf("open postgres: %v", err)
		}
		t.Cleanup(func() { _ = repo.Close() })
		if _, err := repo.DB.Exec(`TRUNCATE enrichment_jobs, keyword_metrics`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		fn(t, repo)
	})
}

func newJob(priority jobs.Priority, createdAt time.Time) *jobs.Job {
	kw := enrichment.Keyword{Text: "running shoes", Locale: "en-us"}
	return &jobs.Job{
		ID:        jobs.NewID(),
		OwnerID:   "owner-1",
		Type:      jobs.TypeSingleItem,
		Status:    jobs.StatusQueued,
		Priority:  priority,
		Payload:   jobs.Payload{Keyword: &kw},
		Config:    jobs.Config{BatchSize: 10, MaxRetries: jobs.Retries(3), RetryBaseDelayMs: 1000, TimeoutMs: 60000},
		Progress:  jobs.Progress{Total: 1},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func insert(t *testing.T, repo Repository, j *jobs.Job) {
	t.Helper()
	if err := repo.InsertJob(context.Background(), j); err != nil {
		t.Fatalf("InsertJob error: %v", err)
	}
}

func TestClaimPriorityOrder(t *testing.T) {
	forEachRepo(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		low := newJob(jobs.PriorityLow, base)
		high := newJob(jobs.PriorityHigh, base.Add(time.Second))
		normal := newJob(jobs.PriorityNormal, base.Add(2*time.Second))
		for _, j := range []*jobs.Job{low, high, normal} {
			insert(t, repo, j)
		}

		now := base.Add(time.Minute)
		want := []*jobs.Job{high, normal, low}
		for i, w := range want {
			got, err := repo.ClaimNextJob(ctx, "w1", now)
			if err != nil {
				t.Fatalf("claim %d: %v", i, err)
			}
			if got == nil || got.ID != w.ID {
				t.Fatalf("claim %d: expected %s, got %+v", i, w.Priority, got)
			}
			if got.Status != jobs.StatusProcessing || got.WorkerID != "w1" || got.LockedAt == nil || got.StartedAt == nil {
				t.Fatalf("claim %d: lock not recorded: %+v", i, got)
			}
		}

		if got, err := repo.ClaimNextJob(ctx, "w1", now); err != nil || got != nil {
			t.Fatalf("expected empty queue, got %+v, %v", got, err)
		}
	})
}

func TestClaimFIFOWithinPriority(t *testing.T) {
	forEachRepo(t, func(t *testing.T, repo Repository) {
		first := newJob(jobs.PriorityNormal, base)
		second := newJob(jobs.PriorityNormal, base.Add(time.Millisecond))
		insert(t, repo, second)
		insert(t, repo, first)

		got, err := repo.ClaimNextJob(context.Background(), "w1", base.Add(time.Minute))
		if err != nil || got == nil || got.ID != first.ID {
			t.Fatalf("expected oldest job first, got %+v, %v", got, err)
		}
	})
}

func TestClaimAtMostOneLock(t *testing.T) {
	forEachRepo(t, func(t *testing.T, repo Repository) {
		j := newJob(jobs.PriorityNormal, base)
		insert(t, repo, j)

		const callers = 16
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners []string
		)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(worker string) {
				defer wg.Done()
				got, err := repo.ClaimNextJob(context.Background(), worker, base.Add(time.Minute))
				if err != nil {
					t.Errorf("claim error: %v", err)
					return
				}
				if got != nil {
					mu.Lock()
					winners = append(winners, worker)
					mu.Unlock()
				}
			}(string(rune('a' + i)))
		}
		wg.Wait()

		if len(winners) != 1 {
			t.Fatalf("expected exactly one lock holder, got %v", winners)
		}
		stored, err := repo.GetJob(context.Background(), j.ID)
		if err != nil {
			t.Fatalf("GetJob error: %v", err)
		}
		if stored.WorkerID != winners[0] {
			t.Fatalf("expected stored lock holder %s, got %s", winners[0], stored.WorkerID)
		}
	})
}

func TestClaimHonoursScheduleAndRetryTime(t *testing.T) {
	forEachRepo(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		scheduled := newJob(jobs.PriorityCritical, base)
		later := base.Add(time.Hour)
		scheduled.ScheduledFor = &later
		insert(t, repo, scheduled)

		if got, _ := repo.ClaimNextJob(ctx, "w1", base.Add(time.Minute)); got != nil {
			t.Fatalf("expected scheduled job to wait, got %+v", got)
		}
		got, err := repo.ClaimNextJob(ctx, "w1", later)
		if err != nil || got == nil {
			t.Fatalf("expected scheduled job to be due, got %+v, %v", got, err)
		}

		info := &jobs.ErrorInfo{Category: "network", Message: "connection reset", Retryable: true, At: later}
		next := later.Add(2 * time.Second)
		if err := repo.RetryJob(ctx, got.ID, "w1", info, next, later); err != nil {
			t.Fatalf("RetryJob error: %v", err)
		}
		if got, _ := repo.ClaimNextJob(ctx, "w2", later.Add(time.Second)); got != nil {
			t.Fatalf("expected retry to wait for nextRetryAt")
		}
		again, err := repo.ClaimNextJob(ctx, "w2", next)
		if err != nil || again == nil {
			t.Fatalf("expected retry to be due, got %+v, %v", again, err)
		}
		if again.RetryCount != 1 || again.LastError == nil || again.LastError.Message != "connection reset" {
			t.Fatalf("unexpected retry bookkeeping %+v", again)
		}
	})
}

func TestTerminalJobsAreImmutable(t *testing.T) {
	forEachRepo(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		j := newJob(jobs.PriorityNormal, base)
		insert(t, repo, j)
		now := base.Add(time.Minute)
		if _, err := repo.ClaimNextJob(ctx, "w1", now); err != nil {
			t.Fatalf("claim: %v", err)
		}
		result := &jobs.Result{Total: 1, Successful: 1, Items: []jobs.ItemResult{{Keyword: "running shoes", Success: true}}}
		if err := repo.CompleteJob(ctx, j.ID, "w1", result, now); err != nil {
			t.Fatalf("CompleteJob error: %v", err)
		}

		if err := repo.UpdateProgress(ctx, j.ID, "w1", jobs.Progress{Total: 1, Processed: 0}, now); !errors.Is(err, ErrFinalized) {
			t.Fatalf("expected ErrFinalized from UpdateProgress, got %v", err)
		}
		if err := repo.FailJob(ctx, j.ID, "w1", &jobs.ErrorInfo{Message: "late"}, now); !errors.Is(err, ErrFinalized) {
			t.Fatalf("expected ErrFinalized from FailJob, got %v", err)
		}
		if err := repo.CompleteJob(ctx, j.ID, "", nil, now); !errors.Is(err, ErrFinalized) {
			t.Fatalf("expected ErrFinalized from CompleteJob, got %v", err)
		}
		if n, err := repo.CancelJob(ctx, j.ID, "", now); err != nil || n != 0 {
			t.Fatalf("expected cancel of completed job to affect 0 rows, got %d, %v", n, err)
		}

		stored, err := repo.GetJob(ctx, j.ID)
		if err != nil {
			t.Fatalf("GetJob error: %v", err)
		}
		if stored.Status != jobs.StatusCompleted || stored.Result == nil || stored.Result.Successful != 1 {
			t.Fatalf("completed job changed: %+v", stored)
		}
		if stored.LockedAt != nil || stored.WorkerID != "" {
			t.Fatalf("expected lock cleared on completion")
		}

		if err := repo.UpdateProgress(ctx, jobs.NewID(), "", jobs.Progress{}, now); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound for unknown job, got %v", err)
		}
	})
}

func TestWritesRequireLockHolder(t *testing.T) {
	forEachRepo(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		j := newJob(jobs.PriorityNormal, base)
		insert(t, repo, j)

		if err := repo.UpdateProgress(ctx, j.ID, "w1", jobs.Progress{Total: 1}, base); !errors.Is(err, ErrLockLost) {
			t.Fatalf("expected ErrLockLost for an unclaimed job, got %v", err)
		}
		if _, err := repo.ClaimNextJob(ctx, "w1", base); err != nil {
			t.Fatalf("claim: %v", err)
		}
		n, err := repo.ReleaseStaleLocks(ctx, base.Add(time.Minute), base.Add(2*time.Minute))
		if err != nil || n != 1 {
			t.Fatalf("expected the lock to be released, got %d, %v", n, err)
		}
		again, err := repo.ClaimNextJob(ctx, "w2", base.Add(2*time.Minute))
		if err != nil || again == nil || again.WorkerID != "w2" {
			t.Fatalf("expected w2 to claim the released job, got %+v, %v", again, err)
		}

		later := base.Add(3 * time.Minute)
		if err := repo.UpdateProgress(ctx, j.ID, "w1", jobs.Progress{Total: 1, Processed: 1}, later); !errors.Is(err, ErrLockLost) {
			t.Fatalf("expected ErrLockLost from UpdateProgress, got %v", err)
		}
		if err := repo.CompleteJob(ctx, j.ID, "w1", &jobs.Result{Total: 1}, later); !errors.Is(err, ErrLockLost) {
			t.Fatalf("expected ErrLockLost from CompleteJob, got %v", err)
		}
		if err := repo.RetryJob(ctx, j.ID, "w1", &jobs.ErrorInfo{Message: "late"}, later, later); !errors.Is(err, ErrLockLost) {
			t.Fatalf("expected ErrLockLost from RetryJob, got %v", err)
		}
		if err := repo.FailJob(ctx, j.ID, "w1", &jobs.ErrorInfo{Message: "late"}, later); !errors.Is(err, ErrLockLost) {
			t.Fatalf("expected ErrLockLost from FailJob, got %v", err)
		}

		stored, _ := repo.GetJob(ctx, j.ID)
		if stored.Status != jobs.StatusProcessing || stored.WorkerID != "w2" || stored.LockedAt == nil {
			t.Fatalf("stale writer changed the job: %+v", stored)
		}
		if err := repo.CompleteJob(ctx, j.ID, "w2", &jobs.Result{Total: 1, Successful: 1}, later); err != nil {
			t.Fatalf("lock holder CompleteJob error: %v", err)
		}
	})
}

func TestInsertJobBounded(t *testing.T) {
	forEachRepo(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()

		var wg sync.WaitGroup
		var mu sync.Mutex
		var admitted, rejected int
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := repo.InsertJobBounded(ctx, newJob(jobs.PriorityNormal, base.Add(time.Duration(i)*time.Second)), 3)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					admitted++
				case errors.Is(err, ErrCapacity):
					rejected++
				default:
					t.Errorf("InsertJobBounded error: %v", err)
				}
			}(i)
		}
		wg.Wait()
		if admitted != 3 || rejected != 5 {
			t.Fatalf("expected 3 admitted and 5 rejected, got %d and %d", admitted, rejected)
		}

		claimed, _ := repo.ClaimNextJob(ctx, "w1", base.Add(time.Minute))
		if err := repo.CompleteJob(ctx, claimed.ID, "w1", nil, base.Add(time.Minute)); err != nil {
			t.Fatalf("CompleteJob error: %v", err)
		}
		if err := repo.InsertJobBounded(ctx, newJob(jobs.PriorityNormal, base), 3); err != nil {
			t.Fatalf("expected room after a job finished, got %v", err)
		}
	})
}

func TestCancelRespectsOwner(t *testing.T) {
	forEachRepo(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		j := newJob(jobs.PriorityNormal, base)
		insert(t, repo, j)

		if n, _ := repo.CancelJob(ctx, j.ID, "someone-else", base); n != 0 {
			t.Fatalf("expected owner mismatch to affect 0 rows, got %d", n)
		}
		if n, err := repo.CancelJob(ctx, j.ID, "owner-1", base); err != nil || n != 1 {
			t.Fatalf("expected cancel to affect 1 row, got %d, %v", n, err)
		}
		if got, _ := repo.ClaimNextJob(ctx, "w1", base.Add(time.Minute)); got != nil {
			t.Fatalf("cancelled job must not be claimable")
		}
		stored, _ := repo.GetJob(ctx, j.ID)
		if stored.Status != jobs.StatusCancelled || stored.CancelledAt == nil {
			t.Fatalf("unexpected cancelled job %+v", stored)
		}
	})
}

func TestRoundTripAllFields(t *testing.T) {
	forEachRepo(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		j := newJob(jobs.PriorityHigh, base)
		j.Type = jobs.TypeBulkBatch
		j.Payload = jobs.Payload{Keywords: []enrichment.Keyword{{Text: "a", Locale: "en-us"}, {Text: "b", Locale: "de-de"}}}
		j.Config.PreserveOrder = true
		started := base.Add(time.Second)
		j.Progress = jobs.Progress{Total: 2, Processed: 1, Successful: 1, CurrentItem: "a", StartedAt: &started, AvgItemMs: 12.5}
		sched := base.Add(-time.Minute)
		j.ScheduledFor = &sched
		insert(t, repo, j)

		got, err := repo.GetJob(ctx, j.ID)
		if err != nil {
			t.Fatalf("GetJob error: %v", err)
		}
		if got.Type != j.Type || got.Priority != j.Priority || got.OwnerID != j.OwnerID || got.Status != j.Status {
			t.Fatalf("scalar fields differ: %+v", got)
		}
		if len(got.Payload.Keywords) != 2 || got.Payload.Keywords[1].Locale != "de-de" {
			t.Fatalf("payload differs: %+v", got.Payload)
		}
		if !reflect.DeepEqual(got.Config, j.Config) {
			t.Fatalf("config differs: %+v vs %+v", got.Config, j.Config)
		}
		if got.Progress.CurrentItem != "a" || got.Progress.AvgItemMs != 12.5 || got.Progress.StartedAt == nil || !got.Progress.StartedAt.Equal(started) {
			t.Fatalf("progress differs: %+v", got.Progress)
		}
		if got.ScheduledFor == nil || !got.ScheduledFor.Equal(sched) || !got.CreatedAt.Equal(base) {
			t.Fatalf("timestamps differ: %+v", got)
		}
		if _, err := repo.GetJob(ctx, jobs.NewID()); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestCountsAndSummary(t *testing.T) {
	forEachRepo(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		a := newJob(jobs.PriorityNormal, base)
		b := newJob(jobs.PriorityNormal, base.Add(time.Second))
		c := newJob(jobs.PriorityHigh, base.Add(2*time.Second))
		for _, j := range []*jobs.Job{a, b, c} {
			insert(t, repo, j)
		}

		ahead, err := repo.CountAhead(ctx, b)
		if err != nil || ahead != 2 {
			t.Fatalf("expected 2 jobs ahead of b, got %d, %v", ahead, err)
		}

		claimed, _ := repo.ClaimNextJob(ctx, "w1", base.Add(time.Minute))
		if err := repo.CompleteJob(ctx, claimed.ID, "w1", &jobs.Result{}, base.Add(time.Minute+4*time.Second)); err != nil {
			t.Fatalf("CompleteJob error: %v", err)
		}

		counts, err := repo.CountByStatus(ctx)
		if err != nil {
			t.Fatalf("CountByStatus error: %v", err)
		}
		if counts[jobs.StatusQueued] != 2 || counts[jobs.StatusCompleted] != 1 {
			t.Fatalf("unexpected counts %v", counts)
		}

		sum, err := repo.ProcessingSummary(ctx, base)
		if err != nil {
			t.Fatalf("ProcessingSummary error: %v", err)
		}
		if sum.Completed != 1 || sum.AvgDuration != 4*time.Second {
			t.Fatalf("unexpected summary %+v", sum)
		}
	})
}

func TestDeleteFinishedAndStaleLocks(t *testing.T) {
	forEachRepo(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		done := newJob(jobs.PriorityNormal, base)
		running := newJob(jobs.PriorityLow, base.Add(time.Second))
		insert(t, repo, done)
		insert(t, repo, running)

		claimed, _ := repo.ClaimNextJob(ctx, "w1", base)
		if claimed == nil || claimed.ID != done.ID {
			t.Fatalf("expected to claim the normal priority job first")
		}
		_ = repo.CompleteJob(ctx, done.ID, "w1", nil, base)
		if _, err := repo.ClaimNextJob(ctx, "w2", base.Add(time.Second)); err != nil {
			t.Fatalf("claim: %v", err)
		}

		n, err := repo.ReleaseStaleLocks(ctx, base.Add(time.Hour), base.Add(2*time.Hour))
		if err != nil || n != 1 {
			t.Fatalf("expected 1 stale lock released, got %d, %v", n, err)
		}
		released, _ := repo.GetJob(ctx, running.ID)
		if released.Status != jobs.StatusRetrying || released.LockedAt != nil {
			t.Fatalf("unexpected released job %+v", released)
		}

		n, err = repo.DeleteFinished(ctx, DeleteFilter{
			Type:     jobs.TypeSingleItem,
			Statuses: []jobs.Status{jobs.StatusCompleted, jobs.StatusCancelled},
			Before:   base.Add(time.Hour),
		})
		if err != nil || n != 1 {
			t.Fatalf("expected 1 job deleted, got %d, %v", n, err)
		}
		if _, err := repo.GetJob(ctx, done.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected deleted job to be gone, got %v", err)
		}
	})
}

func TestStaleKeywordsAndSaveMetrics(t *testing.T) {
	forEachRepo(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		records := []enrichment.KeywordMetrics{
			{Keyword: "Old", Locale: "EN-US", Volume: 10, CPC: decimal.RequireFromString("1.25"), FetchedAt: base.AddDate(0, 0, -40), Source: enrichment.SourceLive},
			{Keyword: "older", Locale: "en-us", Volume: 5, CPC: decimal.Zero, FetchedAt: base.AddDate(0, 0, -50), Source: enrichment.SourceLive},
			{Keyword: "fresh", Locale: "en-us", Volume: 7, CPC: decimal.Zero, FetchedAt: base.AddDate(0, 0, -1), Source: enrichment.SourceLive},
			{Keyword: "alt", Locale: "de-de", Volume: 1, CPC: decimal.Zero, FetchedAt: base.AddDate(0, 0, -60), Source: enrichment.SourceLive},
		}
		if err := repo.SaveMetrics(ctx, records); err != nil {
			t.Fatalf("SaveMetrics error: %v", err)
		}

		got, err := repo.StaleKeywords(ctx, enrichment.StaleFilter{Locale: "en-us", OlderThanDays: 30}, base)
		if err != nil {
			t.Fatalf("StaleKeywords error: %v", err)
		}
		if len(got) != 2 || got[0].Text != "older" || got[1].Text != "old" {
			t.Fatalf("unexpected stale keywords %v", got)
		}

		// Refreshing a keyword removes it from the stale set.
		refreshed := records[0]
		refreshed.FetchedAt = base
		if err := repo.SaveMetrics(ctx, []enrichment.KeywordMetrics{refreshed}); err != nil {
			t.Fatalf("SaveMetrics error: %v", err)
		}
		got, _ = repo.StaleKeywords(ctx, enrichment.StaleFilter{OlderThanDays: 30, Limit: 10}, base)
		if len(got) != 2 || got[0].Text != "alt" || got[1].Text != "older" {
			t.Fatalf("unexpected stale keywords after refresh %v", got)
		}
	})
}
