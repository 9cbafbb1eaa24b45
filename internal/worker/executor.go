package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"kwenrich/internal/config"
	"kwenrich/internal/enrichment"
	"kwenrich/internal/jobs"
	"kwenrich/internal/metrics"
	"kwenrich/internal/observability"
	"kwenrich/internal/queue"
	"kwenrich/internal/recovery"
)

// Queue is the part of the job store a worker needs.
type Queue interface {
	Dequeue(ctx context.Context, workerID string) (*jobs.Job, error)
	UpdateProgress(ctx context.Context, id uuid.UUID, workerID string, upd queue.ProgressUpdate) (jobs.Progress, error)
	Complete(ctx context.Context, id uuid.UUID, workerID string, result *jobs.Result) error
	Fail(ctx context.Context, id uuid.UUID, workerID string, rec recovery.ErrorRecord, shouldRetry bool) (jobs.Status, error)
	IsCancelled(ctx context.Context, id uuid.UUID) (bool, error)
	Stats(ctx context.Context) (queue.Stats, error)
	Pause(reason string)
	Resume()
	Paused() bool
	Wake() <-chan struct{}
}

const (
	opFetch     = "fetch_data"
	endpointKWs = "keywords/metrics"
)

var (
	// errCancelled stops a job whose row was cancelled while it ran.
	errCancelled = errors.New("job cancelled")
	// errLockLost stops a job whose lock was released and taken by another
	// worker.
	errLockLost = errors.New("job lock lost")
)

// Executor runs a claimed job to completion and records its outcome.
type Executor struct {
	queue   Queue
	backend enrichment.Backend
	stale   enrichment.StaleSource
	sink    enrichment.MetricsSink
	engine  *recovery.Engine
	cfg     config.WorkerConfig
	obs     *observability.Provider
	logger  *slog.Logger
	now     func() time.Time
}

// ExecutorDeps groups the collaborators of an Executor. Stale and Sink
// may be nil when refresh sweeps and write-back are not wanted.
type ExecutorDeps struct {
	Queue   Queue
	Backend enrichment.Backend
	Stale   enrichment.StaleSource
	Sink    enrichment.MetricsSink
	Engine  *recovery.Engine
	Obs     *observability.Provider
	Logger  *slog.Logger
}

func NewExecutor(cfg config.WorkerConfig, deps ExecutorDeps) *Executor {
	e := &Executor{
		queue:   deps.Queue,
		backend: deps.Backend,
		stale:   deps.Stale,
		sink:    deps.Sink,
		engine:  deps.Engine,
		cfg:     cfg,
		obs:     deps.Obs,
		logger:  deps.Logger,
		now:     time.Now,
	}
	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}
	if e.obs == nil {
		e.obs = observability.Noop()
	}
	if e.engine == nil {
		e.engine = recovery.NewEngine(config.RecoveryConfig{}, e.logger)
	}
	return e
}

// Execute runs job under its deadline. Every failure, including a panic,
// ends up in Queue.Fail; nothing escapes to the worker loop.
func (e *Executor) Execute(ctx context.Context, job *jobs.Job, workerID string) {
	start := e.now()
	ec := recovery.ErrorContext{Operation: "execute_job", JobID: job.ID.String(), Timestamp: start.UTC()}

	ctx, span := e.obs.Tracer.StartJob(ctx, job.ID.String(), string(job.Type), workerID)
	var spanErr error
	var spanCat recovery.Category
	defer func() { observability.EndSpan(span, spanErr, string(spanCat)) }()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("job_panic", "job_id", job.ID, "worker_id", workerID, "panic", r, "stack", string(debug.Stack()))
			rec := recovery.NewRecord(recovery.CategoryWorker, fmt.Errorf("panic: %v", r), ec)
			spanErr, spanCat = &rec, rec.Category
			e.fail(job, workerID, rec, true)
		}
	}()

	runCtx := ctx
	if d := job.Config.Timeout(); d > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	result, err := e.run(runCtx, job, workerID)
	elapsed := e.now().Sub(start)

	switch {
	case errors.Is(err, errCancelled):
		e.logger.Info("job_execution_cancelled", "job_id", job.ID, "worker_id", workerID)
		e.obs.Metrics.RecordJob(ctx, string(job.Type), string(jobs.StatusCancelled), elapsed)
		return

	case errors.Is(err, errLockLost):
		e.logger.Warn("job_lock_lost", "job_id", job.ID, "worker_id", workerID)
		return

	case err != nil:
		var rec recovery.ErrorRecord
		switch {
		case ctx.Err() != nil:
			// The pool is shutting down; the job goes back for another worker.
			rec = recovery.NewRecord(recovery.CategoryWorker, fmt.Errorf("worker stopped: %w", ctx.Err()), ec)
		case runCtx.Err() != nil:
			rec = recovery.NewRecord(recovery.CategoryTimeout, fmt.Errorf("job exceeded %s: %w", job.Config.Timeout(), runCtx.Err()), ec)
		default:
			rec = recovery.Classify(err, ec)
		}
		spanErr, spanCat = &rec, rec.Category
		status := e.fail(job, workerID, rec, rec.Retryable)
		e.obs.Metrics.RecordJob(ctx, string(job.Type), string(status), elapsed)
		return
	}

	if cat, ok := hardFailure(result); ok {
		rec := recovery.NewRecord(cat, fmt.Errorf("all %d keywords failed: %s", result.Total, cat), ec)
		spanErr, spanCat = &rec, rec.Category
		status := e.fail(job, workerID, rec, false)
		e.obs.Metrics.RecordJob(ctx, string(job.Type), string(status), elapsed)
		return
	}

	result.DurationMs = elapsed.Milliseconds()
	if err := e.queue.Complete(context.WithoutCancel(ctx), job.ID, workerID, result); err != nil {
		if errors.Is(err, queue.ErrJobFinalized) {
			e.logger.Info("job_finished_after_cancel", "job_id", job.ID)
			return
		}
		if errors.Is(err, queue.ErrLockLost) {
			e.logger.Warn("job_lock_lost", "job_id", job.ID, "worker_id", workerID)
			return
		}
		e.logger.Error("job_complete_failed", "job_id", job.ID, "error", err)
		spanErr = err
		return
	}
	e.obs.Metrics.RecordJob(ctx, string(job.Type), string(jobs.StatusCompleted), elapsed)
	e.obs.Metrics.RecordItems(ctx, "success", result.Successful)
	e.obs.Metrics.RecordItems(ctx, "failed", result.Failed)
	e.obs.Metrics.RecordItems(ctx, "skipped", result.Skipped)
}

// fail writes the failure with a fresh context so that a timed-out job
// can still be recorded.
func (e *Executor) fail(job *jobs.Job, workerID string, rec recovery.ErrorRecord, retry bool) jobs.Status {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	status, err := e.queue.Fail(ctx, job.ID, workerID, rec, retry)
	if err != nil {
		if errors.Is(err, queue.ErrJobFinalized) {
			return status
		}
		if errors.Is(err, queue.ErrLockLost) {
			e.logger.Warn("job_lock_lost", "job_id", job.ID, "worker_id", workerID)
			return status
		}
		e.logger.Error("job_fail_record_failed", "job_id", job.ID, "error", err)
	}
	return status
}

// hardFailure reports whether every item failed with quota or auth.
func hardFailure(r *jobs.Result) (recovery.Category, bool) {
	if r == nil || r.Total == 0 || r.Failed != r.Total {
		return "", false
	}
	cat := r.Items[0].Category
	for _, it := range r.Items {
		if it.Category != recovery.CategoryQuotaExceeded && it.Category != recovery.CategoryAuth {
			return "", false
		}
		if it.Category == recovery.CategoryAuth {
			cat = recovery.CategoryAuth
		}
	}
	return cat, true
}

func (e *Executor) run(ctx context.Context, job *jobs.Job, workerID string) (*jobs.Result, error) {
	switch job.Type {
	case jobs.TypeSingleItem:
		return e.processItems(ctx, job, workerID, job.Items(), 1)
	case jobs.TypeBulkBatch:
		return e.processItems(ctx, job, workerID, job.Items(), job.Config.BatchSize)
	case jobs.TypeRefreshSweep:
		return e.runSweep(ctx, job, workerID)
	}
	return nil, &recovery.ErrorRecord{
		Category: recovery.CategoryValidation,
		Message:  fmt.Sprintf("unknown job type %q", job.Type),
	}
}

func (e *Executor) runSweep(ctx context.Context, job *jobs.Job, workerID string) (*jobs.Result, error) {
	if e.stale == nil || job.Payload.Filter == nil {
		return nil, &recovery.ErrorRecord{Category: recovery.CategoryValidation, Message: "refresh sweep is not configured"}
	}
	items, err := e.stale.StaleKeywords(ctx, *job.Payload.Filter, e.now())
	if err != nil {
		return nil, fmt.Errorf("list stale keywords: %w", err)
	}
	total := len(items)
	if _, err := e.queue.UpdateProgress(ctx, job.ID, workerID, queue.ProgressUpdate{Total: &total}); err != nil {
		return nil, progressError(err)
	}
	e.logger.Info("refresh_sweep_resolved", "job_id", job.ID, "keywords", total)
	return e.processItems(ctx, job, workerID, items, job.Config.BatchSize)
}

// progressError maps a rejected progress write to the reason the job
// has to stop.
func progressError(err error) error {
	switch {
	case errors.Is(err, queue.ErrJobFinalized):
		return errCancelled
	case errors.Is(err, queue.ErrLockLost):
		return errLockLost
	}
	return err
}

// processItems enriches items in fixed-size batches. Items of a batch
// fan out up to BatchConcurrency at a time; results keep input order.
func (e *Executor) processItems(ctx context.Context, job *jobs.Job, workerID string, items []enrichment.Keyword, batchSize int) (*jobs.Result, error) {
	if batchSize <= 0 {
		batchSize = len(items)
	}
	limit := e.cfg.BatchConcurrency
	if limit <= 0 || job.Config.PreserveOrder {
		limit = 1
	}

	results := make([]jobs.ItemResult, len(items))
	res := &jobs.Result{Total: len(items)}

	for start := 0; start < len(items); start += batchSize {
		if cancelled, err := e.queue.IsCancelled(ctx, job.ID); err == nil && cancelled {
			return nil, errCancelled
		}
		end := min(start+batchSize, len(items))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limit)
		for i := start; i < end; i++ {
			g.Go(func() (err error) {
				defer func() {
					if r := recover(); r != nil {
						e.logger.Error("item_panic", "job_id", job.ID, "keyword", items[i].Text, "panic", r, "stack", string(debug.Stack()))
						err = &recovery.ErrorRecord{
							Category:  recovery.CategoryWorker,
							Message:   fmt.Sprintf("panic: %v", r),
							Retryable: true,
						}
					}
				}()
				results[i] = e.enrichOne(gctx, job, items[i])
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var batch []enrichment.KeywordMetrics
		for _, it := range results[start:end] {
			switch {
			case it.Skipped:
				res.Skipped++
			case it.Success:
				res.Successful++
			default:
				res.Failed++
			}
			res.QuotaUsed += it.QuotaUnits
			if it.Metrics != nil && it.Source != enrichment.SourceFallback {
				batch = append(batch, *it.Metrics)
			}
		}
		e.save(ctx, job, batch)

		processed := end
		current := items[end-1].Text
		_, err := e.queue.UpdateProgress(ctx, job.ID, workerID, queue.ProgressUpdate{
			Processed:   &processed,
			Successful:  &res.Successful,
			Failed:      &res.Failed,
			Skipped:     &res.Skipped,
			CurrentItem: &current,
		})
		if err != nil {
			if stop := progressError(err); stop != err {
				return nil, stop
			}
			e.logger.Warn("progress_update_failed", "job_id", job.ID, "error", err)
		}

		if end < len(items) {
			if err := sleep(ctx, e.cfg.BatchDelay()); err != nil {
				return nil, err
			}
		}
	}

	res.Items = results
	return res, nil
}

func (e *Executor) save(ctx context.Context, job *jobs.Job, records []enrichment.KeywordMetrics) {
	if e.sink == nil || len(records) == 0 {
		return
	}
	if err := e.sink.SaveMetrics(ctx, records); err != nil {
		e.logger.Warn("metrics_save_failed", "job_id", job.ID, "records", len(records), "error", err)
	}
}

// enrichOne makes one guarded backend call for kw and folds the recovery
// outcome into an ItemResult. It never returns an error.
func (e *Executor) enrichOne(ctx context.Context, job *jobs.Job, kw enrichment.Keyword) jobs.ItemResult {
	item := jobs.ItemResult{Keyword: kw.Text, Locale: kw.Locale}
	ec := recovery.ErrorContext{
		Operation: opFetch,
		Endpoint:  endpointKWs,
		JobID:     job.ID.String(),
		Keywords:  []string{kw.Text},
		Timestamp: e.now().UTC(),
	}

	fctx, span := e.obs.Tracer.StartFetch(ctx, kw.Locale, 1)
	started := time.Now()
	out := e.engine.Execute(fctx, ec, func(ctx context.Context) (any, error) {
		return e.backend.FetchData(ctx, []string{kw.Text}, kw.Locale)
	})
	var fetchErr error
	if out.Err != nil {
		fetchErr = out.Err
	}
	e.obs.Metrics.RecordFetch(ctx, time.Since(started), fetchErr)
	observability.EndSpan(span, fetchErr, string(out.Category))

	switch {
	case out.Success && !out.UsedFallback:
		records, _ := out.Data.([]enrichment.KeywordMetrics)
		m, ok := match(records, kw)
		if !ok {
			item.Skipped = true
			item.Error = "no data returned"
			break
		}
		item.Success = true
		item.Source = m.Source
		if item.Source == "" {
			item.Source = enrichment.SourceLive
		}
		if item.Source == enrichment.SourceLive {
			item.QuotaUnits = 1
		}
		item.Metrics = &m

	case out.UsedFallback && out.Category == recovery.CategoryParsing:
		item.Skipped = true
		item.Source = enrichment.SourceFallback
		item.Category = out.Category
		item.Error = out.Err.Message

	default:
		item.Category = out.Category
		if out.Err != nil {
			item.Error = out.Err.Message
		}
	}

	metrics.RecordItem(string(item.Source), item.Success, item.QuotaUnits)
	return item
}

// match picks the record for kw; a single record answers a single-keyword
// request whatever its echoed spelling.
func match(records []enrichment.KeywordMetrics, kw enrichment.Keyword) (enrichment.KeywordMetrics, bool) {
	for _, r := range records {
		n := enrichment.Keyword{Text: r.Keyword, Locale: r.Locale}.Normalize()
		if n.Text == kw.Text {
			if r.Locale == "" {
				r.Locale = kw.Locale
			}
			return r, true
		}
	}
	if len(records) == 1 {
		r := records[0]
		r.Keyword, r.Locale = kw.Text, kw.Locale
		return r, true
	}
	return enrichment.KeywordMetrics{}, false
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
