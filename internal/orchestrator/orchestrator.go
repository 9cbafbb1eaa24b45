// Package orchestrator wires the queue, worker pool and recovery engine
// together and is the entry point for submitting and managing jobs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"kwenrich/internal/config"
	"kwenrich/internal/enrichment"
	"kwenrich/internal/events"
	"kwenrich/internal/jobs"
	"kwenrich/internal/observability"
	"kwenrich/internal/queue"
	"kwenrich/internal/recovery"
	"kwenrich/internal/store"
	"kwenrich/internal/worker"
)

// ErrNotRunning is returned by Stop before Start.
var ErrNotRunning = errors.New("orchestrator is not running")

// Deps are the external collaborators of an Orchestrator.
type Deps struct {
	Repo    store.Repository
	Backend enrichment.Backend
	Obs     *observability.Provider
	Sinks   []events.Sink
	Logger  *slog.Logger
}

// Status is the system-wide view returned by GetStatus.
type Status struct {
	Running   bool           `json:"running"`
	StartedAt *time.Time     `json:"startedAt,omitempty"`
	Uptime    string         `json:"uptime,omitempty"`
	Queue     queue.Stats    `json:"queue"`
	Workers   worker.Stats   `json:"workers"`
	Recovery  recovery.Stats `json:"recovery"`
}

type Orchestrator struct {
	cfg    *config.Config
	repo   store.Repository
	queue  *queue.Queue
	pool   *worker.Pool
	engine *recovery.Engine
	bus    *events.Bus
	logger *slog.Logger

	mu        sync.Mutex
	running   bool
	startedAt time.Time
}

// New builds the component graph. Nothing runs until Start.
func New(cfg *config.Config, deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	bus := events.NewBus(logger, deps.Sinks...)
	engine := recovery.NewEngine(cfg.Recovery, logger.With("component", "recovery"),
		recovery.WithFallback(func(recovery.ErrorRecord) any { return []enrichment.KeywordMetrics{} }),
	)
	q := queue.New(deps.Repo, cfg.Queue, logger.With("component", "queue"),
		queue.WithEvents(bus),
		queue.WithRetention(cfg.Retention),
	)
	exec := worker.NewExecutor(cfg.Worker, worker.ExecutorDeps{
		Queue:   q,
		Backend: deps.Backend,
		Stale:   deps.Repo,
		Sink:    deps.Repo,
		Engine:  engine,
		Obs:     deps.Obs,
		Logger:  logger.With("component", "executor"),
	})
	pool := worker.NewPool(cfg.Worker, q, exec, deps.Backend, logger.With("component", "pool"),
		worker.WithEvents(bus),
	)

	return &Orchestrator{
		cfg:    cfg,
		repo:   deps.Repo,
		queue:  q,
		pool:   pool,
		engine: engine,
		bus:    bus,
		logger: logger,
	}
}

// Start launches queue maintenance and the worker pool. Starting a
// running orchestrator is a no-op.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return nil
	}

	o.queue.Start(ctx)
	if err := o.pool.Start(ctx); err != nil {
		o.queue.Stop()
		return fmt.Errorf("start worker pool: %w", err)
	}
	o.running = true
	o.startedAt = time.Now().UTC()
	o.logger.Info("orchestrator_started")
	return nil
}

// Stop drains the worker pool, waiting at most the configured shutdown
// timeout, and then stops queue maintenance.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return ErrNotRunning
	}

	stopCtx, cancel := context.WithTimeout(ctx, o.cfg.Orchestrator.ShutdownTimeout())
	defer cancel()
	err := o.pool.Stop(stopCtx)
	o.queue.Stop()
	o.running = false
	o.logger.Info("orchestrator_stopped", "uptime", time.Since(o.startedAt).Round(time.Second).String())
	return err
}

// Restart stops, waits for the restart cooldown and starts again.
func (o *Orchestrator) Restart(ctx context.Context) error {
	if err := o.Stop(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
		o.logger.Warn("restart_stop_incomplete", "error", err)
	}
	t := time.NewTimer(o.cfg.Orchestrator.RestartCooldown())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	return o.Start(ctx)
}

// Close releases the event bus. Call after Stop.
func (o *Orchestrator) Close() {
	o.bus.Close()
}

func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// SubmitSingle queues enrichment of one keyword.
func (o *Orchestrator) SubmitSingle(ctx context.Context, ownerID string, kw enrichment.Keyword, priority jobs.Priority, cfg jobs.Config) (queue.Receipt, error) {
	return o.queue.Enqueue(ctx, ownerID, jobs.Spec{
		Type:     jobs.TypeSingleItem,
		Priority: priority,
		Payload:  jobs.Payload{Keyword: &kw},
		Config:   cfg,
	}, nil)
}

// SubmitBulk queues enrichment of a keyword list processed in batches.
func (o *Orchestrator) SubmitBulk(ctx context.Context, ownerID string, kws []enrichment.Keyword, priority jobs.Priority, cfg jobs.Config) (queue.Receipt, error) {
	return o.queue.Enqueue(ctx, ownerID, jobs.Spec{
		Type:     jobs.TypeBulkBatch,
		Priority: priority,
		Payload:  jobs.Payload{Keywords: kws},
		Config:   cfg,
	}, nil)
}

// ScheduleSweep queues a refresh of stale stored metrics, optionally not
// before at. Sweeps default to low priority.
func (o *Orchestrator) ScheduleSweep(ctx context.Context, ownerID string, filter enrichment.StaleFilter, at *time.Time, priority jobs.Priority) (queue.Receipt, error) {
	if priority == 0 {
		priority = jobs.PriorityLow
	}
	return o.queue.Enqueue(ctx, ownerID, jobs.Spec{
		Type:     jobs.TypeRefreshSweep,
		Priority: priority,
		Payload:  jobs.Payload{Filter: &filter},
	}, at)
}

// SubmitBatch enqueues specs in order. It stops at the first error and
// returns the receipts of the jobs queued before it.
func (o *Orchestrator) SubmitBatch(ctx context.Context, ownerID string, specs []jobs.Spec) ([]queue.Receipt, error) {
	receipts := make([]queue.Receipt, 0, len(specs))
	for i, spec := range specs {
		r, err := o.queue.Enqueue(ctx, ownerID, spec, nil)
		if err != nil {
			return receipts, fmt.Errorf("spec %d: %w", i, err)
		}
		receipts = append(receipts, r)
	}
	return receipts, nil
}

// JobStatus returns the stored job; store.ErrNotFound when absent.
func (o *Orchestrator) JobStatus(ctx context.Context, id uuid.UUID) (*jobs.Job, error) {
	return o.queue.Get(ctx, id)
}

// Cancel cancels a job owned by ownerID, or any job when ownerID is
// empty, and reports the number of jobs affected.
func (o *Orchestrator) Cancel(ctx context.Context, id uuid.UUID, ownerID string) (int64, error) {
	return o.queue.Cancel(ctx, id, ownerID)
}

func (o *Orchestrator) Pause(reason string) {
	o.queue.Pause(reason)
}

// Resume lifts any pause, including a quota emergency stop.
func (o *Orchestrator) Resume() {
	o.pool.ClearEmergency()
	o.queue.Resume()
}

func (o *Orchestrator) Paused() bool {
	return o.queue.Paused()
}

// Cleanup deletes completed and cancelled jobs older than the given days.
func (o *Orchestrator) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	return o.queue.Cleanup(ctx, olderThanDays)
}

// ScaleWorkers resizes the pool by hand.
func (o *Orchestrator) ScaleWorkers(n int) (int, error) {
	return o.pool.Scale(n)
}

// Subscribe streams lifecycle events until the returned func is called.
func (o *Orchestrator) Subscribe(buffer int) (<-chan events.Event, func()) {
	return o.bus.Subscribe(buffer)
}

// GetStatus gathers queue, pool and recovery statistics.
func (o *Orchestrator) GetStatus(ctx context.Context) (Status, error) {
	qs, err := o.queue.Stats(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("queue stats: %w", err)
	}

	o.mu.Lock()
	st := Status{Running: o.running}
	if o.running {
		started := o.startedAt
		st.StartedAt = &started
		st.Uptime = time.Since(started).Round(time.Second).String()
	}
	o.mu.Unlock()

	st.Queue = qs
	st.Workers = o.pool.Stats()
	st.Recovery = o.engine.Stats()
	return st, nil
}

// Ping checks the job store.
func (o *Orchestrator) Ping(ctx context.Context) error {
	return o.repo.Ping(ctx)
}
