package worker

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"kwenrich/internal/config"
	"kwenrich/internal/enrichment"
	"kwenrich/internal/events"
	"kwenrich/internal/jobs"
	"kwenrich/internal/metrics"
)

// ErrNotRunning is returned by operations that need a started pool.
var ErrNotRunning = errors.New("worker pool is not running")

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers     int     `json:"workers"`
	Idle        int     `json:"idle"`
	Processing  int     `json:"processing"`
	Stopping    int     `json:"stopping"`
	InFlight    int64   `json:"inFlight"`
	Capacity    int     `json:"capacity"`
	Processed   int64   `json:"processed"`
	Utilization float64 `json:"utilization"`
	Emergency   bool    `json:"emergency"`
	Details     []Info  `json:"details"`
}

// Pool manages workers between MinWorkers and MaxWorkers.
type Pool struct {
	cfg     config.WorkerConfig
	queue   Queue
	exec    *Executor
	backend enrichment.Backend
	events  events.Emitter
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	workers   map[string]*Worker
	running   bool
	ctx       context.Context
	cancel    context.CancelFunc
	monitors  sync.WaitGroup
	stopMon   chan struct{}
	emergency bool
	retired   int64
}

// Option customises a Pool.
type Option func(*Pool)

func WithEvents(e events.Emitter) Option {
	return func(p *Pool) { p.events = e }
}

// WithClock replaces time.Now in the quota monitor.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// NewPool builds a pool. backend is polled for quota and may be nil to
// disable the quota monitor.
func NewPool(cfg config.WorkerConfig, q Queue, exec *Executor, backend enrichment.Backend, logger *slog.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	p := &Pool{
		cfg:     cfg,
		queue:   q,
		exec:    exec,
		backend: backend,
		events:  events.Discard,
		logger:  logger,
		now:     time.Now,
		workers: make(map[string]*Worker),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches InitialWorkers workers and the scaling and quota
// monitors. ctx bounds every job the pool runs.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.running = true
	p.stopMon = make(chan struct{})
	initial := max(p.cfg.InitialWorkers, p.cfg.MinWorkers, 1)
	for i := 0; i < initial; i++ {
		p.addLocked()
	}
	metrics.SetWorkers(p.activeLocked())
	p.mu.Unlock()

	if p.cfg.ScaleIntervalMs > 0 {
		p.monitor(p.cfg.ScaleInterval(), p.autoscale)
	}
	if p.backend != nil && p.cfg.QuotaCheckIntervalMs > 0 {
		p.monitor(p.cfg.QuotaCheckInterval(), p.CheckQuota)
	}

	p.logger.Info("worker_pool_started", "workers", initial)
	return nil
}

func (p *Pool) monitor(every time.Duration, fn func(context.Context)) {
	p.monitors.Add(1)
	go func() {
		defer p.monitors.Done()
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-p.stopMon:
				return
			case <-p.ctx.Done():
				return
			case <-t.C:
				fn(p.ctx)
			}
		}
	}()
}

// Stop stops claiming new jobs and waits for in-flight jobs to finish.
// When ctx expires first, running jobs are cancelled and handed back to
// the queue for another attempt.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopMon)
	all := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		w.requestStop()
		all = append(all, w)
	}
	cancel := p.cancel
	p.mu.Unlock()

	p.monitors.Wait()

	var err error
	for _, w := range all {
		select {
		case <-w.Done():
		case <-ctx.Done():
			if err == nil {
				p.logger.Warn("worker_pool_stop_timeout", "error", ctx.Err())
				err = ctx.Err()
				cancel()
			}
			<-w.Done()
		}
	}
	cancel()

	p.mu.Lock()
	for _, w := range all {
		p.retireLocked(w)
	}
	metrics.SetWorkers(0)
	p.mu.Unlock()

	p.logger.Info("worker_pool_stopped")
	return err
}

func (p *Pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Pool) addLocked() *Worker {
	id := "worker-" + uuid.NewString()[:8]
	w := newWorker(id, p.queue, p.exec, p.cfg.ConcurrencyPerWorker, p.cfg.PollInterval(), p.cfg.BusyWait(), p.logger)
	p.workers[id] = w
	go w.run(p.ctx)
	p.logger.Info("worker_started", "worker_id", id)
	p.events.Emit(events.Event{Type: events.WorkerStarted, WorkerID: id, At: p.now().UTC()})
	return w
}

// retireLocked removes w from the registry once it has exited.
func (p *Pool) retireLocked(w *Worker) {
	if _, ok := p.workers[w.id]; !ok {
		return
	}
	delete(p.workers, w.id)
	p.retired += w.processed.Load()
	p.logger.Info("worker_stopped", "worker_id", w.id, "processed", w.processed.Load())
	p.events.Emit(events.Event{Type: events.WorkerStopped, WorkerID: w.id, At: p.now().UTC()})
}

// activeLocked counts workers that are not stopping.
func (p *Pool) activeLocked() int {
	n := 0
	for _, w := range p.workers {
		if !w.stopping.Load() {
			n++
		}
	}
	return n
}

// Scale sets the number of active workers, bounded by MinWorkers and
// MaxWorkers. Workers with the fewest in-flight jobs are stopped first.
func (p *Pool) Scale(target int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return 0, ErrNotRunning
	}

	target = max(target, p.cfg.MinWorkers, 1)
	if p.cfg.MaxWorkers > 0 {
		target = min(target, p.cfg.MaxWorkers)
	}
	current := p.activeLocked()
	if target == current {
		return current, nil
	}

	if target > current {
		for i := current; i < target; i++ {
			p.addLocked()
		}
	} else {
		var active []*Worker
		for _, w := range p.workers {
			if !w.stopping.Load() {
				active = append(active, w)
			}
		}
		sort.Slice(active, func(i, j int) bool {
			return active[i].inFlight.Load() < active[j].inFlight.Load()
		})
		for _, w := range active[:current-target] {
			w.requestStop()
			go func(w *Worker) {
				<-w.Done()
				p.mu.Lock()
				p.retireLocked(w)
				p.mu.Unlock()
			}(w)
		}
	}

	metrics.SetWorkers(target)
	p.logger.Info("workers_scaled", "from", current, "to", target)
	p.events.Emit(events.Event{
		Type: events.WorkersScaled,
		At:   p.now().UTC(),
		Data: map[string]any{"from": current, "to": target},
	})
	return target, nil
}

// autoscale grows the pool by half when utilization is above the
// scale-up threshold and shrinks it by a fifth when below scale-down.
func (p *Pool) autoscale(ctx context.Context) {
	st, err := p.queue.Stats(ctx)
	if err != nil {
		p.logger.Warn("autoscale_stats_failed", "error", err)
		return
	}
	p.mu.Lock()
	current := p.activeLocked()
	p.mu.Unlock()

	target := desiredWorkers(current, p.cfg, st.Counts[jobs.StatusQueued]+st.Counts[jobs.StatusProcessing])
	if target != current {
		if _, err := p.Scale(target); err != nil && !errors.Is(err, ErrNotRunning) {
			p.logger.Warn("autoscale_failed", "error", err)
		}
	}
}

func desiredWorkers(current int, cfg config.WorkerConfig, load int64) int {
	if current <= 0 {
		return max(cfg.MinWorkers, 1)
	}
	per := max(cfg.ConcurrencyPerWorker, 1)
	utilization := float64(load) / float64(current*per)

	target := current
	switch {
	case utilization > cfg.ScaleUpThreshold:
		target = int(math.Ceil(float64(current) * 1.5))
	case utilization < cfg.ScaleDownThreshold:
		target = int(math.Floor(float64(current) * 0.8))
	}
	target = max(target, cfg.MinWorkers, 1)
	if cfg.MaxWorkers > 0 {
		target = min(target, cfg.MaxWorkers)
	}
	return target
}

// CheckQuota polls the provider quota. Once usage exceeds EmergencyThreshold
// the queue is paused and an emergency.stop event is emitted. With AutoResume
// an emergency pause is lifted once usage drops or the quota resets.
func (p *Pool) CheckQuota(ctx context.Context) {
	if p.backend == nil {
		return
	}
	q, err := p.backend.QuotaStatus(ctx)
	if err != nil {
		p.logger.Warn("quota_check_failed", "error", err)
		return
	}
	metrics.SetQuota(q.Used, q.Limit)
	ratio := q.Ratio()
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	if ratio > p.cfg.EmergencyThreshold {
		if p.emergency && p.cfg.AutoResume && !q.ResetAt.IsZero() && now.After(q.ResetAt) {
			p.emergency = false
			p.logger.Info("emergency_stop_lifted", "reason", "quota_reset", "reset_at", q.ResetAt)
			p.queue.Resume()
			return
		}
		if p.emergency {
			return
		}
		p.emergency = true
		p.queue.Pause("quota_emergency")
		metrics.RecordEmergencyStop()
		p.logger.Error("emergency_stop", "used", q.Used, "limit", q.Limit, "ratio", ratio)
		p.events.Emit(events.Event{
			Type: events.EmergencyStop,
			At:   now.UTC(),
			Data: map[string]any{"used": q.Used, "limit": q.Limit, "ratio": ratio, "resetAt": q.ResetAt},
		})
		return
	}

	if p.emergency && p.cfg.AutoResume {
		p.emergency = false
		p.logger.Info("emergency_stop_lifted", "reason", "quota_recovered", "ratio", ratio)
		p.queue.Resume()
	}
}

// Emergency reports whether the queue is paused by the quota monitor.
func (p *Pool) Emergency() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.emergency
}

// ClearEmergency forgets a quota pause, used when an operator resumes the
// queue by hand.
func (p *Pool) ClearEmergency() {
	p.mu.Lock()
	p.emergency = false
	p.mu.Unlock()
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Stats{Processed: p.retired, Emergency: p.emergency}
	for _, w := range p.workers {
		info := w.Info()
		st.Details = append(st.Details, info)
		st.InFlight += info.InFlight
		st.Processed += info.Processed
		switch info.State {
		case StateIdle:
			st.Idle++
		case StateProcessing:
			st.Processing++
		case StateStopping:
			st.Stopping++
		}
		if info.State != StateStopping {
			st.Workers++
		}
	}
	sort.Slice(st.Details, func(i, j int) bool { return st.Details[i].ID < st.Details[j].ID })
	st.Capacity = st.Workers * max(p.cfg.ConcurrencyPerWorker, 1)
	if st.Capacity > 0 {
		st.Utilization = float64(st.InFlight) / float64(st.Capacity)
	}
	return st
}
