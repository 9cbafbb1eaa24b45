// Package worker runs claimed jobs. A Pool owns a dynamic set of workers,
// scales them with queue load and pauses the queue when the provider
// quota is nearly spent.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// State is the lifecycle state of a single worker.
type State string

const (
	StateIdle       State = "idle"
	StateProcessing State = "processing"
	StateStopping   State = "stopping"
)

// Info is a snapshot of one worker.
type Info struct {
	ID        string    `json:"id"`
	State     State     `json:"state"`
	InFlight  int64     `json:"inFlight"`
	Processed int64     `json:"processed"`
	StartedAt time.Time `json:"startedAt"`
}

// Worker polls the queue and runs up to concurrency jobs at once.
type Worker struct {
	id        string
	queue     Queue
	exec      *Executor
	slots     *semaphore.Weighted
	poll      time.Duration
	busyWait  time.Duration
	logger    *slog.Logger
	startedAt time.Time

	inFlight  atomic.Int64
	processed atomic.Int64
	stopping  atomic.Bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	running  sync.WaitGroup
}

func newWorker(id string, q Queue, exec *Executor, concurrency int, poll, busyWait time.Duration, logger *slog.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		id:        id,
		queue:     q,
		exec:      exec,
		slots:     semaphore.NewWeighted(int64(concurrency)),
		poll:      poll,
		busyWait:  busyWait,
		logger:    logger.With("worker_id", id),
		startedAt: time.Now().UTC(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (w *Worker) ID() string { return w.id }

func (w *Worker) State() State {
	switch {
	case w.stopping.Load():
		return StateStopping
	case w.inFlight.Load() > 0:
		return StateProcessing
	}
	return StateIdle
}

func (w *Worker) Info() Info {
	return Info{
		ID:        w.id,
		State:     w.State(),
		InFlight:  w.inFlight.Load(),
		Processed: w.processed.Load(),
		StartedAt: w.startedAt,
	}
}

// requestStop asks the worker to stop claiming jobs. In-flight jobs keep
// running; Done is closed once they have finished.
func (w *Worker) requestStop() {
	w.stopOnce.Do(func() {
		w.stopping.Store(true)
		close(w.stop)
	})
}

// Done is closed when the worker has exited and its jobs have finished.
func (w *Worker) Done() <-chan struct{} { return w.done }

// run is the worker loop. ctx bounds both polling and job execution.
func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	defer w.running.Wait()

	for {
		if w.stopping.Load() || ctx.Err() != nil {
			return
		}

		if !w.slots.TryAcquire(1) {
			if !w.wait(ctx, w.busyWait) {
				return
			}
			continue
		}

		job, err := w.queue.Dequeue(ctx, w.id)
		if err != nil || job == nil {
			w.slots.Release(1)
			if err != nil && ctx.Err() == nil {
				w.logger.Error("dequeue_failed", "error", err)
			}
			if !w.wait(ctx, w.poll) {
				return
			}
			continue
		}

		w.inFlight.Add(1)
		w.running.Add(1)
		go func() {
			defer func() {
				w.inFlight.Add(-1)
				w.processed.Add(1)
				w.slots.Release(1)
				w.running.Done()
			}()
			w.exec.Execute(ctx, job, w.id)
		}()
	}
}

// wait sleeps for d, returning early on a queue wake-up. It reports false
// when the worker should exit.
func (w *Worker) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-w.stop:
		return false
	case <-w.queue.Wake():
		return true
	case <-t.C:
		return true
	}
}
