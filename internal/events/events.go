// Package events carries job, worker and queue lifecycle notifications to
// in-process subscribers and external sinks.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Type names a lifecycle event.
type Type string

const (
	JobCreated   Type = "job.created"
	JobStarted   Type = "job.started"
	JobProgress  Type = "job.progress"
	JobCompleted Type = "job.completed"
	JobFailed    Type = "job.failed"
	JobRetrying  Type = "job.retrying"
	JobCancelled Type = "job.cancelled"

	WorkerStarted Type = "worker.started"
	WorkerStopped Type = "worker.stopped"
	WorkersScaled Type = "workers.scaled"

	QueuePaused   Type = "queue.paused"
	QueueResumed  Type = "queue.resumed"
	EmergencyStop Type = "emergency.stop"
)

// Event is one lifecycle notification.
type Event struct {
	Type     Type           `json:"type"`
	JobID    string         `json:"jobId,omitempty"`
	WorkerID string         `json:"workerId,omitempty"`
	At       time.Time      `json:"at"`
	Data     map[string]any `json:"data,omitempty"`
}

// Emitter is implemented by anything events can be sent to.
type Emitter interface {
	Emit(e Event)
}

// Sink receives every event published on a Bus.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

type discard struct{}

func (discard) Emit(Event) {}

// Discard drops every event.
var Discard Emitter = discard{}

// sinkTimeout bounds a single Publish call.
const sinkTimeout = 2 * time.Second

// Bus fans events out to subscribers and sinks. Subscribers that fall
// behind lose events rather than block the emitter; sinks are fed from a
// buffered channel by a single goroutine.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	sinks  []Sink
	closed bool

	sinkCh chan Event
	done   chan struct{}
}

// NewBus creates a Bus and starts its sink dispatcher.
func NewBus(logger *slog.Logger, sinks ...Sink) *Bus {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	b := &Bus{
		logger: logger,
		subs:   make(map[int]chan Event),
		sinks:  sinks,
		sinkCh: make(chan Event, 256),
		done:   make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// AddSink registers a sink for subsequent events.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Subscribe returns a channel receiving every event emitted after the call
// and a function that unsubscribes and closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Emit delivers e without blocking.
func (b *Bus) Emit(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Debug("event_dropped", "type", e.Type, "reason", "slow_subscriber")
		}
	}

	if len(b.sinks) == 0 {
		return
	}
	select {
	case b.sinkCh <- e:
	default:
		b.logger.Warn("event_dropped", "type", e.Type, "reason", "sink_backlog")
	}
}

func (b *Bus) dispatch() {
	defer close(b.done)
	for e := range b.sinkCh {
		b.mu.RLock()
		sinks := append([]Sink(nil), b.sinks...)
		b.mu.RUnlock()

		for _, s := range sinks {
			ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
			if err := s.Publish(ctx, e); err != nil {
				b.logger.Warn("event_publish_failed", "type", e.Type, "error", err)
			}
			cancel()
		}
	}
}

// Close stops the bus, closes subscriber channels and waits for pending
// sink deliveries.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	close(b.sinkCh)
	b.mu.Unlock()

	<-b.done
}
