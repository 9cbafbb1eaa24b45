package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"kwenrich/internal/config"
	"kwenrich/internal/metrics"
)

// Strategy is the recovery approach applied to a category of errors.
type Strategy string

const (
	StrategyRetry          Strategy = "retry"
	StrategyCircuitBreaker Strategy = "circuit_breaker"
	StrategyDegrade        Strategy = "graceful_degradation"
	StrategyFallback       Strategy = "fallback"
	StrategyFailFast       Strategy = "fail_fast"
	StrategyNone           Strategy = "none"
)

// StrategyFor is the fixed mapping from error category to strategy.
func StrategyFor(cat Category) Strategy {
	switch cat {
	case CategoryRateLimit, CategoryUnknown, CategoryWorker:
		return StrategyRetry
	case CategoryNetwork, CategoryTimeout:
		return StrategyCircuitBreaker
	case CategoryQuotaExceeded:
		return StrategyDegrade
	case CategoryParsing:
		return StrategyFallback
	default:
		return StrategyFailFast
	}
}

// Operation is a retryable unit of work guarded by the engine.
type Operation func(ctx context.Context) (any, error)

// FallbackFunc produces the default value served instead of an error.
type FallbackFunc func(rec ErrorRecord) any

// RecoveryResult reports how an error was handled.
type RecoveryResult struct {
	Success      bool
	Data         any
	Strategy     Strategy
	Category     Category
	Attempts     int
	Elapsed      time.Duration
	UsedFallback bool
	// Err is the last classified error, nil on a clean success.
	Err *ErrorRecord
}

// Engine applies recovery strategies and keeps breaker state and rolling
// error statistics for the process.
type Engine struct {
	cfg      config.RecoveryConfig
	logger   *slog.Logger
	now      func() time.Time
	fallback FallbackFunc
	breakers *breakers
	stats    *statsCollector
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock replaces time.Now, used by breaker cooldowns and statistics.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithFallback sets the producer of degraded/fallback values.
func WithFallback(fn FallbackFunc) Option {
	return func(e *Engine) { e.fallback = fn }
}

// NewEngine constructs an Engine. Zero config values take the defaults of
// config.ApplyDefaults.
func NewEngine(cfg config.RecoveryConfig, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	if cfg.HealthWindowSecs <= 0 {
		cfg.HealthWindowSecs = 300
	}

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		fallback: func(ErrorRecord) any { return nil },
	}
	for _, opt := range opts {
		opt(e)
	}
	e.breakers = newBreakers(cfg.BreakerThreshold, cfg.BreakerTimeout(), e.now)
	e.stats = newStatsCollector(cfg.HistorySize)
	return e
}

// Execute runs op behind the circuit breaker for ec.Key() and hands any
// failure to Handle. A call rejected by an open breaker never invokes op.
func (e *Engine) Execute(ctx context.Context, ec ErrorContext, op Operation) RecoveryResult {
	start := e.now()
	key := ec.Key()

	if !e.breakers.allow(key) {
		rec := NewRecord(CategoryNetwork, fmt.Errorf("%s: %w", key, ErrCircuitOpen), ec)
		e.stats.recordError(rec, e.now())
		res := RecoveryResult{
			Strategy: StrategyCircuitBreaker,
			Category: rec.Category,
			Elapsed:  e.now().Sub(start),
			Err:      &rec,
		}
		e.stats.recordOutcome(res)
		metrics.RecordRecovery(string(res.Category), string(res.Strategy), false)
		return res
	}

	data, err := op(ctx)
	if err == nil {
		e.breakers.success(key)
		return RecoveryResult{Success: true, Data: data, Strategy: StrategyNone, Attempts: 1, Elapsed: e.now().Sub(start)}
	}
	return e.handle(ctx, err, ec, op, start)
}

// Handle classifies err and applies the matching strategy. op, when not
// nil, is re-invoked by the retrying strategies.
func (e *Engine) Handle(ctx context.Context, err error, ec ErrorContext, op Operation) RecoveryResult {
	return e.handle(ctx, err, ec, op, e.now())
}

func (e *Engine) handle(ctx context.Context, err error, ec ErrorContext, op Operation, start time.Time) RecoveryResult {
	if ec.Timestamp.IsZero() {
		ec.Timestamp = e.now().UTC()
	}
	rec := Classify(err, ec)
	e.stats.recordError(rec, e.now())

	strategy := StrategyFor(rec.Category)
	res := RecoveryResult{Strategy: strategy, Category: rec.Category, Attempts: 1, Err: &rec}

	key := ec.Key()
	if strategy == StrategyCircuitBreaker {
		e.breakers.failure(key)
	} else {
		e.breakers.release(key)
	}

	switch strategy {
	case StrategyRetry:
		e.retry(ctx, rec, op, &res, false)
	case StrategyCircuitBreaker:
		if e.breakers.isOpen(key) {
			e.logger.Warn("circuit_open", "key", key, "category", rec.Category)
			break
		}
		e.retry(ctx, rec, op, &res, true)
	case StrategyDegrade, StrategyFallback:
		res.Success = true
		res.UsedFallback = true
		res.Data = e.fallback(rec)
		e.logger.Warn("degraded_output_served",
			"operation", ec.Operation,
			"job_id", ec.JobID,
			"category", rec.Category,
			"strategy", strategy,
		)
	case StrategyFailFast:
		e.logger.Debug("fail_fast", "operation", ec.Operation, "category", rec.Category)
	}

	res.Elapsed = e.now().Sub(start)
	e.stats.recordOutcome(res)
	metrics.RecordRecovery(string(res.Category), string(res.Strategy), res.Success)
	return res
}

// retry re-invokes op with exponential backoff until it succeeds, the
// error turns non-retryable or the attempt budget is spent. When guarded,
// every attempt passes through the breaker for the operation key.
func (e *Engine) retry(ctx context.Context, first ErrorRecord, op Operation, res *RecoveryResult, guarded bool) {
	if op == nil || !first.Retryable || e.cfg.MaxAttempts <= 1 {
		return
	}

	key := first.Context.Key()
	b := newBackoff(e.cfg.BaseDelay(), e.cfg.MaxDelay(), e.cfg.Multiplier, e.cfg.MaxAttempts-1)

	// The failed call that brought us here counts as the first attempt,
	// so wait once before go-retry's immediate first invocation.
	wait, stop := b.Next()
	if stop {
		return
	}
	if err := sleep(ctx, wait); err != nil {
		return
	}

	last := first
	var data any
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if guarded && !e.breakers.allow(key) {
			last = NewRecord(CategoryNetwork, fmt.Errorf("%s: %w", key, ErrCircuitOpen), first.Context)
			return &last
		}
		res.Attempts++
		v, err := op(ctx)
		if err == nil {
			if guarded {
				e.breakers.success(key)
			}
			data = v
			return nil
		}
		last = Classify(err, first.Context)
		if guarded {
			if StrategyFor(last.Category) == StrategyCircuitBreaker {
				e.breakers.failure(key)
			} else {
				e.breakers.release(key)
			}
		}
		if !last.Retryable {
			return &last
		}
		return retry.RetryableError(&last)
	})
	if err == nil {
		res.Success = true
		res.Data = data
		res.Err = nil
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if ctx.Err() != nil {
			last = Classify(ctx.Err(), first.Context)
		}
	}
	res.Category = last.Category
	res.Err = &last
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

// Breakers returns the state of every known circuit breaker.
func (e *Engine) Breakers() []BreakerState {
	return e.breakers.snapshot()
}

// Stats returns rolling error statistics and the derived health signal.
func (e *Engine) Stats() Stats {
	open := e.breakers.openCount()
	s := e.stats.snapshot(e.now(), e.cfg.HealthWindow())
	s.OpenBreakers = open
	s.Health = healthFor(s.RecentErrors, open)
	s.Breakers = e.breakers.snapshot()
	return s
}

// History returns the most recent errors, oldest first.
func (e *Engine) History() []ErrorRecord {
	return e.stats.history()
}

// Reset clears statistics and closes every breaker.
func (e *Engine) Reset() {
	e.stats.reset()
	e.breakers.reset()
}

type statsCollector struct {
	mu            sync.Mutex
	total         int64
	byCategory    map[Category]int64
	byOperation   map[string]int64
	recovered     int64
	unrecovered   int64
	recoveryTotal time.Duration
	ring          []ErrorRecord
	times         []time.Time
	next          int
	size          int
}

func newStatsCollector(size int) *statsCollector {
	return &statsCollector{
		byCategory:  make(map[Category]int64),
		byOperation: make(map[string]int64),
		ring:        make([]ErrorRecord, size),
		times:       make([]time.Time, size),
	}
}

func (s *statsCollector) recordError(rec ErrorRecord, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.byCategory[rec.Category]++
	if rec.Context.Operation != "" {
		s.byOperation[rec.Context.Operation]++
	}
	if len(s.ring) == 0 {
		return
	}
	s.ring[s.next] = rec
	s.times[s.next] = at
	s.next = (s.next + 1) % len(s.ring)
	if s.size < len(s.ring) {
		s.size++
	}
}

func (s *statsCollector) recordOutcome(res RecoveryResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res.Success {
		s.recovered++
		s.recoveryTotal += res.Elapsed
	} else {
		s.unrecovered++
	}
}

func (s *statsCollector) history() []ErrorRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ErrorRecord, 0, s.size)
	start := (s.next - s.size + len(s.ring)) % max(len(s.ring), 1)
	for i := 0; i < s.size; i++ {
		out = append(out, s.ring[(start+i)%len(s.ring)])
	}
	return out
}

func (s *statsCollector) snapshot(now time.Time, window time.Duration) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Stats{
		TotalErrors: s.total,
		ByCategory:  make(map[Category]int64, len(s.byCategory)),
		ByOperation: make(map[string]int64, len(s.byOperation)),
		Recovered:   s.recovered,
		Unrecovered: s.unrecovered,
	}
	for k, v := range s.byCategory {
		out.ByCategory[k] = v
	}
	for k, v := range s.byOperation {
		out.ByOperation[k] = v
	}
	if s.recovered > 0 {
		out.AvgRecoveryTime = s.recoveryTotal / time.Duration(s.recovered)
	}
	cutoff := now.Add(-window)
	for i := 0; i < len(s.times); i++ {
		if !s.times[i].IsZero() && s.times[i].After(cutoff) {
			out.RecentErrors++
		}
	}
	return out
}

func (s *statsCollector) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	size := len(s.ring)
	s.total, s.recovered, s.unrecovered, s.recoveryTotal = 0, 0, 0, 0
	s.byCategory = make(map[Category]int64)
	s.byOperation = make(map[string]int64)
	s.ring = make([]ErrorRecord, size)
	s.times = make([]time.Time, size)
	s.next, s.size = 0, 0
}
