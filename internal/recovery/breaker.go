package recovery

import (
	"sort"
	"sync"
	"time"
)

// BreakerState is a point-in-time view of one circuit breaker.
type BreakerState struct {
	Key                 string    `json:"key"`
	Open                bool      `json:"open"`
	HalfOpen            bool      `json:"halfOpen"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastFailure         time.Time `json:"lastFailure"`
	NextAttempt         time.Time `json:"nextAttempt"`
}

// breakers tracks one breaker per operation key. A breaker opens after
// threshold consecutive failures, rejects calls until timeout has passed
// and then admits a single trial call.
type breakers struct {
	mu        sync.Mutex
	threshold int
	timeout   time.Duration
	now       func() time.Time
	states    map[string]*BreakerState
}

func newBreakers(threshold int, timeout time.Duration, now func() time.Time) *breakers {
	if threshold <= 0 {
		threshold = 5
	}
	return &breakers{
		threshold: threshold,
		timeout:   timeout,
		now:       now,
		states:    make(map[string]*BreakerState),
	}
}

// allow reports whether a call for key may proceed. When the cooldown of
// an open breaker has elapsed the first caller becomes the half-open
// trial and every other caller is rejected until the trial reports back.
func (b *breakers) allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.states[key]
	if !ok || !s.Open {
		return true
	}
	if s.HalfOpen {
		return false
	}
	if b.now().Before(s.NextAttempt) {
		return false
	}
	s.HalfOpen = true
	return true
}

func (b *breakers) success(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.states, key)
}

// failure records a failed call and reports whether the breaker is open
// afterwards.
func (b *breakers) failure(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.states[key]
	if !ok {
		s = &BreakerState{Key: key}
		b.states[key] = s
	}
	now := b.now()
	s.ConsecutiveFailures++
	s.LastFailure = now
	if s.HalfOpen || s.ConsecutiveFailures >= b.threshold {
		s.Open = true
		s.HalfOpen = false
		s.NextAttempt = now.Add(b.timeout)
	}
	return s.Open
}

// release ends a half-open trial whose outcome says nothing about the
// guarded dependency, so the next caller may try again.
func (b *breakers) release(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.states[key]; ok {
		s.HalfOpen = false
	}
}

func (b *breakers) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states = make(map[string]*BreakerState)
}

func (b *breakers) isOpen(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.states[key]
	return ok && s.Open
}

func (b *breakers) openCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.states {
		if s.Open {
			n++
		}
	}
	return n
}

func (b *breakers) snapshot() []BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BreakerState, 0, len(b.states))
	for _, s := range b.states {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
