package router

import (
	"sync"
	"time"
)

// circuitKey identifies one breaker: provider x method.
type circuitKey struct {
	Provider string
	Method   string
}

// CircuitState tracks failures for one (provider, method) pair. States are
// created lazily, live for the process lifetime, and reset only on
// successful calls. Per-process only: a restart closes every circuit, which
// is an accepted limitation.
type CircuitState struct {
	ConsecutiveFailures int
	Window              []bool // rolling window of recent outcomes, true = success
	OpenUntil           time.Time
}

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	// ConsecutiveThreshold opens the circuit after this many consecutive
	// failures.
	ConsecutiveThreshold int

	// FailureRateThreshold opens the circuit when the failure rate over a
	// full rolling window reaches this fraction.
	FailureRateThreshold float64

	// WindowSize bounds the rolling window.
	WindowSize int

	// OpenFor is how long an opened circuit rejects calls before allowing
	// one trial.
	OpenFor time.Duration
}

func (c *BreakerConfig) applyDefaults() {
	if c.ConsecutiveThreshold <= 0 {
		c.ConsecutiveThreshold = 3
	}
	if c.FailureRateThreshold <= 0 {
		c.FailureRateThreshold = 0.5
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 10
	}
	if c.OpenFor <= 0 {
		c.OpenFor = 30 * time.Second
	}
}

// breaker owns the circuit map. The mutex here and the adapter's auth
// single-flight are the only in-memory locks in the call path; everything
// else coordinates through the store.
type breaker struct {
	mu     sync.Mutex
	states map[circuitKey]*CircuitState
	config BreakerConfig
	now    func() time.Time

	onTransition func(key circuitKey, state string)
}

func newBreaker(cfg BreakerConfig, now func() time.Time, onTransition func(circuitKey, string)) *breaker {
	cfg.applyDefaults()
	if now == nil {
		now = time.Now
	}
	if onTransition == nil {
		onTransition = func(circuitKey, string) {}
	}
	return &breaker{
		states:       make(map[circuitKey]*CircuitState),
		config:       cfg,
		now:          now,
		onTransition: onTransition,
	}
}

func (b *breaker) state(key circuitKey) *CircuitState {
	st, ok := b.states[key]
	if !ok {
		st = &CircuitState{}
		b.states[key] = st
	}
	return st
}

// Allow reports whether a call may proceed. An open circuit rejects until
// its window elapses, after which one caller gets a trial; the trial's
// outcome either closes the circuit or re-opens it for a full window.
func (b *breaker) Allow(key circuitKey) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(key)
	if st.OpenUntil.IsZero() {
		return true
	}
	if b.now().Before(st.OpenUntil) {
		return false
	}
	// Half-open: push the deadline so only one trial runs per open window.
	st.OpenUntil = b.now().Add(b.config.OpenFor)
	return true
}

// RecordSuccess closes the circuit and resets the failure streak.
func (b *breaker) RecordSuccess(key circuitKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(key)
	wasOpen := !st.OpenUntil.IsZero()
	st.ConsecutiveFailures = 0
	st.OpenUntil = time.Time{}
	b.push(st, true)
	if wasOpen {
		b.onTransition(key, "closed")
	}
}

// RecordFailure records one terminal failure and opens the circuit when
// either threshold is reached.
func (b *breaker) RecordFailure(key circuitKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(key)
	st.ConsecutiveFailures++
	b.push(st, false)

	open := st.ConsecutiveFailures >= b.config.ConsecutiveThreshold
	if !open && len(st.Window) == b.config.WindowSize {
		failures := 0
		for _, ok := range st.Window {
			if !ok {
				failures++
			}
		}
		open = float64(failures)/float64(len(st.Window)) >= b.config.FailureRateThreshold
	}
	if open {
		st.OpenUntil = b.now().Add(b.config.OpenFor)
		b.onTransition(key, "open")
	}
}

func (b *breaker) push(st *CircuitState, ok bool) {
	st.Window = append(st.Window, ok)
	if len(st.Window) > b.config.WindowSize {
		st.Window = st.Window[1:]
	}
}
