package circuit

import (
	"sync"
	"time"

	"perpdesk/internal/logger"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker suspends new trades after a run of consecutive losing
// closes. Once the cool-down elapses it admits a single trial trade; further
// admissions wait until that trade closes.
type CircuitBreaker struct {
	mu            sync.Mutex
	state         State
	failures      int
	trial         bool
	threshold     int
	timeout       time.Duration
	lastFailure   time.Time
	openedAt      time.Time
	name          string
	nowFn         func() time.Time
	onStateChange func(name string, from, to State)
}

func NewCircuitBreaker(name string, threshold int, timeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker{
		name:      name,
		threshold: threshold,
		timeout:   timeout,
		state:     StateClosed,
		nowFn:     time.Now,
	}
}

func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if now != nil {
		cb.nowFn = now
	}
	return cb
}

func (cb *CircuitBreaker) SetStateChangeHandler(handler func(name string, from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = handler
}

// Allow reports whether a new trade may be admitted.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.nowFn().Sub(cb.lastFailure) >= cb.timeout {
			cb.trial = false
			cb.transition(StateHalfOpen)
			return true
		}
		return false
	default:
		return !cb.trial
	}
}

// Admitted marks the half-open trial as taken. It is a no-op in any other
// state.
func (cb *CircuitBreaker) Admitted() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen {
		cb.trial = true
	}
}

// ClearTrial frees the half-open slot when the trial trade is dropped
// without a close.
func (cb *CircuitBreaker) ClearTrial() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trial = false
}

// IsOpen is the read-only counterpart of Allow; it never changes state.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state == StateOpen && cb.nowFn().Sub(cb.lastFailure) < cb.timeout
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.trial = false
	switch cb.state {
	case StateHalfOpen, StateOpen:
		cb.failures = 0
		cb.transition(StateClosed)
	case StateClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = cb.nowFn()
	cb.trial = false

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.threshold {
			cb.openedAt = cb.lastFailure
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		cb.openedAt = cb.lastFailure
		cb.transition(StateOpen)
	}
}

// Reset closes the breaker and forgets the loss streak.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.trial = false
	if cb.state != StateClosed {
		cb.transition(StateClosed)
	}
}

type Snapshot struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Failures  int       `json:"consecutive_losses"`
	Threshold int       `json:"threshold"`
	OpenedAt  time.Time `json:"opened_at,omitempty"`
	ReopensAt time.Time `json:"reopens_at,omitempty"`
}

func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	snap := Snapshot{
		Name:      cb.name,
		State:     cb.state.String(),
		Failures:  cb.failures,
		Threshold: cb.threshold,
	}
	if cb.state == StateOpen {
		snap.OpenedAt = cb.openedAt
		snap.ReopensAt = cb.lastFailure.Add(cb.timeout)
	}
	return snap
}

func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	if cb.onStateChange != nil {
		go cb.onStateChange(cb.name, from, to)
	} else {
		logger.Warnf("CircuitBreaker %s state change: %s -> %s (losses=%d/%d, cooldown=%s)",
			cb.name, from, to, cb.failures, cb.threshold, cb.timeout)
	}
}
