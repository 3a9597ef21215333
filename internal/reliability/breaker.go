package reliability

import (
	"sync"
	"time"
)

const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 60 * time.Second
)

// BreakerState is the position of a circuit breaker.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// gauge value reported to Prometheus
func (s BreakerState) gauge() float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// BreakerSnapshot is a point-in-time copy of a breaker.
type BreakerSnapshot struct {
	Service          string        `json:"service"`
	Function         string        `json:"function"`
	State            BreakerState  `json:"state"`
	FailureCount     int           `json:"failure_count"`
	LastFailureTime  time.Time     `json:"last_failure_time,omitempty"`
	FailureThreshold int           `json:"failure_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`
}

// Breaker guards one (service, function) pair. All transitions happen under
// its mutex, so at most one half-open probe is ever in flight.
type Breaker struct {
	service   string
	function  string
	threshold int
	timeout   time.Duration
	now       func() time.Time

	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
	probing     bool
}

func newBreaker(service, function string, threshold int, timeout time.Duration, now func() time.Time) *Breaker {
	return &Breaker{
		service:   service,
		function:  function,
		threshold: threshold,
		timeout:   timeout,
		now:       now,
		state:     StateClosed,
	}
}

// Allow admits a call or rejects it with *CircuitOpenError. An admitted
// half-open probe must be followed by Success or Failure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		elapsed := b.now().Sub(b.lastFailure)
		if elapsed < b.timeout {
			return b.rejectLocked(b.timeout - elapsed)
		}
		b.state = StateHalfOpen
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return b.rejectLocked(0)
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

func (b *Breaker) rejectLocked(retryAfter time.Duration) error {
	return &CircuitOpenError{Service: b.service, Function: b.function, RetryAfter: retryAfter}
}

// Success closes the breaker and clears the failure count.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.probing = false
}

// Failure counts a failed call. A failed half-open probe reopens the
// breaker and restarts the recovery timer.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailure = b.now()
	b.failures++
	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.probing = false
		return
	}
	if b.failures >= b.threshold {
		b.state = StateOpen
	}
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.Success()
}

func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		Service:          b.service,
		Function:         b.function,
		State:            b.state,
		FailureCount:     b.failures,
		LastFailureTime:  b.lastFailure,
		FailureThreshold: b.threshold,
		RecoveryTimeout:  b.timeout,
	}
}
