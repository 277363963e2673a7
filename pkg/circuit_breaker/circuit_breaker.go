// Package circuit_breaker guards the event reporter's Kafka publish path:
// once a run of failures crosses the threshold, it stops attempting
// sends for a cooldown window instead of blocking the driver on a
// saturated or unreachable broker.
package circuit_breaker

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// Config configures the breaker's failure threshold and timing.
type Config struct {
	MaxFailures   int64         `yaml:"max_failures"`
	ResetTimeout  time.Duration `yaml:"reset_timeout"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

// Stats is a snapshot of the breaker's counters.
type Stats struct {
	State         string
	Failures      int64
	Successes     int64
	Requests      int64
	LastFailure   time.Time
	LastSuccess   time.Time
	NextRetryTime time.Time
}

// CircuitBreaker wraps a fallible operation, tripping open after too many
// consecutive failures.
type CircuitBreaker interface {
	Execute(fn func() error) error
	State() string
	IsOpen() bool
	Reset()
	GetStats() Stats
}

type circuitBreaker struct {
	config Config

	mutex           sync.RWMutex
	state           string
	failures        int64
	successes       int64
	requests        int64
	lastFailureTime time.Time
	lastSuccessTime time.Time
	nextRetryTime   time.Time
}

// New creates a breaker, defaulting any zero-valued Config field.
func New(config Config) CircuitBreaker {
	if config.MaxFailures == 0 {
		config.MaxFailures = 5
	}
	if config.ResetTimeout == 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.CheckInterval == 0 {
		config.CheckInterval = 5 * time.Second
	}

	return &circuitBreaker{config: config, state: StateClosed}
}

func (cb *circuitBreaker) Execute(fn func() error) error {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.requests++

	if cb.state == StateOpen {
		if time.Now().Before(cb.nextRetryTime) {
			return ErrCircuitBreakerOpen
		}
		cb.state = StateHalfOpen
	}

	err := fn()
	if err != nil {
		cb.failures++
		cb.lastFailureTime = time.Now()

		if cb.failures >= cb.config.MaxFailures {
			cb.state = StateOpen
			cb.nextRetryTime = time.Now().Add(cb.config.ResetTimeout)
		}
		return err
	}

	cb.successes++
	cb.lastSuccessTime = time.Now()

	cb.state = StateClosed
	cb.failures = 0

	return nil
}

func (cb *circuitBreaker) State() string {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.state
}

func (cb *circuitBreaker) IsOpen() bool {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.state == StateOpen
}

func (cb *circuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.nextRetryTime = time.Time{}
}

func (cb *circuitBreaker) GetStats() Stats {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()

	return Stats{
		State:         cb.state,
		Failures:      cb.failures,
		Successes:     cb.successes,
		Requests:      cb.requests,
		LastFailure:   cb.lastFailureTime,
		LastSuccess:   cb.lastSuccessTime,
		NextRetryTime: cb.nextRetryTime,
	}
}
