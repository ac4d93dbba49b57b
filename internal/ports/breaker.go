// Adapted from internal/aws/circuit_breaker.go: same closed/open/half-open
// state machine and stdlib-only implementation, repurposed here to wrap
// any single upstream port call (STT/MT/TTS/BlobStore) so a run of
// UpstreamTimeout errors (§7 kind 6) trips the breaker and the worker pool
// fails that step fast during the cooldown window instead of queueing
// batches behind a dead dependency.
package ports

import (
	"errors"
	"sync"
	"time"
)

const (
	stateClosed   = "closed"
	stateOpen     = "open"
	stateHalfOpen = "half-open"
)

// ErrCircuitOpen is returned by Breaker.Execute while the breaker is open.
var ErrCircuitOpen = errors.New("ports: circuit breaker is open")

// Breaker implements the circuit breaker pattern for a single upstream
// dependency (one per STT/MT/TTS/BlobStore instance).
type Breaker struct {
	name             string
	failureThreshold int
	successThreshold int
	cooldown         time.Duration
	maxHalfOpen      int

	mu               sync.Mutex
	state            string
	failureCount     int
	successCount     int
	openedAt         time.Time
	halfOpenInFlight int
}

func NewBreaker(name string, failureThreshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		successThreshold: 3,
		cooldown:         cooldown,
		maxHalfOpen:      1,
		state:            stateClosed,
	}
}

// Execute runs fn under circuit-breaker protection. If the breaker is open
// (and the cooldown hasn't elapsed), fn is not called and ErrCircuitOpen is
// returned immediately.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	if !b.allowLocked() {
		b.mu.Unlock()
		return ErrCircuitOpen
	}
	wasHalfOpen := b.state == stateHalfOpen
	if wasHalfOpen {
		b.halfOpenInFlight++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if wasHalfOpen {
		b.halfOpenInFlight--
	}
	if err != nil {
		b.recordFailureLocked()
		return err
	}
	b.recordSuccessLocked()
	return nil
}

func (b *Breaker) allowLocked() bool {
	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(b.openedAt) > b.cooldown {
			b.state = stateHalfOpen
			b.halfOpenInFlight = 0
			b.successCount = 0
			return true
		}
		return false
	case stateHalfOpen:
		return b.halfOpenInFlight < b.maxHalfOpen
	default:
		return true
	}
}

func (b *Breaker) recordFailureLocked() {
	b.successCount = 0
	switch b.state {
	case stateClosed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.tripLocked()
		}
	case stateHalfOpen:
		b.tripLocked()
	}
}

func (b *Breaker) recordSuccessLocked() {
	switch b.state {
	case stateClosed:
		b.failureCount = 0
	case stateHalfOpen:
		b.successCount++
		if b.successCount >= b.successThreshold {
			b.state = stateClosed
			b.failureCount = 0
			b.successCount = 0
		}
	}
}

func (b *Breaker) tripLocked() {
	b.state = stateOpen
	b.openedAt = time.Now()
	b.failureCount = 0
	b.successCount = 0
}

func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
