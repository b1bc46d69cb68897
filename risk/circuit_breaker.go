package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CIRCUIT BREAKER - Back off when the RPC keeps failing
// ═══════════════════════════════════════════════════════════════════════════════
//
// A scan counts as failed when it errors or no entry could be valued. After
// maxConsecutiveFailures in a row the breaker trips and scans are skipped for
// the cooldown. The first scan after the cooldown is a probe: success closes
// the breaker, failure trips it again.
//
// ═══════════════════════════════════════════════════════════════════════════════

type CircuitBreaker struct {
	mu sync.RWMutex

	// Configuration
	maxConsecutiveFailures int
	cooldown               time.Duration

	// State
	consecutiveFailures int
	tripped             bool
	trippedAt           time.Time
	reason              string

	now func() time.Time
}

// NewCircuitBreaker creates a breaker. maxFailures <= 0 disables it.
func NewCircuitBreaker(maxFailures int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxConsecutiveFailures: maxFailures,
		cooldown:               cooldown,
		now:                    time.Now,
	}
}

// Allow reports whether the next scan should run
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	if !cb.tripped {
		return true
	}
	return cb.now().Sub(cb.trippedAt) >= cb.cooldown
}

// RecordFailure counts a failed scan and trips the breaker at the limit
func (cb *CircuitBreaker) RecordFailure(reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.reason = reason

	if cb.maxConsecutiveFailures <= 0 {
		return
	}
	// a failed probe re-trips immediately
	if cb.tripped || cb.consecutiveFailures >= cb.maxConsecutiveFailures {
		cb.tripped = true
		cb.trippedAt = cb.now()
		log.Warn().
			Str("reason", reason).
			Int("consecutive_failures", cb.consecutiveFailures).
			Dur("cooldown", cb.cooldown).
			Msg("🚨 CIRCUIT BREAKER TRIPPED")
	}
}

// RecordSuccess closes the breaker
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.tripped {
		log.Info().Msg("✅ Circuit breaker reset, scans resumed")
	}
	cb.consecutiveFailures = 0
	cb.tripped = false
	cb.reason = ""
}

// IsTripped returns current trip state
func (cb *CircuitBreaker) IsTripped() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.tripped
}

// GetStats returns circuit breaker statistics
func (cb *CircuitBreaker) GetStats() (consecutiveFailures int, tripped bool, reason string) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.consecutiveFailures, cb.tripped, cb.reason
}
