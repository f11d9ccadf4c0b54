package balancer

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/avlb/internal/observability"
)

// Circuit breaker defaults.
const (
	// DefaultBreakerConsecutiveFailures trips an instance breaker.
	DefaultBreakerConsecutiveFailures = 5

	// DefaultBreakerOpenTimeout is how long a tripped breaker stays open.
	DefaultBreakerOpenTimeout = 30 * time.Second
)

// errRequestFailed is the sentinel fed into a breaker for a failed request.
var errRequestFailed = errors.New("request failed")

// breakerSet maintains one circuit breaker per instance of a service.
// Request outcomes reported through the metrics tracker feed the breakers;
// instances whose breaker is open are ejected from the selectable pool.
type breakerSet struct {
	serviceName         string
	consecutiveFailures uint32
	openTimeout         time.Duration
	logger              observability.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// newBreakerSet creates a breaker set for one service.
func newBreakerSet(
	serviceName string,
	consecutiveFailures int,
	openTimeout time.Duration,
	logger observability.Logger,
) *breakerSet {
	if consecutiveFailures <= 0 {
		consecutiveFailures = DefaultBreakerConsecutiveFailures
	}
	if openTimeout <= 0 {
		openTimeout = DefaultBreakerOpenTimeout
	}
	return &breakerSet{
		serviceName:         serviceName,
		consecutiveFailures: uint32(consecutiveFailures), //nolint:gosec // bounds checked above
		openTimeout:         openTimeout,
		logger:              logger,
		breakers:            make(map[string]*gobreaker.CircuitBreaker),
	}
}

// breakerFor returns the breaker for an instance, creating it on demand.
func (s *breakerSet) breakerFor(instanceID string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[instanceID]; ok {
		return cb
	}

	threshold := s.consecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    s.serviceName + "/" + instanceID,
		Timeout: s.openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Info("instance circuit breaker state change",
				observability.String("breaker", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
		},
	})
	s.breakers[instanceID] = cb
	return cb
}

// report feeds a request outcome into the instance's breaker. Outcomes
// arriving while the breaker is open are dropped by gobreaker itself,
// which is the desired behavior.
func (s *breakerSet) report(instanceID string, success bool) {
	cb := s.breakerFor(instanceID)
	_, _ = cb.Execute(func() (interface{}, error) {
		if success {
			return nil, nil
		}
		return nil, errRequestFailed
	})
}

// allow reports whether the instance's breaker admits traffic.
func (s *breakerSet) allow(instanceID string) bool {
	s.mu.Lock()
	cb, ok := s.breakers[instanceID]
	s.mu.Unlock()

	if !ok {
		return true
	}
	return cb.State() != gobreaker.StateOpen
}

// forget drops the breaker for a removed instance.
func (s *breakerSet) forget(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.breakers, instanceID)
}
