// Package balancer implements the load-balancing core of the gateway:
// service registration, instance selection, health monitoring, request
// tracking, and session affinity.
package balancer

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
)

// Health represents the health state of an instance.
type Health int32

const (
	// HealthUnknown is the initial state before any check or manual mark.
	HealthUnknown Health = iota
	// HealthHealthy indicates the instance passed its last check.
	HealthHealthy
	// HealthUnhealthy indicates the instance failed its last check.
	HealthUnhealthy
)

// String returns the string representation of the health state.
func (h Health) String() string {
	switch h {
	case HealthUnknown:
		return "unknown"
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Instance is a single addressable backend belonging to a service pool.
// Identity fields are immutable after creation; runtime state is owned by
// the registry and mutated only through registry methods.
type Instance struct {
	ID     string
	Host   string
	Port   int
	Weight int

	health              atomic.Int32
	activeConnections   atomic.Int64
	totalRequests       atomic.Int64
	failedRequests      atomic.Int64
	consecutiveFailures atomic.Int64

	// Running mean over the full response-time history, updated
	// incrementally so the sample list is never stored.
	respMu          sync.Mutex
	avgResponseTime float64
	responseSamples int64
}

// NewInstance creates an instance with health UNKNOWN and zeroed counters.
// A non-positive weight defaults to 1.
func NewInstance(id, host string, port, weight int) *Instance {
	if weight <= 0 {
		weight = 1
	}
	inst := &Instance{
		ID:     id,
		Host:   host,
		Port:   port,
		Weight: weight,
	}
	inst.health.Store(int32(HealthUnknown))
	return inst
}

// Health returns the current health state.
func (i *Instance) Health() Health {
	return Health(i.health.Load())
}

// setHealth sets the health state and reports whether it changed.
func (i *Instance) setHealth(h Health) bool {
	return i.health.Swap(int32(h)) != int32(h)
}

// Address returns the instance address in "host:port" form.
func (i *Instance) Address() string {
	return net.JoinHostPort(i.Host, strconv.Itoa(i.Port))
}

// URL returns the instance base URL (HTTP).
func (i *Instance) URL() string {
	return fmt.Sprintf("http://%s:%d", i.Host, i.Port)
}

// ActiveConnections returns the current in-flight request count.
func (i *Instance) ActiveConnections() int64 {
	return i.activeConnections.Load()
}

// TotalRequests returns the monotonic request counter.
func (i *Instance) TotalRequests() int64 {
	return i.totalRequests.Load()
}

// FailedRequests returns the monotonic failure counter.
func (i *Instance) FailedRequests() int64 {
	return i.failedRequests.Load()
}

// ConsecutiveFailures returns the back-to-back failure count.
func (i *Instance) ConsecutiveFailures() int64 {
	return i.consecutiveFailures.Load()
}

// AvgResponseTime returns the arithmetic mean of all recorded durations
// in milliseconds, and the number of samples it is based on.
func (i *Instance) AvgResponseTime() (avgMs float64, samples int64) {
	i.respMu.Lock()
	defer i.respMu.Unlock()
	return i.avgResponseTime, i.responseSamples
}

// recordStart increments the in-flight and total request counters.
func (i *Instance) recordStart() {
	i.activeConnections.Add(1)
	i.totalRequests.Add(1)
}

// recordEnd decrements the in-flight counter (floored at zero), updates
// the failure counters and folds the duration into the running mean.
func (i *Instance) recordEnd(success bool, durationMs float64) {
	// A decrement on an instance with zero connections is a no-op.
	for {
		cur := i.activeConnections.Load()
		if cur <= 0 {
			break
		}
		if i.activeConnections.CompareAndSwap(cur, cur-1) {
			break
		}
	}

	if success {
		i.consecutiveFailures.Store(0)
	} else {
		i.failedRequests.Add(1)
		i.consecutiveFailures.Add(1)
	}

	i.respMu.Lock()
	i.responseSamples++
	i.avgResponseTime += (durationMs - i.avgResponseTime) / float64(i.responseSamples)
	i.respMu.Unlock()
}

// InstanceStats is a point-in-time snapshot of an instance's runtime state.
type InstanceStats struct {
	ID                  string  `json:"id"`
	Host                string  `json:"host"`
	Port                int     `json:"port"`
	Weight              int     `json:"weight"`
	Health              string  `json:"health"`
	ActiveConnections   int64   `json:"activeConnections"`
	TotalRequests       int64   `json:"totalRequests"`
	FailedRequests      int64   `json:"failedRequests"`
	ConsecutiveFailures int64   `json:"consecutiveFailures"`
	AvgResponseTimeMs   float64 `json:"avgResponseTimeMs"`
}

// Stats returns a snapshot of the instance's runtime state.
func (i *Instance) Stats() InstanceStats {
	avg, _ := i.AvgResponseTime()
	return InstanceStats{
		ID:                  i.ID,
		Host:                i.Host,
		Port:                i.Port,
		Weight:              i.Weight,
		Health:              i.Health().String(),
		ActiveConnections:   i.ActiveConnections(),
		TotalRequests:       i.TotalRequests(),
		FailedRequests:      i.FailedRequests(),
		ConsecutiveFailures: i.ConsecutiveFailures(),
		AvgResponseTimeMs:   avg,
	}
}
