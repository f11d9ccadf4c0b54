package balancer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewInstance(t *testing.T) {
	t.Parallel()

	t.Run("starts in unknown health", func(t *testing.T) {
		t.Parallel()

		inst := NewInstance("a", "10.0.0.1", 8080, 2)
		assert.Equal(t, HealthUnknown, inst.Health())
		assert.Equal(t, int64(0), inst.ActiveConnections())
		assert.Equal(t, int64(0), inst.TotalRequests())
		assert.Equal(t, 2, inst.Weight)
	})

	t.Run("non-positive weight defaults to one", func(t *testing.T) {
		t.Parallel()

		assert.Equal(t, 1, NewInstance("a", "h", 80, 0).Weight)
		assert.Equal(t, 1, NewInstance("a", "h", 80, -3).Weight)
	})
}

func TestInstanceAddress(t *testing.T) {
	t.Parallel()

	inst := NewInstance("a", "10.0.0.1", 8080, 1)
	assert.Equal(t, "10.0.0.1:8080", inst.Address())
	assert.Equal(t, "http://10.0.0.1:8080", inst.URL())
}

func TestInstanceSetHealth(t *testing.T) {
	t.Parallel()

	inst := NewInstance("a", "h", 80, 1)

	assert.True(t, inst.setHealth(HealthHealthy))
	assert.Equal(t, HealthHealthy, inst.Health())

	// Same value again reports no change.
	assert.False(t, inst.setHealth(HealthHealthy))

	assert.True(t, inst.setHealth(HealthUnhealthy))
	assert.Equal(t, HealthUnhealthy, inst.Health())
}

func TestInstanceRequestTracking(t *testing.T) {
	t.Parallel()

	t.Run("active connections never go below zero", func(t *testing.T) {
		t.Parallel()

		inst := NewInstance("a", "h", 80, 1)

		inst.recordEnd(true, 10)
		assert.Equal(t, int64(0), inst.ActiveConnections())

		inst.recordStart()
		inst.recordEnd(true, 10)
		inst.recordEnd(true, 10)
		assert.Equal(t, int64(0), inst.ActiveConnections())
	})

	t.Run("running average over all samples", func(t *testing.T) {
		t.Parallel()

		inst := NewInstance("a", "h", 80, 1)

		inst.recordEnd(true, 100)
		inst.recordEnd(true, 200)
		inst.recordEnd(true, 300)

		avg, samples := inst.AvgResponseTime()
		assert.InDelta(t, 200, avg, 0.0001)
		assert.Equal(t, int64(3), samples)
	})

	t.Run("consecutive failures reset on success", func(t *testing.T) {
		t.Parallel()

		inst := NewInstance("a", "h", 80, 1)

		inst.recordEnd(false, 10)
		inst.recordEnd(false, 10)
		assert.Equal(t, int64(2), inst.ConsecutiveFailures())
		assert.Equal(t, int64(2), inst.FailedRequests())

		inst.recordEnd(true, 10)
		assert.Equal(t, int64(0), inst.ConsecutiveFailures())
		assert.Equal(t, int64(2), inst.FailedRequests())
	})

	t.Run("total requests counted on start", func(t *testing.T) {
		t.Parallel()

		inst := NewInstance("a", "h", 80, 1)

		inst.recordStart()
		inst.recordStart()
		assert.Equal(t, int64(2), inst.TotalRequests())
		assert.Equal(t, int64(2), inst.ActiveConnections())
	})
}

func TestInstanceStats(t *testing.T) {
	t.Parallel()

	inst := NewInstance("a", "10.0.0.1", 8080, 3)
	inst.setHealth(HealthHealthy)
	inst.recordStart()
	inst.recordEnd(false, 150)

	stats := inst.Stats()
	assert.Equal(t, "a", stats.ID)
	assert.Equal(t, "10.0.0.1", stats.Host)
	assert.Equal(t, 8080, stats.Port)
	assert.Equal(t, 3, stats.Weight)
	assert.Equal(t, "healthy", stats.Health)
	assert.Equal(t, int64(0), stats.ActiveConnections)
	assert.Equal(t, int64(1), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.FailedRequests)
	assert.Equal(t, int64(1), stats.ConsecutiveFailures)
	assert.InDelta(t, 150, stats.AvgResponseTimeMs, 0.0001)
}

func TestHealthString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "unknown", HealthUnknown.String())
	assert.Equal(t, "healthy", HealthHealthy.String())
	assert.Equal(t, "unhealthy", HealthUnhealthy.String())
	assert.Equal(t, "unknown", Health(42).String())
}
