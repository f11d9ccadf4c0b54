package balancer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vyrodovalexey/avlb/internal/config"
	"github.com/vyrodovalexey/avlb/internal/events"
	"github.com/vyrodovalexey/avlb/internal/metrics"
	"github.com/vyrodovalexey/avlb/internal/observability"
)

// service is the registry entry for one backend pool. The entry owns its
// instances, selector state, health checker and circuit breakers; all
// mutation goes through the Balancer holding the entry's lock.
type service struct {
	name          string
	algorithm     string
	sel           selector
	stickyEnabled bool
	stickyTTL     time.Duration

	mu        sync.RWMutex
	instances []*Instance
	byID      map[string]*Instance

	checker  *healthChecker
	breakers *breakerSet
}

// Balancer is the load-balancing core: a registry of services with
// per-service selection, health monitoring, request tracking and session
// affinity.
type Balancer struct {
	logger   observability.Logger
	metrics  *metrics.BalancerMetrics
	bus      *events.Bus
	sessions SessionStore

	mu       sync.RWMutex
	services map[string]*service

	startMu sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// Option configures a Balancer.
type Option func(*Balancer)

// WithLogger sets the balancer logger.
func WithLogger(logger observability.Logger) Option {
	return func(b *Balancer) {
		b.logger = logger
	}
}

// WithMetrics sets the Prometheus metrics sink.
func WithMetrics(m *metrics.BalancerMetrics) Option {
	return func(b *Balancer) {
		b.metrics = m
	}
}

// WithEventBus sets the event bus lifecycle events are published on.
func WithEventBus(bus *events.Bus) Option {
	return func(b *Balancer) {
		b.bus = bus
	}
}

// WithSessionStore sets the sticky-session store. The default is the
// in-memory store; a Redis store shares affinity across replicas.
func WithSessionStore(store SessionStore) Option {
	return func(b *Balancer) {
		b.sessions = store
	}
}

// New creates a Balancer with no registered services.
func New(opts ...Option) *Balancer {
	b := &Balancer{
		logger:   observability.NopLogger(),
		bus:      events.NewBus(),
		sessions: NewMemorySessionStore(),
		services: make(map[string]*service),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Events returns the bus balancer lifecycle events are published on.
func (b *Balancer) Events() *events.Bus {
	return b.bus
}

// Start begins health monitoring for all registered services. Services
// registered after Start have their checkers started immediately.
func (b *Balancer) Start(ctx context.Context) {
	b.startMu.Lock()
	defer b.startMu.Unlock()

	if b.started {
		return
	}
	b.started = true
	b.ctx, b.cancel = context.WithCancel(ctx)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, svc := range b.services {
		if svc.checker != nil {
			svc.checker.Start(b.ctx)
		}
	}
}

// Stop stops all health checkers and closes the session store. Stop
// blocks until every probe loop has exited.
func (b *Balancer) Stop() {
	b.startMu.Lock()
	if !b.started {
		b.startMu.Unlock()
		return
	}
	b.started = false
	b.cancel()
	b.startMu.Unlock()

	b.mu.RLock()
	checkers := make([]*healthChecker, 0, len(b.services))
	for _, svc := range b.services {
		if svc.checker != nil {
			checkers = append(checkers, svc.checker)
		}
	}
	b.mu.RUnlock()

	for _, c := range checkers {
		c.Stop()
	}

	if err := b.sessions.Close(); err != nil {
		b.logger.Warn("failed to close session store", observability.Error(err))
	}
}

// RegisterService registers a backend pool. Registering a name that
// already exists replaces the previous definition: its checker is
// stopped, its sessions dropped, and all runtime state reset.
func (b *Balancer) RegisterService(cfg config.Service) error {
	if err := config.ValidateService(&cfg); err != nil {
		return err
	}

	svc := &service{
		name:      cfg.Name,
		algorithm: algorithmOrDefault(cfg.Algorithm),
		sel:       newSelector(cfg.Algorithm),
		byID:      make(map[string]*Instance, len(cfg.Instances)),
	}

	for _, ic := range cfg.Instances {
		inst := NewInstance(ic.ID, ic.Host, ic.Port, ic.Weight)
		svc.instances = append(svc.instances, inst)
		svc.byID[inst.ID] = inst
	}

	if cfg.StickySession != nil && cfg.StickySession.Enabled {
		svc.stickyEnabled = true
		svc.stickyTTL = cfg.StickySession.TTL.Duration()
	}

	if cfg.CircuitBreaker != nil && cfg.CircuitBreaker.Enabled {
		svc.breakers = newBreakerSet(
			cfg.Name,
			cfg.CircuitBreaker.ConsecutiveFailures,
			cfg.CircuitBreaker.OpenTimeout.Duration(),
			b.logger,
		)
	}

	if cfg.HealthCheck != nil && cfg.HealthCheck.Interval.Duration() > 0 {
		svc.checker = newHealthChecker(
			cfg.Name,
			*cfg.HealthCheck,
			func() []*Instance { return b.snapshotInstances(svc) },
			func(id string, healthy bool) { b.applyProbe(svc, id, healthy) },
			func(result events.HealthCheckResult) {
				b.bus.Publish(events.Event{
					Type:        events.TypeHealthCheck,
					ServiceName: cfg.Name,
					InstanceID:  result.InstanceID,
					Result:      &result,
				})
			},
			b.logger,
			b.metrics,
		)
	}

	b.mu.Lock()
	prev := b.services[cfg.Name]
	b.services[cfg.Name] = svc
	b.mu.Unlock()

	if prev != nil {
		b.teardown(prev)
	}

	b.startMu.Lock()
	if b.started && svc.checker != nil {
		svc.checker.Start(b.ctx)
	}
	b.startMu.Unlock()

	b.recordPoolGauges(svc)
	b.logger.Info("service registered",
		observability.String("service", cfg.Name),
		observability.String("algorithm", svc.algorithm),
		observability.Int("instances", len(svc.instances)),
	)
	return nil
}

// UnregisterService removes a service. Unknown names are ignored. The
// service's health checker is stopped and its sticky sessions dropped.
func (b *Balancer) UnregisterService(name string) {
	b.mu.Lock()
	svc, ok := b.services[name]
	if ok {
		delete(b.services, name)
	}
	b.mu.Unlock()

	if !ok {
		return
	}

	b.teardown(svc)
	b.logger.Info("service unregistered", observability.String("service", name))
}

// teardown stops a detached service entry and clears its external state.
func (b *Balancer) teardown(svc *service) {
	if svc.checker != nil {
		svc.checker.Stop()
	}

	if err := b.sessions.DeleteService(context.Background(), svc.name); err != nil {
		b.logger.Warn("failed to drop sessions",
			observability.String("service", svc.name),
			observability.Error(err),
		)
	}

	if b.metrics != nil {
		svc.mu.RLock()
		for _, inst := range svc.instances {
			b.metrics.DeleteInstance(svc.name, inst.ID)
		}
		svc.mu.RUnlock()
	}
}

// AddInstance adds an instance to a service pool. Adding an ID that is
// already present is a silent no-op; the existing instance keeps its
// runtime state.
func (b *Balancer) AddInstance(serviceName string, cfg config.Instance) error {
	svc, ok := b.lookup(serviceName)
	if !ok {
		return fmt.Errorf("unknown service: %s", serviceName)
	}
	if cfg.ID == "" {
		return fmt.Errorf("service %s: instance id is required", serviceName)
	}

	inst := NewInstance(cfg.ID, cfg.Host, cfg.Port, cfg.Weight)

	svc.mu.Lock()
	if _, exists := svc.byID[inst.ID]; exists {
		svc.mu.Unlock()
		return nil
	}
	svc.instances = append(svc.instances, inst)
	svc.byID[inst.ID] = inst
	svc.mu.Unlock()

	b.recordPoolGauges(svc)
	b.bus.Publish(events.Event{
		Type:        events.TypeInstanceAdded,
		ServiceName: serviceName,
		Instance: &events.InstanceRef{
			ID:     inst.ID,
			Host:   inst.Host,
			Port:   inst.Port,
			Weight: inst.Weight,
		},
	})
	b.logger.Info("instance added",
		observability.String("service", serviceName),
		observability.String("instance", inst.ID),
		observability.String("address", inst.Address()),
	)
	return nil
}

// RemoveInstance removes an instance from a service pool. Unknown
// services or instance IDs are ignored. Sticky sessions bound to the
// instance are dropped so no future selection can route to it.
func (b *Balancer) RemoveInstance(serviceName, instanceID string) {
	svc, ok := b.lookup(serviceName)
	if !ok {
		return
	}

	svc.mu.Lock()
	inst, exists := svc.byID[instanceID]
	if !exists {
		svc.mu.Unlock()
		return
	}
	delete(svc.byID, instanceID)
	for idx, cur := range svc.instances {
		if cur.ID == instanceID {
			svc.instances = append(svc.instances[:idx], svc.instances[idx+1:]...)
			break
		}
	}
	svc.mu.Unlock()

	if svc.breakers != nil {
		svc.breakers.forget(instanceID)
	}
	if err := b.sessions.DeleteByInstance(context.Background(), serviceName, instanceID); err != nil {
		b.logger.Warn("failed to drop instance sessions",
			observability.String("service", serviceName),
			observability.String("instance", instanceID),
			observability.Error(err),
		)
	}
	if b.metrics != nil {
		b.metrics.DeleteInstance(serviceName, instanceID)
	}

	b.recordPoolGauges(svc)
	b.bus.Publish(events.Event{
		Type:        events.TypeInstanceRemoved,
		ServiceName: serviceName,
		Instance: &events.InstanceRef{
			ID:     inst.ID,
			Host:   inst.Host,
			Port:   inst.Port,
			Weight: inst.Weight,
		},
	})
	b.logger.Info("instance removed",
		observability.String("service", serviceName),
		observability.String("instance", instanceID),
	)
}

// GetInstances returns all instances of a service, in registration order.
// Unknown services return nil.
func (b *Balancer) GetInstances(serviceName string) []*Instance {
	svc, ok := b.lookup(serviceName)
	if !ok {
		return nil
	}
	return b.snapshotInstances(svc)
}

// GetHealthyInstances returns the selectable pool of a service: every
// instance except those marked unhealthy. Instances still in the unknown
// state are included so a fresh pool can serve traffic before the first
// probe round completes.
func (b *Balancer) GetHealthyInstances(serviceName string) []*Instance {
	svc, ok := b.lookup(serviceName)
	if !ok {
		return nil
	}

	svc.mu.RLock()
	defer svc.mu.RUnlock()

	pool := make([]*Instance, 0, len(svc.instances))
	for _, inst := range svc.instances {
		if inst.Health() != HealthUnhealthy {
			pool = append(pool, inst)
		}
	}
	return pool
}

// GetNextInstance selects the instance the next request should go to, or
// nil when the service is unknown or no eligible instance exists. Sticky
// sessions take precedence over the algorithm; instances with an open
// circuit breaker are skipped.
func (b *Balancer) GetNextInstance(
	ctx context.Context,
	serviceName string,
	sctx *SelectionContext,
) *Instance {
	svc, ok := b.lookup(serviceName)
	if !ok {
		return nil
	}

	key := ""
	if svc.stickyEnabled {
		key = sctx.sessionKey()
	}

	if key != "" {
		if inst := b.stickyLookup(ctx, svc, key); inst != nil {
			if b.metrics != nil {
				b.metrics.RecordStickySessionHit(serviceName)
			}
			return inst
		}
	}

	pool := b.eligiblePool(svc)
	inst := svc.sel.pick(pool, sctx)
	if inst == nil {
		if b.metrics != nil {
			b.metrics.RecordNoInstanceAvailable(serviceName)
		}
		b.logger.Debug("no instance available",
			observability.String("service", serviceName),
		)
		return nil
	}

	if b.metrics != nil {
		b.metrics.RecordSelection(serviceName, svc.algorithm)
	}

	if key != "" {
		if err := b.sessions.Put(ctx, serviceName, key, inst.ID, svc.stickyTTL); err != nil {
			b.logger.Warn("failed to store session",
				observability.String("service", serviceName),
				observability.Error(err),
			)
		}
	}
	return inst
}

// stickyLookup resolves a session key to a still-usable instance. Entries
// pointing at removed or unhealthy instances are dropped so the caller
// falls through to a fresh selection. An instance whose health is still
// unknown keeps its affinity: the entry uses the same eligibility rule
// as the selectable pool, which admits unknown-health instances.
func (b *Balancer) stickyLookup(ctx context.Context, svc *service, key string) *Instance {
	instanceID, found, err := b.sessions.Get(ctx, svc.name, key)
	if err != nil {
		b.logger.Warn("session lookup failed",
			observability.String("service", svc.name),
			observability.Error(err),
		)
		return nil
	}
	if !found {
		return nil
	}

	svc.mu.RLock()
	inst, exists := svc.byID[instanceID]
	svc.mu.RUnlock()

	if exists && inst.Health() != HealthUnhealthy &&
		(svc.breakers == nil || svc.breakers.allow(instanceID)) {
		return inst
	}

	if err := b.sessions.Delete(ctx, svc.name, key); err != nil {
		b.logger.Warn("failed to drop stale session",
			observability.String("service", svc.name),
			observability.Error(err),
		)
	}
	return nil
}

// eligiblePool builds the pool a selector may pick from: instances that
// are not unhealthy and whose breaker, if any, admits traffic.
func (b *Balancer) eligiblePool(svc *service) []*Instance {
	svc.mu.RLock()
	defer svc.mu.RUnlock()

	pool := make([]*Instance, 0, len(svc.instances))
	for _, inst := range svc.instances {
		if inst.Health() == HealthUnhealthy {
			continue
		}
		if svc.breakers != nil && !svc.breakers.allow(inst.ID) {
			if b.metrics != nil {
				b.metrics.RecordBreakerEjection(svc.name, inst.ID)
			}
			continue
		}
		pool = append(pool, inst)
	}
	return pool
}

// MarkHealthy manually marks an instance healthy. Unknown services or
// instances are ignored; marking an already-healthy instance emits no
// event.
func (b *Balancer) MarkHealthy(serviceName, instanceID string) {
	b.setHealth(serviceName, instanceID, HealthHealthy)
}

// MarkUnhealthy manually marks an instance unhealthy, removing it from
// the selectable pool until it is marked healthy again or a probe
// succeeds.
func (b *Balancer) MarkUnhealthy(serviceName, instanceID string) {
	b.setHealth(serviceName, instanceID, HealthUnhealthy)
}

// setHealth transitions an instance's health and emits
// instanceHealthChanged if the value actually changed.
func (b *Balancer) setHealth(serviceName, instanceID string, h Health) {
	svc, ok := b.lookup(serviceName)
	if !ok {
		return
	}

	svc.mu.RLock()
	inst, exists := svc.byID[instanceID]
	svc.mu.RUnlock()
	if !exists {
		return
	}

	if !inst.setHealth(h) {
		return
	}

	if b.metrics != nil {
		b.metrics.RecordHealthStatus(serviceName, instanceID, healthGaugeValue(h))
	}
	b.recordPoolGauges(svc)
	b.bus.Publish(events.Event{
		Type:        events.TypeInstanceHealthChanged,
		ServiceName: serviceName,
		InstanceID:  instanceID,
		NewHealth:   h.String(),
	})
	b.logger.Info("instance health changed",
		observability.String("service", serviceName),
		observability.String("instance", instanceID),
		observability.String("health", h.String()),
	)
}

// applyProbe applies a health probe outcome. Results racing a service
// de-registration or replacement are discarded by checking that the
// probed entry is still the registered one.
func (b *Balancer) applyProbe(svc *service, instanceID string, healthy bool) {
	b.mu.RLock()
	current, ok := b.services[svc.name]
	b.mu.RUnlock()
	if !ok || current != svc {
		return
	}

	h := HealthUnhealthy
	if healthy {
		h = HealthHealthy
	}
	b.setHealth(svc.name, instanceID, h)
}

// RecordRequestStart records that a request was dispatched to an
// instance. Unknown services or instance IDs are a no-op.
func (b *Balancer) RecordRequestStart(serviceName, instanceID string) {
	svc, ok := b.lookup(serviceName)
	if !ok {
		return
	}

	svc.mu.RLock()
	inst, exists := svc.byID[instanceID]
	svc.mu.RUnlock()
	if !exists {
		return
	}

	inst.recordStart()
	if b.metrics != nil {
		b.metrics.RecordRequestStart(serviceName, instanceID)
	}
}

// RecordRequestEnd records the completion of a request against an
// instance. Unknown services or instance IDs are a no-op; the in-flight
// counter never goes below zero.
func (b *Balancer) RecordRequestEnd(
	serviceName, instanceID string,
	success bool,
	duration time.Duration,
) {
	svc, ok := b.lookup(serviceName)
	if !ok {
		return
	}

	svc.mu.RLock()
	inst, exists := svc.byID[instanceID]
	svc.mu.RUnlock()
	if !exists {
		return
	}

	inst.recordEnd(success, float64(duration)/float64(time.Millisecond))

	if svc.breakers != nil {
		svc.breakers.report(instanceID, success)
	}
	if b.metrics != nil {
		b.metrics.RecordRequestEnd(serviceName, instanceID, success, duration)
		b.metrics.RecordConsecutiveFailures(serviceName, instanceID,
			float64(inst.ConsecutiveFailures()))
	}
}

// ServiceStats is a point-in-time snapshot of a service and its
// instances. The request counters are sums over all instances.
type ServiceStats struct {
	Name             string          `json:"name"`
	Algorithm        string          `json:"algorithm"`
	StickySessions   bool            `json:"stickySessions"`
	TotalInstances   int             `json:"totalInstances"`
	HealthyInstances int             `json:"healthyInstances"`
	TotalRequests    int64           `json:"totalRequests"`
	FailedRequests   int64           `json:"failedRequests"`
	Instances        []InstanceStats `json:"instances"`
}

// GetServiceStats returns a snapshot of a service, or nil when unknown.
func (b *Balancer) GetServiceStats(serviceName string) *ServiceStats {
	svc, ok := b.lookup(serviceName)
	if !ok {
		return nil
	}

	svc.mu.RLock()
	defer svc.mu.RUnlock()

	stats := &ServiceStats{
		Name:           svc.name,
		Algorithm:      svc.algorithm,
		StickySessions: svc.stickyEnabled,
		TotalInstances: len(svc.instances),
		Instances:      make([]InstanceStats, 0, len(svc.instances)),
	}
	for _, inst := range svc.instances {
		if inst.Health() != HealthUnhealthy {
			stats.HealthyInstances++
		}
		stats.TotalRequests += inst.TotalRequests()
		stats.FailedRequests += inst.FailedRequests()
		stats.Instances = append(stats.Instances, inst.Stats())
	}
	return stats
}

// ServiceNames returns the names of all registered services.
func (b *Balancer) ServiceNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.services))
	for name := range b.services {
		names = append(names, name)
	}
	return names
}

// lookup fetches a service entry under the registry read lock.
func (b *Balancer) lookup(name string) (*service, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	svc, ok := b.services[name]
	return svc, ok
}

// snapshotInstances copies the instance slice under the service lock.
func (b *Balancer) snapshotInstances(svc *service) []*Instance {
	svc.mu.RLock()
	defer svc.mu.RUnlock()

	out := make([]*Instance, len(svc.instances))
	copy(out, svc.instances)
	return out
}

// recordPoolGauges refreshes the per-service instance count gauges.
func (b *Balancer) recordPoolGauges(svc *service) {
	if b.metrics == nil {
		return
	}

	svc.mu.RLock()
	total := len(svc.instances)
	healthy := 0
	for _, inst := range svc.instances {
		if inst.Health() != HealthUnhealthy {
			healthy++
		}
	}
	svc.mu.RUnlock()

	b.metrics.RecordServiceInstances(svc.name, total, healthy)
}

// healthGaugeValue maps a health state onto the health gauge encoding.
func healthGaugeValue(h Health) float64 {
	switch h {
	case HealthHealthy:
		return 1
	case HealthUnhealthy:
		return 0
	default:
		return -1
	}
}

// algorithmOrDefault normalizes an empty algorithm to round-robin.
func algorithmOrDefault(algorithm string) string {
	if algorithm == "" {
		return config.AlgorithmRoundRobin
	}
	return algorithm
}
