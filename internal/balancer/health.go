package balancer

import (
	"context"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vyrodovalexey/avlb/internal/config"
	"github.com/vyrodovalexey/avlb/internal/events"
	"github.com/vyrodovalexey/avlb/internal/metrics"
	"github.com/vyrodovalexey/avlb/internal/observability"
)

// healthMarkFunc applies a probe result to the registry. Results racing a
// service de-registration must be safe no-ops, which the registry
// guarantees by validating the service generation.
type healthMarkFunc func(instanceID string, healthy bool)

// healthSnapshotFunc returns the current instances of the service.
type healthSnapshotFunc func() []*Instance

// healthEmitFunc publishes a healthCheck event for one probe.
type healthEmitFunc func(result events.HealthCheckResult)

// healthChecker performs periodic health probes for one service. Each
// instance is probed independently so a hanging backend cannot stall the
// others; every probe is bounded by the configured timeout.
type healthChecker struct {
	serviceName string
	interval    time.Duration
	timeout     time.Duration
	path        string
	useGRPC     bool
	grpcService string

	client   *http.Client
	snapshot healthSnapshotFunc
	mark     healthMarkFunc
	emit     healthEmitFunc
	logger   observability.Logger
	metrics  *metrics.BalancerMetrics

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}

	grpcMu    sync.Mutex
	grpcConns map[string]*grpc.ClientConn
}

// newHealthChecker creates a health checker for one service.
func newHealthChecker(
	serviceName string,
	cfg config.HealthCheck,
	snapshot healthSnapshotFunc,
	mark healthMarkFunc,
	emit healthEmitFunc,
	logger observability.Logger,
	m *metrics.BalancerMetrics,
) *healthChecker {
	timeout := cfg.Timeout.Duration()
	if timeout == 0 {
		timeout = config.DefaultHealthCheckTimeout
	}

	path := cfg.Path
	if path == "" {
		path = config.DefaultHealthCheckPath
	}

	return &healthChecker{
		serviceName: serviceName,
		interval:    cfg.Interval.Duration(),
		timeout:     timeout,
		path:        path,
		useGRPC:     cfg.GRPC,
		grpcService: cfg.GRPCService,
		client:      &http.Client{Timeout: timeout},
		snapshot:    snapshot,
		mark:        mark,
		emit:        emit,
		logger:      logger,
		metrics:     m,
		stopCh:      make(chan struct{}),
		stoppedCh:   make(chan struct{}),
		grpcConns:   make(map[string]*grpc.ClientConn),
	}
}

// Start starts the probe loop. A zero interval disables the checker.
// A stopped checker can be started again; each cycle gets fresh
// stop/stopped channels because Stop consumes them.
func (hc *healthChecker) Start(ctx context.Context) {
	if hc.interval <= 0 {
		return
	}

	hc.mu.Lock()
	if hc.running {
		hc.mu.Unlock()
		return
	}
	hc.running = true
	hc.stopCh = make(chan struct{})
	hc.stoppedCh = make(chan struct{})
	hc.mu.Unlock()

	go hc.run(ctx)
}

// Stop stops the probe loop and closes pooled gRPC connections. It blocks
// until the loop has exited so no probe result can land after Stop returns
// to a caller holding the registry lock released.
func (hc *healthChecker) Stop() {
	hc.mu.Lock()
	if !hc.running {
		hc.mu.Unlock()
		return
	}
	hc.running = false
	hc.mu.Unlock()

	close(hc.stopCh)
	<-hc.stoppedCh
	hc.closeAllGRPCConns()
}

// IsRunning returns true if the probe loop is active.
func (hc *healthChecker) IsRunning() bool {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.running
}

// run is the main probe loop: an initial round, then one per tick.
func (hc *healthChecker) run(ctx context.Context) {
	defer close(hc.stoppedCh)

	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	hc.checkAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hc.stopCh:
			return
		case <-ticker.C:
			hc.checkAll(ctx)
		}
	}
}

// checkAll probes every instance of the service concurrently.
func (hc *healthChecker) checkAll(ctx context.Context) {
	var wg sync.WaitGroup

	for _, inst := range hc.snapshot() {
		wg.Add(1)
		go func(inst *Instance) {
			defer wg.Done()
			hc.checkInstance(ctx, inst)
		}(inst)
	}

	wg.Wait()
}

// checkInstance probes a single instance and applies the result.
func (hc *healthChecker) checkInstance(ctx context.Context, inst *Instance) {
	select {
	case <-ctx.Done():
		return
	case <-hc.stopCh:
		return
	default:
	}

	if hc.useGRPC {
		hc.checkInstanceGRPC(ctx, inst)
		return
	}

	hc.checkInstanceHTTP(ctx, inst)
}

// checkInstanceHTTP issues an HTTP GET against the probe path and marks
// the instance healthy on any 2xx response.
func (hc *healthChecker) checkInstanceHTTP(ctx context.Context, inst *Instance) {
	url := inst.URL() + hc.path

	probeCtx, cancel := context.WithTimeout(ctx, hc.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, http.NoBody)
	if err != nil {
		hc.applyResult(inst, events.HealthCheckResult{
			InstanceID: inst.ID,
			Healthy:    false,
			Err:        err.Error(),
		})
		return
	}

	checkStart := time.Now()
	resp, err := hc.client.Do(req)
	checkDuration := time.Since(checkStart)

	if err != nil {
		hc.applyResult(inst, events.HealthCheckResult{
			InstanceID: inst.ID,
			Healthy:    false,
			Duration:   checkDuration,
			Err:        err.Error(),
		})
		return
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= http.StatusOK &&
		resp.StatusCode < http.StatusMultipleChoices

	hc.applyResult(inst, events.HealthCheckResult{
		InstanceID: inst.ID,
		Healthy:    healthy,
		StatusCode: resp.StatusCode,
		Duration:   checkDuration,
	})
}

// checkInstanceGRPC performs a native gRPC health check on an instance.
func (hc *healthChecker) checkInstanceGRPC(ctx context.Context, inst *Instance) {
	addr := inst.Address()

	conn, err := hc.getGRPCConn(addr)
	if err != nil {
		hc.applyResult(inst, events.HealthCheckResult{
			InstanceID: inst.ID,
			Healthy:    false,
			Err:        err.Error(),
		})
		return
	}

	client := healthpb.NewHealthClient(conn)

	checkCtx, cancel := context.WithTimeout(ctx, hc.timeout)
	defer cancel()

	checkStart := time.Now()
	resp, err := client.Check(checkCtx, &healthpb.HealthCheckRequest{
		Service: hc.grpcService,
	})
	checkDuration := time.Since(checkStart)

	if err != nil {
		hc.applyResult(inst, events.HealthCheckResult{
			InstanceID: inst.ID,
			Healthy:    false,
			Duration:   checkDuration,
			Err:        err.Error(),
		})
		// Close stale connection on error
		hc.closeGRPCConn(addr)
		return
	}

	healthy := resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	hc.applyResult(inst, events.HealthCheckResult{
		InstanceID: inst.ID,
		Healthy:    healthy,
		Duration:   checkDuration,
	})
}

// applyResult marks the instance, records metrics and emits the
// healthCheck event for one probe.
func (hc *healthChecker) applyResult(inst *Instance, result events.HealthCheckResult) {
	// Discard results racing a checker shutdown (e.g. service
	// de-registration while a probe was in flight).
	select {
	case <-hc.stopCh:
		return
	default:
	}

	hc.mark(inst.ID, result.Healthy)

	outcome := "failure"
	if result.Healthy {
		outcome = "success"
	}
	if hc.metrics != nil {
		hc.metrics.RecordHealthCheck(hc.serviceName, outcome, result.Duration)
	}

	if !result.Healthy {
		hc.logger.Debug("health probe failed",
			observability.String("service", hc.serviceName),
			observability.String("instance", inst.ID),
			observability.String("address", inst.Address()),
			observability.String("error", result.Err),
			observability.Int("statusCode", result.StatusCode),
		)
	}

	hc.emit(result)
}

// getGRPCConn returns a pooled gRPC connection for the address.
func (hc *healthChecker) getGRPCConn(addr string) (*grpc.ClientConn, error) {
	hc.grpcMu.Lock()
	defer hc.grpcMu.Unlock()

	if conn, ok := hc.grpcConns[addr]; ok {
		state := conn.GetState()
		if state != connectivity.Shutdown && state != connectivity.TransientFailure {
			return conn, nil
		}
		if err := conn.Close(); err != nil {
			hc.logger.Warn("failed to close stale gRPC connection",
				observability.String("addr", addr),
				observability.Error(err),
			)
		}
		delete(hc.grpcConns, addr)
	}

	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, err
	}

	hc.grpcConns[addr] = conn
	return conn, nil
}

// closeGRPCConn closes and removes a pooled gRPC connection.
func (hc *healthChecker) closeGRPCConn(addr string) {
	hc.grpcMu.Lock()
	defer hc.grpcMu.Unlock()

	if conn, ok := hc.grpcConns[addr]; ok {
		if err := conn.Close(); err != nil {
			hc.logger.Warn("failed to close gRPC connection",
				observability.String("addr", addr),
				observability.Error(err),
			)
		}
		delete(hc.grpcConns, addr)
	}
}

// closeAllGRPCConns closes all pooled gRPC connections.
func (hc *healthChecker) closeAllGRPCConns() {
	hc.grpcMu.Lock()
	defer hc.grpcMu.Unlock()

	for addr, conn := range hc.grpcConns {
		if err := conn.Close(); err != nil {
			hc.logger.Warn("failed to close gRPC connection",
				observability.String("addr", addr),
				observability.Error(err),
			)
		}
		delete(hc.grpcConns, addr)
	}
}
