// Package config provides configuration loading and validation for the
// load balancer.
package config

import (
	"fmt"
	"time"
)

// Load balancing algorithm names.
const (
	AlgorithmRoundRobin         = "round-robin"
	AlgorithmLeastConnections   = "least-connections"
	AlgorithmWeightedRoundRobin = "weighted-round-robin"
	AlgorithmIPHash             = "ip-hash"
	AlgorithmRandom             = "random"
	AlgorithmLeastResponseTime  = "least-response-time"
)

// Health check defaults.
const (
	// DefaultHealthCheckPath is the probe path used when none is configured.
	DefaultHealthCheckPath = "/health"

	// DefaultHealthCheckTimeout bounds a single probe.
	DefaultHealthCheckTimeout = 5 * time.Second
)

// Config is the root configuration for the balancer daemon.
type Config struct {
	Server        Server        `yaml:"server" json:"server"`
	Observability Observability `yaml:"observability" json:"observability"`
	Services      []Service     `yaml:"services" json:"services"`
}

// Server holds the admin/ops HTTP server configuration.
type Server struct {
	// Address is the listen address for the admin API, e.g. ":8081".
	Address string `yaml:"address" json:"address"`

	// ReadTimeout is the HTTP read timeout for the admin server.
	ReadTimeout Duration `yaml:"readTimeout" json:"readTimeout"`

	// WriteTimeout is the HTTP write timeout for the admin server.
	WriteTimeout Duration `yaml:"writeTimeout" json:"writeTimeout"`
}

// Observability holds logging configuration.
type Observability struct {
	LogLevel  string `yaml:"logLevel" json:"logLevel"`
	LogFormat string `yaml:"logFormat" json:"logFormat"`
}

// Service defines one backend service pool.
type Service struct {
	// Name is the unique service key.
	Name string `yaml:"name" json:"name"`

	// Algorithm selects the load balancing algorithm.
	Algorithm string `yaml:"algorithm" json:"algorithm"`

	// Instances is the ordered list of initial instances.
	Instances []Instance `yaml:"instances" json:"instances"`

	// HealthCheck configures periodic health probing. A nil value or a
	// zero interval disables probing for the service.
	HealthCheck *HealthCheck `yaml:"healthCheck" json:"healthCheck"`

	// StickySession configures session affinity.
	StickySession *StickySession `yaml:"stickySession" json:"stickySession"`

	// CircuitBreaker configures per-instance circuit breaking.
	CircuitBreaker *CircuitBreaker `yaml:"circuitBreaker" json:"circuitBreaker"`
}

// Instance defines a single backend instance.
type Instance struct {
	ID   string `yaml:"id" json:"id"`
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`

	// Weight is used only by weighted round-robin. Zero means 1.
	Weight int `yaml:"weight" json:"weight"`
}

// HealthCheck holds health probing configuration for a service.
type HealthCheck struct {
	// Interval between probe rounds. Zero disables probing.
	Interval Duration `yaml:"interval" json:"interval"`

	// Timeout bounds a single probe.
	Timeout Duration `yaml:"timeout" json:"timeout"`

	// Path is the HTTP probe path, defaulting to /health.
	Path string `yaml:"path" json:"path"`

	// GRPC switches probing to the standard gRPC health protocol.
	GRPC bool `yaml:"grpc" json:"grpc"`

	// GRPCService is the service name passed to the gRPC health check.
	GRPCService string `yaml:"grpcService" json:"grpcService"`
}

// StickySession holds session affinity configuration for a service.
type StickySession struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// TTL is the fixed lifetime of a session entry, set at creation.
	TTL Duration `yaml:"ttl" json:"ttl"`
}

// CircuitBreaker holds per-instance circuit breaker configuration.
type CircuitBreaker struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// ConsecutiveFailures trips the breaker for an instance.
	ConsecutiveFailures int `yaml:"consecutiveFailures" json:"consecutiveFailures"`

	// OpenTimeout is how long a tripped breaker stays open before
	// allowing a trial request.
	OpenTimeout Duration `yaml:"openTimeout" json:"openTimeout"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: Server{
			Address:      ":8081",
			ReadTimeout:  Duration(10 * time.Second),
			WriteTimeout: Duration(10 * time.Second),
		},
		Observability: Observability{
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}

// validAlgorithms is the set of supported algorithm names.
var validAlgorithms = map[string]bool{
	AlgorithmRoundRobin:         true,
	AlgorithmLeastConnections:   true,
	AlgorithmWeightedRoundRobin: true,
	AlgorithmIPHash:             true,
	AlgorithmRandom:             true,
	AlgorithmLeastResponseTime:  true,
}

// ValidateConfig validates the full configuration.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	seen := make(map[string]bool, len(cfg.Services))
	for i := range cfg.Services {
		svc := &cfg.Services[i]
		if err := ValidateService(svc); err != nil {
			return err
		}
		if seen[svc.Name] {
			return fmt.Errorf("duplicate service name: %s", svc.Name)
		}
		seen[svc.Name] = true
	}

	return nil
}

// ValidateService validates a single service definition.
func ValidateService(svc *Service) error {
	if svc.Name == "" {
		return fmt.Errorf("service name is required")
	}

	if svc.Algorithm != "" && !validAlgorithms[svc.Algorithm] {
		return fmt.Errorf("service %s: unknown algorithm %q", svc.Name, svc.Algorithm)
	}

	ids := make(map[string]bool, len(svc.Instances))
	for _, inst := range svc.Instances {
		if inst.ID == "" {
			return fmt.Errorf("service %s: instance id is required", svc.Name)
		}
		if ids[inst.ID] {
			return fmt.Errorf("service %s: duplicate instance id %s", svc.Name, inst.ID)
		}
		ids[inst.ID] = true
		if inst.Host == "" {
			return fmt.Errorf("service %s: instance %s: host is required", svc.Name, inst.ID)
		}
		if inst.Port <= 0 || inst.Port > 65535 {
			return fmt.Errorf("service %s: instance %s: invalid port %d", svc.Name, inst.ID, inst.Port)
		}
		if inst.Weight < 0 {
			return fmt.Errorf("service %s: instance %s: negative weight", svc.Name, inst.ID)
		}
	}

	if svc.StickySession != nil && svc.StickySession.Enabled && svc.StickySession.TTL <= 0 {
		return fmt.Errorf("service %s: sticky session TTL must be positive", svc.Name)
	}

	if svc.HealthCheck != nil && svc.HealthCheck.Interval < 0 {
		return fmt.Errorf("service %s: negative health check interval", svc.Name)
	}

	return nil
}
