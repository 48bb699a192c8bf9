// Package degrade tracks the health of the services ctxvault depends on and
// computes a global degradation mode from their failure state. Callers wrap
// dependent operations so failures route to fallbacks instead of surfacing.
package degrade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ctxvault/ctxvault/internal/bus"
	"github.com/ctxvault/ctxvault/internal/otel"
)

// Mode is the global degradation level, ordered from healthy to worst.
type Mode string

const (
	ModeFullService   Mode = "full_service"
	ModePerformance   Mode = "performance"
	ModeEssentialOnly Mode = "essential_only"
	ModeEmergency     Mode = "emergency"
)

// Priority ranks how much a service's failure hurts.
type Priority string

const (
	PriorityCritical  Priority = "critical"
	PriorityImportant Priority = "important"
	PriorityOptional  Priority = "optional"
)

var (
	ErrServiceUnknown    = errors.New("service not registered")
	ErrServiceRegistered = errors.New("service already registered")
)

// HealthCheck probes one dependency. A nil return means healthy.
type HealthCheck func(ctx context.Context) error

// KVStore is the minimal interface needed for health state persistence.
type KVStore interface {
	KVSet(ctx context.Context, key, val string) error
	KVGet(ctx context.Context, key string) (string, error)
}

// serviceState tracks failure streaks for a single registered service.
type serviceState struct {
	priority          Priority
	check             HealthCheck
	fallback          Operation // registered fallback, run when unhealthy
	failureThreshold  int
	recoveryThreshold int
	checkInterval     time.Duration
	disableOnDegrade  bool

	healthy   bool
	failures  int // consecutive failures
	successes int // consecutive successes while unhealthy
	lastCheck time.Time
	lastProbe time.Time // last background probe, distinct from live traffic
	lastError string
}

// ServiceHealth is the exported snapshot of one service's state.
type ServiceHealth struct {
	Name                string    `json:"name"`
	Priority            Priority  `json:"priority"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastCheck           time.Time `json:"last_check,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
}

// Config tunes the coordinator's thresholds.
type Config struct {
	// FailureThreshold is how many consecutive failures flip a service to
	// unhealthy (default 3).
	FailureThreshold int
	// RecoveryThreshold is how many consecutive successes flip it back
	// (default 2).
	RecoveryThreshold int
	// CheckInterval is the background probe cadence (default 30s).
	CheckInterval time.Duration
	// CheckTimeout bounds a single probe (default 5s).
	CheckTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = 2
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 30 * time.Second
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = 5 * time.Second
	}
	return c
}

// Coordinator owns the service health table and the global mode. The mode is
// only ever written under the coordinator's mutex, so readers always see a
// value consistent with the health table that produced it.
type Coordinator struct {
	mu       sync.Mutex
	services map[string]*serviceState
	mode     Mode
	// manual pins the mode against recomputation until ResetServiceHealth.
	manual bool

	cfg     Config
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otel.Metrics // nil when telemetry is disabled
	kv      KVStore       // nil disables persistence

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewCoordinator(cfg Config, eventBus *bus.Bus, logger *slog.Logger, metrics *otel.Metrics) *Coordinator {
	return &Coordinator{
		services: make(map[string]*serviceState),
		mode:     ModeFullService,
		cfg:      cfg.withDefaults(),
		bus:      eventBus,
		logger:   logger.With("component", "degrade"),
		metrics:  metrics,
		stop:     make(chan struct{}),
	}
}

// SetKVStore enables persistent mode and health state.
func (c *Coordinator) SetKVStore(store KVStore) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kv = store
}

// ServiceConfig describes one dependency. Zero thresholds and interval fall
// back to the coordinator's defaults.
type ServiceConfig struct {
	Name     string
	Priority Priority
	// Check is the periodic health probe. Nil means health is fed only by
	// live traffic through RecordSuccess/RecordFailure.
	Check HealthCheck
	// Fallback, when set, runs in place of the operation while the service
	// is unhealthy.
	Fallback          Operation
	FailureThreshold  int
	RecoveryThreshold int
	CheckInterval     time.Duration
	// DisableOnDegradation skips the service's operations entirely while the
	// global mode de-prioritizes its tier.
	DisableOnDegradation bool
}

// RegisterService adds a dependency to the health table. Services start
// healthy; the first probe runs when the background loop starts or on the
// first wrapped operation.
func (c *Coordinator) RegisterService(cfg ServiceConfig) error {
	switch cfg.Priority {
	case PriorityCritical, PriorityImportant, PriorityOptional:
	default:
		return fmt.Errorf("service %s: invalid priority %q", cfg.Name, cfg.Priority)
	}
	if cfg.Name == "" {
		return errors.New("service name is empty")
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = c.cfg.FailureThreshold
	}
	if cfg.RecoveryThreshold <= 0 {
		cfg.RecoveryThreshold = c.cfg.RecoveryThreshold
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = c.cfg.CheckInterval
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.services[cfg.Name]; ok {
		return fmt.Errorf("service %s: %w", cfg.Name, ErrServiceRegistered)
	}
	c.services[cfg.Name] = &serviceState{
		priority:          cfg.Priority,
		check:             cfg.Check,
		fallback:          cfg.Fallback,
		failureThreshold:  cfg.FailureThreshold,
		recoveryThreshold: cfg.RecoveryThreshold,
		checkInterval:     cfg.CheckInterval,
		disableOnDegrade:  cfg.DisableOnDegradation,
		healthy:           true,
	}
	c.logger.Info("service registered", "service", cfg.Name, "priority", string(cfg.Priority))
	return nil
}

// Start launches the background probe loop. Stop with Close.
func (c *Coordinator) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				c.probeDueServices(ctx)
			}
		}
	}()
}

// Close stops the probe loop and waits for it to exit.
func (c *Coordinator) Close() {
	close(c.stop)
	c.wg.Wait()
}

// CheckAllServices probes every registered service once, regardless of its
// configured interval.
func (c *Coordinator) CheckAllServices(ctx context.Context) {
	for _, name := range c.serviceNames() {
		c.checkService(ctx, name, true)
	}
}

// probeDueServices is the loop body: per-service intervals are honored, so a
// service with a long interval is not probed on every coordinator tick.
func (c *Coordinator) probeDueServices(ctx context.Context) {
	for _, name := range c.serviceNames() {
		c.checkService(ctx, name, false)
	}
}

func (c *Coordinator) serviceNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.services))
	for name := range c.services {
		names = append(names, name)
	}
	return names
}

func (c *Coordinator) checkService(ctx context.Context, name string, force bool) {
	now := time.Now().UTC()
	c.mu.Lock()
	st, ok := c.services[name]
	if !ok || st.check == nil {
		c.mu.Unlock()
		return
	}
	if !force && now.Sub(st.lastProbe) < st.checkInterval {
		c.mu.Unlock()
		return
	}
	st.lastProbe = now
	check := st.check
	c.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.CheckTimeout)
	err := check(probeCtx)
	cancel()

	if err != nil {
		c.RecordFailure(ctx, name, err)
	} else {
		c.RecordSuccess(ctx, name)
	}
}

// RecordFailure feeds one observed failure into the health table. At the
// failure threshold the service flips unhealthy and the mode is recomputed.
func (c *Coordinator) RecordFailure(ctx context.Context, name string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.services[name]
	if !ok {
		return
	}
	st.failures++
	st.successes = 0
	st.lastCheck = time.Now().UTC()
	if err != nil {
		st.lastError = err.Error()
	}

	if st.healthy && st.failures >= st.failureThreshold {
		st.healthy = false
		c.logger.Warn("service unhealthy",
			"service", name, "priority", string(st.priority), "failures", st.failures, "error", st.lastError)
		if c.metrics != nil {
			c.metrics.ServiceTrips.Add(ctx, 1,
				metric.WithAttributes(otel.AttrService.String(name)))
		}
		if c.bus != nil {
			c.bus.Publish(bus.TopicServiceUnhealthy, bus.ServiceHealthEvent{
				Service:             name,
				Priority:            string(st.priority),
				Healthy:             false,
				ConsecutiveFailures: st.failures,
			})
		}
		c.recomputeModeLocked(ctx, "service "+name+" unhealthy")
	}
	c.persistServiceLocked(name, st)
}

// RecordSuccess feeds one observed success into the health table. A streak
// of successes at the recovery threshold flips the service back to healthy.
func (c *Coordinator) RecordSuccess(ctx context.Context, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.services[name]
	if !ok {
		return
	}
	st.lastCheck = time.Now().UTC()
	if st.healthy {
		st.failures = 0
		return
	}
	st.successes++
	if st.successes >= st.recoveryThreshold {
		st.healthy = true
		st.failures = 0
		st.successes = 0
		st.lastError = ""
		c.logger.Info("service recovered", "service", name, "priority", string(st.priority))
		if c.bus != nil {
			c.bus.Publish(bus.TopicServiceRecovered, bus.ServiceHealthEvent{
				Service:  name,
				Priority: string(st.priority),
				Healthy:  true,
			})
		}
		c.recomputeModeLocked(ctx, "service "+name+" recovered")
	}
	c.persistServiceLocked(name, st)
}

// recomputeModeLocked derives the global mode from the unhealthy counts.
// Must be called with c.mu held. A manual override pins the mode.
func (c *Coordinator) recomputeModeLocked(ctx context.Context, reason string) {
	if c.manual {
		return
	}

	var critical, important, optional int
	for _, st := range c.services {
		if st.healthy {
			continue
		}
		switch st.priority {
		case PriorityCritical:
			critical++
		case PriorityImportant:
			important++
		case PriorityOptional:
			optional++
		}
	}

	next := ModeFullService
	switch {
	case critical > 0:
		next = ModeEmergency
	case important >= 2 || optional >= 3:
		next = ModeEssentialOnly
	case important >= 1 || optional >= 1:
		next = ModePerformance
	}
	c.setModeLocked(ctx, next, reason)
}

func (c *Coordinator) setModeLocked(ctx context.Context, next Mode, reason string) {
	if next == c.mode {
		return
	}
	prev := c.mode
	c.mode = next
	c.logger.Warn("degradation mode changed",
		"old_mode", string(prev), "new_mode", string(next), "reason", reason)
	if c.metrics != nil {
		c.metrics.ModeChanges.Add(ctx, 1,
			metric.WithAttributes(otel.AttrMode.String(string(next))))
	}
	if c.bus != nil {
		c.bus.Publish(bus.TopicModeChanged, bus.ModeChangedEvent{
			OldMode: string(prev),
			NewMode: string(next),
			Reason:  reason,
		})
	}
	if c.kv != nil {
		_ = c.kv.KVSet(context.Background(), "degrade.mode", string(next))
	}
}

// Mode returns the current global degradation mode.
func (c *Coordinator) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetMode pins the mode manually. Recomputation stays suspended until
// ResetServiceHealth clears the override.
func (c *Coordinator) SetMode(ctx context.Context, mode Mode, reason string) error {
	switch mode {
	case ModeFullService, ModePerformance, ModeEssentialOnly, ModeEmergency:
	default:
		return fmt.Errorf("invalid mode %q", mode)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.manual = true
	c.setModeLocked(ctx, mode, "manual override: "+reason)
	return nil
}

// ResetServiceHealth clears a service's failure state, or every service's
// when name is empty. It also lifts any manual mode override and recomputes.
func (c *Coordinator) ResetServiceHealth(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if name != "" {
		st, ok := c.services[name]
		if !ok {
			return fmt.Errorf("service %s: %w", name, ErrServiceUnknown)
		}
		c.resetLocked(name, st)
	} else {
		for n, st := range c.services {
			c.resetLocked(n, st)
		}
	}
	c.manual = false
	c.recomputeModeLocked(ctx, "health reset")
	return nil
}

func (c *Coordinator) resetLocked(name string, st *serviceState) {
	st.healthy = true
	st.failures = 0
	st.successes = 0
	st.lastError = ""
	c.persistServiceLocked(name, st)
}

// GetServiceHealthSnapshot returns a copy of the health table.
func (c *Coordinator) GetServiceHealthSnapshot() map[string]ServiceHealth {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := make(map[string]ServiceHealth, len(c.services))
	for name, st := range c.services {
		snapshot[name] = ServiceHealth{
			Name:                name,
			Priority:            st.priority,
			Healthy:             st.healthy,
			ConsecutiveFailures: st.failures,
			LastCheck:           st.lastCheck,
			LastError:           st.lastError,
		}
	}
	return snapshot
}

// HealthReport is the operator-facing view of the coordinator.
type HealthReport struct {
	Mode           Mode                     `json:"mode"`
	ManualOverride bool                     `json:"manual_override"`
	Services       map[string]ServiceHealth `json:"services"`
}

func (c *Coordinator) GetHealthReport() HealthReport {
	snapshot := c.GetServiceHealthSnapshot()
	c.mu.Lock()
	defer c.mu.Unlock()
	return HealthReport{
		Mode:           c.mode,
		ManualOverride: c.manual,
		Services:       snapshot,
	}
}

// persistServiceLocked saves a single service's state. Must be called with
// c.mu held. Persistence failures are swallowed.
func (c *Coordinator) persistServiceLocked(name string, st *serviceState) {
	if c.kv == nil {
		return
	}
	state := struct {
		Healthy   bool      `json:"healthy"`
		Failures  int       `json:"failures"`
		LastCheck time.Time `json:"last_check"`
		LastError string    `json:"last_error,omitempty"`
	}{
		Healthy:   st.healthy,
		Failures:  st.failures,
		LastCheck: st.lastCheck,
		LastError: st.lastError,
	}
	data, err := json.Marshal(state)
	if err != nil {
		return
	}
	_ = c.kv.KVSet(context.Background(), "degrade.service:"+name, string(data))
}

// LoadServiceState restores persisted health state for registered services.
// Unknown or unparsable entries are skipped.
func (c *Coordinator) LoadServiceState(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.kv == nil {
		return
	}
	for name, st := range c.services {
		val, err := c.kv.KVGet(ctx, "degrade.service:"+name)
		if err != nil || val == "" {
			continue
		}
		var state struct {
			Healthy   bool      `json:"healthy"`
			Failures  int       `json:"failures"`
			LastCheck time.Time `json:"last_check"`
			LastError string    `json:"last_error,omitempty"`
		}
		if err := json.Unmarshal([]byte(val), &state); err != nil {
			continue
		}
		st.healthy = state.Healthy
		st.failures = state.Failures
		st.lastCheck = state.LastCheck
		st.lastError = state.LastError
	}
	c.recomputeModeLocked(ctx, "state restored")
}
