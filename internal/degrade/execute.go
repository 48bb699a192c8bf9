package degrade

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ctxvault/ctxvault/internal/otel"
)

// Operation is the work being protected by a service's health state.
type Operation func(ctx context.Context) (any, error)

// ExecResult reports how a wrapped operation was served.
type ExecResult struct {
	Value        any  `json:"value,omitempty"`
	FallbackUsed bool `json:"fallback_used"`
	// Degraded is set when the operation failed and nothing could serve it,
	// but the service priority allowed absorbing the error.
	Degraded bool `json:"degraded"`
}

// tierSkipped reports whether a priority tier is de-prioritized under mode.
// Critical services always run.
func tierSkipped(priority Priority, mode Mode) bool {
	switch mode {
	case ModeEmergency, ModeEssentialOnly:
		return priority == PriorityImportant || priority == PriorityOptional
	case ModePerformance:
		return priority == PriorityOptional
	}
	return false
}

// ExecuteWithDegradation runs op under the named service's health state:
//
//  1. A service gated off by the global mode (with DisableOnDegradation set)
//     returns fallbackValue immediately, without attempting op.
//  2. An unhealthy service with a registered fallback runs the fallback
//     instead of op.
//  3. Otherwise op runs, healthy or not, and its outcome feeds the
//     failure/recovery streaks; attempting op while unhealthy is the
//     recovery path for services without a health probe. On failure the
//     registered fallback gets a chance to serve the call.
//  4. With nothing left to serve, a critical service propagates the error;
//     important and optional services absorb it, returning fallbackValue
//     (possibly nil) with Degraded set.
func (c *Coordinator) ExecuteWithDegradation(ctx context.Context, service string, op Operation, fallbackValue any) (ExecResult, error) {
	c.mu.Lock()
	st, ok := c.services[service]
	if !ok {
		c.mu.Unlock()
		return ExecResult{}, fmt.Errorf("service %s: %w", service, ErrServiceUnknown)
	}
	healthy := st.healthy
	priority := st.priority
	fallbackFn := st.fallback
	gated := st.disableOnDegrade && tierSkipped(st.priority, c.mode)
	c.mu.Unlock()

	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.WrappedOpDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(otel.AttrService.String(service)))
		}
	}()

	if gated {
		c.countFallback(ctx, service)
		c.logger.Debug("operation gated by degradation mode", "service", service)
		return ExecResult{Value: fallbackValue, FallbackUsed: true}, nil
	}

	if !healthy && fallbackFn != nil {
		c.logger.Debug("routing around unhealthy service", "service", service)
		c.countFallback(ctx, service)
		value, err := fallbackFn(ctx)
		if err == nil {
			return ExecResult{Value: value, FallbackUsed: true}, nil
		}
		c.logger.Warn("fallback function failed", "service", service, "error", err)
		if fallbackValue != nil {
			c.countFallback(ctx, service)
			return ExecResult{Value: fallbackValue, FallbackUsed: true}, nil
		}
		return c.absorb(priority, service, fmt.Errorf("fallback for %s: %w", service, err))
	}

	value, err := op(ctx)
	if err == nil {
		c.RecordSuccess(ctx, service)
		return ExecResult{Value: value}, nil
	}
	opErr := err
	c.RecordFailure(ctx, service, err)
	c.logger.Warn("wrapped operation failed",
		"service", service, "priority", string(priority), "error", err)

	if fallbackFn != nil {
		c.countFallback(ctx, service)
		value, ferr := fallbackFn(ctx)
		if ferr == nil {
			return ExecResult{Value: value, FallbackUsed: true}, nil
		}
		c.logger.Warn("fallback function failed", "service", service, "error", ferr)
		opErr = fmt.Errorf("fallback for %s: %w", service, ferr)
	}

	if fallbackValue != nil {
		c.countFallback(ctx, service)
		return ExecResult{Value: fallbackValue, FallbackUsed: true}, nil
	}
	return c.absorb(priority, service, opErr)
}

func (c *Coordinator) countFallback(ctx context.Context, service string) {
	if c.metrics != nil {
		c.metrics.FallbackExecutions.Add(ctx, 1,
			metric.WithAttributes(otel.AttrService.String(service)))
	}
}

// absorb decides whether an unservable operation surfaces its error.
func (c *Coordinator) absorb(priority Priority, service string, err error) (ExecResult, error) {
	if priority == PriorityCritical {
		return ExecResult{}, fmt.Errorf("critical service %s: %w", service, err)
	}
	return ExecResult{Degraded: true}, nil
}
