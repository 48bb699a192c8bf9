package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all ctxvault metric instruments.
type Metrics struct {
	CheckpointDuration  metric.Float64Histogram
	RecoveryDuration    metric.Float64Histogram
	RecoveryAttempts    metric.Int64Counter
	RecoveryFailures    metric.Int64Counter
	SessionsExpired     metric.Int64Counter
	SessionsArchived    metric.Int64Counter
	DormantTransitions  metric.Int64Counter
	SweepDuration       metric.Float64Histogram
	ModeChanges         metric.Int64Counter
	ServiceTrips        metric.Int64Counter
	FallbackExecutions  metric.Int64Counter
	WrappedOpDuration   metric.Float64Histogram
	CacheTierPromotions metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CheckpointDuration, err = meter.Float64Histogram("ctxvault.checkpoint.duration",
		metric.WithDescription("Checkpoint creation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RecoveryDuration, err = meter.Float64Histogram("ctxvault.recovery.duration",
		metric.WithDescription("Session recovery duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RecoveryAttempts, err = meter.Int64Counter("ctxvault.recovery.attempts",
		metric.WithDescription("Recovery attempts by strategy and outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.RecoveryFailures, err = meter.Int64Counter("ctxvault.recovery.failures",
		metric.WithDescription("Failed recovery attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsExpired, err = meter.Int64Counter("ctxvault.lifecycle.expired",
		metric.WithDescription("Sessions expired by sweep or direct call"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsArchived, err = meter.Int64Counter("ctxvault.lifecycle.archived",
		metric.WithDescription("Sessions moved to the archived tier"),
	)
	if err != nil {
		return nil, err
	}

	m.DormantTransitions, err = meter.Int64Counter("ctxvault.lifecycle.dormant_transitions",
		metric.WithDescription("Dormancy demotions and reactivations"),
	)
	if err != nil {
		return nil, err
	}

	m.SweepDuration, err = meter.Float64Histogram("ctxvault.lifecycle.sweep_duration",
		metric.WithDescription("Lifecycle sweep duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ModeChanges, err = meter.Int64Counter("ctxvault.degrade.mode_changes",
		metric.WithDescription("Global degradation mode transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.ServiceTrips, err = meter.Int64Counter("ctxvault.degrade.service_trips",
		metric.WithDescription("Services flipped to unhealthy"),
	)
	if err != nil {
		return nil, err
	}

	m.FallbackExecutions, err = meter.Int64Counter("ctxvault.degrade.fallbacks",
		metric.WithDescription("Operations served by fallback value or function"),
	)
	if err != nil {
		return nil, err
	}

	m.WrappedOpDuration, err = meter.Float64Histogram("ctxvault.degrade.op_duration",
		metric.WithDescription("Wrapped operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.CacheTierPromotions, err = meter.Int64Counter("ctxvault.cache.tier_moves",
		metric.WithDescription("Session cache entries moved between tiers"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
