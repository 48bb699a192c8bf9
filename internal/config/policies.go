package config

import "time"

// RetentionPolicy is a named retention configuration. A session references
// exactly one policy by name; unknown names resolve to the default policy.
type RetentionPolicy struct {
	Name string `yaml:"-"`

	// ActiveSessionTTLHours is how long an active session lives before it
	// is eligible for expiry.
	ActiveSessionTTLHours int `yaml:"active_session_ttl_hours"`
	// ArchivedSessionTTLHours is how long the archived copy is retained in
	// the cache tier.
	ArchivedSessionTTLHours int `yaml:"archived_session_ttl_hours"`
	// DormantThresholdHours is the inactivity window before a session is
	// demoted to the dormant cache tier.
	DormantThresholdHours int `yaml:"dormant_threshold_hours"`
	// LogRetentionDays bounds per-policy lifecycle log retention.
	LogRetentionDays int `yaml:"log_retention_days"`
	// MetricsRetentionDays bounds per-policy metrics retention.
	MetricsRetentionDays int `yaml:"metrics_retention_days"`
}

// ActiveSessionTTL returns the active TTL as a duration.
func (p RetentionPolicy) ActiveSessionTTL() time.Duration {
	return time.Duration(p.ActiveSessionTTLHours) * time.Hour
}

// ArchivedSessionTTL returns the archived-cache TTL as a duration.
func (p RetentionPolicy) ArchivedSessionTTL() time.Duration {
	return time.Duration(p.ArchivedSessionTTLHours) * time.Hour
}

// DormantThreshold returns the dormancy inactivity window as a duration.
func (p RetentionPolicy) DormantThreshold() time.Duration {
	return time.Duration(p.DormantThresholdHours) * time.Hour
}

// DefaultPolicies returns the built-in named retention policies.
func DefaultPolicies() map[string]RetentionPolicy {
	return map[string]RetentionPolicy{
		"standard": {
			Name:                    "standard",
			ActiveSessionTTLHours:   24,
			ArchivedSessionTTLHours: 30 * 24,
			DormantThresholdHours:   48,
			LogRetentionDays:        30,
			MetricsRetentionDays:    7,
		},
		"extended": {
			Name:                    "extended",
			ActiveSessionTTLHours:   7 * 24,
			ArchivedSessionTTLHours: 90 * 24,
			DormantThresholdHours:   7 * 24,
			LogRetentionDays:        90,
			MetricsRetentionDays:    30,
		},
		"short": {
			Name:                    "short",
			ActiveSessionTTLHours:   6,
			ArchivedSessionTTLHours: 7 * 24,
			DormantThresholdHours:   12,
			LogRetentionDays:        7,
			MetricsRetentionDays:    3,
		},
	}
}

func normalizePolicy(p RetentionPolicy) RetentionPolicy {
	std := DefaultPolicies()["standard"]
	if p.ActiveSessionTTLHours <= 0 {
		p.ActiveSessionTTLHours = std.ActiveSessionTTLHours
	}
	if p.ArchivedSessionTTLHours <= 0 {
		p.ArchivedSessionTTLHours = std.ArchivedSessionTTLHours
	}
	if p.DormantThresholdHours <= 0 {
		p.DormantThresholdHours = std.DormantThresholdHours
	}
	if p.LogRetentionDays <= 0 {
		p.LogRetentionDays = std.LogRetentionDays
	}
	if p.MetricsRetentionDays <= 0 {
		p.MetricsRetentionDays = std.MetricsRetentionDays
	}
	return p
}

// ResolvePolicy returns the named retention policy, falling back to the
// default policy for unknown names. Policy lookups never fail.
func (c Config) ResolvePolicy(name string) RetentionPolicy {
	if p, ok := c.RetentionPolicies[name]; ok {
		return p
	}
	return c.RetentionPolicies[c.DefaultRetentionPolicy]
}
