package bus

// Session lifecycle topics.
const (
	TopicSessionExpired     = "session.expired"
	TopicSessionArchived    = "session.archived"
	TopicSessionDormant     = "session.dormant"
	TopicSessionReactivated = "session.reactivated"
)

// Checkpoint and recovery topics.
const (
	TopicCheckpointCreated = "checkpoint.created"
	TopicRecoveryStarted   = "recovery.started"
	TopicRecoveryCompleted = "recovery.completed"
	TopicRecoveryFailed    = "recovery.failed"
)

// Degradation topics.
const (
	TopicModeChanged      = "degrade.mode_changed"
	TopicServiceUnhealthy = "degrade.service_unhealthy"
	TopicServiceRecovered = "degrade.service_recovered"
)

// SessionLifecycleEvent is published when a session crosses a lifecycle boundary.
type SessionLifecycleEvent struct {
	SessionID  string // Session ID
	SessionKey string // Human-readable key
	Status     string // Status after the transition
	Dormant    bool   // Dormancy flag after the transition
	Archived   bool   // Whether archived_at is now set
}

// CheckpointEvent is published when a checkpoint is written.
type CheckpointEvent struct {
	SessionID    string // Session ID
	CheckpointID string // Checkpoint ID
	EntryCount   int    // Context entries captured in the snapshot
}

// RecoveryEvent is published when a recovery attempt finishes.
type RecoveryEvent struct {
	SessionID       string // Session ID
	Strategy        string // complete, partial, or minimal
	Success         bool   // Whether the attempt succeeded
	IntegrityStatus string // valid, partial, or corrupted
	EntriesRestored int    // Context entries written back
}

// ModeChangedEvent is published when the global degradation mode moves.
type ModeChangedEvent struct {
	OldMode string // Previous mode
	NewMode string // New mode
	Reason  string // Service or operator action that triggered the change
}

// ServiceHealthEvent is published when a registered service flips health state.
type ServiceHealthEvent struct {
	Service             string // Service name
	Priority            string // critical, important, or optional
	Healthy             bool   // Health after the flip
	ConsecutiveFailures int    // Failure streak at flip time
}
