// Package lifecycle owns session state transitions and the sweeps that keep
// the session table bounded: expiration, orphan cleanup, dormancy detection,
// and retention-driven deletion of archived sessions.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ctxvault/ctxvault/internal/audit"
	"github.com/ctxvault/ctxvault/internal/bus"
	"github.com/ctxvault/ctxvault/internal/cache"
	"github.com/ctxvault/ctxvault/internal/config"
	"github.com/ctxvault/ctxvault/internal/degrade"
	"github.com/ctxvault/ctxvault/internal/otel"
	"github.com/ctxvault/ctxvault/internal/persistence"
)

const (
	// Sessions with no context history and no activity for this long are
	// treated as abandoned handoffs by the cleanup sweep.
	orphanAge = 7 * 24 * time.Hour

	kvLastCleanup   = "lifecycle.last_cleanup"
	kvLastDormancy  = "lifecycle.last_dormancy"
	kvLastRetention = "lifecycle.last_retention"
)

// Manager drives session lifecycle transitions against the durable store,
// keeping the Redis tier cache and the audit ledger in step.
type Manager struct {
	store   *persistence.Store
	cache   *cache.SessionCache // nil when the cache tier is disabled
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otel.Metrics // nil when telemetry is disabled

	// health gates cache traffic when a degradation coordinator is wired in.
	health       *degrade.Coordinator
	cacheService string

	cfgMu sync.RWMutex
	cfg   config.Config

	sweeping atomic.Bool
}

func NewManager(store *persistence.Store, sessionCache *cache.SessionCache, cfg config.Config, eventBus *bus.Bus, logger *slog.Logger, metrics *otel.Metrics) *Manager {
	return &Manager{
		store:   store,
		cache:   sessionCache,
		cfg:     cfg,
		bus:     eventBus,
		logger:  logger.With("component", "lifecycle"),
		metrics: metrics,
	}
}

// SetDegradationGate routes cache traffic through the coordinator's named
// service. While the service's tier is gated off by the global mode, or it
// is unhealthy with a fallback registered, cache reads report misses and
// cache writes are skipped.
func (m *Manager) SetDegradationGate(c *degrade.Coordinator, service string) {
	m.health = c
	m.cacheService = service
}

// UpdateConfig swaps in a reloaded configuration. Retention policies and
// sweep bounds take effect on the next call that reads them; in-flight
// sweeps finish under the old values.
func (m *Manager) UpdateConfig(cfg config.Config) {
	m.cfgMu.Lock()
	m.cfg = cfg
	m.cfgMu.Unlock()
}

func (m *Manager) config() config.Config {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

// CreateSession creates a pending session, schedules its expiration from the
// retention policy's active TTL, and seeds the hot cache tier.
func (m *Manager) CreateSession(ctx context.Context, params persistence.CreateSessionParams) (*persistence.SessionRecord, error) {
	policy := m.config().ResolvePolicy(params.RetentionPolicy)
	params.RetentionPolicy = policy.Name
	if params.ExpiresAt == nil {
		deadline := time.Now().UTC().Add(policy.ActiveSessionTTL())
		params.ExpiresAt = &deadline
	}

	rec, err := m.store.CreateSession(ctx, params)
	if err != nil {
		return nil, err
	}
	m.cachePut(ctx, cache.TierActive, rec)
	audit.Record(ctx, rec.ID, "session_created", map[string]any{
		"session_key":      rec.SessionKey,
		"agent_from":       rec.AgentFrom,
		"agent_to":         rec.AgentTo,
		"retention_policy": rec.RetentionPolicy,
		"expires_at":       rec.ExpiresAt,
	})
	m.logger.InfoContext(ctx, "session created",
		"session_id", rec.ID, "session_key", rec.SessionKey, "policy", rec.RetentionPolicy)
	return rec, nil
}

// GetSession reads through the cache tiers before touching SQLite. A hit on
// the durable store backfills the matching tier.
func (m *Manager) GetSession(ctx context.Context, id string) (*persistence.SessionRecord, error) {
	if m.cache != nil {
		if rec := m.cacheLookup(ctx, id); rec != nil {
			return rec, nil
		}
	}
	rec, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	m.cachePut(ctx, tierFor(rec), rec)
	return rec, nil
}

// GetSessionByKey resolves a session by its caller-facing key. Archived
// sessions are served from the frozen cache copy when present.
func (m *Manager) GetSessionByKey(ctx context.Context, key string) (*persistence.SessionRecord, error) {
	if m.cache != nil {
		v, ok := m.cacheOp(ctx, func(ctx context.Context) (any, error) {
			rec, err := m.cache.GetArchivedByKey(ctx, key)
			if errors.Is(err, cache.ErrCacheMiss) {
				return nil, nil
			}
			if err != nil {
				m.logger.WarnContext(ctx, "cache read failed", "session_key", key, "error", err)
				return nil, err
			}
			return rec, nil
		})
		if ok {
			if rec, _ := v.(*persistence.SessionRecord); rec != nil {
				return rec, nil
			}
		}
	}
	return m.store.GetSessionByKey(ctx, key)
}

// ActivateSession moves a pending session to active.
func (m *Manager) ActivateSession(ctx context.Context, id string) error {
	return m.transition(ctx, id, persistence.StatusActive, "session_activated")
}

// CompleteSession marks a successful handoff.
func (m *Manager) CompleteSession(ctx context.Context, id string) error {
	return m.transition(ctx, id, persistence.StatusCompleted, "session_completed")
}

// FailSession marks a handoff that could not finish.
func (m *Manager) FailSession(ctx context.Context, id string, reason string) error {
	if err := m.transition(ctx, id, persistence.StatusFailed, "session_failed"); err != nil {
		return err
	}
	audit.Record(ctx, id, "session_failure_reason", map[string]any{"reason": reason})
	return nil
}

func (m *Manager) transition(ctx context.Context, id string, to persistence.SessionStatus, eventType string) error {
	if err := m.store.UpdateSessionStatus(ctx, id, to); err != nil {
		return err
	}
	m.cacheInvalidate(ctx, id, "")
	audit.Record(ctx, id, eventType, map[string]any{"status": string(to)})
	return nil
}

// ScheduleExpiration replaces the session's deadline with now plus the
// policy's active TTL. Callers extending a session after activity go
// through this.
func (m *Manager) ScheduleExpiration(ctx context.Context, id string) (time.Time, error) {
	rec, err := m.store.GetSession(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	policy := m.config().ResolvePolicy(rec.RetentionPolicy)
	deadline := time.Now().UTC().Add(policy.ActiveSessionTTL())
	if err := m.store.SetExpiry(ctx, id, deadline); err != nil {
		return time.Time{}, err
	}
	m.cacheInvalidate(ctx, id, "")
	audit.Record(ctx, id, "expiration_scheduled", map[string]any{"expires_at": deadline})
	return deadline, nil
}

// ExpireSession transitions a live session to expired. Already terminal or
// archived sessions make this a no-op, so the sweep and direct calls can
// race without failing.
func (m *Manager) ExpireSession(ctx context.Context, id string) error {
	rec, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if rec.Archived() || !persistence.ValidStatusTransition(rec.Status, persistence.StatusExpired) {
		return nil
	}
	if err := m.store.UpdateSessionStatus(ctx, id, persistence.StatusExpired); err != nil {
		if errors.Is(err, persistence.ErrInvalidTransition) {
			return nil
		}
		return err
	}

	m.cacheInvalidate(ctx, id, rec.SessionKey)
	m.count(ctx, func(mt *otel.Metrics) metric.Int64Counter { return mt.SessionsExpired })
	audit.Record(ctx, id, "session_expired", map[string]any{
		"session_key": rec.SessionKey,
		"expires_at":  rec.ExpiresAt,
	})
	if m.bus != nil {
		m.bus.Publish(bus.TopicSessionExpired, bus.SessionLifecycleEvent{
			SessionID:  id,
			SessionKey: rec.SessionKey,
			Status:     string(persistence.StatusExpired),
			Dormant:    rec.IsDormant,
		})
	}
	m.logger.InfoContext(ctx, "session expired", "session_id", id, "session_key", rec.SessionKey)
	return nil
}

// ArchiveSession moves a session to the read-only tier and caches the
// frozen copy under both its id and key. Idempotent.
func (m *Manager) ArchiveSession(ctx context.Context, id string) (*persistence.SessionRecord, error) {
	rec, err := m.store.ArchiveSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.cache != nil {
		if err := m.cache.PutArchived(ctx, rec); err != nil {
			m.logger.WarnContext(ctx, "archive cache write failed", "session_id", id, "error", err)
		}
	}
	m.count(ctx, func(mt *otel.Metrics) metric.Int64Counter { return mt.SessionsArchived })
	audit.Record(ctx, id, "session_archived", map[string]any{"session_key": rec.SessionKey})
	m.logger.InfoContext(ctx, "session archived", "session_id", id)
	return rec, nil
}

// MarkSessionDormant demotes an inactive session to the dormant tier.
func (m *Manager) MarkSessionDormant(ctx context.Context, id string) error {
	if err := m.store.SetDormant(ctx, id, true); err != nil {
		return err
	}
	rec, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	m.cacheMove(ctx, cache.TierActive, cache.TierDormant, rec)
	m.count(ctx, func(mt *otel.Metrics) metric.Int64Counter { return mt.DormantTransitions })
	audit.Record(ctx, id, "session_dormant", map[string]any{"session_key": rec.SessionKey})
	if m.bus != nil {
		m.bus.Publish(bus.TopicSessionDormant, bus.SessionLifecycleEvent{
			SessionID:  id,
			SessionKey: rec.SessionKey,
			Status:     string(rec.Status),
			Dormant:    true,
		})
	}
	return nil
}

// ReactivateSession brings a dormant session back to the hot tier and
// resets its activity clock.
func (m *Manager) ReactivateSession(ctx context.Context, id string) error {
	if err := m.store.SetDormant(ctx, id, false); err != nil {
		return err
	}
	rec, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	m.cacheMove(ctx, cache.TierDormant, cache.TierActive, rec)
	m.count(ctx, func(mt *otel.Metrics) metric.Int64Counter { return mt.DormantTransitions })
	audit.Record(ctx, id, "session_reactivated", map[string]any{"session_key": rec.SessionKey})
	if m.bus != nil {
		m.bus.Publish(bus.TopicSessionReactivated, bus.SessionLifecycleEvent{
			SessionID:  id,
			SessionKey: rec.SessionKey,
			Status:     string(rec.Status),
			Dormant:    false,
		})
	}
	return nil
}

// CleanupResult summarizes one cleanup sweep.
type CleanupResult struct {
	Skipped      bool  `json:"skipped"`
	ExpiredCount int   `json:"expired_count"`
	OrphanCount  int   `json:"orphan_count"`
	DurationMS   int64 `json:"duration_ms"`
}

// CleanupOrphanedSessions expires past-deadline sessions and abandoned
// handoffs that never accumulated context. Only one sweep runs at a time;
// an overlapping call returns a zero result with Skipped set.
func (m *Manager) CleanupOrphanedSessions(ctx context.Context) (CleanupResult, error) {
	if !m.sweeping.CompareAndSwap(false, true) {
		m.logger.WarnContext(ctx, "cleanup sweep already in progress, skipping")
		return CleanupResult{Skipped: true}, nil
	}
	defer m.sweeping.Store(false)

	start := time.Now()
	var result CleanupResult
	now := time.Now().UTC()

	expired, err := m.store.FindExpiredSessions(ctx, now)
	if err != nil {
		return result, fmt.Errorf("find expired sessions: %w", err)
	}
	for _, rec := range expired {
		if err := m.ExpireSession(ctx, rec.ID); err != nil {
			m.logger.ErrorContext(ctx, "expire session failed", "session_id", rec.ID, "error", err)
			continue
		}
		result.ExpiredCount++
	}

	orphans, err := m.store.FindOrphanedSessions(ctx, now.Add(-orphanAge))
	if err != nil {
		return result, fmt.Errorf("find orphaned sessions: %w", err)
	}
	for _, rec := range orphans {
		if err := m.ExpireSession(ctx, rec.ID); err != nil {
			m.logger.ErrorContext(ctx, "expire orphan failed", "session_id", rec.ID, "error", err)
			continue
		}
		// Archival moves the orphan onto the retention sweep's delete path;
		// an expired-but-unarchived row would sit in the table forever.
		if _, err := m.ArchiveSession(ctx, rec.ID); err != nil {
			m.logger.ErrorContext(ctx, "archive orphan failed", "session_id", rec.ID, "error", err)
			continue
		}
		audit.Record(ctx, rec.ID, "orphan_cleaned", map[string]any{"session_key": rec.SessionKey})
		result.OrphanCount++
	}

	// Referential drift is diagnosed, not repaired, by the sweep.
	if report, err := m.store.CheckIntegrity(ctx); err != nil {
		m.logger.WarnContext(ctx, "integrity check failed", "error", err)
	} else if !report.Clean() {
		m.logger.WarnContext(ctx, "referential drift detected",
			"orphan_context_rows", report.OrphanContextRows,
			"orphan_lifecycle_events", report.OrphanLifecycleEvents,
			"orphan_checkpoints", report.OrphanCheckpoints)
	}

	result.DurationMS = time.Since(start).Milliseconds()
	if m.metrics != nil {
		m.metrics.SweepDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(otel.AttrSweep.String("cleanup")))
	}
	m.recordSweepStamp(ctx, kvLastCleanup)
	m.logger.InfoContext(ctx, "cleanup sweep finished",
		"expired", result.ExpiredCount, "orphans", result.OrphanCount, "duration_ms", result.DurationMS)
	return result, nil
}

// DetectDormantSessions demotes live sessions that have been inactive past
// their policy's dormancy threshold. Returns the number demoted.
func (m *Manager) DetectDormantSessions(ctx context.Context) (int, error) {
	start := time.Now()
	demoted := 0
	now := time.Now().UTC()

	for name, policy := range m.config().RetentionPolicies {
		inactive, err := m.store.FindInactiveSessions(ctx, name, now.Add(-policy.DormantThreshold()))
		if err != nil {
			return demoted, fmt.Errorf("find inactive sessions for policy %s: %w", name, err)
		}
		for _, rec := range inactive {
			if err := m.MarkSessionDormant(ctx, rec.ID); err != nil {
				m.logger.ErrorContext(ctx, "dormancy demotion failed", "session_id", rec.ID, "error", err)
				continue
			}
			demoted++
		}
	}

	if m.metrics != nil {
		m.metrics.SweepDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(otel.AttrSweep.String("dormancy")))
	}
	m.recordSweepStamp(ctx, kvLastDormancy)
	if demoted > 0 {
		m.logger.InfoContext(ctx, "dormancy sweep finished", "demoted", demoted)
	}
	return demoted, nil
}

// RetentionSweepResult aggregates the retention sweep's deletion tiers.
type RetentionSweepResult struct {
	SessionsDeleted    int   `json:"sessions_deleted"`
	CheckpointsDeleted int64 `json:"checkpoints_deleted"`
	BackupsDeleted     int64 `json:"backups_deleted"`
	EventsDeleted      int64 `json:"events_deleted"`
}

// RunRetentionSweep deletes archived sessions past their policy's archived
// TTL, then trims checkpoints, pre-recovery backups, and lifecycle events
// by global age.
func (m *Manager) RunRetentionSweep(ctx context.Context) (RetentionSweepResult, error) {
	start := time.Now()
	var result RetentionSweepResult
	now := time.Now().UTC()
	cfg := m.config()

	for name, policy := range cfg.RetentionPolicies {
		stale, err := m.store.FindArchivedBefore(ctx, name, now.Add(-policy.ArchivedSessionTTL()))
		if err != nil {
			return result, fmt.Errorf("find stale archived sessions for policy %s: %w", name, err)
		}
		for _, rec := range stale {
			if err := m.store.DeleteSessionCascade(ctx, rec.ID); err != nil {
				m.logger.ErrorContext(ctx, "retention delete failed", "session_id", rec.ID, "error", err)
				continue
			}
			m.cacheInvalidate(ctx, rec.ID, rec.SessionKey)
			audit.Record(ctx, rec.ID, "session_deleted", map[string]any{
				"session_key": rec.SessionKey,
				"policy":      name,
				"archived_at": rec.ArchivedAt,
			})
			result.SessionsDeleted++
		}
	}

	day := 24 * time.Hour
	res, err := m.store.RunRetention(ctx,
		now.Add(-time.Duration(cfg.CheckpointRetentionDays)*day),
		now.Add(-time.Duration(cfg.BackupRetentionDays)*day),
		now.Add(-time.Duration(cfg.LifecycleEventRetentionDays)*day))
	result.CheckpointsDeleted = res.CheckpointsDeleted
	result.BackupsDeleted = res.BackupsDeleted
	result.EventsDeleted = res.EventsDeleted
	if err != nil {
		return result, err
	}

	if m.metrics != nil {
		m.metrics.SweepDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(otel.AttrSweep.String("retention")))
	}
	m.recordSweepStamp(ctx, kvLastRetention)
	m.logger.InfoContext(ctx, "retention sweep finished",
		"sessions_deleted", result.SessionsDeleted,
		"checkpoints_deleted", result.CheckpointsDeleted,
		"backups_deleted", result.BackupsDeleted,
		"events_deleted", result.EventsDeleted)
	return result, nil
}

// CleanupStats is the operator-facing snapshot of table health.
type CleanupStats struct {
	Counts        persistence.SessionCounts   `json:"counts"`
	Integrity     persistence.IntegrityReport `json:"integrity"`
	LastCleanup   string                      `json:"last_cleanup,omitempty"`
	LastDormancy  string                      `json:"last_dormancy,omitempty"`
	LastRetention string                      `json:"last_retention,omitempty"`
}

func (m *Manager) GetCleanupStats(ctx context.Context) (CleanupStats, error) {
	counts, err := m.store.CountSessions(ctx)
	if err != nil {
		return CleanupStats{}, err
	}
	report, err := m.store.CheckIntegrity(ctx)
	if err != nil {
		return CleanupStats{}, err
	}
	stats := CleanupStats{Counts: counts, Integrity: report}
	stats.LastCleanup, _ = m.store.KVGet(ctx, kvLastCleanup)
	stats.LastDormancy, _ = m.store.KVGet(ctx, kvLastDormancy)
	stats.LastRetention, _ = m.store.KVGet(ctx, kvLastRetention)
	return stats, nil
}

func tierFor(rec *persistence.SessionRecord) cache.Tier {
	switch {
	case rec.Archived():
		return cache.TierArchived
	case rec.IsDormant:
		return cache.TierDormant
	default:
		return cache.TierActive
	}
}

// cacheOp runs one cache call, routed through the degradation coordinator
// when a gate is installed. The returned bool reports a clean completion; a
// gated, absorbed, or failed call reads as a miss for lookups and a no-op for
// writes. Real cache errors feed the coordinator's failure streak, cache
// misses do not.
func (m *Manager) cacheOp(ctx context.Context, op degrade.Operation) (any, bool) {
	if m.health == nil {
		v, err := op(ctx)
		return v, err == nil
	}
	res, err := m.health.ExecuteWithDegradation(ctx, m.cacheService, op, nil)
	if err != nil || res.FallbackUsed || res.Degraded {
		return nil, false
	}
	return res.Value, true
}

// cacheLookup reads through the tiers hot-to-cold. Anything but a clean hit
// reads as a miss.
func (m *Manager) cacheLookup(ctx context.Context, id string) *persistence.SessionRecord {
	v, ok := m.cacheOp(ctx, func(ctx context.Context) (any, error) {
		for _, tier := range []cache.Tier{cache.TierActive, cache.TierDormant, cache.TierArchived} {
			rec, err := m.cache.Get(ctx, tier, id)
			if err == nil {
				return rec, nil
			}
			if !errors.Is(err, cache.ErrCacheMiss) {
				m.logger.WarnContext(ctx, "cache read failed", "session_id", id, "error", err)
				return nil, err
			}
		}
		return nil, nil
	})
	if !ok {
		return nil
	}
	rec, _ := v.(*persistence.SessionRecord)
	return rec
}

func (m *Manager) cachePut(ctx context.Context, tier cache.Tier, rec *persistence.SessionRecord) {
	if m.cache == nil {
		return
	}
	m.cacheOp(ctx, func(ctx context.Context) (any, error) {
		if err := m.cache.Put(ctx, tier, rec); err != nil {
			m.logger.WarnContext(ctx, "cache write failed", "session_id", rec.ID, "error", err)
			return nil, err
		}
		return nil, nil
	})
}

func (m *Manager) cacheMove(ctx context.Context, from, to cache.Tier, rec *persistence.SessionRecord) {
	if m.cache == nil {
		return
	}
	_, ok := m.cacheOp(ctx, func(ctx context.Context) (any, error) {
		if err := m.cache.Move(ctx, from, to, rec); err != nil {
			m.logger.WarnContext(ctx, "cache move failed", "session_id", rec.ID, "error", err)
			return nil, err
		}
		return nil, nil
	})
	if ok {
		m.count(ctx, func(mt *otel.Metrics) metric.Int64Counter { return mt.CacheTierPromotions })
	}
}

func (m *Manager) cacheInvalidate(ctx context.Context, id, sessionKey string) {
	if m.cache == nil {
		return
	}
	m.cacheOp(ctx, func(ctx context.Context) (any, error) {
		if err := m.cache.Invalidate(ctx, id, sessionKey); err != nil {
			m.logger.WarnContext(ctx, "cache invalidate failed", "session_id", id, "error", err)
			return nil, err
		}
		return nil, nil
	})
}

func (m *Manager) count(ctx context.Context, pick func(*otel.Metrics) metric.Int64Counter, attrs ...attribute.KeyValue) {
	if m.metrics == nil {
		return
	}
	pick(m.metrics).Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Manager) recordSweepStamp(ctx context.Context, key string) {
	if err := m.store.KVSet(ctx, key, time.Now().UTC().Format(time.RFC3339)); err != nil {
		m.logger.WarnContext(ctx, "sweep stamp write failed", "key", key, "error", err)
	}
}
