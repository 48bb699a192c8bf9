// Package recovery writes checkpoints of live sessions and restores them
// after interruption. Restores are serialized per session, capped by an
// attempt ceiling, and always preceded by a best-effort backup of the live
// rows.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ctxvault/ctxvault/internal/audit"
	"github.com/ctxvault/ctxvault/internal/bus"
	"github.com/ctxvault/ctxvault/internal/otel"
	"github.com/ctxvault/ctxvault/internal/persistence"
)

// Recovery strategies. Complete restores state and full history, partial
// keeps only the most recent entries, minimal restores state alone.
const (
	StrategyComplete = "complete"
	StrategyPartial  = "partial"
	StrategyMinimal  = "minimal"
)

// partialEntryLimit caps how much history a partial recovery carries over.
const partialEntryLimit = 50

const defaultMaxAttempts = 3

var (
	ErrAttemptLimitReached = errors.New("recovery attempt limit reached")
	ErrCheckpointCorrupted = errors.New("checkpoint failed integrity validation")
	ErrUnknownStrategy     = errors.New("unknown recovery strategy")
)

// RetryPolicy bounds the checkpoint writer's retry loop.
type RetryPolicy struct {
	MaxRetries     int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	OverallTimeout time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     2,
		InitialDelay:   time.Second,
		MaxDelay:       5 * time.Second,
		OverallTimeout: 15 * time.Second,
	}
}

// RecoveryOptions tune one RecoverSession call. Zero values use defaults.
type RecoveryOptions struct {
	// Strategy is complete, partial, or minimal. Default complete.
	Strategy string
	// MaxAttempts overrides the per-session attempt ceiling. Default 3.
	MaxAttempts int
	// Timeout bounds the whole recovery call. Zero means no extra deadline
	// beyond the caller's context.
	Timeout time.Duration
	// SkipValidation bypasses the integrity check on the checkpoint.
	SkipValidation bool
	// SkipBackup suppresses the pre-recovery export of the live rows.
	SkipBackup bool
	// SkipCorrupted proceeds with the restore even when validation says the
	// checkpoint is corrupted, instead of aborting.
	SkipCorrupted bool
}

// RecoveryResult reports what one recovery attempt did.
type RecoveryResult struct {
	SessionID       string `json:"session_id"`
	Success         bool   `json:"success"`
	Strategy        string `json:"strategy"`
	Method          string `json:"method"` // checkpoint or no_checkpoint
	IntegrityStatus string `json:"integrity_status"`
	EntriesRestored int    `json:"entries_restored"`
	Attempt         int    `json:"attempt"`
	BackupID        string `json:"backup_id,omitempty"`
}

// sessionState is the in-memory recovery ledger for one session. It does not
// survive a restart; a fresh process starts every session at attempt zero.
type sessionState struct {
	mu          sync.Mutex
	attempts    int
	lastAttempt time.Time
	lastError   string
}

// Service is the checkpoint writer and restorer.
type Service struct {
	store   *persistence.Store
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otel.Metrics // nil when telemetry is disabled
	tracer  trace.Tracer
	retry   RetryPolicy

	mu     sync.Mutex
	states map[string]*sessionState
}

func NewService(store *persistence.Store, eventBus *bus.Bus, logger *slog.Logger, metrics *otel.Metrics, tracer trace.Tracer) *Service {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer(otel.TracerName)
	}
	return &Service{
		store:   store,
		bus:     eventBus,
		logger:  logger.With("component", "recovery"),
		metrics: metrics,
		tracer:  tracer,
		retry:   DefaultRetryPolicy(),
		states:  make(map[string]*sessionState),
	}
}

// SetRetryPolicy replaces the checkpoint retry policy. Tests use this to
// avoid real backoff delays.
func (s *Service) SetRetryPolicy(policy RetryPolicy) {
	s.retry = policy
}

func (s *Service) stateFor(sessionID string) *sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[sessionID]
	if !ok {
		st = &sessionState{}
		s.states[sessionID] = st
	}
	return st
}

// CreateCheckpoint snapshots a session and its full history. Transient
// failures are retried with exponential backoff inside an overall deadline;
// the checkpoint id is minted once, so a retried save lands on the same row.
func (s *Service) CreateCheckpoint(ctx context.Context, sessionID, trigger string) (*persistence.CheckpointRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.retry.OverallTimeout)
	defer cancel()

	ctx, span := otel.StartSpan(ctx, s.tracer, "recovery.create_checkpoint",
		otel.AttrSessionID.String(sessionID))
	defer span.End()

	start := time.Now()
	checkpointID := "ckpt-" + uuid.NewString()
	span.SetAttributes(otel.AttrCheckpointID.String(checkpointID))

	var rec *persistence.CheckpointRecord
	var lastErr error
	delay := s.retry.InitialDelay
	for attempt := 0; attempt <= s.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			jittered := delay + time.Duration(rand.Int64N(int64(delay/4)+1))
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("checkpoint %s: %w (last error: %v)", sessionID, ctx.Err(), lastErr)
			case <-time.After(jittered):
			}
			delay *= 2
			if delay > s.retry.MaxDelay {
				delay = s.retry.MaxDelay
			}
		}

		rec, lastErr = s.writeCheckpoint(ctx, sessionID, checkpointID, trigger)
		if lastErr == nil {
			break
		}
		// Missing sessions never become retryable.
		if errors.Is(lastErr, persistence.ErrSessionNotFound) {
			return nil, lastErr
		}
		s.logger.WarnContext(ctx, "checkpoint attempt failed",
			"session_id", sessionID, "attempt", attempt+1, "error", lastErr)
	}
	if lastErr != nil {
		return nil, fmt.Errorf("checkpoint %s after %d attempts: %w", sessionID, s.retry.MaxRetries+1, lastErr)
	}

	// A fresh checkpoint resets the session's recovery ledger: the exhausted
	// attempt budget belonged to the checkpoint this one replaces.
	st := s.stateFor(sessionID)
	st.mu.Lock()
	st.attempts = 0
	st.lastError = ""
	st.mu.Unlock()

	if s.metrics != nil {
		s.metrics.CheckpointDuration.Record(ctx, time.Since(start).Seconds())
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicCheckpointCreated, bus.CheckpointEvent{
			SessionID:    sessionID,
			CheckpointID: checkpointID,
			EntryCount:   rec.Integrity.ContextEntriesCount,
		})
	}
	audit.Record(ctx, sessionID, "checkpoint_created", map[string]any{
		"checkpoint_id": checkpointID,
		"trigger":       trigger,
		"entries":       rec.Integrity.ContextEntriesCount,
	})
	s.logger.InfoContext(ctx, "checkpoint created",
		"session_id", sessionID, "checkpoint_id", checkpointID,
		"entries", rec.Integrity.ContextEntriesCount, "trigger", trigger)
	return rec, nil
}

func (s *Service) writeCheckpoint(ctx context.Context, sessionID, checkpointID, trigger string) (*persistence.CheckpointRecord, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.ListContext(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}

	checksum, err := ComputeChecksum(*sess, entries)
	if err != nil {
		return nil, err
	}
	var lastSeq int64
	if len(entries) > 0 {
		lastSeq = entries[len(entries)-1].SequenceNumber
	}

	now := time.Now().UTC()
	rec := &persistence.CheckpointRecord{
		SessionID:       sessionID,
		CheckpointID:    checkpointID,
		Timestamp:       now,
		SessionState:    *sess,
		ContextSnapshot: entries,
		Metadata:        map[string]any{"trigger": trigger},
		Integrity: persistence.DataIntegrity{
			ContextEntriesCount: len(entries),
			LastSequenceNumber:  lastSeq,
			Checksum:            checksum,
		},
		CreatedAt: now,
	}
	if err := s.store.SaveCheckpoint(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// RecoverSession restores a session from its latest checkpoint. Attempts on
// the same session are serialized; the ceiling is checked before any store
// I/O so a session stuck in a retry loop cannot hammer the database.
func (s *Service) RecoverSession(ctx context.Context, sessionID string, opts RecoveryOptions) (*RecoveryResult, error) {
	if opts.Strategy == "" {
		opts.Strategy = StrategyComplete
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	switch opts.Strategy {
	case StrategyComplete, StrategyPartial, StrategyMinimal:
	default:
		return nil, fmt.Errorf("%q: %w", opts.Strategy, ErrUnknownStrategy)
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	st := s.stateFor(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.attempts >= opts.MaxAttempts {
		return nil, fmt.Errorf("session %s after %d attempts: %w", sessionID, st.attempts, ErrAttemptLimitReached)
	}
	st.attempts++
	st.lastAttempt = time.Now().UTC()
	attempt := st.attempts

	ctx, span := otel.StartSpan(ctx, s.tracer, "recovery.recover_session",
		otel.AttrSessionID.String(sessionID),
		otel.AttrStrategy.String(opts.Strategy))
	defer span.End()

	start := time.Now()
	if s.metrics != nil {
		s.metrics.RecoveryAttempts.Add(ctx, 1,
			metric.WithAttributes(otel.AttrStrategy.String(opts.Strategy)))
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicRecoveryStarted, bus.RecoveryEvent{
			SessionID: sessionID,
			Strategy:  opts.Strategy,
		})
	}

	result, err := s.recover(ctx, sessionID, opts, attempt)
	if err != nil {
		st.lastError = err.Error()
		if s.metrics != nil {
			s.metrics.RecoveryFailures.Add(ctx, 1,
				metric.WithAttributes(otel.AttrStrategy.String(opts.Strategy)))
		}
		if s.bus != nil {
			s.bus.Publish(bus.TopicRecoveryFailed, bus.RecoveryEvent{
				SessionID: sessionID,
				Strategy:  opts.Strategy,
			})
		}
		audit.Record(ctx, sessionID, "recovery_failed", map[string]any{
			"strategy": opts.Strategy,
			"attempt":  attempt,
			"error":    err.Error(),
		})
		s.logger.ErrorContext(ctx, "recovery failed",
			"session_id", sessionID, "strategy", opts.Strategy, "attempt", attempt, "error", err)
		return nil, err
	}

	if !result.Success {
		// Reported failure, nothing restored. The attempt stays counted so a
		// session with no checkpoint cannot spin on recovery forever.
		st.lastError = "no checkpoint available"
		if s.metrics != nil {
			s.metrics.RecoveryFailures.Add(ctx, 1,
				metric.WithAttributes(otel.AttrStrategy.String(opts.Strategy)))
		}
		if s.bus != nil {
			s.bus.Publish(bus.TopicRecoveryFailed, bus.RecoveryEvent{
				SessionID: sessionID,
				Strategy:  opts.Strategy,
			})
		}
		audit.Record(ctx, sessionID, "recovery_failed", map[string]any{
			"strategy": opts.Strategy,
			"method":   result.Method,
			"attempt":  attempt,
		})
		s.logger.WarnContext(ctx, "recovery found no checkpoint",
			"session_id", sessionID, "strategy", opts.Strategy, "attempt", attempt)
		return result, nil
	}

	// Success resets the attempt counter so later interruptions get a full
	// budget again.
	st.attempts = 0
	st.lastError = ""

	if s.metrics != nil {
		s.metrics.RecoveryDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(otel.AttrStrategy.String(opts.Strategy)))
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicRecoveryCompleted, bus.RecoveryEvent{
			SessionID:       sessionID,
			Strategy:        result.Strategy,
			Success:         true,
			IntegrityStatus: result.IntegrityStatus,
			EntriesRestored: result.EntriesRestored,
		})
	}
	audit.Record(ctx, sessionID, "recovery_completed", map[string]any{
		"strategy":         result.Strategy,
		"method":           result.Method,
		"integrity":        result.IntegrityStatus,
		"entries_restored": result.EntriesRestored,
		"attempt":          attempt,
	})
	s.logger.InfoContext(ctx, "recovery completed",
		"session_id", sessionID, "strategy", result.Strategy,
		"method", result.Method, "entries_restored", result.EntriesRestored)
	return result, nil
}

func (s *Service) recover(ctx context.Context, sessionID string, opts RecoveryOptions, attempt int) (*RecoveryResult, error) {
	live, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	result := &RecoveryResult{
		SessionID: sessionID,
		Strategy:  opts.Strategy,
		Attempt:   attempt,
	}

	ckpt, err := s.store.LatestCheckpoint(ctx, sessionID)
	if errors.Is(err, persistence.ErrCheckpointNotFound) {
		// Nothing to restore from. Reported, not fatal: the caller decides
		// what to do with a session that was never checkpointed. The live
		// rows are left untouched.
		result.Method = "no_checkpoint"
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	result.Method = "checkpoint"
	result.IntegrityStatus = IntegrityValid
	if !opts.SkipValidation {
		integrity, err := ValidateCheckpoint(ckpt)
		if err != nil {
			return nil, err
		}
		result.IntegrityStatus = integrity

		// A damaged snapshot cannot back a strategy that reads from it.
		// Minimal recovery only needs the session state row, which the digest
		// covers together with the entries, so corruption blocks everything
		// and a partial snapshot still blocks complete. SkipCorrupted trades
		// that guarantee for getting any state back at all.
		if !opts.SkipCorrupted {
			if integrity == IntegrityCorrupted {
				return nil, fmt.Errorf("checkpoint %s: %w", ckpt.CheckpointID, ErrCheckpointCorrupted)
			}
			if integrity == IntegrityPartial && opts.Strategy == StrategyComplete {
				return nil, fmt.Errorf("checkpoint %s is partial, complete recovery unavailable: %w", ckpt.CheckpointID, ErrCheckpointCorrupted)
			}
		} else if integrity == IntegrityCorrupted {
			s.logger.WarnContext(ctx, "recovering from corrupted checkpoint",
				"session_id", sessionID, "checkpoint_id", ckpt.CheckpointID)
		}
	}

	if !opts.SkipBackup {
		result.BackupID = s.backupLiveState(ctx, live)
	}

	switch opts.Strategy {
	case StrategyComplete:
		if err := s.store.RestoreSession(ctx, persistence.RestoreParams{
			SessionID:      sessionID,
			State:          ckpt.SessionState,
			Entries:        ckpt.ContextSnapshot,
			ReplaceContext: true,
		}); err != nil {
			return nil, err
		}
		result.EntriesRestored = len(ckpt.ContextSnapshot)

	case StrategyPartial:
		entries := ckpt.ContextSnapshot
		if len(entries) > partialEntryLimit {
			entries = entries[len(entries)-partialEntryLimit:]
		}
		if err := s.store.RestoreSession(ctx, persistence.RestoreParams{
			SessionID:      sessionID,
			State:          ckpt.SessionState,
			Entries:        entries,
			ReplaceContext: true,
		}); err != nil {
			return nil, err
		}
		result.EntriesRestored = len(entries)

	case StrategyMinimal:
		if err := s.store.RestoreSession(ctx, persistence.RestoreParams{
			SessionID:      sessionID,
			State:          ckpt.SessionState,
			ReplaceContext: false,
		}); err != nil {
			return nil, err
		}
	}

	result.Success = true
	return result, nil
}

// backupLiveState exports the live rows before a restore overwrites them.
// Failures are logged and swallowed; recovery matters more than the backup.
func (s *Service) backupLiveState(ctx context.Context, live *persistence.SessionRecord) string {
	entries, err := s.store.ListContext(ctx, live.ID, 0)
	if err != nil {
		s.logger.WarnContext(ctx, "pre-recovery backup read failed", "session_id", live.ID, "error", err)
		return ""
	}
	backupID := "bk-" + uuid.NewString()
	if err := s.store.SaveBackup(ctx, &persistence.BackupRecord{
		BackupID:        backupID,
		SessionID:       live.ID,
		SessionState:    *live,
		ContextSnapshot: entries,
		CreatedAt:       time.Now().UTC(),
	}); err != nil {
		s.logger.WarnContext(ctx, "pre-recovery backup write failed", "session_id", live.ID, "error", err)
		return ""
	}
	return backupID
}

// CleanupOldCheckpoints deletes checkpoints older than maxAge.
func (s *Service) CleanupOldCheckpoints(ctx context.Context, maxAge time.Duration) (int64, error) {
	deleted, err := s.store.DeleteCheckpointsBefore(ctx, time.Now().UTC().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.logger.InfoContext(ctx, "old checkpoints deleted", "count", deleted, "max_age", maxAge)
	}
	return deleted, nil
}

// AutoCheckpoint snapshots every live session whose latest checkpoint is
// older than interval, skipping sessions idle for more than a day.
func (s *Service) AutoCheckpoint(ctx context.Context, interval time.Duration) (int, error) {
	now := time.Now().UTC()
	ids, err := s.store.SessionsNeedingCheckpoint(ctx, now.Add(-24*time.Hour), now.Add(-interval))
	if err != nil {
		return 0, err
	}
	created := 0
	for _, id := range ids {
		if _, err := s.CreateCheckpoint(ctx, id, "auto"); err != nil {
			s.logger.ErrorContext(ctx, "auto checkpoint failed", "session_id", id, "error", err)
			continue
		}
		created++
	}
	return created, nil
}

// RecoveryStats is the operator-facing view of the recovery ledger.
type RecoveryStats struct {
	TotalCheckpoints    int64             `json:"total_checkpoints"`
	SessionsCovered     int64             `json:"sessions_covered"`
	SessionsWithRetries int               `json:"sessions_with_retries"`
	AttemptsInFlight    map[string]int    `json:"attempts_in_flight,omitempty"`
	LastErrors          map[string]string `json:"last_errors,omitempty"`
}

func (s *Service) GetRecoveryStatistics(ctx context.Context) (RecoveryStats, error) {
	checkpoints, sessions, err := s.store.CheckpointTotals(ctx)
	if err != nil {
		return RecoveryStats{}, err
	}
	stats := RecoveryStats{
		TotalCheckpoints: checkpoints,
		SessionsCovered:  sessions,
		AttemptsInFlight: make(map[string]int),
		LastErrors:       make(map[string]string),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, st := range s.states {
		st.mu.Lock()
		if st.attempts > 0 {
			stats.SessionsWithRetries++
			stats.AttemptsInFlight[id] = st.attempts
			if st.lastError != "" {
				stats.LastErrors[id] = st.lastError
			}
		}
		st.mu.Unlock()
	}
	return stats, nil
}
