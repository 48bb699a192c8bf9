package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult reports how many rows each retention tier removed.
type RetentionResult struct {
	CheckpointsDeleted int64 `json:"checkpoints_deleted"`
	BackupsDeleted     int64 `json:"backups_deleted"`
	EventsDeleted      int64 `json:"events_deleted"`
}

// DeleteLifecycleEventsBefore trims the audit ledger. The JSONL mirror on
// disk is rotated separately; this only bounds the queryable window.
func (s *Store) DeleteLifecycleEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM lifecycle_events WHERE created_at <= ?;`, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("delete lifecycle events: %w", err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}

// DeleteSessionCascade removes a session and its context history,
// checkpoints, and pre-recovery backups in one transaction. Lifecycle
// events are kept as the audit trail and trimmed by age instead.
func (s *Store) DeleteSessionCascade(ctx context.Context, sessionID string) error {
	return retryOnBusy(ctx, 3, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin cascade tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		statements := []string{
			`DELETE FROM context_history WHERE session_id = ?;`,
			`DELETE FROM recovery_checkpoints WHERE session_id = ?;`,
			`DELETE FROM recovery_backups WHERE session_id = ?;`,
			`DELETE FROM sessions WHERE id = ?;`,
		}
		for _, stmt := range statements {
			if _, err := tx.ExecContext(ctx, stmt, sessionID); err != nil {
				return fmt.Errorf("cascade delete session %s: %w", sessionID, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit cascade tx: %w", err)
		}
		return nil
	})
}

// RunRetention applies the age-based deletion tiers for checkpoints,
// pre-recovery backups, and lifecycle events. Each tier is independent; a
// failure in one does not stop the others, and the first error is returned
// after all tiers have run.
func (s *Store) RunRetention(ctx context.Context, checkpointCutoff, backupCutoff, eventCutoff time.Time) (RetentionResult, error) {
	var result RetentionResult
	var firstErr error

	if n, err := s.DeleteCheckpointsBefore(ctx, checkpointCutoff); err != nil {
		firstErr = err
	} else {
		result.CheckpointsDeleted = n
	}
	if n, err := s.DeleteBackupsBefore(ctx, backupCutoff); err != nil && firstErr == nil {
		firstErr = err
	} else if err == nil {
		result.BackupsDeleted = n
	}
	if n, err := s.DeleteLifecycleEventsBefore(ctx, eventCutoff); err != nil && firstErr == nil {
		firstErr = err
	} else if err == nil {
		result.EventsDeleted = n
	}
	return result, firstErr
}
