package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DataIntegrity travels with every checkpoint and lets recovery detect
// truncated or tampered snapshots before restoring from them.
type DataIntegrity struct {
	ContextEntriesCount int    `json:"context_entries_count"`
	LastSequenceNumber  int64  `json:"last_sequence_number"`
	Checksum            string `json:"checksum"`
}

// CheckpointRecord is one durable snapshot of a session and its history.
type CheckpointRecord struct {
	SessionID       string         `json:"session_id"`
	CheckpointID    string         `json:"checkpoint_id"`
	Timestamp       time.Time      `json:"timestamp"`
	SessionState    SessionRecord  `json:"session_state"`
	ContextSnapshot []ContextEntry `json:"context_snapshot"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Integrity       DataIntegrity  `json:"data_integrity"`
	CreatedAt       time.Time      `json:"created_at"`
}

// SaveCheckpoint persists a checkpoint. Re-saving the same (session_id,
// checkpoint_id) pair replaces the previous snapshot, which makes the
// checkpoint writer safe to retry.
func (s *Store) SaveCheckpoint(ctx context.Context, rec *CheckpointRecord) error {
	stateJSON, err := json.Marshal(rec.SessionState)
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	snapshotJSON, err := marshalSnapshot(rec.ContextSnapshot)
	if err != nil {
		return fmt.Errorf("marshal context snapshot: %w", err)
	}
	metadataJSON, err := marshalMetadata(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal checkpoint metadata: %w", err)
	}
	integrityJSON, err := json.Marshal(rec.Integrity)
	if err != nil {
		return fmt.Errorf("marshal data integrity: %w", err)
	}

	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO recovery_checkpoints (session_id, checkpoint_id, timestamp, session_state, context_snapshot, metadata, data_integrity, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id, checkpoint_id) DO UPDATE SET
				timestamp = excluded.timestamp,
				session_state = excluded.session_state,
				context_snapshot = excluded.context_snapshot,
				metadata = excluded.metadata,
				data_integrity = excluded.data_integrity;
		`, rec.SessionID, rec.CheckpointID, rec.Timestamp.UTC(), string(stateJSON),
			snapshotJSON, metadataJSON, string(integrityJSON), rec.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert checkpoint: %w", err)
		}
		return nil
	})
}

// LatestCheckpoint returns the most recent checkpoint for a session, or
// ErrCheckpointNotFound when the session has none.
func (s *Store) LatestCheckpoint(ctx context.Context, sessionID string) (*CheckpointRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, checkpoint_id, timestamp, session_state, context_snapshot, metadata, data_integrity, created_at
		FROM recovery_checkpoints
		WHERE session_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT 1;
	`, sessionID)
	return scanCheckpoint(row)
}

// GetCheckpoint loads one checkpoint by id.
func (s *Store) GetCheckpoint(ctx context.Context, sessionID, checkpointID string) (*CheckpointRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, checkpoint_id, timestamp, session_state, context_snapshot, metadata, data_integrity, created_at
		FROM recovery_checkpoints
		WHERE session_id = ? AND checkpoint_id = ?;
	`, sessionID, checkpointID)
	return scanCheckpoint(row)
}

// CountCheckpoints returns the number of checkpoints stored for a session.
func (s *Store) CountCheckpoints(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM recovery_checkpoints WHERE session_id = ?;`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count checkpoints: %w", err)
	}
	return count, nil
}

// CheckpointTotals returns the checkpoint row count and how many distinct
// sessions they cover.
func (s *Store) CheckpointTotals(ctx context.Context) (checkpoints, sessions int64, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT session_id) FROM recovery_checkpoints;
	`).Scan(&checkpoints, &sessions)
	if err != nil {
		return 0, 0, fmt.Errorf("checkpoint totals: %w", err)
	}
	return checkpoints, sessions, nil
}

// DeleteCheckpointsBefore removes checkpoints created before cutoff and
// returns how many rows were deleted.
func (s *Store) DeleteCheckpointsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM recovery_checkpoints WHERE created_at <= ?;`, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("delete checkpoints: %w", err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}

// SessionsNeedingCheckpoint returns live sessions active since activeSince
// whose latest checkpoint is missing or older than staleBefore. The auto
// checkpoint sweep feeds on this.
func (s *Store) SessionsNeedingCheckpoint(ctx context.Context, activeSince, staleBefore time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id FROM sessions s
		WHERE s.status IN ('pending', 'active')
		  AND s.archived_at IS NULL
		  AND s.last_activity_at >= ?
		  AND NOT EXISTS (
			SELECT 1 FROM recovery_checkpoints rc
			WHERE rc.session_id = s.id AND rc.timestamp >= ?
		  )
		ORDER BY s.last_activity_at ASC;
	`, activeSince.UTC(), staleBefore.UTC())
	if err != nil {
		return nil, fmt.Errorf("query sessions needing checkpoint: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// BackupRecord is a pre-recovery export of the live session and history,
// taken before any restore mutates them.
type BackupRecord struct {
	BackupID        string         `json:"backup_id"`
	SessionID       string         `json:"session_id"`
	SessionState    SessionRecord  `json:"session_state"`
	ContextSnapshot []ContextEntry `json:"context_snapshot"`
	CreatedAt       time.Time      `json:"created_at"`
}

func (s *Store) SaveBackup(ctx context.Context, rec *BackupRecord) error {
	stateJSON, err := json.Marshal(rec.SessionState)
	if err != nil {
		return fmt.Errorf("marshal backup state: %w", err)
	}
	snapshotJSON, err := marshalSnapshot(rec.ContextSnapshot)
	if err != nil {
		return fmt.Errorf("marshal backup snapshot: %w", err)
	}
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO recovery_backups (backup_id, session_id, session_state, context_snapshot, created_at)
			VALUES (?, ?, ?, ?, ?);
		`, rec.BackupID, rec.SessionID, string(stateJSON), snapshotJSON, rec.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert backup: %w", err)
		}
		return nil
	})
}

// DeleteBackupsBefore removes pre-recovery backups older than cutoff.
func (s *Store) DeleteBackupsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM recovery_backups WHERE created_at <= ?;`, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("delete backups: %w", err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}

// RestoreParams describes one restore mutation. ReplaceContext drops the
// session's live history and rewrites it from Entries, preserving the
// snapshot's sequence numbers and timestamps.
type RestoreParams struct {
	SessionID      string
	State          SessionRecord
	Entries        []ContextEntry
	ReplaceContext bool
}

// RestoreSession applies a checkpoint snapshot to the live tables in a
// single transaction, so a crash mid-restore cannot leave the session half
// restored.
func (s *Store) RestoreSession(ctx context.Context, params RestoreParams) error {
	metadataJSON, err := marshalMetadata(params.State.Metadata)
	if err != nil {
		return fmt.Errorf("marshal restored metadata: %w", err)
	}

	return retryOnBusy(ctx, 3, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin restore tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE sessions SET
				status = ?, metadata = ?, expires_at = ?, last_activity_at = ?,
				is_dormant = ?, archived_at = ?, retention_policy = ?, updated_at = ?
			WHERE id = ?;
		`, params.State.Status, metadataJSON, nullTime(params.State.ExpiresAt),
			params.State.LastActivityAt.UTC(), params.State.IsDormant,
			nullTime(params.State.ArchivedAt), params.State.RetentionPolicy, now, params.SessionID)
		if err != nil {
			return fmt.Errorf("restore session row: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("session %s: %w", params.SessionID, ErrSessionNotFound)
		}

		if params.ReplaceContext {
			if _, err := tx.ExecContext(ctx, `DELETE FROM context_history WHERE session_id = ?;`, params.SessionID); err != nil {
				return fmt.Errorf("clear context history: %w", err)
			}
			for _, entry := range params.Entries {
				entryMetadata, err := marshalMetadata(entry.Metadata)
				if err != nil {
					return fmt.Errorf("marshal restored entry metadata: %w", err)
				}
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO context_history (session_id, sequence_number, context_type, content, metadata, size_bytes, created_at)
					VALUES (?, ?, ?, ?, ?, ?, ?);
				`, params.SessionID, entry.SequenceNumber, entry.ContextType, entry.Content,
					entryMetadata, entry.SizeBytes, entry.CreatedAt.UTC()); err != nil {
					return fmt.Errorf("restore context entry %d: %w", entry.SequenceNumber, err)
				}
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit restore tx: %w", err)
		}
		return nil
	})
}

func scanCheckpoint(row *sql.Row) (*CheckpointRecord, error) {
	var rec CheckpointRecord
	var stateJSON, snapshotJSON, metadataJSON, integrityJSON string

	err := row.Scan(&rec.SessionID, &rec.CheckpointID, &rec.Timestamp, &stateJSON,
		&snapshotJSON, &metadataJSON, &integrityJSON, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan checkpoint: %w", err)
	}

	if err := json.Unmarshal([]byte(stateJSON), &rec.SessionState); err != nil {
		return nil, fmt.Errorf("unmarshal session state: %w", err)
	}
	if err := json.Unmarshal([]byte(snapshotJSON), &rec.ContextSnapshot); err != nil {
		return nil, fmt.Errorf("unmarshal context snapshot: %w", err)
	}
	if metadataJSON != "" && metadataJSON != "{}" {
		if err := json.Unmarshal([]byte(metadataJSON), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal checkpoint metadata: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(integrityJSON), &rec.Integrity); err != nil {
		return nil, fmt.Errorf("unmarshal data integrity: %w", err)
	}
	return &rec, nil
}

func marshalSnapshot(entries []ContextEntry) (string, error) {
	if len(entries) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
