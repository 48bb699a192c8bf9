package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ContextEntry is one row of context_history. Sequence numbers are gapless
// and strictly increasing per session, assigned inside the insert statement.
type ContextEntry struct {
	ID             int64          `json:"id"`
	SessionID      string         `json:"session_id"`
	SequenceNumber int64          `json:"sequence_number"`
	ContextType    ContextType    `json:"context_type"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	SizeBytes      int64          `json:"size_bytes"`
	CreatedAt      time.Time      `json:"created_at"`
}

// AppendContext appends one entry to a session's history. The sequence number
// is computed from the current maximum inside the same transaction, so two
// concurrent appends cannot mint the same number. Archived sessions reject
// appends with ErrSessionArchived.
func (s *Store) AppendContext(ctx context.Context, sessionID string, contextType ContextType, content string, metadata map[string]any) (*ContextEntry, error) {
	metadataJSON, err := marshalMetadata(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal context metadata: %w", err)
	}

	var entry *ContextEntry
	err = retryOnBusy(ctx, 3, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var archivedAt sql.NullTime
		err = tx.QueryRowContext(ctx, `SELECT archived_at FROM sessions WHERE id = ?;`, sessionID).Scan(&archivedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
		}
		if err != nil {
			return fmt.Errorf("read session: %w", err)
		}
		if archivedAt.Valid {
			return fmt.Errorf("session %s: %w", sessionID, ErrSessionArchived)
		}

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO context_history (session_id, sequence_number, context_type, content, metadata, size_bytes, created_at)
			VALUES (?, (SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM context_history WHERE session_id = ?), ?, ?, ?, ?, ?);
		`, sessionID, sessionID, contextType, content, metadataJSON, int64(len(content)), now)
		if err != nil {
			return fmt.Errorf("insert context entry: %w", err)
		}
		rowID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}

		var seq int64
		if err := tx.QueryRowContext(ctx, `SELECT sequence_number FROM context_history WHERE id = ?;`, rowID).Scan(&seq); err != nil {
			return fmt.Errorf("read assigned sequence: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET last_activity_at = ?, updated_at = ? WHERE id = ?;
		`, now, now, sessionID); err != nil {
			return fmt.Errorf("bump session activity: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit append tx: %w", err)
		}
		entry = &ContextEntry{
			ID:             rowID,
			SessionID:      sessionID,
			SequenceNumber: seq,
			ContextType:    contextType,
			Content:        content,
			Metadata:       metadata,
			SizeBytes:      int64(len(content)),
			CreatedAt:      now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ListContext returns a session's history in sequence order. limit <= 0
// returns everything.
func (s *Store) ListContext(ctx context.Context, sessionID string, limit int) ([]ContextEntry, error) {
	query := `
		SELECT id, session_id, sequence_number, context_type, content, metadata, size_bytes, created_at
		FROM context_history WHERE session_id = ? ORDER BY sequence_number ASC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query+`;`, args...)
	if err != nil {
		return nil, fmt.Errorf("query context history: %w", err)
	}
	defer rows.Close()

	var entries []ContextEntry
	for rows.Next() {
		entry, err := scanContextEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// TailContext returns the last n entries of a session's history, still in
// ascending sequence order.
func (s *Store) TailContext(ctx context.Context, sessionID string, n int) ([]ContextEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, sequence_number, context_type, content, metadata, size_bytes, created_at
		FROM (
			SELECT * FROM context_history WHERE session_id = ? ORDER BY sequence_number DESC LIMIT ?
		) ORDER BY sequence_number ASC;
	`, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("query context tail: %w", err)
	}
	defer rows.Close()

	var entries []ContextEntry
	for rows.Next() {
		entry, err := scanContextEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// CountContext returns the number of history entries and the highest
// sequence number for a session. The two are equal when the history is
// gapless from 1.
func (s *Store) CountContext(ctx context.Context, sessionID string) (count, maxSeq int64, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(MAX(sequence_number), 0)
		FROM context_history WHERE session_id = ?;
	`, sessionID).Scan(&count, &maxSeq)
	if err != nil {
		return 0, 0, fmt.Errorf("count context history: %w", err)
	}
	return count, maxSeq, nil
}

func scanContextEntry(rows *sql.Rows) (ContextEntry, error) {
	var entry ContextEntry
	var metadataJSON string
	err := rows.Scan(&entry.ID, &entry.SessionID, &entry.SequenceNumber, &entry.ContextType,
		&entry.Content, &metadataJSON, &entry.SizeBytes, &entry.CreatedAt)
	if err != nil {
		return ContextEntry{}, fmt.Errorf("scan context entry: %w", err)
	}
	if metadataJSON != "" && metadataJSON != "{}" {
		if err := json.Unmarshal([]byte(metadataJSON), &entry.Metadata); err != nil {
			return ContextEntry{}, fmt.Errorf("unmarshal context metadata: %w", err)
		}
	}
	return entry, nil
}
