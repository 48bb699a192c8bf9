package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ctxvault/ctxvault/internal/bus"
)

// SessionRecord is one row of the sessions table. The status column is the
// outcome axis; is_dormant and archived_at track storage tier separately.
type SessionRecord struct {
	ID              string         `json:"id"`
	SessionKey      string         `json:"session_key"`
	AgentFrom       string         `json:"agent_from"`
	AgentTo         string         `json:"agent_to,omitempty"`
	Status          SessionStatus  `json:"status"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	ExpiresAt       *time.Time     `json:"expires_at,omitempty"`
	LastActivityAt  time.Time      `json:"last_activity_at"`
	IsDormant       bool           `json:"is_dormant"`
	ArchivedAt      *time.Time     `json:"archived_at,omitempty"`
	RetentionPolicy string         `json:"retention_policy"`
}

// Archived reports whether the session has been moved to the read-only tier.
func (r *SessionRecord) Archived() bool {
	return r.ArchivedAt != nil
}

// CreateSessionParams carries the caller-supplied fields for a new session.
type CreateSessionParams struct {
	SessionKey      string
	AgentFrom       string
	AgentTo         string
	RetentionPolicy string
	Metadata        map[string]any
	ExpiresAt       *time.Time
}

const sessionColumns = `id, session_key, agent_from, agent_to, status, metadata,
	created_at, updated_at, expires_at, last_activity_at, is_dormant, archived_at, retention_policy`

// CreateSession inserts a new pending session. Session keys are unique; a
// duplicate key returns ErrDuplicateSessionKey.
func (s *Store) CreateSession(ctx context.Context, params CreateSessionParams) (*SessionRecord, error) {
	if params.SessionKey == "" {
		return nil, errors.New("session key is required")
	}
	if params.AgentFrom == "" {
		return nil, errors.New("agent_from is required")
	}
	if params.RetentionPolicy == "" {
		params.RetentionPolicy = "standard"
	}

	metadataJSON, err := marshalMetadata(params.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal session metadata: %w", err)
	}

	id := uuid.NewString()
	now := time.Now().UTC()

	err = retryOnBusy(ctx, 3, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, session_key, agent_from, agent_to, status, metadata,
				created_at, updated_at, expires_at, last_activity_at, retention_policy)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, id, params.SessionKey, params.AgentFrom, nullString(params.AgentTo), StatusPending,
			metadataJSON, now, now, nullTime(params.ExpiresAt), now, params.RetentionPolicy)
		return execErr
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("session key %q: %w", params.SessionKey, ErrDuplicateSessionKey)
		}
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return s.GetSession(ctx, id)
}

// GetSession loads a session by internal id.
func (s *Store) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?;`, id)
	return scanSession(row)
}

// GetSessionByKey loads a session by its caller-facing key.
func (s *Store) GetSessionByKey(ctx context.Context, key string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_key = ?;`, key)
	return scanSession(row)
}

// UpdateSessionStatus applies a status transition after validating it against
// the allowed transition table. The read and write share one transaction so
// concurrent writers cannot race past the check.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, to SessionStatus) error {
	return retryOnBusy(ctx, 3, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin status tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current SessionStatus
		err = tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?;`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
		}
		if err != nil {
			return fmt.Errorf("read session status: %w", err)
		}
		if current == to {
			return tx.Commit()
		}
		if !ValidStatusTransition(current, to) {
			return fmt.Errorf("%s -> %s: %w", current, to, ErrInvalidTransition)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?;
		`, to, time.Now().UTC(), id); err != nil {
			return fmt.Errorf("update session status: %w", err)
		}
		return tx.Commit()
	})
}

// SetExpiry sets or replaces the session's expiration deadline. Archived
// sessions keep their frozen state and reject the update.
func (s *Store) SetExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	return s.updateLive(ctx, id, `expires_at = ?`, expiresAt.UTC())
}

// TouchActivity bumps last_activity_at, resetting dormancy tracking.
func (s *Store) TouchActivity(ctx context.Context, id string) error {
	return s.updateLive(ctx, id, `last_activity_at = ?`, time.Now().UTC())
}

// SetDormant flips the dormancy flag. Reactivation also bumps activity so
// the session does not immediately re-trip the dormancy sweep.
func (s *Store) SetDormant(ctx context.Context, id string, dormant bool) error {
	if dormant {
		return s.updateLive(ctx, id, `is_dormant = 1`)
	}
	return s.updateLive(ctx, id, `is_dormant = 0, last_activity_at = ?`, time.Now().UTC())
}

// UpdateSessionMetadata replaces the metadata document on a live session.
func (s *Store) UpdateSessionMetadata(ctx context.Context, id string, metadata map[string]any) error {
	metadataJSON, err := marshalMetadata(metadata)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	return s.updateLive(ctx, id, `metadata = ?`, metadataJSON)
}

// updateLive applies a SET clause to a non-archived session. The archived
// guard lives in the WHERE clause so the check and write are one statement.
func (s *Store) updateLive(ctx context.Context, id, setClause string, args ...any) error {
	return retryOnBusy(ctx, 3, func() error {
		args := append(append([]any{}, args...), time.Now().UTC(), id)
		res, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET `+setClause+`, updated_at = ? WHERE id = ? AND archived_at IS NULL;`, args...)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			rec, getErr := s.GetSession(ctx, id)
			if getErr != nil {
				return getErr
			}
			if rec.Archived() {
				return fmt.Errorf("session %s: %w", id, ErrSessionArchived)
			}
			return nil
		}
		return nil
	})
}

// ArchiveSession stamps archived_at on a session and moves it to the cold
// tier by setting is_dormant. Archiving an already archived session is a
// no-op. Publishes session.archived on first archive.
func (s *Store) ArchiveSession(ctx context.Context, id string) (*SessionRecord, error) {
	var archivedNow bool
	err := retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET archived_at = ?, is_dormant = 1, updated_at = ?
			WHERE id = ? AND archived_at IS NULL;
		`, time.Now().UTC(), time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("archive session: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		archivedNow = affected > 0
		return nil
	})
	if err != nil {
		return nil, err
	}
	rec, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if archivedNow {
		s.publish(bus.TopicSessionArchived, bus.SessionLifecycleEvent{
			SessionID:  rec.ID,
			SessionKey: rec.SessionKey,
			Status:     string(rec.Status),
			Dormant:    rec.IsDormant,
			Archived:   true,
		})
	}
	return rec, nil
}

// FindExpiredSessions returns live sessions whose deadline has passed.
func (s *Store) FindExpiredSessions(ctx context.Context, now time.Time) ([]*SessionRecord, error) {
	return s.querySessions(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE expires_at IS NOT NULL AND expires_at <= ?
		  AND status IN ('pending', 'active')
		ORDER BY expires_at ASC;
	`, now.UTC())
}

// FindOrphanedSessions returns live sessions that never accumulated any
// context history and have been inactive since before cutoff.
func (s *Store) FindOrphanedSessions(ctx context.Context, cutoff time.Time) ([]*SessionRecord, error) {
	return s.querySessions(ctx, `
		SELECT `+sessionColumns+` FROM sessions s
		WHERE s.status IN ('pending', 'active')
		  AND s.archived_at IS NULL
		  AND s.last_activity_at <= ?
		  AND NOT EXISTS (SELECT 1 FROM context_history ch WHERE ch.session_id = s.id)
		ORDER BY s.last_activity_at ASC;
	`, cutoff.UTC())
}

// FindInactiveSessions returns non-dormant live sessions under the named
// retention policy with no activity since cutoff.
func (s *Store) FindInactiveSessions(ctx context.Context, policy string, cutoff time.Time) ([]*SessionRecord, error) {
	return s.querySessions(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status IN ('pending', 'active')
		  AND archived_at IS NULL
		  AND is_dormant = 0
		  AND retention_policy = ?
		  AND last_activity_at <= ?
		ORDER BY last_activity_at ASC;
	`, policy, cutoff.UTC())
}

// FindArchivedBefore returns archived sessions under the named retention
// policy whose archive stamp is older than cutoff. The retention sweep's
// final deletion tier feeds on this.
func (s *Store) FindArchivedBefore(ctx context.Context, policy string, cutoff time.Time) ([]*SessionRecord, error) {
	return s.querySessions(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE archived_at IS NOT NULL AND archived_at <= ? AND retention_policy = ?
		ORDER BY archived_at ASC;
	`, cutoff.UTC(), policy)
}

// SessionCounts aggregates the status and tier distribution of the table.
type SessionCounts struct {
	Total     int64 `json:"total"`
	Pending   int64 `json:"pending"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Expired   int64 `json:"expired"`
	Failed    int64 `json:"failed"`
	Dormant   int64 `json:"dormant"`
	Archived  int64 `json:"archived"`
}

func (s *Store) CountSessions(ctx context.Context) (SessionCounts, error) {
	var counts SessionCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(status = 'pending'), 0),
			COALESCE(SUM(status = 'active'), 0),
			COALESCE(SUM(status = 'completed'), 0),
			COALESCE(SUM(status = 'expired'), 0),
			COALESCE(SUM(status = 'failed'), 0),
			COALESCE(SUM(is_dormant), 0),
			COALESCE(SUM(archived_at IS NOT NULL), 0)
		FROM sessions;
	`).Scan(&counts.Total, &counts.Pending, &counts.Active, &counts.Completed,
		&counts.Expired, &counts.Failed, &counts.Dormant, &counts.Archived)
	if err != nil {
		return SessionCounts{}, fmt.Errorf("count sessions: %w", err)
	}
	return counts, nil
}

// IntegrityReport counts rows that reference sessions no longer present.
// lifecycle_events carries no foreign key, so drift is possible there.
type IntegrityReport struct {
	OrphanContextRows     int64 `json:"orphan_context_rows"`
	OrphanLifecycleEvents int64 `json:"orphan_lifecycle_events"`
	OrphanCheckpoints     int64 `json:"orphan_checkpoints"`
}

func (r IntegrityReport) Clean() bool {
	return r.OrphanContextRows == 0 && r.OrphanLifecycleEvents == 0 && r.OrphanCheckpoints == 0
}

func (s *Store) CheckIntegrity(ctx context.Context) (IntegrityReport, error) {
	var report IntegrityReport
	queries := []struct {
		dst   *int64
		query string
	}{
		{&report.OrphanContextRows, `SELECT COUNT(*) FROM context_history ch WHERE NOT EXISTS (SELECT 1 FROM sessions s WHERE s.id = ch.session_id);`},
		{&report.OrphanLifecycleEvents, `SELECT COUNT(*) FROM lifecycle_events le WHERE le.session_id != '' AND NOT EXISTS (SELECT 1 FROM sessions s WHERE s.id = le.session_id);`},
		{&report.OrphanCheckpoints, `SELECT COUNT(*) FROM recovery_checkpoints rc WHERE NOT EXISTS (SELECT 1 FROM sessions s WHERE s.id = rc.session_id);`},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dst); err != nil {
			return IntegrityReport{}, fmt.Errorf("integrity check: %w", err)
		}
	}
	return report, nil
}

func (s *Store) querySessions(ctx context.Context, query string, args ...any) ([]*SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var records []*SessionRecord
	for rows.Next() {
		rec, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row *sql.Row) (*SessionRecord, error) {
	rec, err := scanSessionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return rec, err
}

func scanSessionRow(row rowScanner) (*SessionRecord, error) {
	var rec SessionRecord
	var agentTo sql.NullString
	var metadataJSON string
	var expiresAt, archivedAt sql.NullTime

	err := row.Scan(&rec.ID, &rec.SessionKey, &rec.AgentFrom, &agentTo, &rec.Status,
		&metadataJSON, &rec.CreatedAt, &rec.UpdatedAt, &expiresAt, &rec.LastActivityAt,
		&rec.IsDormant, &archivedAt, &rec.RetentionPolicy)
	if err != nil {
		return nil, err
	}
	rec.AgentTo = agentTo.String
	if expiresAt.Valid {
		t := expiresAt.Time
		rec.ExpiresAt = &t
	}
	if archivedAt.Valid {
		t := archivedAt.Time
		rec.ArchivedAt = &t
	}
	if metadataJSON != "" && metadataJSON != "{}" {
		if err := json.Unmarshal([]byte(metadataJSON), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal session metadata: %w", err)
		}
	}
	return &rec, nil
}

func marshalMetadata(metadata map[string]any) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
