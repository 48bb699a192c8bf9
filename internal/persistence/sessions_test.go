package persistence

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCreateAndGetSession(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, CreateSessionParams{
		SessionKey: "handoff-42",
		AgentFrom:  "planner",
		AgentTo:    "executor",
		Metadata:   map[string]any{"task": "refactor"},
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("expected generated session id")
	}
	if sess.Status != StatusPending {
		t.Errorf("status = %s, want pending", sess.Status)
	}
	if sess.RetentionPolicy != "standard" {
		t.Errorf("retention policy = %q, want standard", sess.RetentionPolicy)
	}

	byKey, err := store.GetSessionByKey(ctx, "handoff-42")
	if err != nil {
		t.Fatalf("get by key: %v", err)
	}
	if byKey.ID != sess.ID {
		t.Errorf("lookup by key returned id %s, want %s", byKey.ID, sess.ID)
	}
	if byKey.Metadata["task"] != "refactor" {
		t.Errorf("metadata = %v, want task=refactor", byKey.Metadata)
	}

	if _, err := store.GetSession(ctx, "no-such-id"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("missing session error = %v, want ErrSessionNotFound", err)
	}
}

func TestDuplicateSessionKey(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateSession(ctx, CreateSessionParams{SessionKey: "dup", AgentFrom: "a"}); err != nil {
		t.Fatalf("create first: %v", err)
	}
	_, err := store.CreateSession(ctx, CreateSessionParams{SessionKey: "dup", AgentFrom: "b"})
	if !errors.Is(err, ErrDuplicateSessionKey) {
		t.Errorf("duplicate key error = %v, want ErrDuplicateSessionKey", err)
	}
}

func TestStatusTransitionsEnforced(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, CreateSessionParams{SessionKey: "st", AgentFrom: "a"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	// pending cannot jump straight to completed.
	err = store.UpdateSessionStatus(ctx, sess.ID, StatusCompleted)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("pending->completed error = %v, want ErrInvalidTransition", err)
	}

	if err := store.UpdateSessionStatus(ctx, sess.ID, StatusActive); err != nil {
		t.Fatalf("pending->active: %v", err)
	}
	// Same-status update is a no-op, not an error.
	if err := store.UpdateSessionStatus(ctx, sess.ID, StatusActive); err != nil {
		t.Fatalf("active->active: %v", err)
	}
	if err := store.UpdateSessionStatus(ctx, sess.ID, StatusCompleted); err != nil {
		t.Fatalf("active->completed: %v", err)
	}

	// completed is terminal.
	err = store.UpdateSessionStatus(ctx, sess.ID, StatusActive)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("completed->active error = %v, want ErrInvalidTransition", err)
	}
}

func TestArchiveSessionIdempotentAndReadOnly(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, CreateSessionParams{SessionKey: "arch", AgentFrom: "a"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	archived, err := store.ArchiveSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if !archived.Archived() {
		t.Fatal("expected archived_at to be set")
	}
	if !archived.IsDormant {
		t.Error("archival should move the session to the dormant tier")
	}
	firstStamp := *archived.ArchivedAt

	again, err := store.ArchiveSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("re-archive: %v", err)
	}
	if !again.ArchivedAt.Equal(firstStamp) {
		t.Errorf("re-archive changed archived_at: %v -> %v", firstStamp, *again.ArchivedAt)
	}

	// Field mutations on the archived session are rejected.
	err = store.SetExpiry(ctx, sess.ID, time.Now().Add(time.Hour))
	if !errors.Is(err, ErrSessionArchived) {
		t.Errorf("set expiry on archived error = %v, want ErrSessionArchived", err)
	}
	err = store.UpdateSessionMetadata(ctx, sess.ID, map[string]any{"x": 1})
	if !errors.Is(err, ErrSessionArchived) {
		t.Errorf("metadata update on archived error = %v, want ErrSessionArchived", err)
	}
}

func TestFindExpiredSessions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)

	expired, err := store.CreateSession(ctx, CreateSessionParams{SessionKey: "old", AgentFrom: "a", ExpiresAt: &past})
	if err != nil {
		t.Fatalf("create expired: %v", err)
	}
	if _, err := store.CreateSession(ctx, CreateSessionParams{SessionKey: "fresh", AgentFrom: "a", ExpiresAt: &future}); err != nil {
		t.Fatalf("create fresh: %v", err)
	}
	if _, err := store.CreateSession(ctx, CreateSessionParams{SessionKey: "no-deadline", AgentFrom: "a"}); err != nil {
		t.Fatalf("create no-deadline: %v", err)
	}

	found, err := store.FindExpiredSessions(ctx, time.Now())
	if err != nil {
		t.Fatalf("find expired: %v", err)
	}
	if len(found) != 1 || found[0].ID != expired.ID {
		t.Errorf("found %d expired sessions, want exactly the old one", len(found))
	}
}

func TestFindOrphanedSessions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	orphan, err := store.CreateSession(ctx, CreateSessionParams{SessionKey: "orphan", AgentFrom: "a"})
	if err != nil {
		t.Fatalf("create orphan: %v", err)
	}
	withHistory, err := store.CreateSession(ctx, CreateSessionParams{SessionKey: "busy", AgentFrom: "a"})
	if err != nil {
		t.Fatalf("create busy: %v", err)
	}
	if _, err := store.AppendContext(ctx, withHistory.ID, ContextTypeMessage, "hello", nil); err != nil {
		t.Fatalf("append context: %v", err)
	}

	// Backdate both so they pass the inactivity cutoff.
	old := time.Now().UTC().Add(-8 * 24 * time.Hour)
	for _, id := range []string{orphan.ID, withHistory.ID} {
		if _, err := store.DB().Exec(`UPDATE sessions SET last_activity_at = ? WHERE id = ?;`, old, id); err != nil {
			t.Fatalf("backdate: %v", err)
		}
	}

	found, err := store.FindOrphanedSessions(ctx, time.Now().Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("find orphaned: %v", err)
	}
	if len(found) != 1 || found[0].ID != orphan.ID {
		t.Errorf("found %d orphans, want exactly the history-free one", len(found))
	}
}

func TestFindInactiveSessionsByPolicy(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	standard, err := store.CreateSession(ctx, CreateSessionParams{SessionKey: "std", AgentFrom: "a", RetentionPolicy: "standard"})
	if err != nil {
		t.Fatalf("create standard: %v", err)
	}
	extended, err := store.CreateSession(ctx, CreateSessionParams{SessionKey: "ext", AgentFrom: "a", RetentionPolicy: "extended"})
	if err != nil {
		t.Fatalf("create extended: %v", err)
	}

	old := time.Now().UTC().Add(-72 * time.Hour)
	for _, id := range []string{standard.ID, extended.ID} {
		if _, err := store.DB().Exec(`UPDATE sessions SET last_activity_at = ? WHERE id = ?;`, old, id); err != nil {
			t.Fatalf("backdate: %v", err)
		}
	}

	found, err := store.FindInactiveSessions(ctx, "standard", time.Now().Add(-48*time.Hour))
	if err != nil {
		t.Fatalf("find inactive: %v", err)
	}
	if len(found) != 1 || found[0].ID != standard.ID {
		t.Errorf("found %d inactive standard sessions, want 1", len(found))
	}

	// Dormant sessions drop out of the inactive scan.
	if err := store.SetDormant(ctx, standard.ID, true); err != nil {
		t.Fatalf("set dormant: %v", err)
	}
	if _, err := store.DB().Exec(`UPDATE sessions SET last_activity_at = ? WHERE id = ?;`, old, standard.ID); err != nil {
		t.Fatalf("backdate again: %v", err)
	}
	found, err = store.FindInactiveSessions(ctx, "standard", time.Now().Add(-48*time.Hour))
	if err != nil {
		t.Fatalf("find inactive after dormancy: %v", err)
	}
	if len(found) != 0 {
		t.Errorf("dormant session still reported inactive")
	}
}

func TestCountSessionsAndIntegrity(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, CreateSessionParams{SessionKey: "c1", AgentFrom: "a"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := store.UpdateSessionStatus(ctx, sess.ID, StatusActive); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := store.CreateSession(ctx, CreateSessionParams{SessionKey: "c2", AgentFrom: "a"}); err != nil {
		t.Fatalf("create second: %v", err)
	}

	counts, err := store.CountSessions(ctx)
	if err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if counts.Total != 2 || counts.Active != 1 || counts.Pending != 1 {
		t.Errorf("counts = %+v, want total=2 active=1 pending=1", counts)
	}

	report, err := store.CheckIntegrity(ctx)
	if err != nil {
		t.Fatalf("check integrity: %v", err)
	}
	if !report.Clean() {
		t.Errorf("fresh store integrity = %+v, want clean", report)
	}

	// An audit event for a deleted session shows up as drift.
	if _, err := store.DB().Exec(`INSERT INTO lifecycle_events (session_id, event_type) VALUES ('ghost', 'session_expired');`); err != nil {
		t.Fatalf("seed ghost event: %v", err)
	}
	report, err = store.CheckIntegrity(ctx)
	if err != nil {
		t.Fatalf("recheck integrity: %v", err)
	}
	if report.OrphanLifecycleEvents != 1 {
		t.Errorf("orphan lifecycle events = %d, want 1", report.OrphanLifecycleEvents)
	}
}
