package persistence

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestAppendContextAssignsGaplessSequence(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, CreateSessionParams{SessionKey: "seq", AgentFrom: "a"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	for i := 1; i <= 5; i++ {
		entry, err := store.AppendContext(ctx, sess.ID, ContextTypeMessage, fmt.Sprintf("msg %d", i), nil)
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if entry.SequenceNumber != int64(i) {
			t.Errorf("entry %d got sequence %d", i, entry.SequenceNumber)
		}
	}

	count, maxSeq, err := store.CountContext(ctx, sess.ID)
	if err != nil {
		t.Fatalf("count context: %v", err)
	}
	if count != 5 || maxSeq != 5 {
		t.Errorf("count=%d maxSeq=%d, want 5/5", count, maxSeq)
	}
}

func TestAppendContextRejectsArchivedSession(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, CreateSessionParams{SessionKey: "ro", AgentFrom: "a"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := store.ArchiveSession(ctx, sess.ID); err != nil {
		t.Fatalf("archive: %v", err)
	}

	_, err = store.AppendContext(ctx, sess.ID, ContextTypeMessage, "too late", nil)
	if !errors.Is(err, ErrSessionArchived) {
		t.Errorf("append to archived error = %v, want ErrSessionArchived", err)
	}

	_, err = store.AppendContext(ctx, "missing", ContextTypeMessage, "x", nil)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("append to missing error = %v, want ErrSessionNotFound", err)
	}
}

func TestAppendContextBumpsActivity(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, CreateSessionParams{SessionKey: "act", AgentFrom: "a"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := store.DB().Exec(`UPDATE sessions SET last_activity_at = '2020-01-01 00:00:00' WHERE id = ?;`, sess.ID); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	if _, err := store.AppendContext(ctx, sess.ID, ContextTypeToolCall, "ran tests", nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	after, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("reload session: %v", err)
	}
	if after.LastActivityAt.Year() == 2020 {
		t.Error("append did not bump last_activity_at")
	}
}

func TestListAndTailContext(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, CreateSessionParams{SessionKey: "tail", AgentFrom: "a"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	for i := 1; i <= 10; i++ {
		if _, err := store.AppendContext(ctx, sess.ID, ContextTypeMessage, fmt.Sprintf("m%d", i), map[string]any{"i": i}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	all, err := store.ListContext(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 10 {
		t.Fatalf("listed %d entries, want 10", len(all))
	}
	for i, entry := range all {
		if entry.SequenceNumber != int64(i+1) {
			t.Errorf("entry %d has sequence %d", i, entry.SequenceNumber)
		}
	}

	tail, err := store.TailContext(ctx, sess.ID, 3)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(tail) != 3 {
		t.Fatalf("tail returned %d entries, want 3", len(tail))
	}
	if tail[0].SequenceNumber != 8 || tail[2].SequenceNumber != 10 {
		t.Errorf("tail sequences = %d..%d, want 8..10", tail[0].SequenceNumber, tail[2].SequenceNumber)
	}

	// Tail larger than history returns everything.
	tail, err = store.TailContext(ctx, sess.ID, 50)
	if err != nil {
		t.Fatalf("oversized tail: %v", err)
	}
	if len(tail) != 10 {
		t.Errorf("oversized tail returned %d entries, want 10", len(tail))
	}
}
