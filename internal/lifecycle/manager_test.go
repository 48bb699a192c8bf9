package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ctxvault/ctxvault/internal/bus"
	"github.com/ctxvault/ctxvault/internal/cache"
	"github.com/ctxvault/ctxvault/internal/config"
	"github.com/ctxvault/ctxvault/internal/degrade"
	"github.com/ctxvault/ctxvault/internal/persistence"
)

func testConfig() config.Config {
	return config.Config{
		DefaultRetentionPolicy:      "standard",
		RetentionPolicies:           config.DefaultPolicies(),
		CheckpointRetentionDays:     30,
		BackupRetentionDays:         14,
		LifecycleEventRetentionDays: 90,
	}
}

func newTestManager(t *testing.T) (*Manager, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(store, nil, testConfig(), bus.New(), logger, nil), store
}

func TestCreateSessionSchedulesExpiration(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	rec, err := m.CreateSession(ctx, persistence.CreateSessionParams{
		SessionKey: "hs-1",
		AgentFrom:  "planner",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.ExpiresAt == nil {
		t.Fatal("expected an expiration deadline from the standard policy")
	}
	// standard policy = 24h active TTL
	want := time.Now().Add(24 * time.Hour)
	if diff := rec.ExpiresAt.Sub(want); diff < -time.Minute || diff > time.Minute {
		t.Errorf("deadline %v not near %v", rec.ExpiresAt, want)
	}
	if rec.RetentionPolicy != "standard" {
		t.Errorf("policy = %q, want standard", rec.RetentionPolicy)
	}

	// Unknown policy names fall back to the default.
	rec2, err := m.CreateSession(ctx, persistence.CreateSessionParams{
		SessionKey:      "hs-2",
		AgentFrom:       "planner",
		RetentionPolicy: "no-such-policy",
	})
	if err != nil {
		t.Fatalf("create with unknown policy: %v", err)
	}
	if rec2.RetentionPolicy != "standard" {
		t.Errorf("fallback policy = %q, want standard", rec2.RetentionPolicy)
	}
}

func TestExpireSessionIdempotent(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	rec, err := m.CreateSession(ctx, persistence.CreateSessionParams{SessionKey: "exp", AgentFrom: "a"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	events := bus.New()
	m.bus = events
	sub := events.Subscribe(bus.TopicSessionExpired)
	ch := sub.Ch()

	if err := m.ExpireSession(ctx, rec.ID); err != nil {
		t.Fatalf("first expire: %v", err)
	}
	if err := m.ExpireSession(ctx, rec.ID); err != nil {
		t.Fatalf("second expire should be a no-op: %v", err)
	}

	after, err := store.GetSession(ctx, rec.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if after.Status != persistence.StatusExpired {
		t.Errorf("status = %s, want expired", after.Status)
	}

	// Exactly one event, from the first call.
	select {
	case msg := <-ch:
		evt := msg.Payload.(bus.SessionLifecycleEvent)
		if evt.SessionID != rec.ID {
			t.Errorf("event session = %s, want %s", evt.SessionID, rec.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected session.expired event")
	}
	select {
	case <-ch:
		t.Error("second expire published a duplicate event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestExpireCompletedSessionIsNoOp(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	rec, err := m.CreateSession(ctx, persistence.CreateSessionParams{SessionKey: "done", AgentFrom: "a"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.ActivateSession(ctx, rec.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := m.CompleteSession(ctx, rec.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if err := m.ExpireSession(ctx, rec.ID); err != nil {
		t.Fatalf("expire completed should be a no-op: %v", err)
	}
	after, _ := store.GetSession(ctx, rec.ID)
	if after.Status != persistence.StatusCompleted {
		t.Errorf("status = %s, want completed untouched", after.Status)
	}
}

func TestArchiveSessionCachesFrozenCopy(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sessionCache := cache.NewFromClient(client, "test:", cache.DefaultTierTTLs())
	t.Cleanup(func() { _ = sessionCache.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(store, sessionCache, testConfig(), bus.New(), logger, nil)
	ctx := context.Background()

	rec, err := m.CreateSession(ctx, persistence.CreateSessionParams{SessionKey: "frozen", AgentFrom: "a"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	archived, err := m.ArchiveSession(ctx, rec.ID)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if !archived.Archived() {
		t.Fatal("expected archived stamp")
	}

	cached, err := sessionCache.GetArchivedByKey(ctx, "frozen")
	if err != nil {
		t.Fatalf("cached copy by key: %v", err)
	}
	if cached.ID != rec.ID || cached.ArchivedAt == nil {
		t.Errorf("cached copy = %+v", cached)
	}

	// Lookup by key should now be servable without the store.
	got, err := m.GetSessionByKey(ctx, "frozen")
	if err != nil {
		t.Fatalf("get by key: %v", err)
	}
	if got.ID != rec.ID {
		t.Errorf("lookup id = %s, want %s", got.ID, rec.ID)
	}
}

func TestCleanupOrphanedSessions(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	expired, err := m.CreateSession(ctx, persistence.CreateSessionParams{
		SessionKey: "past-deadline", AgentFrom: "a", ExpiresAt: &past,
	})
	if err != nil {
		t.Fatalf("create expired: %v", err)
	}

	orphan, err := m.CreateSession(ctx, persistence.CreateSessionParams{SessionKey: "abandoned", AgentFrom: "a"})
	if err != nil {
		t.Fatalf("create orphan: %v", err)
	}
	// Clear the deadline and backdate activity past the orphan age.
	if _, err := store.DB().Exec(`
		UPDATE sessions SET expires_at = NULL, last_activity_at = ? WHERE id = ?;
	`, time.Now().UTC().Add(-8*24*time.Hour), orphan.ID); err != nil {
		t.Fatalf("backdate orphan: %v", err)
	}

	healthy, err := m.CreateSession(ctx, persistence.CreateSessionParams{SessionKey: "healthy", AgentFrom: "a"})
	if err != nil {
		t.Fatalf("create healthy: %v", err)
	}
	if _, err := store.AppendContext(ctx, healthy.ID, persistence.ContextTypeMessage, "hi", nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	result, err := m.CleanupOrphanedSessions(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if result.Skipped {
		t.Fatal("cleanup unexpectedly skipped")
	}
	if result.ExpiredCount != 1 {
		t.Errorf("expired count = %d, want 1", result.ExpiredCount)
	}
	if result.OrphanCount != 1 {
		t.Errorf("orphan count = %d, want 1", result.OrphanCount)
	}

	for _, id := range []string{expired.ID, orphan.ID} {
		rec, err := store.GetSession(ctx, id)
		if err != nil {
			t.Fatalf("reload %s: %v", id, err)
		}
		if rec.Status != persistence.StatusExpired {
			t.Errorf("session %s status = %s, want expired", id, rec.Status)
		}
	}

	// Orphans are archived too, so the retention sweep can age them out.
	orphanRec, err := store.GetSession(ctx, orphan.ID)
	if err != nil {
		t.Fatalf("reload orphan: %v", err)
	}
	if !orphanRec.Archived() {
		t.Error("orphan not archived after cleanup")
	}
	// Past-deadline sessions with history are only expired, never archived.
	expiredRec, _ := store.GetSession(ctx, expired.ID)
	if expiredRec.Archived() {
		t.Error("expired session unexpectedly archived by cleanup")
	}
	rec, _ := store.GetSession(ctx, healthy.ID)
	if rec.Status != persistence.StatusPending {
		t.Errorf("healthy session was swept: status = %s", rec.Status)
	}

	stats, err := m.GetCleanupStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Counts.Expired != 2 {
		t.Errorf("stats expired = %d, want 2", stats.Counts.Expired)
	}
	if stats.LastCleanup == "" {
		t.Error("expected last cleanup stamp")
	}
}

func TestCleanupGuardSkipsOverlap(t *testing.T) {
	m, _ := newTestManager(t)

	m.sweeping.Store(true)
	result, err := m.CleanupOrphanedSessions(context.Background())
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if !result.Skipped || result.ExpiredCount != 0 || result.OrphanCount != 0 {
		t.Errorf("overlapping sweep result = %+v, want skipped zero result", result)
	}
}

func TestDetectDormantSessions(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	// standard dormancy threshold is 48h; short is 12h.
	standard, err := m.CreateSession(ctx, persistence.CreateSessionParams{SessionKey: "std", AgentFrom: "a"})
	if err != nil {
		t.Fatalf("create standard: %v", err)
	}
	short, err := m.CreateSession(ctx, persistence.CreateSessionParams{
		SessionKey: "shrt", AgentFrom: "a", RetentionPolicy: "short",
	})
	if err != nil {
		t.Fatalf("create short: %v", err)
	}

	// 24h of silence trips the short policy but not standard.
	old := time.Now().UTC().Add(-24 * time.Hour)
	for _, id := range []string{standard.ID, short.ID} {
		if _, err := store.DB().Exec(`UPDATE sessions SET last_activity_at = ? WHERE id = ?;`, old, id); err != nil {
			t.Fatalf("backdate: %v", err)
		}
	}

	demoted, err := m.DetectDormantSessions(ctx)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if demoted != 1 {
		t.Fatalf("demoted %d sessions, want 1", demoted)
	}
	rec, _ := store.GetSession(ctx, short.ID)
	if !rec.IsDormant {
		t.Error("short-policy session not dormant")
	}
	rec, _ = store.GetSession(ctx, standard.ID)
	if rec.IsDormant {
		t.Error("standard-policy session demoted too early")
	}

	// Reactivation resets the activity clock, so a rerun leaves it alone.
	if err := m.ReactivateSession(ctx, short.ID); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	demoted, err = m.DetectDormantSessions(ctx)
	if err != nil {
		t.Fatalf("re-detect: %v", err)
	}
	if demoted != 0 {
		t.Errorf("rerun demoted %d sessions, want 0", demoted)
	}
}

func TestRunRetentionSweepDeletesStaleArchives(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	stale, err := m.CreateSession(ctx, persistence.CreateSessionParams{SessionKey: "stale", AgentFrom: "a"})
	if err != nil {
		t.Fatalf("create stale: %v", err)
	}
	if _, err := store.AppendContext(ctx, stale.ID, persistence.ContextTypeMessage, "m", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := m.ArchiveSession(ctx, stale.ID); err != nil {
		t.Fatalf("archive: %v", err)
	}
	// Backdate the archive stamp past the standard 30d TTL.
	if _, err := store.DB().Exec(`UPDATE sessions SET archived_at = ? WHERE id = ?;`,
		time.Now().UTC().Add(-31*24*time.Hour), stale.ID); err != nil {
		t.Fatalf("backdate archive: %v", err)
	}

	recent, err := m.CreateSession(ctx, persistence.CreateSessionParams{SessionKey: "recent", AgentFrom: "a"})
	if err != nil {
		t.Fatalf("create recent: %v", err)
	}
	if _, err := m.ArchiveSession(ctx, recent.ID); err != nil {
		t.Fatalf("archive recent: %v", err)
	}

	result, err := m.RunRetentionSweep(ctx)
	if err != nil {
		t.Fatalf("retention sweep: %v", err)
	}
	if result.SessionsDeleted != 1 {
		t.Errorf("deleted %d sessions, want 1", result.SessionsDeleted)
	}

	if _, err := store.GetSession(ctx, stale.ID); !errors.Is(err, persistence.ErrSessionNotFound) {
		t.Errorf("stale archive still present: %v", err)
	}
	if _, err := store.GetSession(ctx, recent.ID); err != nil {
		t.Errorf("recent archive deleted: %v", err)
	}
	// Cascade removed the history too.
	count, _, err := store.CountContext(ctx, stale.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("stale session left %d context rows", count)
	}
}

func TestDegradationGateSkipsCache(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sessionCache := cache.NewFromClient(client, "test:", cache.DefaultTierTTLs())
	t.Cleanup(func() { _ = sessionCache.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coordinator := degrade.NewCoordinator(degrade.Config{FailureThreshold: 1}, nil, logger, nil)
	t.Cleanup(coordinator.Close)
	if err := coordinator.RegisterService(degrade.ServiceConfig{
		Name:     "redis_cache",
		Priority: degrade.PriorityImportant,
		Fallback: func(context.Context) (any, error) { return nil, nil },
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	m := NewManager(store, sessionCache, testConfig(), bus.New(), logger, nil)
	m.SetDegradationGate(coordinator, "redis_cache")
	ctx := context.Background()

	// Healthy cache gets the write-through copy.
	rec1, err := m.CreateSession(ctx, persistence.CreateSessionParams{SessionKey: "gated-1", AgentFrom: "a"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := sessionCache.Get(ctx, cache.TierActive, rec1.ID); err != nil {
		t.Fatalf("expected cached copy while healthy: %v", err)
	}

	coordinator.RecordFailure(ctx, "redis_cache", errors.New("connection refused"))

	// Writes are skipped while the cache service is unhealthy.
	rec2, err := m.CreateSession(ctx, persistence.CreateSessionParams{SessionKey: "gated-2", AgentFrom: "a"})
	if err != nil {
		t.Fatalf("create while degraded: %v", err)
	}
	if _, err := sessionCache.Get(ctx, cache.TierActive, rec2.ID); !errors.Is(err, cache.ErrCacheMiss) {
		t.Errorf("cache get err = %v, want miss while degraded", err)
	}

	// Reads bypass the cache but still serve from the store.
	got, err := m.GetSession(ctx, rec1.ID)
	if err != nil {
		t.Fatalf("get while degraded: %v", err)
	}
	if got.ID != rec1.ID {
		t.Errorf("got id %s, want %s", got.ID, rec1.ID)
	}
}
