package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ctxvault/ctxvault/internal/config"
	"github.com/ctxvault/ctxvault/internal/cron"
	"github.com/ctxvault/ctxvault/internal/degrade"
	"github.com/ctxvault/ctxvault/internal/lifecycle"
	"github.com/ctxvault/ctxvault/internal/persistence"
	"github.com/ctxvault/ctxvault/internal/recovery"
)

func newTestHealthServer(t *testing.T) (http.Handler, *degrade.Coordinator) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Config{
		DefaultRetentionPolicy:      "standard",
		RetentionPolicies:           config.DefaultPolicies(),
		CheckpointRetentionDays:     7,
		BackupRetentionDays:         7,
		LifecycleEventRetentionDays: 90,
	}

	coordinator := degrade.NewCoordinator(degrade.Config{FailureThreshold: 1}, nil, logger, nil)
	if err := coordinator.RegisterService(degrade.ServiceConfig{Name: "sqlite", Priority: degrade.PriorityCritical}); err != nil {
		t.Fatalf("register service: %v", err)
	}

	deps := healthDeps{
		version:     "test",
		fingerprint: cfg.Fingerprint(),
		startedAt:   time.Now().UTC(),
		manager:     lifecycle.NewManager(store, nil, cfg, nil, logger, nil),
		recovery:    recovery.NewService(store, nil, logger, nil, nil),
		coordinator: coordinator,
		scheduler:   cron.NewScheduler(cron.Config{Logger: logger}),
	}
	return newHealthServer(deps), coordinator
}

func TestHealthzHealthy(t *testing.T) {
	handler, _ := newTestHealthServer(t)
	ts := httptest.NewServer(handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want 200", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode healthz body: %v", err)
	}
	for _, field := range []string{"healthy", "mode", "services", "version"} {
		if _, ok := body[field]; !ok {
			t.Errorf("healthz missing required field %q, got: %v", field, body)
		}
	}
	if body["mode"] != string(degrade.ModeFullService) {
		t.Errorf("got mode %v, want full_service", body["mode"])
	}
}

func TestHealthzEmergencyReturns503(t *testing.T) {
	handler, coordinator := newTestHealthServer(t)
	ts := httptest.NewServer(handler)
	defer ts.Close()

	// Threshold is 1, so a single critical failure drops to emergency.
	coordinator.RecordFailure(t.Context(), "sqlite", errors.New("disk gone"))

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("got status %d, want 503", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode healthz body: %v", err)
	}
	if body["healthy"] != false {
		t.Errorf("got healthy=%v, want false", body["healthy"])
	}
	if body["mode"] != string(degrade.ModeEmergency) {
		t.Errorf("got mode %v, want emergency", body["mode"])
	}
}

func TestStatuszReportsStats(t *testing.T) {
	handler, _ := newTestHealthServer(t)
	ts := httptest.NewServer(handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/statusz")
	if err != nil {
		t.Fatalf("GET /statusz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want 200", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode statusz body: %v", err)
	}
	for _, field := range []string{"version", "config_fingerprint", "degradation", "lifecycle", "recovery", "jobs"} {
		if _, ok := body[field]; !ok {
			t.Errorf("statusz missing field %q", field)
		}
	}
}

func TestIsAddrInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	_, err = net.Listen("tcp", ln.Addr().String())
	if err == nil {
		t.Fatal("second listen unexpectedly succeeded")
	}
	if !isAddrInUse(err) {
		t.Errorf("isAddrInUse(%v) = false, want true", err)
	}
	if isAddrInUse(errors.New("connection refused")) {
		t.Error("isAddrInUse matched an unrelated error")
	}
}
