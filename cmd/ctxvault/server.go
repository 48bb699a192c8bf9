package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ctxvault/ctxvault/internal/audit"
	"github.com/ctxvault/ctxvault/internal/cache"
	"github.com/ctxvault/ctxvault/internal/cron"
	"github.com/ctxvault/ctxvault/internal/degrade"
	"github.com/ctxvault/ctxvault/internal/lifecycle"
	"github.com/ctxvault/ctxvault/internal/recovery"
)

type healthDeps struct {
	version     string
	fingerprint string
	startedAt   time.Time
	manager     *lifecycle.Manager
	recovery    *recovery.Service
	coordinator *degrade.Coordinator
	scheduler   *cron.Scheduler
	cacheTier   *cache.SessionCache // nil when disabled
}

func newHealthServer(deps healthDeps) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", deps.handleHealthz)
	mux.HandleFunc("/statusz", deps.handleStatusz)
	return mux
}

// handleHealthz is the cheap liveness probe: degradation mode plus per-service
// health. 503 only in emergency mode so load balancers keep routing while the
// daemon runs degraded.
func (d healthDeps) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	report := d.coordinator.GetHealthReport()
	cacheEnabled := d.cacheTier != nil

	payload := map[string]any{
		"healthy":         report.Mode != degrade.ModeEmergency,
		"mode":            report.Mode,
		"manual_override": report.ManualOverride,
		"services":        report.Services,
		"cache_enabled":   cacheEnabled,
		"version":         d.version,
		"uptime_seconds":  int64(time.Since(d.startedAt).Seconds()),
	}
	w.Header().Set("Content-Type", "application/json")
	if report.Mode == degrade.ModeEmergency {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// handleStatusz is the deep status dump: session counts, integrity drift,
// checkpoint coverage, in-flight recovery attempts, and scheduler state. It
// hits the database, so it is not meant for tight probe loops.
func (d healthDeps) handleStatusz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	payload := map[string]any{
		"version":            d.version,
		"config_fingerprint": d.fingerprint,
		"started_at":         d.startedAt.Format(time.RFC3339),
		"degradation":        d.coordinator.GetHealthReport(),
		"jobs":               d.scheduler.Jobs(),
		"audit_events":       audit.EventCount(),
	}

	if stats, err := d.manager.GetCleanupStats(ctx); err != nil {
		payload["lifecycle_error"] = err.Error()
	} else {
		payload["lifecycle"] = stats
	}
	if stats, err := d.recovery.GetRecoveryStatistics(ctx); err != nil {
		payload["recovery_error"] = err.Error()
	} else {
		payload["recovery"] = stats
	}

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
