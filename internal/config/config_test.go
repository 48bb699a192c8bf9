package config

import (
	"os"
	"path/filepath"
	"testing"
)

func loadWithHome(t *testing.T, yaml string) (Config, error) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("CTXVAULT_HOME", home)
	if yaml != "" {
		if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
			t.Fatalf("write config.yaml: %v", err)
		}
	}
	return Load()
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := loadWithHome(t, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("expected NeedsGenesis for missing config.yaml")
	}
	if cfg.BindAddr != "127.0.0.1:18790" {
		t.Fatalf("bind_addr = %q", cfg.BindAddr)
	}
	if cfg.DefaultRetentionPolicy != "standard" {
		t.Fatalf("default policy = %q", cfg.DefaultRetentionPolicy)
	}
	for _, name := range []string{"standard", "extended", "short"} {
		if _, ok := cfg.RetentionPolicies[name]; !ok {
			t.Fatalf("missing built-in policy %q", name)
		}
	}
	if cfg.Sweeps.CheckpointIntervalMinutes != 5 {
		t.Fatalf("checkpoint interval = %d", cfg.Sweeps.CheckpointIntervalMinutes)
	}
}

func TestLoad_CustomPolicyMergesDefaults(t *testing.T) {
	cfg, err := loadWithHome(t, `
retention_policies:
  bulk:
    active_session_ttl_hours: 2
    dormant_threshold_hours: 4
`)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	p, ok := cfg.RetentionPolicies["bulk"]
	if !ok {
		t.Fatal("expected custom policy bulk")
	}
	if p.ActiveSessionTTLHours != 2 || p.DormantThresholdHours != 4 {
		t.Fatalf("custom fields not applied: %+v", p)
	}
	// Unset fields inherit standard defaults.
	if p.ArchivedSessionTTLHours != 30*24 {
		t.Fatalf("archived ttl = %d, want standard default", p.ArchivedSessionTTLHours)
	}
	if _, ok := cfg.RetentionPolicies["standard"]; !ok {
		t.Fatal("built-in policies must survive custom policy merge")
	}
}

func TestLoad_UnknownDefaultPolicyRejected(t *testing.T) {
	_, err := loadWithHome(t, "default_retention_policy: nope\n")
	if err == nil {
		t.Fatal("expected error for unknown default policy")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CTXVAULT_BIND_ADDR", "0.0.0.0:9999")
	t.Setenv("CTXVAULT_REDIS_ADDR", "10.0.0.5:6379")
	cfg, err := loadWithHome(t, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:9999" {
		t.Fatalf("bind_addr = %q", cfg.BindAddr)
	}
	if !cfg.Cache.Enabled || cfg.Cache.Addr != "10.0.0.5:6379" {
		t.Fatalf("redis env override not applied: %+v", cfg.Cache)
	}
}

func TestResolvePolicy_FallsBackToDefault(t *testing.T) {
	cfg, err := loadWithHome(t, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	p := cfg.ResolvePolicy("does-not-exist")
	if p.Name != "standard" {
		t.Fatalf("expected fallback to standard, got %q", p.Name)
	}
	p = cfg.ResolvePolicy("short")
	if p.Name != "short" || p.ActiveSessionTTLHours != 6 {
		t.Fatalf("expected short policy, got %+v", p)
	}
}

func TestLoad_BadCronRejected(t *testing.T) {
	_, err := loadWithHome(t, "sweeps:\n  cleanup_cron: \"* * *\"\n")
	if err == nil {
		t.Fatal("expected error for malformed cron expression")
	}
}

func TestFingerprint_Stable(t *testing.T) {
	cfg, err := loadWithHome(t, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Fingerprint() != cfg.Fingerprint() {
		t.Fatal("fingerprint must be deterministic")
	}
}
