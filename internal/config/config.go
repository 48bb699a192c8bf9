// Package config loads the ctxvault daemon configuration from
// $CTXVAULT_HOME/config.yaml with env overrides and defaults.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ctxvault/ctxvault/internal/otel"
)

// CacheConfig holds the redis cache settings. When disabled (or redis is
// unreachable), session cache reads fall through to the relational store via
// the degradation coordinator.
type CacheConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	PoolSize  int    `yaml:"pool_size"`
}

// SweepConfig controls the scheduled lifecycle and recovery jobs.
type SweepConfig struct {
	// CleanupCron fires cleanupOrphanedSessions (5-field cron expression).
	CleanupCron string `yaml:"cleanup_cron"`
	// DormancyCron fires detectDormantSessions.
	DormancyCron string `yaml:"dormancy_cron"`
	// RetentionCron fires the checkpoint/backup/event retention purge.
	RetentionCron string `yaml:"retention_cron"`
	// CheckpointIntervalMinutes is the automatic-checkpoint sweep interval.
	CheckpointIntervalMinutes int `yaml:"checkpoint_interval_minutes"`
}

// DegradationConfig tunes the built-in store/cache service registrations.
type DegradationConfig struct {
	FailureThreshold     int `yaml:"failure_threshold"`
	RecoveryThreshold    int `yaml:"recovery_threshold"`
	CheckIntervalSeconds int `yaml:"check_interval_seconds"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// DBPath overrides the default $home/ctxvault.db location.
	DBPath string `yaml:"db_path"`

	Cache       CacheConfig       `yaml:"cache"`
	Sweeps      SweepConfig       `yaml:"sweeps"`
	Degradation DegradationConfig `yaml:"degradation"`
	OTel        otel.Config       `yaml:"otel"`

	// DefaultRetentionPolicy names the policy used when a session references
	// an unknown policy name.
	DefaultRetentionPolicy string `yaml:"default_retention_policy"`

	// RetentionPolicies holds the named policies; defaults (standard,
	// extended, short) are merged in when absent.
	RetentionPolicies map[string]RetentionPolicy `yaml:"retention_policies"`

	// CheckpointRetentionDays bounds how long checkpoint rows are kept.
	CheckpointRetentionDays int `yaml:"checkpoint_retention_days"`
	// BackupRetentionDays bounds how long pre-recovery backups are kept.
	BackupRetentionDays int `yaml:"backup_retention_days"`
	// LifecycleEventRetentionDays bounds the lifecycle_events audit table.
	LifecycleEventRetentionDays int `yaml:"lifecycle_event_retention_days"`

	NeedsGenesis bool `yaml:"-"`
}

// ResolvedDBPath returns the configured database path, defaulting to
// $home/ctxvault.db.
func (c Config) ResolvedDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.HomeDir, "ctxvault.db")
}

// Fingerprint returns a stable hash of the active config for startup logging.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|cache=%v|policies=%d|ckpt_days=%d",
		c.BindAddr, c.LogLevel, c.Cache.Enabled, len(c.RetentionPolicies), c.CheckpointRetentionDays)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18790",
		LogLevel: "info",
		Cache: CacheConfig{
			Enabled:   false,
			Addr:      "127.0.0.1:6379",
			KeyPrefix: "ctxvault:",
			PoolSize:  10,
		},
		Sweeps: SweepConfig{
			CleanupCron:               "0 * * * *",  // hourly
			DormancyCron:              "30 * * * *", // hourly, offset from cleanup
			RetentionCron:             "15 3 * * *", // daily
			CheckpointIntervalMinutes: 5,
		},
		Degradation: DegradationConfig{
			FailureThreshold:     3,
			RecoveryThreshold:    2,
			CheckIntervalSeconds: 30,
		},
		DefaultRetentionPolicy:      "standard",
		RetentionPolicies:           DefaultPolicies(),
		CheckpointRetentionDays:     7,
		BackupRetentionDays:         7,
		LifecycleEventRetentionDays: 90,
	}
}

func HomeDir() string {
	if override := os.Getenv("CTXVAULT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".ctxvault")
}

func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create ctxvault home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CTXVAULT_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("CTXVAULT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CTXVAULT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CTXVAULT_REDIS_ADDR"); v != "" {
		cfg.Cache.Addr = v
		cfg.Cache.Enabled = true
	}
	if v := os.Getenv("CTXVAULT_REDIS_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("CTXVAULT_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = n
		}
	}
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Cache.KeyPrefix == "" {
		cfg.Cache.KeyPrefix = "ctxvault:"
	}
	if cfg.Cache.PoolSize <= 0 {
		cfg.Cache.PoolSize = 10
	}
	if cfg.Sweeps.CleanupCron == "" {
		cfg.Sweeps.CleanupCron = "0 * * * *"
	}
	if cfg.Sweeps.DormancyCron == "" {
		cfg.Sweeps.DormancyCron = "30 * * * *"
	}
	if cfg.Sweeps.RetentionCron == "" {
		cfg.Sweeps.RetentionCron = "15 3 * * *"
	}
	if cfg.Sweeps.CheckpointIntervalMinutes <= 0 {
		cfg.Sweeps.CheckpointIntervalMinutes = 5
	}
	if cfg.Degradation.FailureThreshold <= 0 {
		cfg.Degradation.FailureThreshold = 3
	}
	if cfg.Degradation.RecoveryThreshold <= 0 {
		cfg.Degradation.RecoveryThreshold = 2
	}
	if cfg.Degradation.CheckIntervalSeconds <= 0 {
		cfg.Degradation.CheckIntervalSeconds = 30
	}
	if cfg.CheckpointRetentionDays <= 0 {
		cfg.CheckpointRetentionDays = 7
	}
	if cfg.BackupRetentionDays <= 0 {
		cfg.BackupRetentionDays = 7
	}
	if cfg.LifecycleEventRetentionDays <= 0 {
		cfg.LifecycleEventRetentionDays = 90
	}
	if cfg.DefaultRetentionPolicy == "" {
		cfg.DefaultRetentionPolicy = "standard"
	}

	// Merge built-in policies for any name the user did not define.
	merged := DefaultPolicies()
	for name, p := range cfg.RetentionPolicies {
		p.Name = name
		merged[name] = p
	}
	cfg.RetentionPolicies = merged
	for name, p := range cfg.RetentionPolicies {
		cfg.RetentionPolicies[name] = normalizePolicy(p)
	}
}

func validate(cfg *Config) error {
	if _, ok := cfg.RetentionPolicies[cfg.DefaultRetentionPolicy]; !ok {
		return fmt.Errorf("default_retention_policy %q is not a defined retention policy", cfg.DefaultRetentionPolicy)
	}
	for name, p := range cfg.RetentionPolicies {
		if p.ActiveSessionTTLHours <= 0 {
			return fmt.Errorf("retention policy %q: active_session_ttl_hours must be positive", name)
		}
		if p.DormantThresholdHours <= 0 {
			return fmt.Errorf("retention policy %q: dormant_threshold_hours must be positive", name)
		}
	}
	if strings.Count(cfg.Sweeps.CleanupCron, " ") != 4 {
		return fmt.Errorf("cleanup_cron %q: expected 5-field cron expression", cfg.Sweeps.CleanupCron)
	}
	return nil
}

// Save writes the config back to config.yaml. Used for genesis.
func Save(cfg Config) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(ConfigPath(cfg.HomeDir), out, 0o644)
}

// CheckpointInterval returns the automatic-checkpoint sweep interval as a duration.
func (c Config) CheckpointInterval() time.Duration {
	return time.Duration(c.Sweeps.CheckpointIntervalMinutes) * time.Minute
}
