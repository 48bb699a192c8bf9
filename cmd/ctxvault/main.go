package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/ctxvault/ctxvault/internal/audit"
	"github.com/ctxvault/ctxvault/internal/bus"
	"github.com/ctxvault/ctxvault/internal/cache"
	"github.com/ctxvault/ctxvault/internal/config"
	"github.com/ctxvault/ctxvault/internal/cron"
	"github.com/ctxvault/ctxvault/internal/degrade"
	"github.com/ctxvault/ctxvault/internal/lifecycle"
	otelPkg "github.com/ctxvault/ctxvault/internal/otel"
	"github.com/ctxvault/ctxvault/internal/persistence"
	"github.com/ctxvault/ctxvault/internal/recovery"
	"github.com/ctxvault/ctxvault/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the daemon in the foreground
  %s -daemon                  Same, but force JSON logs to stdout even on a TTY

SUBCOMMANDS:
  %s status                   Show daemon health status (/healthz)

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  CTXVAULT_HOME           Data directory (default: ~/.ctxvault)
  CTXVAULT_BIND_ADDR      Health endpoint bind address
  CTXVAULT_DB_PATH        SQLite database path
  CTXVAULT_REDIS_ADDR     Enable the redis session cache at this address

EXAMPLES:
  Run the daemon:         %s
  Check daemon health:    %s status
`, os.Args[0], os.Args[0])
}

func main() {
	daemon := flag.Bool("daemon", false, "force daemon log output (JSON to stdout) even on a terminal")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	// On an interactive terminal keep stdout to the short banner and route
	// structured logs to the file sink only.
	interactive := isatty.IsTerminal(os.Stdout.Fd()) && !*daemon
	quietLogs := interactive

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit first so later startup failures still land in the ledger. It only
	// needs the home dir, not the logger.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint(), "version", Version)

	if cfg.NeedsGenesis {
		if err := config.Save(cfg); err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with defaults", "home", cfg.HomeDir)
	}

	// Event bus before the store so persistence can publish lifecycle topics.
	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	store, err := persistence.Open(cfg.ResolvedDBPath(), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.ResolvedDBPath())

	// The redis tier is optional. An unreachable redis at boot degrades to
	// store-only reads instead of blocking startup.
	var sessionCache *cache.SessionCache
	if cfg.Cache.Enabled {
		sessionCache, err = cache.New(cache.Config{
			Addr:     cfg.Cache.Addr,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
			Prefix:   cfg.Cache.KeyPrefix,
			PoolSize: cfg.Cache.PoolSize,
			TTLs:     cache.DefaultTierTTLs(),
		})
		if err != nil {
			logger.Warn("redis cache unreachable, continuing store-only", "addr", cfg.Cache.Addr, "error", err)
			sessionCache = nil
		} else {
			defer sessionCache.Close()
		}
	}

	coordinator := degrade.NewCoordinator(degrade.Config{
		FailureThreshold:  cfg.Degradation.FailureThreshold,
		RecoveryThreshold: cfg.Degradation.RecoveryThreshold,
		CheckInterval:     time.Duration(cfg.Degradation.CheckIntervalSeconds) * time.Second,
	}, eventBus, logger, metrics)
	coordinator.SetKVStore(store)

	if err := coordinator.RegisterService(degrade.ServiceConfig{
		Name:     "sqlite",
		Priority: degrade.PriorityCritical,
		Check: func(ctx context.Context) error {
			return store.DB().PingContext(ctx)
		},
	}); err != nil {
		fatalStartup(logger, "E_DEGRADE_INIT", err)
	}
	if sessionCache != nil {
		if err := coordinator.RegisterService(degrade.ServiceConfig{
			Name:     "redis_cache",
			Priority: degrade.PriorityImportant,
			Check:    sessionCache.Ping,
			// The fallback for a cache is a miss: serve nothing, let the
			// caller fall through to the store. The ping probe brings the
			// service back once redis recovers.
			Fallback:             func(context.Context) (any, error) { return nil, nil },
			DisableOnDegradation: true,
		}); err != nil {
			fatalStartup(logger, "E_DEGRADE_INIT", err)
		}
	}
	if err := coordinator.RegisterService(degrade.ServiceConfig{
		Name:     "config_store",
		Priority: degrade.PriorityOptional,
		Check: func(_ context.Context) error {
			_, statErr := os.Stat(config.ConfigPath(cfg.HomeDir))
			return statErr
		},
		DisableOnDegradation: true,
	}); err != nil {
		fatalStartup(logger, "E_DEGRADE_INIT", err)
	}

	coordinator.LoadServiceState(ctx)
	coordinator.Start(ctx)
	defer coordinator.Close()

	manager := lifecycle.NewManager(store, sessionCache, cfg, eventBus, logger, metrics)
	if sessionCache != nil {
		manager.SetDegradationGate(coordinator, "redis_cache")
	}
	recoverySvc := recovery.NewService(store, eventBus, logger, metrics, otelProvider.Tracer)

	// Boot-time sweep: sessions whose deadline passed while the daemon was
	// down get expired before the health endpoint comes up.
	bootClean, err := manager.CleanupOrphanedSessions(ctx)
	if err != nil {
		fatalStartup(logger, "E_BOOT_SWEEP", err)
	}
	logger.Info("startup phase", "phase", "boot_sweep_completed",
		"expired", bootClean.ExpiredCount,
		"orphans", bootClean.OrphanCount,
		"duration_ms", bootClean.DurationMS)

	sched := cron.NewScheduler(cron.Config{Logger: logger})
	jobs := []struct {
		name string
		expr string
		fn   cron.JobFunc
	}{
		{"cleanup", cfg.Sweeps.CleanupCron, func(ctx context.Context) error {
			_, err := manager.CleanupOrphanedSessions(ctx)
			return err
		}},
		{"dormancy", cfg.Sweeps.DormancyCron, func(ctx context.Context) error {
			_, err := manager.DetectDormantSessions(ctx)
			return err
		}},
		{"retention", cfg.Sweeps.RetentionCron, func(ctx context.Context) error {
			_, err := manager.RunRetentionSweep(ctx)
			return err
		}},
	}
	for _, j := range jobs {
		if err := sched.AddCronJob(j.name, j.expr, j.fn); err != nil {
			fatalStartup(logger, "E_CRON_INIT", fmt.Errorf("job %s: %w", j.name, err))
		}
	}
	ckptInterval := cfg.CheckpointInterval()
	if err := sched.AddIntervalJob("auto_checkpoint", ckptInterval, func(ctx context.Context) error {
		_, err := recoverySvc.AutoCheckpoint(ctx, ckptInterval)
		return err
	}); err != nil {
		fatalStartup(logger, "E_CRON_INIT", err)
	}
	sched.Start(ctx)
	defer sched.Stop()
	logger.Info("startup phase", "phase", "scheduler_started", "jobs", len(jobs)+1)

	// Live config reload: retention policies and sweep bounds apply on the
	// next sweep. Bind address and DB path changes need a restart.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				reloaded, loadErr := config.Load()
				if loadErr != nil {
					logger.Warn("config reload failed, keeping previous config", "error", loadErr)
					continue
				}
				manager.UpdateConfig(reloaded)
				logger.Info("config reloaded", "fingerprint", reloaded.Fingerprint())
			}
		}()
	}

	srv := newHealthServer(healthDeps{
		version:     Version,
		fingerprint: cfg.Fingerprint(),
		startedAt:   time.Now().UTC(),
		manager:     manager,
		recovery:    recoverySvc,
		coordinator: coordinator,
		scheduler:   sched,
		cacheTier:   sessionCache,
	})
	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: srv,
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			hint := portOccupantHint(cfg.BindAddr)
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, hint))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("health endpoint listening", "addr", cfg.BindAddr)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	if interactive {
		fmt.Printf("ctxvault %s\n  home:   %s\n  db:     %s\n  health: http://%s/healthz\n",
			Version, cfg.HomeDir, cfg.ResolvedDBPath(), cfg.BindAddr)
	}
	logger.Info("startup phase", "phase", "ready", "mode", string(coordinator.Mode()))

	select {
	case err := <-serverErr:
		fatalStartup(logger, "E_SERVER_RUNTIME", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), "", "startup_failure", map[string]any{
		"reason_code": reasonCode,
		"error":       message,
	})

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	out, err := exec.Command("lsof", "-ti", ":"+port).Output()
	if err == nil && strings.TrimSpace(string(out)) != "" {
		pids := strings.TrimSpace(string(out))
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}
