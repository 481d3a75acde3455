package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jasonberkes/ses-local/internal/activity"
	"github.com/jasonberkes/ses-local/internal/authstub"
	"github.com/jasonberkes/ses-local/internal/config"
	"github.com/jasonberkes/ses-local/internal/cookie"
	"github.com/jasonberkes/ses-local/internal/dispatch"
	"github.com/jasonberkes/ses-local/internal/localapi"
	"github.com/jasonberkes/ses-local/internal/orchestrator"
	"github.com/jasonberkes/ses-local/internal/remoteapi"
	"github.com/jasonberkes/ses-local/internal/store"
	"github.com/jasonberkes/ses-local/internal/syncworker"
	"github.com/jasonberkes/ses-local/internal/watcher/localstorage"
	"github.com/jasonberkes/ses-local/internal/watcher/sessionlog"
)

// runDaemon wires every component and blocks until shutdown. It is the
// default action of the root command.
func runDaemon() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	homeDir := cfg.StateDirPath()
	lock, locked, err := orchestrator.AcquireLock(homeDir)
	if err != nil {
		slog.Error("failed to acquire single-instance lock", "error", err)
		os.Exit(1)
	}
	if !locked {
		fmt.Fprintln(os.Stderr, "ses-local is already running; exiting")
		os.Exit(0)
	}
	defer lock.Unlock()

	if err := os.MkdirAll(homeDir, 0o700); err != nil {
		slog.Error("failed to create state directory", "error", err)
		os.Exit(1)
	}

	db, err := store.OpenRaw(cfg.LocalStorePath())
	if err != nil {
		slog.Error("failed to open local database", "error", err)
		os.Exit(1)
	}
	runner, err := store.NewMigrationRunner(db, resolveMigrationsDir())
	if err != nil {
		slog.Error("failed to initialize migration runner", "error", err)
		os.Exit(1)
	}
	if err := runner.Up(context.Background()); err != nil {
		slog.Error("failed to apply database migrations", "error", err)
		os.Exit(1)
	}
	_ = runner.Close()
	_ = db.Close()

	st, err := store.Open(cfg.LocalStorePath())
	if err != nil {
		slog.Error("failed to open local store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	creds := authstub.NewMemoryCredentialStore()
	auth := authstub.NewStaticAuthService(os.Getenv("SES_ACCESS_TOKEN"), cfg.BearerPAT(), creds)
	license := authstub.NewStubLicenseService(time.Duration(cfg.LicenseRevocationCheckDays) * 24 * time.Hour)

	notifier := activity.NewNotifier()
	pollInterval := time.Duration(cfg.PollingIntervalSeconds) * time.Second

	var components []orchestrator.Component

	if cfg.EnableClaudeCodeSync {
		watcher := sessionlog.New(cfg.ClaudeProjectsRootPath(), cfg.WatcherPositionsPath(), pollInterval, st)
		components = append(components, orchestrator.Component{Name: "session-log-watcher", Run: watcher.Run})
	} else {
		slog.Info("session-log watcher disabled by configuration")
	}

	if cfg.EnableClaudeDesktopSync {
		scanner := localstorage.New(cfg.LocalStorageRootPath(), pollInterval, notifier)
		components = append(components, orchestrator.Component{Name: "local-storage-scanner", Run: scanner.Run})
	} else {
		slog.Info("local-storage scanner disabled by configuration")
	}

	cookieSource := cookie.New(cfg.CookieDatabasePathResolved())
	remoteClient := remoteapi.NewClient(identityBaseURLOrDefault(cfg), cookieSource, st)

	dispatchWorker := dispatch.New(notifier, remoteClient)
	components = append(components, orchestrator.Component{Name: "dispatch-worker", Run: func(ctx context.Context) error {
		dispatchWorker.Run(ctx)
		return nil
	}})

	documentURL := identityBaseURLOrDefault(cfg) + "/api/documents"
	memoryURL := identityBaseURLOrDefault(cfg) + "/api/memory"
	tenantID := envOrDefault("SES_TENANT_ID", "default")
	syncW := syncworker.New(st, auth, documentURL, memoryURL, tenantID)
	components = append(components, orchestrator.Component{Name: "sync-worker", Run: func(ctx context.Context) error {
		syncW.Run(ctx)
		return nil
	}})

	intake := localapi.NewIntakeServer(st, auth)
	controlPlane := localapi.NewControlPlane(cfg.ControlSocketPath(), auth, license, nil)

	o := &orchestrator.Orchestrator{
		HomeDir:      homeDir,
		Notifier:     notifier,
		Auth:         auth,
		License:      license,
		Intake:       intake,
		ControlPlane: controlPlane,
		Components:   components,
	}

	if err := o.Run(context.Background()); err != nil {
		slog.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}
}

func identityBaseURLOrDefault(cfg *config.Config) string {
	if cfg.IdentityBaseUrl != "" {
		return cfg.IdentityBaseUrl
	}
	return "https://claude.ai"
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
