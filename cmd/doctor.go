package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/jasonberkes/ses-local/internal/config"
	"github.com/jasonberkes/ses-local/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the daemon's environment and local database health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("ses-local doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults + env)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Sources:")
	checkEnabled("Claude Code session logs", cfg.EnableClaudeCodeSync, cfg.ClaudeProjectsRootPath())
	checkEnabled("Claude Desktop local storage", cfg.EnableClaudeDesktopSync, "")

	fmt.Println()
	fmt.Println("  Local database:")
	dbPath := cfg.LocalStorePath()
	fmt.Printf("    %-14s %s", "Path:", dbPath)
	if _, err := os.Stat(dbPath); err != nil {
		fmt.Println(" (NOT FOUND, run: ses-local migrate up)")
	} else {
		fmt.Println(" (OK)")
		checkDatabase(dbPath)
	}

	fmt.Println()
	fmt.Println("  Control plane:")
	fmt.Printf("    %-14s %s\n", "Socket:", cfg.ControlSocketPath())
	fmt.Printf("    %-14s %s\n", "Lock file:", cfg.DaemonLockPath())
	fmt.Printf("    %-14s %d\n", "Intake port:", cfg.IntakePort)

	fmt.Println()
	fmt.Println("  External tools:")
	checkBinary("git")

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkEnabled(name string, enabled bool, path string) {
	status := "disabled"
	if enabled {
		status = "enabled"
	}
	if path != "" {
		fmt.Printf("    %-30s %s (%s)\n", name+":", status, path)
	} else {
		fmt.Printf("    %-30s %s\n", name+":", status)
	}
}

func checkDatabase(dbPath string) {
	db, err := store.OpenRaw(dbPath)
	if err != nil {
		fmt.Printf("    %-14s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	defer db.Close()

	ctx := context.Background()
	status, err := store.CheckSchema(ctx, db)
	if err != nil {
		fmt.Printf("    %-14s CHECK FAILED (%s)\n", "Schema:", err)
		return
	}
	switch {
	case status.Dirty:
		fmt.Printf("    %-14s v%d (DIRTY, run: ses-local migrate force <version>)\n", "Schema:", status.CurrentVersion)
	case status.Compatible:
		fmt.Printf("    %-14s v%d (up to date)\n", "Schema:", status.CurrentVersion)
	case status.NeedsMigration:
		fmt.Printf("    %-14s v%d (upgrade needed, run: ses-local migrate up)\n", "Schema:", status.CurrentVersion)
	default:
		fmt.Printf("    %-14s v%d (binary too old, requires v%d)\n", "Schema:", status.CurrentVersion, store.RequiredSchemaVersion)
	}

	s, err := doctorStats(ctx, db)
	if err != nil {
		fmt.Printf("    %-14s CHECK FAILED (%s)\n", "Stats:", err)
		return
	}
	fmt.Printf("    %-14s %d\n", "Sessions:", s.SessionCount)
	fmt.Printf("    %-14s %d\n", "Messages:", s.MessageCount)
	fmt.Printf("    %-14s %d\n", "Observations:", s.ObservationCount)
	fmt.Printf("    %-14s %d\n", "Pending sync:", s.PendingSyncCount)
}

// doctorStats runs the same row-counting queries as store.SQLiteStore.Stats
// against a standalone *sql.DB, so `doctor` does not need a second writer
// handle on the same file (store.Open caps the connection pool at 1).
func doctorStats(ctx context.Context, db *sql.DB) (*store.Stats, error) {
	var s store.Stats
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&s.SessionCount); err != nil {
		return nil, err
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&s.MessageCount); err != nil {
		return nil, err
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM observations`).Scan(&s.ObservationCount); err != nil {
		return nil, err
	}
	if err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sessions WHERE synced_at IS NULL OR updated_at > synced_at
	`).Scan(&s.PendingSyncCount); err != nil {
		return nil, err
	}
	return &s, nil
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-14s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-14s %s\n", name+":", path)
	}
}
