package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jasonberkes/ses-local/internal/config"
	"github.com/jasonberkes/ses-local/internal/store"
)

var migrationsDir string

func resolveMigrationsDir() string {
	if migrationsDir != "" {
		return migrationsDir
	}
	// Allow env override (used by packaging/install scripts).
	if v := os.Getenv("SES_MIGRATIONS_DIR"); v != "" {
		return v
	}
	// Default: a migrations directory next to the executable.
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

func openMigrationRunner() (*store.MigrationRunner, *sql.DB, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	dbPath := cfg.LocalStorePath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, nil, fmt.Errorf("create state dir: %w", err)
	}
	db, err := store.OpenRaw(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	runner, err := store.NewMigrationRunner(db, resolveMigrationsDir())
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return runner, db, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Local database schema migration management",
	}

	cmd.PersistentFlags().StringVar(&migrationsDir, "migrations-dir", "", "path to migrations directory (default: $SES_MIGRATIONS_DIR, else migrations/ next to the executable)")

	cmd.AddCommand(migrateUpCmd())
	cmd.AddCommand(migrateDownCmd())
	cmd.AddCommand(migrateVersionCmd())
	cmd.AddCommand(migrateForceCmd())
	cmd.AddCommand(migrateGotoCmd())
	cmd.AddCommand(migrateDropCmd())

	return cmd
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, db, err := openMigrationRunner()
			if err != nil {
				return err
			}
			defer db.Close()
			defer runner.Close()

			ctx := context.Background()
			if err := runner.Up(ctx); err != nil {
				return fmt.Errorf("migrate up: %w", err)
			}

			v, dirty, _ := runner.Version(ctx)
			slog.Info("migration complete", "version", v, "dirty", dirty)
			return nil
		},
	}
}

func migrateDownCmd() *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations (default: 1 step)",
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, db, err := openMigrationRunner()
			if err != nil {
				return err
			}
			defer db.Close()
			defer runner.Close()

			if steps <= 0 {
				steps = 1
			}
			ctx := context.Background()
			if err := runner.Down(ctx, steps); err != nil {
				return fmt.Errorf("migrate down: %w", err)
			}

			v, dirty, _ := runner.Version(ctx)
			slog.Info("rollback complete", "version", v, "dirty", dirty)
			return nil
		},
	}
	cmd.Flags().IntVarP(&steps, "steps", "n", 1, "number of steps to roll back")
	return cmd
}

func migrateVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show current migration version",
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, db, err := openMigrationRunner()
			if err != nil {
				return err
			}
			defer db.Close()
			defer runner.Close()

			v, dirty, err := runner.Version(context.Background())
			if err != nil {
				return fmt.Errorf("get version: %w", err)
			}
			fmt.Printf("version: %d, dirty: %v\n", v, dirty)
			return nil
		},
	}
}

func migrateForceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force <version>",
		Short: "Force set migration version (no migration applied)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version: %w", err)
			}
			runner, db, err := openMigrationRunner()
			if err != nil {
				return err
			}
			defer db.Close()
			defer runner.Close()

			if err := runner.Force(context.Background(), version); err != nil {
				return fmt.Errorf("force version: %w", err)
			}
			slog.Info("forced version", "version", version)
			return nil
		},
	}
}

func migrateGotoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "goto <version>",
		Short: "Migrate to a specific version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid version: %w", err)
			}
			runner, db, err := openMigrationRunner()
			if err != nil {
				return err
			}
			defer db.Close()
			defer runner.Close()

			ctx := context.Background()
			if err := runner.Goto(ctx, uint(version)); err != nil {
				return fmt.Errorf("migrate goto: %w", err)
			}
			slog.Info("migrated to version", "version", version)
			return nil
		},
	}
}

func migrateDropCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drop",
		Short: "Drop all tables (DANGEROUS)",
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, db, err := openMigrationRunner()
			if err != nil {
				return err
			}
			defer db.Close()
			defer runner.Close()

			if err := runner.Drop(context.Background()); err != nil {
				return fmt.Errorf("drop: %w", err)
			}
			slog.Info("all tables dropped")
			return nil
		},
	}
}
