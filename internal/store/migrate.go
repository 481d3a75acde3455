package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/golang-migrate/migrate/v4/source"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// RequiredSchemaVersion is the schema version this binary expects the local
// database to be at.
const RequiredSchemaVersion = 2

// SchemaStatus reports the local database's migration state, used by the
// `doctor` command.
type SchemaStatus struct {
	CurrentVersion int
	Dirty          bool
	Compatible     bool
	NeedsMigration bool
}

// CheckSchema reports the current schema_migrations state for the `doctor`
// command without applying any migration. It does create an empty
// schema_migrations table if none exists yet.
func CheckSchema(ctx context.Context, db *sql.DB) (*SchemaStatus, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}
	version, dirty, err := currentVersion(ctx, db)
	if err != nil {
		return nil, err
	}
	return &SchemaStatus{
		CurrentVersion: version,
		Dirty:          dirty,
		Compatible:     !dirty && version == RequiredSchemaVersion,
		NeedsMigration: !dirty && version < RequiredSchemaVersion,
	}, nil
}

// MigrationRunner applies migration files to the local SQLite database.
//
// It reuses golang-migrate's source.Driver to parse and order migration
// files on disk, but applies each migration's SQL directly against the
// *sql.DB rather than going through golang-migrate's own Migrate type.
// golang-migrate ships no pure-Go sqlite database driver: its "sqlite3"
// database driver wraps github.com/mattn/go-sqlite3, which requires CGO
// and would contradict this store's pure-Go modernc.org/sqlite choice.
type MigrationRunner struct {
	db  *sql.DB
	src source.Driver
}

// NewMigrationRunner opens the migrations directory via golang-migrate's
// file source driver.
func NewMigrationRunner(db *sql.DB, migrationsDir string) (*MigrationRunner, error) {
	src, err := source.Open("file://" + migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("open migrations source: %w", err)
	}
	return &MigrationRunner{db: db, src: src}, nil
}

// Close releases the underlying source driver.
func (r *MigrationRunner) Close() error {
	return r.src.Close()
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER NOT NULL,
		dirty   INTEGER NOT NULL
	)`)
	return err
}

func currentVersion(ctx context.Context, db *sql.DB) (int, bool, error) {
	row := db.QueryRowContext(ctx, `SELECT version, dirty FROM schema_migrations LIMIT 1`)
	var version, dirty int
	err := row.Scan(&version, &dirty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return version, dirty != 0, nil
}

func setVersion(ctx context.Context, db *sql.DB, version int, dirty bool) error {
	dirtyInt := 0
	if dirty {
		dirtyInt = 1
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM schema_migrations`); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, `INSERT INTO schema_migrations (version, dirty) VALUES (?, ?)`, version, dirtyInt)
	return err
}

// Version returns the current schema version and dirty flag.
func (r *MigrationRunner) Version(ctx context.Context) (int, bool, error) {
	if err := ensureMigrationsTable(ctx, r.db); err != nil {
		return 0, false, err
	}
	return currentVersion(ctx, r.db)
}

// Force sets the recorded version without applying or reverting any SQL,
// used to clear a dirty state after manual repair.
func (r *MigrationRunner) Force(ctx context.Context, version int) error {
	if err := ensureMigrationsTable(ctx, r.db); err != nil {
		return err
	}
	return setVersion(ctx, r.db, version, false)
}

// Up applies every pending "up" migration in ascending order.
func (r *MigrationRunner) Up(ctx context.Context) error {
	if err := ensureMigrationsTable(ctx, r.db); err != nil {
		return err
	}
	for {
		current, dirty, err := currentVersion(ctx, r.db)
		if err != nil {
			return err
		}
		if dirty {
			return fmt.Errorf("database is dirty at version %d, run 'migrate force' first", current)
		}

		var next uint
		if current == 0 {
			next, err = r.src.First()
		} else {
			next, err = r.src.Next(uint(current))
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := r.applyOneUp(ctx, next); err != nil {
			return err
		}
	}
}

// Down rolls back up to steps migrations.
func (r *MigrationRunner) Down(ctx context.Context, steps int) error {
	if err := ensureMigrationsTable(ctx, r.db); err != nil {
		return err
	}
	for i := 0; i < steps; i++ {
		current, dirty, err := currentVersion(ctx, r.db)
		if err != nil {
			return err
		}
		if dirty {
			return fmt.Errorf("database is dirty at version %d, run 'migrate force' first", current)
		}
		if current == 0 {
			return nil
		}
		if err := r.applyOneDown(ctx, uint(current)); err != nil {
			return err
		}
	}
	return nil
}

// Goto migrates up or down to land exactly on version.
func (r *MigrationRunner) Goto(ctx context.Context, version uint) error {
	if err := ensureMigrationsTable(ctx, r.db); err != nil {
		return err
	}
	for {
		current, dirty, err := currentVersion(ctx, r.db)
		if err != nil {
			return err
		}
		if dirty {
			return fmt.Errorf("database is dirty at version %d, run 'migrate force' first", current)
		}
		if uint(current) == version {
			return nil
		}
		if uint(current) < version {
			var next uint
			if current == 0 {
				next, err = r.src.First()
			} else {
				next, err = r.src.Next(uint(current))
			}
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			if err != nil {
				return err
			}
			if err := r.applyOneUp(ctx, next); err != nil {
				return err
			}
			continue
		}
		if err := r.applyOneDown(ctx, uint(current)); err != nil {
			return err
		}
	}
}

// Drop removes every table (and the FTS shadow/trigger objects that ride
// along with them) from the database.
func (r *MigrationRunner) Drop(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return err
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		names = append(names, name)
	}
	rows.Close()

	for _, name := range names {
		if _, err := r.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS "%s"`, name)); err != nil {
			return err
		}
	}
	return nil
}

func (r *MigrationRunner) applyOneUp(ctx context.Context, version uint) error {
	if err := setVersion(ctx, r.db, int(version), true); err != nil {
		return err
	}
	rc, _, err := r.src.ReadUp(version)
	if err != nil {
		return fmt.Errorf("read up migration %d: %w", version, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, string(data)); err != nil {
		return fmt.Errorf("apply up migration %d: %w", version, err)
	}
	return setVersion(ctx, r.db, int(version), false)
}

func (r *MigrationRunner) applyOneDown(ctx context.Context, version uint) error {
	if err := setVersion(ctx, r.db, int(version), true); err != nil {
		return err
	}
	rc, _, err := r.src.ReadDown(version)
	if err != nil {
		return fmt.Errorf("read down migration %d: %w", version, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, string(data)); err != nil {
		return fmt.Errorf("apply down migration %d: %w", version, err)
	}

	prev, err := r.src.Prev(version)
	newVersion := 0
	if err == nil {
		newVersion = int(prev)
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return setVersion(ctx, r.db, newVersion, false)
}
