package database

import (
	"embed"
	stdsql "database/sql"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // register the pgx driver under database/sql
)

//go:embed migrations/shared
var sharedMigrationsFS embed.FS

//go:embed migrations/workspace
var workspaceMigrationsFS embed.FS

// runSharedMigrations applies the shared-schema migrations (workspaces,
// billing profiles, listener rules, scheduled_jobs) against the "public"
// schema. It opens its own database/sql connection because golang-migrate
// needs one — pgxpool is not compatible with database/sql directly.
func runSharedMigrations(cfg Config) error {
	return applyMigrations(cfg, sharedMigrationsFS, "migrations/shared", "public")
}

// EnsureWorkspaceSchema creates the given tenant's dedicated schema (if
// missing) and brings it up to date with the workspace migration set. The
// migrations table itself lives inside that schema (via postgres.Config's
// SchemaName), so each workspace tracks its own migration version
// independently — spec.md §2: "a dedicated Postgres schema (workspace_<id>)".
func EnsureWorkspaceSchema(cfg Config, schema string) error {
	db, err := stdsql.Open("pgx", cfg.DSN(""))
	if err != nil {
		return fmt.Errorf("opening connection for schema provisioning: %w", err)
	}
	defer db.Close()

	if _, err := db.Exec(fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %q`, schema)); err != nil {
		return fmt.Errorf("creating schema %s: %w", schema, err)
	}

	return applyMigrations(cfg, workspaceMigrationsFS, "migrations/workspace", schema)
}

func applyMigrations(cfg Config, fsys embed.FS, dir, schema string) error {
	db, err := stdsql.Open("pgx", cfg.DSN(""))
	if err != nil {
		return fmt.Errorf("opening migration connection: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{
		SchemaName:      schema,
		MigrationsTable: "schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("creating postgres migration driver: %w", err)
	}

	sourceDriver, err := iofs.New(fsys, dir)
	if err != nil {
		return fmt.Errorf("creating migration source for %s: %w", dir, err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, schema, driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance for schema %s: %w", schema, err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("applying migrations to schema %s: %w", schema, err)
	}

	// Close only the source; closing the migrate instance would also close
	// the shared *sql.DB we opened above via defer.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("closing migration source: %w", err)
	}
	return nil
}
