// Package migrations holds the registry schema as embedded SQL scripts,
// one directory per driver, and brings a database up to date on startup.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

// Driver names accepted by Apply.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

//go:embed sqlite/*.sql postgres/*.sql
var scripts embed.FS

type script struct {
	name string
	body string
}

// Apply brings the schema up to date for the selected driver. Scripts run
// in name order, each in its own transaction, and are recorded in
// schema_migrations so a rerun applies nothing.
func Apply(ctx context.Context, db *sql.DB, driver string) error {
	if db == nil {
		return fmt.Errorf("database is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver != DriverSQLite && driver != DriverPostgres {
		return fmt.Errorf("unsupported migration driver %q", driver)
	}

	if err := ensureLedger(ctx, db, driver); err != nil {
		return err
	}
	applied, err := appliedNames(ctx, db)
	if err != nil {
		return err
	}

	pending, err := loadScripts(driver)
	if err != nil {
		return err
	}
	for _, sc := range pending {
		if applied[sc.name] {
			continue
		}
		if err := runScript(ctx, db, driver, sc); err != nil {
			return fmt.Errorf("apply migration %s: %w", sc.name, err)
		}
	}
	return nil
}

func loadScripts(driver string) ([]script, error) {
	names, err := fs.Glob(scripts, driver+"/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list embedded %s migrations: %w", driver, err)
	}
	sort.Strings(names)

	out := make([]script, 0, len(names))
	for _, name := range names {
		body, err := scripts.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		out = append(out, script{name: name, body: string(body)})
	}
	return out, nil
}

// ensureLedger creates the schema_migrations bookkeeping table. The DDL
// differs per driver only in the timestamp column.
func ensureLedger(ctx context.Context, db *sql.DB, driver string) error {
	appliedAt := "applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP"
	if driver == DriverPostgres {
		appliedAt = "applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()"
	}
	ddl := "CREATE TABLE IF NOT EXISTS schema_migrations (name TEXT PRIMARY KEY, " + appliedAt + ")"
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema_migrations table: %w", err)
	}
	return nil
}

func appliedNames(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan schema_migrations row: %w", err)
		}
		applied[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema_migrations rows: %w", err)
	}
	return applied, nil
}

// runScript executes one migration and records it atomically. The ledger
// insert is conflict-tolerant so two processes racing on the same fresh
// database cannot apply a script twice.
func runScript(ctx context.Context, db *sql.DB, driver string, sc script) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	claim := `INSERT OR IGNORE INTO schema_migrations (name) VALUES (?)`
	if driver == DriverPostgres {
		claim = `INSERT INTO schema_migrations (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`
	}
	res, err := tx.ExecContext(ctx, claim, sc.name)
	if err != nil {
		return fmt.Errorf("record migration name: %w", err)
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read claim row count: %w", err)
	}
	if claimed == 0 {
		// Another process got here first.
		return nil
	}

	if _, err := tx.ExecContext(ctx, sc.body); err != nil {
		return fmt.Errorf("execute migration sql: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
