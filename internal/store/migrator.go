package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// Migrator applies SQL migration files in version order. File naming follows
// golang-migrate: {version}_{name}.up.sql / .down.sql
type Migrator struct {
	db     *sql.DB
	dir    string
	logger zerolog.Logger
}

func NewMigrator(db *sql.DB, dir string, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, dir: dir, logger: logger}
}

// Up applies all pending up-migrations, each in its own transaction.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("get applied versions: %w", err)
	}

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		version := strings.SplitN(f, "_", 2)[0]
		if applied[version] {
			continue
		}
		if err := m.apply(ctx, f, version); err != nil {
			return err
		}
		m.logger.Info().Str("migration", f).Msg("migration applied")
	}
	return nil
}

func (m *Migrator) apply(ctx context.Context, filename, version string) error {
	content, err := os.ReadFile(filepath.Join(m.dir, filename))
	if err != nil {
		return fmt.Errorf("read migration %s: %w", filename, err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx for %s: %w", filename, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("exec migration %s: %w", filename, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO public.schema_migrations (version, filename) VALUES ($1, $2)`,
		version, filename,
	); err != nil {
		return fmt.Errorf("record migration %s: %w", filename, err)
	}
	return tx.Commit()
}

// Down rolls back the most recently applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return err
	}

	var version, filename string
	err := m.db.QueryRowContext(ctx,
		`SELECT version, filename FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version, &filename)
	if err == sql.ErrNoRows {
		m.logger.Info().Msg("no migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("get latest migration: %w", err)
	}

	downFile := strings.Replace(filename, ".up.sql", ".down.sql", 1)
	content, err := os.ReadFile(filepath.Join(m.dir, downFile))
	if err != nil {
		return fmt.Errorf("read down migration %s: %w", downFile, err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("exec down migration %s: %w", downFile, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM public.schema_migrations WHERE version = $1`, version,
	); err != nil {
		return fmt.Errorf("remove migration record %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	m.logger.Info().Str("migration", downFile).Msg("migration rolled back")
	return nil
}

func (m *Migrator) ensureMigrationTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM public.schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}
