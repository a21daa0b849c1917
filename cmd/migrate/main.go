// The migrate command applies the SQL files under migrations/ in
// filename order, tracking progress in a schema_migrations table.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/infrastructure/config"
)

const (
	migrationsTable = "schema_migrations"
	migrationsDir   = "migrations"
)

// Migration is one applied entry of the tracking table.
type Migration struct {
	ID        string
	Filename  string
	AppliedAt time.Time
}

func main() {
	var (
		action = flag.String("action", "up", "Migration action: up, down, status, create")
		name   = flag.String("name", "", "Migration name (for create action)")
		steps  = flag.Int("steps", 0, "Number of migrations to run (0 = all)")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	m := &Migrator{db: db}
	ctx := context.Background()

	switch *action {
	case "up":
		err = m.Up(ctx, *steps)
	case "down":
		err = m.Down(ctx, *steps)
	case "status":
		err = m.Status(ctx)
	case "create":
		if *name == "" {
			slog.Error("migration name is required for create action")
			os.Exit(1)
		}
		err = m.Create(*name)
	default:
		slog.Error("unknown action", "action", *action)
		os.Exit(1)
	}

	if err != nil {
		slog.Error("migration failed", "error", err)
		os.Exit(1)
	}
}

type Migrator struct {
	db *sql.DB
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(255) PRIMARY KEY,
			filename VARCHAR(255) NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)
	`, migrationsTable)

	_, err := m.db.ExecContext(ctx, query)
	return err
}

func (m *Migrator) applied(ctx context.Context) (map[string]Migration, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("ensuring migrations table: %w", err)
	}

	query := fmt.Sprintf("SELECT id, filename, applied_at FROM %s ORDER BY applied_at", migrationsTable)
	rows, err := m.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]Migration)
	for rows.Next() {
		var mig Migration
		if err := rows.Scan(&mig.ID, &mig.Filename, &mig.AppliedAt); err != nil {
			return nil, fmt.Errorf("scanning migration row: %w", err)
		}
		applied[mig.ID] = mig
	}
	return applied, rows.Err()
}

func (m *Migrator) pending(ctx context.Context) ([]string, error) {
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("listing migration files: %w", err)
	}
	sort.Strings(files)

	var pending []string
	for _, file := range files {
		if _, exists := applied[migrationID(filepath.Base(file))]; !exists {
			pending = append(pending, file)
		}
	}
	return pending, nil
}

func (m *Migrator) Up(ctx context.Context, steps int) error {
	pending, err := m.pending(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		slog.Info("no pending migrations")
		return nil
	}
	if steps > 0 && steps < len(pending) {
		pending = pending[:steps]
	}

	for _, file := range pending {
		if err := m.apply(ctx, file); err != nil {
			return fmt.Errorf("applying migration %s: %w", file, err)
		}
		slog.Info("applied migration", "file", file)
	}
	slog.Info("migrations completed", "count", len(pending))
	return nil
}

func (m *Migrator) Down(ctx context.Context, steps int) error {
	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		slog.Info("no migrations to rollback")
		return nil
	}

	migrations := make([]Migration, 0, len(applied))
	for _, mig := range applied {
		migrations = append(migrations, mig)
	}
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].AppliedAt.After(migrations[j].AppliedAt)
	})
	if steps > 0 && steps < len(migrations) {
		migrations = migrations[:steps]
	}

	for _, mig := range migrations {
		if err := m.rollback(ctx, mig); err != nil {
			return fmt.Errorf("rolling back migration %s: %w", mig.Filename, err)
		}
		slog.Info("rolled back migration", "file", mig.Filename)
	}
	slog.Info("rollback completed", "count", len(migrations))
	return nil
}

func (m *Migrator) Status(ctx context.Context) error {
	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}
	pending, err := m.pending(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Applied migrations: %d\n", len(applied))
	for _, mig := range applied {
		fmt.Printf("  %s - %s (applied at %s)\n",
			mig.ID, mig.Filename, mig.AppliedAt.Format(time.RFC3339))
	}

	fmt.Printf("\nPending migrations: %d\n", len(pending))
	for _, file := range pending {
		fmt.Printf("  %s - %s\n", migrationID(filepath.Base(file)), filepath.Base(file))
	}
	return nil
}

func (m *Migrator) Create(name string) error {
	timestamp := time.Now().Format("20060102150405")
	filename := fmt.Sprintf("%s_%s.sql", timestamp, name)
	path := filepath.Join(migrationsDir, filename)

	if err := os.MkdirAll(migrationsDir, 0o755); err != nil {
		return fmt.Errorf("creating migrations directory: %w", err)
	}

	content := fmt.Sprintf("-- Migration: %s\n-- Created at: %s\n\n",
		name, time.Now().Format(time.RFC3339))
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("creating migration file: %w", err)
	}

	slog.Info("created migration", "file", path)
	return nil
}

func (m *Migrator) apply(ctx context.Context, file string) error {
	content, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("reading migration file: %w", err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("executing migration SQL: %w", err)
	}

	query := fmt.Sprintf("INSERT INTO %s (id, filename) VALUES ($1, $2)", migrationsTable)
	if _, err := tx.ExecContext(ctx, query, migrationID(filepath.Base(file)), filepath.Base(file)); err != nil {
		return fmt.Errorf("recording migration: %w", err)
	}
	return tx.Commit()
}

// rollback only removes the tracking row: the migration files carry no
// down sections, so schema cleanup is a manual follow-up.
func (m *Migrator) rollback(ctx context.Context, mig Migration) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", migrationsTable)
	if _, err := m.db.ExecContext(ctx, query, mig.ID); err != nil {
		return fmt.Errorf("removing migration record: %w", err)
	}

	slog.Warn("migration rolled back - manual schema cleanup may be required",
		"migration", mig.Filename)
	return nil
}

func migrationID(filename string) string {
	return strings.TrimSuffix(filename, ".sql")
}
