package clickhouse

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsTable = "schema_migrations"

// RunMigrations executes the embedded SQL migration files in filename order (0001_*.sql,
// 0002_*.sql, ...). Applied files are recorded in schema_migrations and skipped on later runs.
func RunMigrations(ctx context.Context, log *slog.Logger, conn Connection) error {
	return runMigrations(ctx, log, conn, migrationsFS)
}

func runMigrations(ctx context.Context, log *slog.Logger, conn Connection, fsys fs.ReadDirFS) error {
	log.Info("running ClickHouse migrations")

	entries, err := fsys.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	if len(files) == 0 {
		log.Warn("no migration files found")
		return nil
	}

	if err := conn.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s
(
    name String,
    applied_at DateTime64(3, 'UTC')
) ENGINE = MergeTree
ORDER BY name`, migrationsTable)); err != nil {
		return fmt.Errorf("failed to create %s: %w", migrationsTable, err)
	}

	applied, err := appliedMigrations(ctx, conn)
	if err != nil {
		return err
	}

	var ran int
	for _, name := range files {
		if applied[name] {
			log.Debug("skipping applied migration", "file", name)
			continue
		}
		log.Info("executing migration", "file", name)

		content, err := fs.ReadFile(fsys, "migrations/"+name)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", name, err)
		}

		for i, stmt := range splitSQLStatements(string(content)) {
			if err := conn.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to execute migration %s (statement %d): %w", name, i+1, err)
			}
		}

		if err := conn.Exec(ctx,
			fmt.Sprintf("INSERT INTO %s (name, applied_at) VALUES (?, ?)", migrationsTable),
			name, time.Now().UTC(),
		); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", name, err)
		}
		ran++
	}

	log.Info("migrations completed", "applied", ran, "total", len(files))
	return nil
}

func appliedMigrations(ctx context.Context, conn Connection) (map[string]bool, error) {
	rows, err := conn.Query(ctx, fmt.Sprintf("SELECT DISTINCT name FROM %s", migrationsTable))
	if err != nil {
		return nil, fmt.Errorf("failed to list applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan applied migration: %w", err)
		}
		applied[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list applied migrations: %w", err)
	}
	return applied, nil
}

// splitSQLStatements splits SQL content on trailing semicolons, dropping blank and comment lines.
func splitSQLStatements(content string) []string {
	var statements []string
	var current strings.Builder

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}

		current.WriteString(line)
		current.WriteString("\n")

		if strings.HasSuffix(trimmed, ";") {
			if stmt := strings.TrimSuffix(strings.TrimSpace(current.String()), ";"); stmt != "" {
				statements = append(statements, stmt)
			}
			current.Reset()
		}
	}

	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		statements = append(statements, stmt)
	}

	return statements
}
