package store

import (
	"crypto/md5"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type migration struct {
	version  string
	filename string
	content  string
	checksum string
}

// Migrate brings the database schema up to date. Applied migrations are
// tracked in schema_migrations; a checksum mismatch on an applied version
// aborts rather than silently diverging.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if err := applyMigration(db, m); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.version, err)
		}
	}
	return nil
}

func loadMigrations() ([]migration, error) {
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	migrations := make([]migration, 0, len(names))
	for _, name := range names {
		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		base := strings.TrimPrefix(name, "migrations/")
		version, _, ok := strings.Cut(base, "_")
		if !ok || version == "" {
			return nil, fmt.Errorf("migration %s: name must start with a version prefix", base)
		}
		migrations = append(migrations, migration{
			version:  version,
			filename: base,
			content:  string(content),
			checksum: fmt.Sprintf("%x", md5.Sum(content)),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].version < migrations[j].version
	})
	return migrations, nil
}

func applyMigration(db *sql.DB, m migration) error {
	var applied string
	err := db.QueryRow(
		"SELECT checksum FROM schema_migrations WHERE version = ?", m.version,
	).Scan(&applied)
	if err == nil {
		if applied != m.checksum {
			return fmt.Errorf("checksum mismatch for %s: recorded %s, file %s", m.filename, applied, m.checksum)
		}
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check applied state: %w", err)
	}

	if _, err := db.Exec(m.content); err != nil {
		return fmt.Errorf("execute: %w", err)
	}
	if _, err := db.Exec(
		"INSERT INTO schema_migrations (version, checksum) VALUES (?, ?)", m.version, m.checksum,
	); err != nil {
		return fmt.Errorf("record applied state: %w", err)
	}
	return nil
}
