package journal

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/juju/errors"
)

//go:embed migrations/*.sql
var embedded embed.FS

// Migrations returns the migration set: dir when set, the embedded files otherwise.
func Migrations(dir string) fs.FS {
	if strings.TrimSpace(dir) != "" {
		return os.DirFS(dir)
	}
	sub, _ := fs.Sub(embedded, "migrations")
	return sub
}

// ApplyMigrations runs every *.up.sql file of fsys not yet recorded in
// schema_migrations, in name order, each inside its own transaction.
func ApplyMigrations(ctx context.Context, db *sql.DB, fsys fs.FS) error {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return err
	}

	files, err := fs.Glob(fsys, "*.up.sql")
	if err != nil {
		return errors.Annotate(err, "list migrations")
	}
	sort.Strings(files)

	for _, file := range files {
		version := path.Base(file)
		if migrated, err := isMigrated(ctx, db, version); err != nil {
			return err
		} else if migrated {
			continue
		}

		contents, err := fs.ReadFile(fsys, file)
		if err != nil {
			return errors.Annotatef(err, "read migration %s", version)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Annotatef(err, "begin migration %s", version)
		}
		if _, err := tx.ExecContext(ctx, string(contents)); err != nil {
			_ = tx.Rollback()
			return errors.Annotatef(err, "execute migration %s", version)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, version); err != nil {
			_ = tx.Rollback()
			return errors.Annotatef(err, "record migration %s", version)
		}
		if err := tx.Commit(); err != nil {
			return errors.Annotatef(err, "commit migration %s", version)
		}
		logger.Infof("applied migration %s", version)
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return errors.Annotate(err, "ensure schema_migrations")
}

func isMigrated(ctx context.Context, db *sql.DB, version string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	if err != nil {
		return false, errors.Annotatef(err, "check migration %s", version)
	}
	return exists, nil
}
