package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"matrank/internal/observability"
)

// Migrator applies the versioned schema files that back the snapshot store.
// Files follow the {version}_{name}.up.sql / .down.sql convention; the
// applied set is tracked in public.matrank_migrations.
type Migrator struct {
	db  *sql.DB
	dir string
	log zerolog.Logger
}

func NewMigrator(db *sql.DB, dir string) *Migrator {
	return &Migrator{
		db:  db,
		dir: dir,
		log: observability.NewLogger("migrate"),
	}
}

// Up applies every pending up-migration in version order, one transaction
// per file.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.ensureLedger(ctx); err != nil {
		return fmt.Errorf("ensure migration ledger: %w", err)
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("read migration ledger: %w", err)
	}

	pending, err := m.pendingFiles(applied)
	if err != nil {
		return fmt.Errorf("scan migrations dir: %w", err)
	}

	for _, f := range pending {
		err := m.inTx(ctx, func(tx *sql.Tx) error {
			body, err := os.ReadFile(filepath.Join(m.dir, f))
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, string(body)); err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO public.matrank_migrations (version, filename) VALUES ($1, $2)`,
				versionOf(f), f)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply %s: %w", f, err)
		}
		m.log.Info().Str("file", f).Msg("migration applied")
	}
	return nil
}

// Down rolls back the most recently applied migration, if any.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureLedger(ctx); err != nil {
		return fmt.Errorf("ensure migration ledger: %w", err)
	}

	var version, upFile string
	row := m.db.QueryRowContext(ctx,
		`SELECT version, filename FROM public.matrank_migrations ORDER BY version DESC LIMIT 1`)
	switch err := row.Scan(&version, &upFile); {
	case err == sql.ErrNoRows:
		m.log.Info().Msg("nothing to roll back")
		return nil
	case err != nil:
		return fmt.Errorf("read migration ledger: %w", err)
	}

	downFile := strings.Replace(upFile, ".up.sql", ".down.sql", 1)
	err := m.inTx(ctx, func(tx *sql.Tx) error {
		body, err := os.ReadFile(filepath.Join(m.dir, downFile))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM public.matrank_migrations WHERE version = $1`, version)
		return err
	})
	if err != nil {
		return fmt.Errorf("roll back %s: %w", downFile, err)
	}

	m.log.Info().Str("file", downFile).Msg("migration rolled back")
	return nil
}

func (m *Migrator) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (m *Migrator) ensureLedger(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.matrank_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM public.matrank_migrations`)
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

// pendingFiles returns the up-migrations not yet in the ledger, sorted by
// filename so the zero-padded version prefixes apply in order.
func (m *Migrator) pendingFiles(applied map[string]bool) ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		if applied[versionOf(name)] {
			continue
		}
		files = append(files, name)
	}
	sort.Strings(files)
	return files, nil
}

func versionOf(filename string) string {
	version, _, _ := strings.Cut(filename, "_")
	return version
}
