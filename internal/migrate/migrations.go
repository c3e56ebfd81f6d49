// Package migrate brings a workspace database up to the current schema.
// Applied state lives in SQLite's user_version pragma, so a fresh database
// and an upgraded one converge on the same schema without any bookkeeping
// table of our own.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
)

//go:embed sql/*.sql
var schemaFS embed.FS

type step struct {
	version int
	name    string
	stmts   string
}

// steps loads the embedded migration files, ordered by the numeric prefix
// of their filename (NNNN_description.sql).
func steps() ([]step, error) {
	files, err := fs.ReadDir(schemaFS, "sql")
	if err != nil {
		return nil, err
	}
	out := make([]step, 0, len(files))
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		var v int
		if _, err := fmt.Sscanf(f.Name(), "%d_", &v); err != nil {
			return nil, fmt.Errorf("migration filename %s: %w", f.Name(), err)
		}
		data, err := schemaFS.ReadFile("sql/" + f.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, step{version: v, name: f.Name(), stmts: string(data)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// Version reports the schema version the database is currently at.
func Version(db *sql.DB) (int, error) {
	var v int
	err := db.QueryRow(`PRAGMA user_version`).Scan(&v)
	return v, err
}

// Migrate applies every pending step. Each step runs in its own
// transaction and advances user_version with it, so a failed step leaves
// the database at the last fully applied version.
func Migrate(db *sql.DB) error {
	all, err := steps()
	if err != nil {
		return err
	}
	current, err := Version(db)
	if err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	for _, s := range all {
		if s.version <= current {
			continue
		}
		if err := applyStep(db, s); err != nil {
			return err
		}
		current = s.version
	}
	return nil
}

func applyStep(db *sql.DB, s step) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(s.stmts); err != nil {
		return fmt.Errorf("apply %s: %w", s.name, err)
	}
	// PRAGMA takes no placeholders; the version comes from our own
	// filenames, never from input.
	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, s.version)); err != nil {
		return fmt.Errorf("record %s: %w", s.name, err)
	}
	return tx.Commit()
}
