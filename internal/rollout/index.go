package rollout

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Index is an optional, rebuildable SQLite side-index over session_meta
// headers, giving O(log n) resume-by-id lookups instead of scanning every
// rollout file. It is pure cache: if it is missing or stale, RebuildIndex
// reconstructs it from a directory walk, and Resolve still works (just
// slower) without it.
type Index struct {
	db *sql.DB
}

// OpenIndex opens (creating if necessary) the index database under
// codexHome.
func OpenIndex(codexHome string) (*Index, error) {
	path := filepath.Join(codexHome, "sessions", "index.sqlite")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("rollout: creating index dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("rollout: opening index db: %w", err)
	}
	idx := newIndex(db)
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

// newIndex wraps an already-open *sql.DB, so tests can inject a sqlmock
// connection instead of a real sqlite file.
func newIndex(db *sql.DB) *Index {
	return &Index{db: db}
}

func (idx *Index) migrate() error {
	_, err := idx.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			cwd TEXT NOT NULL,
			model_provider TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_timestamp ON sessions(timestamp);
	`)
	return err
}

// Upsert records (or updates) one session's index entry.
func (idx *Index) Upsert(meta SessionMeta, path string) error {
	_, err := idx.db.Exec(
		`INSERT INTO sessions (id, path, timestamp, cwd, model_provider)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET path=excluded.path, timestamp=excluded.timestamp`,
		meta.ID, path, meta.Timestamp.Format(time.RFC3339Nano), meta.Cwd, meta.ModelProvider,
	)
	return err
}

// LookupByID returns the rollout file path for a session id, if indexed.
func (idx *Index) LookupByID(id string) (string, bool, error) {
	var path string
	err := idx.db.QueryRow(`SELECT path FROM sessions WHERE id = ?`, id).Scan(&path)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return path, true, nil
}

// MostRecent returns the most recently indexed session's path.
func (idx *Index) MostRecent() (string, bool, error) {
	var path string
	err := idx.db.QueryRow(`SELECT path FROM sessions ORDER BY timestamp DESC LIMIT 1`).Scan(&path)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return path, true, nil
}

// Rebuild walks the sessions directory and re-populates the index from
// every rollout file's session_meta header.
func (idx *Index) Rebuild(codexHome string) error {
	if _, err := idx.db.Exec(`DELETE FROM sessions`); err != nil {
		return err
	}
	files, err := listSessionFiles(codexHome)
	if err != nil {
		return err
	}
	for _, f := range files {
		meta, _, err := ReadFile(f)
		if err != nil {
			continue
		}
		if err := idx.Upsert(meta, f); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database.
func (idx *Index) Close() error { return idx.db.Close() }
