package vm

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// ProfileStore persists hotness profiles in SQLite so a restarted VM
// promotes last run's hot methods without re-warming them.
type ProfileStore struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
}

// NewProfileStore opens (or creates) a profile database.
func NewProfileStore(dbPath string) (*ProfileStore, error) {
	p := &ProfileStore{dbPath: dbPath}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening profile database: %w", err)
	}
	p.db = db

	_, err = db.Exec("PRAGMA busy_timeout = 5000")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("applying busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS hot_methods (
		method      TEXT PRIMARY KEY,
		invocations INTEGER NOT NULL,
		branches    INTEGER NOT NULL,
		promoted    INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating hot_methods table: %w", err)
	}

	return p, nil
}

// NewProfileStoreDefault opens the profile database at its default
// path, overridable with HARRIER_PROFILE_DB.
func NewProfileStoreDefault() (*ProfileStore, error) {
	dbPath := os.Getenv("HARRIER_PROFILE_DB")
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		dbPath = filepath.Join(home, ".harrier", "profile.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating profile dir: %w", err)
	}
	return NewProfileStore(dbPath)
}

// Close closes the database connection.
func (p *ProfileStore) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// Path returns the database path.
func (p *ProfileStore) Path() string {
	return p.dbPath
}

// Save persists every method record the aggregator holds.
func (p *ProfileStore) Save(agg *Aggregator) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	tx, err := p.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning save: %w", err)
	}

	stmt, err := tx.Prepare(
		"INSERT OR REPLACE INTO hot_methods (method, invocations, branches, promoted) VALUES (?, ?, ?, ?)")
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing save: %w", err)
	}
	defer stmt.Close()

	var saveErr error
	agg.Range(func(name string, rec *MethodRecord) bool {
		promoted := 0
		if rec.IsPromoted() {
			promoted = 1
		}
		if _, err := stmt.Exec(name, rec.InvocationCount(), rec.BranchCount(), promoted); err != nil {
			saveErr = fmt.Errorf("saving record %s: %w", name, err)
			return false
		}
		return true
	})
	if saveErr != nil {
		tx.Rollback()
		return saveErr
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing save: %w", err)
	}
	return nil
}

// LoadInto seeds an aggregator from the stored profile. Branch tallies
// resume where the last run left off, so methods past the threshold
// promote on their first batch report.
func (p *ProfileStore) LoadInto(agg *Aggregator) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rows, err := p.db.Query("SELECT method, branches FROM hot_methods")
	if err != nil {
		return fmt.Errorf("querying profile: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var branches uint64
		if err := rows.Scan(&name, &branches); err != nil {
			return fmt.Errorf("scanning record: %w", err)
		}
		agg.Seed(name, branches)
	}
	return rows.Err()
}

// Forget drops a method's stored record.
func (p *ProfileStore) Forget(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.db.Exec("DELETE FROM hot_methods WHERE method = ?", name); err != nil {
		return fmt.Errorf("deleting record: %w", err)
	}
	return nil
}

// HotMethodNames returns stored methods whose branch tally meets the
// threshold, hottest first.
func (p *ProfileStore) HotMethodNames(threshold uint64) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rows, err := p.db.Query(
		"SELECT method FROM hot_methods WHERE branches >= ? ORDER BY branches DESC", threshold)
	if err != nil {
		return nil, fmt.Errorf("querying hot methods: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning method: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
