package state

import (
	"database/sql"
	"errors"
	"fmt"
	"os"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// DatabaseFile is the name of the SQLite state database inside the state directory
const DatabaseFile = "state.db"

// CorruptSuffix is appended to an unreadable database file when it is moved aside
const CorruptSuffix = ".corrupt"

// SQLiteBackend stores the state in a single SQLite table
type SQLiteBackend struct {
	db   *sql.DB
	path string

	// recovered is reported by the first Load after an unreadable database
	// was replaced by an empty one.
	recovered error
}

// NewSQLiteBackend opens (and if needed creates) the database at path. A
// file that is not a valid SQLite database is renamed with CorruptSuffix and
// replaced by an empty database; the next Load reports it.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	b, err := openSQLite(path)
	if err == nil {
		return b, nil
	}
	if !isCorrupt(err) {
		return nil, err
	}

	aside := path + CorruptSuffix
	if renameErr := os.Rename(path, aside); renameErr != nil {
		return nil, fmt.Errorf("failed to move unreadable database aside: %w", renameErr)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Remove(path + suffix)
	}

	b, reopenErr := openSQLite(path)
	if reopenErr != nil {
		return nil, reopenErr
	}
	b.recovered = fmt.Errorf("unreadable database moved to %s: %w", aside, err)
	return b, nil
}

func openSQLite(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	b := &SQLiteBackend{db: db, path: path}
	if err := b.initialize(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// isCorrupt reports whether err means the file is not a usable database
func isCorrupt(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() & 0xff {
	case sqlite3.SQLITE_NOTADB, sqlite3.SQLITE_CORRUPT:
		return true
	}
	return false
}

func (b *SQLiteBackend) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tag_state (
		owner TEXT NOT NULL,
		repo TEXT NOT NULL,
		latest_name TEXT,
		latest_sha TEXT,
		previous_name TEXT,
		previous_sha TEXT,
		PRIMARY KEY (owner, repo)
	);
	`
	if _, err := b.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Location returns the database path
func (b *SQLiteBackend) Location() string {
	return b.path
}

// Load reads every tracked repository
func (b *SQLiteBackend) Load() (*Store, error) {
	if b.recovered != nil {
		err := b.recovered
		b.recovered = nil
		return nil, err
	}

	rows, err := b.db.Query(`
		SELECT owner, repo, latest_name, latest_sha, previous_name, previous_sha
		FROM tag_state
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query state: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	s := NewStore()
	for rows.Next() {
		var owner, repo string
		var latestName, latestSHA, previousName, previousSHA sql.NullString
		if err := rows.Scan(&owner, &repo, &latestName, &latestSHA, &previousName, &previousSHA); err != nil {
			return nil, fmt.Errorf("failed to scan state row: %w", err)
		}

		st := s.GetOrCreate(owner, repo)
		st.LatestTag = tagFromColumns(latestName, latestSHA)
		st.PreviousTag = tagFromColumns(previousName, previousSHA)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read state rows: %w", err)
	}

	return s, nil
}

// Save replaces the table contents with s in a single transaction
func (b *SQLiteBackend) Save(s *Store) error {
	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(`DELETE FROM tag_state`); err != nil {
		return fmt.Errorf("failed to clear state: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO tag_state (owner, repo, latest_name, latest_sha, previous_name, previous_sha)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer func() {
		_ = stmt.Close()
	}()

	for _, key := range s.Keys() {
		st, _ := s.Get(key.Owner, key.Repo)
		if st == nil {
			st = &RepoTagState{}
		}
		latestName, latestSHA := tagColumns(st.LatestTag)
		previousName, previousSHA := tagColumns(st.PreviousTag)
		if _, err := stmt.Exec(key.Owner, key.Repo, latestName, latestSHA, previousName, previousSHA); err != nil {
			return fmt.Errorf("failed to save state for %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit state: %w", err)
	}
	return nil
}

// Close closes the database connection
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func tagColumns(tag *TagInfo) (sql.NullString, sql.NullString) {
	if tag == nil {
		return sql.NullString{}, sql.NullString{}
	}
	return sql.NullString{String: tag.Name, Valid: true}, sql.NullString{String: tag.CommitSHA, Valid: true}
}

func tagFromColumns(name, sha sql.NullString) *TagInfo {
	if !name.Valid {
		return nil
	}
	return &TagInfo{Name: name.String, CommitSHA: sha.String}
}
