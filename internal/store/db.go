package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// ErrNotInitialized is returned when the database exists but its schema
// has not been created yet.
var ErrNotInitialized = errors.New("zone database not initialized: start the daemon with 'netzone daemon' first")

// Store provides SQLite database operations for zones and their change
// history.
type Store struct {
	db *sql.DB
}

// pragmas run on every new connection. The CLI and the daemon share
// the file, so writers wait for each other instead of failing.
var pragmas = []struct{ name, stmt string }{
	{"foreign keys", "PRAGMA foreign_keys = ON"},
	{"WAL mode", "PRAGMA journal_mode = WAL"},
	{"busy timeout", "PRAGMA busy_timeout = 5000"},
}

// New opens the database at dbPath without touching its schema.
// ":memory:" gives a private in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: SQLite serializes writers anyway, and an in-memory
	// database exists only on the connection that created it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, p := range pragmas {
		if _, err := db.Exec(p.stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable %s: %w", p.name, err)
		}
	}
	return &Store{db: db}, nil
}

// Open creates a Store and makes sure its schema exists.
func Open(dbPath string) (*Store, error) {
	s, err := New(dbPath)
	if err != nil {
		return nil, err
	}
	if err := s.CreateSchema(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// CreateSchema creates the zone tables and indexes if they are missing.
func (s *Store) CreateSchema() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// wrap describes a failed operation, reporting a missing table as
// ErrNotInitialized.
func wrap(op string, err error) error {
	if strings.Contains(err.Error(), "no such table") {
		err = ErrNotInitialized
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
