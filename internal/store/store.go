package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dwalters/threadkeeper/internal/logging"
)

// OwnerID is the fixed person ID of the system operator. The row is ensured
// at Open and survives Reset.
const OwnerID int64 = 1

// Store wraps the SQLite database holding the knowledge graph. All
// persistence lives here; resolver and sync layers keep no durable state.
type Store struct {
	db        *sql.DB
	path      string
	ownerName string
}

// Open opens or creates the graph database under dataDir and ensures the
// owner row exists.
func Open(dataDir, ownerName string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "graph.db")

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if ownerName == "" {
		ownerName = "Owner"
	}

	s := &Store{db: db, path: dbPath, ownerName: ownerName}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	if err := s.ensureOwner(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure owner: %w", err)
	}

	logging.Info("store", "opened graph database at %s", dbPath)
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS persons (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		external_id TEXT,
		first_seen TIMESTAMP NOT NULL,
		last_seen TIMESTAMP NOT NULL,
		interaction_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_persons_external_id
		ON persons(external_id) WHERE external_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS person_aliases (
		person_id INTEGER NOT NULL REFERENCES persons(id),
		alias TEXT NOT NULL,
		UNIQUE(person_id, alias COLLATE NOCASE)
	);
	CREATE INDEX IF NOT EXISTS idx_person_aliases_alias
		ON person_aliases(alias COLLATE NOCASE);

	CREATE TABLE IF NOT EXISTS topics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE COLLATE NOCASE,
		mention_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS person_topics (
		person_id INTEGER NOT NULL REFERENCES persons(id),
		topic_id INTEGER NOT NULL REFERENCES topics(id),
		mention_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (person_id, topic_id)
	);

	CREATE TABLE IF NOT EXISTS relationships (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		from_person INTEGER NOT NULL REFERENCES persons(id),
		to_person INTEGER NOT NULL REFERENCES persons(id),
		rel_type TEXT NOT NULL,
		weight INTEGER NOT NULL DEFAULT 1,
		last_interaction TIMESTAMP NOT NULL,
		UNIQUE(from_person, to_person, rel_type)
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_key TEXT NOT NULL UNIQUE,
		provenance TEXT NOT NULL DEFAULT 'unknown',
		file_path TEXT,
		last_offset INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversation_turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL REFERENCES sessions(id),
		person_id INTEGER REFERENCES persons(id),
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		external_sender_id TEXT,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session
		ON conversation_turns(session_id);

	CREATE TABLE IF NOT EXISTS media (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		person_id INTEGER REFERENCES persons(id),
		session_id INTEGER REFERENCES sessions(id),
		kind TEXT NOT NULL,
		url TEXT NOT NULL,
		caption TEXT,
		created_at TIMESTAMP NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// ensureOwner makes sure person 1 exists. Idempotent; safe to run on every
// open and after Reset.
func (s *Store) ensureOwner() error {
	now := time.Now()
	_, err := s.db.Exec(`
		INSERT INTO persons (id, name, first_seen, last_seen, interaction_count)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(id) DO NOTHING
	`, OwnerID, s.ownerName, now, now)
	return err
}

// Reset clears every table and reinitializes the owner row. Irreversible;
// callers must gate it behind an explicit confirmation.
func (s *Store) Reset() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin reset: %w", err)
	}
	defer tx.Rollback()

	tables := []string{
		"media", "conversation_turns", "person_topics", "relationships",
		"person_aliases", "sessions", "topics", "persons",
	}
	for _, table := range tables {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	// Reset AUTOINCREMENT counters so the owner lands back on ID 1
	if _, err := tx.Exec("DELETE FROM sqlite_sequence"); err != nil {
		return fmt.Errorf("failed to reset sequences: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reset: %w", err)
	}

	if err := s.ensureOwner(); err != nil {
		return err
	}

	logging.Info("store", "reset complete, owner reinitialized")
	return nil
}
