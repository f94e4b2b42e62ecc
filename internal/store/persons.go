package store

import (
	"database/sql"
	"fmt"
	"time"
)

// CreatePerson inserts a new person and returns its ID. externalID may be
// empty (stored as NULL so the unique index ignores it).
func (s *Store) CreatePerson(name, externalID string, seen time.Time) (int64, error) {
	if seen.IsZero() {
		seen = time.Now()
	}

	res, err := s.db.Exec(`
		INSERT INTO persons (name, external_id, first_seen, last_seen, interaction_count)
		VALUES (?, ?, ?, ?, 1)
	`, name, nullString(externalID), seen, seen)
	if err != nil {
		return 0, fmt.Errorf("failed to insert person: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read person id: %w", err)
	}
	return id, nil
}

// GetPerson retrieves a person by ID, aliases included. Returns nil when
// the person does not exist.
func (s *Store) GetPerson(id int64) (*Person, error) {
	row := s.db.QueryRow(`
		SELECT id, name, external_id, first_seen, last_seen, interaction_count
		FROM persons WHERE id = ?
	`, id)

	p, err := scanPerson(row)
	if err != nil || p == nil {
		return p, err
	}

	p.Aliases, err = s.PersonAliases(id)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// FindPersonByExternalID looks up a person by exact external chat ID.
// Returns nil when no person carries that ID.
func (s *Store) FindPersonByExternalID(externalID string) (*Person, error) {
	if externalID == "" {
		return nil, nil
	}

	row := s.db.QueryRow(`
		SELECT id, name, external_id, first_seen, last_seen, interaction_count
		FROM persons WHERE external_id = ?
	`, externalID)

	p, err := scanPerson(row)
	if err != nil || p == nil {
		return p, err
	}
	p.Aliases, _ = s.PersonAliases(p.ID)
	return p, nil
}

// FindPersonByName looks up a person by canonical name first, then by
// alias, both case-insensitive. Returns nil when nothing matches.
func (s *Store) FindPersonByName(name string) (*Person, error) {
	row := s.db.QueryRow(`
		SELECT id, name, external_id, first_seen, last_seen, interaction_count
		FROM persons WHERE LOWER(name) = LOWER(?)
	`, name)

	p, err := scanPerson(row)
	if err != nil {
		return nil, err
	}
	if p != nil {
		p.Aliases, _ = s.PersonAliases(p.ID)
		return p, nil
	}

	var personID int64
	err = s.db.QueryRow(`
		SELECT person_id FROM person_aliases WHERE alias = ? COLLATE NOCASE
	`, name).Scan(&personID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query alias: %w", err)
	}

	return s.GetPerson(personID)
}

// TouchPerson bumps a person's last-seen timestamp and interaction count.
// Counts only ever increase.
func (s *Store) TouchPerson(id int64, seen time.Time) error {
	if seen.IsZero() {
		seen = time.Now()
	}
	_, err := s.db.Exec(`
		UPDATE persons
		SET last_seen = MAX(last_seen, ?), interaction_count = interaction_count + 1
		WHERE id = ?
	`, seen, id)
	if err != nil {
		return fmt.Errorf("failed to touch person: %w", err)
	}
	return nil
}

// BackfillExternalID sets a person's external chat ID if it is currently
// absent. An existing ID is never overwritten.
func (s *Store) BackfillExternalID(id int64, externalID string) error {
	if externalID == "" {
		return nil
	}
	_, err := s.db.Exec(`
		UPDATE persons SET external_id = ?
		WHERE id = ? AND external_id IS NULL
	`, externalID, id)
	if err != nil {
		return fmt.Errorf("failed to backfill external id: %w", err)
	}
	return nil
}

// AddAlias records an alternate name for a person. Case-insensitive
// duplicates are ignored. An alias already claimed by a different person is
// left with its current owner (first resolved wins).
func (s *Store) AddAlias(personID int64, alias string) error {
	if alias == "" {
		return nil
	}

	var owner int64
	err := s.db.QueryRow(`
		SELECT person_id FROM person_aliases WHERE alias = ? COLLATE NOCASE
	`, alias).Scan(&owner)
	if err == nil && owner != personID {
		return nil
	}
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to check alias owner: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT OR IGNORE INTO person_aliases (person_id, alias) VALUES (?, ?)
	`, personID, alias)
	if err != nil {
		return fmt.Errorf("failed to insert alias: %w", err)
	}
	return nil
}

// PersonAliases returns all aliases for a person in insertion order.
func (s *Store) PersonAliases(personID int64) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT alias FROM person_aliases WHERE person_id = ? ORDER BY rowid
	`, personID)
	if err != nil {
		return nil, fmt.Errorf("failed to query aliases: %w", err)
	}
	defer rows.Close()

	var aliases []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		aliases = append(aliases, a)
	}
	return aliases, rows.Err()
}

// AllPersons returns every person, owner included, ordered by ID.
func (s *Store) AllPersons() ([]Person, error) {
	rows, err := s.db.Query(`
		SELECT id, name, external_id, first_seen, last_seen, interaction_count
		FROM persons ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query persons: %w", err)
	}
	defer rows.Close()

	return scanPersonRows(rows)
}

// RecentPersons returns the most recently active non-owner persons.
func (s *Store) RecentPersons(limit int) ([]Person, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.Query(`
		SELECT id, name, external_id, first_seen, last_seen, interaction_count
		FROM persons WHERE id != ?
		ORDER BY last_seen DESC LIMIT ?
	`, OwnerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent persons: %w", err)
	}
	defer rows.Close()

	return scanPersonRows(rows)
}

func scanPerson(row *sql.Row) (*Person, error) {
	var p Person
	var externalID sql.NullString
	err := row.Scan(&p.ID, &p.Name, &externalID, &p.FirstSeen, &p.LastSeen, &p.InteractionCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan person: %w", err)
	}
	p.ExternalID = externalID.String
	return &p, nil
}

func scanPersonRows(rows *sql.Rows) ([]Person, error) {
	var persons []Person
	for rows.Next() {
		var p Person
		var externalID sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &externalID, &p.FirstSeen, &p.LastSeen, &p.InteractionCount); err != nil {
			return nil, fmt.Errorf("failed to scan person row: %w", err)
		}
		p.ExternalID = externalID.String
		persons = append(persons, p)
	}
	return persons, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
