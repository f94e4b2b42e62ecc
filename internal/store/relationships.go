package store

import (
	"fmt"
	"time"
)

// UpsertRelationship records a directed typed edge between two persons.
// The first occurrence creates the edge with weight 1; every later
// occurrence increments the weight and refreshes the interaction timestamp.
// Returns the resulting edge and whether it was newly created.
//
// Self-edges are a caller error, rejected here as a backstop so a bad
// classifier triple can never create one.
func (s *Store) UpsertRelationship(from, to int64, relType string, ts time.Time) (Relationship, bool, error) {
	if from == to {
		return Relationship{}, false, fmt.Errorf("self relationship rejected for person %d", from)
	}
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO relationships (from_person, to_person, rel_type, weight, last_interaction)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(from_person, to_person, rel_type) DO UPDATE SET
			weight = weight + 1,
			last_interaction = MAX(last_interaction, excluded.last_interaction)
	`, from, to, relType, ts)
	if err != nil {
		return Relationship{}, false, fmt.Errorf("failed to upsert relationship: %w", err)
	}

	rel := Relationship{FromPerson: from, ToPerson: to, Type: relType}
	err = s.db.QueryRow(`
		SELECT id, weight, last_interaction FROM relationships
		WHERE from_person = ? AND to_person = ? AND rel_type = ?
	`, from, to, relType).Scan(&rel.ID, &rel.Weight, &rel.LastInteraction)
	if err != nil {
		return Relationship{}, false, fmt.Errorf("failed to read relationship: %w", err)
	}

	return rel, rel.Weight == 1, nil
}

// AllRelationships returns every relationship edge ordered by ID.
func (s *Store) AllRelationships() ([]Relationship, error) {
	rows, err := s.db.Query(`
		SELECT id, from_person, to_person, rel_type, weight, last_interaction
		FROM relationships ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query relationships: %w", err)
	}
	defer rows.Close()

	var rels []Relationship
	for rows.Next() {
		var r Relationship
		if err := rows.Scan(&r.ID, &r.FromPerson, &r.ToPerson, &r.Type, &r.Weight, &r.LastInteraction); err != nil {
			return nil, fmt.Errorf("failed to scan relationship: %w", err)
		}
		rels = append(rels, r)
	}
	return rels, rows.Err()
}

// CountRelationships returns the total number of relationship edges.
func (s *Store) CountRelationships() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM relationships`).Scan(&count)
	return count, err
}
