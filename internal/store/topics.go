package store

import (
	"database/sql"
	"fmt"
)

// FindTopicByName looks up a topic by exact case-insensitive name. Returns
// nil when no topic matches. Topics get no alias or fuzzy matching.
func (s *Store) FindTopicByName(name string) (*Topic, error) {
	row := s.db.QueryRow(`
		SELECT id, name, mention_count FROM topics WHERE name = ? COLLATE NOCASE
	`, name)

	var t Topic
	err := row.Scan(&t.ID, &t.Name, &t.MentionCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan topic: %w", err)
	}
	return &t, nil
}

// CreateTopic inserts a new topic with a mention count of 1.
func (s *Store) CreateTopic(name string) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO topics (name, mention_count) VALUES (?, 1)
	`, name)
	if err != nil {
		return 0, fmt.Errorf("failed to insert topic: %w", err)
	}
	return res.LastInsertId()
}

// TouchTopic increments a topic's mention count.
func (s *Store) TouchTopic(id int64) error {
	_, err := s.db.Exec(`
		UPDATE topics SET mention_count = mention_count + 1 WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("failed to touch topic: %w", err)
	}
	return nil
}

// GetTopic retrieves a topic by ID. Returns nil when absent.
func (s *Store) GetTopic(id int64) (*Topic, error) {
	row := s.db.QueryRow(`
		SELECT id, name, mention_count FROM topics WHERE id = ?
	`, id)

	var t Topic
	err := row.Scan(&t.ID, &t.Name, &t.MentionCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan topic: %w", err)
	}
	return &t, nil
}

// AllTopics returns every topic ordered by ID.
func (s *Store) AllTopics() ([]Topic, error) {
	rows, err := s.db.Query(`SELECT id, name, mention_count FROM topics ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query topics: %w", err)
	}
	defer rows.Close()

	var topics []Topic
	for rows.Next() {
		var t Topic
		if err := rows.Scan(&t.ID, &t.Name, &t.MentionCount); err != nil {
			return nil, fmt.Errorf("failed to scan topic row: %w", err)
		}
		topics = append(topics, t)
	}
	return topics, rows.Err()
}

// RecordPersonTopic upserts a person-topic association: the first
// co-occurrence creates the pair with count 1, later ones increment it.
// Returns the pair and whether it was newly created.
func (s *Store) RecordPersonTopic(personID, topicID int64) (PersonTopic, bool, error) {
	_, err := s.db.Exec(`
		INSERT INTO person_topics (person_id, topic_id, mention_count)
		VALUES (?, ?, 1)
		ON CONFLICT(person_id, topic_id) DO UPDATE SET
			mention_count = mention_count + 1
	`, personID, topicID)
	if err != nil {
		return PersonTopic{}, false, fmt.Errorf("failed to upsert person topic: %w", err)
	}

	pt := PersonTopic{PersonID: personID, TopicID: topicID}
	err = s.db.QueryRow(`
		SELECT mention_count FROM person_topics WHERE person_id = ? AND topic_id = ?
	`, personID, topicID).Scan(&pt.MentionCount)
	if err != nil {
		return PersonTopic{}, false, fmt.Errorf("failed to read person topic count: %w", err)
	}
	return pt, pt.MentionCount == 1, nil
}

// AllPersonTopics returns every person-topic pair.
func (s *Store) AllPersonTopics() ([]PersonTopic, error) {
	rows, err := s.db.Query(`SELECT person_id, topic_id, mention_count FROM person_topics`)
	if err != nil {
		return nil, fmt.Errorf("failed to query person topics: %w", err)
	}
	defer rows.Close()

	var pairs []PersonTopic
	for rows.Next() {
		var pt PersonTopic
		if err := rows.Scan(&pt.PersonID, &pt.TopicID, &pt.MentionCount); err != nil {
			return nil, fmt.Errorf("failed to scan person topic: %w", err)
		}
		pairs = append(pairs, pt)
	}
	return pairs, rows.Err()
}
