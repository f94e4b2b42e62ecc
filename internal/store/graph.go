package store

import (
	"fmt"
)

// MaterializeGraph builds the full renderable graph: every person and every
// topic with at least one mention as nodes, plus every relationship and
// person-topic pair whose endpoints both exist as links. Nothing is ever
// deleted from the store, but referential filtering still happens here at
// read time so a link can never reference a node missing from the node list.
func (s *Store) MaterializeGraph() (*Graph, error) {
	persons, err := s.AllPersons()
	if err != nil {
		return nil, fmt.Errorf("failed to load persons: %w", err)
	}
	topics, err := s.AllTopics()
	if err != nil {
		return nil, fmt.Errorf("failed to load topics: %w", err)
	}

	graph := &Graph{
		Nodes: make([]GraphNode, 0, len(persons)+len(topics)),
		Links: []GraphLink{},
	}
	personSeen := make(map[int64]bool, len(persons))
	topicSeen := make(map[int64]bool, len(topics))

	for _, p := range persons {
		personSeen[p.ID] = true
		graph.Nodes = append(graph.Nodes, PersonNode(p))
	}
	for _, t := range topics {
		if t.MentionCount < 1 {
			continue
		}
		topicSeen[t.ID] = true
		graph.Nodes = append(graph.Nodes, TopicNode(t))
	}

	rels, err := s.AllRelationships()
	if err != nil {
		return nil, fmt.Errorf("failed to load relationships: %w", err)
	}
	for _, r := range rels {
		if !personSeen[r.FromPerson] || !personSeen[r.ToPerson] {
			continue
		}
		graph.Links = append(graph.Links, RelationshipLink(r))
	}

	pairs, err := s.AllPersonTopics()
	if err != nil {
		return nil, fmt.Errorf("failed to load person topics: %w", err)
	}
	for _, pt := range pairs {
		if !personSeen[pt.PersonID] || !topicSeen[pt.TopicID] {
			continue
		}
		graph.Links = append(graph.Links, PersonTopicLink(pt))
	}

	return graph, nil
}

// Stats computes aggregate counts for dashboards. The owner is excluded
// from the person count and the recent-person list.
func (s *Store) Stats() (*Stats, error) {
	stats := &Stats{}

	err := s.db.QueryRow(`SELECT COUNT(*) FROM persons WHERE id != ?`, OwnerID).Scan(&stats.Persons)
	if err != nil {
		return nil, fmt.Errorf("failed to count persons: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM topics`).Scan(&stats.Topics); err != nil {
		return nil, fmt.Errorf("failed to count topics: %w", err)
	}
	if stats.Turns, err = s.CountTurns(); err != nil {
		return nil, fmt.Errorf("failed to count turns: %w", err)
	}
	if stats.Relationships, err = s.CountRelationships(); err != nil {
		return nil, fmt.Errorf("failed to count relationships: %w", err)
	}
	if stats.RecentPersons, err = s.RecentPersons(5); err != nil {
		return nil, fmt.Errorf("failed to load recent persons: %w", err)
	}

	return stats, nil
}

// PersonNode renders a person as a graph node.
func PersonNode(p Person) GraphNode {
	return GraphNode{
		ID:    PersonNodeID(p.ID),
		Label: p.Name,
		Kind:  NodeKindPerson,
		Count: p.InteractionCount,
	}
}

// TopicNode renders a topic as a graph node.
func TopicNode(t Topic) GraphNode {
	return GraphNode{
		ID:    TopicNodeID(t.ID),
		Label: t.Name,
		Kind:  NodeKindTopic,
		Count: t.MentionCount,
	}
}

// RelationshipLink renders a person-person edge as a graph link.
func RelationshipLink(r Relationship) GraphLink {
	return GraphLink{
		Source: PersonNodeID(r.FromPerson),
		Target: PersonNodeID(r.ToPerson),
		Type:   r.Type,
		Weight: r.Weight,
	}
}

// PersonTopicLink renders a person-topic pair as a graph link.
func PersonTopicLink(pt PersonTopic) GraphLink {
	return GraphLink{
		Source: PersonNodeID(pt.PersonID),
		Target: TopicNodeID(pt.TopicID),
		Type:   LinkTypeDiscussed,
		Weight: pt.MentionCount,
	}
}

// PersonNodeID returns the viewer-facing node ID for a person. Persons and
// topics have independent surrogate IDs, so viewer IDs carry the kind.
func PersonNodeID(id int64) string {
	return fmt.Sprintf("person:%d", id)
}

// TopicNodeID returns the viewer-facing node ID for a topic.
func TopicNodeID(id int64) string {
	return fmt.Sprintf("topic:%d", id)
}
