package store

import "time"

// Person is a resolved human identity. Person ID 1 is the owner and always
// exists (ensured at Open); persons are never deleted.
type Person struct {
	ID               int64     `json:"id"`
	Name             string    `json:"name"`
	ExternalID       string    `json:"external_id,omitempty"`
	Aliases          []string  `json:"aliases,omitempty"`
	FirstSeen        time.Time `json:"first_seen"`
	LastSeen         time.Time `json:"last_seen"`
	InteractionCount int       `json:"interaction_count"`
}

// Topic is a canonicalized subject string (case-insensitive unique).
type Topic struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	MentionCount int    `json:"mention_count"`
}

// PersonTopic records that a person discussed a topic.
type PersonTopic struct {
	PersonID     int64 `json:"person_id"`
	TopicID      int64 `json:"topic_id"`
	MentionCount int   `json:"mention_count"`
}

// Relationship is a directed typed edge between two persons.
type Relationship struct {
	ID              int64     `json:"id"`
	FromPerson      int64     `json:"from_person"`
	ToPerson        int64     `json:"to_person"`
	Type            string    `json:"type"`
	Weight          int       `json:"weight"`
	LastInteraction time.Time `json:"last_interaction"`
}

// Session is one ingested transcript source. LastOffset is the resume
// cursor: the number of log entries already processed. It only moves
// forward, and only in the same transaction as the batch's turn inserts.
type Session struct {
	ID         int64     `json:"id"`
	SessionKey string    `json:"session_key"`
	Provenance string    `json:"provenance"`
	FilePath   string    `json:"file_path,omitempty"`
	LastOffset int       `json:"last_offset"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Turn is one stored conversation message. Immutable once inserted.
// PersonID is nil for turns with no resolved speaker (assistant turns).
type Turn struct {
	ID               int64      `json:"id"`
	SessionID        int64      `json:"session_id"`
	PersonID         *int64     `json:"person_id,omitempty"`
	Role             string     `json:"role"`
	Content          string     `json:"content"`
	ExternalSenderID string     `json:"external_sender_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Media is a captured image/video reference tied to a person or session.
type Media struct {
	ID        int64     `json:"id"`
	PersonID  *int64    `json:"person_id,omitempty"`
	SessionID *int64    `json:"session_id,omitempty"`
	Kind      string    `json:"kind"`
	URL       string    `json:"url"`
	Caption   string    `json:"caption,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// GraphNode is the renderable form of a person or topic.
type GraphNode struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Kind  string `json:"kind"` // "person" or "topic"
	Count int    `json:"count"`
}

// GraphLink is the renderable form of a relationship or person-topic pair.
type GraphLink struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Type   string `json:"type"`
	Weight int    `json:"weight"`
}

// Graph is the full materialized view sent to a newly connected viewer.
type Graph struct {
	Nodes []GraphNode `json:"nodes"`
	Links []GraphLink `json:"links"`
}

// Stats summarizes the store for dashboards. The owner (person 1) is
// excluded from person counts and the recent list.
type Stats struct {
	Persons       int      `json:"persons"`
	Topics        int      `json:"topics"`
	Turns         int      `json:"turns"`
	Relationships int      `json:"relationships"`
	RecentPersons []Person `json:"recent_persons"`
}

// Node ID prefixes used in the materialized graph. A person and a topic can
// share a surrogate integer ID, so viewer-facing IDs carry the kind.
const (
	NodeKindPerson = "person"
	NodeKindTopic  = "topic"
)

// Link type for person-topic association links in the materialized graph.
const LinkTypeDiscussed = "discussed"
