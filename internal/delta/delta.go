// Package delta turns the set of entities touched by one ingestion batch
// into the minimal stream of viewer events: a node or link is reported once
// per batch, as "added" when the batch created it and "updated" otherwise.
package delta

import (
	"github.com/dwalters/threadkeeper/internal/store"
)

// Event types of the live sync protocol.
const (
	EventGraphInit   = "graph:init"
	EventNodeAdded   = "graph:node:added"
	EventNodeUpdated = "graph:node:updated"
	EventLinkAdded   = "graph:link:added"
	EventLinkUpdated = "graph:link:updated"
)

// Event is one delta message. Exactly one of Node and Link is set.
type Event struct {
	Type string           `json:"type"`
	Node *store.GraphNode `json:"node,omitempty"`
	Link *store.GraphLink `json:"link,omitempty"`
}

// Aggregator accumulates the entities touched while processing one batch.
// Not safe for concurrent use; each batch owns its own aggregator.
type Aggregator struct {
	nodes     map[string]store.GraphNode
	nodeIsNew map[string]bool
	nodeOrder []string

	links     map[string]store.GraphLink
	linkIsNew map[string]bool
	linkOrder []string
}

// New creates an empty aggregator.
func New() *Aggregator {
	return &Aggregator{
		nodes:     make(map[string]store.GraphNode),
		nodeIsNew: make(map[string]bool),
		links:     make(map[string]store.GraphLink),
		linkIsNew: make(map[string]bool),
	}
}

// TouchPerson records that a person was created or updated by this batch.
func (a *Aggregator) TouchPerson(p store.Person, isNew bool) {
	a.touchNode(store.PersonNode(p), isNew)
}

// TouchTopic records that a topic was created or updated by this batch.
func (a *Aggregator) TouchTopic(t store.Topic, isNew bool) {
	a.touchNode(store.TopicNode(t), isNew)
}

// TouchRelationship records a person-person edge touched by this batch.
func (a *Aggregator) TouchRelationship(r store.Relationship, isNew bool) {
	a.touchLink(store.RelationshipLink(r), isNew)
}

// TouchPersonTopic records a person-topic pair touched by this batch.
func (a *Aggregator) TouchPersonTopic(pt store.PersonTopic, isNew bool) {
	a.touchLink(store.PersonTopicLink(pt), isNew)
}

func (a *Aggregator) touchNode(node store.GraphNode, isNew bool) {
	if _, seen := a.nodes[node.ID]; !seen {
		a.nodeOrder = append(a.nodeOrder, node.ID)
		a.nodeIsNew[node.ID] = isNew
	}
	// A node created then touched again in the same batch stays "added";
	// only its payload is refreshed.
	a.nodes[node.ID] = node
}

func (a *Aggregator) touchLink(link store.GraphLink, isNew bool) {
	key := link.Source + "|" + link.Target + "|" + link.Type
	if _, seen := a.links[key]; !seen {
		a.linkOrder = append(a.linkOrder, key)
		a.linkIsNew[key] = isNew
	}
	a.links[key] = link
}

// Empty reports whether the batch touched nothing. Empty batches must emit
// no events at all.
func (a *Aggregator) Empty() bool {
	return len(a.nodes) == 0 && len(a.links) == 0
}

// Events renders the batch's delta in first-touch order: added nodes,
// updated nodes, added links, updated links.
func (a *Aggregator) Events() []Event {
	if a.Empty() {
		return nil
	}

	events := make([]Event, 0, len(a.nodes)+len(a.links))
	for _, phase := range []bool{true, false} {
		for _, id := range a.nodeOrder {
			if a.nodeIsNew[id] != phase {
				continue
			}
			node := a.nodes[id]
			eventType := EventNodeUpdated
			if phase {
				eventType = EventNodeAdded
			}
			events = append(events, Event{Type: eventType, Node: &node})
		}
	}
	for _, phase := range []bool{true, false} {
		for _, key := range a.linkOrder {
			if a.linkIsNew[key] != phase {
				continue
			}
			link := a.links[key]
			eventType := EventLinkUpdated
			if phase {
				eventType = EventLinkAdded
			}
			events = append(events, Event{Type: eventType, Link: &link})
		}
	}
	return events
}
