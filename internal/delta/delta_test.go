package delta

import (
	"testing"
	"time"

	"github.com/dwalters/threadkeeper/internal/store"
)

func person(id int64, name string, count int) store.Person {
	return store.Person{ID: id, Name: name, InteractionCount: count, LastSeen: time.Now()}
}

func TestEmptyBatchEmitsNothing(t *testing.T) {
	a := New()
	if !a.Empty() {
		t.Error("Fresh aggregator should be empty")
	}
	if events := a.Events(); events != nil {
		t.Errorf("Empty batch emitted %d events, want none", len(events))
	}
}

func TestDeltaCompleteness(t *testing.T) {
	// 2 new persons, 1 existing person, 1 new relationship between a new and
	// an existing person: exactly 2 added nodes, 1 updated node, 1 added link.
	a := New()
	a.TouchPerson(person(2, "Ana", 1), true)
	a.TouchPerson(person(3, "Ben", 1), true)
	a.TouchPerson(person(1, "Owner", 7), false)
	a.TouchRelationship(store.Relationship{FromPerson: 1, ToPerson: 2, Type: "talked_to", Weight: 1}, true)

	events := a.Events()

	var added, updated, linksAdded, linksUpdated int
	for _, e := range events {
		switch e.Type {
		case EventNodeAdded:
			added++
		case EventNodeUpdated:
			updated++
		case EventLinkAdded:
			linksAdded++
		case EventLinkUpdated:
			linksUpdated++
		}
	}
	if added != 2 || updated != 1 || linksAdded != 1 || linksUpdated != 0 {
		t.Errorf("Got %d added / %d updated nodes, %d added / %d updated links; want 2/1/1/0",
			added, updated, linksAdded, linksUpdated)
	}
	if len(events) != 4 {
		t.Errorf("Total events = %d, want 4 (no duplicates)", len(events))
	}
}

func TestCreatedThenUpdatedReportsOnceAsAdded(t *testing.T) {
	a := New()
	a.TouchPerson(person(2, "Ana", 1), true)
	a.TouchPerson(person(2, "Ana", 2), false)

	events := a.Events()
	if len(events) != 1 {
		t.Fatalf("Got %d events, want 1", len(events))
	}
	if events[0].Type != EventNodeAdded {
		t.Errorf("Event type = %q, want added (new wins within a batch)", events[0].Type)
	}
	if events[0].Node.Count != 2 {
		t.Errorf("Node payload should carry the latest state, got count %d", events[0].Node.Count)
	}
}

func TestTopicAndPersonTopicEvents(t *testing.T) {
	a := New()
	a.TouchTopic(store.Topic{ID: 1, Name: "surfing", MentionCount: 3}, false)
	a.TouchPersonTopic(store.PersonTopic{PersonID: 2, TopicID: 1, MentionCount: 1}, true)

	events := a.Events()
	if len(events) != 2 {
		t.Fatalf("Got %d events, want 2", len(events))
	}
	if events[0].Type != EventNodeUpdated || events[0].Node.Kind != store.NodeKindTopic {
		t.Errorf("First event = %+v, want updated topic node", events[0])
	}
	if events[1].Type != EventLinkAdded || events[1].Link.Type != store.LinkTypeDiscussed {
		t.Errorf("Second event = %+v, want added discussed link", events[1])
	}
}

func TestRepeatedLinkTouchReportsOnce(t *testing.T) {
	a := New()
	rel := store.Relationship{FromPerson: 1, ToPerson: 2, Type: "talked_to", Weight: 1}
	a.TouchRelationship(rel, true)
	rel.Weight = 2
	a.TouchRelationship(rel, false)

	events := a.Events()
	if len(events) != 1 {
		t.Fatalf("Got %d events, want 1", len(events))
	}
	if events[0].Type != EventLinkAdded || events[0].Link.Weight != 2 {
		t.Errorf("Event = %+v, want added link at final weight 2", events[0])
	}
}
