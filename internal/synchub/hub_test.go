package synchub

import (
	"fmt"
	"testing"

	"github.com/dwalters/threadkeeper/internal/delta"
	"github.com/dwalters/threadkeeper/internal/store"
)

// fakeSnapshot serves a fixed graph and counts reads
type fakeSnapshot struct {
	graph *store.Graph
	reads int
	err   error
}

func (f *fakeSnapshot) MaterializeGraph() (*store.Graph, error) {
	f.reads++
	if f.err != nil {
		return nil, f.err
	}
	return f.graph, nil
}

func testGraph(nodes ...string) *store.Graph {
	g := &store.Graph{Links: []store.GraphLink{}}
	for _, id := range nodes {
		g.Nodes = append(g.Nodes, store.GraphNode{ID: id, Kind: store.NodeKindPerson})
	}
	return g
}

// drain reads every currently queued message from a client
func drain(c *Client) []Message {
	var msgs []Message
	for {
		select {
		case m, ok := <-c.send:
			if !ok {
				return msgs
			}
			msgs = append(msgs, m)
		default:
			return msgs
		}
	}
}

func personEvent(id string, added bool) delta.Event {
	eventType := delta.EventNodeUpdated
	if added {
		eventType = delta.EventNodeAdded
	}
	return delta.Event{Type: eventType, Node: &store.GraphNode{ID: id, Kind: store.NodeKindPerson}}
}

func TestConnectSendsSnapshotFirst(t *testing.T) {
	snap := &fakeSnapshot{graph: testGraph("person:1", "person:2")}
	hub := NewHub(snap)

	client := newClient(hub, nil)
	if err := hub.Connect(client); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if hub.ClientCount() != 1 {
		t.Errorf("ClientCount = %d, want 1", hub.ClientCount())
	}

	msgs := drain(client)
	if len(msgs) != 1 {
		t.Fatalf("Got %d messages, want 1 snapshot", len(msgs))
	}
	if msgs[0].Type != delta.EventGraphInit {
		t.Errorf("First message type = %q, want %q", msgs[0].Type, delta.EventGraphInit)
	}
	graph, ok := msgs[0].Data.(*store.Graph)
	if !ok || len(graph.Nodes) != 2 {
		t.Errorf("Snapshot payload = %+v, want the 2-node graph", msgs[0].Data)
	}
}

func TestConnectSnapshotError(t *testing.T) {
	hub := NewHub(&fakeSnapshot{err: fmt.Errorf("db gone")})
	if err := hub.Connect(newClient(hub, nil)); err == nil {
		t.Fatal("Connect should surface snapshot errors")
	}
	if hub.ClientCount() != 0 {
		t.Error("Failed connect must not join the broadcast set")
	}
}

func TestPublishFansOutToAllViewers(t *testing.T) {
	hub := NewHub(&fakeSnapshot{graph: testGraph()})

	a := newClient(hub, nil)
	b := newClient(hub, nil)
	for _, c := range []*Client{a, b} {
		if err := hub.Connect(c); err != nil {
			t.Fatalf("Connect failed: %v", err)
		}
		drain(c) // discard snapshots
	}

	err := hub.Publish(func() ([]delta.Event, error) {
		return []delta.Event{personEvent("person:2", true), personEvent("person:1", false)}, nil
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	for _, c := range []*Client{a, b} {
		msgs := drain(c)
		if len(msgs) != 2 {
			t.Fatalf("Viewer got %d messages, want 2", len(msgs))
		}
		if msgs[0].Type != delta.EventNodeAdded || msgs[1].Type != delta.EventNodeUpdated {
			t.Errorf("Viewer got %q,%q, want added then updated", msgs[0].Type, msgs[1].Type)
		}
	}
}

func TestPublishEmptyDeltaEmitsNothing(t *testing.T) {
	hub := NewHub(&fakeSnapshot{graph: testGraph()})
	client := newClient(hub, nil)
	hub.Connect(client)
	drain(client)

	if err := hub.Publish(func() ([]delta.Event, error) { return nil, nil }); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if msgs := drain(client); len(msgs) != 0 {
		t.Errorf("Empty delta delivered %d messages, want 0", len(msgs))
	}
}

func TestPublishAbortsOnCommitError(t *testing.T) {
	hub := NewHub(&fakeSnapshot{graph: testGraph()})
	client := newClient(hub, nil)
	hub.Connect(client)
	drain(client)

	err := hub.Publish(func() ([]delta.Event, error) {
		return []delta.Event{personEvent("person:9", true)}, fmt.Errorf("store write failed")
	})
	if err == nil {
		t.Fatal("Publish should propagate commit errors")
	}
	if msgs := drain(client); len(msgs) != 0 {
		t.Errorf("Failed commit still broadcast %d messages", len(msgs))
	}
}

func TestSnapshotDeltaExclusivity(t *testing.T) {
	// A mutation published before a viewer connects lands in its snapshot
	// only; one published after lands as a delta only.
	snap := &fakeSnapshot{graph: testGraph()}
	hub := NewHub(snap)

	if err := hub.Publish(func() ([]delta.Event, error) {
		snap.graph = testGraph("person:2")
		return []delta.Event{personEvent("person:2", true)}, nil
	}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	client := newClient(hub, nil)
	if err := hub.Connect(client); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := hub.Publish(func() ([]delta.Event, error) {
		snap.graph = testGraph("person:2", "person:3")
		return []delta.Event{personEvent("person:3", true)}, nil
	}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	msgs := drain(client)
	if len(msgs) != 2 {
		t.Fatalf("Got %d messages, want snapshot + 1 delta", len(msgs))
	}

	graph := msgs[0].Data.(*store.Graph)
	if len(graph.Nodes) != 1 || graph.Nodes[0].ID != "person:2" {
		t.Errorf("Snapshot = %+v, want exactly the pre-connect mutation", graph.Nodes)
	}
	if msgs[1].Type != delta.EventNodeAdded || msgs[1].Data.(*store.GraphNode).ID != "person:3" {
		t.Errorf("Delta = %+v, want only the post-connect mutation", msgs[1])
	}
}

func TestSlowViewerEvicted(t *testing.T) {
	hub := NewHub(&fakeSnapshot{graph: testGraph()})

	slow := newClient(hub, nil)
	healthy := newClient(hub, nil)
	hub.Connect(slow)
	hub.Connect(healthy)
	drain(healthy)

	// Never drained: fill the slow viewer's buffer past capacity
	for i := 0; i <= sendBufferSize; i++ {
		hub.Publish(func() ([]delta.Event, error) {
			return []delta.Event{personEvent(fmt.Sprintf("person:%d", i), true)}, nil
		})
	}

	if hub.ClientCount() != 1 {
		t.Errorf("ClientCount = %d, want 1 after slow viewer eviction", hub.ClientCount())
	}
	// The healthy viewer kept receiving throughout
	if msgs := drain(healthy); len(msgs) == 0 {
		t.Error("Healthy viewer stopped receiving during slow-viewer eviction")
	}
}

func TestDisconnectRemovesViewer(t *testing.T) {
	hub := NewHub(&fakeSnapshot{graph: testGraph()})
	client := newClient(hub, nil)
	hub.Connect(client)

	hub.disconnect(client)
	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount = %d, want 0", hub.ClientCount())
	}
	// Double disconnect must not panic on the closed channel
	hub.disconnect(client)
}

func TestClosedHubRefusesConnections(t *testing.T) {
	hub := NewHub(&fakeSnapshot{graph: testGraph()})
	client := newClient(hub, nil)
	hub.Connect(client)

	hub.Close()
	if hub.ClientCount() != 0 {
		t.Error("Close should evict all viewers")
	}
	if err := hub.Connect(newClient(hub, nil)); err == nil {
		t.Error("Closed hub should refuse new connections")
	}
}
