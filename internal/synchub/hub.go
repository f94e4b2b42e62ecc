// Package synchub keeps live viewers consistent with the graph store. Each
// connection gets the full graph once, immediately on connect, then every
// delta computed by the ingestion path. The hub is an explicit registry
// handed to the pipeline, not a package-level singleton, so store logic
// stays testable without a live transport.
package synchub

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/dwalters/threadkeeper/internal/delta"
	"github.com/dwalters/threadkeeper/internal/logging"
	"github.com/dwalters/threadkeeper/internal/store"
)

// Snapshotter provides the full-graph read used for viewer initialization.
type Snapshotter interface {
	MaterializeGraph() (*store.Graph, error)
}

// Message is one wire frame of the sync protocol.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub maintains the set of synced viewer connections.
//
// The mutex orders snapshot reads against delta publication: Connect reads
// its snapshot and joins the broadcast set under the lock, and Publish runs
// the mutation commit and the fan-out under the same lock. A mutation is
// therefore serialized either before a viewer's snapshot (and included in
// it) or after it (and delivered as a delta), never both and never neither.
type Hub struct {
	snapshot Snapshotter

	mu      sync.Mutex
	clients map[*Client]bool
	closed  bool
}

// NewHub creates a hub reading snapshots from the given store view.
func NewHub(snapshot Snapshotter) *Hub {
	return &Hub{
		snapshot: snapshot,
		clients:  make(map[*Client]bool),
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Viewers are dashboards served from arbitrary origins
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades an HTTP request into a synced viewer connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("synchub", "websocket upgrade failed: %v", err)
		return
	}

	client := newClient(h, conn)
	if err := h.Connect(client); err != nil {
		logging.Warn("synchub", "viewer init failed: %v", err)
		conn.Close()
		return
	}
	client.start()
}

// Connect sends the full current graph to the client and adds it to the
// broadcast set. The two steps happen atomically with respect to Publish.
func (h *Hub) Connect(client *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return fmt.Errorf("hub is closed")
	}

	graph, err := h.snapshot.MaterializeGraph()
	if err != nil {
		return fmt.Errorf("failed to materialize snapshot: %w", err)
	}

	// The send buffer is empty at this point, so the snapshot always fits
	select {
	case client.send <- Message{Type: delta.EventGraphInit, Data: graph}:
	default:
		return fmt.Errorf("failed to enqueue snapshot")
	}

	h.clients[client] = true
	logging.Info("synchub", "viewer %d connected (%d total)", client.id, len(h.clients))
	return nil
}

// Publish runs a mutation commit and broadcasts the delta it produced as
// one atomic step with respect to connecting viewers. fn returning an error
// aborts publication; nil events broadcast nothing.
func (h *Hub) Publish(fn func() ([]delta.Event, error)) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	events, err := fn()
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	for _, event := range events {
		msg := Message{Type: event.Type}
		switch {
		case event.Node != nil:
			msg.Data = event.Node
		case event.Link != nil:
			msg.Data = event.Link
		}
		h.broadcastLocked(msg)
	}
	return nil
}

// broadcastLocked fans a message out to every synced client without
// blocking: a viewer whose send buffer is full is evicted rather than
// allowed to stall the ingestion path or other viewers.
func (h *Hub) broadcastLocked(msg Message) {
	var evicted []*Client
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			evicted = append(evicted, client)
		}
	}
	for _, client := range evicted {
		delete(h.clients, client)
		close(client.send)
		logging.Warn("synchub", "viewer %d evicted: send buffer full", client.id)
	}
}

// disconnect removes a client after a transport failure. No redelivery:
// reconnecting viewers resynchronize via a fresh snapshot.
func (h *Hub) disconnect(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	logging.Info("synchub", "viewer %d disconnected (%d total)", client.id, len(h.clients))
}

// ClientCount returns the number of synced viewers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close evicts every viewer and refuses new connections.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
	logging.Info("synchub", "hub closed")
}
