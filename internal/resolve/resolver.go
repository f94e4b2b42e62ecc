// Package resolve canonicalizes raw mention signals (names, aliases,
// external chat IDs) into stable person and topic identities in the graph
// store. Resolution is read-then-write: callers serialize batches so two
// resolutions of the same unseen name cannot race into duplicate persons.
package resolve

import (
	"fmt"
	"strings"
	"time"

	"github.com/dwalters/threadkeeper/internal/logging"
	"github.com/dwalters/threadkeeper/internal/store"
)

// PersonSignal carries everything known about one person mention.
type PersonSignal struct {
	Name       string    // display name, required
	ExternalID string    // external chat identifier, optional
	Alias      string    // raw mention form to record as an alias, optional
	Timestamp  time.Time // when the mention happened
}

// Result reports a resolution: the stable identity and whether it was
// created by this call. IsNew is the only signal the delta aggregator uses
// to tell new nodes from updated ones.
type Result struct {
	ID    int64
	IsNew bool
}

// Resolver maps mention signals onto the graph store.
type Resolver struct {
	store *store.Store
}

// New creates a resolver over the given store.
func New(s *store.Store) *Resolver {
	return &Resolver{store: s}
}

// ResolvePerson canonicalizes a person mention. Match order: exact external
// ID, case-insensitive canonical name, case-insensitive alias; no match
// creates a new person. On match the person's last-seen and interaction
// count are bumped, a missing external ID is backfilled, and a new alias
// form is appended.
func (r *Resolver) ResolvePerson(sig PersonSignal) (Result, error) {
	name := strings.TrimSpace(sig.Name)
	if name == "" {
		return Result{}, fmt.Errorf("empty person name")
	}

	person, err := r.store.FindPersonByExternalID(sig.ExternalID)
	if err != nil {
		return Result{}, fmt.Errorf("external id lookup: %w", err)
	}
	if person == nil {
		person, err = r.store.FindPersonByName(name)
		if err != nil {
			return Result{}, fmt.Errorf("name lookup: %w", err)
		}
	}

	if person == nil {
		id, err := r.store.CreatePerson(name, sig.ExternalID, sig.Timestamp)
		if err != nil {
			return Result{}, fmt.Errorf("create person: %w", err)
		}
		if sig.Alias != "" && !strings.EqualFold(sig.Alias, name) {
			if err := r.store.AddAlias(id, sig.Alias); err != nil {
				return Result{}, fmt.Errorf("add alias: %w", err)
			}
		}
		logging.Debug("resolve", "new person %d %q", id, name)
		return Result{ID: id, IsNew: true}, nil
	}

	if err := r.store.TouchPerson(person.ID, sig.Timestamp); err != nil {
		return Result{}, fmt.Errorf("touch person: %w", err)
	}
	if person.ExternalID == "" && sig.ExternalID != "" {
		if err := r.store.BackfillExternalID(person.ID, sig.ExternalID); err != nil {
			return Result{}, fmt.Errorf("backfill external id: %w", err)
		}
	}
	for _, alias := range []string{sig.Alias, name} {
		if alias == "" || strings.EqualFold(alias, person.Name) {
			continue
		}
		if err := r.store.AddAlias(person.ID, alias); err != nil {
			return Result{}, fmt.Errorf("add alias: %w", err)
		}
	}

	return Result{ID: person.ID}, nil
}

// ResolveTopic canonicalizes a topic string. Topics match by exact
// case-insensitive name only; they get no alias or fuzzy matching.
func (r *Resolver) ResolveTopic(name string) (Result, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Result{}, fmt.Errorf("empty topic name")
	}

	topic, err := r.store.FindTopicByName(name)
	if err != nil {
		return Result{}, fmt.Errorf("topic lookup: %w", err)
	}
	if topic != nil {
		if err := r.store.TouchTopic(topic.ID); err != nil {
			return Result{}, fmt.Errorf("touch topic: %w", err)
		}
		return Result{ID: topic.ID}, nil
	}

	id, err := r.store.CreateTopic(name)
	if err != nil {
		return Result{}, fmt.Errorf("create topic: %w", err)
	}
	logging.Debug("resolve", "new topic %d %q", id, name)
	return Result{ID: id, IsNew: true}, nil
}

// RecordRelationship accumulates relationship weight between two resolved
// persons. The first signal creates the edge at weight 1; repeats increment
// it and refresh the timestamp. Self-relationships are a caller error.
func (r *Resolver) RecordRelationship(from, to int64, relType string, ts time.Time) (store.Relationship, bool, error) {
	if from == to {
		return store.Relationship{}, false, fmt.Errorf("self relationship rejected for person %d", from)
	}
	return r.store.UpsertRelationship(from, to, relType, ts)
}
