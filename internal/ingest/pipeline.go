// Package ingest runs transcript batches through the resolver into the
// graph store and publishes the resulting deltas to live viewers.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dwalters/threadkeeper/internal/classify"
	"github.com/dwalters/threadkeeper/internal/delta"
	"github.com/dwalters/threadkeeper/internal/logging"
	"github.com/dwalters/threadkeeper/internal/resolve"
	"github.com/dwalters/threadkeeper/internal/store"
	"github.com/dwalters/threadkeeper/internal/transcript"
)

// RelTalkedTo is the relationship accumulated between the owner and every
// resolved speaker.
const RelTalkedTo = "talked_to"

// Broadcaster publishes a batch commit and its delta atomically with
// respect to connecting viewers. The sync hub implements it; tests and
// transport-less deployments use NopBroadcaster.
type Broadcaster interface {
	Publish(fn func() ([]delta.Event, error)) error
}

// NopBroadcaster commits without broadcasting.
type NopBroadcaster struct{}

// Publish runs fn and discards its events.
func (NopBroadcaster) Publish(fn func() ([]delta.Event, error)) error {
	_, err := fn()
	return err
}

// Result summarizes one ingestion batch.
type Result struct {
	Processed        int `json:"processed"`
	NewPersons       int `json:"new_persons"`
	NewTopics        int `json:"new_topics"`
	NewRelationships int `json:"new_relationships"`
}

// Pipeline wires the transcript cursor, sender classifier, entity resolver,
// classifier adapter and delta broadcast together.
//
// Concurrency: batches for different sessions may run concurrently up to
// the resolution phase, but all resolver calls and the cursor commit run
// under batchMu, so read-then-write resolution never races. A per-session
// lock additionally serializes overlapping scans of one session file.
type Pipeline struct {
	store       *store.Store
	resolver    *resolve.Resolver
	reader      *transcript.Reader
	classifier  *transcript.Classifier
	adapter     *classify.Adapter
	broadcaster Broadcaster

	batchMu sync.Mutex

	sessionMu    sync.Mutex
	sessionLocks map[string]*sync.Mutex
}

// New creates a pipeline. adapter may be nil to skip model extraction;
// broadcaster may be nil for transport-less operation.
func New(s *store.Store, classifier *transcript.Classifier, adapter *classify.Adapter, broadcaster Broadcaster) *Pipeline {
	if broadcaster == nil {
		broadcaster = NopBroadcaster{}
	}
	return &Pipeline{
		store:        s,
		resolver:     resolve.New(s),
		reader:       transcript.NewReader(classifier),
		classifier:   classifier,
		adapter:      adapter,
		broadcaster:  broadcaster,
		sessionLocks: make(map[string]*sync.Mutex),
	}
}

// sessionLock returns the mutex guarding one session key.
func (p *Pipeline) sessionLock(sessionKey string) *sync.Mutex {
	p.sessionMu.Lock()
	defer p.sessionMu.Unlock()

	lock, ok := p.sessionLocks[sessionKey]
	if !ok {
		lock = &sync.Mutex{}
		p.sessionLocks[sessionKey] = lock
	}
	return lock
}

// IngestFile scans a session log from the session's stored resume offset
// and processes everything new. Re-running with an unchanged file is a
// no-op: zero new entities, zero emitted deltas.
func (p *Pipeline) IngestFile(ctx context.Context, sessionKey, path, provenanceHint string) (Result, error) {
	lock := p.sessionLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	sess, err := p.store.GetOrCreateSession(sessionKey, path, provenanceHint)
	if err != nil {
		return Result{}, fmt.Errorf("session lookup: %w", err)
	}

	entries, total, provenance, err := p.reader.ReadSession(path, sess.LastOffset)
	if err != nil {
		return Result{}, err
	}
	if len(entries) == 0 && total <= sess.LastOffset {
		logging.Debug("ingest", "session %s: nothing new at offset %d", sessionKey, sess.LastOffset)
		return Result{}, nil
	}

	return p.process(ctx, sess, entries, total, provenance)
}

// IngestTurn pushes a single live role/content pair into a session,
// advancing its cursor by one entry. Used by near-real-time capture
// sources.
func (p *Pipeline) IngestTurn(ctx context.Context, sessionKey, role, content, provenanceHint string) (Result, error) {
	if role != transcript.RoleHuman && role != transcript.RoleAssistant {
		return Result{}, fmt.Errorf("unsupported role %q", role)
	}
	if strings.TrimSpace(content) == "" {
		return Result{}, fmt.Errorf("empty content")
	}

	lock := p.sessionLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	sess, err := p.store.GetOrCreateSession(sessionKey, "", provenanceHint)
	if err != nil {
		return Result{}, fmt.Errorf("session lookup: %w", err)
	}

	entry := transcript.Entry{
		Index:     sess.LastOffset,
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
	if role == transcript.RoleHuman {
		sender, visible := p.classifier.ExtractSender(content)
		if sender != (transcript.Sender{}) {
			entry.Sender = sender
			entry.Content = visible
		}
	}
	if entry.Content == "" {
		return Result{}, fmt.Errorf("no visible content")
	}

	provenance := p.classifier.Classify(entry.Sender, entry.Content)
	return p.process(ctx, sess, []transcript.Entry{entry}, sess.LastOffset+1, provenance)
}

// process resolves one batch and commits it. The whole section runs inside
// the broadcaster's publish lock so a viewer connecting mid-batch sees the
// batch's mutations either in its snapshot or as deltas, never both. Entity
// upserts outside the cursor transaction are idempotent, which keeps the
// accepted at-least-once replay after a mid-batch crash safe.
func (p *Pipeline) process(ctx context.Context, sess *store.Session, entries []transcript.Entry, total int, provenance transcript.Provenance) (Result, error) {
	p.batchMu.Lock()
	defer p.batchMu.Unlock()

	var result Result
	err := p.broadcaster.Publish(func() ([]delta.Event, error) {
		agg := delta.New()

		if sess.Provenance == string(transcript.ProvenanceUnknown) && provenance != transcript.ProvenanceUnknown {
			if err := p.store.UpdateProvenance(sess.ID, string(provenance)); err != nil {
				return nil, err
			}
		}

		turns := make([]store.Turn, 0, len(entries))
		texts := make([]string, 0, len(entries))
		speakers := make(map[int64]bool)

		for _, entry := range entries {
			turn := store.Turn{
				Role:             entry.Role,
				Content:          entry.Content,
				ExternalSenderID: entry.Sender.ExternalID,
				CreatedAt:        entry.Timestamp,
			}

			if entry.Role == transcript.RoleHuman && entry.Sender.Name != "" {
				personID, err := p.resolveMention(agg, &result, resolve.PersonSignal{
					Name:       entry.Sender.Name,
					ExternalID: entry.Sender.ExternalID,
					Timestamp:  entry.Timestamp,
				})
				if err != nil {
					logging.Warn("ingest", "speaker resolution failed, storing turn unresolved: %v", err)
				} else {
					turn.PersonID = &personID
					speakers[personID] = true
					if personID != store.OwnerID {
						if err := p.recordRelationship(agg, &result, store.OwnerID, personID, RelTalkedTo, entry.Timestamp); err != nil {
							return nil, err
						}
					}
				}
			}

			turns = append(turns, turn)
			texts = append(texts, entry.Content)
			result.Processed++
		}

		if err := p.applyCandidates(ctx, agg, &result, texts, speakers); err != nil {
			return nil, err
		}

		if err := p.store.AdvanceCursor(sess.ID, total, turns); err != nil {
			return nil, err
		}

		return agg.Events(), nil
	})
	if err != nil {
		return Result{}, err
	}

	logging.Info("ingest", "session %s: %d turns, +%d persons +%d topics +%d relationships",
		sess.SessionKey, result.Processed, result.NewPersons, result.NewTopics, result.NewRelationships)
	return result, nil
}

// applyCandidates runs the classifier adapter over the batch texts and
// writes whatever validated candidates come back. Adapter failure means
// zero candidates; the direct-metadata results already collected stand.
func (p *Pipeline) applyCandidates(ctx context.Context, agg *delta.Aggregator, result *Result, texts []string, speakers map[int64]bool) error {
	if p.adapter == nil || len(texts) == 0 {
		return nil
	}

	candidates := p.adapter.Extract(ctx, texts)
	if candidates.Empty() {
		return nil
	}

	personIDs := make(map[string]int64)
	for _, raw := range candidates.Persons {
		name, externalID := transcript.SplitNameID(raw)
		signal := resolve.PersonSignal{Name: name, ExternalID: externalID, Timestamp: time.Now()}
		if name != raw {
			signal.Alias = raw
		}
		id, err := p.resolveMention(agg, result, signal)
		if err != nil {
			logging.Debug("ingest", "candidate person %q dropped: %v", raw, err)
			continue
		}
		personIDs[strings.ToLower(name)] = id
	}

	// Topics attach to the batch's resolved speakers; a speakerless batch
	// attributes them to the owner.
	topicOwners := make([]int64, 0, len(speakers))
	for id := range speakers {
		topicOwners = append(topicOwners, id)
	}
	if len(topicOwners) == 0 {
		topicOwners = append(topicOwners, store.OwnerID)
	}

	for _, name := range candidates.Topics {
		res, err := p.resolver.ResolveTopic(name)
		if err != nil {
			logging.Debug("ingest", "candidate topic %q dropped: %v", name, err)
			continue
		}
		topic, err := p.store.GetTopic(res.ID)
		if err != nil || topic == nil {
			return fmt.Errorf("topic %d vanished after resolve: %w", res.ID, err)
		}
		agg.TouchTopic(*topic, res.IsNew)
		if res.IsNew {
			result.NewTopics++
		}

		for _, personID := range topicOwners {
			pair, isNew, err := p.store.RecordPersonTopic(personID, res.ID)
			if err != nil {
				return err
			}
			agg.TouchPersonTopic(pair, isNew)
		}
	}

	for _, rel := range candidates.Relationships {
		fromID, okFrom := personIDs[strings.ToLower(rel.From)]
		toID, okTo := personIDs[strings.ToLower(rel.To)]
		if !okFrom || !okTo {
			// Only triples whose endpoints were themselves extracted count;
			// the adapter is non-authoritative and gets no implicit creates
			continue
		}
		if fromID == toID {
			logging.Debug("ingest", "self relationship %q dropped", rel.From)
			continue
		}
		if err := p.recordRelationship(agg, result, fromID, toID, rel.Type, time.Now()); err != nil {
			return err
		}
	}

	return nil
}

func (p *Pipeline) resolveMention(agg *delta.Aggregator, result *Result, signal resolve.PersonSignal) (int64, error) {
	res, err := p.resolver.ResolvePerson(signal)
	if err != nil {
		return 0, err
	}
	person, err := p.store.GetPerson(res.ID)
	if err != nil || person == nil {
		return 0, fmt.Errorf("person %d vanished after resolve: %w", res.ID, err)
	}
	agg.TouchPerson(*person, res.IsNew)
	if res.IsNew {
		result.NewPersons++
	}
	return res.ID, nil
}

func (p *Pipeline) recordRelationship(agg *delta.Aggregator, result *Result, from, to int64, relType string, ts time.Time) error {
	rel, isNew, err := p.resolver.RecordRelationship(from, to, relType, ts)
	if err != nil {
		return err
	}
	agg.TouchRelationship(rel, isNew)
	if isNew {
		result.NewRelationships++
	}
	return nil
}
