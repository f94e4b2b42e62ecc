package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dwalters/threadkeeper/internal/classify"
	"github.com/dwalters/threadkeeper/internal/delta"
	"github.com/dwalters/threadkeeper/internal/store"
	"github.com/dwalters/threadkeeper/internal/transcript"
)

// recordingBroadcaster captures published events for assertions.
type recordingBroadcaster struct {
	batches [][]delta.Event
}

func (r *recordingBroadcaster) Publish(fn func() ([]delta.Event, error)) error {
	events, err := fn()
	if err != nil {
		return err
	}
	if len(events) > 0 {
		r.batches = append(r.batches, events)
	}
	return nil
}

type stubGenerator struct {
	response string
	err      error
}

func (s *stubGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	return s.response, s.err
}

func setupPipeline(t *testing.T, adapter *classify.Adapter) (*Pipeline, *store.Store, *recordingBroadcaster, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "ingest-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	s, err := store.Open(tmpDir, "Jeff")
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to open store: %v", err)
	}

	broadcaster := &recordingBroadcaster{}
	p := New(s, transcript.NewClassifier(transcript.DefaultRules()), adapter, broadcaster)

	cleanup := func() {
		s.Close()
		os.RemoveAll(tmpDir)
	}
	return p, s, broadcaster, cleanup
}

func writeLog(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		t.Fatalf("Failed to write log: %v", err)
	}
	return path
}

func appendLog(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("Failed to open log for append: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(strings.Join(lines, "\n") + "\n"); err != nil {
		t.Fatalf("Failed to append to log: %v", err)
	}
}

func TestIngestFileResolvesSpeakers(t *testing.T) {
	p, s, _, cleanup := setupPipeline(t, nil)
	defer cleanup()

	path := writeLog(t, t.TempDir(), "chat.jsonl",
		`{"type":"session","session_id":"chat-1"}`,
		`{"type":"message","role":"human","content":"[meta] name=Dana; id=555123456; channel=telegram\nhey, long time"}`,
		`{"type":"message","role":"assistant","content":"Welcome back!"}`,
	)

	result, err := p.IngestFile(context.Background(), "chat-1", path, "")
	if err != nil {
		t.Fatalf("IngestFile failed: %v", err)
	}
	if result.Processed != 2 {
		t.Errorf("Processed = %d, want 2", result.Processed)
	}
	if result.NewPersons != 1 {
		t.Errorf("NewPersons = %d, want 1", result.NewPersons)
	}
	if result.NewRelationships != 1 {
		t.Errorf("NewRelationships = %d, want 1 (owner talked_to Dana)", result.NewRelationships)
	}

	dana, err := s.FindPersonByExternalID("555123456")
	if err != nil || dana == nil {
		t.Fatalf("Dana not resolved by external ID: %v", err)
	}
	if dana.Name != "Dana" {
		t.Errorf("Name = %q, want Dana", dana.Name)
	}

	sess, err := s.GetSessionByKey("chat-1")
	if err != nil || sess == nil {
		t.Fatalf("Session missing: %v", err)
	}
	if sess.LastOffset != 3 {
		t.Errorf("LastOffset = %d, want 3 (header counts)", sess.LastOffset)
	}
	if sess.Provenance != string(transcript.ProvenanceChatBot) {
		t.Errorf("Provenance = %q, want %q", sess.Provenance, transcript.ProvenanceChatBot)
	}
}

func TestIngestFileIdempotent(t *testing.T) {
	p, s, broadcaster, cleanup := setupPipeline(t, nil)
	defer cleanup()

	path := writeLog(t, t.TempDir(), "chat.jsonl",
		`{"type":"message","role":"human","content":"[meta] name=Dana; id=555123456\nhello"}`,
	)

	if _, err := p.IngestFile(context.Background(), "chat-1", path, ""); err != nil {
		t.Fatalf("First ingest failed: %v", err)
	}
	firstBatches := len(broadcaster.batches)

	second, err := p.IngestFile(context.Background(), "chat-1", path, "")
	if err != nil {
		t.Fatalf("Second ingest failed: %v", err)
	}
	if second.Processed != 0 || second.NewPersons != 0 {
		t.Errorf("Second run = %+v, want all zero", second)
	}
	if len(broadcaster.batches) != firstBatches {
		t.Errorf("Second run published %d extra batches, want 0", len(broadcaster.batches)-firstBatches)
	}

	dana, _ := s.FindPersonByExternalID("555123456")
	if dana.InteractionCount != 1 {
		t.Errorf("InteractionCount = %d, want 1 (no double counting)", dana.InteractionCount)
	}
	if n, _ := s.CountTurns(); n != 1 {
		t.Errorf("Turns = %d, want 1", n)
	}
}

func TestIngestFileResumable(t *testing.T) {
	adapter := classify.NewAdapter(&stubGenerator{err: errors.New("model down")}, nil, time.Second)

	// One pipeline ingests the file in two passes, another in a single pass;
	// the resulting graphs must match.
	split, splitStore, _, cleanupSplit := setupPipeline(t, adapter)
	defer cleanupSplit()
	whole, wholeStore, _, cleanupWhole := setupPipeline(t, adapter)
	defer cleanupWhole()

	dir := t.TempDir()
	first := []string{
		`{"type":"message","role":"human","content":"[meta] name=Dana; id=555123456\nhello"}`,
		`{"type":"message","role":"assistant","content":"hi Dana"}`,
	}
	later := []string{
		`{"type":"message","role":"human","content":"[meta] name=Marco; id=777000111\nDana introduced us"}`,
	}

	path := writeLog(t, dir, "chat.jsonl", first...)
	if _, err := split.IngestFile(context.Background(), "chat-1", path, ""); err != nil {
		t.Fatalf("First pass failed: %v", err)
	}
	appendLog(t, path, later...)
	if _, err := split.IngestFile(context.Background(), "chat-1", path, ""); err != nil {
		t.Fatalf("Second pass failed: %v", err)
	}

	wholePath := writeLog(t, dir, "whole.jsonl", append(append([]string{}, first...), later...)...)
	if _, err := whole.IngestFile(context.Background(), "chat-1", wholePath, ""); err != nil {
		t.Fatalf("One-pass ingest failed: %v", err)
	}

	splitStats, err := splitStore.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	wholeStats, err := wholeStore.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if splitStats.Persons != wholeStats.Persons || splitStats.Relationships != wholeStats.Relationships {
		t.Errorf("Split (%d persons, %d rels) != whole (%d persons, %d rels)",
			splitStats.Persons, splitStats.Relationships, wholeStats.Persons, wholeStats.Relationships)
	}
	splitTurns, _ := splitStore.CountTurns()
	wholeTurns, _ := wholeStore.CountTurns()
	if splitTurns != wholeTurns {
		t.Errorf("Split turns = %d, whole turns = %d", splitTurns, wholeTurns)
	}
}

func TestIngestFileDeltaCompleteness(t *testing.T) {
	response := `{"persons": ["Dana", "Marco"], "topics": ["rock climbing"], "relationships": [{"from": "Dana", "to": "Marco", "type": "friend"}]}`
	adapter := classify.NewAdapter(&stubGenerator{response: response}, nil, time.Second)

	p, _, broadcaster, cleanup := setupPipeline(t, adapter)
	defer cleanup()

	path := writeLog(t, t.TempDir(), "chat.jsonl",
		`{"type":"message","role":"human","content":"[meta] name=Dana; id=555123456\nMarco and I went rock climbing"}`,
	)

	if _, err := p.IngestFile(context.Background(), "chat-1", path, ""); err != nil {
		t.Fatalf("IngestFile failed: %v", err)
	}
	if len(broadcaster.batches) != 1 {
		t.Fatalf("Published %d batches, want 1", len(broadcaster.batches))
	}

	added := map[string]int{}
	for _, ev := range broadcaster.batches[0] {
		added[ev.Type]++
	}
	// Dana and Marco as new nodes, rock climbing as a new topic node,
	// owner-talked_to-Dana and Dana-friend-Marco and Dana-discussed-topic links.
	if added[delta.EventNodeAdded] != 3 {
		t.Errorf("Node added events = %d, want 3", added[delta.EventNodeAdded])
	}
	if added[delta.EventLinkAdded] != 3 {
		t.Errorf("Link added events = %d, want 3", added[delta.EventLinkAdded])
	}
	if added[delta.EventNodeUpdated] != 0 {
		t.Errorf("Node updated events = %d, want 0 on first sight", added[delta.EventNodeUpdated])
	}
}

func TestIngestFileAdapterFailureStillCommits(t *testing.T) {
	adapter := classify.NewAdapter(&stubGenerator{err: errors.New("connection refused")}, nil, time.Second)
	p, s, _, cleanup := setupPipeline(t, adapter)
	defer cleanup()

	path := writeLog(t, t.TempDir(), "chat.jsonl",
		`{"type":"message","role":"human","content":"[meta] name=Dana; id=555123456\nhello"}`,
	)

	result, err := p.IngestFile(context.Background(), "chat-1", path, "")
	if err != nil {
		t.Fatalf("IngestFile failed: %v", err)
	}
	if result.NewPersons != 1 {
		t.Errorf("NewPersons = %d, want 1 from direct metadata despite adapter failure", result.NewPersons)
	}

	sess, _ := s.GetSessionByKey("chat-1")
	if sess.LastOffset != 1 {
		t.Errorf("LastOffset = %d, want 1 (cursor advanced)", sess.LastOffset)
	}
}

func TestIngestTurnLivePush(t *testing.T) {
	p, s, _, cleanup := setupPipeline(t, nil)
	defer cleanup()

	ctx := context.Background()
	if _, err := p.IngestTurn(ctx, "discord-123", transcript.RoleHuman, "[meta] name=Dana; id=555123456; channel=discord\nhey", ""); err != nil {
		t.Fatalf("IngestTurn failed: %v", err)
	}
	result, err := p.IngestTurn(ctx, "discord-123", transcript.RoleAssistant, "hello Dana", "")
	if err != nil {
		t.Fatalf("Assistant turn failed: %v", err)
	}
	if result.NewPersons != 0 {
		t.Errorf("NewPersons = %d, want 0 for assistant turn", result.NewPersons)
	}

	sess, _ := s.GetSessionByKey("discord-123")
	if sess.LastOffset != 2 {
		t.Errorf("LastOffset = %d, want 2", sess.LastOffset)
	}
	if n, _ := s.CountTurns(); n != 2 {
		t.Errorf("Turns = %d, want 2", n)
	}

	if _, err := p.IngestTurn(ctx, "discord-123", "tool", "x", ""); err == nil {
		t.Error("Expected error for unsupported role")
	}
	if _, err := p.IngestTurn(ctx, "discord-123", transcript.RoleHuman, "   ", ""); err == nil {
		t.Error("Expected error for empty content")
	}
}

func TestIngestFileMissing(t *testing.T) {
	p, s, _, cleanup := setupPipeline(t, nil)
	defer cleanup()

	_, err := p.IngestFile(context.Background(), "gone", filepath.Join(t.TempDir(), "gone.jsonl"), "")
	if err == nil {
		t.Fatal("Expected error for missing file")
	}

	sess, _ := s.GetSessionByKey("gone")
	if sess == nil {
		t.Fatal("Session row should exist even when the scan fails")
	}
	if sess.LastOffset != 0 {
		t.Errorf("LastOffset = %d, want 0 (cursor untouched on failure)", sess.LastOffset)
	}
}

func TestSweeperProcessesDirectory(t *testing.T) {
	p, s, _, cleanup := setupPipeline(t, nil)
	defer cleanup()

	dir := t.TempDir()
	writeLog(t, dir, "alpha.jsonl",
		`{"type":"message","role":"human","content":"[meta] name=Dana; id=555123456\nhello"}`,
	)
	writeLog(t, dir, "beta.jsonl",
		`not valid json but still a counted line`,
		`{"type":"message","role":"assistant","content":"ok"}`,
	)
	writeLog(t, dir, "ignored.txt", `{"type":"message","role":"human","content":"skip me"}`)

	sweeper := NewSweeper(p, dir, time.Minute, 0)
	processed, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if processed != 2 {
		t.Errorf("Processed = %d, want 2 (one turn per jsonl file)", processed)
	}

	for _, key := range []string{"alpha", "beta"} {
		sess, err := s.GetSessionByKey(key)
		if err != nil || sess == nil {
			t.Errorf("Session %q missing after sweep", key)
		}
	}
	if sess, _ := s.GetSessionByKey("ignored"); sess != nil {
		t.Error("Non-jsonl file should be skipped")
	}

	// A second sweep over unchanged files is a no-op.
	processed, err = sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Second sweep failed: %v", err)
	}
	if processed != 0 {
		t.Errorf("Second sweep processed = %d, want 0", processed)
	}
}

func TestSessionKeyForPath(t *testing.T) {
	if got := SessionKeyForPath("/data/transcripts/chat-42.jsonl"); got != "chat-42" {
		t.Errorf("SessionKeyForPath = %q, want chat-42", got)
	}
}
