package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dwalters/threadkeeper/internal/logging"
)

// rawEntry is the untrusted shape of one session-log line. Content may be a
// plain string or a list of content blocks; everything is optional.
type rawEntry struct {
	Type    string          `json:"type"`
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	TS      string          `json:"ts"`
	Sender  *rawSender      `json:"sender"`
}

type rawSender struct {
	Name    string `json:"name"`
	ID      string `json:"id"`
	Channel string `json:"channel"`
	Console bool   `json:"console"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Reader is the resumable transcript cursor. It splits a session log into
// entries, surfaces human/assistant messages past a resume offset, and
// classifies provenance from the first resolvable sender.
type Reader struct {
	classifier *Classifier
}

// NewReader creates a transcript reader using the given sender classifier.
func NewReader(classifier *Classifier) *Reader {
	return &Reader{classifier: classifier}
}

// ReadSession reads a session log and returns the surfaced entries at or
// after fromOffset, the total entry count (the new resume point), and a
// best-effort provenance classification.
//
// Every line counts toward the offset, including headers, tool-call records
// and malformed lines, so resuming stays line-accurate. Only human and
// assistant messages with extractable text are surfaced. A malformed line
// is skipped; an unreadable file is a hard error.
func (r *Reader) ReadSession(path string, fromOffset int) ([]Entry, int, Provenance, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, ProvenanceUnknown, fmt.Errorf("failed to open session log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	provenance := ProvenanceUnknown
	total := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		index := total
		total++

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var raw rawEntry
		if err := json.Unmarshal(line, &raw); err != nil {
			logging.Debug("transcript", "skipping malformed line %d in %s: %v", index, path, err)
			continue
		}

		if raw.Type != "message" || (raw.Role != RoleHuman && raw.Role != RoleAssistant) {
			continue
		}

		text := extractText(raw.Content)
		if text == "" {
			continue
		}

		entry := Entry{
			Index:   index,
			Role:    raw.Role,
			Content: text,
		}
		if raw.TS != "" {
			if ts, err := time.Parse(time.RFC3339, raw.TS); err == nil {
				entry.Timestamp = ts
			}
		}
		if raw.Sender != nil {
			entry.Sender = Sender{
				Name:       raw.Sender.Name,
				ExternalID: raw.Sender.ID,
				Channel:    raw.Sender.Channel,
				Console:    raw.Sender.Console,
			}
		}

		// Human turns may carry an embedded sender preamble instead
		if entry.Role == RoleHuman && entry.Sender == (Sender{}) {
			sender, visible := r.classifier.ExtractSender(entry.Content)
			if sender != (Sender{}) {
				entry.Sender = sender
				entry.Content = visible
			}
		}

		if provenance == ProvenanceUnknown {
			if p := r.classifier.Classify(entry.Sender, entry.Content); p != ProvenanceUnknown {
				provenance = p
			}
		}

		if entry.Content == "" {
			continue
		}
		if index >= fromOffset {
			entries = append(entries, entry)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, ProvenanceUnknown, fmt.Errorf("failed to read session log: %w", err)
	}

	return entries, total, provenance, nil
}

// extractText pulls plain text out of an untrusted content value: either a
// JSON string or a list of {type:"text",text:...} blocks.
func extractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	text := ""
	for _, b := range blocks {
		if b.Type != "text" || b.Text == "" {
			continue
		}
		if text != "" {
			text += "\n"
		}
		text += b.Text
	}
	return text
}
