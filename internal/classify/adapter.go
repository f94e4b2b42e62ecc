// Package classify is the external-boundary adapter around the
// entity-extraction model. The model's output is untrusted, schema-less
// text: everything is validated into a tagged candidate structure with
// every field optional and defensively defaulted. The adapter is a soft
// dependency — any failure degrades to zero candidates so the ingestion
// pipeline can still commit what it learned from direct metadata.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dwalters/threadkeeper/internal/logging"
)

const (
	maxPromptText    = 4000
	maxCandidates    = 50
	maxCandidateName = 80
)

// Generator is the interface for LLM text generation.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Candidate relationship triple between two person names.
type CandidateRelationship struct {
	From string
	To   string
	Type string
}

// Candidates is the validated output of one extraction call. All slices may
// be empty; an adapter failure returns the zero value.
type Candidates struct {
	Persons       []string
	Topics        []string
	Relationships []CandidateRelationship
}

// Empty reports whether the extraction produced nothing.
func (c Candidates) Empty() bool {
	return len(c.Persons) == 0 && len(c.Topics) == 0 && len(c.Relationships) == 0
}

const extractionPrompt = `Extract people, topics and relationships from this conversation excerpt.

RULES:
- persons: names of individual people mentioned (not pronouns like "he", "I", "my")
- topics: concrete subjects discussed (hobbies, projects, places, events). Short noun phrases.
- relationships: connections between two named people. Types: talked_to, knows, works_with, family_of
- Be conservative. Only include what you are confident about.

CONVERSATION:
%s

Return ONLY a JSON object:
{"persons":["..."],"topics":["..."],"relationships":[{"from":"...","to":"...","type":"knows"}]}

EXAMPLE for "Jeff said his sister Maya started climbing again":
{"persons":["Jeff","Maya"],"topics":["climbing"],"relationships":[{"from":"Jeff","to":"Maya","type":"family_of"}]}

JSON:`

// Adapter invokes the extraction model over a batch of message texts.
type Adapter struct {
	generator Generator
	fallback  *ProseFallback
	timeout   time.Duration
}

// NewAdapter creates an adapter. generator may be nil, in which case only
// the prose fallback runs. fallback may be nil to disable it.
func NewAdapter(generator Generator, fallback *ProseFallback, timeout time.Duration) *Adapter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Adapter{generator: generator, fallback: fallback, timeout: timeout}
}

// Extract returns candidate entities for a batch of message texts. It never
// fails the batch: generator errors, timeouts and malformed output all
// degrade to whatever the fallback extractor finds (or nothing).
func (a *Adapter) Extract(ctx context.Context, texts []string) Candidates {
	if len(texts) == 0 {
		return Candidates{}
	}

	joined := strings.Join(texts, "\n")
	if len(joined) > maxPromptText {
		joined = joined[:maxPromptText] + "..."
	}

	if a.generator != nil {
		ctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()

		response, err := a.generator.Generate(ctx, fmt.Sprintf(extractionPrompt, joined))
		if err != nil {
			logging.Warn("classify", "generator failed, degrading to fallback: %v", err)
		} else {
			candidates := parseCandidateJSON(response)
			if !candidates.Empty() {
				return candidates
			}
			logging.Debug("classify", "generator returned no usable candidates")
		}
	}

	if a.fallback != nil {
		return a.fallback.Extract(joined)
	}
	return Candidates{}
}

// parseCandidateJSON validates untrusted model output. It scans for the
// outermost JSON object, decodes with every field optional, and filters
// noise and oversized values. Garbage in, empty candidates out.
func parseCandidateJSON(response string) Candidates {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start < 0 || end <= start {
		return Candidates{}
	}

	var raw struct {
		Persons       []json.RawMessage `json:"persons"`
		Topics        []json.RawMessage `json:"topics"`
		Relationships []struct {
			From string `json:"from"`
			To   string `json:"to"`
			Type string `json:"type"`
		} `json:"relationships"`
	}
	if err := json.Unmarshal([]byte(response[start:end+1]), &raw); err != nil {
		logging.Debug("classify", "unparseable extraction output: %v", err)
		return Candidates{}
	}

	var out Candidates
	for _, msg := range raw.Persons {
		if name := cleanCandidateName(decodeNameValue(msg)); name != "" {
			out.Persons = append(out.Persons, name)
		}
		if len(out.Persons) >= maxCandidates {
			break
		}
	}
	for _, msg := range raw.Topics {
		if name := cleanCandidateName(decodeNameValue(msg)); name != "" {
			out.Topics = append(out.Topics, name)
		}
		if len(out.Topics) >= maxCandidates {
			break
		}
	}
	for _, rel := range raw.Relationships {
		from := cleanCandidateName(rel.From)
		to := cleanCandidateName(rel.To)
		if from == "" || to == "" || strings.EqualFold(from, to) {
			continue
		}
		relType := strings.ToLower(strings.TrimSpace(rel.Type))
		if relType == "" {
			relType = "knows"
		}
		out.Relationships = append(out.Relationships, CandidateRelationship{
			From: from, To: to, Type: relType,
		})
		if len(out.Relationships) >= maxCandidates {
			break
		}
	}
	return out
}

// decodeNameValue accepts both "Jeff" and {"name":"Jeff"} item shapes.
func decodeNameValue(msg json.RawMessage) string {
	var s string
	if err := json.Unmarshal(msg, &s); err == nil {
		return s
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(msg, &obj); err == nil {
		return obj.Name
	}
	return ""
}

// noiseNames are pronouns, system artifacts and conversational fragments
// the model keeps misreporting as entities.
var noiseNames = map[string]bool{
	"i": true, "me": true, "my": true, "you": true, "your": true,
	"he": true, "him": true, "his": true, "she": true, "her": true,
	"it": true, "its": true, "they": true, "them": true, "their": true,
	"we": true, "us": true, "our": true,
	"this": true, "that": true, "these": true, "those": true,
	"speaker": true, "user": true, "owner": true, "assistant": true,
	"someone": true, "somebody": true, "everyone": true,
	"ok": true, "okay": true, "yes": true, "no": true,
	"unknown": true, "n/a": true, "none": true,
}

func cleanCandidateName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxCandidateName {
		return ""
	}
	if noiseNames[strings.ToLower(name)] {
		return ""
	}
	return name
}
