package classify

import (
	"strings"

	"github.com/tsawler/prose/v3"
)

// ProseFallback extracts person-name candidates with the prose NLP tagger.
// Used when no generator is configured or the generator call fails; it only
// yields persons, never topics or relationships.
type ProseFallback struct{}

// NewProseFallback creates the fallback extractor.
func NewProseFallback() *ProseFallback {
	return &ProseFallback{}
}

// Extract runs prose NER over the text and returns PERSON candidates.
func (p *ProseFallback) Extract(text string) Candidates {
	doc, err := prose.NewDocument(text)
	if err != nil {
		return Candidates{}
	}

	var out Candidates
	seen := make(map[string]bool)
	for _, ent := range doc.Entities() {
		if !strings.EqualFold(ent.Label, "PERSON") {
			continue
		}
		name := cleanCandidateName(ent.Text)
		if name == "" || seen[strings.ToLower(name)] {
			continue
		}
		seen[strings.ToLower(name)] = true
		out.Persons = append(out.Persons, name)
		if len(out.Persons) >= maxCandidates {
			break
		}
	}
	return out
}
