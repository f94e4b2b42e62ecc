package transcript

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// metaPrefix marks the machine-written sender preamble on a human turn:
//
//	[meta] name=Jeff; id=8046831879; channel=telegram
//	<visible message>
const metaPrefix = "[meta]"

var numericIDPattern = regexp.MustCompile(`^\d{6,}$`)

// nameIDPattern matches mention strings that carry an inline external ID,
// e.g. "Jeff id:8046831879".
var nameIDPattern = regexp.MustCompile(`^(.*?)\s+id:(\d+)\s*$`)

// Rules configures the capture-device heuristics of the classifier. Loaded
// from an optional YAML file; zero value falls back to built-in defaults.
type Rules struct {
	WearableKeywords []string `yaml:"wearable_keywords"`
	ConsoleNames     []string `yaml:"console_names"`
}

// DefaultRules returns the built-in classification rules.
func DefaultRules() Rules {
	return Rules{
		WearableKeywords: []string{
			"transcript segment", "speaker 0", "speaker 1", "speaker 2",
			"audio capture", "[recording]",
		},
		ConsoleNames: []string{"operator", "console", "admin"},
	}
}

// LoadRules reads classification rules from a YAML file. A missing path
// returns the defaults; a malformed file is an error.
func LoadRules(path string) (Rules, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultRules(), nil
	}
	if err != nil {
		return Rules{}, fmt.Errorf("failed to read rules file: %w", err)
	}

	rules := DefaultRules()
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return Rules{}, fmt.Errorf("failed to parse rules file: %w", err)
	}
	return rules, nil
}

// Classifier extracts sender metadata from raw human turns and classifies
// session provenance. Classification is a hint, not authoritative.
type Classifier struct {
	rules Rules
}

// NewClassifier creates a classifier with the given rules.
func NewClassifier(rules Rules) *Classifier {
	if len(rules.WearableKeywords) == 0 && len(rules.ConsoleNames) == 0 {
		rules = DefaultRules()
	}
	return &Classifier{rules: rules}
}

// ExtractSender splits an embedded metadata preamble from the visible
// message. Text without a preamble passes through unchanged with an empty
// Sender.
func (c *Classifier) ExtractSender(text string) (Sender, string) {
	if !strings.HasPrefix(text, metaPrefix) {
		return Sender{}, text
	}

	metaLine := text[len(metaPrefix):]
	visible := ""
	if nl := strings.IndexByte(metaLine, '\n'); nl >= 0 {
		visible = strings.TrimPrefix(metaLine[nl+1:], "\n")
		metaLine = metaLine[:nl]
	}

	var sender Sender
	for _, field := range strings.Split(metaLine, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(field), "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "name":
			sender.Name = value
		case "id":
			sender.ExternalID = value
		case "channel":
			sender.Channel = value
		case "console":
			sender.Console = value == "true" || value == "1"
		}
	}

	// A name like "Jeff id:8046831879" carries the external ID inline
	if sender.ExternalID == "" {
		if name, id := SplitNameID(sender.Name); id != "" {
			sender.Name = name
			sender.ExternalID = id
		}
	}

	return sender, visible
}

// Classify decides provenance from a sender and the visible content, in
// fixed priority order: explicit channel tag, operator-console identifier,
// capture-device content keywords, numeric external-ID pattern, unknown.
func (c *Classifier) Classify(sender Sender, content string) Provenance {
	if sender.Channel != "" {
		return ProvenanceChatBot
	}

	if sender.Console {
		return ProvenanceConsole
	}
	lowerName := strings.ToLower(sender.Name)
	for _, console := range c.rules.ConsoleNames {
		if lowerName == console {
			return ProvenanceConsole
		}
	}

	lowerContent := strings.ToLower(content)
	for _, kw := range c.rules.WearableKeywords {
		if strings.Contains(lowerContent, kw) {
			return ProvenanceWearable
		}
	}

	if numericIDPattern.MatchString(sender.ExternalID) {
		return ProvenanceChatBot
	}

	return ProvenanceUnknown
}

// SplitNameID splits a mention like "Jeff id:8046831879" into its display
// name and external ID. Mentions without an id: suffix return unchanged with
// an empty ID.
func SplitNameID(raw string) (name, externalID string) {
	m := nameIDPattern.FindStringSubmatch(raw)
	if m == nil {
		return strings.TrimSpace(raw), ""
	}
	return strings.TrimSpace(m[1]), m[2]
}
