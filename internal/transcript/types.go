package transcript

import "time"

// Provenance classifies where a session's messages came from.
type Provenance string

const (
	ProvenanceWearable Provenance = "wearable"
	ProvenanceChatBot  Provenance = "chat_bot"
	ProvenanceConsole  Provenance = "operator_console"
	ProvenanceUnknown  Provenance = "unknown"
)

// Roles surfaced by the cursor. Session headers and tool-call records are
// counted toward the resume offset but never returned.
const (
	RoleHuman     = "human"
	RoleAssistant = "assistant"
)

// Sender is the metadata embedded in a machine-written preamble of a human
// turn. All fields are best-effort; an empty Sender means no preamble.
type Sender struct {
	Name       string
	ExternalID string
	Channel    string
	Console    bool
}

// Entry is one surfaced message from a session log.
type Entry struct {
	Index     int // zero-based line index in the log, for cursor math
	Role      string
	Content   string
	Timestamp time.Time
	Sender    Sender
}
