// Package claude manages claude CLI subprocesses: one per bot session,
// spawned per delivery, speaking newline-delimited stream-json on stdout.
package claude

import "encoding/json"

// EventType discriminates ParsedEvent. The union is closed: raw CLI
// records that map to none of these are dropped by the translator.
type EventType string

const (
	EventInit              EventType = "init"
	EventDelta             EventType = "delta"
	EventToolUseStart      EventType = "tool_use_start"
	EventToolResult        EventType = "tool_result"
	EventAssistantComplete EventType = "assistant_complete"
	EventResult            EventType = "result"
	EventError             EventType = "error"
)

// ParsedEvent is one normalized event from the subprocess stream. Only
// the fields for the given Type are populated.
type ParsedEvent struct {
	Type EventType

	// init
	Model string
	Tools []string
	CWD   string

	// delta
	Text string

	// tool_use_start
	ToolID    string
	ToolName  string
	ToolInput json.RawMessage

	// tool_result
	ToolUseID string
	Content   string

	// assistant_complete
	Blocks []ContentBlock

	// result
	Success    bool
	CostUSD    float64
	DurationMs int64

	// result / error
	ErrorMsg string
}

// ContentBlock is one block of a completed assistant message.
type ContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}
