// Package events defines the typed event contracts for the entire rookery
// system. Every event flowing through the push bus or WebSocket MUST use
// one of these types. No ad-hoc map[string]interface{} events.
package events

import (
	"time"
	"unicode/utf8"
)

// --- Event Envelope ---

// Event is the universal envelope for all system events.
type Event struct {
	// Type identifies the event (e.g., "hub.message", "session.idle")
	Type string `json:"type"`

	// Source identifies who emitted the event (component or bot name)
	Source string `json:"source"`

	// SessionID scopes session-bound events; empty for global events
	SessionID string `json:"session_id,omitempty"`

	// Timestamp is when the event was emitted
	Timestamp time.Time `json:"timestamp"`

	// Data is the typed payload
	Data interface{} `json:"data"`
}

// New creates a timestamped event.
func New(eventType, source string, data interface{}) Event {
	return Event{
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// NewSession creates a timestamped event scoped to one bot session.
func NewSession(eventType, source, sessionID string, data interface{}) Event {
	ev := New(eventType, source, data)
	ev.SessionID = sessionID
	return ev
}

// --- Event Type Constants ---

const (
	// Session lifecycle events
	SessionCreated = "session.created"
	SessionDeleted = "session.deleted"
	SessionRenamed = "session.renamed"
	SessionBusy    = "session.busy"
	SessionIdle    = "session.idle"
	SessionError   = "session.error"

	// Subprocess stream events, one turn's worth per delivery
	StreamStart      = "stream.start"
	StreamDelta      = "stream.delta"
	StreamToolUse    = "stream.tool_use"
	StreamToolResult = "stream.tool_result"
	StreamComplete   = "stream.complete"
	StreamResult     = "stream.result"

	// Hub board events
	HubMessage   = "hub.message"
	HubTaskDone  = "hub.task_done"
	HubTaskAcked = "hub.task_acked"

	// Routing events
	RouteMention  = "route.mention"
	RoutePeerTask = "route.peer_task"
	RouteQueued   = "route.queued"
	RouteDropped  = "route.dropped"

	// Scheduler events
	PollDispatched = "poll.dispatched"
	PollNudge      = "poll.nudge"
	PollHeartbeat  = "poll.heartbeat_warning"
	PollDigest     = "poll.digest"

	// Summarization events
	SummaryStarted  = "summary.started"
	SummaryComplete = "summary.complete"
	SummaryFailed   = "summary.failed"

	// System events
	SystemStarted  = "system.started"
	SystemStopping = "system.stopping"
	SystemResumed  = "system.resumed"
)

// --- Typed Payloads ---

// SessionEventData is the payload for session lifecycle events.
type SessionEventData struct {
	SessionID string `json:"session_id"`
	Name      string `json:"name,omitempty"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

// StreamEventData is the payload for subprocess stream events.
type StreamEventData struct {
	Text     string  `json:"text,omitempty"`
	ToolName string  `json:"tool_name,omitempty"`
	ToolID   string  `json:"tool_id,omitempty"`
	Model    string  `json:"model,omitempty"`
	Success  bool    `json:"success,omitempty"`
	CostUSD  float64 `json:"cost_usd,omitempty"`
	Duration int64   `json:"duration_ms,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// HubEventData is the payload for hub board events.
type HubEventData struct {
	MessageID string    `json:"message_id"`
	From      string    `json:"from"`
	Preview   string    `json:"preview"` // truncated content
	Timestamp time.Time `json:"timestamp"`
}

// RouteEventData is the payload for routing events.
type RouteEventData struct {
	Target     string `json:"target"`
	Source     string `json:"source,omitempty"`
	ChainDepth int    `json:"chain_depth"`
	Reason     string `json:"reason,omitempty"` // for drops: cooldown, depth, overflow, self
}

// PollEventData is the payload for scheduler events.
type PollEventData struct {
	SessionID string `json:"session_id,omitempty"`
	BotName   string `json:"bot_name,omitempty"`
	Fresh     int    `json:"fresh_messages,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// SystemEventData is the payload for system events.
type SystemEventData struct {
	UptimeSeconds  int64  `json:"uptime_seconds,omitempty"`
	ActiveSessions int    `json:"active_sessions,omitempty"`
	BusySessions   int    `json:"busy_sessions,omitempty"`
	Message        string `json:"message,omitempty"`
}

// TruncatePreview shortens message text for event payloads. The cut
// lands on a rune boundary so the preview stays valid UTF-8.
func TruncatePreview(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
