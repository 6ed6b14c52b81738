package claude

import (
	"encoding/json"
	"fmt"
	"strings"
)

// rawRecord is the superset shape of one stream-json line from the CLI.
type rawRecord struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`

	// system/init
	Model string   `json:"model"`
	Tools []string `json:"tools"`
	CWD   string   `json:"cwd"`

	// assistant / user
	Message *rawMessage `json:"message"`

	// stream_event (partial messages)
	Event *rawStreamEvent `json:"event"`

	// result
	IsError      bool    `json:"is_error"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	DurationMs   int64   `json:"duration_ms"`
	Result       string  `json:"result"`
}

type rawMessage struct {
	Role    string            `json:"role"`
	Content []json.RawMessage `json:"content"`
}

type rawStreamEvent struct {
	Type         string        `json:"type"`
	Delta        *rawDelta     `json:"delta"`
	ContentBlock *ContentBlock `json:"content_block"`
}

type rawDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// rawContent is the decoded form of one message content block, covering
// text, tool_use and tool_result variants.
type rawContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
}

// Translate decodes one stream-json line into zero or more ParsedEvents.
// A line can yield several events (an assistant message with tool_use
// blocks emits a tool_use_start per block plus assistant_complete).
// Lines outside the known union translate to nil, nil and are dropped.
// The second return is the CLI-side session id when the line carries one.
func Translate(line []byte) ([]ParsedEvent, string, error) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return nil, "", nil
	}

	var rec rawRecord
	if err := json.Unmarshal([]byte(trimmed), &rec); err != nil {
		return nil, "", fmt.Errorf("decode stream line: %w", err)
	}

	switch rec.Type {
	case "system":
		if rec.Subtype != "init" {
			return nil, rec.SessionID, nil
		}
		return []ParsedEvent{{
			Type:  EventInit,
			Model: rec.Model,
			Tools: rec.Tools,
			CWD:   rec.CWD,
		}}, rec.SessionID, nil

	case "stream_event":
		return translateStreamEvent(rec.Event), rec.SessionID, nil

	case "assistant":
		return translateAssistant(rec.Message), rec.SessionID, nil

	case "user":
		return translateUser(rec.Message), rec.SessionID, nil

	case "result":
		ev := ParsedEvent{
			Type:       EventResult,
			Success:    !rec.IsError && rec.Subtype == "success",
			CostUSD:    rec.TotalCostUSD,
			DurationMs: rec.DurationMs,
		}
		if !ev.Success {
			ev.ErrorMsg = rec.Result
			if ev.ErrorMsg == "" {
				ev.ErrorMsg = rec.Subtype
			}
		}
		return []ParsedEvent{ev}, rec.SessionID, nil

	default:
		// Outside the closed union — drop.
		return nil, rec.SessionID, nil
	}
}

func translateStreamEvent(se *rawStreamEvent) []ParsedEvent {
	if se == nil {
		return nil
	}
	switch se.Type {
	case "content_block_delta":
		if se.Delta != nil && se.Delta.Type == "text_delta" && se.Delta.Text != "" {
			return []ParsedEvent{{Type: EventDelta, Text: se.Delta.Text}}
		}
	case "content_block_start":
		if cb := se.ContentBlock; cb != nil && cb.Type == "tool_use" {
			return []ParsedEvent{{
				Type:      EventToolUseStart,
				ToolID:    cb.ID,
				ToolName:  cb.Name,
				ToolInput: cb.Input,
			}}
		}
	}
	return nil
}

func translateAssistant(msg *rawMessage) []ParsedEvent {
	if msg == nil {
		return nil
	}
	var out []ParsedEvent
	blocks := make([]ContentBlock, 0, len(msg.Content))
	for _, raw := range msg.Content {
		var c rawContent
		if err := json.Unmarshal(raw, &c); err != nil {
			continue
		}
		switch c.Type {
		case "text":
			blocks = append(blocks, ContentBlock{Type: "text", Text: c.Text})
		case "tool_use":
			blocks = append(blocks, ContentBlock{Type: "tool_use", ID: c.ID, Name: c.Name, Input: c.Input})
			out = append(out, ParsedEvent{
				Type:      EventToolUseStart,
				ToolID:    c.ID,
				ToolName:  c.Name,
				ToolInput: c.Input,
			})
		}
	}
	out = append(out, ParsedEvent{Type: EventAssistantComplete, Blocks: blocks})
	return out
}

func translateUser(msg *rawMessage) []ParsedEvent {
	if msg == nil {
		return nil
	}
	var out []ParsedEvent
	for _, raw := range msg.Content {
		var c rawContent
		if err := json.Unmarshal(raw, &c); err != nil || c.Type != "tool_result" {
			continue
		}
		out = append(out, ParsedEvent{
			Type:      EventToolResult,
			ToolUseID: c.ToolUseID,
			Content:   flattenToolResult(c.Content),
		})
	}
	return out
}

// flattenToolResult renders tool_result content, which the CLI emits
// either as a plain string or as a list of text blocks.
func flattenToolResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []rawContent
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var b strings.Builder
		for _, blk := range blocks {
			if blk.Type == "text" {
				b.WriteString(blk.Text)
			}
		}
		return b.String()
	}
	return string(raw)
}
