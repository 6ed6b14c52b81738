// Package summarize compacts long session transcripts in the
// background: when a transcript crosses the threshold, an LLM writes a
// rolling summary, the transcript is trimmed to its tail, and the
// session's next subprocess turn starts a fresh conversation seeded
// with the summary.
package summarize

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/rookery-ai/rookery/pkg/bus"
	"github.com/rookery-ai/rookery/pkg/events"
	"github.com/rookery-ai/rookery/pkg/logger"
	"github.com/rookery-ai/rookery/pkg/store"
)

const summarySystemPrompt = `You compress agent work logs. Produce a compact summary of the conversation below: what was asked, what was done, current state, and any unfinished work or open questions. Keep concrete names, paths and ids. Plain text, no preamble.`

// Summarizer watches transcript length and compacts in the background.
// At most one summarization runs per session at a time.
type Summarizer struct {
	client    anthropic.Client
	model     string
	threshold int
	keepTail  int

	history *store.HistoryStore
	bus     *bus.Bus

	// onCompacted tells the caller the session's next turn must start a
	// fresh conversation.
	onCompacted func(sessionID string)

	inflight sync.Map // sessionID → struct{}
}

func New(model string, threshold, keepTail int, history *store.HistoryStore, b *bus.Bus, onCompacted func(string)) *Summarizer {
	return &Summarizer{
		client:      anthropic.NewClient(), // ANTHROPIC_API_KEY from env
		model:       model,
		threshold:   threshold,
		keepTail:    keepTail,
		history:     history,
		bus:         b,
		onCompacted: onCompacted,
	}
}

// MaybeCompact kicks off a background summarization if the session's
// transcript has crossed the threshold and none is already running.
func (s *Summarizer) MaybeCompact(ctx context.Context, sessionID string) {
	count, err := s.history.Count(sessionID)
	if err != nil || count <= s.threshold {
		return
	}
	if _, loaded := s.inflight.LoadOrStore(sessionID, struct{}{}); loaded {
		return
	}

	go func() {
		defer s.inflight.Delete(sessionID)
		if err := s.compact(ctx, sessionID); err != nil {
			logger.WarnCF("summarize", "compaction failed", map[string]interface{}{
				"session": sessionID, "error": err.Error(),
			})
			s.publish(events.NewSession(events.SummaryFailed, "summarize", sessionID, events.SessionEventData{
				SessionID: sessionID, Error: err.Error(),
			}))
		}
	}()
}

func (s *Summarizer) compact(ctx context.Context, sessionID string) error {
	s.publish(events.NewSession(events.SummaryStarted, "summarize", sessionID, nil))

	msgs, err := s.history.Recent(sessionID, s.threshold*2)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	var b strings.Builder
	if prior, ok := s.history.Summary(sessionID); ok {
		b.WriteString("Earlier summary:\n")
		b.WriteString(prior)
		b.WriteString("\n\nNewer conversation:\n")
	}
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Content)
	}

	resp, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: 2048,
		System:    []anthropic.TextBlockParam{{Text: summarySystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(b.String())),
		},
	})
	if err != nil {
		return fmt.Errorf("summary request: %w", err)
	}

	var summary strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			summary.WriteString(block.Text)
		}
	}
	if strings.TrimSpace(summary.String()) == "" {
		return fmt.Errorf("model returned empty summary")
	}

	if err := s.history.SaveSummary(sessionID, summary.String(), s.keepTail); err != nil {
		return err
	}
	if s.onCompacted != nil {
		s.onCompacted(sessionID)
	}

	logger.InfoCF("summarize", "transcript compacted", map[string]interface{}{
		"session": sessionID, "kept": s.keepTail,
	})
	s.publish(events.NewSession(events.SummaryComplete, "summarize", sessionID, nil))
	return nil
}

func (s *Summarizer) publish(ev events.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}
