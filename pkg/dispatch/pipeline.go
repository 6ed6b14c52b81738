// Package dispatch runs deliveries: it builds the prompt for a bot
// turn, drives the subprocess, splits inline routing markers out of the
// stream, persists the exchange, and hands routing follow-ups back to
// the router when the session goes idle.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rookery-ai/rookery/pkg/bus"
	"github.com/rookery-ai/rookery/pkg/claude"
	"github.com/rookery-ai/rookery/pkg/events"
	"github.com/rookery-ai/rookery/pkg/hub"
	"github.com/rookery-ai/rookery/pkg/logger"
	"github.com/rookery-ai/rookery/pkg/routing"
	"github.com/rookery-ai/rookery/pkg/scheduler"
	"github.com/rookery-ai/rookery/pkg/store"
)

// Source says what triggered a delivery. It selects the four knobs:
// marker detection (off for resume), deferred persistence (poll and
// nudge), no-action suppression (poll only), and instruction mode
// (full for a fresh human message, compact for everything else).
type Source string

const (
	SourceDirect   Source = "direct"
	SourceMention  Source = "mention"
	SourcePoll     Source = "poll"
	SourceNudge    Source = "nudge"
	SourceResume   Source = "resume"
	SourcePeerTask Source = "peer_task"
)

// ProcessRunner is the subprocess layer the pipeline drives.
// *claude.Manager implements it.
type ProcessRunner interface {
	CreateSession(id, workingDir string)
	RemoveSession(id string)
	IsBusy(id string) bool
	BusySessions() []string
	Abort(id string) bool
	ForceNewConversation(id string)
	SendMessage(ctx context.Context, id, prompt string, opts claude.SendOptions, onEvent func(claude.ParsedEvent)) (int, error)
}

// Compactor triggers background history compaction after a turn.
type Compactor interface {
	MaybeCompact(ctx context.Context, sessionID string)
}

// Pipeline wires the subprocess layer to the board, router, scheduler
// and stores.
type Pipeline struct {
	procs    ProcessRunner
	board    *hub.Board
	router   *routing.Router
	sched    *scheduler.Scheduler
	sessions *store.SessionDirectory
	history  *store.HistoryStore
	bus      *bus.Bus
	compact  Compactor

	tiers      []string
	maxRetries int
}

func NewPipeline(procs ProcessRunner, board *hub.Board, router *routing.Router,
	sched *scheduler.Scheduler, sessions *store.SessionDirectory,
	history *store.HistoryStore, b *bus.Bus, tiers []string, maxRetries int) *Pipeline {
	return &Pipeline{
		procs:      procs,
		board:      board,
		router:     router,
		sched:      sched,
		sessions:   sessions,
		history:    history,
		bus:        b,
		tiers:      tiers,
		maxRetries: maxRetries,
	}
}

// SetCompactor wires the summarizer in after construction.
func (p *Pipeline) SetCompactor(c Compactor) { p.compact = c }

// compile-time checks: the pipeline serves both dispatch contracts.
var _ routing.Dispatcher = (*Pipeline)(nil)
var _ scheduler.Dispatcher = (*Pipeline)(nil)

// --- Session lifecycle ---

// CreateBot registers a new bot session end to end: directory record,
// subprocess slot, router name. Idempotent on name.
func (p *Pipeline) CreateBot(name, workingDir string) (*store.BotSession, error) {
	sess, err := p.sessions.Create(name, workingDir)
	if err != nil {
		return nil, err
	}
	p.procs.CreateSession(sess.ID, sess.WorkingDir)
	p.router.RegisterBot(sess.ID, sess.Name)
	p.publish(events.NewSession(events.SessionCreated, "dispatch", sess.ID, events.SessionEventData{
		SessionID: sess.ID, Name: sess.Name,
	}))
	return sess, nil
}

// DeleteBot tears a session down everywhere: abort in-flight work,
// purge router queues and scheduler state, drop the transcript and the
// directory record.
func (p *Pipeline) DeleteBot(sessionID string) error {
	sess, err := p.sessions.FindByID(sessionID)
	if err != nil {
		return err
	}
	p.procs.RemoveSession(sessionID)
	p.router.UnregisterBot(sessionID)
	p.sched.RemoveSession(sessionID)
	if err := p.history.DeleteSession(sessionID); err != nil {
		logger.WarnCF("dispatch", "history delete failed", map[string]interface{}{
			"session": sessionID, "error": err.Error(),
		})
	}
	if err := p.sessions.Delete(sessionID); err != nil {
		return err
	}
	p.publish(events.NewSession(events.SessionDeleted, "dispatch", sessionID, events.SessionEventData{
		SessionID: sessionID, Name: sess.Name,
	}))
	return nil
}

// RenameBot changes a session's display name and re-registers it so
// @mentions resolve against the new name immediately.
func (p *Pipeline) RenameBot(sessionID, newName string) (*store.BotSession, error) {
	sess, err := p.sessions.Rename(sessionID, newName)
	if err != nil {
		return nil, err
	}
	p.router.RegisterBot(sess.ID, sess.Name)
	return sess, nil
}

// Abort kills the session's in-flight subprocess turn. Aborting an idle
// session is a no-op that still notifies listeners, so a stuck client
// busy indicator always clears.
func (p *Pipeline) Abort(sessionID string) bool {
	aborted := p.procs.Abort(sessionID)
	if !aborted {
		if sess, err := p.sessions.FindByID(sessionID); err == nil {
			p.publish(events.NewSession(events.SessionIdle, "dispatch", sessionID, events.SessionEventData{
				SessionID: sessionID, Name: sess.Name, Status: "idle",
			}))
		}
	}
	return aborted
}

// RegisterExisting re-wires sessions loaded from disk at startup.
func (p *Pipeline) RegisterExisting() error {
	all, err := p.sessions.FindAll()
	if err != nil {
		return err
	}
	for _, sess := range all {
		p.procs.CreateSession(sess.ID, sess.WorkingDir)
		p.router.RegisterBot(sess.ID, sess.Name)
	}
	logger.InfoCF("dispatch", "sessions restored from directory", map[string]interface{}{
		"count": len(all),
	})
	return nil
}

// --- Dispatcher contract implementations ---

// DeliverMention runs a hub-mention delivery asynchronously. Image
// references on the message ride along as attachments.
func (p *Pipeline) DeliverMention(sessionID string, msg hub.Message, depth int) {
	go p.deliverLogged(sessionID, p.mentionPrompt(msg), SourceMention, depth, msg.Images...)
}

// DeliverPeerTask runs a bot-to-bot handoff. The target picks up a
// pending assignment the moment the task is delivered.
func (p *Pipeline) DeliverPeerTask(sessionID, fromName, body string, depth int) {
	p.sched.TrackAssignment(sessionID, body)
	prompt := fmt.Sprintf("%s handed you a task:\n%s\n\nWork it now. When it is finished, post [HUB-POST: your report [TASK-DONE: short description]].", fromName, body)
	go p.deliverLogged(sessionID, prompt, SourcePeerTask, depth)
}

// DeliverPoll wakes an idle bot for fresh board traffic.
func (p *Pipeline) DeliverPoll(sessionID string, context, fresh []hub.Message) {
	var b strings.Builder
	b.WriteString("New hub activity:\n")
	for _, m := range context {
		fmt.Fprintf(&b, "(earlier) [%s] %s\n", m.From, m.Text)
	}
	for _, m := range fresh {
		fmt.Fprintf(&b, "[%s] %s\n", m.From, m.Text)
	}
	b.WriteString("\nRespond only if something here needs you. If not, reply exactly: no further action.")
	go p.deliverLogged(sessionID, b.String(), SourcePoll, routing.OriginHuman)
}

// DeliverNudge reminds a bot of a stale assignment.
func (p *Pipeline) DeliverNudge(sessionID, assignment string) {
	prompt := fmt.Sprintf("Reminder: you accepted this task and it is still open:\n%s\n\nFinish it, or post a status update to the hub. When done, include [TASK-DONE: short description] in a hub post.", assignment)
	go p.deliverLogged(sessionID, prompt, SourceNudge, routing.OriginHuman)
}

// DeliverDirect is the operator-facing entry: console and HTTP sends.
// Attachments are file or image references handed through to the
// subprocess untouched.
func (p *Pipeline) DeliverDirect(ctx context.Context, sessionID, text string, attachments ...string) error {
	return p.Deliver(ctx, sessionID, text, SourceDirect, routing.OriginHuman, attachments...)
}

func (p *Pipeline) deliverLogged(sessionID, prompt string, source Source, depth int, attachments ...string) {
	if err := p.Deliver(context.Background(), sessionID, prompt, source, depth, attachments...); err != nil {
		logger.WarnCF("dispatch", "delivery failed", map[string]interface{}{
			"session": sessionID, "source": string(source), "error": err.Error(),
		})
	}
}

func (p *Pipeline) mentionPrompt(msg hub.Message) string {
	return fmt.Sprintf("Hub message from %s:\n%s\n\nYou were mentioned. Handle it; post to the hub with [HUB-POST: …] if others need to know.", msg.From, msg.Text)
}

// --- The delivery itself ---

// Deliver runs one full bot turn. It blocks until the subprocess exits
// and the post-turn pipeline has run; callers that must not block run
// it in a goroutine.
func (p *Pipeline) Deliver(ctx context.Context, sessionID, prompt string, source Source, depth int, attachments ...string) error {
	sess, err := p.sessions.FindByID(sessionID)
	if err != nil {
		return err
	}

	deferPersist := source == SourcePoll || source == SourceNudge
	detectTokens := source != SourceResume
	drainOnIdle := source != SourceResume

	p.publish(events.NewSession(events.SessionBusy, "dispatch", sessionID, events.SessionEventData{
		SessionID: sessionID, Name: sess.Name, Status: "busy",
	}))
	defer func() {
		// The session goes idle no matter how the turn ended; without
		// this an error would wedge the bot forever.
		p.sched.RecordHeartbeat(sessionID)
		p.publish(events.NewSession(events.SessionIdle, "dispatch", sessionID, events.SessionEventData{
			SessionID: sessionID, Name: sess.Name, Status: "idle",
		}))
		if p.compact != nil {
			p.compact.MaybeCompact(context.Background(), sessionID)
		}
		if drainOnIdle {
			p.router.OnSessionIdle(sessionID)
		}
	}()

	if !deferPersist {
		if _, err := p.history.Append(sessionID, "user", prompt); err != nil {
			logger.WarnCF("dispatch", "history write failed", map[string]interface{}{
				"session": sessionID, "error": err.Error(),
			})
		}
	}

	turn, err := p.runWithEscalation(ctx, sess, prompt, source, detectTokens, depth, attachments)
	if err != nil {
		// A failed turn must not leave the bot flagged as pending forever.
		p.sched.ClearAssignment(sessionID)
		if errors.Is(err, claude.ErrSendCanceled) {
			// Operator abort or turn timeout: not a model failure, no
			// error event, just fall through to the idle cleanup.
			logger.InfoCF("dispatch", "turn canceled", map[string]interface{}{
				"session": sessionID, "source": string(source),
			})
			return nil
		}
		p.publish(events.NewSession(events.SessionError, "dispatch", sessionID, events.SessionEventData{
			SessionID: sessionID, Name: sess.Name, Error: err.Error(),
		}))
		return err
	}

	suppressed := source == SourcePoll && turn.hubPosts == 0 && turn.botTasks == 0 && isNoAction(turn.reply)
	if suppressed {
		logger.DebugCF("dispatch", "poll reply suppressed", map[string]interface{}{
			"session": sessionID,
		})
		return nil
	}

	if deferPersist {
		if _, err := p.history.Append(sessionID, "user", prompt); err != nil {
			logger.WarnCF("dispatch", "history write failed", map[string]interface{}{
				"session": sessionID, "error": err.Error(),
			})
		}
	}
	if strings.TrimSpace(turn.reply) != "" {
		if _, err := p.history.Append(sessionID, "assistant", turn.reply); err != nil {
			logger.WarnCF("dispatch", "history write failed", map[string]interface{}{
				"session": sessionID, "error": err.Error(),
			})
		}
	}

	if !turn.success {
		p.publish(events.NewSession(events.SessionError, "dispatch", sessionID, events.SessionEventData{
			SessionID: sessionID, Name: sess.Name, Error: turn.errorMsg,
		}))
	}
	return nil
}

// turnResult is what one subprocess run (after escalation) produced.
// Extracted markers are routed during the stream; only their counts
// survive the turn (the poll suppression check needs them).
type turnResult struct {
	reply    string
	hubPosts int
	botTasks int
	success  bool
	errorMsg string
}

// runWithEscalation drives the subprocess, walking down the model tiers
// when a run exits non-zero without streaming any text. At most
// maxRetries extra attempts.
func (p *Pipeline) runWithEscalation(ctx context.Context, sess *store.BotSession, prompt string, source Source, detectTokens bool, depth int, attachments []string) (*turnResult, error) {
	// Only a fresh human message gets the full standing brief; every
	// machine-initiated turn runs in compact mode.
	instructions := sess.Instructions
	if source != SourceDirect && source != SourceResume {
		instructions = sess.CompactInstructions
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		model := p.tierFor(sess, attempt)
		turn, exitCode, err := p.runOnce(ctx, sess, prompt, model, instructions, detectTokens, depth, attachments)
		if err != nil {
			return nil, err
		}
		if exitCode == 0 || len(turn.reply) > 0 || turn.hubPosts > 0 || turn.botTasks > 0 {
			return turn, nil
		}
		lastErr = fmt.Errorf("tier %q produced no output (exit %d): %s", model, exitCode, turn.errorMsg)
		logger.WarnCF("dispatch", "escalating to next tier", map[string]interface{}{
			"session": sess.ID, "attempt": attempt, "model": model,
		})
	}
	return nil, fmt.Errorf("all tiers exhausted: %w", lastErr)
}

func (p *Pipeline) tierFor(sess *store.BotSession, attempt int) string {
	tiers := p.tiers
	if sess.Model != "" {
		tiers = append([]string{sess.Model}, p.tiers...)
	}
	if attempt >= len(tiers) {
		return tiers[len(tiers)-1]
	}
	return tiers[attempt]
}

func (p *Pipeline) runOnce(ctx context.Context, sess *store.BotSession, prompt, model, instructions string, detectTokens bool, depth int, attachments []string) (*turnResult, int, error) {
	detector := claude.NewDetector()
	turn := &turnResult{success: true}
	var reply strings.Builder

	onEvent := func(ev claude.ParsedEvent) {
		p.sched.RecordHeartbeat(sess.ID)
		switch ev.Type {
		case claude.EventInit:
			p.publish(events.NewSession(events.StreamStart, sess.Name, sess.ID, events.StreamEventData{
				Model: ev.Model,
			}))
		case claude.EventDelta:
			text := ev.Text
			if detectTokens {
				clean, tokens := detector.Feed(ev.Text)
				text = clean
				// Markers route the moment they complete, mid-stream.
				for _, tok := range tokens {
					switch tok.Kind {
					case claude.TokenHubPost:
						turn.hubPosts++
						p.postFromBot(sess, tok.Body, depth)
					case claude.TokenBotTask:
						turn.botTasks++
						p.router.RouteBotTask(sess.ID, tok.Body, depth)
					}
				}
			}
			if text != "" {
				reply.WriteString(text)
				p.publish(events.NewSession(events.StreamDelta, sess.Name, sess.ID, events.StreamEventData{
					Text: text,
				}))
			}
		case claude.EventToolUseStart:
			p.publish(events.NewSession(events.StreamToolUse, sess.Name, sess.ID, events.StreamEventData{
				ToolName: ev.ToolName, ToolID: ev.ToolID,
			}))
		case claude.EventToolResult:
			p.publish(events.NewSession(events.StreamToolResult, sess.Name, sess.ID, events.StreamEventData{
				ToolID: ev.ToolUseID, Text: events.TruncatePreview(ev.Content, 400),
			}))
		case claude.EventAssistantComplete:
			p.publish(events.NewSession(events.StreamComplete, sess.Name, sess.ID, nil))
		case claude.EventResult:
			turn.success = ev.Success
			turn.errorMsg = ev.ErrorMsg
			p.publish(events.NewSession(events.StreamResult, sess.Name, sess.ID, events.StreamEventData{
				Success: ev.Success, CostUSD: ev.CostUSD, Duration: ev.DurationMs, Error: ev.ErrorMsg,
			}))
		case claude.EventError:
			turn.success = false
			turn.errorMsg = ev.ErrorMsg
		}
	}

	exitCode, err := p.procs.SendMessage(ctx, sess.ID, prompt, claude.SendOptions{
		Model:        model,
		Autonomy:     sess.Autonomy,
		SystemPrompt: instructions,
		Attachments:  attachments,
	}, onEvent)
	if err != nil {
		return nil, exitCode, err
	}

	if detectTokens {
		// Unterminated marker bodies die here; everything else is text.
		reply.WriteString(detector.Flush())
	}
	turn.reply = reply.String()
	return turn, exitCode, nil
}

// --- Hub plumbing ---

// PostHubMessage is the operator entry for board posts: persist, push,
// check the task ledger, route mentions at human origin depth.
func (p *Pipeline) PostHubMessage(from, text string, images ...string) hub.Message {
	return p.addAndRoute(from, text, "", routing.OriginHuman, images...)
}

// postFromBot handles a [HUB-POST: …] extracted from a bot's stream.
func (p *Pipeline) postFromBot(sess *store.BotSession, body string, depth int) {
	p.addAndRoute(sess.Name, body, sess.ID, depth)
}

func (p *Pipeline) addAndRoute(from, text, sessionID string, depth int, images ...string) hub.Message {
	msg := p.board.Add(from, text, sessionID, images...)
	p.publish(events.New(events.HubMessage, from, events.HubEventData{
		MessageID: msg.ID, From: from, Preview: events.TruncatePreview(text, 200), Timestamp: msg.Timestamp,
	}))

	if desc, ok := hub.ExtractTaskDone(text); ok {
		task := p.board.AddCompletedTask(msg.ID, from, desc, sessionID)
		if sessionID != "" {
			p.sched.ClearAssignment(sessionID)
		}
		p.publish(events.New(events.HubTaskDone, from, events.HubEventData{
			MessageID: task.ID, From: from, Preview: desc, Timestamp: task.Timestamp,
		}))
	}

	p.router.RouteHubMessage(msg, depth)
	return msg
}

// isNoAction matches the literal opt-out reply a polled bot gives when
// the fresh traffic needs nothing from it.
func isNoAction(reply string) bool {
	normalized := strings.ToLower(strings.Trim(strings.TrimSpace(reply), ".!"))
	return normalized == "no further action" || normalized == "no action needed"
}

func (p *Pipeline) publish(ev events.Event) {
	if p.bus != nil {
		p.bus.Publish(ev)
	}
}
