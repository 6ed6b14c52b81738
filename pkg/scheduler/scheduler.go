// Package scheduler is the periodic poll loop: it nudges bots sitting
// on stale assignments, warns about heartbeat-silent sessions, wakes
// idle bots for fresh board traffic, and posts the cron-scheduled
// status digest.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/rookery-ai/rookery/pkg/bus"
	"github.com/rookery-ai/rookery/pkg/events"
	"github.com/rookery-ai/rookery/pkg/hub"
	"github.com/rookery-ai/rookery/pkg/logger"
	"github.com/rookery-ai/rookery/pkg/routing"
	"github.com/rookery-ai/rookery/pkg/store"
)

// Dispatcher executes poll-driven deliveries. Implementations run the
// subprocess turn asynchronously; the scheduler never blocks on it.
type Dispatcher interface {
	DeliverPoll(sessionID string, context, fresh []hub.Message)
	DeliverNudge(sessionID, assignment string)
}

type assignment struct {
	description string
	assignedAt  time.Time
	nudged      bool
}

// Scheduler holds per-bot poll state. All maps are guarded by one
// mutex; Run owns the only ticker goroutine.
type Scheduler struct {
	mu          sync.Mutex
	assignments map[string]*assignment
	lastBeat    map[string]time.Time
	lastWarn    map[string]time.Time

	board    *hub.Board
	sessions *store.SessionDirectory
	router   *routing.Router
	isBusy   func(sessionID string) bool
	dispatch Dispatcher
	bus      *bus.Bus

	interval      time.Duration
	staleAfter    time.Duration
	warnWindow    time.Duration
	maxPerTick    int
	minContext    int
	digestCron    string
	cron          *gronx.Gronx
	lastDigestMin time.Time

	now func() time.Time
}

func New(board *hub.Board, sessions *store.SessionDirectory, router *routing.Router,
	isBusy func(string) bool, b *bus.Bus,
	interval, staleAfter, warnWindow time.Duration, maxPerTick, minContext int, digestCron string) *Scheduler {
	return &Scheduler{
		assignments: make(map[string]*assignment),
		lastBeat:    make(map[string]time.Time),
		lastWarn:    make(map[string]time.Time),
		board:       board,
		sessions:    sessions,
		router:      router,
		isBusy:      isBusy,
		bus:         b,
		interval:    interval,
		staleAfter:  staleAfter,
		warnWindow:  warnWindow,
		maxPerTick:  maxPerTick,
		minContext:  minContext,
		digestCron:  digestCron,
		cron:        gronx.New(),
		now:         time.Now,
	}
}

// SetDispatcher wires the delivery pipeline in after construction.
func (s *Scheduler) SetDispatcher(d Dispatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatch = d
}

// Run drives the poll loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	logger.InfoCF("scheduler", "poll loop started", map[string]interface{}{
		"interval": s.interval.String(),
	})
	for {
		select {
		case <-ctx.Done():
			logger.InfoC("scheduler", "poll loop stopped")
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick runs one poll pass. Exported so tests and the console can drive
// it directly.
func (s *Scheduler) Tick() {
	s.nudgeStaleAssignments()
	s.warnSilentSessions()
	s.scanBoard()
	s.maybeDigest()
}

// --- Assignment tracking ---

// TrackAssignment records that a bot has been handed work. A later
// completion (or any new delivery) clears it.
func (s *Scheduler) TrackAssignment(sessionID, description string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments[sessionID] = &assignment{description: description, assignedAt: s.now()}
}

// ClearAssignment drops the pending assignment, if any.
func (s *Scheduler) ClearAssignment(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.assignments, sessionID)
}

// HasAssignment reports whether the bot is sitting on pending work.
func (s *Scheduler) HasAssignment(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.assignments[sessionID]
	return ok
}

// RecordHeartbeat notes subprocess activity for the session.
func (s *Scheduler) RecordHeartbeat(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastBeat[sessionID] = s.now()
}

// RemoveSession purges all poll state for a deleted session.
func (s *Scheduler) RemoveSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.assignments, sessionID)
	delete(s.lastBeat, sessionID)
	delete(s.lastWarn, sessionID)
}

// --- Tick phases ---

// nudgeStaleAssignments reminds each bot exactly once about an
// assignment that has sat idle past the stale window.
func (s *Scheduler) nudgeStaleAssignments() {
	s.mu.Lock()
	type nudge struct {
		sessionID, description string
	}
	var due []nudge
	for id, a := range s.assignments {
		if !a.nudged && s.now().Sub(a.assignedAt) > s.staleAfter && !s.isBusy(id) {
			a.nudged = true
			due = append(due, nudge{id, a.description})
		}
	}
	s.mu.Unlock()

	for _, n := range due {
		logger.InfoCF("scheduler", "nudging stale assignment", map[string]interface{}{
			"session": n.sessionID,
		})
		if name, ok := s.router.BotName(n.sessionID); ok {
			s.board.Add(hub.SystemAuthor, fmt.Sprintf("@%s still has an open task: %s",
				name, n.description), "")
		}
		s.publish(events.NewSession(events.PollNudge, "scheduler", n.sessionID, events.PollEventData{
			SessionID: n.sessionID, Reason: "stale assignment",
		}))
		s.dispatch.DeliverNudge(n.sessionID, n.description)
	}
}

// warnSilentSessions posts a System board message for each idle session
// whose heartbeat has gone stale, at most once per warn window. The bot
// is never nudged directly; the warning is for the operator.
func (s *Scheduler) warnSilentSessions() {
	all, err := s.sessions.FindAll()
	if err != nil {
		return
	}

	for _, sess := range all {
		if s.isBusy(sess.ID) {
			continue
		}
		s.mu.Lock()
		beat, hasBeat := s.lastBeat[sess.ID]
		warned := s.lastWarn[sess.ID]
		silent := hasBeat && s.now().Sub(beat) > s.staleAfter
		dueAgain := s.now().Sub(warned) > s.warnWindow
		if silent && dueAgain {
			s.lastWarn[sess.ID] = s.now()
		}
		s.mu.Unlock()

		if silent && dueAgain {
			text := fmt.Sprintf("@%s has been silent for over %s — it may need attention.",
				sess.Name, s.staleAfter)
			s.board.Add(hub.SystemAuthor, text, "")
			s.publish(events.NewSession(events.PollHeartbeat, "scheduler", sess.ID, events.PollEventData{
				SessionID: sess.ID, BotName: sess.Name, Reason: "heartbeat stale",
			}))
		}
	}
}

// scanBoard wakes idle bots for fresh relevant traffic, capped per
// tick. The last-seen marker advances for every evaluated bot — capped
// or hibernating — so skipped messages are never redelivered.
func (s *Scheduler) scanBoard() {
	all, err := s.sessions.FindAll()
	if err != nil {
		return
	}
	lastID := s.board.LastID()
	if lastID == "" {
		return
	}

	dispatched := 0
	for _, sess := range all {
		if s.isBusy(sess.ID) {
			continue
		}
		if s.router.InCooldown(sess.ID) {
			continue
		}

		context, fresh := s.board.FreshFor(sess.Name, sess.LastSeenHubID, s.minContext)

		// Marker advances regardless of what happens below.
		if sess.LastSeenHubID != lastID {
			sess.LastSeenHubID = lastID
			if err := s.sessions.Save(sess); err != nil {
				logger.WarnCF("scheduler", "failed to persist last-seen marker", map[string]interface{}{
					"session": sess.ID, "error": err.Error(),
				})
			}
		}

		wake := s.wakeWorthy(sess, fresh)
		if len(wake) == 0 {
			continue
		}
		if dispatched >= s.maxPerTick {
			continue
		}
		dispatched++

		logger.InfoCF("scheduler", "poll dispatch", map[string]interface{}{
			"session": sess.ID, "bot": sess.Name, "fresh": len(wake),
		})
		s.publish(events.NewSession(events.PollDispatched, "scheduler", sess.ID, events.PollEventData{
			SessionID: sess.ID, BotName: sess.Name, Fresh: len(wake),
		}))
		s.dispatch.DeliverPoll(sess.ID, context, wake)
	}
}

// wakeWorthy applies the hibernation rule: a fully idle bot only wakes
// for a direct @name or @all; a bot sitting on a pending assignment
// also wakes for System posts, @You, and undirected chatter.
func (s *Scheduler) wakeWorthy(sess *store.BotSession, fresh []hub.Message) []hub.Message {
	hasWork := s.HasAssignment(sess.ID)
	nameAt := "@" + strings.ToLower(sess.Name)

	var out []hub.Message
	for _, m := range fresh {
		if strings.EqualFold(m.From, sess.Name) {
			continue // own posts never wake
		}
		lower := strings.ToLower(m.Text)
		direct := strings.Contains(lower, nameAt) || strings.Contains(lower, "@all")
		if direct {
			out = append(out, m)
			continue
		}
		if hasWork && (m.From == hub.SystemAuthor || strings.Contains(lower, "@you") || !strings.Contains(m.Text, "@")) {
			out = append(out, m)
		}
	}
	return out
}

// maybeDigest posts the cron-scheduled board digest.
func (s *Scheduler) maybeDigest() {
	if s.digestCron == "" {
		return
	}
	now := s.now().Truncate(time.Minute)
	s.mu.Lock()
	if s.lastDigestMin.Equal(now) {
		s.mu.Unlock()
		return
	}
	due, err := s.cron.IsDue(s.digestCron, now)
	if err != nil || !due {
		s.mu.Unlock()
		return
	}
	s.lastDigestMin = now
	s.mu.Unlock()

	s.board.Add(hub.SystemAuthor, s.digestText(), "")
	s.publish(events.New(events.PollDigest, "scheduler", nil))
}

func (s *Scheduler) digestText() string {
	all, _ := s.sessions.FindAll()
	busy := 0
	for _, sess := range all {
		if s.isBusy(sess.ID) {
			busy++
		}
	}
	unacked := s.board.UnacknowledgedTasks()

	var b strings.Builder
	fmt.Fprintf(&b, "Status digest: %d bots (%d working), %d board messages.", len(all), busy, s.board.Len())
	if len(unacked) > 0 {
		fmt.Fprintf(&b, " %d completed tasks await acknowledgement:", len(unacked))
		for _, t := range unacked {
			fmt.Fprintf(&b, "\n- %s (%s)", t.Description, t.From)
		}
	}
	return b.String()
}

func (s *Scheduler) publish(ev events.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}
