// Package routing turns hub mentions and peer tasks into deliveries.
// It enforces the loop-prevention guards: chain depth, self-mention
// drop, mention cooldown, and the bounded per-target queue.
package routing

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rookery-ai/rookery/pkg/bus"
	"github.com/rookery-ai/rookery/pkg/events"
	"github.com/rookery-ai/rookery/pkg/hub"
	"github.com/rookery-ai/rookery/pkg/logger"
)

// Dispatcher executes deliveries. The delivery pipeline implements it;
// the router never blocks on it, so implementations run the actual
// subprocess turn asynchronously.
type Dispatcher interface {
	DeliverMention(sessionID string, msg hub.Message, chainDepth int)
	DeliverPeerTask(sessionID, fromName, body string, chainDepth int)
}

type queuedMention struct {
	msg   hub.Message
	depth int
}

type queuedTask struct {
	from  string
	body  string
	depth int
}

// Router holds per-bot routing state. All maps are guarded by one
// mutex; no goroutine of its own.
type Router struct {
	mu          sync.Mutex
	nameByID    map[string]string // sessionID → display name
	idByName    map[string]string // lowercased name → sessionID
	mentionQ    map[string][]queuedMention
	taskQ       map[string][]queuedTask
	lastMention map[string]time.Time

	queueBound int
	cooldown   time.Duration
	maxDepth   int

	isBusy   func(sessionID string) bool
	dispatch Dispatcher
	bus      *bus.Bus
	now      func() time.Time
}

func NewRouter(queueBound, maxDepth int, cooldown time.Duration, isBusy func(string) bool, b *bus.Bus) *Router {
	return &Router{
		nameByID:    make(map[string]string),
		idByName:    make(map[string]string),
		mentionQ:    make(map[string][]queuedMention),
		taskQ:       make(map[string][]queuedTask),
		lastMention: make(map[string]time.Time),
		queueBound:  queueBound,
		cooldown:    cooldown,
		maxDepth:    maxDepth,
		isBusy:      isBusy,
		bus:         b,
		now:         time.Now,
	}
}

// SetDispatcher wires the delivery pipeline in after construction (the
// pipeline needs the router too).
func (r *Router) SetDispatcher(d Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatch = d
}

// RegisterBot makes a session addressable by @name. Re-registering an
// existing session updates its name.
func (r *Router) RegisterBot(sessionID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.nameByID[sessionID]; ok {
		delete(r.idByName, strings.ToLower(old))
	}
	r.nameByID[sessionID] = name
	r.idByName[strings.ToLower(name)] = sessionID
}

// UnregisterBot removes the session and purges every queue and cooldown
// entry so nothing dangles after deletion.
func (r *Router) UnregisterBot(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name, ok := r.nameByID[sessionID]; ok {
		delete(r.idByName, strings.ToLower(name))
	}
	delete(r.nameByID, sessionID)
	delete(r.mentionQ, sessionID)
	delete(r.taskQ, sessionID)
	delete(r.lastMention, sessionID)
}

// BotName returns the display name for a session.
func (r *Router) BotName(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.nameByID[sessionID]
	return name, ok
}

// Resolve maps an @name (case-insensitive) to a session id.
func (r *Router) Resolve(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.idByName[strings.ToLower(name)]
	return id, ok
}

// InCooldown reports whether the session received a mention delivery
// inside the cooldown window. Used by the poll scheduler too.
func (r *Router) InCooldown(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inCooldownLocked(sessionID)
}

func (r *Router) inCooldownLocked(sessionID string) bool {
	last, ok := r.lastMention[sessionID]
	return ok && r.now().Sub(last) < r.cooldown
}

// QueueDepth reports queued mention and task counts for a session.
func (r *Router) QueueDepth(sessionID string) (mentions, tasks int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.mentionQ[sessionID]), len(r.taskQ[sessionID])
}

// --- Inbound routing ---

// OriginHuman is the chain depth of things no bot turn produced:
// operator posts and console input. Deliveries they trigger run at
// depth 0.
const OriginHuman = -1

// RouteHubMessage fans a board message out to every mentioned bot.
// chainDepth is the depth of the turn that produced the message
// (OriginHuman for operator posts); each resulting delivery runs one
// hop deeper, and a delivery that would reach the configured maximum
// is dropped before touching any queue.
func (r *Router) RouteHubMessage(msg hub.Message, chainDepth int) {
	r.mu.Lock()
	targets := r.mentionTargetsLocked(msg)
	r.mu.Unlock()

	for _, target := range targets {
		r.deliverMention(target, msg, chainDepth+1)
	}
}

// RouteBotTask hands a [BOT-TASK: @name …] body to its target. Peer
// tasks are exempt from the mention cooldown: they are explicit
// handoffs and must not be silently lost to timing.
func (r *Router) RouteBotTask(fromSessionID, body string, chainDepth int) {
	r.mu.Lock()
	fromName := r.nameByID[fromSessionID]
	target, ok := r.taskTargetLocked(body)
	r.mu.Unlock()

	if !ok {
		logger.WarnCF("router", "peer task has no resolvable @target, dropped", map[string]interface{}{
			"from": fromName, "body": events.TruncatePreview(body, 80),
		})
		return
	}

	depth := chainDepth + 1
	if depth >= r.maxDepth {
		r.dropped(target, fromName, depth, "depth")
		return
	}
	if target == fromSessionID {
		r.dropped(target, fromName, depth, "self")
		return
	}

	r.mu.Lock()
	if r.isBusy(target) {
		if len(r.taskQ[target]) >= r.queueBound {
			r.mu.Unlock()
			r.dropped(target, fromName, depth, "overflow")
			return
		}
		r.taskQ[target] = append(r.taskQ[target], queuedTask{from: fromName, body: body, depth: depth})
		r.mu.Unlock()
		r.publish(events.NewSession(events.RouteQueued, "router", target, events.RouteEventData{
			Target: target, Source: fromName, ChainDepth: depth,
		}))
		return
	}
	r.mu.Unlock()

	r.publish(events.NewSession(events.RoutePeerTask, "router", target, events.RouteEventData{
		Target: target, Source: fromName, ChainDepth: depth,
	}))
	r.dispatch.DeliverPeerTask(target, fromName, body, depth)
}

func (r *Router) deliverMention(target string, msg hub.Message, depth int) {
	if depth >= r.maxDepth {
		r.dropped(target, msg.From, depth, "depth")
		return
	}
	if target == msg.SessionID {
		r.dropped(target, msg.From, depth, "self")
		return
	}

	r.mu.Lock()
	if r.isBusy(target) {
		if len(r.mentionQ[target]) >= r.queueBound {
			r.mu.Unlock()
			r.dropped(target, msg.From, depth, "overflow")
			return
		}
		r.mentionQ[target] = append(r.mentionQ[target], queuedMention{msg: msg, depth: depth})
		r.mu.Unlock()
		r.publish(events.NewSession(events.RouteQueued, "router", target, events.RouteEventData{
			Target: target, Source: msg.From, ChainDepth: depth,
		}))
		return
	}
	if r.inCooldownLocked(target) {
		r.mu.Unlock()
		r.dropped(target, msg.From, depth, "cooldown")
		return
	}
	r.lastMention[target] = r.now()
	r.mu.Unlock()

	r.publish(events.NewSession(events.RouteMention, "router", target, events.RouteEventData{
		Target: target, Source: msg.From, ChainDepth: depth,
	}))
	r.dispatch.DeliverMention(target, msg, depth)
}

// OnSessionIdle drains at most one queued item for the session, mentions
// before tasks. A queued mention that lands inside the cooldown window
// is dropped, and a queued task is tried instead.
func (r *Router) OnSessionIdle(sessionID string) {
	r.mu.Lock()
	if q := r.mentionQ[sessionID]; len(q) > 0 {
		item := q[0]
		r.mentionQ[sessionID] = q[1:]
		if r.inCooldownLocked(sessionID) {
			// Drop it and fall through to the task queue; still at
			// most one dispatch per idle transition.
			r.mu.Unlock()
			r.dropped(sessionID, item.msg.From, item.depth, "cooldown")
			r.mu.Lock()
		} else {
			r.lastMention[sessionID] = r.now()
			r.mu.Unlock()
			r.dispatch.DeliverMention(sessionID, item.msg, item.depth)
			return
		}
	}
	if q := r.taskQ[sessionID]; len(q) > 0 {
		item := q[0]
		r.taskQ[sessionID] = q[1:]
		r.mu.Unlock()
		r.dispatch.DeliverPeerTask(sessionID, item.from, item.body, item.depth)
		return
	}
	r.mu.Unlock()
}

// --- Mention resolution ---

// mentionTargetsLocked resolves @name mentions in the message, longest
// name first so "code reviewer" wins over a bot named "code". @all
// targets every registered bot. The author's own session never appears.
func (r *Router) mentionTargetsLocked(msg hub.Message) []string {
	lower := strings.ToLower(msg.Text)

	if strings.Contains(lower, "@all") {
		ids := make([]string, 0, len(r.nameByID))
		for id := range r.nameByID {
			if id != msg.SessionID {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
		return ids
	}

	names := make([]string, 0, len(r.idByName))
	for name := range r.idByName {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})

	masked := []byte(lower)
	seen := make(map[string]bool)
	var targets []string
	for _, name := range names {
		pat := "@" + name
		for {
			idx := strings.Index(string(masked), pat)
			if idx < 0 {
				break
			}
			// Blank the span so shorter names cannot rematch inside it.
			for i := idx; i < idx+len(pat); i++ {
				masked[i] = 0
			}
			id := r.idByName[name]
			if !seen[id] {
				seen[id] = true
				targets = append(targets, id)
			}
		}
	}
	return targets
}

// taskTargetLocked resolves the @name a peer-task body is addressed to.
func (r *Router) taskTargetLocked(body string) (string, bool) {
	lower := strings.ToLower(body)
	at := strings.Index(lower, "@")
	if at < 0 {
		return "", false
	}

	names := make([]string, 0, len(r.idByName))
	for name := range r.idByName {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })

	rest := lower[at+1:]
	for _, name := range names {
		if strings.HasPrefix(rest, name) {
			return r.idByName[name], true
		}
	}
	return "", false
}

func (r *Router) dropped(target, source string, depth int, reason string) {
	logger.DebugCF("router", "delivery dropped", map[string]interface{}{
		"target": target, "source": source, "depth": depth, "reason": reason,
	})
	r.publish(events.NewSession(events.RouteDropped, "router", target, events.RouteEventData{
		Target: target, Source: source, ChainDepth: depth, Reason: reason,
	}))
}

func (r *Router) publish(ev events.Event) {
	if r.bus != nil {
		r.bus.Publish(ev)
	}
}
