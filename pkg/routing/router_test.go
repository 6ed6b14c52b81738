package routing

import (
	"sync"
	"testing"
	"time"

	"github.com/rookery-ai/rookery/pkg/hub"
)

type recordedDelivery struct {
	kind      string // "mention" or "task"
	sessionID string
	from      string
	body      string
	depth     int
}

type fakeDispatcher struct {
	mu         sync.Mutex
	deliveries []recordedDelivery
}

func (f *fakeDispatcher) DeliverMention(sessionID string, msg hub.Message, depth int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries = append(f.deliveries, recordedDelivery{
		kind: "mention", sessionID: sessionID, from: msg.From, body: msg.Text, depth: depth,
	})
}

func (f *fakeDispatcher) DeliverPeerTask(sessionID, fromName, body string, depth int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries = append(f.deliveries, recordedDelivery{
		kind: "task", sessionID: sessionID, from: fromName, body: body, depth: depth,
	})
}

func (f *fakeDispatcher) all() []recordedDelivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedDelivery, len(f.deliveries))
	copy(out, f.deliveries)
	return out
}

type testEnv struct {
	router *Router
	disp   *fakeDispatcher
	busy   map[string]bool
	clock  time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		disp:  &fakeDispatcher{},
		busy:  make(map[string]bool),
		clock: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	env.router = NewRouter(3, 3, 60*time.Second, func(id string) bool { return env.busy[id] }, nil)
	env.router.now = func() time.Time { return env.clock }
	env.router.SetDispatcher(env.disp)
	return env
}

func TestMentionResolutionLongestNameFirst(t *testing.T) {
	env := newTestEnv(t)
	env.router.RegisterBot("s-code", "code")
	env.router.RegisterBot("s-rev", "code reviewer")

	msg := hub.Message{ID: "m1", From: "operator", Text: "please @code reviewer take a look"}
	env.router.RouteHubMessage(msg, OriginHuman)

	got := env.disp.all()
	if len(got) != 1 {
		t.Fatalf("got %d deliveries, want 1: %+v", len(got), got)
	}
	if got[0].sessionID != "s-rev" {
		t.Errorf("delivered to %s, want s-rev (two-word name over its prefix)", got[0].sessionID)
	}
	if got[0].depth != 0 {
		t.Errorf("human-origin delivery depth = %d, want 0", got[0].depth)
	}
}

func TestMentionCaseInsensitive(t *testing.T) {
	env := newTestEnv(t)
	env.router.RegisterBot("s1", "Scout")

	env.router.RouteHubMessage(hub.Message{ID: "m", From: "op", Text: "hey @SCOUT"}, OriginHuman)
	if got := env.disp.all(); len(got) != 1 || got[0].sessionID != "s1" {
		t.Fatalf("deliveries = %+v, want one to s1", got)
	}
}

func TestSelfMentionDropped(t *testing.T) {
	env := newTestEnv(t)
	env.router.RegisterBot("s1", "scout")

	msg := hub.Message{ID: "m", From: "scout", SessionID: "s1", Text: "note to @scout self"}
	env.router.RouteHubMessage(msg, 0)
	if got := env.disp.all(); len(got) != 0 {
		t.Errorf("self-mention delivered: %+v", got)
	}
}

func TestChainDepthCeiling(t *testing.T) {
	env := newTestEnv(t)
	env.router.RegisterBot("s1", "scout")
	env.router.RegisterBot("s2", "helper")

	// Producing turn at depth 2 → next hop would be 3 = max → dropped.
	env.router.RouteHubMessage(hub.Message{ID: "m", From: "helper", SessionID: "s2", Text: "@scout go"}, 2)
	if got := env.disp.all(); len(got) != 0 {
		t.Errorf("delivery beyond depth ceiling executed: %+v", got)
	}

	// Depth 1 origin still flows.
	env.clock = env.clock.Add(2 * time.Minute)
	env.router.RouteHubMessage(hub.Message{ID: "m2", From: "helper", SessionID: "s2", Text: "@scout go"}, 1)
	got := env.disp.all()
	if len(got) != 1 || got[0].depth != 2 {
		t.Errorf("deliveries = %+v, want one at depth 2", got)
	}
}

func TestMentionCooldown(t *testing.T) {
	env := newTestEnv(t)
	env.router.RegisterBot("s1", "scout")

	env.router.RouteHubMessage(hub.Message{ID: "m1", From: "op", Text: "@scout first"}, OriginHuman)
	env.router.RouteHubMessage(hub.Message{ID: "m2", From: "op", Text: "@scout second"}, OriginHuman)
	if got := env.disp.all(); len(got) != 1 {
		t.Fatalf("second mention inside cooldown should drop, got %+v", got)
	}

	env.clock = env.clock.Add(61 * time.Second)
	env.router.RouteHubMessage(hub.Message{ID: "m3", From: "op", Text: "@scout third"}, OriginHuman)
	if got := env.disp.all(); len(got) != 2 {
		t.Errorf("mention after cooldown expiry should deliver, got %+v", got)
	}
}

func TestPeerTaskExemptFromCooldown(t *testing.T) {
	env := newTestEnv(t)
	env.router.RegisterBot("s1", "scout")
	env.router.RegisterBot("s2", "helper")

	env.router.RouteHubMessage(hub.Message{ID: "m1", From: "op", Text: "@scout hello"}, OriginHuman)
	// scout is now in cooldown; a peer task must still go through.
	env.router.RouteBotTask("s2", "@scout urgent handoff", 0)

	got := env.disp.all()
	if len(got) != 2 || got[1].kind != "task" {
		t.Fatalf("deliveries = %+v, want mention then task", got)
	}
}

func TestQueueBoundSilentDrop(t *testing.T) {
	env := newTestEnv(t)
	env.router.RegisterBot("s1", "scout")
	env.busy["s1"] = true

	for i := 0; i < 5; i++ {
		env.router.RouteBotTask("s-other", "@scout job", 0)
	}
	if mentions, tasks := env.router.QueueDepth("s1"); tasks != 3 || mentions != 0 {
		t.Errorf("queue depth = (%d, %d), want (0, 3) — overflow drops newest", mentions, tasks)
	}
	if got := env.disp.all(); len(got) != 0 {
		t.Errorf("busy target dispatched anyway: %+v", got)
	}
}

func TestIdleDrainMentionsFirst(t *testing.T) {
	env := newTestEnv(t)
	env.router.RegisterBot("s1", "scout")
	env.busy["s1"] = true

	env.router.RouteBotTask("s-other", "@scout queued task", 0)
	env.router.RouteHubMessage(hub.Message{ID: "m", From: "op", Text: "@scout queued mention"}, OriginHuman)

	env.busy["s1"] = false
	env.clock = env.clock.Add(2 * time.Minute) // clear any cooldown
	env.router.OnSessionIdle("s1")

	got := env.disp.all()
	if len(got) != 1 || got[0].kind != "mention" {
		t.Fatalf("first drain = %+v, want the queued mention", got)
	}

	env.router.OnSessionIdle("s1")
	got = env.disp.all()
	if len(got) != 2 || got[1].kind != "task" {
		t.Errorf("second drain = %+v, want the queued task", got)
	}
}

func TestIdleDrainCooldownFallsThroughToTask(t *testing.T) {
	env := newTestEnv(t)
	env.router.RegisterBot("s1", "scout")

	// Put scout in cooldown via a delivered mention, then queue one of
	// each while busy.
	env.router.RouteHubMessage(hub.Message{ID: "m0", From: "op", Text: "@scout warmup"}, OriginHuman)
	env.busy["s1"] = true
	env.router.RouteHubMessage(hub.Message{ID: "m1", From: "op", Text: "@scout queued"}, OriginHuman)
	env.router.RouteBotTask("s-other", "@scout fallback task", 0)

	env.busy["s1"] = false
	env.router.OnSessionIdle("s1") // still inside cooldown window

	got := env.disp.all()
	if len(got) != 2 || got[1].kind != "task" {
		t.Fatalf("deliveries = %+v, want warmup mention then fallback task", got)
	}
}

func TestUnregisterPurgesState(t *testing.T) {
	env := newTestEnv(t)
	env.router.RegisterBot("s1", "scout")
	env.busy["s1"] = true
	env.router.RouteBotTask("s-other", "@scout pending", 0)

	env.router.UnregisterBot("s1")
	if mentions, tasks := env.router.QueueDepth("s1"); mentions != 0 || tasks != 0 {
		t.Errorf("queues not purged: (%d, %d)", mentions, tasks)
	}
	if _, ok := env.router.Resolve("scout"); ok {
		t.Error("name still resolvable after unregister")
	}
}

func TestAtAllTargetsEveryoneButAuthor(t *testing.T) {
	env := newTestEnv(t)
	env.router.RegisterBot("s1", "scout")
	env.router.RegisterBot("s2", "helper")
	env.router.RegisterBot("s3", "reviewer")

	env.router.RouteHubMessage(hub.Message{ID: "m", From: "scout", SessionID: "s1", Text: "@all standup"}, 0)
	got := env.disp.all()
	if len(got) != 2 {
		t.Fatalf("deliveries = %+v, want 2 (author excluded)", got)
	}
	for _, d := range got {
		if d.sessionID == "s1" {
			t.Error("@all delivered back to author")
		}
	}
}
