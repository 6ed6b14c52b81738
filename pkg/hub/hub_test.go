package hub

import (
	"fmt"
	"testing"
)

func newTestBoard(t *testing.T, cap int) *Board {
	t.Helper()
	return NewBoard(t.TempDir(), cap)
}

func TestBoardCapFIFO(t *testing.T) {
	b := newTestBoard(t, 5)
	for i := 0; i < 8; i++ {
		b.Add("alice", fmt.Sprintf("msg %d", i), "")
	}
	msgs := b.All()
	if len(msgs) != 5 {
		t.Fatalf("board size = %d, want 5", len(msgs))
	}
	if msgs[0].Text != "msg 3" || msgs[4].Text != "msg 7" {
		t.Errorf("oldest evicted first: got %q … %q", msgs[0].Text, msgs[4].Text)
	}
}

func TestBoardPersistAndReload(t *testing.T) {
	dir := t.TempDir()
	b := NewBoard(dir, 10)
	m := b.Add("alice", "persisted before Add returned", "s1")
	b.AddCompletedTask(m.ID, "alice", "shipped the thing", "s1")

	// A fresh Board over the same directory sees everything.
	b2 := NewBoard(dir, 10)
	if b2.Len() != 1 {
		t.Fatalf("reloaded board size = %d, want 1", b2.Len())
	}
	if got := b2.All()[0]; got.ID != m.ID || got.Text != m.Text {
		t.Errorf("reloaded message = %+v, want %+v", got, m)
	}
	tasks := b2.UnacknowledgedTasks()
	if len(tasks) != 1 || tasks[0].Description != "shipped the thing" {
		t.Errorf("reloaded tasks = %+v", tasks)
	}
}

func TestBoardMessageImages(t *testing.T) {
	dir := t.TempDir()
	b := NewBoard(dir, 10)
	b.Add("alice", "screenshot attached", "s1", "/uploads/crash.png", "/uploads/log.png")
	b.Add("bob", "no images here", "")

	msgs := b.All()
	if len(msgs[0].Images) != 2 || msgs[0].Images[0] != "/uploads/crash.png" {
		t.Errorf("images = %v", msgs[0].Images)
	}
	if msgs[1].Images != nil {
		t.Errorf("imageless post carries %v", msgs[1].Images)
	}

	// References survive a reload.
	b2 := NewBoard(dir, 10)
	if got := b2.All()[0].Images; len(got) != 2 {
		t.Errorf("reloaded images = %v", got)
	}
}

func TestRelevance(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		bot  string
		want bool
	}{
		{"own post", Message{From: "Scout", Text: "hi"}, "scout", true},
		{"system post", Message{From: SystemAuthor, Text: "warning"}, "scout", true},
		{"direct mention", Message{From: "alice", Text: "ping @Scout please"}, "scout", true},
		{"mention case insensitive", Message{From: "alice", Text: "@SCOUT go"}, "scout", true},
		{"at all", Message{From: "alice", Text: "@all standup"}, "scout", true},
		{"at you", Message{From: "operator", Text: "@You take this"}, "scout", true},
		{"undirected chatter", Message{From: "alice", Text: "deploy went fine"}, "scout", true},
		{"directed elsewhere", Message{From: "alice", Text: "@reviewer check this"}, "scout", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := relevantTo(tt.msg, tt.bot); got != tt.want {
				t.Errorf("relevantTo(%q, %q) = %v, want %v", tt.msg.Text, tt.bot, got, tt.want)
			}
		})
	}
}

func TestFreshFor(t *testing.T) {
	b := newTestBoard(t, 50)
	var marker string
	for i := 0; i < 6; i++ {
		m := b.Add("alice", fmt.Sprintf("update %d", i), "")
		if i == 3 {
			marker = m.ID
		}
	}

	context, fresh := b.FreshFor("scout", marker, 2)
	if len(fresh) != 2 {
		t.Fatalf("fresh = %d messages, want 2", len(fresh))
	}
	if fresh[0].Text != "update 4" || fresh[1].Text != "update 5" {
		t.Errorf("fresh = %q, %q", fresh[0].Text, fresh[1].Text)
	}
	if len(context) != 2 || context[1].Text != "update 3" {
		t.Errorf("context = %+v, want the 2 messages before the marker", context)
	}

	// Unknown marker: everything relevant is fresh.
	_, fresh = b.FreshFor("scout", "gone", 2)
	if len(fresh) != 6 {
		t.Errorf("fresh with unknown marker = %d, want 6", len(fresh))
	}
}

func TestExtractTaskDone(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		want   string
		wantOK bool
	}{
		{"plain", "all set [TASK-DONE: deploy v2] bye", "deploy v2", true},
		{"nested brackets", "[TASK-DONE: fix [critical] bug]", "fix [critical] bug", true},
		{"absent", "nothing to see", "", false},
		{"unterminated", "[TASK-DONE: never ends", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractTaskDone(tt.text)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("ExtractTaskDone(%q) = (%q, %v), want (%q, %v)", tt.text, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestAcknowledgeAll(t *testing.T) {
	b := newTestBoard(t, 10)
	b.AddCompletedTask("m1", "alice", "one", "")
	b.AddCompletedTask("m2", "bob", "two", "")

	if n := b.AcknowledgeAll(); n != 2 {
		t.Errorf("AcknowledgeAll() = %d, want 2", n)
	}
	if left := b.UnacknowledgedTasks(); len(left) != 0 {
		t.Errorf("still unacked: %+v", left)
	}
	if n := b.AcknowledgeAll(); n != 0 {
		t.Errorf("second AcknowledgeAll() = %d, want 0", n)
	}
}
