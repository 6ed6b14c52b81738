package store

import (
	"path/filepath"
	"testing"
)

func TestSessionDirectoryCreateIdempotent(t *testing.T) {
	d := NewSessionDirectory(t.TempDir())

	s1, err := d.Create("scout", "/work/scout")
	if err != nil {
		t.Fatal(err)
	}
	s2, err := d.Create("Scout", "/elsewhere")
	if err != nil {
		t.Fatal(err)
	}
	if s2.ID != s1.ID {
		t.Errorf("second create made a new session: %s vs %s", s2.ID, s1.ID)
	}
	if s2.WorkingDir != "/work/scout" {
		t.Errorf("existing record mutated: WorkingDir = %q", s2.WorkingDir)
	}
	all, _ := d.FindAll()
	if len(all) != 1 {
		t.Errorf("directory holds %d sessions, want 1", len(all))
	}
}

func TestSessionDirectoryReload(t *testing.T) {
	dir := t.TempDir()
	d := NewSessionDirectory(dir)
	s, _ := d.Create("scout", "/work")
	s.Instructions = "watch the build"
	if err := d.Save(s); err != nil {
		t.Fatal(err)
	}

	d2 := NewSessionDirectory(dir)
	got, err := d2.FindByID(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Instructions != "watch the build" {
		t.Errorf("Instructions = %q after reload", got.Instructions)
	}
	if _, err := d2.FindByName("SCOUT"); err != nil {
		t.Errorf("case-insensitive lookup failed: %v", err)
	}
}

func TestSessionDirectoryHandsOutCopies(t *testing.T) {
	d := NewSessionDirectory(t.TempDir())
	s, _ := d.Create("scout", "/work")

	// Mutating a looked-up record must not leak into the directory
	// until it is saved.
	got, _ := d.FindByID(s.ID)
	got.Instructions = "scribbled on"
	got.Skills = append(got.Skills, "review")

	again, _ := d.FindByID(s.ID)
	if again.Instructions != "" || len(again.Skills) != 0 {
		t.Errorf("unsaved mutation visible: %+v", again)
	}

	all, _ := d.FindAll()
	all[0].Name = "renamed behind the store's back"
	if byID, _ := d.FindByID(s.ID); byID.Name != "scout" {
		t.Errorf("FindAll aliases the cache: Name = %q", byID.Name)
	}
}

func TestSessionDirectoryConcurrentAccess(t *testing.T) {
	d := NewSessionDirectory(t.TempDir())
	s, _ := d.Create("scout", "/work")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			sess, err := d.FindByID(s.ID)
			if err != nil {
				return
			}
			sess.LastSeenHubID = "msg-" + sess.LastSeenHubID
			d.Save(sess)
		}
	}()
	for i := 0; i < 50; i++ {
		all, _ := d.FindAll()
		for _, sess := range all {
			_ = sess.LastSeenHubID
			_ = sess.Instructions
		}
	}
	<-done
}

func TestSessionDirectoryRename(t *testing.T) {
	d := NewSessionDirectory(t.TempDir())
	a, _ := d.Create("alpha", "/a")
	d.Create("beta", "/b")

	if _, err := d.Rename(a.ID, "Beta"); err != ErrNameTaken {
		t.Errorf("rename onto taken name: err = %v, want ErrNameTaken", err)
	}
	if _, err := d.Rename(a.ID, "gamma"); err != nil {
		t.Fatalf("rename failed: %v", err)
	}
	if _, err := d.FindByName("gamma"); err != nil {
		t.Errorf("renamed session not findable: %v", err)
	}
}

func TestHistoryAppendAndRecent(t *testing.T) {
	h, err := OpenHistory(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	h.Append("s1", "user", "first prompt")
	h.Append("s1", "assistant", "first reply")
	h.Append("s1", "user", "second prompt")
	h.Append("s2", "user", "other session")

	msgs, err := h.Recent("s1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[0].Content != "first prompt" || msgs[2].Content != "second prompt" {
		t.Errorf("wrong order: %q … %q", msgs[0].Content, msgs[2].Content)
	}

	last, ok := h.LastUserMessage("s1")
	if !ok || last.Content != "second prompt" {
		t.Errorf("LastUserMessage = %+v, %v", last, ok)
	}

	if n, _ := h.Count("s2"); n != 1 {
		t.Errorf("s2 count = %d, want 1", n)
	}
}

func TestHistorySummaryTrimsTranscript(t *testing.T) {
	h, err := OpenHistory(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	for i := 0; i < 20; i++ {
		h.Append("s1", "user", "turn")
	}
	if err := h.SaveSummary("s1", "twenty turns of nothing", 5); err != nil {
		t.Fatal(err)
	}

	if n, _ := h.Count("s1"); n != 5 {
		t.Errorf("post-summary count = %d, want 5", n)
	}
	if s, ok := h.Summary("s1"); !ok || s != "twenty turns of nothing" {
		t.Errorf("Summary = %q, %v", s, ok)
	}
}

func TestHistoryDeleteSession(t *testing.T) {
	h, err := OpenHistory(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	h.Append("s1", "user", "hello")
	h.SaveSummary("s1", "short", 10)
	if err := h.DeleteSession("s1"); err != nil {
		t.Fatal(err)
	}
	if n, _ := h.Count("s1"); n != 0 {
		t.Errorf("messages remain after delete: %d", n)
	}
	if _, ok := h.Summary("s1"); ok {
		t.Error("summary remains after delete")
	}
}
