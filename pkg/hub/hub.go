// Package hub is the shared message board. Every bot and the operator
// post here; routing and polling read from here. The board is a bounded
// FIFO persisted to disk on every append.
package hub

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rookery-ai/rookery/pkg/logger"
)

// SystemAuthor marks board messages posted by rookery itself (warnings,
// nudges, digests).
const SystemAuthor = "System"

// Message is one board entry. Images carries optional image references
// (paths or URLs); the board stores them as-is, serving them is the
// client's problem.
type Message struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	Text      string    `json:"text"`
	SessionID string    `json:"session_id,omitempty"`
	Images    []string  `json:"images,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CompletedTask is one entry in the completed-task ledger, created when
// a [TASK-DONE: …] marker shows up inside a board post.
type CompletedTask struct {
	ID           string    `json:"id"`
	MessageID    string    `json:"message_id"`
	From         string    `json:"from"`
	Description  string    `json:"description"`
	SessionID    string    `json:"session_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Acknowledged bool      `json:"acknowledged"`
}

// Board is the mutex-guarded message board plus the task ledger. Both
// are persisted synchronously on mutation; a write failure is logged
// and never blocks a delivery.
type Board struct {
	mu          sync.Mutex
	messages    []Message
	tasks       []CompletedTask
	maxMessages int

	messagesPath string
	tasksPath    string
}

func NewBoard(dataDir string, maxMessages int) *Board {
	b := &Board{
		maxMessages:  maxMessages,
		messagesPath: filepath.Join(dataDir, "hub_messages.json"),
		tasksPath:    filepath.Join(dataDir, "completed_tasks.json"),
	}
	b.load()
	return b
}

func (b *Board) load() {
	loadJSON(b.messagesPath, &b.messages)
	loadJSON(b.tasksPath, &b.tasks)
	if len(b.messages) > b.maxMessages {
		b.messages = b.messages[len(b.messages)-b.maxMessages:]
	}
}

// Add appends a message, trims the board to its cap, and persists before
// returning, so a crash right after a post cannot lose it.
func (b *Board) Add(from, text, sessionID string, images ...string) Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	msg := Message{
		ID:        uuid.NewString(),
		From:      from,
		Text:      text,
		SessionID: sessionID,
		Images:    append([]string(nil), images...),
		Timestamp: time.Now(),
	}
	b.messages = append(b.messages, msg)
	if len(b.messages) > b.maxMessages {
		b.messages = b.messages[len(b.messages)-b.maxMessages:]
	}
	b.persist(b.messagesPath, b.messages)
	return msg
}

// All returns a copy of the board, oldest first.
func (b *Board) All() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.messages))
	copy(out, b.messages)
	return out
}

// Len returns the current board size.
func (b *Board) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages)
}

// RecentFor returns the last n messages relevant to the named bot,
// oldest first.
func (b *Board) RecentFor(n int, botName string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Message
	for i := len(b.messages) - 1; i >= 0 && len(out) < n; i-- {
		if relevantTo(b.messages[i], botName) {
			out = append(out, b.messages[i])
		}
	}
	reverse(out)
	return out
}

// FreshFor splits relevant messages around the bot's last-seen marker:
// everything after lastSeenID is fresh; up to minContext older relevant
// messages are returned as context. When lastSeenID is empty or no
// longer on the board, everything relevant counts as fresh.
func (b *Board) FreshFor(botName, lastSeenID string, minContext int) (context, fresh []Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	seenIdx := -1
	if lastSeenID != "" {
		for i, m := range b.messages {
			if m.ID == lastSeenID {
				seenIdx = i
				break
			}
		}
	}

	for i := seenIdx + 1; i < len(b.messages); i++ {
		if relevantTo(b.messages[i], botName) {
			fresh = append(fresh, b.messages[i])
		}
	}
	for i := seenIdx; i >= 0 && len(context) < minContext; i-- {
		if relevantTo(b.messages[i], botName) {
			context = append(context, b.messages[i])
		}
	}
	reverse(context)
	return context, fresh
}

// LastID returns the id of the newest board message, or "".
func (b *Board) LastID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.messages) == 0 {
		return ""
	}
	return b.messages[len(b.messages)-1].ID
}

// --- Completed-task ledger ---

// AddCompletedTask records a task completion and persists the ledger.
func (b *Board) AddCompletedTask(messageID, from, description, sessionID string) CompletedTask {
	b.mu.Lock()
	defer b.mu.Unlock()

	task := CompletedTask{
		ID:          uuid.NewString(),
		MessageID:   messageID,
		From:        from,
		Description: description,
		SessionID:   sessionID,
		Timestamp:   time.Now(),
	}
	b.tasks = append(b.tasks, task)
	b.persist(b.tasksPath, b.tasks)
	return task
}

// UnacknowledgedTasks returns ledger entries not yet acked, oldest first.
func (b *Board) UnacknowledgedTasks() []CompletedTask {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []CompletedTask
	for _, t := range b.tasks {
		if !t.Acknowledged {
			out = append(out, t)
		}
	}
	return out
}

// AcknowledgeAll marks every ledger entry acked and returns how many
// changed state.
func (b *Board) AcknowledgeAll() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for i := range b.tasks {
		if !b.tasks[i].Acknowledged {
			b.tasks[i].Acknowledged = true
			n++
		}
	}
	if n > 0 {
		b.persist(b.tasksPath, b.tasks)
	}
	return n
}

// --- Relevance ---

// relevantTo decides whether a message belongs in the named bot's view.
// Own posts, System posts, direct mentions, @all, @You, and undirected
// chatter are in; a message aimed at some other @name is out.
func relevantTo(m Message, botName string) bool {
	if strings.EqualFold(m.From, botName) || m.From == SystemAuthor {
		return true
	}
	lower := strings.ToLower(m.Text)
	if strings.Contains(lower, "@"+strings.ToLower(botName)) {
		return true
	}
	if strings.Contains(lower, "@all") || strings.Contains(lower, "@you") {
		return true
	}
	return !strings.Contains(m.Text, "@")
}

// --- Task-done marker ---

const taskDoneMarker = "[TASK-DONE:"

// ExtractTaskDone finds a [TASK-DONE: …] marker inside post text. The
// body may contain nested balanced brackets.
func ExtractTaskDone(text string) (string, bool) {
	idx := strings.Index(text, taskDoneMarker)
	if idx < 0 {
		return "", false
	}
	depth := 1
	start := idx + len(taskDoneMarker)
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return strings.TrimSpace(text[start:i]), true
			}
		}
	}
	return "", false
}

// --- Persistence ---

func (b *Board) persist(path string, v interface{}) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		logger.ErrorCF("hub", "persist failed", map[string]interface{}{"path": path, "error": err.Error()})
		return
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		logger.ErrorCF("hub", "persist marshal failed", map[string]interface{}{"path": path, "error": err.Error()})
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		logger.ErrorCF("hub", "persist write failed", map[string]interface{}{"path": path, "error": err.Error()})
	}
}

func loadJSON(path string, v interface{}) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		logger.WarnCF("hub", "corrupt store file ignored", map[string]interface{}{"path": path, "error": err.Error()})
	}
}

func reverse(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
