package claude

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rookery-ai/rookery/pkg/logger"
)

// ProcessError is the error type for subprocess lifecycle failures.
type ProcessError string

func (e ProcessError) Error() string { return string(e) }

const (
	ErrSessionBusy     ProcessError = "session already has an outstanding send"
	ErrSessionNotFound ProcessError = "session not found"
	ErrSendCanceled    ProcessError = "send canceled"
)

// Handle is the manager's view of one bot session's subprocess slot.
type Handle struct {
	ID         string
	WorkingDir string

	resumeID string // CLI conversation id, learned from the init event
	fresh    bool   // next send starts a new conversation
	busy     bool
	cancel   context.CancelFunc
}

// SendOptions tunes one SendMessage call.
type SendOptions struct {
	Model        string   // tier to run; empty uses the CLI default
	Autonomy     bool     // skip permission prompts
	SystemPrompt string   // appended to the CLI system prompt
	Attachments  []string // file/image references folded into the prompt
}

// Manager owns every session's subprocess slot. All map access is
// mutex-guarded; the per-send reader goroutine only touches its own
// process pipes.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Handle
	binary   string
	timeout  time.Duration
}

func NewManager(binary string, timeout time.Duration) *Manager {
	return &Manager{
		sessions: make(map[string]*Handle),
		binary:   binary,
		timeout:  timeout,
	}
}

// CreateSession registers a session slot. Idempotent: an existing slot
// is left untouched.
func (m *Manager) CreateSession(id, workingDir string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; ok {
		return
	}
	m.sessions[id] = &Handle{ID: id, WorkingDir: workingDir, fresh: true}
}

// RemoveSession aborts any in-flight send and drops the slot.
func (m *Manager) RemoveSession(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.sessions[id]; ok {
		if h.cancel != nil {
			h.cancel()
		}
		delete(m.sessions, id)
	}
}

// IsBusy reports whether the session has an outstanding send.
func (m *Manager) IsBusy(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.sessions[id]
	return ok && h.busy
}

// BusySessions returns the ids of all sessions with an outstanding send.
func (m *Manager) BusySessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, h := range m.sessions {
		if h.busy {
			out = append(out, id)
		}
	}
	return out
}

// Abort cancels the in-flight send, if any. The send's reader goroutine
// observes process exit and releases the busy flag.
func (m *Manager) Abort(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.sessions[id]
	if !ok || h.cancel == nil {
		return false
	}
	h.cancel()
	return true
}

// ForceNewConversation makes the next send start a fresh CLI
// conversation instead of resuming. Used after history compaction.
func (m *Manager) ForceNewConversation(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.sessions[id]; ok {
		h.fresh = true
	}
}

// SendMessage runs one subprocess turn for the session: spawn, stream
// events through onEvent, wait for exit. Exactly one send can be
// outstanding per session; a second concurrent call fails fast with
// ErrSessionBusy. Returns the subprocess exit code.
func (m *Manager) SendMessage(ctx context.Context, id, prompt string, opts SendOptions, onEvent func(ParsedEvent)) (int, error) {
	m.mu.Lock()
	h, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return -1, ErrSessionNotFound
	}
	if h.busy {
		m.mu.Unlock()
		return -1, ErrSessionBusy
	}
	h.busy = true
	resumeID := h.resumeID
	if h.fresh {
		resumeID = ""
		h.fresh = false
	}
	workingDir := h.WorkingDir
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if h, ok := m.sessions[id]; ok {
			h.busy = false
			h.cancel = nil
		}
		m.mu.Unlock()
	}()

	runCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	args := buildArgs(prompt, resumeID, opts)
	cmd := exec.CommandContext(runCtx, m.binary, args...)
	cmd.Dir = workingDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("spawn %s: %w", m.binary, err)
	}

	m.mu.Lock()
	if h, ok := m.sessions[id]; ok {
		h.cancel = cancel
	}
	m.mu.Unlock()

	sawResult := false
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		evs, cliSession, terr := Translate(scanner.Bytes())
		if terr != nil {
			logger.DebugCF("agent", "undecodable stream line", map[string]interface{}{
				"session": id, "error": terr.Error(),
			})
			continue
		}
		if cliSession != "" {
			m.mu.Lock()
			if h, ok := m.sessions[id]; ok {
				h.resumeID = cliSession
			}
			m.mu.Unlock()
		}
		for _, ev := range evs {
			if ev.Type == EventResult {
				sawResult = true
			}
			onEvent(ev)
		}
	}
	if serr := scanner.Err(); serr != nil {
		logger.WarnCF("agent", "stream read error", map[string]interface{}{
			"session": id, "error": serr.Error(),
		})
	}

	exitCode := 0
	if werr := cmd.Wait(); werr != nil {
		exitCode = -1
		if exitErr, ok := werr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}

	// A dead process must still produce a terminal event for consumers.
	if !sawResult {
		onEvent(ParsedEvent{
			Type:     EventResult,
			Success:  exitCode == 0,
			ErrorMsg: exitSummary(exitCode, stderr.String()),
		})
	}

	// A process killed by Abort or the turn timeout exits non-zero just
	// like a model failure would; callers must be able to tell them
	// apart or they re-run the aborted prompt.
	if cerr := runCtx.Err(); cerr != nil && exitCode != 0 {
		return exitCode, fmt.Errorf("%w: %v", ErrSendCanceled, cerr)
	}

	return exitCode, nil
}

func buildArgs(prompt, resumeID string, opts SendOptions) []string {
	// The CLI has no attachment flag; references go into the prompt and
	// the agent reads the files itself.
	if len(opts.Attachments) > 0 {
		var b strings.Builder
		b.WriteString(prompt)
		b.WriteString("\n\nAttached files:")
		for _, a := range opts.Attachments {
			b.WriteString("\n- ")
			b.WriteString(a)
		}
		prompt = b.String()
	}
	args := []string{
		"-p", prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if resumeID != "" {
		args = append(args, "--resume", resumeID)
	}
	if opts.Autonomy {
		args = append(args, "--dangerously-skip-permissions")
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	return args
}

func exitSummary(exitCode int, stderr string) string {
	if exitCode == 0 {
		return ""
	}
	tail := strings.TrimSpace(stderr)
	if len(tail) > 500 {
		tail = tail[len(tail)-500:]
	}
	if tail == "" {
		return fmt.Sprintf("subprocess exited with code %d", exitCode)
	}
	return fmt.Sprintf("subprocess exited with code %d: %s", exitCode, tail)
}
