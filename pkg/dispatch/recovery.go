package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rookery-ai/rookery/pkg/logger"
	"github.com/rookery-ai/rookery/pkg/routing"
)

// InterruptedSession is one busy session captured at shutdown: enough
// to replay the prompt after restart.
type InterruptedSession struct {
	SessionID     string    `json:"session_id"`
	BotName       string    `json:"bot_name"`
	Prompt        string    `json:"prompt"`
	InterruptedAt time.Time `json:"interrupted_at"`
}

type snapshotFile struct {
	CreatedAt time.Time            `json:"created_at"`
	Sessions  []InterruptedSession `json:"sessions"`
}

// DrainAndSnapshot is the shutdown sequence: wait for busy sessions to
// finish up to the timeout, then snapshot whatever is still running and
// abort it.
func (p *Pipeline) DrainAndSnapshot(ctx context.Context, timeout time.Duration, path string) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(p.procs.BusySessions()) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			deadline = time.Now()
		case <-time.After(200 * time.Millisecond):
		}
	}

	busy := p.procs.BusySessions()
	if len(busy) == 0 {
		return
	}
	n, err := p.SnapshotInterrupted(path)
	if err != nil {
		logger.ErrorCF("dispatch", "snapshot failed", map[string]interface{}{"error": err.Error()})
	} else {
		logger.InfoCF("dispatch", "interrupted sessions snapshotted", map[string]interface{}{
			"count": n, "path": path,
		})
	}
	for _, id := range busy {
		p.procs.Abort(id)
	}
}

// SnapshotInterrupted writes the busy sessions' last delivered prompts
// to path. Returns how many sessions were captured.
func (p *Pipeline) SnapshotInterrupted(path string) (int, error) {
	snap := snapshotFile{CreatedAt: time.Now()}
	for _, id := range p.procs.BusySessions() {
		sess, err := p.sessions.FindByID(id)
		if err != nil {
			continue
		}
		last, ok := p.history.LastUserMessage(id)
		if !ok || last.Content == "" {
			continue
		}
		snap.Sessions = append(snap.Sessions, InterruptedSession{
			SessionID:     id,
			BotName:       sess.Name,
			Prompt:        last.Content,
			InterruptedAt: time.Now(),
		})
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return 0, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return 0, fmt.Errorf("write snapshot: %w", err)
	}
	return len(snap.Sessions), nil
}

// RestoreInterrupted replays a crash snapshot. The file is deleted
// before any replay starts, so a crash during replay cannot loop.
// Entries for deleted sessions or with empty prompts are skipped.
// Returns how many sessions were replayed.
func (p *Pipeline) RestoreInterrupted(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	os.Remove(path)

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		logger.WarnCF("dispatch", "corrupt snapshot discarded", map[string]interface{}{
			"path": path, "error": err.Error(),
		})
		return 0
	}

	replayed := 0
	for _, entry := range snap.Sessions {
		if entry.Prompt == "" {
			continue
		}
		if _, err := p.sessions.FindByID(entry.SessionID); err != nil {
			logger.DebugCF("dispatch", "snapshot entry for deleted session skipped", map[string]interface{}{
				"session": entry.SessionID,
			})
			continue
		}
		prompt := fmt.Sprintf("You were interrupted mid-task by a restart. Pick the work back up.\nOriginal request:\n%s", entry.Prompt)
		go p.deliverLogged(entry.SessionID, prompt, SourceResume, routing.OriginHuman)
		replayed++
	}
	if replayed > 0 {
		logger.InfoCF("dispatch", "interrupted sessions resumed", map[string]interface{}{
			"count": replayed,
		})
	}
	return replayed
}
