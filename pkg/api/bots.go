// Bot management API — CRUD + message dispatch for bot sessions.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rookery-ai/rookery/pkg/store"
)

// BotInfo is a bot session as seen by API clients.
type BotInfo struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	WorkingDir     string `json:"working_dir"`
	Model          string `json:"model,omitempty"`
	Autonomy       bool   `json:"autonomy"`
	Busy           bool   `json:"busy"`
	QueuedMentions int    `json:"queued_mentions"`
	QueuedTasks    int    `json:"queued_tasks"`
	CreatedAt      string `json:"created_at"`
}

func (s *Server) botInfo(sess *store.BotSession) BotInfo {
	mentions, tasks := s.router.QueueDepth(sess.ID)
	return BotInfo{
		ID:             sess.ID,
		Name:           sess.Name,
		WorkingDir:     sess.WorkingDir,
		Model:          sess.Model,
		Autonomy:       sess.Autonomy,
		Busy:           s.isBusy(sess.ID),
		QueuedMentions: mentions,
		QueuedTasks:    tasks,
		CreatedAt:      sess.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

// handleBots dispatches /api/bots requests.
func (s *Server) handleBots(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		s.handleListBots(w, r)
	case "POST":
		s.handleCreateBot(w, r)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

// handleBotByID dispatches /api/bots/{id} requests, including action
// sub-paths: /api/bots/{id}/send, /api/bots/{id}/abort,
// /api/bots/{id}/rename, /api/bots/{id}/history.
func (s *Server) handleBotByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/bots/")
	parts := strings.SplitN(rest, "/", 2)
	botID := parts[0]

	if len(parts) == 2 {
		switch parts[1] {
		case "send":
			s.handleSendToBot(w, r, botID)
		case "abort":
			s.handleAbortBot(w, r, botID)
		case "rename":
			s.handleRenameBot(w, r, botID)
		case "history":
			s.handleBotHistory(w, r, botID)
		default:
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown action"})
		}
		return
	}

	switch r.Method {
	case "GET":
		s.handleGetBot(w, r, botID)
	case "PUT":
		s.handleUpdateBot(w, r, botID)
	case "DELETE":
		s.handleDeleteBot(w, r, botID)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

// GET /api/bots — list all bot sessions with runtime state.
func (s *Server) handleListBots(w http.ResponseWriter, r *http.Request) {
	all, err := s.sessions.FindAll()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	bots := make([]BotInfo, 0, len(all))
	for _, sess := range all {
		bots = append(bots, s.botInfo(sess))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"bots":  bots,
		"count": len(bots),
	})
}

// POST /api/bots — create a bot session. Idempotent on name.
func (s *Server) handleCreateBot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string `json:"name"`
		WorkingDir string `json:"working_dir"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name required"})
		return
	}
	sess, err := s.pipeline.CreateBot(req.Name, req.WorkingDir)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, s.botInfo(sess))
}

func (s *Server) handleGetBot(w http.ResponseWriter, r *http.Request, botID string) {
	sess, err := s.sessions.FindByID(botID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "bot not found"})
		return
	}
	writeJSON(w, http.StatusOK, s.botInfo(sess))
}

// PUT /api/bots/{id} — update instructions, model, autonomy.
func (s *Server) handleUpdateBot(w http.ResponseWriter, r *http.Request, botID string) {
	sess, err := s.sessions.FindByID(botID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "bot not found"})
		return
	}
	var req struct {
		Model               *string `json:"model"`
		Autonomy            *bool   `json:"autonomy"`
		Instructions        *string `json:"instructions"`
		CompactInstructions *string `json:"compact_instructions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Model != nil {
		sess.Model = *req.Model
	}
	if req.Autonomy != nil {
		sess.Autonomy = *req.Autonomy
	}
	if req.Instructions != nil {
		sess.Instructions = *req.Instructions
	}
	if req.CompactInstructions != nil {
		sess.CompactInstructions = *req.CompactInstructions
	}
	if err := s.sessions.Save(sess); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.botInfo(sess))
}

func (s *Server) handleDeleteBot(w http.ResponseWriter, r *http.Request, botID string) {
	if err := s.pipeline.DeleteBot(botID); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// POST /api/bots/{id}/send — dispatch a message to the bot. The turn
// runs in the background; stream it over /api/ws.
func (s *Server) handleSendToBot(w http.ResponseWriter, r *http.Request, botID string) {
	if r.Method != "POST" {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}
	var req struct {
		Message     string   `json:"message"`
		Attachments []string `json:"attachments"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message required"})
		return
	}
	if _, err := s.sessions.FindByID(botID); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "bot not found"})
		return
	}
	if s.isBusy(botID) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "bot is busy"})
		return
	}

	// The turn outlives this request; the request context dies with the
	// 202 and would kill the subprocess mid-stream.
	go s.pipeline.DeliverDirect(context.Background(), botID, req.Message, req.Attachments...)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "dispatched"})
}

// POST /api/bots/{id}/abort — kill the in-flight subprocess turn.
func (s *Server) handleAbortBot(w http.ResponseWriter, r *http.Request, botID string) {
	if r.Method != "POST" {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}
	aborted := s.pipeline.Abort(botID)
	writeJSON(w, http.StatusOK, map[string]interface{}{"aborted": aborted})
}

// POST /api/bots/{id}/rename
func (s *Server) handleRenameBot(w http.ResponseWriter, r *http.Request, botID string) {
	if r.Method != "POST" {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name required"})
		return
	}
	sess, err := s.pipeline.RenameBot(botID, req.Name)
	if err != nil {
		status := http.StatusInternalServerError
		if err == store.ErrSessionNotFound {
			status = http.StatusNotFound
		} else if err == store.ErrNameTaken {
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.botInfo(sess))
}

// GET /api/bots/{id}/history — recent transcript entries.
func (s *Server) handleBotHistory(w http.ResponseWriter, r *http.Request, botID string) {
	if _, err := s.sessions.FindByID(botID); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "bot not found"})
		return
	}
	msgs, err := s.history.Recent(botID, 100)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": msgs,
		"count":    len(msgs),
	})
}
