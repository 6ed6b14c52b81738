// Hub board API — read the shared message board, post as the operator,
// review and acknowledge the completed-task ledger.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// GET /api/hub/messages — full board, oldest first.
// POST /api/hub/messages — post a board message as the operator.
func (s *Server) handleHubMessages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		msgs := s.board.All()
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n < len(msgs) {
				msgs = msgs[len(msgs)-n:]
			}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"messages": msgs,
			"count":    len(msgs),
		})
	case "POST":
		var req struct {
			From   string   `json:"from"`
			Text   string   `json:"text"`
			Images []string `json:"images"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text required"})
			return
		}
		if req.From == "" {
			req.From = "Operator"
		}
		msg := s.pipeline.PostHubMessage(req.From, req.Text, req.Images...)
		writeJSON(w, http.StatusCreated, msg)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

// GET /api/hub/tasks — completed tasks awaiting operator review.
func (s *Server) handleHubTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "GET required"})
		return
	}
	tasks := s.board.UnacknowledgedTasks()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
		"count": len(tasks),
	})
}

// POST /api/hub/tasks/ack — clear the review queue.
func (s *Server) handleAckTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}
	n := s.board.AcknowledgeAll()
	writeJSON(w, http.StatusOK, map[string]interface{}{"acknowledged": n})
}
