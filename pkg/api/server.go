// Rookery gateway — REST endpoints for bot and board management plus a
// WebSocket for live stream events.
package api

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/rookery-ai/rookery/pkg/bus"
	"github.com/rookery-ai/rookery/pkg/config"
	"github.com/rookery-ai/rookery/pkg/dispatch"
	"github.com/rookery-ai/rookery/pkg/hub"
	"github.com/rookery-ai/rookery/pkg/logger"
	"github.com/rookery-ai/rookery/pkg/routing"
	"github.com/rookery-ai/rookery/pkg/store"
)

// Server is the HTTP/WebSocket gateway.
type Server struct {
	config    *config.Config
	pipeline  *dispatch.Pipeline
	board     *hub.Board
	router    *routing.Router
	sessions  *store.SessionDirectory
	history   *store.HistoryStore
	isBusy    func(sessionID string) bool
	bus       *bus.Bus
	wsHub     *WSHub
	bridge    *EventBridge
	startTime time.Time
	server    *http.Server

	// onShutdown asks the daemon to begin its drain-and-snapshot stop
	// sequence. Wired by main; nil disables the endpoint.
	onShutdown func()
}

func NewServer(cfg *config.Config, pipeline *dispatch.Pipeline, board *hub.Board,
	router *routing.Router, sessions *store.SessionDirectory, history *store.HistoryStore,
	isBusy func(string) bool, b *bus.Bus) *Server {
	// Secure-by-default: auto-generate an API key if none is configured.
	// Random key per run, printed once at startup; set gateway.api_key or
	// ROOKERY_API_KEY for a persistent one.
	if cfg.Gateway.APIKey == "" {
		raw := make([]byte, 24)
		if _, err := rand.Read(raw); err == nil {
			cfg.Gateway.APIKey = hex.EncodeToString(raw)
			fmt.Println()
			fmt.Println("╔══════════════════════════════════════════════════════╗")
			fmt.Println("║           ROOKERY API KEY (session token)            ║")
			fmt.Printf("║  %-52s  ║\n", cfg.Gateway.APIKey)
			fmt.Println("║  Set gateway.api_key in the config file to make      ║")
			fmt.Println("║  this permanent. Rotate it any time.                 ║")
			fmt.Println("╚══════════════════════════════════════════════════════╝")
			fmt.Println()
		}
	}

	s := &Server{
		config:    cfg,
		pipeline:  pipeline,
		board:     board,
		router:    router,
		sessions:  sessions,
		history:   history,
		isBusy:    isBusy,
		bus:       b,
		startTime: time.Now(),
	}
	s.wsHub = NewWSHub()
	s.bridge = NewEventBridge(b, s.wsHub)
	return s
}

// SetShutdownFunc enables POST /api/system/shutdown.
func (s *Server) SetShutdownFunc(fn func()) { s.onShutdown = fn }

// routes builds the full handler stack: mux wrapped in CORS and auth.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/system/status", s.handleSystemStatus)
	mux.HandleFunc("/api/system/shutdown", s.handleShutdown)

	mux.HandleFunc("/api/bots", s.handleBots)
	mux.HandleFunc("/api/bots/", s.handleBotByID)

	mux.HandleFunc("/api/hub/messages", s.handleHubMessages)
	mux.HandleFunc("/api/hub/tasks", s.handleHubTasks)
	mux.HandleFunc("/api/hub/tasks/ack", s.handleAckTasks)

	mux.HandleFunc("/api/ws", s.wsHub.HandleWebSocket)

	return corsMiddleware(s.requireAuth(mux))
}

// Start begins listening on the configured host:port.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Gateway.Host, s.config.Gateway.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.InfoCF("api", "gateway starting", map[string]interface{}{
		"addr": addr,
	})

	go s.wsHub.Run(ctx)
	go s.bridge.Run(ctx)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("api", "server error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// --- Middleware ---

// requireAuth guards every route except the health check. Clients
// present the key as "Authorization: Bearer <key>", "X-API-Key: <key>",
// or "?token=<key>" on WebSocket upgrades. NewServer generates a key
// when the config leaves it blank, so the key is never empty here.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	key := []byte(s.config.Gateway.APIKey)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health stays open; OPTIONS preflight belongs to CORS.
		if r.URL.Path == "/api/health" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		tok := requestToken(r)
		if tok == "" || subtle.ConstantTimeCompare([]byte(tok), key) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="rookery"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "unauthorized — bearer token required",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	return r.URL.Query().Get("token")
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || isAllowedOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "http://localhost")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isAllowedOrigin checks if the origin is a trusted localhost address.
func isAllowedOrigin(origin string) bool {
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

// --- System handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.startTime)

	all, _ := s.sessions.FindAll()
	busy := 0
	for _, sess := range all {
		if s.isBusy(sess.ID) {
			busy++
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(uptime.Seconds()),
		"uptime_human":   formatDuration(uptime),
		"bots":           len(all),
		"busy":           busy,
		"hub_messages":   s.board.Len(),
		"unacked_tasks":  len(s.board.UnacknowledgedTasks()),
		"goroutines":     runtime.NumGoroutine(),
	})
}

// handleShutdown starts the daemon's graceful stop: scheduler halt,
// bounded drain of busy sessions, snapshot of the rest. The response
// returns before the process exits.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}
	if s.onShutdown == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "shutdown not wired"})
		return
	}
	logger.InfoC("api", "shutdown requested over API")
	go s.onShutdown()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "shutting down"})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
