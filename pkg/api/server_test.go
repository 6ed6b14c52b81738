package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rookery-ai/rookery/pkg/claude"
	"github.com/rookery-ai/rookery/pkg/config"
	"github.com/rookery-ai/rookery/pkg/dispatch"
	"github.com/rookery-ai/rookery/pkg/hub"
	"github.com/rookery-ai/rookery/pkg/routing"
	"github.com/rookery-ai/rookery/pkg/scheduler"
	"github.com/rookery-ai/rookery/pkg/store"
)

// stubRunner fakes the subprocess layer. Each turn sleeps long enough
// for the send handler to answer first, then reports the context state
// it finished under.
type stubRunner struct {
	mu    sync.Mutex
	busy  map[string]bool
	turns chan error
}

func newStubRunner() *stubRunner {
	return &stubRunner{busy: make(map[string]bool), turns: make(chan error, 8)}
}

func (r *stubRunner) CreateSession(id, workingDir string) {}
func (r *stubRunner) RemoveSession(id string)             {}
func (r *stubRunner) Abort(id string) bool                { return false }
func (r *stubRunner) ForceNewConversation(id string)      {}

func (r *stubRunner) IsBusy(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.busy[id]
}

func (r *stubRunner) BusySessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, b := range r.busy {
		if b {
			out = append(out, id)
		}
	}
	return out
}

func (r *stubRunner) SendMessage(ctx context.Context, id, prompt string, opts claude.SendOptions, onEvent func(claude.ParsedEvent)) (int, error) {
	time.Sleep(30 * time.Millisecond)
	r.turns <- ctx.Err()
	onEvent(claude.ParsedEvent{Type: claude.EventDelta, Text: "ok"})
	onEvent(claude.ParsedEvent{Type: claude.EventResult, Success: true})
	return 0, nil
}

type apiEnv struct {
	ts     *httptest.Server
	runner *stubRunner
	pipe   *dispatch.Pipeline
	key    string
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Gateway.APIKey = "test-key"
	cfg.Storage.DataDir = dir

	runner := newStubRunner()
	board := hub.NewBoard(dir, 50)
	sessions := store.NewSessionDirectory(filepath.Join(dir, "sessions"))
	history, err := store.OpenHistory(filepath.Join(dir, "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { history.Close() })

	router := routing.NewRouter(3, 3, 60*time.Second, runner.IsBusy, nil)
	sched := scheduler.New(board, sessions, router, runner.IsBusy, nil,
		30*time.Second, 10*time.Minute, 15*time.Minute, 4, 3, "")
	pipe := dispatch.NewPipeline(runner, board, router, sched, sessions, history, nil,
		[]string{"sonnet"}, 1)
	router.SetDispatcher(pipe)
	sched.SetDispatcher(pipe)

	srv := NewServer(cfg, pipe, board, router, sessions, history, runner.IsBusy, nil)
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)

	return &apiEnv{ts: ts, runner: runner, pipe: pipe, key: cfg.Gateway.APIKey}
}

func (e *apiEnv) request(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, e.ts.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAuthGuardsRoutes(t *testing.T) {
	env := newAPIEnv(t)

	tests := []struct {
		name   string
		path   string
		token  string
		header string
		want   int
	}{
		{"health open", "/api/health", "", "", http.StatusOK},
		{"bots without token", "/api/bots", "", "", http.StatusUnauthorized},
		{"bots wrong token", "/api/bots", "not-the-key", "", http.StatusUnauthorized},
		{"bots bearer", "/api/bots", env.key, "", http.StatusOK},
		{"bots x-api-key", "/api/bots", "", env.key, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest("GET", env.ts.URL+tt.path, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			if tt.header != "" {
				req.Header.Set("X-API-Key", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("GET %s = %d, want %d", tt.path, resp.StatusCode, tt.want)
			}
		})
	}
}

func TestSendOutlivesRequest(t *testing.T) {
	env := newAPIEnv(t)
	bot, err := env.pipe.CreateBot("scout", "/work")
	if err != nil {
		t.Fatal(err)
	}

	resp := env.request(t, "POST", "/api/bots/"+bot.ID+"/send", env.key,
		map[string]interface{}{"message": "check the build"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("send = %d, want 202", resp.StatusCode)
	}

	// The turn runs after the 202 went out; its context must stay live
	// for the whole run, not die with the request.
	select {
	case ctxErr := <-env.runner.turns:
		if ctxErr != nil {
			t.Fatalf("turn context dead after response: %v", ctxErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("turn never ran")
	}
}
