// Operator console: a readline REPL over the running daemon's HTTP API.
// `rookery console` connects to a local gateway; authenticate with the
// key printed at daemon startup (or ROOKERY_API_KEY).
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
)

type console struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func runConsole(args []string) error {
	fs := flag.NewFlagSet("console", flag.ExitOnError)
	url := fs.String("url", "http://127.0.0.1:9390", "gateway base URL")
	key := fs.String("key", os.Getenv("ROOKERY_API_KEY"), "API key (default $ROOKERY_API_KEY)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *key == "" {
		return fmt.Errorf("no API key: pass -key or set ROOKERY_API_KEY")
	}

	c := &console{
		baseURL: strings.TrimRight(*url, "/"),
		apiKey:  *key,
		client:  &http.Client{Timeout: 30 * time.Second},
	}

	if err := c.ping(); err != nil {
		return fmt.Errorf("gateway unreachable at %s: %w", c.baseURL, err)
	}

	home, _ := os.UserHomeDir()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "rookery> ",
		HistoryFile:     filepath.Join(home, ".rookery", "console_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("bots"),
			readline.PcItem("create"),
			readline.PcItem("delete"),
			readline.PcItem("send"),
			readline.PcItem("abort"),
			readline.PcItem("post"),
			readline.PcItem("board"),
			readline.PcItem("tasks"),
			readline.PcItem("ack"),
			readline.PcItem("status"),
			readline.PcItem("help"),
			readline.PcItem("exit"),
		),
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Println("rookery console — type 'help' for commands, 'exit' to quit")

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}
		if err := c.execute(line); err != nil {
			fmt.Println("error:", err)
		}
	}
}

func (c *console) execute(line string) error {
	parts := strings.Fields(line)
	cmd, args := parts[0], parts[1:]

	switch cmd {
	case "help":
		printHelp()
		return nil
	case "bots":
		return c.listBots()
	case "create":
		if len(args) < 1 {
			return fmt.Errorf("usage: create <name> [working-dir]")
		}
		dir := ""
		if len(args) > 1 {
			dir = args[1]
		}
		return c.createBot(args[0], dir)
	case "delete":
		if len(args) != 1 {
			return fmt.Errorf("usage: delete <bot-id>")
		}
		return c.deleteBot(args[0])
	case "send":
		if len(args) < 2 {
			return fmt.Errorf("usage: send <bot-id> <message>")
		}
		return c.sendToBot(args[0], strings.Join(args[1:], " "))
	case "abort":
		if len(args) != 1 {
			return fmt.Errorf("usage: abort <bot-id>")
		}
		return c.post("/api/bots/"+args[0]+"/abort", nil, nil)
	case "post":
		if len(args) < 1 {
			return fmt.Errorf("usage: post <message>")
		}
		return c.postHub(strings.Join(args, " "))
	case "board":
		return c.showBoard()
	case "tasks":
		return c.showTasks()
	case "ack":
		return c.ackTasks()
	case "status":
		return c.showStatus()
	default:
		return fmt.Errorf("unknown command %q (try 'help')", cmd)
	}
}

func printHelp() {
	fmt.Print(`commands:
  bots                      list bot sessions
  create <name> [dir]       create a bot
  delete <bot-id>           delete a bot
  send <bot-id> <message>   dispatch a message to a bot
  abort <bot-id>            kill a bot's in-flight turn
  post <message>            post to the hub board as Operator
  board                     show the hub board
  tasks                     show completed tasks awaiting review
  ack                       acknowledge all completed tasks
  status                    gateway status
  exit                      quit
`)
}

// --- Commands ---

func (c *console) listBots() error {
	var resp struct {
		Bots []struct {
			ID             string `json:"id"`
			Name           string `json:"name"`
			Busy           bool   `json:"busy"`
			QueuedMentions int    `json:"queued_mentions"`
			QueuedTasks    int    `json:"queued_tasks"`
		} `json:"bots"`
	}
	if err := c.get("/api/bots", &resp); err != nil {
		return err
	}
	if len(resp.Bots) == 0 {
		fmt.Println("no bots")
		return nil
	}
	for _, b := range resp.Bots {
		state := "idle"
		if b.Busy {
			state = "busy"
		}
		fmt.Printf("  %-12s %s  %s  (queued: %d mentions, %d tasks)\n",
			b.Name, b.ID, state, b.QueuedMentions, b.QueuedTasks)
	}
	return nil
}

func (c *console) createBot(name, dir string) error {
	var bot struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	err := c.post("/api/bots", map[string]string{"name": name, "working_dir": dir}, &bot)
	if err != nil {
		return err
	}
	fmt.Printf("created %s (%s)\n", bot.Name, bot.ID)
	return nil
}

func (c *console) deleteBot(id string) error {
	if err := c.do("DELETE", "/api/bots/"+id, nil, nil); err != nil {
		return err
	}
	fmt.Println("deleted")
	return nil
}

func (c *console) sendToBot(id, message string) error {
	err := c.post("/api/bots/"+id+"/send", map[string]string{"message": message}, nil)
	if err != nil {
		return err
	}
	fmt.Println("dispatched — watch /api/ws for the stream")
	return nil
}

func (c *console) postHub(text string) error {
	var msg struct {
		ID string `json:"id"`
	}
	if err := c.post("/api/hub/messages", map[string]string{"text": text}, &msg); err != nil {
		return err
	}
	fmt.Println("posted", msg.ID)
	return nil
}

func (c *console) showBoard() error {
	var resp struct {
		Messages []struct {
			From      string    `json:"from"`
			Text      string    `json:"text"`
			Timestamp time.Time `json:"timestamp"`
		} `json:"messages"`
	}
	if err := c.get("/api/hub/messages?limit=30", &resp); err != nil {
		return err
	}
	if len(resp.Messages) == 0 {
		fmt.Println("board is empty")
		return nil
	}
	for _, m := range resp.Messages {
		fmt.Printf("  [%s] %s: %s\n", m.Timestamp.Local().Format("15:04"), m.From, m.Text)
	}
	return nil
}

func (c *console) showTasks() error {
	var resp struct {
		Tasks []struct {
			From        string `json:"from"`
			Description string `json:"description"`
		} `json:"tasks"`
	}
	if err := c.get("/api/hub/tasks", &resp); err != nil {
		return err
	}
	if len(resp.Tasks) == 0 {
		fmt.Println("no tasks awaiting review")
		return nil
	}
	for _, t := range resp.Tasks {
		fmt.Printf("  %s: %s\n", t.From, t.Description)
	}
	return nil
}

func (c *console) ackTasks() error {
	var resp struct {
		Acknowledged int `json:"acknowledged"`
	}
	if err := c.post("/api/hub/tasks/ack", nil, &resp); err != nil {
		return err
	}
	fmt.Printf("acknowledged %d task(s)\n", resp.Acknowledged)
	return nil
}

func (c *console) showStatus() error {
	var resp map[string]interface{}
	if err := c.get("/api/system/status", &resp); err != nil {
		return err
	}
	data, _ := json.MarshalIndent(resp, "", "  ")
	fmt.Println(string(data))
	return nil
}

// --- HTTP plumbing ---

func (c *console) ping() error {
	return c.get("/api/health", nil)
}

func (c *console) get(path string, out interface{}) error {
	return c.do("GET", path, nil, out)
}

func (c *console) post(path string, body interface{}, out interface{}) error {
	return c.do("POST", path, body, out)
}

func (c *console) do(method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (%d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
