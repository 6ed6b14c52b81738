// Package store persists rookery state: bot session records as JSON
// files, chat history and summaries in sqlite.
package store

import "time"

// StoreError is a string-typed sentinel error.
type StoreError string

func (e StoreError) Error() string { return string(e) }

const (
	ErrSessionNotFound StoreError = "session not found"
	ErrNameTaken       StoreError = "bot name already in use"
)

// BotSession is the durable record of one bot: its identity, workspace,
// and standing instructions. The runtime state (busy flag, subprocess)
// lives in the process manager, never here.
type BotSession struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	WorkingDir string   `json:"working_dir"`
	Model      string   `json:"model,omitempty"`
	Autonomy   bool     `json:"autonomy"`
	Skills     []string `json:"skills,omitempty"`

	// Instructions is the standing brief prepended to full deliveries;
	// CompactInstructions is the short form used for poll dispatches.
	Instructions        string `json:"instructions,omitempty"`
	CompactInstructions string `json:"compact_instructions,omitempty"`

	// LastSeenHubID is the bot's last-seen marker on the hub board.
	LastSeenHubID string `json:"last_seen_hub_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// clone returns an independent copy. The directory stores and hands
// out only clones, so a record held by one goroutine is never written
// by another; changes become visible through Save alone.
func (s *BotSession) clone() *BotSession {
	c := *s
	if s.Skills != nil {
		c.Skills = append([]string(nil), s.Skills...)
	}
	return &c
}

// Repository is the persistence contract for session records.
type Repository interface {
	FindByID(id string) (*BotSession, error)
	FindByName(name string) (*BotSession, error)
	FindAll() ([]*BotSession, error)
	Save(s *BotSession) error
	Delete(id string) error
}
