package store

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Session directory — filesystem-backed Repository implementation
// ---------------------------------------------------------------------------

// SessionDirectory is the JSON-file-backed implementation of Repository.
// One file per bot session under <dataDir>/sessions. Every lookup
// returns a copy of the record; the cached struct is written once at
// Save and never mutated in place, so concurrent readers are safe.
type SessionDirectory struct {
	store *JSONStore[BotSession]
}

func NewSessionDirectory(baseDir string) *SessionDirectory {
	store := NewJSONStore[BotSession](baseDir)
	store.Load()
	return &SessionDirectory{store: store}
}

func (d *SessionDirectory) FindByID(id string) (*BotSession, error) {
	s, ok := d.store.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.clone(), nil
}

func (d *SessionDirectory) FindByName(name string) (*BotSession, error) {
	for _, s := range d.store.All() {
		if strings.EqualFold(s.Name, name) {
			return s.clone(), nil
		}
	}
	return nil, ErrSessionNotFound
}

func (d *SessionDirectory) FindAll() ([]*BotSession, error) {
	cached := d.store.All()
	all := make([]*BotSession, 0, len(cached))
	for _, s := range cached {
		all = append(all, s.clone())
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return all, nil
}

func (d *SessionDirectory) Save(s *BotSession) error {
	s.UpdatedAt = time.Now()
	c := s.clone()
	return d.store.Put(c.ID, c)
}

func (d *SessionDirectory) Delete(id string) error {
	if !d.store.Remove(id) {
		return ErrSessionNotFound
	}
	return nil
}

// Create registers a new bot session. Names are unique
// case-insensitively; Create is idempotent on name — asking for an
// existing name returns the existing record untouched.
func (d *SessionDirectory) Create(name, workingDir string) (*BotSession, error) {
	if existing, err := d.FindByName(name); err == nil {
		return existing, nil
	}
	now := time.Now()
	s := &BotSession{
		ID:         uuid.NewString(),
		Name:       name,
		WorkingDir: workingDir,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := d.store.Put(s.ID, s.clone()); err != nil {
		return nil, err
	}
	return s, nil
}

// Rename changes a session's display name, refusing collisions.
func (d *SessionDirectory) Rename(id, newName string) (*BotSession, error) {
	if other, err := d.FindByName(newName); err == nil && other.ID != id {
		return nil, ErrNameTaken
	}
	s, err := d.FindByID(id)
	if err != nil {
		return nil, err
	}
	s.Name = newName
	if err := d.Save(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Compile-time verification
var _ Repository = (*SessionDirectory)(nil)
