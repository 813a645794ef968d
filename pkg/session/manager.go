package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrSessionNotFound = errors.New("session not found")

// Context is the schema-less conversation state carried across turns.
type Context map[string]interface{}

// Clone returns a shallow copy. A nil Context clones to an empty one.
func (c Context) Clone() Context {
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

type Session struct {
	ID      string    `json:"id"`
	UserID  string    `json:"user_id"`
	Context Context   `json:"context"`
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

func (s *Session) clone() *Session {
	cp := *s
	cp.Context = s.Context.Clone()
	return &cp
}

// Store holds every live session for the lifetime of the process. Sessions
// are indexed by both id and platform user id; callers only ever see copies.
type Store struct {
	byID   map[string]*Session
	byUser map[string]string
	turns  map[string]*sync.Mutex
	mu     sync.RWMutex
	newID  func() string
}

func NewStore() *Store {
	return &Store{
		byID:   make(map[string]*Session),
		byUser: make(map[string]string),
		turns:  make(map[string]*sync.Mutex),
		newID:  uuid.NewString,
	}
}

// ResolveOrCreate returns the session keyed to userID, creating it with an
// empty context on first contact. created reports whether it was allocated.
func (s *Store) ResolveOrCreate(userID string) (sess *Session, created bool) {
	s.mu.RLock()
	if id, ok := s.byUser[userID]; ok {
		sess = s.byID[id].clone()
		s.mu.RUnlock()
		return sess, false
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Another goroutine may have created it between the two locks.
	if id, ok := s.byUser[userID]; ok {
		return s.byID[id].clone(), false
	}

	now := time.Now()
	stored := &Session{
		ID:      s.newID(),
		UserID:  userID,
		Context: Context{},
		Created: now,
		Updated: now,
	}
	s.byID[stored.ID] = stored
	s.byUser[userID] = stored.ID
	s.turns[stored.ID] = &sync.Mutex{}

	return stored.clone(), true
}

func (s *Store) Get(sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.byID[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return stored.clone(), nil
}

// Update replaces the stored context wholesale. Last writer wins.
func (s *Store) Update(sessionID string, ctx Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.byID[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	stored.Context = ctx.Clone()
	stored.Updated = time.Now()
	return nil
}

// Lock serializes turns on one session. The returned func releases it.
func (s *Store) Lock(sessionID string) (func(), error) {
	s.mu.RLock()
	m, ok := s.turns[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	m.Lock()
	return m.Unlock, nil
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// List returns copies of all sessions, in no particular order.
func (s *Store) List() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Session, 0, len(s.byID))
	for _, stored := range s.byID {
		out = append(out, stored.clone())
	}
	return out
}
