package workflow

import (
	"sync"
	"time"
)

// entry is one stored conversation. mu serializes transitions for the key and
// is held across collaborator I/O. conv is only touched with mu held.
type entry struct {
	mu   sync.Mutex
	conv *Conversation

	// Immutable after creation; readable without mu.
	key       ThreadKey
	token     string
	ticketKey string

	// Guarded by Store.mu.
	stage     Stage
	expiresAt time.Time
}

// Store holds live conversations. Its own lock only guards the maps and is
// never held during I/O.
type Store struct {
	mu      sync.Mutex
	entries map[ThreadKey]*entry
	tokens  map[string]*entry
	now     func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		entries: make(map[ThreadKey]*entry),
		tokens:  make(map[string]*entry),
		now:     time.Now,
	}
}

// reserve inserts a new entry for conv.Key, returned with its lock held.
// It fails when a live entry exists for the key.
func (s *Store) reserve(conv *Conversation) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[conv.Key]; ok && !s.expired(e) {
		return nil, false
	} else if ok {
		s.deleteLocked(e)
	}

	e := &entry{
		conv:      conv,
		key:       conv.Key,
		token:     conv.ID,
		ticketKey: conv.TicketKey,
		stage:     conv.Stage,
	}
	e.mu.Lock()
	s.entries[conv.Key] = e
	s.tokens[conv.ID] = e
	return e, true
}

// get returns the live entry for key, or nil.
func (s *Store) get(key ThreadKey) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || s.expired(e) {
		return nil
	}
	return e
}

// byToken returns the live entry carrying a correlation token, or nil.
func (s *Store) byToken(token string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tokens[token]
	if !ok || s.expired(e) {
		return nil
	}
	return e
}

// alive reports whether e is still the stored entry for its key. A transition
// whose entry is gone was cancelled and must drop its result.
func (s *Store) alive(e *entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[e.key] == e && !s.expired(e)
}

func (s *Store) setStage(e *entry, stage Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.stage = stage
}

// stageOf returns the stage of key's live conversation without waiting for a
// running transition.
func (s *Store) stageOf(key ThreadKey) (Stage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || s.expired(e) {
		return "", false
	}
	return e.stage, true
}

// remove deletes e if it is still current. Reports whether it did.
func (s *Store) remove(e *entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entries[e.key] != e {
		return false
	}
	s.deleteLocked(e)
	return true
}

// cancel removes key's conversation unless it already completed.
func (s *Store) cancel(key ThreadKey) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || !e.expiresAt.IsZero() {
		return nil, false
	}
	s.deleteLocked(e)
	return e, true
}

// expireAfter keeps a completed entry around for ttl so trailing messages
// hit a finished conversation instead of starting a new one.
func (s *Store) expireAfter(e *entry, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.expiresAt = s.now().Add(ttl)
}

// Sweep deletes expired entries and returns how many it removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.entries {
		if s.expired(e) {
			s.deleteLocked(e)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, expired ones included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) expired(e *entry) bool {
	return !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt)
}

func (s *Store) deleteLocked(e *entry) {
	delete(s.entries, e.key)
	delete(s.tokens, e.token)
}
