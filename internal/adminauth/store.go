package adminauth

import (
	"sync"
	"time"

	"github.com/fleetops/agentmanager/internal/atomicfile"
	"github.com/fleetops/agentmanager/internal/logging"
)

// state is the on-disk shape persisted via atomicfile, mirroring
// internal/fleet.Registry's JSON-snapshot persistence idiom.
type state struct {
	Users    map[string]*User    `json:"users"` // keyed by User.ID
	Sessions map[string]*Session `json:"sessions"` // keyed by Session.Token
}

// Store holds admin users and sessions in memory, persisted to path on
// every mutation. A missing or damaged file yields empty state, the same
// tolerance as internal/fleet.Load.
type Store struct {
	path string
	log  *logging.Logger

	mu sync.Mutex
	st state
}

// NewStore loads path if it exists, or starts empty.
func NewStore(path string, log *logging.Logger) *Store {
	s := &Store{
		path: path,
		log:  log,
		st:   state{Users: make(map[string]*User), Sessions: make(map[string]*Session)},
	}
	var persisted state
	if err := atomicfile.ReadJSON(path, &persisted); err == nil {
		if persisted.Users != nil {
			s.st.Users = persisted.Users
		}
		if persisted.Sessions != nil {
			s.st.Sessions = persisted.Sessions
		}
	}
	return s
}

func (s *Store) saveLocked() {
	if err := atomicfile.WriteJSON(s.path, s.st); err != nil {
		s.log.Warn("adminauth: failed to persist store", "error", err)
	}
}

// UserCount returns how many admin users are provisioned.
func (s *Store) UserCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.Users)
}

// CreateUser adds user, failing if its ID or username is already taken.
func (s *Store) CreateUser(user User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.Users[user.ID]; ok {
		return errExists("user id")
	}
	for _, u := range s.st.Users {
		if u.Username == user.Username {
			return errExists("username")
		}
	}
	now := time.Now().UTC()
	user.CreatedAt, user.UpdatedAt = now, now
	s.st.Users[user.ID] = &user
	s.saveLocked()
	return nil
}

// GetUser returns a copy of the user with the given ID.
func (s *Store) GetUser(id string) (*User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.st.Users[id]
	if !ok {
		return nil, false
	}
	cp := *u
	return &cp, true
}

// GetUserByUsername returns a copy of the user with the given username.
func (s *Store) GetUserByUsername(username string) (*User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.st.Users {
		if u.Username == username {
			cp := *u
			return &cp, true
		}
	}
	return nil, false
}

// UpdateUser overwrites the stored user with the same ID.
func (s *Store) UpdateUser(user User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.Users[user.ID]; !ok {
		return errNotFound("user")
	}
	user.UpdatedAt = time.Now().UTC()
	s.st.Users[user.ID] = &user
	s.saveLocked()
	return nil
}

// CreateSession persists a new session.
func (s *Store) CreateSession(session Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.Sessions[session.Token] = &session
	s.saveLocked()
	return nil
}

// GetSession returns a copy of the session for token, if present and
// unexpired. An expired session is deleted as a side effect.
func (s *Store) GetSession(token string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.st.Sessions[token]
	if !ok {
		return nil, false
	}
	if time.Now().After(sess.ExpiresAt) {
		delete(s.st.Sessions, token)
		s.saveLocked()
		return nil, false
	}
	cp := *sess
	return &cp, true
}

// DeleteSession removes a session by token.
func (s *Store) DeleteSession(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.st.Sessions, token)
	s.saveLocked()
}

// DeleteExpiredSessions removes every session past its ExpiresAt, returning
// how many were removed.
func (s *Store) DeleteExpiredSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	n := 0
	for tok, sess := range s.st.Sessions {
		if now.After(sess.ExpiresAt) {
			delete(s.st.Sessions, tok)
			n++
		}
	}
	if n > 0 {
		s.saveLocked()
	}
	return n
}

type storeError string

func (e storeError) Error() string { return string(e) }

func errExists(what string) error   { return storeError("adminauth: " + what + " already exists") }
func errNotFound(what string) error { return storeError("adminauth: " + what + " not found") }
