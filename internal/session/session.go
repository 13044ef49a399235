// Package session persists one conversation record per chat. History is
// kept for audit; prompt context is carried by the agent's own
// session-resume mechanism, never by prepending history to prompts.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/dispatchd/dispatchd/internal/common/fsutil"
)

const (
	// maxMessageChars truncates any single stored message.
	maxMessageChars = 4000
	// maxHistory bounds the number of retained messages per session.
	maxHistory = 200
)

// Key builds the canonical session key for a direct chat.
func Key(channel, senderID string) string {
	return fmt.Sprintf("%s:dm:%s", channel, senderID)
}

// Message is one audit-trail entry.
type Message struct {
	Timestamp time.Time `json:"ts"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
}

// Session is one chat's record.
type Session struct {
	Key            string    `json:"key"`
	Channel        string    `json:"channel"`
	SenderID       string    `json:"sender_id"`
	AgentSessionID string    `json:"agent_session_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	History        []Message `json:"history"`
}

// Store persists sessions.json.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	path     string
}

type diskFormat struct {
	Sessions map[string]*Session `json:"sessions"`
}

// NewStore loads sessions.json (if present).
func NewStore(path string) (*Store, error) {
	s := &Store{
		sessions: make(map[string]*Session),
		path:     path,
	}
	var doc diskFormat
	ok, err := fsutil.ReadJSON(path, &doc)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	if ok && doc.Sessions != nil {
		s.sessions = doc.Sessions
	}
	return s, nil
}

func (s *Store) persistLocked() error {
	return fsutil.WriteJSONAtomic(s.path, diskFormat{Sessions: s.sessions})
}

// Upsert returns the session for (channel, senderID), creating it if needed.
func (s *Store) Upsert(channel, senderID string) (*Session, error) {
	key := Key(channel, senderID)

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		now := time.Now().UTC()
		sess = &Session{
			Key:       key,
			Channel:   channel,
			SenderID:  senderID,
			CreatedAt: now,
			UpdatedAt: now,
			History:   []Message{},
		}
		s.sessions[key] = sess
		if err := s.persistLocked(); err != nil {
			delete(s.sessions, key)
			return nil, err
		}
	}
	cp := *sess
	return &cp, nil
}

// Get returns the session for key, or nil.
func (s *Store) Get(key string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return nil
	}
	cp := *sess
	return &cp
}

// AppendMessage records one message, truncating oversized text and capping
// total history length.
func (s *Store) AppendMessage(key, role, text string) error {
	if len(text) > maxMessageChars {
		text = text[:maxMessageChars] + "…[truncated]"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return fmt.Errorf("unknown session %q", key)
	}
	sess.History = append(sess.History, Message{
		Timestamp: time.Now().UTC(),
		Role:      role,
		Text:      text,
	})
	if len(sess.History) > maxHistory {
		sess.History = sess.History[len(sess.History)-maxHistory:]
	}
	sess.UpdatedAt = time.Now().UTC()
	return s.persistLocked()
}

// SetAgentSessionID stores the agent-side resume id.
func (s *Store) SetAgentSessionID(key, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return fmt.Errorf("unknown session %q", key)
	}
	sess.AgentSessionID = id
	sess.UpdatedAt = time.Now().UTC()
	return s.persistLocked()
}

// AgentSessionID returns the agent-side resume id, or "".
func (s *Store) AgentSessionID(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		return sess.AgentSessionID
	}
	return ""
}

// ClearAgentSessionID drops the resume id, forcing a fresh agent session.
func (s *Store) ClearAgentSessionID(key string) error {
	return s.SetAgentSessionID(key, "")
}

// ClearHistory drops the audit history but keeps the session record.
func (s *Store) ClearHistory(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return fmt.Errorf("unknown session %q", key)
	}
	sess.History = []Message{}
	sess.UpdatedAt = time.Now().UTC()
	return s.persistLocked()
}
