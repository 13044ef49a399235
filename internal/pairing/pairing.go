// Package pairing stores which (channel, sender) pairs may talk to the
// orchestrator, plus short-lived pairing codes for the approval flow.
package pairing

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/dispatchd/dispatchd/internal/common/fsutil"
)

// codeTTL is how long a pending pairing code stays valid.
const codeTTL = time.Hour

// ModeOpen authorizes everyone; ModePairing requires an allowlist entry.
const (
	ModePairing = "pairing"
	ModeOpen    = "open"
)

// PendingCode is an unredeemed pairing request.
type PendingCode struct {
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists pairing.json.
type Store struct {
	mu        sync.Mutex
	allowlist map[string][]string     // channel -> sorted sender ids
	pending   map[string]PendingCode  // "<channel>:<sender>" -> code
	path      string
	mode      string
	now       func() time.Time
}

type diskFormat struct {
	Allowlist map[string][]string    `json:"allowlist"`
	Pending   map[string]PendingCode `json:"pending"`
}

// NewStore loads pairing.json (if present).
func NewStore(path, mode string) (*Store, error) {
	if mode == "" {
		mode = ModePairing
	}
	s := &Store{
		allowlist: make(map[string][]string),
		pending:   make(map[string]PendingCode),
		path:      path,
		mode:      mode,
		now:       time.Now,
	}
	var doc diskFormat
	ok, err := fsutil.ReadJSON(path, &doc)
	if err != nil {
		return nil, fmt.Errorf("load pairing: %w", err)
	}
	if ok {
		if doc.Allowlist != nil {
			s.allowlist = doc.Allowlist
		}
		if doc.Pending != nil {
			s.pending = doc.Pending
		}
	}
	return s, nil
}

func (s *Store) persistLocked() error {
	return fsutil.WriteJSONAtomic(s.path, diskFormat{Allowlist: s.allowlist, Pending: s.pending})
}

func pendingKey(channel, sender string) string {
	return channel + ":" + sender
}

// IsAuthorized reports whether the sender may use the orchestrator.
func (s *Store) IsAuthorized(channel, sender string) bool {
	if s.mode == ModeOpen {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.allowlist[channel] {
		if id == sender {
			return true
		}
	}
	return false
}

// Authorize adds the sender to the allowlist and drops any pending code.
func (s *Store) Authorize(channel, sender string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.allowlist[channel] {
		if id == sender {
			return nil
		}
	}
	s.allowlist[channel] = append(s.allowlist[channel], sender)
	sort.Strings(s.allowlist[channel])
	delete(s.pending, pendingKey(channel, sender))
	return s.persistLocked()
}

// Revoke removes the sender from the allowlist.
func (s *Store) Revoke(channel, sender string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.allowlist[channel]
	for i, id := range ids {
		if id == sender {
			s.allowlist[channel] = append(ids[:i], ids[i+1:]...)
			return s.persistLocked()
		}
	}
	return nil
}

// Allowlist returns a copy of the allowlist for a channel.
func (s *Store) Allowlist(channel string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.allowlist[channel]))
	copy(out, s.allowlist[channel])
	return out
}

// RequestCode returns a pairing code for the sender, reusing an unexpired
// pending one.
func (s *Store) RequestCode(channel, sender string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()

	key := pendingKey(channel, sender)
	if pc, ok := s.pending[key]; ok {
		return pc.Code, nil
	}
	code, err := generateCode()
	if err != nil {
		return "", err
	}
	s.pending[key] = PendingCode{Code: code, CreatedAt: s.now().UTC()}
	if err := s.persistLocked(); err != nil {
		delete(s.pending, key)
		return "", err
	}
	return code, nil
}

// Redeem authorizes the sender whose pending code matches.
func (s *Store) Redeem(code string) (channel, sender string, err error) {
	s.mu.Lock()
	s.pruneLocked()
	var key string
	for k, pc := range s.pending {
		if pc.Code == code {
			key = k
			break
		}
	}
	s.mu.Unlock()
	if key == "" {
		return "", "", fmt.Errorf("unknown or expired pairing code")
	}
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			channel, sender = key[:i], key[i+1:]
			break
		}
	}
	if err := s.Authorize(channel, sender); err != nil {
		return "", "", err
	}
	return channel, sender, nil
}

// Prune drops expired pending codes. Safe to call from a ticker.
func (s *Store) Prune() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pruneLocked() {
		_ = s.persistLocked()
	}
}

func (s *Store) pruneLocked() bool {
	cutoff := s.now().Add(-codeTTL)
	changed := false
	for k, pc := range s.pending {
		if pc.CreatedAt.Before(cutoff) {
			delete(s.pending, k)
			changed = true
		}
	}
	return changed
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
