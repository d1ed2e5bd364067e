package gate

import (
	"context"
	"sync"
	"time"

	"github.com/silversage/guard/internal/clock"
)

// Channel is how the second factor for a pending login is expected.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelTOTP  Channel = "totp"
)

// Pending is the server-side state of a login that passed the password
// check and awaits its second factor.
type Pending struct {
	IdentityID string    `json:"identity_id"`
	Channel    Channel   `json:"channel"`
	Source     string    `json:"source,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// PendingStore holds pending logins by token. Put supersedes any earlier
// token for the same identity. Get never returns an expired entry. Delete
// reports whether it removed the entry, which makes it the single-use
// arbiter when two requests race on one token.
type PendingStore interface {
	Put(token string, p Pending) error
	Get(token string) (Pending, bool, error)
	Delete(token string) (bool, error)
}

// MemoryPendingStore is a PendingStore in process memory. Entries are lost
// on restart, which only forces affected users to sign in again.
type MemoryPendingStore struct {
	mu         sync.Mutex
	clock      clock.Clock
	byToken    map[string]Pending
	byIdentity map[string]string
}

var _ PendingStore = (*MemoryPendingStore)(nil)

func NewMemoryPendingStore(clk clock.Clock) *MemoryPendingStore {
	return &MemoryPendingStore{
		clock:      clk,
		byToken:    make(map[string]Pending),
		byIdentity: make(map[string]string),
	}
}

func (s *MemoryPendingStore) Put(token string, p Pending) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byIdentity[p.IdentityID]; ok {
		delete(s.byToken, old)
	}
	s.byToken[token] = p
	s.byIdentity[p.IdentityID] = token
	return nil
}

func (s *MemoryPendingStore) Get(token string) (Pending, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byToken[token]
	if !ok {
		return Pending{}, false, nil
	}
	if s.clock.Now().After(p.ExpiresAt) {
		s.deleteLocked(token, p)
		return Pending{}, false, nil
	}
	return p, true, nil
}

func (s *MemoryPendingStore) Delete(token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byToken[token]
	if !ok {
		return false, nil
	}
	s.deleteLocked(token, p)
	return true, nil
}

func (s *MemoryPendingStore) deleteLocked(token string, p Pending) {
	delete(s.byToken, token)
	if s.byIdentity[p.IdentityID] == token {
		delete(s.byIdentity, p.IdentityID)
	}
}

// Sweep removes expired entries and returns how many were dropped.
func (s *MemoryPendingStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	n := 0
	for token, p := range s.byToken {
		if now.After(p.ExpiresAt) {
			s.deleteLocked(token, p)
			n++
		}
	}
	return n
}

// Run sweeps on every tick of interval until ctx is done.
func (s *MemoryPendingStore) Run(ctx context.Context, interval time.Duration) {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
