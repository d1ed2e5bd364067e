package gate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/silversage/guard/internal/clock"
	"github.com/silversage/guard/storage"
)

const (
	pendingNamespace       = "__pending"
	pendingRecordType      = "PENDING"
	pendingIndexRecordType = "PENDING_IDX"
	pendingAADPrefix       = "pending:"
	pendingIndexAADPrefix  = "pending-idx:"
)

// RepositoryPendingStore keeps pending logins in a storage.Repository so
// they survive a restart and are shared by every process on the same
// backend. Tokens are stored only as SHA-256 hashes.
type RepositoryPendingStore struct {
	repo  storage.Repository
	codec *storage.Codec
	clock clock.Clock
}

var _ PendingStore = (*RepositoryPendingStore)(nil)

func NewRepositoryPendingStore(repo storage.Repository, codec *storage.Codec, clk clock.Clock) *RepositoryPendingStore {
	return &RepositoryPendingStore{repo: repo, codec: codec, clock: clk}
}

type pendingIndex struct {
	TokenHash string `json:"token_hash"`
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (s *RepositoryPendingStore) Put(token string, p Pending) error {
	hash := hashToken(token)
	var previous string
	env, err := s.repo.Get(pendingNamespace, pendingIndexRecordType, p.IdentityID)
	switch {
	case err == nil:
		var idx pendingIndex
		if s.codec.Decode(env, pendingIndexAADPrefix+p.IdentityID, &idx) == nil {
			previous = idx.TokenHash
		}
	case !storage.IsNotFound(err):
		return err
	}

	rec, err := s.codec.Encode(p, pendingAADPrefix+hash, 0)
	if err != nil {
		return err
	}
	idx, err := s.codec.Encode(pendingIndex{TokenHash: hash}, pendingIndexAADPrefix+p.IdentityID, 0)
	if err != nil {
		return err
	}
	return s.repo.Batch(pendingNamespace, func(tx storage.BatchTx) error {
		if previous != "" && previous != hash {
			if err := tx.Delete(pendingRecordType, previous); err != nil && !storage.IsNotFound(err) {
				return err
			}
		}
		if err := tx.Put(pendingRecordType, hash, rec); err != nil {
			return err
		}
		return tx.Put(pendingIndexRecordType, p.IdentityID, idx)
	})
}

func (s *RepositoryPendingStore) Get(token string) (Pending, bool, error) {
	hash := hashToken(token)
	p, err := s.load(hash)
	if storage.IsNotFound(err) {
		return Pending{}, false, nil
	}
	if errors.Is(err, storage.ErrCorrupt) {
		_, _ = s.remove(hash, "")
		return Pending{}, false, nil
	}
	if err != nil {
		return Pending{}, false, err
	}
	if s.clock.Now().After(p.ExpiresAt) {
		_, _ = s.remove(hash, p.IdentityID)
		return Pending{}, false, nil
	}
	return p, true, nil
}

// Delete removes the entry. When two callers race, the repository delete
// reports ErrNotFound to the loser.
func (s *RepositoryPendingStore) Delete(token string) (bool, error) {
	hash := hashToken(token)
	p, err := s.load(hash)
	if storage.IsNotFound(err) {
		return false, nil
	}
	if err != nil && !errors.Is(err, storage.ErrCorrupt) {
		return false, err
	}
	return s.remove(hash, p.IdentityID)
}

func (s *RepositoryPendingStore) load(hash string) (Pending, error) {
	env, err := s.repo.Get(pendingNamespace, pendingRecordType, hash)
	if err != nil {
		return Pending{}, err
	}
	var p Pending
	if err := s.codec.Decode(env, pendingAADPrefix+hash, &p); err != nil {
		return Pending{}, err
	}
	return p, nil
}

func (s *RepositoryPendingStore) remove(hash, identityID string) (bool, error) {
	err := s.repo.Delete(pendingNamespace, pendingRecordType, hash)
	if storage.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if identityID != "" {
		s.dropIndex(identityID, hash)
	}
	return true, nil
}

// dropIndex removes the identity index only while it still points at hash,
// so a newer login for the same identity keeps its entry.
func (s *RepositoryPendingStore) dropIndex(identityID, hash string) {
	env, err := s.repo.Get(pendingNamespace, pendingIndexRecordType, identityID)
	if err != nil {
		return
	}
	var idx pendingIndex
	if s.codec.Decode(env, pendingIndexAADPrefix+identityID, &idx) != nil || idx.TokenHash == hash {
		_ = s.repo.Delete(pendingNamespace, pendingIndexRecordType, identityID)
	}
}

// Sweep removes expired and unreadable entries.
func (s *RepositoryPendingStore) Sweep() (int, error) {
	hashes, err := s.repo.List(pendingNamespace, pendingRecordType)
	if storage.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("listing pending logins: %w", err)
	}
	now := s.clock.Now()
	n := 0
	for _, hash := range hashes {
		p, err := s.load(hash)
		switch {
		case errors.Is(err, storage.ErrCorrupt):
		case err != nil:
			continue
		case !now.After(p.ExpiresAt):
			continue
		}
		if ok, _ := s.remove(hash, p.IdentityID); ok {
			n++
		}
	}
	return n, nil
}

// Run sweeps on every tick of interval until ctx is done.
func (s *RepositoryPendingStore) Run(ctx context.Context, interval time.Duration) {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.Sweep()
		}
	}
}
