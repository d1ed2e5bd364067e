package credential

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/silversage/guard/internal/util"
	"github.com/silversage/guard/storage"
)

// IssueResetToken creates a single-use password reset token for id and
// returns it with its expiry. Only the SHA-256 of the token is stored; a
// newer token replaces any earlier one.
func (s *Store) IssueResetToken(ctx context.Context, id string) (string, time.Time, error) {
	token, err := util.RandomToken(resetTokenLen)
	if err != nil {
		return "", time.Time{}, err
	}
	hash := util.SHA256Hex(token)
	expires := s.clock.Now().UTC().Add(ResetTokenTTL)

	var previous string
	_, err = s.mutate(id, func(ident *Identity) error {
		previous = ident.ResetTokenHash
		ident.ResetTokenHash = hash
		ident.ResetExpiresAt = &expires
		return nil
	}, func(tx storage.BatchTx, _ *Identity) error {
		if previous != "" && previous != hash {
			if err := tx.Delete(resetRecordType, previous); err != nil && !storage.IsNotFound(err) {
				return err
			}
		}
		idx, err := s.codec.Encode(id, resetAADPrefix+hash, 1)
		if err != nil {
			return err
		}
		return tx.Put(resetRecordType, hash, idx)
	})
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expires, nil
}

// CheckResetToken returns the identity a reset token belongs to without
// consuming it.
func (s *Store) CheckResetToken(token string) (string, error) {
	id, err := s.resetOwner(token)
	if err != nil {
		return "", err
	}
	ident, err := s.Get(id)
	if err != nil {
		return "", err
	}
	if err := s.checkReset(ident, util.SHA256Hex(token)); err != nil {
		return "", err
	}
	return id, nil
}

// CompleteReset consumes token and sets newPassword in one write. A
// consumed token cannot be used again.
func (s *Store) CompleteReset(ctx context.Context, token, newPassword string) (string, error) {
	id, err := s.resetOwner(token)
	if err != nil {
		return "", err
	}
	hash := util.SHA256Hex(token)
	now := s.clock.Now().UTC()
	rec, err := s.hashNew(newPassword, now)
	if err != nil {
		return "", err
	}
	_, err = s.mutate(id, func(ident *Identity) error {
		if err := s.checkReset(ident, hash); err != nil {
			return err
		}
		ident.ResetTokenHash = ""
		ident.ResetExpiresAt = nil
		ident.pushPassword(rec)
		return nil
	}, func(tx storage.BatchTx, _ *Identity) error {
		err := tx.Delete(resetRecordType, hash)
		if storage.IsNotFound(err) {
			return nil
		}
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) resetOwner(token string) (string, error) {
	if token == "" {
		return "", ErrResetTokenInvalid
	}
	hash := util.SHA256Hex(token)
	env, err := s.repo.Get(namespace, resetRecordType, hash)
	if storage.IsNotFound(err) {
		return "", ErrResetTokenInvalid
	}
	if err != nil {
		return "", fmt.Errorf("reading reset index: %w", err)
	}
	var id string
	if err := s.codec.Decode(env, resetAADPrefix+hash, &id); err != nil {
		return "", fmt.Errorf("reset index: %v: %w", err, ErrIntegrity)
	}
	return id, nil
}

func (s *Store) checkReset(ident *Identity, hash string) error {
	if ident.ResetTokenHash == "" || subtle.ConstantTimeCompare([]byte(ident.ResetTokenHash), []byte(hash)) != 1 {
		return ErrResetTokenInvalid
	}
	if ident.ResetExpiresAt == nil || s.clock.Now().After(*ident.ResetExpiresAt) {
		return ErrResetTokenExpired
	}
	return nil
}
