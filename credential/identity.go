package credential

import (
	"fmt"
	"time"

	"github.com/silversage/guard/internal/util"
)

// HistorySize is the number of most recent passwords kept for reuse checks,
// the current one included.
const HistorySize = 5

// PasswordRecord is one derived password hash. Digest is hex(salt||hash).
// Records are never modified after creation.
type PasswordRecord struct {
	Digest     string               `json:"digest"`
	Scheme     util.KDFScheme       `json:"scheme"`
	Iterations int                  `json:"iterations,omitempty"`
	Argon2id   *util.Argon2idParams `json:"argon2id,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
}

func newPasswordRecord(salt, hash []byte, p util.KDFParams, now time.Time) PasswordRecord {
	rec := PasswordRecord{
		Digest:    util.HexEncode(util.ConcatBytes(salt, hash)),
		Scheme:    p.Scheme,
		CreatedAt: now,
	}
	switch p.Scheme {
	case util.SchemePBKDF2SHA256:
		rec.Iterations = p.Iterations
	case util.SchemeArgon2id:
		a := p.Argon2id
		rec.Argon2id = &a
	}
	return rec
}

// params rebuilds the KDF parameters the record was derived with.
func (r PasswordRecord) params() (util.KDFParams, error) {
	switch r.Scheme {
	case util.SchemePBKDF2SHA256:
		return util.KDFParams{Scheme: r.Scheme, Iterations: r.Iterations}, nil
	case util.SchemeArgon2id:
		if r.Argon2id == nil {
			return util.KDFParams{}, fmt.Errorf("argon2id record without parameters: %w", ErrIntegrity)
		}
		return util.KDFParams{Scheme: r.Scheme, Argon2id: *r.Argon2id}, nil
	default:
		return util.KDFParams{}, fmt.Errorf("unknown scheme %q: %w", r.Scheme, ErrIntegrity)
	}
}

// split decodes the digest into salt and hash.
func (r PasswordRecord) split() (salt, hash []byte, err error) {
	raw, err := util.HexDecode(r.Digest)
	if err != nil {
		return nil, nil, fmt.Errorf("digest is not hex: %w", ErrIntegrity)
	}
	if len(raw) != util.SaltLen+util.KeyLen {
		return nil, nil, fmt.Errorf("digest is %d bytes, want %d: %w", len(raw), util.SaltLen+util.KeyLen, ErrIntegrity)
	}
	return raw[:util.SaltLen], raw[util.SaltLen:], nil
}

// Identity is an account capable of authenticating.
type Identity struct {
	ID     string `json:"id"`
	Email  string `json:"email,omitempty"`
	Active bool   `json:"active"`
	// Current is the password in force. It is also History[0].
	Current PasswordRecord `json:"current"`
	// History holds at most HistorySize records, most recent first.
	History           []PasswordRecord `json:"history"`
	ResetTokenHash    string           `json:"reset_token_hash,omitempty"`
	ResetExpiresAt    *time.Time       `json:"reset_expires_at,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	PasswordChangedAt time.Time        `json:"password_changed_at"`

	Version uint64 `json:"-"`
}

// PasswordAge returns how long the current password has been in force.
func (id *Identity) PasswordAge(now time.Time) time.Duration {
	return now.Sub(id.PasswordChangedAt)
}

func (id *Identity) pushPassword(rec PasswordRecord) {
	id.Current = rec
	id.History = append([]PasswordRecord{rec}, id.History...)
	if len(id.History) > HistorySize {
		id.History = id.History[:HistorySize]
	}
	id.PasswordChangedAt = rec.CreatedAt
}
