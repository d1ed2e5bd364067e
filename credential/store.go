// Package credential owns identities and their password hashes. It derives
// and verifies hashes, keeps the bounded password history used to block
// reuse, and reports each verification result to the lockout policy.
package credential

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/silversage/guard/audit"
	"github.com/silversage/guard/internal/clock"
	"github.com/silversage/guard/internal/keylock"
	"github.com/silversage/guard/internal/util"
	"github.com/silversage/guard/lockout"
	"github.com/silversage/guard/storage"
)

const (
	namespace          = "identities"
	identityRecordType = "IDENTITY"
	emailRecordType    = "EMAIL"
	resetRecordType    = "RESET"

	identityAADPrefix = "identity:"
	emailAADPrefix    = "email:"
	resetAADPrefix    = "reset:"

	// ResetTokenTTL bounds how long a password reset token stays valid.
	ResetTokenTTL = time.Hour
	resetTokenLen = 32

	maxCASRetries = 8
)

// Lockout is the subset of lockout.Policy the store reports to.
type Lockout interface {
	IsLocked(id string) (bool, error)
	RecordFailure(ctx context.Context, id string) (lockout.State, error)
	RecordSuccess(ctx context.Context, id string) error
}

// Outcome is the detailed result of a password verification.
type Outcome int

const (
	// OutcomeMismatch covers a wrong password and an unknown identity.
	OutcomeMismatch Outcome = iota
	OutcomeMatch
	// OutcomeLocked means the identity was locked and no hash was computed.
	OutcomeLocked
	// OutcomeCorrupt means stored state could not be interpreted. It fails
	// closed like a mismatch.
	OutcomeCorrupt
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMatch:
		return "match"
	case OutcomeLocked:
		return "locked"
	case OutcomeCorrupt:
		return "corrupt"
	default:
		return "mismatch"
	}
}

type deriveFunc func(password string, salt []byte, p util.KDFParams) ([]byte, error)

// Option configures a Store.
type Option func(*Store)

// WithKDF selects the parameters for newly derived hashes. Existing hashes
// keep the parameters they were created with.
func WithKDF(p util.KDFParams) Option {
	return func(s *Store) { s.kdf = p }
}

func WithAudit(sink audit.Sink) Option {
	return func(s *Store) { s.audit = sink }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Store is the credential store.
type Store struct {
	repo    storage.Repository
	codec   *storage.Codec
	clock   clock.Clock
	lockout Lockout
	audit   audit.Sink
	logger  *slog.Logger
	kdf     util.KDFParams
	locks   *keylock.Map
	derive  deriveFunc
	// dummySalt is hashed against for unknown identities so that the
	// response time does not reveal whether an identity exists.
	dummySalt []byte
}

func New(repo storage.Repository, codec *storage.Codec, clk clock.Clock, lk Lockout, opts ...Option) (*Store, error) {
	s := &Store{
		repo:    repo,
		codec:   codec,
		clock:   clk,
		lockout: lk,
		audit:   audit.Discard,
		logger:  slog.Default(),
		kdf:     util.DefaultKDFParams(),
		locks:   keylock.New(),
		derive:  util.DerivePasswordKey,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.kdf.Validate(); err != nil {
		return nil, fmt.Errorf("credential kdf: %w", err)
	}
	salt, err := util.RandomBytes(util.SaltLen)
	if err != nil {
		return nil, err
	}
	s.dummySalt = salt
	s.logger = s.logger.With("component", "credential")
	return s, nil
}

// NormalizeEmail lowercases and trims an email for index lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Registration describes a new identity. An empty ID is replaced by a
// random UUID.
type Registration struct {
	ID       string
	Email    string
	Password string
}

// Create stores a new active identity with its first password. Strength
// rules are the caller's concern.
func (s *Store) Create(ctx context.Context, reg Registration) (*Identity, error) {
	id := reg.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := s.clock.Now().UTC()
	rec, err := s.hashNew(reg.Password, now)
	if err != nil {
		return nil, err
	}
	ident := &Identity{
		ID:        id,
		Email:     NormalizeEmail(reg.Email),
		Active:    true,
		CreatedAt: now,
	}
	ident.pushPassword(rec)

	env, err := s.codec.Encode(ident, identityAADPrefix+id, 1)
	if err != nil {
		return nil, fmt.Errorf("encoding identity: %w", err)
	}
	var emailTaken bool
	err = s.repo.Batch(namespace, func(tx storage.BatchTx) error {
		if ident.Email != "" {
			idx, err := s.codec.Encode(id, emailAADPrefix+ident.Email, 1)
			if err != nil {
				return err
			}
			if err := tx.PutCAS(emailRecordType, ident.Email, 0, idx); err != nil {
				emailTaken = errors.Is(err, storage.ErrCASFailed)
				return err
			}
		}
		return tx.PutCAS(identityRecordType, id, 0, env)
	})
	switch {
	case emailTaken:
		return nil, ErrEmailTaken
	case errors.Is(err, storage.ErrCASFailed):
		return nil, fmt.Errorf("identity %s already exists: %w", id, storage.ErrCASFailed)
	case err != nil:
		return nil, fmt.Errorf("storing identity: %w", err)
	}
	ident.Version = 1
	s.logger.Info("identity created", "identity", id)
	return ident, nil
}

// Get loads an identity by ID.
func (s *Store) Get(id string) (*Identity, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	env, err := s.repo.Get(namespace, identityRecordType, id)
	if storage.IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading identity: %w", err)
	}
	var ident Identity
	if err := s.codec.Decode(env, identityAADPrefix+id, &ident); err != nil {
		return nil, fmt.Errorf("identity %s: %v: %w", id, err, ErrIntegrity)
	}
	ident.Version = env.Version
	return &ident, nil
}

// Resolve maps an identity ID or email address to an identity ID.
func (s *Store) Resolve(idOrEmail string) (string, error) {
	if strings.Contains(idOrEmail, "@") {
		email := NormalizeEmail(idOrEmail)
		env, err := s.repo.Get(namespace, emailRecordType, email)
		if storage.IsNotFound(err) {
			return "", ErrNotFound
		}
		if err != nil {
			return "", fmt.Errorf("reading email index: %w", err)
		}
		var id string
		if err := s.codec.Decode(env, emailAADPrefix+email, &id); err != nil {
			return "", fmt.Errorf("email index %s: %v: %w", email, err, ErrIntegrity)
		}
		return id, nil
	}
	if _, err := s.repo.Get(namespace, identityRecordType, idOrEmail); err != nil {
		if storage.IsNotFound(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("reading identity: %w", err)
	}
	return idOrEmail, nil
}

// SetPassword derives a fresh hash for plaintext, makes it current and
// pushes it onto the history. Lockout state is left alone.
func (s *Store) SetPassword(ctx context.Context, id, plaintext string) error {
	now := s.clock.Now().UTC()
	rec, err := s.hashNew(plaintext, now)
	if err != nil {
		return err
	}
	_, err = s.mutate(id, func(ident *Identity) error {
		ident.pushPassword(rec)
		return nil
	}, nil)
	return err
}

// SetActive activates or deactivates an identity.
func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	_, err := s.mutate(id, func(ident *Identity) error {
		ident.Active = active
		return nil
	}, nil)
	if err != nil {
		return err
	}
	action := audit.ActionAccountDeactivated
	if active {
		action = audit.ActionAccountActivated
	}
	s.audit.Record(ctx, audit.Event{IdentityRef: id, Action: action, Success: true})
	return nil
}

// Verify checks plaintext against the current password of id. A locked
// identity is rejected without computing a hash and without counting a
// failure. Otherwise the result is reported to the lockout policy. An
// unknown identity still costs one hash and yields OutcomeMismatch.
//
// The returned error is non-nil only when storage failed; the outcome is
// then OutcomeMismatch.
func (s *Store) Verify(ctx context.Context, id, plaintext string) (Outcome, error) {
	ident, err := s.Get(id)
	switch {
	case errors.Is(err, ErrNotFound):
		s.burnDummy(plaintext)
		return OutcomeMismatch, nil
	case errors.Is(err, ErrIntegrity):
		s.anomaly(ctx, id, err)
		s.burnDummy(plaintext)
		return OutcomeCorrupt, nil
	case err != nil:
		return OutcomeMismatch, err
	}

	locked, err := s.lockout.IsLocked(id)
	if errors.Is(err, storage.ErrCorrupt) {
		s.anomaly(ctx, id, err)
		return OutcomeCorrupt, nil
	}
	if err != nil {
		return OutcomeMismatch, fmt.Errorf("checking lockout: %w", err)
	}
	if locked {
		return OutcomeLocked, nil
	}

	ok, err := s.compare(ident.Current, plaintext)
	if err != nil {
		s.anomaly(ctx, id, err)
		return OutcomeCorrupt, nil
	}
	if !ok {
		if _, err := s.lockout.RecordFailure(ctx, id); err != nil {
			return OutcomeMismatch, fmt.Errorf("recording failure: %w", err)
		}
		return OutcomeMismatch, nil
	}
	if err := s.lockout.RecordSuccess(ctx, id); err != nil {
		return OutcomeMismatch, fmt.Errorf("recording success: %w", err)
	}
	return OutcomeMatch, nil
}

// VerifyPassword reports whether plaintext is the current password of id.
// Every failure mode, storage errors included, yields false.
func (s *Store) VerifyPassword(ctx context.Context, id, plaintext string) bool {
	outcome, err := s.Verify(ctx, id, plaintext)
	if err != nil {
		s.logger.Error("password verification failed", "identity", id, "error", err)
		return false
	}
	return outcome == OutcomeMatch
}

// WasPasswordUsedBefore reports whether plaintext matches any password in
// the history of id. Every history entry is hashed; there is no early exit.
func (s *Store) WasPasswordUsedBefore(ctx context.Context, id, plaintext string) (bool, error) {
	ident, err := s.Get(id)
	if err != nil {
		return false, err
	}
	used := 0
	for _, rec := range ident.History {
		ok, err := s.compare(rec, plaintext)
		if err != nil {
			s.anomaly(ctx, id, fmt.Errorf("history entry: %w", err))
			continue
		}
		if ok {
			used |= 1
		}
	}
	return used == 1, nil
}

func (s *Store) hashNew(plaintext string, now time.Time) (PasswordRecord, error) {
	salt, err := util.RandomBytes(util.SaltLen)
	if err != nil {
		return PasswordRecord{}, err
	}
	hash, err := s.derive(plaintext, salt, s.kdf)
	if err != nil {
		return PasswordRecord{}, fmt.Errorf("deriving password hash: %w", err)
	}
	defer util.WipeBytes(hash)
	return newPasswordRecord(salt, hash, s.kdf, now), nil
}

// compare recomputes the hash of plaintext under rec's salt and parameters
// and compares in constant time. A malformed record yields ErrIntegrity.
func (s *Store) compare(rec PasswordRecord, plaintext string) (bool, error) {
	salt, want, err := rec.split()
	if err != nil {
		return false, err
	}
	p, err := rec.params()
	if err != nil {
		return false, err
	}
	got, err := s.derive(plaintext, salt, p)
	if err != nil {
		return false, fmt.Errorf("%v: %w", err, ErrIntegrity)
	}
	defer util.WipeBytes(got)
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

func (s *Store) burnDummy(plaintext string) {
	if key, err := s.derive(plaintext, s.dummySalt, s.kdf); err == nil {
		util.WipeBytes(key)
	}
}

func (s *Store) anomaly(ctx context.Context, id string, err error) {
	s.logger.Error("credential integrity anomaly", "identity", id, "error", err)
	s.audit.Record(ctx, audit.Event{
		IdentityRef: id,
		Action:      audit.ActionIntegrityAnomaly,
		Details:     err.Error(),
	})
}

// mutate applies fn to the stored identity under the per-identity lock and
// writes it back with CAS. extra, when set, runs in the same batch.
func (s *Store) mutate(id string, fn func(ident *Identity) error, extra func(tx storage.BatchTx, ident *Identity) error) (*Identity, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		ident, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		if err := fn(ident); err != nil {
			return nil, err
		}
		next := ident.Version + 1
		env, err := s.codec.Encode(ident, identityAADPrefix+id, next)
		if err != nil {
			return nil, fmt.Errorf("encoding identity: %w", err)
		}
		err = s.repo.Batch(namespace, func(tx storage.BatchTx) error {
			if err := tx.PutCAS(identityRecordType, id, ident.Version, env); err != nil {
				return err
			}
			if extra != nil {
				return extra(tx, ident)
			}
			return nil
		})
		if errors.Is(err, storage.ErrCASFailed) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("storing identity: %w", err)
		}
		ident.Version = next
		return ident, nil
	}
	return nil, fmt.Errorf("identity %s: %w", id, storage.ErrCASFailed)
}
