// Package twofactor issues and verifies second-factor codes: emailed
// one-time challenges, single-use backup codes and authenticator-app TOTP.
//
// The engine does not consult Profile.Enabled before issuing a challenge.
// Deciding whether a login needs a second factor is the caller's job.
package twofactor

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/silversage/guard/internal/clock"
	"github.com/silversage/guard/internal/keylock"
	"github.com/silversage/guard/internal/util"
	"github.com/silversage/guard/storage"
)

const (
	CodeDigits       = 6
	BackupCodeDigits = 8
	DefaultCodeTTL   = 10 * time.Minute
	// DefaultBackupCodeCount is how many backup codes a regeneration yields.
	DefaultBackupCodeCount = 10

	namespace  = "twofactor"
	recordType = "PROFILE"
	aadPrefix  = "twofactor:"

	maxCASRetries = 8
)

var (
	// ErrNoChallenge is returned when no challenge is outstanding.
	ErrNoChallenge = errors.New("no pending challenge")
	// ErrCodeExpired is returned for the right code submitted too late.
	ErrCodeExpired = errors.New("code expired")
	// ErrCodeInvalid is returned for a code that does not match.
	ErrCodeInvalid = errors.New("invalid code")
	// ErrTOTPNotEnrolled is returned when TOTP is used before enrolment.
	ErrTOTPNotEnrolled = errors.New("authenticator app not enrolled")
)

// Option configures an Engine.
type Option func(*Engine)

func WithCodeTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.codeTTL = d
		}
	}
}

// WithIssuer sets the issuer label shown in authenticator apps.
func WithIssuer(issuer string) Option {
	return func(e *Engine) {
		if issuer != "" {
			e.issuer = issuer
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// Engine owns TwoFactor profiles. There is at most one profile per
// identity: the record is keyed by identity ID.
type Engine struct {
	repo    storage.Repository
	codec   *storage.Codec
	clock   clock.Clock
	locks   *keylock.Map
	logger  *slog.Logger
	codeTTL time.Duration
	issuer  string
}

func New(repo storage.Repository, codec *storage.Codec, clk clock.Clock, opts ...Option) *Engine {
	e := &Engine{
		repo:    repo,
		codec:   codec,
		clock:   clk,
		locks:   keylock.New(),
		logger:  slog.Default(),
		codeTTL: DefaultCodeTTL,
		issuer:  "Guard",
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "twofactor")
	return e
}

// CodeTTL returns the lifetime of an issued challenge.
func (e *Engine) CodeTTL() time.Duration { return e.codeTTL }

// Profile returns the stored profile, or the zero Profile if none exists.
func (e *Engine) Profile(id string) (Profile, error) {
	return e.load(id)
}

func (e *Engine) IsEnabled(id string) (bool, error) {
	p, err := e.load(id)
	if err != nil {
		return false, err
	}
	return p.Enabled, nil
}

// Enable turns on the second factor for id.
func (e *Engine) Enable(id string) error {
	_, err := e.update(id, func(p *Profile, _ time.Time) (bool, error) {
		if p.Enabled {
			return false, nil
		}
		p.Enabled = true
		return true, nil
	})
	return err
}

// Disable turns off the second factor and purges any pending challenge and
// unconfirmed TOTP enrolment. Disabling twice is harmless.
func (e *Engine) Disable(id string) error {
	_, err := e.update(id, func(p *Profile, _ time.Time) (bool, error) {
		if !p.Enabled && p.PendingCodeHash == "" && p.TOTPPendingSecret == "" {
			return false, nil
		}
		p.Enabled = false
		p.clearPending()
		p.TOTPPendingSecret = ""
		p.TOTPPendingExpiresAt = nil
		return true, nil
	})
	return err
}

// IssueChallenge generates a fresh 6-digit code for id, replacing any
// outstanding one, and returns it with its expiry.
func (e *Engine) IssueChallenge(id string) (string, time.Time, error) {
	code, err := util.RandomDigits(CodeDigits)
	if err != nil {
		return "", time.Time{}, err
	}
	var expires time.Time
	_, err = e.update(id, func(p *Profile, now time.Time) (bool, error) {
		expires = now.Add(e.codeTTL)
		p.PendingCodeHash = util.SHA256Hex(code)
		p.PendingExpiresAt = &expires
		return true, nil
	})
	if err != nil {
		return "", time.Time{}, err
	}
	return code, expires, nil
}

// VerifyChallenge consumes the pending code if code matches and it has not
// expired. A wrong code leaves the challenge in place; an expired one is
// discarded.
func (e *Engine) VerifyChallenge(id, code string) error {
	var result error
	_, err := e.update(id, func(p *Profile, now time.Time) (bool, error) {
		result = nil
		if p.PendingCodeHash == "" || p.PendingExpiresAt == nil {
			result = ErrNoChallenge
			return false, nil
		}
		if now.After(*p.PendingExpiresAt) {
			result = ErrCodeExpired
			p.clearPending()
			return true, nil
		}
		if !hashMatches(p.PendingCodeHash, code) {
			result = ErrCodeInvalid
			return false, nil
		}
		p.clearPending()
		p.LastUsedAt = &now
		return true, nil
	})
	if err != nil {
		return err
	}
	return result
}

// VerifyBackupCode consumes code from the backup set.
func (e *Engine) VerifyBackupCode(id, code string) error {
	var result error
	_, err := e.update(id, func(p *Profile, now time.Time) (bool, error) {
		result = nil
		idx := matchBackupCode(p.BackupCodes, code)
		if idx < 0 {
			result = ErrCodeInvalid
			return false, nil
		}
		p.BackupCodes = append(p.BackupCodes[:idx:idx], p.BackupCodes[idx+1:]...)
		p.LastUsedAt = &now
		return true, nil
	})
	if err != nil {
		return err
	}
	return result
}

// RegenerateBackupCodes replaces the whole backup set with count new
// 8-digit codes in one write and returns them in plaintext. This is the
// only time the plaintext is available.
func (e *Engine) RegenerateBackupCodes(id string, count int) ([]string, error) {
	if count <= 0 {
		count = DefaultBackupCodeCount
	}
	codes := make([]string, 0, count)
	seen := make(map[string]struct{}, count)
	for len(codes) < count {
		c, err := util.RandomDigits(BackupCodeDigits)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		codes = append(codes, c)
	}
	hashed := make([]string, len(codes))
	for i, c := range codes {
		hashed[i] = util.SHA256Hex(c)
	}
	_, err := e.update(id, func(p *Profile, _ time.Time) (bool, error) {
		p.BackupCodes = hashed
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return codes, nil
}

// hashMatches compares the digest of candidate to stored in constant time.
func hashMatches(stored, candidate string) bool {
	return subtle.ConstantTimeCompare([]byte(stored), []byte(util.SHA256Hex(candidate))) == 1
}

// matchBackupCode returns the index of code in hashed, or -1. Every entry
// is compared.
func matchBackupCode(hashed []string, code string) int {
	digest := []byte(util.SHA256Hex(code))
	idx := -1
	for i, h := range hashed {
		if subtle.ConstantTimeCompare([]byte(h), digest) == 1 && idx < 0 {
			idx = i
		}
	}
	return idx
}

// update applies fn under the per-identity lock and persists with CAS.
func (e *Engine) update(id string, fn func(p *Profile, now time.Time) (bool, error)) (Profile, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		p, err := e.load(id)
		if err != nil {
			return Profile{}, err
		}
		changed, err := fn(&p, e.clock.Now())
		if err != nil || !changed {
			return p, err
		}
		next := p.Version + 1
		env, err := e.codec.Encode(p, aadPrefix+id, next)
		if err != nil {
			return Profile{}, fmt.Errorf("encoding two-factor profile: %w", err)
		}
		err = e.repo.PutCAS(namespace, recordType, id, p.Version, env)
		if errors.Is(err, storage.ErrCASFailed) {
			continue
		}
		if err != nil {
			return Profile{}, fmt.Errorf("storing two-factor profile: %w", err)
		}
		p.Version = next
		return p, nil
	}
	return Profile{}, fmt.Errorf("two-factor profile %s: %w", id, storage.ErrCASFailed)
}

func (e *Engine) load(id string) (Profile, error) {
	env, err := e.repo.Get(namespace, recordType, id)
	if storage.IsNotFound(err) {
		return Profile{}, nil
	}
	if err != nil {
		return Profile{}, fmt.Errorf("reading two-factor profile: %w", err)
	}
	var p Profile
	if err := e.codec.Decode(env, aadPrefix+id, &p); err != nil {
		return Profile{}, fmt.Errorf("two-factor profile %s: %w", id, err)
	}
	p.Version = env.Version
	return p, nil
}
