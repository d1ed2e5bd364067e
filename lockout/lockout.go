// Package lockout tracks consecutive password failures per identity and
// decides when an identity is temporarily locked.
//
// State is durable. Updates for one identity are serialized in-process by a
// keyed mutex and across processes by compare-and-swap on the record
// version, so concurrent failures are never lost.
package lockout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/silversage/guard/audit"
	"github.com/silversage/guard/internal/clock"
	"github.com/silversage/guard/internal/keylock"
	"github.com/silversage/guard/storage"
)

const (
	DefaultThreshold    = 5
	DefaultLockDuration = 30 * time.Minute

	namespace  = "lockout"
	recordType = "LOCKOUT"
	aadPrefix  = "lockout:"

	maxCASRetries = 8
)

// ErrContention is returned when a CAS update kept losing to concurrent
// writers from other processes.
var ErrContention = errors.New("lockout state update contention")

// State is the persisted lockout record for one identity.
type State struct {
	FailedCount   uint       `json:"failed_count"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	LockedUntil   *time.Time `json:"locked_until,omitempty"`
	// Version is the CAS version of the stored record; 0 means never stored.
	Version uint64 `json:"-"`
}

// LockedAt reports whether the identity is locked at now. A LockedUntil in
// the past counts as unlocked even though it is still stored.
func (s State) LockedAt(now time.Time) bool {
	return s.LockedUntil != nil && now.Before(*s.LockedUntil)
}

// RetryAfter returns how long until the lock lifts, or 0.
func (s State) RetryAfter(now time.Time) time.Duration {
	if !s.LockedAt(now) {
		return 0
	}
	return s.LockedUntil.Sub(now)
}

// Option configures a Policy.
type Option func(*Policy)

func WithThreshold(n uint) Option {
	return func(p *Policy) {
		if n > 0 {
			p.threshold = n
		}
	}
}

func WithLockDuration(d time.Duration) Option {
	return func(p *Policy) {
		if d > 0 {
			p.lockDuration = d
		}
	}
}

func WithAudit(sink audit.Sink) Option {
	return func(p *Policy) { p.audit = sink }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Policy) { p.logger = logger }
}

// Policy is the lockout state machine. The zero value is not usable; call
// New.
type Policy struct {
	repo         storage.Repository
	codec        *storage.Codec
	clock        clock.Clock
	locks        *keylock.Map
	audit        audit.Sink
	logger       *slog.Logger
	threshold    uint
	lockDuration time.Duration
}

func New(repo storage.Repository, codec *storage.Codec, clk clock.Clock, opts ...Option) *Policy {
	p := &Policy{
		repo:         repo,
		codec:        codec,
		clock:        clk,
		locks:        keylock.New(),
		audit:        audit.Discard,
		logger:       slog.Default(),
		threshold:    DefaultThreshold,
		lockDuration: DefaultLockDuration,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "lockout")
	return p
}

// Threshold returns the number of failures that triggers a lock.
func (p *Policy) Threshold() uint { return p.threshold }

// State returns the stored state for id. An identity with no record has the
// zero State.
func (p *Policy) State(id string) (State, error) {
	return p.load(id)
}

// IsLocked reports whether id is locked now. It never writes; an expired
// lock is cleared by the next state-changing call.
func (p *Policy) IsLocked(id string) (bool, error) {
	st, err := p.load(id)
	if err != nil {
		return false, err
	}
	return st.LockedAt(p.clock.Now()), nil
}

// RecordFailure counts one failed password check. When the count reaches
// the threshold the identity is locked for the lock duration; a failure
// after an expired lock that leaves the count at or above the threshold
// locks again.
func (p *Policy) RecordFailure(ctx context.Context, id string) (State, error) {
	var lockedNow bool
	st, err := p.update(id, false, func(st *State, now time.Time) bool {
		lockedNow = false
		wasLocked := st.LockedAt(now)
		st.FailedCount++
		st.LastFailureAt = &now
		if st.FailedCount >= p.threshold {
			until := now.Add(p.lockDuration)
			st.LockedUntil = &until
			lockedNow = !wasLocked
		}
		return true
	})
	if err != nil {
		return State{}, err
	}
	if lockedNow {
		p.logger.Warn("identity locked", "identity", id, "failed_count", st.FailedCount, "locked_until", *st.LockedUntil)
		p.audit.Record(ctx, audit.Event{
			IdentityRef: id,
			Action:      audit.ActionAccountLocked,
			Details:     fmt.Sprintf("locked after %d failures until %s", st.FailedCount, st.LockedUntil.UTC().Format(time.RFC3339)),
		})
	}
	return st, nil
}

// RecordSuccess zeroes the failure count and clears any lock. It is a no-op
// for an identity that is already clean.
func (p *Policy) RecordSuccess(_ context.Context, id string) error {
	_, err := p.update(id, false, func(st *State, _ time.Time) bool {
		if st.FailedCount == 0 && st.LockedUntil == nil {
			return false
		}
		st.FailedCount = 0
		st.LockedUntil = nil
		return true
	})
	return err
}

// AdminUnlock clears the failure count and lock regardless of timing. It
// also repairs an unreadable record. Every call is audited.
func (p *Policy) AdminUnlock(ctx context.Context, id, actor string) error {
	_, err := p.update(id, true, func(st *State, _ time.Time) bool {
		st.FailedCount = 0
		st.LockedUntil = nil
		return true
	})
	evt := audit.Event{
		IdentityRef: id,
		Action:      audit.ActionAdminUnlock,
		Success:     err == nil,
		Details:     "by " + actor,
	}
	if err != nil {
		evt.Details += ": " + err.Error()
	}
	p.audit.Record(ctx, evt)
	if err == nil {
		p.logger.Info("identity unlocked by admin", "identity", id, "actor", actor)
	}
	return err
}

// update applies fn under the per-identity lock and persists the result with
// CAS, retrying when another process won the race. fn returns false to skip
// the write. When repair is set an undecodable record is replaced by a zero
// State instead of failing.
func (p *Policy) update(id string, repair bool, fn func(st *State, now time.Time) bool) (State, error) {
	unlock := p.locks.Lock(id)
	defer unlock()

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		st, err := p.load(id)
		if err != nil {
			if !repair || !errors.Is(err, storage.ErrCorrupt) {
				return State{}, err
			}
			p.logger.Error("replacing corrupt lockout record", "identity", id, "error", err)
		}
		if !fn(&st, p.clock.Now()) {
			return st, nil
		}
		next := st.Version + 1
		env, err := p.codec.Encode(st, aadPrefix+id, next)
		if err != nil {
			return State{}, fmt.Errorf("encoding lockout state: %w", err)
		}
		err = p.repo.PutCAS(namespace, recordType, id, st.Version, env)
		if errors.Is(err, storage.ErrCASFailed) {
			continue
		}
		if err != nil {
			return State{}, fmt.Errorf("storing lockout state: %w", err)
		}
		st.Version = next
		return st, nil
	}
	return State{}, fmt.Errorf("%s: %w", id, ErrContention)
}

// load reads the state for id. On a decode failure the returned State still
// carries the stored version so the record can be overwritten.
func (p *Policy) load(id string) (State, error) {
	env, err := p.repo.Get(namespace, recordType, id)
	if storage.IsNotFound(err) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("reading lockout state: %w", err)
	}
	var st State
	if err := p.codec.Decode(env, aadPrefix+id, &st); err != nil {
		return State{Version: env.Version}, fmt.Errorf("lockout state for %s: %w", id, err)
	}
	st.Version = env.Version
	return st, nil
}
