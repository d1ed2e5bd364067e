// Package gate orchestrates sign-in and the account-security flows around
// it. It owns no state of its own beyond pending logins: identities,
// lockout, second factors and rate windows live in their own packages and
// the gate sequences them.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/silversage/guard/audit"
	"github.com/silversage/guard/credential"
	"github.com/silversage/guard/internal/clock"
	"github.com/silversage/guard/lockout"
	"github.com/silversage/guard/notify"
	"github.com/silversage/guard/ratelimit"
	"github.com/silversage/guard/storage"
	"github.com/silversage/guard/twofactor"
)

const pendingTokenBytes = 32

// Deps wires a Gate. Credentials, Lockout, TwoFactor, Limiter, Sessions and
// Clock are required.
type Deps struct {
	Credentials *credential.Store
	Lockout     *lockout.Policy
	TwoFactor   *twofactor.Engine
	Limiter     *ratelimit.Limiter
	Sessions    *SessionIssuer
	Clock       clock.Clock

	// Audit defaults to audit.Discard.
	Audit audit.Sink
	// Notifier defaults to a LogNotifier on Logger.
	Notifier notify.Notifier
	// Pending defaults to a MemoryPendingStore.
	Pending PendingStore
	Logger  *slog.Logger
}

// Gate is safe for concurrent use.
type Gate struct {
	creds    *credential.Store
	lockout  *lockout.Policy
	tf       *twofactor.Engine
	limiter  *ratelimit.Limiter
	sessions *SessionIssuer
	clock    clock.Clock
	audit    audit.Sink
	notifier notify.Notifier
	pending  PendingStore
	logger   *slog.Logger
}

func New(d Deps) (*Gate, error) {
	switch {
	case d.Credentials == nil:
		return nil, errors.New("gate: credential store is required")
	case d.Lockout == nil:
		return nil, errors.New("gate: lockout policy is required")
	case d.TwoFactor == nil:
		return nil, errors.New("gate: two-factor engine is required")
	case d.Limiter == nil:
		return nil, errors.New("gate: rate limiter is required")
	case d.Sessions == nil:
		return nil, errors.New("gate: session issuer is required")
	case d.Clock == nil:
		return nil, errors.New("gate: clock is required")
	}
	g := &Gate{
		creds:    d.Credentials,
		lockout:  d.Lockout,
		tf:       d.TwoFactor,
		limiter:  d.Limiter,
		sessions: d.Sessions,
		clock:    d.Clock,
		audit:    d.Audit,
		notifier: d.Notifier,
		pending:  d.Pending,
		logger:   d.Logger,
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.logger = g.logger.With("component", "gate")
	if g.audit == nil {
		g.audit = audit.Discard
	}
	if g.notifier == nil {
		g.notifier = notify.NewLogNotifier(g.logger)
	}
	if g.pending == nil {
		g.pending = NewMemoryPendingStore(g.clock)
	}
	return g, nil
}

func (g *Gate) record(ctx context.Context, id string, action audit.Action, success bool, details string) {
	g.audit.Record(ctx, audit.Event{IdentityRef: id, Action: action, Success: success, Details: details})
}

func (g *Gate) rateLimited(ctx context.Context, id string, action audit.Action, op ratelimit.Operation, d ratelimit.Decision) *Rejection {
	g.record(ctx, id, action, false, string(op))
	r := reject(ReasonRateLimited)
	r.RetryAfter = d.RetryAfter(g.clock.Now())
	return r
}

func (g *Gate) allow(ctx context.Context, key, id string, op ratelimit.Operation, action audit.Action) *Rejection {
	if d := g.limiter.Allow(key, op); !d.Allowed {
		return g.rateLimited(ctx, id, action, op, d)
	}
	return nil
}

// fail maps an error from a collaborator onto a Rejection. Unreadable state
// is an integrity error and is audited as an anomaly; anything unexpected
// is an internal error.
func (g *Gate) fail(ctx context.Context, id, op string, err error) *Rejection {
	var r *Rejection
	if errors.As(err, &r) {
		return r
	}
	switch {
	case errors.Is(err, credential.ErrNotFound):
		return reject(ReasonInvalidCredentials).withCause(err)
	case errors.Is(err, credential.ErrIntegrity), errors.Is(err, storage.ErrCorrupt):
		g.logger.Error("integrity failure", "op", op, "identity", id, "error", err)
		g.record(ctx, id, audit.ActionIntegrityAnomaly, false, fmt.Sprintf("%s: %v", op, err))
		return reject(ReasonIntegrityError).withCause(err)
	default:
		g.logger.Error("operation failed", "op", op, "identity", id, "error", err)
		g.record(ctx, id, audit.ActionInternalError, false, fmt.Sprintf("%s: %v", op, err))
		return reject(ReasonInternalError).withCause(err)
	}
}

func weak(err error) *Rejection {
	r := reject(ReasonWeakPassword).withCause(err)
	var wp *credential.WeakPasswordError
	if errors.As(err, &wp) {
		r.Details = wp.Reasons
	}
	return r
}

func (g *Gate) lockedRejection(id string) *Rejection {
	r := reject(ReasonAccountLocked)
	if st, err := g.lockout.State(id); err == nil {
		r.RetryAfter = st.RetryAfter(g.clock.Now())
	}
	return r
}

// reauthenticate checks the current password of an already signed-in
// identity. Unlike Login it may say that the account is locked.
func (g *Gate) reauthenticate(ctx context.Context, id, password string, failAction audit.Action) *Rejection {
	outcome, err := g.creds.Verify(ctx, id, password)
	if err != nil {
		return g.fail(ctx, id, "reauthenticate", err)
	}
	switch outcome {
	case credential.OutcomeMatch:
		return nil
	case credential.OutcomeLocked:
		g.record(ctx, id, failAction, false, "locked")
		return g.lockedRejection(id)
	case credential.OutcomeCorrupt:
		g.record(ctx, id, failAction, false, "corrupt")
		return reject(ReasonIntegrityError)
	default:
		g.record(ctx, id, failAction, false, "wrong password")
		g.notifyIfLocked(ctx, id)
		return reject(ReasonInvalidCredentials)
	}
}

// notify delivers msg to the identity's email. Failures are returned
// wrapped in notify.ErrDeliveryFailed.
func (g *Gate) notify(ctx context.Context, ident *credential.Identity, msg notify.Message) error {
	msg.IdentityRef = ident.ID
	msg.To = ident.Email
	if msg.To == "" {
		return fmt.Errorf("identity %s has no email: %w", ident.ID, notify.ErrDeliveryFailed)
	}
	if err := g.notifier.Notify(ctx, msg); err != nil {
		if !errors.Is(err, notify.ErrDeliveryFailed) {
			err = fmt.Errorf("%w: %v", notify.ErrDeliveryFailed, err)
		}
		return err
	}
	return nil
}

// notifyQuietly sends an informational message and only logs failures.
func (g *Gate) notifyQuietly(ctx context.Context, id string, msg notify.Message) {
	ident, err := g.creds.Get(id)
	if err != nil {
		return
	}
	if err := g.notify(ctx, ident, msg); err != nil {
		g.logger.Warn("notification not delivered", "kind", msg.Kind, "identity", id, "error", err)
	}
}

// notifyIfLocked tells the owner when the failure just recorded locked the
// account. A counted failure implies the account was unlocked before.
func (g *Gate) notifyIfLocked(ctx context.Context, id string) {
	if id == "" {
		return
	}
	st, err := g.lockout.State(id)
	if err != nil || !st.LockedAt(g.clock.Now()) {
		return
	}
	g.notifyQuietly(ctx, id, notify.Message{
		Kind:      notify.KindAccountLocked,
		Subject:   "Your account has been temporarily locked",
		Body:      "Too many failed sign-in attempts. Try again later or reset your password.",
		ExpiresAt: *st.LockedUntil,
	})
}

func (g *Gate) now() time.Time { return g.clock.Now() }
