package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/silversage/guard/audit"
	"github.com/silversage/guard/credential"
	"github.com/silversage/guard/internal/util"
	"github.com/silversage/guard/notify"
	"github.com/silversage/guard/ratelimit"
	"github.com/silversage/guard/twofactor"
)

// State is where a login stands after a Gate call.
type State string

const (
	StateAuthenticated        State = "authenticated"
	StateAwaitingSecondFactor State = "awaiting_second_factor"
)

// Result is the outcome of a login step that did not fail.
type Result struct {
	State      State    `json:"state"`
	IdentityID string   `json:"identity_id"`
	Session    *Session `json:"session,omitempty"`

	PendingToken     string    `json:"pending_token,omitempty"`
	PendingExpiresAt time.Time `json:"pending_expires_at,omitzero"`
	Channel          Channel   `json:"channel,omitempty"`
}

// LoginRequest is a first-factor attempt. Identifier is an identity ID or
// an email address; Source is the client address used for rate limiting.
type LoginRequest struct {
	Identifier string
	Password   string
	Source     string
}

// SecondFactorRequest completes a pending login with an emailed code, an
// authenticator code or a backup code.
type SecondFactorRequest struct {
	PendingToken string
	Code         string
	Source       string
}

const (
	methodEmail  = "email"
	methodTOTP   = "totp"
	methodBackup = "backup"
)

// Login runs the first factor. Unknown identities, wrong passwords, locked
// accounts and unreadable records all produce the same
// ReasonInvalidCredentials rejection. An inactive account is only reported
// once the password has matched.
func (g *Gate) Login(ctx context.Context, req LoginRequest) (*Result, error) {
	ctx = audit.WithSource(ctx, req.Source)
	if r := g.allow(ctx, req.Source, "", ratelimit.OpLogin, audit.ActionLoginRateLimited); r != nil {
		return nil, r
	}

	id, err := g.creds.Resolve(req.Identifier)
	switch {
	case err == nil:
	case errors.Is(err, credential.ErrNotFound):
		id = ""
	case errors.Is(err, credential.ErrIntegrity):
		g.record(ctx, "", audit.ActionIntegrityAnomaly, false, "login: "+err.Error())
		id = ""
	default:
		return nil, g.fail(ctx, "", "login", err)
	}

	outcome, err := g.creds.Verify(ctx, id, req.Password)
	if err != nil {
		return nil, g.fail(ctx, id, "login", err)
	}
	if outcome != credential.OutcomeMatch {
		g.record(ctx, id, audit.ActionLoginFailure, false, outcome.String())
		if outcome == credential.OutcomeMismatch {
			g.notifyIfLocked(ctx, id)
		}
		return nil, reject(ReasonInvalidCredentials)
	}

	ident, err := g.creds.Get(id)
	if err != nil {
		return nil, g.fail(ctx, id, "login", err)
	}
	if !ident.Active {
		g.record(ctx, id, audit.ActionLoginInactive, false, "")
		return nil, reject(ReasonAccountInactive)
	}

	profile, err := g.tf.Profile(id)
	if err != nil {
		return nil, g.fail(ctx, id, "login", err)
	}
	if !profile.Enabled {
		return g.complete(ctx, id, "password")
	}
	return g.beginSecondFactor(ctx, ident, profile, req.Source)
}

func (g *Gate) complete(ctx context.Context, id, method string) (*Result, error) {
	sess, err := g.sessions.Issue(id)
	if err != nil {
		return nil, g.fail(ctx, id, "issue session", err)
	}
	g.record(ctx, id, audit.ActionLoginSuccess, true, method)
	g.logger.Info("login succeeded", "identity", id, "method", method)
	return &Result{State: StateAuthenticated, IdentityID: id, Session: &sess}, nil
}

func awaiting(token string, p Pending) *Result {
	return &Result{
		State:            StateAwaitingSecondFactor,
		IdentityID:       p.IdentityID,
		PendingToken:     token,
		PendingExpiresAt: p.ExpiresAt,
		Channel:          p.Channel,
	}
}

// beginSecondFactor parks the login in the pending store. With an enrolled
// authenticator the user is asked for a TOTP code; otherwise a fresh code
// is emailed.
func (g *Gate) beginSecondFactor(ctx context.Context, ident *credential.Identity, profile twofactor.Profile, source string) (*Result, error) {
	token, err := util.RandomToken(pendingTokenBytes)
	if err != nil {
		return nil, g.fail(ctx, ident.ID, "login", err)
	}
	now := g.now()
	p := Pending{
		IdentityID: ident.ID,
		Channel:    ChannelTOTP,
		Source:     source,
		CreatedAt:  now,
		ExpiresAt:  now.Add(g.tf.CodeTTL()),
	}
	if profile.TOTPEnrolled() {
		if err := g.pending.Put(token, p); err != nil {
			return nil, g.fail(ctx, ident.ID, "login", err)
		}
		g.record(ctx, ident.ID, audit.ActionChallengeIssued, true, methodTOTP)
		return awaiting(token, p), nil
	}
	return g.emailChallenge(ctx, ident, token, p)
}

// emailChallenge issues a new code, stores p under token and delivers the
// code. A delivery failure keeps the pending login so it can be resent.
func (g *Gate) emailChallenge(ctx context.Context, ident *credential.Identity, token string, p Pending) (*Result, error) {
	code, expires, err := g.tf.IssueChallenge(ident.ID)
	if err != nil {
		return nil, g.fail(ctx, ident.ID, "issue challenge", err)
	}
	p.Channel = ChannelEmail
	p.ExpiresAt = expires
	if err := g.pending.Put(token, p); err != nil {
		return nil, g.fail(ctx, ident.ID, "issue challenge", err)
	}
	err = g.notify(ctx, ident, notify.Message{
		Kind:      notify.KindLoginCode,
		Subject:   "Your sign-in code",
		Body:      fmt.Sprintf("Your sign-in code is valid until %s.", expires.UTC().Format(time.RFC1123)),
		Secret:    code,
		ExpiresAt: expires,
	})
	if err != nil {
		g.logger.Warn("challenge delivery failed", "identity", ident.ID, "error", err)
		g.record(ctx, ident.ID, audit.ActionChallengeDeliveryFailed, false, err.Error())
		r := reject(ReasonDeliveryFailed).withCause(err)
		r.PendingToken = token
		return nil, r
	}
	g.record(ctx, ident.ID, audit.ActionChallengeIssued, true, methodEmail)
	return awaiting(token, p), nil
}

// SubmitSecondFactor completes a pending login. Failures are throttled per
// identity and never count towards lockout. A wrong code leaves the login
// pending; an expired one ends it.
func (g *Gate) SubmitSecondFactor(ctx context.Context, req SecondFactorRequest) (*Result, error) {
	ctx = audit.WithSource(ctx, req.Source)
	p, ok, err := g.pending.Get(req.PendingToken)
	if err != nil {
		return nil, g.fail(ctx, "", "second factor", err)
	}
	if !ok {
		return nil, reject(ReasonSecondFactorExpired)
	}
	id := p.IdentityID
	if r := g.allow(ctx, id, id, ratelimit.OpSecondFactor, audit.ActionSecondFactorRateLimited); r != nil {
		return nil, r
	}
	code := normalizeCode(req.Code)
	if code == "" {
		return nil, reject(ReasonSecondFactorRequired)
	}

	method, err := g.checkSecondFactor(id, p.Channel, code)
	switch {
	case err == nil:
	case errors.Is(err, twofactor.ErrCodeExpired), errors.Is(err, twofactor.ErrNoChallenge):
		g.record(ctx, id, audit.ActionSecondFactorFailure, false, method+": expired")
		_, _ = g.pending.Delete(req.PendingToken)
		return nil, reject(ReasonSecondFactorExpired)
	case errors.Is(err, twofactor.ErrCodeInvalid), errors.Is(err, twofactor.ErrTOTPNotEnrolled):
		g.record(ctx, id, audit.ActionSecondFactorFailure, false, method+": invalid")
		return nil, reject(ReasonSecondFactorInvalid)
	default:
		return nil, g.fail(ctx, id, "second factor", err)
	}

	removed, err := g.pending.Delete(req.PendingToken)
	if err != nil {
		return nil, g.fail(ctx, id, "second factor", err)
	}
	if !removed {
		return nil, reject(ReasonSecondFactorExpired)
	}
	if method == methodBackup {
		remaining := 0
		if prof, err := g.tf.Profile(id); err == nil {
			remaining = prof.BackupCodesRemaining()
		}
		g.record(ctx, id, audit.ActionBackupCodeUsed, true, fmt.Sprintf("%d remaining", remaining))
	}
	g.record(ctx, id, audit.ActionSecondFactorSuccess, true, method)

	ident, err := g.creds.Get(id)
	if err != nil {
		return nil, g.fail(ctx, id, "second factor", err)
	}
	if !ident.Active {
		g.record(ctx, id, audit.ActionLoginInactive, false, "")
		return nil, reject(ReasonAccountInactive)
	}
	st, err := g.lockout.State(id)
	if err != nil {
		return nil, g.fail(ctx, id, "second factor", err)
	}
	if now := g.now(); st.LockedAt(now) {
		r := reject(ReasonAccountLocked)
		r.RetryAfter = st.RetryAfter(now)
		return nil, r
	}
	if err := g.lockout.RecordSuccess(ctx, id); err != nil {
		return nil, g.fail(ctx, id, "second factor", err)
	}
	return g.complete(ctx, id, method)
}

// checkSecondFactor routes code by shape: backup codes are longer than the
// one-time codes, so any code of backup length is tried as one.
func (g *Gate) checkSecondFactor(id string, channel Channel, code string) (string, error) {
	switch {
	case len(code) == twofactor.BackupCodeDigits:
		return methodBackup, g.tf.VerifyBackupCode(id, code)
	case channel == ChannelTOTP:
		return methodTOTP, g.tf.VerifyTOTP(id, code)
	default:
		return methodEmail, g.tf.VerifyChallenge(id, code)
	}
}

func normalizeCode(code string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, strings.TrimSpace(code))
}

// ResendChallenge emails a fresh code for a pending login, invalidating the
// previous one. It shares the per-identity second-factor budget and also
// switches an authenticator login to an emailed code.
func (g *Gate) ResendChallenge(ctx context.Context, pendingToken, source string) (*Result, error) {
	ctx = audit.WithSource(ctx, source)
	p, ok, err := g.pending.Get(pendingToken)
	if err != nil {
		return nil, g.fail(ctx, "", "resend challenge", err)
	}
	if !ok {
		return nil, reject(ReasonSecondFactorExpired)
	}
	if r := g.allow(ctx, p.IdentityID, p.IdentityID, ratelimit.OpSecondFactor, audit.ActionSecondFactorRateLimited); r != nil {
		return nil, r
	}
	ident, err := g.creds.Get(p.IdentityID)
	if err != nil {
		return nil, g.fail(ctx, p.IdentityID, "resend challenge", err)
	}
	return g.emailChallenge(ctx, ident, pendingToken, p)
}

// Authenticate validates a session token. Sessions issued before the last
// password change, or belonging to an inactive identity, are refused.
func (g *Gate) Authenticate(ctx context.Context, token string) (Session, error) {
	sess, err := g.sessions.Parse(token)
	if err != nil {
		return Session{}, reject(ReasonUnauthorized).withCause(err)
	}
	ident, err := g.creds.Get(sess.IdentityID)
	if errors.Is(err, credential.ErrNotFound) {
		return Session{}, reject(ReasonUnauthorized).withCause(err)
	}
	if err != nil {
		return Session{}, g.fail(ctx, sess.IdentityID, "authenticate", err)
	}
	if !ident.Active {
		return Session{}, reject(ReasonAccountInactive)
	}
	if ident.PasswordChangedAt.Truncate(time.Second).After(sess.IssuedAt) {
		return Session{}, reject(ReasonUnauthorized)
	}
	return sess, nil
}
