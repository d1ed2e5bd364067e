package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/silversage/guard/audit"
	"github.com/silversage/guard/credential"
	"github.com/silversage/guard/notify"
	"github.com/silversage/guard/ratelimit"
)

// RegisterRequest creates a new identity.
type RegisterRequest struct {
	Email    string
	Password string
	Source   string
}

// PasswordChange replaces the password of a signed-in identity.
type PasswordChange struct {
	IdentityID string
	Current    string
	New        string
	Source     string
}

// Register creates an active identity without a second factor.
func (g *Gate) Register(ctx context.Context, req RegisterRequest) (*credential.Identity, error) {
	ctx = audit.WithSource(ctx, req.Source)
	if r := g.allow(ctx, req.Source, "", ratelimit.OpRegister, audit.ActionRateLimited); r != nil {
		return nil, r
	}
	email := credential.NormalizeEmail(req.Email)
	if !validEmail(email) {
		r := reject(ReasonInvalidInput)
		r.Details = []string{"email"}
		return nil, r
	}
	if err := credential.ValidateStrength(req.Password); err != nil {
		return nil, weak(err)
	}
	ident, err := g.creds.Create(ctx, credential.Registration{Email: email, Password: req.Password})
	if errors.Is(err, credential.ErrEmailTaken) {
		g.record(ctx, "", audit.ActionRegister, false, "email taken")
		return nil, reject(ReasonEmailTaken)
	}
	if err != nil {
		return nil, g.fail(ctx, "", "register", err)
	}
	g.record(ctx, ident.ID, audit.ActionRegister, true, "")
	return ident, nil
}

func validEmail(email string) bool {
	local, domain, ok := strings.Cut(email, "@")
	return ok && local != "" && domain != "" && !strings.ContainsAny(email, " \t\r\n") && !strings.Contains(domain, "@")
}

// ChangePassword verifies the current password, then rejects weak and
// recently used candidates before storing the new one. Lockout is
// unaffected by a successful change.
func (g *Gate) ChangePassword(ctx context.Context, req PasswordChange) error {
	ctx = audit.WithSource(ctx, req.Source)
	id := req.IdentityID
	if r := g.allow(ctx, id, id, ratelimit.OpPasswordChange, audit.ActionRateLimited); r != nil {
		return r
	}
	if r := g.reauthenticate(ctx, id, req.Current, audit.ActionPasswordChangeFailed); r != nil {
		return r
	}
	if err := credential.ValidateStrength(req.New); err != nil {
		g.record(ctx, id, audit.ActionPasswordChangeFailed, false, "weak password")
		return weak(err)
	}
	if r := g.checkReuse(ctx, id, req.New); r != nil {
		return r
	}
	if err := g.creds.SetPassword(ctx, id, req.New); err != nil {
		return g.fail(ctx, id, "change password", err)
	}
	g.record(ctx, id, audit.ActionPasswordChanged, true, "")
	g.notifyQuietly(ctx, id, notify.Message{
		Kind:    notify.KindPasswordChanged,
		Subject: "Your password was changed",
		Body:    "If you did not make this change, reset your password immediately.",
	})
	return nil
}

func (g *Gate) checkReuse(ctx context.Context, id, candidate string) *Rejection {
	reused, err := g.creds.WasPasswordUsedBefore(ctx, id, candidate)
	if err != nil {
		return g.fail(ctx, id, "password history", err)
	}
	if reused {
		g.record(ctx, id, audit.ActionPasswordReuseBlocked, false, "")
		return reject(ReasonPasswordReused)
	}
	return nil
}

// RequestPasswordReset emails a reset link when email belongs to an active
// identity. The caller always gets nil so the response does not reveal
// whether the address is registered.
func (g *Gate) RequestPasswordReset(ctx context.Context, email, source string) error {
	ctx = audit.WithSource(ctx, source)
	if r := g.allow(ctx, source, "", ratelimit.OpPasswordReset, audit.ActionRateLimited); r != nil {
		return r
	}
	id, err := g.creds.Resolve(credential.NormalizeEmail(email))
	if errors.Is(err, credential.ErrNotFound) {
		g.record(ctx, "", audit.ActionPasswordResetRequested, false, "unknown email")
		return nil
	}
	if err != nil {
		g.fail(ctx, "", "password reset", err)
		return nil
	}
	ident, err := g.creds.Get(id)
	if err != nil {
		g.fail(ctx, id, "password reset", err)
		return nil
	}
	if !ident.Active {
		g.record(ctx, id, audit.ActionPasswordResetRequested, false, "inactive")
		return nil
	}
	token, expires, err := g.creds.IssueResetToken(ctx, id)
	if err != nil {
		g.fail(ctx, id, "password reset", err)
		return nil
	}
	err = g.notify(ctx, ident, notify.Message{
		Kind:      notify.KindPasswordReset,
		Subject:   "Reset your password",
		Body:      fmt.Sprintf("Use the reset token before %s.", expires.UTC().Format(time.RFC1123)),
		Secret:    token,
		ExpiresAt: expires,
	})
	if err != nil {
		g.logger.Warn("reset delivery failed", "identity", id, "error", err)
		g.record(ctx, id, audit.ActionPasswordResetRequested, false, err.Error())
		return nil
	}
	g.record(ctx, id, audit.ActionPasswordResetRequested, true, "")
	return nil
}

// ResetPassword completes a reset. The token is single use; a successful
// reset also clears any lockout because it proves control of the mailbox.
func (g *Gate) ResetPassword(ctx context.Context, token, newPassword, source string) error {
	ctx = audit.WithSource(ctx, source)
	if r := g.allow(ctx, source, "", ratelimit.OpPasswordReset, audit.ActionRateLimited); r != nil {
		return r
	}
	id, err := g.creds.CheckResetToken(token)
	if err != nil {
		return g.resetFailure(ctx, err)
	}
	if err := credential.ValidateStrength(newPassword); err != nil {
		return weak(err)
	}
	if r := g.checkReuse(ctx, id, newPassword); r != nil {
		return r
	}
	if _, err := g.creds.CompleteReset(ctx, token, newPassword); err != nil {
		return g.resetFailure(ctx, err)
	}
	if err := g.lockout.RecordSuccess(ctx, id); err != nil {
		g.logger.Warn("clearing lockout after reset failed", "identity", id, "error", err)
	}
	g.record(ctx, id, audit.ActionPasswordReset, true, "")
	g.notifyQuietly(ctx, id, notify.Message{
		Kind:    notify.KindPasswordChanged,
		Subject: "Your password was reset",
		Body:    "If you did not request this, contact support immediately.",
	})
	return nil
}

func (g *Gate) resetFailure(ctx context.Context, err error) error {
	if errors.Is(err, credential.ErrResetTokenInvalid) || errors.Is(err, credential.ErrResetTokenExpired) {
		g.record(ctx, "", audit.ActionPasswordReset, false, err.Error())
		return reject(ReasonResetTokenInvalid).withCause(err)
	}
	return g.fail(ctx, "", "password reset", err)
}

// AdminUnlock clears lockout state for id. It is always allowed.
func (g *Gate) AdminUnlock(ctx context.Context, id, actor string) error {
	if err := g.lockout.AdminUnlock(ctx, id, actor); err != nil {
		return g.fail(ctx, id, "admin unlock", err)
	}
	return nil
}

// SetActive activates or deactivates an identity. A deactivated identity
// cannot sign in and its existing sessions stop authenticating.
func (g *Gate) SetActive(ctx context.Context, id string, active bool) error {
	if err := g.creds.SetActive(ctx, id, active); err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			return reject(ReasonInvalidInput).withCause(err)
		}
		return g.fail(ctx, id, "set active", err)
	}
	return nil
}
