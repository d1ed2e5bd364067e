package gate

import (
	"context"
	"errors"
	"fmt"

	"github.com/silversage/guard/audit"
	"github.com/silversage/guard/ratelimit"
	"github.com/silversage/guard/twofactor"
)

// EnableTwoFactor turns on the second factor for a signed-in identity. If
// it has no backup codes yet a fresh set is generated and returned; the
// plaintext codes are never available again.
func (g *Gate) EnableTwoFactor(ctx context.Context, id string) ([]string, error) {
	ident, err := g.creds.Get(id)
	if err != nil {
		return nil, g.fail(ctx, id, "enable two-factor", err)
	}
	profile, err := g.tf.Profile(id)
	if err != nil {
		return nil, g.fail(ctx, id, "enable two-factor", err)
	}
	if ident.Email == "" && !profile.TOTPEnrolled() {
		r := reject(ReasonInvalidInput)
		r.Details = []string{"an email address or authenticator app is required"}
		return nil, r
	}
	if err := g.tf.Enable(id); err != nil {
		return nil, g.fail(ctx, id, "enable two-factor", err)
	}
	g.record(ctx, id, audit.ActionTwoFactorEnabled, true, "")
	if profile.BackupCodesRemaining() > 0 {
		return nil, nil
	}
	return g.regenerate(ctx, id)
}

// DisableTwoFactor turns the second factor off after re-checking the
// password. Pending challenges are purged.
func (g *Gate) DisableTwoFactor(ctx context.Context, id, password, source string) error {
	ctx = audit.WithSource(ctx, source)
	if r := g.allow(ctx, id, id, ratelimit.OpPasswordChange, audit.ActionRateLimited); r != nil {
		return r
	}
	if r := g.reauthenticate(ctx, id, password, audit.ActionTwoFactorDisabled); r != nil {
		return r
	}
	if err := g.tf.Disable(id); err != nil {
		return g.fail(ctx, id, "disable two-factor", err)
	}
	g.record(ctx, id, audit.ActionTwoFactorDisabled, true, "")
	return nil
}

// RegenerateBackupCodes replaces every backup code of id and returns the
// new set.
func (g *Gate) RegenerateBackupCodes(ctx context.Context, id, source string) ([]string, error) {
	ctx = audit.WithSource(ctx, source)
	if r := g.allow(ctx, id, id, ratelimit.OpBackupCodes, audit.ActionRateLimited); r != nil {
		return nil, r
	}
	return g.regenerate(ctx, id)
}

func (g *Gate) regenerate(ctx context.Context, id string) ([]string, error) {
	codes, err := g.tf.RegenerateBackupCodes(id, twofactor.DefaultBackupCodeCount)
	if err != nil {
		return nil, g.fail(ctx, id, "regenerate backup codes", err)
	}
	g.record(ctx, id, audit.ActionBackupCodesRegenerated, true, fmt.Sprintf("%d codes", len(codes)))
	return codes, nil
}

// BeginTOTP starts authenticator enrolment for id.
func (g *Gate) BeginTOTP(ctx context.Context, id string) (twofactor.Enrollment, error) {
	ident, err := g.creds.Get(id)
	if err != nil {
		return twofactor.Enrollment{}, g.fail(ctx, id, "begin totp", err)
	}
	label := ident.Email
	if label == "" {
		label = ident.ID
	}
	enr, err := g.tf.BeginTOTP(id, label)
	if err != nil {
		return twofactor.Enrollment{}, g.fail(ctx, id, "begin totp", err)
	}
	return enr, nil
}

// ConfirmTOTP finishes enrolment and enables the second factor. Backup
// codes are returned when the identity had none.
func (g *Gate) ConfirmTOTP(ctx context.Context, id, code, source string) ([]string, error) {
	ctx = audit.WithSource(ctx, source)
	if r := g.allow(ctx, id, id, ratelimit.OpSecondFactor, audit.ActionSecondFactorRateLimited); r != nil {
		return nil, r
	}
	err := g.tf.ConfirmTOTP(id, normalizeCode(code))
	switch {
	case err == nil:
	case errors.Is(err, twofactor.ErrNoChallenge), errors.Is(err, twofactor.ErrCodeExpired):
		return nil, reject(ReasonSecondFactorExpired)
	case errors.Is(err, twofactor.ErrCodeInvalid):
		g.record(ctx, id, audit.ActionSecondFactorFailure, false, "totp enrolment")
		return nil, reject(ReasonSecondFactorInvalid)
	default:
		return nil, g.fail(ctx, id, "confirm totp", err)
	}
	g.record(ctx, id, audit.ActionTOTPEnrolled, true, "")
	return g.EnableTwoFactor(ctx, id)
}
