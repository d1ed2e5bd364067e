package gate

import (
	"context"
	"time"
)

const (
	passwordMaxAge         = 90 * 24 * time.Hour
	scoreStalePassword     = 20
	scoreNoSecondFactor    = 30
	scorePerFailedAttempt  = 5
	lowBackupCodeThreshold = 3
)

// Report summarises the security posture of one identity.
type Report struct {
	IdentityID           string        `json:"identity_id"`
	Score                int           `json:"score"`
	PasswordAge          time.Duration `json:"password_age"`
	TwoFactorEnabled     bool          `json:"two_factor_enabled"`
	TOTPEnrolled         bool          `json:"totp_enrolled"`
	BackupCodesRemaining int           `json:"backup_codes_remaining"`
	FailedAttempts       uint          `json:"failed_attempts"`
	Locked               bool          `json:"locked"`
	LockedUntil          *time.Time    `json:"locked_until,omitempty"`
	Recommendations      []string      `json:"recommendations,omitempty"`
}

// SecurityReport scores id out of 100. A password older than 90 days costs
// 20 points, a missing second factor 30, and each recent failed attempt 5.
func (g *Gate) SecurityReport(ctx context.Context, id string) (*Report, error) {
	ident, err := g.creds.Get(id)
	if err != nil {
		return nil, g.fail(ctx, id, "security report", err)
	}
	profile, err := g.tf.Profile(id)
	if err != nil {
		return nil, g.fail(ctx, id, "security report", err)
	}
	st, err := g.lockout.State(id)
	if err != nil {
		return nil, g.fail(ctx, id, "security report", err)
	}
	now := g.now()
	rep := &Report{
		IdentityID:           id,
		Score:                100,
		PasswordAge:          ident.PasswordAge(now),
		TwoFactorEnabled:     profile.Enabled,
		TOTPEnrolled:         profile.TOTPEnrolled(),
		BackupCodesRemaining: profile.BackupCodesRemaining(),
		FailedAttempts:       st.FailedCount,
		Locked:               st.LockedAt(now),
	}
	if rep.Locked {
		rep.LockedUntil = st.LockedUntil
	}
	if rep.PasswordAge > passwordMaxAge {
		rep.Score -= scoreStalePassword
		rep.Recommendations = append(rep.Recommendations, "change your password; it is older than 90 days")
	}
	if !profile.Enabled {
		rep.Score -= scoreNoSecondFactor
		rep.Recommendations = append(rep.Recommendations, "enable two-factor authentication")
	} else if rep.BackupCodesRemaining < lowBackupCodeThreshold {
		rep.Recommendations = append(rep.Recommendations, "regenerate your backup codes")
	}
	if st.FailedCount > 0 {
		rep.Score -= scorePerFailedAttempt * int(st.FailedCount)
		rep.Recommendations = append(rep.Recommendations, "review recent failed sign-in attempts")
	}
	rep.Score = max(rep.Score, 0)
	return rep, nil
}
