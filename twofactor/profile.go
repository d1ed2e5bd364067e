package twofactor

import "time"

// Profile is the persisted two-factor state of one identity. Codes are
// stored only as SHA-256 hex digests.
type Profile struct {
	Enabled          bool       `json:"enabled"`
	BackupCodes      []string   `json:"backup_codes,omitempty"`
	PendingCodeHash  string     `json:"pending_code_hash,omitempty"`
	PendingExpiresAt *time.Time `json:"pending_expires_at,omitempty"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`

	TOTPSecret           string     `json:"totp_secret,omitempty"`
	TOTPPendingSecret    string     `json:"totp_pending_secret,omitempty"`
	TOTPPendingExpiresAt *time.Time `json:"totp_pending_expires_at,omitempty"`
	// TOTPLastStep is the last accepted time step; codes from it or earlier
	// steps are rejected.
	TOTPLastStep int64 `json:"totp_last_step,omitempty"`

	Version uint64 `json:"-"`
}

// HasPendingChallenge reports whether an unexpired challenge is outstanding.
func (p Profile) HasPendingChallenge(now time.Time) bool {
	return p.PendingCodeHash != "" && p.PendingExpiresAt != nil && !now.After(*p.PendingExpiresAt)
}

// TOTPEnrolled reports whether an authenticator app is confirmed.
func (p Profile) TOTPEnrolled() bool { return p.TOTPSecret != "" }

// BackupCodesRemaining returns how many backup codes are unused.
func (p Profile) BackupCodesRemaining() int { return len(p.BackupCodes) }

func (p *Profile) clearPending() {
	p.PendingCodeHash = ""
	p.PendingExpiresAt = nil
}
