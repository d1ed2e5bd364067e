package twofactor

import (
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	totpPeriod   = 30
	totpSkew     = 1
	totpSetupTTL = 10 * time.Minute
)

var totpOpts = totp.ValidateOpts{
	Period:    totpPeriod,
	Skew:      totpSkew,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// Enrollment is an unconfirmed authenticator-app secret.
type Enrollment struct {
	Secret    string    `json:"secret"`
	URL       string    `json:"otpauth_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BeginTOTP generates a new authenticator secret for id. It replaces any
// earlier unconfirmed secret and must be confirmed with ConfirmTOTP.
func (e *Engine) BeginTOTP(id, accountLabel string) (Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.issuer,
		AccountName: accountLabel,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return Enrollment{}, fmt.Errorf("generating totp secret: %w", err)
	}
	var expires time.Time
	_, err = e.update(id, func(p *Profile, now time.Time) (bool, error) {
		expires = now.Add(totpSetupTTL)
		p.TOTPPendingSecret = key.Secret()
		p.TOTPPendingExpiresAt = &expires
		return true, nil
	})
	if err != nil {
		return Enrollment{}, err
	}
	return Enrollment{Secret: key.Secret(), URL: key.URL(), ExpiresAt: expires}, nil
}

// ConfirmTOTP installs the pending secret once the user proves they can
// generate codes from it.
func (e *Engine) ConfirmTOTP(id, code string) error {
	var result error
	_, err := e.update(id, func(p *Profile, now time.Time) (bool, error) {
		result = nil
		if p.TOTPPendingSecret == "" || p.TOTPPendingExpiresAt == nil {
			result = ErrNoChallenge
			return false, nil
		}
		if now.After(*p.TOTPPendingExpiresAt) {
			result = ErrCodeExpired
			p.TOTPPendingSecret = ""
			p.TOTPPendingExpiresAt = nil
			return true, nil
		}
		step, ok := matchTOTP(p.TOTPPendingSecret, code, now, 0)
		if !ok {
			result = ErrCodeInvalid
			return false, nil
		}
		p.TOTPSecret = p.TOTPPendingSecret
		p.TOTPPendingSecret = ""
		p.TOTPPendingExpiresAt = nil
		p.TOTPLastStep = step
		return true, nil
	})
	if err != nil {
		return err
	}
	return result
}

// VerifyTOTP accepts a code from the enrolled authenticator. A code whose
// time step is not newer than the last accepted one is rejected, so each
// code works once.
func (e *Engine) VerifyTOTP(id, code string) error {
	var result error
	_, err := e.update(id, func(p *Profile, now time.Time) (bool, error) {
		result = nil
		if !p.TOTPEnrolled() {
			result = ErrTOTPNotEnrolled
			return false, nil
		}
		step, ok := matchTOTP(p.TOTPSecret, code, now, p.TOTPLastStep)
		if !ok {
			result = ErrCodeInvalid
			return false, nil
		}
		p.TOTPLastStep = step
		p.LastUsedAt = &now
		return true, nil
	})
	if err != nil {
		return err
	}
	return result
}

// matchTOTP checks code against the steps around now and returns the
// matching step. Steps at or before after are skipped.
func matchTOTP(secret, code string, now time.Time, after int64) (int64, bool) {
	code = strings.ReplaceAll(strings.TrimSpace(code), " ", "")
	if len(code) != CodeDigits {
		return 0, false
	}
	current := now.Unix() / totpPeriod
	for delta := int64(-totpSkew); delta <= totpSkew; delta++ {
		step := current + delta
		if step <= after {
			continue
		}
		expected, err := totp.GenerateCodeCustom(secret, time.Unix(step*totpPeriod, 0), totpOpts)
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			return step, true
		}
	}
	return 0, false
}
