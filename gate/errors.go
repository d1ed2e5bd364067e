package gate

import (
	"fmt"
	"strings"
	"time"
)

// Reason classifies a rejection. Reasons are safe to show to the caller;
// internal details stay in the cause, which only reaches logs and audit.
type Reason string

const (
	ReasonInvalidCredentials   Reason = "invalid_credentials"
	ReasonAccountLocked        Reason = "account_locked"
	ReasonAccountInactive      Reason = "account_inactive"
	ReasonRateLimited          Reason = "rate_limited"
	ReasonSecondFactorRequired Reason = "second_factor_required"
	ReasonSecondFactorInvalid  Reason = "second_factor_invalid"
	ReasonSecondFactorExpired  Reason = "second_factor_expired"
	ReasonDeliveryFailed       Reason = "delivery_failed"
	ReasonPasswordReused       Reason = "password_reused"
	ReasonWeakPassword         Reason = "weak_password"
	ReasonEmailTaken           Reason = "email_taken"
	ReasonInvalidInput         Reason = "invalid_input"
	ReasonResetTokenInvalid    Reason = "reset_token_invalid"
	ReasonUnauthorized         Reason = "unauthorized"
	ReasonIntegrityError       Reason = "integrity_error"
	ReasonInternalError        Reason = "internal_error"
)

var messages = map[Reason]string{
	ReasonInvalidCredentials:   "invalid credentials; try again later",
	ReasonAccountLocked:        "account temporarily locked",
	ReasonAccountInactive:      "account is deactivated",
	ReasonRateLimited:          "too many requests; try again later",
	ReasonSecondFactorRequired: "second factor required",
	ReasonSecondFactorInvalid:  "invalid verification code",
	ReasonSecondFactorExpired:  "verification code expired; sign in again",
	ReasonDeliveryFailed:       "verification code could not be sent",
	ReasonPasswordReused:       "password was used recently",
	ReasonWeakPassword:         "password does not meet strength requirements",
	ReasonEmailTaken:           "email already registered",
	ReasonInvalidInput:         "invalid input",
	ReasonResetTokenInvalid:    "invalid or expired reset link",
	ReasonUnauthorized:         "unauthorized",
	ReasonIntegrityError:       "account data could not be verified",
	ReasonInternalError:        "internal error",
}

// Rejection is the structured failure returned by every Gate operation.
type Rejection struct {
	Reason Reason
	// RetryAfter is set for ReasonRateLimited and ReasonAccountLocked.
	RetryAfter time.Duration
	// PendingToken is set for ReasonDeliveryFailed so the caller can ask
	// for the code to be sent again.
	PendingToken string
	// Details lists failed password rules for ReasonWeakPassword and the
	// offending fields for ReasonInvalidInput.
	Details []string

	cause error
}

func reject(reason Reason) *Rejection {
	return &Rejection{Reason: reason}
}

func (r *Rejection) withCause(err error) *Rejection {
	r.cause = err
	return r
}

// Message is the caller-facing text.
func (r *Rejection) Message() string {
	msg := messages[r.Reason]
	if len(r.Details) > 0 {
		msg += ": " + strings.Join(r.Details, "; ")
	}
	return msg
}

func (r *Rejection) Error() string {
	if r.RetryAfter > 0 {
		return fmt.Sprintf("%s (retry after %s)", r.Message(), r.RetryAfter)
	}
	return r.Message()
}

// Unwrap exposes the internal cause for logging.
func (r *Rejection) Unwrap() error { return r.cause }

// Is matches any Rejection with the same reason, so callers can write
// errors.Is(err, gate.ErrInvalidCredentials).
func (r *Rejection) Is(target error) bool {
	t, ok := target.(*Rejection)
	return ok && t.Reason == r.Reason
}

// Sentinels for errors.Is.
var (
	ErrInvalidCredentials   = reject(ReasonInvalidCredentials)
	ErrAccountLocked        = reject(ReasonAccountLocked)
	ErrAccountInactive      = reject(ReasonAccountInactive)
	ErrRateLimited          = reject(ReasonRateLimited)
	ErrSecondFactorRequired = reject(ReasonSecondFactorRequired)
	ErrSecondFactorInvalid  = reject(ReasonSecondFactorInvalid)
	ErrSecondFactorExpired  = reject(ReasonSecondFactorExpired)
	ErrDeliveryFailed       = reject(ReasonDeliveryFailed)
	ErrPasswordReused       = reject(ReasonPasswordReused)
	ErrWeakPassword         = reject(ReasonWeakPassword)
	ErrEmailTaken           = reject(ReasonEmailTaken)
	ErrInvalidInput         = reject(ReasonInvalidInput)
	ErrResetTokenInvalid    = reject(ReasonResetTokenInvalid)
	ErrUnauthorized         = reject(ReasonUnauthorized)
	ErrIntegrity            = reject(ReasonIntegrityError)
	ErrInternal             = reject(ReasonInternalError)
)
