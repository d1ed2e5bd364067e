package api

import (
	"time"

	"github.com/silversage/guard/audit"
)

// RegisterRequest is the JSON body for POST /auth/register.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RegisterResponse is returned from POST /auth/register.
type RegisterResponse struct {
	IdentityID string `json:"identity_id"`
}

// LoginRequest is the JSON body for POST /auth/login.
type LoginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// SecondFactorRequest is the JSON body for POST /auth/login/second-factor.
type SecondFactorRequest struct {
	PendingToken string `json:"pending_token"`
	Code         string `json:"code"`
}

// ResendRequest is the JSON body for POST /auth/login/resend.
type ResendRequest struct {
	PendingToken string `json:"pending_token"`
}

// LoginResponse is returned by every login step. Exactly one of the session
// fields or the pending fields is set.
type LoginResponse struct {
	State            string     `json:"state"`
	IdentityID       string     `json:"identity_id"`
	Token            string     `json:"token,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	PendingToken     string     `json:"pending_token,omitempty"`
	PendingExpiresAt *time.Time `json:"pending_expires_at,omitempty"`
	Channel          string     `json:"channel,omitempty"`
}

// ForgotPasswordRequest is the JSON body for POST /auth/password/forgot.
type ForgotPasswordRequest struct {
	Email string `json:"email"`
}

// ResetPasswordRequest is the JSON body for POST /auth/password/reset.
type ResetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

// ChangePasswordRequest is the JSON body for POST /account/password.
type ChangePasswordRequest struct {
	Current string `json:"current_password"`
	New     string `json:"new_password"`
}

// PasswordRequest carries a re-authentication password.
type PasswordRequest struct {
	Password string `json:"password"`
}

// CodeRequest carries a one-time code.
type CodeRequest struct {
	Code string `json:"code"`
}

// BackupCodesResponse lists freshly issued backup codes. It is empty when
// enabling 2FA left existing codes in place.
type BackupCodesResponse struct {
	BackupCodes []string `json:"backup_codes"`
}

// TOTPEnrollmentResponse is returned from POST /account/2fa/totp.
type TOTPEnrollmentResponse struct {
	Secret     string    `json:"secret"`
	OTPAuthURL string    `json:"otpauth_url"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// AuditListResponse is returned from GET /admin/audit.
type AuditListResponse struct {
	Events []audit.Event `json:"events"`
}

// StatusResponse acknowledges an operation with no other output.
type StatusResponse struct {
	Status string `json:"status"`
}
