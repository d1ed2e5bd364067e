package credential

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when no identity matches an ID or email.
	ErrNotFound = errors.New("identity not found")
	// ErrEmailTaken is returned when registering an email that already has an identity.
	ErrEmailTaken = errors.New("email already registered")
	// ErrWeakPassword is matched by every *WeakPasswordError.
	ErrWeakPassword = errors.New("password does not meet strength requirements")
	// ErrResetTokenInvalid is returned for an unknown or already used reset token.
	ErrResetTokenInvalid = errors.New("invalid password reset token")
	// ErrResetTokenExpired is returned for a reset token past its expiry.
	ErrResetTokenExpired = errors.New("password reset token expired")
	// ErrIntegrity marks a stored record that cannot be interpreted.
	ErrIntegrity = errors.New("credential integrity error")
)

// WeakPasswordError lists every strength rule a candidate failed.
type WeakPasswordError struct {
	Reasons []string
}

func (e *WeakPasswordError) Error() string {
	return ErrWeakPassword.Error() + ": " + strings.Join(e.Reasons, "; ")
}

func (e *WeakPasswordError) Is(target error) bool { return target == ErrWeakPassword }
