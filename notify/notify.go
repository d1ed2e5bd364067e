// Package notify delivers out-of-band messages such as second-factor codes
// and password reset links. Transports are pluggable; failures are
// reported as ErrDeliveryFailed so callers can offer a resend.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrDeliveryFailed wraps every transport failure.
var ErrDeliveryFailed = errors.New("message delivery failed")

// Kind identifies the purpose of a message.
type Kind string

const (
	KindLoginCode       Kind = "login_code"
	KindPasswordReset   Kind = "password_reset"
	KindPasswordChanged Kind = "password_changed"
	KindAccountLocked   Kind = "account_locked"
)

// Message is one notification. Secret holds the code or token the user
// needs; transports must not log it.
type Message struct {
	Kind        Kind      `json:"kind"`
	IdentityRef string    `json:"identity_ref"`
	To          string    `json:"to,omitempty"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
	Secret      string    `json:"secret,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitzero"`
}

// Notifier delivers a message or reports why it could not.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, msg Message) error

func (f NotifierFunc) Notify(ctx context.Context, msg Message) error { return f(ctx, msg) }

// LogNotifier writes messages to a logger. It suits development setups
// where no mail relay exists; the secret is only logged at debug level.
type LogNotifier struct {
	logger *slog.Logger
}

var _ Notifier = (*LogNotifier)(nil)

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "notify")}
}

func (n *LogNotifier) Notify(ctx context.Context, msg Message) error {
	n.logger.InfoContext(ctx, "notification",
		"kind", msg.Kind,
		"identity", msg.IdentityRef,
		"to", msg.To,
		"subject", msg.Subject,
	)
	if msg.Secret != "" {
		n.logger.DebugContext(ctx, "notification secret", "identity", msg.IdentityRef, "secret", msg.Secret)
	}
	return nil
}
