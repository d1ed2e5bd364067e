// Package audit records security-relevant transitions. Sinks are
// best-effort: Record never returns an error and never blocks the
// operation that produced the event for longer than a local write.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/silversage/guard/internal/clock"
)

// Action identifies the kind of security-relevant transition.
type Action string

const (
	ActionLoginSuccess            Action = "login_success"
	ActionLoginFailure            Action = "login_failure"
	ActionLoginRateLimited        Action = "login_rate_limited"
	ActionLoginInactive           Action = "login_inactive"
	ActionPasswordFailure         Action = "password_failure"
	ActionAccountLocked           Action = "account_locked"
	ActionAdminUnlock             Action = "admin_unlock"
	ActionChallengeIssued         Action = "second_factor_challenge"
	ActionChallengeDeliveryFailed Action = "second_factor_delivery_failed"
	ActionSecondFactorSuccess     Action = "second_factor_success"
	ActionSecondFactorFailure     Action = "second_factor_failure"
	ActionSecondFactorRateLimited Action = "second_factor_rate_limited"
	ActionBackupCodeUsed          Action = "backup_code_used"
	ActionBackupCodesRegenerated  Action = "backup_codes_regenerated"
	ActionTwoFactorEnabled        Action = "2fa_enabled"
	ActionTwoFactorDisabled       Action = "2fa_disabled"
	ActionTOTPEnrolled            Action = "totp_enrolled"
	ActionRegister                Action = "register"
	ActionPasswordChanged         Action = "password_changed"
	ActionPasswordChangeFailed    Action = "password_change_failed"
	ActionPasswordReuseBlocked    Action = "password_reuse_blocked"
	ActionPasswordResetRequested  Action = "password_reset_requested"
	ActionPasswordReset           Action = "password_reset"
	ActionAccountDeactivated      Action = "account_deactivated"
	ActionAccountActivated        Action = "account_activated"
	ActionRateLimited             Action = "rate_limited"
	ActionIntegrityAnomaly        Action = "integrity_anomaly"
	ActionInternalError           Action = "internal_error"
)

// Anomaly reports whether the action signals corrupt state or an internal
// fault rather than ordinary user behaviour.
func (a Action) Anomaly() bool {
	return a == ActionIntegrityAnomaly || a == ActionInternalError
}

// Event is one immutable audit entry. IdentityRef is empty when the
// identity is unknown or must not be disclosed.
type Event struct {
	ID          string    `json:"id"`
	IdentityRef string    `json:"identity_ref,omitempty"`
	Action      Action    `json:"action"`
	Source      string    `json:"source"`
	Timestamp   time.Time `json:"timestamp"`
	Success     bool      `json:"success"`
	Details     string    `json:"details,omitempty"`
}

// Sink consumes audit events. Implementations swallow their own failures.
type Sink interface {
	Record(ctx context.Context, evt Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, evt Event)

func (f SinkFunc) Record(ctx context.Context, evt Event) { f(ctx, evt) }

type multi []Sink

// Multi fans each event out to every sink in order.
func Multi(sinks ...Sink) Sink {
	var m multi
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	return m
}

func (m multi) Record(ctx context.Context, evt Event) {
	for _, s := range m {
		s.Record(ctx, evt)
	}
}

// Trail stamps events with an ID and timestamp before forwarding them.
type Trail struct {
	clock clock.Clock
	sink  Sink
}

var _ Sink = (*Trail)(nil)

// NewTrail returns a Trail writing to all sinks.
func NewTrail(clk clock.Clock, sinks ...Sink) *Trail {
	return &Trail{clock: clk, sink: Multi(sinks...)}
}

func (t *Trail) Record(ctx context.Context, evt Event) {
	if evt.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			id = uuid.New()
		}
		evt.ID = id.String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = t.clock.Now().UTC()
	}
	if evt.Source == "" {
		evt.Source = SourceFrom(ctx)
	}
	t.sink.Record(ctx, evt)
}

type sourceKey struct{}

// WithSource attaches the request source (client address) to ctx so that
// components which never see the request can still attribute events.
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

// SourceFrom returns the source stored by WithSource, or "".
func SourceFrom(ctx context.Context) string {
	s, _ := ctx.Value(sourceKey{}).(string)
	return s
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) {})
