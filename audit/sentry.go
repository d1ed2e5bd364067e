package audit

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
)

// Sentry forwards integrity and internal anomalies to Sentry. Ordinary
// authentication failures are not reported.
type Sentry struct {
	hub *sentry.Hub
}

var _ Sink = (*Sentry)(nil)

// NewSentry reports through hub. A nil hub uses sentry.CurrentHub.
func NewSentry(hub *sentry.Hub) *Sentry {
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return &Sentry{hub: hub}
}

func (s *Sentry) Record(_ context.Context, evt Event) {
	if !evt.Action.Anomaly() {
		return
	}
	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		scope.SetTag("action", string(evt.Action))
		scope.SetTag("source", evt.Source)
		scope.SetExtra("event_id", evt.ID)
		if evt.IdentityRef != "" {
			scope.SetTag("identity", evt.IdentityRef)
		}
		msg := string(evt.Action)
		if evt.Details != "" {
			msg += ": " + evt.Details
		}
		s.hub.CaptureMessage(msg)
	})
}

// InitSentry configures the global Sentry client. An empty DSN disables it.
func InitSentry(dsn, environment string) error {
	if dsn == "" {
		return nil
	}
	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		AttachStacktrace: true,
	})
}

// FlushSentry waits briefly for buffered reports to be sent.
func FlushSentry() {
	sentry.Flush(2 * time.Second)
}
