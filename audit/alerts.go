package audit

import (
	"context"
	"sync"
	"time"

	"github.com/silversage/guard/internal/clock"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertLoginFailureSpike AlertType = "login_failure_spike"
	AlertLockoutSpike      AlertType = "lockout_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is invoked when an anomaly is detected. It runs with the
// detector's lock held and must not call back into the Alerts sink.
type AlertFunc func(AlertEvent)

const (
	DefaultLoginFailureWindow    = 1 * time.Minute
	DefaultLoginFailureThreshold = 50
	DefaultLockoutWindow         = 5 * time.Minute
	DefaultLockoutThreshold      = 10
)

type window struct {
	times     []time.Time
	span      time.Duration
	threshold int
}

// observe appends now and reports whether the threshold was reached. The
// window is reset after it fires so one spike raises one alert.
func (w *window) observe(now time.Time) (int, bool) {
	w.times = append(w.times, now)
	w.times = trimWindow(w.times, now, w.span)
	n := len(w.times)
	if n >= w.threshold {
		w.times = w.times[:0]
		return n, true
	}
	return n, false
}

// Alerts watches the event stream for login-failure and lockout spikes
// across all identities.
type Alerts struct {
	mu       sync.Mutex
	clock    clock.Clock
	failures window
	lockouts window
	alertFn  AlertFunc
}

var _ Sink = (*Alerts)(nil)

func NewAlerts(clk clock.Clock, alertFn AlertFunc) *Alerts {
	return &Alerts{
		clock:    clk,
		failures: window{span: DefaultLoginFailureWindow, threshold: DefaultLoginFailureThreshold},
		lockouts: window{span: DefaultLockoutWindow, threshold: DefaultLockoutThreshold},
		alertFn:  alertFn,
	}
}

// SetLoginFailureThreshold overrides the login failure spike detector.
func (a *Alerts) SetLoginFailureThreshold(threshold int, span time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = window{span: span, threshold: threshold}
}

func (a *Alerts) Record(_ context.Context, evt Event) {
	if a.alertFn == nil {
		return
	}
	switch evt.Action {
	case ActionLoginFailure, ActionSecondFactorFailure:
		a.observe(&a.failures, AlertLoginFailureSpike, "login failure rate exceeds threshold")
	case ActionAccountLocked:
		a.observe(&a.lockouts, AlertLockoutSpike, "account lockout rate exceeds threshold")
	}
}

func (a *Alerts) observe(w *window, typ AlertType, msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	if n, fired := w.observe(now); fired {
		a.alertFn(AlertEvent{
			Type:      typ,
			Message:   msg,
			Count:     n,
			Threshold: w.threshold,
			Timestamp: now,
		})
	}
}

// trimWindow removes entries older than (now - span) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, span time.Duration) []time.Time {
	cutoff := now.Add(-span)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
