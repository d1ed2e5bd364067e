package gate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silversage/guard/audit"
	"github.com/silversage/guard/credential"
	"github.com/silversage/guard/internal/clock"
	"github.com/silversage/guard/internal/util"
	"github.com/silversage/guard/lockout"
	"github.com/silversage/guard/notify"
	"github.com/silversage/guard/ratelimit"
	"github.com/silversage/guard/storage"
	"github.com/silversage/guard/storage/memory"
	"github.com/silversage/guard/twofactor"
)

var testStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

var fastKDF = util.KDFParams{
	Scheme:   util.SchemeArgon2id,
	Argon2id: util.Argon2idParams{Time: 1, MemoryKiB: 64, Parallelism: 1},
}

const (
	alicePassword = "Correct#Horse9"
	newPassword   = "Battery!Staple7"
)

type outbox struct {
	mu   sync.Mutex
	msgs []notify.Message
	fail atomic.Bool
}

func (o *outbox) Notify(_ context.Context, msg notify.Message) error {
	if o.fail.Load() {
		return errors.New("relay unavailable")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, msg)
	return nil
}

func (o *outbox) last(t *testing.T, kind notify.Kind) notify.Message {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.msgs) - 1; i >= 0; i-- {
		if o.msgs[i].Kind == kind {
			return o.msgs[i]
		}
	}
	t.Fatalf("no %s message sent", kind)
	return notify.Message{}
}

func (o *outbox) count(kind notify.Kind) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, m := range o.msgs {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

type recorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recorder) Record(_ context.Context, evt audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) has(action audit.Action) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Action == action {
			return true
		}
	}
	return false
}

type fixture struct {
	gate    *Gate
	clock   *clock.Fake
	creds   *credential.Store
	policy  *lockout.Policy
	tf      *twofactor.Engine
	outbox  *outbox
	events  *recorder
	pending PendingStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(testStart)
	repo := memory.NewRepository()
	codec, err := storage.NewCodec(nil)
	require.NoError(t, err)

	events := &recorder{}
	trail := audit.NewTrail(clk, events)
	policy := lockout.New(repo, codec, clk, lockout.WithAudit(trail))
	creds, err := credential.New(repo, codec, clk, policy, credential.WithKDF(fastKDF), credential.WithAudit(trail))
	require.NoError(t, err)
	tf := twofactor.New(repo, codec, clk)
	sessions, err := NewSessionIssuer(bytes.Repeat([]byte("k"), MinSigningKeyLen), 0, clk)
	require.NoError(t, err)
	out := &outbox{}
	pending := NewRepositoryPendingStore(repo, codec, clk)

	g, err := New(Deps{
		Credentials: creds,
		Lockout:     policy,
		TwoFactor:   tf,
		Limiter:     ratelimit.New(clk, nil),
		Sessions:    sessions,
		Clock:       clk,
		Audit:       trail,
		Notifier:    out,
		Pending:     pending,
	})
	require.NoError(t, err)
	return &fixture{gate: g, clock: clk, creds: creds, policy: policy, tf: tf, outbox: out, events: events, pending: pending}
}

func (f *fixture) register(t *testing.T, email string) string {
	t.Helper()
	ident, err := f.gate.Register(context.Background(), RegisterRequest{Email: email, Password: alicePassword, Source: "198.51.100.1"})
	require.NoError(t, err)
	return ident.ID
}

func (f *fixture) login(pw, source string) (*Result, error) {
	return f.gate.Login(context.Background(), LoginRequest{Identifier: "alice@example.com", Password: pw, Source: source})
}

func reasonOf(t *testing.T, err error) Reason {
	t.Helper()
	var r *Rejection
	require.ErrorAs(t, err, &r)
	return r.Reason
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}

func TestLogin_WithoutSecondFactor(t *testing.T) {
	f := newFixture(t)
	id := f.register(t, "alice@example.com")

	res, err := f.login(alicePassword, "203.0.113.5")
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, res.State)
	assert.Equal(t, id, res.IdentityID)
	require.NotNil(t, res.Session)

	sess, err := f.gate.Authenticate(context.Background(), res.Session.Token)
	require.NoError(t, err)
	assert.Equal(t, id, sess.IdentityID)
	assert.True(t, f.events.has(audit.ActionLoginSuccess))
}

func TestLogin_FailuresAreIndistinguishable(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice@example.com")

	_, errUnknown := f.gate.Login(context.Background(), LoginRequest{Identifier: "nobody@example.com", Password: alicePassword, Source: "a"})
	_, errWrong := f.login("Wrong#Horse9", "b")
	assert.ErrorIs(t, errUnknown, ErrInvalidCredentials)
	assert.ErrorIs(t, errWrong, ErrInvalidCredentials)
	assert.Equal(t, errUnknown.Error(), errWrong.Error())
}

func TestLogin_LockoutAfterThreshold(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice@example.com")

	for i := range lockout.DefaultThreshold {
		_, err := f.login("Wrong#Horse9", fmt.Sprintf("10.0.0.%d", i))
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	assert.Equal(t, 1, f.outbox.count(notify.KindAccountLocked))

	_, err := f.login(alicePassword, "10.0.1.1")
	assert.ErrorIs(t, err, ErrInvalidCredentials, "a locked account looks like a wrong password")

	f.clock.Advance(lockout.DefaultLockDuration + time.Second)
	res, err := f.login(alicePassword, "10.0.1.2")
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, res.State)
}

func TestLogin_InactiveOnlyAfterPasswordMatch(t *testing.T) {
	f := newFixture(t)
	id := f.register(t, "alice@example.com")
	require.NoError(t, f.gate.SetActive(context.Background(), id, false))

	_, err := f.login("Wrong#Horse9", "a")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = f.login(alicePassword, "b")
	assert.ErrorIs(t, err, ErrAccountInactive)
}

func TestLogin_RateLimitedPerSource(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice@example.com")

	for range 5 {
		_, err := f.login("Wrong#Horse9", "203.0.113.9")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	_, err := f.login(alicePassword, "203.0.113.9")
	require.ErrorIs(t, err, ErrRateLimited)
	var r *Rejection
	require.ErrorAs(t, err, &r)
	assert.Greater(t, r.RetryAfter, time.Duration(0))
	assert.True(t, f.events.has(audit.ActionLoginRateLimited))

	f.clock.Advance(time.Minute + time.Second)
	_, err = f.login(alicePassword, "203.0.113.9")
	assert.ErrorIs(t, err, ErrInvalidCredentials, "five counted failures locked the account")
}

func enableEmailTwoFactor(t *testing.T, f *fixture, id string) []string {
	t.Helper()
	codes, err := f.gate.EnableTwoFactor(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, codes, twofactor.DefaultBackupCodeCount)
	return codes
}

func TestSecondFactor_EmailChallenge(t *testing.T) {
	f := newFixture(t)
	id := f.register(t, "alice@example.com")
	enableEmailTwoFactor(t, f, id)

	res, err := f.login(alicePassword, "a")
	require.NoError(t, err)
	require.Equal(t, StateAwaitingSecondFactor, res.State)
	assert.Equal(t, ChannelEmail, res.Channel)
	assert.Nil(t, res.Session)
	msg := f.outbox.last(t, notify.KindLoginCode)
	assert.Equal(t, "alice@example.com", msg.To)
	assert.Len(t, msg.Secret, twofactor.CodeDigits)

	wrong := "000000"
	if msg.Secret == wrong {
		wrong = "111111"
	}
	_, err = f.gate.SubmitSecondFactor(context.Background(), SecondFactorRequest{PendingToken: res.PendingToken, Code: wrong})
	require.ErrorIs(t, err, ErrSecondFactorInvalid)

	done, err := f.gate.SubmitSecondFactor(context.Background(), SecondFactorRequest{PendingToken: res.PendingToken, Code: msg.Secret})
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, done.State)
	require.NotNil(t, done.Session)

	_, err = f.gate.SubmitSecondFactor(context.Background(), SecondFactorRequest{PendingToken: res.PendingToken, Code: msg.Secret})
	assert.ErrorIs(t, err, ErrSecondFactorExpired, "a pending login completes once")
}

func TestSecondFactor_FailuresDoNotLock(t *testing.T) {
	f := newFixture(t)
	id := f.register(t, "alice@example.com")
	enableEmailTwoFactor(t, f, id)

	res, err := f.login(alicePassword, "a")
	require.NoError(t, err)
	code := f.outbox.last(t, notify.KindLoginCode).Secret
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	for range 5 {
		_, err := f.gate.SubmitSecondFactor(context.Background(), SecondFactorRequest{PendingToken: res.PendingToken, Code: wrong})
		require.ErrorIs(t, err, ErrSecondFactorInvalid)
	}
	_, err = f.gate.SubmitSecondFactor(context.Background(), SecondFactorRequest{PendingToken: res.PendingToken, Code: code})
	assert.ErrorIs(t, err, ErrRateLimited)

	st, err := f.policy.State(id)
	require.NoError(t, err)
	assert.Zero(t, st.FailedCount)
}

func TestSecondFactor_Expired(t *testing.T) {
	f := newFixture(t)
	id := f.register(t, "alice@example.com")
	enableEmailTwoFactor(t, f, id)

	res, err := f.login(alicePassword, "a")
	require.NoError(t, err)
	code := f.outbox.last(t, notify.KindLoginCode).Secret

	f.clock.Advance(twofactor.DefaultCodeTTL + time.Second)
	_, err = f.gate.SubmitSecondFactor(context.Background(), SecondFactorRequest{PendingToken: res.PendingToken, Code: code})
	assert.ErrorIs(t, err, ErrSecondFactorExpired)
}

func TestSecondFactor_BackupCodeSingleUse(t *testing.T) {
	f := newFixture(t)
	id := f.register(t, "alice@example.com")
	codes := enableEmailTwoFactor(t, f, id)

	res, err := f.login(alicePassword, "a")
	require.NoError(t, err)
	done, err := f.gate.SubmitSecondFactor(context.Background(), SecondFactorRequest{PendingToken: res.PendingToken, Code: codes[0]})
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, done.State)
	assert.True(t, f.events.has(audit.ActionBackupCodeUsed))

	res, err = f.login(alicePassword, "b")
	require.NoError(t, err)
	_, err = f.gate.SubmitSecondFactor(context.Background(), SecondFactorRequest{PendingToken: res.PendingToken, Code: codes[0]})
	assert.ErrorIs(t, err, ErrSecondFactorInvalid)
}

func TestSecondFactor_DeliveryFailureThenResend(t *testing.T) {
	f := newFixture(t)
	id := f.register(t, "alice@example.com")
	enableEmailTwoFactor(t, f, id)

	f.outbox.fail.Store(true)
	_, err := f.login(alicePassword, "a")
	require.ErrorIs(t, err, ErrDeliveryFailed)
	var r *Rejection
	require.ErrorAs(t, err, &r)
	require.NotEmpty(t, r.PendingToken)
	assert.True(t, f.events.has(audit.ActionChallengeDeliveryFailed))

	f.outbox.fail.Store(false)
	res, err := f.gate.ResendChallenge(context.Background(), r.PendingToken, "a")
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingSecondFactor, res.State)

	code := f.outbox.last(t, notify.KindLoginCode).Secret
	done, err := f.gate.SubmitSecondFactor(context.Background(), SecondFactorRequest{PendingToken: r.PendingToken, Code: code})
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, done.State)
}

func TestSecondFactor_NewLoginSupersedesPending(t *testing.T) {
	f := newFixture(t)
	id := f.register(t, "alice@example.com")
	enableEmailTwoFactor(t, f, id)

	first, err := f.login(alicePassword, "a")
	require.NoError(t, err)
	second, err := f.login(alicePassword, "b")
	require.NoError(t, err)
	code := f.outbox.last(t, notify.KindLoginCode).Secret

	_, err = f.gate.SubmitSecondFactor(context.Background(), SecondFactorRequest{PendingToken: first.PendingToken, Code: code})
	assert.ErrorIs(t, err, ErrSecondFactorExpired)
	_, err = f.gate.SubmitSecondFactor(context.Background(), SecondFactorRequest{PendingToken: second.PendingToken, Code: code})
	assert.NoError(t, err)
}

func TestSecondFactor_EmptyCode(t *testing.T) {
	f := newFixture(t)
	id := f.register(t, "alice@example.com")
	enableEmailTwoFactor(t, f, id)

	res, err := f.login(alicePassword, "a")
	require.NoError(t, err)
	_, err = f.gate.SubmitSecondFactor(context.Background(), SecondFactorRequest{PendingToken: res.PendingToken, Code: " - "})
	assert.ErrorIs(t, err, ErrSecondFactorRequired)
}

func TestSecondFactor_LockedDuringChallenge(t *testing.T) {
	f := newFixture(t)
	id := f.register(t, "alice@example.com")
	enableEmailTwoFactor(t, f, id)

	res, err := f.login(alicePassword, "a")
	require.NoError(t, err)
	code := f.outbox.last(t, notify.KindLoginCode).Secret
	for range lockout.DefaultThreshold {
		_, err := f.policy.RecordFailure(context.Background(), id)
		require.NoError(t, err)
	}

	_, err = f.gate.SubmitSecondFactor(context.Background(), SecondFactorRequest{PendingToken: res.PendingToken, Code: code})
	require.ErrorIs(t, err, ErrAccountLocked)
	var r *Rejection
	require.ErrorAs(t, err, &r)
	assert.Equal(t, lockout.DefaultLockDuration, r.RetryAfter)
}

func TestAuthenticate_RejectsSessionsAfterPasswordChange(t *testing.T) {
	f := newFixture(t)
	id := f.register(t, "alice@example.com")
	res, err := f.login(alicePassword, "a")
	require.NoError(t, err)

	f.clock.Advance(2 * time.Second)
	require.NoError(t, f.gate.ChangePassword(context.Background(), PasswordChange{IdentityID: id, Current: alicePassword, New: newPassword}))

	_, err = f.gate.Authenticate(context.Background(), res.Session.Token)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.gate.Authenticate(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthenticate_InactiveIdentity(t *testing.T) {
	f := newFixture(t)
	id := f.register(t, "alice@example.com")
	res, err := f.login(alicePassword, "a")
	require.NoError(t, err)
	require.NoError(t, f.gate.SetActive(context.Background(), id, false))

	_, err = f.gate.Authenticate(context.Background(), res.Session.Token)
	assert.ErrorIs(t, err, ErrAccountInactive)
}

func TestRejection_IsAndMessage(t *testing.T) {
	r := reject(ReasonWeakPassword).withCause(errors.New("internal detail"))
	r.Details = []string{"must contain at least one number"}
	assert.ErrorIs(t, r, ErrWeakPassword)
	assert.NotErrorIs(t, r, ErrInvalidCredentials)
	assert.Contains(t, r.Error(), "must contain at least one number")
	assert.NotContains(t, r.Error(), "internal detail")
}
