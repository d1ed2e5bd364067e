package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silversage/guard/api"
	"github.com/silversage/guard/audit"
	"github.com/silversage/guard/credential"
	"github.com/silversage/guard/gate"
	"github.com/silversage/guard/internal/clock"
	"github.com/silversage/guard/internal/util"
	"github.com/silversage/guard/lockout"
	"github.com/silversage/guard/notify"
	"github.com/silversage/guard/ratelimit"
	"github.com/silversage/guard/storage"
	"github.com/silversage/guard/storage/memory"
	"github.com/silversage/guard/twofactor"
)

const (
	adminToken = "test-admin-token"
	password   = "Correct#Horse9"
)

type outbox struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (o *outbox) Notify(_ context.Context, msg notify.Message) error {
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

type server struct {
	*httptest.Server
	clock  *clock.Fake
	outbox *outbox
	creds  *credential.Store
}

func setupServer(t *testing.T, opts ...api.Option) *server {
	t.Helper()
	// Cookie expiry is checked against wall time by the jar.
	clk := clock.NewFake(time.Now().Truncate(time.Second))
	repo := memory.NewRepository()
	codec, err := storage.NewCodec(nil)
	require.NoError(t, err)

	store := audit.NewStore(repo, codec, slog.Default())
	trail := audit.NewTrail(clk, store)
	policy := lockout.New(repo, codec, clk, lockout.WithAudit(trail))
	kdf := util.KDFParams{
		Scheme:   util.SchemeArgon2id,
		Argon2id: util.Argon2idParams{Time: 1, MemoryKiB: 64, Parallelism: 1},
	}
	creds, err := credential.New(repo, codec, clk, policy, credential.WithKDF(kdf), credential.WithAudit(trail))
	require.NoError(t, err)
	sessions, err := gate.NewSessionIssuer(bytes.Repeat([]byte("s"), gate.MinSigningKeyLen), 0, clk)
	require.NoError(t, err)
	out := &outbox{}

	g, err := gate.New(gate.Deps{
		Credentials: creds,
		Lockout:     policy,
		TwoFactor:   twofactor.New(repo, codec, clk),
		Limiter:     ratelimit.New(clk, nil),
		Sessions:    sessions,
		Clock:       clk,
		Audit:       trail,
		Notifier:    out,
	})
	require.NoError(t, err)

	opts = append([]api.Option{api.WithAuditStore(store), api.WithAdminToken(adminToken)}, opts...)
	a := api.New(g, opts...)
	r := chi.NewRouter()
	r.Mount("/api/v1", a.Router())
	r.Handle("/health", a.Health())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &server{Server: srv, clock: clk, outbox: out, creds: creds}
}

func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

func doJSON(t *testing.T, client *http.Client, method, url, bearer string, body any) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, url, &reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (s *server) register(t *testing.T, email string) string {
	t.Helper()
	resp := doJSON(t, http.DefaultClient, http.MethodPost, s.URL+"/api/v1/auth/register", "", api.RegisterRequest{
		Email:    email,
		Password: password,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[api.RegisterResponse](t, resp).IdentityID
}

func (s *server) login(t *testing.T, client *http.Client, email, pw string) *http.Response {
	t.Helper()
	return doJSON(t, client, http.MethodPost, s.URL+"/api/v1/auth/login", "", api.LoginRequest{
		Identifier: email,
		Password:   pw,
	})
}

func TestRegisterAndLogin(t *testing.T) {
	s := setupServer(t)
	id := s.register(t, "alice@example.com")

	resp := s.login(t, http.DefaultClient, "alice@example.com", password)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[api.LoginResponse](t, resp)
	assert.Equal(t, "authenticated", body.State)
	assert.Equal(t, id, body.IdentityID)
	assert.NotEmpty(t, body.Token)

	resp = doJSON(t, http.DefaultClient, http.MethodGet, s.URL+"/api/v1/account/security", body.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rep := decode[gate.Report](t, resp)
	assert.Equal(t, id, rep.IdentityID)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
}

func TestRegister_Rejections(t *testing.T) {
	s := setupServer(t)
	s.register(t, "alice@example.com")

	resp := doJSON(t, http.DefaultClient, http.MethodPost, s.URL+"/api/v1/auth/register", "", api.RegisterRequest{
		Email: "alice@example.com", Password: password,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = doJSON(t, http.DefaultClient, http.MethodPost, s.URL+"/api/v1/auth/register", "", api.RegisterRequest{
		Email: "bob@example.com", Password: "short",
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	errResp := decode[api.ErrorResponse](t, resp)
	assert.Equal(t, string(gate.ReasonWeakPassword), errResp.Reason)
	assert.NotEmpty(t, errResp.Details)

	resp = doJSON(t, http.DefaultClient, http.MethodPost, s.URL+"/api/v1/auth/register", "", map[string]string{
		"email": "bob@example.com", "password": password, "role": "admin",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLogin_LockoutReportsInvalidCredentials(t *testing.T) {
	s := setupServer(t)
	s.register(t, "alice@example.com")

	for range 5 {
		resp := s.login(t, http.DefaultClient, "alice@example.com", "Wrong#Password1")
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, string(gate.ReasonInvalidCredentials), decode[api.ErrorResponse](t, resp).Reason)
	}

	// Past the per-source login window but inside the lock.
	s.clock.Advance(2 * time.Minute)
	resp := s.login(t, http.DefaultClient, "alice@example.com", password)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLogin_RateLimitedSetsRetryAfter(t *testing.T) {
	s := setupServer(t)
	s.register(t, "alice@example.com")

	var resp *http.Response
	for range 6 {
		resp = s.login(t, http.DefaultClient, "nobody@example.com", password)
	}
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	errResp := decode[api.ErrorResponse](t, resp)
	assert.Equal(t, string(gate.ReasonRateLimited), errResp.Reason)
	assert.Positive(t, errResp.RetryAfter)
}

func TestSecondFactorFlow(t *testing.T) {
	s := setupServer(t)
	s.register(t, "alice@example.com")
	client := newClient(t)

	token := decode[api.LoginResponse](t, s.login(t, client, "alice@example.com", password)).Token
	resp := doJSON(t, client, http.MethodPost, s.URL+"/api/v1/account/2fa/enable", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	codes := decode[api.BackupCodesResponse](t, resp).BackupCodes
	require.NotEmpty(t, codes)

	resp = s.login(t, client, "alice@example.com", password)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	pending := decode[api.LoginResponse](t, resp)
	assert.Equal(t, "awaiting_second_factor", pending.State)
	assert.Equal(t, "email", pending.Channel)
	require.NotEmpty(t, pending.PendingToken)
	assert.Empty(t, pending.Token)

	resp = doJSON(t, client, http.MethodPost, s.URL+"/api/v1/auth/login/second-factor", "", api.SecondFactorRequest{
		PendingToken: pending.PendingToken,
		Code:         "000000",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	code := s.outbox.last(t, notify.KindLoginCode).Secret
	resp = doJSON(t, client, http.MethodPost, s.URL+"/api/v1/auth/login/second-factor", "", api.SecondFactorRequest{
		PendingToken: pending.PendingToken,
		Code:         code,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	done := decode[api.LoginResponse](t, resp)
	assert.Equal(t, "authenticated", done.State)
	assert.NotEmpty(t, done.Token)

	// The pending login is spent.
	resp = doJSON(t, client, http.MethodPost, s.URL+"/api/v1/auth/login/second-factor", "", api.SecondFactorRequest{
		PendingToken: pending.PendingToken,
		Code:         code,
	})
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestCookieSessionRequiresCSRF(t *testing.T) {
	s := setupServer(t)
	s.register(t, "alice@example.com")
	client := newClient(t)

	resp := s.login(t, client, "alice@example.com", password)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, client, http.MethodGet, s.URL+"/api/v1/account/security", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, client, http.MethodPost, s.URL+"/api/v1/account/2fa/backup-codes", "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	var csrf string
	u := resp.Request.URL
	for _, c := range client.Jar.Cookies(u) {
		if c.Name == "guard_csrf" {
			csrf = c.Value
		}
	}
	require.NotEmpty(t, csrf)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, s.URL+"/api/v1/account/2fa/backup-codes", nil)
	require.NoError(t, err)
	req.Header.Set("X-CSRF-Token", csrf)
	resp, err = client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestChangePasswordInvalidatesSession(t *testing.T) {
	s := setupServer(t)
	s.register(t, "alice@example.com")

	token := decode[api.LoginResponse](t, s.login(t, http.DefaultClient, "alice@example.com", password)).Token
	s.clock.Advance(2 * time.Second)

	resp := doJSON(t, http.DefaultClient, http.MethodPost, s.URL+"/api/v1/account/password", token, api.ChangePasswordRequest{
		Current: password,
		New:     password,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = doJSON(t, http.DefaultClient, http.MethodPost, s.URL+"/api/v1/account/password", token, api.ChangePasswordRequest{
		Current: password,
		New:     "Battery!Staple7",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	s.outbox.last(t, notify.KindPasswordChanged)

	resp = doJSON(t, http.DefaultClient, http.MethodGet, s.URL+"/api/v1/account/security", token, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPasswordResetFlow(t *testing.T) {
	s := setupServer(t)
	s.register(t, "alice@example.com")

	resp := doJSON(t, http.DefaultClient, http.MethodPost, s.URL+"/api/v1/auth/password/forgot", "", api.ForgotPasswordRequest{
		Email: "nobody@example.com",
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = doJSON(t, http.DefaultClient, http.MethodPost, s.URL+"/api/v1/auth/password/forgot", "", api.ForgotPasswordRequest{
		Email: "alice@example.com",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	token := s.outbox.last(t, notify.KindPasswordReset).Secret

	resp = doJSON(t, http.DefaultClient, http.MethodPost, s.URL+"/api/v1/auth/password/reset", "", api.ResetPasswordRequest{
		Token:    "not-the-token",
		Password: "Battery!Staple7",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Requests and resets share one per-source budget.
	s.clock.Advance(6 * time.Minute)
	resp = doJSON(t, http.DefaultClient, http.MethodPost, s.URL+"/api/v1/auth/password/reset", "", api.ResetPasswordRequest{
		Token:    token,
		Password: "Battery!Staple7",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.login(t, http.DefaultClient, "alice@example.com", "Battery!Staple7")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdminRoutes(t *testing.T) {
	s := setupServer(t)
	id := s.register(t, "alice@example.com")
	base := s.URL + "/api/v1/admin"

	resp := doJSON(t, http.DefaultClient, http.MethodPost, base+"/identities/"+id+"/deactivate", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, http.DefaultClient, http.MethodPost, base+"/identities/"+id+"/deactivate", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.login(t, http.DefaultClient, "alice@example.com", password)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doJSON(t, http.DefaultClient, http.MethodPost, base+"/identities/"+id+"/activate", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = doJSON(t, http.DefaultClient, http.MethodPost, base+"/identities/"+id+"/unlock", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.DefaultClient, http.MethodGet, base+"/audit?identity="+id+"&limit=50", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := decode[api.AuditListResponse](t, resp).Events
	require.NotEmpty(t, events)
	for _, e := range events {
		assert.Equal(t, id, e.IdentityRef)
	}

	resp = doJSON(t, http.DefaultClient, http.MethodGet, base+"/audit?since=yesterday", adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminRoutesDisabledWithoutToken(t *testing.T) {
	s := setupServer(t, api.WithAdminToken(""))
	resp := doJSON(t, http.DefaultClient, http.MethodGet, s.URL+"/api/v1/admin/audit", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthRateLimited(t *testing.T) {
	clk := clock.NewFake(time.Now())
	limiter := ratelimit.New(clk, map[ratelimit.Operation]ratelimit.Rule{
		ratelimit.OpHealth: {Limit: 2, Window: time.Minute},
	})
	s := setupServer(t, api.WithLimiter(limiter))

	for range 2 {
		resp := doJSON(t, http.DefaultClient, http.MethodGet, s.URL+"/health", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp := doJSON(t, http.DefaultClient, http.MethodGet, s.URL+"/health", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
}

func TestOpenAPISpecServed(t *testing.T) {
	s := setupServer(t)
	resp := doJSON(t, http.DefaultClient, http.MethodGet, s.URL+"/api/v1/openapi.yaml", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/yaml", resp.Header.Get("Content-Type"))
}
