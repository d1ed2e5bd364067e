// Package api exposes the gate over HTTP. Handlers are thin: they decode
// the request, call one gate operation and map its Rejection to a status.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/silversage/guard/audit"
	"github.com/silversage/guard/gate"
	"github.com/silversage/guard/ratelimit"
)

//go:embed openapi.yaml
var openapiSpec []byte

// maxBodySize caps every JSON request body.
const maxBodySize = 16 << 10

// API holds the dependencies needed by the REST handlers.
type API struct {
	gate           *gate.Gate
	limiter        *ratelimit.Limiter
	auditStore     *audit.Store
	adminToken     string
	trustedProxies []netip.Prefix
	logger         *slog.Logger
}

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger. If not set, a JSON logger writing
// to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// WithLimiter throttles every request with the api preset and /health with
// the health preset, keyed by client IP.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(a *API) { a.limiter = l }
}

// WithAuditStore enables GET /admin/audit.
func WithAuditStore(s *audit.Store) Option {
	return func(a *API) { a.auditStore = s }
}

// WithAdminToken enables the admin routes behind a static bearer token.
func WithAdminToken(token string) Option {
	return func(a *API) { a.adminToken = token }
}

// WithTrustedProxies lists the proxies whose forwarding headers are honored
// when determining the client IP.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) { a.trustedProxies = prefixes }
}

func New(g *gate.Gate, opts ...Option) *API {
	a := &API{gate: g}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	a.logger = a.logger.With("component", "api")
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)
	r.Use(a.RateLimitMiddleware(ratelimit.OpAPI))

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})
	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))
	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", a.Register)
		r.Post("/login", a.Login)
		r.Post("/login/second-factor", a.SubmitSecondFactor)
		r.Post("/login/resend", a.ResendChallenge)
		r.Post("/logout", a.Logout)
		r.Post("/password/forgot", a.ForgotPassword)
		r.Post("/password/reset", a.ResetPassword)
	})

	r.Route("/account", func(r chi.Router) {
		r.Use(a.AuthMiddleware)
		r.Use(a.CSRFMiddleware)
		r.Get("/security", a.SecurityReport)
		r.Post("/password", a.ChangePassword)
		r.Post("/2fa/enable", a.EnableTwoFactor)
		r.Post("/2fa/disable", a.DisableTwoFactor)
		r.Post("/2fa/backup-codes", a.RegenerateBackupCodes)
		r.Post("/2fa/totp", a.BeginTOTP)
		r.Post("/2fa/totp/confirm", a.ConfirmTOTP)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(a.AdminMiddleware)
		r.Post("/identities/{identityID}/unlock", a.AdminUnlock)
		r.Post("/identities/{identityID}/deactivate", a.Deactivate)
		r.Post("/identities/{identityID}/activate", a.Activate)
		r.Get("/audit", a.ListAudit)
	})

	return r
}

// Health answers liveness probes. It is mounted outside the versioned API
// by the server and throttled with the health preset.
func (a *API) Health() http.Handler {
	return a.RateLimitMiddleware(ratelimit.OpHealth)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	}))
}
