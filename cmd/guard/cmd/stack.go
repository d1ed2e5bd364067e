package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/silversage/guard/audit"
	"github.com/silversage/guard/config"
	"github.com/silversage/guard/credential"
	"github.com/silversage/guard/gate"
	"github.com/silversage/guard/internal/clock"
	"github.com/silversage/guard/lockout"
	"github.com/silversage/guard/notify"
	"github.com/silversage/guard/ratelimit"
	"github.com/silversage/guard/storage"
	bboltstorage "github.com/silversage/guard/storage/bbolt"
	"github.com/silversage/guard/storage/memory"
	"github.com/silversage/guard/storage/postgres"
	"github.com/silversage/guard/twofactor"
)

// stack is every long-lived component built from a Config.
type stack struct {
	cfg        *config.Config
	logger     *slog.Logger
	clock      clock.Clock
	repo       storage.Repository
	codec      *storage.Codec
	trail      *audit.Trail
	auditStore *audit.Store
	lockout    *lockout.Policy
	limiter    *ratelimit.Limiter
	pending    gate.PendingStore
	gate       *gate.Gate

	closers []func()
}

// openStore opens the repository and codec only. Commands that operate on
// stored state without serving requests stop here.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stack, error) {
	s := &stack{cfg: cfg, logger: logger, clock: clock.Real()}
	repo, closeRepo, err := openRepository(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.repo = repo
	s.closers = append(s.closers, func() {
		if err := closeRepo(); err != nil {
			logger.Warn("closing storage", "error", err)
		}
	})

	v, err := storage.EnsureSchemaVersion(repo)
	if err != nil {
		s.Close()
		return nil, err
	}
	logger.Debug("storage ready", "backend", cfg.Storage.Backend, "schema", v)

	key, err := cfg.SealKey()
	if err != nil {
		s.Close()
		return nil, err
	}
	if key == nil {
		logger.Warn("storage.seal_key is not set; records are stored unencrypted")
	}
	if s.codec, err = storage.NewCodec(key); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func openRepository(ctx context.Context, cfg *config.Config) (storage.Repository, func() error, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return memory.NewRepository(), func() error { return nil }, nil
	case config.BackendBolt:
		if err := os.MkdirAll(cfg.Storage.DataDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		repo, err := bboltstorage.NewRepositoryFromFile(cfg.BoltPath(), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open bbolt storage: %w", err)
		}
		return repo, repo.Close, nil
	case config.BackendPostgres:
		repo, err := postgres.NewRepositoryFromDSN(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		return repo, repo.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

// openStack builds the full gate on top of openStore.
func openStack(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stack, error) {
	s, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := s.build(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *stack) build() error {
	cfg := s.cfg
	if err := s.buildAudit(); err != nil {
		return err
	}

	s.lockout = lockout.New(s.repo, s.codec, s.clock,
		lockout.WithThreshold(cfg.Lockout.Threshold),
		lockout.WithLockDuration(cfg.Lockout.Duration),
		lockout.WithAudit(s.trail),
		lockout.WithLogger(s.logger),
	)
	creds, err := credential.New(s.repo, s.codec, s.clock, s.lockout,
		credential.WithKDF(cfg.KDF),
		credential.WithAudit(s.trail),
		credential.WithLogger(s.logger),
	)
	if err != nil {
		return err
	}
	tf := twofactor.New(s.repo, s.codec, s.clock,
		twofactor.WithCodeTTL(cfg.TwoFactor.CodeTTL),
		twofactor.WithIssuer(cfg.TwoFactor.Issuer),
		twofactor.WithLogger(s.logger),
	)
	s.limiter = ratelimit.New(s.clock, cfg.RateRules())

	key, err := cfg.SigningKey()
	if err != nil {
		return err
	}
	if key == nil {
		if key, err = gate.LoadOrCreateSigningKey(s.repo, s.codec); err != nil {
			return fmt.Errorf("loading session signing key: %w", err)
		}
	}
	sessions, err := gate.NewSessionIssuer(key, cfg.Session.TTL, s.clock)
	if err != nil {
		return err
	}

	if cfg.Storage.PersistPending {
		s.pending = gate.NewRepositoryPendingStore(s.repo, s.codec, s.clock)
	} else {
		s.pending = gate.NewMemoryPendingStore(s.clock)
	}

	s.gate, err = gate.New(gate.Deps{
		Credentials: creds,
		Lockout:     s.lockout,
		TwoFactor:   tf,
		Limiter:     s.limiter,
		Sessions:    sessions,
		Clock:       s.clock,
		Audit:       s.trail,
		Notifier:    s.notifier(),
		Pending:     s.pending,
		Logger:      s.logger,
	})
	return err
}

func (s *stack) buildAudit() error {
	cfg := s.cfg.Audit
	sinks := []audit.Sink{audit.NewLogger(s.logger)}
	if cfg.Store {
		s.auditStore = audit.NewStore(s.repo, s.codec, s.logger)
		sinks = append(sinks, s.auditStore)
	}
	if cfg.WebhookURL != "" {
		wh := audit.NewWebhook(audit.WebhookConfig{
			URL:           cfg.WebhookURL,
			AuthHeader:    cfg.WebhookAuthHeader,
			RatePerSecond: cfg.WebhookRate,
			Logger:        s.logger,
		})
		sinks = append(sinks, wh)
		s.closers = append(s.closers, wh.Close)
	}
	if cfg.SentryDSN != "" {
		if err := audit.InitSentry(cfg.SentryDSN, cfg.Environment); err != nil {
			return fmt.Errorf("initializing sentry: %w", err)
		}
		sinks = append(sinks, audit.NewSentry(nil))
		s.closers = append(s.closers, audit.FlushSentry)
	}
	if cfg.Alerts {
		logger := s.logger
		sinks = append(sinks, audit.NewAlerts(s.clock, func(evt audit.AlertEvent) {
			logger.Warn("security alert",
				"type", evt.Type,
				"message", evt.Message,
				"count", evt.Count,
				"threshold", evt.Threshold,
			)
		}))
	}
	s.trail = audit.NewTrail(s.clock, sinks...)
	return nil
}

func (s *stack) notifier() notify.Notifier {
	cfg := s.cfg.Notify
	if cfg.WebhookURL == "" {
		s.logger.Warn("notify.webhook_url is not set; notifications are only logged")
		return notify.NewLogNotifier(s.logger)
	}
	return notify.NewWebhookNotifier(notify.WebhookConfig{
		URL:           cfg.WebhookURL,
		AuthHeader:    cfg.AuthHeader,
		RatePerSecond: cfg.RatePerSecond,
	})
}

// runSweepers starts the background cleanup loops. They stop with ctx.
func (s *stack) runSweepers(ctx context.Context) {
	go s.limiter.Run(ctx, ratelimit.DefaultSweepInterval)
	switch p := s.pending.(type) {
	case *gate.MemoryPendingStore:
		go p.Run(ctx, ratelimit.DefaultSweepInterval)
	case *gate.RepositoryPendingStore:
		go p.Run(ctx, ratelimit.DefaultSweepInterval)
	}
}

// Close releases resources in reverse order of acquisition.
func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
