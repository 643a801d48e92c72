// Command gatewayd runs the corehub realtime gateway: it wires the
// store, rules engine, identity manager, authorizer, and dispatcher
// behind the server façade, starts listening, and waits for a shutdown
// signal — following the teacher's cmd/main.go shape (env-driven
// config, component construction in dependency order, signal-driven
// graceful shutdown) with corehub's components in place of the
// teacher's database/k8s/event-publisher stack.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fabricgate/corehub/internal/audit"
	"github.com/fabricgate/corehub/internal/authz"
	"github.com/fabricgate/corehub/internal/blacklist"
	"github.com/fabricgate/corehub/internal/config"
	"github.com/fabricgate/corehub/internal/dispatcher"
	"github.com/fabricgate/corehub/internal/heartbeat"
	"github.com/fabricgate/corehub/internal/identity/builtin"
	"github.com/fabricgate/corehub/internal/identity/external"
	"github.com/fabricgate/corehub/internal/logger"
	"github.com/fabricgate/corehub/internal/procedures"
	"github.com/fabricgate/corehub/internal/ratelimit"
	"github.com/fabricgate/corehub/internal/rules"
	"github.com/fabricgate/corehub/internal/rulesub"
	"github.com/fabricgate/corehub/internal/server"
	"github.com/fabricgate/corehub/internal/store"
	"github.com/fabricgate/corehub/internal/storesub"
	"github.com/fabricgate/corehub/internal/supervisor"
	"github.com/fabricgate/corehub/internal/sweeper"
)

func main() {
	cfg, err := config.Load(os.Getenv("GATEWAY_CONFIG_FILE"))
	if err != nil {
		panic(err)
	}

	logger.Initialize(cfg.LogLevel, cfg.LogPretty)
	log := logger.Server()

	st := store.NewMemStore()
	ruleEngine := rules.NewMemEngine()

	var (
		identityMode dispatcher.IdentityMode
		mgr          *builtin.Manager
		bl           *blacklist.MemList
		validator    external.Validator
		authorizer   *authz.Authorizer
	)
	// Login attempts use a token-bucket limiter rather than the fixed-window
	// one used for general request throttling below: a brute-forcer spacing
	// guesses just inside consecutive window boundaries would otherwise get
	// roughly double the configured rate.
	loginLimiter := ratelimit.NewBurstLimiter()

	switch cfg.IdentityMode {
	case "builtin":
		if err := builtin.EnsureBuckets(context.Background(), st); err != nil {
			log.Fatal().Err(err).Msg("failed to seed built-in identity buckets")
		}
		bl = blacklist.NewMemList()
		mgr = builtin.New(st, builtin.Config{
			AdminSecret:  cfg.AdminSecret,
			SessionTTL:   cfg.SessionTTL,
			BlacklistTTL: cfg.BlacklistTTL,
			LoginLimit:   ratelimit.LoginLimiterConfig{MaxAttempts: 5, Window: time.Minute},
		}, loginLimiter, bl)
		authorizer = authz.NewBuiltIn(mgr)
		identityMode = dispatcher.IdentityBuiltIn

	case "external":
		if cfg.JWTSecret == "" {
			log.Fatal().Msg("GATEWAY_JWT_SECRET must be set when GATEWAY_IDENTITY_MODE=external")
		}
		validator = external.NewJWTValidator([]byte(cfg.JWTSecret), cfg.JWTIssuer)
		authorizer = authz.NewExternal(true, nil)
		identityMode = dispatcher.IdentityExternal

	default:
		authorizer = authz.NewNone()
		identityMode = dispatcher.IdentityNone
	}

	storeSubs := storesub.New(st)
	rulesSubs := rulesub.New(ruleEngine)
	procRegistry := procedures.New(st, ruleEngine)
	auditSink := audit.NewRingSink(1000)

	var limiter *ratelimit.RequestLimiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewRequestLimiter(ratelimit.Config{
			Enabled:     true,
			MaxRequests: cfg.RateLimitMaxRequests,
			Window:      cfg.RateLimitWindow,
		}, ratelimit.NewMemLimiter())
	}

	srv := server.New(server.Config{
		Name: cfg.Name,
		Addr: cfg.Addr,
		Supervisor: supervisor.Config{
			OriginAllowlist:     cfg.OriginAllowlist,
			MaxConnectionsPerIP: cfg.MaxConnectionsPerIP,
			WriteTimeout:        cfg.WriteTimeout,
			RequiresAuth:        authorizer.RequiresAuth(),
		},
		Heartbeat: heartbeat.Config{
			Interval: cfg.HeartbeatInterval,
			Timeout:  cfg.HeartbeatTimeout,
		},
		Dispatcher: dispatcher.Config{
			Store:              st,
			Rules:              ruleEngine,
			StoreSubs:          storeSubs,
			RulesSubs:          rulesSubs,
			Procedures:         procRegistry,
			Authz:              authorizer,
			Limiter:            limiter,
			Audit:              auditSink,
			IdentityMode:       identityMode,
			Validator:          validator,
			Builtin:            mgr,
			ExposeErrorDetails: cfg.ExposeErrorDetails,
			ServerName:         cfg.Name,
			RulesEnabled:       true,
		},
		ShutdownGracePeriod: cfg.ShutdownGracePeriod,
	})

	if err := srv.Start(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to start gateway")
	}
	log.Info().Int("port", srv.Port()).Msg("gateway listening")

	var sweep *sweeper.Sweeper
	if mgr != nil || bl != nil {
		var sessionSweeper sweeper.SessionSweeper
		if mgr != nil {
			sessionSweeper = mgr
		}
		var blacklistSweeper sweeper.BlacklistSweeper
		if bl != nil {
			blacklistSweeper = bl
		}
		sweep, err = sweeper.New("*/10 * * * *", sessionSweeper, blacklistSweeper)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to schedule session/blacklist sweep")
		}
		sweep.Run()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutdown signal received")

	if sweep != nil {
		sweep.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod+5*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		log.Error().Err(err).Msg("error during shutdown")
	}
	log.Info().Msg("gateway stopped")
}
