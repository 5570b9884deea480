package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	slackgo "github.com/slack-go/slack"
	"github.com/spf13/cobra"

	"github.com/p-blackswan/workoutbot/internal/callout"
	"github.com/p-blackswan/workoutbot/internal/config"
	"github.com/p-blackswan/workoutbot/internal/draw"
	"github.com/p-blackswan/workoutbot/internal/events"
	"github.com/p-blackswan/workoutbot/internal/health"
	"github.com/p-blackswan/workoutbot/internal/ledger"
	"github.com/p-blackswan/workoutbot/internal/lru"
	"github.com/p-blackswan/workoutbot/internal/metrics"
	"github.com/p-blackswan/workoutbot/internal/mgmt"
	"github.com/p-blackswan/workoutbot/internal/retry"
	slackpkg "github.com/p-blackswan/workoutbot/internal/slack"
	"github.com/p-blackswan/workoutbot/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bot",
	Long:  "Connect to Slack over Socket Mode and serve the probe, metrics and management endpoints",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

type publisher interface {
	callout.Publisher
	Close() error
}

// ledgerOptions is the write policy of the long-running ledger. Store errors
// carry no retry classification, so every failed write is retried.
func ledgerOptions(schedCfg config.Scheduler) []ledger.Option {
	rc := retry.DefaultConfig()
	rc.Retryable = retry.Always
	return []ledger.Option{
		ledger.WithRetry(rc),
		ledger.WithExercises(schedCfg.ExerciseSlugs()),
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	schedCfg, err := loadScheduler()
	if err != nil {
		return fmt.Errorf("load workout: %w", err)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Int("http_port", cfg.HTTPPort).
		Str("mgmt_addr", cfg.MgmtListenAddr).
		Str("ledger_backend", cfg.LedgerBackend).
		Bool("slack_enabled", cfg.SlackEnabled()).
		Bool("nats_enabled", cfg.NATSEnabled()).
		Int("exercises", len(schedCfg.Exercises)).
		Msg("starting workout bot")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	b, err := openBackends(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	m := metrics.New()
	checker := health.NewChecker(logger)
	checker.Register("ledger", health.FromError(b.pingKV, health.StatusDown))
	if cfg.LedgerBackend != "sqlite" {
		checker.Register("history", health.FromError(b.db.Ping, health.StatusDegraded))
	}

	led := ledger.New(b.kv, logger, ledgerOptions(schedCfg)...)
	if err := led.Load(ctx); err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}

	var pub publisher = events.Nop{}
	if cfg.NATSEnabled() {
		ncfg := events.DefaultNATSConfig()
		ncfg.URL = cfg.NATSURL
		ncfg.Subject = cfg.NATSSubject
		np, natsErr := events.NewNATSPublisher(ncfg, logger)
		if natsErr != nil {
			logger.Warn().Err(natsErr).Msg("failed to connect to NATS (non-fatal), callout events disabled")
		} else {
			pub = np
			checker.Register("nats", func(context.Context) health.Status {
				if np.Healthy() {
					return health.StatusOK
				}
				return health.StatusDegraded
			})
		}
	} else {
		logger.Info().Msg("NATS not configured, callout events disabled")
	}

	var (
		chat     callout.Chat = newLogChat(logger)
		slackApp *slackpkg.App
		handler  *slackpkg.Handler
		allowed  func(string) bool
	)
	if cfg.SlackEnabled() {
		mw := slackpkg.NewMiddleware(logger, cfg.CommandRateLimit, cfg.CommandRateWindow,
			slackpkg.WithRoomToggleLimit(cfg.RoomToggleLimit, cfg.RoomToggleWindow))
		handler = slackpkg.NewHandler(logger, mw, nil)
		app, slackErr := slackpkg.NewApp(cfg.SlackBotToken, cfg.SlackAppToken, cfg.SlackAllowedChannelList(), logger, handler)
		if slackErr != nil {
			logger.Error().Err(slackErr).Msg("failed to init Slack app (non-fatal)")
		} else {
			slackApp = app
			users := lru.New[string, slackgo.User](cfg.UserCacheSize, cfg.UserCacheTTL)
			opts := []slackpkg.AdapterOption{slackpkg.WithLookupConcurrency(cfg.SlackLookupWorkers)}
			if cfg.PresenceCacheTTL > 0 {
				opts = append(opts, slackpkg.WithPresenceCache(lru.New[string, string](cfg.UserCacheSize, cfg.PresenceCacheTTL)))
			}
			chat = slackpkg.NewAdapter(app.API(), users, retry.DefaultConfig(), logger, opts...)
			allowed = app.API().Allowed
			checker.Register("slack", health.FromError(app.Check, health.StatusDegraded))
			if len(cfg.SlackAllowedChannelList()) == 0 {
				logger.Warn().Msg("WORKOUT_SLACK_ALLOWED_CHANNELS is empty, the bot will not post anywhere")
			}
		}
	} else {
		logger.Info().Msg("Slack not configured, running in API-only mode")
	}

	sched := callout.New(schedCfg, led, chat, logger,
		callout.WithSource(draw.NewLocked(draw.NewSource(cfg.RandomSeed))),
		callout.WithPublisher(pub),
		callout.WithHistory(b.db),
		callout.WithMetrics(m),
	)

	if handler != nil {
		handler.SetCommander(sched)
		handler.SetAuditor(b.db)
		handler.SetMetrics(m)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", health.LivenessHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	if cfg.MgmtAuthMode == mgmt.AuthAPIKey && cfg.MgmtAPIKey == "" {
		logger.Warn().Msg("MGMT_API_KEY is empty, every management API call will be rejected")
	}
	mgmtServer := mgmt.NewServer(mgmt.ServerConfig{
		ListenAddr: cfg.MgmtListenAddr,
		AuthConfig: mgmt.AuthConfig{
			Mode:      cfg.MgmtAuthMode,
			APIKey:    cfg.MgmtAPIKey,
			JWTSecret: cfg.MgmtJWTSecret,
		},
		RateLimit: mgmt.RateLimitConfig{
			RPS:   cfg.MgmtRateRPS,
			Burst: cfg.MgmtRateBurst,
		},
		CORSOrigins: cfg.MgmtCORSOrigins,
		TLSCert:     cfg.MgmtTLSCert,
		TLSKey:      cfg.MgmtTLSKey,
	}, mgmt.Deps{
		Scheduler: sched,
		History:   b.db,
		Checker:   checker,
		Metrics:   m,
		Allowed:   allowed,
	}, logger)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info().Int("port", cfg.HTTPPort).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mgmtServer.Start(); err != nil {
			logger.Error().Err(err).Msg("management API server error")
		}
	}()

	if cfg.RetentionInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.db.RunRetentionLoop(ctx, store.Retention{
				Callouts: cfg.CalloutRetention,
				Audit:    cfg.AuditRetention,
			}, cfg.RetentionInterval)
		}()
	}

	if slackApp != nil {
		logger.Info().Msg("Slack Socket Mode enabled")
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := slackApp.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("Slack Socket Mode error")
			}
		}()
	}

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	cancel()
	sched.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	if err := mgmtServer.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("management API server shutdown error")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	if err := pub.Close(); err != nil {
		logger.Error().Err(err).Msg("closing event publisher failed")
	}

	logger.Info().Msg("workout bot stopped")
	return nil
}
