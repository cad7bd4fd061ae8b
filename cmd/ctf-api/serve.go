package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/diffye/ctf-backend/internal/attempts"
	"github.com/diffye/ctf-backend/internal/audit"
	"github.com/diffye/ctf-backend/internal/auth"
	"github.com/diffye/ctf-backend/internal/config"
	"github.com/diffye/ctf-backend/internal/metrics"
	"github.com/diffye/ctf-backend/internal/ratelimit"
	"github.com/diffye/ctf-backend/internal/server"
	"github.com/diffye/ctf-backend/internal/stats"
	"github.com/diffye/ctf-backend/internal/submissions"
	"github.com/diffye/ctf-backend/internal/users"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout      = 10 * time.Second
	limiterSweepSchedule = "@every 1m"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the submission API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := newLogger(appConfig)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := openCore(signalCtx, appConfig, logger)
	if err != nil {
		return err
	}
	defer app.close()

	if appConfig.ChallengesFile != "" {
		if err := publishFile(signalCtx, app.catalogue, appConfig.ChallengesFile, logger); err != nil {
			return err
		}
	}

	collector := metrics.NewCollector(app.pool)
	feed := server.NewSolveFeed()

	limiter := ratelimit.New(ratelimit.Config{
		MaxCalls: appConfig.RateLimitMaxCalls,
		Period:   appConfig.RateLimitPeriod,
	})

	sweeper := cron.New()
	if _, err := sweeper.AddFunc(limiterSweepSchedule, func() {
		if removed := limiter.Sweep(); removed > 0 {
			logger.Debug("rate limiter windows swept", zap.Int("removed", removed), zap.Int("tracked", limiter.Tracked()))
		}
	}); err != nil {
		return err
	}
	sweeper.Start()
	defer func() { <-sweeper.Stop().Done() }()

	userService, err := users.NewService(users.ServiceConfig{Pool: app.pool})
	if err != nil {
		return err
	}

	ids := attempts.NewUUIDProvider()
	auditWriter, err := audit.NewWriter(audit.Config{
		Pool:            app.pool,
		IDs:             ids,
		QueueSize:       appConfig.AuditQueueSize,
		WritesPerSecond: appConfig.AuditWritesPerSecond,
		Observer:        collector,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := auditWriter.Close(closeCtx); err != nil {
			logger.Warn("audit writer did not drain", zap.Error(err), zap.Int("pending", auditWriter.Pending()))
		}
	}()

	submissionService, err := submissions.NewService(submissions.ServiceConfig{
		Pool:         app.pool,
		Limiter:      limiter,
		Validator:    app.validator,
		Catalogue:    app.catalogue,
		Users:        userService,
		Audit:        auditWriter,
		Publisher:    submissions.Publishers{collector, feed},
		Observer:     collector,
		IDProvider:   ids,
		RetryBackoff: appConfig.RetryBackoff,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	aggregator, err := stats.NewAggregator(stats.Config{
		Pool:            app.pool,
		LeaderboardSize: appConfig.LeaderboardSize,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	refresher, err := stats.NewRefresher(stats.RefresherConfig{
		Source:   aggregator,
		Interval: appConfig.StatsRefreshInterval,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	if err := refresher.Start(signalCtx); err != nil {
		return err
	}
	defer refresher.Stop()

	var tokens server.RequestValidator
	if appConfig.TransportSigningSecret != "" {
		validator, err := auth.NewTokenValidator(auth.TokenValidatorConfig{
			SigningSecret: []byte(appConfig.TransportSigningSecret),
			Issuer:        appConfig.TransportTokenIssuer,
		})
		if err != nil {
			return err
		}
		tokens = validator
	} else {
		logger.Warn("transport authentication disabled; set TRANSPORT_SIGNING_SECRET to require tokens")
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Submissions:    submissionService,
		Stats:          aggregator,
		Overview:       refresher,
		Challenges:     app.catalogue,
		Health:         app.pool,
		Tokens:         tokens,
		Feed:           feed,
		Metrics:        collector.Handler(),
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.Int("max_connections", appConfig.MaxConnections),
			zap.Int("rate_limit_max_calls", appConfig.RateLimitMaxCalls),
			zap.Duration("rate_limit_period", appConfig.RateLimitPeriod))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("server shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
