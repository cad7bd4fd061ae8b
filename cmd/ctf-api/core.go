package main

import (
	"context"
	"fmt"

	"github.com/diffye/ctf-backend/internal/challenges"
	"github.com/diffye/ctf-backend/internal/config"
	"github.com/diffye/ctf-backend/internal/database"
	"github.com/diffye/ctf-backend/internal/flags"
	"github.com/diffye/ctf-backend/internal/logging"
	"github.com/diffye/ctf-backend/internal/pool"
	"go.uber.org/zap"
)

// core holds the pieces every command that touches the database needs.
type core struct {
	pool      *pool.Pool
	validator *flags.Validator
	catalogue *challenges.Catalogue
	logger    *zap.Logger
}

func newLogger(appConfig config.AppConfig) (*zap.Logger, error) {
	return logging.NewLogger(appConfig.LogLevel, appConfig.LogFile)
}

func newValidator(appConfig config.AppConfig) (*flags.Validator, error) {
	return flags.NewValidator(flags.ValidatorConfig{
		Pattern:         appConfig.FlagPattern,
		MaxLength:       appConfig.FlagMaxLength,
		CaseInsensitive: appConfig.FlagCaseInsensitive,
		FingerprintKey:  appConfig.FingerprintKey,
	})
}

func openCore(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (*core, error) {
	validator, err := newValidator(appConfig)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(database.Options{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		URL:    appConfig.DatabaseURL,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	connections, err := pool.New(db, pool.Config{
		MinConnections: appConfig.MinConnections,
		MaxConnections: appConfig.MaxConnections,
		AcquireTimeout: appConfig.AcquireTimeout,
		Logger:         logger,
	})
	if err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}
	if err := connections.Warm(ctx); err != nil {
		_ = connections.Close()
		return nil, fmt.Errorf("warm connection pool: %w", err)
	}

	catalogue, err := challenges.NewCatalogue(challenges.CatalogueConfig{
		Pool:          connections,
		Fingerprinter: validator,
		Logger:        logger,
	})
	if err != nil {
		_ = connections.Close()
		return nil, err
	}

	return &core{pool: connections, validator: validator, catalogue: catalogue, logger: logger}, nil
}

func (c *core) close() {
	if err := c.pool.Close(); err != nil {
		c.logger.Warn("failed to close connection pool", zap.Error(err))
	}
}

func publishFile(ctx context.Context, catalogue *challenges.Catalogue, path string, logger *zap.Logger) error {
	definitions, err := challenges.LoadDefinitions(path)
	if err != nil {
		return err
	}
	report, err := catalogue.Publish(ctx, definitions)
	if err != nil {
		return fmt.Errorf("publish %s: %w", path, err)
	}
	logger.Info("challenges published",
		zap.String("file", path),
		zap.Strings("published", report.Published),
		zap.Strings("unchanged", report.Unchanged))
	return nil
}
