package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"sparkgrid/internal/ratelimit"
	"sparkgrid/internal/usertoken"
	"sparkgrid/internal/util"
	"sparkgrid/pkg/billing"
	"sparkgrid/pkg/events"
	"sparkgrid/pkg/store"
	"sparkgrid/services/wallet/internal/app"
	"sparkgrid/services/wallet/internal/config"
	"sparkgrid/services/wallet/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel, "wallet")

	st, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		util.Fatal("failed to init store", "err", err)
	}

	appCore := app.New(app.Config{Store: st, Meter: billing.New(st, nil)})

	if cfg.AMQPURL != "" {
		consumer, err := events.NewConsumer(cfg.AMQPURL, "sparkgrid.usage", cfg.RollupQueue)
		if err != nil {
			util.Fatal("failed to init rollup consumer", "err", err)
		}
		defer consumer.Close()
		if err := consumer.Start(context.Background(), appCore.HandleChargeEvent); err != nil {
			util.Fatal("failed to start rollup consumer", "err", err)
		}
		slog.Info("rollup consumer started", "queue", cfg.RollupQueue)
	} else {
		slog.Warn("no amqpURL configured, usage analytics will not accumulate")
	}

	var tokenVerifier *usertoken.Verifier
	if cfg.AuthJWKSURL != "" {
		tokenVerifier, err = usertoken.NewVerifier(usertoken.Config{
			JWKSURL:  cfg.AuthJWKSURL,
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
		})
		if err != nil {
			util.Fatal("failed to init jwks verifier", "err", err)
		}
	} else {
		slog.Warn("no authJWKSURL configured, trusting X-User-Id header")
	}

	var limiter *ratelimit.FixedWindowLimiter
	if cfg.RateLimitPerMin > 0 && cfg.RedisAddr != "" {
		limiter, err = ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "sparkgrid:ratelimit:wallet", cfg.RateLimitPerMin, time.Minute)
		if err != nil {
			util.Fatal("failed to init rate limiter", "err", err)
		}
	}

	trustedProxies, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		util.Fatal("failed to parse trusted proxies", "err", err)
	}

	httpServer := server.New(server.Config{
		App:            appCore,
		TokenVerifier:  tokenVerifier,
		Limiter:        limiter,
		TrustedProxies: trustedProxies,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("wallet server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
