package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"sparkgrid/internal/ratelimit"
	"sparkgrid/internal/usertoken"
	"sparkgrid/internal/util"
	"sparkgrid/pkg/ai"
	"sparkgrid/pkg/billing"
	"sparkgrid/pkg/events"
	"sparkgrid/pkg/queue"
	"sparkgrid/pkg/storage"
	"sparkgrid/pkg/store"
	"sparkgrid/services/chat/internal/app"
	"sparkgrid/services/chat/internal/config"
	"sparkgrid/services/chat/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel, "chat")

	st, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		util.Fatal("failed to init store", "err", err)
	}

	gemini, err := ai.NewGeminiClient(cfg.GeminiAPIKey)
	if err != nil {
		util.Fatal("failed to init gemini client", "err", err)
	}

	var publisher billing.Publisher
	if cfg.AMQPURL != "" {
		amqpPublisher, err := events.NewAMQPPublisher(cfg.AMQPURL, "sparkgrid.usage")
		if err != nil {
			util.Fatal("failed to init amqp publisher", "err", err)
		}
		defer amqpPublisher.Close()
		publisher = amqpPublisher
	}
	meter := billing.New(st, publisher)

	var objects storage.ObjectStore
	if cfg.MinioEndpoint != "" {
		objects, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			util.Fatal("failed to init object store", "err", err)
		}
	}

	jobs, err := queue.New(queue.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		util.Fatal("failed to init transcription queue", "err", err)
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
	if cfg.RateLimitPerMin > 0 {
		limiter, err = ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "sparkgrid:ratelimit:chat", cfg.RateLimitPerMin, time.Minute)
		if err != nil {
			util.Fatal("failed to init rate limiter", "err", err)
		}
	}

	trustedProxies, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		util.Fatal("failed to parse trusted proxies", "err", err)
	}

	appCore := app.New(app.Config{
		Store:        st,
		Meter:        meter,
		Generator:    gemini,
		Objects:      objects,
		Jobs:         jobs,
		DefaultModel: cfg.GenerationModel,
		HistoryLimit: cfg.HistoryLimit,
	})

	httpServer := server.New(server.Config{
		App:            appCore,
		TokenVerifier:  tokenVerifier,
		Limiter:        limiter,
		TrustedProxies: trustedProxies,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:        addr,
		Handler:     httpServer.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	slog.Info("chat server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
