package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"sparkgrid/internal/util"
	"sparkgrid/pkg/ai"
	"sparkgrid/pkg/billing"
	"sparkgrid/pkg/queue"
	"sparkgrid/pkg/storage"
	"sparkgrid/pkg/store"
	"sparkgrid/services/transcribe/internal/app"
	"sparkgrid/services/transcribe/internal/config"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	util.InitLogger(cfg.LogLevel, "transcribe")

	st, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		util.Fatal("failed to init store", "err", err)
	}

	gemini, err := ai.NewGeminiClient(cfg.GeminiAPIKey)
	if err != nil {
		util.Fatal("failed to init gemini client", "err", err)
	}

	objects, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		util.Fatal("failed to init object store", "err", err)
	}

	jobs, err := queue.New(queue.Config{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		MaxRetries: cfg.MaxRetries,
	})
	if err != nil {
		util.Fatal("failed to init transcription queue", "err", err)
	}

	worker := app.NewWorker(app.Config{
		Store:       st,
		Meter:       billing.New(st, nil),
		Objects:     objects,
		Jobs:        jobs,
		Transcriber: gemini,
		Model:       cfg.TranscriptionModel,
		Concurrency: cfg.Concurrency,
		MaxAttempts: cfg.MaxRetries,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	healthSrv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     util.WithRequestLog("transcribe", healthMux),
		ReadTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("transcribe worker started", "concurrency", cfg.Concurrency, "model", cfg.TranscriptionModel)
		return worker.Run(ctx)
	})
	g.Go(func() error {
		slog.Info("transcribe health endpoint listening", "addr", healthSrv.Addr)
		if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return healthSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("worker exited", "err", err)
		os.Exit(1)
	}
	slog.Info("transcribe worker stopped")
}
