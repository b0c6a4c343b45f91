package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"sparkgrid/pkg/ai"
	"sparkgrid/pkg/billing"
	"sparkgrid/pkg/domain"
	"sparkgrid/pkg/queue"
	"sparkgrid/pkg/storage"
	"sparkgrid/pkg/store"
)

const (
	defaultConcurrency = 2
	defaultMaxAttempts = 3
	maxAudioReadBytes  = 32 << 20
)

// Transcriber turns audio into text. *ai.GeminiClient satisfies it.
type Transcriber interface {
	Transcribe(ctx context.Context, model string, audio []byte, mimeType string) (string, ai.Usage, error)
}

// Config wires the worker's dependencies.
type Config struct {
	Store       store.Store
	Meter       *billing.Meter
	Objects     storage.ObjectStore
	Jobs        *queue.TranscriptionQueue
	Transcriber Transcriber
	Model       string
	Concurrency int
	MaxAttempts int
}

// Worker consumes transcription jobs: it downloads the audio, calls the
// model and charges the final cost. Like chat turns, billing happens
// after the work is done; a debit skipped by a concurrent balance change
// does not discard the transcript.
type Worker struct {
	store       store.Store
	meter       *billing.Meter
	objects     storage.ObjectStore
	jobs        *queue.TranscriptionQueue
	transcriber Transcriber
	model       string
	concurrency int
	maxAttempts int
}

// NewWorker constructs the worker.
func NewWorker(cfg Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Worker{
		store:       cfg.Store,
		meter:       cfg.Meter,
		objects:     cfg.Objects,
		jobs:        cfg.Jobs,
		transcriber: cfg.Transcriber,
		model:       cfg.Model,
		concurrency: concurrency,
		maxAttempts: maxAttempts,
	}
}

// Run consumes jobs until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.jobs.Start(ctx, w.concurrency, w.Process)
	<-ctx.Done()
	return ctx.Err()
}

// Process handles one job. A returned error requeues the job for
// another attempt; the final attempt records the failure instead so the
// row never sticks in processing.
func (w *Worker) Process(ctx context.Context, job queue.Job) error {
	tr, ok, err := w.store.GetTranscription(job.TranscriptionID)
	if err != nil {
		return w.fail(job, fmt.Errorf("load transcription: %w", err))
	}
	if !ok {
		slog.Warn("transcription row missing, dropping job", "transcription_id", job.TranscriptionID)
		return nil
	}
	if tr.Status == domain.TranscriptionDone {
		return nil
	}
	if err := w.store.SetTranscriptionStatus(tr.ID, domain.TranscriptionProcessing, ""); err != nil {
		return w.fail(job, fmt.Errorf("mark processing: %w", err))
	}

	audio, err := w.download(ctx, tr.ObjectKey)
	if err != nil {
		return w.fail(job, fmt.Errorf("download audio: %w", err))
	}

	started := time.Now()
	text, usage, err := w.transcriber.Transcribe(ctx, w.model, audio, tr.MimeType)
	if err != nil {
		return w.fail(job, fmt.Errorf("transcribe: %w", err))
	}

	commit, err := w.meter.Commit(ctx, tr.UserID, w.model, usage.PromptTokenCount, usage.CandidatesTokenCount, false, tr.ID)
	if err != nil {
		return w.fail(job, fmt.Errorf("commit charge: %w", err))
	}
	if err := w.store.SetTranscriptionResult(tr.ID, text, commit.Cost); err != nil {
		return w.fail(job, fmt.Errorf("store result: %w", err))
	}

	slog.Info("transcription done",
		"transcription_id", tr.ID,
		"user_id", tr.UserID,
		"cost", commit.Cost,
		"charged", commit.Charged,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return nil
}

func (w *Worker) download(ctx context.Context, key string) ([]byte, error) {
	rc, err := w.objects.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, maxAudioReadBytes))
}

// fail requeues while attempts remain; the last attempt records the
// failure on the transcription row and acks the job.
func (w *Worker) fail(job queue.Job, err error) error {
	if job.Attempts < w.maxAttempts {
		slog.Warn("transcription attempt failed, will retry",
			"transcription_id", job.TranscriptionID, "attempt", job.Attempts, "err", err)
		return err
	}
	slog.Error("transcription failed permanently",
		"transcription_id", job.TranscriptionID, "attempt", job.Attempts, "err", err)
	if setErr := w.store.SetTranscriptionStatus(job.TranscriptionID, domain.TranscriptionFailed, err.Error()); setErr != nil {
		slog.Error("record transcription failure", "transcription_id", job.TranscriptionID, "err", setErr)
	}
	return nil
}
