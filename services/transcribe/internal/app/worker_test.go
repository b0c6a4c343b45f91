package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"sparkgrid/pkg/ai"
	"sparkgrid/pkg/billing"
	"sparkgrid/pkg/domain"
	"sparkgrid/pkg/queue"
	"sparkgrid/pkg/store"
)

type memObjects struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemObjects() *memObjects {
	return &memObjects{data: map[string][]byte{}}
}

func (m *memObjects) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = b
	return nil
}

func (m *memObjects) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[key]
	if !ok {
		return nil, errors.New("object not found")
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memObjects) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "memory://" + key, nil
}

func (m *memObjects) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

type fakeTranscriber struct {
	text  string
	usage ai.Usage
	err   error
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _ string, _ []byte, _ string) (string, ai.Usage, error) {
	return f.text, f.usage, f.err
}

func seedTranscription(t *testing.T, st store.Store, objects *memObjects) domain.Transcription {
	t.Helper()
	now := time.Now().UTC()
	if err := st.CreateAccount(domain.Account{
		UserID:       "u1",
		Tier:         domain.TierBasic,
		LastResetDay: time.Now().Format("2006-01-02"),
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		t.Fatalf("create account: %v", err)
	}
	if _, err := st.CreditBalance("u1", 10000); err != nil {
		t.Fatalf("fund account: %v", err)
	}
	tr := domain.Transcription{
		ID:        "tr-1",
		UserID:    "u1",
		ObjectKey: "audio/tr-1",
		MimeType:  "audio/ogg",
		SizeBytes: 5,
		Status:    domain.TranscriptionQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := st.CreateTranscription(tr); err != nil {
		t.Fatalf("create transcription: %v", err)
	}
	if err := objects.Put(context.Background(), tr.ObjectKey, bytes.NewReader([]byte("audio")), 5, tr.MimeType); err != nil {
		t.Fatalf("put audio: %v", err)
	}
	return tr
}

func newTestWorker(t *testing.T, st store.Store, objects *memObjects, tx Transcriber) *Worker {
	t.Helper()
	return NewWorker(Config{
		Store:       st,
		Meter:       billing.New(st, nil),
		Objects:     objects,
		Transcriber: tx,
		Model:       "gemini-2.5-flash",
		MaxAttempts: 3,
	})
}

func TestProcessTranscribesAndCharges(t *testing.T) {
	st := store.NewMemoryStore()
	objects := newMemObjects()
	tr := seedTranscription(t, st, objects)
	worker := newTestWorker(t, st, objects, &fakeTranscriber{
		text:  "hello world",
		usage: ai.Usage{PromptTokenCount: 2000, CandidatesTokenCount: 20},
	})

	if err := worker.Process(context.Background(), queue.Job{TranscriptionID: tr.ID, UserID: "u1", Attempts: 1}); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, ok, err := st.GetTranscription(tr.ID)
	if err != nil || !ok {
		t.Fatalf("get transcription: ok=%v err=%v", ok, err)
	}
	if got.Status != domain.TranscriptionDone || got.Transcript != "hello world" {
		t.Fatalf("transcription = %+v", got)
	}
	// 2000 in + 20 out on flash: ceil((2000*0.30 + 20*2.50) / 1e6 * 1e5) = 65
	if got.Cost != 65 {
		t.Fatalf("cost = %d, want 65", got.Cost)
	}

	acct, _, err := st.GetAccount("u1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acct.Balance != 10000-65 {
		t.Fatalf("balance = %d, want %d", acct.Balance, 10000-65)
	}
	if acct.DailyMessageCount != 0 {
		t.Fatalf("daily count = %d, transcriptions must not consume quota", acct.DailyMessageCount)
	}

	txs, err := st.ListTransactions("u1", 10, 0)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(txs) != 1 || txs[0].Amount != -65 || txs[0].MessageRef != tr.ID {
		t.Fatalf("ledger = %+v", txs)
	}
}

func TestProcessRetriesThenFails(t *testing.T) {
	st := store.NewMemoryStore()
	objects := newMemObjects()
	tr := seedTranscription(t, st, objects)
	worker := newTestWorker(t, st, objects, &fakeTranscriber{err: errors.New("model unavailable")})

	if err := worker.Process(context.Background(), queue.Job{TranscriptionID: tr.ID, UserID: "u1", Attempts: 1}); err == nil {
		t.Fatal("expected retryable error on early attempt")
	}

	if err := worker.Process(context.Background(), queue.Job{TranscriptionID: tr.ID, UserID: "u1", Attempts: 3}); err != nil {
		t.Fatalf("final attempt should ack, got %v", err)
	}
	got, _, err := st.GetTranscription(tr.ID)
	if err != nil {
		t.Fatalf("get transcription: %v", err)
	}
	if got.Status != domain.TranscriptionFailed || got.ErrorMessage == "" {
		t.Fatalf("transcription = %+v, want failed with message", got)
	}

	acct, _, _ := st.GetAccount("u1")
	if acct.Balance != 10000 {
		t.Fatalf("balance = %d, failed transcriptions must not charge", acct.Balance)
	}
}

func TestProcessDropsMissingTranscription(t *testing.T) {
	st := store.NewMemoryStore()
	worker := newTestWorker(t, st, newMemObjects(), &fakeTranscriber{})
	if err := worker.Process(context.Background(), queue.Job{TranscriptionID: "ghost", Attempts: 1}); err != nil {
		t.Fatalf("missing row should be dropped, got %v", err)
	}
}

func TestProcessSkipsCompleted(t *testing.T) {
	st := store.NewMemoryStore()
	objects := newMemObjects()
	tr := seedTranscription(t, st, objects)
	if err := st.SetTranscriptionResult(tr.ID, "already done", 10); err != nil {
		t.Fatalf("set result: %v", err)
	}

	worker := newTestWorker(t, st, objects, &fakeTranscriber{err: errors.New("should not be called")})
	if err := worker.Process(context.Background(), queue.Job{TranscriptionID: tr.ID, UserID: "u1", Attempts: 1}); err != nil {
		t.Fatalf("completed job should be idempotent, got %v", err)
	}
}
