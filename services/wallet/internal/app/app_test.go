package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"sparkgrid/pkg/billing"
	"sparkgrid/pkg/store"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	st := store.NewMemoryStore()
	app := New(Config{Store: st, Meter: billing.New(st, nil)})
	if err := app.EnsureAccount(context.Background(), "u1", false); err != nil {
		t.Fatalf("ensure account: %v", err)
	}
	return app
}

func TestClaimGrantsOncePerDay(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	res, err := app.Claim(ctx, "u1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if res.Granted != 5000 || res.NewBalance != 5000 {
		t.Fatalf("claim = %+v, want 5000 for unverified", res)
	}

	_, err = app.Claim(ctx, "u1")
	var claimed *billing.AlreadyClaimedError
	if !errors.As(err, &claimed) {
		t.Fatalf("err = %v, want AlreadyClaimedError", err)
	}

	txs, err := app.Transactions(ctx, "u1", 0, 0)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(txs) != 1 || txs[0].Amount != 5000 {
		t.Fatalf("ledger = %+v, want single 5000 grant", txs)
	}
}

func TestStatusReflectsClaim(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	status, err := app.Status(ctx, "u1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.CanClaimToday {
		t.Fatalf("fresh account should be claimable: %+v", status)
	}

	if _, err := app.Claim(ctx, "u1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	status, err = app.Status(ctx, "u1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.CanClaimToday {
		t.Fatalf("claim should not be available twice the same day: %+v", status)
	}
	if status.Balance != 5000 {
		t.Fatalf("balance = %d, want 5000", status.Balance)
	}
}

func TestHandleChargeEventAccumulatesRollups(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	at := time.Date(2026, 8, 30, 23, 50, 0, 0, time.UTC)
	events := []billing.ChargeEvent{
		{UserID: "u1", Sparks: 2500, PromptTokens: 1000, CompletionTokens: 500, OccurredAt: at},
		{UserID: "u1", Sparks: 100, PromptTokens: 40, CompletionTokens: 60, OccurredAt: at.Add(5 * time.Minute)},
		{UserID: "u1", Sparks: 300, PromptTokens: 10, CompletionTokens: 10, OccurredAt: at.Add(time.Hour)}, // next UTC day
	}
	for _, e := range events {
		if err := app.HandleChargeEvent(ctx, e); err != nil {
			t.Fatalf("handle event: %v", err)
		}
	}

	rollups, err := app.Analytics(ctx, "u1", 90)
	if err != nil {
		t.Fatalf("analytics: %v", err)
	}
	if len(rollups) != 2 {
		t.Fatalf("rollups = %d, want 2 days", len(rollups))
	}
	byDay := map[string]int64{}
	turns := map[string]int64{}
	for _, r := range rollups {
		byDay[r.Day] = r.SparksSpent
		turns[r.Day] = r.Turns
	}
	if byDay["2026-08-30"] != 2600 || turns["2026-08-30"] != 2 {
		t.Fatalf("day 2026-08-30 = %d sparks %d turns", byDay["2026-08-30"], turns["2026-08-30"])
	}
	if byDay["2026-08-31"] != 300 || turns["2026-08-31"] != 1 {
		t.Fatalf("day 2026-08-31 = %d sparks %d turns", byDay["2026-08-31"], turns["2026-08-31"])
	}
}

func TestTransactionsPagination(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	if _, err := app.Claim(ctx, "u1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	txs, err := app.Transactions(ctx, "u1", 10, 5)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(txs) != 0 {
		t.Fatalf("offset past end should be empty, got %d", len(txs))
	}
}

func TestClaimUnknownAccount(t *testing.T) {
	app := newTestApp(t)
	if _, err := app.Claim(context.Background(), "ghost"); !errors.Is(err, billing.ErrAccountNotFound) {
		t.Fatalf("err = %v, want ErrAccountNotFound", err)
	}
}
