package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sparkgrid/pkg/domain"
	"sparkgrid/pkg/store"
)

func newTestMeter(t *testing.T, acct domain.Account) (*Meter, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	if err := st.CreateAccount(acct); err != nil {
		t.Fatalf("create account: %v", err)
	}
	m := New(st, nil)
	return m, st
}

func basicAccount(balance int64) domain.Account {
	now := time.Now().UTC()
	return domain.Account{
		UserID:    "u1",
		Tier:      domain.TierBasic,
		Balance:   balance,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCheckAndReserveQuotaOffByOne(t *testing.T) {
	// Basic tier, limit 50, count 49: allowed (49 < 50), count becomes 50.
	// The next message is then rejected.
	m, st := newTestMeter(t, basicAccount(1_000_000))
	ctx := context.Background()
	fixed := time.Date(2026, 8, 31, 12, 0, 0, 0, time.Local)
	m.now = func() time.Time { return fixed }
	if err := st.AddDailyUsage("u1", 49, fixed.Format("2006-01-02")); err != nil {
		t.Fatalf("seed usage: %v", err)
	}

	res, err := m.CheckAndReserve(ctx, "u1", "gemini-2.5-flash", 100, false)
	if err != nil {
		t.Fatalf("reserve at 49/50: %v", err)
	}
	if res.Weight != 1 {
		t.Fatalf("weight = %d, want 1", res.Weight)
	}
	acct, _, _ := st.GetAccount("u1")
	if acct.DailyMessageCount != 50 {
		t.Fatalf("count = %d, want 50", acct.DailyMessageCount)
	}

	_, err = m.CheckAndReserve(ctx, "u1", "gemini-2.5-flash", 100, false)
	var quotaErr *QuotaExceededError
	if !errors.As(err, &quotaErr) {
		t.Fatalf("expected QuotaExceededError, got %v", err)
	}
	if quotaErr.Count != 50 || quotaErr.Limit != 50 {
		t.Fatalf("quota error = %d/%d, want 50/50", quotaErr.Count, quotaErr.Limit)
	}
}

func TestCheckAndReserveDailyResetIdempotent(t *testing.T) {
	m, st := newTestMeter(t, basicAccount(1_000_000))
	ctx := context.Background()
	if err := st.AddDailyUsage("u1", 50, "2026-08-30"); err != nil {
		t.Fatalf("seed usage: %v", err)
	}
	fixed := time.Date(2026, 8, 31, 9, 0, 0, 0, time.Local)
	m.now = func() time.Time { return fixed }

	// Yesterday's 50 messages do not count today; two status reads in a
	// row see the same effective count.
	s1, err := m.GetStatus(ctx, "u1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	s2, err := m.GetStatus(ctx, "u1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if s1.DailyCount != 0 || s2.DailyCount != 0 {
		t.Fatalf("effective counts = %d, %d; want 0, 0", s1.DailyCount, s2.DailyCount)
	}

	if _, err := m.CheckAndReserve(ctx, "u1", "gemini-2.5-flash", 10, false); err != nil {
		t.Fatalf("reserve after day change: %v", err)
	}
	acct, _, _ := st.GetAccount("u1")
	if acct.DailyMessageCount != 1 {
		t.Fatalf("count = %d, want 1 (reset + weight)", acct.DailyMessageCount)
	}
}

func TestCheckAndReserveWeightedModel(t *testing.T) {
	m, st := newTestMeter(t, basicAccount(10_000_000))
	ctx := context.Background()
	res, err := m.CheckAndReserve(ctx, "u1", "gemini-2.5-pro", 100, false)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if res.Weight != 4 {
		t.Fatalf("weight = %d, want 4", res.Weight)
	}
	acct, _, _ := st.GetAccount("u1")
	if acct.DailyMessageCount != 4 {
		t.Fatalf("count = %d, want 4", acct.DailyMessageCount)
	}
}

func TestCheckAndReserveInsufficientBalance(t *testing.T) {
	m, _ := newTestMeter(t, basicAccount(1))
	_, err := m.CheckAndReserve(context.Background(), "u1", "gemini-2.5-pro", 1000, false)
	var balErr *InsufficientBalanceError
	if !errors.As(err, &balErr) {
		t.Fatalf("expected InsufficientBalanceError, got %v", err)
	}
	if balErr.Shortfall() <= 0 {
		t.Fatalf("shortfall = %d, want > 0", balErr.Shortfall())
	}
}

func TestCheckAndReserveUnknownAccount(t *testing.T) {
	m := New(store.NewMemoryStore(), nil)
	_, err := m.CheckAndReserve(context.Background(), "nobody", "gemini-2.5-flash", 10, false)
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestCommitChargesAndRecordsTransaction(t *testing.T) {
	m, st := newTestMeter(t, basicAccount(10_000))
	res, err := m.Commit(context.Background(), "u1", "gemini-2.5-pro", 1000, 500, false, "msg-1")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !res.Charged || res.Cost != 2500 || res.NewBalance != 7500 {
		t.Fatalf("commit = %+v, want charged 2500 -> 7500", res)
	}
	txs, err := st.ListTransactions("u1", 10, 0)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("transactions = %d, want 1", len(txs))
	}
	tx := txs[0]
	if tx.Type != domain.TxMessageCost || tx.Amount != -2500 || tx.BalanceAfter != 7500 {
		t.Fatalf("transaction = %+v", tx)
	}
	if tx.MessageRef != "msg-1" || tx.ModelUsed != "gemini-2.5-pro" {
		t.Fatalf("transaction provenance = %+v", tx)
	}
}

func TestCommitFailsOpenWhenBalanceRaced(t *testing.T) {
	// Balance dropped below the final cost between generation and commit:
	// the reply is kept, the charge is skipped, no ledger entry appears.
	m, st := newTestMeter(t, basicAccount(100))
	res, err := m.Commit(context.Background(), "u1", "gemini-2.5-pro", 1000, 500, false, "msg-2")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if res.Charged {
		t.Fatalf("commit should fail open, got charged")
	}
	if res.Cost != 2500 {
		t.Fatalf("cost = %d, want 2500", res.Cost)
	}
	acct, _, _ := st.GetAccount("u1")
	if acct.Balance != 100 {
		t.Fatalf("balance = %d, want untouched 100", acct.Balance)
	}
	txs, _ := st.ListTransactions("u1", 10, 0)
	if len(txs) != 0 {
		t.Fatalf("transactions = %d, want 0 on skipped charge", len(txs))
	}
}

func TestConcurrentCommitsNeverOverdraw(t *testing.T) {
	m, st := newTestMeter(t, basicAccount(5000))
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Each commit costs 2500; only two can apply against 5000.
			_, _ = m.Commit(context.Background(), "u1", "gemini-2.5-pro", 1000, 500, false, "race")
		}()
	}
	wg.Wait()
	acct, _, _ := st.GetAccount("u1")
	if acct.Balance < 0 {
		t.Fatalf("balance went negative: %d", acct.Balance)
	}
	if acct.Balance != 0 {
		t.Fatalf("balance = %d, want 0 after two applied debits", acct.Balance)
	}
	txs, _ := st.ListTransactions("u1", 100, 0)
	if len(txs) != 2 {
		t.Fatalf("transactions = %d, want 2", len(txs))
	}
}

func TestRefundQuotaNetZeroAndFloor(t *testing.T) {
	m, st := newTestMeter(t, basicAccount(10_000_000))
	ctx := context.Background()
	before, _, _ := st.GetAccount("u1")

	res, err := m.CheckAndReserve(ctx, "u1", "gemini-2.5-pro", 100, false)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := m.RefundQuota(ctx, "u1", res.Weight, "empty generation"); err != nil {
		t.Fatalf("refund: %v", err)
	}
	after, _, _ := st.GetAccount("u1")
	if after.DailyMessageCount != before.DailyMessageCount {
		t.Fatalf("count = %d, want net zero %d", after.DailyMessageCount, before.DailyMessageCount)
	}

	// Double refund must not go negative.
	if err := m.RefundQuota(ctx, "u1", res.Weight, "duplicate"); err != nil {
		t.Fatalf("refund: %v", err)
	}
	after, _, _ = st.GetAccount("u1")
	if after.DailyMessageCount < 0 {
		t.Fatalf("count went negative: %d", after.DailyMessageCount)
	}
}

func TestClaimDailyUnverifiedGrant(t *testing.T) {
	m, st := newTestMeter(t, basicAccount(0))
	res, err := m.ClaimDaily(context.Background(), "u1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if res.Granted != 5000 || res.NewBalance != 5000 {
		t.Fatalf("claim = %+v, want 5000/5000", res)
	}
	txs, _ := st.ListTransactions("u1", 10, 0)
	if len(txs) != 1 {
		t.Fatalf("transactions = %d, want 1", len(txs))
	}
	if txs[0].Type != domain.TxDailyClaim || txs[0].Amount != 5000 || txs[0].BalanceAfter != 5000 {
		t.Fatalf("claim transaction = %+v", txs[0])
	}
}

func TestClaimDailyVerifiedGrant(t *testing.T) {
	acct := basicAccount(0)
	acct.Verified = true
	m, _ := newTestMeter(t, acct)
	res, err := m.ClaimDaily(context.Background(), "u1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if res.Granted != 100000 {
		t.Fatalf("granted = %d, want 100000", res.Granted)
	}
}

func TestClaimDailyUTCBoundary(t *testing.T) {
	m, _ := newTestMeter(t, basicAccount(0))
	ctx := context.Background()

	lateNight := time.Date(2026, 8, 30, 23, 59, 59, 0, time.UTC)
	m.now = func() time.Time { return lateNight }
	if _, err := m.ClaimDaily(ctx, "u1"); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	// Same UTC day, earlier hour elapsed wall-clock far apart: rejected.
	m.now = func() time.Time { return time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC) }
	_, err := m.ClaimDaily(ctx, "u1")
	var claimErr *AlreadyClaimedError
	if !errors.As(err, &claimErr) {
		t.Fatalf("expected AlreadyClaimedError, got %v", err)
	}
	wantNext := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)
	if !claimErr.NextClaimAt.Equal(wantNext) {
		t.Fatalf("nextClaimAt = %v, want %v", claimErr.NextClaimAt, wantNext)
	}

	// Two seconds after the first claim but across UTC midnight: allowed.
	m.now = func() time.Time { return time.Date(2026, 8, 31, 0, 0, 1, 0, time.UTC) }
	res, err := m.ClaimDaily(ctx, "u1")
	if err != nil {
		t.Fatalf("claim across midnight: %v", err)
	}
	if res.NewBalance != 10000 {
		t.Fatalf("balance = %d, want 10000", res.NewBalance)
	}
}

func TestGetStatus(t *testing.T) {
	m, st := newTestMeter(t, basicAccount(4200))
	ctx := context.Background()
	fixed := time.Date(2026, 8, 31, 15, 0, 0, 0, time.Local)
	m.now = func() time.Time { return fixed }
	if err := st.AddDailyUsage("u1", 10, fixed.Format("2006-01-02")); err != nil {
		t.Fatalf("seed usage: %v", err)
	}

	status, err := m.GetStatus(ctx, "u1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Tier != domain.TierBasic || status.DailyCount != 10 || status.Limit != 50 || status.Remaining != 40 {
		t.Fatalf("status = %+v", status)
	}
	if status.Balance != 4200 {
		t.Fatalf("balance = %d, want 4200", status.Balance)
	}
	if !status.CanClaimToday {
		t.Fatalf("canClaimToday = false, want true before any claim")
	}
}

func TestPrecheckBalance(t *testing.T) {
	m, _ := newTestMeter(t, basicAccount(50))
	if _, err := m.PrecheckBalance(context.Background(), "u1", "gemini-2.5-flash", 100, false); err != nil {
		t.Fatalf("precheck: %v", err)
	}
	_, err := m.PrecheckBalance(context.Background(), "u1", "gemini-2.5-pro", 100000, false)
	var balErr *InsufficientBalanceError
	if !errors.As(err, &balErr) {
		t.Fatalf("expected InsufficientBalanceError, got %v", err)
	}
}
