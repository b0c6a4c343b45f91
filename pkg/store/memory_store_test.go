package store

import (
	"sync"
	"testing"
	"time"

	"sparkgrid/pkg/domain"
)

func newTestAccount(balance int64) domain.Account {
	now := time.Now().UTC()
	return domain.Account{
		UserID:    "u1",
		Tier:      domain.TierBasic,
		Balance:   balance,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestDebitBalanceConditional(t *testing.T) {
	s := NewMemoryStore()
	if err := s.CreateAccount(newTestAccount(100)); err != nil {
		t.Fatalf("create account: %v", err)
	}
	applied, newBalance, err := s.DebitBalance("u1", 60)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if !applied || newBalance != 40 {
		t.Fatalf("debit applied=%v balance=%d, want true/40", applied, newBalance)
	}
	applied, _, err = s.DebitBalance("u1", 60)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if applied {
		t.Fatalf("overdraft debit should not apply")
	}
	acct, _, _ := s.GetAccount("u1")
	if acct.Balance != 40 {
		t.Fatalf("balance = %d, want 40", acct.Balance)
	}
	if acct.TotalSpent != 60 {
		t.Fatalf("totalSpent = %d, want 60", acct.TotalSpent)
	}
}

func TestDebitBalanceNeverNegativeConcurrent(t *testing.T) {
	s := NewMemoryStore()
	if err := s.CreateAccount(newTestAccount(100)); err != nil {
		t.Fatalf("create account: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = s.DebitBalance("u1", 7)
		}()
	}
	wg.Wait()
	acct, _, _ := s.GetAccount("u1")
	if acct.Balance < 0 {
		t.Fatalf("balance went negative: %d", acct.Balance)
	}
}

func TestAddDailyUsageResetsOnNewDay(t *testing.T) {
	s := NewMemoryStore()
	if err := s.CreateAccount(newTestAccount(0)); err != nil {
		t.Fatalf("create account: %v", err)
	}
	if err := s.AddDailyUsage("u1", 3, "2026-08-30"); err != nil {
		t.Fatalf("add usage: %v", err)
	}
	if err := s.AddDailyUsage("u1", 2, "2026-08-30"); err != nil {
		t.Fatalf("add usage: %v", err)
	}
	acct, _, _ := s.GetAccount("u1")
	if acct.DailyMessageCount != 5 {
		t.Fatalf("count = %d, want 5", acct.DailyMessageCount)
	}
	if err := s.AddDailyUsage("u1", 1, "2026-08-31"); err != nil {
		t.Fatalf("add usage: %v", err)
	}
	acct, _, _ = s.GetAccount("u1")
	if acct.DailyMessageCount != 1 {
		t.Fatalf("count after day change = %d, want 1", acct.DailyMessageCount)
	}
	if acct.LastResetDay != "2026-08-31" {
		t.Fatalf("lastResetDay = %q, want 2026-08-31", acct.LastResetDay)
	}
}

func TestRefundDailyUsageFloorsAtZero(t *testing.T) {
	s := NewMemoryStore()
	if err := s.CreateAccount(newTestAccount(0)); err != nil {
		t.Fatalf("create account: %v", err)
	}
	if err := s.AddDailyUsage("u1", 2, "2026-08-31"); err != nil {
		t.Fatalf("add usage: %v", err)
	}
	if err := s.RefundDailyUsage("u1", 2); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if err := s.RefundDailyUsage("u1", 2); err != nil {
		t.Fatalf("refund: %v", err)
	}
	acct, _, _ := s.GetAccount("u1")
	if acct.DailyMessageCount != 0 {
		t.Fatalf("count = %d, want 0 after double refund", acct.DailyMessageCount)
	}
	if acct.LastResetDay != "2026-08-31" {
		t.Fatalf("refund must not touch reset day, got %q", acct.LastResetDay)
	}
}

func TestApplyDailyClaimOncePerUTCDay(t *testing.T) {
	s := NewMemoryStore()
	if err := s.CreateAccount(newTestAccount(0)); err != nil {
		t.Fatalf("create account: %v", err)
	}
	evening := time.Date(2026, 8, 30, 23, 59, 59, 0, time.UTC)
	applied, balance, err := s.ApplyDailyClaim("u1", 5000, evening)
	if err != nil || !applied || balance != 5000 {
		t.Fatalf("first claim applied=%v balance=%d err=%v", applied, balance, err)
	}
	// Same UTC day, hours later: rejected.
	applied, _, err = s.ApplyDailyClaim("u1", 5000, evening.Add(-10*time.Hour))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if applied {
		t.Fatalf("same-day claim should not apply")
	}
	// One second into the next UTC day: applies again.
	applied, balance, err = s.ApplyDailyClaim("u1", 5000, evening.Add(2*time.Second))
	if err != nil || !applied || balance != 10000 {
		t.Fatalf("next-day claim applied=%v balance=%d err=%v", applied, balance, err)
	}
}

func TestApplyDailyClaimConcurrentSingleGrant(t *testing.T) {
	s := NewMemoryStore()
	if err := s.CreateAccount(newTestAccount(0)); err != nil {
		t.Fatalf("create account: %v", err)
	}
	now := time.Now().UTC()
	var wg sync.WaitGroup
	var mu sync.Mutex
	grants := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			applied, _, _ := s.ApplyDailyClaim("u1", 5000, now)
			if applied {
				mu.Lock()
				grants++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if grants != 1 {
		t.Fatalf("grants = %d, want exactly 1", grants)
	}
	acct, _, _ := s.GetAccount("u1")
	if acct.Balance != 5000 {
		t.Fatalf("balance = %d, want 5000", acct.Balance)
	}
}

func TestAddUsageRollupAccumulates(t *testing.T) {
	s := NewMemoryStore()
	if err := s.AddUsageRollup("u1", "2026-08-31", 2500, 1500); err != nil {
		t.Fatalf("rollup: %v", err)
	}
	if err := s.AddUsageRollup("u1", "2026-08-31", 500, 300); err != nil {
		t.Fatalf("rollup: %v", err)
	}
	rolls, err := s.ListUsageRollups("u1", 7)
	if err != nil {
		t.Fatalf("list rollups: %v", err)
	}
	if len(rolls) != 1 {
		t.Fatalf("rollup rows = %d, want 1", len(rolls))
	}
	if rolls[0].SparksSpent != 3000 || rolls[0].TotalTokens != 1800 || rolls[0].Turns != 2 {
		t.Fatalf("rollup = %+v, want 3000/1800/2", rolls[0])
	}
}
