package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"sparkgrid/pkg/domain"
	"sparkgrid/pkg/pricing"
	"sparkgrid/pkg/store"
)

const (
	basicDailyLimit   = 50
	premiumDailyLimit = 500

	claimVerified   = 100000
	claimUnverified = 5000
)

// ChargeEvent describes one committed spend, published for analytics.
type ChargeEvent struct {
	UserID           string    `json:"userId"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"promptTokens"`
	CompletionTokens int       `json:"completionTokens"`
	Sparks           int64     `json:"sparks"`
	MessageRef       string    `json:"messageRef,omitempty"`
	OccurredAt       time.Time `json:"occurredAt"`
}

// Publisher forwards committed charges to the analytics pipeline.
type Publisher interface {
	PublishCharge(ctx context.Context, e ChargeEvent) error
}

// Meter enforces the daily message quota and the prepaid sparks balance.
// It holds no per-user state; all cross-request safety comes from the
// store's conditional updates.
type Meter struct {
	store     store.Store
	publisher Publisher
	now       func() time.Time
}

// New constructs a Meter. publisher may be nil when analytics events are
// not wanted (tests, worker-local billing).
func New(st store.Store, publisher Publisher) *Meter {
	return &Meter{
		store:     st,
		publisher: publisher,
		now:       time.Now,
	}
}

// Reservation is the outcome of a successful pre-generation check.
type Reservation struct {
	EstimatedCost int64 `json:"estimatedCost"`
	Weight        int   `json:"weight"`
}

// CommitResult reports the post-generation charge.
type CommitResult struct {
	Charged    bool  `json:"charged"`
	Cost       int64 `json:"cost"`
	NewBalance int64 `json:"newBalance"`
}

// ClaimResult reports a granted daily bonus.
type ClaimResult struct {
	Granted    int64 `json:"granted"`
	NewBalance int64 `json:"newBalance"`
}

// Status summarizes quota and balance for the status endpoint.
type Status struct {
	Tier          domain.Tier `json:"tier"`
	DailyCount    int         `json:"dailyCount"`
	Limit         int         `json:"limit"`
	Remaining     int         `json:"remaining"`
	Balance       int64       `json:"balance"`
	CanClaimToday bool        `json:"canClaimToday"`
}

// CheckAndReserve gates a turn before the model call. It checks the
// daily quota (count < limit, checked before adding the weight, so one
// weighted call may overshoot the limit by weight-1) and estimates the
// cost against the balance, then reserves the quota increment. The
// balance check here is advisory; the authoritative gate is the
// conditional debit in Commit.
func (m *Meter) CheckAndReserve(ctx context.Context, userID, model string, promptTokens int, useSearch bool) (Reservation, error) {
	acct, ok, err := m.store.GetAccount(userID)
	if err != nil {
		return Reservation{}, fmt.Errorf("load account: %w", err)
	}
	if !ok {
		return Reservation{}, ErrAccountNotFound
	}

	today := m.now().Format("2006-01-02")
	effective := acct.DailyMessageCount
	if acct.LastResetDay != today {
		effective = 0
	}
	limit := tierLimit(acct.Tier)
	if effective >= limit {
		return Reservation{}, &QuotaExceededError{Count: effective, Limit: limit}
	}

	if _, known := pricing.Lookup(model); !known {
		slog.Warn("unknown model in price table, using fallback pricing", "model", model)
	}
	weight := pricing.Weight(model)
	// Completion tokens are unknown before the call; assume they match
	// the prompt.
	estimate := pricing.Cost(model, promptTokens, promptTokens, useSearch)
	if acct.Balance < estimate {
		return Reservation{}, &InsufficientBalanceError{Required: estimate, Balance: acct.Balance}
	}

	if err := m.store.AddDailyUsage(userID, weight, today); err != nil {
		return Reservation{}, fmt.Errorf("reserve quota: %w", err)
	}
	return Reservation{EstimatedCost: estimate, Weight: weight}, nil
}

// PrecheckBalance verifies affordability without touching the daily
// quota, used for spark-only flows such as transcription intake.
func (m *Meter) PrecheckBalance(ctx context.Context, userID, model string, estimatedTokens int, useSearch bool) (int64, error) {
	acct, ok, err := m.store.GetAccount(userID)
	if err != nil {
		return 0, fmt.Errorf("load account: %w", err)
	}
	if !ok {
		return 0, ErrAccountNotFound
	}
	estimate := pricing.Cost(model, estimatedTokens, estimatedTokens, useSearch)
	if acct.Balance < estimate {
		return 0, &InsufficientBalanceError{Required: estimate, Balance: acct.Balance}
	}
	return estimate, nil
}

// Commit charges the final cost computed from actual token usage. When
// the conditional debit does not apply because the balance changed
// concurrently, the charge is skipped rather than failing the turn: the
// generated reply is never discarded. The skip is logged for audit.
func (m *Meter) Commit(ctx context.Context, userID, model string, promptTokens, completionTokens int, useSearch bool, messageRef string) (CommitResult, error) {
	cost := pricing.Cost(model, promptTokens, completionTokens, useSearch)
	applied, newBalance, err := m.store.DebitBalance(userID, cost)
	if err != nil {
		return CommitResult{}, fmt.Errorf("debit balance: %w", err)
	}
	if !applied {
		slog.Warn("spark debit skipped, balance below final cost at commit",
			"user_id", userID, "model", model, "cost", cost, "message_ref", messageRef)
		acct, _, _ := m.store.GetAccount(userID)
		return CommitResult{Charged: false, Cost: cost, NewBalance: acct.Balance}, nil
	}

	tx := domain.UsageTransaction{
		ID:              uuid.NewString(),
		UserID:          userID,
		Type:            domain.TxMessageCost,
		Amount:          -cost,
		BalanceAfter:    newBalance,
		ModelUsed:       model,
		EstimatedTokens: promptTokens + completionTokens,
		MessageRef:      messageRef,
		CreatedAt:       m.now().UTC(),
	}
	if err := m.store.AppendTransaction(tx); err != nil {
		return CommitResult{}, fmt.Errorf("append transaction: %w", err)
	}

	if m.publisher != nil {
		event := ChargeEvent{
			UserID:           userID,
			Model:            model,
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			Sparks:           cost,
			MessageRef:       messageRef,
			OccurredAt:       m.now().UTC(),
		}
		if err := m.publisher.PublishCharge(ctx, event); err != nil {
			slog.Warn("publish charge event failed", "user_id", userID, "err", err)
		}
	}
	return CommitResult{Charged: true, Cost: cost, NewBalance: newBalance}, nil
}

// RefundQuota undoes a reserved daily-quota increment after a failed or
// empty generation. It never drops the counter below zero and performs
// no balance credit: billing happens post-generation, so there is
// nothing to refund from the balance.
func (m *Meter) RefundQuota(ctx context.Context, userID string, weight int, cause string) error {
	if err := m.store.RefundDailyUsage(userID, weight); err != nil {
		return fmt.Errorf("refund quota: %w", err)
	}
	slog.Info("daily quota refunded", "user_id", userID, "weight", weight, "cause", cause)
	return nil
}

// ClaimDaily grants the daily bonus at most once per UTC calendar day.
func (m *Meter) ClaimDaily(ctx context.Context, userID string) (ClaimResult, error) {
	acct, ok, err := m.store.GetAccount(userID)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("load account: %w", err)
	}
	if !ok {
		return ClaimResult{}, ErrAccountNotFound
	}
	grant := int64(claimUnverified)
	if acct.Verified {
		grant = claimVerified
	}

	now := m.now()
	applied, newBalance, err := m.store.ApplyDailyClaim(userID, grant, now)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("apply claim: %w", err)
	}
	if !applied {
		return ClaimResult{}, &AlreadyClaimedError{NextClaimAt: nextUTCMidnight(now)}
	}

	tx := domain.UsageTransaction{
		ID:           uuid.NewString(),
		UserID:       userID,
		Type:         domain.TxDailyClaim,
		Amount:       grant,
		BalanceAfter: newBalance,
		CreatedAt:    now.UTC(),
	}
	if err := m.store.AppendTransaction(tx); err != nil {
		return ClaimResult{}, fmt.Errorf("append transaction: %w", err)
	}
	return ClaimResult{Granted: grant, NewBalance: newBalance}, nil
}

// GetStatus reports effective quota usage and balance.
func (m *Meter) GetStatus(ctx context.Context, userID string) (Status, error) {
	acct, ok, err := m.store.GetAccount(userID)
	if err != nil {
		return Status{}, fmt.Errorf("load account: %w", err)
	}
	if !ok {
		return Status{}, ErrAccountNotFound
	}

	now := m.now()
	effective := acct.DailyMessageCount
	if acct.LastResetDay != now.Format("2006-01-02") {
		effective = 0
	}
	limit := tierLimit(acct.Tier)
	remaining := limit - effective
	if remaining < 0 {
		remaining = 0
	}
	utc := now.UTC()
	dayStart := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
	return Status{
		Tier:          acct.Tier,
		DailyCount:    effective,
		Limit:         limit,
		Remaining:     remaining,
		Balance:       acct.Balance,
		CanClaimToday: acct.LastClaimAt.Before(dayStart),
	}, nil
}

func tierLimit(tier domain.Tier) int {
	if tier == domain.TierPremium {
		return premiumDailyLimit
	}
	return basicDailyLimit
}

func nextUTCMidnight(now time.Time) time.Time {
	utc := now.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}
