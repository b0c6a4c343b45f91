package app

import (
	"context"
	"fmt"
	"time"

	"sparkgrid/pkg/billing"
	"sparkgrid/pkg/domain"
	"sparkgrid/pkg/store"
)

const (
	defaultTransactionLimit = 50
	maxTransactionLimit     = 200
	defaultAnalyticsDays    = 30
	maxAnalyticsDays        = 90
)

// Config wires the app's dependencies.
type Config struct {
	Store store.Store
	Meter *billing.Meter
}

// App implements wallet operations: the daily claim, status, the ledger
// and usage analytics.
type App struct {
	store store.Store
	meter *billing.Meter
	now   func() time.Time
}

// New constructs the app core.
func New(cfg Config) *App {
	return &App{
		store: cfg.Store,
		meter: cfg.Meter,
		now:   time.Now,
	}
}

// EnsureAccount creates the wallet row on first contact.
func (a *App) EnsureAccount(ctx context.Context, userID string, verified bool) error {
	now := a.now().UTC()
	return a.store.CreateAccount(domain.Account{
		UserID:       userID,
		Tier:         domain.TierBasic,
		LastResetDay: a.now().Format("2006-01-02"),
		Verified:     verified,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
}

// Claim grants the daily spark bonus, at most once per UTC day.
func (a *App) Claim(ctx context.Context, userID string) (billing.ClaimResult, error) {
	return a.meter.ClaimDaily(ctx, userID)
}

// Status reports quota usage, balance and claim availability.
func (a *App) Status(ctx context.Context, userID string) (billing.Status, error) {
	return a.meter.GetStatus(ctx, userID)
}

// Transactions pages through the user's ledger, newest first.
func (a *App) Transactions(ctx context.Context, userID string, limit, offset int) ([]domain.UsageTransaction, error) {
	if limit <= 0 {
		limit = defaultTransactionLimit
	}
	if limit > maxTransactionLimit {
		limit = maxTransactionLimit
	}
	if offset < 0 {
		offset = 0
	}
	txs, err := a.store.ListTransactions(userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return txs, nil
}

// Analytics returns per-day usage aggregates maintained from charge
// events.
func (a *App) Analytics(ctx context.Context, userID string, days int) ([]domain.UsageRollup, error) {
	if days <= 0 {
		days = defaultAnalyticsDays
	}
	if days > maxAnalyticsDays {
		days = maxAnalyticsDays
	}
	rollups, err := a.store.ListUsageRollups(userID, days)
	if err != nil {
		return nil, fmt.Errorf("list rollups: %w", err)
	}
	return rollups, nil
}

// HandleChargeEvent folds one committed charge into the daily rollup.
// Day bucketing uses the UTC day of the charge, not of the delivery.
func (a *App) HandleChargeEvent(ctx context.Context, e billing.ChargeEvent) error {
	occurred := e.OccurredAt
	if occurred.IsZero() {
		occurred = a.now()
	}
	day := occurred.UTC().Format("2006-01-02")
	tokens := int64(e.PromptTokens + e.CompletionTokens)
	if err := a.store.AddUsageRollup(e.UserID, day, e.Sparks, tokens); err != nil {
		return fmt.Errorf("add rollup: %w", err)
	}
	return nil
}
