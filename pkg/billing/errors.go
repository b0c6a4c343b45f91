package billing

import (
	"errors"
	"fmt"
	"time"
)

// ErrAccountNotFound indicates the user has no wallet row yet.
var ErrAccountNotFound = errors.New("account not found")

// QuotaExceededError rejects a turn because the daily message limit is
// reached. Count and Limit are surfaced verbatim to the caller.
type QuotaExceededError struct {
	Count int
	Limit int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("daily message limit reached (%d/%d)", e.Count, e.Limit)
}

// InsufficientBalanceError rejects a turn because the prepaid balance
// cannot cover the estimated cost.
type InsufficientBalanceError struct {
	Required int64
	Balance  int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient sparks: need %d, have %d", e.Required, e.Balance)
}

// Shortfall is how many sparks the user is missing.
func (e *InsufficientBalanceError) Shortfall() int64 {
	return e.Required - e.Balance
}

// AlreadyClaimedError rejects a second daily claim within the same UTC
// calendar day. NextClaimAt is the next UTC midnight.
type AlreadyClaimedError struct {
	NextClaimAt time.Time
}

func (e *AlreadyClaimedError) Error() string {
	return fmt.Sprintf("daily bonus already claimed, next claim at %s", e.NextClaimAt.Format(time.RFC3339))
}
