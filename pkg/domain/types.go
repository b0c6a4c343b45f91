package domain

import "time"

type Tier string

const (
	TierBasic   Tier = "basic"
	TierPremium Tier = "premium"
)

type TransactionType string

const (
	TxMessageCost TransactionType = "message_cost"
	TxDailyClaim  TransactionType = "daily_claim"
	TxRefund      TransactionType = "refund"
)

type TranscriptionStatus string

const (
	TranscriptionQueued     TranscriptionStatus = "queued"
	TranscriptionProcessing TranscriptionStatus = "processing"
	TranscriptionDone       TranscriptionStatus = "done"
	TranscriptionFailed     TranscriptionStatus = "failed"
)

// Account is the per-user wallet and daily-quota row. It is the only
// mutable aggregate in the metering subsystem; all writes to it go
// through single conditional updates on the store.
type Account struct {
	UserID            string    `json:"userId"`
	Tier              Tier      `json:"tier"`
	DailyMessageCount int       `json:"dailyMessageCount"`
	LastResetDay      string    `json:"lastResetDay"` // local calendar day, YYYY-MM-DD
	Balance           int64     `json:"balance"`
	TotalEarned       int64     `json:"totalEarned"`
	TotalSpent        int64     `json:"totalSpent"`
	LastClaimAt       time.Time `json:"lastClaimAt"`
	Verified          bool      `json:"verified"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// UsageTransaction is an append-only ledger entry. Amount is negative
// for spends and positive for grants; BalanceAfter is the account
// balance immediately after the entry was applied.
type UsageTransaction struct {
	ID              string            `json:"id"`
	UserID          string            `json:"userId"`
	Type            TransactionType   `json:"type"`
	Amount          int64             `json:"amount"`
	BalanceAfter    int64             `json:"balanceAfter"`
	ModelUsed       string            `json:"modelUsed,omitempty"`
	EstimatedTokens int               `json:"estimatedTokens,omitempty"`
	MessageRef      string            `json:"messageRef,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
}

type Conversation struct {
	ID            string     `json:"id"`
	UserID        string     `json:"userId"`
	Title         string     `json:"title"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

type Message struct {
	ID               string    `json:"id"`
	ConversationID   string    `json:"conversationId"`
	UserID           string    `json:"userId"`
	Role             string    `json:"role"`
	Content          string    `json:"content"`
	ModelUsed        string    `json:"modelUsed,omitempty"`
	PromptTokens     int       `json:"promptTokens"`
	CompletionTokens int       `json:"completionTokens"`
	TotalTokens      int       `json:"totalTokens"`
	Cost             int64     `json:"cost"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

type Transcription struct {
	ID           string              `json:"id"`
	UserID       string              `json:"userId"`
	ObjectKey    string              `json:"-"`
	MimeType     string              `json:"mimeType"`
	SizeBytes    int64               `json:"sizeBytes"`
	Status       TranscriptionStatus `json:"status"`
	Transcript   string              `json:"transcript,omitempty"`
	Cost         int64               `json:"cost"`
	ErrorMessage string              `json:"errorMessage,omitempty"`
	CreatedAt    time.Time           `json:"createdAt"`
	UpdatedAt    time.Time           `json:"updatedAt"`
}

// UsageRollup is a per-user per-UTC-day aggregate of committed charges,
// maintained by the wallet service from usage events.
type UsageRollup struct {
	UserID      string    `json:"userId"`
	Day         string    `json:"day"` // UTC calendar day, YYYY-MM-DD
	SparksSpent int64     `json:"sparksSpent"`
	TotalTokens int64     `json:"totalTokens"`
	Turns       int64     `json:"turns"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
