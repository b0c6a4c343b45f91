package store

import (
	"time"

	"sparkgrid/pkg/domain"
)

// Store defines persistence for accounts, the usage ledger, conversations,
// messages, transcriptions and analytics rollups.
//
// Every mutation of the account row is a single conditional statement;
// callers must never read the row, compute a new value and write it back,
// since concurrent requests for the same user are not otherwise ordered.
type Store interface {
	// accounts
	CreateAccount(acct domain.Account) error
	GetAccount(userID string) (domain.Account, bool, error)

	// DebitBalance subtracts amount only where balance >= amount and
	// reports whether the debit applied together with the new balance.
	DebitBalance(userID string, amount int64) (applied bool, newBalance int64, err error)

	// CreditBalance adds amount unconditionally and bumps total_earned.
	CreditBalance(userID string, amount int64) (newBalance int64, err error)

	// AddDailyUsage adds weight to the daily counter, resetting it first
	// when the stored reset day differs from day.
	AddDailyUsage(userID string, weight int, day string) error

	// RefundDailyUsage decrements the daily counter, floored at zero,
	// without touching the reset day.
	RefundDailyUsage(userID string, weight int) error

	// ApplyDailyClaim credits amount only when the last claim happened
	// before the UTC day containing now.
	ApplyDailyClaim(userID string, amount int64, now time.Time) (applied bool, newBalance int64, err error)

	// ledger
	AppendTransaction(tx domain.UsageTransaction) error
	ListTransactions(userID string, limit, offset int) ([]domain.UsageTransaction, error)

	// conversations & messages
	CreateConversation(conv domain.Conversation) error
	GetConversation(id string) (domain.Conversation, bool, error)
	ListConversationsByUser(userID string, limit int) ([]domain.Conversation, error)
	TouchConversation(id string, lastMessageAt time.Time) error
	AppendMessage(msg domain.Message) error
	UpdateMessageUsage(id string, promptTokens, completionTokens, totalTokens int, cost int64) error
	ListConversationMessages(conversationID string, limit int) ([]domain.Message, error)

	// transcriptions
	CreateTranscription(tr domain.Transcription) error
	GetTranscription(id string) (domain.Transcription, bool, error)
	SetTranscriptionStatus(id string, status domain.TranscriptionStatus, errMsg string) error
	SetTranscriptionResult(id, transcript string, cost int64) error

	// analytics
	AddUsageRollup(userID, day string, sparks, tokens int64) error
	ListUsageRollups(userID string, days int) ([]domain.UsageRollup, error)
}
