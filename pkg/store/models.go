package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type AccountModel struct {
	UserID            string    `gorm:"primaryKey"`
	Tier              string    `gorm:"not null"`
	DailyMessageCount int       `gorm:"not null;default:0"`
	LastResetDay      string    `gorm:"not null;default:''"`
	Balance           int64     `gorm:"not null;default:0"`
	TotalEarned       int64     `gorm:"not null;default:0"`
	TotalSpent        int64     `gorm:"not null;default:0"`
	LastClaimAt       time.Time
	Verified          bool      `gorm:"not null;default:false"`
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

type TransactionModel struct {
	ID              string `gorm:"primaryKey"`
	UserID          string `gorm:"not null;index"`
	Type            string `gorm:"not null"`
	Amount          int64  `gorm:"not null"`
	BalanceAfter    int64  `gorm:"not null"`
	ModelUsed       string
	EstimatedTokens int
	MessageRef      string
	Metadata        datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt       time.Time      `gorm:"not null;index"`
}

type ConversationModel struct {
	ID            string `gorm:"primaryKey"`
	UserID        string `gorm:"not null;index"`
	Title         string `gorm:"not null"`
	LastMessageAt *time.Time
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

type MessageModel struct {
	ID               string `gorm:"primaryKey"`
	ConversationID   string `gorm:"not null;index"`
	UserID           string `gorm:"not null;index"`
	Role             string `gorm:"not null"`
	Content          string `gorm:"not null"`
	ModelUsed        string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Cost             int64
	CreatedAt        time.Time `gorm:"not null;index"`
	UpdatedAt        time.Time `gorm:"not null"`
}

type TranscriptionModel struct {
	ID           string `gorm:"primaryKey"`
	UserID       string `gorm:"not null;index"`
	ObjectKey    string `gorm:"not null"`
	MimeType     string `gorm:"not null"`
	SizeBytes    int64  `gorm:"not null"`
	Status       string `gorm:"not null"`
	Transcript   string
	Cost         int64
	ErrorMessage string
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

type UsageRollupModel struct {
	UserID      string    `gorm:"primaryKey"`
	Day         string    `gorm:"primaryKey"`
	SparksSpent int64     `gorm:"not null;default:0"`
	TotalTokens int64     `gorm:"not null;default:0"`
	Turns       int64     `gorm:"not null;default:0"`
	UpdatedAt   time.Time `gorm:"not null"`
}
